package element

// Option holds a value that may be absent. Lookups on a stanza tree return
// Options so that a missing child or attribute is handled at the call site
// instead of surfacing as a nil dereference further down.
type Option[T any] struct {
	value T
	ok    bool
}

// Some wraps a present value
func Some[T any](v T) Option[T] {
	return Option[T]{value: v, ok: true}
}

// None returns an empty Option
func None[T any]() Option[T] {
	return Option[T]{}
}

// Get returns the value and whether it is present
func (o Option[T]) Get() (T, bool) {
	return o.value, o.ok
}

// IsSome reports whether a value is present
func (o Option[T]) IsSome() bool {
	return o.ok
}

// OrElse returns the value, or def when absent
func (o Option[T]) OrElse(def T) T {
	if o.ok {
		return o.value
	}
	return def
}

// Child looks up a direct child of an optional element.
func Child(o Option[*Element], local string) Option[*Element] {
	e, ok := o.Get()
	if !ok {
		return None[*Element]()
	}
	return e.Child(local)
}

// ChildNS is Child restricted to the given namespace.
func ChildNS(o Option[*Element], space, local string) Option[*Element] {
	e, ok := o.Get()
	if !ok {
		return None[*Element]()
	}
	return e.ChildNS(space, local)
}

// Text returns the character data of an optional element.
func Text(o Option[*Element]) Option[string] {
	e, ok := o.Get()
	if !ok {
		return None[string]()
	}
	return Some(e.Text)
}

// Attr returns an attribute of an optional element.
func Attr(o Option[*Element], name string) Option[string] {
	e, ok := o.Get()
	if !ok {
		return None[string]()
	}
	return e.Attr(name)
}

// NonEmpty drops empty strings.
func NonEmpty(o Option[string]) Option[string] {
	s, ok := o.Get()
	if !ok || s == "" {
		return None[string]()
	}
	return o
}
