// Package element provides a small generic XML tree for stanzas.
//
// Inbound stanzas are decoded from the session token stream into an
// Element and inspected with Option-returning accessors. Outbound stanzas
// are built from mellium stanza and payload types, captured with Build and
// written back to the session through TokenReader.
package element

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"strings"

	"mellium.im/xmlstream"
)

// Namespaces used by the stanza builders and parsers.
const (
	NSClient = "jabber:client"
)

// ErrMalformedStanza is returned when an expected child or attribute is missing.
var ErrMalformedStanza = errors.New("malformed stanza")

// Element is a decoded XML element with its attributes, children and
// directly contained character data.
type Element struct {
	Name     xml.Name
	Attrs    []xml.Attr
	Children []*Element
	Text     string
}

// New creates an element without a namespace. attrs are key/value pairs;
// pairs with an empty value are skipped.
func New(local string, attrs ...string) *Element {
	return NewNS("", local, attrs...)
}

// NewNS creates an element in the given namespace
func NewNS(space, local string, attrs ...string) *Element {
	e := &Element{Name: xml.Name{Space: space, Local: local}}
	for i := 0; i+1 < len(attrs); i += 2 {
		e.SetAttr(attrs[i], attrs[i+1])
	}
	return e
}

// Stanza creates a top-level stanza in the jabber:client namespace
func Stanza(local string, attrs ...string) *Element {
	return NewNS(NSClient, local, attrs...)
}

// SetAttr sets or replaces an attribute. Empty values are ignored.
func (e *Element) SetAttr(name, value string) *Element {
	if value == "" {
		return e
	}
	for i := range e.Attrs {
		if e.Attrs[i].Name.Local == name && e.Attrs[i].Name.Space == "" {
			e.Attrs[i].Value = value
			return e
		}
	}
	e.Attrs = append(e.Attrs, xml.Attr{Name: xml.Name{Local: name}, Value: value})
	return e
}

// Append adds children and returns e for chaining
func (e *Element) Append(children ...*Element) *Element {
	for _, c := range children {
		if c != nil {
			e.Children = append(e.Children, c)
		}
	}
	return e
}

// SetText sets the character data
func (e *Element) SetText(text string) *Element {
	e.Text = text
	return e
}

// Is reports whether the element has the given local name.
func (e *Element) Is(local string) bool {
	return e != nil && e.Name.Local == local
}

// Attr returns an attribute value by local name.
func (e *Element) Attr(name string) Option[string] {
	if e == nil {
		return None[string]()
	}
	for _, a := range e.Attrs {
		if a.Name.Local == name && a.Name.Space != "xmlns" {
			return Some(a.Value)
		}
	}
	return None[string]()
}

// AttrOr returns an attribute value or def
func (e *Element) AttrOr(name, def string) string {
	return e.Attr(name).OrElse(def)
}

// Child returns the first direct child with the given local name.
func (e *Element) Child(local string) Option[*Element] {
	if e == nil {
		return None[*Element]()
	}
	for _, c := range e.Children {
		if c.Name.Local == local {
			return Some(c)
		}
	}
	return None[*Element]()
}

// ChildNS returns the first direct child with the given namespace and local name.
func (e *Element) ChildNS(space, local string) Option[*Element] {
	if e == nil {
		return None[*Element]()
	}
	for _, c := range e.Children {
		if c.Name.Local == local && c.Name.Space == space {
			return Some(c)
		}
	}
	return None[*Element]()
}

// ChildrenNamed returns all direct children with the given local name.
func (e *Element) ChildrenNamed(local string) []*Element {
	if e == nil {
		return nil
	}
	var out []*Element
	for _, c := range e.Children {
		if c.Name.Local == local {
			out = append(out, c)
		}
	}
	return out
}

// ChildText returns the character data of the first child named local.
func (e *Element) ChildText(local string) Option[string] {
	return Text(e.Child(local))
}

// Path walks nested children by local name.
func (e *Element) Path(locals ...string) Option[*Element] {
	cur := Some(e)
	if e == nil {
		return None[*Element]()
	}
	for _, l := range locals {
		cur = Child(cur, l)
		if !cur.IsSome() {
			return cur
		}
	}
	return cur
}

// Require is Path that reports a missing step as ErrMalformedStanza.
func (e *Element) Require(locals ...string) (*Element, error) {
	found, ok := e.Path(locals...).Get()
	if !ok {
		return nil, fmt.Errorf("%w: missing %s", ErrMalformedStanza, strings.Join(locals, "/"))
	}
	return found, nil
}

// UnmarshalXML implements xml.Unmarshaler
func (e *Element) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	e.Name = start.Name
	e.Attrs = e.Attrs[:0]
	for _, a := range start.Attr {
		if a.Name.Space == "xmlns" || (a.Name.Space == "" && a.Name.Local == "xmlns") {
			continue
		}
		e.Attrs = append(e.Attrs, a)
	}

	var text strings.Builder
	for {
		tok, err := d.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			child := &Element{}
			if err := child.UnmarshalXML(d, t); err != nil {
				return err
			}
			e.Children = append(e.Children, child)
		case xml.CharData:
			text.Write(t)
		case xml.EndElement:
			e.Text = text.String()
			return nil
		}
	}
}

// MarshalXML implements xml.Marshaler
func (e *Element) MarshalXML(enc *xml.Encoder, _ xml.StartElement) error {
	start := xml.StartElement{Name: e.Name, Attr: e.Attrs}
	if err := enc.EncodeToken(start); err != nil {
		return err
	}
	if e.Text != "" {
		if err := enc.EncodeToken(xml.CharData(e.Text)); err != nil {
			return err
		}
	}
	for _, c := range e.Children {
		if err := c.MarshalXML(enc, xml.StartElement{}); err != nil {
			return err
		}
	}
	return enc.EncodeToken(start.End())
}

// TokenReader implements xmlstream.Marshaler
func (e *Element) TokenReader() xml.TokenReader {
	start := xml.StartElement{Name: e.Name, Attr: append([]xml.Attr(nil), e.Attrs...)}
	return xmlstream.Wrap(e.Payload(), start)
}

// Payload returns the tokens between the element's start and end, in the
// shape stanza.UnmarshalError and other payload readers expect.
func (e *Element) Payload() xml.TokenReader {
	inner := make([]xml.TokenReader, 0, len(e.Children)+1)
	if e.Text != "" {
		inner = append(inner, xmlstream.Token(xml.CharData(e.Text)))
	}
	for _, c := range e.Children {
		inner = append(inner, c.TokenReader())
	}
	return xmlstream.MultiReader(inner...)
}

// Decode reads the element opened by start from r. r yields the tokens
// following start, up to and including its end element, as the handler
// reader of an XMPP session does.
func Decode(r xml.TokenReader, start xml.StartElement) (*Element, error) {
	return FromTokens(xmlstream.MultiReader(xmlstream.Token(start), r))
}

// FromTokens reads one complete element from r
func FromTokens(r xml.TokenReader) (*Element, error) {
	e := &Element{}
	if err := xml.NewTokenDecoder(r).Decode(e); err != nil {
		return nil, fmt.Errorf("decode element: %w", err)
	}
	return e, nil
}

// Build captures a stanza produced by a builder. The readers returned by
// the mellium stanza and payload types are always well-formed, so a
// failure is a programming error and panics.
func Build(r xml.TokenReader) *Element {
	e, err := FromTokens(r)
	if err != nil {
		panic(err)
	}
	return e
}

// DecodeAs decodes the element into v with encoding/xml struct rules
func (e *Element) DecodeAs(v interface{}) error {
	return xml.NewTokenDecoder(e.TokenReader()).Decode(v)
}

// Parse decodes a single element from raw XML.
func Parse(raw []byte) (*Element, error) {
	e := &Element{}
	if err := xml.Unmarshal(raw, e); err != nil {
		return nil, fmt.Errorf("parse element: %w", err)
	}
	return e, nil
}

// MustParse is Parse for fixtures; it panics on invalid input.
func MustParse(raw string) *Element {
	e, err := Parse([]byte(raw))
	if err != nil {
		panic(err)
	}
	return e
}

// String renders the element as XML
func (e *Element) String() string {
	var buf bytes.Buffer
	if err := xml.NewEncoder(&buf).Encode(e); err != nil {
		return fmt.Sprintf("<!%v>", err)
	}
	return buf.String()
}

// ID returns the stanza id attribute or the empty string
func (e *Element) ID() string {
	return e.AttrOr("id", "")
}

// Type returns the stanza type attribute or the empty string
func (e *Element) Type() string {
	return e.AttrOr("type", "")
}
