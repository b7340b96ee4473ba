// Package correlator matches outbound requests to their inbound replies.
package correlator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/meszmate/rostersync/internal/xmpp/address"
	"github.com/meszmate/rostersync/internal/xmpp/element"
)

var (
	// ErrRequestTimeout is returned by Await when no matching stanza arrived in time.
	ErrRequestTimeout = errors.New("request timed out")
	// ErrDuplicateRegistration is returned when an id is already pending.
	ErrDuplicateRegistration = errors.New("duplicate request registration")
	// ErrNotPending is returned when awaiting a handle whose reply was already consumed.
	ErrNotPending = errors.New("request is no longer pending")
)

// Kind classifies what a pending request is waiting for
type Kind int

const (
	KindRoster Kind = iota
	KindBookmarks
	KindRoomInfo
	KindAvatar
	KindRegistration
	KindAccountRemoval
	KindUploadSlot
	KindRosterSet
)

// String returns the name of the kind
func (k Kind) String() string {
	switch k {
	case KindRoster:
		return "roster"
	case KindBookmarks:
		return "bookmarks"
	case KindRoomInfo:
		return "room-info"
	case KindAvatar:
		return "avatar"
	case KindRegistration:
		return "registration"
	case KindAccountRemoval:
		return "account-removal"
	case KindUploadSlot:
		return "upload-slot"
	case KindRosterSet:
		return "roster-set"
	default:
		return "unknown"
	}
}

// Predicate reports whether an inbound stanza answers a request
type Predicate func(st *element.Element) bool

// MatchID matches stanzas whose id equals id.
func MatchID(id string) Predicate {
	return func(st *element.Element) bool {
		return st.ID() == id
	}
}

// MatchIDPrefix matches stanzas whose id starts with prefix. Fan-out queries
// append a per-destination suffix to a shared prefix.
func MatchIDPrefix(prefix string) Predicate {
	return func(st *element.Element) bool {
		return strings.HasPrefix(st.ID(), prefix)
	}
}

// MatchFrom narrows p to stanzas sent from addr. Addresses are compared
// in canonical bare form, so any resource of addr matches.
func MatchFrom(addr string, p Predicate) Predicate {
	want := address.Bare(addr)
	return func(st *element.Element) bool {
		return address.Bare(st.AttrOr("from", "")) == want && p(st)
	}
}

// Pending is a registered request awaiting its reply
type Pending struct {
	ID        string
	Kind      Kind
	CreatedAt time.Time

	match Predicate
	ch    chan *element.Element
	err   error
}

// Correlator tracks pending requests in registration order.
type Correlator struct {
	mu      sync.Mutex
	pending []*Pending
	byID    map[string]*Pending
	now     func() time.Time
}

// New creates an empty correlator
func New() *Correlator {
	return &Correlator{
		byID: make(map[string]*Pending),
		now:  time.Now,
	}
}

// Register records an expected reply. It must be called before the request
// is sent so a fast reply cannot be missed.
func (c *Correlator) Register(id string, kind Kind, match Predicate) (*Pending, error) {
	if match == nil {
		match = MatchID(id)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.byID[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateRegistration, id)
	}

	p := &Pending{
		ID:        id,
		Kind:      kind,
		CreatedAt: c.now(),
		match:     match,
		ch:        make(chan *element.Element, 1),
	}
	c.pending = append(c.pending, p)
	c.byID[id] = p
	return p, nil
}

// Resolve offers an inbound stanza to the pending requests. The first
// match in registration order receives it and is removed. It reports
// whether any request consumed the stanza.
func (c *Correlator) Resolve(st *element.Element) bool {
	if st == nil {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, p := range c.pending {
		if p.match(st) {
			c.finish(p, st, nil)
			return true
		}
	}
	return false
}

// Await blocks until the request is resolved, the timeout elapses or ctx
// is done. On timeout or cancellation the registration is removed.
func (c *Correlator) Await(ctx context.Context, p *Pending, timeout time.Duration) (*element.Element, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case st, ok := <-p.ch:
		return c.result(p, st, ok)
	case <-timer.C:
		c.expire(p, fmt.Errorf("%w: %s (%s) after %s", ErrRequestTimeout, p.ID, p.Kind, timeout))
	case <-ctx.Done():
		c.expire(p, ctx.Err())
	}

	// The channel is closed by now, either by expire or by a Resolve that
	// won the race and left its stanza buffered.
	st, ok := <-p.ch
	return c.result(p, st, ok)
}

// Cancel removes a registration without resolving it. Used when sending
// the request failed.
func (c *Correlator) Cancel(p *Pending) {
	c.expire(p, context.Canceled)
}

// Len returns the number of pending requests
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Correlator) result(p *Pending, st *element.Element, ok bool) (*element.Element, error) {
	if ok {
		return st, nil
	}
	if p.err != nil {
		return nil, p.err
	}
	return nil, fmt.Errorf("%w: %s", ErrNotPending, p.ID)
}

func (c *Correlator) expire(p *Pending, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.byID[p.ID] == p {
		c.finish(p, nil, err)
	}
}

// finish must be called with c.mu held, exactly once per Pending.
func (c *Correlator) finish(p *Pending, st *element.Element, err error) {
	delete(c.byID, p.ID)
	for i, q := range c.pending {
		if q == p {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			break
		}
	}
	p.err = err
	if st != nil {
		p.ch <- st
	}
	close(p.ch)
}
