// Package classifier turns inbound stanzas into application events.
//
// Classification is pure: the only input besides the stanza is the clock,
// used to stamp live messages, which carry no timestamp of their own.
package classifier

import (
	"time"

	"github.com/meszmate/rostersync/internal/xmpp/address"
	"github.com/meszmate/rostersync/internal/xmpp/avatar"
	"github.com/meszmate/rostersync/internal/xmpp/chat"
	"github.com/meszmate/rostersync/internal/xmpp/element"
	"github.com/meszmate/rostersync/internal/xmpp/presence"
)

// Kind is the class of an inbound stanza
type Kind int

const (
	Unclassified Kind = iota
	PresenceUpdate
	DirectMessage
	ArchivedMessage
	AvatarPayload
	SubscriptionRequest
)

// String returns the name of the kind
func (k Kind) String() string {
	switch k {
	case PresenceUpdate:
		return "presence-update"
	case DirectMessage:
		return "direct-message"
	case ArchivedMessage:
		return "archived-message"
	case AvatarPayload:
		return "avatar-payload"
	case SubscriptionRequest:
		return "subscription-request"
	default:
		return "unclassified"
	}
}

// Event is a classified stanza. Only the fields relevant to Kind are set.
type Event struct {
	Kind Kind

	// JID is the bare sender address for presence, avatar and
	// subscription events.
	JID string

	Presence   presence.State
	StatusText string

	Message chat.Message

	AvatarURL string

	// Reason says why a stanza that looked relevant was left unclassified.
	Reason string
}

// ReasonArchivedWithoutDelay marks an archived message dropped because its
// delivery time was missing or unreadable. The timestamp is the merge key,
// so such messages would all collapse into one.
const ReasonArchivedWithoutDelay = "archived message without delay"

// Classifier classifies stanzas
type Classifier struct {
	Now func() time.Time
}

// New returns a classifier stamping live messages with the wall clock
func New() *Classifier {
	return &Classifier{Now: time.Now}
}

// Classify maps a stanza to at most one event. Rules are checked in order
// and the first match wins.
func (c *Classifier) Classify(st *element.Element) Event {
	if st == nil {
		return Event{}
	}
	switch {
	case st.Is("presence"):
		return classifyPresence(st)
	case st.Is("message"):
		if res, ok := st.Child("result").Get(); ok {
			return classifyArchived(res)
		}
		if st.Child("body").IsSome() {
			return c.classifyLive(st)
		}
		if url, ok := avatar.FromEvent(st).Get(); ok {
			return Event{Kind: AvatarPayload, JID: address.Bare(st.AttrOr("from", "")), AvatarURL: url}
		}
	}
	return Event{}
}

func classifyPresence(st *element.Element) Event {
	from := address.Bare(st.AttrOr("from", ""))
	switch st.Type() {
	case presence.TypeSubscribe:
		return Event{Kind: SubscriptionRequest, JID: from}
	case presence.TypeUnavailable:
		return Event{
			Kind:       PresenceUpdate,
			JID:        from,
			Presence:   presence.Unavailable,
			StatusText: st.ChildText("status").OrElse(""),
		}
	}
	return Event{
		Kind:       PresenceUpdate,
		JID:        from,
		Presence:   presence.FromShow(st.ChildText("show").OrElse("")),
		StatusText: st.ChildText("status").OrElse(""),
	}
}

func classifyArchived(result *element.Element) Event {
	fwd, ok := result.Child("forwarded").Get()
	if !ok {
		return Event{}
	}
	inner, ok := fwd.Child("message").Get()
	if !ok {
		return Event{}
	}
	stamp, ok := chat.ForwardedStamp(fwd).Get()
	if !ok {
		return Event{Reason: ReasonArchivedWithoutDelay}
	}
	completeFrom := inner.AttrOr("from", "")
	return Event{
		Kind: ArchivedMessage,
		JID:  address.Bare(completeFrom),
		Message: chat.Message{
			From:         address.Bare(completeFrom),
			To:           inner.AttrOr("to", ""),
			Timestamp:    stamp,
			Content:      inner.ChildText("body").OrElse(""),
			Attachment:   chat.OOBURL(inner).OrElse(""),
			CompleteFrom: completeFrom,
		},
	}
}

func (c *Classifier) classifyLive(st *element.Element) Event {
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	completeFrom := st.AttrOr("from", "")
	return Event{
		Kind: DirectMessage,
		JID:  address.Bare(completeFrom),
		Message: chat.Message{
			From:         address.Bare(completeFrom),
			To:           st.AttrOr("to", ""),
			Timestamp:    chat.Stamp(now()),
			Content:      st.ChildText("body").OrElse(""),
			Attachment:   chat.OOBURL(st).OrElse(""),
			CompleteFrom: completeFrom,
		},
	}
}
