package presence

import (
	"encoding/xml"
	"strconv"

	"mellium.im/xmlstream"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/meszmate/rostersync/internal/xmpp/element"
)

// Show values as they appear in <show/>
const (
	ShowChat = "chat"
	ShowAway = "away"
	ShowDND  = "dnd"
	ShowXA   = "xa"
)

// Presence stanza types
const (
	TypeSubscribe    = string(stanza.SubscribePresence)
	TypeSubscribed   = string(stanza.SubscribedPresence)
	TypeUnavailable  = string(stanza.UnavailablePresence)
	TypeUnsubscribe  = string(stanza.UnsubscribePresence)
	TypeUnsubscribed = string(stanza.UnsubscribedPresence)
)

// DefaultPriority is sent with the initial presence
const DefaultPriority = 127

// State is the availability of a contact. The zero value is Unavailable,
// which is also what a contact without any received presence shows.
type State int

const (
	Unavailable State = iota
	Available
	Away
	DoNotDisturb
	ExtendedAway
)

// String returns a human-readable name
func (s State) String() string {
	switch s {
	case Available:
		return "available"
	case Away:
		return "away"
	case DoNotDisturb:
		return "dnd"
	case ExtendedAway:
		return "xa"
	default:
		return "unavailable"
	}
}

// Show returns the <show/> value used when sending this state
func (s State) Show() string {
	switch s {
	case Away:
		return ShowAway
	case DoNotDisturb:
		return ShowDND
	case ExtendedAway:
		return ShowXA
	default:
		return ShowChat
	}
}

// FromShow maps a <show/> value to a State. Absent or unknown values are
// Available.
func FromShow(show string) State {
	switch show {
	case ShowAway:
		return Away
	case ShowDND:
		return DoNotDisturb
	case ShowXA:
		return ExtendedAway
	default:
		return Available
	}
}

// Parse maps a user-facing name ("away", "dnd", "offline"...) to a State
func Parse(s string) State {
	switch s {
	case "available", "online", "chat", "":
		return Available
	case "away":
		return Away
	case "dnd", "busy":
		return DoNotDisturb
	case "xa":
		return ExtendedAway
	case "unavailable", "offline":
		return Unavailable
	default:
		return Available
	}
}

// Initial builds the presence sent right after going online
func Initial(priority int) *element.Element {
	return element.Build(stanza.Presence{}.Wrap(
		element.New("priority").SetText(strconv.Itoa(priority)).TokenReader(),
	))
}

// Status builds a broadcast presence carrying show and an optional status text
func Status(state State, text string) *element.Element {
	var payload []xml.TokenReader
	p := stanza.Presence{}
	if state == Unavailable {
		p.Type = stanza.UnavailablePresence
	} else {
		payload = append(payload, element.New("show").SetText(state.Show()).TokenReader())
	}
	if text != "" {
		payload = append(payload, element.New("status").SetText(text).TokenReader())
	}
	return element.Build(p.Wrap(xmlstream.MultiReader(payload...)))
}

// UnavailablePresence builds the presence sent before logging out
func UnavailablePresence() *element.Element {
	return element.Build(stanza.Presence{Type: stanza.UnavailablePresence}.Wrap(nil))
}

// Subscribe builds a subscription request to addr
func Subscribe(addr jid.JID) *element.Element {
	return element.Build(stanza.Presence{To: addr, Type: stanza.SubscribePresence}.Wrap(nil))
}

// Subscribed approves a subscription request from addr
func Subscribed(addr jid.JID) *element.Element {
	return element.Build(stanza.Presence{To: addr, Type: stanza.SubscribedPresence}.Wrap(nil))
}
