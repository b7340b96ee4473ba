package roster

import (
	"encoding/xml"
	"fmt"

	"mellium.im/xmlstream"
	"mellium.im/xmpp/jid"
	xmpproster "mellium.im/xmpp/roster"
	"mellium.im/xmpp/stanza"

	"github.com/meszmate/rostersync/internal/xmpp/address"
	"github.com/meszmate/rostersync/internal/xmpp/element"
)

// NS is the roster namespace
const NS = xmpproster.NS

// Request ids
const (
	RequestID       = "roster-request"
	AddRequestID    = "add-user"
	AcceptRequestID = "accept-request"
)

// DefaultName is shown for roster items without a name
const DefaultName = "No name"

// Subscription represents the subscription state
type Subscription string

const (
	SubscriptionNone   Subscription = "none"
	SubscriptionTo     Subscription = "to"
	SubscriptionFrom   Subscription = "from"
	SubscriptionBoth   Subscription = "both"
	SubscriptionRemove Subscription = "remove"
)

// Item represents a roster item
type Item struct {
	JID          string
	Name         string
	Subscription Subscription
	Groups       []string
	Ask          string
}

// DisplayName returns the item name, or DefaultName when it has none
func (i Item) DisplayName() string {
	if i.Name == "" {
		return DefaultName
	}
	return i.Name
}

// Get builds a roster get IQ
func Get(id string) *element.Element {
	return element.Build(stanza.IQ{ID: id, Type: stanza.GetIQ}.Wrap(query(nil)))
}

// Set builds a roster set IQ for a single item. An empty subscription is omitted.
func Set(id string, addr jid.JID, subscription Subscription) *element.Element {
	item := xmpproster.Item{JID: addr, Subscription: string(subscription)}
	return element.Build(stanza.IQ{ID: id, Type: stanza.SetIQ}.Wrap(query(item.TokenReader())))
}

func query(payload xml.TokenReader) xml.TokenReader {
	return xmlstream.Wrap(payload, xml.StartElement{Name: xml.Name{Space: NS, Local: "query"}})
}

// ParseItems extracts the items of a roster result. Items without a valid
// jid are skipped; the others carry the jid in canonical form.
func ParseItems(st *element.Element) ([]Item, error) {
	if st.Type() == string(stanza.ErrorIQ) {
		return nil, fmt.Errorf("roster request %q failed", st.ID())
	}
	q, err := st.Require("query")
	if err != nil {
		return nil, fmt.Errorf("roster result: %w", err)
	}

	var items []Item
	for _, child := range q.ChildrenNamed("item") {
		var decoded xmpproster.Item
		if err := child.DecodeAs(&decoded); err != nil || decoded.JID.Equal(jid.JID{}) {
			continue
		}
		sub := Subscription(decoded.Subscription)
		if sub == "" {
			sub = SubscriptionNone
		}
		item := Item{
			JID:          decoded.JID.Bare().String(),
			Name:         decoded.Name,
			Subscription: sub,
			Ask:          child.AttrOr("ask", ""),
		}
		for _, g := range decoded.Group {
			if g != "" {
				item.Groups = append(item.Groups, g)
			}
		}
		items = append(items, item)
	}
	return items, nil
}

// IsPush reports whether st is a roster push. Pushes from anyone other
// than the server or the account itself are ignored (RFC 6121 2.1.6).
func IsPush(st *element.Element, account string) bool {
	if !st.Is("iq") || st.Type() != string(stanza.SetIQ) {
		return false
	}
	if !st.ChildNS(NS, "query").IsSome() {
		return false
	}
	from := st.AttrOr("from", "")
	return from == "" || address.SameBare(from, account)
}

// Ack builds the empty result acknowledging a roster push
func Ack(push *element.Element) *element.Element {
	return element.Build(stanza.IQ{ID: push.ID(), Type: stanza.ResultIQ}.Wrap(nil))
}
