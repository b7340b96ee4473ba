// Package avatar builds and reads PubSub avatar (XEP-0084) stanzas.
package avatar

import (
	"encoding/xml"

	"mellium.im/xmlstream"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/meszmate/rostersync/internal/xmpp/element"
)

const (
	NSPubSub      = "http://jabber.org/protocol/pubsub"
	NSPubSubEvent = "http://jabber.org/protocol/pubsub#event"
	NodeData      = "urn:xmpp:avatar:data"
)

// Request id prefixes
const (
	RequestPrefix = "pfp-request-"
	OwnRequestID  = "userpfp-request"
)

// RequestID returns the request id for a contact's avatar fetch
func RequestID(jid string) string {
	return RequestPrefix + jid
}

// Request builds a PubSub items get for the avatar data node of to
func Request(id string, to jid.JID) *element.Element {
	items := xmlstream.Wrap(nil, xml.StartElement{
		Name: xml.Name{Local: "items"},
		Attr: []xml.Attr{{Name: xml.Name{Local: "node"}, Value: NodeData}},
	})
	pubsub := xmlstream.Wrap(items, xml.StartElement{Name: xml.Name{Space: NSPubSub, Local: "pubsub"}})
	return element.Build(stanza.IQ{ID: id, To: to, Type: stanza.GetIQ}.Wrap(pubsub))
}

// DataURL wraps a base64 payload into a data URL
func DataURL(payload string) string {
	return "data:image/jpeg;base64," + payload
}

// FromResult extracts the data URL from a PubSub items result
func FromResult(st *element.Element) element.Option[string] {
	if st == nil || st.Type() == string(stanza.ErrorIQ) {
		return element.None[string]()
	}
	return dataURL(st.Path("pubsub", "items", "item", "data"))
}

// FromEvent extracts the data URL from a PubSub event notification
func FromEvent(st *element.Element) element.Option[string] {
	return dataURL(st.Path("event", "items", "item", "data"))
}

func dataURL(data element.Option[*element.Element]) element.Option[string] {
	payload, ok := element.NonEmpty(element.Text(data)).Get()
	if !ok {
		return element.None[string]()
	}
	return element.Some(DataURL(payload))
}
