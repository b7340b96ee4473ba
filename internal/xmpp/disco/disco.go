package disco

import (
	"encoding/xml"

	"mellium.im/xmlstream"
	"mellium.im/xmpp/disco/info"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/meszmate/rostersync/internal/xmpp/element"
)

// NSInfo is the disco#info namespace
const NSInfo = "http://jabber.org/protocol/disco#info"

// RoomInfoPrefix prefixes the ids of per-room info requests. The room JID
// is appended so concurrent fan-out replies stay distinguishable.
const RoomInfoPrefix = "gcinformation-request"

// RoomInfoID returns the request id for a room's info query
func RoomInfoID(room string) string {
	return RoomInfoPrefix + room
}

// InfoRequest builds a disco#info get addressed to to
func InfoRequest(id string, to jid.JID) *element.Element {
	q := xmlstream.Wrap(nil, xml.StartElement{Name: xml.Name{Space: NSInfo, Local: "query"}})
	return element.Build(stanza.IQ{ID: id, To: to, Type: stanza.GetIQ}.Wrap(q))
}

// IdentityName returns the name of the first identity in a disco#info
// result. Error replies, missing identities and empty names are all None.
func IdentityName(st *element.Element) element.Option[string] {
	if st == nil || st.Type() == string(stanza.ErrorIQ) {
		return element.None[string]()
	}
	el, ok := element.ChildNS(st.ChildNS(NSInfo, "query"), NSInfo, "identity").Get()
	if !ok {
		return element.None[string]()
	}
	var ident info.Identity
	if err := el.DecodeAs(&ident); err != nil {
		return element.None[string]()
	}
	return element.NonEmpty(element.Some(ident.Name))
}
