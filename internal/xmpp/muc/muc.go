package muc

import (
	"encoding/xml"
	"fmt"
	"strings"

	"mellium.im/xmlstream"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/meszmate/rostersync/internal/xmpp/address"
	"github.com/meszmate/rostersync/internal/xmpp/element"
)

// Namespaces for private XML bookmark storage
const (
	NSPrivate   = "jabber:iq:private"
	NSBookmarks = "storage:bookmarks"
)

// Request ids for the bookmark fetch. The add-contact flow uses its own id
// so it never collides with a login fetch still in flight.
const (
	RoomsRequestID    = "rooms-request"
	AddRoomsRequestID = "add-rooms-request"
)

// DefaultRoomName labels rooms whose info query gave no usable name
const DefaultRoomName = "Groupchat"

// ConferencePrefix is the subdomain label of the MUC service
const ConferencePrefix = "conference."

// Bookmark is a stored reference to a group chat
type Bookmark struct {
	JID      string
	Name     string
	Autojoin bool
}

// BookmarksRequest builds the private storage get for conference bookmarks
func BookmarksRequest(id string) *element.Element {
	storage := xmlstream.Wrap(nil, xml.StartElement{Name: xml.Name{Space: NSBookmarks, Local: "storage"}})
	query := xmlstream.Wrap(storage, xml.StartElement{Name: xml.Name{Space: NSPrivate, Local: "query"}})
	return element.Build(stanza.IQ{ID: id, Type: stanza.GetIQ}.Wrap(query))
}

// ParseBookmarks extracts the conference entries of a bookmark result.
// Conferences without a jid are skipped; jids are put in canonical bare
// form and duplicates keep the first entry.
func ParseBookmarks(st *element.Element) ([]Bookmark, error) {
	if st.Type() == string(stanza.ErrorIQ) {
		return nil, fmt.Errorf("bookmarks request %q failed", st.ID())
	}
	storage, err := st.Require("query", "storage")
	if err != nil {
		return nil, fmt.Errorf("bookmarks result: %w", err)
	}

	seen := make(map[string]bool)
	var out []Bookmark
	for _, conf := range storage.ChildrenNamed("conference") {
		raw, ok := element.NonEmpty(conf.Attr("jid")).Get()
		if !ok {
			continue
		}
		j := address.Bare(raw)
		if seen[j] {
			continue
		}
		seen[j] = true
		autojoin := conf.AttrOr("autojoin", "false")
		out = append(out, Bookmark{
			JID:      j,
			Name:     conf.AttrOr("name", ""),
			Autojoin: autojoin == "true" || autojoin == "1",
		})
	}
	return out, nil
}

// IsConferenceJID reports whether addr lives on a conference service
func IsConferenceJID(addr string) bool {
	_, domain, ok := strings.Cut(addr, "@")
	if !ok {
		return false
	}
	domain, _, _ = strings.Cut(domain, "/")
	return strings.HasPrefix(domain, ConferencePrefix)
}

// SelfRoomJID returns the conference room named after the account,
// <localpart>@conference.<domain>.
func SelfRoomJID(self jid.JID) string {
	return self.Localpart() + "@" + ConferencePrefix + self.Domainpart()
}
