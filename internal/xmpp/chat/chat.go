package chat

import (
	"encoding/xml"
	"sort"
	"time"

	"mellium.im/xmlstream"
	"mellium.im/xmpp/forward"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/oob"
	"mellium.im/xmpp/stanza"

	"github.com/meszmate/rostersync/internal/xmpp/element"
)

// Extension namespaces used on outgoing chat messages
const (
	NSReceipts    = "urn:xmpp:receipts"
	NSChatMarkers = "urn:xmpp:chat-markers:0"
	NSMAM         = "urn:xmpp:mam:2"
)

// Archive query identifiers
const (
	ArchiveRequestID = "mamReq"
	ArchiveQueryID   = "f27"
)

// TimestampLayout is the ISO-8601 form used for locally stamped messages
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Message represents a chat message. Timestamp is the merge key: two
// messages with the same timestamp are the same message.
type Message struct {
	From         string
	To           string
	Timestamp    string
	Content      string
	Attachment   string
	CompleteFrom string
}

// Stamp formats t as a message timestamp in UTC
func Stamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// Time parses the message timestamp. Unparseable stamps report false.
func (m Message) Time() (time.Time, bool) {
	t, err := time.Parse(time.RFC3339Nano, m.Timestamp)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Merge combines existing and incoming messages keyed by timestamp.
// Incoming messages overwrite existing ones with the same key, so merging
// the same batch twice is a no-op. The result is sorted ascending by
// timestamp and never aliases the inputs.
func Merge(existing []Message, incoming ...Message) []Message {
	byStamp := make(map[string]int, len(existing)+len(incoming))
	out := make([]Message, 0, len(existing)+len(incoming))

	add := func(m Message) {
		if i, ok := byStamp[m.Timestamp]; ok {
			out[i] = m
			return
		}
		byStamp[m.Timestamp] = len(out)
		out = append(out, m)
	}
	for _, m := range existing {
		add(m)
	}
	for _, m := range incoming {
		add(m)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return less(out[i], out[j])
	})
	return out
}

func less(a, b Message) bool {
	ta, okA := a.Time()
	tb, okB := b.Time()
	if okA && okB && !ta.Equal(tb) {
		return ta.Before(tb)
	}
	return a.Timestamp < b.Timestamp
}

// NewMessage builds an outgoing chat message
func NewMessage(id string, from, to jid.JID, body string) *element.Element {
	return element.Build(message(id, from, to, bodyElement(body)))
}

// NewAttachmentMessage builds a chat message carrying an out-of-band URL,
// requesting a delivery receipt and marked as markable.
func NewAttachmentMessage(id string, from, to jid.JID, body, url, desc string) *element.Element {
	return element.Build(message(id, from, to, xmlstream.MultiReader(
		bodyElement(body),
		oob.Data{URL: url, Desc: desc}.TokenReader(),
		empty(NSReceipts, "request"),
		empty(NSChatMarkers, "markable"),
	)))
}

func message(id string, from, to jid.JID, payload xml.TokenReader) xml.TokenReader {
	return stanza.Message{ID: id, From: from, To: to, Type: stanza.ChatMessage}.Wrap(payload)
}

func bodyElement(body string) xml.TokenReader {
	return xmlstream.Wrap(xmlstream.Token(xml.CharData(body)), xml.StartElement{Name: xml.Name{Local: "body"}})
}

func empty(space, local string) xml.TokenReader {
	return xmlstream.Wrap(nil, xml.StartElement{Name: xml.Name{Space: space, Local: local}})
}

// ArchiveQuery builds the message archive query sent after login
func ArchiveQuery() *element.Element {
	q := xmlstream.Wrap(nil, xml.StartElement{
		Name: xml.Name{Space: NSMAM, Local: "query"},
		Attr: []xml.Attr{{Name: xml.Name{Local: "queryid"}, Value: ArchiveQueryID}},
	})
	return element.Build(stanza.IQ{ID: ArchiveRequestID, Type: stanza.SetIQ}.Wrap(q))
}

// OOBURL returns the out-of-band URL attached to a message stanza.
// jabber:x:oob children are preferred; any <x><url/></x> is accepted.
func OOBURL(msg *element.Element) element.Option[string] {
	if x, ok := msg.ChildNS(oob.NS, "x").Get(); ok {
		var data oob.Data
		if err := x.DecodeAs(&data); err == nil && data.URL != "" {
			return element.Some(data.URL)
		}
	}
	return element.NonEmpty(element.Text(element.Child(msg.Child("x"), "url")))
}

// ForwardedStamp returns the delivery time recorded in the delay of a
// forwarded element, formatted as a message timestamp. A missing or
// unparseable delay is None.
func ForwardedStamp(fwd *element.Element) element.Option[string] {
	var f forward.Forwarded
	if fwd == nil || fwd.DecodeAs(&f) != nil || f.Delay.Time.IsZero() {
		return element.None[string]()
	}
	return element.Some(Stamp(f.Delay.Time))
}
