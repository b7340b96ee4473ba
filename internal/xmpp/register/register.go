// Package register builds in-band registration (XEP-0077) stanzas.
package register

import (
	"encoding/xml"
	"errors"
	"fmt"

	"mellium.im/xmlstream"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/meszmate/rostersync/internal/xmpp/element"
)

const NS = "jabber:iq:register"

const (
	RequestID = "register-request"
	RemoveID  = "delete-account"
)

var (
	// ErrConflict is returned when the requested username is taken
	ErrConflict = errors.New("username already taken")
	// ErrRejected is returned for any other registration error
	ErrRejected = errors.New("registration rejected")
)

// Request builds a registration IQ. name is optional.
func Request(id string, domain jid.JID, username, password, name string) *element.Element {
	fields := []xml.TokenReader{
		element.New("username").SetText(username).TokenReader(),
		element.New("password").SetText(password).TokenReader(),
	}
	if name != "" {
		fields = append(fields, element.New("name").SetText(name).TokenReader())
	}
	return element.Build(stanza.IQ{ID: id, To: domain, Type: stanza.SetIQ}.Wrap(query(xmlstream.MultiReader(fields...))))
}

// Remove builds the account removal IQ
func Remove(id string) *element.Element {
	remove := element.New("remove").TokenReader()
	return element.Build(stanza.IQ{ID: id, Type: stanza.SetIQ}.Wrap(query(remove)))
}

func query(payload xml.TokenReader) xml.TokenReader {
	return xmlstream.Wrap(payload, xml.StartElement{Name: xml.Name{Space: NS, Local: "query"}})
}

// Result maps a registration or removal reply to an error
func Result(st *element.Element) error {
	switch stanza.IQType(st.Type()) {
	case stanza.ResultIQ:
		return nil
	case stanza.ErrorIQ:
		se, err := stanza.UnmarshalError(st.Payload())
		if err != nil {
			return fmt.Errorf("%w: %v", ErrRejected, err)
		}
		if se.Condition == stanza.Conflict {
			return ErrConflict
		}
		cond := string(se.Condition)
		if cond == "" {
			cond = "unknown"
		}
		return fmt.Errorf("%w: %s", ErrRejected, cond)
	default:
		return fmt.Errorf("%w: unexpected iq type %q", element.ErrMalformedStanza, st.Type())
	}
}
