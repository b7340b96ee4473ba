// Package address puts JID strings into the one canonical form used for
// map keys and comparisons throughout the client.
package address

import (
	"strings"

	"mellium.im/xmpp/jid"
)

// Normalize returns the canonical form of addr with its resource kept.
// Strings that do not parse as a JID are returned unchanged.
func Normalize(addr string) string {
	j, err := jid.Parse(addr)
	if err != nil {
		return addr
	}
	return j.String()
}

// Bare returns the canonical bare form of addr. Strings that do not parse
// as a JID are only cut at the first slash.
func Bare(addr string) string {
	j, err := jid.Parse(addr)
	if err != nil {
		bare, _, _ := strings.Cut(addr, "/")
		return bare
	}
	return j.Bare().String()
}

// SameBare reports whether a and b name the same bare entity
func SameBare(a, b string) bool {
	return Bare(a) == Bare(b)
}
