package address

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBare(t *testing.T) {
	assert.Equal(t, "a@d", Bare("a@d/r"))
	assert.Equal(t, "room@conference.d", Bare("room@conference.d/nick"))
	assert.Equal(t, "alice@example.net", Bare("Alice@Example.NET/Phone"))
	assert.Equal(t, "", Bare(""))
	assert.Equal(t, "@@", Bare("@@/x"))
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "alice@example.net/Phone", Normalize("Alice@EXAMPLE.net/Phone"))
	assert.Equal(t, "example.net", Normalize("Example.NET"))
	assert.Equal(t, "@@", Normalize("@@"))
}

func TestSameBare(t *testing.T) {
	assert.True(t, SameBare("Bob@D/laptop", "bob@d"))
	assert.False(t, SameBare("bob@d", "bobby@d"))
}
