package disco

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"mellium.im/xmpp/jid"

	"github.com/meszmate/rostersync/internal/xmpp/element"
)

func TestIdentityName(t *testing.T) {
	st := element.MustParse(`<iq type='result' id='gcinformation-requestr@conference.d' from='r@conference.d'>
		<query xmlns='http://jabber.org/protocol/disco#info'>
			<identity category='conference' type='text' name='Book club'/>
			<feature var='http://jabber.org/protocol/muc'/>
		</query></iq>`)

	assert.Equal(t, "Book club", IdentityName(st).OrElse(""))
}

func TestIdentityNameMissing(t *testing.T) {
	for _, raw := range []string{
		`<iq type='result'/>`,
		`<iq type='result'><query/></iq>`,
		`<iq type='result'><query xmlns='http://jabber.org/protocol/disco#info'><identity name=''/></query></iq>`,
		`<iq type='error'><query xmlns='http://jabber.org/protocol/disco#info'><identity name='x'/></query></iq>`,
		`<iq type='result'><query><identity name='wrong namespace'/></query></iq>`,
	} {
		assert.False(t, IdentityName(element.MustParse(raw)).IsSome(), raw)
	}
	assert.False(t, IdentityName(nil).IsSome())
}

func TestInfoRequest(t *testing.T) {
	id := RoomInfoID("r@conference.d")
	assert.Equal(t, "gcinformation-requestr@conference.d", id)

	st := InfoRequest(id, jid.MustParse("r@conference.d"))
	assert.Equal(t, "r@conference.d", st.AttrOr("to", ""))
	assert.Equal(t, "get", st.Type())
	q, ok := st.Child("query").Get()
	require.True(t, ok)
	assert.Equal(t, NSInfo, q.Name.Space)
}
