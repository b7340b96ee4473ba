package correlator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meszmate/rostersync/internal/xmpp/element"
)

func iqResult(id string) *element.Element {
	return element.Stanza("iq", "type", "result", "id", id)
}

func TestResolveExactID(t *testing.T) {
	c := New()
	p, err := c.Register("roster-request", KindRoster, nil)
	require.NoError(t, err)

	assert.False(t, c.Resolve(iqResult("other")))
	assert.True(t, c.Resolve(iqResult("roster-request")))

	st, err := c.Await(context.Background(), p, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "roster-request", st.ID())
	assert.Equal(t, 0, c.Len())
}

func TestFirstMatchInRegistrationOrder(t *testing.T) {
	c := New()
	first, err := c.Register("a", KindRoomInfo, MatchIDPrefix("gcinformation-request"))
	require.NoError(t, err)
	second, err := c.Register("b", KindRoomInfo, MatchIDPrefix("gcinformation-request"))
	require.NoError(t, err)

	st := iqResult("gcinformation-requestroom@conference.d")
	assert.True(t, c.Resolve(st))

	got, err := c.Await(context.Background(), first, time.Second)
	require.NoError(t, err)
	assert.Same(t, st, got)

	assert.Equal(t, 1, c.Len())

	_, err = c.Await(context.Background(), second, 20*time.Millisecond)
	assert.True(t, errors.Is(err, ErrRequestTimeout))
}

func TestStanzaResolvesAtMostOnce(t *testing.T) {
	c := New()
	p, err := c.Register("x", KindAvatar, nil)
	require.NoError(t, err)

	assert.True(t, c.Resolve(iqResult("x")))
	assert.False(t, c.Resolve(iqResult("x")), "a resolved registration must not resolve again")

	_, err = c.Await(context.Background(), p, time.Second)
	require.NoError(t, err)

	_, err = c.Await(context.Background(), p, time.Second)
	assert.True(t, errors.Is(err, ErrNotPending))
}

func TestTimeoutRemovesRegistration(t *testing.T) {
	c := New()
	p, err := c.Register("slow", KindRoomInfo, nil)
	require.NoError(t, err)

	_, err = c.Await(context.Background(), p, 10*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRequestTimeout))
	assert.Equal(t, 0, c.Len())

	assert.False(t, c.Resolve(iqResult("slow")), "late stanza must be ignored")

	_, err = c.Register("slow", KindRoomInfo, nil)
	assert.NoError(t, err, "id is free again after timeout")
}

func TestDuplicateRegistration(t *testing.T) {
	c := New()
	_, err := c.Register("roster-request", KindRoster, nil)
	require.NoError(t, err)

	_, err = c.Register("roster-request", KindRoster, nil)
	assert.True(t, errors.Is(err, ErrDuplicateRegistration))
}

func TestContextCancelDiscardsRegistration(t *testing.T) {
	c := New()
	p, err := c.Register("rooms-request", KindBookmarks, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err = c.Await(ctx, p, time.Minute)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 0, c.Len())
	assert.False(t, c.Resolve(iqResult("rooms-request")))
}

func TestCancel(t *testing.T) {
	c := New()
	p, err := c.Register("add-user", KindRosterSet, nil)
	require.NoError(t, err)

	c.Cancel(p)
	assert.Equal(t, 0, c.Len())

	_, err = c.Await(context.Background(), p, time.Second)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestMatchFrom(t *testing.T) {
	match := MatchFrom("room@conference.d", MatchIDPrefix("gcinformation-request"))
	assert.True(t, match(element.Stanza("iq", "id", "gcinformation-requestroom@conference.d", "from", "room@conference.d")))
	assert.True(t, match(element.Stanza("iq", "id", "gcinformation-requestroom@conference.d", "from", "Room@Conference.D/nick")))
	assert.False(t, match(element.Stanza("iq", "id", "gcinformation-requestroom@conference.d", "from", "other@conference.d")))
	assert.False(t, match(element.Stanza("iq", "id", "gcinformation-requestroom@conference.d")))
	assert.False(t, match(element.Stanza("iq", "id", "pfp-request-room@conference.d", "from", "room@conference.d")))
}

// Two rooms in flight: each reply resolves only its own room's request
// even though both ids share a prefix.
func TestPrefixFanOutRoutesBySender(t *testing.T) {
	c := New()
	a, err := c.Register("gcinformation-requesta@conference.d", KindRoomInfo, MatchFrom("a@conference.d", MatchIDPrefix("gcinformation-request")))
	require.NoError(t, err)
	b, err := c.Register("gcinformation-requestb@conference.d", KindRoomInfo, MatchFrom("b@conference.d", MatchIDPrefix("gcinformation-request")))
	require.NoError(t, err)

	fromB := element.Stanza("iq", "type", "result", "id", "gcinformation-requestb@conference.d", "from", "b@conference.d")
	require.True(t, c.Resolve(fromB))

	got, err := c.Await(context.Background(), b, time.Second)
	require.NoError(t, err)
	assert.Same(t, fromB, got)

	_, err = c.Await(context.Background(), a, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrRequestTimeout)
}

func TestConcurrentResolve(t *testing.T) {
	c := New()
	const n = 50

	handles := make([]*Pending, n)
	for i := range handles {
		p, err := c.Register(string(rune('A'+i)), KindAvatar, nil)
		require.NoError(t, err)
		handles[i] = p
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			c.Resolve(iqResult(id))
		}(handles[i].ID)
	}
	wg.Wait()

	for _, p := range handles {
		st, err := c.Await(context.Background(), p, time.Second)
		require.NoError(t, err)
		assert.Equal(t, p.ID, st.ID())
	}
	assert.Equal(t, 0, c.Len())
}
