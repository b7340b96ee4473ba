package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusDeliversInOrder(t *testing.T) {
	bus := NewEventBus()
	got := make(chan string, 3)
	unsub := bus.Subscribe(EventContactUpdated, func(e EventMsg) { got <- e.JID })
	defer unsub()

	for _, jid := range []string{"a@d", "b@d", "c@d"} {
		bus.Publish(EventMsg{Type: EventContactUpdated, JID: jid})
	}

	var order []string
	for range 3 {
		select {
		case jid := <-got:
			order = append(order, jid)
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for event")
		}
	}
	assert.Equal(t, []string{"a@d", "b@d", "c@d"}, order)
}

func TestBusFiltersByType(t *testing.T) {
	bus := NewEventBus()
	got := make(chan EventMsg, 2)
	defer bus.Subscribe(EventNotification, func(e EventMsg) { got <- e })()

	bus.Publish(EventMsg{Type: EventMessages, Data: 1})
	bus.Publish(EventMsg{Type: EventNotification, Data: "hi"})

	select {
	case e := <-got:
		assert.Equal(t, "hi", e.Data)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
	select {
	case e := <-got:
		t.Errorf("unexpected event: %v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewEventBus()
	got := make(chan EventMsg, 1)
	unsub := bus.Subscribe(EventLogout, func(e EventMsg) { got <- e })
	unsub()
	unsub()

	bus.Publish(EventMsg{Type: EventLogout})
	select {
	case e := <-got:
		t.Errorf("received event after unsubscribe: %v", e)
	case <-time.After(50 * time.Millisecond):
	}
	require.Empty(t, bus.subs)
}
