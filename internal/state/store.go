// Package state holds the application store: the contact list, the
// avatar and presence caches, the message list, the chat target and the
// notification. All mutation goes through Store methods.
package state

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meszmate/rostersync/internal/xmpp/address"
	"github.com/meszmate/rostersync/internal/xmpp/chat"
	"github.com/meszmate/rostersync/internal/xmpp/presence"
)

// Contact is a roster contact or a room. Rooms have no Username.
type Contact struct {
	JID          string
	Name         string
	Username     string
	Avatar       string
	Presence     presence.State
	PresenceText string
	IsRoom       bool
	Autojoin     bool
}

// CachedPresence is the last presence seen for a JID
type CachedPresence struct {
	State presence.State
	Text  string
	At    time.Time
}

// CachedAvatar is the last avatar seen for a JID
type CachedAvatar struct {
	URL string
	At  time.Time
}

// Snapshot is the persisted part of the store
type Snapshot struct {
	Contacts  []Contact
	Avatars   map[string]CachedAvatar
	Presences map[string]CachedPresence
	Messages  []chat.Message
}

// Persister writes store changes through to durable storage
type Persister interface {
	SaveAvatar(account, jid string, avatar CachedAvatar) error
	SavePresence(account, jid string, p CachedPresence) error
	SaveContacts(account string, contacts []Contact) error
	SaveMessages(account string, msgs []chat.Message) error
	Load(account string) (*Snapshot, error)
}

// Store is the application store
type Store struct {
	mu sync.RWMutex

	account      string
	contacts     []Contact
	avatars      map[string]CachedAvatar
	presences    map[string]CachedPresence
	messages     []chat.Message
	chatTarget   string
	notification string

	persist Persister
	bus     *EventBus
	logger  *zap.Logger
}

// New creates an empty store. persist may be nil.
func New(persist Persister, bus *EventBus, logger *zap.Logger) *Store {
	if bus == nil {
		bus = NewEventBus()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		avatars:   make(map[string]CachedAvatar),
		presences: make(map[string]CachedPresence),
		persist:   persist,
		bus:       bus,
		logger:    logger,
	}
}

// Events returns the bus store changes are published on
func (s *Store) Events() *EventBus {
	return s.bus
}

// SetLogin records the logged-in account and loads its persisted caches
func (s *Store) SetLogin(account string) {
	var snap *Snapshot
	if s.persist != nil {
		var err error
		snap, err = s.persist.Load(account)
		if err != nil {
			s.logger.Warn("failed to load cache", zap.String("account", account), zap.Error(err))
		}
	}

	s.mu.Lock()
	s.account = account
	if snap != nil {
		for k, v := range snap.Avatars {
			s.avatars[k] = v
		}
		for k, v := range snap.Presences {
			s.presences[k] = v
		}
		s.contacts = make([]Contact, len(snap.Contacts))
		for i, c := range snap.Contacts {
			if p, ok := s.presences[c.JID]; ok {
				c.Presence, c.PresenceText = p.State, p.Text
			}
			if a, ok := s.avatars[c.JID]; ok {
				c.Avatar = a.URL
			}
			s.contacts[i] = c
		}
		s.messages = chat.Merge(s.messages, snap.Messages...)
	}
	s.mu.Unlock()

	s.bus.Publish(EventMsg{Type: EventLogin, JID: account})
}

// Logout clears all state
func (s *Store) Logout() {
	s.mu.Lock()
	account := s.account
	s.account = ""
	s.contacts = nil
	s.avatars = make(map[string]CachedAvatar)
	s.presences = make(map[string]CachedPresence)
	s.messages = nil
	s.chatTarget = ""
	s.notification = ""
	s.mu.Unlock()

	s.bus.Publish(EventMsg{Type: EventLogout, JID: account})
}

// Account returns the logged-in account, empty when logged out
func (s *Store) Account() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.account
}

// ReplaceContacts replaces the contact list wholesale. Cached presence and
// avatar entries written after since override the drafted values, so live
// updates that arrived during a fetch cycle are not clobbered.
func (s *Store) ReplaceContacts(contacts []Contact, since time.Time) {
	s.mu.Lock()
	next := make([]Contact, len(contacts))
	for i, c := range contacts {
		if p, ok := s.presences[c.JID]; ok && (p.At.After(since) || c.Presence == presence.Unavailable) {
			c.Presence = p.State
			c.PresenceText = p.Text
		}
		if a, ok := s.avatars[c.JID]; ok && (a.At.After(since) || c.Avatar == "") {
			c.Avatar = a.URL
		}
		next[i] = c
	}
	s.contacts = next
	account := s.account
	s.mu.Unlock()

	if s.persist != nil && account != "" {
		if err := s.persist.SaveContacts(account, append([]Contact(nil), next...)); err != nil {
			s.logger.Warn("failed to persist contacts", zap.Error(err))
		}
	}
	s.bus.Publish(EventMsg{Type: EventContactsReplaced, Data: len(next)})
}

// Contacts returns a copy of the contact list
func (s *Store) Contacts() []Contact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Contact(nil), s.contacts...)
}

// Contact looks up a contact by JID
func (s *Store) Contact(jid string) (Contact, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.contacts {
		if c.JID == jid {
			return c, true
		}
	}
	return Contact{}, false
}

// Presence returns the cached presence for jid
func (s *Store) Presence(jid string) (CachedPresence, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.presences[jid]
	return p, ok
}

// Avatar returns the cached avatar for jid
func (s *Store) Avatar(jid string) (CachedAvatar, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.avatars[jid]
	return a, ok
}

// UpdatePresence records a presence for jid. Writes older than the cached
// entry are ignored. It reports whether the write was applied.
func (s *Store) UpdatePresence(jid string, state presence.State, text string, at time.Time) bool {
	entry := CachedPresence{State: state, Text: text, At: at}

	s.mu.Lock()
	if cur, ok := s.presences[jid]; ok && at.Before(cur.At) {
		s.mu.Unlock()
		return false
	}
	s.presences[jid] = entry
	for i := range s.contacts {
		if s.contacts[i].JID == jid {
			s.contacts[i].Presence = state
			s.contacts[i].PresenceText = text
		}
	}
	account := s.account
	s.mu.Unlock()

	if s.persist != nil && account != "" {
		if err := s.persist.SavePresence(account, jid, entry); err != nil {
			s.logger.Warn("failed to persist presence", zap.String("jid", jid), zap.Error(err))
		}
	}
	s.bus.Publish(EventMsg{Type: EventContactUpdated, JID: jid, Data: entry})
	return true
}

// UpdateAvatar records an avatar for jid with the same ordering rule as
// UpdatePresence.
func (s *Store) UpdateAvatar(jid, url string, at time.Time) bool {
	entry := CachedAvatar{URL: url, At: at}

	s.mu.Lock()
	if cur, ok := s.avatars[jid]; ok && at.Before(cur.At) {
		s.mu.Unlock()
		return false
	}
	s.avatars[jid] = entry
	for i := range s.contacts {
		if s.contacts[i].JID == jid {
			s.contacts[i].Avatar = url
		}
	}
	account := s.account
	s.mu.Unlock()

	if s.persist != nil && account != "" {
		if err := s.persist.SaveAvatar(account, jid, entry); err != nil {
			s.logger.Warn("failed to persist avatar", zap.String("jid", jid), zap.Error(err))
		}
	}
	s.bus.Publish(EventMsg{Type: EventContactUpdated, JID: jid, Data: entry})
	return true
}

// MergeMessages merges messages into the message list by timestamp key
func (s *Store) MergeMessages(msgs ...chat.Message) {
	if len(msgs) == 0 {
		return
	}

	s.mu.Lock()
	s.messages = chat.Merge(s.messages, msgs...)
	account := s.account
	s.mu.Unlock()

	if s.persist != nil && account != "" {
		if err := s.persist.SaveMessages(account, msgs); err != nil {
			s.logger.Warn("failed to persist messages", zap.Int("count", len(msgs)), zap.Error(err))
		}
	}
	s.bus.Publish(EventMsg{Type: EventMessages, Data: len(msgs)})
}

// Messages returns a copy of the message list, sorted by timestamp
func (s *Store) Messages() []chat.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]chat.Message(nil), s.messages...)
}

// Conversation returns the messages exchanged with peer
func (s *Store) Conversation(peer string) []chat.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []chat.Message
	for _, m := range s.messages {
		if address.SameBare(m.From, peer) || address.SameBare(m.To, peer) {
			out = append(out, m)
		}
	}
	return out
}

// SetChatTarget sets the contact whose conversation is open
func (s *Store) SetChatTarget(jid string) {
	s.mu.Lock()
	s.chatTarget = jid
	s.mu.Unlock()
	s.bus.Publish(EventMsg{Type: EventChatTarget, JID: jid})
}

// ChatTarget returns the open conversation, if any
func (s *Store) ChatTarget() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.chatTarget
}

// SetNotification replaces the current notification
func (s *Store) SetNotification(text string) {
	s.mu.Lock()
	s.notification = text
	s.mu.Unlock()
	s.bus.Publish(EventMsg{Type: EventNotification, Data: text})
}

// ClearNotification removes the current notification
func (s *Store) ClearNotification() {
	s.SetNotification("")
}

// Notification returns the current notification
func (s *Store) Notification() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.notification
}
