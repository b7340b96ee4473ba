// Package reconcile builds the combined contact and room list.
//
// A cycle fetches the roster and the bookmarked rooms concurrently,
// resolves room names through disco#info behind a bounded barrier, and
// replaces the store's contact list exactly once with the merged result.
// Avatar fetches then fan out per merged contact and patch the store as
// they arrive. They belong to the engine, not to the cycle that started
// them, and end on Close.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"mellium.im/xmpp/jid"

	"github.com/meszmate/rostersync/internal/state"
	"github.com/meszmate/rostersync/internal/xmpp/avatar"
	"github.com/meszmate/rostersync/internal/xmpp/correlator"
	"github.com/meszmate/rostersync/internal/xmpp/disco"
	"github.com/meszmate/rostersync/internal/xmpp/element"
	"github.com/meszmate/rostersync/internal/xmpp/muc"
	"github.com/meszmate/rostersync/internal/xmpp/roster"
)

// Sender sends a stanza on the stream
type Sender interface {
	Send(ctx context.Context, st *element.Element) error
}

// Store is the part of the application store a cycle reads and writes
type Store interface {
	Avatar(jid string) (state.CachedAvatar, bool)
	Presence(jid string) (state.CachedPresence, bool)
	UpdateAvatar(jid, url string, at time.Time) bool
	ReplaceContacts(contacts []state.Contact, since time.Time)
}

// Trigger is the action that started a cycle
type Trigger int

const (
	TriggerLogin Trigger = iota
	TriggerRefresh
	TriggerAddContact
	TriggerCreateGroup
)

// String returns the name of the trigger
func (t Trigger) String() string {
	switch t {
	case TriggerLogin:
		return "login"
	case TriggerAddContact:
		return "add-contact"
	case TriggerCreateGroup:
		return "create-group"
	default:
		return "refresh"
	}
}

// Config tunes a cycle
type Config struct {
	// Self is the logged-in account. Its domain and localpart name the
	// self room appended on TriggerCreateGroup.
	Self jid.JID

	RequestTimeout  time.Duration
	RoomInfoTimeout time.Duration

	// AvatarRate and AvatarBurst pace the per-contact avatar requests.
	AvatarRate  rate.Limit
	AvatarBurst int
}

// DefaultConfig returns the default cycle settings
func DefaultConfig() Config {
	return Config{
		RequestTimeout:  10 * time.Second,
		RoomInfoTimeout: 5 * time.Second,
		AvatarRate:      20,
		AvatarBurst:     10,
	}
}

// Result is the outcome of a cycle
type Result struct {
	Trigger  Trigger
	Contacts []state.Contact
	// Warnings are the non-fatal failures of the cycle: a failed branch,
	// a room whose name fell back to the default.
	Warnings []error
	// RoomsComplete is false when the barrier expired before every room
	// name was resolved.
	RoomsComplete bool
}

// Engine runs reconciliation cycles
type Engine struct {
	sender  Sender
	corr    *correlator.Correlator
	store   Store
	cfg     Config
	limiter *rate.Limiter
	logger  *zap.Logger
	now     func() time.Time

	cycle   sync.Mutex
	avatars sync.WaitGroup

	life context.Context
	stop context.CancelFunc
}

// New creates an engine. Zero durations and rates in cfg take defaults.
func New(sender Sender, corr *correlator.Correlator, store Store, cfg Config, logger *zap.Logger) *Engine {
	def := DefaultConfig()
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.RoomInfoTimeout <= 0 {
		cfg.RoomInfoTimeout = def.RoomInfoTimeout
	}
	if cfg.AvatarRate <= 0 {
		cfg.AvatarRate = def.AvatarRate
	}
	if cfg.AvatarBurst <= 0 {
		cfg.AvatarBurst = def.AvatarBurst
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	life, stop := context.WithCancel(context.Background())
	return &Engine{
		sender:  sender,
		corr:    corr,
		store:   store,
		cfg:     cfg,
		limiter: rate.NewLimiter(cfg.AvatarRate, cfg.AvatarBurst),
		logger:  logger.Named("reconcile"),
		now:     time.Now,
		life:    life,
		stop:    stop,
	}
}

// rosterBranch is what the roster side of a cycle produced
type rosterBranch struct {
	contacts []state.Contact
	rooms    []state.Contact
}

// Run executes one cycle and replaces the store's contact list with the
// merged result. Branch failures are reported as warnings; Run only
// returns an error when ctx is done before the merge.
func (e *Engine) Run(ctx context.Context, trigger Trigger) (*Result, error) {
	e.cycle.Lock()
	defer e.cycle.Unlock()

	start := e.now()
	log := e.logger.With(zap.Stringer("trigger", trigger))
	log.Debug("cycle started")

	bookmarksID := muc.RoomsRequestID
	if trigger == TriggerAddContact {
		bookmarksID = muc.AddRoomsRequestID
	}

	// Both registrations happen before either request goes out.
	rosterReq, rosterErr := e.corr.Register(roster.RequestID, correlator.KindRoster, nil)
	roomsReq, roomsErr := e.corr.Register(bookmarksID, correlator.KindBookmarks, nil)

	var (
		mu       sync.Mutex
		warnings []error
		fromRost rosterBranch
		rooms    []state.Contact
		complete = true
	)
	warn := func(err error) {
		log.Warn("cycle degraded", zap.Error(err))
		mu.Lock()
		warnings = append(warnings, err)
		mu.Unlock()
	}

	var g errgroup.Group
	g.Go(func() error {
		if rosterErr != nil {
			warn(fmt.Errorf("roster: %w", rosterErr))
			return nil
		}
		res, err := e.fetchRoster(ctx, rosterReq)
		if err != nil {
			warn(fmt.Errorf("roster: %w", err))
			return nil
		}
		fromRost = res
		return nil
	})
	g.Go(func() error {
		if roomsErr != nil {
			warn(fmt.Errorf("bookmarks: %w", roomsErr))
			return nil
		}
		res, ok, err := e.fetchRooms(ctx, roomsReq, warn)
		if err != nil {
			warn(fmt.Errorf("bookmarks: %w", err))
			return nil
		}
		rooms, complete = res, ok
		return nil
	})
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	merged := merge(fromRost, rooms)
	if trigger == TriggerCreateGroup {
		merged = appendSelfRoom(merged, muc.SelfRoomJID(e.cfg.Self))
	}

	e.store.ReplaceContacts(merged, start)
	for _, c := range merged {
		if !c.IsRoom {
			e.fetchAvatar(c.JID)
		}
	}
	log.Info("cycle complete",
		zap.Int("contacts", len(merged)),
		zap.Int("warnings", len(warnings)),
		zap.Bool("rooms_complete", complete),
		zap.Duration("elapsed", e.now().Sub(start)),
	)

	return &Result{
		Trigger:       trigger,
		Contacts:      merged,
		Warnings:      warnings,
		RoomsComplete: complete,
	}, nil
}

// Drain waits for in-flight avatar fetches to finish
func (e *Engine) Drain() {
	e.avatars.Wait()
}

// Close abandons in-flight avatar fetches and waits for them to return.
// Cycles run after Close start no new fetches.
func (e *Engine) Close() {
	e.stop()
	e.avatars.Wait()
}

func (e *Engine) send(ctx context.Context, p *correlator.Pending, st *element.Element) error {
	if err := e.sender.Send(ctx, st); err != nil {
		e.corr.Cancel(p)
		return err
	}
	return nil
}

func (e *Engine) fetchRoster(ctx context.Context, p *correlator.Pending) (rosterBranch, error) {
	if err := e.send(ctx, p, roster.Get(p.ID)); err != nil {
		return rosterBranch{}, err
	}
	reply, err := e.corr.Await(ctx, p, e.cfg.RequestTimeout)
	if err != nil {
		return rosterBranch{}, err
	}
	items, err := roster.ParseItems(reply)
	if err != nil {
		return rosterBranch{}, err
	}

	var out rosterBranch
	for _, item := range items {
		if muc.IsConferenceJID(item.JID) {
			name := item.Name
			if name == "" {
				name = muc.DefaultRoomName
			}
			out.rooms = append(out.rooms, state.Contact{JID: item.JID, Name: name, IsRoom: true})
			continue
		}
		out.contacts = append(out.contacts, e.draftContact(item))
	}
	return out, nil
}

// draftContact pre-populates a roster item from the store's caches
func (e *Engine) draftContact(item roster.Item) state.Contact {
	c := state.Contact{
		JID:      item.JID,
		Name:     item.DisplayName(),
		Username: username(item.JID),
	}
	if a, ok := e.store.Avatar(item.JID); ok {
		c.Avatar = a.URL
	}
	if p, ok := e.store.Presence(item.JID); ok {
		c.Presence = p.State
		c.PresenceText = p.Text
	}
	return c
}

func username(addr string) string {
	j, err := jid.Parse(addr)
	if err != nil {
		return addr
	}
	if lp := j.Localpart(); lp != "" {
		return lp
	}
	return addr
}

// fetchAvatar requests a contact's avatar in the background. The reply
// patches the store; a missing avatar leaves the cached one in place.
func (e *Engine) fetchAvatar(contact string) {
	ctx := e.life
	if ctx.Err() != nil {
		return
	}
	to, err := jid.Parse(contact)
	if err != nil {
		e.logger.Debug("avatar skipped", zap.String("jid", contact), zap.Error(err))
		return
	}
	id := avatar.RequestID(contact)
	p, err := e.corr.Register(id, correlator.KindAvatar, correlator.MatchFrom(contact, correlator.MatchID(id)))
	if err != nil {
		// Still pending from an earlier cycle.
		e.logger.Debug("avatar request already pending", zap.String("jid", contact))
		return
	}

	e.avatars.Add(1)
	go func() {
		defer e.avatars.Done()

		if err := e.limiter.Wait(ctx); err != nil {
			e.corr.Cancel(p)
			return
		}
		if err := e.send(ctx, p, avatar.Request(id, to)); err != nil {
			e.logger.Debug("avatar request failed", zap.String("jid", contact), zap.Error(err))
			return
		}
		reply, err := e.corr.Await(ctx, p, e.cfg.RequestTimeout)
		if err != nil {
			e.logger.Debug("avatar request unanswered", zap.String("jid", contact), zap.Error(err))
			return
		}
		if url, ok := avatar.FromResult(reply).Get(); ok {
			e.store.UpdateAvatar(contact, url, e.now())
		}
	}()
}

func (e *Engine) fetchRooms(ctx context.Context, p *correlator.Pending, warn func(error)) ([]state.Contact, bool, error) {
	if err := e.send(ctx, p, muc.BookmarksRequest(p.ID)); err != nil {
		return nil, false, err
	}
	reply, err := e.corr.Await(ctx, p, e.cfg.RequestTimeout)
	if err != nil {
		return nil, false, err
	}
	bookmarks, err := muc.ParseBookmarks(reply)
	if err != nil {
		return nil, false, err
	}

	rooms := make([]state.Contact, len(bookmarks))
	for i, b := range bookmarks {
		rooms[i] = state.Contact{JID: b.JID, Name: b.Name, IsRoom: true, Autojoin: b.Autojoin}
	}
	complete := e.resolveRoomNames(ctx, rooms, warn)
	return rooms, complete, nil
}

// resolveRoomNames queries disco#info for every room and waits for all
// answers, at most RoomInfoTimeout. A room without an identity name keeps
// its bookmark name, or gets muc.DefaultRoomName.
func (e *Engine) resolveRoomNames(ctx context.Context, rooms []state.Contact, warn func(error)) bool {
	discoCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu     sync.Mutex
		closed bool
		wg     sync.WaitGroup
	)
	names := make([]string, len(rooms))
	done := newLatch(len(rooms))

	for i := range rooms {
		room := rooms[i].JID
		id := disco.RoomInfoID(room)
		p, err := e.corr.Register(id, correlator.KindRoomInfo,
			correlator.MatchFrom(room, correlator.MatchIDPrefix(disco.RoomInfoPrefix)))
		if err != nil {
			warn(fmt.Errorf("room %s: %w", room, err))
			done.CountDown()
			continue
		}

		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer done.CountDown()

			name, err := e.roomName(discoCtx, p, room)
			if err != nil && !errors.Is(err, context.Canceled) {
				warn(fmt.Errorf("room %s: %w", room, err))
			}
			mu.Lock()
			if !closed {
				names[i] = name
			}
			mu.Unlock()
		}(i)
	}

	complete := done.Wait(ctx, e.cfg.RoomInfoTimeout)

	mu.Lock()
	closed = true
	for i := range rooms {
		if names[i] != "" {
			rooms[i].Name = names[i]
		}
		if rooms[i].Name == "" {
			rooms[i].Name = muc.DefaultRoomName
		}
	}
	mu.Unlock()

	cancel()
	wg.Wait()
	if !complete {
		warn(fmt.Errorf("room names: %w after %s", correlator.ErrRequestTimeout, e.cfg.RoomInfoTimeout))
	}
	return complete
}

// roomName asks a room for its identity name. A malformed or error reply
// yields an empty name without an error.
func (e *Engine) roomName(ctx context.Context, p *correlator.Pending, room string) (string, error) {
	to, err := jid.Parse(room)
	if err != nil {
		e.corr.Cancel(p)
		return "", err
	}
	if err := e.send(ctx, p, disco.InfoRequest(p.ID, to)); err != nil {
		return "", err
	}
	reply, err := e.corr.Await(ctx, p, e.cfg.RequestTimeout)
	if err != nil {
		return "", err
	}
	return disco.IdentityName(reply).OrElse(""), nil
}

// merge orders contacts first, then bookmarked rooms, then rooms only
// found in the roster. A bookmarked address is always a room, whatever its
// domain, so a roster entry for it is dropped. Each address appears once.
func merge(r rosterBranch, bookmarked []state.Contact) []state.Contact {
	out := make([]state.Contact, 0, len(r.contacts)+len(bookmarked)+len(r.rooms))
	isBookmark := make(map[string]bool, len(bookmarked))
	for _, room := range bookmarked {
		isBookmark[room.JID] = true
	}

	seen := make(map[string]bool, cap(out))
	add := func(c state.Contact) {
		if !seen[c.JID] {
			seen[c.JID] = true
			out = append(out, c)
		}
	}
	for _, c := range r.contacts {
		if !isBookmark[c.JID] {
			add(c)
		}
	}
	for _, room := range bookmarked {
		add(room)
	}
	for _, room := range r.rooms {
		add(room)
	}
	return out
}

func appendSelfRoom(list []state.Contact, self string) []state.Contact {
	for _, c := range list {
		if c.JID == self {
			return list
		}
	}
	return append(list, state.Contact{JID: self, Name: muc.DefaultRoomName, IsRoom: true})
}
