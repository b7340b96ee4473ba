package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/meszmate/rostersync/internal/classifier"
	"github.com/meszmate/rostersync/internal/config"
	"github.com/meszmate/rostersync/internal/reconcile"
	"github.com/meszmate/rostersync/internal/state"
	"github.com/meszmate/rostersync/internal/xmpp"
	"github.com/meszmate/rostersync/internal/xmpp/address"
	"github.com/meszmate/rostersync/internal/xmpp/avatar"
	"github.com/meszmate/rostersync/internal/xmpp/chat"
	"github.com/meszmate/rostersync/internal/xmpp/correlator"
	"github.com/meszmate/rostersync/internal/xmpp/element"
	"github.com/meszmate/rostersync/internal/xmpp/presence"
	"github.com/meszmate/rostersync/internal/xmpp/register"
	"github.com/meszmate/rostersync/internal/xmpp/roster"
	"github.com/meszmate/rostersync/internal/xmpp/upload"
)

// ErrRejected is returned when the server answers a request with an error
var ErrRejected = errors.New("request rejected")

// Transport is the stream the app drives
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Send(ctx context.Context, st *element.Element) error
	Register(ctx context.Context, username, password, name string, timeout time.Duration) error
	IsConnected() bool

	SetStanzaHandler(handler xmpp.StanzaHandler)
	SetOnlineHandler(handler func(addr jid.JID))
	SetErrorHandler(handler func(err error))
	SetOfflineHandler(handler func(err error))
}

var _ Transport = (*xmpp.Client)(nil)

// AccountStorage removes what is persisted for an account
type AccountStorage interface {
	DeleteAccount(account string) error
}

// App represents the main application
type App struct {
	cfg        *config.Config
	transport  Transport
	store      *state.Store
	storage    AccountStorage
	uploads    *upload.Manager
	corr       *correlator.Correlator
	classifier *classifier.Classifier
	logger     *zap.Logger
	now        func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	tasks  sync.WaitGroup

	// Session state, set while online
	mu            sync.RWMutex
	self          jid.JID
	engine        *reconcile.Engine
	sessionCtx    context.Context
	cancelSession context.CancelFunc
}

// New creates a new App instance and installs its handlers on transport.
// storage may be nil.
func New(cfg *config.Config, transport Transport, store *state.Store, storage AccountStorage, uploads *upload.Manager, logger *zap.Logger) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	if uploads == nil {
		uploads = upload.NewManager(nil)
	}
	if cfg.Upload.MaxSize > 0 {
		uploads.SetMaxSize(cfg.Upload.MaxSize)
	}

	ctx, cancel := context.WithCancel(context.Background())

	a := &App{
		cfg:        cfg,
		transport:  transport,
		store:      store,
		storage:    storage,
		uploads:    uploads,
		corr:       correlator.New(),
		classifier: classifier.New(),
		logger:     logger.Named("app"),
		now:        time.Now,
		ctx:        ctx,
		cancel:     cancel,
	}

	transport.SetStanzaHandler(a.HandleStanza)
	transport.SetOnlineHandler(a.online)
	transport.SetErrorHandler(func(err error) {
		a.logger.Error("transport error", zap.Error(err))
	})
	transport.SetOfflineHandler(a.offline)

	return a
}

// Config returns the configuration
func (a *App) Config() *config.Config {
	return a.cfg
}

// Store returns the application store
func (a *App) Store() *state.Store {
	return a.store
}

// Login connects the transport. Reconciliation starts once the session is
// online and runs in the background.
func (a *App) Login(ctx context.Context) error {
	if err := a.cfg.Validate(); err != nil {
		return err
	}
	return a.transport.Connect(ctx)
}

// Register creates the configured account through in-band registration
func (a *App) Register(ctx context.Context, username, password, name string) error {
	return a.transport.Register(ctx, username, password, name, a.cfg.Sync.RequestTimeout.Duration)
}

// Close stops background work and waits for it to finish
func (a *App) Close() {
	a.cancel()
	a.tasks.Wait()

	a.mu.RLock()
	engine := a.engine
	a.mu.RUnlock()
	if engine != nil {
		engine.Close()
	}
}

// Wait blocks until background tasks started so far have finished
func (a *App) Wait() {
	a.tasks.Wait()
}

func (a *App) goTask(f func()) {
	a.tasks.Add(1)
	go func() {
		defer a.tasks.Done()
		f()
	}()
}

// online runs once the session is bound: it sets up the engine for the
// bound address, announces presence and starts the login cycle.
func (a *App) online(addr jid.JID) {
	ctx, cancel := context.WithCancel(a.ctx)
	engine := reconcile.New(a.transport, a.corr, a.store, reconcile.Config{
		Self:            addr,
		RequestTimeout:  a.cfg.Sync.RequestTimeout.Duration,
		RoomInfoTimeout: a.cfg.Sync.RoomInfoTimeout.Duration,
		AvatarRate:      rate.Limit(a.cfg.Sync.AvatarRate),
		AvatarBurst:     a.cfg.Sync.AvatarBurst,
	}, a.logger)

	a.mu.Lock()
	if a.cancelSession != nil {
		a.cancelSession()
	}
	if a.engine != nil {
		go a.engine.Close()
	}
	a.self = addr
	a.engine = engine
	a.sessionCtx, a.cancelSession = ctx, cancel
	a.mu.Unlock()

	account := addr.Bare().String()
	a.store.SetLogin(account)
	a.logger.Info("online", zap.String("jid", addr.String()))

	if err := a.transport.Send(ctx, presence.Initial(a.cfg.Account.Priority)); err != nil {
		a.logger.Warn("failed to send initial presence", zap.Error(err))
	}
	if err := a.transport.Send(ctx, chat.ArchiveQuery()); err != nil {
		a.logger.Warn("failed to query message archive", zap.Error(err))
	}

	a.goTask(func() { a.fetchOwnAvatar(ctx, addr.Bare()) })
	a.goTask(func() {
		if _, err := a.Refresh(ctx, reconcile.TriggerLogin); err != nil && ctx.Err() == nil {
			a.logger.Error("login cycle failed", zap.Error(err))
		}
	})
}

func (a *App) offline(err error) {
	a.mu.Lock()
	if a.cancelSession != nil {
		a.cancelSession()
	}
	if a.engine != nil {
		go a.engine.Close()
	}
	a.engine = nil
	a.sessionCtx, a.cancelSession = nil, nil
	a.mu.Unlock()

	if err != nil {
		a.logger.Warn("offline", zap.Error(err))
	} else {
		a.logger.Info("offline")
	}
}

func (a *App) session() (*reconcile.Engine, jid.JID, context.Context) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.engine, a.self, a.sessionCtx
}

// fetchOwnAvatar matches the reply by id alone, since a reply from our own
// bare address arrives without a from.
func (a *App) fetchOwnAvatar(ctx context.Context, account jid.JID) {
	reply, err := a.request(ctx, correlator.KindAvatar, avatar.Request(avatar.OwnRequestID, account))
	if err != nil {
		a.logger.Debug("own avatar unavailable", zap.Error(err))
		return
	}
	if url, ok := avatar.FromResult(reply).Get(); ok {
		a.store.UpdateAvatar(account.String(), url, a.now())
	}
}

// Refresh runs a reconciliation cycle. Cycles are serialized; ctx
// cancellation drops the cycle's result.
func (a *App) Refresh(ctx context.Context, trigger reconcile.Trigger) (*reconcile.Result, error) {
	engine, _, _ := a.session()
	if engine == nil {
		return nil, xmpp.ErrNotConnected
	}
	return engine.Run(ctx, trigger)
}

// refreshInBackground runs a refresh cycle bound to the session
func (a *App) refreshInBackground(trigger reconcile.Trigger) {
	_, _, ctx := a.session()
	if ctx == nil {
		return
	}
	a.goTask(func() {
		if _, err := a.Refresh(ctx, trigger); err != nil && ctx.Err() == nil {
			a.logger.Warn("refresh failed", zap.Stringer("trigger", trigger), zap.Error(err))
		}
	})
}

// HandleStanza routes an inbound stanza: replies go to their pending
// request, roster pushes are acknowledged, everything else is classified
// and applied to the store. The returned stanza, if any, is the reply the
// transport writes back in place of its own.
func (a *App) HandleStanza(st *element.Element) *element.Element {
	if a.corr.Resolve(st) {
		return nil
	}

	if roster.IsPush(st, a.store.Account()) {
		a.refreshInBackground(reconcile.TriggerRefresh)
		return roster.Ack(st)
	}

	a.apply(a.classifier.Classify(st))
	return nil
}

func (a *App) apply(ev classifier.Event) {
	switch ev.Kind {
	case classifier.SubscriptionRequest:
		user, _, _ := strings.Cut(ev.JID, "@")
		a.store.SetNotification(fmt.Sprintf("You've been added by %s!", user))
	case classifier.PresenceUpdate:
		a.store.UpdatePresence(ev.JID, ev.Presence, ev.StatusText, a.now())
	case classifier.DirectMessage:
		a.store.MergeMessages(ev.Message)
		a.store.SetNotification("New message from " + ev.Message.From)
	case classifier.ArchivedMessage:
		a.store.MergeMessages(ev.Message)
	case classifier.AvatarPayload:
		a.store.UpdateAvatar(ev.JID, ev.AvatarURL, a.now())
	default:
		if ev.Reason != "" {
			a.logger.Warn("stanza dropped", zap.String("reason", ev.Reason), zap.String("jid", ev.JID))
			return
		}
		a.logger.Debug("unclassified stanza")
	}
}

// request sends st and waits for the reply matching its id
func (a *App) request(ctx context.Context, kind correlator.Kind, st *element.Element) (*element.Element, error) {
	p, err := a.corr.Register(st.ID(), kind, nil)
	if err != nil {
		return nil, err
	}
	if err := a.transport.Send(ctx, st); err != nil {
		a.corr.Cancel(p)
		return nil, err
	}
	return a.corr.Await(ctx, p, a.cfg.Sync.RequestTimeout.Duration)
}

// iqError maps an error reply to ErrRejected carrying the condition
func iqError(reply *element.Element) error {
	if reply.Type() != string(stanza.ErrorIQ) {
		return nil
	}
	condition := string(stanza.UndefinedCondition)
	if se, err := stanza.UnmarshalError(reply.Payload()); err == nil && se.Condition != "" {
		condition = string(se.Condition)
	}
	return fmt.Errorf("%w: %s %q: %s", ErrRejected, reply.Name.Local, reply.ID(), condition)
}

// parseContact canonicalizes a contact address entered by the user
func parseContact(addr string) (jid.JID, error) {
	j, err := jid.Parse(addr)
	if err != nil {
		return jid.JID{}, fmt.Errorf("invalid jid %q: %w", addr, err)
	}
	return j.Bare(), nil
}

// requireOnline returns the bound address, or ErrNotConnected
func (a *App) requireOnline(ctx context.Context) (jid.JID, error) {
	engine, self, _ := a.session()
	if engine == nil || !a.transport.IsConnected() {
		return jid.JID{}, xmpp.ErrNotConnected
	}
	return self, ctx.Err()
}

// AddContact adds contactJID to the roster, asks for a presence
// subscription and reruns reconciliation.
func (a *App) AddContact(ctx context.Context, contactJID string) error {
	if _, err := a.requireOnline(ctx); err != nil {
		return err
	}
	contact, err := parseContact(contactJID)
	if err != nil {
		return fmt.Errorf("add contact: %w", err)
	}

	reply, err := a.request(ctx, correlator.KindRosterSet, roster.Set(roster.AddRequestID, contact, ""))
	if err != nil {
		return fmt.Errorf("add contact: %w", err)
	}
	if err := iqError(reply); err != nil {
		return fmt.Errorf("add contact: %w", err)
	}
	if err := a.transport.Send(ctx, presence.Subscribe(contact)); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	_, err = a.Refresh(ctx, reconcile.TriggerAddContact)
	return err
}

// AcceptSubscription approves contactJID's subscription request
func (a *App) AcceptSubscription(ctx context.Context, contactJID string) error {
	if _, err := a.requireOnline(ctx); err != nil {
		return err
	}
	contact, err := parseContact(contactJID)
	if err != nil {
		return fmt.Errorf("accept subscription: %w", err)
	}

	if err := a.transport.Send(ctx, presence.Subscribed(contact)); err != nil {
		return fmt.Errorf("accept subscription: %w", err)
	}
	reply, err := a.request(ctx, correlator.KindRosterSet, roster.Set(roster.AcceptRequestID, contact, roster.SubscriptionBoth))
	if err != nil {
		return fmt.Errorf("accept subscription: %w", err)
	}
	if err := iqError(reply); err != nil {
		return fmt.Errorf("accept subscription: %w", err)
	}
	a.store.ClearNotification()

	_, err = a.Refresh(ctx, reconcile.TriggerRefresh)
	return err
}

// SetStatus broadcasts a new presence and records it as our own
func (a *App) SetStatus(ctx context.Context, state presence.State, text string) error {
	self, err := a.requireOnline(ctx)
	if err != nil {
		return err
	}
	if err := a.transport.Send(ctx, presence.Status(state, text)); err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	a.store.UpdatePresence(self.Bare().String(), state, text, a.now())
	return nil
}

// SendMessage sends a chat message and appends it to the history
func (a *App) SendMessage(ctx context.Context, to, body string) error {
	self, err := a.requireOnline(ctx)
	if err != nil {
		return err
	}
	toJID, err := jid.Parse(to)
	if err != nil {
		return fmt.Errorf("send message: invalid jid %q: %w", to, err)
	}

	st := chat.NewMessage(uuid.NewString(), self, toJID, body)
	if err := a.transport.Send(ctx, st); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	a.store.MergeMessages(chat.Message{
		From:         self.Bare().String(),
		To:           address.Bare(to),
		Timestamp:    chat.Stamp(a.now()),
		Content:      body,
		CompleteFrom: self.String(),
	})
	return nil
}

// SendFile uploads data through an HTTP upload slot and sends its URL as
// an out-of-band attachment.
func (a *App) SendFile(ctx context.Context, to, filename string, data []byte, desc string) error {
	self, err := a.requireOnline(ctx)
	if err != nil {
		return err
	}
	if size := int64(len(data)); size > a.uploads.MaxSize() {
		return fmt.Errorf("send file: file too large: %d > %d bytes", size, a.uploads.MaxSize())
	}
	toJID, err := jid.Parse(to)
	if err != nil {
		return fmt.Errorf("send file: invalid jid %q: %w", to, err)
	}
	service, err := jid.Parse(a.cfg.UploadService())
	if err != nil {
		return fmt.Errorf("send file: invalid upload service: %w", err)
	}

	contentType := upload.ContentType(filename)
	slotReq := upload.SlotRequest(upload.RequestID(a.now()), service, filename, int64(len(data)), contentType)
	reply, err := a.request(ctx, correlator.KindUploadSlot, slotReq)
	if err != nil {
		return fmt.Errorf("request upload slot: %w", err)
	}
	slot, err := upload.ParseSlot(reply)
	if err != nil {
		return fmt.Errorf("request upload slot: %w", err)
	}

	url, err := a.uploads.Put(ctx, slot, contentType, data)
	if err != nil {
		return fmt.Errorf("send file: %w", err)
	}
	a.logger.Debug("uploaded file", zap.String("filename", filename), zap.String("url", url))

	st := chat.NewAttachmentMessage(uuid.NewString(), self, toJID, url, url, desc)
	if err := a.transport.Send(ctx, st); err != nil {
		return fmt.Errorf("send file: %w", err)
	}
	a.store.MergeMessages(chat.Message{
		From:         self.Bare().String(),
		To:           address.Bare(to),
		Timestamp:    chat.Stamp(a.now()),
		Content:      url,
		Attachment:   url,
		CompleteFrom: self.String(),
	})
	return nil
}

// CreateGroup reruns reconciliation with the account's own room appended
func (a *App) CreateGroup(ctx context.Context) (*reconcile.Result, error) {
	return a.Refresh(ctx, reconcile.TriggerCreateGroup)
}

// OpenChat sets the conversation shown to the user
func (a *App) OpenChat(contactJID string) {
	a.store.SetChatTarget(address.Bare(contactJID))
}

// DeleteAccount removes the account from the server, then disconnects and
// forgets everything stored for it.
func (a *App) DeleteAccount(ctx context.Context) error {
	if _, err := a.requireOnline(ctx); err != nil {
		return err
	}

	reply, err := a.request(ctx, correlator.KindAccountRemoval, register.Remove(register.RemoveID))
	if err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	if err := register.Result(reply); err != nil {
		return fmt.Errorf("delete account: %w", err)
	}

	account := a.store.Account()
	if err := a.transport.Disconnect(); err != nil {
		a.logger.Warn("disconnect after account removal", zap.Error(err))
	}
	a.store.Logout()

	if a.storage != nil && account != "" {
		if err := a.storage.DeleteAccount(account); err != nil {
			return fmt.Errorf("delete account cache: %w", err)
		}
	}
	a.logger.Info("account deleted", zap.String("jid", account))
	return nil
}

// Logout announces unavailability, closes the stream and clears the store
func (a *App) Logout(ctx context.Context) error {
	if a.transport.IsConnected() {
		if err := a.transport.Send(ctx, presence.UnavailablePresence()); err != nil {
			a.logger.Warn("failed to send unavailable presence", zap.Error(err))
		}
	}
	err := a.transport.Disconnect()
	a.store.Logout()
	return err
}
