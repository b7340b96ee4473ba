package app

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"mellium.im/xmpp/jid"

	"github.com/meszmate/rostersync/internal/classifier"
	"github.com/meszmate/rostersync/internal/config"
	"github.com/meszmate/rostersync/internal/reconcile"
	"github.com/meszmate/rostersync/internal/state"
	"github.com/meszmate/rostersync/internal/xmpp"
	"github.com/meszmate/rostersync/internal/xmpp/element"
	"github.com/meszmate/rostersync/internal/xmpp/presence"
	"github.com/meszmate/rostersync/internal/xmpp/register"
)

const selfJID = "alice@alumchat.lol/xpp-client"

// fakeTransport delivers scripted replies through the stanza handler, the
// way the real session's inbound path does.
type fakeTransport struct {
	mu        sync.Mutex
	connected bool
	sent      []*element.Element
	replies   map[string]string // id or "prefix*" -> reply XML, {id} and {to} are substituted

	onStanza  xmpp.StanzaHandler
	onOnline  func(addr jid.JID)
	onOffline func(err error)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{replies: map[string]string{}}
}

func (f *fakeTransport) Connect(context.Context) error {
	f.mu.Lock()
	f.connected = true
	onOnline := f.onOnline
	f.mu.Unlock()
	onOnline(jid.MustParse(selfJID))
	return nil
}

func (f *fakeTransport) Disconnect() error {
	f.mu.Lock()
	f.connected = false
	onOffline := f.onOffline
	f.mu.Unlock()
	onOffline(nil)
	return nil
}

func (f *fakeTransport) Send(_ context.Context, st *element.Element) error {
	f.mu.Lock()
	if !f.connected {
		f.mu.Unlock()
		return xmpp.ErrNotConnected
	}
	f.sent = append(f.sent, st)
	raw, ok := f.replies[st.ID()]
	if !ok && st.ID() != "" {
		for key, r := range f.replies {
			if strings.HasSuffix(key, "*") && strings.HasPrefix(st.ID(), strings.TrimSuffix(key, "*")) {
				raw, ok = r, true
			}
		}
	}
	onStanza := f.onStanza
	f.mu.Unlock()

	if ok {
		raw = strings.NewReplacer("{id}", st.ID(), "{to}", st.AttrOr("to", "")).Replace(raw)
		reply := element.MustParse(raw)
		go onStanza(reply)
	}
	return nil
}

func (f *fakeTransport) Register(context.Context, string, string, string, time.Duration) error {
	return nil
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) SetStanzaHandler(h xmpp.StanzaHandler)  { f.onStanza = h }
func (f *fakeTransport) SetOnlineHandler(h func(addr jid.JID)) { f.onOnline = h }
func (f *fakeTransport) SetErrorHandler(func(err error))       {}
func (f *fakeTransport) SetOfflineHandler(h func(err error))   { f.onOffline = h }

func (f *fakeTransport) sentNamed(local string) []*element.Element {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*element.Element
	for _, st := range f.sent {
		if st.Is(local) {
			out = append(out, st)
		}
	}
	return out
}

func (f *fakeTransport) sentIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for _, st := range f.sent {
		if st.ID() != "" {
			ids = append(ids, st.ID())
		}
	}
	return ids
}

type fakeStorage struct {
	deleted []string
}

func (s *fakeStorage) DeleteAccount(account string) error {
	s.deleted = append(s.deleted, account)
	return nil
}

const (
	rosterAB = `<iq type='result' id='roster-request'><query xmlns='jabber:iq:roster'>
		<item jid='a@d' name='Alice' subscription='both'/><item jid='b@d' subscription='both'/>
		</query></iq>`
	noBookmarks = `<iq type='result' id='{id}'><query xmlns='jabber:iq:private'>
		<storage xmlns='storage:bookmarks'/></query></iq>`
	iqResult   = `<iq type='result' id='{id}'/>`
	noAvatar   = `<iq type='error' id='{id}' from='{to}'/>`
	errorReply = `<iq type='error' id='{id}'><error type='cancel'><item-not-found xmlns='urn:ietf:params:xml:ns:xmpp-stanzas'/></error></iq>`
	ownAvatar  = `<iq type='result' id='userpfp-request'><pubsub xmlns='http://jabber.org/protocol/pubsub'>
		<items node='urn:xmpp:avatar:data'><item><data xmlns='urn:xmpp:avatar:data'>c2VsZg==</data></item></items>
		</pubsub></iq>`
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Account.JID = "alice@alumchat.lol"
	cfg.Sync.RequestTimeout = config.Duration{Duration: time.Second}
	cfg.Sync.RoomInfoTimeout = config.Duration{Duration: time.Second}
	cfg.Sync.AvatarRate = 1000
	return cfg
}

func setup(t *testing.T) (*App, *fakeTransport, *fakeStorage) {
	t.Helper()
	tr := newFakeTransport()
	tr.replies["roster-request"] = rosterAB
	tr.replies["rooms-request"] = noBookmarks
	tr.replies["add-rooms-request"] = noBookmarks
	tr.replies["pfp-request-*"] = noAvatar
	tr.replies["userpfp-request"] = ownAvatar

	storage := &fakeStorage{}
	a := New(testConfig(), tr, state.New(nil, nil, nil), storage, nil, nil)
	t.Cleanup(a.Close)
	return a, tr, storage
}

func login(t *testing.T, a *App) {
	t.Helper()
	require.NoError(t, a.Login(context.Background()))
	a.Wait()
}

func contactJIDs(cs []state.Contact) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.JID
	}
	return out
}

func TestLoginRunsCycle(t *testing.T) {
	a, tr, _ := setup(t)
	login(t, a)

	assert.Equal(t, "alice@alumchat.lol", a.Store().Account())
	assert.Equal(t, []string{"a@d", "b@d"}, contactJIDs(a.Store().Contacts()))

	presences := tr.sentNamed("presence")
	require.NotEmpty(t, presences)
	assert.Equal(t, "127", presences[0].ChildText("priority").OrElse(""))
	assert.Contains(t, tr.sentIDs(), "mamReq")

	own, ok := a.Store().Avatar("alice@alumchat.lol")
	require.True(t, ok)
	assert.Equal(t, "data:image/jpeg;base64,c2VsZg==", own.URL)
}

func TestLoginWithoutAccount(t *testing.T) {
	tr := newFakeTransport()
	cfg := testConfig()
	cfg.Account.JID = ""
	a := New(cfg, tr, state.New(nil, nil, nil), nil, nil, nil)
	defer a.Close()

	assert.ErrorIs(t, a.Login(context.Background()), config.ErrNoAccount)
	assert.False(t, tr.IsConnected())
}

func TestActionsRequireSession(t *testing.T) {
	a, _, _ := setup(t)
	ctx := context.Background()

	assert.ErrorIs(t, a.SendMessage(ctx, "a@d", "hi"), xmpp.ErrNotConnected)
	assert.ErrorIs(t, a.AddContact(ctx, "c@d"), xmpp.ErrNotConnected)
	_, err := a.CreateGroup(ctx)
	assert.ErrorIs(t, err, xmpp.ErrNotConnected)
}

func TestInboundStanzasReachStore(t *testing.T) {
	a, _, _ := setup(t)
	login(t, a)

	a.HandleStanza(element.MustParse(`<presence from='a@d/phone'><show>dnd</show><status>busy</status></presence>`))
	c, ok := a.Store().Contact("a@d")
	require.True(t, ok)
	assert.Equal(t, presence.DoNotDisturb, c.Presence)
	assert.Equal(t, "busy", c.PresenceText)

	a.HandleStanza(element.MustParse(`<presence from='carol@d/x' type='subscribe'/>`))
	assert.Equal(t, "You've been added by carol!", a.Store().Notification())

	a.HandleStanza(element.MustParse(`<message from='b@d/laptop' to='alice@alumchat.lol' type='chat'><body>hello</body></message>`))
	assert.Equal(t, "New message from b@d", a.Store().Notification())
	msgs := a.Store().Conversation("b@d")
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.Equal(t, "b@d/laptop", msgs[0].CompleteFrom)

	a.HandleStanza(element.MustParse(`<message from='b@d'><event xmlns='http://jabber.org/protocol/pubsub#event'>
		<items node='urn:xmpp:avatar:data'><item><data xmlns='urn:xmpp:avatar:data'>Yg==</data></item></items></event></message>`))
	c, _ = a.Store().Contact("b@d")
	assert.Equal(t, "data:image/jpeg;base64,Yg==", c.Avatar)
}

func TestRosterPushAcknowledged(t *testing.T) {
	a, tr, _ := setup(t)
	login(t, a)

	ack := a.HandleStanza(element.MustParse(`<iq type='set' id='push-7'><query xmlns='jabber:iq:roster'><item jid='c@d'/></query></iq>`))
	a.Wait()

	require.NotNil(t, ack, "the ack is returned for the transport to write in-band")
	assert.Equal(t, "iq", ack.Name.Local)
	assert.Equal(t, "push-7", ack.ID())
	assert.Equal(t, "result", ack.Type())
	assert.NotContains(t, tr.sentIDs(), "push-7", "the ack is not also sent out of band")
	assert.Contains(t, tr.sentIDs(), "roster-request")
}

func TestOnlyRosterPushesGetReplies(t *testing.T) {
	a, _, _ := setup(t)
	login(t, a)

	assert.Nil(t, a.HandleStanza(element.MustParse(`<presence from='a@d/phone'/>`)))
	assert.Nil(t, a.HandleStanza(element.MustParse(`<iq type='set' id='push-8' from='mallory@d'><query xmlns='jabber:iq:roster'/></iq>`)),
		"a push from another account is not acknowledged")
}

func TestUndatedArchivedMessageIsLoggedAndDropped(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	tr := newFakeTransport()
	a := New(testConfig(), tr, state.New(nil, nil, nil), nil, nil, zap.New(core))
	defer a.Close()

	a.HandleStanza(element.MustParse(`<message><result xmlns='urn:xmpp:mam:2' queryid='f27' id='1'><forwarded xmlns='urn:xmpp:forward:0'>
		<message from='y@d/r' type='chat'><body>undated</body></message></forwarded></result></message>`))

	assert.Empty(t, a.Store().Conversation("y@d"))
	dropped := logs.FilterMessage("stanza dropped").All()
	require.Len(t, dropped, 1)
	assert.Equal(t, classifier.ReasonArchivedWithoutDelay, dropped[0].ContextMap()["reason"])
}

func TestAddContact(t *testing.T) {
	a, tr, _ := setup(t)
	login(t, a)
	tr.replies["add-user"] = iqResult

	require.NoError(t, a.AddContact(context.Background(), "c@d"))

	ids := tr.sentIDs()
	assert.Contains(t, ids, "add-user")
	assert.Contains(t, ids, "add-rooms-request")

	var subscribed bool
	for _, p := range tr.sentNamed("presence") {
		if p.Type() == "subscribe" && p.AttrOr("to", "") == "c@d" {
			subscribed = true
		}
	}
	assert.True(t, subscribed)
}

func TestAddContactNormalizesAddress(t *testing.T) {
	a, tr, _ := setup(t)
	login(t, a)
	tr.replies["add-user"] = iqResult

	require.NoError(t, a.AddContact(context.Background(), "Carol@D/phone"))

	var set *element.Element
	for _, iq := range tr.sentNamed("iq") {
		if iq.ID() == "add-user" {
			set = iq
		}
	}
	require.NotNil(t, set)
	assert.Equal(t, "carol@d", element.Attr(set.Path("query", "item"), "jid").OrElse(""))

	err := a.AddContact(context.Background(), "@d")
	assert.ErrorContains(t, err, "invalid jid")
}

func TestAddContactRejected(t *testing.T) {
	a, tr, _ := setup(t)
	login(t, a)
	tr.replies["add-user"] = errorReply

	err := a.AddContact(context.Background(), "c@d")
	assert.ErrorIs(t, err, ErrRejected)
	assert.ErrorContains(t, err, "item-not-found")
}

func TestAcceptSubscription(t *testing.T) {
	a, tr, _ := setup(t)
	login(t, a)
	tr.replies["accept-request"] = iqResult
	a.Store().SetNotification("You've been added by carol!")

	require.NoError(t, a.AcceptSubscription(context.Background(), "carol@d"))
	assert.Empty(t, a.Store().Notification())

	var accept *element.Element
	for _, iq := range tr.sentNamed("iq") {
		if iq.ID() == "accept-request" {
			accept = iq
		}
	}
	require.NotNil(t, accept)
	assert.Equal(t, "both", element.Attr(accept.Path("query", "item"), "subscription").OrElse(""))
}

func TestSetStatus(t *testing.T) {
	a, tr, _ := setup(t)
	login(t, a)

	require.NoError(t, a.SetStatus(context.Background(), presence.Away, "lunch"))

	presences := tr.sentNamed("presence")
	last := presences[len(presences)-1]
	assert.Equal(t, "away", last.ChildText("show").OrElse(""))
	assert.Equal(t, "lunch", last.ChildText("status").OrElse(""))

	own, ok := a.Store().Presence("alice@alumchat.lol")
	require.True(t, ok)
	assert.Equal(t, presence.Away, own.State)
}

func TestSendMessage(t *testing.T) {
	a, tr, _ := setup(t)
	login(t, a)

	require.NoError(t, a.SendMessage(context.Background(), "a@d", "hi there"))

	sent := tr.sentNamed("message")
	require.Len(t, sent, 1)
	assert.NotEmpty(t, sent[0].ID())
	assert.Equal(t, "hi there", sent[0].ChildText("body").OrElse(""))

	msgs := a.Store().Conversation("a@d")
	require.Len(t, msgs, 1)
	assert.Equal(t, "alice@alumchat.lol", msgs[0].From)
}

func TestSendFile(t *testing.T) {
	var uploaded []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		uploaded, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	a, tr, _ := setup(t)
	login(t, a)
	tr.replies["upload-request-*"] = `<iq type='result' id='{id}'><slot xmlns='urn:xmpp:http:upload:0'>
		<put url='` + srv.URL + `/put/cat.png'/><get url='https://files.example/cat.png'/></slot></iq>`

	require.NoError(t, a.SendFile(context.Background(), "a@d", "cat.png", []byte("meow"), "a cat"))
	assert.Equal(t, []byte("meow"), uploaded)

	var slotReq *element.Element
	for _, iq := range tr.sentNamed("iq") {
		if strings.HasPrefix(iq.ID(), "upload-request-") {
			slotReq = iq
		}
	}
	require.NotNil(t, slotReq)
	assert.Equal(t, "httpfileupload.alumchat.lol", slotReq.AttrOr("to", ""))

	sent := tr.sentNamed("message")
	require.Len(t, sent, 1)
	assert.Equal(t, "https://files.example/cat.png", element.Text(element.Child(sent[0].ChildNS("jabber:x:oob", "x"), "url")).OrElse(""))

	msgs := a.Store().Conversation("a@d")
	require.Len(t, msgs, 1)
	assert.Equal(t, "https://files.example/cat.png", msgs[0].Attachment)
}

func TestSendFileTooLarge(t *testing.T) {
	a, tr, _ := setup(t)
	login(t, a)
	a.uploads.SetMaxSize(2)

	err := a.SendFile(context.Background(), "a@d", "big.bin", []byte("too big"), "")
	assert.ErrorContains(t, err, "too large")
	for _, id := range tr.sentIDs() {
		assert.False(t, strings.HasPrefix(id, "upload-request-"))
	}
}

func TestCreateGroup(t *testing.T) {
	a, _, _ := setup(t)
	login(t, a)

	res, err := a.CreateGroup(context.Background())
	require.NoError(t, err)
	last := res.Contacts[len(res.Contacts)-1]
	assert.Equal(t, "alice@conference.alumchat.lol", last.JID)
	assert.Equal(t, reconcile.TriggerCreateGroup, res.Trigger)
}

func TestDeleteAccount(t *testing.T) {
	a, tr, storage := setup(t)
	login(t, a)
	tr.replies[register.RemoveID] = iqResult

	require.NoError(t, a.DeleteAccount(context.Background()))

	assert.False(t, tr.IsConnected())
	assert.Empty(t, a.Store().Account())
	assert.Equal(t, []string{"alice@alumchat.lol"}, storage.deleted)

	_, err := a.Refresh(context.Background(), reconcile.TriggerRefresh)
	assert.ErrorIs(t, err, xmpp.ErrNotConnected)
}

func TestDeleteAccountRejected(t *testing.T) {
	a, tr, storage := setup(t)
	login(t, a)
	tr.replies[register.RemoveID] = `<iq type='error' id='{id}'><error type='cancel'><not-allowed xmlns='urn:ietf:params:xml:ns:xmpp-stanzas'/></error></iq>`

	err := a.DeleteAccount(context.Background())
	assert.True(t, errors.Is(err, register.ErrRejected))
	assert.True(t, tr.IsConnected())
	assert.Empty(t, storage.deleted)
}

func TestLogout(t *testing.T) {
	a, tr, _ := setup(t)
	login(t, a)

	require.NoError(t, a.Logout(context.Background()))

	presences := tr.sentNamed("presence")
	assert.Equal(t, "unavailable", presences[len(presences)-1].Type())
	assert.False(t, tr.IsConnected())
	assert.Empty(t, a.Store().Account())
	assert.Empty(t, a.Store().Contacts())
}

func TestOpenChat(t *testing.T) {
	a, _, _ := setup(t)
	a.OpenChat("b@d")
	assert.Equal(t, "b@d", a.Store().ChatTarget())

	a.OpenChat("B@D/laptop")
	assert.Equal(t, "b@d", a.Store().ChatTarget())
}
