package xmpp

import (
	"context"
	"crypto/tls"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
	"mellium.im/sasl"
	"mellium.im/xmlstream"
	"mellium.im/xmpp"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/websocket"

	"github.com/meszmate/rostersync/internal/xmpp/correlator"
	"github.com/meszmate/rostersync/internal/xmpp/element"
	"github.com/meszmate/rostersync/internal/xmpp/register"
)

var (
	// ErrTransport wraps failures to dial, negotiate or write the stream
	ErrTransport = errors.New("transport error")
	// ErrNotConnected is returned when sending without a session
	ErrNotConnected = errors.New("not connected")
)

// Transport kinds
const (
	KindWebSocket = "websocket"
	KindTCP       = "tcp"
)

// DefaultResource is bound when none is configured
const DefaultResource = "xpp-client"

// ClientConfig contains configuration for the XMPP client
type ClientConfig struct {
	JID      string
	Password string
	Resource string

	Kind         string
	WebSocketURL string
	Server       string
	Port         int

	DialTimeout time.Duration
}

// Client owns the XMPP session and surfaces it as a stanza event stream
type Client struct {
	cfg       ClientConfig
	jid       jid.JID
	session   *xmpp.Session
	connected bool
	mu        sync.RWMutex
	logger    *zap.Logger

	// Handlers
	onStanza  StanzaHandler
	onOnline  func(addr jid.JID)
	onError   func(err error)
	onOffline func(err error)
}

// NewClient creates a new XMPP client
func NewClient(cfg ClientConfig, logger *zap.Logger) (*Client, error) {
	j, err := jid.Parse(cfg.JID)
	if err != nil {
		return nil, fmt.Errorf("invalid JID: %w", err)
	}

	if cfg.Resource == "" {
		cfg.Resource = DefaultResource
	}
	j, err = j.WithResource(cfg.Resource)
	if err != nil {
		return nil, fmt.Errorf("invalid resource: %w", err)
	}

	if cfg.Kind == "" {
		cfg.Kind = KindWebSocket
	}
	if cfg.Port == 0 {
		cfg.Port = 5222
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		cfg:    cfg,
		jid:    j,
		logger: logger.Named("transport").With(zap.String("jid", j.Bare().String())),
	}, nil
}

// Connect dials the server, authenticates, binds a resource and starts
// serving inbound stanzas. The online handler runs once the session is up.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}

	features := []xmpp.StreamFeature{
		xmpp.SASL("", c.cfg.Password, sasl.ScramSha256Plus, sasl.ScramSha256, sasl.ScramSha1Plus, sasl.ScramSha1, sasl.Plain),
		xmpp.BindResource(),
	}
	session, err := c.negotiate(ctx, c.jid, features)
	if err != nil {
		c.mu.Unlock()
		return err
	}

	c.session = session
	c.connected = true
	// Update JID with resource from server
	c.jid = session.LocalAddr()
	addr := c.jid
	onOnline := c.onOnline
	c.mu.Unlock()

	c.logger.Info("session established", zap.String("kind", c.cfg.Kind), zap.String("bound", addr.String()))

	go c.serve(session)

	if onOnline != nil {
		onOnline(addr)
	}
	return nil
}

// negotiate opens a stream of the configured kind with the given features
func (c *Client) negotiate(ctx context.Context, addr jid.JID, features []xmpp.StreamFeature) (*xmpp.Session, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	domain := addr.Domain()
	tlsConfig := &tls.Config{
		ServerName: domain.String(),
		MinVersion: tls.VersionTLS12,
	}

	switch c.cfg.Kind {
	case KindTCP:
		server := c.cfg.Server
		if server == "" {
			server = domain.String()
		}
		conn, err := (&net.Dialer{}).DialContext(dialCtx, "tcp", net.JoinHostPort(server, fmt.Sprint(c.cfg.Port)))
		if err != nil {
			return nil, fmt.Errorf("%w: failed to dial server: %v", ErrTransport, err)
		}

		negotiator := xmpp.NewNegotiator(func(_ *xmpp.Session, _ *xmpp.StreamConfig) xmpp.StreamConfig {
			return xmpp.StreamConfig{
				Features: append([]xmpp.StreamFeature{xmpp.StartTLS(tlsConfig)}, features...),
			}
		})
		session, err := xmpp.NewSession(dialCtx, domain, addr, conn, 0, negotiator)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("%w: failed to negotiate session: %v", ErrTransport, err)
		}
		return session, nil

	case KindWebSocket:
		endpoint := c.cfg.WebSocketURL
		if endpoint == "" {
			endpoint = DefaultWebSocketURL(domain.String())
		}
		u, err := url.Parse(endpoint)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid websocket url: %v", ErrTransport, err)
		}
		origin := "https://" + u.Host
		var state xmpp.SessionState
		if u.Scheme == "wss" {
			state = xmpp.Secure
		}

		conn, err := websocket.DialDirect(dialCtx, origin, endpoint)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to dial websocket: %v", ErrTransport, err)
		}

		negotiator := websocket.Negotiator(func(_ *xmpp.Session, _ *xmpp.StreamConfig) xmpp.StreamConfig {
			return xmpp.StreamConfig{Features: features}
		})
		session, err := xmpp.NewSession(dialCtx, domain, addr, conn, state, negotiator)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("%w: failed to negotiate session: %v", ErrTransport, err)
		}
		return session, nil

	default:
		return nil, fmt.Errorf("%w: unknown transport kind %q", ErrTransport, c.cfg.Kind)
	}
}

// DefaultWebSocketURL returns the WebSocket endpoint assumed for domain
func DefaultWebSocketURL(domain string) string {
	return "wss://" + domain + ":7443/ws/"
}

// StanzaHandler receives every inbound stanza. A non-nil return value is
// written as the in-band reply to st, which is how IQ requests addressed to
// the client get answered.
type StanzaHandler func(st *element.Element) *element.Element

// serve reads stanzas until the stream ends
func (c *Client) serve(session *xmpp.Session) {
	err := session.Serve(xmpp.HandlerFunc(c.handle))
	c.handleDisconnect(session, err)
}

func (c *Client) handle(t xmlstream.TokenReadEncoder, start *xml.StartElement) error {
	st, err := element.Decode(t, *start)
	if err != nil {
		c.logger.Debug("dropping undecodable stanza", zap.String("name", start.Name.Local), zap.Error(err))
		return nil
	}

	c.mu.RLock()
	onStanza := c.onStanza
	c.mu.RUnlock()
	if onStanza == nil {
		return nil
	}
	reply := onStanza(st)
	if reply == nil {
		return nil
	}
	// The reply must go through t: the session answers IQ requests nobody
	// replied to on t with service-unavailable.
	if err := t.Encode(reply); err != nil {
		return fmt.Errorf("%w: reply %s %q: %v", ErrTransport, reply.Name.Local, reply.ID(), err)
	}
	return nil
}

// handleDisconnect handles the end of a session's stream
func (c *Client) handleDisconnect(session *xmpp.Session, err error) {
	c.mu.Lock()
	if c.session != session {
		// Disconnect already tore this session down.
		c.mu.Unlock()
		return
	}
	c.connected = false
	c.session = nil
	onError, onOffline := c.onError, c.onOffline
	c.mu.Unlock()

	if err != nil && !errors.Is(err, io.EOF) {
		err = fmt.Errorf("%w: %v", ErrTransport, err)
		c.logger.Error("stream ended", zap.Error(err))
		if onError != nil {
			onError(err)
		}
	} else {
		err = nil
		c.logger.Info("stream closed")
	}
	if onOffline != nil {
		onOffline(err)
	}
}

// Disconnect closes the XMPP connection
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil
	}
	session := c.session
	c.connected = false
	c.session = nil
	onOffline := c.onOffline
	c.mu.Unlock()

	var err error
	if session != nil {
		err = session.Close()
	}
	if onOffline != nil {
		onOffline(nil)
	}
	return err
}

// Send writes a stanza to the stream
func (c *Client) Send(ctx context.Context, st *element.Element) error {
	c.mu.RLock()
	if !c.connected {
		c.mu.RUnlock()
		return ErrNotConnected
	}
	session := c.session
	c.mu.RUnlock()

	if err := session.Encode(ctx, st); err != nil {
		return fmt.Errorf("%w: send %s %q: %v", ErrTransport, st.Name.Local, st.ID(), err)
	}
	return nil
}

// Register creates an account through in-band registration on a fresh,
// unauthenticated stream. The stream is closed before returning.
func (c *Client) Register(ctx context.Context, username, password, name string, timeout time.Duration) error {
	domain := c.jid.Domain()
	session, err := c.negotiate(ctx, domain, nil)
	if err != nil {
		return err
	}
	defer session.Close()
	return registerAccount(ctx, session, domain, username, password, name, timeout)
}

// registerAccount runs the registration exchange over session
func registerAccount(ctx context.Context, session *xmpp.Session, domain jid.JID, username, password, name string, timeout time.Duration) error {
	corr := correlator.New()
	p, err := corr.Register(register.RequestID, correlator.KindRegistration, nil)
	if err != nil {
		return err
	}
	go func() {
		_ = session.Serve(xmpp.HandlerFunc(func(t xmlstream.TokenReadEncoder, start *xml.StartElement) error {
			if st, err := element.Decode(t, *start); err == nil {
				corr.Resolve(st)
			}
			return nil
		}))
	}()

	if err := session.Encode(ctx, register.Request(register.RequestID, domain, username, password, name)); err != nil {
		corr.Cancel(p)
		return fmt.Errorf("%w: send registration: %v", ErrTransport, err)
	}
	reply, err := corr.Await(ctx, p, timeout)
	if err != nil {
		return err
	}
	return register.Result(reply)
}

// IsConnected returns whether the client is connected
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// JID returns the client's JID
func (c *Client) JID() jid.JID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.jid
}

// SetStanzaHandler sets the handler for every inbound stanza
func (c *Client) SetStanzaHandler(handler StanzaHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStanza = handler
}

// SetOnlineHandler sets the handler run after the session is established
func (c *Client) SetOnlineHandler(handler func(addr jid.JID)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onOnline = handler
}

// SetErrorHandler sets the error handler
func (c *Client) SetErrorHandler(handler func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = handler
}

// SetOfflineHandler sets the handler run when the stream ends
func (c *Client) SetOfflineHandler(handler func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onOffline = handler
}
