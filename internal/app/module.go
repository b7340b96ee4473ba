package app

import (
	"context"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/meszmate/rostersync/internal/config"
	"github.com/meszmate/rostersync/internal/logging"
	"github.com/meszmate/rostersync/internal/state"
	"github.com/meszmate/rostersync/internal/storage/sqlite"
	"github.com/meszmate/rostersync/internal/xmpp"
	"github.com/meszmate/rostersync/internal/xmpp/upload"
)

// Module returns the fx module composing the application and its lifecycle.
func Module(cfg *config.Config) fx.Option {
	return fx.Module("rostersync",
		fx.Supply(cfg),
		fx.Provide(
			provideLogger,
			provideStorage,
			provideStore,
			provideTransport,
			provideUploads,
			provideApp,
		),
		fx.Invoke(registerLifecycle),
	)
}

// FxLogger routes fx's own events to the application logger at WARN and above
func FxLogger(logger *zap.Logger) fxevent.Logger {
	return &fxevent.ZapLogger{Logger: logger.Named("fx").WithOptions(zap.IncreaseLevel(zap.WarnLevel))}
}

func provideLogger(lc fx.Lifecycle, cfg *config.Config) (*zap.Logger, error) {
	l, err := logging.New(logging.Config{
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
		Console: cfg.Logging.Console,
	})
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(l.Close))
	return l.Logger, nil
}

// provideStorage opens the durable cache. It returns nil when caching is
// disabled.
func provideStorage(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger) (*sqlite.DB, error) {
	if !cfg.Storage.PersistCache {
		logger.Info("persistent cache disabled")
		return nil, nil
	}
	db, err := sqlite.New(cfg.Storage.DataDir)
	if err != nil {
		return nil, err
	}
	db.SetSaveMessages(cfg.Storage.SaveMessages)
	lc.Append(fx.StopHook(db.Close))
	logger.Info("storage initialized", zap.String("dir", cfg.Storage.DataDir))
	return db, nil
}

func provideStore(db *sqlite.DB, logger *zap.Logger) *state.Store {
	var persist state.Persister
	if db != nil {
		persist = db
	}
	return state.New(persist, state.NewEventBus(), logger.Named("store"))
}

func provideTransport(cfg *config.Config, logger *zap.Logger) (*xmpp.Client, error) {
	return xmpp.NewClient(TransportConfig(cfg), logger)
}

// TransportConfig maps the configuration onto the transport's settings
func TransportConfig(cfg *config.Config) xmpp.ClientConfig {
	return xmpp.ClientConfig{
		JID:          cfg.Account.JID,
		Password:     cfg.Account.Password,
		Resource:     cfg.Account.Resource,
		Kind:         cfg.Transport.Kind,
		WebSocketURL: cfg.Transport.WebSocketURL,
		Server:       cfg.Transport.Server,
		Port:         cfg.Transport.Port,
	}
}

func provideUploads() *upload.Manager {
	return upload.NewManager(nil)
}

func provideApp(cfg *config.Config, tr *xmpp.Client, store *state.Store, db *sqlite.DB, uploads *upload.Manager, logger *zap.Logger) *App {
	var storage AccountStorage
	if db != nil {
		storage = db
	}
	return New(cfg, tr, store, storage, uploads, logger)
}

func registerLifecycle(lc fx.Lifecycle, a *App, shutdowner fx.Shutdowner, logger *zap.Logger) {
	watchStore(a.Store(), logger.Named("events"))

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Connecting may outlive the start timeout, so it runs in the
			// background and a failure stops the application.
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
				defer cancel()
				if err := a.Login(ctx); err != nil {
					logger.Error("login failed", zap.Error(err))
					_ = shutdowner.Shutdown(fx.ExitCode(1))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := a.Logout(ctx); err != nil {
				logger.Warn("logout", zap.Error(err))
			}
			a.Close()
			return nil
		},
	})
}

// watchStore logs store changes, the only user-facing output of the daemon
func watchStore(store *state.Store, logger *zap.Logger) {
	bus := store.Events()
	bus.Subscribe(state.EventContactsReplaced, func(event state.EventMsg) {
		for _, c := range store.Contacts() {
			logger.Info("contact",
				zap.String("jid", c.JID),
				zap.String("name", c.Name),
				zap.Bool("room", c.IsRoom),
				zap.Stringer("presence", c.Presence),
			)
		}
	})
	bus.Subscribe(state.EventContactUpdated, func(event state.EventMsg) {
		logger.Debug("contact updated", zap.String("jid", event.JID))
	})
	bus.Subscribe(state.EventNotification, func(event state.EventMsg) {
		if text, ok := event.Data.(string); ok && text != "" {
			logger.Info("notification", zap.String("text", text))
		}
	})
	bus.Subscribe(state.EventMessages, func(event state.EventMsg) {
		logger.Debug("messages merged", zap.Any("count", event.Data))
	})
}
