package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/meszmate/rostersync/internal/app"
	"github.com/meszmate/rostersync/internal/config"
	"github.com/meszmate/rostersync/internal/xmpp"
)

func main() {
	var (
		configPath = pflag.String("config", "", "path to config file (default $XDG_CONFIG_HOME/rostersync/config.toml)")
		jidFlag    = pflag.String("jid", "", "account JID (overrides config)")
		password   = pflag.String("password", "", "account password (overrides config)")
		logLevel   = pflag.String("log-level", "", "log level: debug, info, warn, error")
		doRegister = pflag.Bool("register", false, "register the account in-band and exit")
		name       = pflag.String("name", "", "display name sent with --register")
	)
	pflag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if *jidFlag != "" {
		cfg.Account.JID = *jidFlag
	}
	if *password != "" {
		cfg.Account.Password = *password
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
		cfg.Logging.Console = true
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if *doRegister {
		if err := registerAccount(cfg, *name); err != nil {
			fmt.Fprintf(os.Stderr, "registration failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("registered %s\n", cfg.Account.JID)
		return
	}

	fx.New(
		app.Module(cfg),
		fx.WithLogger(app.FxLogger),
	).Run()
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

func registerAccount(cfg *config.Config, name string) error {
	client, err := xmpp.NewClient(app.TransportConfig(cfg), zap.NewNop())
	if err != nil {
		return err
	}
	username, _, ok := strings.Cut(cfg.Account.JID, "@")
	if !ok || username == "" {
		return fmt.Errorf("jid %q has no username", cfg.Account.JID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Sync.RequestTimeout.Duration*3)
	defer cancel()
	return client.Register(ctx, username, cfg.Account.Password, name, cfg.Sync.RequestTimeout.Duration)
}
