package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the main application configuration
type Config struct {
	Account   AccountConfig   `toml:"account"`
	Transport TransportConfig `toml:"transport"`
	Sync      SyncConfig      `toml:"sync"`
	Upload    UploadConfig    `toml:"upload"`
	Logging   LoggingConfig   `toml:"logging"`
	Storage   StorageConfig   `toml:"storage"`
}

// AccountConfig is the XMPP account to log in with
type AccountConfig struct {
	JID      string `toml:"jid"`
	Password string `toml:"password"`
	Resource string `toml:"resource"`
	Priority int    `toml:"priority"`
}

// TransportConfig selects how the stream is carried
type TransportConfig struct {
	// Kind is "websocket" or "tcp"
	Kind         string `toml:"kind"`
	WebSocketURL string `toml:"websocket_url"`
	Server       string `toml:"server"`
	Port         int    `toml:"port"`
}

// SyncConfig tunes reconciliation cycles
type SyncConfig struct {
	RequestTimeout  Duration `toml:"request_timeout"`
	RoomInfoTimeout Duration `toml:"room_info_timeout"`
	AvatarRate      float64  `toml:"avatar_rate"`
	AvatarBurst     int      `toml:"avatar_burst"`
}

// UploadConfig contains HTTP file upload settings
type UploadConfig struct {
	Service string `toml:"service"`
	MaxSize int64  `toml:"max_size"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level   string `toml:"level"`
	File    string `toml:"file"`
	Console bool   `toml:"console"`
}

// StorageConfig contains storage settings
type StorageConfig struct {
	DataDir string `toml:"data_dir"`

	// SaveMessages enables/disables message history
	SaveMessages bool `toml:"save_messages"`

	// PersistCache keeps avatar, presence and contact caches across runs
	PersistCache bool `toml:"persist_cache"`
}

// Duration is a time.Duration written as a string ("10s", "1m30s")
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Paths holds the XDG-compliant paths for the application
type Paths struct {
	ConfigDir string
	DataDir   string
	CacheDir  string
}

// ErrNoAccount is returned by Validate when no JID is configured
var ErrNoAccount = errors.New("no account configured")

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Account: AccountConfig{
			Resource: "xpp-client",
			Priority: 127,
		},
		Transport: TransportConfig{
			Kind: "websocket",
			Port: 5222,
		},
		Sync: SyncConfig{
			RequestTimeout:  Duration{10 * time.Second},
			RoomInfoTimeout: Duration{5 * time.Second},
			AvatarRate:      20,
			AvatarBurst:     10,
		},
		Upload: UploadConfig{
			MaxSize: 10 * 1024 * 1024,
		},
		Logging: LoggingConfig{
			Level:   "info",
			File:    "",
			Console: false,
		},
		Storage: StorageConfig{
			SaveMessages: true,
			PersistCache: true,
		},
	}
}

// GetPaths returns XDG-compliant paths for the application
func GetPaths() (*Paths, error) {
	home, homeErr := os.UserHomeDir()
	dir := func(env string, fallback ...string) (string, error) {
		base := os.Getenv(env)
		if base == "" {
			if homeErr != nil {
				return "", fmt.Errorf("failed to get home directory: %w", homeErr)
			}
			base = filepath.Join(append([]string{home}, fallback...)...)
		}
		return filepath.Join(base, "rostersync"), nil
	}

	configDir, err := dir("XDG_CONFIG_HOME", ".config")
	if err != nil {
		return nil, err
	}
	dataDir, err := dir("XDG_DATA_HOME", ".local", "share")
	if err != nil {
		return nil, err
	}
	cacheDir, err := dir("XDG_CACHE_HOME", ".cache")
	if err != nil {
		return nil, err
	}

	return &Paths{
		ConfigDir: configDir,
		DataDir:   dataDir,
		CacheDir:  cacheDir,
	}, nil
}

// EnsureDirectories creates the necessary directories
func (p *Paths) EnsureDirectories() error {
	dirs := []string{p.ConfigDir, p.DataDir, p.CacheDir}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// ConfigFile returns the default config file location
func (p *Paths) ConfigFile() string {
	return filepath.Join(p.ConfigDir, "config.toml")
}

// Load loads the configuration from the default config file. A missing
// file yields the defaults.
func Load() (*Config, error) {
	paths, err := GetPaths()
	if err != nil {
		return nil, err
	}
	if err := paths.EnsureDirectories(); err != nil {
		return nil, err
	}
	return load(paths.ConfigFile(), paths)
}

// LoadFile loads the configuration from path. Unlike Load, the file must exist.
func LoadFile(path string) (*Config, error) {
	paths, err := GetPaths()
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return load(path, paths)
}

func load(path string, paths *Paths) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); err == nil {
		md, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("unknown config keys: %v", undecoded)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg.applyPaths(paths)
	return cfg, nil
}

// applyPaths fills path defaults and expands ~
func (c *Config) applyPaths(paths *Paths) {
	if c.Storage.DataDir == "" {
		c.Storage.DataDir = paths.DataDir
	} else {
		c.Storage.DataDir = expandPath(c.Storage.DataDir)
	}

	if c.Logging.File == "" {
		c.Logging.File = filepath.Join(c.Storage.DataDir, "rostersync.log")
	} else {
		c.Logging.File = expandPath(c.Logging.File)
	}
}

// Domain returns the domain part of the configured JID
func (c *Config) Domain() string {
	addr := c.Account.JID
	if i := strings.IndexByte(addr, '/'); i >= 0 {
		addr = addr[:i]
	}
	if i := strings.LastIndexByte(addr, '@'); i >= 0 {
		return addr[i+1:]
	}
	return addr
}

// UploadService returns the configured upload service or the
// httpfileupload subdomain of the account's domain.
func (c *Config) UploadService() string {
	if c.Upload.Service != "" {
		return c.Upload.Service
	}
	return "httpfileupload." + c.Domain()
}

// Validate checks the settings needed to log in
func (c *Config) Validate() error {
	if c.Account.JID == "" {
		return ErrNoAccount
	}
	switch c.Transport.Kind {
	case "websocket", "tcp":
	default:
		return fmt.Errorf("unknown transport kind %q", c.Transport.Kind)
	}
	if c.Sync.RequestTimeout.Duration <= 0 || c.Sync.RoomInfoTimeout.Duration <= 0 {
		return errors.New("sync timeouts must be positive")
	}
	return nil
}

// Save saves the configuration to the default config file
func Save(cfg *Config) error {
	paths, err := GetPaths()
	if err != nil {
		return err
	}
	if err := paths.EnsureDirectories(); err != nil {
		return err
	}
	return SaveFile(paths.ConfigFile(), cfg)
}

// SaveFile saves the configuration to path with owner-only permissions,
// since it may hold a password.
func SaveFile(path string, cfg *Config) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	if err := encoder.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	return nil
}

// expandPath expands ~ to home directory
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
