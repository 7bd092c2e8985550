// Package config loads the sessionkeeper YAML configuration file. Command
// line flags are applied on top by the cmd package.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Session store kinds.
const (
	StoreMemory     = "memory"
	StorePersistent = "persistent"
	StoreRedis      = "redis"
)

// Identity modes.
const (
	IdentityLocal = "local"
	IdentityOIDC  = "oidc"
)

// Config is the whole configuration file.
type Config struct {
	Log      LogConfig      `yaml:"log"`
	Identity IdentityConfig `yaml:"identity"`
	Server   ServerConfig   `yaml:"server"`
	Tab      TabConfig      `yaml:"tab"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// IdentityConfig is shared by the server, which verifies credentials, and
// the tab, which obtains them.
type IdentityConfig struct {
	Mode string `yaml:"mode"`

	// Local mode.
	LocalSecret string        `yaml:"local_secret"`
	TokenTTL    time.Duration `yaml:"token_ttl"`

	// OIDC mode.
	IssuerURL    string   `yaml:"issuer_url"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Scopes       []string `yaml:"scopes"`
}

// ServerConfig configures `sessionkeeper server`.
type ServerConfig struct {
	Listen  string `yaml:"listen"`
	DataDir string `yaml:"data_dir"`
	TLSCert string `yaml:"tls_cert"`
	TLSKey  string `yaml:"tls_key"`

	SessionStore  string        `yaml:"session_store"`
	SessionSecret string        `yaml:"session_secret"`
	RedisURL      string        `yaml:"redis_url"`
	SessionTTL    time.Duration `yaml:"session_ttl"`
	IdleTimeout   time.Duration `yaml:"idle_timeout"`

	TrustedProxies   []string      `yaml:"trusted_proxies"`
	AuditWebhookURL  string        `yaml:"audit_webhook_url"`
	AuditWebhookAuth string        `yaml:"audit_webhook_auth"`
	AuditMaxAge      time.Duration `yaml:"audit_max_age"`
	AuditMaxEntries  int           `yaml:"audit_max_entries"`
	Metrics          bool          `yaml:"metrics"`
}

// TabConfig configures `sessionkeeper tab`.
type TabConfig struct {
	ServerURL     string        `yaml:"server_url"`
	BasePath      string        `yaml:"base_path"`
	RecordDir     string        `yaml:"record_dir"`
	ProbeURL      string        `yaml:"probe_url"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Log: LogConfig{Level: "info", Format: "text"},
		Identity: IdentityConfig{
			Mode:     IdentityLocal,
			TokenTTL: time.Hour,
		},
		Server: ServerConfig{
			Listen:          ":8080",
			DataDir:         "./data",
			SessionStore:    StoreMemory,
			SessionTTL:      24 * time.Hour,
			IdleTimeout:     60 * time.Minute,
			AuditMaxAge:     90 * 24 * time.Hour,
			AuditMaxEntries: 1000,
			Metrics:         true,
		},
		Tab: TabConfig{
			ServerURL:     "http://localhost:8080",
			BasePath:      "/auth",
			RecordDir:     "./tabs",
			ProbeInterval: 15 * time.Second,
		},
	}
}

// Load reads path over Default. An empty path returns Default. Unknown
// keys are an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// ValidateServer checks the settings `sessionkeeper server` needs.
func (c Config) ValidateServer() error {
	var errs []error
	errs = append(errs, c.Identity.validate())
	s := c.Server
	switch s.SessionStore {
	case StoreMemory:
	case StorePersistent:
		if s.SessionSecret == "" {
			errs = append(errs, errors.New("server.session_secret is required for the persistent session store"))
		}
	case StoreRedis:
		if s.RedisURL == "" {
			errs = append(errs, errors.New("server.redis_url is required for the redis session store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown server.session_store %q", s.SessionStore))
	}
	if (s.TLSCert == "") != (s.TLSKey == "") {
		errs = append(errs, errors.New("server.tls_cert and server.tls_key must be set together"))
	}
	if s.SessionTTL <= 0 {
		errs = append(errs, errors.New("server.session_ttl must be positive"))
	}
	return errors.Join(errs...)
}

// ValidateTab checks the settings `sessionkeeper tab` needs.
func (c Config) ValidateTab() error {
	var errs []error
	errs = append(errs, c.Identity.validate())
	if c.Tab.ServerURL == "" {
		errs = append(errs, errors.New("tab.server_url is required"))
	}
	if c.Tab.RecordDir == "" {
		errs = append(errs, errors.New("tab.record_dir is required"))
	}
	return errors.Join(errs...)
}

func (ic IdentityConfig) validate() error {
	switch ic.Mode {
	case IdentityLocal:
		if ic.LocalSecret == "" {
			return errors.New("identity.local_secret is required in local mode")
		}
	case IdentityOIDC:
		if ic.IssuerURL == "" || ic.ClientID == "" {
			return errors.New("identity.issuer_url and identity.client_id are required in oidc mode")
		}
	default:
		return fmt.Errorf("unknown identity.mode %q", ic.Mode)
	}
	return nil
}

// NewLogger builds the configured slog logger writing to w.
func (lc LogConfig) NewLogger(w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(lc.Level)); err != nil {
		return nil, fmt.Errorf("log.level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(lc.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log.format %q", lc.Format)
	}
}
