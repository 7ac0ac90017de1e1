// Package config loads the broker configuration: built-in defaults, then an
// optional TOML file, then environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Tenant store backends.
const (
	BackendBbolt     = "bbolt"
	BackendFirestore = "firestore"
	BackendMemory    = "memory"
)

// maxSendDelay matches the ceiling the dispatcher applies to per-request bounds.
const maxSendDelay = time.Hour

// DriverLoopback is the in-process protocol driver.
const DriverLoopback = "loopback"

// Config is the complete broker configuration.
type Config struct {
	Addr        string
	SessionRoot string
	LogLevel    string

	HTTP        HTTP
	Credentials Credentials
	Tenants     Tenants
	Dispatch    Dispatch
	Protocol    Protocol
	Session     Session
	Tracing     Tracing
}

// HTTP configures the request surface.
type HTTP struct {
	// TrustedProxies lists CIDR ranges whose forwarding headers are honored.
	TrustedProxies []string
	// PairingLimit is the number of pairing requests per tenant before
	// backoff. Zero disables throttling.
	PairingLimit int
	// AuditWebhookURL receives every audit event as JSON. Empty disables it.
	AuditWebhookURL string
	// AuditWebhookAuthHeader is sent as "Header: Value" with each delivery.
	AuditWebhookAuthHeader string
}

// Credentials configures the remote credential store.
type Credentials struct {
	// URL is the blob base URL. Empty disables remote persistence.
	URL         string
	Prefix      string
	Parallelism int
}

// Tenants configures tenant resolution.
type Tenants struct {
	Backend          string
	Path             string
	Project          string
	Collection       string
	SessionField     string
	DefaultSessionID string
	CacheTTL         time.Duration
}

// Dispatch configures message pacing.
type Dispatch struct {
	ConnectTimeout  time.Duration
	DefaultMinDelay time.Duration
	DefaultMaxDelay time.Duration
	PairingSettle   time.Duration
}

// Protocol selects and tunes the protocol client.
type Protocol struct {
	Driver  string
	Browser [3]string
	// ConnectDelay and ConfirmDelay tune the loopback driver.
	ConnectDelay time.Duration
	ConfirmDelay time.Duration
}

// Session configures the session registry.
type Session struct {
	EvictOnLogout bool
}

// Tracing configures OpenTelemetry export.
type Tracing struct {
	Enabled     bool
	ServiceName string
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Addr:        ":8080",
		SessionRoot: "/tmp/whatsapp-sessions",
		LogLevel:    "info",
		HTTP: HTTP{
			PairingLimit: 5,
		},
		Credentials: Credentials{
			Parallelism: 8,
		},
		Tenants: Tenants{
			Backend:      BackendBbolt,
			Path:         "kurumtakip.db",
			Collection:   "kurumlar",
			SessionField: "session_id",
		},
		Dispatch: Dispatch{
			ConnectTimeout:  15 * time.Second,
			DefaultMinDelay: 10 * time.Second,
			DefaultMaxDelay: 20 * time.Second,
			PairingSettle:   2500 * time.Millisecond,
		},
		Protocol: Protocol{
			Driver:       DriverLoopback,
			Browser:      [3]string{"KurumTakip", "Chrome", "1.0.0"},
			ConnectDelay: 500 * time.Millisecond,
		},
		Session: Session{
			EvictOnLogout: true,
		},
		Tracing: Tracing{
			ServiceName: "kurumtakip",
		},
	}
}

// Load builds a Config from defaults, the TOML file at path (skipped when
// path is empty) and the process environment, then validates it.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := LoadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := ApplyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type fileConfig struct {
	Addr        string `toml:"addr"`
	SessionRoot string `toml:"session_root"`
	LogLevel    string `toml:"log_level"`

	HTTP struct {
		TrustedProxies []string `toml:"trusted_proxies"`
		PairingLimit   int      `toml:"pairing_limit"`

		AuditWebhookURL        string `toml:"audit_webhook_url"`
		AuditWebhookAuthHeader string `toml:"audit_webhook_auth_header"`
	} `toml:"http"`

	Credentials struct {
		URL         string `toml:"url"`
		Prefix      string `toml:"prefix"`
		Parallelism int    `toml:"parallelism"`
	} `toml:"credentials"`

	Tenants struct {
		Backend          string `toml:"backend"`
		Path             string `toml:"path"`
		Project          string `toml:"project"`
		Collection       string `toml:"collection"`
		SessionField     string `toml:"session_field"`
		DefaultSessionID string `toml:"default_session_id"`
		CacheTTL         string `toml:"cache_ttl"`
	} `toml:"tenants"`

	Dispatch struct {
		ConnectTimeout  string `toml:"connect_timeout"`
		DefaultMinDelay string `toml:"default_min_delay"`
		DefaultMaxDelay string `toml:"default_max_delay"`
		PairingSettle   string `toml:"pairing_settle"`
	} `toml:"dispatch"`

	Protocol struct {
		Driver       string   `toml:"driver"`
		Browser      []string `toml:"browser"`
		ConnectDelay string   `toml:"connect_delay"`
		ConfirmDelay string   `toml:"confirm_delay"`
	} `toml:"protocol"`

	Session struct {
		EvictOnLogout bool `toml:"evict_on_logout"`
	} `toml:"session"`

	Tracing struct {
		Enabled     bool   `toml:"enabled"`
		ServiceName string `toml:"service_name"`
	} `toml:"tracing"`
}

// LoadFile overlays the keys defined in the TOML file at path onto cfg.
func LoadFile(path string, cfg *Config) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("load config %s: unknown key %q", path, undecoded[0].String())
	}

	str := func(dst *string, v string, key ...string) {
		if meta.IsDefined(key...) {
			*dst = strings.TrimSpace(v)
		}
	}
	var durErr error
	dur := func(dst *time.Duration, v string, key ...string) {
		if durErr != nil || !meta.IsDefined(key...) {
			return
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			durErr = fmt.Errorf("parse %s: %w", strings.Join(key, "."), err)
			return
		}
		*dst = d
	}

	str(&cfg.Addr, raw.Addr, "addr")
	str(&cfg.SessionRoot, raw.SessionRoot, "session_root")
	str(&cfg.LogLevel, raw.LogLevel, "log_level")

	if meta.IsDefined("http", "trusted_proxies") {
		cfg.HTTP.TrustedProxies = raw.HTTP.TrustedProxies
	}
	if meta.IsDefined("http", "pairing_limit") {
		cfg.HTTP.PairingLimit = raw.HTTP.PairingLimit
	}
	str(&cfg.HTTP.AuditWebhookURL, raw.HTTP.AuditWebhookURL, "http", "audit_webhook_url")
	str(&cfg.HTTP.AuditWebhookAuthHeader, raw.HTTP.AuditWebhookAuthHeader, "http", "audit_webhook_auth_header")

	str(&cfg.Credentials.URL, raw.Credentials.URL, "credentials", "url")
	str(&cfg.Credentials.Prefix, raw.Credentials.Prefix, "credentials", "prefix")
	if meta.IsDefined("credentials", "parallelism") {
		cfg.Credentials.Parallelism = raw.Credentials.Parallelism
	}

	str(&cfg.Tenants.Backend, raw.Tenants.Backend, "tenants", "backend")
	str(&cfg.Tenants.Path, raw.Tenants.Path, "tenants", "path")
	str(&cfg.Tenants.Project, raw.Tenants.Project, "tenants", "project")
	str(&cfg.Tenants.Collection, raw.Tenants.Collection, "tenants", "collection")
	str(&cfg.Tenants.SessionField, raw.Tenants.SessionField, "tenants", "session_field")
	str(&cfg.Tenants.DefaultSessionID, raw.Tenants.DefaultSessionID, "tenants", "default_session_id")
	dur(&cfg.Tenants.CacheTTL, raw.Tenants.CacheTTL, "tenants", "cache_ttl")

	dur(&cfg.Dispatch.ConnectTimeout, raw.Dispatch.ConnectTimeout, "dispatch", "connect_timeout")
	dur(&cfg.Dispatch.DefaultMinDelay, raw.Dispatch.DefaultMinDelay, "dispatch", "default_min_delay")
	dur(&cfg.Dispatch.DefaultMaxDelay, raw.Dispatch.DefaultMaxDelay, "dispatch", "default_max_delay")
	dur(&cfg.Dispatch.PairingSettle, raw.Dispatch.PairingSettle, "dispatch", "pairing_settle")

	str(&cfg.Protocol.Driver, raw.Protocol.Driver, "protocol", "driver")
	if meta.IsDefined("protocol", "browser") {
		if len(raw.Protocol.Browser) != 3 {
			return fmt.Errorf("load config %s: protocol.browser needs 3 entries, got %d", path, len(raw.Protocol.Browser))
		}
		copy(cfg.Protocol.Browser[:], raw.Protocol.Browser)
	}
	dur(&cfg.Protocol.ConnectDelay, raw.Protocol.ConnectDelay, "protocol", "connect_delay")
	dur(&cfg.Protocol.ConfirmDelay, raw.Protocol.ConfirmDelay, "protocol", "confirm_delay")

	if meta.IsDefined("session", "evict_on_logout") {
		cfg.Session.EvictOnLogout = raw.Session.EvictOnLogout
	}
	if meta.IsDefined("tracing", "enabled") {
		cfg.Tracing.Enabled = raw.Tracing.Enabled
	}
	str(&cfg.Tracing.ServiceName, raw.Tracing.ServiceName, "tracing", "service_name")

	if durErr != nil {
		return fmt.Errorf("load config %s: %w", path, durErr)
	}
	return nil
}

// ApplyEnv overlays environment variables onto cfg. The variable names are
// the ones the service has always been deployed with.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	get := func(name string) (string, bool) {
		v, ok := lookup(name)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	if v, ok := get("PORT"); ok {
		if _, err := strconv.Atoi(v); err != nil {
			return fmt.Errorf("PORT: %q is not a port number", v)
		}
		cfg.Addr = ":" + v
	}
	if v, ok := get("GCS_BUCKET"); ok {
		cfg.Credentials.URL = "gs://" + strings.TrimPrefix(v, "gs://")
	}
	if v, ok := get("GCS_PREFIX"); ok {
		cfg.Credentials.Prefix = v
	}
	if v, ok := get("SESSION_ROOT"); ok {
		cfg.SessionRoot = v
	}
	if v, ok := get("FIRESTORE_COLLECTION"); ok {
		cfg.Tenants.Collection = v
	}
	if v, ok := get("FIRESTORE_SESSION_FIELD"); ok {
		cfg.Tenants.SessionField = v
	}
	if v, ok := get("DEFAULT_SESSION_ID"); ok {
		cfg.Tenants.DefaultSessionID = v
	}
	if v, ok := get("TENANT_BACKEND"); ok {
		cfg.Tenants.Backend = v
	}
	if v, ok := get("GOOGLE_CLOUD_PROJECT"); ok && cfg.Tenants.Project == "" {
		cfg.Tenants.Project = v
	}
	if v, ok := get("LOG_LEVEL"); ok {
		cfg.LogLevel = v
	}
	if v, ok := get("TRUSTED_PROXIES"); ok {
		cfg.HTTP.TrustedProxies = strings.Split(v, ",")
	}
	if v, ok := get("AUDIT_WEBHOOK_URL"); ok {
		cfg.HTTP.AuditWebhookURL = v
	}
	if v, ok := get("AUDIT_WEBHOOK_AUTH_HEADER"); ok {
		cfg.HTTP.AuditWebhookAuthHeader = v
	}
	return nil
}

// Validate reports the first inconsistency in cfg.
func (c Config) Validate() error {
	if c.Addr == "" {
		return errors.New("addr is required")
	}
	if c.SessionRoot == "" {
		return errors.New("session_root is required")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.Tenants.Backend {
	case BackendBbolt:
		if c.Tenants.Path == "" {
			return errors.New("tenants.path is required for the bbolt backend")
		}
	case BackendFirestore, BackendMemory:
	default:
		return fmt.Errorf("unknown tenants.backend %q", c.Tenants.Backend)
	}
	if c.Tenants.Collection == "" || c.Tenants.SessionField == "" {
		return errors.New("tenants.collection and tenants.session_field are required")
	}
	if c.Protocol.Driver != DriverLoopback {
		return fmt.Errorf("unknown protocol.driver %q", c.Protocol.Driver)
	}
	if c.HTTP.PairingLimit < 0 {
		return errors.New("http.pairing_limit must not be negative")
	}
	if c.HTTP.AuditWebhookURL != "" {
		u, err := url.Parse(c.HTTP.AuditWebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("http.audit_webhook_url %q is not an http(s) URL", c.HTTP.AuditWebhookURL)
		}
	}
	if c.Credentials.Parallelism < 1 {
		return errors.New("credentials.parallelism must be at least 1")
	}

	durations := []struct {
		name string
		d    time.Duration
	}{
		{"tenants.cache_ttl", c.Tenants.CacheTTL},
		{"dispatch.default_min_delay", c.Dispatch.DefaultMinDelay},
		{"dispatch.default_max_delay", c.Dispatch.DefaultMaxDelay},
		{"dispatch.pairing_settle", c.Dispatch.PairingSettle},
		{"protocol.connect_delay", c.Protocol.ConnectDelay},
		{"protocol.confirm_delay", c.Protocol.ConfirmDelay},
	}
	for _, d := range durations {
		if d.d < 0 {
			return fmt.Errorf("%s must not be negative", d.name)
		}
	}
	if c.Dispatch.ConnectTimeout <= 0 {
		return errors.New("dispatch.connect_timeout must be positive")
	}
	if c.Dispatch.DefaultMaxDelay > maxSendDelay {
		return fmt.Errorf("dispatch.default_max_delay must not exceed %s", maxSendDelay)
	}
	if c.Dispatch.DefaultMinDelay > c.Dispatch.DefaultMaxDelay {
		return errors.New("dispatch.default_min_delay exceeds dispatch.default_max_delay")
	}
	return nil
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("invalid log_level %q", s)
	}
	return level, nil
}
