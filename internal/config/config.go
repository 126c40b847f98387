// Package config holds the client and development relay configuration.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

const envPrefix = "INCOGNITO_"

const (
	StorageBolt   = "bolt"
	StorageMongo  = "mongo"
	StorageMemory = "memory"
)

var ErrNoRelays = errors.New("config: no enabled relays")

type (
	Config struct {
		Relays   []Relay
		Network  Network
		Delivery Delivery
		Router   Router
		Backup   Backup
		Profile  Profile
		Storage  Storage
		Logging  Logging
		Metrics  Metrics
		Server   Server
	}

	Relay struct {
		URL     string
		Enabled bool
	}

	Network struct {
		AutoReconnect      bool
		ReconnectBaseDelay Duration
		ReconnectMaxDelay  Duration
		ReconnectJitter    Duration
		WriteTimeout       Duration
	}

	Delivery struct {
		RetryDelay Duration
		MaxRetries int
	}

	Router struct {
		PendingTTL           Duration
		PendingSweepInterval Duration
		PendingLimit         int
		DedupLimit           int
		HistoryFallback      Duration
		WatermarkMargin      Duration
		SyncOwnEcho          bool
		AutoAccept           bool
		AutoAcceptDelay      Duration
	}

	Backup struct {
		Debounce Duration
	}

	Profile struct {
		Debounce  Duration
		Cooldown  Duration
		BatchSize int
	}

	Storage struct {
		Backend       string
		BoltPath      string
		MongoURI      string
		MongoDatabase string
	}

	Logging struct {
		Level string
		File  string
	}

	Metrics struct {
		Addr string
	}

	// Server configures the development relay.
	Server struct {
		Addr      string
		RedisAddr string
		RateLimit int
	}

	// Duration decodes "1.5s" style strings from TOML and the environment.
	Duration struct {
		time.Duration
	}
)

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func Default() *Config {
	return &Config{
		Relays: []Relay{
			{URL: "wss://relay.damus.io", Enabled: true},
			{URL: "wss://nos.lol", Enabled: true},
			{URL: "wss://relay.snort.social", Enabled: true},
			{URL: "wss://relay.primal.net", Enabled: true},
		},
		Network: Network{
			AutoReconnect:      true,
			ReconnectBaseDelay: Duration{1500 * time.Millisecond},
			ReconnectMaxDelay:  Duration{30 * time.Second},
			ReconnectJitter:    Duration{400 * time.Millisecond},
			WriteTimeout:       Duration{10 * time.Second},
		},
		Delivery: Delivery{
			RetryDelay: Duration{2 * time.Second},
			MaxRetries: 2,
		},
		Router: Router{
			PendingTTL:           Duration{10 * time.Minute},
			PendingSweepInterval: Duration{30 * time.Second},
			PendingLimit:         256,
			DedupLimit:           1000,
			HistoryFallback:      Duration{30 * 24 * time.Hour},
			WatermarkMargin:      Duration{5 * time.Minute},
			AutoAccept:           true,
			AutoAcceptDelay:      Duration{500 * time.Millisecond},
		},
		Backup: Backup{
			Debounce: Duration{5 * time.Second},
		},
		Profile: Profile{
			Debounce:  Duration{200 * time.Millisecond},
			Cooldown:  Duration{8 * time.Second},
			BatchSize: 100,
		},
		Storage: Storage{
			Backend:       StorageBolt,
			BoltPath:      "incognito.db",
			MongoURI:      "mongodb://localhost:27017",
			MongoDatabase: "incognito",
		},
		Logging: Logging{
			Level: "info",
		},
		Server: Server{
			Addr:      ":7447",
			RedisAddr: "",
		},
	}
}

// Load parses b over the defaults and rejects unknown keys.
func Load(b []byte) (*Config, error) {
	cfg := Default()
	cfg.Relays = nil
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: undecoded keys in config file: %v", undecoded)
	}
	if !md.IsDefined("Relays") {
		cfg.Relays = Default().Relays
	}
	return cfg, nil
}

// LoadFile reads an optional .env next to the working directory, the TOML
// file at path (defaults only when path is empty), then the environment.
func LoadFile(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if cfg, err = Load(b); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays INCOGNITO_* variables. lookup is os.LookupEnv outside
// tests.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	get := func(name string) (string, bool) {
		v, ok := lookup(envPrefix + name)
		return strings.TrimSpace(v), ok && strings.TrimSpace(v) != ""
	}

	if v, ok := get("RELAYS"); ok {
		c.Relays = c.Relays[:0]
		for _, u := range strings.Split(v, ",") {
			if u = strings.TrimSpace(u); u != "" {
				c.Relays = append(c.Relays, Relay{URL: u, Enabled: true})
			}
		}
	}

	strs := map[string]*string{
		"STORAGE_BACKEND": &c.Storage.Backend,
		"BOLT_PATH":       &c.Storage.BoltPath,
		"MONGO_URI":       &c.Storage.MongoURI,
		"MONGO_DATABASE":  &c.Storage.MongoDatabase,
		"LOG_LEVEL":       &c.Logging.Level,
		"LOG_FILE":        &c.Logging.File,
		"METRICS_ADDR":    &c.Metrics.Addr,
		"SERVER_ADDR":     &c.Server.Addr,
		"REDIS_ADDR":      &c.Server.RedisAddr,
	}
	for name, dst := range strs {
		if v, ok := get(name); ok {
			*dst = v
		}
	}

	bools := map[string]*bool{
		"AUTO_RECONNECT": &c.Network.AutoReconnect,
		"SYNC_OWN_ECHO":  &c.Router.SyncOwnEcho,
		"AUTO_ACCEPT":    &c.Router.AutoAccept,
	}
	for name, dst := range bools {
		if v, ok := get(name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("config: %s%s: %w", envPrefix, name, err)
			}
			*dst = b
		}
	}

	durations := map[string]*Duration{
		"RECONNECT_BASE_DELAY": &c.Network.ReconnectBaseDelay,
		"RECONNECT_MAX_DELAY":  &c.Network.ReconnectMaxDelay,
		"RETRY_DELAY":          &c.Delivery.RetryDelay,
		"PENDING_TTL":          &c.Router.PendingTTL,
		"BACKUP_DEBOUNCE":      &c.Backup.Debounce,
	}
	for name, dst := range durations {
		if v, ok := get(name); ok {
			if err := dst.UnmarshalText([]byte(v)); err != nil {
				return fmt.Errorf("config: %s%s: %w", envPrefix, name, err)
			}
		}
	}

	ints := map[string]*int{
		"MAX_RETRIES": &c.Delivery.MaxRetries,
		"RATE_LIMIT":  &c.Server.RateLimit,
	}
	for name, dst := range ints {
		if v, ok := get(name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("config: %s%s: %w", envPrefix, name, err)
			}
			*dst = n
		}
	}
	return nil
}

// FixupAndValidate normalizes relay URLs, drops duplicates and checks bounds.
func (c *Config) FixupAndValidate() error {
	seen := make(map[string]int, len(c.Relays))
	relays := make([]Relay, 0, len(c.Relays))
	for _, r := range c.Relays {
		u, err := NormalizeRelayURL(r.URL)
		if err != nil {
			return err
		}
		if i, ok := seen[u]; ok {
			relays[i].Enabled = relays[i].Enabled || r.Enabled
			continue
		}
		seen[u] = len(relays)
		relays = append(relays, Relay{URL: u, Enabled: r.Enabled})
	}
	c.Relays = relays

	switch {
	case c.Network.ReconnectBaseDelay.Duration <= 0:
		return errors.New("config: Network.ReconnectBaseDelay must be positive")
	case c.Network.ReconnectMaxDelay.Duration < c.Network.ReconnectBaseDelay.Duration:
		return errors.New("config: Network.ReconnectMaxDelay is below the base delay")
	case c.Network.ReconnectJitter.Duration < 0:
		return errors.New("config: Network.ReconnectJitter is negative")
	case c.Delivery.MaxRetries < 0:
		return errors.New("config: Delivery.MaxRetries is negative")
	case c.Delivery.RetryDelay.Duration <= 0:
		return errors.New("config: Delivery.RetryDelay must be positive")
	case c.Router.PendingTTL.Duration <= 0:
		return errors.New("config: Router.PendingTTL must be positive")
	case c.Router.PendingLimit <= 0 || c.Router.DedupLimit <= 0:
		return errors.New("config: Router limits must be positive")
	case c.Profile.BatchSize <= 0:
		return errors.New("config: Profile.BatchSize must be positive")
	}

	switch c.Storage.Backend {
	case StorageBolt:
		if c.Storage.BoltPath == "" {
			return errors.New("config: Storage.BoltPath is required for bolt")
		}
	case StorageMongo:
		if c.Storage.MongoURI == "" {
			return errors.New("config: Storage.MongoURI is required for mongo")
		}
	case StorageMemory:
	default:
		return fmt.Errorf("config: unknown storage backend %q", c.Storage.Backend)
	}
	return nil
}

// EnabledRelays returns the URLs the client should connect to.
func (c *Config) EnabledRelays() []string {
	var out []string
	for _, r := range c.Relays {
		if r.Enabled {
			out = append(out, r.URL)
		}
	}
	return out
}

// NormalizeRelayURL prefixes bare hosts with wss:// and strips a trailing
// slash.
func NormalizeRelayURL(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", errors.New("config: empty relay url")
	}
	if !strings.Contains(s, "://") {
		s = "wss://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return "", fmt.Errorf("config: relay url %q: %w", raw, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("config: relay url %q: scheme must be ws or wss", raw)
	}
	if u.Host == "" {
		return "", fmt.Errorf("config: relay url %q: missing host", raw)
	}
	u.Host = strings.ToLower(u.Host)
	return strings.TrimRight(u.String(), "/"), nil
}
