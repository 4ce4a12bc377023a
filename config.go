package evpg

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ConnectHook runs after every successful handshake (initial connect and
// every reset). It may return a Future; the handshake does not complete
// until that Future settles, and its failure fails the handshake. A nil
// return completes immediately.
type ConnectHook func(*Conn) *Future

// ReconnectHook is consulted after a successful automatic reset, before
// the failed command is resubmitted. Its return value is interpreted as
// a discriminated outcome:
//
//   - false:   propagate the original error, no resubmission
//   - error:   propagate that error instead
//   - *Future: wait for it; success resubmits, failure propagates
//   - anything else (including nil): resubmit the command
//
// An open transaction at send time always propagates the original error;
// the hook cannot override that (transaction state does not survive a
// reconnect).
type ReconnectHook func(conn *Conn, cause error) any

// Config controls connection and pool behavior.
type Config struct {
	// DSN is the connection string handed to the driver factory.
	DSN string `yaml:"dsn"`

	// ConnectTimeout bounds each handshake (connect and reset). Zero
	// falls back to the PGCONNECT_TIMEOUT environment variable; zero
	// after that disables the bound.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// QueryTimeout bounds the quiet interval of each command. Zero
	// disables it. The clock measures time since the last readiness
	// event, not since command start.
	QueryTimeout time.Duration `yaml:"query_timeout"`

	// AsyncAutoreconnect enables transparent reconnect-and-resubmit on
	// connection failure. When unset it defaults to true if
	// OnAutoreconnect is set, false otherwise.
	AsyncAutoreconnect *bool `yaml:"async_autoreconnect"`

	// ClientEncoding, when non-empty, is applied to the session after
	// every successful handshake.
	ClientEncoding string `yaml:"client_encoding"`

	Pool PoolConfig `yaml:"pool"`

	// OnConnect and OnAutoreconnect are code hooks, not file options.
	OnConnect       ConnectHook   `yaml:"-"`
	OnAutoreconnect ReconnectHook `yaml:"-"`
}

// PoolConfig controls the connection pool.
type PoolConfig struct {
	// Size is the number of connections opened eagerly at pool start.
	Size int `yaml:"size"`

	// MaxSize bounds the pool; it grows lazily, one connection per
	// unmet concurrent demand, up to this limit.
	MaxSize int `yaml:"max_size"`
}

// Autoreconnect resolves the effective autoreconnect flag.
func (c *Config) Autoreconnect() bool {
	if c.AsyncAutoreconnect != nil {
		return *c.AsyncAutoreconnect
	}
	return c.OnAutoreconnect != nil
}

// LoadConfig reads and parses a client configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	cfg.ApplyDefaults()

	return &cfg, nil
}

// Validate checks mandatory fields and bounds.
func (c *Config) Validate() error {
	if c.QueryTimeout < 0 {
		return fmt.Errorf("query_timeout must not be negative")
	}
	if c.ConnectTimeout < 0 {
		return fmt.Errorf("connect_timeout must not be negative")
	}
	if c.Pool.MaxSize < 0 {
		return fmt.Errorf("pool.max_size must not be negative")
	}
	if c.Pool.Size < 0 {
		return fmt.Errorf("pool.size must not be negative")
	}
	if c.Pool.MaxSize > 0 && c.Pool.Size > c.Pool.MaxSize {
		return fmt.Errorf("pool.size (%d) exceeds pool.max_size (%d)", c.Pool.Size, c.Pool.MaxSize)
	}
	return nil
}

// ApplyDefaults fills in reasonable defaults for unset optional fields.
func (c *Config) ApplyDefaults() {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = envConnectTimeout()
	}
	if c.Pool.MaxSize == 0 {
		c.Pool.MaxSize = 4
	}
}

// envConnectTimeout reads the libpq-style PGCONNECT_TIMEOUT variable
// (whole seconds). Unset or unparsable means no bound.
func envConnectTimeout() time.Duration {
	v := os.Getenv("PGCONNECT_TIMEOUT")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
