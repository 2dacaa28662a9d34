package replicator

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dd0wney/cluso-sync/pkg/checkpoint"
	"github.com/dd0wney/cluso-sync/pkg/negotiate"
	"github.com/dd0wney/cluso-sync/pkg/pusher"
	"github.com/dd0wney/cluso-sync/pkg/validation"
)

// MaxOneShotRetryCount is how many times a one-shot replication retries
// after transient errors before giving up.
const MaxOneShotRetryCount = 2

// ProxyConfig describes a proxy between the replicator and its peer.
type ProxyConfig struct {
	// Type is "http" (absolute-URI forwarding) or "connect" (tunnel).
	Type     string `yaml:"type" validate:"omitempty,oneof=http connect https"`
	URL      string `yaml:"url" validate:"required,proxyurl"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Config holds replicator configuration
type Config struct {
	// Peer
	URL            string            `yaml:"url" validate:"required,replurl"`
	RemoteUniqueID string            `yaml:"remote_unique_id"`
	Username       string            `yaml:"username"`
	Password       string            `yaml:"password"`
	Token          string            `yaml:"token"`
	Proxy          *ProxyConfig      `yaml:"proxy"`
	PinnedCertFile string            `yaml:"pinned_cert_file" validate:"omitempty,file"`
	Headers        map[string]string `yaml:"headers"`
	UserAgent      string            `yaml:"user_agent"`

	// Timeouts
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	IOTimeout        time.Duration `yaml:"io_timeout"`

	// Push behaviour
	Continuous          bool          `yaml:"continuous"`
	DocIDs              []string      `yaml:"doc_ids" validate:"dive,docid"`
	SkipDeleted         bool          `yaml:"skip_deleted"`
	ResetCheckpoint     bool          `yaml:"reset_checkpoint"`
	CheckpointSaveDelay time.Duration `yaml:"checkpoint_save_delay"`
	BatchSize           int           `yaml:"batch_size" validate:"gte=0"`

	// Flow control
	MaxRevsInFlight     int `yaml:"max_revs_in_flight" validate:"gte=0"`
	MaxRevBytesInFlight int `yaml:"max_rev_bytes_in_flight" validate:"gte=0"`
	MaxBlobsInFlight    int `yaml:"max_blobs_in_flight" validate:"gte=0"`

	// RevRetries bounds how often one revision is resent after a transient
	// error. Unset means pusher.DefaultMaxRetries; 0 disables resending.
	RevRetries *int `yaml:"rev_retries" validate:"omitempty,gte=0"`

	// MaxRetries overrides the session retry limit (unlimited when
	// continuous, MaxOneShotRetryCount otherwise).
	MaxRetries *int `yaml:"max_retries" validate:"omitempty,gte=0"`
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:      15 * time.Second,
		HandshakeTimeout:    30 * time.Second,
		IOTimeout:           60 * time.Second,
		CheckpointSaveDelay: checkpoint.DefaultSaveDelay,
		BatchSize:           pusher.DefaultBatchSize,
		MaxRevsInFlight:     pusher.DefaultMaxRevsInFlight,
		MaxRevBytesInFlight: pusher.DefaultMaxRevBytesInFlight,
		MaxBlobsInFlight:    pusher.DefaultMaxBlobsInFlight,
		UserAgent:           "cluso-sync/1.0",
	}
}

// ApplyDefaults applies default values to zero-valued fields
func (c *Config) ApplyDefaults() {
	defaults := DefaultConfig()

	c.ConnectTimeout = validation.DefaultOrDuration(c.ConnectTimeout, defaults.ConnectTimeout)
	c.HandshakeTimeout = validation.DefaultOrDuration(c.HandshakeTimeout, defaults.HandshakeTimeout)
	c.IOTimeout = validation.DefaultOrDuration(c.IOTimeout, defaults.IOTimeout)
	c.CheckpointSaveDelay = validation.DefaultOrDuration(c.CheckpointSaveDelay, defaults.CheckpointSaveDelay)
	c.BatchSize = validation.DefaultOrInt(c.BatchSize, defaults.BatchSize)
	c.MaxRevsInFlight = validation.DefaultOrInt(c.MaxRevsInFlight, defaults.MaxRevsInFlight)
	c.MaxRevBytesInFlight = validation.DefaultOrInt(c.MaxRevBytesInFlight, defaults.MaxRevBytesInFlight)
	c.MaxBlobsInFlight = validation.DefaultOrInt(c.MaxBlobsInFlight, defaults.MaxBlobsInFlight)
	c.UserAgent = validation.DefaultOr(c.UserAgent, defaults.UserAgent)
}

// Validate validates the replicator configuration
func (c *Config) Validate() error {
	if err := validation.Struct(c); err != nil {
		return fmt.Errorf("Config: %w", err)
	}

	v := validation.NewConfigValidator("Config")
	v.MinDuration("ConnectTimeout", c.ConnectTimeout, 100*time.Millisecond).
		MinDuration("HandshakeTimeout", c.HandshakeTimeout, 100*time.Millisecond).
		MinDuration("CheckpointSaveDelay", c.CheckpointSaveDelay, 10*time.Millisecond).
		RangeInt("BatchSize", c.BatchSize, 1, 10000).
		Positive("MaxRevsInFlight", c.MaxRevsInFlight).
		Positive("MaxRevBytesInFlight", c.MaxRevBytesInFlight).
		Positive("MaxBlobsInFlight", c.MaxBlobsInFlight)

	v.When(c.Password != "", func(cv *validation.ConfigValidator) {
		cv.Required("Username", c.Username)
	})
	v.When(c.Proxy != nil && c.Proxy.Password != "", func(cv *validation.ConfigValidator) {
		cv.Required("Proxy.Username", c.Proxy.Username)
	})
	for name := range c.Headers {
		v.Custom("Headers", func() error {
			switch http.CanonicalHeaderKey(name) {
			case "Host", "Connection", "Upgrade", "Authorization", "Proxy-Authorization", "Content-Length":
				return fmt.Errorf("header %q is managed by the replicator", name)
			}
			return nil
		})
	}

	return v.Validate()
}

// LoadConfig reads a YAML config file, applies defaults and validates it.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// ParseConfig decodes YAML config, applies defaults and validates it.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// maxRetryCount is the number of consecutive failed sessions retried before
// the replicator stops. Negative means unlimited.
func (c *Config) maxRetryCount() int {
	if c.MaxRetries != nil {
		return *c.MaxRetries
	}
	if c.Continuous {
		return -1
	}
	return MaxOneShotRetryCount
}

// syncAddress is the WebSocket endpoint under the configured database URL.
func (c *Config) syncAddress() (negotiate.Address, error) {
	addr, err := negotiate.ParseAddress(c.URL)
	if err != nil {
		return negotiate.Address{}, err
	}
	path, query, _ := strings.Cut(addr.Path, "?")
	if !strings.HasSuffix(path, "/") {
		path += "/"
	}
	path += SyncPath
	if query != "" {
		path += "?" + query
	}
	return addr.WithPath(path), nil
}

func (c *Config) proxySpec() (*negotiate.ProxySpec, error) {
	if c.Proxy == nil {
		return nil, nil
	}
	typ := negotiate.ProxyHTTP
	if c.Proxy.Type != "" {
		t, err := negotiate.ParseProxyType(c.Proxy.Type)
		if err != nil {
			return nil, err
		}
		typ = t
	}
	u, err := url.Parse(c.Proxy.URL)
	if err != nil {
		return nil, fmt.Errorf("proxy URL: %w", err)
	}
	// a proxy is addressed over plain HTTP(S); map to the negotiator's schemes
	addr, err := negotiate.ParseAddress(u.Scheme + "://" + u.Host + "/")
	if err != nil {
		return nil, err
	}
	return &negotiate.ProxySpec{Type: typ, Address: addr}, nil
}

func (c *Config) headers() http.Header {
	if len(c.Headers) == 0 {
		return nil
	}
	h := make(http.Header, len(c.Headers))
	for k, v := range c.Headers {
		h.Set(k, v)
	}
	return h
}

// authenticator answers server and proxy challenges with the configured
// Basic credentials, or the bearer token when the server asks for one.
func (c *Config) authenticator() negotiate.Authenticator {
	return func(ch negotiate.AuthChallenge) (string, bool) {
		if strings.EqualFold(ch.Type, "Bearer") && !ch.ForProxy {
			if c.Token == "" {
				return "", false
			}
			return "Bearer " + c.Token, true
		}
		if !strings.EqualFold(ch.Type, "Basic") {
			return "", false
		}
		if ch.ForProxy {
			if c.Proxy == nil || c.Proxy.Username == "" {
				return "", false
			}
			return negotiate.BasicAuth(c.Proxy.Username, c.Proxy.Password), true
		}
		if c.Username == "" {
			return "", false
		}
		return negotiate.BasicAuth(c.Username, c.Password), true
	}
}

func (c *Config) checkpointOptions() checkpoint.Options {
	return checkpoint.Options{
		RemoteURL:      c.URL,
		RemoteUniqueID: c.RemoteUniqueID,
		DocIDs:         c.DocIDs,
		Reset:          c.ResetCheckpoint,
	}
}

func (c *Config) pusherOptions() pusher.Options {
	return pusher.Options{
		Continuous:          c.Continuous,
		SkipDeleted:         c.SkipDeleted,
		BatchSize:           c.BatchSize,
		MaxRevsInFlight:     c.MaxRevsInFlight,
		MaxRevBytesInFlight: c.MaxRevBytesInFlight,
		MaxBlobsInFlight:    c.MaxBlobsInFlight,
		MaxRetries:          c.revRetryCount(),
	}
}

// revRetryCount maps RevRetries onto pusher.Options, where zero selects the
// default and a negative value disables resending.
func (c *Config) revRetryCount() int {
	switch {
	case c.RevRetries == nil:
		return 0
	case *c.RevRetries == 0:
		return -1
	default:
		return *c.RevRetries
	}
}
