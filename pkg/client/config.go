package client

import (
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/go-kit/log"
	"gopkg.in/yaml.v3"

	"github.com/grafana/kafkaclient/pkg/conn"
)

// Config shapes a client and everything built on top of it.
type Config struct {
	ClientID         string        `yaml:"client_id"`
	BootstrapBrokers []string      `yaml:"bootstrap_brokers"`
	Timeout          time.Duration `yaml:"timeout"`
	Retries          int           `yaml:"retries"`
	RetryDelay       time.Duration `yaml:"retry_delay"`
	MetadataMaxAge   time.Duration `yaml:"metadata_max_age"`
	AutocreateTopics bool          `yaml:"autocreate_topics"`
	DialTimeout      time.Duration `yaml:"dial_timeout"`
	MaxResponseBytes int32         `yaml:"max_response_bytes"`

	// Strict rejects configurations that would be silently coerced.
	Strict bool `yaml:"strict"`

	Logger  log.Logger     `yaml:"-"`
	OnEvent conn.EventFunc `yaml:"-"`

	// OnMetadata observes every metadata cache rebuild.
	OnMetadata func(*ClusterMetadata) `yaml:"-"`

	// Dialer and Handshake hook the transport; see conn.Config.
	Dialer    conn.DialFunc      `yaml:"-"`
	Handshake conn.HandshakeFunc `yaml:"-"`
}

// RegisterFlagsAndApplyDefaults registers the config's flags with their
// defaults under prefix.
func (c *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&c.ClientID, prefix+".client-id", "kafkaclient", "Client id sent in request headers.")
	f.DurationVar(&c.Timeout, prefix+".timeout", 30*time.Second, "Broker-side request timeout.")
	f.IntVar(&c.Retries, prefix+".retries", 3, "Retry attempts for retriable failures.")
	f.DurationVar(&c.RetryDelay, prefix+".retry-delay", 250*time.Millisecond, "Base delay between retries.")
	f.DurationVar(&c.MetadataMaxAge, prefix+".metadata-max-age", 5*time.Minute, "Metadata cache TTL.")
	f.DurationVar(&c.DialTimeout, prefix+".dial-timeout", 10*time.Second, "Broker dial timeout.")
	f.BoolVar(&c.AutocreateTopics, prefix+".autocreate-topics", false, "Ask brokers to create unknown topics on metadata lookups.")
}

// ApplyDefaults fills unset fields with the flag defaults.
func (c *Config) ApplyDefaults() {
	if c.ClientID == "" {
		c.ClientID = "kafkaclient"
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.Retries == 0 {
		c.Retries = 3
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 250 * time.Millisecond
	}
	if c.MetadataMaxAge == 0 {
		c.MetadataMaxAge = 5 * time.Minute
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = log.NewNopLogger()
	}
}

// Validate rejects configurations the client cannot honor.
func (c *Config) Validate() error {
	if len(c.BootstrapBrokers) == 0 {
		return fmt.Errorf("at least one bootstrap broker is required")
	}
	for _, b := range c.BootstrapBrokers {
		if _, err := ParseBroker(b); err != nil {
			return err
		}
	}
	if c.Retries < 0 {
		return fmt.Errorf("retries must not be negative")
	}
	if c.Strict && c.RetryDelay < time.Millisecond {
		return fmt.Errorf("retry_delay below 1ms is almost certainly a unit mistake")
	}
	return nil
}

// LoadConfig parses a yaml document into a Config.
func LoadConfig(document []byte) (Config, error) {
	var c Config
	if err := yaml.Unmarshal(document, &c); err != nil {
		return Config{}, fmt.Errorf("parsing client config: %w", err)
	}
	c.ApplyDefaults()
	return c, nil
}

// ParseBroker splits a host:port bootstrap entry.
func ParseBroker(s string) (conn.Broker, error) {
	host, portStr, ok := strings.Cut(s, ":")
	if !ok || host == "" {
		return conn.Broker{}, fmt.Errorf("broker %q is not host:port", s)
	}
	var port int32
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil || port <= 0 {
		return conn.Broker{}, fmt.Errorf("broker %q has an invalid port", s)
	}
	return conn.Broker{Host: host, Port: port}, nil
}

func (c *Config) bootstrap() []conn.Broker {
	out := make([]conn.Broker, 0, len(c.BootstrapBrokers))
	for _, s := range c.BootstrapBrokers {
		b, err := ParseBroker(s)
		if err != nil {
			continue
		}
		out = append(out, b)
	}
	return out
}

func (c *Config) connConfig() conn.Config {
	clientID := c.ClientID
	return conn.Config{
		ClientID:         &clientID,
		DialTimeout:      c.DialTimeout,
		RequestTimeout:   c.Timeout,
		MaxResponseBytes: c.MaxResponseBytes,
		Dialer:           c.Dialer,
		Handshake:        c.Handshake,
		Logger:           c.Logger,
		OnEvent:          c.OnEvent,
	}
}
