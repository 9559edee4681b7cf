package consumer

import (
	"fmt"
	"time"

	"github.com/grafana/kafkaclient/pkg/apis"
	"github.com/grafana/kafkaclient/pkg/errs"
)

// Stream positioning modes.
type Mode string

const (
	// ModeLatest starts at the log end offset.
	ModeLatest Mode = "latest"
	// ModeEarliest starts at the log start offset.
	ModeEarliest Mode = "earliest"
	// ModeCommitted resumes from the group's committed offsets, falling
	// back per FallbackMode where none exist.
	ModeCommitted Mode = "committed"
	// ModeManual starts from caller-supplied offsets.
	ModeManual Mode = "manual"
)

// FallbackMode resolves partitions with no committed offset in
// ModeCommitted.
type FallbackMode string

const (
	FallbackLatest   FallbackMode = "latest"
	FallbackEarliest FallbackMode = "earliest"
	FallbackFail     FallbackMode = "fail"
)

// GroupProtocol is one assignment protocol offered on JoinGroup.
type GroupProtocol struct {
	Name    string
	Version int16
	// Metadata overrides the default subscription encoding.
	Metadata []byte
}

// Deserializers decode raw record bytes into the values delivered on the
// stream. Nil deserializers pass the raw bytes through.
type Deserializers struct {
	Key   func([]byte) (interface{}, error)
	Value func([]byte) (interface{}, error)
}

// Config shapes a consumer and its group membership.
type Config struct {
	GroupID string `yaml:"group_id"`

	SessionTimeout    time.Duration `yaml:"session_timeout"`
	RebalanceTimeout  time.Duration `yaml:"rebalance_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	MinBytes       int32         `yaml:"min_bytes"`
	MaxBytes       int32         `yaml:"max_bytes"`
	MaxWaitTime    time.Duration `yaml:"max_wait_time"`
	IsolationLevel string        `yaml:"isolation_level"`

	// Autocommit commits after each delivered batch; AutocommitInterval
	// switches to periodic commits instead. Disable both for manual
	// commits through the per-message callback or Commit.
	Autocommit         bool          `yaml:"autocommit"`
	AutocommitInterval time.Duration `yaml:"autocommit_interval"`

	// HighWaterMark bounds how many decoded messages may sit undelivered
	// per stream before fetching pauses.
	HighWaterMark int `yaml:"high_water_mark"`

	// Protocols are offered on JoinGroup, preference-ordered.
	Protocols []GroupProtocol `yaml:"-"`
	// PartitionAssigner overrides the leader-side assignment algorithm.
	PartitionAssigner Assigner `yaml:"-"`
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.SessionTimeout == 0 {
		c.SessionTimeout = 30 * time.Second
	}
	if c.RebalanceTimeout == 0 {
		c.RebalanceTimeout = 60 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 3 * time.Second
	}
	if c.MinBytes == 0 {
		c.MinBytes = 1
	}
	if c.MaxBytes == 0 {
		c.MaxBytes = 10 << 20
	}
	if c.MaxWaitTime == 0 {
		c.MaxWaitTime = 5 * time.Second
	}
	if c.IsolationLevel == "" {
		c.IsolationLevel = "read_committed"
	}
	if c.HighWaterMark == 0 {
		c.HighWaterMark = 1024
	}
	if len(c.Protocols) == 0 {
		c.Protocols = []GroupProtocol{{Name: "roundrobin", Version: 0}}
	}
	if c.PartitionAssigner == nil {
		c.PartitionAssigner = RoundRobinAssigner
	}
}

// Validate rejects group timer configurations the coordinator would bounce.
func (c *Config) Validate() error {
	if c.GroupID == "" {
		return errs.New(errs.KindUser, "a consumer requires a group id")
	}
	if c.RebalanceTimeout < c.SessionTimeout {
		return errs.New(errs.KindUser, "rebalance timeout must be at least the session timeout")
	}
	if c.HeartbeatInterval > c.SessionTimeout || c.HeartbeatInterval > c.RebalanceTimeout {
		return errs.New(errs.KindUser, "heartbeat interval must not exceed the session and rebalance timeouts")
	}
	if _, err := c.isolation(); err != nil {
		return err
	}
	return nil
}

func (c *Config) isolation() (int8, error) {
	switch c.IsolationLevel {
	case "read_uncommitted":
		return apis.IsolationReadUncommitted, nil
	case "read_committed", "":
		return apis.IsolationReadCommitted, nil
	default:
		return 0, errs.New(errs.KindUser, fmt.Sprintf("unknown isolation level %q", c.IsolationLevel))
	}
}
