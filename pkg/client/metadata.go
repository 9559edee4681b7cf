package client

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/go-kit/log/level"
	"github.com/google/uuid"

	"github.com/grafana/kafkaclient/pkg/apis"
	"github.com/grafana/kafkaclient/pkg/conn"
	"github.com/grafana/kafkaclient/pkg/errs"
	"github.com/grafana/kafkaclient/pkg/kerr"
)

// PartitionMetadata is one partition's placement.
type PartitionMetadata struct {
	Index       int32
	Leader      int32
	LeaderEpoch int32
	Replicas    []int32
}

// TopicMetadata is the cached view of one topic.
type TopicMetadata struct {
	ID              uuid.UUID
	PartitionsCount int32
	// Partitions is ordered by partition index.
	Partitions []PartitionMetadata
}

// ClusterMetadata is the cached view of the cluster. It is immutable once
// published; refreshes swap the whole value.
type ClusterMetadata struct {
	ClusterID    string
	ControllerID int32
	Brokers      map[int32]conn.Broker
	Topics       map[string]*TopicMetadata
	LastUpdate   time.Time
}

// Leader returns the node id leading a partition.
func (m *ClusterMetadata) Leader(topic string, partition int32) (int32, error) {
	t, ok := m.Topics[topic]
	if !ok {
		return 0, fmt.Errorf("topic %q: %w", topic, kerr.UnknownTopicOrPartition)
	}
	if partition < 0 || partition >= t.PartitionsCount {
		return 0, fmt.Errorf("partition %s/%d: %w", topic, partition, kerr.UnknownTopicOrPartition)
	}
	return t.Partitions[partition].Leader, nil
}

// TopicID returns the topic's uuid, as required by the fetch path.
func (m *ClusterMetadata) TopicID(topic string) (uuid.UUID, error) {
	t, ok := m.Topics[topic]
	if !ok {
		return uuid.Nil, fmt.Errorf("topic %q: %w", topic, kerr.UnknownTopicOrPartition)
	}
	return t.ID, nil
}

// TopicName maps a topic uuid back to its name.
func (m *ClusterMetadata) TopicName(id uuid.UUID) (string, bool) {
	for name, t := range m.Topics {
		if t.ID == id {
			return name, true
		}
	}
	return "", false
}

// MetadataOptions parameterizes a cache lookup.
type MetadataOptions struct {
	// Topics the caller needs; a cached view missing any of them is stale.
	Topics []string
	// ForceUpdate bypasses the cache.
	ForceUpdate bool
	// AutocreateTopics asks the broker to create missing topics.
	AutocreateTopics bool
	// MaxAge overrides the configured cache TTL.
	MaxAge time.Duration
}

// Metadata returns the cached cluster view, refreshing it when stale:
// forced, absent, expired, or missing a requested topic.
func (c *Client) Metadata(ctx context.Context, opts MetadataOptions) (*ClusterMetadata, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}

	maxAge := opts.MaxAge
	if maxAge == 0 {
		maxAge = c.cfg.MetadataMaxAge
	}

	if !opts.ForceUpdate {
		c.metadataMtx.RLock()
		cached := c.metadata
		c.metadataMtx.RUnlock()
		if cached != nil && time.Since(cached.LastUpdate) <= maxAge && hasTopics(cached, opts.Topics) {
			return cached, nil
		}
	}

	v, err := c.Deduplicate("metadata", func() (interface{}, error) {
		var meta *ClusterMetadata
		err := c.WithRetry(ctx, "Metadata", func(ctx context.Context) error {
			var err error
			meta, err = c.fetchMetadata(ctx, opts)
			return err
		}, nil)
		return meta, err
	})
	if err != nil {
		return nil, err
	}

	meta := v.(*ClusterMetadata)
	if !hasTopics(meta, opts.Topics) {
		// The refresh raced with another caller's narrower topic set.
		return c.Metadata(ctx, MetadataOptions{
			Topics:           opts.Topics,
			ForceUpdate:      true,
			AutocreateTopics: opts.AutocreateTopics,
			MaxAge:           maxAge,
		})
	}
	return meta, nil
}

func hasTopics(m *ClusterMetadata, topics []string) bool {
	for _, t := range topics {
		if _, ok := m.Topics[t]; !ok {
			return false
		}
	}
	return true
}

func (c *Client) fetchMetadata(ctx context.Context, opts MetadataOptions) (*ClusterMetadata, error) {
	req := &apis.MetadataRequest{
		AllowAutoTopicCreation: opts.AutocreateTopics || c.cfg.AutocreateTopics,
	}
	if opts.Topics != nil {
		for _, t := range opts.Topics {
			name := t
			req.Topics = append(req.Topics, apis.MetadataRequestTopic{Name: &name})
		}
	}

	resp, err := c.RequestAny(ctx, req)
	if err != nil {
		return nil, err
	}
	md := resp.(*apis.MetadataResponse)

	meta := &ClusterMetadata{
		ControllerID: md.ControllerID,
		Brokers:      make(map[int32]conn.Broker, len(md.Brokers)),
		Topics:       make(map[string]*TopicMetadata, len(md.Topics)),
		LastUpdate:   time.Now(),
	}
	if md.ClusterID != nil {
		meta.ClusterID = *md.ClusterID
	}
	for _, b := range md.Brokers {
		meta.Brokers[b.NodeID] = conn.Broker{Host: b.Host, Port: b.Port}
	}

	var topicErrs []error
	for _, t := range md.Topics {
		if t.Name == nil || t.IsInternal {
			continue
		}
		if err := kerr.ErrorForCode(t.ErrorCode); err != nil {
			topicErrs = append(topicErrs, fmt.Errorf("topic %q: %w", *t.Name, err))
			continue
		}

		tm := &TopicMetadata{
			ID:              t.TopicID,
			PartitionsCount: int32(len(t.Partitions)),
			Partitions:      make([]PartitionMetadata, 0, len(t.Partitions)),
		}
		for _, p := range t.Partitions {
			tm.Partitions = append(tm.Partitions, PartitionMetadata{
				Index:       p.PartitionIndex,
				Leader:      p.LeaderID,
				LeaderEpoch: p.LeaderEpoch,
				Replicas:    p.ReplicaNodes,
			})
		}
		sort.Slice(tm.Partitions, func(i, j int) bool {
			return tm.Partitions[i].Index < tm.Partitions[j].Index
		})
		meta.Topics[*t.Name] = tm
	}
	if len(topicErrs) > 0 {
		return nil, errs.NewResponse("metadata refresh reported topic errors", topicErrs...)
	}

	c.metadataMtx.Lock()
	c.metadata = meta
	c.metadataMtx.Unlock()
	metricMetadataRefreshes.Inc()
	level.Debug(c.logger).Log("msg", "metadata cache rebuilt", "brokers", len(meta.Brokers), "topics", len(meta.Topics))

	if c.cfg.OnMetadata != nil {
		c.cfg.OnMetadata(meta)
	}
	return meta, nil
}

// InvalidateMetadata clears the cache so the next lookup refreshes it. Called
// when a response carries a stale-metadata protocol error.
func (c *Client) InvalidateMetadata() {
	c.metadataMtx.Lock()
	c.metadata = nil
	c.metadataMtx.Unlock()
}
