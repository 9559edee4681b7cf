package client_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/goleak"

	"github.com/grafana/kafkaclient/pkg/apis"
	"github.com/grafana/kafkaclient/pkg/client"
	"github.com/grafana/kafkaclient/pkg/errs"
	"github.com/grafana/kafkaclient/pkg/kafkatest"
	"github.com/grafana/kafkaclient/pkg/kerr"
	"github.com/grafana/kafkaclient/pkg/protocol"
)

func testWriter() *protocol.Writer { return protocol.NewWriter(64) }

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var testTopicID = uuid.MustParse("0b0b0b0b-0000-0000-0000-000000000001")

func newTestClient(t *testing.T, broker *kafkatest.Broker, mutate func(*client.Config)) *client.Client {
	t.Helper()
	cfg := client.Config{
		ClientID:         "client-test",
		BootstrapBrokers: []string{broker.Addr().Addr()},
		Retries:          2,
		RetryDelay:       5 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := client.New(cfg)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func newClusterBroker(t *testing.T) *kafkatest.Broker {
	t.Helper()
	b, err := kafkatest.NewBroker()
	require.NoError(t, err)
	t.Cleanup(b.Close)
	b.ServeDefault(kafkatest.TopicSpec{Name: "events", ID: testTopicID, Partitions: 3})
	return b
}

func TestConfigValidation(t *testing.T) {
	_, err := client.New(client.Config{})
	require.Error(t, err)
	require.True(t, errs.HasAnyKind(err, errs.KindUser))

	_, err = client.New(client.Config{BootstrapBrokers: []string{"no-port"}})
	require.Error(t, err)

	_, err = client.New(client.Config{BootstrapBrokers: []string{"host:bad"}})
	require.Error(t, err)
}

func TestConfigFromYAML(t *testing.T) {
	cfg, err := client.LoadConfig([]byte(`
client_id: from-yaml
bootstrap_brokers: ["localhost:9092"]
retries: 7
metadata_max_age: 1m
`))
	require.NoError(t, err)
	require.Equal(t, "from-yaml", cfg.ClientID)
	require.Equal(t, 7, cfg.Retries)
	require.Equal(t, time.Minute, cfg.MetadataMaxAge)
	require.NoError(t, cfg.Validate())
}

func TestApiVersionsNegotiatedOnce(t *testing.T) {
	broker := newClusterBroker(t)
	c := newTestClient(t, broker, nil)

	for i := 0; i < 3; i++ {
		_, err := c.Metadata(context.Background(), client.MetadataOptions{ForceUpdate: true})
		require.NoError(t, err)
	}
	require.Equal(t, int64(1), broker.Requests(apis.KeyApiVersions))
	require.Equal(t, int64(3), broker.Requests(apis.KeyMetadata))
}

func TestMetadataCaching(t *testing.T) {
	broker := newClusterBroker(t)
	c := newTestClient(t, broker, nil)

	meta, err := c.Metadata(context.Background(), client.MetadataOptions{Topics: []string{"events"}})
	require.NoError(t, err)
	require.Equal(t, "kafkatest", meta.ClusterID)
	require.Len(t, meta.Brokers, 1)
	require.Equal(t, int32(3), meta.Topics["events"].PartitionsCount)
	require.Equal(t, testTopicID, meta.Topics["events"].ID)

	// Served from cache.
	_, err = c.Metadata(context.Background(), client.MetadataOptions{Topics: []string{"events"}})
	require.NoError(t, err)
	require.Equal(t, int64(1), broker.Requests(apis.KeyMetadata))

	// Partitions are ordered by index.
	leader, err := meta.Leader("events", 2)
	require.NoError(t, err)
	require.Equal(t, kafkatest.NodeID, leader)

	_, err = meta.Leader("events", 9)
	require.ErrorIs(t, err, kerr.UnknownTopicOrPartition)
	_, err = meta.Leader("missing", 0)
	require.ErrorIs(t, err, kerr.UnknownTopicOrPartition)
}

func TestMetadataTTLExpiry(t *testing.T) {
	broker := newClusterBroker(t)
	c := newTestClient(t, broker, func(cfg *client.Config) {
		cfg.MetadataMaxAge = 30 * time.Millisecond
	})

	_, err := c.Metadata(context.Background(), client.MetadataOptions{})
	require.NoError(t, err)
	time.Sleep(60 * time.Millisecond)
	_, err = c.Metadata(context.Background(), client.MetadataOptions{})
	require.NoError(t, err)
	require.Equal(t, int64(2), broker.Requests(apis.KeyMetadata))
}

func TestMetadataInvalidate(t *testing.T) {
	broker := newClusterBroker(t)
	c := newTestClient(t, broker, nil)

	_, err := c.Metadata(context.Background(), client.MetadataOptions{})
	require.NoError(t, err)
	c.InvalidateMetadata()
	_, err = c.Metadata(context.Background(), client.MetadataOptions{})
	require.NoError(t, err)
	require.Equal(t, int64(2), broker.Requests(apis.KeyMetadata))
}

func TestMetadataEvent(t *testing.T) {
	broker := newClusterBroker(t)
	var observed atomic.Int64
	c := newTestClient(t, broker, func(cfg *client.Config) {
		cfg.OnMetadata = func(m *client.ClusterMetadata) {
			require.NotNil(t, m.Topics)
			observed.Inc()
		}
	})

	_, err := c.Metadata(context.Background(), client.MetadataOptions{})
	require.NoError(t, err)
	require.Equal(t, int64(1), observed.Load())
}

func TestMetadataDeduplication(t *testing.T) {
	broker := newClusterBroker(t)
	// Slow the metadata handler so concurrent callers overlap.
	base := broker.MetadataBody(kafkatest.TopicSpec{Name: "events", ID: testTopicID, Partitions: 3})
	broker.Handle(apis.KeyMetadata, func(*kafkatest.Request) []byte {
		time.Sleep(50 * time.Millisecond)
		return base
	})
	c := newTestClient(t, broker, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Metadata(context.Background(), client.MetadataOptions{})
			require.NoError(t, err)
		}()
	}
	wg.Wait()
	require.Equal(t, int64(1), broker.Requests(apis.KeyMetadata))
}

func TestWithRetrySucceedsAfterTransientFailures(t *testing.T) {
	broker := newClusterBroker(t)
	c := newTestClient(t, broker, nil)

	attempts := 0
	err := c.WithRetry(context.Background(), "op", func(context.Context) error {
		attempts++
		if attempts < 3 {
			return fmt.Errorf("leader moved: %w", kerr.NotLeaderOrFollower)
		}
		return nil
	}, nil)
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
}

func TestWithRetryNonRetriableFirstAttempt(t *testing.T) {
	broker := newClusterBroker(t)
	c := newTestClient(t, broker, nil)

	boom := errors.New("boom")
	attempts := 0
	err := c.WithRetry(context.Background(), "op", func(context.Context) error {
		attempts++
		return boom
	}, nil)
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, attempts)

	// The single error is surfaced alone, not wrapped in an aggregate.
	require.False(t, errs.HasAnyKind(err, errs.KindMultiple))
}

func TestWithRetryExhaustionAggregates(t *testing.T) {
	broker := newClusterBroker(t)
	c := newTestClient(t, broker, nil)

	attempts := 0
	err := c.WithRetry(context.Background(), "op", func(context.Context) error {
		attempts++
		return errs.NewNetwork("conn reset", nil, false)
	}, nil)
	require.Error(t, err)
	require.Equal(t, 3, attempts) // retries=2, so three attempts total
	require.True(t, errs.HasAnyKind(err, errs.KindMultiple))
	require.Contains(t, err.Error(), "failed 3 times")
}

func TestWithRetryShouldSkipRetry(t *testing.T) {
	broker := newClusterBroker(t)
	c := newTestClient(t, broker, nil)

	attempts := 0
	err := c.WithRetry(context.Background(), "op", func(context.Context) error {
		attempts++
		return errs.NewNetwork("conn reset", nil, false)
	}, func(error) bool { return true })
	require.Error(t, err)
	require.Equal(t, 1, attempts)
}

func TestFindCoordinator(t *testing.T) {
	broker := newClusterBroker(t)
	broker.Handle(apis.KeyFindCoordinator, func(req *kafkatest.Request) []byte {
		return broker.FindCoordinatorBody("group-1")
	})
	c := newTestClient(t, broker, nil)

	nodeID, coord, err := c.FindCoordinator(context.Background(), "group-1")
	require.NoError(t, err)
	require.Equal(t, kafkatest.NodeID, nodeID)
	require.Equal(t, broker.Addr(), coord)
}

func TestClosedClientRejects(t *testing.T) {
	broker := newClusterBroker(t)
	c := newTestClient(t, broker, nil)
	c.Close()
	c.Close() // idempotent

	_, err := c.Metadata(context.Background(), client.MetadataOptions{})
	require.Error(t, err)
	require.True(t, errs.IsClosed(err))
}

func TestUnsupportedAPISurfaces(t *testing.T) {
	broker := newClusterBroker(t)
	// Advertise a cluster that predates every version we implement.
	broker.Handle(apis.KeyApiVersions, func(*kafkatest.Request) []byte {
		w := testWriter()
		w.WriteInt16(0)
		w.WriteCompactArrayLen(1)
		w.WriteInt16(apis.KeyMetadata)
		w.WriteInt16(0)
		w.WriteInt16(3)
		w.WriteEmptyTaggedFields()
		w.WriteInt32(0)
		w.WriteEmptyTaggedFields()
		return w.Bytes()
	})
	c := newTestClient(t, broker, nil)

	_, err := c.Metadata(context.Background(), client.MetadataOptions{})
	require.Error(t, err)
	require.True(t, errs.HasAnyKind(err, errs.KindUnsupported))
}
