package producer_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/grafana/kafkaclient/pkg/apis"
	"github.com/grafana/kafkaclient/pkg/client"
	"github.com/grafana/kafkaclient/pkg/errs"
	"github.com/grafana/kafkaclient/pkg/kafkatest"
	"github.com/grafana/kafkaclient/pkg/kerr"
	"github.com/grafana/kafkaclient/pkg/producer"
	"github.com/grafana/kafkaclient/pkg/protocol/records"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var topicID = uuid.MustParse("0c0c0c0c-0000-0000-0000-000000000001")

type produceLog struct {
	mtx     sync.Mutex
	batches []kafkatest.ProducedBatch
	offsets map[string]int64
}

// install scripts the broker to ack every produce, assigning contiguous
// offsets per partition, and to record each accepted batch.
func (l *produceLog) install(b *kafkatest.Broker) {
	l.offsets = map[string]int64{}
	b.Handle(apis.KeyProduce, func(req *kafkatest.Request) []byte {
		acks, batches := kafkatest.ParseProduce(req)
		l.mtx.Lock()
		defer l.mtx.Unlock()
		l.batches = append(l.batches, batches...)
		body := kafkatest.ProduceAckBody(batches, func(topic string, partition int32) int64 {
			key := topic + "/" + string(rune('0'+partition))
			base := l.offsets[key]
			for _, pb := range batches {
				if pb.Topic == topic && pb.Partition == partition {
					decoded, err := records.Decode(pb.Records)
					if err == nil {
						l.offsets[key] = base + int64(len(decoded.Records))
					}
				}
			}
			return base
		})
		if acks == apis.AcksNone {
			return nil
		}
		return body
	})
}

func (l *produceLog) recorded() []kafkatest.ProducedBatch {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return append([]kafkatest.ProducedBatch{}, l.batches...)
}

func newProducerTestStack(t *testing.T, cfg producer.Config) (*kafkatest.Broker, *client.Client, *producer.Producer, *produceLog) {
	t.Helper()
	broker, err := kafkatest.NewBroker()
	require.NoError(t, err)
	t.Cleanup(broker.Close)
	broker.ServeDefault(kafkatest.TopicSpec{Name: "events", ID: topicID, Partitions: 3})
	broker.Handle(apis.KeyInitProducerID, func(*kafkatest.Request) []byte {
		return kafkatest.InitProducerIDBody(4000, 1)
	})

	log := &produceLog{}
	log.install(broker)

	cl, err := client.New(client.Config{
		BootstrapBrokers: []string{broker.Addr().Addr()},
		Retries:          2,
		RetryDelay:       5 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(cl.Close)

	p, err := producer.New(cl, cfg)
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return broker, cl, p, log
}

func part(i int32) *int32 { return &i }

func TestSendReportsBrokerOffsets(t *testing.T) {
	_, _, p, _ := newProducerTestStack(t, producer.Config{})

	res, err := p.Send(context.Background(), producer.SendOptions{Messages: []producer.Message{
		{Topic: "events", Value: []byte("a"), Partition: part(0)},
		{Topic: "events", Value: []byte("b"), Partition: part(0)},
		{Topic: "events", Value: []byte("c"), Partition: part(1)},
	}})
	require.NoError(t, err)
	require.Empty(t, res.UnwritableNodes)
	require.Len(t, res.Offsets, 2) // one entry per (topic,partition)

	require.Equal(t, "events", res.Offsets[0].Topic)
	require.Equal(t, int32(0), res.Offsets[0].Partition)
	require.Equal(t, int64(0), res.Offsets[0].Offset)
	require.Equal(t, int32(1), res.Offsets[1].Partition)
}

func TestSendValidation(t *testing.T) {
	_, _, p, _ := newProducerTestStack(t, producer.Config{})

	_, err := p.Send(context.Background(), producer.SendOptions{})
	require.Error(t, err)
	require.True(t, errs.HasAnyKind(err, errs.KindUser))

	_, err = p.Send(context.Background(), producer.SendOptions{Messages: []producer.Message{{Value: []byte("x")}}})
	require.Error(t, err)
	require.True(t, errs.HasAnyKind(err, errs.KindUser))
}

func TestConfigRejectsExplicitIdentity(t *testing.T) {
	pid := int64(5)
	cfg := producer.Config{Idempotent: true, ProducerID: &pid}
	require.Error(t, cfg.Validate())

	epoch := int16(2)
	cfg = producer.Config{Idempotent: true, ProducerEpoch: &epoch}
	require.Error(t, cfg.Validate())
}

func TestIdempotentForcesAcksAll(t *testing.T) {
	leaderAcks := apis.AcksLeader
	cfg := producer.Config{Idempotent: true, Acks: &leaderAcks}
	require.Error(t, cfg.Validate())

	_, _, p, _ := newProducerTestStack(t, producer.Config{Idempotent: true})
	leader := apis.AcksLeader
	_, err := p.Send(context.Background(), producer.SendOptions{
		Messages: []producer.Message{{Topic: "events", Value: []byte("x")}},
		Acks:     &leader,
	})
	require.Error(t, err)
	require.True(t, errs.HasAnyKind(err, errs.KindUser))
}

func TestRoundRobinPartitioning(t *testing.T) {
	_, _, p, log := newProducerTestStack(t, producer.Config{})

	// Keyless messages cycle through the topic's partitions.
	for i := 0; i < 6; i++ {
		_, err := p.Send(context.Background(), producer.SendOptions{Messages: []producer.Message{
			{Topic: "events", Value: []byte("v")},
		}})
		require.NoError(t, err)
	}

	seen := map[int32]int{}
	for _, b := range log.recorded() {
		seen[b.Partition]++
	}
	require.Equal(t, map[int32]int{0: 2, 1: 2, 2: 2}, seen)
}

func TestKeyedPartitioningUsesMurmur2(t *testing.T) {
	_, _, p, log := newProducerTestStack(t, producer.Config{})

	// murmur2("0") % 3 == 2 in the reference implementation.
	_, err := p.Send(context.Background(), producer.SendOptions{Messages: []producer.Message{
		{Topic: "events", Key: []byte("0"), Value: []byte("v")},
	}})
	require.NoError(t, err)

	recorded := log.recorded()
	require.Len(t, recorded, 1)
	require.Equal(t, int32(2), recorded[0].Partition)
}

func TestCustomPartitioner(t *testing.T) {
	_, _, p, log := newProducerTestStack(t, producer.Config{
		Partitioner: func(m producer.Message, numPartitions int32) int32 { return 1 },
	})

	_, err := p.Send(context.Background(), producer.SendOptions{Messages: []producer.Message{
		{Topic: "events", Key: []byte("ignored"), Value: []byte("v")},
	}})
	require.NoError(t, err)
	require.Equal(t, int32(1), log.recorded()[0].Partition)
}

func TestOutOfRangePartitionNormalized(t *testing.T) {
	_, _, p, log := newProducerTestStack(t, producer.Config{})

	_, err := p.Send(context.Background(), producer.SendOptions{Messages: []producer.Message{
		{Topic: "events", Value: []byte("v"), Partition: part(7)}, // 7 % 3 == 1
	}})
	require.NoError(t, err)
	require.Equal(t, int32(1), log.recorded()[0].Partition)
}

func TestIdempotentSequencing(t *testing.T) {
	_, _, p, log := newProducerTestStack(t, producer.Config{Idempotent: true})

	id, err := p.InitIdempotentProducer(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(4000), id.ProducerID)
	require.Equal(t, int16(1), id.ProducerEpoch)

	// Batches of 3, 2, and 4 records to (events,0) must carry first
	// sequences 0, 3, and 5.
	for _, size := range []int{3, 2, 4} {
		msgs := make([]producer.Message, 0, size)
		for i := 0; i < size; i++ {
			msgs = append(msgs, producer.Message{Topic: "events", Value: []byte("v"), Partition: part(0)})
		}
		_, err := p.Send(context.Background(), producer.SendOptions{Messages: msgs})
		require.NoError(t, err)
	}

	var firstSequences []int32
	for _, b := range log.recorded() {
		decoded, err := records.Decode(b.Records)
		require.NoError(t, err)
		require.Equal(t, int64(4000), decoded.ProducerID)
		require.Equal(t, int16(1), decoded.ProducerEpoch)
		firstSequences = append(firstSequences, decoded.FirstSequence)
	}
	require.Equal(t, []int32{0, 3, 5}, firstSequences)
}

func TestNonIdempotentBatchesCarrySentinels(t *testing.T) {
	_, _, p, log := newProducerTestStack(t, producer.Config{})

	_, err := p.Send(context.Background(), producer.SendOptions{Messages: []producer.Message{
		{Topic: "events", Value: []byte("v"), Partition: part(0)},
	}})
	require.NoError(t, err)

	decoded, err := records.Decode(log.recorded()[0].Records)
	require.NoError(t, err)
	require.Equal(t, int64(-1), decoded.ProducerID)
	require.Equal(t, int16(-1), decoded.ProducerEpoch)
	require.Equal(t, int32(-1), decoded.FirstSequence)
}

func TestStaleMetadataRepeatsOnce(t *testing.T) {
	broker, cl, p, log := newProducerTestStack(t, producer.Config{RepeatOnStaleMetadata: true})

	// Prime the metadata cache so the refresh below is attributable to the
	// stale-metadata handling alone.
	_, err := cl.Metadata(context.Background(), client.MetadataOptions{Topics: []string{"events"}})
	require.NoError(t, err)

	// The first produce reports NOT_LEADER_OR_FOLLOWER, everything after
	// succeeds.
	failed := false
	var mtx sync.Mutex
	broker.Handle(apis.KeyProduce, func(req *kafkatest.Request) []byte {
		_, batches := kafkatest.ParseProduce(req)
		mtx.Lock()
		first := !failed
		failed = true
		mtx.Unlock()
		if first {
			return produceErrorBody(batches[0].Topic, batches[0].Partition, kerr.NotLeaderOrFollower.Code)
		}
		log.mtx.Lock()
		log.batches = append(log.batches, batches...)
		log.mtx.Unlock()
		return kafkatest.ProduceAckBody(batches, func(string, int32) int64 { return 42 })
	})

	metadataBefore := broker.Requests(apis.KeyMetadata)
	res, err := p.Send(context.Background(), producer.SendOptions{Messages: []producer.Message{
		{Topic: "events", Value: []byte("v"), Partition: part(0)},
	}})
	require.NoError(t, err)
	mtx.Lock()
	require.True(t, failed)
	mtx.Unlock()
	require.Len(t, res.Offsets, 1)
	require.Equal(t, int64(42), res.Offsets[0].Offset)

	// Exactly one extra metadata refresh and exactly one produce retry.
	require.Equal(t, metadataBefore+1, broker.Requests(apis.KeyMetadata))
	require.Equal(t, int64(2), broker.Requests(apis.KeyProduce))
}

func TestStaleMetadataSurfacesWhenRepeatDisabled(t *testing.T) {
	broker, _, p, _ := newProducerTestStack(t, producer.Config{RepeatOnStaleMetadata: false})

	broker.Handle(apis.KeyProduce, func(req *kafkatest.Request) []byte {
		_, batches := kafkatest.ParseProduce(req)
		return produceErrorBody(batches[0].Topic, batches[0].Partition, kerr.NotLeaderOrFollower.Code)
	})

	_, err := p.Send(context.Background(), producer.SendOptions{Messages: []producer.Message{
		{Topic: "events", Value: []byte("v"), Partition: part(0)},
	}})
	require.Error(t, err)
	require.True(t, errs.HasStaleMetadata(err))
}

func TestFireAndForget(t *testing.T) {
	noAcks := apis.AcksNone
	broker, _, p, log := newProducerTestStack(t, producer.Config{Acks: &noAcks})

	res, err := p.Send(context.Background(), producer.SendOptions{Messages: []producer.Message{
		{Topic: "events", Value: []byte("v"), Partition: part(0)},
	}})
	require.NoError(t, err)
	require.Empty(t, res.Offsets, "acks=0 yields no broker offsets")
	require.Empty(t, res.UnwritableNodes)

	// The broker still received the batch, it just did not respond.
	require.Eventually(t, func() bool {
		return broker.Requests(apis.KeyProduce) == 1 && len(log.recorded()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestClosedProducerRejects(t *testing.T) {
	_, _, p, _ := newProducerTestStack(t, producer.Config{})
	p.Close()
	_, err := p.Send(context.Background(), producer.SendOptions{Messages: []producer.Message{
		{Topic: "events", Value: []byte("v")},
	}})
	require.Error(t, err)
	require.True(t, errs.IsClosed(err))
}

// produceErrorBody acks a single partition with a protocol error code.
func produceErrorBody(topic string, partition int32, code int16) []byte {
	return kafkatest.ProduceBody(topic, partition, code, -1)
}
