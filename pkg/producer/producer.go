// Package producer implements the send pipeline: partitioning, batching by
// destination leader, optional idempotent sequencing, and ack handling.
package producer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/grafana/kafkaclient/pkg/apis"
	"github.com/grafana/kafkaclient/pkg/client"
	"github.com/grafana/kafkaclient/pkg/compress"
	"github.com/grafana/kafkaclient/pkg/errs"
	"github.com/grafana/kafkaclient/pkg/kerr"
	"github.com/grafana/kafkaclient/pkg/protocol"
	"github.com/grafana/kafkaclient/pkg/protocol/records"
)

// Message is one record to publish.
type Message struct {
	Topic string
	Key   []byte
	Value []byte
	// Headers preserve insertion order on the wire; duplicate keys are
	// permitted.
	Headers []records.Header
	// Partition pins the destination partition. Out-of-range values are
	// normalized modulo the partition count, mirroring broker behavior.
	Partition *int32
	// Timestamp defaults to the send time.
	Timestamp time.Time
}

// Partitioner chooses a partition for messages that do not pin one.
type Partitioner func(msg Message, numPartitions int32) int32

// Config shapes a producer.
type Config struct {
	// Acks is the ack policy: 0 none, 1 leader, -1 all replicas. Nil means
	// the default of -1.
	Acks *int16 `yaml:"acks"`
	// Compression is one of none, gzip, snappy, lz4, zstd.
	Compression string `yaml:"compression"`
	// Idempotent enables producer-id/epoch/sequence stamping. It forces
	// acks=-1 and one in-flight request per partition.
	Idempotent bool `yaml:"idempotent"`
	// RepeatOnStaleMetadata transparently refreshes metadata and resends
	// once when a broker reports the cached leader stale.
	RepeatOnStaleMetadata bool `yaml:"repeat_on_stale_metadata"`
	AutocreateTopics      bool `yaml:"autocreate_topics"`

	Partitioner Partitioner `yaml:"-"`

	// ProducerID and ProducerEpoch cannot be chosen by the caller; they
	// exist so a configuration that tries is rejected loudly.
	ProducerID    *int64 `yaml:"producer_id"`
	ProducerEpoch *int16 `yaml:"producer_epoch"`
}

// Validate rejects configurations the produce path cannot honor.
func (c *Config) Validate() error {
	if _, err := compress.ForName(c.Compression); err != nil {
		return errs.Wrap(errs.KindUnsupportedCompression, "producer compression", err)
	}
	if c.ProducerID != nil || c.ProducerEpoch != nil {
		return errs.New(errs.KindUser, "producer id and epoch are assigned by the coordinator and cannot be configured")
	}
	if c.Acks != nil {
		switch *c.Acks {
		case apis.AcksNone, apis.AcksLeader, apis.AcksAll:
		default:
			return errs.New(errs.KindUser, fmt.Sprintf("acks must be 0, 1 or -1, not %d", *c.Acks))
		}
		if c.Idempotent && *c.Acks != apis.AcksAll {
			return errs.New(errs.KindUser, "an idempotent producer requires acks=-1")
		}
	}
	return nil
}

// acks resolves the configured ack policy; idempotence forces -1.
func (c *Config) acks() int16 {
	if c.Idempotent || c.Acks == nil {
		return apis.AcksAll
	}
	return *c.Acks
}

type topicPartition struct {
	topic     string
	partition int32
}

// Producer publishes messages through a shared cluster client.
type Producer struct {
	cl     *client.Client
	cfg    Config
	logger log.Logger
	codec  compress.Codec

	// idMtx guards the idempotent identity and, in idempotent mode,
	// serializes sends so each partition has at most one batch in flight.
	idMtx       sync.Mutex
	producerID  int64
	epoch       int16
	initialized bool
	sequences   map[topicPartition]int32

	rrMtx      sync.Mutex
	roundRobin map[string]uint32

	closed *atomic.Bool
}

// New builds a producer on top of cl.
func New(cl *client.Client, cfg Config) (*Producer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	codec, err := compress.ForName(cfg.Compression)
	if err != nil {
		return nil, errs.Wrap(errs.KindUnsupportedCompression, "producer compression", err)
	}

	return &Producer{
		cl:         cl,
		cfg:        cfg,
		logger:     log.With(cl.Logger(), "component", "producer"),
		codec:      codec,
		sequences:  map[topicPartition]int32{},
		roundRobin: map[string]uint32{},
		closed:     atomic.NewBool(false),
	}, nil
}

// IdentityResult is the assigned idempotent identity.
type IdentityResult struct {
	ProducerID    int64
	ProducerEpoch int16
}

// InitIdempotentProducer obtains the producer id and epoch. It is
// deduplicated and idempotent; the identity is kept for the producer's
// lifetime.
func (p *Producer) InitIdempotentProducer(ctx context.Context) (IdentityResult, error) {
	if p.closed.Load() {
		return IdentityResult{}, errs.NewNetwork("producer closed", nil, true)
	}

	p.idMtx.Lock()
	if p.initialized {
		res := IdentityResult{ProducerID: p.producerID, ProducerEpoch: p.epoch}
		p.idMtx.Unlock()
		return res, nil
	}
	p.idMtx.Unlock()

	v, err := p.cl.Deduplicate("init-producer-id", func() (interface{}, error) {
		var res IdentityResult
		err := p.cl.WithRetry(ctx, "InitProducerID", func(ctx context.Context) error {
			req := &apis.InitProducerIDRequest{TransactionTimeoutMs: 60000}
			resp, err := p.cl.RequestAny(ctx, req)
			if err != nil {
				return err
			}
			ip := resp.(*apis.InitProducerIDResponse)
			if err := kerr.ErrorForCode(ip.ErrorCode); err != nil {
				return fmt.Errorf("initializing producer id: %w", err)
			}
			res = IdentityResult{ProducerID: ip.ProducerID, ProducerEpoch: ip.ProducerEpoch}
			return nil
		}, nil)
		return res, err
	})
	if err != nil {
		return IdentityResult{}, err
	}

	res := v.(IdentityResult)
	p.idMtx.Lock()
	if !p.initialized {
		p.producerID, p.epoch, p.initialized = res.ProducerID, res.ProducerEpoch, true
	}
	res = IdentityResult{ProducerID: p.producerID, ProducerEpoch: p.epoch}
	p.idMtx.Unlock()

	level.Debug(p.logger).Log("msg", "idempotent identity assigned", "producer_id", res.ProducerID, "epoch", res.ProducerEpoch)
	return res, nil
}

// OffsetInfo is the broker-assigned position of an accepted batch.
type OffsetInfo struct {
	Topic     string
	Partition int32
	Offset    int64
}

// SendResult reports a completed send. With acks=0 only UnwritableNodes is
// populated: the node ids whose sockets refused the fire-and-forget write.
type SendResult struct {
	Offsets         []OffsetInfo
	UnwritableNodes []int32
}

// SendOptions parameterizes one send.
type SendOptions struct {
	Messages []Message
	// Acks overrides the configured policy for this send.
	Acks *int16
}

// Send publishes messages. Messages are partitioned, grouped by destination
// leader, encoded one batch per (topic,partition), and produced concurrently
// per destination broker.
func (p *Producer) Send(ctx context.Context, opts SendOptions) (*SendResult, error) {
	if p.closed.Load() {
		return nil, errs.NewNetwork("producer closed", nil, true)
	}
	if len(opts.Messages) == 0 {
		return nil, errs.New(errs.KindUser, "no messages to send")
	}
	for i := range opts.Messages {
		if opts.Messages[i].Topic == "" {
			return nil, errs.New(errs.KindUser, fmt.Sprintf("message %d has no topic", i))
		}
	}

	acks := p.cfg.acks()
	if opts.Acks != nil {
		if p.cfg.Idempotent && *opts.Acks != apis.AcksAll {
			return nil, errs.New(errs.KindUser, "an idempotent producer requires acks=-1")
		}
		acks = *opts.Acks
	}

	if p.cfg.Idempotent {
		if _, err := p.InitIdempotentProducer(ctx); err != nil {
			return nil, err
		}
		// One batch in flight per partition: sends are serialized.
		p.idMtx.Lock()
		defer p.idMtx.Unlock()
	}

	res, err := p.sendOnce(ctx, opts.Messages, acks, true)
	if err != nil {
		return nil, err
	}
	metricMessagesProduced.Add(float64(len(opts.Messages)))
	return res, nil
}

// Close releases the producer. The shared client stays open.
func (p *Producer) Close() {
	p.closed.Store(true)
}

// sendOnce runs one pass of the pipeline. allowStaleRepeat permits a single
// transparent metadata-refresh-and-resend when a destination reports stale
// metadata.
func (p *Producer) sendOnce(ctx context.Context, msgs []Message, acks int16, allowStaleRepeat bool) (*SendResult, error) {
	topics := topicSet(msgs)
	meta, err := p.cl.Metadata(ctx, client.MetadataOptions{
		Topics:           topics,
		AutocreateTopics: p.cfg.AutocreateTopics,
	})
	if err != nil {
		return nil, err
	}

	groups, msgsByNode, err := p.groupByLeader(msgs, meta)
	if err != nil {
		return nil, err
	}

	var (
		mtx       sync.Mutex
		result    SendResult
		staleMsgs []Message
	)

	g, gctx := errgroup.WithContext(ctx)
	for nodeID, byPartition := range groups {
		g.Go(func() error {
			offsets, err := p.produceTo(gctx, nodeID, byPartition, acks)
			mtx.Lock()
			defer mtx.Unlock()
			switch {
			case err == nil:
				result.Offsets = append(result.Offsets, offsets...)
				return nil
			case acks == apis.AcksNone && errs.HasAnyKind(err, errs.KindNetwork):
				// Fire-and-forget: an unwritable destination is reported,
				// not fatal.
				result.UnwritableNodes = append(result.UnwritableNodes, nodeID)
				return nil
			case errs.HasStaleMetadata(err) && allowStaleRepeat && p.cfg.RepeatOnStaleMetadata:
				// Only this destination's batches are repeated; anything
				// the healthy leaders accepted must not be sent twice.
				staleMsgs = append(staleMsgs, msgsByNode[nodeID]...)
				return nil
			default:
				return err
			}
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if len(staleMsgs) > 0 {
		level.Debug(p.logger).Log("msg", "produce hit stale metadata, refreshing and repeating", "messages", len(staleMsgs))
		p.cl.InvalidateMetadata()
		repeat, err := p.sendOnce(ctx, staleMsgs, acks, false)
		if err != nil {
			return nil, err
		}
		result.Offsets = append(result.Offsets, repeat.Offsets...)
		result.UnwritableNodes = append(result.UnwritableNodes, repeat.UnwritableNodes...)
	}

	sort.Slice(result.Offsets, func(i, j int) bool {
		if result.Offsets[i].Topic != result.Offsets[j].Topic {
			return result.Offsets[i].Topic < result.Offsets[j].Topic
		}
		return result.Offsets[i].Partition < result.Offsets[j].Partition
	})
	return &result, nil
}

func topicSet(msgs []Message) []string {
	seen := map[string]struct{}{}
	var topics []string
	for _, m := range msgs {
		if _, ok := seen[m.Topic]; !ok {
			seen[m.Topic] = struct{}{}
			topics = append(topics, m.Topic)
		}
	}
	return topics
}

// groupByLeader partitions every message and indexes them by destination
// broker and partition, keeping the original messages per node for the
// stale-metadata repeat.
func (p *Producer) groupByLeader(msgs []Message, meta *client.ClusterMetadata) (map[int32]map[topicPartition][]records.Record, map[int32][]Message, error) {
	groups := map[int32]map[topicPartition][]records.Record{}
	msgsByNode := map[int32][]Message{}
	for _, m := range msgs {
		tm, ok := meta.Topics[m.Topic]
		if !ok || tm.PartitionsCount == 0 {
			return nil, nil, fmt.Errorf("topic %q: %w", m.Topic, kerr.UnknownTopicOrPartition)
		}

		partition := p.partitionFor(m, tm.PartitionsCount)
		leader := tm.Partitions[partition].Leader

		tp := topicPartition{topic: m.Topic, partition: partition}
		if groups[leader] == nil {
			groups[leader] = map[topicPartition][]records.Record{}
		}
		groups[leader][tp] = append(groups[leader][tp], records.Record{
			Key:       m.Key,
			Value:     m.Value,
			Headers:   m.Headers,
			Timestamp: m.Timestamp,
		})
		msgsByNode[leader] = append(msgsByNode[leader], m)
	}
	return groups, msgsByNode, nil
}

// produceTo issues a single Produce carrying one batch per (topic,partition)
// destined for the given node.
func (p *Producer) produceTo(ctx context.Context, nodeID int32, byPartition map[topicPartition][]records.Record, acks int16) ([]OffsetInfo, error) {
	req := &apis.ProduceRequest{
		Acks:          acks,
		TimeoutMillis: int32(p.cl.Config().Timeout.Milliseconds()),
	}

	byTopic := map[string][]apis.ProduceRequestPartition{}
	counts := map[topicPartition]int32{}
	for tp, recs := range byPartition {
		opts := records.BuildOpts{}
		if p.cfg.Idempotent {
			opts = records.BuildOpts{
				Idempotent:    true,
				ProducerID:    p.producerID,
				ProducerEpoch: p.epoch,
				FirstSequence: p.sequences[tp],
			}
		}
		batch := records.Build(recs, opts)

		w := protocol.NewWriter(1024)
		if err := batch.AppendTo(w, p.codec); err != nil {
			return nil, err
		}
		byTopic[tp.topic] = append(byTopic[tp.topic], apis.ProduceRequestPartition{
			Index:   tp.partition,
			Records: w.Bytes(),
		})
		counts[tp] = int32(len(recs))
	}
	for topic, parts := range byTopic {
		req.Topics = append(req.Topics, apis.ProduceRequestTopic{Name: topic, Partitions: parts})
	}

	var offsets []OffsetInfo
	err := p.cl.WithRetry(ctx, "Produce", func(ctx context.Context) error {
		resp, err := p.cl.RequestNode(ctx, nodeID, req)
		if err != nil {
			return err
		}
		if acks == apis.AcksNone {
			return nil
		}

		pr := resp.(*apis.ProduceResponse)
		offsets = offsets[:0]
		var partErrs []error
		for _, t := range pr.Topics {
			for _, part := range t.Partitions {
				if err := kerr.ErrorForCode(part.ErrorCode); err != nil {
					partErrs = append(partErrs, fmt.Errorf("produce to %s/%d: %w", t.Name, part.Index, err))
					continue
				}
				offsets = append(offsets, OffsetInfo{
					Topic:     t.Name,
					Partition: part.Index,
					Offset:    part.BaseOffset,
				})
			}
		}
		if len(partErrs) > 0 {
			return errs.NewResponse("produce rejected partitions", partErrs...)
		}
		return nil
	}, func(err error) bool {
		// Fire-and-forget sends are never repeated; stale metadata is
		// handled by the caller with a refresh; an idempotent violation
		// must surface untouched.
		return acks == apis.AcksNone || errs.HasStaleMetadata(err) || isIdempotenceViolation(err)
	})
	if err != nil {
		return nil, err
	}

	if p.cfg.Idempotent {
		for tp, n := range counts {
			p.sequences[tp] += n
		}
	}
	return offsets, nil
}

func isIdempotenceViolation(err error) bool {
	return errs.HasAny(err, func(e error) bool {
		ke, ok := e.(*kerr.Error)
		if !ok {
			return false
		}
		switch ke.Code {
		case kerr.OutOfOrderSequenceNumber.Code, kerr.DuplicateSequenceNumber.Code, kerr.InvalidProducerEpoch.Code:
			return true
		}
		return false
	})
}
