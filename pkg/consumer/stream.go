package consumer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"

	"github.com/grafana/kafkaclient/pkg/apis"
	"github.com/grafana/kafkaclient/pkg/client"
	"github.com/grafana/kafkaclient/pkg/errs"
	"github.com/grafana/kafkaclient/pkg/kerr"
	"github.com/grafana/kafkaclient/pkg/protocol/records"
)

// Message is one record delivered by a stream.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Timestamp time.Time
	// Key and Value carry the deserialized forms; without deserializers
	// they are the raw []byte.
	Key   interface{}
	Value interface{}
	// Headers preserve the on-wire order, duplicates included.
	Headers []records.Header
	// Commit stores this message's offset (plus one) with the group
	// coordinator. Set only when autocommit is disabled.
	Commit func(ctx context.Context) error
}

// StreamOptions parameterizes one Consume call.
type StreamOptions struct {
	Topics       []string
	Mode         Mode
	FallbackMode FallbackMode
	// Offsets supplies the starting positions in ModeManual.
	Offsets []CommitOffset

	MinBytes      int32
	MaxBytes      int32
	MaxWaitTime   time.Duration
	Deserializers Deserializers
	HighWaterMark int
}

// MessageStream is a lazy, non-restartable sequence of messages. It is
// infinite until closed; closing delivers the terminal sentinel (channel
// close) exactly once, after in-flight fetches drain.
type MessageStream struct {
	c      *Consumer
	logger log.Logger
	opts   StreamOptions
	ch     chan Message

	mtx      sync.Mutex
	offsets  map[topicPartition]int64      // next offset to fetch
	toCommit map[topicPartition]CommitOffset
	inflight map[int32]struct{} // leaders with an outstanding Fetch
	failure  error

	notify    chan struct{}
	closeCh   chan struct{}
	closeOnce sync.Once
	loopDone  chan struct{}
	fetchWG   sync.WaitGroup
	acStop    chan struct{}
	acDone    chan struct{}
}

// Consume joins the group for opts.Topics and returns a running stream.
func (c *Consumer) Consume(ctx context.Context, opts StreamOptions) (*MessageStream, error) {
	if len(opts.Topics) == 0 {
		return nil, errs.New(errs.KindUser, "consume requires at least one topic")
	}
	if opts.Mode == "" {
		opts.Mode = ModeLatest
	}
	switch opts.Mode {
	case ModeLatest, ModeEarliest, ModeCommitted, ModeManual:
	default:
		return nil, errs.New(errs.KindUser, fmt.Sprintf("unknown stream mode %q", opts.Mode))
	}
	if opts.Mode == ModeManual && len(opts.Offsets) == 0 {
		return nil, errs.New(errs.KindUser, "manual mode requires explicit offsets")
	}
	if opts.Mode != ModeManual && len(opts.Offsets) > 0 {
		return nil, errs.New(errs.KindUser, fmt.Sprintf("offsets are only accepted in manual mode, not %q", opts.Mode))
	}
	if opts.Mode == ModeCommitted && opts.FallbackMode == "" {
		opts.FallbackMode = FallbackLatest
	}
	if opts.MinBytes == 0 {
		opts.MinBytes = c.cfg.MinBytes
	}
	if opts.MaxBytes == 0 {
		opts.MaxBytes = c.cfg.MaxBytes
	}
	if opts.MaxWaitTime == 0 {
		opts.MaxWaitTime = c.cfg.MaxWaitTime
	}
	if opts.HighWaterMark == 0 {
		opts.HighWaterMark = c.cfg.HighWaterMark
	}

	if err := c.ensureJoined(ctx, opts.Topics); err != nil {
		return nil, err
	}

	s := &MessageStream{
		c:        c,
		logger:   log.With(c.logger, "component", "stream"),
		opts:     opts,
		ch:       make(chan Message, opts.HighWaterMark),
		offsets:  map[topicPartition]int64{},
		toCommit: map[topicPartition]CommitOffset{},
		inflight: map[int32]struct{}{},
		notify:   make(chan struct{}, 64),
		closeCh:  make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	for _, o := range opts.Offsets {
		s.offsets[topicPartition{o.Topic, o.Partition}] = o.Offset
	}

	if err := s.resolveMissingOffsets(ctx); err != nil {
		return nil, err
	}

	c.mtx.Lock()
	if c.closed {
		c.mtx.Unlock()
		return nil, errs.NewNetwork("consumer closed", nil, true)
	}
	c.streams[s] = struct{}{}
	c.mtx.Unlock()

	if c.cfg.AutocommitInterval > 0 {
		s.acStop = make(chan struct{})
		s.acDone = make(chan struct{})
		go s.autocommitLoop()
	}
	go s.run()
	return s, nil
}

// Messages returns the stream's delivery channel. It is closed exactly once
// after Close, when in-flight fetches have drained.
func (s *MessageStream) Messages() <-chan Message { return s.ch }

// Err reports the failure that terminated the stream, if any.
func (s *MessageStream) Err() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.failure
}

// Close stops fetching and ends the message sequence. Accumulated
// uncommitted autocommit positions are flushed first.
func (s *MessageStream) Close(ctx context.Context) error {
	var flushErr error
	s.closeOnce.Do(func() {
		close(s.closeCh)
		if s.acStop != nil {
			close(s.acStop)
			<-s.acDone
		}
		<-s.loopDone

		if s.c.autocommitEnabled() {
			flushErr = s.commitAccumulated(ctx)
			if errs.IsClosed(flushErr) {
				// Force-closing the consumer wins over the final flush.
				flushErr = nil
			}
		}

		s.c.mtx.Lock()
		delete(s.c.streams, s)
		s.c.mtx.Unlock()
	})
	return flushErr
}

func (c *Consumer) autocommitEnabled() bool {
	return c.cfg.Autocommit || c.cfg.AutocommitInterval > 0
}

func (s *MessageStream) fail(err error) {
	s.mtx.Lock()
	if s.failure == nil {
		s.failure = err
	}
	s.mtx.Unlock()
	level.Warn(s.logger).Log("msg", "stream failed", "err", err)
	go s.Close(context.Background())
}

// run is the fetch scheduler: each cycle refreshes metadata and dispatches
// at most one Fetch per leader broker covering every assigned partition that
// leader owns.
func (s *MessageStream) run() {
	defer close(s.loopDone)
	for {
		select {
		case <-s.closeCh:
			s.fetchWG.Wait()
			close(s.ch)
			return
		default:
		}

		dispatched, err := s.dispatchFetches()
		if err != nil {
			if !errs.IsClosed(err) {
				s.mtx.Lock()
				if s.failure == nil {
					s.failure = err
				}
				s.mtx.Unlock()
				level.Warn(s.logger).Log("msg", "fetch cycle failed", "err", err)
			}
			s.fetchWG.Wait()
			close(s.ch)
			return
		}

		if dispatched == 0 {
			select {
			case <-s.notify:
			case <-s.closeCh:
			case <-time.After(s.opts.MaxWaitTime):
			}
		}
	}
}

func (s *MessageStream) dispatchFetches() (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.c.cfg.MaxWaitTime+s.c.cl.Config().Timeout)
	defer cancel()

	meta, err := s.c.cl.Metadata(ctx, client.MetadataOptions{Topics: s.opts.Topics})
	if err != nil {
		return 0, err
	}
	if err := s.resolveMissingOffsets(ctx); err != nil {
		return 0, err
	}

	assignments := s.assignedPartitions()

	// Group assigned partitions by leader, skipping leaders with an
	// outstanding fetch.
	s.mtx.Lock()
	byLeader := map[int32][]topicPartition{}
	for _, tp := range assignments {
		leader, err := meta.Leader(tp.topic, tp.partition)
		if err != nil {
			continue // refreshed next cycle
		}
		if _, busy := s.inflight[leader]; busy {
			continue
		}
		byLeader[leader] = append(byLeader[leader], tp)
	}
	for leader := range byLeader {
		s.inflight[leader] = struct{}{}
	}
	s.mtx.Unlock()

	for leader, tps := range byLeader {
		s.fetchWG.Add(1)
		go s.fetchFrom(leader, tps, meta)
	}
	return len(byLeader), nil
}

// assignedPartitions intersects the consumer's assignment with the stream's
// topics.
func (s *MessageStream) assignedPartitions() []topicPartition {
	topics := map[string]struct{}{}
	for _, t := range s.opts.Topics {
		topics[t] = struct{}{}
	}
	var out []topicPartition
	for topic, parts := range s.c.Assignments() {
		if _, ok := topics[topic]; !ok {
			continue
		}
		for _, p := range parts {
			out = append(out, topicPartition{topic, p})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].topic != out[j].topic {
			return out[i].topic < out[j].topic
		}
		return out[i].partition < out[j].partition
	})
	return out
}

// resolveMissingOffsets determines the starting offset of every assigned
// partition the stream has not positioned yet, according to the mode.
func (s *MessageStream) resolveMissingOffsets(ctx context.Context) error {
	assigned := s.assignedPartitions()

	missing := map[topicPartition]struct{}{}
	s.mtx.Lock()
	for _, tp := range assigned {
		if _, ok := s.offsets[tp]; !ok {
			missing[tp] = struct{}{}
		}
	}
	s.mtx.Unlock()
	if len(missing) == 0 {
		return nil
	}

	resolved, err := s.startingOffsets(ctx, missing)
	if err != nil {
		return err
	}

	s.mtx.Lock()
	for tp, off := range resolved {
		if _, ok := s.offsets[tp]; !ok {
			s.offsets[tp] = off
		}
	}
	s.mtx.Unlock()
	return nil
}

func (s *MessageStream) startingOffsets(ctx context.Context, missing map[topicPartition]struct{}) (map[topicPartition]int64, error) {
	switch s.opts.Mode {
	case ModeLatest:
		return s.c.listOffsetsFor(ctx, missing, apis.ListOffsetsLatest)
	case ModeEarliest:
		return s.c.listOffsetsFor(ctx, missing, apis.ListOffsetsEarliest)
	case ModeManual:
		// Start positions came from the caller; partitions gained later
		// through a rebalance have no pin and start at the beginning.
		return s.c.listOffsetsFor(ctx, missing, apis.ListOffsetsEarliest)
	case ModeCommitted:
		committed, err := s.c.committedOffsetsFor(ctx, missing)
		if err != nil {
			return nil, err
		}
		var fallback map[topicPartition]struct{}
		out := map[topicPartition]int64{}
		for tp := range missing {
			if off, ok := committed[tp]; ok && off >= 0 {
				out[tp] = off
				continue
			}
			switch s.opts.FallbackMode {
			case FallbackFail:
				return nil, errs.New(errs.KindUser,
					fmt.Sprintf("no committed offset for %s/%d and fallback mode is fail", tp.topic, tp.partition))
			default:
				if fallback == nil {
					fallback = map[topicPartition]struct{}{}
				}
				fallback[tp] = struct{}{}
			}
		}
		if len(fallback) > 0 {
			ts := apis.ListOffsetsLatest
			if s.opts.FallbackMode == FallbackEarliest {
				ts = apis.ListOffsetsEarliest
			}
			resolved, err := s.c.listOffsetsFor(ctx, fallback, ts)
			if err != nil {
				return nil, err
			}
			for tp, off := range resolved {
				out[tp] = off
			}
		}
		return out, nil
	default:
		return nil, errs.New(errs.KindUser, fmt.Sprintf("unknown stream mode %q", s.opts.Mode))
	}
}

// fetchFrom issues one Fetch to leader covering tps and delivers whatever
// comes back.
func (s *MessageStream) fetchFrom(leader int32, tps []topicPartition, meta *client.ClusterMetadata) {
	defer s.fetchWG.Done()
	defer func() {
		s.mtx.Lock()
		delete(s.inflight, leader)
		s.mtx.Unlock()
		select {
		case s.notify <- struct{}{}:
		default:
		}
	}()

	broker, ok := meta.Brokers[leader]
	if !ok {
		s.c.cl.InvalidateMetadata()
		return
	}

	req := &apis.FetchRequest{
		MaxWaitMillis:  int32(s.opts.MaxWaitTime.Milliseconds()),
		MinBytes:       s.opts.MinBytes,
		MaxBytes:       s.opts.MaxBytes,
		IsolationLevel: s.c.isolation,
	}

	names := map[uuid.UUID]string{}
	byTopic := map[string][]apis.FetchRequestPartition{}
	s.mtx.Lock()
	for _, tp := range tps {
		offset, ok := s.offsets[tp]
		if !ok {
			continue
		}
		byTopic[tp.topic] = append(byTopic[tp.topic], apis.FetchRequestPartition{
			Partition:          tp.partition,
			CurrentLeaderEpoch: -1,
			FetchOffset:        offset,
			LastFetchedEpoch:   -1,
			LogStartOffset:     -1,
			PartitionMaxBytes:  s.opts.MaxBytes,
		})
	}
	s.mtx.Unlock()
	for topic, parts := range byTopic {
		id, err := meta.TopicID(topic)
		if err != nil {
			s.c.cl.InvalidateMetadata()
			return
		}
		names[id] = topic
		req.Topics = append(req.Topics, apis.FetchRequestTopic{TopicID: id, Partitions: parts})
	}
	if len(req.Topics) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.MaxWaitTime+s.c.cl.Config().Timeout)
	defer cancel()
	go func() {
		select {
		case <-s.closeCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	resp, err := s.c.cl.RequestPool(ctx, s.c.fetchPool, broker, req)
	if err != nil {
		if !errs.IsClosed(err) && ctx.Err() == nil {
			level.Debug(s.logger).Log("msg", "fetch failed", "leader", leader, "err", err)
		}
		return
	}
	metricFetches.Inc()

	fr := resp.(*apis.FetchResponse)
	if err := kerr.ErrorForCode(fr.ErrorCode); err != nil {
		s.fail(fmt.Errorf("fetch from node %d: %w", leader, err))
		return
	}

	for _, topic := range fr.Topics {
		name, ok := names[topic.TopicID]
		if !ok {
			continue
		}
		for _, part := range topic.Partitions {
			s.deliverPartition(name, part)
		}
	}
}

// deliverPartition decodes one partition's batches, pushes its records, and
// advances the next-fetch offset past every fully parsed batch.
func (s *MessageStream) deliverPartition(topic string, part apis.FetchResponsePartition) {
	tp := topicPartition{topic, part.PartitionIndex}

	if err := kerr.ErrorForCode(part.ErrorCode); err != nil {
		if kerr.HasStaleMetadata(err) {
			s.c.cl.InvalidateMetadata()
			return
		}
		s.fail(fmt.Errorf("fetch of %s/%d: %w", topic, part.PartitionIndex, err))
		return
	}
	if len(part.Records) == 0 {
		return
	}

	s.mtx.Lock()
	fetchOffset := s.offsets[tp]
	s.mtx.Unlock()

	batches, err := records.ReadBatches(part.Records)
	if err != nil {
		s.fail(errs.Wrap(errs.KindProtocol, fmt.Sprintf("decoding batches of %s/%d", topic, part.PartitionIndex), err))
		return
	}

	for _, batch := range batches {
		if !batch.IsControl() {
			for i := range batch.Records {
				rec := &batch.Records[i]
				if rec.Offset < fetchOffset {
					// Compressed batches replay records from before the
					// requested offset.
					continue
				}
				if !s.push(tp, rec) {
					return
				}
			}
		}

		next := batch.FirstOffset + int64(batch.LastOffsetDelta) + 1
		s.mtx.Lock()
		if next > s.offsets[tp] {
			s.offsets[tp] = next
		}
		s.toCommit[tp] = CommitOffset{
			Topic:       topic,
			Partition:   tp.partition,
			Offset:      next,
			LeaderEpoch: batch.PartitionLeaderEpoch,
		}
		s.mtx.Unlock()

		if s.c.cfg.Autocommit && s.c.cfg.AutocommitInterval == 0 {
			ctx, cancel := context.WithTimeout(context.Background(), s.c.cl.Config().Timeout)
			if err := s.commitAccumulated(ctx); err != nil {
				level.Warn(s.logger).Log("msg", "autocommit failed", "err", err)
			}
			cancel()
		}
	}
}

// push delivers one record, respecting stream backpressure and close.
func (s *MessageStream) push(tp topicPartition, rec *records.Record) bool {
	key, value, err := s.deserialize(rec)
	if err != nil {
		s.fail(errs.Wrap(errs.KindUser, fmt.Sprintf("deserializing record %s/%d@%d", tp.topic, tp.partition, rec.Offset), err))
		return false
	}

	msg := Message{
		Topic:     tp.topic,
		Partition: tp.partition,
		Offset:    rec.Offset,
		Timestamp: rec.Timestamp,
		Key:       key,
		Value:     value,
		Headers:   rec.Headers,
	}
	if !s.c.autocommitEnabled() {
		offset, partition, topic := rec.Offset, tp.partition, tp.topic
		msg.Commit = func(ctx context.Context) error {
			return s.c.Commit(ctx, []CommitOffset{{
				Topic:     topic,
				Partition: partition,
				Offset:    offset + 1,
			}})
		}
	}

	select {
	case s.ch <- msg:
		metricMessagesConsumed.Inc()
		return true
	case <-s.closeCh:
		return false
	}
}

func (s *MessageStream) deserialize(rec *records.Record) (interface{}, interface{}, error) {
	var key interface{} = rec.Key
	var value interface{} = rec.Value
	if s.opts.Deserializers.Key != nil {
		var err error
		if key, err = s.opts.Deserializers.Key(rec.Key); err != nil {
			return nil, nil, err
		}
	}
	if s.opts.Deserializers.Value != nil {
		var err error
		if value, err = s.opts.Deserializers.Value(rec.Value); err != nil {
			return nil, nil, err
		}
	}
	return key, value, nil
}

// commitAccumulated flushes the autocommit positions gathered since the last
// flush.
func (s *MessageStream) commitAccumulated(ctx context.Context) error {
	s.mtx.Lock()
	if len(s.toCommit) == 0 {
		s.mtx.Unlock()
		return nil
	}
	offsets := make([]CommitOffset, 0, len(s.toCommit))
	for _, o := range s.toCommit {
		offsets = append(offsets, o)
	}
	s.toCommit = map[topicPartition]CommitOffset{}
	s.mtx.Unlock()

	sort.Slice(offsets, func(i, j int) bool {
		if offsets[i].Topic != offsets[j].Topic {
			return offsets[i].Topic < offsets[j].Topic
		}
		return offsets[i].Partition < offsets[j].Partition
	})
	return s.c.Commit(ctx, offsets)
}

// autocommitLoop flushes accumulated positions every AutocommitInterval.
func (s *MessageStream) autocommitLoop() {
	defer close(s.acDone)
	ticker := time.NewTicker(s.c.cfg.AutocommitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.acStop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.c.cl.Config().Timeout)
			if err := s.commitAccumulated(ctx); err != nil {
				level.Warn(s.logger).Log("msg", "periodic autocommit failed", "err", err)
			}
			cancel()
		}
	}
}
