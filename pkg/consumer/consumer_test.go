package consumer_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/goleak"

	"github.com/grafana/kafkaclient/pkg/apis"
	"github.com/grafana/kafkaclient/pkg/client"
	"github.com/grafana/kafkaclient/pkg/consumer"
	"github.com/grafana/kafkaclient/pkg/errs"
	"github.com/grafana/kafkaclient/pkg/kafkatest"
	"github.com/grafana/kafkaclient/pkg/kerr"
	"github.com/grafana/kafkaclient/pkg/protocol"
	"github.com/grafana/kafkaclient/pkg/protocol/records"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var (
	topicID  = uuid.MustParse("0d0d0d0d-0000-0000-0000-000000000001")
	testTime = time.UnixMilli(1700000000000)
)

// partitionLog is a scripted in-memory partition: encoded batches with
// absolute base offsets, served by requested fetch offset.
type partitionLog struct {
	mtx     sync.Mutex
	batches []logBatch
	end     int64
}

type logBatch struct {
	first, last int64
	wire        []byte
}

func (l *partitionLog) append(t *testing.T, recs ...records.Record) {
	t.Helper()
	l.mtx.Lock()
	defer l.mtx.Unlock()

	b := records.Build(recs, records.BuildOpts{Now: func() time.Time { return testTime }})
	b.FirstOffset = l.end
	w := protocol.NewWriter(512)
	require.NoError(t, b.AppendTo(w, nil))
	l.batches = append(l.batches, logBatch{
		first: l.end,
		last:  l.end + int64(len(recs)) - 1,
		wire:  w.Bytes(),
	})
	l.end += int64(len(recs))
}

func (l *partitionLog) read(from int64) []byte {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	var out []byte
	for _, b := range l.batches {
		if b.last >= from {
			out = append(out, b.wire...)
		}
	}
	return out
}

// fixture wires a scripted broker, group, and 3-partition topic log.
type fixture struct {
	broker *kafkatest.Broker
	group  *kafkatest.GroupState
	logs   map[int32]*partitionLog
	cl     *client.Client
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	broker, err := kafkatest.NewBroker()
	require.NoError(t, err)
	t.Cleanup(broker.Close)

	broker.ServeDefault(kafkatest.TopicSpec{Name: "events", ID: topicID, Partitions: 3})
	group := broker.ServeGroup("group-1")

	logs := map[int32]*partitionLog{0: {}, 1: {}, 2: {}}
	broker.Handle(apis.KeyFetch, func(req *kafkatest.Request) []byte {
		wanted := kafkatest.ParseFetch(req)
		var parts []kafkatest.FetchPartition
		for p, from := range wanted[topicID] {
			log := logs[p]
			parts = append(parts, kafkatest.FetchPartition{
				Partition:     p,
				HighWatermark: log.end,
				Records:       log.read(from),
			})
		}
		return kafkatest.FetchBody(topicID, parts...)
	})
	broker.Handle(apis.KeyListOffsets, func(req *kafkatest.Request) []byte {
		offsets := map[string]map[int32]int64{"events": {}}
		for p, log := range logs {
			// Earliest is always 0 in these logs; latest is the end.
			log.mtx.Lock()
			offsets["events"][p] = log.end
			log.mtx.Unlock()
		}
		if isEarliest(req) {
			for p := range offsets["events"] {
				offsets["events"][p] = 0
			}
		}
		return kafkatest.ListOffsetsBody(offsets)
	})

	cl, err := client.New(client.Config{
		BootstrapBrokers: []string{broker.Addr().Addr()},
		Retries:          2,
		RetryDelay:       5 * time.Millisecond,
		Timeout:          2 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(cl.Close)

	return &fixture{broker: broker, group: group, logs: logs, cl: cl}
}

func isEarliest(req *kafkatest.Request) bool {
	rd := req.Reader()
	_ = rd.ReadInt32() // replica id
	_ = rd.ReadInt8()  // isolation
	n := rd.ReadCompactArrayLen()
	for i := 0; i < n; i++ {
		_ = rd.ReadCompactString()
		nParts := rd.ReadCompactArrayLen()
		for j := 0; j < nParts; j++ {
			_ = rd.ReadInt32()
			_ = rd.ReadInt32()
			ts := rd.ReadInt64()
			rd.SkipTaggedFields()
			return ts == apis.ListOffsetsEarliest
		}
	}
	return false
}

func (f *fixture) newConsumer(t *testing.T, mutate func(*consumer.Config)) *consumer.Consumer {
	t.Helper()
	cfg := consumer.Config{
		GroupID:           "group-1",
		SessionTimeout:    2 * time.Second,
		RebalanceTimeout:  4 * time.Second,
		HeartbeatInterval: 200 * time.Millisecond,
		MaxWaitTime:       50 * time.Millisecond,
		Autocommit:        true,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := consumer.New(f.cl, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(context.Background(), true) })
	return c
}

func collect(t *testing.T, s *consumer.MessageStream, n int, timeout time.Duration) []consumer.Message {
	t.Helper()
	var out []consumer.Message
	deadline := time.After(timeout)
	for len(out) < n {
		select {
		case msg, ok := <-s.Messages():
			if !ok {
				require.NoError(t, s.Err())
				require.Len(t, out, n, "stream ended early")
				return out
			}
			out = append(out, msg)
		case <-deadline:
			require.Len(t, out, n, "timed out waiting for messages")
		}
	}
	return out
}

func TestJoinAssignsAllPartitionsToSingleMember(t *testing.T) {
	f := newFixture(t)
	c := f.newConsumer(t, nil)

	s, err := c.Consume(context.Background(), consumer.StreamOptions{
		Topics: []string{"events"},
		Mode:   consumer.ModeEarliest,
	})
	require.NoError(t, err)
	defer s.Close(context.Background())

	require.Equal(t, map[string][]int32{"events": {0, 1, 2}}, c.Assignments())
	require.NotEmpty(t, c.MemberID())
	require.Equal(t, int32(1), c.GenerationID())

	coord, err := c.FindGroupCoordinator(context.Background())
	require.NoError(t, err)
	require.Equal(t, f.broker.Addr(), coord)
}

func TestConsumeEarliestDeliversRecords(t *testing.T) {
	f := newFixture(t)
	f.logs[0].append(t,
		records.Record{Key: []byte("k-0"), Value: []byte("v-0"), Timestamp: testTime,
			Headers: []records.Header{{Key: "h", Value: []byte("one")}, {Key: "h", Value: []byte("two")}}},
		records.Record{Key: []byte("k-1"), Value: []byte("v-1"), Timestamp: testTime},
	)
	f.logs[1].append(t, records.Record{Key: []byte("k-2"), Value: []byte("v-2"), Timestamp: testTime})

	c := f.newConsumer(t, nil)
	s, err := c.Consume(context.Background(), consumer.StreamOptions{
		Topics: []string{"events"},
		Mode:   consumer.ModeEarliest,
	})
	require.NoError(t, err)

	msgs := collect(t, s, 3, 5*time.Second)
	byKey := map[string]consumer.Message{}
	for _, m := range msgs {
		byKey[string(m.Key.([]byte))] = m
	}
	require.Len(t, byKey, 3)
	require.Equal(t, []byte("v-0"), byKey["k-0"].Value)
	require.Equal(t, "events", byKey["k-0"].Topic)
	require.Equal(t, int64(0), byKey["k-0"].Offset)
	require.Equal(t, int64(1), byKey["k-1"].Offset)
	require.Equal(t, testTime.UnixMilli(), byKey["k-0"].Timestamp.UnixMilli())

	// Header order and duplicates survive the round trip.
	require.Equal(t, []records.Header{{Key: "h", Value: []byte("one")}, {Key: "h", Value: []byte("two")}}, byKey["k-0"].Headers)

	// Autocommit is enabled: messages carry no per-message commit hook.
	require.Nil(t, byKey["k-0"].Commit)

	require.NoError(t, s.Close(context.Background()))

	// The terminal sentinel arrives exactly once, after drain.
	_, open := <-s.Messages()
	require.False(t, open)

	// Autocommit stored the next offsets.
	require.Eventually(t, func() bool {
		committed := f.group.Committed()
		return committed["events"][0] == 2 && committed["events"][1] == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStreamDeserializers(t *testing.T) {
	f := newFixture(t)
	f.logs[0].append(t, records.Record{Key: []byte("7"), Value: []byte("payload"), Timestamp: testTime})

	c := f.newConsumer(t, nil)
	s, err := c.Consume(context.Background(), consumer.StreamOptions{
		Topics: []string{"events"},
		Mode:   consumer.ModeEarliest,
		Deserializers: consumer.Deserializers{
			Key:   func(b []byte) (interface{}, error) { return string(b), nil },
			Value: func(b []byte) (interface{}, error) { return len(b), nil },
		},
	})
	require.NoError(t, err)
	defer s.Close(context.Background())

	msgs := collect(t, s, 1, 5*time.Second)
	require.Equal(t, "7", msgs[0].Key)
	require.Equal(t, 7, msgs[0].Value)
}

func TestFetchNoOverlapPerLeader(t *testing.T) {
	f := newFixture(t)

	var inflight, maxInflight atomic.Int64
	f.broker.Handle(apis.KeyFetch, func(req *kafkatest.Request) []byte {
		cur := inflight.Inc()
		for {
			prev := maxInflight.Load()
			if cur <= prev || maxInflight.CompareAndSwap(prev, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond) // make overlap likely if it can happen
		inflight.Dec()

		wanted := kafkatest.ParseFetch(req)
		var parts []kafkatest.FetchPartition
		for p, from := range wanted[topicID] {
			parts = append(parts, kafkatest.FetchPartition{
				Partition:     p,
				HighWatermark: f.logs[p].end,
				Records:       f.logs[p].read(from),
			})
		}
		return kafkatest.FetchBody(topicID, parts...)
	})

	c := f.newConsumer(t, nil)
	s, err := c.Consume(context.Background(), consumer.StreamOptions{
		Topics: []string{"events"},
		Mode:   consumer.ModeEarliest,
	})
	require.NoError(t, err)

	time.Sleep(400 * time.Millisecond)
	require.NoError(t, s.Close(context.Background()))

	require.Greater(t, f.broker.Requests(apis.KeyFetch), int64(1))
	require.Equal(t, int64(1), maxInflight.Load(), "two fetches were in flight to one leader")
}

func TestManualCommitAndCommittedResume(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 12; i++ {
		f.logs[0].append(t, records.Record{Value: []byte{byte(i)}, Timestamp: testTime})
	}

	// First consumer: manual commits, commit only offset 10 on partition 0.
	c1 := f.newConsumer(t, func(cfg *consumer.Config) { cfg.Autocommit = false })
	s1, err := c1.Consume(context.Background(), consumer.StreamOptions{
		Topics: []string{"events"},
		Mode:   consumer.ModeEarliest,
	})
	require.NoError(t, err)

	msgs := collect(t, s1, 11, 5*time.Second)
	var target consumer.Message
	for _, m := range msgs {
		if m.Offset == 10 {
			target = m
		}
	}
	require.NotNil(t, target.Commit, "manual mode must expose the commit hook")
	require.NoError(t, target.Commit(context.Background()))

	require.NoError(t, s1.Close(context.Background()))
	require.NoError(t, c1.Close(context.Background(), true))
	require.Equal(t, int64(11), f.group.Committed()["events"][0])

	// Second consumer resumes from the commit on partition 0 and falls
	// back to earliest on the uncommitted partitions.
	c2 := f.newConsumer(t, func(cfg *consumer.Config) { cfg.Autocommit = false })
	s2, err := c2.Consume(context.Background(), consumer.StreamOptions{
		Topics:       []string{"events"},
		Mode:         consumer.ModeCommitted,
		FallbackMode: consumer.FallbackEarliest,
	})
	require.NoError(t, err)
	defer s2.Close(context.Background())

	resumed := collect(t, s2, 1, 5*time.Second)
	require.Equal(t, int64(11), resumed[0].Offset)
	require.Equal(t, []byte{11}, resumed[0].Value)
}

func TestCommittedFallbackFail(t *testing.T) {
	f := newFixture(t)
	c := f.newConsumer(t, nil)

	_, err := c.Consume(context.Background(), consumer.StreamOptions{
		Topics:       []string{"events"},
		Mode:         consumer.ModeCommitted,
		FallbackMode: consumer.FallbackFail,
	})
	require.Error(t, err)
	require.True(t, errs.HasAnyKind(err, errs.KindUser))
}

func TestManualModeValidation(t *testing.T) {
	f := newFixture(t)
	c := f.newConsumer(t, nil)

	_, err := c.Consume(context.Background(), consumer.StreamOptions{
		Topics: []string{"events"},
		Mode:   consumer.ModeManual,
	})
	require.Error(t, err)
	require.True(t, errs.HasAnyKind(err, errs.KindUser))

	_, err = c.Consume(context.Background(), consumer.StreamOptions{
		Topics:  []string{"events"},
		Mode:    consumer.ModeEarliest,
		Offsets: []consumer.CommitOffset{{Topic: "events", Partition: 0, Offset: 1}},
	})
	require.Error(t, err)
	require.True(t, errs.HasAnyKind(err, errs.KindUser))
}

func TestManualModeStartsAtSuppliedOffsets(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		f.logs[0].append(t, records.Record{Value: []byte{byte(i)}, Timestamp: testTime})
	}

	c := f.newConsumer(t, nil)
	s, err := c.Consume(context.Background(), consumer.StreamOptions{
		Topics: []string{"events"},
		Mode:   consumer.ModeManual,
		Offsets: []consumer.CommitOffset{
			{Topic: "events", Partition: 0, Offset: 3},
			{Topic: "events", Partition: 1, Offset: 0},
			{Topic: "events", Partition: 2, Offset: 0},
		},
	})
	require.NoError(t, err)
	defer s.Close(context.Background())

	msgs := collect(t, s, 2, 5*time.Second)
	require.Equal(t, int64(3), msgs[0].Offset)
	require.Equal(t, int64(4), msgs[1].Offset)
}

func TestCorruptBatchFailsStreamWithoutAdvancing(t *testing.T) {
	f := newFixture(t)
	f.logs[0].append(t, records.Record{Value: []byte("x"), Timestamp: testTime})

	commitsBefore := f.group.Committed()
	require.Empty(t, commitsBefore)

	f.broker.Handle(apis.KeyFetch, func(req *kafkatest.Request) []byte {
		wanted := kafkatest.ParseFetch(req)
		var parts []kafkatest.FetchPartition
		for p, from := range wanted[topicID] {
			raw := f.logs[p].read(from)
			if len(raw) > 0 {
				raw = append([]byte{}, raw...)
				raw[len(raw)-1] ^= 0x01 // corrupt the batch body
			}
			parts = append(parts, kafkatest.FetchPartition{
				Partition:     p,
				HighWatermark: f.logs[p].end,
				Records:       raw,
			})
		}
		return kafkatest.FetchBody(topicID, parts...)
	})

	c := f.newConsumer(t, nil)
	s, err := c.Consume(context.Background(), consumer.StreamOptions{
		Topics: []string{"events"},
		Mode:   consumer.ModeEarliest,
	})
	require.NoError(t, err)

	// The stream terminates with a protocol-classified error and no
	// message was delivered or committed.
	var delivered int
	for range s.Messages() {
		delivered++
	}
	require.Zero(t, delivered)
	require.Error(t, s.Err())
	require.Equal(t, errs.KindProtocol, errs.KindOf(s.Err()))
	require.Empty(t, f.group.Committed())
}

func TestHeartbeatRejoinOnRebalance(t *testing.T) {
	f := newFixture(t)

	var rebalances atomic.Int64
	var failOnce atomic.Bool
	failOnce.Store(true)
	f.broker.Handle(apis.KeyHeartbeat, func(*kafkatest.Request) []byte {
		if failOnce.CompareAndSwap(true, false) {
			return kafkatest.ErrorBody(kerr.RebalanceInProgress.Code)
		}
		return kafkatest.ErrorBody(0)
	})

	c := f.newConsumer(t, func(cfg *consumer.Config) {
		cfg.HeartbeatInterval = 50 * time.Millisecond
	})
	c.OnRebalance = func() { rebalances.Inc() }

	s, err := c.Consume(context.Background(), consumer.StreamOptions{
		Topics: []string{"events"},
		Mode:   consumer.ModeEarliest,
	})
	require.NoError(t, err)
	defer s.Close(context.Background())

	// The rebalance triggers a second join round.
	require.Eventually(t, func() bool {
		return c.GenerationID() >= 2 && rebalances.Load() >= 1
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, map[string][]int32{"events": {0, 1, 2}}, c.Assignments())
}

func TestUnknownMemberIDClearsAndRejoins(t *testing.T) {
	f := newFixture(t)

	// The very first join is rejected with UNKNOWN_MEMBER_ID; the member
	// id must be cleared and the join repeated.
	var joinAttempts atomic.Int64
	var mtx sync.Mutex
	var joinMemberIDs []string
	f.broker.Handle(apis.KeyJoinGroup, func(req *kafkatest.Request) []byte {
		memberID, topics := kafkatest.ParseJoinGroup(req)
		mtx.Lock()
		joinMemberIDs = append(joinMemberIDs, memberID)
		mtx.Unlock()
		if joinAttempts.Inc() == 1 {
			return kafkatest.JoinGroupErrorBody(kerr.UnknownMemberID.Code, "")
		}
		if memberID == "" {
			memberID = "member-1"
		}
		sub := (&apis.SubscriptionMetadata{Topics: topics}).Encode()
		return kafkatest.JoinGroupBody(1, "roundrobin", memberID, memberID, []kafkatest.JoinedMember{{MemberID: memberID, Metadata: sub}})
	})

	c := f.newConsumer(t, nil)
	s, err := c.Consume(context.Background(), consumer.StreamOptions{
		Topics: []string{"events"},
		Mode:   consumer.ModeEarliest,
	})
	require.NoError(t, err)
	defer s.Close(context.Background())

	require.GreaterOrEqual(t, joinAttempts.Load(), int64(2))
	require.Equal(t, "member-1", c.MemberID())
	mtx.Lock()
	require.Empty(t, joinMemberIDs[1], "member id must be reset after UNKNOWN_MEMBER_ID")
	mtx.Unlock()
}

func TestMemberIDRequiredFlow(t *testing.T) {
	f := newFixture(t)

	var joinAttempts atomic.Int64
	var mtx sync.Mutex
	var joinMemberIDs []string
	f.broker.Handle(apis.KeyJoinGroup, func(req *kafkatest.Request) []byte {
		memberID, topics := kafkatest.ParseJoinGroup(req)
		mtx.Lock()
		joinMemberIDs = append(joinMemberIDs, memberID)
		mtx.Unlock()
		if joinAttempts.Inc() == 1 {
			return kafkatest.JoinGroupErrorBody(kerr.MemberIDRequired.Code, "assigned-7")
		}
		sub := (&apis.SubscriptionMetadata{Topics: topics}).Encode()
		return kafkatest.JoinGroupBody(1, "roundrobin", memberID, memberID, []kafkatest.JoinedMember{{MemberID: memberID, Metadata: sub}})
	})

	c := f.newConsumer(t, nil)
	s, err := c.Consume(context.Background(), consumer.StreamOptions{
		Topics: []string{"events"},
		Mode:   consumer.ModeEarliest,
	})
	require.NoError(t, err)
	defer s.Close(context.Background())

	require.Equal(t, "assigned-7", c.MemberID())
	mtx.Lock()
	require.Equal(t, "assigned-7", joinMemberIDs[1])
	mtx.Unlock()
}

func TestCloseRefusesWithLiveStreams(t *testing.T) {
	f := newFixture(t)
	c := f.newConsumer(t, nil)

	s, err := c.Consume(context.Background(), consumer.StreamOptions{
		Topics: []string{"events"},
		Mode:   consumer.ModeEarliest,
	})
	require.NoError(t, err)

	err = c.Close(context.Background(), false)
	require.Error(t, err)
	require.True(t, errs.HasAnyKind(err, errs.KindUser))

	// Force close tears the stream down and leaves the group.
	require.NoError(t, c.Close(context.Background(), true))
	require.Equal(t, 1, f.group.Leaves())
	require.Empty(t, c.MemberID())

	_, open := <-s.Messages()
	require.False(t, open)
}

func TestCloseSwallowsUnknownMemberIDOnLeave(t *testing.T) {
	f := newFixture(t)
	f.broker.Handle(apis.KeyLeaveGroup, func(req *kafkatest.Request) []byte {
		return kafkatest.LeaveGroupBody("member-1", kerr.UnknownMemberID.Code)
	})

	c := f.newConsumer(t, nil)
	s, err := c.Consume(context.Background(), consumer.StreamOptions{
		Topics: []string{"events"},
		Mode:   consumer.ModeEarliest,
	})
	require.NoError(t, err)
	_ = s

	require.NoError(t, c.Close(context.Background(), true))
}

func TestPeriodicAutocommit(t *testing.T) {
	f := newFixture(t)
	f.logs[0].append(t, records.Record{Value: []byte("a"), Timestamp: testTime})

	c := f.newConsumer(t, func(cfg *consumer.Config) {
		cfg.Autocommit = false
		cfg.AutocommitInterval = 50 * time.Millisecond
	})
	s, err := c.Consume(context.Background(), consumer.StreamOptions{
		Topics: []string{"events"},
		Mode:   consumer.ModeEarliest,
	})
	require.NoError(t, err)
	defer s.Close(context.Background())

	collect(t, s, 1, 5*time.Second)
	require.Eventually(t, func() bool {
		return f.group.Committed()["events"][0] == 1
	}, 3*time.Second, 20*time.Millisecond)
}
