package integration

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/grafana/kafkaclient/pkg/admin"
	"github.com/grafana/kafkaclient/pkg/client"
	"github.com/grafana/kafkaclient/pkg/consumer"
	"github.com/grafana/kafkaclient/pkg/producer"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newStack(t *testing.T) (*cluster, *client.Client) {
	t.Helper()
	c, err := newCluster("it-group")
	require.NoError(t, err)
	t.Cleanup(c.close)

	cl, err := client.New(client.Config{
		BootstrapBrokers: []string{c.broker.Addr().Addr()},
		Retries:          3,
		RetryDelay:       10 * time.Millisecond,
		Timeout:          5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(cl.Close)
	return c, cl
}

func newGroupConsumer(t *testing.T, cl *client.Client) *consumer.Consumer {
	t.Helper()
	co, err := consumer.New(cl, consumer.Config{
		GroupID:           "it-group",
		SessionTimeout:    2 * time.Second,
		RebalanceTimeout:  4 * time.Second,
		HeartbeatInterval: 500 * time.Millisecond,
		MaxWaitTime:       50 * time.Millisecond,
		Autocommit:        true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = co.Close(context.Background(), true) })
	return co
}

func consumeN(t *testing.T, s *consumer.MessageStream, n int) []consumer.Message {
	t.Helper()
	var out []consumer.Message
	deadline := time.After(10 * time.Second)
	for len(out) < n {
		select {
		case msg, ok := <-s.Messages():
			require.True(t, ok, "stream ended early: %v", s.Err())
			out = append(out, msg)
		case <-deadline:
			require.Len(t, out, n, "timed out")
		}
	}
	return out
}

// Admin creates the topic, the producer writes 100 keyed messages, a
// consumer in earliest mode reads the same multiset back.
func TestCreateProduceConsumeRoundTrip(t *testing.T) {
	c, cl := newStack(t)
	_ = c

	a := admin.New(cl)
	require.NoError(t, a.CreateTopics(context.Background(), []admin.TopicSpec{
		{Name: "roundtrip", NumPartitions: 3, ReplicationFactor: 1},
	}))

	topics, err := a.ListTopics(context.Background())
	require.NoError(t, err)
	require.Len(t, topics, 1)
	require.Equal(t, int32(3), topics[0].Partitions)

	p, err := producer.New(cl, producer.Config{})
	require.NoError(t, err)
	defer p.Close()

	var msgs []producer.Message
	for i := 0; i < 100; i++ {
		msgs = append(msgs, producer.Message{
			Topic: "roundtrip",
			Key:   []byte(fmt.Sprintf("k-%d", i)),
			Value: []byte(fmt.Sprintf("v-%d", i)),
		})
	}
	res, err := p.Send(context.Background(), producer.SendOptions{Messages: msgs})
	require.NoError(t, err)
	require.NotEmpty(t, res.Offsets)

	co := newGroupConsumer(t, cl)
	s, err := co.Consume(context.Background(), consumer.StreamOptions{
		Topics: []string{"roundtrip"},
		Mode:   consumer.ModeEarliest,
	})
	require.NoError(t, err)
	defer s.Close(context.Background())

	got := consumeN(t, s, 100)
	pairs := map[string]string{}
	for _, m := range got {
		pairs[string(m.Key.([]byte))] = string(m.Value.([]byte))
	}
	require.Len(t, pairs, 100)
	for i := 0; i < 100; i++ {
		require.Equal(t, fmt.Sprintf("v-%d", i), pairs[fmt.Sprintf("k-%d", i)])
	}
}

// A network fault on the first produce of an idempotent session must not
// duplicate records: the retried batch carries the same sequence and the
// broker drops the copy it already has.
func TestIdempotentRetryNoDuplicates(t *testing.T) {
	c, cl := newStack(t)
	c.addTopic("exactly-once", 1)

	p, err := producer.New(cl, producer.Config{Idempotent: true})
	require.NoError(t, err)
	defer p.Close()

	part := int32(0)
	send := func(values ...string) {
		var msgs []producer.Message
		for _, v := range values {
			msgs = append(msgs, producer.Message{Topic: "exactly-once", Value: []byte(v), Partition: &part})
		}
		_, err := p.Send(context.Background(), producer.SendOptions{Messages: msgs})
		require.NoError(t, err)
	}

	send("a", "b")

	// Kill the connections mid-session; the next send hits a network error
	// and is retried with the same sequence.
	c.broker.DropConnections()
	send("c", "d")
	send("e")

	co := newGroupConsumer(t, cl)
	s, err := co.Consume(context.Background(), consumer.StreamOptions{
		Topics: []string{"exactly-once"},
		Mode:   consumer.ModeEarliest,
	})
	require.NoError(t, err)
	defer s.Close(context.Background())

	got := consumeN(t, s, 5)
	var offsets []int64
	var values []string
	for _, m := range got {
		offsets = append(offsets, m.Offset)
		values = append(values, string(m.Value.([]byte)))
	}
	require.Equal(t, []int64{0, 1, 2, 3, 4}, offsets, "offsets must be strictly monotonic with no duplicates")
	require.Equal(t, []string{"a", "b", "c", "d", "e"}, values)
}

// Records produced with zstd compression come back byte-identical through a
// consumer that never names a codec.
func TestCompressionInterop(t *testing.T) {
	c, cl := newStack(t)
	c.addTopic("compressed", 1)

	p, err := producer.New(cl, producer.Config{Compression: "zstd"})
	require.NoError(t, err)
	defer p.Close()

	part := int32(0)
	var msgs []producer.Message
	for i := 0; i < 50; i++ {
		msgs = append(msgs, producer.Message{
			Topic:     "compressed",
			Value:     []byte(fmt.Sprintf("payload-%d", i)),
			Partition: &part,
		})
	}
	_, err = p.Send(context.Background(), producer.SendOptions{Messages: msgs})
	require.NoError(t, err)

	co := newGroupConsumer(t, cl)
	s, err := co.Consume(context.Background(), consumer.StreamOptions{
		Topics: []string{"compressed"},
		Mode:   consumer.ModeEarliest,
	})
	require.NoError(t, err)
	defer s.Close(context.Background())

	got := consumeN(t, s, 50)
	for i, m := range got {
		require.Equal(t, fmt.Sprintf("payload-%d", i), string(m.Value.([]byte)))
		require.Equal(t, int64(i), m.Offset)
	}
}
