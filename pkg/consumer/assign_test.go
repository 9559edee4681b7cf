package consumer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/grafana/kafkaclient/pkg/client"
)

func metaWith(topics map[string]int32) *client.ClusterMetadata {
	meta := &client.ClusterMetadata{Topics: map[string]*client.TopicMetadata{}}
	for name, count := range topics {
		tm := &client.TopicMetadata{PartitionsCount: count}
		for p := int32(0); p < count; p++ {
			tm.Partitions = append(tm.Partitions, client.PartitionMetadata{Index: p, Leader: 1})
		}
		meta.Topics[name] = tm
	}
	return meta
}

func TestRoundRobinSingleMemberTakesEverything(t *testing.T) {
	meta := metaWith(map[string]int32{"events": 3, "logs": 2})
	plans, err := RoundRobinAssigner("m1", map[string][]string{"m1": {"events", "logs"}}, []string{"events", "logs"}, meta)
	require.NoError(t, err)
	require.Len(t, plans, 1)
	require.Equal(t, "m1", plans[0].MemberID)
	require.Equal(t, []int32{0, 1, 2}, plans[0].Assignments["events"])
	require.Equal(t, []int32{0, 1}, plans[0].Assignments["logs"])
}

func TestRoundRobinDealsPartitionsAcrossMembers(t *testing.T) {
	meta := metaWith(map[string]int32{"events": 3})
	members := map[string][]string{"m1": {"events"}, "m2": {"events"}}
	plans, err := RoundRobinAssigner("m1", members, []string{"events"}, meta)
	require.NoError(t, err)
	require.Len(t, plans, 2)

	// The union covers every partition exactly once.
	seen := map[int32]string{}
	for _, plan := range plans {
		for _, p := range plan.Assignments["events"] {
			_, dup := seen[p]
			require.False(t, dup, "partition %d assigned twice", p)
			seen[p] = plan.MemberID
		}
	}
	require.Len(t, seen, 3)

	// Sorted member iteration makes the deal deterministic.
	require.Equal(t, []int32{0, 2}, plans[0].Assignments["events"])
	require.Equal(t, []int32{1}, plans[1].Assignments["events"])
}

func TestRoundRobinMultipleTopicsContinueRotation(t *testing.T) {
	meta := metaWith(map[string]int32{"a": 2, "b": 2})
	members := map[string][]string{"m1": {"a", "b"}, "m2": {"a", "b"}}
	plans, err := RoundRobinAssigner("m1", members, []string{"b", "a"}, meta)
	require.NoError(t, err)

	// Topics are walked in sorted order; the rotation index carries over
	// between topics.
	require.Equal(t, []int32{0}, plans[0].Assignments["a"])
	require.Equal(t, []int32{0}, plans[0].Assignments["b"])
	require.Equal(t, []int32{1}, plans[1].Assignments["a"])
	require.Equal(t, []int32{1}, plans[1].Assignments["b"])
}

func TestRoundRobinMissingTopicMetadata(t *testing.T) {
	meta := metaWith(map[string]int32{"a": 1})
	_, err := RoundRobinAssigner("m1", map[string][]string{"m1": {"a", "gone"}, "m2": {"a"}}, []string{"a", "gone"}, meta)
	require.Error(t, err)
}

func TestConfigValidation(t *testing.T) {
	cfg := Config{}
	cfg.ApplyDefaults()
	require.Error(t, cfg.Validate()) // no group id

	cfg = Config{GroupID: "g"}
	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())

	cfg = Config{GroupID: "g", SessionTimeout: 10 * time.Second, RebalanceTimeout: 5 * time.Second}
	cfg.ApplyDefaults()
	require.Error(t, cfg.Validate())

	cfg = Config{GroupID: "g", HeartbeatInterval: 40 * time.Second}
	cfg.ApplyDefaults()
	require.Error(t, cfg.Validate())

	cfg = Config{GroupID: "g", IsolationLevel: "dirty-read"}
	cfg.ApplyDefaults()
	require.Error(t, cfg.Validate())
}
