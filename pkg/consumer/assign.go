package consumer

import (
	"fmt"
	"sort"

	"github.com/grafana/kafkaclient/pkg/client"
)

// MemberPlan is the leader-computed assignment for one member.
type MemberPlan struct {
	MemberID string
	// Assignments maps topic to the partition indexes owned by the member.
	Assignments map[string][]int32
}

// Assigner computes the group's partition assignment on the leader. It
// receives the leader's own member id, every member's subscribed topics, the
// union of subscribed topics, and current metadata.
type Assigner func(self string, members map[string][]string, topics []string, meta *client.ClusterMetadata) ([]MemberPlan, error)

// RoundRobinAssigner deals partitions out one at a time: topics in sorted
// order, each partition index to the next member in rotation. A lone member
// receives every partition of its subscribed topics.
func RoundRobinAssigner(self string, members map[string][]string, topics []string, meta *client.ClusterMetadata) ([]MemberPlan, error) {
	sortedTopics := append([]string{}, topics...)
	sort.Strings(sortedTopics)

	if len(members) == 1 {
		plan := MemberPlan{MemberID: self, Assignments: map[string][]int32{}}
		for _, topic := range sortedTopics {
			tm, ok := meta.Topics[topic]
			if !ok {
				return nil, fmt.Errorf("assigning partitions: topic %q missing from metadata", topic)
			}
			for p := int32(0); p < tm.PartitionsCount; p++ {
				plan.Assignments[topic] = append(plan.Assignments[topic], p)
			}
		}
		return []MemberPlan{plan}, nil
	}

	memberIDs := make([]string, 0, len(members))
	for id := range members {
		memberIDs = append(memberIDs, id)
	}
	sort.Strings(memberIDs)

	plans := make(map[string]*MemberPlan, len(memberIDs))
	for _, id := range memberIDs {
		plans[id] = &MemberPlan{MemberID: id, Assignments: map[string][]int32{}}
	}

	i := 0
	for _, topic := range sortedTopics {
		tm, ok := meta.Topics[topic]
		if !ok {
			return nil, fmt.Errorf("assigning partitions: topic %q missing from metadata", topic)
		}
		for p := int32(0); p < tm.PartitionsCount; p++ {
			member := memberIDs[i%len(memberIDs)]
			i++
			plans[member].Assignments[topic] = append(plans[member].Assignments[topic], p)
		}
	}

	out := make([]MemberPlan, 0, len(memberIDs))
	for _, id := range memberIDs {
		out = append(out, *plans[id])
	}
	return out, nil
}
