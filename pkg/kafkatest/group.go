package kafkatest

import (
	"sync"

	"github.com/google/uuid"

	"github.com/grafana/kafkaclient/pkg/apis"
	"github.com/grafana/kafkaclient/pkg/protocol"
)

// JoinedMember is one member echoed in a leader's JoinGroup response.
type JoinedMember struct {
	MemberID string
	Metadata []byte
}

// JoinGroupBody renders a successful v9 join response.
func JoinGroupBody(generation int32, protocolName, leader, memberID string, members []JoinedMember) []byte {
	w := protocol.NewWriter(256)
	w.WriteInt32(0) // throttle
	w.WriteInt16(0) // error
	w.WriteInt32(generation)
	protoType := "consumer"
	w.WriteCompactNullableString(&protoType)
	w.WriteCompactNullableString(&protocolName)
	w.WriteCompactString(leader)
	w.WriteBool(false) // skip assignment
	w.WriteCompactString(memberID)
	w.WriteCompactArrayLen(len(members))
	for _, m := range members {
		w.WriteCompactString(m.MemberID)
		w.WriteCompactNullableString(nil)
		w.WriteCompactBytes(m.Metadata)
		w.WriteEmptyTaggedFields()
	}
	w.WriteEmptyTaggedFields()
	return w.Bytes()
}

// JoinGroupErrorBody renders a failed join; memberID is echoed for the
// MEMBER_ID_REQUIRED flow.
func JoinGroupErrorBody(code int16, memberID string) []byte {
	w := protocol.NewWriter(64)
	w.WriteInt32(0)
	w.WriteInt16(code)
	w.WriteInt32(-1)
	w.WriteCompactNullableString(nil)
	w.WriteCompactNullableString(nil)
	w.WriteCompactString("")
	w.WriteBool(false)
	w.WriteCompactString(memberID)
	w.WriteCompactArrayLen(0)
	w.WriteEmptyTaggedFields()
	return w.Bytes()
}

// ParseJoinGroup extracts the fields tests assert on.
func ParseJoinGroup(req *Request) (memberID string, topics []string) {
	rd := req.Reader()
	_ = rd.ReadCompactString() // group
	_ = rd.ReadInt32()         // session timeout
	_ = rd.ReadInt32()         // rebalance timeout
	memberID = rd.ReadCompactString()
	_ = rd.ReadCompactNullableString() // instance id
	_ = rd.ReadCompactString()         // protocol type
	n := rd.ReadCompactArrayLen()
	for i := 0; i < n && rd.Err() == nil; i++ {
		_ = rd.ReadCompactString() // protocol name
		meta := rd.ReadCompactBytes()
		rd.SkipTaggedFields()
		if i == 0 {
			if sub, err := apis.DecodeSubscriptionMetadata(meta); err == nil {
				topics = sub.Topics
			}
		}
	}
	return memberID, topics
}

// ParseSyncGroup extracts the per-member assignments of a sync request.
func ParseSyncGroup(req *Request) (memberID string, assignments map[string][]byte) {
	rd := req.Reader()
	_ = rd.ReadCompactString() // group
	_ = rd.ReadInt32()         // generation
	memberID = rd.ReadCompactString()
	_ = rd.ReadCompactNullableString() // instance id
	if req.Version >= 5 {
		_ = rd.ReadCompactNullableString() // protocol type
		_ = rd.ReadCompactNullableString() // protocol name
	}
	assignments = map[string][]byte{}
	n := rd.ReadCompactArrayLen()
	for i := 0; i < n && rd.Err() == nil; i++ {
		id := rd.ReadCompactString()
		assignments[id] = rd.ReadCompactBytes()
		rd.SkipTaggedFields()
	}
	return memberID, assignments
}

// SyncGroupBody renders a successful sync response carrying assignment.
func SyncGroupBody(assignment []byte) []byte {
	w := protocol.NewWriter(128)
	w.WriteInt32(0)
	w.WriteInt16(0)
	w.WriteCompactNullableString(nil)
	w.WriteCompactNullableString(nil)
	w.WriteCompactBytes(assignment)
	w.WriteEmptyTaggedFields()
	return w.Bytes()
}

// LeaveGroupBody renders a leave response for one member with the given
// error code on the member entry.
func LeaveGroupBody(memberID string, memberCode int16) []byte {
	w := protocol.NewWriter(64)
	w.WriteInt32(0)
	w.WriteInt16(0)
	w.WriteCompactArrayLen(1)
	w.WriteCompactString(memberID)
	w.WriteCompactNullableString(nil)
	w.WriteInt16(memberCode)
	w.WriteEmptyTaggedFields()
	w.WriteEmptyTaggedFields()
	return w.Bytes()
}

// ListOffsetsBody resolves every partition in offsets at the offset given for
// it.
func ListOffsetsBody(offsets map[string]map[int32]int64) []byte {
	w := protocol.NewWriter(256)
	w.WriteInt32(0) // throttle
	w.WriteCompactArrayLen(len(offsets))
	for topic, parts := range offsets {
		w.WriteCompactString(topic)
		w.WriteCompactArrayLen(len(parts))
		for p, off := range parts {
			w.WriteInt32(p)
			w.WriteInt16(0)
			w.WriteInt64(-1) // timestamp
			w.WriteInt64(off)
			w.WriteInt32(0) // leader epoch
			w.WriteEmptyTaggedFields()
		}
		w.WriteEmptyTaggedFields()
	}
	w.WriteEmptyTaggedFields()
	return w.Bytes()
}

// OffsetFetchBody reports committed offsets for one group; -1 entries mean
// no commit.
func OffsetFetchBody(groupID string, offsets map[string]map[int32]int64) []byte {
	w := protocol.NewWriter(256)
	w.WriteInt32(0) // throttle
	w.WriteCompactArrayLen(1)
	w.WriteCompactString(groupID)
	w.WriteCompactArrayLen(len(offsets))
	for topic, parts := range offsets {
		w.WriteCompactString(topic)
		w.WriteCompactArrayLen(len(parts))
		for p, off := range parts {
			w.WriteInt32(p)
			w.WriteInt64(off)
			w.WriteInt32(-1) // leader epoch
			w.WriteCompactNullableString(nil)
			w.WriteInt16(0)
			w.WriteEmptyTaggedFields()
		}
		w.WriteEmptyTaggedFields()
	}
	w.WriteInt16(0) // group error
	w.WriteEmptyTaggedFields()
	w.WriteEmptyTaggedFields()
	return w.Bytes()
}

// ParseOffsetCommit extracts committed offsets from a commit request.
func ParseOffsetCommit(req *Request) map[string]map[int32]int64 {
	rd := req.Reader()
	_ = rd.ReadCompactString()         // group
	_ = rd.ReadInt32()                 // generation
	_ = rd.ReadCompactString()         // member
	_ = rd.ReadCompactNullableString() // instance id
	out := map[string]map[int32]int64{}
	nTopics := rd.ReadCompactArrayLen()
	for i := 0; i < nTopics && rd.Err() == nil; i++ {
		topic := rd.ReadCompactString()
		out[topic] = map[int32]int64{}
		nParts := rd.ReadCompactArrayLen()
		for j := 0; j < nParts && rd.Err() == nil; j++ {
			p := rd.ReadInt32()
			off := rd.ReadInt64()
			_ = rd.ReadInt32()                 // leader epoch
			_ = rd.ReadCompactNullableString() // metadata
			rd.SkipTaggedFields()
			out[topic][p] = off
		}
		rd.SkipTaggedFields()
	}
	return out
}

// OffsetCommitAckBody acks every partition of a parsed commit request.
func OffsetCommitAckBody(committed map[string]map[int32]int64) []byte {
	w := protocol.NewWriter(128)
	w.WriteInt32(0) // throttle
	w.WriteCompactArrayLen(len(committed))
	for topic, parts := range committed {
		w.WriteCompactString(topic)
		w.WriteCompactArrayLen(len(parts))
		for p := range parts {
			w.WriteInt32(p)
			w.WriteInt16(0)
			w.WriteEmptyTaggedFields()
		}
		w.WriteEmptyTaggedFields()
	}
	w.WriteEmptyTaggedFields()
	return w.Bytes()
}

// FetchPartition is one partition's payload in a scripted fetch response.
type FetchPartition struct {
	Partition     int32
	ErrorCode     int16
	HighWatermark int64
	// Records is raw concatenated record batch bytes.
	Records []byte
}

// FetchBody renders a fetch response for one topic id.
func FetchBody(topicID uuid.UUID, parts ...FetchPartition) []byte {
	w := protocol.NewWriter(512)
	w.WriteInt32(0) // throttle
	w.WriteInt16(0) // error
	w.WriteInt32(0) // session id
	w.WriteCompactArrayLen(1)
	w.WriteUUID(topicID)
	w.WriteCompactArrayLen(len(parts))
	for _, p := range parts {
		w.WriteInt32(p.Partition)
		w.WriteInt16(p.ErrorCode)
		w.WriteInt64(p.HighWatermark)
		w.WriteInt64(p.HighWatermark) // last stable offset
		w.WriteInt64(0)               // log start offset
		w.WriteCompactArrayLen(0)     // aborted transactions
		w.WriteInt32(-1)              // preferred read replica
		w.WriteCompactBytes(p.Records)
		w.WriteEmptyTaggedFields()
	}
	w.WriteEmptyTaggedFields()
	w.WriteEmptyTaggedFields()
	return w.Bytes()
}

// ParseFetch extracts the requested offsets per partition for a topic id.
func ParseFetch(req *Request) map[uuid.UUID]map[int32]int64 {
	rd := req.Reader()
	_ = rd.ReadInt32() // max wait
	_ = rd.ReadInt32() // min bytes
	_ = rd.ReadInt32() // max bytes
	_ = rd.ReadInt8()  // isolation
	_ = rd.ReadInt32() // session id
	_ = rd.ReadInt32() // session epoch
	out := map[uuid.UUID]map[int32]int64{}
	nTopics := rd.ReadCompactArrayLen()
	for i := 0; i < nTopics && rd.Err() == nil; i++ {
		id := rd.ReadUUID()
		out[id] = map[int32]int64{}
		nParts := rd.ReadCompactArrayLen()
		for j := 0; j < nParts && rd.Err() == nil; j++ {
			p := rd.ReadInt32()
			_ = rd.ReadInt32() // leader epoch
			off := rd.ReadInt64()
			_ = rd.ReadInt32() // last fetched epoch
			_ = rd.ReadInt64() // log start
			_ = rd.ReadInt32() // partition max bytes
			rd.SkipTaggedFields()
			out[id][p] = off
		}
		rd.SkipTaggedFields()
	}
	return out
}

// ServeGroup scripts a complete single-member group on the broker: the
// member becomes leader, its own round-robin plan is echoed back on sync,
// heartbeats succeed, commits are stored in memory, and committed offsets
// are served from the same store.
func (b *Broker) ServeGroup(groupID string) *GroupState {
	gs := &GroupState{broker: b, groupID: groupID, committed: map[string]map[int32]int64{}}

	b.Handle(apis.KeyFindCoordinator, func(*Request) []byte {
		return b.FindCoordinatorBody(groupID)
	})
	b.Handle(apis.KeyJoinGroup, func(req *Request) []byte {
		memberID, topics := ParseJoinGroup(req)
		if memberID == "" {
			memberID = "member-1"
		}
		gs.mtx.Lock()
		gs.generation++
		gen := gs.generation
		gs.memberID = memberID
		gs.mtx.Unlock()
		sub := (&apis.SubscriptionMetadata{Topics: topics}).Encode()
		return JoinGroupBody(gen, "roundrobin", memberID, memberID, []JoinedMember{{MemberID: memberID, Metadata: sub}})
	})
	b.Handle(apis.KeySyncGroup, func(req *Request) []byte {
		memberID, assignments := ParseSyncGroup(req)
		return SyncGroupBody(assignments[memberID])
	})
	b.Handle(apis.KeyHeartbeat, func(*Request) []byte {
		return ErrorBody(0)
	})
	b.Handle(apis.KeyLeaveGroup, func(req *Request) []byte {
		gs.mtx.Lock()
		gs.leaves++
		member := gs.memberID
		gs.mtx.Unlock()
		return LeaveGroupBody(member, 0)
	})
	b.Handle(apis.KeyOffsetCommit, func(req *Request) []byte {
		committed := ParseOffsetCommit(req)
		gs.mtx.Lock()
		for topic, parts := range committed {
			if gs.committed[topic] == nil {
				gs.committed[topic] = map[int32]int64{}
			}
			for p, off := range parts {
				gs.committed[topic][p] = off
			}
		}
		gs.mtx.Unlock()
		return OffsetCommitAckBody(committed)
	})
	b.Handle(apis.KeyOffsetFetch, func(req *Request) []byte {
		return OffsetFetchBody(groupID, gs.CommittedOrUnset(req))
	})
	return gs
}

// GroupState is the scripted group's in-memory coordinator state.
type GroupState struct {
	broker  *Broker
	groupID string

	mtx        sync.Mutex
	generation int32
	memberID   string
	leaves     int
	committed  map[string]map[int32]int64
}

// Committed returns a copy of the stored offsets.
func (g *GroupState) Committed() map[string]map[int32]int64 {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	out := map[string]map[int32]int64{}
	for t, parts := range g.committed {
		out[t] = map[int32]int64{}
		for p, off := range parts {
			out[t][p] = off
		}
	}
	return out
}

// SetCommitted seeds the stored offset for one partition.
func (g *GroupState) SetCommitted(topic string, partition int32, offset int64) {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	if g.committed[topic] == nil {
		g.committed[topic] = map[int32]int64{}
	}
	g.committed[topic][partition] = offset
}

// Leaves reports how many leave requests were served.
func (g *GroupState) Leaves() int {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	return g.leaves
}

// CommittedOrUnset answers an offset-fetch request from the store, reporting
// -1 for partitions without a commit.
func (g *GroupState) CommittedOrUnset(req *Request) map[string]map[int32]int64 {
	rd := req.Reader()
	out := map[string]map[int32]int64{}

	nGroups := rd.ReadCompactArrayLen()
	for i := 0; i < nGroups && rd.Err() == nil; i++ {
		_ = rd.ReadCompactString() // group id
		if req.Version >= 9 {
			_ = rd.ReadCompactNullableString() // member id
			_ = rd.ReadInt32()                 // member epoch
		}
		nTopics := rd.ReadCompactArrayLen()
		for j := 0; j < nTopics && rd.Err() == nil; j++ {
			topic := rd.ReadCompactString()
			out[topic] = map[int32]int64{}
			nParts := rd.ReadCompactArrayLen()
			for k := 0; k < nParts && rd.Err() == nil; k++ {
				p := rd.ReadInt32()
				g.mtx.Lock()
				off, ok := g.committed[topic][p]
				g.mtx.Unlock()
				if !ok {
					off = -1
				}
				out[topic][p] = off
			}
			rd.SkipTaggedFields()
		}
		rd.SkipTaggedFields()
	}
	return out
}
