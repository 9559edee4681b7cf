package apis

import (
	"github.com/grafana/kafkaclient/pkg/protocol"
)

// The classic consumer embedded protocol: opaque bytes carried inside
// JoinGroup metadata and SyncGroup assignments. These use the regular
// (non-compact) encodings regardless of the outer request's version, so that
// every client implementation in a mixed group agrees on them.

// SubscriptionMetadata is the member metadata offered on JoinGroup.
type SubscriptionMetadata struct {
	Version  int16
	Topics   []string
	UserData []byte
}

// Encode returns the wire form of the subscription.
func (s *SubscriptionMetadata) Encode() []byte {
	w := protocol.NewWriter(64)
	w.WriteInt16(s.Version)
	w.WriteArrayLen(len(s.Topics))
	for _, t := range s.Topics {
		w.WriteString(t)
	}
	w.WriteBytes(notNil(s.UserData))
	return w.Bytes()
}

// notNil keeps user data a zero-length bytes field rather than a null one,
// matching what the reference clients emit.
func notNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

// DecodeSubscriptionMetadata parses a member's JoinGroup metadata.
func DecodeSubscriptionMetadata(raw []byte) (*SubscriptionMetadata, error) {
	rd := protocol.NewReader(raw)
	s := &SubscriptionMetadata{Version: rd.ReadInt16()}
	n := rd.ReadArrayLen()
	for i := 0; i < n && rd.Err() == nil; i++ {
		s.Topics = append(s.Topics, rd.ReadString())
	}
	s.UserData = rd.ReadBytes()
	return s, rd.Complete()
}

// MemberAssignmentTopic is one topic's partitions in an assignment plan.
type MemberAssignmentTopic struct {
	Topic      string
	Partitions []int32
}

// MemberAssignment is the plan the leader hands each member via SyncGroup.
type MemberAssignment struct {
	Version  int16
	Topics   []MemberAssignmentTopic
	UserData []byte
}

// Encode returns the wire form of the assignment.
func (a *MemberAssignment) Encode() []byte {
	w := protocol.NewWriter(64)
	w.WriteInt16(a.Version)
	w.WriteArrayLen(len(a.Topics))
	for _, t := range a.Topics {
		w.WriteString(t.Topic)
		w.WriteArrayLen(len(t.Partitions))
		for _, p := range t.Partitions {
			w.WriteInt32(p)
		}
	}
	w.WriteBytes(notNil(a.UserData))
	return w.Bytes()
}

// DecodeMemberAssignment parses the assignment bytes from a SyncGroup
// response.
func DecodeMemberAssignment(raw []byte) (*MemberAssignment, error) {
	rd := protocol.NewReader(raw)
	a := &MemberAssignment{Version: rd.ReadInt16()}
	n := rd.ReadArrayLen()
	for i := 0; i < n && rd.Err() == nil; i++ {
		t := MemberAssignmentTopic{Topic: rd.ReadString()}
		nParts := rd.ReadArrayLen()
		for j := 0; j < nParts && rd.Err() == nil; j++ {
			t.Partitions = append(t.Partitions, rd.ReadInt32())
		}
		a.Topics = append(a.Topics, t)
	}
	a.UserData = rd.ReadBytes()
	return a, rd.Complete()
}
