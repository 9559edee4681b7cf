package apis

import (
	"github.com/grafana/kafkaclient/pkg/protocol"
)

type OffsetCommitRequestPartition struct {
	PartitionIndex       int32
	CommittedOffset      int64
	CommittedLeaderEpoch int32
	CommittedMetadata    *string
}

type OffsetCommitRequestTopic struct {
	Name       string
	Partitions []OffsetCommitRequestPartition
}

// OffsetCommitRequest stores consumed offsets with the group coordinator.
type OffsetCommitRequest struct {
	version

	GroupID         string
	GenerationID    int32
	MemberID        string
	GroupInstanceID *string
	Topics          []OffsetCommitRequestTopic
}

func (*OffsetCommitRequest) Key() int16        { return KeyOffsetCommit }
func (*OffsetCommitRequest) MinVersion() int16 { return 8 }
func (*OffsetCommitRequest) MaxVersion() int16 { return 9 }
func (*OffsetCommitRequest) IsFlexible() bool  { return true }

func (r *OffsetCommitRequest) AppendTo(w *protocol.Writer) {
	w.WriteCompactString(r.GroupID)
	w.WriteInt32(r.GenerationID)
	w.WriteCompactString(r.MemberID)
	w.WriteCompactNullableString(r.GroupInstanceID)
	w.WriteCompactArrayLen(len(r.Topics))
	for _, t := range r.Topics {
		w.WriteCompactString(t.Name)
		w.WriteCompactArrayLen(len(t.Partitions))
		for _, p := range t.Partitions {
			w.WriteInt32(p.PartitionIndex)
			w.WriteInt64(p.CommittedOffset)
			w.WriteInt32(p.CommittedLeaderEpoch)
			w.WriteCompactNullableString(p.CommittedMetadata)
			w.WriteEmptyTaggedFields()
		}
		w.WriteEmptyTaggedFields()
	}
	w.WriteEmptyTaggedFields()
}

func (r *OffsetCommitRequest) ResponseKind() Response {
	resp := &OffsetCommitResponse{}
	resp.SetVersion(r.GetVersion())
	return resp
}

type OffsetCommitResponsePartition struct {
	PartitionIndex int32
	ErrorCode      int16
}

type OffsetCommitResponseTopic struct {
	Name       string
	Partitions []OffsetCommitResponsePartition
}

type OffsetCommitResponse struct {
	version

	ThrottleMillis int32
	Topics         []OffsetCommitResponseTopic
}

func (*OffsetCommitResponse) Key() int16 { return KeyOffsetCommit }

func (r *OffsetCommitResponse) ReadFrom(raw []byte) error {
	rd := protocol.NewReader(raw)
	r.ThrottleMillis = rd.ReadInt32()
	nTopics := rd.ReadCompactArrayLen()
	for i := 0; i < nTopics && rd.Err() == nil; i++ {
		t := OffsetCommitResponseTopic{Name: rd.ReadCompactString()}
		nParts := rd.ReadCompactArrayLen()
		for j := 0; j < nParts && rd.Err() == nil; j++ {
			p := OffsetCommitResponsePartition{
				PartitionIndex: rd.ReadInt32(),
				ErrorCode:      rd.ReadInt16(),
			}
			rd.SkipTaggedFields()
			t.Partitions = append(t.Partitions, p)
		}
		rd.SkipTaggedFields()
		r.Topics = append(r.Topics, t)
	}
	rd.SkipTaggedFields()
	return rd.Complete()
}
