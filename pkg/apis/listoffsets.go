package apis

import (
	"github.com/grafana/kafkaclient/pkg/protocol"
)

// Sentinel timestamps for list-offsets requests.
const (
	ListOffsetsLatest   int64 = -1
	ListOffsetsEarliest int64 = -2
)

type ListOffsetsRequestPartition struct {
	PartitionIndex     int32
	CurrentLeaderEpoch int32
	Timestamp          int64
}

type ListOffsetsRequestTopic struct {
	Name       string
	Partitions []ListOffsetsRequestPartition
}

// ListOffsetsRequest resolves log offsets by timestamp, including the
// earliest/latest sentinels.
type ListOffsetsRequest struct {
	version

	ReplicaID      int32
	IsolationLevel int8
	Topics         []ListOffsetsRequestTopic
}

func (*ListOffsetsRequest) Key() int16        { return KeyListOffsets }
func (*ListOffsetsRequest) MinVersion() int16 { return 6 }
func (*ListOffsetsRequest) MaxVersion() int16 { return 9 }
func (*ListOffsetsRequest) IsFlexible() bool  { return true }

func (r *ListOffsetsRequest) AppendTo(w *protocol.Writer) {
	replica := r.ReplicaID
	if replica == 0 {
		replica = -1 // ordinary consumer
	}
	w.WriteInt32(replica)
	w.WriteInt8(r.IsolationLevel)
	w.WriteCompactArrayLen(len(r.Topics))
	for _, t := range r.Topics {
		w.WriteCompactString(t.Name)
		w.WriteCompactArrayLen(len(t.Partitions))
		for _, p := range t.Partitions {
			w.WriteInt32(p.PartitionIndex)
			w.WriteInt32(p.CurrentLeaderEpoch)
			w.WriteInt64(p.Timestamp)
			w.WriteEmptyTaggedFields()
		}
		w.WriteEmptyTaggedFields()
	}
	w.WriteEmptyTaggedFields()
}

func (r *ListOffsetsRequest) ResponseKind() Response {
	resp := &ListOffsetsResponse{}
	resp.SetVersion(r.GetVersion())
	return resp
}

type ListOffsetsResponsePartition struct {
	PartitionIndex int32
	ErrorCode      int16
	Timestamp      int64
	Offset         int64
	LeaderEpoch    int32
}

type ListOffsetsResponseTopic struct {
	Name       string
	Partitions []ListOffsetsResponsePartition
}

type ListOffsetsResponse struct {
	version

	ThrottleMillis int32
	Topics         []ListOffsetsResponseTopic
}

func (*ListOffsetsResponse) Key() int16 { return KeyListOffsets }

func (r *ListOffsetsResponse) ReadFrom(raw []byte) error {
	rd := protocol.NewReader(raw)
	r.ThrottleMillis = rd.ReadInt32()
	nTopics := rd.ReadCompactArrayLen()
	for i := 0; i < nTopics && rd.Err() == nil; i++ {
		t := ListOffsetsResponseTopic{Name: rd.ReadCompactString()}
		nParts := rd.ReadCompactArrayLen()
		for j := 0; j < nParts && rd.Err() == nil; j++ {
			p := ListOffsetsResponsePartition{
				PartitionIndex: rd.ReadInt32(),
				ErrorCode:      rd.ReadInt16(),
				Timestamp:      rd.ReadInt64(),
				Offset:         rd.ReadInt64(),
				LeaderEpoch:    rd.ReadInt32(),
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
