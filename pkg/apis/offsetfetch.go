package apis

import (
	"github.com/grafana/kafkaclient/pkg/protocol"
)

type OffsetFetchRequestTopic struct {
	Name             string
	PartitionIndexes []int32
}

// OffsetFetchRequestGroup names one group whose committed offsets to read.
type OffsetFetchRequestGroup struct {
	GroupID     string
	MemberID    *string
	MemberEpoch int32
	// Topics nil means all topics with commits for the group.
	Topics []OffsetFetchRequestTopic
}

// OffsetFetchRequest reads committed offsets from the group coordinator.
type OffsetFetchRequest struct {
	version

	Groups        []OffsetFetchRequestGroup
	RequireStable bool
}

func (*OffsetFetchRequest) Key() int16        { return KeyOffsetFetch }
func (*OffsetFetchRequest) MinVersion() int16 { return 8 }
func (*OffsetFetchRequest) MaxVersion() int16 { return 9 }
func (*OffsetFetchRequest) IsFlexible() bool  { return true }

func (r *OffsetFetchRequest) AppendTo(w *protocol.Writer) {
	w.WriteCompactArrayLen(len(r.Groups))
	for _, g := range r.Groups {
		w.WriteCompactString(g.GroupID)
		if r.v >= 9 {
			w.WriteCompactNullableString(g.MemberID)
			epoch := g.MemberEpoch
			if epoch == 0 {
				epoch = -1 // classic group protocol
			}
			w.WriteInt32(epoch)
		}
		if g.Topics == nil {
			w.WriteCompactArrayLen(-1)
		} else {
			w.WriteCompactArrayLen(len(g.Topics))
			for _, t := range g.Topics {
				w.WriteCompactString(t.Name)
				w.WriteCompactArrayLen(len(t.PartitionIndexes))
				for _, p := range t.PartitionIndexes {
					w.WriteInt32(p)
				}
				w.WriteEmptyTaggedFields()
			}
		}
		w.WriteEmptyTaggedFields()
	}
	w.WriteBool(r.RequireStable)
	w.WriteEmptyTaggedFields()
}

func (r *OffsetFetchRequest) ResponseKind() Response {
	resp := &OffsetFetchResponse{}
	resp.SetVersion(r.GetVersion())
	return resp
}

type OffsetFetchResponsePartition struct {
	PartitionIndex       int32
	CommittedOffset      int64
	CommittedLeaderEpoch int32
	Metadata             *string
	ErrorCode            int16
}

type OffsetFetchResponseTopic struct {
	Name       string
	Partitions []OffsetFetchResponsePartition
}

type OffsetFetchResponseGroup struct {
	GroupID   string
	Topics    []OffsetFetchResponseTopic
	ErrorCode int16
}

type OffsetFetchResponse struct {
	version

	ThrottleMillis int32
	Groups         []OffsetFetchResponseGroup
}

func (*OffsetFetchResponse) Key() int16 { return KeyOffsetFetch }

func (r *OffsetFetchResponse) ReadFrom(raw []byte) error {
	rd := protocol.NewReader(raw)
	r.ThrottleMillis = rd.ReadInt32()
	nGroups := rd.ReadCompactArrayLen()
	for i := 0; i < nGroups && rd.Err() == nil; i++ {
		g := OffsetFetchResponseGroup{GroupID: rd.ReadCompactString()}
		nTopics := rd.ReadCompactArrayLen()
		for j := 0; j < nTopics && rd.Err() == nil; j++ {
			t := OffsetFetchResponseTopic{Name: rd.ReadCompactString()}
			nParts := rd.ReadCompactArrayLen()
			for k := 0; k < nParts && rd.Err() == nil; k++ {
				p := OffsetFetchResponsePartition{
					PartitionIndex:       rd.ReadInt32(),
					CommittedOffset:      rd.ReadInt64(),
					CommittedLeaderEpoch: rd.ReadInt32(),
					Metadata:             rd.ReadCompactNullableString(),
					ErrorCode:            rd.ReadInt16(),
				}
				rd.SkipTaggedFields()
				t.Partitions = append(t.Partitions, p)
			}
			rd.SkipTaggedFields()
			g.Topics = append(g.Topics, t)
		}
		g.ErrorCode = rd.ReadInt16()
		rd.SkipTaggedFields()
		r.Groups = append(r.Groups, g)
	}
	rd.SkipTaggedFields()
	return rd.Complete()
}
