package apis

import (
	"github.com/google/uuid"

	"github.com/grafana/kafkaclient/pkg/protocol"
)

// MetadataRequestTopic names one topic to describe, by name or by id.
type MetadataRequestTopic struct {
	TopicID uuid.UUID
	Name    *string
}

// MetadataRequest fetches cluster, broker, and topic-partition metadata.
type MetadataRequest struct {
	version

	// Topics is the set to describe; nil means all topics.
	Topics                           []MetadataRequestTopic
	AllowAutoTopicCreation           bool
	IncludeTopicAuthorizedOperations bool
}

func (*MetadataRequest) Key() int16        { return KeyMetadata }
func (*MetadataRequest) MinVersion() int16 { return 12 }
func (*MetadataRequest) MaxVersion() int16 { return 12 }
func (*MetadataRequest) IsFlexible() bool  { return true }

func (r *MetadataRequest) AppendTo(w *protocol.Writer) {
	if r.Topics == nil {
		w.WriteCompactArrayLen(-1)
	} else {
		w.WriteCompactArrayLen(len(r.Topics))
		for _, t := range r.Topics {
			w.WriteUUID(t.TopicID)
			w.WriteCompactNullableString(t.Name)
			w.WriteEmptyTaggedFields()
		}
	}
	w.WriteBool(r.AllowAutoTopicCreation)
	w.WriteBool(r.IncludeTopicAuthorizedOperations)
	w.WriteEmptyTaggedFields()
}

func (r *MetadataRequest) ResponseKind() Response {
	resp := &MetadataResponse{}
	resp.SetVersion(r.GetVersion())
	return resp
}

type MetadataResponseBroker struct {
	NodeID int32
	Host   string
	Port   int32
	Rack   *string
}

type MetadataResponsePartition struct {
	ErrorCode       int16
	PartitionIndex  int32
	LeaderID        int32
	LeaderEpoch     int32
	ReplicaNodes    []int32
	ISRNodes        []int32
	OfflineReplicas []int32
}

type MetadataResponseTopic struct {
	ErrorCode                 int16
	Name                      *string
	TopicID                   uuid.UUID
	IsInternal                bool
	Partitions                []MetadataResponsePartition
	TopicAuthorizedOperations int32
}

type MetadataResponse struct {
	version

	ThrottleMillis int32
	Brokers        []MetadataResponseBroker
	ClusterID      *string
	ControllerID   int32
	Topics         []MetadataResponseTopic
}

func (*MetadataResponse) Key() int16 { return KeyMetadata }

func (r *MetadataResponse) ReadFrom(raw []byte) error {
	rd := protocol.NewReader(raw)
	r.ThrottleMillis = rd.ReadInt32()

	nBrokers := rd.ReadCompactArrayLen()
	for i := 0; i < nBrokers && rd.Err() == nil; i++ {
		b := MetadataResponseBroker{
			NodeID: rd.ReadInt32(),
			Host:   rd.ReadCompactString(),
			Port:   rd.ReadInt32(),
			Rack:   rd.ReadCompactNullableString(),
		}
		rd.SkipTaggedFields()
		r.Brokers = append(r.Brokers, b)
	}

	r.ClusterID = rd.ReadCompactNullableString()
	r.ControllerID = rd.ReadInt32()

	nTopics := rd.ReadCompactArrayLen()
	for i := 0; i < nTopics && rd.Err() == nil; i++ {
		t := MetadataResponseTopic{
			ErrorCode:  rd.ReadInt16(),
			Name:       rd.ReadCompactNullableString(),
			TopicID:    rd.ReadUUID(),
			IsInternal: rd.ReadBool(),
		}
		nParts := rd.ReadCompactArrayLen()
		for j := 0; j < nParts && rd.Err() == nil; j++ {
			p := MetadataResponsePartition{
				ErrorCode:      rd.ReadInt16(),
				PartitionIndex: rd.ReadInt32(),
				LeaderID:       rd.ReadInt32(),
				LeaderEpoch:    rd.ReadInt32(),
				ReplicaNodes:   readCompactInt32s(rd),
				ISRNodes:       readCompactInt32s(rd),
			}
			p.OfflineReplicas = readCompactInt32s(rd)
			rd.SkipTaggedFields()
			t.Partitions = append(t.Partitions, p)
		}
		t.TopicAuthorizedOperations = rd.ReadInt32()
		rd.SkipTaggedFields()
		r.Topics = append(r.Topics, t)
	}
	rd.SkipTaggedFields()
	return rd.Complete()
}

func readCompactInt32s(rd *protocol.Reader) []int32 {
	n := rd.ReadCompactArrayLen()
	if n <= 0 {
		return nil
	}
	out := make([]int32, 0, n)
	for i := 0; i < n && rd.Err() == nil; i++ {
		out = append(out, rd.ReadInt32())
	}
	return out
}
