package apis

import (
	"github.com/google/uuid"

	"github.com/grafana/kafkaclient/pkg/protocol"
)

type CreateTopicsRequestAssignment struct {
	PartitionIndex int32
	BrokerIDs      []int32
}

type CreateTopicsRequestConfig struct {
	Name  string
	Value *string
}

type CreateTopicsRequestTopic struct {
	Name string
	// NumPartitions -1 and ReplicationFactor -1 defer to broker defaults.
	NumPartitions     int32
	ReplicationFactor int16
	Assignments       []CreateTopicsRequestAssignment
	Configs           []CreateTopicsRequestConfig
}

// CreateTopicsRequest creates topics on the controller.
type CreateTopicsRequest struct {
	version

	Topics        []CreateTopicsRequestTopic
	TimeoutMillis int32
	ValidateOnly  bool
}

func (*CreateTopicsRequest) Key() int16        { return KeyCreateTopics }
func (*CreateTopicsRequest) MinVersion() int16 { return 5 }
func (*CreateTopicsRequest) MaxVersion() int16 { return 7 }
func (*CreateTopicsRequest) IsFlexible() bool  { return true }

func (r *CreateTopicsRequest) AppendTo(w *protocol.Writer) {
	w.WriteCompactArrayLen(len(r.Topics))
	for _, t := range r.Topics {
		w.WriteCompactString(t.Name)
		w.WriteInt32(t.NumPartitions)
		w.WriteInt16(t.ReplicationFactor)
		w.WriteCompactArrayLen(len(t.Assignments))
		for _, a := range t.Assignments {
			w.WriteInt32(a.PartitionIndex)
			w.WriteCompactArrayLen(len(a.BrokerIDs))
			for _, b := range a.BrokerIDs {
				w.WriteInt32(b)
			}
			w.WriteEmptyTaggedFields()
		}
		w.WriteCompactArrayLen(len(t.Configs))
		for _, c := range t.Configs {
			w.WriteCompactString(c.Name)
			w.WriteCompactNullableString(c.Value)
			w.WriteEmptyTaggedFields()
		}
		w.WriteEmptyTaggedFields()
	}
	w.WriteInt32(r.TimeoutMillis)
	w.WriteBool(r.ValidateOnly)
	w.WriteEmptyTaggedFields()
}

func (r *CreateTopicsRequest) ResponseKind() Response {
	resp := &CreateTopicsResponse{}
	resp.SetVersion(r.GetVersion())
	return resp
}

type CreateTopicsResponseConfig struct {
	Name         string
	Value        *string
	ReadOnly     bool
	ConfigSource int8
	IsSensitive  bool
}

type CreateTopicsResponseTopic struct {
	Name              string
	TopicID           uuid.UUID
	ErrorCode         int16
	ErrorMessage      *string
	NumPartitions     int32
	ReplicationFactor int16
	Configs           []CreateTopicsResponseConfig
}

type CreateTopicsResponse struct {
	version

	ThrottleMillis int32
	Topics         []CreateTopicsResponseTopic
}

func (*CreateTopicsResponse) Key() int16 { return KeyCreateTopics }

func (r *CreateTopicsResponse) ReadFrom(raw []byte) error {
	rd := protocol.NewReader(raw)
	r.ThrottleMillis = rd.ReadInt32()
	n := rd.ReadCompactArrayLen()
	for i := 0; i < n && rd.Err() == nil; i++ {
		t := CreateTopicsResponseTopic{Name: rd.ReadCompactString()}
		if r.v >= 7 {
			t.TopicID = rd.ReadUUID()
		}
		t.ErrorCode = rd.ReadInt16()
		t.ErrorMessage = rd.ReadCompactNullableString()
		t.NumPartitions = rd.ReadInt32()
		t.ReplicationFactor = rd.ReadInt16()
		nConfigs := rd.ReadCompactArrayLen()
		for j := 0; j < nConfigs && rd.Err() == nil; j++ {
			c := CreateTopicsResponseConfig{
				Name:         rd.ReadCompactString(),
				Value:        rd.ReadCompactNullableString(),
				ReadOnly:     rd.ReadBool(),
				ConfigSource: rd.ReadInt8(),
				IsSensitive:  rd.ReadBool(),
			}
			rd.SkipTaggedFields()
			t.Configs = append(t.Configs, c)
		}
		rd.SkipTaggedFields()
		r.Topics = append(r.Topics, t)
	}
	rd.SkipTaggedFields()
	return rd.Complete()
}
