package apis

import (
	"github.com/google/uuid"

	"github.com/grafana/kafkaclient/pkg/protocol"
)

// DeleteTopicsRequestTopic names a topic by name or id.
type DeleteTopicsRequestTopic struct {
	Name    *string
	TopicID uuid.UUID
}

// DeleteTopicsRequest deletes topics on the controller.
type DeleteTopicsRequest struct {
	version

	Topics        []DeleteTopicsRequestTopic
	TimeoutMillis int32
}

func (*DeleteTopicsRequest) Key() int16        { return KeyDeleteTopics }
func (*DeleteTopicsRequest) MinVersion() int16 { return 6 }
func (*DeleteTopicsRequest) MaxVersion() int16 { return 6 }
func (*DeleteTopicsRequest) IsFlexible() bool  { return true }

func (r *DeleteTopicsRequest) AppendTo(w *protocol.Writer) {
	w.WriteCompactArrayLen(len(r.Topics))
	for _, t := range r.Topics {
		w.WriteCompactNullableString(t.Name)
		w.WriteUUID(t.TopicID)
		w.WriteEmptyTaggedFields()
	}
	w.WriteInt32(r.TimeoutMillis)
	w.WriteEmptyTaggedFields()
}

func (r *DeleteTopicsRequest) ResponseKind() Response {
	resp := &DeleteTopicsResponse{}
	resp.SetVersion(r.GetVersion())
	return resp
}

type DeleteTopicsResponseTopic struct {
	Name         *string
	TopicID      uuid.UUID
	ErrorCode    int16
	ErrorMessage *string
}

type DeleteTopicsResponse struct {
	version

	ThrottleMillis int32
	Topics         []DeleteTopicsResponseTopic
}

func (*DeleteTopicsResponse) Key() int16 { return KeyDeleteTopics }

func (r *DeleteTopicsResponse) ReadFrom(raw []byte) error {
	rd := protocol.NewReader(raw)
	r.ThrottleMillis = rd.ReadInt32()
	n := rd.ReadCompactArrayLen()
	for i := 0; i < n && rd.Err() == nil; i++ {
		t := DeleteTopicsResponseTopic{
			Name:         rd.ReadCompactNullableString(),
			TopicID:      rd.ReadUUID(),
			ErrorCode:    rd.ReadInt16(),
			ErrorMessage: rd.ReadCompactNullableString(),
		}
		rd.SkipTaggedFields()
		r.Topics = append(r.Topics, t)
	}
	rd.SkipTaggedFields()
	return rd.Complete()
}
