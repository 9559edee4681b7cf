package apis

import (
	"github.com/grafana/kafkaclient/pkg/protocol"
)

// HeartbeatRequest keeps a group membership alive between rebalances.
type HeartbeatRequest struct {
	version

	GroupID         string
	GenerationID    int32
	MemberID        string
	GroupInstanceID *string
}

func (*HeartbeatRequest) Key() int16        { return KeyHeartbeat }
func (*HeartbeatRequest) MinVersion() int16 { return 4 }
func (*HeartbeatRequest) MaxVersion() int16 { return 4 }
func (*HeartbeatRequest) IsFlexible() bool  { return true }

func (r *HeartbeatRequest) AppendTo(w *protocol.Writer) {
	w.WriteCompactString(r.GroupID)
	w.WriteInt32(r.GenerationID)
	w.WriteCompactString(r.MemberID)
	w.WriteCompactNullableString(r.GroupInstanceID)
	w.WriteEmptyTaggedFields()
}

func (r *HeartbeatRequest) ResponseKind() Response {
	resp := &HeartbeatResponse{}
	resp.SetVersion(r.GetVersion())
	return resp
}

type HeartbeatResponse struct {
	version

	ThrottleMillis int32
	ErrorCode      int16
}

func (*HeartbeatResponse) Key() int16 { return KeyHeartbeat }

func (r *HeartbeatResponse) ReadFrom(raw []byte) error {
	rd := protocol.NewReader(raw)
	r.ThrottleMillis = rd.ReadInt32()
	r.ErrorCode = rd.ReadInt16()
	rd.SkipTaggedFields()
	return rd.Complete()
}
