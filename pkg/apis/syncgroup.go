package apis

import (
	"github.com/grafana/kafkaclient/pkg/protocol"
)

// SyncGroupRequestAssignment carries the leader-computed plan for one member.
type SyncGroupRequestAssignment struct {
	MemberID   string
	Assignment []byte
}

// SyncGroupRequest distributes assignments after a join round. Followers send
// an empty assignment list and receive their plan in the response.
type SyncGroupRequest struct {
	version

	GroupID         string
	GenerationID    int32
	MemberID        string
	GroupInstanceID *string
	ProtocolType    *string
	ProtocolName    *string
	Assignments     []SyncGroupRequestAssignment
}

func (*SyncGroupRequest) Key() int16        { return KeySyncGroup }
func (*SyncGroupRequest) MinVersion() int16 { return 4 }
func (*SyncGroupRequest) MaxVersion() int16 { return 5 }
func (*SyncGroupRequest) IsFlexible() bool  { return true }

func (r *SyncGroupRequest) AppendTo(w *protocol.Writer) {
	w.WriteCompactString(r.GroupID)
	w.WriteInt32(r.GenerationID)
	w.WriteCompactString(r.MemberID)
	w.WriteCompactNullableString(r.GroupInstanceID)
	if r.v >= 5 {
		w.WriteCompactNullableString(r.ProtocolType)
		w.WriteCompactNullableString(r.ProtocolName)
	}
	w.WriteCompactArrayLen(len(r.Assignments))
	for _, a := range r.Assignments {
		w.WriteCompactString(a.MemberID)
		w.WriteCompactBytes(a.Assignment)
		w.WriteEmptyTaggedFields()
	}
	w.WriteEmptyTaggedFields()
}

func (r *SyncGroupRequest) ResponseKind() Response {
	resp := &SyncGroupResponse{}
	resp.SetVersion(r.GetVersion())
	return resp
}

type SyncGroupResponse struct {
	version

	ThrottleMillis int32
	ErrorCode      int16
	ProtocolType   *string
	ProtocolName   *string
	Assignment     []byte
}

func (*SyncGroupResponse) Key() int16 { return KeySyncGroup }

func (r *SyncGroupResponse) ReadFrom(raw []byte) error {
	rd := protocol.NewReader(raw)
	r.ThrottleMillis = rd.ReadInt32()
	r.ErrorCode = rd.ReadInt16()
	if r.v >= 5 {
		r.ProtocolType = rd.ReadCompactNullableString()
		r.ProtocolName = rd.ReadCompactNullableString()
	}
	r.Assignment = rd.ReadCompactBytes()
	rd.SkipTaggedFields()
	return rd.Complete()
}
