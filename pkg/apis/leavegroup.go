package apis

import (
	"github.com/grafana/kafkaclient/pkg/protocol"
)

// LeaveGroupRequestMember identifies one departing member.
type LeaveGroupRequestMember struct {
	MemberID        string
	GroupInstanceID *string
	Reason          *string
}

// LeaveGroupRequest removes members from a group, triggering a rebalance for
// the remaining ones.
type LeaveGroupRequest struct {
	version

	GroupID string
	Members []LeaveGroupRequestMember
}

func (*LeaveGroupRequest) Key() int16        { return KeyLeaveGroup }
func (*LeaveGroupRequest) MinVersion() int16 { return 4 }
func (*LeaveGroupRequest) MaxVersion() int16 { return 5 }
func (*LeaveGroupRequest) IsFlexible() bool  { return true }

func (r *LeaveGroupRequest) AppendTo(w *protocol.Writer) {
	w.WriteCompactString(r.GroupID)
	w.WriteCompactArrayLen(len(r.Members))
	for _, m := range r.Members {
		w.WriteCompactString(m.MemberID)
		w.WriteCompactNullableString(m.GroupInstanceID)
		if r.v >= 5 {
			w.WriteCompactNullableString(m.Reason)
		}
		w.WriteEmptyTaggedFields()
	}
	w.WriteEmptyTaggedFields()
}

func (r *LeaveGroupRequest) ResponseKind() Response {
	resp := &LeaveGroupResponse{}
	resp.SetVersion(r.GetVersion())
	return resp
}

type LeaveGroupResponseMember struct {
	MemberID        string
	GroupInstanceID *string
	ErrorCode       int16
}

type LeaveGroupResponse struct {
	version

	ThrottleMillis int32
	ErrorCode      int16
	Members        []LeaveGroupResponseMember
}

func (*LeaveGroupResponse) Key() int16 { return KeyLeaveGroup }

func (r *LeaveGroupResponse) ReadFrom(raw []byte) error {
	rd := protocol.NewReader(raw)
	r.ThrottleMillis = rd.ReadInt32()
	r.ErrorCode = rd.ReadInt16()
	n := rd.ReadCompactArrayLen()
	for i := 0; i < n && rd.Err() == nil; i++ {
		m := LeaveGroupResponseMember{
			MemberID:        rd.ReadCompactString(),
			GroupInstanceID: rd.ReadCompactNullableString(),
			ErrorCode:       rd.ReadInt16(),
		}
		rd.SkipTaggedFields()
		r.Members = append(r.Members, m)
	}
	rd.SkipTaggedFields()
	return rd.Complete()
}
