package apis

import (
	"github.com/grafana/kafkaclient/pkg/protocol"
)

// JoinGroupRequestProtocol is one assignment protocol the member offers.
type JoinGroupRequestProtocol struct {
	Name     string
	Metadata []byte
}

// JoinGroupRequest enters a consumer group, or rejoins it after a rebalance.
type JoinGroupRequest struct {
	version

	GroupID            string
	SessionTimeoutMs   int32
	RebalanceTimeoutMs int32
	MemberID           string
	GroupInstanceID    *string
	ProtocolType       string
	Protocols          []JoinGroupRequestProtocol
	Reason             *string
}

func (*JoinGroupRequest) Key() int16        { return KeyJoinGroup }
func (*JoinGroupRequest) MinVersion() int16 { return 6 }
func (*JoinGroupRequest) MaxVersion() int16 { return 9 }
func (*JoinGroupRequest) IsFlexible() bool  { return true }

func (r *JoinGroupRequest) AppendTo(w *protocol.Writer) {
	w.WriteCompactString(r.GroupID)
	w.WriteInt32(r.SessionTimeoutMs)
	w.WriteInt32(r.RebalanceTimeoutMs)
	w.WriteCompactString(r.MemberID)
	w.WriteCompactNullableString(r.GroupInstanceID)
	w.WriteCompactString(r.ProtocolType)
	w.WriteCompactArrayLen(len(r.Protocols))
	for _, p := range r.Protocols {
		w.WriteCompactString(p.Name)
		w.WriteCompactBytes(p.Metadata)
		w.WriteEmptyTaggedFields()
	}
	if r.v >= 8 {
		w.WriteCompactNullableString(r.Reason)
	}
	w.WriteEmptyTaggedFields()
}

func (r *JoinGroupRequest) ResponseKind() Response {
	resp := &JoinGroupResponse{}
	resp.SetVersion(r.GetVersion())
	return resp
}

// JoinGroupResponseMember is one member's subscription, present only in the
// leader's response.
type JoinGroupResponseMember struct {
	MemberID        string
	GroupInstanceID *string
	Metadata        []byte
}

type JoinGroupResponse struct {
	version

	ThrottleMillis int32
	ErrorCode      int16
	GenerationID   int32
	ProtocolType   *string
	ProtocolName   *string
	Leader         string
	SkipAssignment bool
	MemberID       string
	Members        []JoinGroupResponseMember
}

func (*JoinGroupResponse) Key() int16 { return KeyJoinGroup }

func (r *JoinGroupResponse) ReadFrom(raw []byte) error {
	rd := protocol.NewReader(raw)
	r.ThrottleMillis = rd.ReadInt32()
	r.ErrorCode = rd.ReadInt16()
	r.GenerationID = rd.ReadInt32()
	if r.v >= 7 {
		r.ProtocolType = rd.ReadCompactNullableString()
		r.ProtocolName = rd.ReadCompactNullableString()
	} else {
		name := rd.ReadCompactString()
		r.ProtocolName = &name
	}
	r.Leader = rd.ReadCompactString()
	if r.v >= 9 {
		r.SkipAssignment = rd.ReadBool()
	}
	r.MemberID = rd.ReadCompactString()
	n := rd.ReadCompactArrayLen()
	for i := 0; i < n && rd.Err() == nil; i++ {
		m := JoinGroupResponseMember{
			MemberID:        rd.ReadCompactString(),
			GroupInstanceID: rd.ReadCompactNullableString(),
			Metadata:        rd.ReadCompactBytes(),
		}
		rd.SkipTaggedFields()
		r.Members = append(r.Members, m)
	}
	rd.SkipTaggedFields()
	return rd.Complete()
}
