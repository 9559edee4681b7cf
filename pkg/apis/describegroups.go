package apis

import (
	"github.com/grafana/kafkaclient/pkg/protocol"
)

// DescribeGroupsRequest returns state and membership for the named groups.
type DescribeGroupsRequest struct {
	version

	Groups                      []string
	IncludeAuthorizedOperations bool
}

func (*DescribeGroupsRequest) Key() int16        { return KeyDescribeGroups }
func (*DescribeGroupsRequest) MinVersion() int16 { return 5 }
func (*DescribeGroupsRequest) MaxVersion() int16 { return 5 }
func (*DescribeGroupsRequest) IsFlexible() bool  { return true }

func (r *DescribeGroupsRequest) AppendTo(w *protocol.Writer) {
	w.WriteCompactArrayLen(len(r.Groups))
	for _, g := range r.Groups {
		w.WriteCompactString(g)
	}
	w.WriteBool(r.IncludeAuthorizedOperations)
	w.WriteEmptyTaggedFields()
}

func (r *DescribeGroupsRequest) ResponseKind() Response {
	resp := &DescribeGroupsResponse{}
	resp.SetVersion(r.GetVersion())
	return resp
}

type DescribeGroupsResponseMember struct {
	MemberID         string
	GroupInstanceID  *string
	ClientID         string
	ClientHost       string
	MemberMetadata   []byte
	MemberAssignment []byte
}

type DescribeGroupsResponseGroup struct {
	ErrorCode            int16
	GroupID              string
	GroupState           string
	ProtocolType         string
	ProtocolData         string
	Members              []DescribeGroupsResponseMember
	AuthorizedOperations int32
}

type DescribeGroupsResponse struct {
	version

	ThrottleMillis int32
	Groups         []DescribeGroupsResponseGroup
}

func (*DescribeGroupsResponse) Key() int16 { return KeyDescribeGroups }

func (r *DescribeGroupsResponse) ReadFrom(raw []byte) error {
	rd := protocol.NewReader(raw)
	r.ThrottleMillis = rd.ReadInt32()
	n := rd.ReadCompactArrayLen()
	for i := 0; i < n && rd.Err() == nil; i++ {
		g := DescribeGroupsResponseGroup{
			ErrorCode:    rd.ReadInt16(),
			GroupID:      rd.ReadCompactString(),
			GroupState:   rd.ReadCompactString(),
			ProtocolType: rd.ReadCompactString(),
			ProtocolData: rd.ReadCompactString(),
		}
		nMembers := rd.ReadCompactArrayLen()
		for j := 0; j < nMembers && rd.Err() == nil; j++ {
			m := DescribeGroupsResponseMember{
				MemberID:         rd.ReadCompactString(),
				GroupInstanceID:  rd.ReadCompactNullableString(),
				ClientID:         rd.ReadCompactString(),
				ClientHost:       rd.ReadCompactString(),
				MemberMetadata:   rd.ReadCompactBytes(),
				MemberAssignment: rd.ReadCompactBytes(),
			}
			rd.SkipTaggedFields()
			g.Members = append(g.Members, m)
		}
		g.AuthorizedOperations = rd.ReadInt32()
		rd.SkipTaggedFields()
		r.Groups = append(r.Groups, g)
	}
	rd.SkipTaggedFields()
	return rd.Complete()
}
