package apis

import (
	"github.com/grafana/kafkaclient/pkg/protocol"
)

// ListGroupsRequest enumerates groups known to a broker, optionally filtered
// by state (v4+) and type (v5+).
type ListGroupsRequest struct {
	version

	StatesFilter []string
	TypesFilter  []string
}

func (*ListGroupsRequest) Key() int16        { return KeyListGroups }
func (*ListGroupsRequest) MinVersion() int16 { return 3 }
func (*ListGroupsRequest) MaxVersion() int16 { return 5 }
func (*ListGroupsRequest) IsFlexible() bool  { return true }

func (r *ListGroupsRequest) AppendTo(w *protocol.Writer) {
	if r.v >= 4 {
		w.WriteCompactArrayLen(len(r.StatesFilter))
		for _, s := range r.StatesFilter {
			w.WriteCompactString(s)
		}
	}
	if r.v >= 5 {
		w.WriteCompactArrayLen(len(r.TypesFilter))
		for _, s := range r.TypesFilter {
			w.WriteCompactString(s)
		}
	}
	w.WriteEmptyTaggedFields()
}

func (r *ListGroupsRequest) ResponseKind() Response {
	resp := &ListGroupsResponse{}
	resp.SetVersion(r.GetVersion())
	return resp
}

type ListGroupsResponseGroup struct {
	GroupID      string
	ProtocolType string
	GroupState   string
	GroupType    string
}

type ListGroupsResponse struct {
	version

	ThrottleMillis int32
	ErrorCode      int16
	Groups         []ListGroupsResponseGroup
}

func (*ListGroupsResponse) Key() int16 { return KeyListGroups }

func (r *ListGroupsResponse) ReadFrom(raw []byte) error {
	rd := protocol.NewReader(raw)
	r.ThrottleMillis = rd.ReadInt32()
	r.ErrorCode = rd.ReadInt16()
	n := rd.ReadCompactArrayLen()
	for i := 0; i < n && rd.Err() == nil; i++ {
		g := ListGroupsResponseGroup{
			GroupID:      rd.ReadCompactString(),
			ProtocolType: rd.ReadCompactString(),
		}
		if r.v >= 4 {
			g.GroupState = rd.ReadCompactString()
		}
		if r.v >= 5 {
			g.GroupType = rd.ReadCompactString()
		}
		rd.SkipTaggedFields()
		r.Groups = append(r.Groups, g)
	}
	rd.SkipTaggedFields()
	return rd.Complete()
}
