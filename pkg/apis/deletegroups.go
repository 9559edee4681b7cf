package apis

import (
	"github.com/grafana/kafkaclient/pkg/protocol"
)

// DeleteGroupsRequest removes empty groups from their coordinator.
type DeleteGroupsRequest struct {
	version

	Groups []string
}

func (*DeleteGroupsRequest) Key() int16        { return KeyDeleteGroups }
func (*DeleteGroupsRequest) MinVersion() int16 { return 2 }
func (*DeleteGroupsRequest) MaxVersion() int16 { return 2 }
func (*DeleteGroupsRequest) IsFlexible() bool  { return true }

func (r *DeleteGroupsRequest) AppendTo(w *protocol.Writer) {
	w.WriteCompactArrayLen(len(r.Groups))
	for _, g := range r.Groups {
		w.WriteCompactString(g)
	}
	w.WriteEmptyTaggedFields()
}

func (r *DeleteGroupsRequest) ResponseKind() Response {
	resp := &DeleteGroupsResponse{}
	resp.SetVersion(r.GetVersion())
	return resp
}

type DeleteGroupsResponseResult struct {
	GroupID   string
	ErrorCode int16
}

type DeleteGroupsResponse struct {
	version

	ThrottleMillis int32
	Results        []DeleteGroupsResponseResult
}

func (*DeleteGroupsResponse) Key() int16 { return KeyDeleteGroups }

func (r *DeleteGroupsResponse) ReadFrom(raw []byte) error {
	rd := protocol.NewReader(raw)
	r.ThrottleMillis = rd.ReadInt32()
	n := rd.ReadCompactArrayLen()
	for i := 0; i < n && rd.Err() == nil; i++ {
		res := DeleteGroupsResponseResult{
			GroupID:   rd.ReadCompactString(),
			ErrorCode: rd.ReadInt16(),
		}
		rd.SkipTaggedFields()
		r.Results = append(r.Results, res)
	}
	rd.SkipTaggedFields()
	return rd.Complete()
}
