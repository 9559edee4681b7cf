package apis

import (
	"github.com/grafana/kafkaclient/pkg/protocol"
)

// Coordinator key types.
const (
	CoordinatorKeyTypeGroup       int8 = 0
	CoordinatorKeyTypeTransaction int8 = 1
)

// FindCoordinatorRequest locates the coordinator broker for one or more
// group (or transactional) ids.
type FindCoordinatorRequest struct {
	version

	KeyType         int8
	CoordinatorKeys []string
}

func (*FindCoordinatorRequest) Key() int16        { return KeyFindCoordinator }
func (*FindCoordinatorRequest) MinVersion() int16 { return 4 }
func (*FindCoordinatorRequest) MaxVersion() int16 { return 6 }
func (*FindCoordinatorRequest) IsFlexible() bool  { return true }

func (r *FindCoordinatorRequest) AppendTo(w *protocol.Writer) {
	w.WriteInt8(r.KeyType)
	w.WriteCompactArrayLen(len(r.CoordinatorKeys))
	for _, k := range r.CoordinatorKeys {
		w.WriteCompactString(k)
	}
	w.WriteEmptyTaggedFields()
}

func (r *FindCoordinatorRequest) ResponseKind() Response {
	resp := &FindCoordinatorResponse{}
	resp.SetVersion(r.GetVersion())
	return resp
}

type FindCoordinatorResponseCoordinator struct {
	Key          string
	NodeID       int32
	Host         string
	Port         int32
	ErrorCode    int16
	ErrorMessage *string
}

type FindCoordinatorResponse struct {
	version

	ThrottleMillis int32
	Coordinators   []FindCoordinatorResponseCoordinator
}

func (*FindCoordinatorResponse) Key() int16 { return KeyFindCoordinator }

func (r *FindCoordinatorResponse) ReadFrom(raw []byte) error {
	rd := protocol.NewReader(raw)
	r.ThrottleMillis = rd.ReadInt32()
	n := rd.ReadCompactArrayLen()
	for i := 0; i < n && rd.Err() == nil; i++ {
		c := FindCoordinatorResponseCoordinator{
			Key:          rd.ReadCompactString(),
			NodeID:       rd.ReadInt32(),
			Host:         rd.ReadCompactString(),
			Port:         rd.ReadInt32(),
			ErrorCode:    rd.ReadInt16(),
			ErrorMessage: rd.ReadCompactNullableString(),
		}
		rd.SkipTaggedFields()
		r.Coordinators = append(r.Coordinators, c)
	}
	rd.SkipTaggedFields()
	return rd.Complete()
}
