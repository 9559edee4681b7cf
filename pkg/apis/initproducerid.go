package apis

import (
	"github.com/grafana/kafkaclient/pkg/protocol"
)

// InitProducerIDRequest obtains (or bumps) a producer id and epoch for
// idempotent produce sessions.
type InitProducerIDRequest struct {
	version

	TransactionalID      *string
	TransactionTimeoutMs int32
	ProducerID           int64
	ProducerEpoch        int16
}

func (*InitProducerIDRequest) Key() int16        { return KeyInitProducerID }
func (*InitProducerIDRequest) MinVersion() int16 { return 3 }
func (*InitProducerIDRequest) MaxVersion() int16 { return 5 }
func (*InitProducerIDRequest) IsFlexible() bool  { return true }

func (r *InitProducerIDRequest) AppendTo(w *protocol.Writer) {
	w.WriteCompactNullableString(r.TransactionalID)
	w.WriteInt32(r.TransactionTimeoutMs)
	pid, epoch := r.ProducerID, r.ProducerEpoch
	if pid == 0 && epoch == 0 {
		pid, epoch = -1, -1 // fresh identity
	}
	w.WriteInt64(pid)
	w.WriteInt16(epoch)
	w.WriteEmptyTaggedFields()
}

func (r *InitProducerIDRequest) ResponseKind() Response {
	resp := &InitProducerIDResponse{}
	resp.SetVersion(r.GetVersion())
	return resp
}

type InitProducerIDResponse struct {
	version

	ThrottleMillis int32
	ErrorCode      int16
	ProducerID     int64
	ProducerEpoch  int16
}

func (*InitProducerIDResponse) Key() int16 { return KeyInitProducerID }

func (r *InitProducerIDResponse) ReadFrom(raw []byte) error {
	rd := protocol.NewReader(raw)
	r.ThrottleMillis = rd.ReadInt32()
	r.ErrorCode = rd.ReadInt16()
	r.ProducerID = rd.ReadInt64()
	r.ProducerEpoch = rd.ReadInt16()
	rd.SkipTaggedFields()
	return rd.Complete()
}
