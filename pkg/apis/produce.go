package apis

import (
	"github.com/grafana/kafkaclient/pkg/protocol"
)

// Ack policies for produce requests.
const (
	AcksNone   int16 = 0
	AcksLeader int16 = 1
	AcksAll    int16 = -1
)

// ProduceRequestPartition carries one encoded record batch for a partition.
type ProduceRequestPartition struct {
	Index int32
	// Records is the fully encoded record batch (or batches) for this
	// partition, produced by the records package.
	Records []byte
}

type ProduceRequestTopic struct {
	Name       string
	Partitions []ProduceRequestPartition
}

// ProduceRequest appends record batches to partition logs.
type ProduceRequest struct {
	version

	TransactionalID *string
	Acks            int16
	TimeoutMillis   int32
	Topics          []ProduceRequestTopic
}

func (*ProduceRequest) Key() int16        { return KeyProduce }
func (*ProduceRequest) MinVersion() int16 { return 9 }
func (*ProduceRequest) MaxVersion() int16 { return 11 }
func (*ProduceRequest) IsFlexible() bool  { return true }

func (r *ProduceRequest) AppendTo(w *protocol.Writer) {
	w.WriteCompactNullableString(r.TransactionalID)
	w.WriteInt16(r.Acks)
	w.WriteInt32(r.TimeoutMillis)
	w.WriteCompactArrayLen(len(r.Topics))
	for _, t := range r.Topics {
		w.WriteCompactString(t.Name)
		w.WriteCompactArrayLen(len(t.Partitions))
		for _, p := range t.Partitions {
			w.WriteInt32(p.Index)
			w.WriteCompactBytes(p.Records)
			w.WriteEmptyTaggedFields()
		}
		w.WriteEmptyTaggedFields()
	}
	w.WriteEmptyTaggedFields()
}

func (r *ProduceRequest) ResponseKind() Response {
	resp := &ProduceResponse{}
	resp.SetVersion(r.GetVersion())
	return resp
}

// ExpectsResponse reports whether the broker replies at all: with acks=0 the
// connection must not register a pending response.
func (r *ProduceRequest) ExpectsResponse() bool { return r.Acks != AcksNone }

type ProduceResponseRecordError struct {
	BatchIndex   int32
	ErrorMessage *string
}

type ProduceResponsePartition struct {
	Index              int32
	ErrorCode          int16
	BaseOffset         int64
	LogAppendTimeMilli int64
	LogStartOffset     int64
	RecordErrors       []ProduceResponseRecordError
	ErrorMessage       *string
}

type ProduceResponseTopic struct {
	Name       string
	Partitions []ProduceResponsePartition
}

type ProduceResponse struct {
	version

	Topics         []ProduceResponseTopic
	ThrottleMillis int32
}

func (*ProduceResponse) Key() int16 { return KeyProduce }

func (r *ProduceResponse) ReadFrom(raw []byte) error {
	rd := protocol.NewReader(raw)
	nTopics := rd.ReadCompactArrayLen()
	for i := 0; i < nTopics && rd.Err() == nil; i++ {
		t := ProduceResponseTopic{Name: rd.ReadCompactString()}
		nParts := rd.ReadCompactArrayLen()
		for j := 0; j < nParts && rd.Err() == nil; j++ {
			p := ProduceResponsePartition{
				Index:              rd.ReadInt32(),
				ErrorCode:          rd.ReadInt16(),
				BaseOffset:         rd.ReadInt64(),
				LogAppendTimeMilli: rd.ReadInt64(),
				LogStartOffset:     rd.ReadInt64(),
			}
			nErrs := rd.ReadCompactArrayLen()
			for k := 0; k < nErrs && rd.Err() == nil; k++ {
				re := ProduceResponseRecordError{
					BatchIndex:   rd.ReadInt32(),
					ErrorMessage: rd.ReadCompactNullableString(),
				}
				rd.SkipTaggedFields()
				p.RecordErrors = append(p.RecordErrors, re)
			}
			p.ErrorMessage = rd.ReadCompactNullableString()
			rd.SkipTaggedFields()
			t.Partitions = append(t.Partitions, p)
		}
		rd.SkipTaggedFields()
		r.Topics = append(r.Topics, t)
	}
	r.ThrottleMillis = rd.ReadInt32()
	rd.SkipTaggedFields()
	return rd.Complete()
}
