package apis

import (
	"github.com/google/uuid"

	"github.com/grafana/kafkaclient/pkg/protocol"
)

// Isolation levels for fetch and list-offsets requests.
const (
	IsolationReadUncommitted int8 = 0
	IsolationReadCommitted   int8 = 1
)

// FetchRequestPartition describes one partition to read. Topics are addressed
// by id from v13 on; the caller resolves names through metadata.
type FetchRequestPartition struct {
	Partition          int32
	CurrentLeaderEpoch int32
	FetchOffset        int64
	LastFetchedEpoch   int32
	LogStartOffset     int64
	PartitionMaxBytes  int32
}

type FetchRequestTopic struct {
	TopicID    uuid.UUID
	Partitions []FetchRequestPartition
}

// FetchRequest reads record batches from partition leaders. Session fields
// are sent as the sessionless sentinel: this client does not negotiate
// incremental fetch sessions.
type FetchRequest struct {
	version

	MaxWaitMillis  int32
	MinBytes       int32
	MaxBytes       int32
	IsolationLevel int8
	SessionID      int32
	SessionEpoch   int32
	Topics         []FetchRequestTopic
	RackID         string
}

func (*FetchRequest) Key() int16        { return KeyFetch }
func (*FetchRequest) MinVersion() int16 { return 15 }
func (*FetchRequest) MaxVersion() int16 { return 17 }
func (*FetchRequest) IsFlexible() bool  { return true }

func (r *FetchRequest) AppendTo(w *protocol.Writer) {
	w.WriteInt32(r.MaxWaitMillis)
	w.WriteInt32(r.MinBytes)
	w.WriteInt32(r.MaxBytes)
	w.WriteInt8(r.IsolationLevel)
	w.WriteInt32(r.SessionID)
	epoch := r.SessionEpoch
	if epoch == 0 {
		epoch = -1 // sessionless
	}
	w.WriteInt32(epoch)
	w.WriteCompactArrayLen(len(r.Topics))
	for _, t := range r.Topics {
		w.WriteUUID(t.TopicID)
		w.WriteCompactArrayLen(len(t.Partitions))
		for _, p := range t.Partitions {
			w.WriteInt32(p.Partition)
			w.WriteInt32(p.CurrentLeaderEpoch)
			w.WriteInt64(p.FetchOffset)
			w.WriteInt32(p.LastFetchedEpoch)
			w.WriteInt64(p.LogStartOffset)
			w.WriteInt32(p.PartitionMaxBytes)
			w.WriteEmptyTaggedFields()
		}
		w.WriteEmptyTaggedFields()
	}
	w.WriteCompactArrayLen(0) // forgotten topics (session bookkeeping)
	w.WriteCompactString(r.RackID)
	w.WriteEmptyTaggedFields()
}

func (r *FetchRequest) ResponseKind() Response {
	resp := &FetchResponse{}
	resp.SetVersion(r.GetVersion())
	return resp
}

type FetchResponseAbortedTransaction struct {
	ProducerID  int64
	FirstOffset int64
}

type FetchResponsePartition struct {
	PartitionIndex       int32
	ErrorCode            int16
	HighWatermark        int64
	LastStableOffset     int64
	LogStartOffset       int64
	AbortedTransactions  []FetchResponseAbortedTransaction
	PreferredReadReplica int32
	// Records holds the raw concatenated record batches; decoding happens
	// in the records package so a truncated tail can be handled there.
	Records []byte
}

type FetchResponseTopic struct {
	TopicID    uuid.UUID
	Partitions []FetchResponsePartition
}

type FetchResponse struct {
	version

	ThrottleMillis int32
	ErrorCode      int16
	SessionID      int32
	Topics         []FetchResponseTopic
}

func (*FetchResponse) Key() int16 { return KeyFetch }

func (r *FetchResponse) ReadFrom(raw []byte) error {
	rd := protocol.NewReader(raw)
	r.ThrottleMillis = rd.ReadInt32()
	r.ErrorCode = rd.ReadInt16()
	r.SessionID = rd.ReadInt32()

	nTopics := rd.ReadCompactArrayLen()
	for i := 0; i < nTopics && rd.Err() == nil; i++ {
		t := FetchResponseTopic{TopicID: rd.ReadUUID()}
		nParts := rd.ReadCompactArrayLen()
		for j := 0; j < nParts && rd.Err() == nil; j++ {
			p := FetchResponsePartition{
				PartitionIndex:   rd.ReadInt32(),
				ErrorCode:        rd.ReadInt16(),
				HighWatermark:    rd.ReadInt64(),
				LastStableOffset: rd.ReadInt64(),
				LogStartOffset:   rd.ReadInt64(),
			}
			nAborted := rd.ReadCompactArrayLen()
			for k := 0; k < nAborted && rd.Err() == nil; k++ {
				a := FetchResponseAbortedTransaction{
					ProducerID:  rd.ReadInt64(),
					FirstOffset: rd.ReadInt64(),
				}
				rd.SkipTaggedFields()
				p.AbortedTransactions = append(p.AbortedTransactions, a)
			}
			p.PreferredReadReplica = rd.ReadInt32()
			p.Records = rd.ReadCompactBytes()
			rd.SkipTaggedFields()
			t.Partitions = append(t.Partitions, p)
		}
		rd.SkipTaggedFields()
		r.Topics = append(r.Topics, t)
	}
	rd.SkipTaggedFields()
	return rd.Complete()
}
