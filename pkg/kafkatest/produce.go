package kafkatest

import (
	"github.com/grafana/kafkaclient/pkg/protocol"
)

// ProducedBatch is one record batch extracted from a produce request.
type ProducedBatch struct {
	Topic     string
	Partition int32
	// Records is the raw encoded batch, decodable by the records package.
	Records []byte
}

// ParseProduce decodes the body of a produce request far enough for tests to
// inspect the batches and ack policy.
func ParseProduce(req *Request) (acks int16, batches []ProducedBatch) {
	rd := req.Reader()
	_ = rd.ReadCompactNullableString() // transactional id
	acks = rd.ReadInt16()
	_ = rd.ReadInt32() // timeout
	nTopics := rd.ReadCompactArrayLen()
	for i := 0; i < nTopics && rd.Err() == nil; i++ {
		topic := rd.ReadCompactString()
		nParts := rd.ReadCompactArrayLen()
		for j := 0; j < nParts && rd.Err() == nil; j++ {
			b := ProducedBatch{Topic: topic, Partition: rd.ReadInt32()}
			b.Records = rd.ReadCompactBytes()
			rd.SkipTaggedFields()
			batches = append(batches, b)
		}
		rd.SkipTaggedFields()
	}
	return acks, batches
}

// ProduceAckBody acks every batch in a produce request, assigning offsets
// through baseOffset.
func ProduceAckBody(batches []ProducedBatch, baseOffset func(topic string, partition int32) int64) []byte {
	byTopic := map[string][]ProducedBatch{}
	var order []string
	for _, b := range batches {
		if _, ok := byTopic[b.Topic]; !ok {
			order = append(order, b.Topic)
		}
		byTopic[b.Topic] = append(byTopic[b.Topic], b)
	}

	w := protocol.NewWriter(256)
	w.WriteCompactArrayLen(len(order))
	for _, topic := range order {
		w.WriteCompactString(topic)
		w.WriteCompactArrayLen(len(byTopic[topic]))
		for _, b := range byTopic[topic] {
			w.WriteInt32(b.Partition)
			w.WriteInt16(0)
			w.WriteInt64(baseOffset(topic, b.Partition))
			w.WriteInt64(-1) // log append time
			w.WriteInt64(0)  // log start offset
			w.WriteCompactArrayLen(0)
			w.WriteCompactNullableString(nil)
			w.WriteEmptyTaggedFields()
		}
		w.WriteEmptyTaggedFields()
	}
	w.WriteInt32(0) // throttle
	w.WriteEmptyTaggedFields()
	return w.Bytes()
}

// InitProducerIDBody assigns the given identity.
func InitProducerIDBody(producerID int64, epoch int16) []byte {
	w := protocol.NewWriter(32)
	w.WriteInt32(0) // throttle
	w.WriteInt16(0) // error
	w.WriteInt64(producerID)
	w.WriteInt16(epoch)
	w.WriteEmptyTaggedFields()
	return w.Bytes()
}
