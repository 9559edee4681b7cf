package kafkatest

import (
	"github.com/google/uuid"

	"github.com/grafana/kafkaclient/pkg/apis"
	"github.com/grafana/kafkaclient/pkg/protocol"
)

// TopicSpec declares one topic hosted by the scripted cluster.
type TopicSpec struct {
	Name       string
	ID         uuid.UUID
	Partitions int32
}

// NodeID is the node id the scripted broker reports for itself.
const NodeID int32 = 1

// ServeDefault scripts ApiVersions and Metadata so the broker presents
// itself as a single-node cluster leading every partition of topics.
func (b *Broker) ServeDefault(topics ...TopicSpec) {
	b.Handle(apis.KeyApiVersions, func(*Request) []byte { return ApiVersionsBody() })
	b.Handle(apis.KeyMetadata, func(*Request) []byte { return b.MetadataBody(topics...) })
}

// ApiVersionsBody advertises every API in the client registry at exactly the
// range the client implements.
func ApiVersionsBody() []byte {
	w := protocol.NewWriter(256)
	w.WriteInt16(0) // error code
	w.WriteCompactArrayLen(len(apis.Registry))
	for key, r := range apis.Registry {
		w.WriteInt16(key)
		w.WriteInt16(r.Min)
		w.WriteInt16(r.Max)
		w.WriteEmptyTaggedFields()
	}
	w.WriteInt32(0) // throttle
	w.WriteEmptyTaggedFields()
	return w.Bytes()
}

// MetadataBody renders a v12 metadata response for a single-node cluster
// whose only broker is this one.
func (b *Broker) MetadataBody(topics ...TopicSpec) []byte {
	self := b.Addr()
	clusterID := "kafkatest"

	w := protocol.NewWriter(512)
	w.WriteInt32(0) // throttle
	w.WriteCompactArrayLen(1)
	w.WriteInt32(NodeID)
	w.WriteCompactString(self.Host)
	w.WriteInt32(self.Port)
	w.WriteCompactNullableString(nil) // rack
	w.WriteEmptyTaggedFields()
	w.WriteCompactNullableString(&clusterID)
	w.WriteInt32(NodeID) // controller
	w.WriteCompactArrayLen(len(topics))
	for _, t := range topics {
		name := t.Name
		w.WriteInt16(0) // error code
		w.WriteCompactNullableString(&name)
		w.WriteUUID(t.ID)
		w.WriteBool(false) // internal
		w.WriteCompactArrayLen(int(t.Partitions))
		for p := int32(0); p < t.Partitions; p++ {
			w.WriteInt16(0) // error code
			w.WriteInt32(p)
			w.WriteInt32(NodeID) // leader
			w.WriteInt32(0)      // leader epoch
			w.WriteCompactArrayLen(1)
			w.WriteInt32(NodeID) // replicas
			w.WriteCompactArrayLen(1)
			w.WriteInt32(NodeID)      // isr
			w.WriteCompactArrayLen(0) // offline
			w.WriteEmptyTaggedFields()
		}
		w.WriteInt32(-2147483648) // authorized operations
		w.WriteEmptyTaggedFields()
	}
	w.WriteEmptyTaggedFields()
	return w.Bytes()
}

// ErrorBody renders the trivial throttle+error body shared by several
// responses (Heartbeat among them).
func ErrorBody(code int16) []byte {
	w := protocol.NewWriter(16)
	w.WriteInt32(0)
	w.WriteInt16(code)
	w.WriteEmptyTaggedFields()
	return w.Bytes()
}

// ProduceBody renders a produce response acking one partition of one topic
// with errorCode and baseOffset.
func ProduceBody(topic string, partition int32, errorCode int16, baseOffset int64) []byte {
	w := protocol.NewWriter(128)
	w.WriteCompactArrayLen(1)
	w.WriteCompactString(topic)
	w.WriteCompactArrayLen(1)
	w.WriteInt32(partition)
	w.WriteInt16(errorCode)
	w.WriteInt64(baseOffset)
	w.WriteInt64(-1) // log append time
	w.WriteInt64(0)  // log start offset
	w.WriteCompactArrayLen(0)
	w.WriteCompactNullableString(nil)
	w.WriteEmptyTaggedFields()
	w.WriteEmptyTaggedFields()
	w.WriteInt32(0) // throttle
	w.WriteEmptyTaggedFields()
	return w.Bytes()
}

// FindCoordinatorBody points the given group key at this broker.
func (b *Broker) FindCoordinatorBody(key string) []byte {
	self := b.Addr()
	w := protocol.NewWriter(64)
	w.WriteInt32(0) // throttle
	w.WriteCompactArrayLen(1)
	w.WriteCompactString(key)
	w.WriteInt32(NodeID)
	w.WriteCompactString(self.Host)
	w.WriteInt32(self.Port)
	w.WriteInt16(0)
	w.WriteCompactNullableString(nil)
	w.WriteEmptyTaggedFields()
	w.WriteEmptyTaggedFields()
	return w.Bytes()
}
