// Package integration exercises the full client stack, admin to producer to
// consumer, against a stateful scripted broker.
package integration

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/grafana/kafkaclient/pkg/apis"
	"github.com/grafana/kafkaclient/pkg/kafkatest"
	"github.com/grafana/kafkaclient/pkg/protocol/records"
)

// cluster is a single-node broker simulation with real partition logs:
// produce appends (deduplicating idempotent batches by sequence), fetch
// serves, create-topics registers topics in metadata.
type cluster struct {
	broker *kafkatest.Broker
	group  *kafkatest.GroupState

	mtx    sync.Mutex
	topics map[string]kafkatest.TopicSpec
	logs   map[string]map[int32]*plog
	// nextSeq tracks the expected first sequence per producer-id and
	// partition; batches below it are duplicates of retried sends.
	nextSeq map[string]int32
}

type plog struct {
	batches [][]byte
	end     int64
}

func newCluster(groupID string) (*cluster, error) {
	broker, err := kafkatest.NewBroker()
	if err != nil {
		return nil, err
	}
	c := &cluster{
		broker:  broker,
		topics:  map[string]kafkatest.TopicSpec{},
		logs:    map[string]map[int32]*plog{},
		nextSeq: map[string]int32{},
	}

	broker.Handle(apis.KeyApiVersions, func(*kafkatest.Request) []byte {
		return kafkatest.ApiVersionsBody()
	})
	broker.Handle(apis.KeyMetadata, func(*kafkatest.Request) []byte {
		c.mtx.Lock()
		specs := make([]kafkatest.TopicSpec, 0, len(c.topics))
		for _, s := range c.topics {
			specs = append(specs, s)
		}
		c.mtx.Unlock()
		return broker.MetadataBody(specs...)
	})
	broker.Handle(apis.KeyCreateTopics, c.handleCreateTopics)
	broker.Handle(apis.KeyInitProducerID, func(*kafkatest.Request) []byte {
		return kafkatest.InitProducerIDBody(7000, 0)
	})
	broker.Handle(apis.KeyProduce, c.handleProduce)
	broker.Handle(apis.KeyFetch, c.handleFetch)
	broker.Handle(apis.KeyListOffsets, c.handleListOffsets)
	c.group = broker.ServeGroup(groupID)
	return c, nil
}

func (c *cluster) close() { c.broker.Close() }

// addTopic registers a topic with the given partition count.
func (c *cluster) addTopic(name string, partitions int32) kafkatest.TopicSpec {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.addTopicLocked(name, partitions)
}

func (c *cluster) addTopicLocked(name string, partitions int32) kafkatest.TopicSpec {
	spec := kafkatest.TopicSpec{
		Name:       name,
		ID:         uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)),
		Partitions: partitions,
	}
	c.topics[name] = spec
	parts := map[int32]*plog{}
	for p := int32(0); p < partitions; p++ {
		parts[p] = &plog{}
	}
	c.logs[name] = parts
	return spec
}

func (c *cluster) handleCreateTopics(req *kafkatest.Request) []byte {
	rd := req.Reader()
	var results []kafkatest.TopicResult
	c.mtx.Lock()
	n := rd.ReadCompactArrayLen()
	for i := 0; i < n && rd.Err() == nil; i++ {
		name := rd.ReadCompactString()
		partitions := rd.ReadInt32()
		_ = rd.ReadInt16() // replication factor
		nAssign := rd.ReadCompactArrayLen()
		for j := 0; j < nAssign; j++ {
			_ = rd.ReadInt32()
			nBrokers := rd.ReadCompactArrayLen()
			for k := 0; k < nBrokers; k++ {
				_ = rd.ReadInt32()
			}
			rd.SkipTaggedFields()
		}
		nConfigs := rd.ReadCompactArrayLen()
		for j := 0; j < nConfigs; j++ {
			_ = rd.ReadCompactString()
			_ = rd.ReadCompactNullableString()
			rd.SkipTaggedFields()
		}
		rd.SkipTaggedFields()

		if partitions <= 0 {
			partitions = 1
		}
		spec := c.addTopicLocked(name, partitions)
		results = append(results, kafkatest.TopicResult{Name: name, ID: spec.ID})
	}
	c.mtx.Unlock()
	return kafkatest.CreateTopicsBody(results...)
}

func (c *cluster) handleProduce(req *kafkatest.Request) []byte {
	acks, batches := kafkatest.ParseProduce(req)

	c.mtx.Lock()
	offsets := map[string]int64{}
	for _, b := range batches {
		log := c.logs[b.Topic][b.Partition]
		decoded, err := records.Decode(b.Records)
		if err != nil {
			continue
		}

		if decoded.ProducerID >= 0 {
			key := fmt.Sprintf("%d/%s/%d", decoded.ProducerID, b.Topic, b.Partition)
			if decoded.FirstSequence < c.nextSeq[key] {
				// A retried batch the log already holds; ack without
				// appending.
				offsets[b.Topic+"/"+fmt.Sprint(b.Partition)] = log.end - int64(len(decoded.Records))
				continue
			}
			c.nextSeq[key] = decoded.FirstSequence + int32(len(decoded.Records))
		}

		// Rebase the batch at the log end; the first-offset field is
		// outside the CRC's coverage.
		raw := append([]byte{}, b.Records...)
		binary.BigEndian.PutUint64(raw[0:8], uint64(log.end))
		offsets[b.Topic+"/"+fmt.Sprint(b.Partition)] = log.end
		log.batches = append(log.batches, raw)
		log.end += int64(len(decoded.Records))
	}
	c.mtx.Unlock()

	if acks == apis.AcksNone {
		return nil
	}
	return kafkatest.ProduceAckBody(batches, func(topic string, partition int32) int64 {
		return offsets[topic+"/"+fmt.Sprint(partition)]
	})
}

func (c *cluster) handleFetch(req *kafkatest.Request) []byte {
	wanted := kafkatest.ParseFetch(req)

	c.mtx.Lock()
	defer c.mtx.Unlock()
	for id, parts := range wanted {
		var topic string
		for name, spec := range c.topics {
			if spec.ID == id {
				topic = name
				break
			}
		}
		if topic == "" {
			continue
		}

		var out []kafkatest.FetchPartition
		for p, from := range parts {
			log := c.logs[topic][p]
			var raw []byte
			for _, b := range log.batches {
				decoded, err := records.Decode(b)
				if err != nil {
					continue
				}
				if decoded.FirstOffset+int64(decoded.LastOffsetDelta) >= from {
					raw = append(raw, b...)
				}
			}
			out = append(out, kafkatest.FetchPartition{
				Partition:     p,
				HighWatermark: log.end,
				Records:       raw,
			})
		}
		return kafkatest.FetchBody(id, out...)
	}
	return kafkatest.FetchBody(uuid.Nil)
}

func (c *cluster) handleListOffsets(req *kafkatest.Request) []byte {
	rd := req.Reader()
	_ = rd.ReadInt32() // replica
	_ = rd.ReadInt8()  // isolation

	offsets := map[string]map[int32]int64{}
	c.mtx.Lock()
	n := rd.ReadCompactArrayLen()
	for i := 0; i < n && rd.Err() == nil; i++ {
		topic := rd.ReadCompactString()
		offsets[topic] = map[int32]int64{}
		nParts := rd.ReadCompactArrayLen()
		for j := 0; j < nParts && rd.Err() == nil; j++ {
			p := rd.ReadInt32()
			_ = rd.ReadInt32() // epoch
			ts := rd.ReadInt64()
			rd.SkipTaggedFields()
			if log, ok := c.logs[topic][p]; ok && ts == apis.ListOffsetsLatest {
				offsets[topic][p] = log.end
			} else {
				offsets[topic][p] = 0
			}
		}
		rd.SkipTaggedFields()
	}
	c.mtx.Unlock()
	return kafkatest.ListOffsetsBody(offsets)
}
