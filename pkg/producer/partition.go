package producer

import (
	"github.com/grafana/kafkaclient/pkg/protocol"
)

// partitionFor resolves a message's destination partition: the pinned
// partition if set, then the configured partitioner, then murmur2 over the
// key, then per-topic round robin.
func (p *Producer) partitionFor(m Message, numPartitions int32) int32 {
	if m.Partition != nil {
		// Out-of-range pins are normalized modulo the partition count,
		// the same coercion brokers apply.
		part := *m.Partition % numPartitions
		if part < 0 {
			part += numPartitions
		}
		return part
	}
	if p.cfg.Partitioner != nil {
		return p.cfg.Partitioner(m, numPartitions) % numPartitions
	}
	if len(m.Key) > 0 {
		return protocol.MurmurPartition(m.Key, numPartitions)
	}

	p.rrMtx.Lock()
	defer p.rrMtx.Unlock()
	next := p.roundRobin[m.Topic]
	p.roundRobin[m.Topic] = next + 1
	return int32(next % uint32(numPartitions))
}
