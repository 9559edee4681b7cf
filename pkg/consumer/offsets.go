package consumer

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/grafana/kafkaclient/pkg/apis"
	"github.com/grafana/kafkaclient/pkg/client"
	"github.com/grafana/kafkaclient/pkg/errs"
	"github.com/grafana/kafkaclient/pkg/kerr"
)

type topicPartition struct {
	topic     string
	partition int32
}

// ListOffsets resolves the log offsets of every partition of topics at the
// given sentinel timestamp (apis.ListOffsetsLatest or
// apis.ListOffsetsEarliest).
func (c *Consumer) ListOffsets(ctx context.Context, topics []string, timestamp int64) (map[string]map[int32]int64, error) {
	meta, err := c.cl.Metadata(ctx, client.MetadataOptions{Topics: topics})
	if err != nil {
		return nil, err
	}
	want := map[topicPartition]struct{}{}
	for _, topic := range topics {
		tm, ok := meta.Topics[topic]
		if !ok {
			return nil, fmt.Errorf("topic %q: %w", topic, kerr.UnknownTopicOrPartition)
		}
		for p := int32(0); p < tm.PartitionsCount; p++ {
			want[topicPartition{topic, p}] = struct{}{}
		}
	}

	flat, err := c.listOffsetsFor(ctx, want, timestamp)
	if err != nil {
		return nil, err
	}
	return nest(flat), nil
}

// listOffsetsFor resolves offsets for an explicit partition set, one
// ListOffsets per leader broker, concurrently.
func (c *Consumer) listOffsetsFor(ctx context.Context, want map[topicPartition]struct{}, timestamp int64) (map[topicPartition]int64, error) {
	topics := map[string]struct{}{}
	for tp := range want {
		topics[tp.topic] = struct{}{}
	}
	meta, err := c.cl.Metadata(ctx, client.MetadataOptions{Topics: sortedStringKeys(topics)})
	if err != nil {
		return nil, err
	}

	byLeader := map[int32]map[string][]apis.ListOffsetsRequestPartition{}
	for tp := range want {
		leader, err := meta.Leader(tp.topic, tp.partition)
		if err != nil {
			return nil, err
		}
		if byLeader[leader] == nil {
			byLeader[leader] = map[string][]apis.ListOffsetsRequestPartition{}
		}
		byLeader[leader][tp.topic] = append(byLeader[leader][tp.topic], apis.ListOffsetsRequestPartition{
			PartitionIndex:     tp.partition,
			CurrentLeaderEpoch: -1,
			Timestamp:          timestamp,
		})
	}

	var (
		mtx sync.Mutex
		out = map[topicPartition]int64{}
	)
	g, gctx := errgroup.WithContext(ctx)
	for leader, byTopic := range byLeader {
		g.Go(func() error {
			req := &apis.ListOffsetsRequest{IsolationLevel: c.isolation}
			for _, topic := range sortedStringKeys(byTopic) {
				req.Topics = append(req.Topics, apis.ListOffsetsRequestTopic{
					Name:       topic,
					Partitions: byTopic[topic],
				})
			}

			return c.cl.WithRetry(gctx, "ListOffsets", func(ctx context.Context) error {
				resp, err := c.cl.RequestNode(ctx, leader, req)
				if err != nil {
					return err
				}
				lo := resp.(*apis.ListOffsetsResponse)
				var partErrs []error
				mtx.Lock()
				defer mtx.Unlock()
				for _, t := range lo.Topics {
					for _, p := range t.Partitions {
						tp := topicPartition{t.Name, p.PartitionIndex}
						if _, ok := want[tp]; !ok {
							continue
						}
						if err := kerr.ErrorForCode(p.ErrorCode); err != nil {
							partErrs = append(partErrs, fmt.Errorf("listing offsets of %s/%d: %w", t.Name, p.PartitionIndex, err))
							continue
						}
						out[tp] = p.Offset
					}
				}
				if len(partErrs) > 0 {
					return errs.NewResponse("list offsets rejected partitions", partErrs...)
				}
				return nil
			}, nil)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// ListCommittedOffsets reads the group's committed offsets for topics.
// Partitions without a commit report -1.
func (c *Consumer) ListCommittedOffsets(ctx context.Context, topics []string) (map[string]map[int32]int64, error) {
	meta, err := c.cl.Metadata(ctx, client.MetadataOptions{Topics: topics})
	if err != nil {
		return nil, err
	}
	want := map[topicPartition]struct{}{}
	for _, topic := range topics {
		tm, ok := meta.Topics[topic]
		if !ok {
			return nil, fmt.Errorf("topic %q: %w", topic, kerr.UnknownTopicOrPartition)
		}
		for p := int32(0); p < tm.PartitionsCount; p++ {
			want[topicPartition{topic, p}] = struct{}{}
		}
	}

	flat, err := c.committedOffsetsFor(ctx, want)
	if err != nil {
		return nil, err
	}
	return nest(flat), nil
}

// committedOffsetsFor reads committed offsets for an explicit partition set
// through the group coordinator.
func (c *Consumer) committedOffsetsFor(ctx context.Context, want map[topicPartition]struct{}) (map[topicPartition]int64, error) {
	_, coordinator, err := c.cl.FindCoordinator(ctx, c.cfg.GroupID)
	if err != nil {
		return nil, err
	}

	byTopic := map[string][]int32{}
	for tp := range want {
		byTopic[tp.topic] = append(byTopic[tp.topic], tp.partition)
	}
	group := apis.OffsetFetchRequestGroup{GroupID: c.cfg.GroupID}
	for _, topic := range sortedStringKeys(byTopic) {
		group.Topics = append(group.Topics, apis.OffsetFetchRequestTopic{
			Name:             topic,
			PartitionIndexes: byTopic[topic],
		})
	}
	req := &apis.OffsetFetchRequest{Groups: []apis.OffsetFetchRequestGroup{group}}

	out := map[topicPartition]int64{}
	err = c.cl.WithRetry(ctx, "OffsetFetch", func(ctx context.Context) error {
		resp, err := c.cl.Request(ctx, coordinator, req)
		if err != nil {
			return err
		}
		of := resp.(*apis.OffsetFetchResponse)
		for _, g := range of.Groups {
			if err := kerr.ErrorForCode(g.ErrorCode); err != nil {
				return fmt.Errorf("fetching committed offsets of group %q: %w", g.GroupID, err)
			}
			for _, t := range g.Topics {
				for _, p := range t.Partitions {
					if err := kerr.ErrorForCode(p.ErrorCode); err != nil {
						return fmt.Errorf("fetching committed offset of %s/%d: %w", t.Name, p.PartitionIndex, err)
					}
					out[topicPartition{t.Name, p.PartitionIndex}] = p.CommittedOffset
				}
			}
		}
		return nil
	}, nil)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func nest(flat map[topicPartition]int64) map[string]map[int32]int64 {
	out := map[string]map[int32]int64{}
	for tp, off := range flat {
		if out[tp.topic] == nil {
			out[tp.topic] = map[int32]int64{}
		}
		out[tp.topic][tp.partition] = off
	}
	return out
}
