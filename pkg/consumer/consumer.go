// Package consumer implements consumer groups: the
// find-coordinator/join/sync/heartbeat state machine, the per-stream fetch
// scheduler, and offset management.
package consumer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.uber.org/multierr"

	"github.com/grafana/kafkaclient/pkg/apis"
	"github.com/grafana/kafkaclient/pkg/client"
	"github.com/grafana/kafkaclient/pkg/conn"
	"github.com/grafana/kafkaclient/pkg/errs"
	"github.com/grafana/kafkaclient/pkg/kerr"
)

// Consumer is a group member multiplexing any number of message streams.
// Control traffic shares the client's pool; fetch traffic uses its own so a
// long-polling Fetch never queues ahead of a heartbeat.
type Consumer struct {
	cl        *client.Client
	cfg       Config
	logger    log.Logger
	fetchPool *conn.Pool
	isolation int8

	// OnRebalance, when set, observes every rebalance the coordinator
	// forces on this member.
	OnRebalance func()

	mtx              sync.Mutex
	memberID         string
	generationID     int32
	isLeader         bool
	protocolName     string
	coordinatorID    int32
	coordinator      conn.Broker
	membershipActive bool
	subscribed       []string
	assignments      map[string][]int32
	members          map[string][]string
	hbStop           chan struct{}
	hbDone           chan struct{}
	streams          map[*MessageStream]struct{}
	closed           bool

	// joinMtx serializes join rounds; heartbeat-triggered rejoins and
	// Consume calls must not interleave join state.
	joinMtx sync.Mutex
}

// New builds a consumer on top of cl.
func New(cl *client.Client, cfg Config) (*Consumer, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	isolation, err := cfg.isolation()
	if err != nil {
		return nil, err
	}

	return &Consumer{
		cl:           cl,
		cfg:          cfg,
		logger:       log.With(cl.Logger(), "component", "consumer", "group", cfg.GroupID),
		fetchPool:    cl.NewPool(),
		isolation:    isolation,
		generationID: -1,
		assignments:  map[string][]int32{},
		streams:      map[*MessageStream]struct{}{},
	}, nil
}

// MemberID returns the coordinator-issued member id, empty before the first
// join and after a reset.
func (c *Consumer) MemberID() string {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.memberID
}

// GenerationID returns the current group generation.
func (c *Consumer) GenerationID() int32 {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.generationID
}

// Assignments returns this member's current partition assignment.
func (c *Consumer) Assignments() map[string][]int32 {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	out := make(map[string][]int32, len(c.assignments))
	for t, ps := range c.assignments {
		out[t] = append([]int32{}, ps...)
	}
	return out
}

// FindGroupCoordinator resolves the coordinator for this consumer's group.
func (c *Consumer) FindGroupCoordinator(ctx context.Context) (conn.Broker, error) {
	_, broker, err := c.cl.FindCoordinator(ctx, c.cfg.GroupID)
	return broker, err
}

// ensureJoined makes sure the member is in the group and subscribed to
// topics, joining or rejoining as needed.
func (c *Consumer) ensureJoined(ctx context.Context, topics []string) error {
	c.mtx.Lock()
	if c.closed {
		c.mtx.Unlock()
		return errs.NewNetwork("consumer closed", nil, true)
	}
	already := c.membershipActive && containsAll(c.subscribed, topics)
	c.subscribed = union(c.subscribed, topics)
	c.mtx.Unlock()

	if already {
		return nil
	}
	return c.joinGroup(ctx)
}

func containsAll(have, want []string) bool {
	set := map[string]struct{}{}
	for _, t := range have {
		set[t] = struct{}{}
	}
	for _, t := range want {
		if _, ok := set[t]; !ok {
			return false
		}
	}
	return true
}

func union(a, b []string) []string {
	set := map[string]struct{}{}
	var out []string
	for _, t := range append(append([]string{}, a...), b...) {
		if _, ok := set[t]; !ok {
			set[t] = struct{}{}
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}

// joinGroup runs one full join round: find coordinator, join, sync, schedule
// the heartbeat. It loops on errors that demand a fresh join. A consumer
// closed mid-join resolves as a no-op rather than an error.
func (c *Consumer) joinGroup(ctx context.Context) error {
	c.joinMtx.Lock()
	defer c.joinMtx.Unlock()

	c.stopHeartbeat()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RebalanceTimeout)
	defer cancel()

	for {
		if c.isClosed() {
			return nil
		}

		coordinatorID, coordinator, err := c.cl.FindCoordinator(ctx, c.cfg.GroupID)
		if err != nil {
			return err
		}
		c.mtx.Lock()
		c.coordinatorID, c.coordinator = coordinatorID, coordinator
		c.mtx.Unlock()

		join, err := c.sendJoin(ctx, coordinator)
		switch {
		case err == nil:
		case c.isClosed():
			return nil
		case kerr.IsMemberIDRequired(err):
			// The coordinator assigned us an id; rejoin carrying it.
			continue
		case kerr.IsUnknownMemberID(err):
			c.setMemberID("")
			continue
		case kerr.IsRebalanceInProgress(err):
			c.emitRebalance()
			continue
		case errs.HasAny(err, func(e error) bool { return e == kerr.NotCoordinator || e == kerr.CoordinatorNotAvailable }):
			c.cl.InvalidateMetadata()
			continue
		default:
			return err
		}

		assignment, err := c.sync(ctx, coordinator, join)
		switch {
		case err == nil:
		case c.isClosed():
			return nil
		case kerr.NeedsRejoin(err):
			if kerr.IsUnknownMemberID(err) {
				c.setMemberID("")
			}
			c.emitRebalance()
			continue
		default:
			return err
		}

		c.adoptAssignment(join, assignment)
		c.startHeartbeat()
		metricJoins.Inc()
		level.Debug(c.logger).Log("msg", "joined group",
			"member", join.MemberID, "generation", join.GenerationID, "leader", c.isLeader)
		return nil
	}
}

func (c *Consumer) isClosed() bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.closed
}

func (c *Consumer) setMemberID(id string) {
	c.mtx.Lock()
	c.memberID = id
	c.mtx.Unlock()
}

func (c *Consumer) emitRebalance() {
	metricRebalances.Inc()
	if c.OnRebalance != nil {
		c.OnRebalance()
	}
}

// sendJoin issues one JoinGroup and surfaces its error code. On
// MEMBER_ID_REQUIRED the server-assigned member id is adopted before the
// error is returned.
func (c *Consumer) sendJoin(ctx context.Context, coordinator conn.Broker) (*apis.JoinGroupResponse, error) {
	c.mtx.Lock()
	memberID := c.memberID
	topics := append([]string{}, c.subscribed...)
	c.mtx.Unlock()

	protocols := make([]apis.JoinGroupRequestProtocol, 0, len(c.cfg.Protocols))
	for _, p := range c.cfg.Protocols {
		metadata := p.Metadata
		if metadata == nil {
			metadata = (&apis.SubscriptionMetadata{Version: p.Version, Topics: topics}).Encode()
		}
		protocols = append(protocols, apis.JoinGroupRequestProtocol{Name: p.Name, Metadata: metadata})
	}

	req := &apis.JoinGroupRequest{
		GroupID:            c.cfg.GroupID,
		SessionTimeoutMs:   int32(c.cfg.SessionTimeout.Milliseconds()),
		RebalanceTimeoutMs: int32(c.cfg.RebalanceTimeout.Milliseconds()),
		MemberID:           memberID,
		ProtocolType:       "consumer",
		Protocols:          protocols,
	}

	var join *apis.JoinGroupResponse
	err := c.cl.WithRetry(ctx, "JoinGroup", func(ctx context.Context) error {
		resp, err := c.cl.Request(ctx, coordinator, req)
		if err != nil {
			return err
		}
		join = resp.(*apis.JoinGroupResponse)
		if err := kerr.ErrorForCode(join.ErrorCode); err != nil {
			if kerr.IsMemberIDRequired(err) && join.MemberID != "" {
				c.setMemberID(join.MemberID)
			}
			return fmt.Errorf("joining group %q: %w", c.cfg.GroupID, err)
		}
		return nil
	}, func(err error) bool {
		// Rejoin-class errors restart the outer loop immediately.
		return kerr.NeedsRejoin(err)
	})
	if err != nil {
		return nil, err
	}
	c.setMemberID(join.MemberID)
	return join, nil
}

// sync completes the round: the leader computes and distributes assignments,
// followers send an empty plan, and everyone decodes its own slice.
func (c *Consumer) sync(ctx context.Context, coordinator conn.Broker, join *apis.JoinGroupResponse) (*apis.MemberAssignment, error) {
	req := &apis.SyncGroupRequest{
		GroupID:      c.cfg.GroupID,
		GenerationID: join.GenerationID,
		MemberID:     join.MemberID,
		ProtocolType: strPtr("consumer"),
		ProtocolName: join.ProtocolName,
	}

	if join.Leader == join.MemberID {
		plans, err := c.leaderAssign(ctx, join)
		if err != nil {
			return nil, err
		}
		for _, plan := range plans {
			topics := make([]apis.MemberAssignmentTopic, 0, len(plan.Assignments))
			for _, topic := range sortedKeys(plan.Assignments) {
				topics = append(topics, apis.MemberAssignmentTopic{
					Topic:      topic,
					Partitions: plan.Assignments[topic],
				})
			}
			req.Assignments = append(req.Assignments, apis.SyncGroupRequestAssignment{
				MemberID:   plan.MemberID,
				Assignment: (&apis.MemberAssignment{Version: 0, Topics: topics}).Encode(),
			})
		}
	}

	var sg *apis.SyncGroupResponse
	err := c.cl.WithRetry(ctx, "SyncGroup", func(ctx context.Context) error {
		resp, err := c.cl.Request(ctx, coordinator, req)
		if err != nil {
			return err
		}
		sg = resp.(*apis.SyncGroupResponse)
		if err := kerr.ErrorForCode(sg.ErrorCode); err != nil {
			return fmt.Errorf("syncing group %q: %w", c.cfg.GroupID, err)
		}
		return nil
	}, func(err error) bool { return kerr.NeedsRejoin(err) })
	if err != nil {
		return nil, err
	}
	return apis.DecodeMemberAssignment(sg.Assignment)
}

// leaderAssign decodes every member's subscription, loads metadata for the
// union of topics, and runs the configured assigner.
func (c *Consumer) leaderAssign(ctx context.Context, join *apis.JoinGroupResponse) ([]MemberPlan, error) {
	members := make(map[string][]string, len(join.Members))
	var allTopics []string
	for _, m := range join.Members {
		sub, err := apis.DecodeSubscriptionMetadata(m.Metadata)
		if err != nil {
			return nil, fmt.Errorf("decoding subscription of member %q: %w", m.MemberID, err)
		}
		members[m.MemberID] = sub.Topics
		allTopics = union(allTopics, sub.Topics)
	}

	meta, err := c.cl.Metadata(ctx, client.MetadataOptions{Topics: allTopics})
	if err != nil {
		return nil, err
	}

	c.mtx.Lock()
	c.members = members
	c.mtx.Unlock()

	return c.cfg.PartitionAssigner(join.MemberID, members, allTopics, meta)
}

func (c *Consumer) adoptAssignment(join *apis.JoinGroupResponse, assignment *apis.MemberAssignment) {
	assigned := map[string][]int32{}
	for _, t := range assignment.Topics {
		assigned[t.Topic] = append([]int32{}, t.Partitions...)
	}

	c.mtx.Lock()
	c.generationID = join.GenerationID
	c.isLeader = join.Leader == join.MemberID
	if join.ProtocolName != nil {
		c.protocolName = *join.ProtocolName
	}
	c.assignments = assigned
	c.membershipActive = true
	c.mtx.Unlock()
}

func strPtr(s string) *string { return &s }

func sortedKeys(m map[string][]int32) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// startHeartbeat schedules the recurring heartbeat. While the membership is
// active exactly one timer is pending.
func (c *Consumer) startHeartbeat() {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.closed || c.hbStop != nil {
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	c.hbStop, c.hbDone = stop, done
	go c.heartbeatLoop(stop, done)
}

func (c *Consumer) stopHeartbeat() {
	c.mtx.Lock()
	stop, done := c.hbStop, c.hbDone
	c.hbStop, c.hbDone = nil, nil
	c.mtx.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
}

// heartbeatLoop keeps the membership alive. Heartbeats keep firing unless
// the group membership is lost: a needs-rejoin error restarts the join loop,
// anything else is logged and the timer rescheduled.
func (c *Consumer) heartbeatLoop(stop, done chan struct{}) {
	defer close(done)
	timer := time.NewTimer(c.cfg.HeartbeatInterval)
	defer timer.Stop()

	for {
		select {
		case <-stop:
			return
		case <-timer.C:
		}

		err := c.sendHeartbeat(stop)
		select {
		case <-stop:
			// A heartbeat in flight during close resolves silently.
			return
		default:
		}

		if err != nil && kerr.NeedsRejoin(err) {
			if kerr.IsUnknownMemberID(err) {
				c.setMemberID("")
			}
			c.emitRebalance()
			c.mtx.Lock()
			c.membershipActive = false
			c.hbStop, c.hbDone = nil, nil
			c.mtx.Unlock()
			go c.rejoin()
			return
		}
		if err != nil {
			level.Warn(c.logger).Log("msg", "heartbeat failed", "err", err)
		}
		timer.Reset(c.cfg.HeartbeatInterval)
	}
}

func (c *Consumer) sendHeartbeat(stop chan struct{}) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.SessionTimeout)
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	c.mtx.Lock()
	req := &apis.HeartbeatRequest{
		GroupID:      c.cfg.GroupID,
		GenerationID: c.generationID,
		MemberID:     c.memberID,
	}
	coordinator := c.coordinator
	c.mtx.Unlock()

	resp, err := c.cl.Request(ctx, coordinator, req)
	if err != nil {
		return err
	}
	hb := resp.(*apis.HeartbeatResponse)
	if err := kerr.ErrorForCode(hb.ErrorCode); err != nil {
		return fmt.Errorf("heartbeat for group %q: %w", c.cfg.GroupID, err)
	}
	return nil
}

func (c *Consumer) rejoin() {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RebalanceTimeout)
	defer cancel()
	if err := c.joinGroup(ctx); err != nil {
		level.Warn(c.logger).Log("msg", "rejoin after rebalance failed", "err", err)
	}
}

// CommitOffset names one offset to store for the group.
type CommitOffset struct {
	Topic       string
	Partition   int32
	Offset      int64
	LeaderEpoch int32
}

// Commit stores offsets with the group coordinator.
func (c *Consumer) Commit(ctx context.Context, offsets []CommitOffset) error {
	if len(offsets) == 0 {
		return nil
	}
	c.mtx.Lock()
	if c.closed {
		c.mtx.Unlock()
		return errs.NewNetwork("consumer closed", nil, true)
	}
	coordinator := c.coordinator
	req := &apis.OffsetCommitRequest{
		GroupID:      c.cfg.GroupID,
		GenerationID: c.generationID,
		MemberID:     c.memberID,
	}
	c.mtx.Unlock()

	byTopic := map[string][]apis.OffsetCommitRequestPartition{}
	for _, o := range offsets {
		byTopic[o.Topic] = append(byTopic[o.Topic], apis.OffsetCommitRequestPartition{
			PartitionIndex:       o.Partition,
			CommittedOffset:      o.Offset,
			CommittedLeaderEpoch: o.LeaderEpoch,
		})
	}
	for _, topic := range sortedStringKeys(byTopic) {
		req.Topics = append(req.Topics, apis.OffsetCommitRequestTopic{
			Name:       topic,
			Partitions: byTopic[topic],
		})
	}

	return c.cl.WithRetry(ctx, "OffsetCommit", func(ctx context.Context) error {
		resp, err := c.cl.Request(ctx, coordinator, req)
		if err != nil {
			return err
		}
		oc := resp.(*apis.OffsetCommitResponse)
		var partErrs []error
		for _, t := range oc.Topics {
			for _, p := range t.Partitions {
				if err := kerr.ErrorForCode(p.ErrorCode); err != nil {
					partErrs = append(partErrs, fmt.Errorf("committing %s/%d: %w", t.Name, p.PartitionIndex, err))
				}
			}
		}
		if len(partErrs) > 0 {
			return errs.NewResponse("offset commit rejected partitions", partErrs...)
		}
		metricCommits.Inc()
		return nil
	}, func(err error) bool { return kerr.NeedsRejoin(err) })
}

func sortedStringKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Close tears the consumer down. With live streams it refuses unless force
// is set; with force it closes every stream first, then leaves the group and
// releases the fetch pool. An UNKNOWN_MEMBER_ID on the final leave is
// swallowed: the server may simply have expired us already.
func (c *Consumer) Close(ctx context.Context, force bool) error {
	c.mtx.Lock()
	if c.closed {
		c.mtx.Unlock()
		return nil
	}
	if len(c.streams) > 0 && !force {
		n := len(c.streams)
		c.mtx.Unlock()
		return errs.New(errs.KindUser, fmt.Sprintf("consumer has %d live streams; close them or pass force", n))
	}
	c.closed = true
	c.membershipActive = false
	streams := make([]*MessageStream, 0, len(c.streams))
	for s := range c.streams {
		streams = append(streams, s)
	}
	c.streams = map[*MessageStream]struct{}{}
	memberID := c.memberID
	coordinator := c.coordinator
	hadMembership := memberID != ""
	c.mtx.Unlock()

	c.stopHeartbeat()

	var closeErr error
	for _, s := range streams {
		closeErr = multierr.Append(closeErr, s.Close(ctx))
	}

	if hadMembership {
		req := &apis.LeaveGroupRequest{
			GroupID: c.cfg.GroupID,
			Members: []apis.LeaveGroupRequestMember{{MemberID: memberID}},
		}
		resp, err := c.cl.Request(ctx, coordinator, req)
		if err == nil {
			lg := resp.(*apis.LeaveGroupResponse)
			err = kerr.ErrorForCode(lg.ErrorCode)
			for _, m := range lg.Members {
				if err == nil {
					err = kerr.ErrorForCode(m.ErrorCode)
				}
			}
		}
		if err != nil && !kerr.IsUnknownMemberID(err) {
			closeErr = multierr.Append(closeErr, err)
		}
	}
	c.setMemberID("")

	c.fetchPool.Close()
	return closeErr
}
