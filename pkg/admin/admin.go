// Package admin is a thin topic and group administration surface over the
// cluster base.
package admin

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/go-kit/log"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/grafana/kafkaclient/pkg/apis"
	"github.com/grafana/kafkaclient/pkg/client"
	kerrs "github.com/grafana/kafkaclient/pkg/errs"
	"github.com/grafana/kafkaclient/pkg/kerr"
)

// Admin issues topic and group management requests.
type Admin struct {
	cl     *client.Client
	logger log.Logger
}

// New builds an admin surface on top of cl.
func New(cl *client.Client) *Admin {
	return &Admin{cl: cl, logger: log.With(cl.Logger(), "component", "admin")}
}

// TopicDetails describes one topic.
type TopicDetails struct {
	Name       string
	ID         uuid.UUID
	Partitions int32
}

// ListTopics returns every non-internal topic in the cluster.
func (a *Admin) ListTopics(ctx context.Context) ([]TopicDetails, error) {
	meta, err := a.cl.Metadata(ctx, client.MetadataOptions{ForceUpdate: true})
	if err != nil {
		return nil, errors.Wrap(err, "listing topics")
	}
	out := make([]TopicDetails, 0, len(meta.Topics))
	for name, t := range meta.Topics {
		out = append(out, TopicDetails{Name: name, ID: t.ID, Partitions: t.PartitionsCount})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// TopicSpec declares a topic to create. Zero NumPartitions and
// ReplicationFactor defer to broker defaults.
type TopicSpec struct {
	Name              string
	NumPartitions     int32
	ReplicationFactor int16
	Configs           map[string]*string
}

// CreateTopics creates topics on the controller. Every topic must be
// accepted for a nil return; per-topic rejections are aggregated.
func (a *Admin) CreateTopics(ctx context.Context, topics []TopicSpec) error {
	if len(topics) == 0 {
		return nil
	}

	req := &apis.CreateTopicsRequest{
		TimeoutMillis: int32(a.cl.Config().Timeout.Milliseconds()),
	}
	for _, t := range topics {
		rt := apis.CreateTopicsRequestTopic{
			Name:              t.Name,
			NumPartitions:     t.NumPartitions,
			ReplicationFactor: t.ReplicationFactor,
		}
		if rt.NumPartitions == 0 {
			rt.NumPartitions = -1
		}
		if rt.ReplicationFactor == 0 {
			rt.ReplicationFactor = -1
		}
		for _, name := range sortedKeys(t.Configs) {
			rt.Configs = append(rt.Configs, apis.CreateTopicsRequestConfig{Name: name, Value: t.Configs[name]})
		}
		req.Topics = append(req.Topics, rt)
	}

	return a.cl.WithRetry(ctx, "CreateTopics", func(ctx context.Context) error {
		resp, err := a.cl.Controller(ctx, req)
		if err != nil {
			return err
		}
		ct := resp.(*apis.CreateTopicsResponse)
		var topicErrs []error
		for _, t := range ct.Topics {
			if err := kerr.ErrorForCode(t.ErrorCode); err != nil {
				topicErrs = append(topicErrs, fmt.Errorf("creating topic %q: %w", t.Name, err))
			}
		}
		if len(topicErrs) > 0 {
			return kerrs.NewResponse("create topics rejected", topicErrs...)
		}
		a.cl.InvalidateMetadata()
		return nil
	}, func(err error) bool {
		if kerrs.HasAny(err, func(e error) bool { return e == kerr.NotController }) {
			a.cl.InvalidateMetadata()
			return false
		}
		return false
	})
}

// DeleteTopics deletes topics by name on the controller.
func (a *Admin) DeleteTopics(ctx context.Context, names []string) error {
	if len(names) == 0 {
		return nil
	}

	req := &apis.DeleteTopicsRequest{
		TimeoutMillis: int32(a.cl.Config().Timeout.Milliseconds()),
	}
	for _, name := range names {
		n := name
		req.Topics = append(req.Topics, apis.DeleteTopicsRequestTopic{Name: &n})
	}

	return a.cl.WithRetry(ctx, "DeleteTopics", func(ctx context.Context) error {
		resp, err := a.cl.Controller(ctx, req)
		if err != nil {
			return err
		}
		dt := resp.(*apis.DeleteTopicsResponse)
		var topicErrs []error
		for _, t := range dt.Topics {
			if err := kerr.ErrorForCode(t.ErrorCode); err != nil {
				name := ""
				if t.Name != nil {
					name = *t.Name
				}
				topicErrs = append(topicErrs, fmt.Errorf("deleting topic %q: %w", name, err))
			}
		}
		if len(topicErrs) > 0 {
			return kerrs.NewResponse("delete topics rejected", topicErrs...)
		}
		a.cl.InvalidateMetadata()
		return nil
	}, nil)
}

// GroupListing is one group known to a broker.
type GroupListing struct {
	GroupID      string
	ProtocolType string
	State        string
	Type         string
}

// ListGroupsOptions filters the listing; both filters need a broker recent
// enough to understand them and are dropped by version negotiation
// otherwise.
type ListGroupsOptions struct {
	StatesFilter []string
	TypesFilter  []string
}

// ListGroups enumerates groups across every broker of the cluster.
func (a *Admin) ListGroups(ctx context.Context, opts ListGroupsOptions) ([]GroupListing, error) {
	meta, err := a.cl.Metadata(ctx, client.MetadataOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "listing groups")
	}

	var (
		mtx  sync.Mutex
		seen = map[string]GroupListing{}
	)
	g, gctx := errgroup.WithContext(ctx)
	for nodeID := range meta.Brokers {
		g.Go(func() error {
			req := &apis.ListGroupsRequest{
				StatesFilter: opts.StatesFilter,
				TypesFilter:  opts.TypesFilter,
			}
			resp, err := a.cl.RequestNode(gctx, nodeID, req)
			if err != nil {
				return err
			}
			lg := resp.(*apis.ListGroupsResponse)
			if err := kerr.ErrorForCode(lg.ErrorCode); err != nil {
				return fmt.Errorf("listing groups on node %d: %w", nodeID, err)
			}
			mtx.Lock()
			defer mtx.Unlock()
			for _, grp := range lg.Groups {
				seen[grp.GroupID] = GroupListing{
					GroupID:      grp.GroupID,
					ProtocolType: grp.ProtocolType,
					State:        grp.GroupState,
					Type:         grp.GroupType,
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]GroupListing, 0, len(seen))
	for _, l := range seen {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GroupID < out[j].GroupID })
	return out, nil
}

// GroupMember is one member of a described group.
type GroupMember struct {
	MemberID   string
	ClientID   string
	ClientHost string
	// Assignments maps topic to owned partitions, decoded from the classic
	// consumer protocol. Empty for non-consumer protocol types.
	Assignments map[string][]int32
}

// GroupDescription is the detailed state of one group.
type GroupDescription struct {
	GroupID      string
	State        string
	ProtocolType string
	Protocol     string
	Members      []GroupMember
}

// DescribeGroups describes groups, routing each through its coordinator.
func (a *Admin) DescribeGroups(ctx context.Context, groups []string) ([]GroupDescription, error) {
	byCoordinator, err := a.groupsByCoordinator(ctx, groups)
	if err != nil {
		return nil, err
	}

	var (
		mtx sync.Mutex
		out []GroupDescription
	)
	g, gctx := errgroup.WithContext(ctx)
	for coordinator, grps := range byCoordinator {
		g.Go(func() error {
			req := &apis.DescribeGroupsRequest{Groups: grps}
			resp, err := a.cl.RequestNode(gctx, coordinator, req)
			if err != nil {
				return err
			}
			dg := resp.(*apis.DescribeGroupsResponse)
			mtx.Lock()
			defer mtx.Unlock()
			for _, grp := range dg.Groups {
				if err := kerr.ErrorForCode(grp.ErrorCode); err != nil {
					return fmt.Errorf("describing group %q: %w", grp.GroupID, err)
				}
				desc := GroupDescription{
					GroupID:      grp.GroupID,
					State:        grp.GroupState,
					ProtocolType: grp.ProtocolType,
					Protocol:     grp.ProtocolData,
				}
				for _, m := range grp.Members {
					member := GroupMember{
						MemberID:   m.MemberID,
						ClientID:   m.ClientID,
						ClientHost: m.ClientHost,
					}
					if len(m.MemberAssignment) > 0 {
						if assignment, err := apis.DecodeMemberAssignment(m.MemberAssignment); err == nil {
							member.Assignments = map[string][]int32{}
							for _, t := range assignment.Topics {
								member.Assignments[t.Topic] = t.Partitions
							}
						}
					}
					desc.Members = append(desc.Members, member)
				}
				out = append(out, desc)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].GroupID < out[j].GroupID })
	return out, nil
}

// DeleteGroups deletes groups, routing each through its coordinator.
func (a *Admin) DeleteGroups(ctx context.Context, groups []string) error {
	byCoordinator, err := a.groupsByCoordinator(ctx, groups)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for coordinator, grps := range byCoordinator {
		g.Go(func() error {
			req := &apis.DeleteGroupsRequest{Groups: grps}
			resp, err := a.cl.RequestNode(gctx, coordinator, req)
			if err != nil {
				return err
			}
			dg := resp.(*apis.DeleteGroupsResponse)
			var groupErrs []error
			for _, res := range dg.Results {
				if err := kerr.ErrorForCode(res.ErrorCode); err != nil {
					groupErrs = append(groupErrs, fmt.Errorf("deleting group %q: %w", res.GroupID, err))
				}
			}
			if len(groupErrs) > 0 {
				return kerrs.NewResponse("delete groups rejected", groupErrs...)
			}
			return nil
		})
	}
	return g.Wait()
}

func (a *Admin) groupsByCoordinator(ctx context.Context, groups []string) (map[int32][]string, error) {
	out := map[int32][]string{}
	for _, group := range groups {
		nodeID, _, err := a.cl.FindCoordinator(ctx, group)
		if err != nil {
			return nil, errors.Wrapf(err, "finding coordinator for group %q", group)
		}
		out[nodeID] = append(out[nodeID], group)
	}
	return out, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
