// Package client implements the cluster base every role builds on: broker
// connections, api-version negotiation, the metadata cache, operation
// deduplication, and the retry engine.
package client

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.uber.org/atomic"
	"golang.org/x/sync/singleflight"

	"github.com/grafana/kafkaclient/pkg/apis"
	"github.com/grafana/kafkaclient/pkg/conn"
	"github.com/grafana/kafkaclient/pkg/errs"
	"github.com/grafana/kafkaclient/pkg/kerr"
)

// instanceSeq numbers client instances process-wide for log correlation.
// Negotiated state is still strictly per-client.
var instanceSeq = atomic.NewInt64(0)

// Client is the shared cluster base.
type Client struct {
	cfg    Config
	logger log.Logger
	pool   *conn.Pool

	sf     singleflight.Group
	closed *atomic.Bool

	versionsMtx sync.RWMutex
	versions    map[int16]versionRange

	metadataMtx sync.RWMutex
	metadata    *ClusterMetadata
}

type versionRange struct {
	min, max int16
}

// New builds a client. The first connection is dialed lazily.
func New(cfg Config) (*Client, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errs.Wrap(errs.KindUser, "invalid client config", err)
	}

	logger := log.With(cfg.Logger, "client", instanceSeq.Inc())
	return &Client{
		cfg:    cfg,
		logger: logger,
		pool:   conn.NewPool(cfg.connConfig()),
		closed: atomic.NewBool(false),
	}, nil
}

// Config returns the effective configuration.
func (c *Client) Config() Config { return c.cfg }

// Logger returns the client's logger.
func (c *Client) Logger() log.Logger { return c.logger }

// NewPool returns an additional connection pool with the client's settings.
// The consumer uses one for fetch traffic so long-polling Fetch requests
// cannot queue behind group RPCs.
func (c *Client) NewPool() *conn.Pool {
	return conn.NewPool(c.cfg.connConfig())
}

// Close shuts the client down. Further operations fail with a closed error.
func (c *Client) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.pool.Close()
}

func (c *Client) checkOpen() error {
	if c.closed.Load() {
		return errs.NewNetwork("client closed", nil, true)
	}
	return nil
}

// Deduplicate collapses concurrent operations sharing opID onto one
// execution; every caller receives the same result.
func (c *Client) Deduplicate(opID string, fn func() (interface{}, error)) (interface{}, error) {
	v, err, _ := c.sf.Do(opID, fn)
	return v, err
}

// negotiate loads the broker's ApiVersions table once per client lifetime.
func (c *Client) negotiate(ctx context.Context) error {
	c.versionsMtx.RLock()
	done := c.versions != nil
	c.versionsMtx.RUnlock()
	if done {
		return nil
	}
	if err := c.checkOpen(); err != nil {
		return err
	}

	_, err := c.Deduplicate("api-versions", func() (interface{}, error) {
		cn, err := c.pool.GetFirstAvailable(ctx, c.cfg.bootstrap())
		if err != nil {
			return nil, err
		}

		req := &apis.ApiVersionsRequest{
			ClientSoftwareName:    "kafkaclient",
			ClientSoftwareVersion: "unversioned",
		}
		req.SetVersion(req.MaxVersion())
		resp, err := cn.Send(ctx, req)
		if err != nil {
			return nil, err
		}
		av := resp.(*apis.ApiVersionsResponse)
		if err := kerr.ErrorForCode(av.ErrorCode); err != nil {
			return nil, fmt.Errorf("negotiating api versions: %w", err)
		}

		table := make(map[int16]versionRange, len(av.ApiKeys))
		for _, k := range av.ApiKeys {
			table[k.ApiKey] = versionRange{min: k.MinVersion, max: k.MaxVersion}
		}
		c.versionsMtx.Lock()
		c.versions = table
		c.versionsMtx.Unlock()
		level.Debug(c.logger).Log("msg", "api versions negotiated", "apis", len(table))
		return nil, nil
	})
	return err
}

// resolveVersion pins req to the highest mutually supported version.
func (c *Client) resolveVersion(ctx context.Context, req apis.Request) error {
	if err := c.negotiate(ctx); err != nil {
		return err
	}
	c.versionsMtx.RLock()
	r, ok := c.versions[req.Key()]
	c.versionsMtx.RUnlock()
	if !ok {
		return errs.Wrap(errs.KindUnsupported,
			fmt.Sprintf("broker does not support %s", apis.NameForKey(req.Key())),
			&apis.ErrUnsupportedAPI{Key: req.Key()})
	}
	v, err := apis.ChooseVersion(req.Key(), r.min, r.max)
	if err != nil {
		return errs.Wrap(errs.KindUnsupported, "version negotiation failed", err)
	}
	req.SetVersion(v)
	return nil
}

// Request sends req to a specific broker, negotiating the version first.
func (c *Client) Request(ctx context.Context, broker conn.Broker, req apis.Request) (apis.Response, error) {
	return c.RequestPool(ctx, c.pool, broker, req)
}

// RequestPool is Request through a caller-owned pool. The consumer routes
// fetch traffic through its own pool this way.
func (c *Client) RequestPool(ctx context.Context, pool *conn.Pool, broker conn.Broker, req apis.Request) (apis.Response, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	if err := c.resolveVersion(ctx, req); err != nil {
		return nil, err
	}
	cn, err := pool.Get(ctx, broker)
	if err != nil {
		return nil, err
	}
	return cn.Send(ctx, req)
}

// RequestAny sends req to the first reachable bootstrap broker.
func (c *Client) RequestAny(ctx context.Context, req apis.Request) (apis.Response, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	if err := c.resolveVersion(ctx, req); err != nil {
		return nil, err
	}
	cn, err := c.pool.GetFirstAvailable(ctx, c.cfg.bootstrap())
	if err != nil {
		return nil, err
	}
	return cn.Send(ctx, req)
}

// RequestNode sends req to the broker with the given node id, resolved
// through current metadata.
func (c *Client) RequestNode(ctx context.Context, nodeID int32, req apis.Request) (apis.Response, error) {
	meta, err := c.Metadata(ctx, MetadataOptions{})
	if err != nil {
		return nil, err
	}
	broker, ok := meta.Brokers[nodeID]
	if !ok {
		return nil, errs.Wrap(errs.KindProtocol,
			fmt.Sprintf("node %d is not part of the cluster", nodeID), kerr.BrokerNotAvailable)
	}
	return c.Request(ctx, broker, req)
}

// Controller sends req to the cluster controller, for the admin APIs that
// must land there.
func (c *Client) Controller(ctx context.Context, req apis.Request) (apis.Response, error) {
	meta, err := c.Metadata(ctx, MetadataOptions{ForceUpdate: c.metadataUnset()})
	if err != nil {
		return nil, err
	}
	return c.RequestNode(ctx, meta.ControllerID, req)
}

func (c *Client) metadataUnset() bool {
	c.metadataMtx.RLock()
	defer c.metadataMtx.RUnlock()
	return c.metadata == nil
}

// FindCoordinator resolves the coordinator broker for a group id,
// deduplicated and retried.
func (c *Client) FindCoordinator(ctx context.Context, groupID string) (int32, conn.Broker, error) {
	type result struct {
		nodeID int32
		broker conn.Broker
	}

	v, err := c.Deduplicate("find-coordinator:"+groupID, func() (interface{}, error) {
		var res result
		err := c.WithRetry(ctx, "FindCoordinator", func(ctx context.Context) error {
			req := &apis.FindCoordinatorRequest{
				KeyType:         apis.CoordinatorKeyTypeGroup,
				CoordinatorKeys: []string{groupID},
			}
			resp, err := c.RequestAny(ctx, req)
			if err != nil {
				return err
			}
			fc := resp.(*apis.FindCoordinatorResponse)
			if len(fc.Coordinators) != 1 {
				return errs.New(errs.KindProtocol, "find-coordinator response names no coordinator")
			}
			co := fc.Coordinators[0]
			if err := kerr.ErrorForCode(co.ErrorCode); err != nil {
				return fmt.Errorf("finding coordinator for group %q: %w", groupID, err)
			}
			res = result{nodeID: co.NodeID, broker: conn.Broker{Host: co.Host, Port: co.Port}}
			return nil
		}, nil)
		return res, err
	})
	if err != nil {
		return 0, conn.Broker{}, err
	}
	r := v.(result)
	return r.nodeID, r.broker, nil
}
