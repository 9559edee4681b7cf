package conn

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-kit/log/level"

	"github.com/grafana/kafkaclient/pkg/errs"
)

// Pool maps broker endpoints to live connections, connecting lazily on first
// use. A connection that dies removes itself from the pool; the next Get
// redials.
type Pool struct {
	cfg Config

	mtx    sync.Mutex
	conns  map[string]*poolEntry
	closed bool
}

type poolEntry struct {
	ready chan struct{}
	conn  *Conn
	err   error
}

// NewPool returns an empty pool using cfg for every member connection.
func NewPool(cfg Config) *Pool {
	cfg.ApplyDefaults()
	p := &Pool{
		cfg:   cfg,
		conns: map[string]*poolEntry{},
	}
	p.cfg.onConnClose = p.remove
	return p
}

// Get returns the pooled connection for broker, dialing if none exists.
// Concurrent callers for the same broker share a single dial attempt.
func (p *Pool) Get(ctx context.Context, broker Broker) (*Conn, error) {
	key := broker.Addr()

	for {
		p.mtx.Lock()
		if p.closed {
			p.mtx.Unlock()
			return nil, errs.NewNetwork("connection pool closed", nil, true)
		}
		entry, ok := p.conns[key]
		if !ok {
			entry = &poolEntry{ready: make(chan struct{})}
			p.conns[key] = entry
			p.mtx.Unlock()

			entry.conn, entry.err = Dial(ctx, broker, p.cfg)
			if entry.err != nil {
				p.mtx.Lock()
				if p.conns[key] == entry {
					delete(p.conns, key)
				}
				p.mtx.Unlock()
			}
			close(entry.ready)
		} else {
			p.mtx.Unlock()
		}

		select {
		case <-entry.ready:
		case <-ctx.Done():
			return nil, errs.Wrap(errs.KindTimeout, "waiting for connection to "+key, ctx.Err())
		}

		if entry.err != nil {
			return nil, entry.err
		}
		if entry.conn.Alive() {
			return entry.conn, nil
		}

		// The member died after being pooled; drop it and redial.
		p.remove(entry.conn)
	}
}

// GetFirstAvailable tries brokers in order and returns the first connection
// that comes up. When every attempt fails the errors are aggregated.
func (p *Pool) GetFirstAvailable(ctx context.Context, brokers []Broker) (*Conn, error) {
	if len(brokers) == 0 {
		return nil, errs.New(errs.KindUser, "no brokers supplied")
	}

	var attempts []error
	for _, b := range brokers {
		c, err := p.Get(ctx, b)
		if err == nil {
			return c, nil
		}
		level.Debug(p.cfg.Logger).Log("msg", "broker unavailable", "broker", b.Addr(), "err", err)
		attempts = append(attempts, err)
		if errs.IsClosed(err) || ctx.Err() != nil {
			break
		}
	}
	if len(attempts) == 1 {
		return nil, attempts[0]
	}
	return nil, errs.NewMultiple(fmt.Sprintf("all %d brokers unavailable", len(brokers)), attempts...)
}

func (p *Pool) remove(c *Conn) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	entry, ok := p.conns[c.Addr()]
	if ok && entry.conn == c {
		delete(p.conns, c.Addr())
	}
}

// Close closes every member concurrently. A second close is a no-op.
func (p *Pool) Close() {
	p.mtx.Lock()
	if p.closed {
		p.mtx.Unlock()
		return
	}
	p.closed = true
	members := make([]*poolEntry, 0, len(p.conns))
	for _, e := range p.conns {
		members = append(members, e)
	}
	p.conns = map[string]*poolEntry{}
	p.mtx.Unlock()

	var wg sync.WaitGroup
	for _, e := range members {
		wg.Add(1)
		go func(e *poolEntry) {
			defer wg.Done()
			<-e.ready
			if e.conn != nil {
				e.conn.Close()
			}
		}(e)
	}
	wg.Wait()
}
