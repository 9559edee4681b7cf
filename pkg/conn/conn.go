// Package conn manages single TCP connections to brokers, framing requests
// and demultiplexing responses by correlation id, and pools them per broker
// address.
package conn

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.uber.org/atomic"

	"github.com/grafana/kafkaclient/pkg/apis"
	"github.com/grafana/kafkaclient/pkg/errs"
	"github.com/grafana/kafkaclient/pkg/protocol"
)

// Broker is a cluster endpoint. Two brokers are the same endpoint iff host
// and port both match.
type Broker struct {
	Host string
	Port int32
}

// Addr returns the host:port dial string, which is also the pool key.
func (b Broker) Addr() string {
	return net.JoinHostPort(b.Host, strconv.Itoa(int(b.Port)))
}

// DialFunc opens the transport for a connection. The default is a plain TCP
// dial; TLS is layered in by supplying a wrapping dialer.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// HandshakeFunc runs after the transport is up and before any request is
// issued. SASL mechanisms hook in here.
type HandshakeFunc func(ctx context.Context, nc net.Conn) error

// Config shapes connections and the pool.
type Config struct {
	ClientID         *string
	DialTimeout      time.Duration
	RequestTimeout   time.Duration
	MaxResponseBytes int32

	Dialer    DialFunc
	Handshake HandshakeFunc

	Logger  log.Logger
	OnEvent EventFunc

	// onConnClose is set by the pool so dead members drop out of it.
	onConnClose func(*Conn)
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.MaxResponseBytes == 0 {
		c.MaxResponseBytes = 100 << 20
	}
	if c.Dialer == nil {
		c.Dialer = func(ctx context.Context, network, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		}
	}
	if c.Logger == nil {
		c.Logger = log.NewNopLogger()
	}
}

func (c *Config) emit(e Event) {
	if c.OnEvent != nil {
		c.OnEvent(e)
	}
}

type pendingResp struct {
	corrID         int32
	resp           apis.Response
	flexibleHeader bool
	done           chan error
}

// Conn is one TCP stream to one broker. Concurrent Sends are serialized at
// the write path; their emission order is the correlation-id order and the
// broker answers in the same order.
type Conn struct {
	addr   string
	cfg    Config
	logger log.Logger
	nc     net.Conn

	// reqMtx serializes writers: correlation allocation, pending
	// registration, and the frame write happen as one step.
	reqMtx  chan struct{}
	corrID  int32
	pending chan *pendingResp
	dead    *atomic.Bool
	deadErr *atomic.Error
	deadCh  chan struct{}
}

// Dial connects to broker and starts the response reader.
func Dial(ctx context.Context, broker Broker, cfg Config) (*Conn, error) {
	cfg.ApplyDefaults()
	addr := broker.Addr()
	logger := log.With(cfg.Logger, "broker", addr)

	cfg.emit(Event{Type: EventConnecting, Broker: broker})
	dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()

	nc, err := cfg.Dialer(dialCtx, "tcp", addr)
	if err != nil {
		cfg.emit(Event{Type: EventFailed, Broker: broker, Err: err})
		metricConnectTotal.WithLabelValues(outcomeFailure).Inc()
		return nil, errs.NewNetwork(fmt.Sprintf("dialing %s", addr), err, false)
	}

	if cfg.Handshake != nil {
		cfg.emit(Event{Type: EventSASLHandshake, Broker: broker})
		if err := cfg.Handshake(ctx, nc); err != nil {
			_ = nc.Close()
			cfg.emit(Event{Type: EventFailed, Broker: broker, Err: err})
			return nil, errs.Wrap(errs.KindAuthentication, fmt.Sprintf("handshake with %s", addr), err)
		}
		cfg.emit(Event{Type: EventSASLAuthentication, Broker: broker})
	}

	c := &Conn{
		addr:    addr,
		cfg:     cfg,
		logger:  logger,
		nc:      nc,
		reqMtx:  make(chan struct{}, 1),
		pending: make(chan *pendingResp, 128),
		dead:    atomic.NewBool(false),
		deadErr: atomic.NewError(nil),
		deadCh:  make(chan struct{}),
	}
	go c.readLoop(broker)

	level.Debug(logger).Log("msg", "connection established")
	cfg.emit(Event{Type: EventConnect, Broker: broker})
	metricConnectTotal.WithLabelValues(outcomeSuccess).Inc()
	return c, nil
}

// Addr returns the remote host:port.
func (c *Conn) Addr() string { return c.addr }

// Alive reports whether the connection can still take requests.
func (c *Conn) Alive() bool { return !c.dead.Load() }

func (c *Conn) acquireWriter(ctx context.Context) error {
	select {
	case c.reqMtx <- struct{}{}:
		return nil
	case <-c.deadCh:
		return c.closeError()
	case <-ctx.Done():
		return errs.Wrap(errs.KindTimeout, "waiting to write to "+c.addr, ctx.Err())
	}
}

func (c *Conn) releaseWriter() { <-c.reqMtx }

func (c *Conn) closeError() error {
	if err := c.deadErr.Load(); err != nil {
		return err
	}
	return errs.NewNetwork("connection to "+c.addr+" closed", nil, true)
}

// Send issues req and blocks for the matching response. Concurrent callers
// are written in acquisition order, which is correlation-id order.
func (c *Conn) Send(ctx context.Context, req apis.Request) (apis.Response, error) {
	expectsResponse := true
	if nr, ok := req.(interface{ ExpectsResponse() bool }); ok {
		expectsResponse = nr.ExpectsResponse()
	}

	if err := c.acquireWriter(ctx); err != nil {
		return nil, err
	}

	if c.dead.Load() {
		c.releaseWriter()
		return nil, c.closeError()
	}

	corrID := c.corrID
	c.corrID++

	var pr *pendingResp
	if expectsResponse {
		pr = &pendingResp{
			corrID:         corrID,
			resp:           req.ResponseKind(),
			flexibleHeader: apis.FlexibleResponseHeader(req),
			done:           make(chan error, 1),
		}
		c.pending <- pr
	}

	err := c.writeFrame(ctx, req, corrID)
	c.releaseWriter()

	if err != nil {
		// A short write leaves the stream unframed; nothing sent after it
		// can be trusted.
		c.fail(errs.NewNetwork("write to "+c.addr+" failed", err, false))
		return nil, c.closeError()
	}
	metricRequestsTotal.WithLabelValues(apis.NameForKey(req.Key())).Inc()

	if !expectsResponse {
		return nil, nil
	}

	select {
	case err := <-pr.done:
		if err != nil {
			return nil, err
		}
		return pr.resp, nil
	case <-ctx.Done():
		return nil, errs.Wrap(errs.KindTimeout, fmt.Sprintf("awaiting %s response from %s", apis.NameForKey(req.Key()), c.addr), ctx.Err())
	}
}

func (c *Conn) writeFrame(ctx context.Context, req apis.Request, corrID int32) error {
	w := protocol.NewWriter(1024)
	sizeAt := w.ReserveInt32()
	apis.AppendRequestHeader(w, req, corrID, c.cfg.ClientID)
	req.AppendTo(w)
	w.FillInt32(sizeAt, int32(w.Len()-4))

	deadline := time.Now().Add(c.cfg.RequestTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.nc.SetWriteDeadline(deadline); err != nil {
		return err
	}
	n, err := c.nc.Write(w.Bytes())
	metricBytesOut.Add(float64(n))
	return err
}

func (c *Conn) readLoop(broker Broker) {
	for {
		raw, err := c.readFrame()
		if err != nil {
			c.fail(errs.NewNetwork("read from "+c.addr+" failed", err, false))
			c.cfg.emit(Event{Type: EventDisconnect, Broker: broker, Err: err})
			return
		}
		metricBytesIn.Add(float64(len(raw) + 4))

		if len(raw) < 4 {
			c.fail(errs.NewNetwork("short response frame from "+c.addr, nil, false))
			c.cfg.emit(Event{Type: EventDisconnect, Broker: broker})
			return
		}
		corrID := int32(binary.BigEndian.Uint32(raw))

		var pr *pendingResp
		select {
		case pr = <-c.pending:
		default:
		}
		if pr == nil || pr.corrID != corrID {
			err := errs.New(errs.KindUnexpectedCorrelationID,
				fmt.Sprintf("response correlation id %d from %s matches no pending request", corrID, c.addr))
			if pr != nil {
				pr.done <- err
			}
			c.fail(err)
			c.cfg.emit(Event{Type: EventDisconnect, Broker: broker, Err: err})
			return
		}

		rd := protocol.NewReader(raw[4:])
		if pr.flexibleHeader {
			rd.SkipTaggedFields()
		}

		if err := rd.Err(); err != nil {
			pr.done <- err
		} else if err := pr.resp.ReadFrom(rd.Span(rd.Remaining())); err != nil {
			pr.done <- fmt.Errorf("parsing %s response: %w", apis.NameForKey(pr.resp.Key()), err)
		} else {
			pr.done <- nil
		}

		if len(c.pending) == 0 {
			c.cfg.emit(Event{Type: EventDrain, Broker: broker})
		}
	}
}

func (c *Conn) readFrame() ([]byte, error) {
	// Response waits are bounded by each request's context rather than a
	// read deadline: a Fetch may legitimately sit for maxWaitMillis.
	_ = c.nc.SetReadDeadline(time.Time{})

	var sizeBuf [4]byte
	if _, err := io.ReadFull(c.nc, sizeBuf[:]); err != nil {
		return nil, err
	}
	size := int32(binary.BigEndian.Uint32(sizeBuf[:]))
	if size < 0 || size > c.cfg.MaxResponseBytes {
		return nil, fmt.Errorf("invalid response frame size %d", size)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(c.nc, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// fail kills the connection once; every pending request is completed with
// err, later callers get the close error.
func (c *Conn) fail(err error) {
	if !c.dead.CompareAndSwap(false, true) {
		return
	}
	c.deadErr.Store(err)
	close(c.deadCh)
	_ = c.nc.Close()
	metricDisconnectsTotal.Inc()

	for {
		select {
		case pr := <-c.pending:
			pr.done <- err
		default:
			if c.cfg.onConnClose != nil {
				c.cfg.onConnClose(c)
			}
			level.Debug(c.logger).Log("msg", "connection closed", "err", err)
			return
		}
	}
}

// Close shuts the connection down; pending requests fail with a closed
// network error. Closing twice is a no-op.
func (c *Conn) Close() {
	c.fail(errs.NewNetwork("connection to "+c.addr+" closed", nil, true))
}
