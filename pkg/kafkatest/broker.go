// Package kafkatest provides an in-process TCP broker speaking just enough
// of the wire protocol to exercise the client without a real cluster. Tests
// script it with per-API handlers and inspect the requests it served.
package kafkatest

import (
	"encoding/binary"
	"io"
	"net"
	"sync"

	"go.uber.org/atomic"

	"github.com/grafana/kafkaclient/pkg/apis"
	"github.com/grafana/kafkaclient/pkg/conn"
	"github.com/grafana/kafkaclient/pkg/protocol"
)

// Request is one decoded request header plus its raw body.
type Request struct {
	APIKey        int16
	Version       int16
	CorrelationID int32
	ClientID      *string
	Body          []byte
}

// Reader returns a protocol reader over the request body.
func (r *Request) Reader() *protocol.Reader {
	return protocol.NewReader(r.Body)
}

// HandlerFunc builds the response body for a request (no response header).
// Returning nil sends nothing, as for acks=0 produce requests.
type HandlerFunc func(req *Request) []byte

// Broker is a scriptable fake broker bound to a loopback port.
type Broker struct {
	ln net.Listener

	mtx      sync.Mutex
	handlers map[int16]HandlerFunc
	requests map[int16]*atomic.Int64

	closed   *atomic.Bool
	connsMtx sync.Mutex
	conns    []net.Conn
	wg       sync.WaitGroup
}

// NewBroker starts a broker on an ephemeral loopback port.
func NewBroker() (*Broker, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	b := &Broker{
		ln:       ln,
		handlers: map[int16]HandlerFunc{},
		requests: map[int16]*atomic.Int64{},
		closed:   atomic.NewBool(false),
	}
	b.wg.Add(1)
	go b.acceptLoop()
	return b, nil
}

// Addr returns the broker endpoint for client bootstrap lists.
func (b *Broker) Addr() conn.Broker {
	tcp := b.ln.Addr().(*net.TCPAddr)
	return conn.Broker{Host: "127.0.0.1", Port: int32(tcp.Port)}
}

// Handle installs fn for an api key, replacing any previous handler.
func (b *Broker) Handle(apiKey int16, fn HandlerFunc) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.handlers[apiKey] = fn
}

// Requests returns how many requests of apiKey were served so far.
func (b *Broker) Requests(apiKey int16) int64 {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if c, ok := b.requests[apiKey]; ok {
		return c.Load()
	}
	return 0
}

// Close stops the listener and drops every live connection.
func (b *Broker) Close() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}
	_ = b.ln.Close()
	b.connsMtx.Lock()
	for _, c := range b.conns {
		_ = c.Close()
	}
	b.connsMtx.Unlock()
	b.wg.Wait()
}

// DropConnections severs every live connection without stopping the
// listener, simulating a broker restart.
func (b *Broker) DropConnections() {
	b.connsMtx.Lock()
	defer b.connsMtx.Unlock()
	for _, c := range b.conns {
		_ = c.Close()
	}
	b.conns = nil
}

func (b *Broker) acceptLoop() {
	defer b.wg.Done()
	for {
		nc, err := b.ln.Accept()
		if err != nil {
			return
		}
		b.connsMtx.Lock()
		b.conns = append(b.conns, nc)
		b.connsMtx.Unlock()

		b.wg.Add(1)
		go b.serve(nc)
	}
}

func (b *Broker) serve(nc net.Conn) {
	defer b.wg.Done()
	defer nc.Close()

	for {
		req, err := readRequest(nc)
		if err != nil {
			return
		}

		b.mtx.Lock()
		counter, ok := b.requests[req.APIKey]
		if !ok {
			counter = atomic.NewInt64(0)
			b.requests[req.APIKey] = counter
		}
		handler := b.handlers[req.APIKey]
		b.mtx.Unlock()
		counter.Inc()

		if handler == nil {
			// Unscripted APIs kill the connection, which shows up in
			// the client as a network error.
			return
		}
		body := handler(req)
		if body == nil {
			continue
		}

		w := protocol.NewWriter(len(body) + 16)
		sizeAt := w.ReserveInt32()
		w.WriteInt32(req.CorrelationID)
		if req.APIKey != apis.KeyApiVersions {
			w.WriteEmptyTaggedFields()
		}
		w.WriteRawBytes(body)
		w.FillInt32(sizeAt, int32(w.Len()-4))
		if _, err := nc.Write(w.Bytes()); err != nil {
			return
		}
	}
}

func readRequest(nc net.Conn) (*Request, error) {
	var sizeBuf [4]byte
	if _, err := io.ReadFull(nc, sizeBuf[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(sizeBuf[:])
	buf := make([]byte, size)
	if _, err := io.ReadFull(nc, buf); err != nil {
		return nil, err
	}

	rd := protocol.NewReader(buf)
	req := &Request{
		APIKey:        rd.ReadInt16(),
		Version:       rd.ReadInt16(),
		CorrelationID: rd.ReadInt32(),
		ClientID:      rd.ReadNullableString(),
	}
	// Every API this client issues uses a flexible request header.
	rd.SkipTaggedFields()
	if err := rd.Err(); err != nil {
		return nil, err
	}
	req.Body = rd.Span(rd.Remaining())
	return req, nil
}
