// Package test contains utilities for testing pings.
package test

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/mock/gomock"

	"github.com/pcekm/graphping/internal/backend"
	"github.com/pcekm/graphping/internal/util"
)

var (
	// LoopbackV4 is IPv4 loopback address.
	LoopbackV4 = &net.UDPAddr{IP: net.ParseIP("127.0.0.1")}

	// LoopbackV6 is the IPv6 loopback address.
	LoopbackV6 = &net.UDPAddr{IP: net.ParseIP("::1")}

	// ErrTimeout is a timeout error similar to the one returned by the ICMP
	// library. That timeout is, unfortunately, just one with a string ending
	// with "timeout," without any other way to distinguish it.
	ErrTimeout = backend.ErrTimeout
)

// DiffIP compares two net.Addrs by IP alone, ignoring port/zone differences
// that don't matter for ping tests. Returns "" if the IPs match.
func DiffIP(want, got net.Addr) string {
	return cmp.Diff(util.IP(want).String(), util.IP(got).String())
}

// PingExchangeOpts holds various parameters for a send/receive exchange of
// pings.
type PingExchangeOpts struct {
	// SendPkt is the packet expected to be sent in the ping.
	SendPkt backend.Packet

	// TTL is the TTL the packet is expected to be sent with. A zero value
	// means set no TTL.
	TTL int

	// Dest is the expected address the ping will be sent to.
	Dest net.Addr

	// SendErr is the error to return from the send operation.
	SendErr error

	// RecvPkt is the packet to respond with.
	RecvPkt backend.Packet

	// Peer is address the response will come from.
	Peer net.Addr

	// Latency is the time to wait before returning a reply.
	Latency time.Duration

	// RecvErr is the error to return from the reply operation.
	RecvErr error

	// NoReply says not to mock a call to ReadFrom for this exchange.
	NoReply bool
}

// NewPingExchange creates a PingExchangeOpts struct with reasonable defaults
// for a successful request/reply.
func NewPingExchange(seq int) *PingExchangeOpts {
	return &PingExchangeOpts{
		SendPkt: backend.Packet{Seq: seq},
		Dest:    LoopbackV4,
		RecvPkt: backend.Packet{Type: backend.PacketReply, Seq: seq},
		Peer:    LoopbackV4,
	}
}

// SetTTL sets the time to live field.
func (p *PingExchangeOpts) SetTTL(ttl int) *PingExchangeOpts {
	p.TTL = ttl
	return p
}

// SetPeer sets the Peer field.
func (p *PingExchangeOpts) SetPeer(peer net.Addr) *PingExchangeOpts {
	p.Peer = peer
	return p
}

// SetLatency sets the Latency field.
func (p *PingExchangeOpts) SetLatency(d time.Duration) *PingExchangeOpts {
	p.Latency = d
	return p
}

// SetNoReply sets the NoReply field.
func (p *PingExchangeOpts) SetNoReply(nr bool) *PingExchangeOpts {
	p.NoReply = nr
	return p
}

// SetRespType sets the Type field in the RecvPkt field.
func (p *PingExchangeOpts) SetRespType(t backend.PacketType) *PingExchangeOpts {
	p.RecvPkt.Type = t
	return p
}

// SetPayload sets the payload in the send and reply fields.
func (p *PingExchangeOpts) SetPayload(b []byte) *PingExchangeOpts {
	p.SendPkt.Payload = b
	p.RecvPkt.Payload = b
	return p
}

// exchange pairs a scheduled WriteTo with the ReadFrom reply it should
// produce once that WriteTo happens.
type exchange struct {
	opts *PingExchangeOpts
}

// MockConn is a fake backend.Conn driven by scripted PingExchangeOpts. It
// takes a *gomock.Controller only so it composes with this repo's other
// gomock-based test setup (ctrl.Finish() et al.); matching and sequencing of
// WriteTo/ReadFrom calls is done directly against the scripted exchanges
// rather than through gomock's own call matchers, since an exchange is
// identified by its packet content (sequence number, destination, TTL), not
// by call order across possibly-concurrent probes.
type MockConn struct {
	ctrl *gomock.Controller

	mu           sync.Mutex
	cond         *sync.Cond
	pendingSends []*exchange
	awaitingRead []*exchange
	closed       bool
	closeCh      chan any
}

// NewMockConn creates a MockConn. ctrl is used only for its lifecycle
// (Finish is a no-op here since this mock verifies its own exchange
// sequencing); pass the controller from the calling test as usual.
func NewMockConn(ctrl *gomock.Controller) *MockConn {
	c := &MockConn{ctrl: ctrl, closeCh: make(chan any)}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// MockPingExchange schedules a single WriteTo/ReadFrom exchange. Exchanges
// may be scheduled in any order; each is matched to the WriteTo call whose
// packet and destination agree with it.
func (c *MockConn) MockPingExchange(opts *PingExchangeOpts) {
	c.mu.Lock()
	c.pendingSends = append(c.pendingSends, &exchange{opts: opts})
	c.mu.Unlock()
}

func (c *MockConn) WriteTo(pkt *backend.Packet, dest net.Addr, opts ...backend.WriteOption) error {
	c.mu.Lock()
	var ttl int
	for _, o := range opts {
		if t, ok := o.(backend.TTLOption); ok {
			ttl = t.TTL
		}
	}
	idx := -1
	for i, ex := range c.pendingSends {
		o := ex.opts
		if o.SendPkt.Seq == pkt.Seq && o.TTL == ttl && addrsEqual(o.Dest, dest) {
			idx = i
			break
		}
	}
	if idx < 0 {
		c.mu.Unlock()
		log.Panicf("test.MockConn: unexpected WriteTo(%+v, %v, ttl=%d)", pkt, dest, ttl)
	}
	ex := c.pendingSends[idx]
	c.pendingSends = append(c.pendingSends[:idx], c.pendingSends[idx+1:]...)
	if !ex.opts.NoReply {
		c.awaitingRead = append(c.awaitingRead, ex)
		c.cond.Broadcast()
	}
	c.mu.Unlock()
	return ex.opts.SendErr
}

func (c *MockConn) ReadFrom(ctx context.Context) (*backend.Packet, net.Addr, error) {
	c.mu.Lock()
	for len(c.awaitingRead) == 0 && !c.closed {
		if ctx.Err() != nil {
			c.mu.Unlock()
			return nil, nil, ErrTimeout
		}
		c.cond.Wait()
	}
	if len(c.awaitingRead) == 0 {
		c.mu.Unlock()
		return nil, nil, ErrTimeout
	}
	ex := c.awaitingRead[0]
	c.awaitingRead = c.awaitingRead[1:]
	c.mu.Unlock()

	if ex.opts.Latency > 0 {
		select {
		case <-time.After(ex.opts.Latency):
		case <-ctx.Done():
			return nil, nil, ErrTimeout
		}
	}
	recvPkt := ex.opts.RecvPkt
	return &recvPkt, ex.opts.Peer, ex.opts.RecvErr
}

// Close unblocks any pending ReadFrom and marks the connection closed.
func (c *MockConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.cond.Broadcast()
	c.mu.Unlock()
	return nil
}

func addrsEqual(a, b net.Addr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return util.IP(a).Equal(util.IP(b))
}

// RegisterMock registers conn under a fresh, test-unique backend name and
// returns that name.
func RegisterMock(conn backend.Conn) backend.Name {
	name := backend.Name(fmt.Sprintf("mock-%d", util.GenID()))
	backend.Register(name, func(util.IPVersion) (backend.Conn, error) {
		return conn, nil
	})
	return name
}

// WithTimeout runs a function until it completes or the timeout elapses. It
// returns true if the function ran to completion, or false on timeout. Note
// that the function will continue to run after a timeout. There's no way to
// forcibly kill a goroutine.
func WithTimeout(f func(), timeout time.Duration) bool {
	done := make(chan any)
	go func() {
		f()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

type mockIDGen int

func (m mockIDGen) GenID() int {
	return int(m)
}

// InjectID rigs the ICMP echo ID generator to always return a specific value.
// Returns a function that restores the original functionality.
func InjectID(id int) func() {
	orig := util.IDGenerator
	util.IDGenerator = mockIDGen(id)
	return func() {
		util.IDGenerator = orig
	}
}
