package pinger

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pcekm/graphping/internal/backend"
	"github.com/pcekm/graphping/internal/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn is a minimal in-memory backend.Conn. Every WriteTo is answered
// according to replyFor, queued for the next ReadFrom. It is used here
// instead of internal/backend/test.MockConn because these tests drive a live
// Pinger and need no scripted PingExchange sequence or gomock controller.
type fakeConn struct {
	mu       sync.Mutex
	replyFor func(pkt *backend.Packet) (*backend.Packet, net.Addr, bool)
	queue    []readResult
	closed   chan any
	cond     *sync.Cond
}

func newFakeConn(replyFor func(pkt *backend.Packet) (*backend.Packet, net.Addr, bool)) *fakeConn {
	c := &fakeConn{replyFor: replyFor, closed: make(chan any)}
	c.cond = sync.NewCond(&c.mu)
	return c
}

func (c *fakeConn) WriteTo(pkt *backend.Packet, dest net.Addr, opts ...backend.WriteOption) error {
	reply, peer, ok := c.replyFor(pkt)
	if !ok {
		return nil
	}
	c.mu.Lock()
	c.queue = append(c.queue, readResult{pkt: reply, peer: peer})
	c.cond.Broadcast()
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) ReadFrom(ctx context.Context) (*backend.Packet, net.Addr, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.queue) == 0 {
		select {
		case <-c.closed:
			return nil, nil, backend.ErrTimeout
		default:
		}
		c.cond.Wait()
	}
	r := c.queue[0]
	c.queue = c.queue[1:]
	return r.pkt, r.peer, nil
}

func (c *fakeConn) Close() error {
	close(c.closed)
	c.cond.Broadcast()
	return nil
}

// withTimeout runs f in a goroutine and reports whether it finished before
// the timeout elapses.
func withTimeout(f func(), timeout time.Duration) bool {
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

func registerFake(t *testing.T, conn backend.Conn) backend.Name {
	t.Helper()
	name := backend.Name("fake-" + t.Name())
	backend.Register(name, func(util.IPVersion) (backend.Conn, error) {
		return conn, nil
	})
	return name
}

func TestPingerRoundTrip(t *testing.T) {
	conn := newFakeConn(func(pkt *backend.Packet) (*backend.Packet, net.Addr, bool) {
		return &backend.Packet{Type: backend.PacketReply, Seq: pkt.Seq}, loopbackV4, true
	})
	name := registerFake(t, conn)

	opts := &Options{NPings: 3, Interval: time.Millisecond, Timeout: 50 * time.Millisecond, History: 3}
	p, err := New(name, util.IPv4, loopbackV4, opts)
	require.NoError(t, err)

	require.True(t, withTimeout(p.Run, time.Second), "timed out waiting for pinger completion")
	require.NoError(t, p.Close())

	results := p.History()
	require.Len(t, results, 3)
	for _, r := range results {
		assert.Equal(t, Success, r.Type)
	}
	assert.Equal(t, 0.0, p.Stats().PacketLoss())
}

func TestPingerAllTimeouts(t *testing.T) {
	conn := newFakeConn(func(pkt *backend.Packet) (*backend.Packet, net.Addr, bool) {
		return nil, nil, false // never reply
	})
	name := registerFake(t, conn)

	opts := &Options{NPings: 2, Interval: time.Millisecond, Timeout: 5 * time.Millisecond, History: 2}
	p, err := New(name, util.IPv4, loopbackV4, opts)
	require.NoError(t, err)

	require.True(t, withTimeout(p.Run, time.Second))
	require.NoError(t, p.Close())

	results := p.History()
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, Dropped, r.Type)
	}
	assert.Equal(t, 1.0, p.Stats().PacketLoss())
}

func TestPingerUnreachable(t *testing.T) {
	// A router other than the destination itself reports the error, so
	// Reached() doesn't short-circuit to ProbeReply and Classify() runs.
	router := &net.UDPAddr{IP: net.ParseIP("192.0.2.1")}
	dest := &net.UDPAddr{IP: net.ParseIP("192.0.2.254")}
	conn := newFakeConn(func(pkt *backend.Packet) (*backend.Packet, net.Addr, bool) {
		return &backend.Packet{
			Type:        backend.PacketDestinationUnreachable,
			Seq:         pkt.Seq,
			ICMPVersion: 4,
			ICMPType:    3, // Destination Unreachable
			ICMPCode:    1, // UNREACH_HOST in the wire constant (spec's preserved naming swap)
		}, router, true
	})
	name := registerFake(t, conn)

	opts := &Options{NPings: 1, Interval: time.Millisecond, Timeout: 50 * time.Millisecond, History: 1}
	p, err := New(name, util.IPv4, dest, opts)
	require.NoError(t, err)

	require.True(t, withTimeout(p.Run, time.Second))
	require.NoError(t, p.Close())

	results := p.History()
	require.Len(t, results, 1)
	assert.Equal(t, Unreachable, results[0].Type)
}

var loopbackV4 net.Addr = &net.UDPAddr{IP: net.ParseIP("127.0.0.1")}
