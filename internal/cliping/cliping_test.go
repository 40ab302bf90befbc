package cliping

import (
	"bytes"
	"context"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pcekm/graphping/internal/backend"
	"github.com/pcekm/graphping/internal/util"
)

// echoConn answers every WriteTo with an immediate PacketReply, looping the
// destination back to itself the way loopback ICMP does.
type echoConn struct {
	mu     sync.Mutex
	queue  []pktAddr
	closed chan any
	cond   *sync.Cond
}

type pktAddr struct {
	pkt  *backend.Packet
	peer net.Addr
}

func newEchoConn() *echoConn {
	c := &echoConn{closed: make(chan any)}
	c.cond = sync.NewCond(&c.mu)
	return c
}

func (c *echoConn) WriteTo(pkt *backend.Packet, dest net.Addr, opts ...backend.WriteOption) error {
	c.mu.Lock()
	c.queue = append(c.queue, pktAddr{&backend.Packet{Type: backend.PacketReply, Seq: pkt.Seq}, dest})
	c.cond.Broadcast()
	c.mu.Unlock()
	return nil
}

func (c *echoConn) ReadFrom(ctx context.Context) (*backend.Packet, net.Addr, error) {
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

func (c *echoConn) Close() error {
	close(c.closed)
	c.cond.Broadcast()
	return nil
}

func TestRunPrintsReportAndSummary(t *testing.T) {
	conn := newEchoConn()
	name := backend.Name("echo-" + t.Name())
	backend.Register(name, func(util.IPVersion) (backend.Conn, error) { return conn, nil })

	var out bytes.Buffer
	r, w, err := os.Pipe()
	require.NoError(t, err)
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := r.Read(buf)
			out.Write(buf[:n])
			if err != nil {
				return
			}
		}
	}()

	opts := Options{Count: 2, Interval: time.Millisecond, Timeout: 50 * time.Millisecond, Backend: name}
	err = Run(w, "127.0.0.1", opts)
	w.Close()
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	got := out.String()
	assert.Contains(t, got, "PING 127.0.0.1")
	assert.Contains(t, got, "reply from")
	assert.Contains(t, got, "ping statistics")
	assert.Contains(t, got, "rtt min/avg/max/mdev")
}

func TestRunQuietSuppressesPerProbeLines(t *testing.T) {
	conn := newEchoConn()
	name := backend.Name("echo-" + t.Name())
	backend.Register(name, func(util.IPVersion) (backend.Conn, error) { return conn, nil })

	r, w, err := os.Pipe()
	require.NoError(t, err)
	var out bytes.Buffer
	done := make(chan any)
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := r.Read(buf)
			out.Write(buf[:n])
			if err != nil {
				close(done)
				return
			}
		}
	}()

	opts := Options{Count: 1, Interval: time.Millisecond, Timeout: 50 * time.Millisecond, Backend: name, Quiet: true}
	err = Run(w, "127.0.0.1", opts)
	w.Close()
	require.NoError(t, err)
	<-done

	assert.NotContains(t, out.String(), "reply from")
	assert.Contains(t, out.String(), "ping statistics")
}
