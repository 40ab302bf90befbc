// Package pinger drives a single ping algorithm.Instance against one
// destination over a backend.Conn, bridging raw socket I/O and the pure
// event-driven ping engine in internal/algorithm/ping.
package pinger

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"math"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/pcekm/graphping/internal/algorithm"
	"github.com/pcekm/graphping/internal/algorithm/ping"
	"github.com/pcekm/graphping/internal/backend"
	"github.com/pcekm/graphping/internal/metricsexport"
	"github.com/pcekm/graphping/internal/util"
)

const (
	// Number of possible sequence numbers.
	sequenceNoMask = (1 << 16) - 1
)

// CallbackFunc is the signature for callback functions.
type CallbackFunc func(seq int, result PingResult)

// Options contains options for the pinger.
type Options struct {
	// NPings is the number of pings to send. Zero means infinite.
	NPings int

	// Interval is the time interval to send pings at. Defaults to 1s.
	Interval time.Duration

	// History is the maximum number of ping results to store. Defaults to 300.
	History int

	// Timeout is the maximum amount of time to wait before assuming no response
	// is coming. Defaults to 1s if unset.
	Timeout time.Duration

	// TTL caps the number of hops a probe may traverse. Zero leaves it to the
	// backend's default.
	TTL int

	// Callback is a function that gets called anytime a new result is
	// available.
	Callback CallbackFunc

	// Metrics, if set, receives every outcome event for Prometheus export.
	Metrics *metricsexport.Exporter
}

func (o *Options) nPings() int {
	if o == nil || o.NPings == 0 {
		return math.MaxInt
	}
	return o.NPings
}

func (o *Options) interval() time.Duration {
	if o == nil || o.Interval == 0 {
		return time.Second
	}
	return o.Interval
}

func (o *Options) history() int {
	if o == nil || o.History == 0 {
		return 300
	}
	return o.History
}

func (o *Options) timeout() time.Duration {
	if o == nil || o.Timeout == 0 {
		return time.Second
	}
	return o.Timeout
}

func (o *Options) callback() CallbackFunc {
	if o == nil || o.Callback == nil {
		return func(int, PingResult) {}
	}
	return o.Callback
}

func (o *Options) metrics() *metricsexport.Exporter {
	if o == nil {
		return nil
	}
	return o.Metrics
}

// ResultType is the type of reply received, collapsing the engine's full
// ICMP taxonomy (algorithm.OutcomeKind) down to what the TUI distinguishes.
type ResultType int

// Values for ResultType.
const (
	// Waiting means we're still waiting for a reply.
	Waiting ResultType = iota

	// Success is a normal ping response.
	Success

	// Dropped means no reply was received in the allotted time.
	Dropped

	// Duplicate means a duplicate reply was received.
	Duplicate

	// TTLExceeded means the packet exceeded its maximum hop count.
	TTLExceeded

	// Unreachable means the host, network, protocol, or port was
	// unreachable, or the reply was otherwise unclassifiable.
	Unreachable
)

func (r ResultType) String() string {
	switch r {
	case Waiting:
		return "Unknown"
	case Success:
		return "Success"
	case Dropped:
		return "Dropped"
	case Duplicate:
		return "Duplicate"
	case TTLExceeded:
		return "TTLExceeded"
	case Unreachable:
		return "Unreachable"
	default:
		return fmt.Sprintf("(unknown:%d)", r)
	}
}

// resultTypeFor collapses an algorithm.OutcomeKind into the TUI's ResultType.
func resultTypeFor(k algorithm.OutcomeKind) ResultType {
	switch k {
	case algorithm.ProbeReply:
		return Success
	case algorithm.Timeout:
		return Dropped
	case algorithm.TtlExceededTransit, algorithm.TimeExceededReassembly:
		return TTLExceeded
	case algorithm.DstNetUnreachable, algorithm.DstHostUnreachable,
		algorithm.DstProtUnreachable, algorithm.DstPortUnreachable,
		algorithm.Redirect, algorithm.ParameterProblem, algorithm.GenError:
		return Unreachable
	default:
		return Waiting
	}
}

// PingResult holds the result of a ping, as stored in the history and passed
// to the callback.
type PingResult struct {
	// Type is the type of result.
	Type ResultType

	// Time is the time the request was sent.
	Time time.Time

	// Latency is the time for a response.
	Latency time.Duration

	// Peer is the host that responded to the ping.
	Peer net.Addr

	// Outcome is the full, unabridged event the engine raised for this
	// sequence number.
	Outcome algorithm.OutcomeEvent
}

// Pinger pings a specific host and reports the results. It implements
// algorithm.Framework for a single internal/algorithm/ping.Handler instance,
// translating backend.Conn I/O into algorithm.Event/Probe values.
type Pinger struct {
	conn  backend.Conn
	dest  net.Addr
	dstIP netip.Addr
	opts  *Options
	done  chan any
	log   *slog.Logger

	// timeouts carries expired sequence numbers into Run's select loop so
	// that every algorithm.Event handed to handler.HandleEvent is
	// serialized through a single goroutine (spec §5: events for a given
	// instance are delivered strictly serially), even though each timeout
	// is scheduled independently via time.AfterFunc.
	timeouts chan int

	mu       sync.Mutex
	hist     *pingHistory
	handler  *ping.Handler
	sent     map[int]*algorithm.Probe
	nextSeq  int
	finished bool
}

// New creates a new pinger for the named backend and IP version. Call Run to
// start it; it runs until its probe count is exhausted or Close is called.
func New(name backend.Name, ipVer util.IPVersion, dest net.Addr, opts *Options) (*Pinger, error) {
	conn, err := backend.New(name, ipVer)
	if err != nil {
		return nil, err
	}

	dstIP, ok := netip.AddrFromSlice(util.IP(dest))
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("pinger: invalid destination address %v", dest)
	}
	dstIP = dstIP.Unmap()

	p := &Pinger{
		conn:     conn,
		dest:     dest,
		dstIP:    dstIP,
		opts:     opts,
		done:     make(chan any),
		timeouts: make(chan int),
		log:      slog.Default().With("dest", dest.String()),
		hist:     newHistory(opts.history()),
		sent:     make(map[int]*algorithm.Probe),
	}

	pingOpts := ping.Options{
		Destination: dstIP,
		Count:       opts.nPings(),
		Interval:    opts.interval(),
	}
	factory, ok := algorithm.Lookup(ping.Name)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("pinger: algorithm %q not registered", ping.Name)
	}
	inst, err := factory(p, pingOpts, algorithm.Template{TTL: uint8(opts.TTL)})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("pinger: %w", err)
	}
	h, ok := inst.(*ping.Handler)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("pinger: algorithm %q returned unexpected instance type %T", ping.Name, inst)
	}
	p.handler = h

	return p, nil
}

// Close stops the Pinger and performs an orderly shutdown.
func (p *Pinger) Close() error {
	close(p.done)
	return p.conn.Close()
}

// Latest returns the most recent ping result or the zero result if no results
// are available.
func (p *Pinger) Latest() PingResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hist.Latest()
}

// RevResults iterates over sequence#, result from newest to oldest.
// Note: This locks the mutex for the lifetime of the iterator.
func (p *Pinger) RevResults() iter.Seq2[int, PingResult] {
	return p.hist.RevResults(&p.mu)
}

// History returns the ping history.
// Deprecated: Use RevResults() and iterate.
func (p *Pinger) History() []PingResult {
	return p.hist.History(&p.mu)
}

// Stats returns ping statistics.
func (p *Pinger) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hist.Stats()
}

// Summary returns the algorithm's end-of-run RTT/loss summary (spec §4.2),
// suitable for a one-shot CLI report once the run has terminated.
func (p *Pinger) Summary() ping.Summary {
	return p.handler.State().Summary()
}

// Runs the callback (if any was given).
func (p *Pinger) runCallback(seq int, result PingResult) {
	go p.opts.callback()(seq, result)
}

// Run drives the pinger's receive and timeout loop. Returns when the
// algorithm instance terminates, or Close() is called.
func (p *Pinger) Run() {
	receivedPkts := make(chan readResult)
	go p.receiveLoop(receivedPkts)

	for {
		if p.isFinished() {
			p.log.Debug("terminated")
			return
		}
		select {
		case res, ok := <-receivedPkts:
			if !ok {
				receivedPkts = nil
				break
			}
			p.handleReply(res.pkt, res.peer)
		case seq := <-p.timeouts:
			p.handleTimeout(seq)
		case <-p.done:
			p.log.Debug("aborting")
			return
		}
	}
}

type readResult struct {
	pkt  *backend.Packet
	peer net.Addr
}

// Receives pings and emits the results over the channel. Stops when conn is
// closed.
func (p *Pinger) receiveLoop(received chan<- readResult) {
	defer close(received)
	for {
		pkt, peer, err := p.conn.ReadFrom(context.TODO())
		if err != nil {
			p.log.Debug("read loop exiting", "err", err)
			return
		}
		received <- readResult{pkt: pkt, peer: peer}
	}
}

// SendProbe implements algorithm.Framework. It assigns a sequence number,
// records the probe's send time, and transmits it, delaying the actual wire
// send by probe.Delay unless the template requested best-effort (immediate)
// dispatch. It also arranges for a timeout to fire p.opts.timeout() after the
// probe is actually sent.
func (p *Pinger) SendProbe(probe *algorithm.Probe) bool {
	p.mu.Lock()
	seq := p.nextSeq
	p.nextSeq = (p.nextSeq + 1) & sequenceNoMask
	probe.Seq = seq
	p.sent[seq] = probe
	p.hist.Add(seq)
	p.mu.Unlock()

	if m := p.opts.metrics(); m != nil {
		m.ProbeSent(p.dest.String())
	}

	send := func() {
		probe.SendTime = time.Now()
		pkt := &backend.Packet{Type: backend.PacketRequest, Seq: seq}
		var opts []backend.WriteOption
		if probe.TTL != 0 {
			opts = append(opts, backend.TTLOption{TTL: int(probe.TTL)})
		}
		if err := p.conn.WriteTo(pkt, p.dest, opts...); err != nil {
			p.log.Warn("send failed", "seq", seq, "err", err)
			return
		}
		p.scheduleTimeout(seq)
	}

	if probe.Delay <= 0 {
		send()
	} else {
		time.AfterFunc(probe.Delay, send)
	}
	return true
}

// scheduleTimeout arranges for seq's timeout to be delivered to Run's select
// loop after the configured deadline if no reply arrives first.
func (p *Pinger) scheduleTimeout(seq int) {
	time.AfterFunc(p.opts.timeout(), func() {
		select {
		case p.timeouts <- seq:
		case <-p.done:
		}
	})
}

// Timeout implements algorithm.Framework: the overall framework deadline
// used to size the initial dispatch burst (spec §4.4).
func (p *Pinger) Timeout() time.Duration { return p.opts.timeout() }

// RaiseEvent implements algorithm.Framework: records the outcome in history
// and invokes the user callback.
func (p *Pinger) RaiseEvent(ev algorithm.OutcomeEvent) {
	if ev.Kind == algorithm.AllProbesSent || ev.Kind == algorithm.Wait {
		return
	}

	if m := p.opts.metrics(); m != nil {
		m.Observe(p.dest.String(), ev)
	}

	p.mu.Lock()
	seq := ev.Probe.Seq
	var peer net.Addr
	if ev.Reply != nil && ev.Reply.SrcIP.IsValid() {
		peer = addrFromNetip(ev.Reply.SrcIP)
	}
	r := PingResult{Type: resultTypeFor(ev.Kind), Time: ev.Probe.SendTime, Peer: peer, Outcome: ev}
	r = p.hist.Record(seq, r)
	if ev.Kind == algorithm.ProbeReply {
		r.Latency = ev.RTT
	}
	p.mu.Unlock()

	p.runCallback(seq, r)
}

// RaiseTerminated implements algorithm.Framework.
func (p *Pinger) RaiseTerminated() {
	p.mu.Lock()
	p.finished = true
	p.mu.Unlock()
}

// RaiseError implements algorithm.Framework.
func (p *Pinger) RaiseError(err error) {
	p.log.Error("ping algorithm error", "err", err)
}

func (p *Pinger) isFinished() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.finished
}

// handleReply translates a received backend.Packet into an
// algorithm.EventProbeReply and delivers it to the handler. A reply for a
// sequence already consumed by a timeout (or by an earlier reply) is
// dropped; the pending timer still fires but finds nothing left in p.sent
// and is a no-op.
func (p *Pinger) handleReply(pkt *backend.Packet, peer net.Addr) {
	p.mu.Lock()
	sentProbe, ok := p.sent[pkt.Seq]
	if ok {
		delete(p.sent, pkt.Seq)
	}
	p.mu.Unlock()
	if !ok {
		p.log.Debug("reply for unknown/expired sequence", "seq", pkt.Seq)
		return
	}

	srcIP, _ := netip.AddrFromSlice(util.IP(peer))
	srcIP = srcIP.Unmap()

	reply := &algorithm.Probe{
		Version:     pkt.ICMPVersion,
		Type:        pkt.ICMPType,
		Code:        pkt.ICMPCode,
		SrcIP:       srcIP,
		ReceiveTime: time.Now(),
	}
	if pkt.Type == backend.PacketReply {
		// Echo replies are only emitted by the destination itself; the
		// classifier never sees these, so the IP version doesn't matter.
		reply.Version = ipVersionOf(p.dstIP)
	}

	p.handler.HandleEvent(algorithm.Event{
		Kind:  algorithm.EventProbeReply,
		Probe: sentProbe,
		Reply: reply,
	})
}

// handleTimeout translates an expired deadline into an
// algorithm.EventProbeTimeout, unless a reply already arrived for seq.
func (p *Pinger) handleTimeout(seq int) {
	p.mu.Lock()
	probe, ok := p.sent[seq]
	if ok {
		delete(p.sent, seq)
	}
	p.mu.Unlock()
	if !ok {
		return
	}

	p.handler.HandleEvent(algorithm.Event{
		Kind:          algorithm.EventProbeTimeout,
		TimedOutProbe: probe,
	})
}

func ipVersionOf(a netip.Addr) uint8 {
	if a.Is4() || a.Is4In6() {
		return 4
	}
	return 6
}

func addrFromNetip(a netip.Addr) net.Addr {
	return &net.IPAddr{IP: net.IP(a.AsSlice())}
}
