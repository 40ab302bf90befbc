package ping

import (
	"errors"
	"time"

	"github.com/pcekm/graphping/internal/algorithm"
)

// Handler is the ping algorithm's event-handling state machine (spec §4.4).
// It is driven by a single goroutine at a time (spec §5: "events concerning
// a given instance are delivered strictly serially"), so it holds no locks
// of its own.
type Handler struct {
	opts Options
	tmpl algorithm.Template
	fw   algorithm.Framework
	st   *State
	disp dispatcher

	allSentRaised bool
}

// Init performs the AlgorithmInit transition (spec §4.4): validates opts,
// allocates PingState, and dispatches the initial burst of probes sized to
// fit the framework's overall timeout.
func Init(opts Options, tmpl algorithm.Template, fw algorithm.Framework) (*Handler, error) {
	if err := opts.Validate(); err != nil {
		if fw != nil {
			fw.RaiseError(err)
		}
		return nil, err
	}

	h := &Handler{
		opts: opts,
		tmpl: tmpl,
		fw:   fw,
		st:   newState(opts),
	}
	h.disp = dispatcher{tmpl: tmpl, fw: fw}

	if opts.Count == 0 {
		// spec §8 boundary: count=0 terminates immediately with
		// AllProbesSent, no probes dispatched.
		h.raiseAllSentAndTerminate()
		return h, nil
	}

	initialK := initialDispatchSize(fw.Timeout(), opts.Interval, opts.Count)
	sent, err := h.disp.dispatchBatch(h.st, 1, initialK)
	h.st.numInFlight += sent
	if err != nil {
		// spec §4.5: dispatch failure is reported; batch aborts; already
		// dispatched probes remain tracked. This is not fatal to the
		// instance as long as at least the attempted sends before the
		// failure succeeded.
		if fw != nil {
			fw.RaiseError(err)
		}
	}
	return h, nil
}

// initialDispatchSize computes spec §4.4's
// min(floor(timeout/interval), count).
func initialDispatchSize(timeout, interval time.Duration, count int) int {
	if interval <= 0 {
		return 0
	}
	k := int(timeout / interval)
	if k > count {
		k = count
	}
	if k < 0 {
		k = 0
	}
	return k
}

// State exposes the handler's algorithm state, primarily for reporting and
// tests.
func (h *Handler) State() *State { return h.st }

// HandleEvent dispatches an inbound framework event (spec §4.4/§4.5). An
// unrecognized Kind is silently ignored, since the framework may deliver
// events unrelated to this algorithm.
func (h *Handler) HandleEvent(ev algorithm.Event) {
	if h.st == nil {
		// Teardown is idempotent; a null state is a no-op (spec §4.5).
		return
	}

	switch ev.Kind {
	case algorithm.EventProbeReply:
		h.handleReply(ev.Probe, ev.Reply)
	case algorithm.EventProbeTimeout:
		h.handleTimeout(ev.TimedOutProbe)
	case algorithm.EventTerminated:
		h.st = nil
	case algorithm.EventError:
		h.fw.RaiseError(errors.Join(ErrInvalidOptions, ev.Err))
	default:
		// Silently ignored (spec §4.5).
	}
}

// transition is what onReply/onTimeout compute: the outcome to forward and
// how many more probes should be dispatched afterward.
type transition struct {
	outcome  algorithm.OutcomeEvent
	needMore int
}

func (h *Handler) handleReply(probe, reply *algorithm.Probe) {
	t := h.onReply(probe, reply)
	h.postEvent(t)
}

func (h *Handler) handleTimeout(probe *algorithm.Probe) {
	t := h.onTimeout(probe)
	h.postEvent(t)
}

// onReply is the pure(ish) reply transition: updates counters/stats and
// decides the outcome + refill need, without performing any I/O (spec §9
// redesign note: "(state, event) -> (state', outgoing_events, dispatch_n)").
func (h *Handler) onReply(probe, reply *algorithm.Probe) transition {
	s := h.st
	s.numReplies++
	s.numInFlight--

	var outcome algorithm.OutcomeEvent
	if Reached(h.opts.Destination, reply) {
		rtt := reply.ReceiveTime.Sub(probe.SendTime)
		s.stats.Add(rtt)
		outcome = algorithm.OutcomeEvent{Kind: algorithm.ProbeReply, Probe: probe, Reply: reply, RTT: rtt}
	} else {
		kind := Classify(reply)
		outcome = algorithm.OutcomeEvent{Kind: kind, Probe: probe, Reply: reply}
	}

	return transition{outcome: outcome, needMore: h.needMore()}
}

// onTimeout is the pure(ish) timeout transition (spec §4.4 "On
// PROBE_TIMEOUT").
func (h *Handler) onTimeout(probe *algorithm.Probe) transition {
	s := h.st
	s.numReplies++
	s.numLosses++
	s.numInFlight--

	outcome := algorithm.OutcomeEvent{Kind: algorithm.Timeout, Probe: probe}
	return transition{outcome: outcome, needMore: h.needMore()}
}

// needMore implements the deliberate one-probe-at-a-time refill policy
// (spec §4.4, preserved per open question 3): at most one more probe is
// requested per handled event, never a burst to the in-flight cap.
func (h *Handler) needMore() int {
	if h.opts.Count-h.st.numReplies > 0 {
		return 1
	}
	return 0
}

// postEvent implements spec §4.4's post-event algorithm: forward the
// outcome, then either dispatch more probes, announce completion, or ask
// the caller to wait.
func (h *Handler) postEvent(t transition) {
	h.fw.RaiseEvent(t.outcome)

	s := h.st
	if t.needMore > 0 && s.numReplies+s.numInFlight < h.opts.Count {
		sent, err := h.disp.dispatchBatch(s, 1, t.needMore)
		s.numInFlight += sent
		if err != nil {
			h.fw.RaiseError(err)
		}
		return
	}

	if s.numInFlight == 0 {
		h.raiseAllSentAndTerminate()
		return
	}
	h.fw.RaiseEvent(algorithm.OutcomeEvent{Kind: algorithm.Wait})
}

// raiseAllSentAndTerminate emits AllProbesSent exactly once (spec §8
// invariant 4) and raises framework termination.
func (h *Handler) raiseAllSentAndTerminate() {
	if !h.allSentRaised {
		h.allSentRaised = true
		h.fw.RaiseEvent(algorithm.OutcomeEvent{Kind: algorithm.AllProbesSent})
	}
	h.fw.RaiseTerminated()
}
