package algorithm

import "time"

// Framework is the outbound contract an algorithm uses to talk back to its
// ambient probing framework (spec §6 "Framework contract (outbound)").
// internal/pinger implements this.
type Framework interface {
	// SendProbe requests best-effort transmission of p. Returns whether the
	// send was accepted.
	SendProbe(p *Probe) bool

	// RaiseEvent enqueues an outcome event for the algorithm's caller.
	RaiseEvent(ev OutcomeEvent)

	// RaiseTerminated signals that the instance is done and may be torn
	// down.
	RaiseTerminated()

	// RaiseError signals a fatal algorithm error.
	RaiseError(err error)

	// Timeout returns the ambient overall deadline for the run.
	Timeout() time.Duration
}

// EventKind identifies an inbound framework event (spec §6 "Framework
// contract (inbound)").
type EventKind int

const (
	// EventInit carries the options for one new instance.
	EventInit EventKind = iota

	// EventProbeReply carries a matched (probe, reply) pair.
	EventProbeReply

	// EventProbeTimeout carries the probe that never got a reply.
	EventProbeTimeout

	// EventTerminated signals instance teardown.
	EventTerminated

	// EventError signals a framework-level error for this instance.
	EventError
)

// Event is an inbound event delivered to an algorithm instance. Exactly one
// of the fields relevant to Kind is populated; the rest are zero. Unknown
// Kind values are silently ignored by the handler (spec §4.5).
type Event struct {
	Kind EventKind

	// Probe/Reply are set for EventProbeReply.
	Probe *Probe
	Reply *Probe

	// TimedOutProbe is set for EventProbeTimeout.
	TimedOutProbe *Probe

	// Err is set for EventError.
	Err error
}
