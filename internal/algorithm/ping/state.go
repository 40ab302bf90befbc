package ping

import "github.com/pcekm/graphping/internal/algorithm"

// State is the per-instance mutable state (spec §3 "PingState"). Invariants
// hold at every event boundary (spec §8):
//
//	numReplies <= Options.Count
//	numLosses <= numReplies
//	numInFlight >= 0 && numReplies+numInFlight <= Options.Count
type State struct {
	opts Options

	numReplies  int
	numLosses   int
	numInFlight int

	// probes retains every probe transmitted, for lifetime management
	// (spec §3 "the probes sequence owns each probe clone").
	probes []*algorithm.Probe

	stats RTTStats
}

func newState(opts Options) *State {
	return &State{opts: opts}
}

// NumReplies is the count of reply-or-timeout events processed so far.
func (s *State) NumReplies() int { return s.numReplies }

// NumLosses is the count of timeouts processed so far.
func (s *State) NumLosses() int { return s.numLosses }

// NumInFlight is probes sent but not yet replied-to or timed out.
func (s *State) NumInFlight() int { return s.numInFlight }

// Probes returns every probe transmitted so far, in dispatch order.
func (s *State) Probes() []*algorithm.Probe { return s.probes }

// Stats returns the accumulated RTT statistics.
func (s *State) Stats() *RTTStats { return &s.stats }

// Summary computes the end-of-run statistics summary (spec §4.2).
func (s *State) Summary() Summary {
	return s.stats.Summarize(s.numLosses, s.numReplies)
}

// done reports whether every probe has been accounted for.
func (s *State) done() bool {
	return s.numReplies+s.numInFlight >= s.opts.Count
}

// retain appends probe to the owned probe sequence.
func (s *State) retain(p *algorithm.Probe) {
	s.probes = append(s.probes, p)
}
