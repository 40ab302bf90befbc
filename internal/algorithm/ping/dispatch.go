package ping

import (
	"fmt"
	"time"

	"github.com/pcekm/graphping/internal/algorithm"
)

// dispatcher clones the skeleton probe template and hands transmissions to
// the framework (spec §4.3 "Probe Dispatcher").
type dispatcher struct {
	tmpl algorithm.Template
	fw   algorithm.Framework
}

// dispatchOne transmits probe i (1-indexed within the current dispatch
// batch): clones the skeleton, staggers its delay if the skeleton doesn't
// use algorithm.BestEffort, retains the clone in state, and sends it.
// Returns nil and false if cloning failed. If sending failed, returns the
// clone and false; the clone has already been retained in state.
func (d *dispatcher) dispatchOne(st *State, i int) (*algorithm.Probe, bool, error) {
	p := d.tmpl.Clone()
	if p == nil {
		return nil, false, fmt.Errorf("ping: failed to clone skeleton probe")
	}
	if d.tmpl.Delay != algorithm.BestEffort {
		p.Delay = time.Duration(i) * d.tmpl.Delay
	}
	st.retain(p)
	if !d.fw.SendProbe(p) {
		return p, false, fmt.Errorf("ping: framework rejected probe send")
	}
	return p, true, nil
}

// dispatchBatch sends k probes, 1-indexed starting at startIndex, stopping
// at (and reporting) the first failure without rolling back prior
// successes (spec §4.3 "Batched dispatch"). Returns the number successfully
// dispatched.
func (d *dispatcher) dispatchBatch(st *State, startIndex, k int) (sent int, err error) {
	for i := 0; i < k; i++ {
		_, ok, derr := d.dispatchOne(st, startIndex+i)
		if !ok {
			return sent, derr
		}
		sent++
	}
	return sent, nil
}
