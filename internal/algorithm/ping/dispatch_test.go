package ping

import (
	"testing"
	"time"

	"github.com/pcekm/graphping/internal/algorithm"
	"github.com/stretchr/testify/assert"
)

func TestDispatchBatchAbortsOnFirstFailureWithoutRollback(t *testing.T) {
	calls := 0
	fw := &fakeFramework{
		timeout: time.Second,
		sendResult: func(*algorithm.Probe) bool {
			calls++
			return calls != 2 // fail on the second send only
		},
	}
	d := dispatcher{tmpl: algorithm.Template{Delay: algorithm.BestEffort}, fw: fw}
	st := newState(Options{Count: 5, Interval: time.Second})

	sent, err := d.dispatchBatch(st, 1, 4)

	assert.Error(t, err)
	assert.Equal(t, 1, sent, "only the first successful send should be counted")
	// The failed probe is still retained (spec §4.3: "already-dispatched
	// probes remain tracked"); dispatchOne retains before checking the send
	// result, so both the successful and the failed clone are tracked.
	assert.Len(t, st.Probes(), 2)
}
