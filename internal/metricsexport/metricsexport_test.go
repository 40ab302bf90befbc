package metricsexport

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pcekm/graphping/internal/algorithm"
)

func TestObserveUpdatesLossRatio(t *testing.T) {
	e := New()
	e.ProbeSent("10.0.0.1")
	e.Observe("10.0.0.1", algorithm.OutcomeEvent{Kind: algorithm.ProbeReply, RTT: 10 * time.Millisecond})
	e.ProbeSent("10.0.0.1")
	e.Observe("10.0.0.1", algorithm.OutcomeEvent{Kind: algorithm.Timeout})

	got := testutil.ToFloat64(e.loss.WithLabelValues("10.0.0.1"))
	assert.InDelta(t, 0.5, got, 1e-9)
}

func TestObserveSkipsInformationalKinds(t *testing.T) {
	e := New()
	e.Observe("10.0.0.1", algorithm.OutcomeEvent{Kind: algorithm.AllProbesSent})
	e.Observe("10.0.0.1", algorithm.OutcomeEvent{Kind: algorithm.Wait})
	assert.Empty(t, e.replies)
}

func TestHandlerServesMetrics(t *testing.T) {
	e := New()
	e.ProbeSent("10.0.0.1")
	e.Observe("10.0.0.1", algorithm.OutcomeEvent{Kind: algorithm.ProbeReply, RTT: 5 * time.Millisecond})

	srv := httptest.NewServer(e.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)
}
