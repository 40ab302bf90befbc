// Package cliping implements a one-shot, classic-ping-style report: resolve
// a single destination, send count probes, print a line per reply, and
// finish with an RTT/loss summary. This is the -c/--count path through the
// CLI; it bypasses the bubbletea TUI entirely, the way ping(8) itself never
// draws a screen.
package cliping

import (
	"fmt"
	"os"
	"time"

	"github.com/pcekm/graphping/internal/backend"
	"github.com/pcekm/graphping/internal/lookup"
	"github.com/pcekm/graphping/internal/metricsexport"
	"github.com/pcekm/graphping/internal/pinger"
	"github.com/pcekm/graphping/internal/util"
)

// Options configures a Run.
type Options struct {
	// Count is the number of probes to send. Required; it is passed to the
	// pinger as NPings, where zero means no limit.
	Count int

	// Interval between probes.
	Interval time.Duration

	// Timeout before a probe is considered lost.
	Timeout time.Duration

	// Backend selects the probe protocol (e.g. "icmp", "udp").
	Backend backend.Name

	// TTL caps the number of hops a probe may traverse. Zero leaves it to
	// the backend's default.
	TTL int

	// Quiet suppresses the per-probe lines, printing only the final
	// summary (spec's -q/is_quiet).
	Quiet bool

	// ShowTimestamp prefixes each per-probe line with its send time
	// (spec's -D/show_timestamp).
	ShowTimestamp bool

	// Verbose additionally prints the raw outcome classification for
	// every probe, not just the collapsed result type.
	Verbose bool

	// Metrics, if set, receives every outcome event for Prometheus export.
	Metrics *metricsexport.Exporter
}

// Run resolves host, pings it per opts, and writes a ping(8)-style report
// to w. It blocks until the run completes.
func Run(w *os.File, host string, opts Options) error {
	dest, err := lookup.String(host)
	if err != nil {
		return fmt.Errorf("cliping: resolving %q: %w", host, err)
	}

	fmt.Fprintf(w, "PING %s (%s)\n", host, dest.IP)

	pingerOpts := &pinger.Options{
		NPings:   opts.Count,
		Interval: opts.Interval,
		Timeout:  opts.Timeout,
		TTL:      opts.TTL,
		History:  opts.Count,
		Metrics:  opts.Metrics,
	}

	p, err := pinger.New(opts.backend(), util.AddrVersion(dest), dest, pingerOpts)
	if err != nil {
		return fmt.Errorf("cliping: starting pinger for %s: %w", host, err)
	}
	defer p.Close()

	// Run blocks until every probe is accounted for; results are printed
	// afterward from History rather than from the (asynchronous) per-result
	// Callback, so the report below is guaranteed to reflect every probe in
	// order, with nothing still in flight when the summary line prints.
	p.Run()

	if !opts.Quiet {
		type seqResult struct {
			seq int
			r   pinger.PingResult
		}
		var results []seqResult
		for seq, r := range p.RevResults() {
			results = append(results, seqResult{seq, r})
		}
		for i := len(results) - 1; i >= 0; i-- {
			printResult(w, results[i].seq, results[i].r, opts)
		}
	}

	sum := p.Summary()
	stats := p.Stats()
	fmt.Fprintf(w, "\n--- %s ping statistics ---\n", host)
	fmt.Fprintf(w, "%d packets transmitted, loss %.0f%%\n", opts.Count, stats.PacketLoss()*100)
	fmt.Fprintf(w, "rtt min/avg/max/mdev = %v/%v/%v/%v\n", sum.Min, sum.Mean, sum.Max, sum.MeanDeviation)
	return nil
}

func printResult(w *os.File, seq int, r pinger.PingResult, opts Options) {
	var ts string
	if opts.ShowTimestamp {
		ts = fmt.Sprintf("[%s] ", r.Time.Format(time.RFC3339Nano))
	}
	peer := "?"
	if r.Peer != nil {
		peer = lookup.Addr(r.Peer)
	}
	switch r.Type {
	case pinger.Success:
		fmt.Fprintf(w, "%sreply from %s: seq=%d time=%v\n", ts, peer, seq, r.Latency)
	case pinger.Dropped:
		fmt.Fprintf(w, "%srequest timeout: seq=%d\n", ts, seq)
	default:
		fmt.Fprintf(w, "%s%s from %s: seq=%d\n", ts, r.Type, peer, seq)
	}
	if opts.Verbose {
		fmt.Fprintf(w, "  outcome=%v\n", r.Outcome.Kind)
	}
}

func (o Options) backend() backend.Name {
	if o.Backend == "" {
		return backend.Name("icmp")
	}
	return o.Backend
}
