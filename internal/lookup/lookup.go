// Package lookup contains name resolution functions.
//
// This adds some ease of use to the base functions, retrying transient DNS
// failures with backoff so a single flaky resolver response doesn't sink an
// otherwise healthy ping run. Results are not cached.
package lookup

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// NumericMode disables reverse DNS lookups in Addr, always returning the
// address's numeric form. Set from the CLI's -n/--numeric flag.
var NumericMode bool

// lookupBackoff bounds the retry budget for a single resolution: DNS
// failures are usually transient (resolver timeout, momentary network
// hiccup), but a ping run shouldn't stall waiting on a resolver that's
// genuinely down.
func lookupBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.MaxElapsedTime = 2 * time.Second
	return b
}

// Addr finds the name for a given address, or returns the address itself as
// a string if no name can be found or NumericMode is set. If multiple names
// are found, this returns the first.
func Addr(addr net.Addr) string {
	var ipstr string
	switch addr := addr.(type) {
	case *net.UDPAddr:
		ipstr = addr.IP.String()
	case *net.TCPAddr:
		ipstr = addr.IP.String()
	case *net.IPAddr:
		ipstr = addr.IP.String()
	default:
		return addr.String()
	}
	if NumericMode {
		return ipstr
	}

	var names []string
	op := func() error {
		var err error
		names, err = net.LookupAddr(ipstr)
		return err
	}
	if err := backoff.Retry(op, lookupBackoff()); err != nil || len(names) == 0 {
		return ipstr
	}
	return names[0]
}

// String parses a string address or hostname. Returns the first IPv4 address
// if it exists, or the first IPv6 address otherwise. DNS lookups are retried
// with backoff; a malformed literal address fails immediately since retrying
// won't change the outcome.
func String(s string) (*net.UDPAddr, error) {
	var ipAddrs []net.IP
	op := func() error {
		var err error
		ipAddrs, err = net.LookupIP(s)
		if err != nil && isPermanentLookupError(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	if err := backoff.Retry(op, lookupBackoff()); err != nil {
		return nil, fmt.Errorf("lookup error: %w", err)
	}
	if len(ipAddrs) == 0 {
		return nil, errors.New("no addresses found")
	}
	ip := ipAddrs[0]
	for _, a := range ipAddrs {
		if a.To4() != nil {
			ip = a
			break
		}
	}
	return &net.UDPAddr{IP: ip}, nil
}

// isPermanentLookupError reports whether err reflects a resolution failure
// that retrying cannot fix, such as a malformed hostname.
func isPermanentLookupError(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsNotFound
	}
	return false
}
