package ping

import (
	"net/netip"
	"testing"

	"github.com/pcekm/graphping/internal/algorithm"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name    string
		version uint8
		typ     uint8
		code    uint8
		want    algorithm.OutcomeKind
	}{
		// IPv4 (spec §4.1 table, note the preserved historical swap).
		{"v4 unreach host->net", 4, icmpv4TypeUnreach, icmpv4CodeUnreachHost, algorithm.DstNetUnreachable},
		{"v4 unreach net->host", 4, icmpv4TypeUnreach, icmpv4CodeUnreachNet, algorithm.DstHostUnreachable},
		{"v4 unreach port", 4, icmpv4TypeUnreach, icmpv4CodeUnreachPort, algorithm.DstPortUnreachable},
		{"v4 unreach protocol", 4, icmpv4TypeUnreach, icmpv4CodeUnreachProtocol, algorithm.DstProtUnreachable},
		{"v4 ttl exceeded transit", 4, icmpv4TypeTimeExceed, icmpv4CodeTimxceedIntrans, algorithm.TtlExceededTransit},
		{"v4 reassembly exceeded", 4, icmpv4TypeTimeExceed, icmpv4CodeTimxceedReass, algorithm.TimeExceededReassembly},
		{"v4 redirect", 4, icmpv4TypeRedirect, icmpv4CodeRedirectNet, algorithm.Redirect},
		{"v4 param problem", 4, icmpv4TypeParamProb, 0, algorithm.ParameterProblem},
		{"v4 param problem code ignored", 4, icmpv4TypeParamProb, 9, algorithm.ParameterProblem},
		{"v4 unknown", 4, 99, 0, algorithm.GenError},

		// IPv6.
		{"v6 dst unreach addr", 6, icmpv6TypeDstUnreach, icmpv6CodeDstUnreachAddr, algorithm.DstNetUnreachable},
		{"v6 dst unreach noroute", 6, icmpv6TypeDstUnreach, icmpv6CodeDstUnreachNoroute, algorithm.DstHostUnreachable},
		{"v6 dst unreach noport", 6, icmpv6TypeDstUnreach, icmpv6CodeDstUnreachNoport, algorithm.DstPortUnreachable},
		{"v6 time exceed transit", 6, icmpv6TypeTimeExceed, icmpv6CodeTimeExceedTransit, algorithm.TtlExceededTransit},
		{"v6 time exceed reassembly", 6, icmpv6TypeTimeExceed, icmpv6CodeTimeExceedReassembly, algorithm.TimeExceededReassembly},
		{"v6 paramprob nextheader -> prot unreachable", 6, icmpv6TypeParamProb, icmpv6CodeParamprobNextheader, algorithm.DstProtUnreachable},
		{"v6 paramprob header", 6, icmpv6TypeParamProb, icmpv6CodeParamprobHeader, algorithm.ParameterProblem},
		{"v6 paramprob option", 6, icmpv6TypeParamProb, icmpv6CodeParamprobOption, algorithm.ParameterProblem},
		{"v6 nd redirect", 6, icmpv6TypeNdRedirect, 0, algorithm.Redirect},
		{"v6 unknown", 6, 200, 0, algorithm.GenError},

		{"unknown version", 5, 0, 0, algorithm.GenError},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			reply := &algorithm.Probe{Version: c.version, Type: c.typ, Code: c.code}
			assert.Equal(t, c.want, Classify(reply))
		})
	}
}

func TestReached(t *testing.T) {
	dest := netip.MustParseAddr("10.0.0.1")

	t.Run("matching source always reached regardless of ICMP class", func(t *testing.T) {
		reply := &algorithm.Probe{
			Version: 4,
			Type:    icmpv4TypeRedirect,
			Code:    icmpv4CodeRedirectNet,
			SrcIP:   dest,
		}
		assert.True(t, Reached(dest, reply))
	})

	t.Run("mismatched source not reached", func(t *testing.T) {
		reply := &algorithm.Probe{
			Version: 4,
			SrcIP:   netip.MustParseAddr("198.51.100.9"),
		}
		assert.False(t, Reached(dest, reply))
	})

	t.Run("invalid destination never reached", func(t *testing.T) {
		reply := &algorithm.Probe{SrcIP: dest}
		assert.False(t, Reached(netip.Addr{}, reply))
	})

	t.Run("4-in-6 mapped address normalizes", func(t *testing.T) {
		mapped := netip.MustParseAddr("::ffff:10.0.0.1")
		reply := &algorithm.Probe{SrcIP: mapped}
		assert.True(t, Reached(dest, reply))
	})
}
