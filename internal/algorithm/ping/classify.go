package ping

import (
	"net/netip"

	"github.com/pcekm/graphping/internal/algorithm"
)

// ICMP type/code values per spec §4.1. These are the IANA-assigned numeric
// values (https://www.iana.org/assignments/icmp-parameters/); kept as plain
// constants here rather than golang.org/x/net/ipv4|ipv6 typed enums so the
// classifier stays a pure function of (version, type, code) with no parsing
// dependency. internal/backend/icmp is responsible for turning a parsed
// golang.org/x/net/icmp message into these same numbers.
const (
	icmpv4TypeUnreach    = 3
	icmpv4TypeRedirect   = 5
	icmpv4TypeTimeExceed = 11
	icmpv4TypeParamProb  = 12

	icmpv4CodeUnreachNet      = 0 // historically named UNREACH_NET
	icmpv4CodeUnreachHost     = 1 // historically named UNREACH_HOST
	icmpv4CodeUnreachProtocol = 2
	icmpv4CodeUnreachPort     = 3

	icmpv4CodeRedirectNet = 0

	icmpv4CodeTimxceedIntrans = 0
	icmpv4CodeTimxceedReass   = 1

	icmpv6TypeDstUnreach = 1
	icmpv6TypeTimeExceed = 3
	icmpv6TypeParamProb  = 4
	icmpv6TypeNdRedirect = 137

	icmpv6CodeDstUnreachNoroute = 0
	icmpv6CodeDstUnreachAddr    = 3
	icmpv6CodeDstUnreachNoport  = 4

	icmpv6CodeTimeExceedTransit    = 0
	icmpv6CodeTimeExceedReassembly = 1

	icmpv6CodeParamprobHeader     = 0
	icmpv6CodeParamprobNextheader = 1
	icmpv6CodeParamprobOption     = 2
)

// Classify maps a reply's (version, type, code) to a semantic outcome, per
// the decision table in spec §4.1. It never fails hard: if classification
// can't determine anything more specific it returns GenError (spec §4.1
// "Failure").
//
// Classification is applied in table order; the first match wins. Note the
// deliberately preserved historical naming swap in the IPv4 branch: per
// spec §4.1 note (a) and open question 1, UNREACH_HOST maps to
// DstNetUnreachable and UNREACH_NET maps to DstHostUnreachable. This mirrors
// the source's actual behavior and is preserved pending maintainer
// confirmation of a fix — do not "correct" it to match RFC 792 without that.
func Classify(reply *algorithm.Probe) algorithm.OutcomeKind {
	switch reply.Version {
	case 4:
		return classifyV4(reply.Type, reply.Code)
	case 6:
		return classifyV6(reply.Type, reply.Code)
	default:
		return algorithm.GenError
	}
}

func classifyV4(typ, code uint8) algorithm.OutcomeKind {
	switch typ {
	case icmpv4TypeUnreach:
		switch code {
		case icmpv4CodeUnreachHost:
			return algorithm.DstNetUnreachable
		case icmpv4CodeUnreachNet:
			return algorithm.DstHostUnreachable
		case icmpv4CodeUnreachPort:
			return algorithm.DstPortUnreachable
		case icmpv4CodeUnreachProtocol:
			return algorithm.DstProtUnreachable
		}
	case icmpv4TypeTimeExceed:
		switch code {
		case icmpv4CodeTimxceedIntrans:
			return algorithm.TtlExceededTransit
		case icmpv4CodeTimxceedReass:
			return algorithm.TimeExceededReassembly
		}
	case icmpv4TypeRedirect:
		if code == icmpv4CodeRedirectNet {
			return algorithm.Redirect
		}
	case icmpv4TypeParamProb:
		return algorithm.ParameterProblem
	}
	return algorithm.GenError
}

func classifyV6(typ, code uint8) algorithm.OutcomeKind {
	switch typ {
	case icmpv6TypeDstUnreach:
		switch code {
		case icmpv6CodeDstUnreachAddr:
			return algorithm.DstNetUnreachable
		case icmpv6CodeDstUnreachNoroute:
			return algorithm.DstHostUnreachable
		case icmpv6CodeDstUnreachNoport:
			return algorithm.DstPortUnreachable
		}
	case icmpv6TypeTimeExceed:
		switch code {
		case icmpv6CodeTimeExceedTransit:
			return algorithm.TtlExceededTransit
		case icmpv6CodeTimeExceedReassembly:
			return algorithm.TimeExceededReassembly
		}
	case icmpv6TypeParamProb:
		// Must be tested before the general ParameterProblem fallthrough:
		// NEXTHEADER specifically means "protocol unreachable" (spec §4.1).
		switch code {
		case icmpv6CodeParamprobNextheader:
			return algorithm.DstProtUnreachable
		case icmpv6CodeParamprobHeader, icmpv6CodeParamprobOption:
			return algorithm.ParameterProblem
		}
	case icmpv6TypeNdRedirect:
		return algorithm.Redirect
	}
	return algorithm.GenError
}

// Reached reports whether reply's source address equals dest — the
// Destination Matcher (spec §4.1). A reply whose source equals the
// destination is always treated as ProbeReply, even if it also carries an
// ICMP error classification (destination-reached takes precedence).
func Reached(dest netip.Addr, reply *algorithm.Probe) bool {
	if !dest.IsValid() || !reply.SrcIP.IsValid() {
		return false
	}
	return unmapped(dest) == unmapped(reply.SrcIP)
}

// unmapped normalizes a 4-in-6 mapped address to its plain IPv4 form so
// family representation differences don't defeat the comparison.
func unmapped(a netip.Addr) netip.Addr {
	if a.Is4In6() {
		return a.Unmap()
	}
	return a
}
