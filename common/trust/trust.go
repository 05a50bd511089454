// Package trust scores how likely a user's IP spread is one device versus
// multi-device sharing. The score is a pure function of the current
// evidence, so identical inputs always produce identical scores.
package trust

import "fmt"

// Evidence is everything the scorer looks at for one user.
type Evidence struct {
	// IPs are the distinct observed IPs.
	IPs []string
	// IPToInbounds maps each IP to the inbounds it appeared on.
	IPToInbounds map[string][]string
	// ISPByIP carries provider names; empty or "Unknown" entries are
	// treated as unavailable evidence.
	ISPByIP map[string]string
	// SubnetByIP carries the derived subnet per IP.
	SubnetByIP map[string]string

	PriorDisables12h int
	// PriorDisables24h counts disables over the full 24 hours, including
	// the ones already counted in PriorDisables12h.
	PriorDisables24h int
}

const (
	baseScore = 50
	minScore  = -100
	maxScore  = 100
)

// ISP spread patterns.
const (
	PatternUnknown         = "unknown"
	PatternSingleISP       = "single_isp"
	PatternSimSwap         = "sim_swap"
	PatternPossibleSimSwap = "possible_sim_swap"
	PatternMultiDevice     = "multi_device"
)

// Score computes the trust score in [-100, 100] and the applied
// adjustments for logging.
func Score(ev Evidence) (int, []string) {
	score := baseScore
	var reasons []string
	add := func(delta int, why string) {
		score += delta
		reasons = append(reasons, fmt.Sprintf("%+d %s", delta, why))
	}

	nIPs := len(ev.IPs)

	sameIPMultiInbound := false
	for _, ip := range ev.IPs {
		if len(ev.IPToInbounds[ip]) >= 2 {
			sameIPMultiInbound = true
			break
		}
	}
	if sameIPMultiInbound {
		add(20, "same IP on multiple inbounds")
	}

	inboundIPs := make(map[string]map[string]struct{})
	for ip, inbounds := range ev.IPToInbounds {
		for _, ib := range inbounds {
			if inboundIPs[ib] == nil {
				inboundIPs[ib] = make(map[string]struct{})
			}
			inboundIPs[ib][ip] = struct{}{}
		}
	}
	nInbounds := len(inboundIPs)

	sharedInbound := false
	for _, ips := range inboundIPs {
		if len(ips) >= 2 {
			sharedInbound = true
			break
		}
	}
	switch {
	case sharedInbound:
		add(-30, "different IPs share one inbound")
	case nInbounds > 1 && nIPs > 1 && !sameIPMultiInbound:
		n := nInbounds
		if nIPs < n {
			n = nIPs
		}
		add(-15*n, "distinct IPs on distinct inbounds")
	}

	isps, subnets := knownProviders(ev)
	if len(isps) == 1 {
		if len(subnets) > 1 {
			add(-15*(len(subnets)-1), "one ISP across multiple subnets")
		}
	}

	pattern := Classify(ev)
	switch pattern {
	case PatternSingleISP:
		add(10, "single ISP")
	case PatternSimSwap, PatternPossibleSimSwap:
		add(-8, "possible SIM swap")
	case PatternMultiDevice:
		add(-25, "multi-device ISP spread")
	}

	if ev.PriorDisables12h > 0 {
		add(-20*ev.PriorDisables12h, "disables in last 12h")
	}
	if extra := ev.PriorDisables24h - ev.PriorDisables12h; extra > 0 {
		add(-10*extra, "disables between 12h and 24h")
	}

	if nIPs > 2 {
		add(-10*(nIPs-2), "IPs beyond two")
	}

	if score > maxScore {
		score = maxScore
	}
	if score < minScore {
		score = minScore
	}
	return score, reasons
}

// Classify names the ISP spread pattern of the evidence.
func Classify(ev Evidence) string {
	isps, subnets := knownProviders(ev)
	nIPs := len(ev.IPs)

	switch {
	case len(isps) == 0:
		return PatternUnknown
	case len(isps) == 1:
		return PatternSingleISP
	}

	if nIPs == 2 && len(subnets) == 2 {
		return PatternSimSwap
	}
	if nIPs > len(subnets) || nIPs > len(isps) {
		return PatternMultiDevice
	}
	return PatternPossibleSimSwap
}

// Level names the score band the way operators see it.
func Level(score int) string {
	switch {
	case score >= 40:
		return "trusted"
	case score >= 20:
		return "high"
	case score >= 0:
		return "medium"
	case score >= -25:
		return "low"
	case score >= -50:
		return "suspicious"
	default:
		return "critical"
	}
}

func knownProviders(ev Evidence) (isps, subnets map[string]struct{}) {
	isps = make(map[string]struct{})
	subnets = make(map[string]struct{})
	for _, ip := range ev.IPs {
		if name := ev.ISPByIP[ip]; name != "" && name != "Unknown" {
			isps[name] = struct{}{}
		}
		if subnet := ev.SubnetByIP[ip]; subnet != "" {
			subnets[subnet] = struct{}{}
		}
	}
	return isps, subnets
}
