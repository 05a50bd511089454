// Package logparser turns raw node access-log lines into
// (user, ip, inbound) observations on the active-user table.
package logparser

import (
	"context"
	"net/netip"
	"regexp"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/Mtoly/XrayIPGuard/common/tracker"
)

// CountryResolver resolves an IP to an ISO-2 country code. An error means
// the country could not be determined; the parser then drops the line.
type CountryResolver interface {
	CountryOf(ctx context.Context, ip string) (string, error)
}

var (
	inboundRe = regexp.MustCompile(`\[([^\[\]\s]+) >> `)
	ipv6Re    = regexp.MustCompile(`\[([0-9a-fA-F:]+)\]:\d+ accepted`)
	ipv4Re    = regexp.MustCompile(`(\d{1,3}(?:\.\d{1,3}){3}):\d+`)
	emailRe   = regexp.MustCompile(`email:\s*(\S+)`)
	idPrefix  = regexp.MustCompile(`^\d+\.`)

	// XFF carriers in priority order. Only the first match is used.
	xffRes = []*regexp.Regexp{
		regexp.MustCompile(`xForwardedFor:\s*((?:\d{1,3}\.){3}\d{1,3})`),
		regexp.MustCompile(`X-Forwarded-For:\s*((?:\d{1,3}\.){3}\d{1,3})`),
		regexp.MustCompile(`\bxff:\s*((?:\d{1,3}\.){3}\d{1,3})`),
		regexp.MustCompile(`from ((?:\d{1,3}\.){3}\d{1,3}) \(via`),
	}
)

// usernameBlacklist catches residues of known log misparses that would
// otherwise show up as phantom users.
var usernameBlacklist = map[string]struct{}{
	"API]":    {},
	"Found":   {},
	"timeout": {},
	"invalid": {},
	"error":   {},
}

type Parser struct {
	table       *tracker.Table
	cdnInbounds map[string]struct{}
	useXFF      bool
	country     string
	resolver    CountryResolver

	// validIPs / invalidIPs short-circuit repeated validation of the same
	// address. invalidIPs is seeded with node addresses and well-known
	// non-client IPs.
	mu         sync.Mutex
	validIPs   map[string]struct{}
	invalidIPs map[string]struct{}
}

type Config struct {
	CDNInbounds []string
	UseXFF      bool
	// CountryCode is the ISO-2 geo filter; empty disables filtering.
	CountryCode string
	Resolver    CountryResolver
}

func New(table *tracker.Table, cfg Config) *Parser {
	p := &Parser{
		table:       table,
		cdnInbounds: make(map[string]struct{}, len(cfg.CDNInbounds)),
		useXFF:      cfg.UseXFF,
		country:     cfg.CountryCode,
		resolver:    cfg.Resolver,
		validIPs:    make(map[string]struct{}),
		invalidIPs:  make(map[string]struct{}),
	}
	for _, name := range cfg.CDNInbounds {
		p.cdnInbounds[name] = struct{}{}
	}
	for _, ip := range []string{"0.0.0.0", "127.0.0.1", "1.1.1.1", "8.8.8.8"} {
		p.invalidIPs[ip] = struct{}{}
	}
	return p
}

// MarkInvalidIP adds addresses to the invalid set. The stream manager
// seeds it with node addresses so a node talking to itself never counts
// as a client device.
func (p *Parser) MarkInvalidIP(ips ...string) {
	p.mu.Lock()
	for _, ip := range ips {
		if ip != "" {
			p.invalidIPs[ip] = struct{}{}
		}
	}
	p.mu.Unlock()
}

// ParseLine processes one SSE data payload from the given node. Malformed
// lines are dropped silently; the parser never fails.
func (p *Parser) ParseLine(ctx context.Context, line string, nodeID int, nodeName string) {
	if !strings.Contains(line, "accepted") || strings.Contains(line, "BLOCK]") {
		return
	}

	inbound := "Unknown"
	if m := inboundRe.FindStringSubmatch(line); m != nil {
		inbound = m[1]
	}

	ip := extractIP(line)
	if ip == "" {
		return
	}

	if p.useXFF {
		if _, ok := p.cdnInbounds[inbound]; ok {
			if real := extractXFF(line); real != "" {
				ip = real
			}
		}
	}

	if !p.validateIP(ip) {
		return
	}

	if p.country != "" {
		if !p.matchesCountry(ctx, ip) {
			return
		}
	}

	username := extractUsername(line)
	if username == "" {
		return
	}

	p.table.Observe(username, ip, nodeID, nodeName, inbound)
}

func extractIP(line string) string {
	if m := ipv6Re.FindStringSubmatch(line); m != nil {
		return m[1]
	}
	if m := ipv4Re.FindStringSubmatch(line); m != nil {
		return m[1]
	}
	return ""
}

func extractXFF(line string) string {
	for _, re := range xffRes {
		if m := re.FindStringSubmatch(line); m != nil {
			return m[1]
		}
	}
	return ""
}

func extractUsername(line string) string {
	m := emailRe.FindStringSubmatch(line)
	if m == nil {
		return ""
	}
	name := idPrefix.ReplaceAllString(m[1], "")
	if _, bad := usernameBlacklist[name]; bad {
		return ""
	}
	return name
}

// validateIP accepts only public unicast addresses, consulting the
// valid/invalid sets before parsing.
func (p *Parser) validateIP(ip string) bool {
	p.mu.Lock()
	if _, ok := p.invalidIPs[ip]; ok {
		p.mu.Unlock()
		return false
	}
	if _, ok := p.validIPs[ip]; ok {
		p.mu.Unlock()
		return true
	}
	p.mu.Unlock()

	addr, err := netip.ParseAddr(ip)
	ok := err == nil &&
		!addr.IsLoopback() &&
		!addr.IsPrivate() &&
		!addr.IsLinkLocalUnicast() &&
		!addr.IsLinkLocalMulticast() &&
		!addr.IsMulticast() &&
		!addr.IsUnspecified()

	p.mu.Lock()
	if ok {
		p.validIPs[ip] = struct{}{}
	} else {
		p.invalidIPs[ip] = struct{}{}
	}
	p.mu.Unlock()
	return ok
}

func (p *Parser) matchesCountry(ctx context.Context, ip string) bool {
	cc, err := p.resolverCountry(ctx, ip)
	if err != nil {
		// Geo lookup outage must not blind the whole pipeline; treat the
		// country as unknown and keep the observation.
		log.WithError(err).WithField("ip", ip).Debug("country lookup failed")
		return true
	}
	if strings.EqualFold(cc, p.country) {
		return true
	}
	// Wrong-country IPs are cached as invalid so they are dropped without
	// another lookup.
	p.MarkInvalidIP(ip)
	return false
}

func (p *Parser) resolverCountry(ctx context.Context, ip string) (string, error) {
	if p.resolver == nil {
		return p.country, nil
	}
	return p.resolver.CountryOf(ctx, ip)
}
