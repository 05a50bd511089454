// Package isp looks up the provider name behind an IP, used as trust
// evidence by the evaluator. ipinfo.io is preferred when a token is
// configured; ip-api.com serves as the free fallback.
package isp

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"regexp"
	"strings"
	"time"

	simplejson "github.com/bitly/go-simplejson"
	"github.com/go-resty/resty/v2"
	gocache "github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"

	"github.com/Mtoly/XrayIPGuard/config"
)

// ErrUnavailable means no lookup backend produced an answer.
var ErrUnavailable = errors.New("isp: lookup unavailable")

// Info is the provider evidence for one IP.
type Info struct {
	ISP    string
	Subnet string
}

type Client struct {
	http        *resty.Client
	token       string
	useFallback bool
	cache       *gocache.Cache
}

var asnPrefix = regexp.MustCompile(`^AS\d+\s+`)

func New(cfg config.APIConfig) *Client {
	return &Client{
		http:        resty.New().SetTimeout(5 * time.Second),
		token:       cfg.IPInfoToken,
		useFallback: cfg.UseFallbackISPAPI,
		cache:       gocache.New(6*time.Hour, 30*time.Minute),
	}
}

// Lookup resolves the ISP name for ip. The subnet is derived locally
// (/24 for v4, /48 for v6) so it is available even when the lookup fails.
func (c *Client) Lookup(ctx context.Context, ip string) (Info, error) {
	info := Info{ISP: "Unknown", Subnet: SubnetOf(ip)}

	if v, ok := c.cache.Get(ip); ok {
		info.ISP = v.(string)
		return info, nil
	}

	name, err := c.lookupName(ctx, ip)
	if err != nil {
		return info, err
	}
	c.cache.Set(ip, name, gocache.DefaultExpiration)
	info.ISP = name
	return info, nil
}

func (c *Client) lookupName(ctx context.Context, ip string) (string, error) {
	var lastErr error

	if c.token != "" {
		name, err := c.fromIPInfo(ctx, ip)
		if err == nil {
			return name, nil
		}
		lastErr = err
		log.WithError(err).WithField("ip", ip).Debug("ipinfo lookup failed")
	}

	if c.useFallback || c.token == "" {
		name, err := c.fromIPAPI(ctx, ip)
		if err == nil {
			return name, nil
		}
		lastErr = err
	}

	if lastErr == nil {
		lastErr = ErrUnavailable
	}
	return "", fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

func (c *Client) fromIPInfo(ctx context.Context, ip string) (string, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("token", c.token).
		Get("https://ipinfo.io/" + ip + "/json")
	if err != nil {
		return "", err
	}
	if !resp.IsSuccess() {
		return "", fmt.Errorf("ipinfo status %d", resp.StatusCode())
	}
	js, err := simplejson.NewJson(resp.Body())
	if err != nil {
		return "", err
	}
	org := js.Get("org").MustString()
	if org == "" {
		return "", fmt.Errorf("ipinfo response without org")
	}
	return asnPrefix.ReplaceAllString(org, ""), nil
}

func (c *Client) fromIPAPI(ctx context.Context, ip string) (string, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		Get("http://ip-api.com/json/" + ip + "?fields=isp")
	if err != nil {
		return "", err
	}
	if !resp.IsSuccess() {
		return "", fmt.Errorf("ip-api status %d", resp.StatusCode())
	}
	js, err := simplejson.NewJson(resp.Body())
	if err != nil {
		return "", err
	}
	name := js.Get("isp").MustString()
	if name == "" {
		return "", fmt.Errorf("ip-api response without isp")
	}
	return name, nil
}

// SubnetOf returns the /24 (v4) or /48 (v6) prefix of ip, or the raw
// string when it does not parse.
func SubnetOf(ip string) string {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return ip
	}
	bits := 24
	if addr.Is6() && !addr.Is4In6() {
		bits = 48
	}
	prefix, err := addr.Prefix(bits)
	if err != nil {
		return ip
	}
	return prefix.String()
}

// Names flattens per-IP infos into the distinct ISP name set, keeping
// first-seen order.
func Names(byIP map[string]Info) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, info := range byIP {
		name := strings.TrimSpace(info.ISP)
		if name == "" {
			name = "Unknown"
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}
