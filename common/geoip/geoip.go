// Package geoip resolves IPs to country codes through a prioritized list
// of free HTTP endpoints, with a chained local/redis cache in front.
package geoip

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	simplejson "github.com/bitly/go-simplejson"
	"github.com/eko/gocache/lib/v4/cache"
	"github.com/eko/gocache/lib/v4/store"
	goCacheStore "github.com/eko/gocache/store/go_cache/v4"
	redisStore "github.com/eko/gocache/store/redis/v4"
	"github.com/go-resty/resty/v2"
	goCache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/Mtoly/XrayIPGuard/config"
)

// ErrUnavailable means every endpoint failed for the lookup.
var ErrUnavailable = errors.New("geoip: all endpoints unavailable")

// Endpoint is one free lookup service.
type Endpoint struct {
	Name string
	URL  func(ip string) string
	// Parse extracts the ISO-2 country code from a response body.
	Parse func(body []byte) (string, error)
}

type endpointState struct {
	failures    int
	lastSuccess time.Time
}

type Resolver struct {
	http      *resty.Client
	endpoints []Endpoint
	cache     *cache.ChainCache[string]

	mu    sync.Mutex
	state map[string]*endpointState
}

func jsonField(field string) func([]byte) (string, error) {
	return func(body []byte) (string, error) {
		js, err := simplejson.NewJson(body)
		if err != nil {
			return "", err
		}
		cc := js.Get(field).MustString()
		if len(cc) != 2 {
			return "", fmt.Errorf("no country code in response")
		}
		return strings.ToUpper(cc), nil
	}
}

func defaultEndpoints() []Endpoint {
	return []Endpoint{
		{
			Name:  "ip-api.com",
			URL:   func(ip string) string { return "http://ip-api.com/json/" + ip + "?fields=countryCode" },
			Parse: jsonField("countryCode"),
		},
		{
			Name:  "ipwho.is",
			URL:   func(ip string) string { return "https://ipwho.is/" + ip },
			Parse: jsonField("country_code"),
		},
		{
			Name:  "freeipapi.com",
			URL:   func(ip string) string { return "https://freeipapi.com/api/json/" + ip },
			Parse: jsonField("countryCode"),
		},
		{
			Name: "ipapi.co",
			URL:  func(ip string) string { return "https://ipapi.co/" + ip + "/country/" },
			Parse: func(body []byte) (string, error) {
				cc := strings.TrimSpace(string(body))
				if len(cc) != 2 {
					return "", fmt.Errorf("no country code in response")
				}
				return strings.ToUpper(cc), nil
			},
		},
	}
}

// New builds a resolver with the default endpoint list. When redis is
// enabled the country cache is chained: local go-cache first, redis
// second, so several instances can share lookups.
func New(redisCfg config.RedisConfig) *Resolver {
	return newResolver(defaultEndpoints(), redisCfg)
}

// NewWithEndpoints builds a resolver against a custom endpoint list.
func NewWithEndpoints(endpoints []Endpoint) *Resolver {
	return newResolver(endpoints, config.RedisConfig{})
}

func newResolver(endpoints []Endpoint, redisCfg config.RedisConfig) *Resolver {
	expiry := time.Duration(redisCfg.Expiry) * time.Second
	if expiry <= 0 {
		expiry = time.Hour
	}

	gs := goCacheStore.NewGoCache(goCache.New(expiry, 10*time.Minute))
	caches := []cache.SetterCacheInterface[string]{cache.New[string](gs)}

	if redisCfg.Enable {
		rs := redisStore.NewRedis(redis.NewClient(&redis.Options{
			Network:  redisCfg.Network,
			Addr:     redisCfg.Addr,
			Username: redisCfg.Username,
			Password: redisCfg.Password,
			DB:       redisCfg.DB,
		}), store.WithExpiration(expiry))
		caches = append(caches, cache.New[string](rs))
	}

	r := &Resolver{
		http:      resty.New().SetTimeout(4 * time.Second),
		endpoints: endpoints,
		cache:     cache.NewChain[string](caches...),
		state:     make(map[string]*endpointState, len(endpoints)),
	}
	for _, e := range endpoints {
		r.state[e.Name] = &endpointState{}
	}
	return r
}

// CountryOf implements logparser.CountryResolver.
func (r *Resolver) CountryOf(ctx context.Context, ip string) (string, error) {
	key := "country:" + ip
	if cc, err := r.cache.Get(ctx, key); err == nil && cc != "" {
		return cc, nil
	}

	for _, e := range r.ordered() {
		cc, err := r.lookup(ctx, e, ip)
		if err != nil {
			r.recordFailure(e.Name)
			log.WithError(err).WithFields(log.Fields{
				"endpoint": e.Name,
				"ip":       ip,
			}).Debug("geoip endpoint failed")
			continue
		}
		r.recordSuccess(e.Name)
		if err := r.cache.Set(ctx, key, cc); err != nil {
			log.WithError(err).Debug("geoip cache set failed")
		}
		return cc, nil
	}
	return "", ErrUnavailable
}

func (r *Resolver) lookup(ctx context.Context, e Endpoint, ip string) (string, error) {
	resp, err := r.http.R().SetContext(ctx).Get(e.URL(ip))
	if err != nil {
		return "", err
	}
	if !resp.IsSuccess() {
		return "", fmt.Errorf("status %d", resp.StatusCode())
	}
	return e.Parse(resp.Body())
}

// ordered returns the endpoints ranked by running failure score, breaking
// ties on the most recent success.
func (r *Resolver) ordered() []Endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Endpoint, len(r.endpoints))
	copy(out, r.endpoints)
	sort.SliceStable(out, func(i, j int) bool {
		si, sj := r.state[out[i].Name], r.state[out[j].Name]
		if si.failures != sj.failures {
			return si.failures < sj.failures
		}
		return si.lastSuccess.After(sj.lastSuccess)
	})
	return out
}

func (r *Resolver) recordFailure(name string) {
	r.mu.Lock()
	r.state[name].failures++
	r.mu.Unlock()
}

func (r *Resolver) recordSuccess(name string) {
	r.mu.Lock()
	s := r.state[name]
	if s.failures > 0 {
		s.failures--
	}
	s.lastSuccess = time.Now()
	r.mu.Unlock()
}
