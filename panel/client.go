// Package panel is the HTTP client for the access panel API. It owns the
// process-wide token and node caches and serializes every status or group
// mutation the guard decides on.
package panel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	simplejson "github.com/bitly/go-simplejson"
	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"
	gocache "github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"

	"github.com/Mtoly/XrayIPGuard/config"
)

const (
	tokenTTL      = 30 * time.Minute
	nodeCacheTTL  = time.Hour
	tokenAttempts = 5
	listAttempts  = 5
	existAttempts = 3
	usersPageSize = 100
)

type Client struct {
	creds config.PanelConfig

	http   *resty.Client
	stream *resty.Client

	mu     sync.Mutex
	scheme string

	// tokens and nodes are keyed by panel domain, so a process talking to
	// several panels never mixes credentials.
	tokens *gocache.Cache
	nodes  *gocache.Cache

	retryInterval time.Duration
	logger        *log.Entry
}

type Option func(*Client)

// WithScheme pins the initial scheme instead of the default https-first
// probing. Mostly useful for plain-http panels and tests.
func WithScheme(scheme string) Option {
	return func(c *Client) { c.scheme = scheme }
}

// WithTimeout overrides the per-request timeout for non-streaming calls.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.SetTimeout(d) }
}

// WithRetryInterval overrides the base retry interval.
func WithRetryInterval(d time.Duration) Option {
	return func(c *Client) { c.retryInterval = d }
}

func New(creds config.PanelConfig, opts ...Option) *Client {
	c := &Client{
		creds:         creds,
		http:          resty.New().SetTimeout(8 * time.Second),
		stream:        resty.New(),
		scheme:        "https",
		tokens:        gocache.New(tokenTTL, 10*time.Minute),
		nodes:         gocache.New(nodeCacheTTL, 10*time.Minute),
		retryInterval: 2 * time.Second,
		logger:        log.WithField("panel", creds.Domain),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Domain returns the configured panel domain.
func (c *Client) Domain() string { return c.creds.Domain }

func (c *Client) preferredScheme() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scheme
}

func (c *Client) setScheme(scheme string) {
	c.mu.Lock()
	if c.scheme != scheme {
		c.logger.WithField("scheme", scheme).Info("panel scheme switched")
		c.scheme = scheme
	}
	c.mu.Unlock()
}

// doSchemes runs call against the preferred scheme and falls back to plain
// http on transport-level failure (TLS handshake errors included). The
// scheme that worked is retained for subsequent calls.
func (c *Client) doSchemes(call func(base string) (*resty.Response, error)) (*resty.Response, error) {
	scheme := c.preferredScheme()
	resp, err := call(scheme + "://" + c.creds.Domain)
	if err == nil {
		return resp, nil
	}
	if scheme == "https" {
		if resp2, err2 := call("http://" + c.creds.Domain); err2 == nil {
			c.setScheme("http")
			return resp2, nil
		}
	}
	return nil, err
}

// AcquireToken returns a bearer token for the configured domain. A cached
// token younger than 30 minutes is reused unless force is set. Acquisition
// retries with exponential backoff, capped at 30 seconds between attempts.
func (c *Client) AcquireToken(ctx context.Context, force bool) (string, error) {
	if !force {
		if tok, ok := c.tokens.Get(c.creds.Domain); ok {
			return tok.(string), nil
		}
	}

	var token string
	op := func() error {
		resp, err := c.doSchemes(func(base string) (*resty.Response, error) {
			return c.http.R().
				SetContext(ctx).
				SetFormData(map[string]string{
					"username": c.creds.Username,
					"password": c.creds.Password,
				}).
				Post(base + "/api/admin/token")
		})
		if err != nil {
			return err
		}
		if resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden {
			return backoff.Permanent(ErrAuth)
		}
		if !resp.IsSuccess() {
			return fmt.Errorf("token endpoint returned %d", resp.StatusCode())
		}
		js, err := simplejson.NewJson(resp.Body())
		if err != nil {
			return fmt.Errorf("decode token response: %w", err)
		}
		token = js.Get("access_token").MustString()
		if token == "" {
			return fmt.Errorf("token response without access_token")
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryInterval
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0
	err := backoff.Retry(op, backoff.WithMaxRetries(backoff.WithContext(bo, ctx), tokenAttempts-1))
	if err != nil {
		if errors.Is(err, ErrAuth) {
			return "", ErrAuth
		}
		return "", fmt.Errorf("%w: acquire token: %v", ErrUnavailable, err)
	}

	c.tokens.Set(c.creds.Domain, token, tokenTTL)
	return token, nil
}

// InvalidateToken drops the cached token for this domain. Called on any
// 401 so the next request re-authenticates.
func (c *Client) InvalidateToken() {
	c.tokens.Delete(c.creds.Domain)
}

// authedDo performs one authenticated request, transparently refreshing
// the token once when the panel answers 401.
func (c *Client) authedDo(ctx context.Context, method, path string, body interface{}, query map[string]string) (*resty.Response, error) {
	token, err := c.AcquireToken(ctx, false)
	if err != nil {
		return nil, err
	}

	send := func(tok string) (*resty.Response, error) {
		return c.doSchemes(func(base string) (*resty.Response, error) {
			r := c.http.R().SetContext(ctx).SetAuthToken(tok)
			if body != nil {
				r.SetHeader("Content-Type", "application/json").SetBody(body)
			}
			if query != nil {
				r.SetQueryParams(query)
			}
			return r.Execute(method, base+path)
		})
	}

	resp, err := send(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", ErrUnavailable, method, path, err)
	}
	if resp.StatusCode() == http.StatusUnauthorized {
		c.InvalidateToken()
		token, err = c.AcquireToken(ctx, true)
		if err != nil {
			return nil, err
		}
		resp, err = send(token)
		if err != nil {
			return nil, fmt.Errorf("%w: %s %s: %v", ErrUnavailable, method, path, err)
		}
		if resp.StatusCode() == http.StatusUnauthorized {
			return nil, ErrAuth
		}
	}
	return resp, nil
}

// ListNodes returns the panel node list, cached for one hour per domain.
func (c *Client) ListNodes(ctx context.Context, force bool) ([]Node, error) {
	if !force {
		if v, ok := c.nodes.Get(c.creds.Domain); ok {
			return v.([]Node), nil
		}
	}

	resp, err := c.authedDo(ctx, http.MethodGet, "/api/nodes", nil, nil)
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("%w: list nodes: status %d", ErrUnavailable, resp.StatusCode())
	}
	nodes, err := decodeNodes(resp.Body())
	if err != nil {
		return nil, err
	}
	c.nodes.Set(c.creds.Domain, nodes, nodeCacheTTL)
	return nodes, nil
}

// StreamNodeLogs opens the SSE access-log stream of one node. The caller
// owns the returned body and must close it; reads have no total timeout.
func (c *Client) StreamNodeLogs(ctx context.Context, nodeID int) (*resty.Response, error) {
	token, err := c.AcquireToken(ctx, false)
	if err != nil {
		return nil, err
	}
	resp, err := c.doSchemes(func(base string) (*resty.Response, error) {
		return c.stream.R().
			SetContext(ctx).
			SetAuthToken(token).
			SetHeader("Accept", "text/event-stream").
			SetDoNotParseResponse(true).
			Get(fmt.Sprintf("%s/api/node/%d/logs", base, nodeID))
	})
	if err != nil {
		return nil, fmt.Errorf("%w: node %d logs: %v", ErrUnavailable, nodeID, err)
	}
	if resp.StatusCode() == http.StatusUnauthorized {
		resp.RawBody().Close()
		c.InvalidateToken()
		return nil, ErrAuth
	}
	if resp.StatusCode() != http.StatusOK {
		resp.RawBody().Close()
		return nil, fmt.Errorf("%w: node %d logs: status %d", ErrUnavailable, nodeID, resp.StatusCode())
	}
	return resp, nil
}

func userPath(username string) string {
	return "/api/user/" + url.PathEscape(username)
}
