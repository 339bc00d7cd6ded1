// Package sharedcache implements the optional, network-backed cache tier
// from spec.md §4.7: a key/value store reachable over HTTP, with a
// memoized liveness probe and an "every failure degrades, none propagate"
// policy. It is grounded on internal/patroni/client.go's REST client shape
// (base URL trimmed once, a shared *http.Client with a fixed timeout, one
// method per verb building a request and checking for a 2xx status).
package sharedcache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/luckyjian/amorsize/internal/cacheentry"
	"github.com/luckyjian/amorsize/internal/decision"
	"github.com/luckyjian/amorsize/internal/hostcap"
)

// DefaultSocketTimeout bounds every network call, spec.md §5.
const DefaultSocketTimeout = 5 * time.Second

// livenessMemoWindow is the TTL on the memoized availability flag, spec.md
// §4.7: "memoized for that second behind a mutex".
const livenessMemoWindow = 1 * time.Second

// Client is an HTTP-backed key/value cache client.
type Client struct {
	baseURL    string
	keyPrefix  string
	httpClient *http.Client
	log        zerolog.Logger

	mu            sync.Mutex
	lastProbeAt   time.Time
	lastAvailable bool
}

// New creates a Client. baseURL points at the shared cache's HTTP endpoint;
// keyPrefix namespaces every key this client reads or writes.
func New(baseURL, keyPrefix string, log zerolog.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		keyPrefix:  keyPrefix,
		httpClient: &http.Client{Timeout: DefaultSocketTimeout},
		log:        log,
	}
}

// Available reports whether a liveness probe has succeeded within the last
// second. The probe result is memoized behind a mutex so a hot request path
// doesn't pay for a network round trip on every call (spec.md §4.7).
func (c *Client) Available(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if time.Since(c.lastProbeAt) < livenessMemoWindow {
		return c.lastAvailable
	}

	ok := c.ping(ctx)
	c.lastProbeAt = time.Now()
	c.lastAvailable = ok
	return ok
}

// Load fetches the cached Decision for fingerprintHex. Any transport
// failure degrades to a miss (found=false) with a diagnostic logged, never
// an error surfaced to the caller (spec.md §7: CacheBackendUnavailable). The
// third return is a non-empty warning-grade advisory whenever the miss is a
// degradation rather than a clean "no entry yet"; the caller folds it into
// the eventual Decision's Advisories so the diagnostic reaches the one
// channel spec.md §7 calls "the preferred carrier of recoverable
// diagnostics".
func (c *Client) Load(ctx context.Context, fingerprintHex string, current hostcap.Snapshot) (decision.Decision, bool, string) {
	value, err := c.get(ctx, c.key(fingerprintHex))
	if err != nil {
		c.log.Warn().Err(err).Str("fingerprint", fingerprintHex).Msg("sharedcache: get failed, degrading to local")
		return decision.Decision{}, false, "shared cache unavailable: get failed, falling back to local cache"
	}
	if value == nil {
		return decision.Decision{}, false, ""
	}

	entry, err := cacheentry.DecodeWireValue(value)
	if err != nil {
		c.log.Warn().Err(err).Str("fingerprint", fingerprintHex).Msg("sharedcache: corrupt value, degrading to local")
		return decision.Decision{}, false, "shared cache entry corrupt, ignored"
	}

	if !entry.Host.CompatibleWith(current) {
		return decision.Decision{}, false, ""
	}
	return entry.Decision, true, ""
}

// Save writes d to the shared cache under fingerprintHex with the given
// TTL. Failures are logged and swallowed (spec.md §4.7); the returned string
// is a non-empty warning-grade advisory on failure, for the caller to fold
// into the Decision it just persisted.
func (c *Client) Save(ctx context.Context, fingerprintHex string, d decision.Decision, host hostcap.Snapshot, ttl time.Duration) string {
	entry := cacheentry.Entry{
		Decision:      d,
		Host:          host,
		CreatedAt:     time.Now(),
		SchemaVersion: cacheentry.SchemaVersion,
		TTL:           ttl,
	}
	value, err := cacheentry.EncodeWireValue(entry)
	if err != nil {
		c.log.Warn().Err(err).Msg("sharedcache: encode failed, skipping write")
		return "shared cache unavailable: encode failed, decision persisted to local cache only"
	}
	if err := c.setex(ctx, c.key(fingerprintHex), ttl, value); err != nil {
		c.log.Warn().Err(err).Str("fingerprint", fingerprintHex).Msg("sharedcache: setex failed, degrading to local-only")
		return "shared cache unavailable: write failed, decision persisted to local cache only"
	}
	return ""
}

// Clear deletes every key matching pattern (an empty pattern deletes this
// client's entire namespace).
func (c *Client) Clear(ctx context.Context, pattern string) {
	fullPattern := c.key(pattern)
	keys, err := c.keys(ctx, fullPattern)
	if err != nil {
		c.log.Warn().Err(err).Msg("sharedcache: keys listing failed, skipping clear")
		return
	}
	if len(keys) == 0 {
		return
	}
	if err := c.delete(ctx, keys...); err != nil {
		c.log.Warn().Err(err).Msg("sharedcache: delete failed")
	}
}

func (c *Client) key(fingerprintHex string) string {
	if c.keyPrefix == "" {
		return fingerprintHex
	}
	return c.keyPrefix + ":" + fingerprintHex
}

func (c *Client) ping(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/ping", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func (c *Client) get(ctx context.Context, key string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/kv/"+url.PathEscape(key), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("get %s returned HTTP %d", key, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return body, nil
}

func (c *Client) setex(ctx context.Context, key string, ttl time.Duration, value []byte) error {
	payload := struct {
		TTLSeconds int64  `json:"ttl_seconds"`
		Value      []byte `json:"value"`
	}{
		TTLSeconds: int64(ttl / time.Second),
		Value:      value,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal setex payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/kv/"+url.PathEscape(key), bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("setex %s: %w", key, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("setex %s returned HTTP %d", key, resp.StatusCode)
	}
	return nil
}

func (c *Client) delete(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/kv/"+url.PathEscape(key), nil)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("delete %s: %w", key, err)
		}
		resp.Body.Close()
		successOrAlreadyGone := (resp.StatusCode >= 200 && resp.StatusCode < 300) || resp.StatusCode == http.StatusNotFound
		if !successOrAlreadyGone {
			return fmt.Errorf("delete %s returned HTTP %d", key, resp.StatusCode)
		}
	}
	return nil
}

func (c *Client) keys(ctx context.Context, prefix string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/kv?prefix="+url.QueryEscape(prefix), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("keys %s: %w", prefix, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("keys %s returned HTTP %d", prefix, resp.StatusCode)
	}

	var keys []string
	if err := json.NewDecoder(resp.Body).Decode(&keys); err != nil {
		return nil, fmt.Errorf("decode keys response: %w", err)
	}
	return keys, nil
}
