package router

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// InstructionFetcher resolves a role's remote system-instruction text. The
// source repository's fetch protocol (caching key, TTL semantics under
// partial failure) is an explicit open question (spec.md §9); this package
// supplies a TTL-gated cache with fallback-on-failure and leaves the
// transport pluggable behind this interface.
type InstructionFetcher interface {
	Fetch(ctx context.Context, roleID, ref string) (string, error)
}

// NullFetcher always fails, forcing callers onto the declared fallback. It
// is the default when no remote instruction source is configured.
type NullFetcher struct{}

func (NullFetcher) Fetch(ctx context.Context, roleID, ref string) (string, error) {
	return "", errNoFetcher
}

var errNoFetcher = fetchError("no remote instruction fetcher configured")

type fetchError string

func (e fetchError) Error() string { return string(e) }

// HTTPFetcher fetches a role's system instruction as the plain-text body
// of a GET against baseURL+"/"+roleID, optionally versioned by ref as a
// "?ref=" query parameter. It is the concrete transport behind
// InstructionCache for deployments that keep role instructions in a
// separate content store rather than inline in the skill manifest.
type HTTPFetcher struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPFetcher builds a fetcher against baseURL, defaulting to a
// 5-second client timeout.
func NewHTTPFetcher(baseURL string) *HTTPFetcher {
	return &HTTPFetcher{BaseURL: baseURL, Client: &http.Client{Timeout: 5 * time.Second}}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, roleID, ref string) (string, error) {
	u, err := url.Parse(f.BaseURL)
	if err != nil {
		return "", fmt.Errorf("invalid instruction base url: %w", err)
	}
	u.Path = fmt.Sprintf("%s/%s", u.Path, roleID)
	if ref != "" {
		q := u.Query()
		q.Set("ref", ref)
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch instruction for role %s: %w", roleID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch instruction for role %s: unexpected status %s", roleID, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read instruction body for role %s: %w", roleID, err)
	}
	return string(body), nil
}

type cacheEntry struct {
	text      string
	expiresAt time.Time
}

// InstructionCache is a TTL-gated cache in front of an InstructionFetcher,
// collapsing concurrent fetches for the same key via singleflight.
type InstructionCache struct {
	fetcher InstructionFetcher
	ttl     time.Duration
	group   singleflight.Group

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// NewInstructionCache builds a cache wrapping fetcher with the given TTL.
// A non-positive ttl disables caching (every call re-fetches).
func NewInstructionCache(fetcher InstructionFetcher, ttl time.Duration) *InstructionCache {
	if fetcher == nil {
		fetcher = NullFetcher{}
	}
	return &InstructionCache{fetcher: fetcher, ttl: ttl, cache: make(map[string]cacheEntry)}
}

// Get returns the cached or freshly fetched instruction text for (roleID,
// ref). On fetch failure, fallback is returned and nothing is cached; on
// success the result is cached until ttl elapses.
func (c *InstructionCache) Get(ctx context.Context, roleID, ref, fallback string) string {
	key := roleID + "\x00" + ref

	c.mu.RLock()
	entry, ok := c.cache[key]
	c.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.text
	}

	result, err, _ := c.group.Do(key, func() (any, error) {
		return c.fetcher.Fetch(ctx, roleID, ref)
	})
	if err != nil {
		// Keep serving a stale cached value over the fallback when present;
		// the fallback is a last resort for a never-successfully-fetched key.
		c.mu.RLock()
		stale, hasStale := c.cache[key]
		c.mu.RUnlock()
		if hasStale {
			return stale.text
		}
		return fallback
	}

	text, _ := result.(string)
	if c.ttl > 0 {
		c.mu.Lock()
		c.cache[key] = cacheEntry{text: text, expiresAt: time.Now().Add(c.ttl)}
		c.mu.Unlock()
	}
	return text
}
