package router

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHTTPFetcherFetchesRoleInstructionBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/instructions/frontend", r.URL.Path)
		require.Equal(t, "v2", r.URL.Query().Get("ref"))
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("you are a frontend agent"))
	}))
	defer ts.Close()

	fetcher := NewHTTPFetcher(ts.URL + "/instructions")
	text, err := fetcher.Fetch(context.Background(), "frontend", "v2")
	require.NoError(t, err)
	require.Equal(t, "you are a frontend agent", text)
}

func TestHTTPFetcherReturnsErrorOnNonOKStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer ts.Close()

	fetcher := NewHTTPFetcher(ts.URL)
	_, err := fetcher.Fetch(context.Background(), "frontend", "")
	require.Error(t, err)
}

func TestInstructionCacheFallsBackWhenFetcherFails(t *testing.T) {
	cache := NewInstructionCache(NullFetcher{}, time.Minute)
	text := cache.Get(context.Background(), "frontend", "", "default instruction")
	require.Equal(t, "default instruction", text)
}

func TestInstructionCacheServesStaleOverFallbackAfterASuccess(t *testing.T) {
	calls := 0
	fetcher := fetcherFunc(func(ctx context.Context, roleID, ref string) (string, error) {
		calls++
		if calls == 1 {
			return "fresh instruction", nil
		}
		return "", context.DeadlineExceeded
	})
	cache := NewInstructionCache(fetcher, time.Millisecond)

	first := cache.Get(context.Background(), "frontend", "", "fallback")
	require.Equal(t, "fresh instruction", first)

	time.Sleep(2 * time.Millisecond)
	second := cache.Get(context.Background(), "frontend", "", "fallback")
	require.Equal(t, "fresh instruction", second, "a stale cached value beats the fallback")
}

type fetcherFunc func(ctx context.Context, roleID, ref string) (string, error)

func (f fetcherFunc) Fetch(ctx context.Context, roleID, ref string) (string, error) {
	return f(ctx, roleID, ref)
}
