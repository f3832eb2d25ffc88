package upstream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPoolStartAllAndRouteToServer(t *testing.T) {
	p := NewPool()
	p.AddServer(echoUpstreamConfig("alpha"))
	p.AddServer(echoUpstreamConfig("beta"))

	require.NoError(t, p.StartAll(context.Background()))
	defer p.StopAll()

	upstreams := p.ListUpstreams()
	require.Len(t, upstreams, 2)
	for _, u := range upstreams {
		require.True(t, u.Connected)
	}

	var out map[string]any
	require.NoError(t, p.Call(context.Background(), "alpha", "tools/call", nil, &out))
	require.Equal(t, true, out["ok"])
}

func TestPoolLoadFromConfigKeepsLiveTransports(t *testing.T) {
	p := NewPool()
	p.AddServer(echoUpstreamConfig("alpha"))
	require.NoError(t, p.StartAll(context.Background()))
	defer p.StopAll()

	p.LoadFromConfig(map[string]ServerConfig{"alpha": echoUpstreamConfig("alpha")})
	require.True(t, p.IsConnected("alpha"))
}

func TestPoolLoadFromConfigStopsRemovedServers(t *testing.T) {
	p := NewPool()
	p.AddServer(echoUpstreamConfig("alpha"))
	require.NoError(t, p.StartAll(context.Background()))

	p.LoadFromConfig(map[string]ServerConfig{})
	time.Sleep(20 * time.Millisecond)
	require.False(t, p.IsConnected("alpha"))
}

func TestRouteToServerOnUnknownServer(t *testing.T) {
	p := NewPool()
	_, err := p.RouteToServer(context.Background(), "missing", "tools/call", nil)
	require.Error(t, err)
}
