package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Shin0205go/mycelium-sub002/internal/gwerrors"
	"github.com/Shin0205go/mycelium-sub002/internal/rpc"
)

func unmarshal(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// UpstreamDescriptor is the read-only view of one pool entry surfaced to
// the router's RouterState.
type UpstreamDescriptor struct {
	Name         string
	Connected    bool
	LastActivity time.Time
	Config       ServerConfig
}

type entry struct {
	config    ServerConfig
	transport *StdioTransport
	mu        sync.RWMutex
	lastActivity time.Time
}

// Pool owns the set of configured upstreams, their live transports, and
// exposes the routeRequest/routeToServer dispatch surface the router
// and routing strategy engine call into.
type Pool struct {
	mu      sync.RWMutex
	entries map[string]*entry
	logger  *slog.Logger
}

// NewPool builds an empty upstream pool.
func NewPool() *Pool {
	return &Pool{entries: make(map[string]*entry), logger: slog.Default().With("component", "upstream.pool")}
}

// addServer registers a server config without starting it.
func (p *Pool) addServer(cfg ServerConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[cfg.Name] = &entry{config: cfg}
}

// AddServer is the exported form of addServer.
func (p *Pool) AddServer(cfg ServerConfig) { p.addServer(cfg) }

// loadFromConfig replaces the pool's server table wholesale, typically
// from the upstream-table configuration surface (spec.md §6). Already
// running transports for servers that disappear from the new table are
// stopped; unchanged entries keep their live transport.
func (p *Pool) loadFromConfig(table map[string]ServerConfig) {
	p.mu.Lock()
	var stale []*entry
	next := make(map[string]*entry, len(table))
	for name, cfg := range table {
		cfg.Name = name
		if existing, ok := p.entries[name]; ok {
			existing.mu.Lock()
			existing.config = cfg
			existing.mu.Unlock()
			next[name] = existing
			continue
		}
		next[name] = &entry{config: cfg}
	}
	for name, e := range p.entries {
		if _, kept := next[name]; !kept {
			stale = append(stale, e)
		}
	}
	p.entries = next
	p.mu.Unlock()

	for _, e := range stale {
		e.mu.RLock()
		t := e.transport
		e.mu.RUnlock()
		if t != nil {
			_ = t.Stop()
		}
	}
}

// LoadFromConfig is the exported form of loadFromConfig.
func (p *Pool) LoadFromConfig(table map[string]ServerConfig) { p.loadFromConfig(table) }

// startAll starts every non-disabled, not-yet-connected server
// concurrently, collecting every start error (a partial failure does
// not stop the others from launching).
func (p *Pool) startAll(ctx context.Context) error {
	names := p.names()
	return p.startByName(ctx, names)
}

// StartAll is the exported form of startAll.
func (p *Pool) StartAll(ctx context.Context) error { return p.startAll(ctx) }

// startByName starts the named subset of configured servers.
func (p *Pool) startByName(ctx context.Context, names []string) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		name := name
		g.Go(func() error { return p.startOne(gctx, name) })
	}
	return g.Wait()
}

// StartByName is the exported form of startByName.
func (p *Pool) StartByName(ctx context.Context, names []string) error {
	return p.startByName(ctx, names)
}

func (p *Pool) startOne(ctx context.Context, name string) error {
	p.mu.RLock()
	e, ok := p.entries[name]
	p.mu.RUnlock()
	if !ok {
		return gwerrors.Newf(gwerrors.InvalidConfig, "unknown upstream %q", name)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.config.Disabled {
		return nil
	}
	if e.transport != nil && e.transport.Connected() {
		return nil
	}

	transport := NewStdioTransport(name, e.config, func(reason error) {
		p.logger.Warn("upstream closed", "upstream", name, "reason", reason)
	})
	if err := transport.Start(ctx); err != nil {
		return fmt.Errorf("start upstream %s: %w", name, err)
	}
	e.transport = transport
	return nil
}

// stopAll tears down every live transport.
func (p *Pool) stopAll() {
	p.mu.RLock()
	entries := make([]*entry, 0, len(p.entries))
	for _, e := range p.entries {
		entries = append(entries, e)
	}
	p.mu.RUnlock()

	for _, e := range entries {
		e.mu.Lock()
		t := e.transport
		e.transport = nil
		e.mu.Unlock()
		if t != nil {
			_ = t.Stop()
		}
	}
}

// StopAll is the exported form of stopAll.
func (p *Pool) StopAll() { p.stopAll() }

// routeToServer forwards a method call to a specific named upstream.
func (p *Pool) routeToServer(ctx context.Context, server, method string, params any) (json.RawMessage, error) {
	p.mu.RLock()
	e, ok := p.entries[server]
	p.mu.RUnlock()
	if !ok {
		return nil, gwerrors.Newf(gwerrors.ServerNotAccessible, "unknown upstream %q", server)
	}

	e.mu.RLock()
	t := e.transport
	e.mu.RUnlock()
	if t == nil || !t.Connected() {
		return nil, gwerrors.Newf(gwerrors.NoHealthyUpstreams, "upstream %q not connected", server)
	}

	result, err := t.Call(ctx, method, params)
	e.mu.Lock()
	e.lastActivity = time.Now()
	e.mu.Unlock()
	return result, err
}

// RouteToServer is the exported form of routeToServer.
func (p *Pool) RouteToServer(ctx context.Context, server, method string, params any) (json.RawMessage, error) {
	return p.routeToServer(ctx, server, method, params)
}

// routeRequest is the generic entry point used when the caller already
// knows the target server from a prefixed tool name; selection among
// candidate servers for a logical tool is the routing strategy engine's
// job (internal/routing), not the pool's.
func (p *Pool) routeRequest(ctx context.Context, server string, req rpc.ToolCallParams) (*rpc.ToolCallResult, error) {
	raw, err := p.routeToServer(ctx, server, rpc.MethodToolsCall, req)
	if err != nil {
		return nil, err
	}
	var result rpc.ToolCallResult
	if err := unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode tool result from %s: %w", server, err)
	}
	return &result, nil
}

// RouteRequest is the exported form of routeRequest.
func (p *Pool) RouteRequest(ctx context.Context, server string, req rpc.ToolCallParams) (*rpc.ToolCallResult, error) {
	return p.routeRequest(ctx, server, req)
}

// listUpstreams returns a descriptor snapshot of every configured
// server, connected or not.
func (p *Pool) listUpstreams() []UpstreamDescriptor {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]UpstreamDescriptor, 0, len(p.entries))
	for name, e := range p.entries {
		e.mu.RLock()
		connected := e.transport != nil && e.transport.Connected()
		last := e.lastActivity
		cfg := e.config
		e.mu.RUnlock()
		out = append(out, UpstreamDescriptor{Name: name, Connected: connected, LastActivity: last, Config: cfg})
	}
	return out
}

// ListUpstreams is the exported form of listUpstreams.
func (p *Pool) ListUpstreams() []UpstreamDescriptor { return p.listUpstreams() }

func (p *Pool) names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.entries))
	for name := range p.entries {
		out = append(out, name)
	}
	return out
}

// IsConnected reports whether the named upstream currently has a live
// transport.
func (p *Pool) IsConnected(name string) bool {
	p.mu.RLock()
	e, ok := p.entries[name]
	p.mu.RUnlock()
	if !ok {
		return false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.transport != nil && e.transport.Connected()
}

// Call exposes a raw per-server call for callers (tool discovery) that
// need the unmarshalled result type themselves.
func (p *Pool) Call(ctx context.Context, server, method string, params any, out any) error {
	raw, err := p.routeToServer(ctx, server, method, params)
	if err != nil {
		return err
	}
	return unmarshal(raw, out)
}
