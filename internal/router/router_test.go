package router

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Shin0205go/mycelium-sub002/internal/audit"
	"github.com/Shin0205go/mycelium-sub002/internal/gwerrors"
	"github.com/Shin0205go/mycelium-sub002/internal/quota"
	"github.com/Shin0205go/mycelium-sub002/internal/role"
	"github.com/Shin0205go/mycelium-sub002/internal/routing"
	"github.com/Shin0205go/mycelium-sub002/internal/rpc"
	"github.com/Shin0205go/mycelium-sub002/internal/upstream"
)

// fakePool is a minimal in-memory stand-in for *upstream.Pool, letting
// router tests exercise discovery and routing without a child process.
type fakePool struct {
	descriptors map[string][]rpc.ToolDescriptor
	connected   map[string]bool
	calls       []string
	callResult  *rpc.ToolCallResult
	callErr     error
}

func newFakePool() *fakePool {
	return &fakePool{
		descriptors: make(map[string][]rpc.ToolDescriptor),
		connected:   make(map[string]bool),
	}
}

func (p *fakePool) addServer(name string, tools ...rpc.ToolDescriptor) {
	p.descriptors[name] = tools
	p.connected[name] = true
}

func (p *fakePool) StartAll(ctx context.Context) error                          { return nil }
func (p *fakePool) StartByName(ctx context.Context, names []string) error       { return nil }
func (p *fakePool) StopAll()                                                    {}
func (p *fakePool) ListUpstreams() []upstream.UpstreamDescriptor {
	var out []upstream.UpstreamDescriptor
	for name, connected := range p.connected {
		out = append(out, upstream.UpstreamDescriptor{Name: name, Connected: connected})
	}
	return out
}

func (p *fakePool) Call(ctx context.Context, server, method string, params any, out any) error {
	if method != rpc.MethodToolsList {
		return nil
	}
	result := out.(*rpc.ToolsListResult)
	result.Tools = p.descriptors[server]
	return nil
}

func (p *fakePool) RouteRequest(ctx context.Context, server string, req rpc.ToolCallParams) (*rpc.ToolCallResult, error) {
	p.calls = append(p.calls, server+":"+req.Name)
	if p.callErr != nil {
		return nil, p.callErr
	}
	if p.callResult != nil {
		return p.callResult, nil
	}
	return rpc.TextResult("ok", false), nil
}

func buildManifest() role.Manifest {
	return role.Manifest{
		Version: "1.0",
		Skills: []role.SkillDefinition{
			{
				Id:           "fs_read",
				AllowedRoles: []string{"frontend"},
				AllowedTools: []string{"fs__read_file", "skills__list_skills", "skills__get_skill"},
			},
		},
	}
}

func newTestRouter(t *testing.T, pool *fakePool) *Router {
	t.Helper()
	roles := role.NewManager()
	require.NoError(t, roles.LoadFromSkillManifest(buildManifest()))

	breakers := routing.NewRegistry(routing.CircuitBreakerConfig{})
	strategy := routing.NewEngine(breakers, routing.StrategyPrefix, nil)
	limiter := quota.NewLimiter(nil)
	auditRing := audit.NewRing(100)

	rt := newRouter(pool, roles, breakers, strategy, limiter, auditRing, nil, nil, Config{
		SessionID:   "sess-1",
		RetryConfig: routing.RetryConfig{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		Metrics:     routing.NewMetrics(),
	})
	return rt
}

func TestSetRoleUnknownRoleReturnsRoleNotFound(t *testing.T) {
	pool := newFakePool()
	rt := newTestRouter(t, pool)

	_, err := rt.SetRole(context.Background(), SetRoleOptions{RoleID: "ghost"})
	require.Error(t, err)
	require.True(t, gwerrors.Is(err, gwerrors.RoleNotFound))
}

func TestSetRoleBuildsVisibleTableFromDiscoveredTools(t *testing.T) {
	pool := newFakePool()
	pool.addServer("fs", rpc.ToolDescriptor{Name: "read_file"}, rpc.ToolDescriptor{Name: "write_file"})
	pool.addServer("billing", rpc.ToolDescriptor{Name: "charge_card"})
	rt := newTestRouter(t, pool)
	require.NoError(t, rt.discoverAll(context.Background()))

	manifest, err := rt.SetRole(context.Background(), SetRoleOptions{RoleID: "frontend"})
	require.NoError(t, err)
	require.Equal(t, "frontend", manifest.RoleID)

	names := map[string]bool{}
	for _, d := range manifest.VisibleTools {
		names[d.Name] = true
	}
	require.True(t, names["read_file"], "tool on an allowed server must be visible")
	require.True(t, names["write_file"], "server-level access grants every tool on that server")
	require.False(t, names["charge_card"], "tool on a server the role cannot reach must not be visible")
	require.Contains(t, manifest.ActiveServers, "fs")
	require.NotContains(t, manifest.ActiveServers, "billing")
}

func TestSetRoleAlwaysExposesSetRoleTool(t *testing.T) {
	pool := newFakePool()
	rt := newTestRouter(t, pool)

	manifest, err := rt.SetRole(context.Background(), SetRoleOptions{RoleID: "frontend"})
	require.NoError(t, err)

	found := false
	for _, d := range manifest.VisibleTools {
		if d.Name == setRoleToolName {
			found = true
		}
	}
	require.True(t, found)
}

func TestSetRoleFiresToolsChangedCallbackOnlyWhenTableChanges(t *testing.T) {
	pool := newFakePool()
	pool.addServer("fs", rpc.ToolDescriptor{Name: "read_file"})
	rt := newTestRouter(t, pool)
	require.NoError(t, rt.discoverAll(context.Background()))

	var events []ToolsChangedEvent
	rt.SetToolsChangedCallback(func(e ToolsChangedEvent) {
		events = append(events, e)
	})

	_, err := rt.SetRole(context.Background(), SetRoleOptions{RoleID: "frontend"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Contains(t, events[0].Added, "fs__read_file")

	// Switching to the same role a second time changes nothing: no new event.
	_, err = rt.SetRole(context.Background(), SetRoleOptions{RoleID: "frontend"})
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestRouteToolCallDeniedWhenRoleLacksAccess(t *testing.T) {
	pool := newFakePool()
	pool.addServer("fs", rpc.ToolDescriptor{Name: "read_file"})
	rt := newTestRouter(t, pool)
	require.NoError(t, rt.discoverAll(context.Background()))
	_, err := rt.SetRole(context.Background(), SetRoleOptions{RoleID: "frontend"})
	require.NoError(t, err)

	params, _ := json.Marshal(rpc.ToolCallParams{Name: "nonexistent_tool"})
	resp, err := rt.RouteRequest(context.Background(), rpc.MethodToolsCall, params)
	require.NoError(t, err)

	var result rpc.ToolCallResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	require.True(t, result.IsError)
	require.Empty(t, pool.calls, "denied calls must never reach the upstream")
}

func TestRouteToolCallForwardsAllowedToolAndAudits(t *testing.T) {
	pool := newFakePool()
	pool.addServer("fs", rpc.ToolDescriptor{Name: "read_file"})
	rt := newTestRouter(t, pool)
	require.NoError(t, rt.discoverAll(context.Background()))
	_, err := rt.SetRole(context.Background(), SetRoleOptions{RoleID: "frontend"})
	require.NoError(t, err)

	params, _ := json.Marshal(rpc.ToolCallParams{Name: "fs__read_file", Arguments: map[string]any{"path": "/tmp/x"}})
	resp, err := rt.RouteRequest(context.Background(), rpc.MethodToolsCall, params)
	require.NoError(t, err)

	var result rpc.ToolCallResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	require.False(t, result.IsError)
	require.Equal(t, []string{"fs:read_file"}, pool.calls)

	entries := rt.auditLog.Read(audit.Filter{}, audit.Page{})
	require.Len(t, entries, 1)
	require.Equal(t, audit.OutcomeAllowed, entries[0].Outcome)
}

func TestToolsListServesVirtualTableWithoutUpstreamRoundTrip(t *testing.T) {
	pool := newFakePool()
	pool.addServer("fs", rpc.ToolDescriptor{Name: "read_file"})
	rt := newTestRouter(t, pool)
	require.NoError(t, rt.discoverAll(context.Background()))
	_, err := rt.SetRole(context.Background(), SetRoleOptions{RoleID: "frontend"})
	require.NoError(t, err)

	resp, err := rt.RouteRequest(context.Background(), rpc.MethodToolsList, nil)
	require.NoError(t, err)

	var result rpc.ToolsListResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	require.Empty(t, pool.calls, "tools/list must be served from the virtual table")
	names := map[string]bool{}
	for _, d := range result.Tools {
		names[d.Name] = true
	}
	require.True(t, names["read_file"])
	require.True(t, names[setRoleToolName])
}

func TestSetRoleToolCallSwitchesRoleAndReturnsManifest(t *testing.T) {
	pool := newFakePool()
	rt := newTestRouter(t, pool)

	params, _ := json.Marshal(rpc.ToolCallParams{Name: setRoleToolName, Arguments: map[string]any{"roleId": "frontend"}})
	resp, err := rt.RouteRequest(context.Background(), rpc.MethodToolsCall, params)
	require.NoError(t, err)

	var result rpc.ToolCallResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	require.False(t, result.IsError)

	var manifest AgentManifest
	require.NoError(t, json.Unmarshal([]byte(result.Content[0].Text), &manifest))
	require.Equal(t, "frontend", manifest.RoleID)

	state := rt.State()
	require.Equal(t, "frontend", state.CurrentRole)
	require.Equal(t, 1, state.RoleSwitchCount)
}

func TestStateReportsUnknownWhenNoRequestsRecordedYet(t *testing.T) {
	pool := newFakePool()
	pool.addServer("fs", rpc.ToolDescriptor{Name: "read_file"})
	rt := newTestRouter(t, pool)

	state := rt.State()
	require.Equal(t, "unknown", state.Upstreams["fs"].Health)
}

func TestStateReportsDisconnectedWhenBreakerOpen(t *testing.T) {
	pool := newFakePool()
	pool.addServer("fs", rpc.ToolDescriptor{Name: "read_file"})
	rt := newTestRouter(t, pool)

	breaker := rt.breakers.Get("fs")
	breaker.RecordFailure(time.Now())
	for breaker.State() != routing.StateOpen {
		breaker.RecordFailure(time.Now())
	}

	state := rt.State()
	require.Equal(t, "disconnected", state.Upstreams["fs"].Health)
}

func TestStateReportsDegradedWhenErrorRateExceedsHalf(t *testing.T) {
	pool := newFakePool()
	pool.addServer("fs", rpc.ToolDescriptor{Name: "read_file"})
	rt := newTestRouter(t, pool)

	rt.metrics.RequestsTotal.WithLabelValues("fs").Add(10)
	rt.metrics.ErrorsTotal.WithLabelValues("fs").Add(6)

	state := rt.State()
	require.Equal(t, "degraded", state.Upstreams["fs"].Health)
}

func TestStateReportsConnectedForHealthyUpstream(t *testing.T) {
	pool := newFakePool()
	pool.addServer("fs", rpc.ToolDescriptor{Name: "read_file"})
	rt := newTestRouter(t, pool)

	rt.metrics.RequestsTotal.WithLabelValues("fs").Add(10)
	rt.metrics.ErrorsTotal.WithLabelValues("fs").Add(2)

	state := rt.State()
	require.Equal(t, "connected", state.Upstreams["fs"].Health)
}

func TestGetSkillDeniedForSkillOutsideRoleAllowListShortCircuits(t *testing.T) {
	pool := newFakePool()
	pool.addServer("skills", rpc.ToolDescriptor{Name: "list_skills"}, rpc.ToolDescriptor{Name: "get_skill"})
	rt := newTestRouter(t, pool)
	require.NoError(t, rt.discoverAll(context.Background()))
	_, err := rt.SetRole(context.Background(), SetRoleOptions{RoleID: "frontend"})
	require.NoError(t, err)

	params, _ := json.Marshal(rpc.ToolCallParams{Name: "skills__get_skill", Arguments: map[string]any{"skillId": "billing_write"}})
	resp, err := rt.RouteRequest(context.Background(), rpc.MethodToolsCall, params)
	require.NoError(t, err)

	var result rpc.ToolCallResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	require.True(t, result.IsError)
	require.Empty(t, pool.calls, "a denied get_skill must never reach the upstream")
}

func TestGetSkillAllowedForSkillInRoleAllowListForwards(t *testing.T) {
	pool := newFakePool()
	pool.addServer("skills", rpc.ToolDescriptor{Name: "list_skills"}, rpc.ToolDescriptor{Name: "get_skill"})
	rt := newTestRouter(t, pool)
	require.NoError(t, rt.discoverAll(context.Background()))
	_, err := rt.SetRole(context.Background(), SetRoleOptions{RoleID: "frontend"})
	require.NoError(t, err)

	params, _ := json.Marshal(rpc.ToolCallParams{Name: "skills__get_skill", Arguments: map[string]any{"skillId": "fs_read"}})
	resp, err := rt.RouteRequest(context.Background(), rpc.MethodToolsCall, params)
	require.NoError(t, err)

	var result rpc.ToolCallResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	require.False(t, result.IsError)
	require.Equal(t, []string{"skills:get_skill"}, pool.calls)
}

func TestListSkillsFiltersOutEntriesOutsideRoleAllowList(t *testing.T) {
	pool := newFakePool()
	pool.addServer("skills", rpc.ToolDescriptor{Name: "list_skills"}, rpc.ToolDescriptor{Name: "get_skill"})
	raw, _ := json.Marshal([]map[string]any{
		{"id": "fs_read", "name": "Read files"},
		{"id": "billing_write", "name": "Charge cards"},
	})
	pool.callResult = &rpc.ToolCallResult{Content: []rpc.ContentBlock{{Type: "text", Text: string(raw)}}}
	rt := newTestRouter(t, pool)
	require.NoError(t, rt.discoverAll(context.Background()))
	_, err := rt.SetRole(context.Background(), SetRoleOptions{RoleID: "frontend"})
	require.NoError(t, err)

	params, _ := json.Marshal(rpc.ToolCallParams{Name: "skills__list_skills"})
	resp, err := rt.RouteRequest(context.Background(), rpc.MethodToolsCall, params)
	require.NoError(t, err)

	var result rpc.ToolCallResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	require.False(t, result.IsError)

	var skills []map[string]any
	require.NoError(t, json.Unmarshal([]byte(result.Content[0].Text), &skills))
	ids := map[string]bool{}
	for _, s := range skills {
		ids[s["id"].(string)] = true
	}
	require.True(t, ids["fs_read"])
	require.False(t, ids["billing_write"], "skills outside the role's allow-list must be filtered out")
}
