package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Shin0205go/mycelium-sub002/internal/audit"
	"github.com/Shin0205go/mycelium-sub002/internal/gwerrors"
	"github.com/Shin0205go/mycelium-sub002/internal/oplog"
	"github.com/Shin0205go/mycelium-sub002/internal/quota"
	"github.com/Shin0205go/mycelium-sub002/internal/role"
	"github.com/Shin0205go/mycelium-sub002/internal/routing"
	"github.com/Shin0205go/mycelium-sub002/internal/rpc"
	"github.com/Shin0205go/mycelium-sub002/internal/upstream"
)

// Config bundles the knobs a Router needs at construction time.
type Config struct {
	SessionID      string
	RetryConfig    routing.RetryConfig
	InstructionTTL time.Duration
	Logger         *slog.Logger
	Metrics        *routing.Metrics
}

// upstreamPool is the subset of *upstream.Pool the router depends on. It
// exists so tests can substitute a fake south-bound transport instead of
// spawning real child processes.
type upstreamPool interface {
	StartAll(ctx context.Context) error
	StartByName(ctx context.Context, names []string) error
	StopAll()
	ListUpstreams() []upstream.UpstreamDescriptor
	Call(ctx context.Context, server, method string, params any, out any) error
	RouteRequest(ctx context.Context, server string, req rpc.ToolCallParams) (*rpc.ToolCallResult, error)
}

// Router is the Router Core (spec.md §4.4).
type Router struct {
	pool     upstreamPool
	roles    *role.Manager
	breakers *routing.Registry
	strategy *routing.Engine
	limiter  *quota.Limiter
	auditLog *audit.Ring
	oplog    *oplog.Logger
	instr    *InstructionCache
	retry    routing.RetryConfig
	logger   *slog.Logger
	metrics  *routing.Metrics

	mu              sync.RWMutex
	currentRole     string
	visible         map[string]ToolInfo
	discovered      map[string]ToolInfo // all known tools, prefixed name -> info, regardless of role visibility
	roleSwitchCount int
	sessionID       string
	initializedAt   time.Time
	lastRoleSwitch  time.Time

	callbackMu sync.Mutex
	onChanged  func(ToolsChangedEvent)
}

// New builds a Router over its collaborators. All dependencies are
// constructed and wired by the caller (cmd/gateway), which keeps Router
// itself free of configuration-loading concerns.
func New(pool *upstream.Pool, roles *role.Manager, breakers *routing.Registry, strategy *routing.Engine, limiter *quota.Limiter, auditLog *audit.Ring, log *oplog.Logger, instr *InstructionCache, cfg Config) *Router {
	return newRouter(pool, roles, breakers, strategy, limiter, auditLog, log, instr, cfg)
}

func newRouter(pool upstreamPool, roles *role.Manager, breakers *routing.Registry, strategy *routing.Engine, limiter *quota.Limiter, auditLog *audit.Ring, log *oplog.Logger, instr *InstructionCache, cfg Config) *Router {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Router{
		pool:       pool,
		roles:      roles,
		breakers:   breakers,
		strategy:   strategy,
		limiter:    limiter,
		auditLog:   auditLog,
		oplog:      log,
		instr:      instr,
		retry:      cfg.RetryConfig,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		sessionID:  cfg.SessionID,
		discovered: make(map[string]ToolInfo),
		visible:    make(map[string]ToolInfo),
	}
}

// Initialize records the router's start time. It does not itself start any
// upstream; callers choose eager (StartServers) or lazy (StartServersForRole).
func (rt *Router) Initialize() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.initializedAt = time.Now()
}

// StartServers starts every configured upstream and discovers its tools.
func (rt *Router) StartServers(ctx context.Context) error {
	if err := rt.pool.StartAll(ctx); err != nil {
		return err
	}
	return rt.discoverAll(ctx)
}

// StartServersForRole starts only the upstreams the given role allows,
// the lazy-start path referenced in spec.md §3's Lifecycle note.
func (rt *Router) StartServersForRole(ctx context.Context, roleID string) error {
	r, ok := rt.roles.GetRole(roleID)
	if !ok {
		return gwerrors.Newf(gwerrors.RoleNotFound, "role %q not found", roleID)
	}
	var names []string
	if r.AllowsAllServers() {
		names = nil // nil means "start everything" to StartByName below
	} else {
		names = r.AllowedServers
	}
	if names == nil {
		if err := rt.pool.StartAll(ctx); err != nil {
			return err
		}
	} else if err := rt.pool.StartByName(ctx, names); err != nil {
		return err
	}
	return rt.discoverAll(ctx)
}

// StopServers tears down every upstream.
func (rt *Router) StopServers() {
	rt.pool.StopAll()
}

// discoverAll issues tools/list through the pool for every connected
// upstream and repopulates the discovered-tool table (spec.md §4.4 "Tool
// discovery").
func (rt *Router) discoverAll(ctx context.Context) error {
	discovered := make(map[string]ToolInfo)
	for _, u := range rt.pool.ListUpstreams() {
		if !u.Connected {
			continue
		}
		var result rpc.ToolsListResult
		if err := rt.pool.Call(ctx, u.Name, rpc.MethodToolsList, nil, &result); err != nil {
			rt.logger.Warn("tool discovery failed", "server", u.Name, "error", err)
			continue
		}
		for _, tool := range result.Tools {
			prefixed := u.Name + "__" + tool.Name
			discovered[prefixed] = ToolInfo{
				Descriptor:   tool,
				Server:       u.Name,
				PrefixedName: prefixed,
			}
		}
	}
	rt.mu.Lock()
	rt.discovered = discovered
	rt.mu.Unlock()
	return nil
}

// SetRole runs the role activation protocol (spec.md §4.4) and returns the
// resulting AgentManifest.
func (rt *Router) SetRole(ctx context.Context, opts SetRoleOptions) (*AgentManifest, error) {
	r, ok := rt.roles.GetRole(opts.RoleID)
	if !ok {
		return nil, gwerrors.Newf(gwerrors.RoleNotFound, "role %q not found; known roles: %s", opts.RoleID, strings.Join(rt.roles.KnownRoleIDs(), ", ")).WithData(rt.roles.KnownRoleIDs())
	}

	rt.mu.RLock()
	previousVisible := visibleNames(rt.visible)
	previousRole := rt.currentRole
	rt.mu.RUnlock()

	instruction := r.SystemInstruction
	if rt.instr != nil {
		instruction = rt.instr.Get(ctx, r.Id, r.SystemInstruction, opts.IncludeFallback)
	}

	rt.mu.Lock()
	rt.currentRole = r.Id
	rt.roleSwitchCount++
	rt.lastRoleSwitch = time.Now()

	active := rt.activeServersLocked(r)
	visible := rt.rebuildVisibleLocked(r, active)
	rt.visible = visible
	rt.mu.Unlock()

	currentVisible := visibleNames(visible)
	added := diff(currentVisible, previousVisible)
	removed := diff(previousVisible, currentVisible)

	if len(added) > 0 || len(removed) > 0 {
		rt.fireToolsChanged(ToolsChangedEvent{Added: added, Removed: removed})
	}

	if rt.oplog != nil {
		rt.oplog.LogRoleSwitch(ctx, rt.sessionID, previousRole, r.Id, len(added), len(removed))
	}

	descriptors := make([]rpc.ToolDescriptor, 0, len(visible))
	for _, info := range visible {
		descriptors = append(descriptors, info.Descriptor)
	}

	return &AgentManifest{
		RoleID:            r.Id,
		DisplayName:       r.DisplayName,
		SystemInstruction: instruction,
		VisibleTools:      descriptors,
		ActiveServers:     active,
		Metadata: AgentManifestMetadata{
			GeneratedAt:  time.Now(),
			ToolCount:    len(descriptors),
			ServerCount:  len(active),
			ToolsChanged: len(added) > 0 || len(removed) > 0,
		},
	}, nil
}

// upstreamHealthLocked derives spec.md §4.5's per-server health label via
// routing.DeriveHealth: an open breaker is disconnected, an error rate
// above 0.5 is degraded, no samples yet is unknown, else connected.
func (rt *Router) upstreamHealthLocked(u upstream.UpstreamDescriptor) string {
	state := routing.StateClosed
	if rt.breakers != nil {
		state = rt.breakers.Get(u.Name).State()
	}
	var requests, errors float64
	if rt.metrics != nil {
		requests = rt.metrics.RequestsFor(u.Name)
		errors = rt.metrics.ErrorsFor(u.Name)
	}
	return string(routing.DeriveHealth(state, requests, errors))
}

func (rt *Router) activeServersLocked(r *role.Role) []string {
	var active []string
	for _, u := range rt.pool.ListUpstreams() {
		if rt.roles.IsServerAllowedForRole(r, u.Name) {
			active = append(active, u.Name)
		}
	}
	return active
}

// rebuildVisibleLocked must be called with rt.mu held for writing. It scans
// every discovered tool, keeping those whose server is active for the role
// and that pass the Role Manager's per-tool check, and always injects the
// synthetic set_role tool.
func (rt *Router) rebuildVisibleLocked(r *role.Role, active []string) map[string]ToolInfo {
	activeSet := make(map[string]bool, len(active))
	for _, a := range active {
		activeSet[a] = true
	}

	visible := make(map[string]ToolInfo, len(rt.discovered)+1)
	for name, info := range rt.discovered {
		if !activeSet[info.Server] {
			continue
		}
		if !rt.roles.IsToolAllowedForRole(r, info.PrefixedName, info.Server) {
			continue
		}
		info.Visible = true
		visible[name] = info
	}

	visible[setRoleToolName] = ToolInfo{
		Descriptor: rpc.ToolDescriptor{
			Name:        setRoleToolName,
			Description: "Switch the active role, recomputing the visible tool table.",
		},
		Server:       "",
		PrefixedName: setRoleToolName,
		Visible:      true,
	}
	return visible
}

func visibleNames(m map[string]ToolInfo) map[string]bool {
	out := make(map[string]bool, len(m))
	for name := range m {
		out[name] = true
	}
	return out
}

func diff(a, b map[string]bool) []string {
	var out []string
	for name := range a {
		if !b[name] {
			out = append(out, name)
		}
	}
	return out
}

// SetToolsChangedCallback registers the single tools-changed notification
// hook. Only one callback is supported at a time, matching spec.md §4.4.
func (rt *Router) SetToolsChangedCallback(cb func(ToolsChangedEvent)) {
	rt.callbackMu.Lock()
	defer rt.callbackMu.Unlock()
	rt.onChanged = cb
}

func (rt *Router) fireToolsChanged(event ToolsChangedEvent) {
	rt.callbackMu.Lock()
	cb := rt.onChanged
	rt.callbackMu.Unlock()
	if cb == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			rt.logger.Warn("tools-changed callback panicked", "panic", p)
		}
	}()
	cb(event)
}

// ListRoles returns the role catalogue, annotating the current role.
func (rt *Router) ListRoles(opts role.ListRolesOptions) []role.RoleSummary {
	rt.mu.RLock()
	current := rt.currentRole
	rt.mu.RUnlock()
	return rt.roles.ListRoles(opts, current)
}

// State returns a snapshot of the router's current state.
func (rt *Router) State() RouterState {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	upstreams := make(map[string]UpstreamDescriptor)
	for _, u := range rt.pool.ListUpstreams() {
		upstreams[u.Name] = UpstreamDescriptor{
			Name:         u.Name,
			Connected:    u.Connected,
			Health:       rt.upstreamHealthLocked(u),
			LastActivity: u.LastActivity,
		}
	}
	return RouterState{
		CurrentRole:     rt.currentRole,
		Roles:           rt.roles.KnownRoleIDs(),
		Upstreams:       upstreams,
		VisibleTools:    rt.visible,
		SessionID:       rt.sessionID,
		RoleSwitchCount: rt.roleSwitchCount,
		InitializedAt:   rt.initializedAt,
		LastRoleSwitch:  rt.lastRoleSwitch,
	}
}

// ReloadRoles atomically replaces the role catalogue, the identity
// resolver's rule set having already been updated by the caller, then
// recomputes the current role's visible tool table in place.
func (rt *Router) ReloadRoles(ctx context.Context, manifest role.Manifest) error {
	if err := rt.roles.LoadFromSkillManifest(manifest); err != nil {
		return err
	}
	if err := rt.discoverAll(ctx); err != nil {
		return err
	}

	rt.mu.RLock()
	current := rt.currentRole
	rt.mu.RUnlock()
	if current == "" {
		return nil
	}
	_, err := rt.SetRole(ctx, SetRoleOptions{RoleID: current})
	return err
}

// RouteRequest dispatches a north-bound JSON-RPC call per spec.md §4.4.
func (rt *Router) RouteRequest(ctx context.Context, method string, params json.RawMessage) (*rpc.Response, error) {
	switch method {
	case rpc.MethodToolsList:
		return rt.handleToolsList()
	case rpc.MethodToolsCall:
		return rt.handleToolsCall(ctx, params)
	default:
		return nil, gwerrors.Newf(gwerrors.Internal, "unsupported method %q", method)
	}
}

func (rt *Router) handleToolsList() (*rpc.Response, error) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	descriptors := make([]rpc.ToolDescriptor, 0, len(rt.visible))
	for _, info := range rt.visible {
		descriptors = append(descriptors, info.Descriptor)
	}
	raw, err := json.Marshal(rpc.ToolsListResult{Tools: descriptors})
	if err != nil {
		return nil, err
	}
	return &rpc.Response{JSONRPC: "2.0", Result: raw}, nil
}

func (rt *Router) handleToolsCall(ctx context.Context, params json.RawMessage) (*rpc.Response, error) {
	var call rpc.ToolCallParams
	if err := json.Unmarshal(params, &call); err != nil {
		return nil, gwerrors.Wrap(gwerrors.Internal, err)
	}

	if call.Name == setRoleToolName {
		roleID, _ := call.Arguments["roleId"].(string)
		manifest, err := rt.SetRole(ctx, SetRoleOptions{RoleID: roleID})
		if err != nil {
			return toolResultResponse(rpc.TextResult(err.Error(), true)), nil
		}
		raw, err := json.Marshal(manifest)
		if err != nil {
			return nil, err
		}
		return toolResultResponse(&rpc.ToolCallResult{Content: []rpc.ContentBlock{{Type: "text", Text: string(raw)}}}), nil
	}

	switch unprefixedToolName(call.Name) {
	case toolListSkills, toolGetSkill:
		return rt.routeSkillCatalogueCall(ctx, call)
	default:
		return rt.routeToolCall(ctx, call)
	}
}

func toolResultResponse(result *rpc.ToolCallResult) *rpc.Response {
	raw, _ := json.Marshal(result)
	return &rpc.Response{JSONRPC: "2.0", Result: raw}
}

// routeToolCall implements the access-check, rate-limit, select, retry,
// forward, audit pipeline for any tool call other than set_role.
func (rt *Router) routeToolCall(ctx context.Context, call rpc.ToolCallParams) (*rpc.Response, error) {
	start := time.Now()

	rt.mu.RLock()
	roleID := rt.currentRole
	info, known := rt.visible[call.Name]
	rt.mu.RUnlock()

	role_, roleOK := rt.roles.GetRole(roleID)
	if !roleOK {
		return nil, gwerrors.Newf(gwerrors.RoleNotFound, "no active role")
	}

	if !known {
		err := gwerrors.Newf(gwerrors.ToolNotAccessible, "tool %q is not visible under role %q", call.Name, roleID)
		rt.audit(ctx, roleID, call.Name, "", call.Arguments, audit.OutcomeDenied, err.Error(), 0)
		return toolResultResponse(rpc.TextResult(err.Error(), true)), nil
	}

	if !rt.roles.IsToolAllowedForRole(role_, info.PrefixedName, info.Server) {
		err := gwerrors.Newf(gwerrors.ToolNotAccessible, "role %q may not call %q", roleID, call.Name)
		rt.audit(ctx, roleID, call.Name, info.Server, call.Arguments, audit.OutcomeDenied, err.Error(), 0)
		if rt.oplog != nil {
			rt.oplog.LogToolDenied(ctx, rt.sessionID, roleID, call.Name, err.Error())
		}
		return toolResultResponse(rpc.TextResult(err.Error(), true)), nil
	}

	if rt.limiter != nil {
		decision := rt.limiter.Consume(rt.sessionID, roleID, call.Name, time.Now())
		if !decision.Allowed {
			rerr := gwerrors.New(gwerrors.RateLimited, decision.Reason).WithData(decision.RetryAfterMs)
			rt.audit(ctx, roleID, call.Name, info.Server, call.Arguments, audit.OutcomeDenied, decision.Reason, 0)
			if rt.oplog != nil {
				rt.oplog.LogToolDenied(ctx, rt.sessionID, roleID, call.Name, decision.Reason)
			}
			return toolResultResponse(rpc.TextResult(rerr.Error(), true)), nil
		}
		rt.limiter.BeginCall(rt.sessionID)
		defer rt.limiter.EndCall(rt.sessionID)
	}

	candidates := rt.candidatesFor(call.Name, info)
	result, forwardErr := rt.forward(ctx, call.Name, info.Descriptor.Name, call.Arguments, candidates)

	duration := time.Since(start)
	if forwardErr != nil {
		rt.audit(ctx, roleID, call.Name, info.Server, call.Arguments, audit.OutcomeError, forwardErr.Error(), duration)
		if rt.oplog != nil {
			rt.oplog.LogToolCompletion(ctx, rt.sessionID, roleID, call.Name, false, duration)
		}
		return toolResultResponse(rpc.TextResult(forwardErr.Error(), true)), nil
	}

	rt.audit(ctx, roleID, call.Name, info.Server, call.Arguments, audit.OutcomeAllowed, "", duration)
	if rt.oplog != nil {
		rt.oplog.LogToolCompletion(ctx, rt.sessionID, roleID, call.Name, true, duration)
	}
	return toolResultResponse(result), nil
}

// forward selects a healthy upstream among candidates and runs the retry
// envelope (§4.5) around a single tool call, updating breaker and metrics
// state on every attempt. virtualName is the prefixed name used for
// explicit-prefix short-circuit and round-robin keying; upstreamTool is
// the bare name the upstream server itself expects.
func (rt *Router) forward(ctx context.Context, virtualName, upstreamTool string, arguments map[string]any, candidates []routing.Candidate) (*rpc.ToolCallResult, error) {
	var result *rpc.ToolCallResult
	retryResult := routing.Do(ctx, rt.retry, func(attempt int) error {
		server, err := rt.strategy.Select(virtualName, candidates)
		if err != nil {
			return err
		}
		rt.strategy.BeginCall(server)
		if rt.metrics != nil {
			rt.metrics.InFlight.WithLabelValues(server).Inc()
		}
		callStart := time.Now()
		res, callErr := rt.pool.RouteRequest(ctx, server, rpc.ToolCallParams{Name: upstreamTool, Arguments: arguments})
		elapsed := time.Since(callStart)
		rt.strategy.EndCall(server)
		rt.strategy.ObserveLatency(server, elapsed)

		breaker := rt.breakers.Get(server)
		if rt.metrics != nil {
			rt.metrics.InFlight.WithLabelValues(server).Dec()
			rt.metrics.RequestsTotal.WithLabelValues(server).Inc()
			rt.metrics.LatencySeconds.WithLabelValues(server).Observe(elapsed.Seconds())
			rt.metrics.ObserveBreaker(server, breaker.State())
		}
		if callErr != nil {
			breaker.RecordFailure(time.Now())
			if rt.metrics != nil {
				rt.metrics.ErrorsTotal.WithLabelValues(server).Inc()
				rt.metrics.ObserveBreaker(server, breaker.State())
			}
			return callErr
		}
		breaker.RecordSuccess()
		if rt.metrics != nil {
			rt.metrics.ObserveBreaker(server, breaker.State())
		}
		result = res
		return nil
	})
	if retryResult.Err != nil {
		return nil, retryResult.Err
	}
	return result, nil
}

const (
	toolListSkills = "list_skills"
	toolGetSkill   = "get_skill"
)

// unprefixedToolName strips a virtual tool name's "<server>__" prefix,
// returning the bare name the upstream server itself registered.
func unprefixedToolName(name string) string {
	if _, tool, found := strings.Cut(name, "__"); found {
		return tool
	}
	return name
}

// routeSkillCatalogueCall implements spec.md §4.4's skill-catalogue
// enumeration path: list_skills/get_skill are forwarded upstream like any
// other tool, but the response is filtered against the active role's
// allowed skill set; a get_skill naming a skill outside that set is
// denied before the upstream is ever contacted.
func (rt *Router) routeSkillCatalogueCall(ctx context.Context, call rpc.ToolCallParams) (*rpc.Response, error) {
	start := time.Now()

	rt.mu.RLock()
	roleID := rt.currentRole
	info, known := rt.visible[call.Name]
	rt.mu.RUnlock()

	role_, roleOK := rt.roles.GetRole(roleID)
	if !roleOK {
		return nil, gwerrors.Newf(gwerrors.RoleNotFound, "no active role")
	}

	if !known {
		err := gwerrors.Newf(gwerrors.ToolNotAccessible, "tool %q is not visible under role %q", call.Name, roleID)
		rt.audit(ctx, roleID, call.Name, "", call.Arguments, audit.OutcomeDenied, err.Error(), 0)
		return toolResultResponse(rpc.TextResult(err.Error(), true)), nil
	}

	if !rt.roles.IsToolAllowedForRole(role_, info.PrefixedName, info.Server) {
		err := gwerrors.Newf(gwerrors.ToolNotAccessible, "role %q may not call %q", roleID, call.Name)
		rt.audit(ctx, roleID, call.Name, info.Server, call.Arguments, audit.OutcomeDenied, err.Error(), 0)
		if rt.oplog != nil {
			rt.oplog.LogToolDenied(ctx, rt.sessionID, roleID, call.Name, err.Error())
		}
		return toolResultResponse(rpc.TextResult(err.Error(), true)), nil
	}

	if rt.limiter != nil {
		decision := rt.limiter.Consume(rt.sessionID, roleID, call.Name, time.Now())
		if !decision.Allowed {
			rerr := gwerrors.New(gwerrors.RateLimited, decision.Reason).WithData(decision.RetryAfterMs)
			rt.audit(ctx, roleID, call.Name, info.Server, call.Arguments, audit.OutcomeDenied, decision.Reason, 0)
			if rt.oplog != nil {
				rt.oplog.LogToolDenied(ctx, rt.sessionID, roleID, call.Name, decision.Reason)
			}
			return toolResultResponse(rpc.TextResult(rerr.Error(), true)), nil
		}
		rt.limiter.BeginCall(rt.sessionID)
		defer rt.limiter.EndCall(rt.sessionID)
	}

	allowedSkills, err := rt.roles.GetSkillsForRole(roleID)
	if err != nil {
		return nil, err
	}
	allowed := make(map[string]bool, len(allowedSkills))
	for _, id := range allowedSkills {
		allowed[id] = true
	}

	if unprefixedToolName(call.Name) == toolGetSkill {
		skillID, _ := call.Arguments["skillId"].(string)
		if skillID == "" || !allowed[skillID] {
			err := gwerrors.Newf(gwerrors.ToolNotAccessible, "role %q may not access skill %q", roleID, skillID)
			rt.audit(ctx, roleID, call.Name, info.Server, call.Arguments, audit.OutcomeDenied, err.Error(), 0)
			if rt.oplog != nil {
				rt.oplog.LogToolDenied(ctx, rt.sessionID, roleID, call.Name, err.Error())
			}
			return toolResultResponse(rpc.TextResult(err.Error(), true)), nil
		}
	}

	candidates := rt.candidatesFor(call.Name, info)
	result, forwardErr := rt.forward(ctx, call.Name, info.Descriptor.Name, call.Arguments, candidates)

	duration := time.Since(start)
	if forwardErr != nil {
		rt.audit(ctx, roleID, call.Name, info.Server, call.Arguments, audit.OutcomeError, forwardErr.Error(), duration)
		if rt.oplog != nil {
			rt.oplog.LogToolCompletion(ctx, rt.sessionID, roleID, call.Name, false, duration)
		}
		return toolResultResponse(rpc.TextResult(forwardErr.Error(), true)), nil
	}

	filtered := filterSkillCatalogueResult(result, allowed)

	rt.audit(ctx, roleID, call.Name, info.Server, call.Arguments, audit.OutcomeAllowed, "", duration)
	if rt.oplog != nil {
		rt.oplog.LogToolCompletion(ctx, rt.sessionID, roleID, call.Name, true, duration)
	}
	return toolResultResponse(filtered), nil
}

// filterSkillCatalogueResult drops skill-catalogue entries outside the
// allow-list from a list_skills/get_skill response. Each content block's
// text is parsed as either a single skill object or an array of them;
// entries missing an "id" field or already outside the allow-list are
// removed. A block that isn't JSON, or carries no "id" field at all, is
// left untouched — filtering only applies to recognizable skill entries.
func filterSkillCatalogueResult(result *rpc.ToolCallResult, allowed map[string]bool) *rpc.ToolCallResult {
	if result == nil {
		return result
	}
	filtered := make([]rpc.ContentBlock, 0, len(result.Content))
	for _, block := range result.Content {
		filtered = append(filtered, filterSkillCatalogueBlock(block, allowed))
	}
	return &rpc.ToolCallResult{Content: filtered, IsError: result.IsError, Metadata: result.Metadata}
}

func filterSkillCatalogueBlock(block rpc.ContentBlock, allowed map[string]bool) rpc.ContentBlock {
	if block.Type != "text" || block.Text == "" {
		return block
	}

	var list []map[string]any
	if err := json.Unmarshal([]byte(block.Text), &list); err == nil {
		kept := make([]map[string]any, 0, len(list))
		for _, entry := range list {
			if id, ok := entry["id"].(string); !ok || allowed[id] {
				kept = append(kept, entry)
			}
		}
		if raw, err := json.Marshal(kept); err == nil {
			block.Text = string(raw)
		}
		return block
	}

	var single map[string]any
	if err := json.Unmarshal([]byte(block.Text), &single); err == nil {
		if id, ok := single["id"].(string); ok && !allowed[id] {
			return rpc.ContentBlock{Type: "text", Text: "skill not accessible under the active role"}
		}
	}
	return block
}

// candidatesFor collects every discovered server offering the same
// logical (unprefixed) tool name as info, so the strategy engine has more
// than one choice when replicas exist; a lone-server tool yields exactly
// one candidate.
func (rt *Router) candidatesFor(requestedName string, info ToolInfo) []routing.Candidate {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	seen := map[string]bool{}
	var candidates []routing.Candidate
	for _, other := range rt.discovered {
		if other.Descriptor.Name != info.Descriptor.Name {
			continue
		}
		if seen[other.Server] {
			continue
		}
		seen[other.Server] = true
		candidates = append(candidates, routing.Candidate{Server: other.Server, IsPrimary: other.Server == info.Server})
	}
	if len(candidates) == 0 {
		candidates = []routing.Candidate{{Server: info.Server, IsPrimary: true}}
	}
	return candidates
}

func (rt *Router) audit(ctx context.Context, roleID, tool, server string, args map[string]any, outcome audit.Outcome, reason string, duration time.Duration) {
	if rt.auditLog == nil {
		return
	}
	rt.auditLog.Append(audit.Entry{
		SessionID: rt.sessionID,
		RoleID:    roleID,
		Tool:      tool,
		Server:    server,
		Args:      args,
		Outcome:   outcome,
		Reason:    reason,
		Duration:  duration,
	})
}
