package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Shin0205go/mycelium-sub002/internal/admin"
	"github.com/Shin0205go/mycelium-sub002/internal/audit"
	"github.com/Shin0205go/mycelium-sub002/internal/config"
	"github.com/Shin0205go/mycelium-sub002/internal/gwerrors"
	"github.com/Shin0205go/mycelium-sub002/internal/identity"
	"github.com/Shin0205go/mycelium-sub002/internal/oplog"
	"github.com/Shin0205go/mycelium-sub002/internal/quota"
	"github.com/Shin0205go/mycelium-sub002/internal/role"
	"github.com/Shin0205go/mycelium-sub002/internal/router"
	"github.com/Shin0205go/mycelium-sub002/internal/routing"
	"github.com/Shin0205go/mycelium-sub002/internal/rpc"
	"github.com/Shin0205go/mycelium-sub002/internal/upstream"
)

type serveOptions struct {
	upstreamsPath string
	skillsPath    string
	identityPath  string
	quotasPath    string
	auditCapacity int
	strategy      string
	adminAddr     string
	sessionID     string
	bearerSecret  string
}

func buildServeCmd() *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway, speaking JSON-RPC 2.0 over stdio to its client",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.upstreamsPath, "upstreams", "upstreams.yaml", "path to the upstream server table")
	flags.StringVar(&opts.skillsPath, "skills", "skills.yaml", "path to the skill manifest")
	flags.StringVar(&opts.identityPath, "identity", "identity.yaml", "path to the identity config overlay")
	flags.StringVar(&opts.quotasPath, "quotas", "", "path to the per-role quota table (optional)")
	flags.IntVar(&opts.auditCapacity, "audit-capacity", 10000, "bounded audit ring capacity")
	flags.StringVar(&opts.strategy, "strategy", string(routing.StrategyPrefix), "routing strategy: prefix, weighted, round-robin, least-connections, latency-based, failover")
	flags.StringVar(&opts.adminAddr, "admin-addr", "127.0.0.1:9090", "loopback address for the admin HTTP surface (metrics, healthz, audit export)")
	flags.StringVar(&opts.sessionID, "session-id", "", "session id to tag audit and oplog entries with (random if empty)")
	flags.StringVar(&opts.bearerSecret, "bearer-secret", "", "HMAC key verifying an optional signed bearer assertion in initialize (disabled if empty)")
	return cmd
}

func runServe(ctx context.Context, opts *serveOptions, stdin io.Reader, stdout io.Writer) error {
	logger := slog.Default().With("component", "gateway.serve")

	manifest, err := config.LoadSkillManifest(opts.skillsPath)
	if err != nil {
		return fmt.Errorf("load skills: %w", err)
	}
	identityCfg, err := config.LoadIdentityConfig(opts.identityPath)
	if err != nil {
		return fmt.Errorf("load identity config: %w", err)
	}
	upstreamTable, err := config.LoadUpstreamTable(opts.upstreamsPath)
	if err != nil {
		return fmt.Errorf("load upstreams: %w", err)
	}
	var quotaTable map[string]quota.Quota
	if opts.quotasPath != "" {
		quotaTable, err = config.LoadQuotaTable(opts.quotasPath)
		if err != nil {
			return fmt.Errorf("load quotas: %w", err)
		}
	}

	roles := role.NewManager()
	if err := roles.LoadFromSkillManifest(manifest); err != nil {
		return fmt.Errorf("derive roles: %w", err)
	}

	resolver := identity.NewResolver()
	if err := resolver.LoadConfig(identityCfg); err != nil {
		return fmt.Errorf("load identity rules: %w", err)
	}

	pool := upstream.NewPool()
	pool.LoadFromConfig(upstreamTable)

	breakers := routing.NewRegistry(routing.CircuitBreakerConfig{
		OnTransition: func(name string, event routing.BreakerEvent, from, to routing.BreakerState) {
			logger.Info("circuit breaker transition", "server", name, "event", event, "from", from, "to", to)
		},
	})
	strategyEngine := routing.NewEngine(breakers, routing.StrategyKind(opts.strategy), func(event routing.FailoverEvent) {
		logger.Warn("routing failover", "tool", event.Tool, "from", event.From, "to", event.To)
	})

	oplogger, err := oplog.NewLogger(oplog.DefaultConfig())
	if err != nil {
		return fmt.Errorf("start oplog: %w", err)
	}
	defer oplogger.Close()

	limiter := quota.NewLimiter(func(e quota.Event) {
		oplogger.LogQuotaEvent(ctx, e.SessionID, e.RoleID, e.Tool, e.Window, e.Kind == quota.EventExceeded)
	})
	for _, q := range quotaTable {
		limiter.SetQuota(q)
	}

	auditRing := audit.NewRing(opts.auditCapacity)
	metrics := routing.NewMetrics()
	instr := router.NewInstructionCache(router.NullFetcher{}, 5*time.Minute)

	sessionID := opts.sessionID
	if sessionID == "" {
		sessionID = fmt.Sprintf("sess-%d", os.Getpid())
	}

	rt := router.New(pool, roles, breakers, strategyEngine, limiter, auditRing, oplogger, instr, router.Config{
		SessionID:   sessionID,
		RetryConfig: routing.DefaultRetryConfig(),
		Logger:      logger,
		Metrics:     metrics,
	})
	rt.Initialize()

	adminServer := admin.New(opts.adminAddr, admin.Deps{
		Metrics:   metrics,
		AuditLog:  auditRing,
		Router:    rt,
		StartTime: time.Now(),
	})
	if err := adminServer.Start(); err != nil {
		return fmt.Errorf("start admin server: %w", err)
	}
	logger.Info("admin surface listening", "addr", opts.adminAddr)

	watcher, err := config.NewWatcher(
		[]string{opts.skillsPath},
		500*time.Millisecond,
		func(path string) {
			reloaded, err := config.LoadSkillManifest(opts.skillsPath)
			if err != nil {
				logger.Error("skill manifest reload failed, keeping previous roles", "path", path, "error", err)
				return
			}
			if err := rt.ReloadRoles(ctx, reloaded); err != nil {
				logger.Error("role reload failed", "path", path, "error", err)
				return
			}
			logger.Info("skill manifest reloaded", "path", path)
		},
		logger,
	)
	if err != nil {
		return fmt.Errorf("start config watcher: %w", err)
	}
	go watcher.Run()
	defer watcher.Stop()

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn := &stdioConn{
		scanner: bufio.NewScanner(stdin),
		out:     stdout,
		logger:  logger,
	}
	conn.scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	rt.SetToolsChangedCallback(func(event router.ToolsChangedEvent) {
		conn.notify(rpc.NotificationToolsListChanged, nil)
	})

	var bearer *identity.BearerVerifier
	if opts.bearerSecret != "" {
		bearer = identity.NewBearerVerifier([]byte(opts.bearerSecret))
	}

	srv := &server{
		rt:       rt,
		resolver: resolver,
		bearer:   bearer,
		conn:     conn,
		logger:   logger,
	}

	go func() {
		<-runCtx.Done()
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = adminServer.Shutdown(shutdownCtx)
		rt.StopServers()
	}()

	return srv.run(runCtx)
}

// stdioConn frames line-delimited JSON-RPC over stdin/stdout, grounded on
// the south-bound StdioTransport's own read/write framing.
type stdioConn struct {
	scanner *bufio.Scanner
	out     io.Writer
	mu      sync.Mutex
	logger  *slog.Logger
}

func (c *stdioConn) readLine() ([]byte, bool) {
	if !c.scanner.Scan() {
		return nil, false
	}
	return c.scanner.Bytes(), true
}

func (c *stdioConn) writeLine(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.out.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write response: %w", err)
	}
	return nil
}

func (c *stdioConn) respond(resp *rpc.Response) {
	resp.JSONRPC = "2.0"
	data, err := json.Marshal(resp)
	if err != nil {
		c.logger.Error("marshal response failed", "error", err)
		return
	}
	if err := c.writeLine(data); err != nil {
		c.logger.Error("write response failed", "error", err)
	}
}

func (c *stdioConn) notify(method string, params any) {
	note := rpc.Notification{JSONRPC: "2.0", Method: method}
	if params != nil {
		if raw, err := json.Marshal(params); err == nil {
			note.Params = raw
		}
	}
	data, err := json.Marshal(note)
	if err != nil {
		c.logger.Error("marshal notification failed", "error", err)
		return
	}
	// spec.md requires this notification to follow the response that
	// triggered it, never precede it; the router fires its callback only
	// after SetRole has already built and returned the manifest, so a
	// synchronous write here preserves that ordering.
	if err := c.writeLine(data); err != nil {
		c.logger.Error("write notification failed", "error", err)
	}
}

// initializeParams is the subset of the client's "initialize" request the
// gateway uses to resolve identity (spec.md §4.1, §6).
type initializeParams struct {
	AgentIdentity identity.AgentIdentity `json:"agentIdentity"`
	Bearer        string                 `json:"bearer,omitempty"`
}

type initializeResult struct {
	ProtocolVersion string              `json:"protocolVersion"`
	ServerName      string              `json:"serverName"`
	ServerVersion   string              `json:"serverVersion"`
	Manifest        *router.AgentManifest `json:"manifest"`
}

// server drives the north-bound JSON-RPC loop over a stdioConn.
type server struct {
	rt       *router.Router
	resolver *identity.Resolver
	bearer   *identity.BearerVerifier
	conn     *stdioConn
	logger   *slog.Logger
}

func (s *server) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		line, ok := s.conn.readLine()
		if !ok {
			return s.conn.scanner.Err()
		}
		if len(line) == 0 {
			continue
		}

		var req rpc.Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.logger.Warn("malformed request", "error", err)
			continue
		}

		if req.Method == rpc.MethodInitialized {
			// Notification: no response expected, no ID present.
			continue
		}

		resp := s.dispatch(ctx, req)
		s.conn.respond(resp)
	}
}

func (s *server) dispatch(ctx context.Context, req rpc.Request) *rpc.Response {
	switch req.Method {
	case rpc.MethodInitialize:
		return s.handleInitialize(ctx, req)
	case rpc.MethodToolsList, rpc.MethodToolsCall:
		resp, err := s.rt.RouteRequest(ctx, req.Method, req.Params)
		if err != nil {
			return errorResponse(req.ID, toRPCError(err))
		}
		resp.ID = req.ID
		return resp
	default:
		return errorResponse(req.ID, rpc.NewError(rpc.CodeMethodNotFound, "unknown method: "+req.Method, nil))
	}
}

func (s *server) handleInitialize(ctx context.Context, req rpc.Request) *rpc.Response {
	var params initializeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errorResponse(req.ID, rpc.NewError(rpc.CodeInvalidParams, "invalid initialize params: "+err.Error(), nil))
		}
	}

	if s.bearer != nil && params.Bearer != "" {
		if sub, err := s.bearer.VerifySubject(params.Bearer); err != nil {
			s.logger.Warn("bearer verification failed", "error", err)
		} else {
			s.resolver.SetTrustedPrefixes(append(s.resolver.GetConfig().TrustedPrefixes, sub))
		}
	}

	resolution, err := s.resolver.Resolve(params.AgentIdentity)
	if err != nil {
		return errorResponse(req.ID, toRPCError(err))
	}

	if err := s.rt.StartServersForRole(ctx, resolution.RoleId); err != nil {
		return errorResponse(req.ID, toRPCError(err))
	}
	manifest, err := s.rt.SetRole(ctx, router.SetRoleOptions{RoleID: resolution.RoleId})
	if err != nil {
		return errorResponse(req.ID, toRPCError(err))
	}

	result := initializeResult{
		ProtocolVersion: "2024-11-05",
		ServerName:      "gateway",
		ServerVersion:   version,
		Manifest:        manifest,
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return errorResponse(req.ID, rpc.NewError(rpc.CodeInternalError, err.Error(), nil))
	}
	return &rpc.Response{ID: req.ID, Result: raw}
}

func errorResponse(id int64, rpcErr *rpc.Error) *rpc.Response {
	return &rpc.Response{JSONRPC: "2.0", ID: id, Error: rpcErr}
}

func toRPCError(err error) *rpc.Error {
	var gwErr *gwerrors.Error
	if ge, ok := err.(*gwerrors.Error); ok {
		gwErr = ge
	}
	if gwErr == nil {
		return rpc.NewError(rpc.CodeInternalError, err.Error(), nil)
	}
	code := rpc.CodeInternalError
	switch gwErr.Kind {
	case gwerrors.InvalidConfig, gwerrors.InvalidTimeRange, gwerrors.InvalidTimeZone:
		code = rpc.CodeInvalidParams
	case gwerrors.RoleNotFound, gwerrors.ServerNotAccessible, gwerrors.ToolNotAccessible, gwerrors.UnknownAgent:
		code = rpc.CodeInvalidRequest
	}
	return rpc.NewError(code, gwErr.Error(), gwErr.Data)
}
