// Package upstream spawns and speaks to back-end tool servers over
// line-delimited JSON-RPC on their standard streams.
package upstream

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Shin0205go/mycelium-sub002/internal/gwerrors"
	"github.com/Shin0205go/mycelium-sub002/internal/rpc"
)

// defaultTimeout is the default per-request correlation timeout
// (spec.md §4.3: "30-second default timeout").
const defaultTimeout = 30 * time.Second

// ServerConfig is one entry of the upstream table described in
// spec.md §6.
type ServerConfig struct {
	Name     string            `json:"name" yaml:"name"`
	Command  string            `json:"command" yaml:"command"`
	Args     []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env      map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Cwd      string            `json:"cwd,omitempty" yaml:"cwd,omitempty"`
	Disabled bool              `json:"disabled,omitempty" yaml:"disabled,omitempty"`
	Timeout  time.Duration     `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

func (c ServerConfig) timeoutOrDefault() time.Duration {
	if c.Timeout <= 0 {
		return defaultTimeout
	}
	return c.Timeout
}

// StdioTransport launches a single back-end as a child process and
// exchanges line-delimited JSON-RPC messages over its standard streams.
// One reader goroutine demultiplexes responses by id into per-request
// completion channels; writes are serialized by stdinMu to preserve
// line framing (spec.md §4.3 "Concurrency").
type StdioTransport struct {
	name   string
	config ServerConfig
	logger *slog.Logger

	process *exec.Cmd
	stdin   io.WriteCloser
	stdinMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[int64]chan *rpc.Response
	nextID    atomic.Int64

	connected atomic.Bool
	stopOnce  sync.Once
	stopChan  chan struct{}
	wg        sync.WaitGroup

	onClosed func(reason error)
}

// NewStdioTransport builds a transport for the given server config. The
// caller's onClosed callback, if non-nil, fires once when the child
// process exits or the transport is closed, after pending calls have
// already been failed with UpstreamClosed.
func NewStdioTransport(name string, cfg ServerConfig, onClosed func(error)) *StdioTransport {
	return &StdioTransport{
		name:     name,
		config:   cfg,
		logger:   slog.Default().With("upstream", name, "transport", "stdio"),
		pending:  make(map[int64]chan *rpc.Response),
		stopChan: make(chan struct{}),
		onClosed: onClosed,
	}
}

// Start launches the child process and begins reading its stdout.
func (t *StdioTransport) Start(ctx context.Context) error {
	if t.config.Command == "" {
		return gwerrors.New(gwerrors.InvalidConfig, "upstream "+t.name+" has no command")
	}

	t.process = exec.CommandContext(ctx, t.config.Command, t.config.Args...)
	t.process.Env = os.Environ()
	for k, v := range t.config.Env {
		t.process.Env = append(t.process.Env, fmt.Sprintf("%s=%s", k, v))
	}
	if t.config.Cwd != "" {
		t.process.Dir = t.config.Cwd
	}

	stdin, err := t.process.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe for %s: %w", t.name, err)
	}
	t.stdin = stdin

	stdout, err := t.process.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe for %s: %w", t.name, err)
	}
	stderr, err := t.process.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe for %s: %w", t.name, err)
	}

	if err := t.process.Start(); err != nil {
		return fmt.Errorf("start upstream %s: %w", t.name, err)
	}
	t.connected.Store(true)
	t.logger.Info("upstream started", "command", t.config.Command, "pid", t.process.Process.Pid)

	t.wg.Add(2)
	go t.readLoop(stdout)
	go t.logStderr(stderr)

	return nil
}

// Stop terminates the child process and fails any in-flight calls.
func (t *StdioTransport) Stop() error {
	t.stopOnce.Do(func() {
		t.connected.Store(false)
		close(t.stopChan)
		if t.stdin != nil {
			t.stdin.Close()
		}
		if t.process != nil && t.process.Process != nil {
			_ = t.process.Process.Kill()
		}
	})
	t.wg.Wait()
	t.failAllPending(gwerrors.New(gwerrors.UpstreamClosed, "upstream "+t.name+" stopped"))
	return nil
}

// Connected reports whether the child process is believed live.
func (t *StdioTransport) Connected() bool { return t.connected.Load() }

// Call sends a request and blocks for the correlated response, subject
// to the configured timeout and ctx cancellation.
func (t *StdioTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, gwerrors.New(gwerrors.UpstreamClosed, "upstream "+t.name+" not connected")
	}

	id := t.nextID.Add(1)
	req := rpc.Request{JSONRPC: "2.0", ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = raw
	}

	respChan := make(chan *rpc.Response, 1)
	t.pendingMu.Lock()
	t.pending[id] = respChan
	t.pendingMu.Unlock()
	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, id)
		t.pendingMu.Unlock()
	}()

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	if err := t.writeLine(data); err != nil {
		return nil, err
	}

	timeout := t.config.timeoutOrDefault()
	select {
	case resp := <-respChan:
		if resp.Error != nil {
			return nil, fmt.Errorf("upstream %s error %d: %s", t.name, resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, gwerrors.Wrap(gwerrors.Cancelled, ctx.Err())
	case <-time.After(timeout):
		return nil, gwerrors.Newf(gwerrors.Timeout, "upstream %s silent for %v", t.name, timeout)
	case <-t.stopChan:
		return nil, gwerrors.New(gwerrors.UpstreamClosed, "upstream "+t.name+" closed mid-request")
	}
}

// writeLine serializes writes so concurrent callers never interleave
// partial lines on the child's stdin.
func (t *StdioTransport) writeLine(data []byte) error {
	t.stdinMu.Lock()
	defer t.stdinMu.Unlock()
	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write to upstream %s: %w", t.name, err)
	}
	return nil
}

// readLoop demultiplexes stdout lines into pending response channels.
// Unknown or malformed lines are logged and ignored, per spec.md §4.3.
func (t *StdioTransport) readLoop(stdout io.Reader) {
	defer t.wg.Done()
	defer t.connected.Store(false)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		select {
		case <-t.stopChan:
			return
		default:
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		t.processLine(line)
	}

	if err := scanner.Err(); err != nil {
		t.logger.Error("stdout scanner error", "error", err)
	}

	reason := gwerrors.New(gwerrors.UpstreamClosed, "upstream "+t.name+" process exited")
	t.failAllPending(reason)
	if t.onClosed != nil {
		t.onClosed(reason)
	}
}

func (t *StdioTransport) processLine(line []byte) {
	var resp rpc.Response
	if err := json.Unmarshal(line, &resp); err == nil && resp.ID != 0 {
		t.pendingMu.Lock()
		ch, ok := t.pending[resp.ID]
		if ok {
			delete(t.pending, resp.ID)
		}
		t.pendingMu.Unlock()
		if ok {
			select {
			case ch <- &resp:
			default:
			}
			return
		}
		t.logger.Warn("response for unknown request id", "id", resp.ID)
		return
	}

	var notif rpc.Notification
	if err := json.Unmarshal(line, &notif); err == nil && notif.Method != "" {
		// Server-initiated notifications from upstreams (e.g. their own
		// tools/list_changed) are not currently forwarded by the pool;
		// only logged, since the router re-polls tools/list on reload.
		t.logger.Debug("upstream notification", "method", notif.Method)
		return
	}

	t.logger.Warn("unparseable line from upstream", "upstream", t.name)
}

func (t *StdioTransport) failAllPending(reason error) {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	raw, _ := json.Marshal(reason.Error())
	for id, ch := range t.pending {
		select {
		case ch <- &rpc.Response{JSONRPC: "2.0", ID: id, Error: &rpc.Error{Code: rpc.CodeInternalError, Message: reason.Error(), Data: raw}}:
		default:
		}
		delete(t.pending, id)
	}
}

func (t *StdioTransport) logStderr(stderr io.Reader) {
	defer t.wg.Done()
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		select {
		case <-t.stopChan:
			return
		default:
		}
		line := scanner.Text()
		if line != "" {
			t.logger.Debug("upstream stderr", "message", line)
		}
	}
}
