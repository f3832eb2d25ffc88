package routing

import (
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Shin0205go/mycelium-sub002/internal/gwerrors"
)

// StrategyKind names a server-selection algorithm (spec.md §4.5).
type StrategyKind string

const (
	StrategyPrefix           StrategyKind = "prefix"
	StrategyWeighted         StrategyKind = "weighted"
	StrategyRoundRobin       StrategyKind = "round-robin"
	StrategyLeastConnections StrategyKind = "least-connections"
	StrategyLatencyBased     StrategyKind = "latency-based"
	StrategyFailover         StrategyKind = "failover"
)

// Candidate is one upstream eligible to serve a logical tool call.
type Candidate struct {
	Server   string
	Weight   float64
	IsPrimary bool // used by the failover strategy's declared order
}

// FailoverEvent is emitted when the failover strategy falls back from
// the primary to a secondary candidate.
type FailoverEvent struct {
	Tool    string
	From    string
	To      string
	Instant time.Time
}

// Engine holds per-tool round-robin cursors and per-upstream latency
// samples, and implements the candidate filtering and selection
// algorithm from spec.md §4.5.
type Engine struct {
	breakers *Registry
	strategy StrategyKind

	mu            sync.Mutex
	roundRobin    map[string]int
	latencies     map[string]*latencyTracker
	inFlight      map[string]int
	onFailover    func(FailoverEvent)
}

// NewEngine builds a selection engine backed by the given breaker
// registry, defaulting to the weighted strategy when kind is empty.
func NewEngine(breakers *Registry, kind StrategyKind, onFailover func(FailoverEvent)) *Engine {
	if kind == "" {
		kind = StrategyWeighted
	}
	return &Engine{
		breakers:   breakers,
		strategy:   kind,
		roundRobin: make(map[string]int),
		latencies:  make(map[string]*latencyTracker),
		inFlight:   make(map[string]int),
		onFailover: onFailover,
	}
}

type latencyTracker struct {
	mu      sync.Mutex
	count   int64
	totalNs int64
}

func (l *latencyTracker) observe(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.count++
	l.totalNs += d.Nanoseconds()
}

func (l *latencyTracker) mean() (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.count == 0 {
		return 0, false
	}
	return time.Duration(l.totalNs / l.count), true
}

// ObserveLatency records a completed call's duration against server,
// feeding the latency-based strategy's ranking.
func (e *Engine) ObserveLatency(server string, d time.Duration) {
	e.mu.Lock()
	t, ok := e.latencies[server]
	if !ok {
		t = &latencyTracker{}
		e.latencies[server] = t
	}
	e.mu.Unlock()
	t.observe(d)
}

// BeginCall increments server's in-flight counter; EndCall decrements
// it, never below zero.
func (e *Engine) BeginCall(server string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inFlight[server]++
}

func (e *Engine) EndCall(server string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inFlight[server] > 0 {
		e.inFlight[server]--
	}
}

func (e *Engine) inFlightCount(server string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inFlight[server]
}

// Select picks one candidate server for a call against a logical tool
// name, following the filter-then-strategy algorithm in spec.md §4.5.
func (e *Engine) Select(toolName string, candidates []Candidate) (string, error) {
	now := time.Now()

	healthy := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if e.breakers.Get(c.Server).Admits(now) {
			healthy = append(healthy, c)
		}
	}
	if len(healthy) == 0 {
		return "", gwerrors.New(gwerrors.NoHealthyUpstreams, "no upstream currently admits traffic for "+toolName)
	}

	if server, ok := explicitPrefix(toolName); ok {
		for _, c := range healthy {
			if c.Server == server {
				return server, nil
			}
		}
	}

	switch e.strategy {
	case StrategyPrefix:
		// No explicit prefix matched above; fall through to weighted
		// selection among the healthy set as a reasonable default.
		return e.weighted(healthy), nil
	case StrategyRoundRobin:
		return e.roundRobinPick(toolName, healthy), nil
	case StrategyLeastConnections:
		return e.leastConnections(healthy), nil
	case StrategyLatencyBased:
		return e.latencyBased(healthy), nil
	case StrategyFailover:
		return e.failover(toolName, healthy), nil
	default:
		return e.weighted(healthy), nil
	}
}

// explicitPrefix extracts the server from a prefixed tool name
// "<server>__<tool>", per the glossary's canonical identifier.
func explicitPrefix(toolName string) (string, bool) {
	server, _, ok := strings.Cut(toolName, "__")
	if !ok || server == "" {
		return "", false
	}
	return server, true
}

func (e *Engine) weighted(candidates []Candidate) string {
	total := 0.0
	for _, c := range candidates {
		w := c.Weight
		if w <= 0 {
			w = 1
		}
		total += w
	}
	pick := pseudoRandom() * total
	running := 0.0
	for _, c := range candidates {
		w := c.Weight
		if w <= 0 {
			w = 1
		}
		running += w
		if pick <= running {
			return c.Server
		}
	}
	return candidates[len(candidates)-1].Server
}

func (e *Engine) roundRobinPick(tool string, candidates []Candidate) string {
	e.mu.Lock()
	idx := e.roundRobin[tool]
	e.roundRobin[tool] = idx + 1
	e.mu.Unlock()
	return candidates[idx%len(candidates)].Server
}

func (e *Engine) leastConnections(candidates []Candidate) string {
	sorted := append([]Candidate(nil), candidates...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return e.inFlightCount(sorted[i].Server) < e.inFlightCount(sorted[j].Server)
	})
	return sorted[0].Server
}

func (e *Engine) latencyBased(candidates []Candidate) string {
	best := candidates[0].Server
	bestMean := time.Duration(-1)
	for _, c := range candidates {
		e.mu.Lock()
		tracker, ok := e.latencies[c.Server]
		e.mu.Unlock()
		if !ok {
			continue
		}
		mean, sampled := tracker.mean()
		if !sampled {
			continue
		}
		if bestMean == -1 || mean < bestMean {
			bestMean = mean
			best = c.Server
		}
	}
	return best
}

func (e *Engine) failover(tool string, candidates []Candidate) string {
	var primary *Candidate
	for i := range candidates {
		if candidates[i].IsPrimary {
			primary = &candidates[i]
			break
		}
	}
	if primary != nil {
		return primary.Server
	}
	// No declared primary among the healthy set: the first healthy
	// fallback in declared order wins, and we notify the caller that a
	// failover occurred.
	chosen := candidates[0].Server
	if e.onFailover != nil {
		e.onFailover(FailoverEvent{Tool: tool, From: "", To: chosen, Instant: time.Now()})
	}
	return chosen
}

// pseudoRandom returns a value in [0, 1), indirected through a package
// var so weighted-selection tests can pin it to a deterministic value.
var pseudoRandom = func() float64 {
	return rand.Float64() // #nosec G404 -- selection weighting, not a security decision
}
