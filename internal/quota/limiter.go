package quota

import (
	"sync"
	"time"
)

// windowState tracks one counter's rolling window. start marks when the
// window was last rolled; it is reset (count zeroed, start advanced) the
// first time a check observes it has aged past its length.
type windowState struct {
	start time.Time
	count int
}

func (w *windowState) rollIfExpired(now time.Time, length time.Duration) {
	if w.start.IsZero() {
		w.start = now
		return
	}
	if now.Sub(w.start) >= length {
		w.start = now
		w.count = 0
	}
}

func (w *windowState) remaining(now time.Time, length time.Duration) time.Duration {
	if w.start.IsZero() {
		return 0
	}
	elapsed := now.Sub(w.start)
	if elapsed >= length {
		return 0
	}
	return length - elapsed
}

type sessionState struct {
	mu       sync.Mutex
	minute   windowState
	hour     windowState
	day      windowState
	inFlight int
	lastSeen time.Time
}

// Limiter enforces per-role quotas (with per-tool overrides) against
// per-session windowed counters.
type Limiter struct {
	mu       sync.RWMutex
	quotas   map[string]Quota // by role id
	sessions map[string]*sessionState
	onEvent  func(Event)
}

// NewLimiter builds a limiter with no quotas configured; calls against
// an unconfigured role are always allowed.
func NewLimiter(onEvent func(Event)) *Limiter {
	return &Limiter{
		quotas:   make(map[string]Quota),
		sessions: make(map[string]*sessionState),
		onEvent:  onEvent,
	}
}

// SetQuota installs or replaces a role's quota definition.
func (l *Limiter) SetQuota(q Quota) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.quotas[q.RoleID] = q
}

func (l *Limiter) quotaFor(roleID string) (Quota, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	q, ok := l.quotas[roleID]
	return q, ok
}

func (l *Limiter) sessionFor(id string) *sessionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.sessions[id]
	if !ok {
		s = &sessionState{}
		l.sessions[id] = s
	}
	s.lastSeen = time.Now()
	return s
}

const (
	minuteLength = time.Minute
	hourLength   = time.Hour
	dayLength    = 24 * time.Hour
)

// Check evaluates whether sessionID may call tool under roleID right
// now, without mutating any counter (a pure pre-flight read). Consume
// performs the actual check-and-advance used on the hot path; Check
// exists for callers that want to inspect usage without counting it.
func (l *Limiter) Check(sessionID, roleID, tool string, now time.Time) Decision {
	quota, ok := l.quotaFor(roleID)
	if !ok {
		return Decision{Allowed: true}
	}
	limits := quota.limitsFor(tool)
	session := l.sessionFor(sessionID)

	session.mu.Lock()
	defer session.mu.Unlock()
	return l.evaluateLocked(session, limits, now)
}

// Consume checks the quota and, if allowed, advances the minute/hour/day
// counters for the session. Crossing 80% of any window fires a warning
// event; exceeding one fires exceeded and denies the call (spec.md
// §4.6). This is the entry point the router's request-routing path
// calls on every tool invocation.
func (l *Limiter) Consume(sessionID, roleID, tool string, now time.Time) Decision {
	quota, ok := l.quotaFor(roleID)
	if !ok {
		return Decision{Allowed: true}
	}
	limits := quota.limitsFor(tool)
	session := l.sessionFor(sessionID)

	session.mu.Lock()
	defer session.mu.Unlock()

	decision := l.evaluateLocked(session, limits, now)
	if !decision.Allowed {
		l.fire(Event{Kind: EventExceeded, SessionID: sessionID, RoleID: roleID, Tool: tool, Window: decision.Reason, Instant: now})
		return decision
	}

	session.minute.count++
	session.hour.count++
	session.day.count++

	l.maybeWarn(sessionID, roleID, tool, now, "minute", session.minute.count, limits.MaxCallsPerMinute)
	l.maybeWarn(sessionID, roleID, tool, now, "hour", session.hour.count, limits.MaxCallsPerHour)
	l.maybeWarn(sessionID, roleID, tool, now, "day", session.day.count, limits.MaxCallsPerDay)

	return Decision{
		Allowed: true,
		Usage:   usageFromSession(session),
		Limits:  limits,
	}
}

func (l *Limiter) maybeWarn(sessionID, roleID, tool string, now time.Time, window string, count, limit int) {
	if limit <= 0 || l.onEvent == nil {
		return
	}
	if float64(count) >= 0.8*float64(limit) && count < limit {
		l.onEvent(Event{Kind: EventWarning, SessionID: sessionID, RoleID: roleID, Tool: tool, Window: window, Instant: now})
	}
}

func (l *Limiter) fire(e Event) {
	if l.onEvent != nil {
		l.onEvent(e)
	}
}

// evaluateLocked must be called with session.mu held. It rolls expired
// windows, then checks each configured ceiling in minute/hour/day order,
// returning the first violation with an advisory retryAfterMs.
func (l *Limiter) evaluateLocked(session *sessionState, limits Limits, now time.Time) Decision {
	session.minute.rollIfExpired(now, minuteLength)
	session.hour.rollIfExpired(now, hourLength)
	session.day.rollIfExpired(now, dayLength)

	if limits.MaxConcurrent > 0 && session.inFlight >= limits.MaxConcurrent {
		return Decision{
			Allowed: false,
			Reason:  "concurrent in-flight limit exceeded",
			Usage:   usageFromSession(session),
			Limits:  limits,
		}
	}

	if violated, remaining := checkWindow(session.minute, limits.MaxCallsPerMinute, now, minuteLength); violated {
		return Decision{
			Allowed:      false,
			Reason:       "quota exceeded: too many calls per minute",
			Usage:        usageFromSession(session),
			Limits:       limits,
			RetryAfterMs: remaining.Milliseconds(),
		}
	}
	if violated, remaining := checkWindow(session.hour, limits.MaxCallsPerHour, now, hourLength); violated {
		return Decision{
			Allowed:      false,
			Reason:       "quota exceeded: too many calls per hour",
			Usage:        usageFromSession(session),
			Limits:       limits,
			RetryAfterMs: remaining.Milliseconds(),
		}
	}
	if violated, remaining := checkWindow(session.day, limits.MaxCallsPerDay, now, dayLength); violated {
		return Decision{
			Allowed:      false,
			Reason:       "quota exceeded: too many calls per day",
			Usage:        usageFromSession(session),
			Limits:       limits,
			RetryAfterMs: remaining.Milliseconds(),
		}
	}

	return Decision{Allowed: true, Usage: usageFromSession(session), Limits: limits}
}

func checkWindow(w windowState, limit int, now time.Time, length time.Duration) (violated bool, retryAfter time.Duration) {
	if limit <= 0 {
		return false, 0
	}
	if w.count >= limit {
		return true, w.remaining(now, length)
	}
	return false, 0
}

func usageFromSession(s *sessionState) Usage {
	return Usage{
		CallsThisMinute: s.minute.count,
		CallsThisHour:   s.hour.count,
		CallsThisDay:    s.day.count,
		InFlight:        s.inFlight,
	}
}

// BeginCall increments sessionID's in-flight counter.
func (l *Limiter) BeginCall(sessionID string) {
	s := l.sessionFor(sessionID)
	s.mu.Lock()
	s.inFlight++
	s.mu.Unlock()
}

// EndCall decrements sessionID's in-flight counter, never below zero.
func (l *Limiter) EndCall(sessionID string) {
	s := l.sessionFor(sessionID)
	s.mu.Lock()
	if s.inFlight > 0 {
		s.inFlight--
	}
	s.mu.Unlock()
}

// ReapIdleSessions drops session state untouched since before cutoff,
// the advisory timer spec.md §5 describes for idle-session reaping.
func (l *Limiter) ReapIdleSessions(cutoff time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for id, s := range l.sessions {
		s.mu.Lock()
		stale := s.lastSeen.Before(cutoff)
		s.mu.Unlock()
		if stale {
			delete(l.sessions, id)
			removed++
		}
	}
	return removed
}
