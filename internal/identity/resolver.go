package identity

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Shin0205go/mycelium-sub002/internal/gwerrors"
)

// Resolver maps a declared agent to a role id via ordered skill-matching
// rules. It is safe for concurrent use; resolve is read-mostly and rule
// mutation (addRule, clearRules, loadFromSkills) takes an exclusive lock.
type Resolver struct {
	mu sync.RWMutex

	rules           []SkillMatchRule
	defaultRole     string
	rejectUnknown   bool
	trustedPrefixes []string
	strict          bool
	nextSeq         int

	stats ResolverStats
}

// NewResolver builds an empty resolver. Call loadFromSkills or addRule to
// populate it before resolving agents.
func NewResolver() *Resolver {
	return &Resolver{
		defaultRole: "default",
		stats:       ResolverStats{RuleHits: make(map[string]int)},
	}
}

// addRule appends a rule, assigning it the next insertion sequence number
// used to break priority ties.
func (r *Resolver) addRule(rule SkillMatchRule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rule.seq = r.nextSeq
	r.nextSeq++
	r.rules = append(r.rules, rule)
}

// AddRule is the exported form of addRule.
func (r *Resolver) AddRule(rule SkillMatchRule) { r.addRule(rule) }

// clearRules removes every rule but keeps default role / trust config.
func (r *Resolver) clearRules() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = nil
	r.nextSeq = 0
}

// ClearRules is the exported form of clearRules.
func (r *Resolver) ClearRules() { r.clearRules() }

// setDefaultRole sets the role returned when no rule matches and
// rejectUnknown is false.
func (r *Resolver) setDefaultRole(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultRole = id
}

// SetDefaultRole is the exported form of setDefaultRole.
func (r *Resolver) SetDefaultRole(id string) { r.setDefaultRole(id) }

// setRejectUnknown toggles whether an unmatched agent fails with
// UnknownAgent instead of falling back to the default role.
func (r *Resolver) setRejectUnknown(reject bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejectUnknown = reject
}

// SetRejectUnknown is the exported form of setRejectUnknown.
func (r *Resolver) SetRejectUnknown(reject bool) { r.setRejectUnknown(reject) }

// setTrustedPrefixes replaces the trusted-prefix set.
func (r *Resolver) setTrustedPrefixes(prefixes []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trustedPrefixes = append([]string(nil), prefixes...)
}

// SetTrustedPrefixes is the exported form of setTrustedPrefixes.
func (r *Resolver) SetTrustedPrefixes(prefixes []string) { r.setTrustedPrefixes(prefixes) }

// setStrictValidation toggles fail-closed handling of malformed time
// windows and zones.
func (r *Resolver) setStrictValidation(strict bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strict = strict
}

// SetStrictValidation is the exported form of setStrictValidation.
func (r *Resolver) SetStrictValidation(strict bool) { r.setStrictValidation(strict) }

// LoadConfig seeds the resolver from a fully-formed IdentityConfig,
// replacing any previously loaded rules. Missing version or defaultRole
// is an InvalidConfig error per spec.md §6.
func (r *Resolver) LoadConfig(cfg IdentityConfig) error {
	if strings.TrimSpace(cfg.Version) == "" || strings.TrimSpace(cfg.DefaultRole) == "" {
		return gwerrors.New(gwerrors.InvalidConfig, "identity config requires version and defaultRole")
	}
	r.mu.Lock()
	r.rules = nil
	r.nextSeq = 0
	r.defaultRole = cfg.DefaultRole
	r.rejectUnknown = cfg.RejectUnknown
	r.trustedPrefixes = append([]string(nil), cfg.TrustedPrefixes...)
	r.strict = cfg.StrictValidation
	r.mu.Unlock()

	for _, rule := range cfg.SkillRules {
		r.addRule(rule)
	}
	return nil
}

// skillSource pairs a skill-catalogue entry's identity-config contribution
// with the skill id it originated from, for loadFromSkills annotation.
type skillSource struct {
	skillID string
	rules   []SkillMatchRule
	prefix  []string
}

// loadFromSkills concatenates every skill's identity-config rules,
// annotating a rule's description with its origin skill id when the rule
// carries none, deduplicating rules whose (role, requiredSkills,
// anySkills) triple is identical after canonical ordering, and unioning
// the trusted-prefix sets.
func (r *Resolver) loadFromSkills(sources []skillSource) {
	seen := make(map[string]struct{})
	var deduped []SkillMatchRule
	prefixSet := make(map[string]struct{})

	for _, src := range sources {
		for _, prefix := range src.prefix {
			prefixSet[prefix] = struct{}{}
		}
		for _, rule := range src.rules {
			key := canonicalRuleKey(rule)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			if rule.Description == "" {
				rule.Description = fmt.Sprintf("from skill %q", src.skillID)
			}
			deduped = append(deduped, rule)
		}
	}

	r.mu.Lock()
	for prefix := range prefixSet {
		r.trustedPrefixes = appendUnique(r.trustedPrefixes, prefix)
	}
	r.mu.Unlock()

	for _, rule := range deduped {
		r.addRule(rule)
	}
}

// LoadFromSkills is the exported form of loadFromSkills, accepting the
// skill-catalogue shape the role package also consumes.
func (r *Resolver) LoadFromSkills(skills []SkillDefinitionLike) {
	sources := make([]skillSource, 0, len(skills))
	for _, s := range skills {
		id, rules, prefixes := s.IdentityContribution()
		sources = append(sources, skillSource{skillID: id, rules: rules, prefix: prefixes})
	}
	r.loadFromSkills(sources)
}

// SkillDefinitionLike is the minimal view of a skill-catalogue entry the
// identity package needs; internal/role.SkillDefinition implements it.
type SkillDefinitionLike interface {
	IdentityContribution() (skillID string, rules []SkillMatchRule, trustedPrefixes []string)
}

func canonicalRuleKey(rule SkillMatchRule) string {
	req := append([]string(nil), rule.RequiredSkills...)
	any := append([]string(nil), rule.AnySkills...)
	sort.Strings(req)
	sort.Strings(any)
	return rule.Role + "|" + strings.Join(req, ",") + "|" + strings.Join(any, ",")
}

func appendUnique(list []string, value string) []string {
	for _, v := range list {
		if strings.EqualFold(v, value) {
			return list
		}
	}
	return append(list, value)
}

// getRules returns a snapshot of the configured rules, ordered by
// descending priority then insertion order (the order resolve evaluates
// them in).
func (r *Resolver) getRules() []SkillMatchRule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := append([]SkillMatchRule(nil), r.rules...)
	sortRules(out)
	return out
}

// GetRules is the exported form of getRules.
func (r *Resolver) GetRules() []SkillMatchRule { return r.getRules() }

func sortRules(rules []SkillMatchRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].seq < rules[j].seq
	})
}

// getConfig returns the resolver's current configuration.
func (r *Resolver) getConfig() IdentityConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return IdentityConfig{
		DefaultRole:      r.defaultRole,
		RejectUnknown:    r.rejectUnknown,
		TrustedPrefixes:  append([]string(nil), r.trustedPrefixes...),
		StrictValidation: r.strict,
		SkillRules:       append([]SkillMatchRule(nil), r.rules...),
	}
}

// GetConfig is the exported form of getConfig.
func (r *Resolver) GetConfig() IdentityConfig { return r.getConfig() }

// hasRoleRule reports whether any configured rule targets the given role.
func (r *Resolver) hasRoleRule(role string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rule := range r.rules {
		if rule.Role == role {
			return true
		}
	}
	return false
}

// HasRoleRule is the exported form of hasRoleRule.
func (r *Resolver) HasRoleRule(role string) bool { return r.hasRoleRule(role) }

// getStats returns a snapshot of resolver activity counters.
func (r *Resolver) getStats() ResolverStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	hits := make(map[string]int, len(r.stats.RuleHits))
	for k, v := range r.stats.RuleHits {
		hits[k] = v
	}
	return ResolverStats{
		TotalResolutions: r.stats.TotalResolutions,
		DefaultRoleHits:  r.stats.DefaultRoleHits,
		RejectedUnknown:  r.stats.RejectedUnknown,
		RuleHits:         hits,
	}
}

// GetStats is the exported form of getStats.
func (r *Resolver) GetStats() ResolverStats { return r.getStats() }

// resolve runs the priority-ordered rule matcher described in spec.md
// §4.1 against a single agent identity.
func (r *Resolver) resolve(identity AgentIdentity) (IdentityResolution, error) {
	rules := r.getRules()
	agentSkills := identity.skillIDs()
	now := time.Now()

	for i := range rules {
		rule := rules[i]
		matched, matchedSkills, err := r.evaluateRule(rule, agentSkills, now)
		if err != nil {
			return IdentityResolution{}, err
		}
		if !matched {
			continue
		}
		r.recordHit(rule, false, false)
		return IdentityResolution{
			RoleId:       rule.Role,
			AgentName:    identity.normalizedName(),
			MatchedRule:  &rule,
			MatchedSkill: matchedSkills,
			IsTrusted:    r.isTrusted(identity.normalizedName()),
			ResolvedAt:   now,
		}, nil
	}

	r.mu.Lock()
	reject := r.rejectUnknown
	fallback := r.defaultRole
	r.mu.Unlock()

	if reject {
		r.recordHit(SkillMatchRule{}, false, true)
		return IdentityResolution{}, gwerrors.Newf(gwerrors.UnknownAgent,
			"no skill-match rule and rejectUnknown is set for agent %q", identity.normalizedName())
	}

	r.recordHit(SkillMatchRule{}, true, false)
	return IdentityResolution{
		RoleId:       fallback,
		AgentName:    identity.normalizedName(),
		MatchedRule:  nil,
		MatchedSkill: map[string]struct{}{},
		IsTrusted:    r.isTrusted(identity.normalizedName()),
		ResolvedAt:   now,
	}, nil
}

// Resolve is the exported form of resolve.
func (r *Resolver) Resolve(identity AgentIdentity) (IdentityResolution, error) {
	return r.resolve(identity)
}

// evaluateRule checks one rule against the agent's declared skills,
// following the five ordered steps in spec.md §4.1. It returns the set
// of skill ids that contributed to the match.
func (r *Resolver) evaluateRule(rule SkillMatchRule, agentSkills map[string]struct{}, now time.Time) (bool, map[string]struct{}, error) {
	// Step 1: forbidden skills dominate regardless of anything else.
	for _, forbidden := range rule.ForbiddenSkills {
		if _, present := agentSkills[forbidden]; present {
			return false, nil, nil
		}
	}

	// Step 2: time-window context.
	if rule.Context != nil {
		ok, err := matchesTimeWindow(*rule.Context, now, r.strict)
		if err != nil {
			return false, nil, err
		}
		if !ok {
			return false, nil, nil
		}
	}

	matched := make(map[string]struct{})
	hasRequired := len(rule.RequiredSkills) > 0
	hasAny := len(rule.AnySkills) > 0

	// Step 3: required skills, AND semantics.
	if hasRequired {
		for _, id := range rule.RequiredSkills {
			if _, present := agentSkills[id]; !present {
				return false, nil, nil
			}
			matched[id] = struct{}{}
		}
	}

	// Step 4: any-of skills, OR semantics with a minimum match count.
	if hasAny {
		count := 0
		for _, id := range rule.AnySkills {
			if _, present := agentSkills[id]; present {
				matched[id] = struct{}{}
				count++
			}
		}
		if count < rule.minSkillMatch() {
			return false, nil, nil
		}
	}

	// Step 5: a rule with neither required nor any-of skills never matches.
	if !hasRequired && !hasAny {
		return false, nil, nil
	}

	return true, matched, nil
}

// matchesTimeWindow evaluates a rule's time-window context against now.
// Invalid zones/ranges fail the rule closed in strict mode, or are
// treated as non-restrictive (allow / system zone) when strict is false.
func matchesTimeWindow(ctx TimeWindowContext, now time.Time, strict bool) (bool, error) {
	loc := time.Local
	if ctx.Timezone != "" {
		l, err := time.LoadLocation(ctx.Timezone)
		if err != nil {
			if strict {
				return false, gwerrors.Newf(gwerrors.InvalidTimeZone, "invalid time zone %q: %v", ctx.Timezone, err)
			}
			loc = time.Local
		} else {
			loc = l
		}
	}

	current := now.In(loc)

	if len(ctx.AllowedDays) > 0 {
		allowed := false
		for _, day := range ctx.AllowedDays {
			if day == current.Weekday() {
				allowed = true
				break
			}
		}
		if !allowed {
			return false, nil
		}
	}

	if ctx.AllowedTime == "" {
		return true, nil
	}

	start, end, err := parseTimeRange(ctx.AllowedTime)
	if err != nil {
		if strict {
			return false, gwerrors.Newf(gwerrors.InvalidTimeRange, "invalid allowedTime %q: %v", ctx.AllowedTime, err)
		}
		return true, nil
	}

	nowMinutes := current.Hour()*60 + current.Minute()
	if start <= end {
		return nowMinutes >= start && nowMinutes <= end, nil
	}
	// Overnight range: [start, 24:00) U [00:00, end].
	return nowMinutes >= start || nowMinutes <= end, nil
}

// parseTimeRange parses "HH:MM-HH:MM" into minutes-of-day bounds.
func parseTimeRange(spec string) (start, end int, err error) {
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("expected HH:MM-HH:MM, got %q", spec)
	}
	start, err = parseHHMM(parts[0])
	if err != nil {
		return 0, 0, err
	}
	end, err = parseHHMM(parts[1])
	if err != nil {
		return 0, 0, err
	}
	return start, end, nil
}

func parseHHMM(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid HH:MM %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// isTrusted reports whether the agent's name starts with a configured
// trusted prefix, compared case-insensitively.
func (r *Resolver) isTrusted(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lower := strings.ToLower(name)
	for _, prefix := range r.trustedPrefixes {
		if strings.HasPrefix(lower, strings.ToLower(prefix)) {
			return true
		}
	}
	return false
}

func (r *Resolver) recordHit(rule SkillMatchRule, defaultHit, rejected bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.TotalResolutions++
	switch {
	case rejected:
		r.stats.RejectedUnknown++
	case defaultHit:
		r.stats.DefaultRoleHits++
	default:
		key := rule.Description
		if key == "" {
			key = fmt.Sprintf("%s@%d", rule.Role, rule.Priority)
		}
		r.stats.RuleHits[key]++
	}
}
