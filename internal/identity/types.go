package identity

import (
	"sort"
	"strings"
	"time"
)

// SkillDeclaration is the capability an agent claims at handshake time.
// Only Id participates in matching; the rest is descriptive.
type SkillDeclaration struct {
	Id          string            `json:"id" yaml:"id"`
	Name        string            `json:"name,omitempty" yaml:"name,omitempty"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	IOModes     []string          `json:"ioModes,omitempty" yaml:"ioModes,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// AgentIdentity is the immutable input to a single resolve call.
type AgentIdentity struct {
	Name     string
	Version  string
	Skills   []SkillDeclaration
	Metadata map[string]any
}

// skillIDs returns the set of declared skill ids.
func (a AgentIdentity) skillIDs() map[string]struct{} {
	set := make(map[string]struct{}, len(a.Skills))
	for _, s := range a.Skills {
		set[s.Id] = struct{}{}
	}
	return set
}

// normalizedName returns the agent's trimmed name, defaulting to "unknown".
func (a AgentIdentity) normalizedName() string {
	name := strings.TrimSpace(a.Name)
	if name == "" {
		return "unknown"
	}
	return name
}

// TimeWindowContext scopes a rule to a weekday/time-of-day window in a
// given IANA zone. Overnight ranges (start > end) wrap across midnight.
type TimeWindowContext struct {
	AllowedDays []time.Weekday `json:"allowedDays,omitempty" yaml:"allowedDays,omitempty"`
	AllowedTime string         `json:"allowedTime,omitempty" yaml:"allowedTime,omitempty"` // "HH:MM-HH:MM"
	Timezone    string         `json:"timezone,omitempty" yaml:"timezone,omitempty"`
}

// SkillMatchRule maps a combination of agent skills to a target role.
// A rule with neither RequiredSkills nor AnySkills set never matches.
type SkillMatchRule struct {
	Role            string             `json:"role" yaml:"role"`
	RequiredSkills  []string           `json:"requiredSkills,omitempty" yaml:"requiredSkills,omitempty"`
	AnySkills       []string           `json:"anySkills,omitempty" yaml:"anySkills,omitempty"`
	MinSkillMatch   int                `json:"minSkillMatch,omitempty" yaml:"minSkillMatch,omitempty"`
	ForbiddenSkills []string           `json:"forbiddenSkills,omitempty" yaml:"forbiddenSkills,omitempty"`
	Context         *TimeWindowContext `json:"context,omitempty" yaml:"context,omitempty"`
	Priority        int                `json:"priority,omitempty" yaml:"priority,omitempty"`
	Description     string             `json:"description,omitempty" yaml:"description,omitempty"`

	// seq is the insertion index, used to break priority ties. It is set
	// by addRule/loadFromSkills and is not part of any external shape.
	seq int
}

func (r SkillMatchRule) minSkillMatch() int {
	if r.MinSkillMatch <= 0 {
		return 1
	}
	return r.MinSkillMatch
}

// IdentityConfig is the identity-config overlay described in spec.md §6.
type IdentityConfig struct {
	Version          string           `json:"version" yaml:"version"`
	DefaultRole      string           `json:"defaultRole" yaml:"defaultRole"`
	SkillRules       []SkillMatchRule `json:"skillRules,omitempty" yaml:"skillRules,omitempty"`
	RejectUnknown    bool             `json:"rejectUnknown,omitempty" yaml:"rejectUnknown,omitempty"`
	TrustedPrefixes  []string         `json:"trustedPrefixes,omitempty" yaml:"trustedPrefixes,omitempty"`
	StrictValidation bool             `json:"strictValidation,omitempty" yaml:"strictValidation,omitempty"`
}

// IdentityResolution is the result of a single resolve call.
type IdentityResolution struct {
	RoleId       string
	AgentName    string
	MatchedRule  *SkillMatchRule
	MatchedSkill map[string]struct{}
	IsTrusted    bool
	ResolvedAt   time.Time
}

// MatchedSkillList returns the matched skill ids as a sorted slice, mostly
// for deterministic logging and test assertions.
func (r IdentityResolution) MatchedSkillList() []string {
	out := make([]string, 0, len(r.MatchedSkill))
	for id := range r.MatchedSkill {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ResolverStats summarizes resolver activity since construction or the
// last reset, returned by getStats.
type ResolverStats struct {
	TotalResolutions int
	DefaultRoleHits  int
	RejectedUnknown  int
	RuleHits         map[string]int // rule description -> hit count
}
