// Package config loads the gateway's three configuration surfaces
// (spec.md §6): the skill manifest, the identity config overlay, and the
// upstream server table. It also exposes JSON Schema generation for each
// and an fsnotify-backed watcher that drives hot reload.
package config

import "github.com/Shin0205go/mycelium-sub002/internal/upstream"

// SkillManifestFile is the on-disk shape of the skill manifest (spec.md §6):
// authoritative source for role derivation.
type SkillManifestFile struct {
	Version     string            `yaml:"version" json:"version"`
	GeneratedAt string            `yaml:"generatedAt" json:"generatedAt"`
	Skills      []SkillFileEntry  `yaml:"skills" json:"skills"`
}

// SkillFileEntry is one skill-catalogue entry.
type SkillFileEntry struct {
	ID             string                  `yaml:"id" json:"id"`
	Name           string                  `yaml:"name" json:"name"`
	Description    string                  `yaml:"description" json:"description"`
	AllowedRoles   []string                `yaml:"allowedRoles" json:"allowedRoles"`
	AllowedTools   []string                `yaml:"allowedTools" json:"allowedTools"`
	IdentityConfig *SkillIdentityFileEntry `yaml:"identityConfig,omitempty" json:"identityConfig,omitempty"`
	Grants         map[string]any          `yaml:"grants,omitempty" json:"grants,omitempty"`
}

// SkillIdentityFileEntry is a skill's optional contribution to identity
// resolution: matching rules plus trusted name prefixes.
type SkillIdentityFileEntry struct {
	SkillMatching   []SkillMatchRuleFile `yaml:"skillMatching,omitempty" json:"skillMatching,omitempty"`
	TrustedPrefixes []string             `yaml:"trustedPrefixes,omitempty" json:"trustedPrefixes,omitempty"`
}

// SkillMatchRuleFile is the on-disk shape of an identity.SkillMatchRule.
type SkillMatchRuleFile struct {
	Role            string             `yaml:"role" json:"role"`
	RequiredSkills  []string           `yaml:"requiredSkills,omitempty" json:"requiredSkills,omitempty"`
	AnySkills       []string           `yaml:"anySkills,omitempty" json:"anySkills,omitempty"`
	MinSkillMatch   int                `yaml:"minSkillMatch,omitempty" json:"minSkillMatch,omitempty"`
	ForbiddenSkills []string           `yaml:"forbiddenSkills,omitempty" json:"forbiddenSkills,omitempty"`
	Context         *TimeWindowFile    `yaml:"context,omitempty" json:"context,omitempty"`
	Priority        int                `yaml:"priority,omitempty" json:"priority,omitempty"`
	Description     string             `yaml:"description,omitempty" json:"description,omitempty"`
}

// TimeWindowFile is the on-disk shape of an identity.TimeWindowContext.
type TimeWindowFile struct {
	AllowedDays []string `yaml:"allowedDays,omitempty" json:"allowedDays,omitempty"`
	AllowedTime string   `yaml:"allowedTime,omitempty" json:"allowedTime,omitempty"`
	Timezone    string   `yaml:"timezone,omitempty" json:"timezone,omitempty"`
}

// IdentityConfigFile is the identity config YAML overlay (spec.md §6).
// Missing Version or DefaultRole is an InvalidConfig load error.
type IdentityConfigFile struct {
	Version          string               `yaml:"version" json:"version"`
	DefaultRole      string               `yaml:"defaultRole" json:"defaultRole"`
	SkillRules       []SkillMatchRuleFile `yaml:"skillRules,omitempty" json:"skillRules,omitempty"`
	RejectUnknown    bool                 `yaml:"rejectUnknown,omitempty" json:"rejectUnknown,omitempty"`
	TrustedPrefixes  []string             `yaml:"trustedPrefixes,omitempty" json:"trustedPrefixes,omitempty"`
	StrictValidation bool                 `yaml:"strictValidation,omitempty" json:"strictValidation,omitempty"`
}

// UpstreamTableFile is the upstream server table: name -> server config.
type UpstreamTableFile map[string]upstream.ServerConfig

// LimitsFile is the on-disk shape of a quota.Limits. Zero/omitted fields
// mean "unbounded" for that dimension, matching quota.Limits itself.
type LimitsFile struct {
	MaxCallsPerMinute int `yaml:"maxCallsPerMinute,omitempty" json:"maxCallsPerMinute,omitempty"`
	MaxCallsPerHour   int `yaml:"maxCallsPerHour,omitempty" json:"maxCallsPerHour,omitempty"`
	MaxCallsPerDay    int `yaml:"maxCallsPerDay,omitempty" json:"maxCallsPerDay,omitempty"`
	MaxConcurrent     int `yaml:"maxConcurrent,omitempty" json:"maxConcurrent,omitempty"`
}

// QuotaFile is one role's quota definition plus its per-tool overrides.
type QuotaFile struct {
	Limits        LimitsFile            `yaml:"limits" json:"limits"`
	ToolOverrides map[string]LimitsFile `yaml:"toolOverrides,omitempty" json:"toolOverrides,omitempty"`
}

// QuotaTableFile is the quota table: role id -> quota definition
// (spec.md §4.6).
type QuotaTableFile map[string]QuotaFile
