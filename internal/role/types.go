// Package role derives role definitions and tool/server permission
// decisions from a skill manifest.
package role

import (
	"github.com/Shin0205go/mycelium-sub002/internal/identity"
)

// wildcardServer is the "allow every server" sentinel used in
// allowedServers / allowedRoles.
const wildcardServer = "*"

// allSkillsBucket is the synthetic role every "*" allowedRole entry
// accumulates into before being folded into every other role.
const allSkillsBucket = "__all__"

// systemTools are always allowed for every role regardless of
// toolPermissions (spec.md §4.2 step 1).
var systemTools = map[string]struct{}{
	"set_role":         {},
	"get_agent_manifest": {},
	"list_roles":       {},
}

// SkillDefinition is a single entry in the skill manifest described in
// spec.md §6.
type SkillDefinition struct {
	Id              string                    `json:"id" yaml:"id"`
	Name            string                    `json:"name" yaml:"name"`
	Description     string                    `json:"description,omitempty" yaml:"description,omitempty"`
	AllowedRoles    []string                  `json:"allowedRoles" yaml:"allowedRoles"`
	AllowedTools    []string                  `json:"allowedTools" yaml:"allowedTools"`
	IdentityConfig  *SkillIdentityConfig      `json:"identityConfig,omitempty" yaml:"identityConfig,omitempty"`
	Grants          map[string]any            `json:"grants,omitempty" yaml:"grants,omitempty"`
}

// SkillIdentityConfig is the optional identity-resolver contribution a
// skill-catalogue entry may carry.
type SkillIdentityConfig struct {
	SkillMatching   []identity.SkillMatchRule `json:"skillMatching,omitempty" yaml:"skillMatching,omitempty"`
	TrustedPrefixes []string                  `json:"trustedPrefixes,omitempty" yaml:"trustedPrefixes,omitempty"`
}

// IdentityContribution implements identity.SkillDefinitionLike so the
// skill manifest can feed both the role manager and the identity
// resolver from a single source document.
func (s SkillDefinition) IdentityContribution() (string, []identity.SkillMatchRule, []string) {
	if s.IdentityConfig == nil {
		return s.Id, nil, nil
	}
	return s.Id, s.IdentityConfig.SkillMatching, s.IdentityConfig.TrustedPrefixes
}

// Manifest is the skill-manifest document: a version, a generation
// timestamp and the ordered skill list.
type Manifest struct {
	Version     string            `json:"version" yaml:"version"`
	GeneratedAt string            `json:"generatedAt,omitempty" yaml:"generatedAt,omitempty"`
	Skills      []SkillDefinition `json:"skills" yaml:"skills"`
}

// ToolPermissions constrains a role's visible tools beyond server
// membership, evaluated in the fixed order documented on Manager.IsToolAllowed.
type ToolPermissions struct {
	Allow        []string `json:"allow,omitempty" yaml:"allow,omitempty"`
	AllowPatterns []string `json:"allowPatterns,omitempty" yaml:"allowPatterns,omitempty"`
	Deny         []string `json:"deny,omitempty" yaml:"deny,omitempty"`
	DenyPatterns []string `json:"denyPatterns,omitempty" yaml:"denyPatterns,omitempty"`
}

// hasAllowScope reports whether this role declared any allow list at
// all, which triggers default-deny semantics once evaluated.
func (p *ToolPermissions) hasAllowScope() bool {
	if p == nil {
		return false
	}
	return len(p.Allow) > 0 || len(p.AllowPatterns) > 0
}

// RoleMetadata carries the derived-role bookkeeping fields.
type RoleMetadata struct {
	Priority int      `json:"priority,omitempty" yaml:"priority,omitempty"`
	Tags     []string `json:"tags,omitempty" yaml:"tags,omitempty"`
	Active   bool     `json:"active" yaml:"active"`
	Skills   []string `json:"skills,omitempty" yaml:"skills,omitempty"`
}

// Role is a named access bundle: permitted upstreams and tools plus a
// system-instruction body.
type Role struct {
	Id                string           `json:"id" yaml:"id"`
	DisplayName       string           `json:"displayName" yaml:"displayName"`
	Description       string           `json:"description,omitempty" yaml:"description,omitempty"`
	AllowedServers    []string         `json:"allowedServers" yaml:"allowedServers"`
	SystemInstruction string           `json:"systemInstruction,omitempty" yaml:"systemInstruction,omitempty"`
	ToolPermissions   *ToolPermissions `json:"toolPermissions,omitempty" yaml:"toolPermissions,omitempty"`
	Metadata          RoleMetadata     `json:"metadata" yaml:"metadata"`

	// toolPatterns is the raw list of tool patterns contributed by
	// skills for this role, kept for getSkillsForRole and debugging;
	// not part of the access-check algorithm itself.
	toolPatterns []string
}

// AllowsAllServers reports whether the role's allowedServers contains
// the wildcard entry.
func (r *Role) AllowsAllServers() bool {
	for _, s := range r.AllowedServers {
		if s == wildcardServer {
			return true
		}
	}
	return false
}
