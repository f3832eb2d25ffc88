package role

import (
	"fmt"
	"strings"
	"sync"

	"github.com/Shin0205go/mycelium-sub002/internal/glob"
	"github.com/Shin0205go/mycelium-sub002/internal/gwerrors"
)

// Manager derives a role catalogue from a skill manifest and answers
// per-role access-check queries. Roles are replaced atomically on each
// loadFromSkillManifest call, so readers never observe a half-built
// catalogue.
type Manager struct {
	mu    sync.RWMutex
	roles map[string]*Role
	// order preserves the role insertion order from the manifest pass,
	// used by listRoles for deterministic output.
	order []string
}

// NewManager builds an empty role manager.
func NewManager() *Manager {
	return &Manager{roles: make(map[string]*Role)}
}

// accumulator is the scratch state built while folding skills into
// roles, before allowedServers derivation and __all__ folding.
type accumulator struct {
	skillIDs map[string]struct{}
	skills   []string // insertion-ordered
	tools    map[string]struct{}
	patterns []string // insertion-ordered, unique
}

func newAccumulator() *accumulator {
	return &accumulator{
		skillIDs: make(map[string]struct{}),
		tools:    make(map[string]struct{}),
	}
}

func (a *accumulator) addSkill(id string) {
	if _, ok := a.skillIDs[id]; ok {
		return
	}
	a.skillIDs[id] = struct{}{}
	a.skills = append(a.skills, id)
}

func (a *accumulator) addTools(patterns []string) {
	for _, p := range patterns {
		if _, ok := a.tools[p]; ok {
			continue
		}
		a.tools[p] = struct{}{}
		a.patterns = append(a.patterns, p)
	}
}

// loadFromSkillManifest derives the full role catalogue from a skill
// manifest, following the fold-then-wildcard-fold algorithm in
// spec.md §4.2, and atomically replaces the prior catalogue.
func (m *Manager) loadFromSkillManifest(manifest Manifest) error {
	accs := make(map[string]*accumulator)
	var order []string

	ensure := func(role string) *accumulator {
		acc, ok := accs[role]
		if !ok {
			acc = newAccumulator()
			accs[role] = acc
			order = append(order, role)
		}
		return acc
	}

	for _, skill := range manifest.Skills {
		for _, roleID := range skill.AllowedRoles {
			if roleID == wildcardServer {
				acc := ensure(allSkillsBucket)
				acc.addSkill(skill.Id)
				acc.addTools(skill.AllowedTools)
				continue
			}
			acc := ensure(roleID)
			acc.addSkill(skill.Id)
			acc.addTools(skill.AllowedTools)
		}
	}

	all, hasAll := accs[allSkillsBucket]
	if hasAll {
		for _, roleID := range order {
			if roleID == allSkillsBucket {
				continue
			}
			acc := accs[roleID]
			for _, id := range all.skills {
				acc.addSkill(id)
			}
			acc.addTools(all.patterns)
		}
	}

	roles := make(map[string]*Role, len(order))
	var finalOrder []string
	for _, roleID := range order {
		if roleID == allSkillsBucket {
			continue
		}
		acc := accs[roleID]
		roles[roleID] = buildRole(roleID, acc)
		finalOrder = append(finalOrder, roleID)
	}

	m.mu.Lock()
	m.roles = roles
	m.order = finalOrder
	m.mu.Unlock()
	return nil
}

// LoadFromSkillManifest is the exported form of loadFromSkillManifest.
func (m *Manager) LoadFromSkillManifest(manifest Manifest) error {
	return m.loadFromSkillManifest(manifest)
}

// buildRole derives a single role's allowedServers and system
// instruction from its accumulated skills and tool patterns.
func buildRole(roleID string, acc *accumulator) *Role {
	servers := extractServers(acc.patterns)
	return &Role{
		Id:                roleID,
		DisplayName:       roleID,
		AllowedServers:    servers,
		SystemInstruction: synthesizeInstruction(roleID, acc.skills),
		Metadata: RoleMetadata{
			Tags:   []string{"dynamic", "skill-driven"},
			Active: true,
			Skills: append([]string(nil), acc.skills...),
		},
		toolPatterns: append([]string(nil), acc.patterns...),
	}
}

// extractServers derives the set of servers a role may reach from its
// tool patterns: a plugin-prefixed pattern
// "mcp__plugin_<p>_<server>__<tool>" yields <server>; a plain
// "<server>__<tool>" pattern yields <server>; anything else is skipped.
func extractServers(patterns []string) []string {
	seen := make(map[string]struct{})
	var servers []string
	for _, p := range patterns {
		server, ok := serverFromPattern(p)
		if !ok {
			continue
		}
		if _, dup := seen[server]; dup {
			continue
		}
		seen[server] = struct{}{}
		servers = append(servers, server)
	}
	return servers
}

const pluginPrefix = "mcp__plugin_"

func serverFromPattern(pattern string) (string, bool) {
	if strings.HasPrefix(pattern, pluginPrefix) {
		rest := pattern[len(pluginPrefix):]
		// rest is "<p>_<server>__<tool>"; the server is the last
		// underscore-delimited segment before the "__<tool>" split.
		beforeTool, _, ok := strings.Cut(rest, "__")
		if !ok {
			return "", false
		}
		idx := strings.LastIndex(beforeTool, "_")
		if idx < 0 {
			return "", false
		}
		server := beforeTool[idx+1:]
		if server == "" {
			return "", false
		}
		return server, true
	}

	server, _, ok := strings.Cut(pattern, "__")
	if !ok || server == "" {
		return "", false
	}
	return server, true
}

// synthesizeInstruction builds a default system-instruction summarizing
// a role's skill set. A real skill may still override ToolPermissions /
// SystemInstruction after derivation; this is only the derived default.
func synthesizeInstruction(roleID string, skills []string) string {
	if len(skills) == 0 {
		return fmt.Sprintf("Role %q has no declared skills.", roleID)
	}
	return fmt.Sprintf("Role %q grants access to: %s.", roleID, strings.Join(skills, ", "))
}

// getRole returns the role by id, or false if no such role exists.
func (m *Manager) getRole(id string) (*Role, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.roles[id]
	return r, ok
}

// GetRole is the exported form of getRole.
func (m *Manager) GetRole(id string) (*Role, bool) { return m.getRole(id) }

// hasRole reports whether the given role id exists in the catalogue.
func (m *Manager) hasRole(id string) bool {
	_, ok := m.getRole(id)
	return ok
}

// HasRole is the exported form of hasRole.
func (m *Manager) HasRole(id string) bool { return m.hasRole(id) }

// ListRolesOptions filters listRoles output.
type ListRolesOptions struct {
	IncludeInactive bool
}

// RoleSummary is a listRoles entry; CurrentRole marks whether it is the
// caller's active role.
type RoleSummary struct {
	Role      *Role
	IsCurrent bool
}

// listRoles returns the role catalogue, flagging which entry (if any)
// matches currentRoleID.
func (m *Manager) listRoles(opts ListRolesOptions, currentRoleID string) []RoleSummary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]RoleSummary, 0, len(m.order))
	for _, id := range m.order {
		r := m.roles[id]
		if !opts.IncludeInactive && !r.Metadata.Active {
			continue
		}
		out = append(out, RoleSummary{Role: r, IsCurrent: id == currentRoleID})
	}
	return out
}

// ListRoles is the exported form of listRoles.
func (m *Manager) ListRoles(opts ListRolesOptions, currentRoleID string) []RoleSummary {
	return m.listRoles(opts, currentRoleID)
}

// isServerAllowedForRole reports whether role may reach the given
// upstream server, honoring the allowedServers wildcard.
func (m *Manager) isServerAllowedForRole(role *Role, server string) bool {
	if role.AllowsAllServers() {
		return true
	}
	for _, s := range role.AllowedServers {
		if s == server {
			return true
		}
	}
	return false
}

// IsServerAllowedForRole is the exported form of isServerAllowedForRole.
func (m *Manager) IsServerAllowedForRole(role *Role, server string) bool {
	return m.isServerAllowedForRole(role, server)
}

// isToolAllowedForRole implements the permission check from spec.md
// §4.2: system tools are always allowed; otherwise the server must be
// reachable, and toolPermissions is evaluated deny, denyPatterns,
// allow, allowPatterns in that order, with default-deny once any allow
// scope is declared.
func (m *Manager) isToolAllowedForRole(role *Role, tool, server string) bool {
	if isSystemTool(tool) {
		return true
	}
	if !m.isServerAllowedForRole(role, server) {
		return false
	}

	perms := role.ToolPermissions
	if perms == nil {
		return true
	}

	for _, name := range perms.Deny {
		if name == tool {
			return false
		}
	}
	if glob.MatchAny(perms.DenyPatterns, tool) {
		return false
	}
	for _, name := range perms.Allow {
		if name == tool {
			return true
		}
	}
	if glob.MatchAny(perms.AllowPatterns, tool) {
		return true
	}
	if perms.hasAllowScope() {
		return false
	}
	return true
}

// IsToolAllowedForRole is the exported form of isToolAllowedForRole.
func (m *Manager) IsToolAllowedForRole(role *Role, tool, server string) bool {
	return m.isToolAllowedForRole(role, tool, server)
}

func isSystemTool(tool string) bool {
	_, ok := systemTools[tool]
	return ok
}

// getSkillsForRole returns the skill ids that contributed to a role.
func (m *Manager) getSkillsForRole(roleID string) ([]string, error) {
	role, ok := m.getRole(roleID)
	if !ok {
		return nil, gwerrors.Newf(gwerrors.RoleNotFound, "unknown role %q", roleID)
	}
	return append([]string(nil), role.Metadata.Skills...), nil
}

// GetSkillsForRole is the exported form of getSkillsForRole.
func (m *Manager) GetSkillsForRole(roleID string) ([]string, error) {
	return m.getSkillsForRole(roleID)
}

// KnownRoleIDs returns the full catalogue's ids, used to populate
// RoleNotFound's "known role list" payload.
func (m *Manager) KnownRoleIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...)
}
