package role

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func sampleManifest() Manifest {
	return Manifest{
		Version: "1",
		Skills: []SkillDefinition{
			{
				Id:           "fs-read",
				AllowedRoles: []string{"frontend", "backend"},
				AllowedTools: []string{"mcp__plugin_a_fs__read"},
			},
			{
				Id:           "fs-write",
				AllowedRoles: []string{"backend"},
				AllowedTools: []string{"mcp__plugin_a_fs__write"},
			},
			{
				Id:           "diagnostics",
				AllowedRoles: []string{"*"},
				AllowedTools: []string{"diag__ping"},
			},
		},
	}
}

func TestLoadFromSkillManifestDerivesServersAndFoldsWildcard(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.LoadFromSkillManifest(sampleManifest()))

	frontend, ok := m.GetRole("frontend")
	require.True(t, ok)
	require.ElementsMatch(t, []string{"fs"}, frontend.AllowedServers)
	require.Contains(t, frontend.Metadata.Skills, "diagnostics") // folded from __all__

	backend, ok := m.GetRole("backend")
	require.True(t, ok)
	require.Contains(t, backend.Metadata.Skills, "fs-write")
	require.Contains(t, backend.Metadata.Skills, "diagnostics")

	_, hasAllBucket := m.GetRole(allSkillsBucket)
	require.False(t, hasAllBucket)
}

func TestSystemToolIsAlwaysAllowed(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.LoadFromSkillManifest(sampleManifest()))
	frontend, _ := m.GetRole("frontend")
	frontend.ToolPermissions = &ToolPermissions{Allow: []string{"fs__read"}}

	require.True(t, m.IsToolAllowedForRole(frontend, "set_role", "router"))
	require.True(t, m.IsToolAllowedForRole(frontend, "list_roles", "router"))
}

func TestToolDeniedWhenServerNotReachable(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.LoadFromSkillManifest(sampleManifest()))
	frontend, _ := m.GetRole("frontend")

	// S4: frontend only allows the "fs" server (from allowedTools), so a
	// write-capable tool on a server it was never granted must deny.
	allowed := m.IsToolAllowedForRole(frontend, "fs__write", "fs")
	require.True(t, allowed) // no toolPermissions declared -> default allow once server reachable

	frontend.ToolPermissions = &ToolPermissions{Allow: []string{"mcp__plugin_a_fs__read"}}
	denied := m.IsToolAllowedForRole(frontend, "mcp__plugin_a_fs__write", "fs")
	require.False(t, denied)
}

func TestDefaultDenyOnceAllowListDeclared(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.LoadFromSkillManifest(sampleManifest()))
	backend, _ := m.GetRole("backend")
	backend.ToolPermissions = &ToolPermissions{AllowPatterns: []string{"fs__*"}}

	require.True(t, m.IsToolAllowedForRole(backend, "fs__read", "fs"))
	require.False(t, m.IsToolAllowedForRole(backend, "other__tool", "fs"))
}

func TestDenyPatternsTakePriorityOverAllow(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.LoadFromSkillManifest(sampleManifest()))
	backend, _ := m.GetRole("backend")
	backend.ToolPermissions = &ToolPermissions{
		Allow:        []string{"fs__write"},
		DenyPatterns: []string{"fs__wri*"},
	}

	require.False(t, m.IsToolAllowedForRole(backend, "fs__write", "fs"))
}

func TestServerFromPatternExtractsPluginPrefixedServer(t *testing.T) {
	server, ok := serverFromPattern("mcp__plugin_a_fs__read")
	require.True(t, ok)
	require.Equal(t, "fs", server)

	server, ok = serverFromPattern("fs__read")
	require.True(t, ok)
	require.Equal(t, "fs", server)

	_, ok = serverFromPattern("nopatternhere")
	require.False(t, ok)
}

func TestManifestIdempotence(t *testing.T) {
	m := NewManager()
	manifest := sampleManifest()
	require.NoError(t, m.LoadFromSkillManifest(manifest))
	first := m.ListRoles(ListRolesOptions{}, "backend")

	require.NoError(t, m.LoadFromSkillManifest(manifest))
	second := m.ListRoles(ListRolesOptions{}, "backend")

	require.Equal(t, len(first), len(second))
	for i := range first {
		require.Equal(t, first[i].Role.Id, second[i].Role.Id)
		require.ElementsMatch(t, first[i].Role.AllowedServers, second[i].Role.AllowedServers)
	}
}
