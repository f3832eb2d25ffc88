package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Shin0205go/mycelium-sub002/internal/gwerrors"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadSkillManifestConvertsToRoleManifest(t *testing.T) {
	path := writeTemp(t, "skills.yaml", `
version: "1.0"
generatedAt: "2026-01-01T00:00:00Z"
skills:
  - id: fs_read
    name: Filesystem Read
    allowedRoles: ["frontend"]
    allowedTools: ["mcp__plugin_a_fs__read"]
    identityConfig:
      skillMatching:
        - role: frontend
          anySkills: ["fs_read"]
          priority: 5
      trustedPrefixes: ["claude-"]
`)
	manifest, err := LoadSkillManifest(path)
	require.NoError(t, err)
	require.Equal(t, "1.0", manifest.Version)
	require.Len(t, manifest.Skills, 1)
	require.Equal(t, "fs_read", manifest.Skills[0].Id)
	require.NotNil(t, manifest.Skills[0].IdentityConfig)
	require.Equal(t, "frontend", manifest.Skills[0].IdentityConfig.SkillMatching[0].Role)
}

func TestLoadIdentityConfigRequiresVersionAndDefaultRole(t *testing.T) {
	path := writeTemp(t, "identity.yaml", `
skillRules: []
`)
	_, err := LoadIdentityConfig(path)
	require.Error(t, err)
	require.True(t, gwerrors.Is(err, gwerrors.InvalidConfig))
}

func TestLoadIdentityConfigSucceedsWithRequiredFields(t *testing.T) {
	path := writeTemp(t, "identity.yaml", `
version: "1.0"
defaultRole: guest
rejectUnknown: true
trustedPrefixes: ["claude-"]
`)
	cfg, err := LoadIdentityConfig(path)
	require.NoError(t, err)
	require.Equal(t, "guest", cfg.DefaultRole)
	require.True(t, cfg.RejectUnknown)
}

func TestLoadUpstreamTableAssignsNameFromKey(t *testing.T) {
	path := writeTemp(t, "upstream.yaml", `
fs:
  command: /usr/bin/fs-server
  args: ["--root", "/tmp"]
web:
  command: /usr/bin/web-server
  disabled: true
`)
	table, err := LoadUpstreamTable(path)
	require.NoError(t, err)
	require.Len(t, table, 2)
	require.Equal(t, "fs", table["fs"].Name)
	require.True(t, table["web"].Disabled)
}

func TestLoadQuotaTableAppliesPerToolOverrides(t *testing.T) {
	path := writeTemp(t, "quotas.yaml", `
frontend:
  limits:
    maxCallsPerMinute: 30
    maxConcurrent: 2
  toolOverrides:
    fs__read_file:
      maxCallsPerMinute: 100
`)
	table, err := LoadQuotaTable(path)
	require.NoError(t, err)
	require.Equal(t, "frontend", table["frontend"].RoleID)
	require.Equal(t, 30, table["frontend"].Limits.MaxCallsPerMinute)
	require.Equal(t, 2, table["frontend"].Limits.MaxConcurrent)
	require.Equal(t, 100, table["frontend"].ToolOverrides["fs__read_file"].MaxCallsPerMinute)
}
