package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Shin0205go/mycelium-sub002/internal/gwerrors"
	"github.com/Shin0205go/mycelium-sub002/internal/identity"
	"github.com/Shin0205go/mycelium-sub002/internal/quota"
	"github.com/Shin0205go/mycelium-sub002/internal/role"
	"github.com/Shin0205go/mycelium-sub002/internal/upstream"
)

func decodeYAMLFile(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(false)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("parse %s: expected a single YAML document", path)
	}
	return nil
}

// LoadSkillManifest reads and converts the skill manifest at path into a
// role.Manifest ready for Manager.LoadFromSkillManifest.
func LoadSkillManifest(path string) (role.Manifest, error) {
	var file SkillManifestFile
	if err := decodeYAMLFile(path, &file); err != nil {
		return role.Manifest{}, gwerrors.Wrap(gwerrors.InvalidConfig, err)
	}
	return manifestFromFile(file), nil
}

func manifestFromFile(file SkillManifestFile) role.Manifest {
	skills := make([]role.SkillDefinition, 0, len(file.Skills))
	for _, s := range file.Skills {
		def := role.SkillDefinition{
			Id:           s.ID,
			Name:         s.Name,
			Description:  s.Description,
			AllowedRoles: s.AllowedRoles,
			AllowedTools: s.AllowedTools,
			Grants:       s.Grants,
		}
		if s.IdentityConfig != nil {
			def.IdentityConfig = &role.SkillIdentityConfig{
				SkillMatching:   rulesFromFile(s.IdentityConfig.SkillMatching),
				TrustedPrefixes: s.IdentityConfig.TrustedPrefixes,
			}
		}
		skills = append(skills, def)
	}
	return role.Manifest{Version: file.Version, GeneratedAt: file.GeneratedAt, Skills: skills}
}

func rulesFromFile(files []SkillMatchRuleFile) []identity.SkillMatchRule {
	rules := make([]identity.SkillMatchRule, 0, len(files))
	for _, f := range files {
		rule := identity.SkillMatchRule{
			Role:            f.Role,
			RequiredSkills:  f.RequiredSkills,
			AnySkills:       f.AnySkills,
			MinSkillMatch:   f.MinSkillMatch,
			ForbiddenSkills: f.ForbiddenSkills,
			Priority:        f.Priority,
			Description:     f.Description,
		}
		if f.Context != nil {
			rule.Context = &identity.TimeWindowContext{
				AllowedDays: f.Context.AllowedDays,
				AllowedTime: f.Context.AllowedTime,
				Timezone:    f.Context.Timezone,
			}
		}
		rules = append(rules, rule)
	}
	return rules
}

// LoadIdentityConfig reads the identity config overlay at path. Missing
// version or defaultRole is an InvalidConfig load error (spec.md §6).
func LoadIdentityConfig(path string) (identity.IdentityConfig, error) {
	var file IdentityConfigFile
	if err := decodeYAMLFile(path, &file); err != nil {
		return identity.IdentityConfig{}, gwerrors.Wrap(gwerrors.InvalidConfig, err)
	}
	if strings.TrimSpace(file.Version) == "" {
		return identity.IdentityConfig{}, gwerrors.New(gwerrors.InvalidConfig, "identity config: missing version")
	}
	if strings.TrimSpace(file.DefaultRole) == "" {
		return identity.IdentityConfig{}, gwerrors.New(gwerrors.InvalidConfig, "identity config: missing defaultRole")
	}
	return identity.IdentityConfig{
		Version:          file.Version,
		DefaultRole:      file.DefaultRole,
		SkillRules:       rulesFromFile(file.SkillRules),
		RejectUnknown:    file.RejectUnknown,
		TrustedPrefixes:  file.TrustedPrefixes,
		StrictValidation: file.StrictValidation,
	}, nil
}

// LoadUpstreamTable reads the upstream server table at path.
func LoadUpstreamTable(path string) (map[string]upstream.ServerConfig, error) {
	var file UpstreamTableFile
	if err := decodeYAMLFile(path, &file); err != nil {
		return nil, gwerrors.Wrap(gwerrors.InvalidConfig, err)
	}
	table := make(map[string]upstream.ServerConfig, len(file))
	for name, cfg := range file {
		cfg.Name = name
		table[name] = cfg
	}
	return table, nil
}

func limitsFromFile(f LimitsFile) quota.Limits {
	return quota.Limits{
		MaxCallsPerMinute: f.MaxCallsPerMinute,
		MaxCallsPerHour:   f.MaxCallsPerHour,
		MaxCallsPerDay:    f.MaxCallsPerDay,
		MaxConcurrent:     f.MaxConcurrent,
	}
}

// LoadQuotaTable reads the per-role quota table at path (spec.md §4.6).
func LoadQuotaTable(path string) (map[string]quota.Quota, error) {
	var file QuotaTableFile
	if err := decodeYAMLFile(path, &file); err != nil {
		return nil, gwerrors.Wrap(gwerrors.InvalidConfig, err)
	}
	table := make(map[string]quota.Quota, len(file))
	for roleID, q := range file {
		overrides := make(map[string]quota.Limits, len(q.ToolOverrides))
		for tool, limits := range q.ToolOverrides {
			overrides[tool] = limitsFromFile(limits)
		}
		table[roleID] = quota.Quota{
			RoleID:        roleID,
			Limits:        limitsFromFile(q.Limits),
			ToolOverrides: overrides,
		}
	}
	return table, nil
}
