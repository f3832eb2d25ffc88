package identity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Shin0205go/mycelium-sub002/internal/gwerrors"
)

func declareSkills(ids ...string) []SkillDeclaration {
	decls := make([]SkillDeclaration, len(ids))
	for i, id := range ids {
		decls[i] = SkillDeclaration{Id: id}
	}
	return decls
}

func TestResolveAdminBeatsDeveloperByPriority(t *testing.T) {
	r := NewResolver()
	r.SetDefaultRole("guest")
	r.SetTrustedPrefixes([]string{"claude-"})
	r.AddRule(SkillMatchRule{
		Role:           "admin",
		RequiredSkills: []string{"admin_access", "system_management"},
		Priority:       100,
	})
	r.AddRule(SkillMatchRule{
		Role:      "developer",
		AnySkills: []string{"coding"},
		Priority:  10,
	})

	res, err := r.Resolve(AgentIdentity{
		Name:   "claude-admin",
		Skills: declareSkills("admin_access", "system_management", "coding"),
	})
	require.NoError(t, err)
	require.Equal(t, "admin", res.RoleId)
	require.True(t, res.IsTrusted)
	matched := res.MatchedSkillList()
	require.Contains(t, matched, "admin_access")
	require.Contains(t, matched, "system_management")
}

func TestResolveFallsBackToAnySkillRule(t *testing.T) {
	r := NewResolver()
	r.SetDefaultRole("guest")
	r.AddRule(SkillMatchRule{
		Role:           "admin",
		RequiredSkills: []string{"admin_access", "system_management"},
		Priority:       100,
	})
	r.AddRule(SkillMatchRule{
		Role:      "developer",
		AnySkills: []string{"coding"},
		Priority:  10,
	})

	res, err := r.Resolve(AgentIdentity{Name: "random", Skills: declareSkills("coding")})
	require.NoError(t, err)
	require.Equal(t, "developer", res.RoleId)
	require.False(t, res.IsTrusted)
}

func TestResolveRejectsUnknownAgent(t *testing.T) {
	r := NewResolver()
	r.SetDefaultRole("guest")
	r.SetRejectUnknown(true)
	r.AddRule(SkillMatchRule{Role: "developer", AnySkills: []string{"coding"}})

	_, err := r.Resolve(AgentIdentity{Name: "x", Skills: declareSkills("z")})
	require.Error(t, err)
	require.True(t, gwerrors.Is(err, gwerrors.UnknownAgent))
}

func TestResolveUsesDefaultRoleWhenNotRejecting(t *testing.T) {
	r := NewResolver()
	r.SetDefaultRole("guest")
	r.AddRule(SkillMatchRule{Role: "developer", AnySkills: []string{"coding"}})

	res, err := r.Resolve(AgentIdentity{Name: "x", Skills: declareSkills("z")})
	require.NoError(t, err)
	require.Equal(t, "guest", res.RoleId)
	require.Nil(t, res.MatchedRule)
	require.Empty(t, res.MatchedSkill)
}

func TestForbiddenSkillDominatesOtherwiseMatchingRule(t *testing.T) {
	r := NewResolver()
	r.SetDefaultRole("guest")
	r.AddRule(SkillMatchRule{
		Role:            "developer",
		AnySkills:       []string{"coding"},
		ForbiddenSkills: []string{"quarantined"},
	})

	res, err := r.Resolve(AgentIdentity{Name: "x", Skills: declareSkills("coding", "quarantined")})
	require.NoError(t, err)
	require.Equal(t, "guest", res.RoleId)
}

func TestRuleWithNeitherRequiredNorAnyNeverMatches(t *testing.T) {
	r := NewResolver()
	r.SetDefaultRole("guest")
	r.AddRule(SkillMatchRule{Role: "phantom", Priority: 1000})

	res, err := r.Resolve(AgentIdentity{Name: "x", Skills: declareSkills("anything")})
	require.NoError(t, err)
	require.Equal(t, "guest", res.RoleId)
}

func TestTrustFlagIsCaseInsensitive(t *testing.T) {
	r := NewResolver()
	r.SetDefaultRole("guest")
	r.SetTrustedPrefixes([]string{"Claude-"})

	lower, err := r.Resolve(AgentIdentity{Name: "claude-worker"})
	require.NoError(t, err)
	upper, err := r.Resolve(AgentIdentity{Name: "CLAUDE-WORKER"})
	require.NoError(t, err)
	require.Equal(t, lower.IsTrusted, upper.IsTrusted)
	require.True(t, lower.IsTrusted)
}

func TestAnySkillsRequiresMinSkillMatch(t *testing.T) {
	r := NewResolver()
	r.SetDefaultRole("guest")
	r.AddRule(SkillMatchRule{
		Role:          "reviewer",
		AnySkills:     []string{"go", "rust", "python"},
		MinSkillMatch: 2,
	})

	single, err := r.Resolve(AgentIdentity{Name: "a", Skills: declareSkills("go")})
	require.NoError(t, err)
	require.Equal(t, "guest", single.RoleId)

	double, err := r.Resolve(AgentIdentity{Name: "b", Skills: declareSkills("go", "rust")})
	require.NoError(t, err)
	require.Equal(t, "reviewer", double.RoleId)
}

func TestTimeWindowOvernightWraps(t *testing.T) {
	ctx := TimeWindowContext{AllowedTime: "22:00-06:00"}
	late, err := matchesTimeWindow(ctx, time.Date(2024, 1, 1, 23, 30, 0, 0, time.UTC), true)
	require.NoError(t, err)
	require.True(t, late)

	early, err := matchesTimeWindow(ctx, time.Date(2024, 1, 1, 3, 0, 0, 0, time.UTC), true)
	require.NoError(t, err)
	require.True(t, early)

	midday, err := matchesTimeWindow(ctx, time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC), true)
	require.NoError(t, err)
	require.False(t, midday)
}

func TestInvalidTimeZoneFailsClosedOnlyInStrictMode(t *testing.T) {
	ctx := TimeWindowContext{Timezone: "Not/A/Zone"}

	_, err := matchesTimeWindow(ctx, time.Now(), true)
	require.Error(t, err)
	require.True(t, gwerrors.Is(err, gwerrors.InvalidTimeZone))

	ok, err := matchesTimeWindow(ctx, time.Now(), false)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestLoadFromSkillsDeduplicatesCanonicalRules(t *testing.T) {
	r := NewResolver()
	r.SetDefaultRole("guest")

	a := fakeSkill{
		id:    "skill-a",
		rules: []SkillMatchRule{{Role: "developer", AnySkills: []string{"coding", "testing"}}},
	}
	b := fakeSkill{
		id:    "skill-b",
		rules: []SkillMatchRule{{Role: "developer", AnySkills: []string{"testing", "coding"}}},
	}

	r.LoadFromSkills([]SkillDefinitionLike{a, b})
	require.Len(t, r.GetRules(), 1)
}

type fakeSkill struct {
	id     string
	rules  []SkillMatchRule
	prefix []string
}

func (f fakeSkill) IdentityContribution() (string, []SkillMatchRule, []string) {
	return f.id, f.rules, f.prefix
}
