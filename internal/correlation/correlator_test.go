package correlation

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skylight-sec/skylight/internal/models"
)

var corrNow = time.Date(2025, 6, 10, 15, 0, 0, 0, time.UTC)

func member(id string, platform models.Platform, name, owner string) Member {
	return Member{
		Automation: models.DiscoveredAutomation{
			ID:             id,
			OrganizationID: "org-1",
			Platform:       platform,
			Name:           name,
			OwnerUserID:    owner,
		},
	}
}

func withProviderPattern(m Member, provider string) Member {
	evidence, _ := json.Marshal(map[string]string{"provider": provider})
	m.Patterns = append(m.Patterns, models.DetectionPattern{
		AutomationID: m.Automation.ID,
		Type:         models.PatternAIProvider,
		Evidence:     evidence,
	})
	return m
}

func withClusterPattern(m Member, clusterIDs []string) Member {
	evidence, _ := json.Marshal(map[string]any{"clusterMembers": clusterIDs})
	m.Patterns = append(m.Patterns, models.DetectionPattern{
		AutomationID: m.Automation.ID,
		Type:         models.PatternCoordination,
		Evidence:     evidence,
	})
	return m
}

func withEvents(m Member, op, target string, n int) Member {
	for i := 0; i < n; i++ {
		m.Events = append(m.Events, models.ActivityEvent{
			Operation:   op,
			TargetClass: target,
			Timestamp:   corrNow.Add(-time.Duration(i) * time.Minute),
		})
	}
	return m
}

func TestCorrelateSameAIProviderAcrossPlatforms(t *testing.T) {
	members := []Member{
		withProviderPattern(member("a1", models.PlatformSlack, "Digest Bot", ""), "OpenAI"),
		withProviderPattern(member("a2", models.PlatformGoogle, "Sheet Sync", ""), "OpenAI"),
		withProviderPattern(member("a3", models.PlatformMicrosoft, "Flow Helper", ""), "Anthropic"),
	}

	chains := New(2).Correlate("org-1", members, corrNow)
	require.Len(t, chains, 1)

	chain := chains[0]
	assert.Equal(t, models.CorrelationSameAIProvider, chain.Type)
	assert.ElementsMatch(t, []string{"a1", "a2"}, chain.AutomationIDs)
	assert.True(t, chain.CrossPlatformChain)
	assert.Equal(t, "org-1", chain.OrganizationID)
	assert.InDelta(t, 0.75, chain.Confidence, 0.001)
	assert.NotEmpty(t, chain.Description)
}

func TestCorrelateSinglePlatformChainNotCrossPlatform(t *testing.T) {
	members := []Member{
		withProviderPattern(member("a1", models.PlatformSlack, "Bot One", ""), "Cohere"),
		withProviderPattern(member("a2", models.PlatformSlack, "Bot Two", ""), "Cohere"),
	}

	chains := New(2).Correlate("org-1", members, corrNow)
	require.Len(t, chains, 1)
	assert.False(t, chains[0].CrossPlatformChain)
}

func TestCorrelateSupportingTypesRaiseConfidence(t *testing.T) {
	// Same provider, same owner, similar names: shared_credentials is the
	// strongest signal and becomes the primary type, the rest support it.
	members := []Member{
		withProviderPattern(member("a1", models.PlatformSlack, "acounting export", "user-9"), "OpenAI"),
		withProviderPattern(member("a2", models.PlatformGoogle, "acounting sync", "user-9"), "OpenAI"),
	}

	chains := New(2).Correlate("org-1", members, corrNow)
	require.Len(t, chains, 1)

	chain := chains[0]
	assert.Equal(t, models.CorrelationSharedCredentials, chain.Type)
	require.Len(t, chain.SupportingTypes, 2)
	assert.Equal(t, models.CorrelationSameAIProvider, chain.SupportingTypes[0])
	assert.Equal(t, models.CorrelationSimilarNaming, chain.SupportingTypes[1])
	assert.Greater(t, chain.Confidence, typeStrength[models.CorrelationSharedCredentials])
	assert.LessOrEqual(t, chain.Confidence, 0.95)
}

func TestCorrelateDataFlowChain(t *testing.T) {
	// a1 writes customer records, a2 reads them, a3 touches an unrelated
	// target and stays out of the chain.
	members := []Member{
		withEvents(member("a1", models.PlatformGoogle, "Export Job", ""), "files.export", "customer_records", 5),
		withEvents(member("a2", models.PlatformSlack, "Import Bot", ""), "files.read", "customer_records", 5),
		withEvents(member("a3", models.PlatformSlack, "Other Bot", ""), "files.read", "invoices", 5),
	}

	chains := New(2).Correlate("org-1", members, corrNow)
	require.Len(t, chains, 1)

	chain := chains[0]
	assert.Equal(t, models.CorrelationDataFlowChain, chain.Type)
	assert.ElementsMatch(t, []string{"a1", "a2"}, chain.AutomationIDs)
	assert.True(t, chain.CrossPlatformChain)
}

func TestCorrelateSimilarTimingFromCoordinationClusters(t *testing.T) {
	cluster := []string{"a1", "a2", "a3"}
	members := []Member{
		withClusterPattern(member("a1", models.PlatformSlack, "Nightly One", ""), cluster),
		withClusterPattern(member("a2", models.PlatformSlack, "Nightly Two", ""), cluster),
		withClusterPattern(member("a3", models.PlatformGoogle, "Nightly Three", ""), cluster),
		member("a4", models.PlatformSlack, "Unrelated", ""),
	}

	chains := New(3).Correlate("org-1", members, corrNow)
	require.Len(t, chains, 1)
	assert.Equal(t, models.CorrelationSimilarTiming, chains[0].Type)
	assert.ElementsMatch(t, []string{"a1", "a2", "a3"}, chains[0].AutomationIDs)
}

func TestCorrelateGroupsBelowMinimumDiscarded(t *testing.T) {
	members := []Member{
		withProviderPattern(member("a1", models.PlatformSlack, "Bot One", ""), "Mistral"),
		withProviderPattern(member("a2", models.PlatformSlack, "Bot Two", ""), "Mistral"),
	}

	assert.Empty(t, New(3).Correlate("org-1", members, corrNow))
}

func TestCorrelateShortNamesAreNotGrouped(t *testing.T) {
	members := []Member{
		member("a1", models.PlatformSlack, "AI helper", ""),
		member("a2", models.PlatformSlack, "AI export", ""),
	}

	assert.Empty(t, New(2).Correlate("org-1", members, corrNow))
}

func TestNameToken(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"Attio CRM", "attio"},
		{"attio-sync", "attio"},
		{"  Zapier  ", "zapier"},
		{"AI", ""},
		{"", ""},
		{"x1 bot", ""},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, nameToken(tc.name), "name %q", tc.name)
	}
}
