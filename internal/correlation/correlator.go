// Package correlation links automations within one organization into
// chains after a discovery run. The correlator borrows automations across
// connections but never owns them; chains reference members by id only.
package correlation

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/skylight-sec/skylight/internal/models"
)

// Member is one recently-active automation with its detection context.
type Member struct {
	Automation models.DiscoveredAutomation
	Patterns   []models.DetectionPattern
	Events     []models.ActivityEvent
}

// Per-type base strengths. Shared credentials is the strongest signal;
// naming similarity the weakest.
var typeStrength = map[models.CorrelationType]float64{
	models.CorrelationSharedCredentials: 0.85,
	models.CorrelationSameAIProvider:    0.75,
	models.CorrelationDataFlowChain:     0.7,
	models.CorrelationSimilarTiming:     0.6,
	models.CorrelationSimilarNaming:     0.45,
}

// Correlator groups automations into chains.
type Correlator struct {
	minGroupSize int
}

// New creates a correlator. Groups below minGroupSize are discarded.
func New(minGroupSize int) *Correlator {
	if minGroupSize < 2 {
		minGroupSize = 2
	}
	return &Correlator{minGroupSize: minGroupSize}
}

// Correlate produces chains for the given members. Each chain's primary
// type is the strongest signal that formed it; every other type linking
// the same members is recorded as supporting and raises confidence.
func (c *Correlator) Correlate(orgID string, members []Member, now time.Time) []models.CorrelationChain {
	if len(members) < c.minGroupSize {
		return nil
	}

	groupings := map[models.CorrelationType][][]int{
		models.CorrelationSameAIProvider:    groupByProvider(members),
		models.CorrelationSimilarTiming:     groupByTiming(members),
		models.CorrelationDataFlowChain:     groupByDataFlow(members),
		models.CorrelationSharedCredentials: groupByOwner(members),
		models.CorrelationSimilarNaming:     groupByNaming(members),
	}

	// Strongest type first so a group already claimed by a stronger
	// signal is not re-emitted under a weaker one.
	ordered := make([]models.CorrelationType, 0, len(groupings))
	for t := range groupings {
		ordered = append(ordered, t)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if typeStrength[ordered[i]] != typeStrength[ordered[j]] {
			return typeStrength[ordered[i]] > typeStrength[ordered[j]]
		}
		return ordered[i] < ordered[j]
	})

	var chains []models.CorrelationChain
	claimed := map[string]struct{}{}
	for _, primary := range ordered {
		for _, group := range groupings[primary] {
			if len(group) < c.minGroupSize {
				continue
			}
			key := groupKey(members, group)
			if _, done := claimed[key]; done {
				continue
			}
			claimed[key] = struct{}{}

			supporting := supportingTypes(group, primary, groupings)
			chains = append(chains, buildChain(orgID, members, group, primary, supporting, now))
		}
	}
	return chains
}

func buildChain(orgID string, members []Member, group []int, primary models.CorrelationType, supporting []models.CorrelationType, now time.Time) models.CorrelationChain {
	ids := make([]string, len(group))
	platforms := map[models.Platform]struct{}{}
	for i, idx := range group {
		ids[i] = members[idx].Automation.ID
		platforms[members[idx].Automation.Platform] = struct{}{}
	}
	sort.Strings(ids)

	// Confidence combines the primary strength with a bonus per distinct
	// supporting type.
	confidence := typeStrength[primary]
	for _, t := range supporting {
		confidence += typeStrength[t] * 0.15
	}
	if confidence > 0.95 {
		confidence = 0.95
	}

	return models.CorrelationChain{
		ID:                 uuid.NewString(),
		OrganizationID:     orgID,
		AutomationIDs:      ids,
		Type:               primary,
		SupportingTypes:    supporting,
		Confidence:         confidence,
		CrossPlatformChain: len(platforms) >= 2,
		Description:        describeChain(primary, len(ids), len(platforms)),
		CreatedAt:          now,
	}
}

func describeChain(t models.CorrelationType, size, platforms int) string {
	scope := "one platform"
	if platforms >= 2 {
		scope = fmt.Sprintf("%d platforms", platforms)
	}
	switch t {
	case models.CorrelationSameAIProvider:
		return fmt.Sprintf("%d automations across %s call the same AI provider", size, scope)
	case models.CorrelationSimilarTiming:
		return fmt.Sprintf("%d automations across %s act on a coordinated schedule", size, scope)
	case models.CorrelationDataFlowChain:
		return fmt.Sprintf("%d automations across %s form a data hand-off chain", size, scope)
	case models.CorrelationSharedCredentials:
		return fmt.Sprintf("%d automations across %s run under the same owner identity", size, scope)
	default:
		return fmt.Sprintf("%d automations across %s share a naming pattern", size, scope)
	}
}

// supportingTypes returns the other correlation types that also link every
// member of the group, sorted by strength descending.
func supportingTypes(group []int, primary models.CorrelationType, groupings map[models.CorrelationType][][]int) []models.CorrelationType {
	want := map[int]struct{}{}
	for _, idx := range group {
		want[idx] = struct{}{}
	}

	var out []models.CorrelationType
	for t, groups := range groupings {
		if t == primary {
			continue
		}
		for _, g := range groups {
			covered := 0
			for _, idx := range g {
				if _, ok := want[idx]; ok {
					covered++
				}
			}
			if covered == len(want) {
				out = append(out, t)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if typeStrength[out[i]] != typeStrength[out[j]] {
			return typeStrength[out[i]] > typeStrength[out[j]]
		}
		return out[i] < out[j]
	})
	return out
}

func groupKey(members []Member, group []int) string {
	ids := make([]string, len(group))
	for i, idx := range group {
		ids[i] = members[idx].Automation.ID
	}
	sort.Strings(ids)
	return strings.Join(ids, "|")
}

// groupByProvider groups members whose AI-provider patterns name the same
// provider.
func groupByProvider(members []Member) [][]int {
	byProvider := map[string][]int{}
	for i, m := range members {
		for _, p := range m.Patterns {
			if p.Type != models.PatternAIProvider {
				continue
			}
			var evidence struct {
				Provider string `json:"provider"`
			}
			if err := json.Unmarshal(p.Evidence, &evidence); err != nil || evidence.Provider == "" {
				continue
			}
			byProvider[evidence.Provider] = append(byProvider[evidence.Provider], i)
		}
	}
	return mapGroups(byProvider)
}

// groupByTiming reuses the coordination detector's clusters: members whose
// coordination patterns list the same cluster.
func groupByTiming(members []Member) [][]int {
	byCluster := map[string][]int{}
	for i, m := range members {
		for _, p := range m.Patterns {
			if p.Type != models.PatternCoordination {
				continue
			}
			var evidence struct {
				ClusterMembers []string `json:"clusterMembers"`
			}
			if err := json.Unmarshal(p.Evidence, &evidence); err != nil || len(evidence.ClusterMembers) == 0 {
				continue
			}
			key := strings.Join(evidence.ClusterMembers, "|")
			byCluster[key] = append(byCluster[key], i)
		}
	}
	return mapGroups(byCluster)
}

// groupByDataFlow links writers to readers of the same target class: an
// automation writing where another reads forms a hand-off edge; connected
// components become chains.
func groupByDataFlow(members []Member) [][]int {
	writers := map[string][]int{}
	readers := map[string][]int{}
	for i, m := range members {
		seenW, seenR := map[string]struct{}{}, map[string]struct{}{}
		for _, e := range m.Events {
			if e.TargetClass == "" {
				continue
			}
			if isWriteOp(e.Operation) {
				if _, ok := seenW[e.TargetClass]; !ok {
					seenW[e.TargetClass] = struct{}{}
					writers[e.TargetClass] = append(writers[e.TargetClass], i)
				}
			} else {
				if _, ok := seenR[e.TargetClass]; !ok {
					seenR[e.TargetClass] = struct{}{}
					readers[e.TargetClass] = append(readers[e.TargetClass], i)
				}
			}
		}
	}

	uf := newUnionFind(len(members))
	linked := map[int]bool{}
	for target, ws := range writers {
		rs := readers[target]
		for _, w := range ws {
			for _, r := range rs {
				if w != r {
					uf.union(w, r)
					linked[w], linked[r] = true, true
				}
			}
		}
	}

	components := map[int][]int{}
	for i := range members {
		if !linked[i] {
			continue
		}
		root := uf.find(i)
		components[root] = append(components[root], i)
	}
	return intGroups(components)
}

// groupByOwner groups automations attributed to the same platform user.
func groupByOwner(members []Member) [][]int {
	byOwner := map[string][]int{}
	for i, m := range members {
		owner := m.Automation.OwnerUserID
		if owner == "" {
			continue
		}
		byOwner[owner] = append(byOwner[owner], i)
	}
	return mapGroups(byOwner)
}

// groupByNaming groups automations sharing a normalized leading name token.
func groupByNaming(members []Member) [][]int {
	byToken := map[string][]int{}
	for i, m := range members {
		token := nameToken(m.Automation.Name)
		if token == "" {
			continue
		}
		byToken[token] = append(byToken[token], i)
	}
	return mapGroups(byToken)
}

// nameToken normalizes a display name to its leading token; tokens shorter
// than four characters are too generic to correlate on.
func nameToken(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		if r == ' ' || r == '-' || r == '_' || r == '.' {
			break
		}
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	token := b.String()
	if len(token) < 4 {
		return ""
	}
	return token
}

func isWriteOp(op string) bool {
	lower := strings.ToLower(op)
	for _, marker := range []string{"write", "create", "post", "upload", "insert", "update", "send", "export"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func mapGroups[K comparable](m map[K][]int) [][]int {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return fmt.Sprint(keys[i]) < fmt.Sprint(keys[j])
	})
	var out [][]int
	for _, k := range keys {
		if len(m[k]) >= 2 {
			out = append(out, dedupe(m[k]))
		}
	}
	return out
}

func intGroups(m map[int][]int) [][]int {
	roots := make([]int, 0, len(m))
	for r := range m {
		roots = append(roots, r)
	}
	sort.Ints(roots)
	var out [][]int
	for _, r := range roots {
		if len(m[r]) >= 2 {
			out = append(out, dedupe(m[r]))
		}
	}
	return out
}

func dedupe(in []int) []int {
	sort.Ints(in)
	out := in[:0]
	prev := -1
	for _, v := range in {
		if v != prev {
			out = append(out, v)
			prev = v
		}
	}
	return out
}

type unionFind struct {
	parent []int
}

func newUnionFind(n int) *unionFind {
	parent := make([]int, n)
	for i := range parent {
		parent[i] = i
	}
	return &unionFind{parent: parent}
}

func (u *unionFind) find(x int) int {
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]]
		x = u.parent[x]
	}
	return x
}

func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra != rb {
		u.parent[rb] = ra
	}
}
