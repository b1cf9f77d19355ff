package detectors

import (
	"strings"

	"github.com/skylight-sec/skylight/internal/models"
)

// permissionEscalationDetector compares the automation's current scope set
// against its historical sets and flags monotonic growth. Scope churn
// (grants and revocations) is not escalation.
type permissionEscalationDetector struct{}

func (d *permissionEscalationDetector) Type() models.PatternType {
	return models.PatternPermissionGrowth
}

func (d *permissionEscalationDetector) Detect(w Window, p Params) []models.DetectionPattern {
	if len(w.PriorScopes) == 0 {
		return nil
	}

	sets := make([][]string, 0, len(w.PriorScopes)+1)
	sets = append(sets, w.PriorScopes...)
	sets = append(sets, w.Automation.Permissions)

	// Monotonic growth: every later set contains the previous one and at
	// least one step strictly grows.
	grew := false
	for i := 1; i < len(sets); i++ {
		if !containsAll(sets[i], sets[i-1]) {
			return nil
		}
		if len(sets[i]) > len(sets[i-1]) {
			grew = true
		}
	}
	if !grew {
		return nil
	}

	first, last := sets[0], sets[len(sets)-1]
	added := diffScopes(last, first)
	sensitive := countSensitive(added)

	severity := models.SeverityMedium
	if sensitive > 0 {
		severity = models.SeverityHigh
	}
	confidence := clamp(60+float64(len(added))*5+float64(sensitive)*10, 60, 95)

	return []models.DetectionPattern{pattern(w, d.Type(), severity, confidence, map[string]any{
		"initialScopeCount": len(first),
		"currentScopeCount": len(last),
		"addedScopes":       added,
		"sensitiveAdded":    sensitive,
		"observations":      len(sets),
	})}
}

func containsAll(set, subset []string) bool {
	have := make(map[string]struct{}, len(set))
	for _, s := range set {
		have[s] = struct{}{}
	}
	for _, s := range subset {
		if _, ok := have[s]; !ok {
			return false
		}
	}
	return true
}

func diffScopes(set, base []string) []string {
	have := make(map[string]struct{}, len(base))
	for _, s := range base {
		have[s] = struct{}{}
	}
	var added []string
	for _, s := range set {
		if _, ok := have[s]; !ok {
			added = append(added, s)
		}
	}
	return added
}

// sensitiveScopeMarkers are substrings that indicate write or admin reach.
var sensitiveScopeMarkers = []string{
	"admin", "write", "delete", "manage", "full", "all", "directory", "mail",
}

func countSensitive(scopes []string) int {
	n := 0
	for _, s := range scopes {
		lower := strings.ToLower(s)
		for _, marker := range sensitiveScopeMarkers {
			if strings.Contains(lower, marker) {
				n++
				break
			}
		}
	}
	return n
}
