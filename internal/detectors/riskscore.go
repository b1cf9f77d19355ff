package detectors

import (
	"math"
	"time"

	"github.com/skylight-sec/skylight/internal/models"
)

// Sub-score weights for the overall risk combination.
const (
	weightPermission = 0.35
	weightDataAccess = 0.25
	weightActivity   = 0.25
	weightOwnership  = 0.15
)

// ScoreRisk combines permission, data-access, activity, and ownership
// sub-scores with the automation's detection patterns into an overall
// 0-100 score and a level via the organization's thresholds. Patterns are
// considered in severity-then-confidence order.
func ScoreRisk(w Window, patterns []models.DetectionPattern, thresholds models.RiskThresholds) models.RiskAssessment {
	ordered := OrderPatterns(patterns)

	sub := models.RiskSubScores{
		Permission: permissionScore(w.Automation.Permissions),
		DataAccess: dataAccessScore(w.Events),
		Activity:   activityScore(ordered),
		Ownership:  ownershipScore(w.Automation),
	}

	score := sub.Permission*weightPermission +
		sub.DataAccess*weightDataAccess +
		sub.Activity*weightActivity +
		sub.Ownership*weightOwnership

	// Severe detections floor the overall score: a critical pattern keeps
	// an otherwise quiet automation from scoring low.
	for _, pat := range ordered {
		floor := severityFloor(pat.Severity) * (pat.Confidence / 100)
		if floor > score {
			score = floor
		}
	}
	score = clamp(score, 0, 100)

	return models.RiskAssessment{
		OrganizationID: w.Automation.OrganizationID,
		AutomationID:   w.Automation.ID,
		Level:          thresholds.LevelFor(score),
		Score:          math.Round(score*100) / 100,
		SubScores:      sub,
		AssessedAt:     w.Now,
	}
}

func severityFloor(s models.Severity) float64 {
	switch s {
	case models.SeverityCritical:
		return 95
	case models.SeverityHigh:
		return 75
	case models.SeverityMedium:
		return 50
	default:
		return 20
	}
}

// permissionScore rates the granted scope set: breadth plus sensitivity.
func permissionScore(scopes []string) float64 {
	if len(scopes) == 0 {
		return 10
	}
	breadth := clamp(float64(len(scopes))*6, 0, 60)
	sensitive := clamp(float64(countSensitive(scopes))*15, 0, 40)
	return clamp(breadth+sensitive, 0, 100)
}

// dataAccessScore rates observed data movement in the window.
func dataAccessScore(events []models.ActivityEvent) float64 {
	var bytes, records int64
	for _, e := range events {
		bytes += e.BytesRead
		records += e.Records
	}
	if bytes == 0 && records == 0 {
		return 5
	}
	byteScore := clamp(math.Log10(float64(bytes)+1)*10, 0, 60)
	recordScore := clamp(math.Log10(float64(records)+1)*12, 0, 40)
	return clamp(byteScore+recordScore, 0, 100)
}

// activityScore rates the detection pressure on this automation.
func activityScore(ordered []models.DetectionPattern) float64 {
	if len(ordered) == 0 {
		return 5
	}
	score := 0.0
	for i, pat := range ordered {
		// Diminishing contribution down the ordered list.
		contribution := severityFloor(pat.Severity) * (pat.Confidence / 100) / float64(i+1)
		score += contribution
	}
	return clamp(score, 0, 100)
}

// ownershipScore rates accountability: ownerless or stale automations are
// riskier than fresh, attributed ones.
func ownershipScore(a models.DiscoveredAutomation) float64 {
	score := 20.0
	if a.OwnerUserID == "" {
		score += 50
	}
	if age := time.Since(a.FirstDiscoveredAt); age > 180*24*time.Hour {
		score += 20
	}
	if !a.IsActive {
		score -= 10
	}
	return clamp(score, 0, 100)
}
