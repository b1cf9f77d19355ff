// Package analytics serves read-only aggregations over persisted discovery
// state. Every query is scoped to one organization and aggregates in memory
// over the tenant's automation set, which is bounded by discovery scope.
package analytics

import (
	"context"
	"sort"
	"time"

	apperr "github.com/skylight-sec/skylight/internal/errors"
	"github.com/skylight-sec/skylight/internal/models"
	"github.com/skylight-sec/skylight/internal/store"
)

// Range selects the trend window length.
type Range string

const (
	RangeWeek    Range = "week"
	RangeMonth   Range = "month"
	RangeQuarter Range = "quarter"
)

// Days returns the number of daily points in the range, today included.
func (r Range) Days() int {
	switch r {
	case RangeMonth:
		return 31
	case RangeQuarter:
		return 91
	default:
		return 8
	}
}

// ParseRange validates a range query parameter. Empty defaults to week.
func ParseRange(raw string) (Range, error) {
	switch raw {
	case "", string(RangeWeek):
		return RangeWeek, nil
	case string(RangeMonth):
		return RangeMonth, nil
	case string(RangeQuarter):
		return RangeQuarter, nil
	default:
		return "", apperr.Newf(apperr.KindValidationFailed, "analytics.range", "unknown range %q", raw)
	}
}

// platformColors is a stable palette so dashboard charts keep their colors
// across reloads.
var platformColors = map[models.Platform]string{
	models.PlatformSlack:     "#4A154B",
	models.PlatformGoogle:    "#4285F4",
	models.PlatformMicrosoft: "#0078D4",
	models.PlatformChatGPT:   "#10A37F",
	models.PlatformClaude:    "#D97757",
	models.PlatformGemini:    "#8E75B2",
}

const fallbackColor = "#6B7280"

// Service answers dashboard analytics queries.
type Service struct {
	store *store.Store
	now   func() time.Time
}

func New(st *store.Store) *Service {
	return &Service{store: st, now: time.Now}
}

// Query carries the options shared by every aggregation.
type Query struct {
	// IncludeInactive adds soft-expired automations to the aggregates.
	IncludeInactive bool
}

// scored pairs an automation with its newest risk assessment. Automations
// never assessed carry a zero score and rank as low.
type scored struct {
	automation models.DiscoveredAutomation
	score      float64
	level      models.Severity
	assessed   bool
}

func (s *Service) load(ctx context.Context, orgID string, q Query) ([]scored, error) {
	automations, err := s.store.ListAutomations(ctx, orgID, store.AutomationFilter{IncludeInactive: q.IncludeInactive})
	if err != nil {
		return nil, err
	}
	risks, err := s.store.CurrentRisks(ctx, orgID)
	if err != nil {
		return nil, err
	}
	out := make([]scored, 0, len(automations))
	for _, a := range automations {
		sc := scored{automation: a, level: models.SeverityLow}
		if r, ok := risks[a.ID]; ok {
			sc.score = r.Score
			sc.level = r.Level
			sc.assessed = true
		}
		out = append(out, sc)
	}
	return out, nil
}

// dayIndex maps a timestamp onto the trailing window [start, start+n days).
// Returns -1 when the timestamp falls outside the window.
func dayIndex(ts, start time.Time, n int) int {
	if ts.Before(start) {
		return -1
	}
	idx := int(ts.Sub(start).Hours() / 24)
	if idx < 0 || idx >= n {
		return -1
	}
	return idx
}

func windowStart(now time.Time, days int) time.Time {
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return day.AddDate(0, 0, -(days - 1))
}

func dayLabels(start time.Time, n int) []string {
	labels := make([]string, n)
	for i := range labels {
		labels[i] = start.AddDate(0, 0, i).Format("2006-01-02")
	}
	return labels
}

// RiskTrends is a daily per-severity series over the requested range.
type RiskTrends struct {
	Range            Range                     `json:"range"`
	Labels           []string                  `json:"labels"`
	Datasets         map[models.Severity][]int `json:"datasets"`
	AverageRiskScore []float64                 `json:"averageRiskScore"`
}

// RiskTrends buckets automations by discovery day and reports, per day, how
// many landed in each severity plus the mean risk score of that day's
// discoveries. Empty organizations get zero-filled series of full length.
func (s *Service) RiskTrends(ctx context.Context, orgID string, rng Range, q Query) (RiskTrends, error) {
	n := rng.Days()
	start := windowStart(s.now().UTC(), n)

	out := RiskTrends{
		Range:            rng,
		Labels:           dayLabels(start, n),
		Datasets:         make(map[models.Severity][]int, 4),
		AverageRiskScore: make([]float64, n),
	}
	for _, level := range []models.Severity{models.SeverityCritical, models.SeverityHigh, models.SeverityMedium, models.SeverityLow} {
		out.Datasets[level] = make([]int, n)
	}

	items, err := s.load(ctx, orgID, q)
	if err != nil {
		return RiskTrends{}, err
	}

	sums := make([]float64, n)
	counts := make([]int, n)
	for _, it := range items {
		idx := dayIndex(it.automation.FirstDiscoveredAt.UTC(), start, n)
		if idx < 0 {
			continue
		}
		out.Datasets[it.level][idx]++
		sums[idx] += it.score
		counts[idx]++
	}
	for i := range sums {
		if counts[i] > 0 {
			out.AverageRiskScore[i] = sums[i] / float64(counts[i])
		}
	}
	return out, nil
}

// PlatformSlice is one platform's share of the recent automation set.
type PlatformSlice struct {
	Platform   models.Platform `json:"platform"`
	Count      int             `json:"count"`
	Percentage float64         `json:"percentage"`
	HighRisk   int             `json:"highRiskCount"`
	Color      string          `json:"color"`
}

// PlatformDistribution reports per-platform counts over a 30-day activity
// window, with high and critical automations counted separately.
func (s *Service) PlatformDistribution(ctx context.Context, orgID string, q Query) ([]PlatformSlice, error) {
	items, err := s.load(ctx, orgID, q)
	if err != nil {
		return nil, err
	}
	cutoff := s.now().UTC().AddDate(0, 0, -30)

	byPlatform := make(map[models.Platform]*PlatformSlice)
	total := 0
	for _, it := range items {
		if it.automation.LastSeenAt.Before(cutoff) {
			continue
		}
		slice, ok := byPlatform[it.automation.Platform]
		if !ok {
			color, known := platformColors[it.automation.Platform]
			if !known {
				color = fallbackColor
			}
			slice = &PlatformSlice{Platform: it.automation.Platform, Color: color}
			byPlatform[it.automation.Platform] = slice
		}
		slice.Count++
		total++
		if it.level.Rank() >= models.SeverityHigh.Rank() {
			slice.HighRisk++
		}
	}

	out := make([]PlatformSlice, 0, len(byPlatform))
	for _, slice := range byPlatform {
		if total > 0 {
			slice.Percentage = float64(slice.Count) / float64(total) * 100
		}
		out = append(out, *slice)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Platform < out[j].Platform
	})
	return out, nil
}

// AutomationGrowth is a daily new/cumulative series plus a growth rate over
// the window, as a percentage of the pre-window population.
type AutomationGrowth struct {
	Range      Range    `json:"range"`
	Labels     []string `json:"labels"`
	New        []int    `json:"new"`
	Cumulative []int    `json:"cumulative"`
	GrowthRate float64  `json:"growthRate"`
}

func (s *Service) AutomationGrowth(ctx context.Context, orgID string, rng Range, q Query) (AutomationGrowth, error) {
	n := rng.Days()
	start := windowStart(s.now().UTC(), n)

	out := AutomationGrowth{
		Range:      rng,
		Labels:     dayLabels(start, n),
		New:        make([]int, n),
		Cumulative: make([]int, n),
	}

	items, err := s.load(ctx, orgID, q)
	if err != nil {
		return AutomationGrowth{}, err
	}

	before := 0
	newInWindow := 0
	for _, it := range items {
		first := it.automation.FirstDiscoveredAt.UTC()
		if first.Before(start) {
			before++
			continue
		}
		if idx := dayIndex(first, start, n); idx >= 0 {
			out.New[idx]++
			newInWindow++
		}
	}
	running := before
	for i := range out.Cumulative {
		running += out.New[i]
		out.Cumulative[i] = running
	}
	if before > 0 {
		out.GrowthRate = float64(newInWindow) / float64(before) * 100
	} else if newInWindow > 0 {
		out.GrowthRate = 100
	}
	return out, nil
}

// TopRisk is one entry of the ranked risk list.
type TopRisk struct {
	Automation models.DiscoveredAutomation `json:"automation"`
	RiskLevel  models.Severity             `json:"riskLevel"`
	RiskScore  float64                     `json:"riskScore"`
}

// TopRisks ranks automations by (level desc, score desc, last seen desc)
// and returns at most limit entries.
func (s *Service) TopRisks(ctx context.Context, orgID string, limit int, q Query) ([]TopRisk, error) {
	if limit <= 0 {
		limit = 10
	}
	items, err := s.load(ctx, orgID, q)
	if err != nil {
		return nil, err
	}

	ranked := make([]TopRisk, 0, len(items))
	for _, it := range items {
		ranked = append(ranked, TopRisk{Automation: it.automation, RiskLevel: it.level, RiskScore: it.score})
	}
	sort.Slice(ranked, func(i, j int) bool {
		ri, rj := ranked[i].RiskLevel.Rank(), ranked[j].RiskLevel.Rank()
		if ri != rj {
			return ri > rj
		}
		if ranked[i].RiskScore != ranked[j].RiskScore {
			return ranked[i].RiskScore > ranked[j].RiskScore
		}
		return ranked[i].Automation.LastSeenAt.After(ranked[j].Automation.LastSeenAt)
	})
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked, nil
}

// Summary is the dashboard headline block. Deltas compare the trailing
// 30 days against the 30 days before that.
type Summary struct {
	TotalAutomations  int                     `json:"totalAutomations"`
	ByLevel           map[models.Severity]int `json:"byLevel"`
	PlatformCount     int                     `json:"platformCount"`
	AffectedUsers     int                     `json:"affectedUsers"`
	NewThisPeriod     int                     `json:"newThisPeriod"`
	NewPreviousPeriod int                     `json:"newPreviousPeriod"`
	GrowthDelta       int                     `json:"growthDelta"`
}

func (s *Service) Summary(ctx context.Context, orgID string, q Query) (Summary, error) {
	items, err := s.load(ctx, orgID, q)
	if err != nil {
		return Summary{}, err
	}

	now := s.now().UTC()
	periodStart := now.AddDate(0, 0, -30)
	previousStart := now.AddDate(0, 0, -60)

	out := Summary{
		ByLevel: map[models.Severity]int{
			models.SeverityCritical: 0,
			models.SeverityHigh:     0,
			models.SeverityMedium:   0,
			models.SeverityLow:      0,
		},
	}
	platforms := make(map[models.Platform]bool)
	owners := make(map[string]bool)
	for _, it := range items {
		out.TotalAutomations++
		out.ByLevel[it.level]++
		platforms[it.automation.Platform] = true
		if owner := it.automation.OwnerUserID; owner != "" {
			owners[owner] = true
		}
		first := it.automation.FirstDiscoveredAt.UTC()
		switch {
		case !first.Before(periodStart):
			out.NewThisPeriod++
		case !first.Before(previousStart):
			out.NewPreviousPeriod++
		}
	}
	out.PlatformCount = len(platforms)
	out.AffectedUsers = len(owners)
	out.GrowthDelta = out.NewThisPeriod - out.NewPreviousPeriod
	return out, nil
}

// HeatmapRow is one platform's severity spread.
type HeatmapRow struct {
	Platform models.Platform         `json:"platform"`
	Counts   map[models.Severity]int `json:"counts"`
}

// Heatmap counts automations per platform and severity. Every row carries
// all four severity cells so the grid is never ragged.
func (s *Service) Heatmap(ctx context.Context, orgID string, q Query) ([]HeatmapRow, error) {
	items, err := s.load(ctx, orgID, q)
	if err != nil {
		return nil, err
	}

	rows := make(map[models.Platform]*HeatmapRow)
	for _, it := range items {
		row, ok := rows[it.automation.Platform]
		if !ok {
			row = &HeatmapRow{
				Platform: it.automation.Platform,
				Counts: map[models.Severity]int{
					models.SeverityCritical: 0,
					models.SeverityHigh:     0,
					models.SeverityMedium:   0,
					models.SeverityLow:      0,
				},
			}
			rows[it.automation.Platform] = row
		}
		row.Counts[it.level]++
	}

	out := make([]HeatmapRow, 0, len(rows))
	for _, row := range rows {
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Platform < out[j].Platform })
	return out, nil
}

// TypeSlice is one automation type's share and mean risk.
type TypeSlice struct {
	Type             models.AutomationType `json:"type"`
	Count            int                   `json:"count"`
	Percentage       float64               `json:"percentage"`
	AverageRiskScore float64               `json:"averageRiskScore"`
}

func (s *Service) TypeDistribution(ctx context.Context, orgID string, q Query) ([]TypeSlice, error) {
	items, err := s.load(ctx, orgID, q)
	if err != nil {
		return nil, err
	}

	type agg struct {
		count int
		sum   float64
	}
	byType := make(map[models.AutomationType]*agg)
	for _, it := range items {
		a, ok := byType[it.automation.Type]
		if !ok {
			a = &agg{}
			byType[it.automation.Type] = a
		}
		a.count++
		a.sum += it.score
	}

	out := make([]TypeSlice, 0, len(byType))
	for typ, a := range byType {
		slice := TypeSlice{Type: typ, Count: a.count}
		if len(items) > 0 {
			slice.Percentage = float64(a.count) / float64(len(items)) * 100
		}
		if a.count > 0 {
			slice.AverageRiskScore = a.sum / float64(a.count)
		}
		out = append(out, slice)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Type < out[j].Type
	})
	return out, nil
}
