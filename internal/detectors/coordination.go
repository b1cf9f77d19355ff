package detectors

import (
	"math"
	"sort"
	"time"

	"github.com/skylight-sec/skylight/internal/models"
)

const coordinationBucket = 5 * time.Minute

// DetectCoordination finds clusters of automations acting on coordinated
// schedules: distinct actors whose events repeatedly land in the same
// short time buckets. It runs over all windows of a pass at once and its
// clusters feed the correlator.
func DetectCoordination(windows []Window, minClusterSize int, now time.Time) []models.DetectionPattern {
	if minClusterSize < 2 {
		minClusterSize = 2
	}
	if len(windows) < minClusterSize {
		return nil
	}

	// Bucket each automation's events, then count distinct automations
	// per bucket.
	type member struct {
		windowIdx int
		hits      int
	}
	buckets := map[int64]map[int]int{} // bucket -> windowIdx -> events
	for i, w := range windows {
		for _, e := range w.Events {
			b := e.Timestamp.Unix() / int64(coordinationBucket.Seconds())
			if buckets[b] == nil {
				buckets[b] = map[int]int{}
			}
			buckets[b][i]++
		}
	}

	// Co-occurrence: pairs of automations sharing many buckets form a
	// cluster. Count shared buckets per window.
	shared := map[int]int{}
	totalShared := 0
	for _, members := range buckets {
		if len(members) < minClusterSize {
			continue
		}
		totalShared++
		for idx := range members {
			shared[idx]++
		}
	}
	if totalShared < 3 {
		return nil
	}

	clustered := make([]member, 0, len(shared))
	for idx, hits := range shared {
		if hits >= 3 {
			clustered = append(clustered, member{windowIdx: idx, hits: hits})
		}
	}
	if len(clustered) < minClusterSize {
		return nil
	}
	sort.Slice(clustered, func(i, j int) bool { return clustered[i].windowIdx < clustered[j].windowIdx })

	ids := make([]string, len(clustered))
	for i, m := range clustered {
		ids[i] = windows[m.windowIdx].Automation.ID
	}

	var out []models.DetectionPattern
	for _, m := range clustered {
		w := windows[m.windowIdx]
		share := float64(m.hits) / float64(totalShared)
		confidence := clamp(40+share*60, 40, 95)
		severity := models.SeverityMedium
		if len(clustered) >= minClusterSize*2 {
			severity = models.SeverityHigh
		}
		wNow := w
		wNow.Now = now
		out = append(out, pattern(wNow, models.PatternCoordination, severity, confidence, map[string]any{
			"clusterSize":     len(clustered),
			"clusterMembers":  ids,
			"sharedBuckets":   m.hits,
			"bucketSeconds":   int(coordinationBucket.Seconds()),
			"bucketShare":     math.Round(share*100) / 100,
			"coordinatedWith": len(clustered) - 1,
		}))
	}
	return out
}
