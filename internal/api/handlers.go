package api

import (
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/skylight-sec/skylight/internal/analytics"
	"github.com/skylight-sec/skylight/internal/auth"
	"github.com/skylight-sec/skylight/internal/discovery"
	apperr "github.com/skylight-sec/skylight/internal/errors"
	"github.com/skylight-sec/skylight/internal/models"
	"github.com/skylight-sec/skylight/internal/store"
)

// --- connections ---

func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalOr401(w, r)
	if !ok {
		return
	}
	conns, err := s.connections.List(r.Context(), principal.OrganizationID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"connections": conns})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	principal, ok := requireWriter(w, r)
	if !ok {
		return
	}
	if err := s.connections.Disconnect(r.Context(), principal.OrganizationID, mux.Vars(r)["id"]); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleOAuthAuthorize(w http.ResponseWriter, r *http.Request) {
	principal, ok := requireWriter(w, r)
	if !ok {
		return
	}
	platform := models.Platform(mux.Vars(r)["platform"])
	redirectURL, state, err := s.connections.BeginOAuth(r.Context(), principal.OrganizationID, platform)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"redirectUrl": redirectURL,
		"state":       state,
	})
}

// handleOAuthCallback lands the browser redirect from the platform. The
// state token produced by BeginOAuth carries the tenant binding, so the
// route itself is unauthenticated. Outcomes are reported back to the
// dashboard via query parameters.
func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	platform := models.Platform(mux.Vars(r)["platform"])
	q := r.URL.Query()
	state := q.Get("state")

	dashboard := s.cfg.PublicURL + "/connections"
	if denied := q.Get("error"); denied != "" {
		if state != "" {
			_ = s.connections.AbortOAuth(r.Context(), state)
		}
		http.Redirect(w, r, dashboard+"?error="+url.QueryEscape(denied), http.StatusFound)
		return
	}

	conn, err := s.connections.CompleteOAuth(r.Context(), platform, state, q.Get("code"))
	if err != nil {
		http.Redirect(w, r, dashboard+"?error="+url.QueryEscape(string(apperr.KindOf(err))), http.StatusFound)
		return
	}
	http.Redirect(w, r, dashboard+"?connected="+url.QueryEscape(conn.ID), http.StatusFound)
}

// --- discovery ---

func (s *Server) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	principal, ok := requireWriter(w, r)
	if !ok {
		return
	}
	run, err := s.engine.TriggerRun(r.Context(), principal.OrganizationID, mux.Vars(r)["connection_id"], false)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"run": run})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalOr401(w, r)
	if !ok {
		return
	}
	run, err := s.engine.Run(r.Context(), principal.OrganizationID, mux.Vars(r)["run_id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	detections, err := s.store.ListPatternsForRun(r.Context(), run.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run, "detections": detections})
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	principal, ok := requireWriter(w, r)
	if !ok {
		return
	}
	if err := s.engine.Cancel(r.Context(), principal.OrganizationID, mux.Vars(r)["run_id"]); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"success": true})
}

// --- automations ---

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

func (s *Server) handleListAutomations(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalOr401(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()

	switch q.Get("groupBy") {
	case "":
		s.listAutomationsFlat(w, r, principal)
	case "vendor":
		s.listAutomationsByVendor(w, r, principal)
	default:
		writeError(w, r, apperr.Newf(apperr.KindValidationFailed, "api.automations",
			"unsupported groupBy %q, only \"vendor\" is recognized", q.Get("groupBy")))
	}
}

func (s *Server) listAutomationsFlat(w http.ResponseWriter, r *http.Request, principal auth.Principal) {
	q := r.URL.Query()
	limit := defaultPageSize
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, r, apperr.Newf(apperr.KindValidationFailed, "api.automations", "limit must be a positive integer"))
			return
		}
		limit = min(n, maxPageSize)
	}

	automations, err := s.store.ListAutomations(r.Context(), principal.OrganizationID, store.AutomationFilter{
		Platform:        models.Platform(q.Get("platform")),
		IncludeInactive: q.Get("includeInactive") == "true",
		Cursor:          q.Get("cursor"),
		Limit:           limit,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := map[string]any{"automations": automations}
	if len(automations) == limit {
		resp["nextCursor"] = automations[len(automations)-1].ID
	}
	writeJSON(w, http.StatusOK, resp)
}

// vendorGroup is the grouped response shape for compliance reviews. Member
// automations keep their ids so findings stay addressable.
type vendorGroup struct {
	VendorName       string              `json:"vendorName"`
	Platform         models.Platform     `json:"platform"`
	ApplicationCount int                 `json:"applicationCount"`
	HighestRiskLevel models.Severity     `json:"highestRiskLevel"`
	Applications     []vendorApplication `json:"applications"`
}

type vendorApplication struct {
	Automation models.DiscoveredAutomation `json:"automation"`
	RiskLevel  models.Severity             `json:"riskLevel"`
	RiskScore  float64                     `json:"riskScore"`
	ScopeCount int                         `json:"scopeCount"`
}

func (s *Server) listAutomationsByVendor(w http.ResponseWriter, r *http.Request, principal auth.Principal) {
	ctx := r.Context()
	orgID := principal.OrganizationID

	automations, err := s.store.ListAutomations(ctx, orgID, store.AutomationFilter{
		Platform:        models.Platform(r.URL.Query().Get("platform")),
		IncludeInactive: r.URL.Query().Get("includeInactive") == "true",
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	risks, err := s.store.CurrentRisks(ctx, orgID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	groups := make(map[string]*vendorGroup)
	for _, a := range automations {
		key := "ungrouped:" + a.ID
		name := a.Name
		if a.VendorGroup != nil {
			key = *a.VendorGroup
			name = *a.VendorName
		}

		level, score := models.SeverityLow, 0.0
		if risk, scored := risks[a.ID]; scored {
			level, score = risk.Level, risk.Score
		}

		g, exists := groups[key]
		if !exists {
			g = &vendorGroup{VendorName: name, Platform: a.Platform, HighestRiskLevel: models.SeverityLow}
			groups[key] = g
		}
		g.ApplicationCount++
		if level.Rank() > g.HighestRiskLevel.Rank() {
			g.HighestRiskLevel = level
		}
		g.Applications = append(g.Applications, vendorApplication{
			Automation: a,
			RiskLevel:  level,
			RiskScore:  score,
			ScopeCount: len(a.Permissions),
		})
	}

	out := make([]vendorGroup, 0, len(groups))
	for _, g := range groups {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ApplicationCount != out[j].ApplicationCount {
			return out[i].ApplicationCount > out[j].ApplicationCount
		}
		return out[i].VendorName < out[j].VendorName
	})
	writeJSON(w, http.StatusOK, map[string]any{"vendorGroups": out})
}

func (s *Server) handleGetAutomation(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalOr401(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	orgID := principal.OrganizationID
	id := mux.Vars(r)["id"]

	automation, err := s.store.GetAutomation(ctx, orgID, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	detections, err := s.store.ListPatternsForAutomation(ctx, orgID, id, 20)
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := map[string]any{
		"automation": automation,
		"detections": detections,
	}
	if risk, scored, err := s.store.CurrentRisk(ctx, orgID, id); err == nil && scored {
		resp["currentRisk"] = risk
	}
	writeJSON(w, http.StatusOK, resp)
}

type vendorOverrideRequest struct {
	VendorName string `json:"vendorName"`
}

// handleOverrideVendor lets an operator pin the vendor attribution on an
// automation. An empty vendorName clears the override so the extractor's
// result applies again on the next sighting.
func (s *Server) handleOverrideVendor(w http.ResponseWriter, r *http.Request) {
	principal, ok := requireWriter(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	orgID := principal.OrganizationID
	id := mux.Vars(r)["id"]

	var req vendorOverrideRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	automation, err := s.store.GetAutomation(ctx, orgID, id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if req.VendorName == "" {
		err = s.store.OverrideVendor(ctx, orgID, id, nil, nil, false)
	} else {
		group := discovery.VendorGroup(req.VendorName, automation.Platform)
		err = s.store.OverrideVendor(ctx, orgID, id, &req.VendorName, &group, true)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}

	s.store.Audit(ctx, orgID, "vendor.override", "info", principal.UserID, id,
		map[string]string{"vendorName": req.VendorName})

	updated, err := s.store.GetAutomation(ctx, orgID, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"automation": updated})
}

// --- chains & feedback ---

func (s *Server) handleListChains(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalOr401(w, r)
	if !ok {
		return
	}
	chains, err := s.store.ListChains(r.Context(), principal.OrganizationID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chains": chains})
}

type feedbackRequest struct {
	AutomationID string              `json:"automationId"`
	FeedbackType models.FeedbackType `json:"feedbackType"`
	PatternType  models.PatternType  `json:"patternType,omitempty"`
	Correction   string              `json:"correction,omitempty"`
}

func (s *Server) handleCreateFeedback(w http.ResponseWriter, r *http.Request) {
	principal, ok := requireWriter(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	orgID := principal.OrganizationID

	var req feedbackRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	switch req.FeedbackType {
	case models.FeedbackTruePositive, models.FeedbackFalsePositive, models.FeedbackFalseNegative, models.FeedbackUncertain:
	default:
		writeError(w, r, apperr.Newf(apperr.KindValidationFailed, "api.feedback", "unknown feedback type %q", req.FeedbackType))
		return
	}

	// Ownership check before anything is written.
	if _, err := s.store.GetAutomation(ctx, orgID, req.AutomationID); err != nil {
		writeError(w, r, err)
		return
	}

	fb := models.AutomationFeedback{
		ID:             uuid.NewString(),
		OrganizationID: orgID,
		AutomationID:   req.AutomationID,
		UserID:         principal.UserID,
		Type:           req.FeedbackType,
		PatternType:    req.PatternType,
		Correction:     req.Correction,
		Status:         "received",
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.store.CreateFeedback(ctx, fb); err != nil {
		writeError(w, r, err)
		return
	}

	thresholds, err := s.baseline.AdjustThresholds(ctx, orgID, fb)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.store.Audit(ctx, orgID, "feedback.received", "info", principal.UserID, req.AutomationID,
		map[string]any{"feedbackType": req.FeedbackType, "patternType": req.PatternType})

	writeJSON(w, http.StatusCreated, map[string]any{
		"feedback":   fb,
		"thresholds": thresholds,
	})
}

func (s *Server) handleListFeedback(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalOr401(w, r)
	if !ok {
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = min(n, 500)
		}
	}
	feedback, err := s.store.ListFeedback(r.Context(), principal.OrganizationID, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"feedback": feedback})
}

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalOr401(w, r)
	if !ok {
		return
	}
	if principal.Role != auth.RoleAdmin {
		writeError(w, r, apperr.Newf(apperr.KindPermissionDenied, "api.audit", "audit log requires the admin role"))
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = min(n, 1000)
		}
	}
	entries, err := s.store.ListAuditEntries(r.Context(), principal.OrganizationID, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// --- analytics ---

func analyticsQuery(r *http.Request) analytics.Query {
	return analytics.Query{IncludeInactive: r.URL.Query().Get("includeInactive") == "true"}
}

func (s *Server) handleRiskTrends(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalOr401(w, r)
	if !ok {
		return
	}
	rng, err := analytics.ParseRange(r.URL.Query().Get("range"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	trends, err := s.analytics.RiskTrends(r.Context(), principal.OrganizationID, rng, analyticsQuery(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, trends)
}

func (s *Server) handlePlatformDistribution(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalOr401(w, r)
	if !ok {
		return
	}
	dist, err := s.analytics.PlatformDistribution(r.Context(), principal.OrganizationID, analyticsQuery(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"platforms": dist})
}

func (s *Server) handleAutomationGrowth(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalOr401(w, r)
	if !ok {
		return
	}
	rng, err := analytics.ParseRange(r.URL.Query().Get("range"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	growth, err := s.analytics.AutomationGrowth(r.Context(), principal.OrganizationID, rng, analyticsQuery(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, growth)
}

func (s *Server) handleTopRisks(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalOr401(w, r)
	if !ok {
		return
	}
	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = min(n, 100)
		}
	}
	top, err := s.analytics.TopRisks(r.Context(), principal.OrganizationID, limit, analyticsQuery(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"topRisks": top})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalOr401(w, r)
	if !ok {
		return
	}
	sum, err := s.analytics.Summary(r.Context(), principal.OrganizationID, analyticsQuery(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleHeatmap(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalOr401(w, r)
	if !ok {
		return
	}
	rows, err := s.analytics.Heatmap(r.Context(), principal.OrganizationID, analyticsQuery(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"heatmap": rows})
}

func (s *Server) handleTypeDistribution(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalOr401(w, r)
	if !ok {
		return
	}
	dist, err := s.analytics.TypeDistribution(r.Context(), principal.OrganizationID, analyticsQuery(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"types": dist})
}
