// Package models holds the shared domain entities. Every persisted row
// carries an OrganizationID; repositories never return rows across tenants.
package models

import (
	"encoding/json"
	"time"
)

// Platform identifies a connected third-party platform.
type Platform string

const (
	PlatformSlack     Platform = "slack"
	PlatformGoogle    Platform = "google"
	PlatformMicrosoft Platform = "microsoft"
	PlatformChatGPT   Platform = "chatgpt"
	PlatformClaude    Platform = "claude"
	PlatformGemini    Platform = "gemini"
)

// KnownPlatforms lists every platform with a connector adapter.
var KnownPlatforms = []Platform{
	PlatformSlack, PlatformGoogle, PlatformMicrosoft,
	PlatformChatGPT, PlatformClaude, PlatformGemini,
}

// ConnectionStatus is the PlatformConnection lifecycle state.
type ConnectionStatus string

const (
	ConnectionPending      ConnectionStatus = "pending"
	ConnectionConnected    ConnectionStatus = "connected"
	ConnectionExpired      ConnectionStatus = "expired"
	ConnectionError        ConnectionStatus = "error"
	ConnectionDisconnected ConnectionStatus = "disconnected"
)

// RunStatus is the DiscoveryRun lifecycle state.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunPartial   RunStatus = "partial"
	RunFailed    RunStatus = "failed"
)

// Terminal reports whether the run can no longer change.
func (s RunStatus) Terminal() bool {
	return s == RunSucceeded || s == RunPartial || s == RunFailed
}

// Severity classifies detection patterns and risk levels.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities for comparisons (critical highest).
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// OrganizationSettings is the tenant-tunable subset of configuration.
type OrganizationSettings struct {
	RiskThresholds          RiskThresholds `json:"riskThresholds"`
	RetentionDays           int            `json:"retentionDays"`
	EnabledPlatforms        []Platform     `json:"enabledPlatforms"`
	DiscoveryFrequencyHours int            `json:"discoveryFrequencyHours"`
}

// DefaultOrganizationSettings returns the settings a new organization
// starts with: all platforms enabled, daily discovery, 90-day retention.
func DefaultOrganizationSettings() OrganizationSettings {
	return OrganizationSettings{
		RiskThresholds:          DefaultRiskThresholds,
		RetentionDays:           90,
		EnabledPlatforms:        KnownPlatforms,
		DiscoveryFrequencyHours: 24,
	}
}

// RiskThresholds maps risk scores onto levels.
type RiskThresholds struct {
	Medium   float64 `json:"medium"`
	High     float64 `json:"high"`
	Critical float64 `json:"critical"`
}

// DefaultRiskThresholds are used when the organization has no overrides.
var DefaultRiskThresholds = RiskThresholds{Medium: 40, High: 65, Critical: 85}

// LevelFor maps a 0-100 score to a severity level.
func (t RiskThresholds) LevelFor(score float64) Severity {
	switch {
	case score >= t.Critical:
		return SeverityCritical
	case score >= t.High:
		return SeverityHigh
	case score >= t.Medium:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Organization is a tenant.
type Organization struct {
	ID        string               `json:"id"`
	Name      string               `json:"name"`
	Tier      string               `json:"tier"`
	Settings  OrganizationSettings `json:"settings"`
	CreatedAt time.Time            `json:"createdAt"`
}

// ConnectionHealth is the latest health-check snapshot for a connection.
type ConnectionHealth struct {
	Healthy      bool      `json:"healthy"`
	CheckedAt    time.Time `json:"checkedAt"`
	LatencyMS    int64     `json:"latencyMs"`
	FailureCount int       `json:"failureCount"`
	LastError    string    `json:"lastError,omitempty"`
}

// PlatformConnection is an authorized relationship between an organization
// and a platform. Unique per (organization, platform, platform user).
type PlatformConnection struct {
	ID             string           `json:"id"`
	OrganizationID string           `json:"organizationId"`
	Platform       Platform         `json:"platform"`
	PlatformUserID string           `json:"platformUserId"`
	WorkspaceName  string           `json:"workspaceName,omitempty"`
	WorkspaceID    string           `json:"workspaceId,omitempty"`
	Status         ConnectionStatus `json:"status"`
	Scopes         []string         `json:"scopes"`
	Health         ConnectionHealth `json:"health"`
	CreatedAt      time.Time        `json:"createdAt"`
	UpdatedAt      time.Time        `json:"updatedAt"`
	LastDiscovery  *time.Time       `json:"lastDiscovery,omitempty"`
}

// Credentials is the plaintext OAuth credential payload. It only ever exists
// in memory; at rest it is the ciphertext in EncryptedCredentials.
type Credentials struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Scopes       []string  `json:"scopes,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Expired reports whether the access token has passed its expiry.
func (c Credentials) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// EncryptedCredentials is the at-rest form of Credentials.
type EncryptedCredentials struct {
	ConnectionID string    `json:"connectionId"`
	Ciphertext   []byte    `json:"-"`
	KeyVersion   int       `json:"keyVersion"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// DiscoveryRun is one end-to-end enumeration over a connection.
type DiscoveryRun struct {
	ID             string     `json:"id"`
	OrganizationID string     `json:"organizationId"`
	ConnectionID   string     `json:"connectionId"`
	Status         RunStatus  `json:"status"`
	Progress       int        `json:"progress"` // records processed so far
	Warnings       []string   `json:"warnings,omitempty"`
	StartedAt      time.Time  `json:"startedAt"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
}

// AutomationType classifies a discovered non-human actor.
type AutomationType string

const (
	AutomationBot            AutomationType = "bot"
	AutomationWebhook        AutomationType = "webhook"
	AutomationWorkflow       AutomationType = "workflow"
	AutomationScript         AutomationType = "script"
	AutomationServiceAccount AutomationType = "service_account"
	AutomationOAuthApp       AutomationType = "oauth_app"
)

// DiscoveredAutomation is a deduplicated sighting of an automation,
// unique per (connection, external id).
type DiscoveredAutomation struct {
	ID                string          `json:"id"`
	OrganizationID    string          `json:"organizationId"`
	ConnectionID      string          `json:"connectionId"`
	DiscoveryRunID    string          `json:"discoveryRunId"`
	ExternalID        string          `json:"externalId"`
	Type              AutomationType  `json:"type"`
	Name              string          `json:"name"`
	Platform          Platform        `json:"platform"`
	Permissions       []string        `json:"permissions,omitempty"`
	PlatformMetadata  json.RawMessage `json:"platformMetadata,omitempty"`
	VendorName        *string         `json:"vendorName,omitempty"`
	VendorGroup       *string         `json:"vendorGroup,omitempty"`
	VendorOverridden  bool            `json:"vendorOverridden,omitempty"`
	OwnerUserID       string          `json:"ownerUserId,omitempty"`
	IsActive          bool            `json:"isActive"`
	FirstDiscoveredAt time.Time       `json:"firstDiscoveredAt"`
	LastSeenAt        time.Time       `json:"lastSeenAt"`
}

// PatternType labels the detector that produced a pattern.
type PatternType string

const (
	PatternVelocity         PatternType = "velocity"
	PatternBatchOperation   PatternType = "batch_operation"
	PatternOffHours         PatternType = "off_hours"
	PatternTimingVariance   PatternType = "timing_variance"
	PatternPermissionGrowth PatternType = "permission_escalation"
	PatternDataVolume       PatternType = "data_volume"
	PatternAIProvider       PatternType = "ai_provider"
	PatternMLBehavioral     PatternType = "ml_behavioral"
	PatternRiskScore        PatternType = "risk_score"
	PatternQualitative      PatternType = "qualitative_validation"
	PatternCoordination     PatternType = "cross_actor_coordination"
)

// DetectionPattern is an append-only labeled observation about an automation.
type DetectionPattern struct {
	ID             string          `json:"id"`
	OrganizationID string          `json:"organizationId"`
	AutomationID   string          `json:"automationId"`
	RunID          string          `json:"runId,omitempty"`
	Type           PatternType     `json:"patternType"`
	Confidence     float64         `json:"confidence"` // 0-100
	Severity       Severity        `json:"severity"`
	Evidence       json.RawMessage `json:"evidence,omitempty"`
	DetectedAt     time.Time       `json:"detectedAt"`
}

// RiskSubScores are the weighted components of a risk assessment.
type RiskSubScores struct {
	Permission float64 `json:"permission"`
	DataAccess float64 `json:"dataAccess"`
	Activity   float64 `json:"activity"`
	Ownership  float64 `json:"ownership"`
}

// RiskAssessment is appended per run; the newest row is the current risk.
type RiskAssessment struct {
	ID             string        `json:"id"`
	OrganizationID string        `json:"organizationId"`
	AutomationID   string        `json:"automationId"`
	Level          Severity      `json:"riskLevel"`
	Score          float64       `json:"riskScore"` // 0-100
	SubScores      RiskSubScores `json:"subScores"`
	AssessedAt     time.Time     `json:"assessedAt"`
}

// FeedbackType classifies analyst feedback on a detection.
type FeedbackType string

const (
	FeedbackTruePositive  FeedbackType = "true_positive"
	FeedbackFalsePositive FeedbackType = "false_positive"
	FeedbackFalseNegative FeedbackType = "false_negative"
	FeedbackUncertain     FeedbackType = "uncertain"
)

// AutomationFeedback is an analyst verdict that drives threshold tuning.
type AutomationFeedback struct {
	ID                string          `json:"id"`
	OrganizationID    string          `json:"organizationId"`
	AutomationID      string          `json:"automationId"`
	UserID            string          `json:"userId"`
	Type              FeedbackType    `json:"feedbackType"`
	PatternType       PatternType     `json:"patternType,omitempty"`
	DetectionSnapshot json.RawMessage `json:"detectionSnapshot,omitempty"`
	Correction        string          `json:"correction,omitempty"`
	Features          json.RawMessage `json:"features,omitempty"`
	Status            string          `json:"status"`
	CreatedAt         time.Time       `json:"createdAt"`
}

// BehavioralBaseline is the per-organization learned profile of normal
// automation behavior. Rebuilt from at least minSampleSize recent
// automations; updated with an exponential moving average.
type BehavioralBaseline struct {
	OrganizationID    string                     `json:"organizationId"`
	VelocityMean      float64                    `json:"velocityMean"` // events per hour
	VelocityStdDev    float64                    `json:"velocityStdDev"`
	BusinessStartHour int                        `json:"businessStartHour"` // UTC, inclusive
	BusinessEndHour   int                        `json:"businessEndHour"`   // UTC, exclusive
	MeanDailyBytes    float64                    `json:"meanDailyBytes"`
	MeanDailyRecords  float64                    `json:"meanDailyRecords"`
	CommonScopes      map[string]float64         `json:"commonScopes"` // scope -> observed frequency [0,1]
	TypeDistribution  map[AutomationType]float64 `json:"typeDistribution"`
	SampleSize        int                        `json:"sampleSize"`
	Confidence        float64                    `json:"confidence"` // 0-1
	Status            string                     `json:"status"`     // learning | established
	LastUpdated       time.Time                  `json:"lastUpdated"`
	NextUpdateDue     time.Time                  `json:"nextUpdateDue"`
}

// Established reports whether the baseline has enough samples to gate
// baseline-dependent detectors.
func (b *BehavioralBaseline) Established() bool {
	return b != nil && b.Status == "established"
}

// CorrelationType labels why automations were linked into a chain.
type CorrelationType string

const (
	CorrelationSameAIProvider    CorrelationType = "same_ai_provider"
	CorrelationSimilarTiming     CorrelationType = "similar_timing"
	CorrelationDataFlowChain     CorrelationType = "data_flow_chain"
	CorrelationSharedCredentials CorrelationType = "shared_credentials"
	CorrelationSimilarNaming     CorrelationType = "similar_naming"
)

// CorrelationChain groups automations linked by shared properties.
type CorrelationChain struct {
	ID                 string            `json:"id"`
	OrganizationID     string            `json:"organizationId"`
	AutomationIDs      []string          `json:"automationIds"`
	Type               CorrelationType   `json:"correlationType"`
	SupportingTypes    []CorrelationType `json:"supportingTypes,omitempty"`
	Confidence         float64           `json:"confidence"` // 0-1
	CrossPlatformChain bool              `json:"crossPlatformChain"`
	Description        string            `json:"description"`
	CreatedAt          time.Time         `json:"createdAt"`
}

// AuditEntry is an immutable append-only audit record.
type AuditEntry struct {
	ID             string          `json:"id"`
	OrganizationID string          `json:"organizationId"`
	EventType      string          `json:"eventType"`
	Severity       string          `json:"severity"`
	Actor          string          `json:"actor"`
	Resource       string          `json:"resource"`
	Details        json.RawMessage `json:"details,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}

// ActivityEvent is a single normalized platform event inside a run window.
// Detectors consume slices of these; they never mutate them.
type ActivityEvent struct {
	AutomationID string    `json:"automationId"`
	ActorID      string    `json:"actorId,omitempty"`
	Operation    string    `json:"operation"`
	TargetClass  string    `json:"targetClass,omitempty"`
	BytesRead    int64     `json:"bytesRead,omitempty"`
	Records      int64     `json:"records,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}
