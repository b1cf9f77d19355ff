// Package config loads the process-wide configuration snapshot. It is read
// once at startup from the environment (optionally seeded from a .env file)
// and never reloaded; tenants override the documented subset through
// Organization.Settings.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	ListenAddr  string
	DataDir     string
	PublicURL   string // external base URL used in OAuth redirect URIs
	CORSOrigins []string

	// Auth settings
	JWTSecret   string
	JWTAudience string
	JWTIssuer   string

	// Discovery settings
	DiscoveryFrequencyHours  int
	MaxConcurrentRunsPerOrg  int
	DiscoveryGraceWindow     time.Duration // soft-expire grace for unseen automations
	RefreshLeadTime          time.Duration // pre-expiry refresh margin
	HealthCheckInterval      time.Duration
	HealthCheckErrorInterval time.Duration // cadence when not connected

	// Detector settings
	VelocityZScore   float64
	BatchMinSize     int
	TimingMaxCV      float64
	OffHoursMinConf  float64
	DataVolumeFactor float64

	// Baseline settings
	BaselineMinSampleSize  int
	BaselineAdaptationRate float64

	// Real-time settings
	RealtimeIdleTimeout time.Duration

	// Qualitative validator settings
	ValidatorEnabled        bool
	ValidatorEndpoint       string
	ValidatorAPIKey         string
	ValidatorMaxCostPerRun  float64
	ValidatorMaxConcurrency int
	ValidatorTimeout        time.Duration

	// Logging settings
	LogLevel  string
	LogFormat string

	// Metrics
	MetricsEnabled bool

	// OAuth client registrations, keyed by platform name. Platforms
	// without a client id are not registered at startup.
	OAuthClients map[string]OAuthClient
}

// OAuthClient is one platform's OAuth app registration from the environment.
type OAuthClient struct {
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// Load reads configuration from the environment. A .env file beside the
// working directory is honored when present, matching local dev setups.
func Load() *Config {
	if err := godotenv.Load(); err == nil {
		log.Debug().Msg("Loaded environment from .env file")
	}

	cfg := &Config{
		ListenAddr:  envString("SKYLIGHT_LISTEN", ":8443"),
		DataDir:     envString("SKYLIGHT_DATA_DIR", "/var/lib/skylight"),
		PublicURL:   envString("SKYLIGHT_PUBLIC_URL", "http://localhost:8443"),
		CORSOrigins: envList("SKYLIGHT_CORS_ORIGINS"),

		JWTSecret:   envString("SKYLIGHT_JWT_SECRET", ""),
		JWTAudience: envString("SKYLIGHT_JWT_AUDIENCE", "skylight"),
		JWTIssuer:   envString("SKYLIGHT_JWT_ISSUER", "skylight-idp"),

		DiscoveryFrequencyHours:  envInt("DISCOVERY_FREQUENCY_HOURS", 24),
		MaxConcurrentRunsPerOrg:  envInt("DISCOVERY_MAX_CONCURRENT_RUNS_PER_ORG", 4),
		DiscoveryGraceWindow:     envDuration("DISCOVERY_GRACE_WINDOW", 48*time.Hour),
		RefreshLeadTime:          envDuration("CONNECTION_REFRESH_LEAD", 5*time.Minute),
		HealthCheckInterval:      envDuration("CONNECTION_HEALTH_INTERVAL", 15*time.Minute),
		HealthCheckErrorInterval: envDuration("CONNECTION_HEALTH_ERROR_INTERVAL", time.Hour),

		VelocityZScore:   envFloat("DETECTOR_VELOCITY_ZSCORE", 3.0),
		BatchMinSize:     envInt("DETECTOR_BATCH_MIN_SIZE", 5),
		TimingMaxCV:      envFloat("DETECTOR_TIMING_VARIANCE_MAX_CV", 0.05),
		OffHoursMinConf:  envFloat("DETECTOR_OFF_HOURS_MIN_CONFIDENCE", 0.7),
		DataVolumeFactor: envFloat("DETECTOR_DATA_VOLUME_FACTOR", 3.0),

		BaselineMinSampleSize:  envInt("BASELINE_MIN_SAMPLE_SIZE", 50),
		BaselineAdaptationRate: envFloat("BASELINE_ADAPTATION_RATE", 0.2),

		RealtimeIdleTimeout: envDuration("REALTIME_IDLE_TIMEOUT", 120*time.Second),

		ValidatorEnabled:        envBool("VALIDATOR_ENABLED", false),
		ValidatorEndpoint:       envString("VALIDATOR_ENDPOINT", ""),
		ValidatorAPIKey:         envString("VALIDATOR_API_KEY", ""),
		ValidatorMaxCostPerRun:  envFloat("VALIDATOR_MAX_COST_USD_PER_RUN", 0.50),
		ValidatorMaxConcurrency: envInt("VALIDATOR_MAX_CONCURRENCY", 2),
		ValidatorTimeout:        envDuration("VALIDATOR_TIMEOUT", 20*time.Second),

		LogLevel:  envString("LOG_LEVEL", "info"),
		LogFormat: envString("LOG_FORMAT", "auto"),

		MetricsEnabled: envBool("METRICS_ENABLED", true),
	}

	cfg.OAuthClients = loadOAuthClients()

	if cfg.JWTSecret == "" {
		log.Warn().Msg("SKYLIGHT_JWT_SECRET is not set; API and websocket auth will reject all tokens")
	}

	return cfg
}

// loadOAuthClients reads per-platform OAuth registrations, e.g.
// SLACK_CLIENT_ID / SLACK_CLIENT_SECRET / SLACK_SCOPES.
func loadOAuthClients() map[string]OAuthClient {
	out := make(map[string]OAuthClient)
	for _, platform := range []string{"slack", "google", "microsoft", "chatgpt", "claude", "gemini"} {
		prefix := strings.ToUpper(platform)
		id := envString(prefix+"_CLIENT_ID", "")
		if id == "" {
			continue
		}
		out[platform] = OAuthClient{
			ClientID:     id,
			ClientSecret: envString(prefix+"_CLIENT_SECRET", ""),
			Scopes:       envList(prefix + "_SCOPES"),
		}
	}
	return out
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid integer in environment, using default")
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid float in environment, using default")
		return def
	}
	return f
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid duration in environment, using default")
		return def
	}
	return d
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if s := strings.TrimSpace(part); s != "" {
			out = append(out, s)
		}
	}
	return out
}
