package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/skylight-sec/skylight/internal/analytics"
	"github.com/skylight-sec/skylight/internal/api"
	"github.com/skylight-sec/skylight/internal/auth"
	"github.com/skylight-sec/skylight/internal/baseline"
	"github.com/skylight-sec/skylight/internal/config"
	"github.com/skylight-sec/skylight/internal/connections"
	"github.com/skylight-sec/skylight/internal/connectors"
	"github.com/skylight-sec/skylight/internal/correlation"
	"github.com/skylight-sec/skylight/internal/crypto"
	"github.com/skylight-sec/skylight/internal/detectors"
	"github.com/skylight-sec/skylight/internal/discovery"
	apperr "github.com/skylight-sec/skylight/internal/errors"
	"github.com/skylight-sec/skylight/internal/logging"
	"github.com/skylight-sec/skylight/internal/models"
	"github.com/skylight-sec/skylight/internal/store"
	"github.com/skylight-sec/skylight/internal/validator"
	"github.com/skylight-sec/skylight/internal/websocket"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "skylight",
	Short:   "Skylight - shadow-AI and automation discovery platform",
	Long:    `Skylight discovers bots, workflows, and OAuth applications across connected SaaS platforms, scores them for risk, and correlates cross-platform automation chains.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Skylight %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

var rotateKeysCmd = &cobra.Command{
	Use:   "rotate-keys [organization-id]",
	Short: "Rotate master encryption keys and re-encrypt stored credentials",
	Long:  `Generates a new master key version for the given organization (or all organizations) and re-encrypts every stored credential under it. Old key versions are kept on disk so historical ciphertext stays readable until rotation completes.`,
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		orgID := ""
		if len(args) == 1 {
			orgID = args[0]
		}
		if err := runRotateKeys(orgID); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(rotateKeysCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer() {
	// Baseline logger for early startup; reconfigured once config is read.
	logging.Init(logging.Config{Format: "auto", Level: "info"})

	cfg := config.Load()
	logging.Init(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel})
	defer logging.Shutdown()

	log.Info().Str("version", Version).Msg("Starting Skylight server")

	st, err := store.Open(cfg.DataDir)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open store")
	}
	defer st.Close()

	keys, err := crypto.NewFileKeyProvider(cfg.DataDir)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load encryption keys")
	}
	vault := crypto.NewVault(keys, st)

	registry := buildRegistry(cfg)
	if len(registry.Platforms()) == 0 {
		log.Warn().Msg("No OAuth clients configured; no platforms can be connected")
	}

	verifier := auth.NewVerifier(cfg.JWTSecret, cfg.JWTAudience, cfg.JWTIssuer)

	hub := websocket.NewHub(verifier, cfg.RealtimeIdleTimeout)
	go hub.Run()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	manager := connections.NewManager(st, vault, registry, hub, connections.Options{
		RefreshLeadTime:          cfg.RefreshLeadTime,
		HealthCheckInterval:      cfg.HealthCheckInterval,
		HealthCheckErrorInterval: cfg.HealthCheckErrorInterval,
	})
	go manager.Run(ctx)

	bl := baseline.New(st, baseline.Config{
		MinSampleSize:  cfg.BaselineMinSampleSize,
		AdaptationRate: cfg.BaselineAdaptationRate,
	})

	var val *validator.Validator
	if cfg.ValidatorEnabled {
		val = validator.New(validator.Config{
			Enabled:        true,
			Endpoint:       cfg.ValidatorEndpoint,
			APIKey:         cfg.ValidatorAPIKey,
			MaxConcurrency: cfg.ValidatorMaxConcurrency,
			Timeout:        cfg.ValidatorTimeout,
		})
	}

	engine := discovery.NewEngine(st, manager, registry,
		detectors.NewSet(detectors.Config{
			VelocityZScore:   cfg.VelocityZScore,
			BatchMinSize:     cfg.BatchMinSize,
			TimingMaxCV:      cfg.TimingMaxCV,
			OffHoursMinConf:  cfg.OffHoursMinConf,
			DataVolumeFactor: cfg.DataVolumeFactor,
		}),
		bl,
		correlation.New(2),
		val,
		hub,
		discovery.Options{
			GraceWindow:             cfg.DiscoveryGraceWindow,
			MaxConcurrentRunsPerOrg: cfg.MaxConcurrentRunsPerOrg,
			ValidatorBudgetUSD:      cfg.ValidatorMaxCostPerRun,
		})

	scheduler := discovery.NewScheduler(st, engine, 5*time.Minute, cfg.DiscoveryFrequencyHours)
	go scheduler.Run(ctx)

	server := api.NewServer(cfg, verifier, st, manager, engine, analytics.New(st), bl,
		http.HandlerFunc(hub.HandleWebSocket), Version)

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
	case err := <-errCh:
		log.Error().Err(err).Msg("API server failed")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("API server shutdown incomplete")
	}

	cancel()
	engine.Wait()
	hub.Shutdown()
	log.Info().Msg("Shutdown complete")
}

func runRotateKeys(orgID string) error {
	logging.Init(logging.Config{Format: "auto", Level: "info"})
	cfg := config.Load()

	st, err := store.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	keys, err := crypto.NewFileKeyProvider(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("load encryption keys: %w", err)
	}
	vault := crypto.NewVault(keys, st)

	ctx := context.Background()
	var orgs []models.Organization
	if orgID != "" {
		org, err := st.GetOrganization(ctx, orgID)
		if err != nil {
			return err
		}
		orgs = []models.Organization{org}
	} else {
		if orgs, err = st.ListOrganizations(ctx); err != nil {
			return err
		}
	}

	for _, org := range orgs {
		// Decrypt everything under the old versions before the new key
		// becomes current, then re-seal.
		conns, err := st.ListConnections(ctx, org.ID)
		if err != nil {
			return err
		}

		version, err := keys.RotateMasterKey(ctx, org.ID)
		if err != nil {
			return fmt.Errorf("rotate key for %s: %w", org.ID, err)
		}

		resealed := 0
		for _, conn := range conns {
			creds, err := vault.Get(ctx, org.ID, conn.ID)
			if err != nil {
				// Pending and revoked connections have no stored ciphertext.
				if apperr.KindOf(err) == apperr.KindNotFound {
					continue
				}
				return fmt.Errorf("read credentials for %s: %w", conn.ID, err)
			}
			if _, err := vault.Rotate(ctx, org.ID, conn.ID, creds); err != nil {
				return fmt.Errorf("re-encrypt credentials for %s: %w", conn.ID, err)
			}
			resealed++
		}

		st.Audit(ctx, org.ID, "key.rotated", "info", "operator", org.ID,
			map[string]any{"keyVersion": version, "credentialsResealed": resealed})
		log.Info().Str("organizationId", org.ID).Int("keyVersion", version).
			Int("credentialsResealed", resealed).Msg("Master key rotated")
	}
	return nil
}

// buildRegistry registers an adapter for every platform with an OAuth
// client in the environment.
func buildRegistry(cfg *config.Config) *connectors.Registry {
	registry := connectors.NewRegistry()

	oauthApp := func(platform string, client config.OAuthClient) connectors.OAuthApp {
		return connectors.OAuthApp{
			ClientID:     client.ClientID,
			ClientSecret: client.ClientSecret,
			RedirectURL:  cfg.PublicURL + "/api/auth/callback/" + platform,
			Scopes:       client.Scopes,
		}
	}

	for platform, client := range cfg.OAuthClients {
		switch models.Platform(platform) {
		case models.PlatformSlack:
			registry.Register(connectors.NewSlackConnector(connectors.SlackConfig{
				App: oauthApp(platform, client),
			}))
		case models.PlatformGoogle:
			registry.Register(connectors.NewGoogleConnector(connectors.GoogleConfig{
				App: oauthApp(platform, client),
			}))
		case models.PlatformMicrosoft:
			registry.Register(connectors.NewMicrosoftConnector(connectors.MicrosoftConfig{
				App: oauthApp(platform, client),
			}))
		case models.PlatformChatGPT, models.PlatformClaude, models.PlatformGemini:
			registry.Register(connectors.NewAIPlatformConnector(connectors.AIPlatformConfig{
				Platform: models.Platform(platform),
				App:      oauthApp(platform, client),
			}))
		default:
			log.Warn().Str("platform", platform).Msg("Unknown platform in OAuth configuration, skipping")
			continue
		}
		log.Info().Str("platform", platform).Msg("Platform adapter registered")
	}
	return registry
}
