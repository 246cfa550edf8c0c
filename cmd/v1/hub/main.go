package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/parleyhq/parley/internal/v1/agent"
	"github.com/parleyhq/parley/internal/v1/auth"
	"github.com/parleyhq/parley/internal/v1/blob"
	"github.com/parleyhq/parley/internal/v1/bus"
	"github.com/parleyhq/parley/internal/v1/config"
	"github.com/parleyhq/parley/internal/v1/dialog"
	"github.com/parleyhq/parley/internal/v1/health"
	"github.com/parleyhq/parley/internal/v1/logging"
	"github.com/parleyhq/parley/internal/v1/ratelimit"
	"github.com/parleyhq/parley/internal/v1/reaper"
	"github.com/parleyhq/parley/internal/v1/store"
	"github.com/parleyhq/parley/internal/v1/summary"
	"github.com/parleyhq/parley/internal/v1/tracing"
	"github.com/parleyhq/parley/internal/v1/transport"
	"github.com/parleyhq/parley/internal/v1/types"
	"github.com/parleyhq/parley/internal/v1/upstream"
)

func main() {
	for _, path := range []string{".env", "../../../.env"} {
		if err := godotenv.Load(path); err == nil {
			break
		}
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		os.Stderr.WriteString("environment validation failed: " + err.Error() + "\n")
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		os.Stderr.WriteString("logger init failed: " + err.Error() + "\n")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if collector := os.Getenv("OTEL_COLLECTOR_ADDR"); collector != "" {
		tp, err := tracing.InitTracer(ctx, "parley-hub", collector)
		if err != nil {
			logging.Warn(ctx, "tracing disabled", zap.Error(err))
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tp.Shutdown(shutdownCtx)
			}()
		}
	}

	validator := buildValidator(ctx, cfg)

	var messageStore types.MessageStore
	var pg *store.Postgres
	if cfg.DatabaseURL != "" {
		pg, err = store.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			logging.Error(ctx, "postgres connection failed", zap.Error(err))
			os.Exit(1)
		}
		defer pg.Close()
		messageStore = pg
	} else {
		logging.Warn(ctx, "DATABASE_URL not set, history is in-memory only")
		messageStore = store.NewMemory()
	}

	disk, err := blob.NewDisk(cfg.BlobDir, cfg.BlobSecret, cfg.BlobPublicBase)
	if err != nil {
		logging.Error(ctx, "blob store init failed", zap.Error(err))
		os.Exit(1)
	}

	var busService *bus.Service
	var busPort types.BusService
	if cfg.RedisEnabled {
		busService, err = bus.NewService(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			logging.Warn(ctx, "redis unavailable, running single-instance", zap.Error(err))
		} else {
			defer func() { _ = busService.Close() }()
			busPort = busService
		}
	}

	limiter, err := ratelimit.NewRateLimiter(cfg, busService.Client())
	if err != nil {
		logging.Error(ctx, "rate limiter init failed", zap.Error(err))
		os.Exit(1)
	}

	var llm types.LLMClient
	if cfg.LLMAPIKey != "" {
		oai, err := upstream.NewOpenAI(cfg.LLMAPIKey, cfg.LLMModel, cfg.LLMBaseURL)
		if err != nil {
			logging.Error(ctx, "llm client init failed", zap.Error(err))
			os.Exit(1)
		}
		llm = oai
	} else {
		logging.Warn(ctx, "LLM_API_KEY not set, AI features disabled")
	}

	summaries := summary.NewManager(llm, messageStore, cfg.SummariesDir)

	var agentSvc *agent.Service
	if llm != nil {
		policy := agent.DefaultPolicy(cfg.DownloadsDir)
		policy.AllowedDirs = append(policy.AllowedDirs, cfg.SummariesDir)
		policy.CommandTimeout = cfg.ToolTimeout
		agentSvc = agent.NewService(llm, agent.NewDefaultRegistry(policy), summaries, disk)
		agentSvc.Tune(cfg.AgentMaxIterations, cfg.AutoSaveThreshold)
	}

	var asrClient types.ASRClient
	if cfg.ASRURL != "" {
		asrClient = upstream.NewASRDialer(cfg.ASRURL, cfg.ASRAPIKey)
	}
	var dialogClient types.DialogClient
	if cfg.DialogURL != "" {
		dialogClient = upstream.NewDialogDialer(cfg.DialogURL, cfg.DialogAPIKey)
	}
	if len(cfg.WakeWords) > 0 {
		dialog.DefaultWakeWords = cfg.WakeWords
	}

	hub := transport.NewHub(transport.Deps{
		Config:        cfg,
		Validator:     validator,
		RolePasswords: auth.RolePasswords{Owner: cfg.OwnerPassword, Admin: cfg.AdminPassword},
		Store:         messageStore,
		Blob:          disk,
		Bus:           busPort,
		Limiter:       limiter,
		Agent:         agentSvc,
		Summaries:     summaries,
		LLM:           llm,
		ASRClient:     asrClient,
		DialogClient:  dialogClient,
	})

	healthHandler := health.NewHandler(hub)
	if pg != nil {
		healthHandler.Register("database", pg)
	}
	if busService != nil {
		healthHandler.Register("redis", busService)
	}

	router := transport.NewRouter(transport.RouterDeps{
		Config:  cfg,
		Hub:     hub,
		Limiter: limiter,
		Disk:    disk,
		Health:  healthHandler,
	})

	janitor := reaper.New(hub, hub.ASRSessions(), hub.DialogSessions(), summaries,
		cfg.ReaperInterval, cfg.HeapWarningBytes, cfg.HeapCriticalBytes)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logging.Info(gctx, "hub listening", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		janitor.Run(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logging.Info(context.Background(), "shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		hub.Shutdown(shutdownCtx)
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logging.Error(context.Background(), "hub exited with error", zap.Error(err))
		os.Exit(1)
	}
	logging.Info(context.Background(), "hub exited")
}

func buildValidator(ctx context.Context, cfg *config.Config) transport.TokenValidator {
	if cfg.SkipAuth {
		logging.Warn(ctx, "authentication disabled, using mock validator")
		return &auth.MockValidator{}
	}
	if cfg.AuthDomain != "" && cfg.AuthAudience != "" {
		v, err := auth.NewValidator(ctx, cfg.AuthDomain, cfg.AuthAudience)
		if err != nil {
			logging.Error(ctx, "jwks validator init failed", zap.Error(err))
			os.Exit(1)
		}
		logging.Info(ctx, "jwks validator initialized", zap.String("domain", cfg.AuthDomain))
		return v
	}
	return auth.NewHMACValidator(cfg.JWTSecret)
}
