package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexjbarnes/pit/internal/auth"
	"github.com/alexjbarnes/pit/internal/config"
	"github.com/alexjbarnes/pit/internal/logging"
	"github.com/alexjbarnes/pit/internal/mcpserver"
	"github.com/alexjbarnes/pit/internal/metrics"
	"github.com/alexjbarnes/pit/internal/redisstore"
	"github.com/alexjbarnes/pit/internal/server"
	"github.com/alexjbarnes/pit/internal/state"
	"github.com/alexjbarnes/pit/internal/upstream"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

func main() {
	// Handle gen-secret subcommand before config loading.
	if len(os.Args) > 1 && os.Args[1] == "gen-secret" {
		fmt.Println(auth.RandomHex(32))
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// backingStore is what both store backends provide.
type backingStore interface {
	auth.Store
	Ping(ctx context.Context) error
	Close() error
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (backingStore, error) {
	switch cfg.StoreBackend {
	case config.BackendRedis:
		logger.Info("connecting to redis", slog.String("addr", cfg.RedisAddr), slog.Int("db", cfg.RedisDB))

		return redisstore.New(ctx, redisstore.Config{
			Addr:      cfg.RedisAddr,
			Username:  cfg.RedisUsername,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			KeyPrefix: cfg.RedisKeyPrefix,
		})
	default:
		path := cfg.StateDBPath
		if path == "" {
			p, err := state.DefaultPath()
			if err != nil {
				return nil, err
			}

			path = p
		}

		logger.Info("opening state database", slog.String("path", path))

		return state.LoadAt(path)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("pit starting",
		slog.String("version", Version),
		slog.String("mode", cfg.DeploymentMode),
		slog.String("store", cfg.StoreBackend),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer store.Close()

	trust := auth.DefaultTrustPolicy()
	if cfg.TrustedClientsFile != "" {
		trust, err = auth.LoadTrustPolicy(cfg.TrustedClientsFile)
		if err != nil {
			return err
		}
	}

	logger.Info("auto-registration trust policy", slog.Any("domains", trust.Domains()))

	signer, err := auth.NewTokenSigner(cfg.JWTSecretKey, cfg.TokenIssuer)
	if err != nil {
		return fmt.Errorf("creating token signer: %w", err)
	}

	idp := upstream.NewGitHub(upstream.Config{
		ClientID:     cfg.GitHubClientID,
		ClientSecret: cfg.GitHubClientSecret,
		Timeout:      cfg.UpstreamTimeout,
		MaxAttempts:  cfg.UpstreamMaxAttempts,
	}, logger)
	if !idp.Configured() {
		logger.Warn("GITHUB_CLIENT_ID not set, authorization requests will fail")
	}

	if cfg.IsProduction() && cfg.PublicBaseURL == "" {
		logger.Warn("PUBLIC_BASE_URL not set, issuer and redirect URLs follow the request Host header")
	}

	allowed := cfg.AllowedLogins()
	if cfg.DeploymentMode == config.ModeSingleTenant && len(allowed) == 0 {
		logger.Warn("single-tenant mode without GITHUB_ALLOWED_USERS, any GitHub user can sign in")
	}

	m := metrics.New()
	registrar := auth.NewRegistrar(store, trust, cfg.RegistrationRatePerMinute, m, logger)

	mux := server.NewMux(server.MuxConfig{
		BaseURL:    auth.NewBaseURL(cfg.PublicBaseURL, cfg.TrustProxyHeaders),
		TrustProxy: cfg.TrustProxyHeaders,
		Registrar:  registrar,
		Orchestrator: auth.NewOrchestrator(auth.OrchestratorConfig{
			Store:         store,
			Registrar:     registrar,
			IdP:           idp,
			AllowedLogins: allowed,
			Metrics:       m,
			Logger:        logger,
		}),
		Issuer:     auth.NewIssuer(store, signer, m, logger),
		Verifier:   auth.NewVerifier(signer, store, m, logger),
		MCPHandler: mcpserver.Handler(Version),
		Metrics:    m,
		Store:      store,
		Logger:     logger,
	})

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting server",
			slog.String("listen", cfg.ListenAddr),
			slog.String("public_url", cfg.PublicBaseURL),
		)

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}

		return nil
	})

	// Shutdown when context is cancelled.
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
