// Command orderdeskd runs the order desk daemon: the HTTP boundary, the
// orchestrator worker pool with its sweeps, the outbox dispatcher, and the
// catalog refresher, all over one shared state store.
package main

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Quillon-Labs/orderdesk/pkg/api"
	"github.com/Quillon-Labs/orderdesk/pkg/books"
	"github.com/Quillon-Labs/orderdesk/pkg/catalog"
	"github.com/Quillon-Labs/orderdesk/pkg/committee"
	"github.com/Quillon-Labs/orderdesk/pkg/config"
	"github.com/Quillon-Labs/orderdesk/pkg/extract"
	"github.com/Quillon-Labs/orderdesk/pkg/observability"
	"github.com/Quillon-Labs/orderdesk/pkg/orchestrate"
	"github.com/Quillon-Labs/orderdesk/pkg/resolve"
	"github.com/Quillon-Labs/orderdesk/pkg/secrets"
	"github.com/Quillon-Labs/orderdesk/pkg/store/evidence"
	"github.com/Quillon-Labs/orderdesk/pkg/store/state"
	"github.com/Quillon-Labs/orderdesk/pkg/submit"
)

const version = "1.0.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is swapped out in tests.
var startServer = runServer

// Run dispatches the subcommand. Exit codes: 0 success, 1 runtime failure,
// 2 usage.
func Run(args []string, stdout, stderr io.Writer) int {
	cmd := "server"
	if len(args) > 1 {
		cmd = args[1]
	}
	switch cmd {
	case "server", "serve":
		if err := startServer(); err != nil {
			fmt.Fprintf(stderr, "orderdeskd: %v\n", err)
			return 1
		}
		return 0
	case "health":
		return runHealthCmd(stdout, stderr)
	case "version", "--version":
		fmt.Fprintf(stdout, "orderdeskd %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "orderdeskd: unknown command %q\n", cmd)
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: orderdeskd <command>")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  server    Run the order desk daemon (default)")
	fmt.Fprintln(w, "  health    Probe a running daemon over HTTP")
	fmt.Fprintln(w, "  version   Print the build version")
	fmt.Fprintln(w, "  help      Show this help")
}

// runHealthCmd asks a locally running daemon for its health status.
func runHealthCmd(stdout, stderr io.Writer) int {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	resp, err := http.Get("http://localhost:" + port + "/health")
	if err != nil {
		fmt.Fprintf(stderr, "health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(stderr, "health check failed: status %d\n", resp.StatusCode)
		return 1
	}
	fmt.Fprintln(stdout, "ok")
	return 0
}

func runServer() error {
	cfg := config.Load()
	logger := observability.SetupLogging(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	environment := os.Getenv("ENVIRONMENT")
	if environment == "" {
		environment = "development"
	}
	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "orderdesk",
		ServiceVersion: version,
		Environment:    environment,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.OTLPEndpoint != "",
		Insecure:       os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true",
	})
	if err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(sctx)
	}()

	// State store.
	store, err := state.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("state: init: %w", err)
	}
	logger.Info("state store ready", "driver", cfg.StateStoreDriver)

	// Evidence store and signed download links.
	ev, err := evidence.NewStoreFromConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("evidence: %w", err)
	}
	signer := evidence.NewSigner([]byte(cfg.BlobSigningKey))
	if cfg.BlobSigningKey == "" {
		logger.Warn("BLOB_SIGNING_KEY not set, signed download links disabled")
	}

	// Integration credentials.
	secretStore, err := buildSecretStore(ctx, cfg, store.DB(), logger)
	if err != nil {
		return err
	}

	// Accounting system client, which also feeds the catalog.
	booksClient := books.New(books.Config{
		BaseURL:     cfg.BooksBaseURL,
		AccountsURL: cfg.BooksAccountsURL,
		OrgID:       cfg.BooksOrgID,
	}, secretStore)

	cat := catalog.New(booksClient, store, cfg.CatalogTTL)
	go cat.Run(ctx, cfg.CatalogRefresh)

	// Committee.
	weights, err := config.LoadWeights(cfg.WeightsFile, []byte(cfg.WeightsKey))
	if err != nil {
		return err
	}
	pool, err := buildProviderPool(ctx, cfg.ProviderPool, secretStore)
	if err != nil {
		return err
	}
	cmte := committee.New(pool, committee.Options{
		Weights:         weights,
		ProviderTimeout: cfg.CommitteeTimeout,
		ProviderRPS:     cfg.ProviderRPS,
	})

	extractor := extract.New(extract.Options{StrictFormulas: cfg.StrictFormulas})
	resolver := resolve.New(cat, resolve.Options{
		FuzzyHigh: cfg.CustomerFuzzyHigh,
		NameFuzzy: cfg.FuzzyEnabled,
	})
	submitter := submit.New(booksClient, store, ev, submit.Options{
		RetryBase:   cfg.RetryBase,
		RetryCap:    cfg.RetryCap,
		MaxAttempts: cfg.RetryMaxAttempts,
		Jitter:      cfg.RetryJitter,
	})

	policy, err := orchestrate.NewApprovalPolicy(cfg.ApprovalPolicy)
	if err != nil {
		return err
	}
	orch, err := orchestrate.New(orchestrate.Deps{
		Store:     store,
		Evidence:  ev,
		Extractor: extractor,
		Committee: cmte,
		Resolver:  resolver,
		Submitter: submitter,
		Policy:    policy,
	}, orchestrate.Options{
		Workers:     cfg.WorkerCount,
		LeaseTTL:    cfg.LeaseTTL,
		WaitTimeout: cfg.CaseWaitTimeout,
	})
	if err != nil {
		return err
	}
	orch.WithTelemetry(obs)

	// Outbox notifications toward the chat adapter. Without a callback URL
	// entries are logged and marked processed.
	var notifier orchestrate.Notifier
	if cfg.BotCallbackURL != "" {
		notifier = api.NewWebhookNotifier(cfg.BotCallbackURL)
	}
	dispatcher := orchestrate.NewOutboxDispatcher(store, notifier, 0, 0)

	// HTTP boundary.
	var limiter api.Limiter
	if cfg.RedisAddr != "" {
		limiter = api.NewRedisLimiter(cfg.RedisAddr, 50, 100)
		logger.Info("rate limiting through redis", "addr", cfg.RedisAddr)
	}
	server := api.NewServer(api.Deps{
		Orchestrator: orch,
		Store:        store,
		Evidence:     ev,
		Signer:       signer,
		Extractor:    extractor,
		Committee:    cmte,
		Submitter:    submitter,
		Validator:    api.NewJWTValidator([]byte(cfg.JWTSecret)),
		Limiter:      limiter,
	}, api.Options{
		MaxUploadBytes: cfg.MaxUploadBytes,
		ToolsKey:       cfg.ToolsSubscriptionKey,
	})

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       2 * time.Minute,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       2 * time.Minute,
	}

	go orch.Run(ctx)
	go dispatcher.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("boundary listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("boundary: %w", err)
	}

	sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(sctx); err != nil {
		logger.Warn("boundary shutdown", "error", err)
	}
	logger.Info("orderdeskd stopped")
	return nil
}

// buildSecretStore wires integration credentials per SECRET_STORE_URL: the
// encrypted table in the state store, or environment variables only.
func buildSecretStore(ctx context.Context, cfg *config.Config, db *sql.DB, logger *slog.Logger) (*secrets.Store, error) {
	switch cfg.SecretStoreURL {
	case "", "env":
		return secrets.New(nil, nil)
	case "state":
		keyHex := os.Getenv("SECRETS_ENCRYPTION_KEY")
		key, err := hex.DecodeString(keyHex)
		if err != nil || len(key) != 32 {
			logger.Warn("SECRETS_ENCRYPTION_KEY missing or not 64 hex chars, using environment-only secrets")
			return secrets.New(nil, nil)
		}
		s, err := secrets.New(db, key)
		if err != nil {
			return nil, err
		}
		if err := s.Init(ctx); err != nil {
			return nil, fmt.Errorf("secrets: init: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("secrets: unknown SECRET_STORE_URL %q", cfg.SecretStoreURL)
	}
}

// buildProviderPool turns configured model names into committee members. The
// vendor family, and with it the API key, comes from the model name prefix.
func buildProviderPool(ctx context.Context, models []string, src *secrets.Store) ([]committee.Provider, error) {
	pool := make([]committee.Provider, 0, len(models))
	for _, model := range models {
		switch {
		case strings.HasPrefix(model, "claude"):
			key, err := src.Get(ctx, secrets.AnthropicAPIKey)
			if err != nil {
				return nil, fmt.Errorf("committee provider %s: %w", model, err)
			}
			pool = append(pool, committee.NewAnthropicProvider(model, key))
		case strings.HasPrefix(model, "gpt"), strings.HasPrefix(model, "o1"), strings.HasPrefix(model, "o3"):
			key, err := src.Get(ctx, secrets.OpenAIAPIKey)
			if err != nil {
				return nil, fmt.Errorf("committee provider %s: %w", model, err)
			}
			pool = append(pool, committee.NewOpenAIProvider(model, key, ""))
		case strings.HasPrefix(model, "gemini"):
			key, err := src.Get(ctx, secrets.GoogleAPIKey)
			if err != nil {
				return nil, fmt.Errorf("committee provider %s: %w", model, err)
			}
			pool = append(pool, committee.NewGoogleProvider(model, key, ""))
		default:
			return nil, fmt.Errorf("committee provider %q: unknown vendor family", model)
		}
	}
	return pool, nil
}
