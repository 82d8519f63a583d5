package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/clearline-io/arbiter/internal/action"
	"github.com/clearline-io/arbiter/internal/approval"
	"github.com/clearline-io/arbiter/internal/audit"
	"github.com/clearline-io/arbiter/internal/config"
	"github.com/clearline-io/arbiter/internal/ledger"
	"github.com/clearline-io/arbiter/internal/notify"
	"github.com/clearline-io/arbiter/internal/orchestrator"
	"github.com/clearline-io/arbiter/internal/policy"
	"github.com/clearline-io/arbiter/internal/reasoning"
	"github.com/clearline-io/arbiter/internal/retrieval"
	"github.com/clearline-io/arbiter/internal/server"
	"github.com/clearline-io/arbiter/internal/verify"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the arbiter server with the request driver and approval sweeper",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "HTTP server port (overrides listen_addr)")
	rootCmd.AddCommand(serveCmd)
}

// parseAPIKeys returns a map of key -> identity from ARBITER_API_KEYS
// (comma-separated; each entry key or key:identity).
func parseAPIKeys(env string) map[string]string {
	m := make(map[string]string)
	if env == "" {
		return m
	}
	for _, part := range strings.Split(env, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		identity := "default"
		if idx := strings.Index(part, ":"); idx > 0 {
			identity = strings.TrimSpace(part[idx+1:])
			part = strings.TrimSpace(part[:idx])
			if identity == "" {
				identity = "default"
			}
		}
		m[part] = identity
	}
	return m
}

//nolint:gocyclo // wiring flow is inherently branched
func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	cfg.WarnIfDefaultKey()

	pol, err := policy.Load(ctx, cfg.PolicyFile, ".")
	if err != nil {
		return fmt.Errorf("loading policy: %w", err)
	}

	registry, err := action.NewRegistry(pol.Actions)
	if err != nil {
		return fmt.Errorf("building action registry: %w", err)
	}

	trail, err := audit.NewTrail(cfg.AuditDBPath(), cfg.SigningKey)
	if err != nil {
		return fmt.Errorf("initializing audit trail: %w", err)
	}
	defer trail.Close()

	stateDB, err := sql.Open("sqlite3", cfg.StateDBPath()+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("opening state database: %w", err)
	}
	defer stateDB.Close()

	limits := ledger.DefaultLimits(cfg.MaxInputTokens, cfg.MaxOutputTokens)
	limits.ActionsPerRequest = pol.Budgets.ActionsPerRequest
	limits.AggregateInvocations = pol.Budgets.AggregateInvocations
	led, err := ledger.New(stateDB, limits)
	if err != nil {
		return fmt.Errorf("initializing budget ledger: %w", err)
	}

	stateStore, err := orchestrator.NewStore(stateDB)
	if err != nil {
		return fmt.Errorf("initializing state store: %w", err)
	}

	approvalStore, err := approval.NewStore(stateDB)
	if err != nil {
		return fmt.Errorf("initializing approval store: %w", err)
	}

	notifier := notify.NewWebhookNotifier(pol.Approvals.NotifyWebhook)
	workflowCfg := approval.WorkflowConfig{
		Approvers:          pol.Approvals.Approvers,
		SecondaryApprovers: pol.Approvals.SecondaryApprovers,
		Expiry:             cfg.ApprovalExpiry,
		Escalation:         cfg.ApprovalEscalation,
	}
	approvals := approval.NewWorkflow(approvalStore, registry, notifier, trail, workflowCfg)
	sweeper := approval.NewSweeper(approvalStore, notifier, trail, workflowCfg)
	if err := sweeper.Start(ctx); err != nil {
		return fmt.Errorf("starting approval sweeper: %w", err)
	}
	defer sweeper.Stop()

	if cfg.RetrievalURL == "" {
		log.Warn().Msg("ARBITER_RETRIEVAL_URL not set — every request will fail at the retrieval phase")
	}
	if cfg.ExecutorURL == "" {
		log.Warn().Msg("ARBITER_EXECUTOR_URL not set — approved actions cannot be executed")
	}
	if cfg.OpenAIAPIKey == "" {
		log.Warn().Msg("ARBITER_OPENAI_API_KEY not set — every request will fail at the reasoning phase")
	}

	searcher := retrieval.NewHTTPSearcher(cfg.RetrievalURL)
	retrievalGate := retrieval.NewGate(searcher, retrieval.Policy{
		MinConfidence: pol.Retrieval.MinConfidence,
		Quorum:        pol.Retrieval.Quorum,
	})

	inferencer := reasoning.NewOpenAIInferencer(cfg.OpenAIAPIKey, cfg.OpenAIModel)
	reasoningGate := reasoning.NewGate(inferencer, led, reasoning.Policy{
		MinCitationConfidence: pol.Reasoning.MinCitationConfidence,
		MinSupportingDocs:     pol.Reasoning.MinSupportingDocs,
	})

	executor := action.NewWebhookExecutor(cfg.ExecutorURL)

	engine, err := verify.NewEngine(ctx)
	if err != nil {
		return fmt.Errorf("initializing verification engine: %w", err)
	}
	admins := pol.Approvals.SecondaryApprovers
	if len(admins) == 0 {
		admins = pol.Approvals.Approvers
	}
	verifier := verify.NewVerifier(engine, verify.NewHTTPResolver(), executor, notifier, trail, admins)

	orch := orchestrator.New(orchestrator.Deps{
		Store:     stateStore,
		Retrieval: retrievalGate,
		Reasoning: reasoningGate,
		Registry:  registry,
		Approvals: approvals,
		Executor:  executor,
		Verifier:  verifier,
		Ledger:    led,
		Trail:     trail,
	})

	retention := time.Duration(cfg.RetentionDays) * 24 * time.Hour
	driver := orchestrator.NewDriver(orch, stateStore, trail, retention)
	if err := driver.Start(ctx); err != nil {
		return fmt.Errorf("starting request driver: %w", err)
	}
	defer driver.Stop()

	apiKeys := parseAPIKeys(os.Getenv("ARBITER_API_KEYS"))
	if len(apiKeys) == 0 {
		log.Warn().Msg("ARBITER_API_KEYS not set — all API endpoints will return 401. Set for production.")
	}

	srv := server.NewServer(orch, approvals, trail, pol, apiKeys,
		server.WithRateLimiters(server.NewLimiters(cfg.RateLimitRPS)),
	)

	addr := cfg.ListenAddr
	if servePort != 0 {
		addr = fmt.Sprintf(":%d", servePort)
	}
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      srv.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	log.Info().
		Str("addr", addr).
		Str("policy_version", pol.VersionTag).
		Int("actions", len(pol.Actions)).
		Int("approvers", len(pol.Approvals.Approvers)).
		Msg("arbiter_serve_started")

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown_signal_received")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info().Msg("server_stopped")
	return nil
}
