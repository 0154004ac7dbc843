package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	celadapter "github.com/countersign-dev/countersign/internal/adapter/outbound/cel"
	"github.com/countersign-dev/countersign/internal/adapter/outbound/sqlite"
	"github.com/countersign-dev/countersign/internal/config"
	"github.com/countersign-dev/countersign/internal/domain/approval"
	"github.com/countersign-dev/countersign/internal/domain/key"
	"github.com/countersign-dev/countersign/internal/domain/tool"
	"github.com/countersign-dev/countersign/internal/service"
)

// gate bundles the wired protocol components for the propose and approve
// commands.
type gate struct {
	cfg       *config.Config
	logger    *slog.Logger
	db        *sql.DB
	envelopes *sqlite.EnvelopeStore
	keyring   *sqlite.KeyringStore
	manager   *key.Manager
	svc       *service.ApprovalService
	shutdown  func(context.Context) error
}

// buildGate loads config and wires stores, policy, audit, metrics, and
// tracing into an ApprovalService.
func buildGate(ctx context.Context) (*gate, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg.LogLevel)

	shutdown := func(context.Context) error { return nil }
	if cfg.Trace {
		shutdown, err = setupTracing()
		if err != nil {
			return nil, err
		}
	}

	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}

	envelopes := sqlite.NewEnvelopeStore(db, cfg.EnvelopeClockSkew(), logger)
	keyring := sqlite.NewKeyringStore(db, logger)
	manager := key.NewManager(cfg.Keys.Dir, keyring, logger)

	policy, err := loadPolicy(cfg, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	recorder, err := newAuditRecorder(cfg, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	scope := &approval.LocalScopeResolver{
		ContextID:     cfg.Scope.ContextID,
		AgentIdentity: cfg.Scope.AgentIdentity,
		Workdir:       cfg.Scope.Workdir,
	}
	if scope.ContextID == "" {
		// The id must come out identical in the propose and approve
		// processes, so an unset context id is persisted beside the store
		// rather than minted per process.
		scope.ContextID, err = approval.LoadOrCreateContextID(
			filepath.Join(filepath.Dir(cfg.Store.Path), "context_id"))
		if err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	metrics := service.NewMetrics(prometheus.NewRegistry())
	svc := service.NewApprovalService(
		envelopes, manager, policy, scope,
		cfg.EnvelopeTTL(), recorder, metrics, logger,
	)

	return &gate{
		cfg:       cfg,
		logger:    logger,
		db:        db,
		envelopes: envelopes,
		keyring:   keyring,
		manager:   manager,
		svc:       svc,
		shutdown:  shutdown,
	}, nil
}

// Close releases the database and flushes tracing.
func (g *gate) Close(ctx context.Context) {
	if err := g.db.Close(); err != nil {
		g.logger.Warn("close database", "error", err)
	}
	if err := g.shutdown(ctx); err != nil {
		g.logger.Warn("shutdown tracing", "error", err)
	}
}

// loadPolicy loads the classification policy file with CEL condition
// support. No policy file means every tool call defers to the human.
func loadPolicy(cfg *config.Config, logger *slog.Logger) (*tool.Policy, error) {
	compiler, err := celadapter.NewCompiler()
	if err != nil {
		return nil, fmt.Errorf("build condition compiler: %w", err)
	}
	if cfg.Policy.Path == "" {
		return tool.EmptyPolicy(logger), nil
	}
	return tool.LoadPolicy(cfg.Policy.Path, compiler, logger)
}

// setupTracing installs a stdout span exporter and returns its shutdown
// function. Spans go to stderr; stdout carries command output.
func setupTracing() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(
		stdouttrace.WithWriter(os.Stderr),
		stdouttrace.WithPrettyPrint(),
	)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
