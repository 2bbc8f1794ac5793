// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package journal assembles the journal service: storage, sessions,
// archival, identity, the HTTP surface and the background sweeper.
package journal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianJournal/pkg/extensions"
	"github.com/AleutianAI/AleutianJournal/services/journal/ai"
	"github.com/AleutianAI/AleutianJournal/services/journal/archive"
	"github.com/AleutianAI/AleutianJournal/services/journal/contentstore"
	"github.com/AleutianAI/AleutianJournal/services/journal/credentials"
	"github.com/AleutianAI/AleutianJournal/services/journal/handlers"
	"github.com/AleutianAI/AleutianJournal/services/journal/history"
	"github.com/AleutianAI/AleutianJournal/services/journal/ledger"
	"github.com/AleutianAI/AleutianJournal/services/journal/mail"
	"github.com/AleutianAI/AleutianJournal/services/journal/observability"
	"github.com/AleutianAI/AleutianJournal/services/journal/otp"
	"github.com/AleutianAI/AleutianJournal/services/journal/routes"
	"github.com/AleutianAI/AleutianJournal/services/journal/sessions"
	"github.com/AleutianAI/AleutianJournal/services/journal/store"
	"github.com/AleutianAI/AleutianJournal/services/journal/ttl"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// ServiceName identifies the service in traces and logs.
const ServiceName = "journal-service"

// Service is the assembled journal service.
//
// # Description
//
// New opens the store and builds every collaborator named in Config. Run
// serves HTTP until its context ends and then shuts down in reverse order:
// HTTP, archival queue, sweeper, audit log, tracer, store.
//
// # Thread Safety
//
// Run may be called once. Sweep and ArchivePending are safe to call while
// Run is serving.
type Service struct {
	cfg  Config
	opts extensions.ServiceOptions

	db         *store.DB
	registry   *prometheus.Registry
	metrics    *observability.Metrics
	router     *gin.Engine
	pipeline   *archive.Pipeline
	dispatcher *archive.Dispatcher
	scheduler  *ttl.Scheduler

	tracerCleanup func(context.Context)
	closers       []io.Closer
	closeOnce     sync.Once
	closeErr      error
}

// New builds a Service.
//
// # Inputs
//
//   - ctx: Used for client construction only.
//   - cfg: Defaults are applied before validation.
//   - opts: Optional. Nil means audit records go to slog. A nil
//     AuthProvider is replaced by the built-in token provider and a nil
//     AuditLogger by a no-op one.
//
// # Outputs
//
//   - *Service: Ready to Run. Call Close if Run is never called.
//   - error: Invalid configuration or a collaborator failed to start.
func New(ctx context.Context, cfg Config, opts *extensions.ServiceOptions) (*Service, error) {
	cfg = applyConfigDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if opts == nil {
		defaults := extensions.DefaultOptions().WithAudit(&extensions.SlogAuditLogger{})
		opts = &defaults
	}
	s := &Service{cfg: cfg, opts: *opts}
	if s.opts.AuditLogger == nil {
		s.opts.AuditLogger = &extensions.NopAuditLogger{}
	}

	cleanup, err := initTracer(ctx, cfg.OTelEndpoint)
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}
	s.tracerCleanup = cleanup

	if err := s.build(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Service) build(ctx context.Context) error {
	cfg := s.cfg

	storeCfg := store.InMemoryConfig()
	if !cfg.InMemory {
		storeCfg = store.DefaultConfig(expandPath(cfg.DataDir))
	}
	storeCfg.Logger = slog.Default()
	db, err := store.Open(storeCfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	s.db = db

	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.metrics = observability.NewMetrics(s.registry)

	client, err := newAIClient(ctx, cfg.AI)
	if err != nil {
		return err
	}
	content, err := s.newContentStore(ctx, cfg.Content)
	if err != nil {
		return err
	}
	notarizer, err := newNotarizer(db, cfg.Ledger)
	if err != nil {
		return err
	}
	mailer, err := newMailer(cfg)
	if err != nil {
		return err
	}

	repo := sessions.NewRepository(db)
	s.pipeline, err = archive.NewPipeline(archive.Config{
		Sessions:     repo,
		Journals:     archive.NewJournalRepository(db),
		Analyzer:     client,
		Content:      content,
		Ledger:       notarizer,
		StageTimeout: cfg.StageTimeout,
		Metrics:      s.metrics,
	})
	if err != nil {
		return err
	}
	s.dispatcher = archive.NewDispatcher(s.pipeline, archive.DispatcherConfig{
		Workers: cfg.ArchiveWorkers,
		Metrics: s.metrics,
	})
	sessionStore := sessions.NewStore(repo, s.dispatcher, sessions.Config{})

	backend := credentials.NewBackend(db, credentials.Config{})
	tokens := credentials.NewTokenStore(db, cfg.TokenTTL, nil)
	otpService := otp.NewService(db, mailer, otp.Config{Metrics: s.metrics})
	if s.opts.AuthProvider == nil {
		s.opts = s.opts.WithAuth(credentials.NewAuthProvider(backend, tokens))
	}

	s.scheduler = ttl.NewScheduler(ttl.SchedulerConfig{
		Interval: cfg.SweepInterval,
		Metrics:  s.metrics,
	}, otpService, tokens)

	audit := s.opts.AuditLogger
	h := routes.Handlers{
		Auth:     handlers.NewAuthHandler(backend, tokens, audit),
		Account:  handlers.NewAccountHandler(otpService, backend, tokens, audit),
		Sessions: handlers.NewSessionHandler(sessionStore, audit),
		Chat: handlers.NewChatHandler(handlers.ChatConfig{
			Store:          sessionStore,
			Chatter:        client,
			Metrics:        s.metrics,
			AllowedOrigins: cfg.AllowedOrigins,
		}),
		Journals: handlers.NewJournalHandler(s.pipeline.Journals(), history.NewLister(content, history.Config{
			ItemTimeout: cfg.HistoryItemTimeout,
			Metrics:     s.metrics,
		}), audit),
	}

	gin.SetMode(cfg.GinMode)
	s.router = gin.Default()
	s.router.Use(otelgin.Middleware(ServiceName))
	routes.SetupRoutes(s.router, h, routes.Options{
		Auth:     s.opts.AuthProvider,
		Gatherer: s.registry,
	})

	slog.Info("Journal service assembled",
		"ai", client.Name(),
		"content", cfg.Content.Backend,
		"ledger", cfg.Ledger.Backend,
		"mail", cfg.Mail.Backend,
		"in_memory", cfg.InMemory)
	return nil
}

// =============================================================================
// Collaborators
// =============================================================================

func newAIClient(ctx context.Context, cfg AIConfig) (ai.Client, error) {
	switch cfg.Backend {
	case AIGemini:
		return ai.NewGeminiClient(ctx, ai.GeminiConfig{APIKey: cfg.GeminiAPIKey, Model: cfg.GeminiModel})
	case AIOpenAI:
		return ai.NewOpenAIClient(ai.OpenAIConfig{APIKey: cfg.OpenAIAPIKey, Model: cfg.OpenAIModel, BaseURL: cfg.OpenAIURL})
	default:
		return ai.NewRulesClient()
	}
}

func (s *Service) newContentStore(ctx context.Context, cfg ContentConfig) (contentstore.Store, error) {
	var inner contentstore.Store
	switch cfg.Backend {
	case ContentPinata:
		pinata, err := contentstore.NewPinataStore(contentstore.PinataConfig{
			JWT:        cfg.PinataJWT,
			APIURL:     cfg.PinataAPIURL,
			GatewayURL: cfg.PinataGatewayURL,
		})
		if err != nil {
			return nil, err
		}
		inner = pinata
	case ContentGCS:
		gcs, err := contentstore.NewGCSStore(ctx, contentstore.GCSConfig{
			Bucket:          cfg.GCSBucket,
			CredentialsFile: cfg.GCSCredentialsFile,
		})
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, gcs)
		inner = gcs
	default:
		inner = contentstore.NewLocalStore(s.db)
	}
	if cfg.CacheSize <= 0 {
		return inner, nil
	}
	return contentstore.NewCachedStore(inner, cfg.CacheSize)
}

func newNotarizer(db *store.DB, cfg LedgerConfig) (ledger.Notarizer, error) {
	switch cfg.Backend {
	case LedgerRPC:
		return ledger.NewRPCNotarizer(ledger.RPCConfig{URL: cfg.URL, Contract: cfg.Contract})
	case LedgerNone:
		return nil, nil
	default:
		return ledger.NewLocalLedger(db, nil), nil
	}
}

func newMailer(cfg Config) (mail.Mailer, error) {
	if cfg.Mail.Backend == MailEmailJS {
		return mail.NewEmailJSMailer(mail.EmailJSConfig{
			ServiceID:  cfg.Mail.EmailJSServiceID,
			TemplateID: cfg.Mail.EmailJSTemplateID,
			PublicKey:  cfg.Mail.EmailJSPublicKey,
			PrivateKey: cfg.Mail.EmailJSPrivateKey,
			AppName:    cfg.AppName,
		})
	}
	// Codes go to the console, never to the log file.
	return mail.NewLogMailer(os.Stdout, cfg.AppName), nil
}

// =============================================================================
// Lifecycle
// =============================================================================

// Router returns the HTTP handler.
func (s *Service) Router() http.Handler {
	return s.router
}

// Run serves HTTP on cfg.Port until ctx ends, then shuts down and closes
// the service.
func (s *Service) Run(ctx context.Context) error {
	defer s.Close()

	if err := s.scheduler.Start(ctx); err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(s.cfg.Port)),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("Journal service listening", "port", s.cfg.Port)
		serveErr <- srv.ListenAndServe()
	}()

	var runErr error
	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("serve: %w", err)
		}
	case <-ctx.Done():
		slog.Info("Shutting down journal service")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown failed", "error", err)
	}
	if err := s.dispatcher.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Archival queue did not drain", "error", err)
	}
	s.scheduler.Stop()
	if err := s.opts.AuditLogger.Flush(shutdownCtx); err != nil {
		slog.Warn("Audit flush failed", "error", err)
	}
	return runErr
}

// Sweep runs every TTL sweeper once.
func (s *Service) Sweep(ctx context.Context) ttl.Result {
	return s.scheduler.RunNow(ctx)
}

// ArchivePending archives every locked session without a journal and
// returns the number archived. Failures are joined; the remaining
// sessions are still attempted.
func (s *Service) ArchivePending(ctx context.Context) (int, error) {
	targets, err := s.pipeline.Pending(ctx)
	if err != nil {
		return 0, err
	}
	var (
		archived int
		errs     []error
	)
	for _, t := range targets {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		_, err := s.pipeline.Archive(ctx, t.IdentityID, t.SessionID)
		if errors.Is(err, archive.ErrAlreadyArchived) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", t.SessionID, err))
			continue
		}
		archived++
	}
	return archived, errors.Join(errs...)
}

// Close releases every resource. It is safe to call more than once.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		if s.dispatcher != nil {
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
			if err := s.dispatcher.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
			cancel()
		}
		if s.scheduler != nil {
			s.scheduler.Stop()
		}
		handlers.PurgeSecureMemory()
		for _, c := range s.closers {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if s.tracerCleanup != nil {
			s.tracerCleanup(context.Background())
		}
		if s.db != nil {
			if err := s.db.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

func expandPath(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
