package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/animus-labs/reelforge/internal/artifacts"
	"github.com/animus-labs/reelforge/internal/compute"
	"github.com/animus-labs/reelforge/internal/domain"
	"github.com/animus-labs/reelforge/internal/execution/callback"
	"github.com/animus-labs/reelforge/internal/execution/controller"
	"github.com/animus-labs/reelforge/internal/execution/dispatch"
	"github.com/animus-labs/reelforge/internal/execution/poller"
	"github.com/animus-labs/reelforge/internal/execution/schema"
	"github.com/animus-labs/reelforge/internal/platform/auditlog"
	"github.com/animus-labs/reelforge/internal/platform/auth"
	"github.com/animus-labs/reelforge/internal/platform/env"
	"github.com/animus-labs/reelforge/internal/platform/httpserver"
	"github.com/animus-labs/reelforge/internal/platform/k8s"
	"github.com/animus-labs/reelforge/internal/platform/objectstore"
	"github.com/animus-labs/reelforge/internal/platform/postgres"
	"github.com/animus-labs/reelforge/internal/provider"
	"github.com/animus-labs/reelforge/internal/repo"
	"github.com/animus-labs/reelforge/internal/repo/memory"
	repopg "github.com/animus-labs/reelforge/internal/repo/postgres"
	"github.com/animus-labs/reelforge/internal/workqueue"
)

const checkTimeout = 750 * time.Millisecond

func newServeCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the execution API, provider poller and callback endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), logger)
		},
	}
}

func serve(ctx context.Context, logger *slog.Logger) error {
	httpCfg, err := httpserver.ConfigFromEnv(serviceName)
	if err != nil {
		return invalidConfig("http", err)
	}
	queueCfg, err := workqueue.ConfigFromEnv()
	if err != nil {
		return invalidConfig("work queue", err)
	}
	dispatchCfg, err := dispatch.ConfigFromEnv()
	if err != nil {
		return invalidConfig("dispatch", err)
	}
	authCfg, err := auth.ConfigFromEnv()
	if err != nil {
		return invalidConfig("callback auth", err)
	}

	store, db, err := openStore(ctx, logger)
	if err != nil {
		return err
	}
	if db != nil {
		defer func() { _ = db.Close() }()
	}

	mux := http.NewServeMux()
	checks := make([]httpserver.ReadinessCheck, 0, 2)
	if db != nil {
		checks = append(checks, httpserver.ReadinessCheck{
			Name:  "postgres",
			Check: func(ctx context.Context) error { return postgres.Ping(ctx, db, checkTimeout) },
		})
	}

	router, artifactChecks, closeArtifacts, err := openArtifacts(ctx, logger, mux)
	if err != nil {
		return err
	}
	defer closeArtifacts()
	checks = append(checks, artifactChecks...)

	providers, err := openProviders(logger)
	if err != nil {
		return err
	}
	invoker, err := openInvoker()
	if err != nil {
		return err
	}

	ctrl := controller.New(store, schema.Builtin(), logger)
	queue := workqueue.New(queueCfg, logger)
	pl := poller.New(store, providers, router, ctrl, queue, logger)
	pl.Register(queue)

	dispatcher, err := dispatch.New(dispatchCfg, dispatch.Deps{
		Pipelines: store,
		Recorder:  ctrl,
		Providers: providers,
		Artifacts: router,
		Invoker:   invoker,
		Scheduler: queue,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	authenticator, err := auth.New(ctx, authCfg)
	if err != nil {
		return fmt.Errorf("callback authenticator: %w", err)
	}
	if authenticator == nil {
		logger.Warn("callback authentication is disabled")
	}
	middleware := auth.Middleware{
		Logger:        logger,
		Authenticator: authenticator,
		AuditLimit:    rate.NewLimiter(rate.Limit(5), 20),
	}
	if db != nil {
		middleware.Audit = func(ctx context.Context, event auth.DenyEvent) error {
			auditCtx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			return auditlog.InsertAuthDeny(auditCtx, db, serviceName, event)
		}
	}

	contract, err := loadContract(ctx)
	if err != nil {
		return err
	}

	api := &orchestratorAPI{
		logger:       logger,
		executor:     dispatch.NewService(ctrl, dispatcher),
		callbacks:    callback.NewProcessor(store, router, ctrl, logger),
		catalogue:    schema.Builtin().Catalogue(),
		contract:     contract,
		callbackAuth: middleware.Wrap,
	}
	api.register(mux)
	mux.HandleFunc("/healthz", httpserver.Healthz(serviceName))
	mux.HandleFunc("/readyz", httpserver.ReadyzWithChecks(serviceName, checks...))
	mux.Handle("GET /metrics", promhttp.Handler())

	if _, err := pl.Resume(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return queue.Run(gctx)
	})
	g.Go(func() error {
		err := httpserver.Run(gctx, logger, httpCfg, httpserver.Wrap(logger, serviceName, mux))
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	return g.Wait()
}

// openStore returns the node store and, for postgres, the underlying pool.
func openStore(ctx context.Context, logger *slog.Logger) (repo.Store, *sql.DB, error) {
	switch mode := strings.ToLower(env.String("REELFORGE_STORE", "postgres")); mode {
	case "memory":
		logger.Warn("using in-memory store, state is lost on restart")
		return memory.New(), nil, nil
	case "postgres":
		autoMigrate, err := env.Bool("REELFORGE_AUTO_MIGRATE", false)
		if err != nil {
			return nil, nil, invalidConfig("database", err)
		}
		dbCfg, err := postgres.ConfigFromEnv()
		if err != nil {
			return nil, nil, invalidConfig("database", err)
		}
		db, err := postgres.Open(ctx, dbCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("database unavailable: %w", err)
		}
		if autoMigrate {
			if err := repopg.Migrate(ctx, db); err != nil {
				_ = db.Close()
				return nil, nil, err
			}
		}
		return repopg.NewStore(db), db, nil
	default:
		return nil, nil, invalidConfig("store", fmt.Errorf("REELFORGE_STORE must be postgres or memory (got %q)", mode))
	}
}

// openArtifacts registers a store per storage target. The memory backend
// serves its objects from mux under /artifacts/.
func openArtifacts(ctx context.Context, logger *slog.Logger, mux *http.ServeMux) (*artifacts.Router, []httpserver.ReadinessCheck, func(), error) {
	noop := func() {}
	router := artifacts.NewRouter(env.String("REELFORGE_DEFAULT_STORAGE_TARGET", domain.StorageTargetMinIO))

	switch backend := strings.ToLower(env.String("REELFORGE_ARTIFACT_BACKEND", "objectstore")); backend {
	case "memory":
		mem := artifacts.NewMemoryStore(strings.TrimRight(env.String("REELFORGE_MEMORY_ARTIFACT_URL", "http://localhost:8080/artifacts"), "/"))
		router.Register(domain.StorageTargetMinIO, mem)
		router.Register(domain.StorageTargetGCS, mem)
		mux.HandleFunc("GET /artifacts/{key...}", memoryArtifactHandler(mem))
		logger.Warn("using in-memory artifact store")
		return router, nil, noop, nil
	case "objectstore":
	default:
		return nil, nil, noop, invalidConfig("artifacts", fmt.Errorf("REELFORGE_ARTIFACT_BACKEND must be objectstore or memory (got %q)", backend))
	}

	minioCfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		return nil, nil, noop, invalidConfig("minio", err)
	}
	bucket, err := objectstore.OpenBucket(ctx, minioCfg)
	if err != nil {
		return nil, nil, noop, err
	}
	minioStore, err := artifacts.NewMinioStore(bucket.Client, bucket.Name)
	if err != nil {
		return nil, nil, noop, err
	}
	router.Register(domain.StorageTargetMinIO, minioStore)
	checks := []httpserver.ReadinessCheck{{Name: "minio", Check: httpserver.WithTimeout(checkTimeout, bucket.Check)}}

	closer := noop
	if gcsCfg := objectstore.GCSConfigFromEnv(); gcsCfg.Enabled() {
		gcsBucket, err := objectstore.OpenGCSBucket(ctx, gcsCfg)
		if err != nil {
			return nil, nil, noop, err
		}
		gcsStore, err := artifacts.NewGCSStore(gcsBucket.Client, gcsBucket.Name)
		if err != nil {
			_ = gcsBucket.Close()
			return nil, nil, noop, err
		}
		router.Register(domain.StorageTargetGCS, gcsStore)
		checks = append(checks, httpserver.ReadinessCheck{Name: "gcs", Check: httpserver.WithTimeout(checkTimeout, gcsBucket.Check)})
		closer = func() { _ = gcsBucket.Close() }
	}

	_, target, err := router.For("")
	if err != nil {
		closer()
		return nil, nil, noop, invalidConfig("artifacts", fmt.Errorf("default storage target: %w", err))
	}
	logger.Info("artifact stores ready", "default_target", target, "targets", router.Targets())
	return router, checks, closer, nil
}

func openProviders(logger *slog.Logger) (*provider.Registry, error) {
	path := env.String("REELFORGE_PROVIDERS_FILE", "")
	if path == "" {
		logger.Warn("no provider catalogue configured, provider node types will fail to submit")
		return provider.NewRegistry()
	}
	cat, err := provider.LoadCatalogue(path)
	if err != nil {
		return nil, invalidConfig("provider catalogue", err)
	}
	registry, err := provider.FromCatalogue(cat, nil)
	if err != nil {
		return nil, invalidConfig("provider catalogue", err)
	}
	logger.Info("providers loaded", "providers", registry.Names())
	return registry, nil
}

func openInvoker() (compute.Invoker, error) {
	cfg, err := compute.ConfigFromEnv()
	if err != nil {
		return nil, invalidConfig("compute", err)
	}
	switch cfg.Mode {
	case compute.ModeKubernetes:
		client, err := k8s.NewInClusterClient()
		if err != nil {
			return nil, fmt.Errorf("kubernetes client: %w", err)
		}
		invoker, err := compute.NewKubernetesJobInvoker(client, cfg)
		if err != nil {
			return nil, invalidConfig("compute", err)
		}
		return invoker, nil
	default:
		invoker, err := compute.NewHTTPInvoker(cfg.FunctionURL, cfg.FunctionToken, &http.Client{Timeout: cfg.RequestTimeout})
		if err != nil {
			return nil, invalidConfig("compute", err)
		}
		return invoker, nil
	}
}
