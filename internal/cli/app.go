package cli

// ============================================================================
// 佇列程序組裝：store → JobManager → 傳輸層 / 背景循環
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/akamine-lab/calc-pi-dist/internal/config"
	"github.com/akamine-lab/calc-pi-dist/internal/controller"
	"github.com/akamine-lab/calc-pi-dist/internal/events"
	"github.com/akamine-lab/calc-pi-dist/internal/jobmanager"
	"github.com/akamine-lab/calc-pi-dist/internal/metrics"
	"github.com/akamine-lab/calc-pi-dist/internal/record"
	"github.com/akamine-lab/calc-pi-dist/internal/server"
	"github.com/akamine-lab/calc-pi-dist/internal/store"
)

const shutdownTimeout = 10 * time.Second

// app 是 `run` 命令啟動的所有元件
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	store      store.Store
	registry   *prometheus.Registry
	hub        *events.Hub
	jobManager *jobmanager.JobManager
	controller *controller.Controller
}

// newLogger 依設定建立 text 或 json handler
func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	level, err := cfg.SlogLevel()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// openStore 依 store.driver 開啟後端
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case config.DriverRedis:
		return store.OpenRedis(ctx, cfg.Store.RedisURL)
	case config.DriverPostgres:
		return store.OpenPostgres(ctx, cfg.Store.PostgresDSN)
	case config.DriverMemory, "":
		return store.OpenMemory(cfg.Store.SnapshotPath)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// newApp 組裝所有元件，但不啟動任何 goroutine
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Store.Driver, err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	collector := metrics.NewCollector(reg)

	hub := events.NewHub(cfg.Notifier.History, cfg.Notifier.Buffer, logger)

	jm := jobmanager.NewJobManager(st,
		jobmanager.WithKeys(record.NewKeys(cfg.Store.KeyPrefix)),
		jobmanager.WithLease(cfg.Lease.Duration),
		jobmanager.WithReclaimBatch(cfg.Lease.ReclaimBatch),
		jobmanager.WithEmitter(hub),
		jobmanager.WithRecorder(collector),
		jobmanager.WithLogger(logger),
	)

	ctrl := controller.NewController(controller.Config{
		ReclaimInterval:  cfg.Lease.ReclaimInterval,
		SnapshotInterval: cfg.Store.SnapshotInterval,
		WorkerCount:      cfg.Worker.Count,
		WorkerBackoff:    cfg.Worker.Backoff,
	}, jm, st,
		controller.WithReclaimObserver(collector),
		controller.WithLatencyObserver(collector),
		controller.WithLogger(logger),
	)

	return &app{
		cfg:        cfg,
		logger:     logger,
		store:      st,
		registry:   reg,
		hub:        hub,
		jobManager: jm,
		controller: ctrl,
	}, nil
}

// serve 啟動 HTTP、gRPC、metrics 與 Controller，直到 ctx 取消或任一元件失敗
func (a *app) serve(ctx context.Context) error {
	defer func() {
		if err := a.store.Close(); err != nil {
			a.logger.Error("failed to close store", "error", err)
		}
	}()

	g, ctx := errgroup.WithContext(ctx)

	if err := a.controller.Start(ctx); err != nil {
		return fmt.Errorf("failed to start controller: %w", err)
	}
	g.Go(func() error {
		<-ctx.Done()
		a.controller.Stop()
		return nil
	})

	httpSrv := &http.Server{
		Addr:              a.cfg.HTTP.Addr,
		Handler:           server.HTTPHandler(a.jobManager, a.hub, a.cfg.HTTP.RootPath, a.logger),
		ReadHeaderTimeout: 5 * time.Second,
	}
	a.serveHTTP(ctx, g, "http", httpSrv)

	if a.cfg.Metrics.Enabled {
		a.serveHTTP(ctx, g, "metrics", metrics.NewServer(a.cfg.Metrics.Port, a.registry))
	}

	lis, err := net.Listen("tcp", a.cfg.GRPC.Addr)
	if err != nil {
		g.Go(func() error { return fmt.Errorf("failed to listen on %s: %w", a.cfg.GRPC.Addr, err) })
		return g.Wait()
	}
	grpcSrv := grpc.NewServer()
	server.NewServer(a.jobManager, a.logger).Register(grpcSrv)
	g.Go(func() error {
		a.logger.Info("gRPC server listening", "addr", lis.Addr().String())
		if err := grpcSrv.Serve(lis); err != nil {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		grpcSrv.GracefulStop()
		return nil
	})

	a.logger.Info("system started",
		"store", a.cfg.Store.Driver,
		"lease", a.cfg.Lease.Duration,
		"workers", a.cfg.Worker.Count)

	return g.Wait()
}

func (a *app) serveHTTP(ctx context.Context, g *errgroup.Group, name string, srv *http.Server) {
	// 關閉時取消請求 context，讓 /events 串流結束
	srv.BaseContext = func(net.Listener) context.Context { return ctx }
	g.Go(func() error {
		a.logger.Info("http server listening", "server", name, "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("%s server: %w", name, err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("http shutdown incomplete", "server", name, "error", err)
		}
		return nil
	})
}
