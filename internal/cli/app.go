package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/ChuLiYu/forge-queue/internal/api"
	"github.com/ChuLiYu/forge-queue/internal/breaker"
	"github.com/ChuLiYu/forge-queue/internal/config"
	"github.com/ChuLiYu/forge-queue/internal/dispatcher"
	"github.com/ChuLiYu/forge-queue/internal/failover"
	"github.com/ChuLiYu/forge-queue/internal/jobstore"
	"github.com/ChuLiYu/forge-queue/internal/lock"
	"github.com/ChuLiYu/forge-queue/internal/metrics"
	"github.com/ChuLiYu/forge-queue/internal/monitor"
	"github.com/ChuLiYu/forge-queue/internal/notify"
	"github.com/ChuLiYu/forge-queue/internal/provider"
	"github.com/ChuLiYu/forge-queue/internal/reaper"
	"github.com/ChuLiYu/forge-queue/internal/retry"
	"github.com/ChuLiYu/forge-queue/internal/server"
	"github.com/ChuLiYu/forge-queue/internal/submit"
	"github.com/ChuLiYu/forge-queue/internal/worker"
)

// App 組裝好的引擎：儲存、鎖、provider、dispatcher 與對外介面
type App struct {
	Config     *config.Config
	Store      jobstore.Store
	Locks      lock.Service
	Registry   *provider.Registry
	Breaker    *breaker.Breaker
	Executor   *failover.Executor
	Pool       *worker.Pool
	Monitor    *monitor.Monitor
	Events     *notify.Broadcaster
	Metrics    *metrics.Collector
	Submit     *submit.Service
	Dispatcher *dispatcher.Dispatcher

	log     *zap.Logger
	closers []func() error

	httpServer    *http.Server
	metricsServer *http.Server
	grpcServer    *grpc.Server
	httpAddr      net.Addr
	grpcAddr      net.Addr
}

// OpenStore 依配置開啟任務儲存
func OpenStore(cfg *config.Config, log *zap.Logger) (jobstore.Store, error) {
	switch cfg.Store.Driver {
	case config.StoreSQLite:
		if err := ensureDir(cfg.Store.Path); err != nil {
			return nil, err
		}
		return jobstore.OpenSQLite(cfg.Store.Path)
	default:
		if cfg.Store.Path == "" {
			return jobstore.NewMemoryStore(), nil
		}
		if err := ensureDir(cfg.Store.Path); err != nil {
			return nil, err
		}
		return jobstore.OpenPersistentMemoryStore(cfg.Store.Path, cfg.Store.SnapshotInterval, log)
	}
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	return nil
}

// NewApp 依配置建立所有元件（尚未啟動）
//
// 參數：
//   - cfg: 已驗證的配置
//   - reg: metrics 註冊目標；nil 使用獨立 registry
//   - log: 根 logger
func NewApp(cfg *config.Config, reg *prometheus.Registry, log *zap.Logger) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	log = log.With(zap.String("instance", cfg.InstanceID))
	a := &App{Config: cfg, log: log}

	store, err := OpenStore(cfg, log)
	if err != nil {
		return nil, err
	}
	a.Store = store
	a.closers = append(a.closers, store.Close)

	switch cfg.Lock.Backend {
	case config.LockEtcd:
		svc, err := lock.DialEtcd(cfg.Lock.Etcd, cfg.InstanceID, log)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.Locks = svc
		a.closers = append(a.closers, svc.Close)
	default:
		a.Locks = lock.NewMemoryBackend().Client(cfg.InstanceID)
	}

	providers, err := cfg.BuildProviders()
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.Registry = provider.NewRegistry(providers...)

	a.Metrics = metrics.NewCollector(reg)
	a.Breaker = breaker.New(cfg.Breaker, log)
	a.Breaker.SetObserver(a.Metrics)

	a.Pool = worker.NewPool(cfg.Pool.Size, cfg.Pool.SlotWait)
	a.Monitor = monitor.New(cfg.Admission, store)
	a.Events = notify.NewBroadcaster(notify.DefaultBuffer)
	notifier := notify.Multi{notify.NewLogNotifier(log), a.Events}
	policy := retry.NewPolicy(cfg.Retry)

	a.Executor = failover.New(cfg.Failover, a.Registry, a.Breaker, cfg.Scorer, a.Metrics, log)
	rp := reaper.New(cfg.Reaper, reaper.Deps{
		Store:    store,
		Policy:   policy,
		Locks:    a.Locks,
		Running:  a.Pool,
		Notifier: notifier,
		Recorder: a.Metrics,
		Log:      log,
	})

	a.Dispatcher, err = dispatcher.New(cfg.Dispatcher, dispatcher.Deps{
		Store:    store,
		Pool:     a.Pool,
		Executor: a.Executor,
		Policy:   policy,
		Monitor:  a.Monitor,
		Locks:    a.Locks,
		Notifier: notifier,
		Reaper:   rp,
		Health:   a.Registry,
		Metrics:  a.Metrics,
		Log:      log,
	})
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	a.Submit = submit.New(cfg.Submit, store, a.Monitor, notifier, a.Metrics, log)
	return a, nil
}

// Start 啟動 dispatcher 與已啟用的 HTTP / gRPC / metrics 服務
func (a *App) Start() error {
	if err := a.Dispatcher.Start(); err != nil {
		return err
	}

	if a.Config.HTTP.Enabled {
		gin.SetMode(gin.ReleaseMode)
		router := api.NewAPI(api.Options{
			Submit:     a.Submit,
			Events:     a.Events,
			Monitor:    a.Monitor,
			Breaker:    a.Breaker,
			Ranker:     a.Executor,
			Metrics:    a.Metrics,
			InstanceID: a.Config.InstanceID,
			Log:        a.log,
		}).NewRouter()
		a.httpServer = &http.Server{Addr: a.Config.HTTP.Addr, Handler: router, ReadHeaderTimeout: 5 * time.Second}
		addr, err := a.serveHTTP(a.httpServer, "http")
		if err != nil {
			return err
		}
		a.httpAddr = addr
	}

	if a.Config.Metrics.Enabled && a.Config.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", a.Metrics.Handler())
		a.metricsServer = &http.Server{Addr: a.Config.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		if _, err := a.serveHTTP(a.metricsServer, "metrics"); err != nil {
			return err
		}
	}

	if a.Config.GRPC.Enabled {
		lis, err := net.Listen("tcp", a.Config.GRPC.Addr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", a.Config.GRPC.Addr, err)
		}
		a.grpcAddr = lis.Addr()
		a.grpcServer = grpc.NewServer()
		server.RegisterJobServiceServer(a.grpcServer, server.NewServer(a.Submit, a.log))
		go func() {
			if err := a.grpcServer.Serve(lis); err != nil {
				a.log.Error("grpc server failed", zap.Error(err))
			}
		}()
		a.log.Info("grpc server listening", zap.String("addr", lis.Addr().String()))
	}
	return nil
}

func (a *App) serveHTTP(srv *http.Server, name string) (net.Addr, error) {
	lis, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", srv.Addr, err)
	}
	go func() {
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server failed", zap.String("server", name), zap.Error(err))
		}
	}()
	a.log.Info("server listening", zap.String("server", name), zap.String("addr", lis.Addr().String()))
	return lis.Addr(), nil
}

// HTTPAddr HTTP API 實際監聽的位址（未啟用時為空字串）
func (a *App) HTTPAddr() string {
	if a.httpAddr == nil {
		return ""
	}
	return a.httpAddr.String()
}

// GRPCAddr gRPC 實際監聽的位址（未啟用時為空字串）
func (a *App) GRPCAddr() string {
	if a.grpcAddr == nil {
		return ""
	}
	return a.grpcAddr.String()
}

// Shutdown 依序停止對外服務、dispatcher，最後關閉儲存與鎖
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	if a.grpcServer != nil {
		a.grpcServer.GracefulStop()
	}
	for _, srv := range []*http.Server{a.httpServer, a.metricsServer} {
		if srv != nil {
			if err := srv.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if err := a.Dispatcher.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Close 釋放儲存與鎖（反向順序）
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
