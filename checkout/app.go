package checkout

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/exp/slog"

	"github.com/alovak/cardflow-checkout/gateway"
	"github.com/alovak/cardflow-checkout/internal/idempotency"
	"github.com/alovak/cardflow-checkout/internal/middleware"
	"github.com/alovak/cardflow-checkout/internal/security"
	"github.com/alovak/cardflow-checkout/internal/tracing"
)

// App is the main application, it contains all the components of the checkout
// service and is responsible for starting and stopping them.
type App struct {
	srv    *http.Server
	wg     *sync.WaitGroup
	Addr   string
	logger *slog.Logger
	config *Config

	// Encryptor seals card payloads. Nil means software AES-GCM.
	Encryptor security.Encryptor
	// HTTPClient is used for gateway calls; nil builds one from the config.
	HTTPClient *http.Client

	db            *sql.DB
	redis         *redis.Client
	stopSweeper   context.CancelFunc
	stopTracing   func(context.Context) error
	shutdownGrace time.Duration
}

func NewApp(logger *slog.Logger, config *Config) *App {
	logger = logger.With(slog.String("app", "checkout"))

	if config == nil {
		config = DefaultConfig()
	}

	return &App{
		wg:            &sync.WaitGroup{},
		logger:        logger,
		config:        config,
		shutdownGrace: 10 * time.Second,
	}
}

// Start brings up every component and serves HTTP in the background. On
// error, whatever was already started is stopped again before returning.
func (a *App) Start() (err error) {
	a.logger.Info("starting app...")

	if err := a.config.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	defer func() {
		if err != nil {
			a.Shutdown()
		}
	}()

	stopTracing, err := tracing.Init(context.Background(), "checkout", a.config.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	a.stopTracing = stopTracing

	repository, err := a.repository()
	if err != nil {
		return err
	}

	idem, err := a.idempotencyStore()
	if err != nil {
		return err
	}

	hc := a.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: a.config.Gateway.Timeout}
	}
	gw := gateway.New(a.config.GatewayClientConfig(), hc, a.logger)

	svc := NewService(repository, idem, gw, a.Encryptor, a.config, a.logger)

	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	a.stopSweeper = stopSweeper
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		svc.RunSweeper(sweepCtx, sweepInterval(a.config.SessionTTL))
	}()

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.NewStructuredLogger(a.logger))

	api := NewAPI(svc)
	api.AppendRoutes(router)

	router.Get("/-/live", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	router.Get("/-/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := repository.Ping(ctx); err != nil {
			http.Error(w, "db not ready", http.StatusServiceUnavailable)
			return
		}
		if a.redis != nil {
			if err := a.redis.Ping(ctx).Err(); err != nil {
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	})
	router.Handle("/metrics", promhttp.Handler())

	l, err := net.Listen("tcp", a.config.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening tcp port: %w", err)
	}

	a.Addr = l.Addr().String()

	a.srv = &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.logger.Info("http server started", slog.String("addr", a.Addr))

		if err := a.srv.Serve(l); err != nil {
			if err != http.ErrServerClosed {
				a.logger.Error("starting http server", "err", err)
			}

			a.logger.Info("http server stopped")
		}
	}()

	return nil
}

func (a *App) repository() (*Repository, error) {
	switch a.config.RepoBackend {
	case "pg":
		db, err := sql.Open("postgres", a.config.DBDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		db.SetMaxIdleConns(5)
		db.SetMaxOpenConns(10)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		a.db = db

		repo := NewPGRepository(db)
		if err := repo.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return repo, nil
	default:
		return NewRepository(), nil
	}
}

func (a *App) idempotencyStore() (idempotency.Store, error) {
	switch a.config.Idempotency.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: a.config.Idempotency.RedisAddr})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		a.redis = client
		return idempotency.NewRedis(client, a.config.Idempotency.TTL), nil
	default:
		return idempotency.NewMemory(a.config.Idempotency.TTL), nil
	}
}

func sweepInterval(ttl time.Duration) time.Duration {
	interval := ttl / 4
	if interval < time.Second {
		interval = time.Second
	}
	if interval > time.Minute {
		interval = time.Minute
	}
	return interval
}

func (a *App) Shutdown() {
	a.logger.Info("shutting down app...")

	ctx, cancel := context.WithTimeout(context.Background(), a.shutdownGrace)
	defer cancel()

	if a.srv != nil {
		if err := a.srv.Shutdown(ctx); err != nil {
			a.logger.Error("shutting down http server", "err", err)
		}
		a.srv = nil
	}
	if a.stopSweeper != nil {
		a.stopSweeper()
		a.stopSweeper = nil
	}

	a.wg.Wait()

	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Error("closing redis", "err", err)
		}
		a.redis = nil
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Error("closing db", "err", err)
		}
		a.db = nil
	}
	if a.stopTracing != nil {
		if err := a.stopTracing(ctx); err != nil {
			a.logger.Error("stopping tracing", "err", err)
		}
		a.stopTracing = nil
	}

	a.logger.Info("app stopped")
}
