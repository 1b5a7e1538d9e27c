package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	goSession "github.com/ngthtrong/goSession"
	"github.com/ngthtrong/goSession/httpapi"
	"github.com/ngthtrong/goSession/internal/userstore"
	"github.com/ngthtrong/goSession/metrics/export/prometheus"
	"github.com/ngthtrong/goSession/notify/kafka"
	"github.com/ngthtrong/goSession/session"
)

// daemon owns every long-lived resource. Close releases them in reverse
// order of acquisition.
type daemon struct {
	cfg       *Config
	log       *slog.Logger
	pool      *pgxpool.Pool
	rdb       *redis.Client
	publisher *kafka.Publisher
	engine    *goSession.Engine
	handler   http.Handler
}

func newDaemon(ctx context.Context, cfg *Config, log *slog.Logger) (_ *daemon, err error) {
	engineCfg, err := cfg.EngineConfig()
	if err != nil {
		return nil, err
	}

	d := &daemon{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			d.Close()
		}
	}()

	if cfg.MigrateOnStart && cfg.SessionStore == "postgres" {
		if err := session.Migrate(cfg.DatabaseURL, "up"); err != nil {
			return nil, err
		}
		log.Info("db.migrated")
	}

	d.pool, err = pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	users, err := userstore.NewPostgres(d.pool, cfg.UsersTable)
	if err != nil {
		return nil, err
	}

	// Redis backs the throttles even when sessions live in Postgres.
	d.rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})

	b := goSession.New().
		WithConfig(engineCfg).
		WithRedis(d.rdb).
		WithUserProvider(users).
		WithLogger(log)

	if cfg.SessionStore == "postgres" {
		b.WithStore(session.NewPostgresStore(d.pool))
	}

	if brokers := cfg.KafkaBrokersList(); len(brokers) > 0 {
		d.publisher, err = kafka.New(kafka.Config{
			Brokers:    brokers,
			ReuseTopic: cfg.KafkaReuseTopic,
			AuditTopic: cfg.KafkaAuditTopic,
			Logger:     log,
		})
		if err != nil {
			return nil, err
		}
		b.WithNotifier(d.publisher)
		if cfg.KafkaAuditTopic != "" {
			b.WithAuditSink(d.publisher)
		}
	}

	d.engine, err = b.Build()
	if err != nil {
		return nil, err
	}
	log.Info("engine.ready", "security", d.engine.SecurityReport())

	d.handler = d.routes()
	return d, nil
}

func (d *daemon) routes() http.Handler {
	apiCfg := httpapi.DefaultConfig()
	apiCfg.Prefix = d.cfg.RoutePrefix
	apiCfg.Cookie.Name = d.cfg.CookieName
	apiCfg.Cookie.Path = d.cfg.RoutePrefix
	apiCfg.Cookie.Domain = d.cfg.CookieDomain
	apiCfg.Cookie.Secure = !d.cfg.CookieInsecure
	apiCfg.RefreshLifetime = d.cfg.RefreshLifetime
	apiCfg.TrustForwardedFor = d.cfg.TrustProxy
	apiCfg.Logger = d.log

	mux := http.NewServeMux()
	mux.Handle("/", httpapi.New(d.engine, apiCfg))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := d.engine.Ping(ctx); err != nil {
			d.log.Warn("health.fail", "error", err)
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	if d.cfg.MetricsEnabled {
		mux.Handle("GET /metrics", prometheus.NewCollector(d.engine).Handler())
	}
	return mux
}

// Run serves HTTP and sweeps expired records until ctx is done.
func (d *daemon) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              d.cfg.HTTPAddr,
		Handler:           d.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	if d.cfg.SweepInterval > 0 {
		go d.engine.Sweeper(d.cfg.SweepInterval, d.cfg.SweepGrace).Run(ctx)
	}

	d.log.Info("server.start", "addr", d.cfg.HTTPAddr, "session_store", d.cfg.SessionStore)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		d.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		d.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		d.log.Error("server.shutdown.fail", "err", err)
		return err
	}
	d.log.Info("server.stopped")
	return nil
}

func (d *daemon) Close() {
	if d.engine != nil {
		d.engine.Close()
	}
	if d.publisher != nil {
		if err := d.publisher.Close(); err != nil {
			d.log.Warn("kafka.close.fail", "err", err)
		}
	}
	if d.rdb != nil {
		_ = d.rdb.Close()
	}
	if d.pool != nil {
		d.pool.Close()
	}
}
