package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/doguSXFR/KeymanServer/internal/config"
	"github.com/doguSXFR/KeymanServer/internal/db"
	"github.com/doguSXFR/KeymanServer/internal/grpchealth"
	"github.com/doguSXFR/KeymanServer/internal/httpapi"
	"github.com/doguSXFR/KeymanServer/internal/keyman/actuator"
	"github.com/doguSXFR/KeymanServer/internal/keyman/events"
	"github.com/doguSXFR/KeymanServer/internal/keyman/service"
	"github.com/doguSXFR/KeymanServer/internal/keyman/store"
	"github.com/doguSXFR/KeymanServer/internal/keyman/store/memory"
	pgstore "github.com/doguSXFR/KeymanServer/internal/keyman/store/postgres"
	"github.com/doguSXFR/KeymanServer/internal/keyman/store/rediscache"
	sqlitestore "github.com/doguSXFR/KeymanServer/internal/keyman/store/sqlite"
	"github.com/doguSXFR/KeymanServer/internal/logger"
	"github.com/doguSXFR/KeymanServer/internal/metrics"
)

func main() {
	configPath := pflag.StringP("config", "c", os.Getenv("KEYMAN_CONFIG"), "path to a YAML config file")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Env, cfg.LogLevel, "keyman-server")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Error("server exited with error", zap.Error(err))
		os.Exit(1)
	}
}

// stores is the set of backends every service is built on.
type stores struct {
	users    store.UserStore
	sessions store.SessionStore
	keys     store.KeyStore
	grants   store.GrantStore
	ledger   store.Ledger
	close    func()
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	health := grpchealth.New(log.Named("grpc"))
	m := metrics.New(nil)
	hasher := service.NewBcryptHasher(bcrypt.DefaultCost)

	// Stores
	st, err := openStores(ctx, cfg, hasher, log)
	if err != nil {
		return err
	}
	defer st.close()

	sessionStore := st.sessions
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn("redis unreachable, session cache will fall back to the store", zap.Error(err))
		}
		sessionStore = rediscache.NewSessionCache(st.sessions, rdb, cfg.Redis.SessionTTL.Std(), log.Named("session-cache"))
		log.Info("session cache enabled", zap.String("addr", cfg.Redis.Addr))
	}

	// Audit event publishing is optional; a nil *AMQPPublisher must not
	// end up inside the interface.
	var publisher service.EventPublisher
	if cfg.RabbitMQ.URL != "" {
		pub, err := events.Dial(ctx, events.Config{
			URL:      cfg.RabbitMQ.URL,
			Exchange: cfg.RabbitMQ.Exchange,
		})
		if err != nil {
			return fmt.Errorf("rabbitmq: %w", err)
		}
		defer pub.Close()
		publisher = pub
		log.Info("audit events publishing enabled", zap.String("exchange", cfg.RabbitMQ.Exchange))
	}

	// Services
	policy := service.SessionPolicy{MaxAge: cfg.Sessions.MaxAge.Std()}
	sessions := service.NewSessionService(sessionStore, policy, log.Named("sessions"))
	authSvc := service.NewAuthService(st.users, hasher, sessions, log.Named("auth"))
	keySvc := service.NewKeyService(service.KeyStores{
		Users:  st.users,
		Keys:   st.keys,
		Grants: st.grants,
		Audit:  st.ledger,
	}, sessions, log.Named("keys"))
	unlockSvc := service.NewUnlockService(service.UnlockDeps{
		Sessions:  sessions,
		Ledger:    st.ledger,
		Actuator:  actuator.NewHTTP(nil),
		Publisher: publisher,
		Metrics:   m,
		Logger:    log.Named("unlock"),
	}, service.UnlockConfig{
		StorageTimeout:  cfg.Unlock.StorageTimeout.Std(),
		ActuatorTimeout: cfg.Unlock.ActuatorTimeout.Std(),
	})

	pruner := service.NewSessionPruner(st.sessions, policy, cfg.Sessions.PruneInterval.Std(), log.Named("pruner"),
		func(n int64) { m.SessionsPruned.Add(float64(n)) })
	pruner.Start(ctx)
	defer pruner.Stop()

	// HTTP
	srv := httpapi.NewServer(httpapi.Dependencies{
		Logger:        log.Named("http"),
		Addr:          cfg.HTTPAddr,
		Auth:          authSvc,
		Keys:          keySvc,
		Unlock:        unlockSvc,
		Metrics:       m,
		AuthPerMinute: cfg.RateLimit.AuthPerMinute,
		AuthBurst:     cfg.RateLimit.AuthBurst,
	})

	go func() {
		log.Info("listening", zap.String("addr", cfg.HTTPAddr), zap.String("store", cfg.Store.Driver))
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	// gRPC health
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("grpc listen %s: %w", cfg.GRPCAddr, err)
		}
		go func() {
			if err := health.Serve(lis); err != nil {
				log.Error("grpc server error", zap.Error(err))
				stop()
			}
		}()
	}
	health.SetServing()

	<-ctx.Done()
	log.Info("shutting down")
	health.SetNotServing()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	health.Stop(shutdownCtx)
	return nil
}

func openStores(ctx context.Context, cfg config.Config, hasher service.PasswordHasher, log *zap.Logger) (stores, error) {
	switch cfg.Store.Driver {
	case "memory":
		m := memory.New()
		log.Warn("using in-memory store; data is lost on restart")
		return stores{users: m, sessions: m, keys: m, grants: m, ledger: m, close: func() {}}, nil

	case "postgres":
		pool, err := db.OpenPostgres(ctx, db.PostgresConfig{
			DSN:      cfg.Store.PostgresDSN,
			MaxConns: cfg.Store.PostgresMaxConns,
		})
		if err != nil {
			return stores{}, err
		}
		p := pgstore.New(pool)
		log.Info("postgres store ready")
		return stores{users: p, sessions: p, keys: p, grants: p, ledger: p, close: pool.Close}, nil

	default:
		conn, err := db.Open(ctx, db.Config{Path: cfg.Store.SQLitePath, Env: cfg.Env})
		if err != nil {
			return stores{}, err
		}
		if cfg.SeedDev && cfg.Env == "dev" {
			if err := seedDev(ctx, conn, hasher, log); err != nil {
				conn.Close()
				return stores{}, err
			}
		}
		w := db.NewWorker(conn)
		ks := sqlitestore.NewKeyStore(conn, w)
		log.Info("sqlite store ready", zap.String("path", cfg.Store.SQLitePath))
		return stores{
			users:    sqlitestore.NewUserStore(conn, w),
			sessions: sqlitestore.NewSessionStore(conn, w),
			keys:     ks,
			grants:   ks,
			ledger:   sqlitestore.NewAuditStore(conn, w),
			close: func() {
				w.Close()
				_ = conn.Close()
			},
		}, nil
	}
}

func seedDev(ctx context.Context, conn *sql.DB, hasher service.PasswordHasher, log *zap.Logger) error {
	const password = "demo-password"
	hash, err := hasher.Hash(password)
	if err != nil {
		return fmt.Errorf("seed dev: %w", err)
	}
	if err := db.SeedDev(ctx, conn, db.SeedDevOptions{PasswordHash: hash}); err != nil {
		return err
	}
	log.Info("dev seed applied", zap.String("username", "demo"), zap.String("password", password))
	return nil
}
