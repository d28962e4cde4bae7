/**
 * @description
 * Dependency wiring shared by the HTTP service and the operator CLI. Optional
 * infrastructure (Redis, RabbitMQ) degrades to in-process fallbacks with a
 * warning, the way the transaction service boots.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: connection pool for every repository.
 * - github.com/redis/go-redis/v9: shared handoff rate limiting.
 * - github.com/spf13/afero: OS filesystem behind file storage and transports.
 */
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/afero"
	"github.com/transfa/ach-service/internal/app"
	"github.com/transfa/ach-service/internal/config"
	"github.com/transfa/ach-service/internal/domain"
	"github.com/transfa/ach-service/internal/events"
	"github.com/transfa/ach-service/internal/security"
	"github.com/transfa/ach-service/internal/storage"
	"github.com/transfa/ach-service/internal/store"
	"github.com/transfa/ach-service/internal/transport"
	"github.com/transfa/ach-service/pkg/rabbitmq"
)

// Services holds every wired component.
type Services struct {
	DB           *pgxpool.Pool
	Repository   *store.PostgresRepository
	Audit        *store.PostgresAuditLogger
	Secrets      *security.Store
	Files        *storage.FileStore
	Documents    *storage.DocumentStore
	Transport    transport.Transport
	Bus          *events.Bus
	Limiter      domain.RateLimiter
	Runner       *app.Runner
	Verification *app.Verification

	closers []func()
}

// OpenDatabase creates the pgx pool. Prepared statement caching is disabled
// so the service works behind a transaction-mode pooler.
func OpenDatabase(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	poolConfig.MaxConns = 20
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// Open wires the service. Callers must Close the result.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Services, error) {
	db, err := OpenDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	s := &Services{DB: db}
	s.closers = append(s.closers, db.Close)
	logger.Info("database connection established")

	if err := store.Migrate(ctx, db); err != nil {
		s.Close()
		return nil, err
	}

	s.Repository = store.NewPostgresRepository(db)
	s.Audit = store.NewPostgresAuditLogger(db, logger)

	s.Secrets, err = security.NewStore(cfg.MasterKey(), s.Repository, s.Audit, logger)
	if err != nil {
		s.Close()
		return nil, err
	}
	if previous := cfg.PreviousMasterKey(); previous != nil {
		if err := s.Secrets.AddDecryptionKey(previous); err != nil {
			s.Close()
			return nil, err
		}
		logger.Warn("previous master key loaded for reads; finish key rotation and unset it", "env", "SECURITY_PREVIOUS_MASTER_KEY")
	}

	osFs := afero.NewOsFs()
	s.Files, err = storage.NewFileStore(osFs, cfg.ACH.StorageDir)
	if err != nil {
		s.Close()
		return nil, err
	}
	docFiles, err := storage.NewFileStore(osFs, cfg.Verification.DocumentDir)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.Documents = storage.NewDocumentStore(docFiles, s.Secrets, s.Audit)

	s.Transport = NewTransport(cfg, s.Secrets, osFs, logger)

	s.Bus = events.NewBus(logger)
	s.wireEventForwarder(cfg, logger)

	s.Limiter = s.newRateLimiter(ctx, cfg, logger)

	s.Runner = app.NewRunner(s.Repository, s.Repository, s.Secrets, s.Files, s.Transport, s.Audit, s.Bus, logger, cfg)
	s.Verification = app.NewVerification(s.Repository, s.Repository, s.Secrets, s.Documents, s.Limiter, s.Audit, s.Bus, logger, cfg.Verification)
	return s, nil
}

// NewTransport picks the configured transport strategy.
func NewTransport(cfg *config.Config, creds transport.CredentialSource, local afero.Fs, logger *slog.Logger) transport.Transport {
	if cfg.SFTP.Transport == config.TransportLocal {
		return transport.NewLocalTransport(cfg.SFTP.LocalRoot, local)
	}
	return transport.NewSFTPTransport(transport.SFTPOptions{
		Host:       cfg.SFTP.Host,
		Port:       cfg.SFTP.Port,
		Username:   cfg.SFTP.Username,
		AuthMethod: cfg.SFTP.AuthMethod,
		HostKey:    cfg.SFTP.HostKey,
		Timeout:    cfg.SFTP.Timeout,
	}, creds, local, logger)
}

func (s *Services) wireEventForwarder(cfg *config.Config, logger *slog.Logger) {
	var publisher rabbitmq.Publisher = &rabbitmq.EventProducerFallback{}
	if cfg.RabbitMQURL == "" {
		logger.Warn("rabbitmq url missing; using fallback publisher", "env", "RABBITMQ_URL")
	} else if producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL); err != nil {
		logger.Warn("rabbitmq producer unavailable; using fallback publisher", "error", err)
	} else {
		publisher = producer
		logger.Info("rabbitmq producer connected", "exchange", cfg.EventExchange)
	}
	s.closers = append(s.closers, publisher.Close)
	s.Bus.Subscribe(events.Wildcard, events.Forwarder(publisher, cfg.EventExchange))
}

func (s *Services) newRateLimiter(ctx context.Context, cfg *config.Config, logger *slog.Logger) domain.RateLimiter {
	if cfg.RedisURL == "" {
		logger.Warn("redis url missing; handoff rate limiting is per process", "env", "REDIS_URL")
		return app.NewMemoryRateLimiter()
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Warn("redis url parse failed; handoff rate limiting is per process", "error", err)
		return app.NewMemoryRateLimiter()
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis ping failed; handoff rate limiting is per process", "error", err)
		client.Close()
		return app.NewMemoryRateLimiter()
	}
	s.closers = append(s.closers, func() { client.Close() })
	logger.Info("redis connected")
	return app.NewRedisRateLimiter(client, cfg.RedisPrefix)
}

// Close releases connections in reverse order of acquisition.
func (s *Services) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}
