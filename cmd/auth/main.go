package main

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	cacheadapter "github.com/smallbiznis/valora-dataholder/internal/adapter/cache"
	"github.com/smallbiznis/valora-dataholder/internal/adapter/embedded"
	"github.com/smallbiznis/valora-dataholder/internal/arrangement"
	"github.com/smallbiznis/valora-dataholder/internal/bootstrap"
	"github.com/smallbiznis/valora-dataholder/internal/config"
	httptransport "github.com/smallbiznis/valora-dataholder/internal/http"
	"github.com/smallbiznis/valora-dataholder/internal/http/handler"
	httpmiddleware "github.com/smallbiznis/valora-dataholder/internal/http/middleware"
	"github.com/smallbiznis/valora-dataholder/internal/idperm"
	"github.com/smallbiznis/valora-dataholder/internal/jwt"
	"github.com/smallbiznis/valora-dataholder/internal/metrics"
	apimiddleware "github.com/smallbiznis/valora-dataholder/internal/middleware"
	"github.com/smallbiznis/valora-dataholder/internal/par"
	"github.com/smallbiznis/valora-dataholder/internal/repository"
	"github.com/smallbiznis/valora-dataholder/internal/server"
	"github.com/smallbiznis/valora-dataholder/internal/service"
	"github.com/smallbiznis/valora-dataholder/internal/telemetry"
)

func main() {
	app := fx.New(
		fx.Provide(
			newConfig,
			newLogger,
			newTelemetry,
			newSnowflake,
			newPGXPool,
			newRecordStore,
			newClientRepository,
			newClientRepo,
			newClientRegistrar,
			newSigner,
			newCipher,
			newTokenGenerator,
			metrics.NewRecorder,
			arrangement.NewManager,
			newArrangementManager,
			newRequestValidator,
			newPARManager,
			newPushedRequests,
			service.NewTokenService,
			service.NewAuthorizationService,
			newRevocationCoordinator,
			newDiscoveryService,
			newAssertionVerifier,
			newClientAuth,
			newHandler,
			newRateLimiter,
			httptransport.NewRouter,
			server.NewHTTPServer,
		),
		fx.Invoke(useTelemetry, bootstrap.EnsureClients, startHTTPServer),
	)

	app.Run()
}

func newConfig() (config.Config, error) {
	return config.Load()
}

// newLogger builds the process logger. With LOG_FILE set, entries are also
// written as JSON to a rotated file.
func newLogger(cfg config.Config) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Environment == "development" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}

	if cfg.LogFile != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.LogMaxSizeMB,
			MaxBackups: cfg.LogMaxBackups,
			MaxAge:     cfg.LogMaxAgeDays,
			Compress:   true,
		}
		fileCore := zapcore.NewCore(
			zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
			zapcore.AddSync(rotator),
			zap.InfoLevel,
		)
		logger = logger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
			return zapcore.NewTee(core, fileCore)
		}))
	}

	zap.ReplaceGlobals(logger)
	return logger, nil
}

func newTelemetry(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (*telemetry.Provider, error) {
	provider, err := telemetry.New(context.Background(), cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("telemetry init: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return provider.Shutdown(stopCtx)
		},
	})

	return provider, nil
}

func newSnowflake() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}

func newPGXPool(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := repository.EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			pool.Close()
			return nil
		},
	})

	return pool, nil
}

// newRecordStore selects the keyed record store backend. Client
// registrations always live in Postgres.
func newRecordStore(lc fx.Lifecycle, cfg config.Config, pool *pgxpool.Pool, logger *zap.Logger) (repository.RecordStore, error) {
	logger.Info("record store selected", zap.String("backend", cfg.RecordStore))

	switch cfg.RecordStore {
	case config.StoreRedis:
		client, err := newRedisClient(lc, cfg)
		if err != nil {
			return nil, err
		}
		return cacheadapter.NewRedisRecordStore(client), nil
	case config.StoreBolt:
		store, err := embedded.OpenBoltRecordStore(cfg.BoltPath)
		if err != nil {
			return nil, err
		}
		lc.Append(fx.Hook{
			OnStop: func(context.Context) error {
				return store.Close()
			},
		})
		return store, nil
	default:
		return repository.NewPostgresRecordStore(pool), nil
	}
}

func newRedisClient(lc fx.Lifecycle, cfg config.Config) (redis.UniversalClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client, nil
}

func newClientRepo(pool *pgxpool.Pool) *repository.PostgresClientRepo {
	return repository.NewPostgresClientRepo(pool)
}

func newClientRepository(repo *repository.PostgresClientRepo) repository.ClientRepository {
	return repo
}

func newClientRegistrar(repo *repository.PostgresClientRepo) repository.ClientRegistrar {
	return repo
}

// newSigner loads SIGNING_KEY_FILE when configured, otherwise the key
// persisted in the record store.
func newSigner(cfg config.Config, store repository.RecordStore, logger *zap.Logger) (jwt.SigningService, error) {
	if cfg.SigningKeyFile != "" {
		signer, err := jwt.LoadSignerFile(cfg.SigningKeyFile)
		if err != nil {
			return nil, err
		}
		logger.Info("signing key loaded from file")
		return signer, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	keys := jwt.NewKeyManager(store)
	if _, err := keys.EnsureSigningKey(ctx); err != nil {
		return nil, err
	}
	return keys.Signer(ctx)
}

func newCipher(cfg config.Config) (idperm.Cipher, error) {
	return idperm.New(cfg.IDPermanenceKey)
}

func newTokenGenerator(signer jwt.SigningService, node *snowflake.Node, cfg config.Config) *jwt.Generator {
	return jwt.NewGenerator(signer, node, cfg.IssuerURI, cfg.AccessTokenTTL, cfg.IDTokenTTL)
}

func newArrangementManager(m *arrangement.Manager) service.ArrangementManager {
	return m
}

func newRequestValidator(cfg config.Config, arrangements *arrangement.Manager) *par.Validator {
	return par.NewValidator(cfg.IssuerURI, cfg.MaxSharingDuration, arrangements)
}

func newPARManager(store repository.RecordStore, validator *par.Validator, cfg config.Config, logger *zap.Logger) *par.Manager {
	return par.NewManager(store, validator, cfg.PARTTL, logger)
}

func newPushedRequests(m *par.Manager) service.PushedRequests {
	return m
}

func newRevocationCoordinator(store repository.RecordStore, arrangements service.ArrangementManager, generator *jwt.Generator, recorder *metrics.Recorder, logger *zap.Logger) *service.RevocationCoordinator {
	return service.NewRevocationCoordinator(store, arrangements, generator, recorder, logger)
}

func newDiscoveryService(cfg config.Config, signer jwt.SigningService) *service.DiscoveryService {
	return service.NewDiscoveryService(cfg.IssuerURI, signer)
}

// newAssertionVerifier accepts the issuer and each authenticated endpoint as
// client assertion audiences.
func newAssertionVerifier(store repository.RecordStore, clients repository.ClientRepository, cfg config.Config) *jwt.AssertionVerifier {
	return jwt.NewAssertionVerifier(store, clients,
		cfg.IssuerURI,
		cfg.IssuerURI+"/oauth/token",
		cfg.IssuerURI+"/oauth/par",
		cfg.IssuerURI+"/oauth/revoke",
		cfg.IssuerURI+"/arrangements/revoke",
	)
}

func newClientAuth(verifier *jwt.AssertionVerifier, logger *zap.Logger) *httpmiddleware.ClientAuth {
	return &httpmiddleware.ClientAuth{Verifier: verifier, Logger: logger}
}

func newHandler(cfg config.Config, pushed *par.Manager, authz *service.AuthorizationService, tokens *service.TokenService, revocations *service.RevocationCoordinator, discovery *service.DiscoveryService, recorder *metrics.Recorder, logger *zap.Logger) *handler.DataHolderHandler {
	return &handler.DataHolderHandler{
		PAR:          pushed,
		Authorizer:   authz,
		Tokens:       tokens,
		Revocations:  revocations,
		Discovery:    discovery,
		Metrics:      recorder,
		Logger:       logger,
		ConsentUIURL: cfg.ConsentUIURL,
	}
}

func newRateLimiter(cfg config.Config) *apimiddleware.RateLimiter {
	return apimiddleware.NewRateLimiter(cfg.RateLimitRPM)
}

// purgeExpired physically removes expired records on every tick.
func purgeExpired(store repository.RecordStore, interval time.Duration, logger *zap.Logger) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if interval <= 0 {
			return nil
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				removed, err := store.PurgeExpired(ctx)
				if err != nil {
					logger.Warn("purge expired records failed", zap.Error(err))
					continue
				}
				if removed > 0 {
					logger.Debug("purged expired records", zap.Int64("removed", removed))
				}
			}
		}
	}
}

func startHTTPServer(lc fx.Lifecycle, srv *server.HTTPServer, store repository.RecordStore, cfg config.Config, logger *zap.Logger) {
	addr := ":" + cfg.HTTPPort
	srv.Go(purgeExpired(store, cfg.PurgeInterval, logger))

	var (
		cancel context.CancelFunc
		done   chan struct{}
	)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			runCtx, stop := context.WithCancel(context.Background())
			cancel = stop
			done = make(chan struct{})

			go func() {
				if err := srv.Run(runCtx, addr); err != nil {
					logger.Error("http server stopped", zap.Error(err))
				}
				close(done)
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			if done == nil {
				return nil
			}
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}

func useTelemetry(*telemetry.Provider) {}
