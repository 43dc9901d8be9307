package store

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	mserr "github.com/TheCodingKid82/moltslack/internal/errors"
)

const (
	// ConnectMaxRetries is the number of reconnect attempts after the first.
	ConnectMaxRetries = 5
	// ConnectInitialInterval is the first backoff interval.
	ConnectInitialInterval = 500 * time.Millisecond
	// ConnectMaxInterval caps the backoff interval.
	ConnectMaxInterval = 10 * time.Second
)

// Options selects and configures a backend.
type Options struct {
	Backend     string
	DatabaseURL string
	SQLitePath  string
	RedisURL    string
	// Async puts the write-behind queue in front of the backend.
	Async bool
}

// Opened is the result of Open.
type Opened struct {
	Store DataStore
	// Redis is the connected client when the redis backend was chosen, for
	// collaborators that share the connection.
	Redis *redis.Client
}

func newConnectBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = ConnectInitialInterval
	b.MaxInterval = ConnectMaxInterval
	b.RandomizationFactor = 0.5
	b.Multiplier = 2.0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, ConnectMaxRetries), ctx)
}

// Open connects the configured backend. Network backends are retried with
// exponential backoff until ctx ends or the retries run out.
func Open(ctx context.Context, opts Options, logger zerolog.Logger) (*Opened, error) {
	logger = logger.With().Str("component", "store").Str("backend", opts.Backend).Logger()

	var (
		inner  DataStore
		client *redis.Client
	)
	switch opts.Backend {
	case "", BackendMemory:
		opts.Backend = BackendMemory
		inner = NewMemoryStore()
	case BackendSQLite:
		s, err := NewSQLiteStore(ctx, opts.SQLitePath)
		if err != nil {
			return nil, err
		}
		inner = s
	case BackendPostgres:
		if opts.DatabaseURL == "" {
			return nil, mserr.New(mserr.CodeRequestInvalidInput, "DATABASE_URL is required for the postgres store")
		}
		var pg *PostgresStore
		err := retry(ctx, logger, func() error {
			var err error
			pg, err = NewPostgresStore(ctx, opts.DatabaseURL)
			return err
		})
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, err
		}
		inner = pg
	case BackendRedis:
		if opts.RedisURL == "" {
			return nil, mserr.New(mserr.CodeRequestInvalidInput, "REDIS_URL is required for the redis store")
		}
		err := retry(ctx, logger, func() error {
			var err error
			client, err = NewRedisClient(ctx, opts.RedisURL)
			return err
		})
		if err != nil {
			return nil, err
		}
		inner = NewRedisStore(client)
	default:
		return nil, mserr.New(mserr.CodeRequestInvalidInput, "unknown store backend", mserr.Field("backend", opts.Backend))
	}

	var ds DataStore = NewMeteredStore(inner, opts.Backend)
	if opts.Async {
		async, err := NewAsyncStore(ds, logger)
		if err != nil {
			ds.Close()
			return nil, err
		}
		ds = async
	}

	logger.Info().Bool("async", opts.Async).Msg("store ready")
	return &Opened{Store: ds, Redis: client}, nil
}

func retry(ctx context.Context, logger zerolog.Logger, connect func() error) error {
	attempt := 0
	return backoff.RetryNotify(
		func() error {
			attempt++
			return connect()
		},
		newConnectBackoff(ctx),
		func(err error, wait time.Duration) {
			logger.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", wait).Msg("store connection failed")
		},
	)
}
