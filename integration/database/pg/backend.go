package pg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmitrymomot/tokenbucket/core/logger"
	"github.com/dmitrymomot/tokenbucket/pkg/ratelimiter/remote"
)

// DefaultTable is the table created by Migrate.
const DefaultTable = "rate_limit_buckets"

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Backend stores bucket entries in a table row whose stamp column is the
// compare-and-swap stamp. Every write stores a fresh uuid there, so a
// removed and recreated row never matches a stamp read before the removal. Expired rows are treated as absent and
// purged by PurgeExpired.
//
// When the context carries a transaction (WithTx), statements run inside
// it, so bucket updates can commit together with other writes.
type Backend struct {
	pool   *pgxpool.Pool
	logger *slog.Logger

	load   string
	insert string
	update string
	remove string
	purge  string
}

var _ remote.Backend = (*Backend)(nil)

// BackendOption configures a Backend.
type BackendOption func(*backendOptions)

type backendOptions struct {
	table  string
	logger *slog.Logger
}

// WithTable overrides DefaultTable.
func WithTable(name string) BackendOption {
	return func(o *backendOptions) {
		if name != "" {
			o.table = name
		}
	}
}

func WithLogger(l *slog.Logger) BackendOption {
	return func(o *backendOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// NewBackend creates a backend over pool.
func NewBackend(pool *pgxpool.Pool, opts ...BackendOption) *Backend {
	o := backendOptions{table: DefaultTable, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(&o)
	}
	t := pgx.Identifier{o.table}.Sanitize()
	live := `(expires_at IS NULL OR expires_at > now())`
	expiry := `CASE WHEN $3::bigint > 0 THEN now() + $3::bigint * interval '1 millisecond' END`

	return &Backend{
		pool:   pool,
		logger: o.logger,
		load:   `SELECT data, stamp::text FROM ` + t + ` WHERE key = $1 AND ` + live,
		insert: `INSERT INTO ` + t + ` AS b (key, data, stamp, expires_at) VALUES ($1, $2, $4::uuid, ` + expiry + `)
			ON CONFLICT (key) DO UPDATE SET data = EXCLUDED.data, stamp = EXCLUDED.stamp, expires_at = EXCLUDED.expires_at
			WHERE b.expires_at IS NOT NULL AND b.expires_at <= now()`,
		update: `UPDATE ` + t + ` SET data = $2, stamp = $4::uuid, expires_at = ` + expiry + `
			WHERE key = $1 AND stamp = $5::uuid AND ` + live,
		remove: `DELETE FROM ` + t + ` WHERE key = $1`,
		purge:  `DELETE FROM ` + t + ` WHERE expires_at IS NOT NULL AND expires_at <= now()`,
	}
}

func (b *Backend) db(ctx context.Context) querier {
	if tx, ok := TxFromContext(ctx); ok {
		return tx
	}
	return b.pool
}

func (b *Backend) Load(ctx context.Context, key string) (remote.Blob, bool, error) {
	var (
		data  []byte
		stamp string
	)
	err := b.db(ctx).QueryRow(ctx, b.load, key).Scan(&data, &stamp)
	if IsNotFoundError(err) {
		return remote.Blob{}, false, nil
	}
	if err != nil {
		return remote.Blob{}, false, fmt.Errorf("pg load %q: %w", key, err)
	}
	return remote.Blob{Data: data, Stamp: stamp}, true, nil
}

func (b *Backend) CompareAndSwap(ctx context.Context, key string, expected *remote.Blob, next []byte, ttl time.Duration) (bool, error) {
	ttlMillis := max(ttl.Milliseconds(), 0)

	var (
		tag pgconn.CommandTag
		err error
	)
	stamp := uuid.NewString()
	if expected == nil {
		tag, err = b.db(ctx).Exec(ctx, b.insert, key, next, ttlMillis, stamp)
	} else {
		if _, perr := uuid.Parse(expected.Stamp); perr != nil {
			return false, fmt.Errorf("pg compare-and-swap %q: stamp %q: %w", key, expected.Stamp, perr)
		}
		tag, err = b.db(ctx).Exec(ctx, b.update, key, next, ttlMillis, stamp, expected.Stamp)
	}
	if err != nil {
		return false, fmt.Errorf("pg compare-and-swap %q: %w", key, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (b *Backend) Remove(ctx context.Context, key string) error {
	if _, err := b.db(ctx).Exec(ctx, b.remove, key); err != nil {
		return fmt.Errorf("pg remove %q: %w", key, err)
	}
	return nil
}

// PurgeExpired deletes expired rows and returns how many were removed.
func (b *Backend) PurgeExpired(ctx context.Context) (int64, error) {
	tag, err := b.db(ctx).Exec(ctx, b.purge)
	if err != nil {
		return 0, fmt.Errorf("pg purge expired: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Run returns a function for errgroup that purges expired rows every
// interval until ctx is cancelled.
func (b *Backend) Run(ctx context.Context, interval time.Duration) func() error {
	return func() error {
		if interval <= 0 {
			return fmt.Errorf("purge interval must be > 0, got %v", interval)
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				n, err := b.PurgeExpired(ctx)
				switch {
				case errors.Is(err, context.Canceled):
					return nil
				case err != nil:
					b.logger.ErrorContext(ctx, "purge expired buckets failed",
						logger.Component("pg_backend"), logger.Error(err))
				case n > 0:
					b.logger.InfoContext(ctx, "purged expired buckets",
						logger.Component("pg_backend"), logger.Count("removed", int(n)))
				}
			}
		}
	}
}
