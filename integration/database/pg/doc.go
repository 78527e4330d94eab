// Package pg connects to PostgreSQL and stores distributed token buckets in it.
//
// Connect builds a pgx connection pool from Config and pings it with
// exponential backoff. Migrate creates the bucket table with goose using
// the migrations embedded in this package:
//
//	pool, err := pg.Connect(ctx, cfg)
//	if err != nil {
//		return err
//	}
//	if err := pg.Migrate(ctx, pool, cfg, log); err != nil {
//		return err
//	}
//	manager := remote.NewProxyManager(pg.NewBackend(pool))
//
// # Backend
//
// Each bucket is one row holding the encoded entry, a version and an
// optional expiry. Creation is an INSERT that only succeeds when the key is
// absent or expired; updates are an UPDATE filtered by the version that was
// read. A zero affected-row count is a lost compare-and-swap.
//
// Expired rows are ignored by every statement. PurgeExpired deletes them;
// Run does so periodically and fits an errgroup.
//
// # Transactions
//
// WithTx attaches a pgx.Tx to a context. The backend runs its statements in
// that transaction, so a bucket update commits or rolls back together with
// the caller's own writes. TxFromContext retrieves it.
//
// # Errors
//
//   - ErrEmptyConnectionString, ErrFailedToParseDBConfig: bad configuration
//   - ErrFailedToOpenDBConnection: the database did not answer in time
//   - ErrHealthcheckFailed: the health ping failed
//   - ErrFailedToApplyMigrations: goose failed
//
// IsNotFoundError, IsDuplicateKeyError and IsTxClosedError classify driver errors.
package pg
