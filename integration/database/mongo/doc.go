// Package mongo connects to MongoDB and stores distributed token buckets in it.
//
// New and NewWithDatabase build a client from Config and ping the primary
// with exponential backoff, which rides out cold starts of hosted clusters:
//
//	var cfg mongo.Config
//	if err := env.Parse(&cfg); err != nil {
//		return err
//	}
//	db, err := mongo.NewWithDatabase(ctx, cfg)
//	if err != nil {
//		return err
//	}
//	backend := mongo.NewBackend(db)
//	if err := backend.EnsureIndexes(ctx); err != nil {
//		return err
//	}
//	manager := remote.NewProxyManager(backend)
//
// # Backend
//
// Every bucket is one document keyed by the bucket key, holding the encoded
// entry, a version counter and an optional expires_at. An update only
// matches the version that was loaded; creation is an upsert that matches
// an expired document only, so a live document makes it fail with a
// duplicate key error, reported as a lost compare-and-swap.
//
// Expired documents are ignored by reads and writes. EnsureIndexes creates
// a TTL index so the server deletes them eventually.
//
// # Configuration
//
//   - MONGODB_URL: connection string (required)
//   - MONGODB_DATABASE: database name (default "ratelimit")
//   - MONGODB_CONNECT_TIMEOUT: default 10s
//   - MONGODB_MAX_POOL_SIZE, MONGODB_MIN_POOL_SIZE: default 100 and 1
//   - MONGODB_MAX_CONN_IDLE_TIME: default 300s
//   - MONGODB_RETRY_WRITES, MONGODB_RETRY_READS: default true
//   - MONGODB_RETRY_ATTEMPTS, MONGODB_RETRY_INTERVAL: default 3 and 5s
//
// # Errors
//
//   - ErrEmptyConnectionURL: no connection string
//   - ErrFailedToConnectToMongo: connect or ping failed after all retries
//   - ErrHealthcheckFailed: the health ping failed
//   - ErrDuplicateKey, ErrNotFound: classified driver errors
package mongo
