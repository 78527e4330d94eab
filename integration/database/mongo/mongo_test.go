package mongo_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/dmitrymomot/tokenbucket/integration/database/mongo"
	"github.com/dmitrymomot/tokenbucket/pkg/ratelimiter/remote"
	"github.com/dmitrymomot/tokenbucket/pkg/ratelimiter/remote/remotetest"
)

func database(t *testing.T) *mongodriver.Database {
	t.Helper()
	url := os.Getenv("MONGODB_URL")
	if url == "" {
		t.Skip("MONGODB_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	db, err := mongo.NewWithDatabase(ctx, mongo.Config{
		ConnectionURL:  url,
		Database:       "ratelimit_test",
		ConnectTimeout: 2 * time.Second,
		RetryAttempts:  1,
		RetryInterval:  100 * time.Millisecond,
	})
	if err != nil {
		t.Skipf("Skipping integration test: MongoDB not available (%v)", err)
	}
	t.Cleanup(func() { _ = db.Client().Disconnect(context.Background()) })
	return db
}

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("empty connection url", func(t *testing.T) {
		_, err := mongo.New(context.Background(), mongo.Config{})
		assert.ErrorIs(t, err, mongo.ErrEmptyConnectionURL)
	})

	t.Run("invalid scheme", func(t *testing.T) {
		_, err := mongo.New(context.Background(), mongo.Config{ConnectionURL: "http://localhost"})
		assert.ErrorIs(t, err, mongo.ErrFailedToConnectToMongo)
	})

	t.Run("healthcheck", func(t *testing.T) {
		db := database(t)
		assert.NoError(t, mongo.Healthcheck(db.Client())(context.Background()))
	})
}

func TestBackend(t *testing.T) {
	t.Parallel()
	b := mongo.NewBackend(database(t))
	require.NoError(t, b.EnsureIndexes(context.Background()))
	remotetest.RunBackendTests(t, b)
}

func TestBackend_Expiry(t *testing.T) {
	t.Parallel()
	b := mongo.NewBackend(database(t))
	ctx := context.Background()
	key := "mongo-test:" + uuid.NewString()
	t.Cleanup(func() { _ = b.Remove(context.Background(), key) })

	ok, err := b.CompareAndSwap(ctx, key, nil, []byte("a"), time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(20 * time.Millisecond)
	_, found, err := b.Load(ctx, key)
	require.NoError(t, err)
	assert.False(t, found, "expired documents are invisible")

	ok, err = b.CompareAndSwap(ctx, key, nil, []byte("b"), 0)
	require.NoError(t, err)
	require.True(t, ok, "an expired document can be recreated")

	blob, found, err := b.Load(ctx, key)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("b"), blob.Data)

	ok, err = b.CompareAndSwap(ctx, key, nil, []byte("c"), 0)
	require.NoError(t, err)
	assert.False(t, ok, "a live document cannot be created twice")
}

func TestBackend_ForeignStamp(t *testing.T) {
	t.Parallel()
	b := mongo.NewBackend(database(t))
	ctx := context.Background()
	key := "mongo-test:" + uuid.NewString()
	t.Cleanup(func() { _ = b.Remove(context.Background(), key) })

	_, err := b.CompareAndSwap(ctx, key, &remote.Blob{}, []byte("x"), 0)
	assert.Error(t, err, "empty stamp")

	ok, err := b.CompareAndSwap(ctx, key, nil, []byte("a"), 0)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.CompareAndSwap(ctx, key, &remote.Blob{Stamp: uuid.NewString()}, []byte("b"), 0)
	require.NoError(t, err)
	assert.False(t, ok, "a stamp this document never had")
}
