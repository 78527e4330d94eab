package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/dmitrymomot/tokenbucket/pkg/ratelimiter/remote"
)

// DefaultCollection is the collection used by NewBackend.
const DefaultCollection = "rate_limit_buckets"

type bucketDoc struct {
	Key       string     `bson:"_id"`
	Data      []byte     `bson:"data"`
	Stamp     string     `bson:"stamp"`
	ExpiresAt *time.Time `bson:"expires_at,omitempty"`
}

// Backend stores one document per bucket. The stamp field is the
// compare-and-swap stamp, a fresh uuid on every write so that a removed
// and recreated document never repeats it; expired documents count as absent until the TTL
// monitor deletes them.
type Backend struct {
	col *mongo.Collection
	now func() time.Time
}

var _ remote.Backend = (*Backend)(nil)

// NewBackend stores buckets in db.Collection(DefaultCollection).
func NewBackend(db *mongo.Database) *Backend {
	return NewCollectionBackend(db.Collection(DefaultCollection))
}

func NewCollectionBackend(col *mongo.Collection) *Backend {
	return &Backend{col: col, now: time.Now}
}

// EnsureIndexes creates the TTL index on expires_at.
func (b *Backend) EnsureIndexes(ctx context.Context) error {
	_, err := b.col.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expires_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	})
	return interpretMongoError(err, "create ttl index")
}

func (b *Backend) alive(now time.Time) bson.E {
	return bson.E{Key: "$or", Value: bson.A{
		bson.D{{Key: "expires_at", Value: bson.D{{Key: "$exists", Value: false}}}},
		bson.D{{Key: "expires_at", Value: bson.D{{Key: "$gt", Value: now}}}},
	}}
}

func (b *Backend) Load(ctx context.Context, key string) (remote.Blob, bool, error) {
	var doc bucketDoc
	err := b.col.FindOne(ctx, bson.D{{Key: "_id", Value: key}, b.alive(b.now())}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return remote.Blob{}, false, nil
	}
	if err != nil {
		return remote.Blob{}, false, interpretMongoError(err, "load "+key)
	}
	return remote.Blob{Data: doc.Data, Stamp: doc.Stamp}, true, nil
}

func (b *Backend) update(next []byte, ttl time.Duration, now time.Time) bson.D {
	set := bson.D{{Key: "data", Value: next}, {Key: "stamp", Value: uuid.NewString()}}
	var u bson.D
	if ttl > 0 {
		set = append(set, bson.E{Key: "expires_at", Value: now.Add(ttl)})
	} else {
		u = append(u, bson.E{Key: "$unset", Value: bson.D{{Key: "expires_at", Value: ""}}})
	}
	return append(u, bson.E{Key: "$set", Value: set})
}

// CompareAndSwap creates with an upsert that only matches an expired
// document; a live document makes the upsert collide on _id, which is a
// lost swap. Updates filter on the stamp that was read.
func (b *Backend) CompareAndSwap(ctx context.Context, key string, expected *remote.Blob, next []byte, ttl time.Duration) (bool, error) {
	now := b.now()

	if expected == nil {
		filter := bson.D{
			{Key: "_id", Value: key},
			{Key: "expires_at", Value: bson.D{{Key: "$lte", Value: now}}},
		}
		_, err := b.col.UpdateOne(ctx, filter, b.update(next, ttl, now), options.UpdateOne().SetUpsert(true))
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		if err != nil {
			return false, interpretMongoError(err, "create "+key)
		}
		return true, nil
	}

	if expected.Stamp == "" {
		return false, fmt.Errorf("mongo compare-and-swap %q: empty stamp", key)
	}
	filter := bson.D{{Key: "_id", Value: key}, {Key: "stamp", Value: expected.Stamp}, b.alive(now)}
	res, err := b.col.UpdateOne(ctx, filter, b.update(next, ttl, now))
	if err != nil {
		return false, interpretMongoError(err, "update "+key)
	}
	return res.MatchedCount == 1, nil
}

func (b *Backend) Remove(ctx context.Context, key string) error {
	_, err := b.col.DeleteOne(ctx, bson.D{{Key: "_id", Value: key}})
	return interpretMongoError(err, "remove "+key)
}
