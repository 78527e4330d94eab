package mongo

import (
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/mongo"
)

var (
	ErrFailedToConnectToMongo = errors.New("failed to connect to mongo")
	ErrHealthcheckFailed      = errors.New("mongo healthcheck failed")
	ErrEmptyConnectionURL     = errors.New("empty mongo connection URL")
	ErrDuplicateKey           = errors.New("document already exists")
	ErrNotFound               = errors.New("document not found")
)

// interpretMongoError maps driver errors onto package sentinels.
func interpretMongoError(err error, op string) error {
	switch {
	case err == nil:
		return nil
	case mongo.IsDuplicateKeyError(err):
		return fmt.Errorf("%w: %s: %w", ErrDuplicateKey, op, err)
	case errors.Is(err, mongo.ErrNoDocuments):
		return fmt.Errorf("%w: %s", ErrNotFound, op)
	}
	return fmt.Errorf("mongo %s: %w", op, err)
}
