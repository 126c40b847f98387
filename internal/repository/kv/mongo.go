package kv

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type (
	MongoStore struct {
		collection *mongo.Collection
	}

	blob struct {
		Key       string    `bson:"_id"`
		Value     []byte    `bson:"value"`
		UpdatedAt time.Time `bson:"updated_at"`
	}
)

// NewMongoStore keeps blobs in the "blobs" collection of db. The client is
// owned by the caller.
func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{
		collection: db.Collection("blobs"),
	}
}

func (r *MongoStore) Load(ctx context.Context, key string) ([]byte, error) {
	filter := bson.M{
		"_id": key,
	}

	var b blob
	err := r.collection.FindOne(ctx, filter).Decode(&b)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	return b.Value, nil
}

func (r *MongoStore) Save(ctx context.Context, key string, value []byte) error {
	filter := bson.M{
		"_id": key,
	}

	doc := blob{
		Key:       key,
		Value:     value,
		UpdatedAt: time.Now().UTC(),
	}
	_, err := r.collection.ReplaceOne(ctx, filter, doc, options.Replace().SetUpsert(true))
	return err
}

func (r *MongoStore) Close() error {
	return nil
}
