package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/life-stream-dev/life-stream-go-mqtt-sessions/internal/logger"
	"github.com/life-stream-dev/life-stream-go-mqtt-sessions/internal/session"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type MongoOptions struct {
	CacheSize        int
	CacheTTL         time.Duration
	OperationTimeout time.Duration
}

// MongoStore profile 存储在 MongoDB 中，读取经过一个带过期时间的 LRU 缓存
type MongoStore struct {
	collection *mongo.Collection
	cache      *expirable.LRU[string, *Profile]
	timeout    time.Duration
}

func NewMongoStore(ctx context.Context, database *mongo.Database, opts MongoOptions) (*MongoStore, error) {
	if opts.CacheSize <= 0 {
		opts.CacheSize = 256
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = time.Hour
	}
	if opts.OperationTimeout <= 0 {
		opts.OperationTimeout = 5 * time.Second
	}
	ms := &MongoStore{
		collection: database.Collection(ProfileCollectionName),
		cache:      expirable.NewLRU[string, *Profile](opts.CacheSize, nil, opts.CacheTTL),
		timeout:    opts.OperationTimeout,
	}

	ctx, cancel := context.WithTimeout(ctx, ms.timeout)
	defer cancel()
	_, err := ms.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "name", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("profiles_name_unique"),
	})
	if err != nil {
		return nil, fmt.Errorf("error occured while creating database indexes: %w", err)
	}
	return ms, nil
}

func handleErr(err error) error {
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		return ErrProfileNotFound
	case mongo.IsDuplicateKeyError(err):
		return fmt.Errorf("unique key conflicts: %w", err)
	}
	return fmt.Errorf("database operation failed: %w", err)
}

func (ms *MongoStore) Get(ctx context.Context, name string) (*Profile, error) {
	name, err := normalizeName(name)
	if err != nil {
		return nil, err
	}
	if profile, ok := ms.cache.Get(name); ok {
		return profile.clone(), nil
	}

	ctx, cancel := context.WithTimeout(ctx, ms.timeout)
	defer cancel()

	var profile Profile
	startTime := time.Now()
	err = ms.collection.FindOne(ctx, bson.D{{Key: "name", Value: name}}).Decode(&profile)
	logger.DebugF("profile query cost: %v", time.Since(startTime))
	if err != nil {
		return nil, handleErr(err)
	}

	ms.cache.Add(name, &profile)
	return profile.clone(), nil
}

func (ms *MongoStore) Save(ctx context.Context, name string, opts session.Options) error {
	name, err := normalizeName(name)
	if err != nil {
		return err
	}
	ms.cache.Remove(name)

	ctx, cancel := context.WithTimeout(ctx, ms.timeout)
	defer cancel()

	profile := Profile{Name: name, Options: opts.Clone(), UpdatedAt: time.Now().UTC()}
	result, err := ms.collection.ReplaceOne(ctx, bson.D{{Key: "name", Value: name}}, profile, options.Replace().SetUpsert(true))
	if err != nil {
		return handleErr(err)
	}

	logger.InfoF("Profile saved: name=%s, matched=%d, modified=%d, upserted=%v",
		name,
		result.MatchedCount,
		result.ModifiedCount,
		result.UpsertedID != nil,
	)
	return nil
}

func (ms *MongoStore) Delete(ctx context.Context, name string) error {
	name, err := normalizeName(name)
	if err != nil {
		return err
	}
	ms.cache.Remove(name)

	ctx, cancel := context.WithTimeout(ctx, ms.timeout)
	defer cancel()

	result, err := ms.collection.DeleteOne(ctx, bson.D{{Key: "name", Value: name}})
	if err != nil {
		return handleErr(err)
	}
	if result.DeletedCount == 0 {
		return ErrProfileNotFound
	}
	logger.InfoF("Profile deleted: name=%s", name)
	return nil
}

func (ms *MongoStore) List(ctx context.Context) ([]Profile, error) {
	ctx, cancel := context.WithTimeout(ctx, ms.timeout)
	defer cancel()

	cursor, err := ms.collection.Find(ctx, bson.D{}, options.Find().SetSort(bson.D{{Key: "name", Value: 1}}))
	if err != nil {
		return nil, handleErr(err)
	}
	var profiles []Profile
	if err := cursor.All(ctx, &profiles); err != nil {
		return nil, handleErr(err)
	}
	return profiles, nil
}
