package kv

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	cerrors "github.com/converselab/converse/errors"
)

// MongoStore implements Store using MongoDB
type MongoStore struct {
	client     *mongo.Client
	db         *mongo.Database
	collection *mongo.Collection
}

// MongoConfig holds MongoDB connection configuration
type MongoConfig struct {
	URI        string
	Database   string
	Collection string
}

// DefaultMongoConfig returns default MongoDB configuration
func DefaultMongoConfig() *MongoConfig {
	return &MongoConfig{
		URI:        "mongodb://localhost:27017",
		Database:   "converse",
		Collection: "kv",
	}
}

// mongoEntry is the internal representation for MongoDB
type mongoEntry struct {
	Key       string    `bson:"_id"`
	Value     []byte    `bson:"value"`
	UpdatedAt time.Time `bson:"updated_at"`
}

// NewMongoStore creates a new MongoDB-based key-value store
func NewMongoStore(config *MongoConfig) (*MongoStore, error) {
	if config == nil {
		config = DefaultMongoConfig()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(config.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	db := client.Database(config.Database)
	collection := db.Collection(config.Collection)

	return &MongoStore{
		client:     client,
		db:         db,
		collection: collection,
	}, nil
}

// Get returns the value stored under key.
func (s *MongoStore) Get(ctx context.Context, key string) ([]byte, error) {
	var entry mongoEntry
	err := s.collection.FindOne(ctx, bson.M{"_id": key}).Decode(&entry)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, fmt.Errorf("key %s: %w", key, cerrors.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get key from MongoDB: %w", err)
	}
	return entry.Value, nil
}

// Set stores value under key.
func (s *MongoStore) Set(ctx context.Context, key string, value []byte) error {
	entry := mongoEntry{
		Key:       key,
		Value:     value,
		UpdatedAt: time.Now(),
	}

	opts := options.Replace().SetUpsert(true)
	filter := bson.M{"_id": key}

	if _, err := s.collection.ReplaceOne(ctx, filter, entry, opts); err != nil {
		return fmt.Errorf("failed to store key in MongoDB: %w", err)
	}
	return nil
}

// Delete removes key from MongoDB.
func (s *MongoStore) Delete(ctx context.Context, key string) error {
	if _, err := s.collection.DeleteOne(ctx, bson.M{"_id": key}); err != nil {
		return fmt.Errorf("failed to delete key from MongoDB: %w", err)
	}
	return nil
}

// Close closes the MongoDB connection
func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// Ping checks if MongoDB connection is alive
func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}
