package audit

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// MongoSink appends audit events to a MongoDB collection
type MongoSink struct {
	coll      *mongo.Collection
	timeout   time.Duration
	retention time.Duration
}

// NewMongoSink builds a sink over coll. A positive retention makes
// EnsureIndexes add a TTL index on occurred_at.
func NewMongoSink(coll *mongo.Collection, timeout, retention time.Duration) *MongoSink {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &MongoSink{coll: coll, timeout: timeout, retention: retention}
}

func (s *MongoSink) Record(ctx context.Context, event Event) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if _, err := s.coll.InsertOne(ctx, event); err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// Ping checks the primary is reachable
func (s *MongoSink) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.coll.Database().Client().Ping(ctx, readpref.Primary())
}

// EnsureIndexes creates the lookup indexes used when reviewing a device's
// history, plus the retention TTL index
func (s *MongoSink) EnsureIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	models := []mongo.IndexModel{
		{Keys: bson.D{{Key: "device_id", Value: 1}, {Key: "occurred_at", Value: -1}}},
		{Keys: bson.D{{Key: "owner_id", Value: 1}, {Key: "occurred_at", Value: -1}}},
	}
	if s.retention > 0 {
		models = append(models, mongo.IndexModel{
			Keys:    bson.D{{Key: "occurred_at", Value: 1}},
			Options: options.Index().SetName("occurred_at_ttl").SetExpireAfterSeconds(int32(s.retention / time.Second)),
		})
	}

	_, err := s.coll.Indexes().CreateMany(ctx, models)
	if err != nil {
		return fmt.Errorf("create audit indexes: %w", err)
	}
	return nil
}

// ConnectMongoWithTimeout creates a MongoDB client and pings the primary
func ConnectMongoWithTimeout(uri string, timeout time.Duration) (*mongo.Client, error) {
	if uri == "" {
		return nil, fmt.Errorf("MONGO_URI not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	clientOptions := options.Client().ApplyURI(uri)
	if strings.HasPrefix(uri, "mongodb+srv://") {
		clientOptions.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	clientOptions.SetServerSelectionTimeout(timeout)
	clientOptions.SetConnectTimeout(timeout)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("unable to ping MongoDB: %w", err)
	}

	return client, nil
}
