// Package docstore wraps a document store (MongoDB-compatible) with lazy
// collection creation, document insert, and filtered find — the
// persistence layer for alert documents produced by the range and
// windowed evaluators.
package docstore

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Manager is a typed handle over a document store connection.
type Manager struct {
	client *mongo.Client
	db     *mongo.Database
}

// Config addresses the backing document store.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	DB       string
}

// New connects to the configured document store.
func New(ctx context.Context, cfg Config) (*Manager, error) {
	uri := fmt.Sprintf("mongodb://%s:%s@%s:%d/?maxPoolSize=20", cfg.Username, cfg.Password, cfg.Host, cfg.Port)
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("docstore: connecting: %w", err)
	}
	return &Manager{client: client, db: client.Database(cfg.DB)}, nil
}

// Close disconnects the underlying client.
func (m *Manager) Close(ctx context.Context) error { return m.client.Disconnect(ctx) }

// CreateCollection creates name if it does not already exist; idempotent.
func (m *Manager) CreateCollection(ctx context.Context, name string) error {
	names, err := m.db.ListCollectionNames(ctx, bson.D{{Key: "name", Value: name}})
	if err != nil {
		return err
	}
	if len(names) > 0 {
		return nil
	}
	return m.db.CreateCollection(ctx, name)
}

// InsertDocument inserts doc into collectionName.
func (m *Manager) InsertDocument(ctx context.Context, collectionName string, doc map[string]interface{}) error {
	_, err := m.db.Collection(collectionName).InsertOne(ctx, doc)
	return err
}

// FindDocuments returns every document in collectionName matching filter
// (a nil filter matches everything), each converted to its string-valued
// form.
func (m *Manager) FindDocuments(ctx context.Context, collectionName string, filter map[string]interface{}) ([]map[string]string, error) {
	bsonFilter := bson.M{}
	for k, v := range filter {
		bsonFilter[k] = v
	}
	cur, err := m.db.Collection(collectionName).Find(ctx, bsonFilter)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []map[string]string
	for cur.Next(ctx) {
		var raw bson.M
		if err := cur.Decode(&raw); err != nil {
			return nil, err
		}
		row := make(map[string]string, len(raw))
		for k, v := range raw {
			row[k] = fmt.Sprint(v)
		}
		out = append(out, row)
	}
	return out, cur.Err()
}
