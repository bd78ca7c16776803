// Package mongodb provides the MongoDB connection used by the document job store.
package mongodb

import (
	"context"
	"fmt"
	"time"

	config "github.com/crabzie/gpu-dispatcher/config/utils"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const connectTimeout = 10 * time.Second

// Mongo wraps a connected client and the jobs collection
type Mongo struct {
	Client *mongo.Client
	Jobs   *mongo.Collection
}

// New connects to MongoDB and verifies the connection with a ping
func New(ctx context.Context, config *config.Mongo) (*Mongo, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(config.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to create MongoDB client: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	return &Mongo{
		Client: client,
		Jobs:   client.Database(config.Database).Collection(config.Collection),
	}, nil
}

// Close disconnects the client
func (m *Mongo) Close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	return m.Client.Disconnect(ctx)
}
