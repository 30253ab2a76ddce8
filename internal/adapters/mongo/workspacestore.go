// Package mongo stores workspace documents in MongoDB.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/melih/lighthouse/internal/core/domain"
	"github.com/melih/lighthouse/internal/core/ports"
)

const collectionName = "workspaces"

// WorkspaceStore implements ports.WorkspaceStore. Documents are keyed by the
// workspace id subdocument {owner, name}.
type WorkspaceStore struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// Connect dials uri, pings the server and prepares the workspaces collection
// in database.
func Connect(ctx context.Context, uri, database string) (*WorkspaceStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}
	s := &WorkspaceStore{client: client, coll: client.Database(database).Collection(collectionName)}
	if err := s.createIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return s, nil
}

func (s *WorkspaceStore) createIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "_id.owner", Value: 1}}},
		{Keys: bson.D{{Key: "state", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create workspace indexes: %w", err)
	}
	return nil
}

func (s *WorkspaceStore) Get(ctx context.Context, id domain.WorkspaceID) (*domain.Workspace, error) {
	ws := &domain.Workspace{}
	err := s.coll.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(ws)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: %s", ports.ErrWorkspaceNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read workspace %s: %w", id, err)
	}
	normalize(ws)
	return ws, nil
}

func (s *WorkspaceStore) Save(ctx context.Context, ws *domain.Workspace) error {
	opts := options.Replace().SetUpsert(true)
	if _, err := s.coll.ReplaceOne(ctx, bson.D{{Key: "_id", Value: ws.ID}}, ws, opts); err != nil {
		return fmt.Errorf("failed to save workspace %s: %w", ws.ID, err)
	}
	return nil
}

func (s *WorkspaceStore) List(ctx context.Context) ([]*domain.Workspace, error) {
	opts := options.Find().SetSort(bson.D{{Key: "_id.owner", Value: 1}, {Key: "_id.name", Value: 1}})
	cursor, err := s.coll.Find(ctx, bson.D{}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list workspaces: %w", err)
	}
	defer cursor.Close(ctx)

	var out []*domain.Workspace
	for cursor.Next(ctx) {
		ws := &domain.Workspace{}
		if err := cursor.Decode(ws); err != nil {
			return nil, fmt.Errorf("failed to decode workspace: %w", err)
		}
		normalize(ws)
		out = append(out, ws)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("failed to list workspaces: %w", err)
	}
	return out, nil
}

// Close disconnects the client.
func (s *WorkspaceStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// normalize restores UTC timestamps; BSON datetimes decode in local time.
func normalize(ws *domain.Workspace) {
	ws.CreatedAt = ws.CreatedAt.In(time.UTC)
	ws.UpdatedAt = ws.UpdatedAt.In(time.UTC)
}
