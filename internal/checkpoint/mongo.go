package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type mongoCheckpoint struct {
	Name      string            `bson:"_id"`
	Tag       string            `bson:"tag"`
	States    map[string]string `bson:"states"`
	Emitted   string            `bson:"emitted,omitempty"`
	UpdatedAt time.Time         `bson:"updatedAt"`
}

// MongoStore keeps one document per projection, keyed by its name.
type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
}

func NewMongoStore(ctx context.Context, uri, database, collection string) (*MongoStore, error) {
	if database == "" {
		database = "projections"
	}
	if collection == "" {
		collection = "projection_checkpoints"
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	return &MongoStore{
		client:     client,
		collection: client.Database(database).Collection(collection),
	}, nil
}

func (s *MongoStore) Save(ctx context.Context, cp *Checkpoint) error {
	if err := validate(cp); err != nil {
		return err
	}
	doc := mongoCheckpoint{
		Name:      cp.Projection,
		Tag:       string(cp.Tag),
		States:    make(map[string]string, len(cp.States)),
		Emitted:   string(cp.Emitted),
		UpdatedAt: cp.UpdatedAt,
	}
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = time.Now()
	}
	for partition, state := range cp.States {
		doc.States[partition] = string(state)
	}

	_, err := s.collection.ReplaceOne(ctx, bson.M{"_id": cp.Projection}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to save checkpoint %s: %w", cp.Projection, err)
	}
	return nil
}

func (s *MongoStore) Load(ctx context.Context, projection string) (*Checkpoint, error) {
	var doc mongoCheckpoint
	err := s.collection.FindOne(ctx, bson.M{"_id": projection}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint %s: %w", projection, err)
	}

	cp := &Checkpoint{
		Projection: doc.Name,
		Tag:        json.RawMessage(doc.Tag),
		States:     make(map[string]json.RawMessage, len(doc.States)),
		UpdatedAt:  doc.UpdatedAt,
	}
	if doc.Emitted != "" {
		cp.Emitted = json.RawMessage(doc.Emitted)
	}
	for partition, state := range doc.States {
		cp.States[partition] = json.RawMessage(state)
	}
	return cp, nil
}

func (s *MongoStore) Delete(ctx context.Context, projection string) error {
	if _, err := s.collection.DeleteOne(ctx, bson.M{"_id": projection}); err != nil {
		return fmt.Errorf("failed to delete checkpoint %s: %w", projection, err)
	}
	return nil
}

func (s *MongoStore) List(ctx context.Context) ([]string, error) {
	cursor, err := s.collection.Find(ctx, bson.M{},
		options.Find().SetProjection(bson.M{"_id": 1}).SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer cursor.Close(ctx)

	var names []string
	for cursor.Next(ctx) {
		var doc struct {
			Name string `bson:"_id"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		names = append(names, doc.Name)
	}
	return names, cursor.Err()
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
