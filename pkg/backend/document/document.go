// Package document implements backend.RecordStore on MongoDB. It is the
// reference adapter for the graph backend: nodes and edges are stored as
// documents keyed by collection and key.
package document

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/polystore/polystore/pkg/backend"
)

const backendName = "mongodb"

type recordDoc struct {
	ID         string            `bson:"_id"`
	Collection string            `bson:"collection"`
	Key        string            `bson:"key"`
	Data       []byte            `bson:"data"`
	Metadata   map[string]string `bson:"metadata,omitempty"`
	UpdatedAt  time.Time         `bson:"updated_at"`
}

// Store is a RecordStore on a single Mongo collection.
type Store struct {
	coll   *mongo.Collection
	client *mongo.Client
}

// Connect dials uri and returns a Store on database.collection.
func Connect(ctx context.Context, uri, database, collection string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, backend.Unavailable(backendName, err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, backend.Unavailable(backendName, err)
	}
	return &Store{coll: client.Database(database).Collection(collection), client: client}, nil
}

// New wraps an existing collection handle.
func New(coll *mongo.Collection) *Store {
	return &Store{coll: coll}
}

// Close disconnects the client when the Store owns it.
func (s *Store) Close(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Disconnect(ctx)
}

func docID(collection, key string) string {
	return collection + "/" + key
}

// Create inserts rec.
func (s *Store) Create(ctx context.Context, rec backend.Record) error {
	doc := recordDoc{
		ID:         docID(rec.Collection, rec.Key),
		Collection: rec.Collection,
		Key:        rec.Key,
		Data:       rec.Data,
		Metadata:   rec.Metadata,
		UpdatedAt:  time.Now().UTC(),
	}
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return &backend.DuplicateKeyError{EntityType: rec.Collection, ID: rec.Key}
		}
		return classify(err)
	}
	return nil
}

// Read loads a record.
func (s *Store) Read(ctx context.Context, collection, key string) (backend.Record, error) {
	var doc recordDoc
	err := s.coll.FindOne(ctx, bson.M{"_id": docID(collection, key)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return backend.Record{}, &backend.NotFoundError{EntityType: collection, ID: key}
	}
	if err != nil {
		return backend.Record{}, classify(err)
	}
	return backend.Record{
		Collection: doc.Collection,
		Key:        doc.Key,
		Data:       doc.Data,
		Metadata:   doc.Metadata,
		UpdatedAt:  doc.UpdatedAt,
	}, nil
}

// Update overwrites data and metadata of an existing record.
func (s *Store) Update(ctx context.Context, rec backend.Record) error {
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": docID(rec.Collection, rec.Key)},
		bson.M{"$set": bson.M{
			"data":       rec.Data,
			"metadata":   rec.Metadata,
			"updated_at": time.Now().UTC(),
		}})
	if err != nil {
		return classify(err)
	}
	if res.MatchedCount == 0 {
		return &backend.NotFoundError{EntityType: rec.Collection, ID: rec.Key}
	}
	return nil
}

// Delete removes a record if present.
func (s *Store) Delete(ctx context.Context, collection, key string) error {
	_, err := s.coll.DeleteOne(ctx, bson.M{"_id": docID(collection, key)})
	return classify(err)
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) || errors.Is(err, mongo.ErrClientDisconnected) {
		return backend.Unavailable(backendName, err)
	}
	return err
}
