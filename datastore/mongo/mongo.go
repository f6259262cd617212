// Package mongo implements a datastore.Store backed by a MongoDB document
// database, one native collection per datastore.Collection. It follows the
// connection-and-index-setup shape of dalemusser-waffle's toolkit/mongo
// package.
package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/macewan-cs/lti/datastore"
)

const connectTimeout = 10 * time.Second

// Encryptor seals and opens row values written/read with encrypted=true.
type Encryptor interface {
	Encrypt([]byte) ([]byte, error)
	Decrypt([]byte) ([]byte, error)
}

// Store implements datastore.Store over a MongoDB database. Each
// datastore.Collection maps to a native Mongo collection of the same name;
// rows are addressed by a synthetic "_key" field built from Filter.Key so
// that filters never have to be translated into a Mongo query language.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	enc    Encryptor
}

// Connect opens a MongoDB connection and wraps it as a Store. The caller
// must call Close when finished.
func Connect(uri, dbName string, enc Encryptor) (*Store, error) {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, err
	}

	return &Store{client: client, db: client.Database(dbName), enc: enc}, nil
}

type row struct {
	Key       string `bson:"_key"`
	Value     []byte `bson:"value"`
	Encrypted bool   `bson:"encrypted"`
}

// Setup creates the unique index on _key for every collection.
func (s *Store) Setup() error {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	collections := []datastore.Collection{
		datastore.CollectionPlatform,
		datastore.CollectionPublicKey,
		datastore.CollectionPrivateKey,
		datastore.CollectionIDToken,
		datastore.CollectionContextToken,
	}

	for _, c := range collections {
		_, err := s.db.Collection(string(c)).Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys:    bson.D{{Key: "_key", Value: 1}},
			Options: options.Index().SetUnique(true),
		})
		if err != nil {
			return fmt.Errorf("mongo: create index for %s: %w", c, err)
		}
	}

	return nil
}

// Close disconnects the underlying client.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	return s.client.Disconnect(ctx)
}

// Scan returns every stored row in collection, decrypted if necessary. It
// backs keyring.KeyRing's JWKS assembly.
func (s *Store) Scan(collection datastore.Collection) ([]json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	cur, err := s.db.Collection(string(collection)).Find(ctx, bson.M{})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []json.RawMessage
	for cur.Next(ctx) {
		var r row
		if err := cur.Decode(&r); err != nil {
			return nil, err
		}
		data := r.Value
		if r.Encrypted {
			data, err = s.decrypt(data)
			if err != nil {
				return nil, err
			}
		}
		out = append(out, json.RawMessage(data))
	}

	return out, cur.Err()
}

// Get implements datastore.Store.
func (s *Store) Get(encrypted bool, collection datastore.Collection, filter datastore.Filter, v interface{}) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	var r row
	err := s.db.Collection(string(collection)).FindOne(ctx, bson.M{"_key": filter.Key()}).Decode(&r)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, datastore.ErrNotFound
	}
	if err != nil {
		return false, err
	}

	data := r.Value
	if encrypted {
		data, err = s.decrypt(data)
		if err != nil {
			return false, err
		}
	}

	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("mongo: decode row: %w", err)
	}

	return true, nil
}

// Replace implements datastore.Store as a Mongo upsert.
func (s *Store) Replace(encrypted bool, collection datastore.Collection, filter datastore.Filter, value interface{}) error {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("mongo: encode row: %w", err)
	}

	if encrypted {
		data, err = s.encrypt(data)
		if err != nil {
			return err
		}
	}

	_, err = s.db.Collection(string(collection)).ReplaceOne(ctx,
		bson.M{"_key": filter.Key()},
		row{Key: filter.Key(), Value: data, Encrypted: encrypted},
		options.Replace().SetUpsert(true))

	return err
}

// Modify implements datastore.Store by reading, merging, and replacing.
func (s *Store) Modify(encrypted bool, collection datastore.Collection, filter datastore.Filter, patch map[string]interface{}) error {
	var existing map[string]interface{}
	found, err := s.Get(encrypted, collection, filter, &existing)
	if err != nil && !errors.Is(err, datastore.ErrNotFound) {
		return err
	}
	if !found {
		return datastore.ErrNotFound
	}

	for k, v := range patch {
		existing[k] = v
	}

	return s.Replace(encrypted, collection, filter, existing)
}

// Delete implements datastore.Store.
func (s *Store) Delete(collection datastore.Collection, filter datastore.Filter) error {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	_, err := s.db.Collection(string(collection)).DeleteMany(ctx, bson.M{"_key": filter.Key()})
	return err
}

func (s *Store) encrypt(data []byte) ([]byte, error) {
	if s.enc == nil {
		return data, nil
	}

	return s.enc.Encrypt(data)
}

func (s *Store) decrypt(data []byte) ([]byte, error) {
	if s.enc == nil {
		return data, nil
	}

	return s.enc.Decrypt(data)
}
