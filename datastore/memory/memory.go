// Copyright (c) 2021 MacEwan University. All rights reserved.
//
// This source code is licensed under the MIT-style license found in
// the LICENSE file in the root directory of this source tree.

// Package memory implements an in-memory datastore.Store. It is the Store
// returned by lti.NewMemoryStore and used by the example server, and it
// doubles as the reference implementation of the Store contract. Every
// constructor in the module takes its Store explicitly; none falls back on
// this package by itself.
package memory

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/macewan-cs/lti/datastore"
	"github.com/macewan-cs/lti/internal/cryptutil"
)

// Store implements datastore.Store over one sync.Map per collection.
type Store struct {
	collections map[datastore.Collection]*sync.Map
	encryptor   *cryptutil.Encryptor
}

// New returns an empty Store. If enc is non-nil, rows written with
// encrypted=true are sealed with it; otherwise such rows are stored in
// clear, which is only appropriate for tests.
func New(enc *cryptutil.Encryptor) *Store {
	return &Store{
		collections: map[datastore.Collection]*sync.Map{
			datastore.CollectionPlatform:     {},
			datastore.CollectionPublicKey:    {},
			datastore.CollectionPrivateKey:   {},
			datastore.CollectionIDToken:      {},
			datastore.CollectionContextToken: {},
		},
		encryptor: enc,
	}
}

// DefaultStore is a package-level Store a caller may pass wherever a Store
// is needed; no component selects it on its own. It has no encryptor,
// so PrivateKey rows are stored in clear; production deployments must
// construct their own encrypted Store.
var DefaultStore = New(nil)

func (s *Store) collection(c datastore.Collection) (*sync.Map, error) {
	m, ok := s.collections[c]
	if !ok {
		return nil, fmt.Errorf("memory: unknown collection %q", c)
	}

	return m, nil
}

// Get implements datastore.Store.
func (s *Store) Get(encrypted bool, collection datastore.Collection, filter datastore.Filter, v interface{}) (bool, error) {
	m, err := s.collection(collection)
	if err != nil {
		return false, err
	}

	raw, ok := m.Load(filter.Key())
	if !ok {
		return false, datastore.ErrNotFound
	}

	data := raw.([]byte)
	if encrypted {
		data, err = s.decrypt(data)
		if err != nil {
			return false, err
		}
	}

	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("memory: decode row: %w", err)
	}

	return true, nil
}

// Replace implements datastore.Store.
func (s *Store) Replace(encrypted bool, collection datastore.Collection, filter datastore.Filter, value interface{}) error {
	m, err := s.collection(collection)
	if err != nil {
		return err
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("memory: encode row: %w", err)
	}

	if encrypted {
		data, err = s.encrypt(data)
		if err != nil {
			return err
		}
	}

	m.Store(filter.Key(), data)

	return nil
}

// Modify implements datastore.Store.
func (s *Store) Modify(encrypted bool, collection datastore.Collection, filter datastore.Filter, patch map[string]interface{}) error {
	var existing map[string]interface{}
	found, err := s.Get(encrypted, collection, filter, &existing)
	if err != nil && err != datastore.ErrNotFound {
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
	m, err := s.collection(collection)
	if err != nil {
		return err
	}

	m.Delete(filter.Key())

	return nil
}

// Setup implements datastore.Store. It is a no-op; the collections are ready
// at construction.
func (s *Store) Setup() error {
	return nil
}

// Scan returns every stored row in collection, decrypted if necessary. It
// backs keyring.KeyRing's JWKS assembly.
func (s *Store) Scan(collection datastore.Collection) ([]json.RawMessage, error) {
	m, err := s.collection(collection)
	if err != nil {
		return nil, err
	}

	var rows []json.RawMessage
	var rangeErr error
	m.Range(func(_, value interface{}) bool {
		data := value.([]byte)
		if collection == datastore.CollectionPrivateKey {
			data, rangeErr = s.decrypt(data)
			if rangeErr != nil {
				return false
			}
		}
		rows = append(rows, json.RawMessage(data))
		return true
	})

	return rows, rangeErr
}

// Close implements datastore.Store. It is a no-op.
func (s *Store) Close() error {
	return nil
}

func (s *Store) encrypt(data []byte) ([]byte, error) {
	if s.encryptor == nil {
		return data, nil
	}

	return s.encryptor.Encrypt(data)
}

func (s *Store) decrypt(data []byte) ([]byte, error) {
	if s.encryptor == nil {
		return data, nil
	}

	return s.encryptor.Decrypt(data)
}
