// Copyright (c) 2021 MacEwan University. All rights reserved.
//
// This source code is licensed under the MIT-style license found in
// the LICENSE file in the root directory of this source tree.

// Package sql implements a persistent datastore.Store backed by
// database/sql. Rows are stored as a single JSON blob per (collection,
// filter key) pair in one table, which lets any database/sql driver back
// the Store contract without a bespoke schema per record type.
package sql

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/macewan-cs/lti/datastore"
)

// Config names the table and column names used to store rows.
type Config struct {
	Table         string
	CollectionCol string
	KeyCol        string
	ValueCol      string
	EncryptedCol  string
}

// NewConfig returns the default table/column layout.
func NewConfig() Config {
	return Config{
		Table:         "lti_store",
		CollectionCol: "collection",
		KeyCol:        "row_key",
		ValueCol:      "value",
		EncryptedCol:  "encrypted",
	}
}

// Encryptor seals and opens row values written/read with encrypted=true.
// *internal/cryptutil.Encryptor satisfies it.
type Encryptor interface {
	Encrypt([]byte) ([]byte, error)
	Decrypt([]byte) ([]byte, error)
}

// Store implements datastore.Store over a single blob table.
type Store struct {
	db  *sql.DB
	cfg Config
	enc Encryptor
}

// New returns a Store using db and cfg. enc may be nil, in which case rows
// requested with encrypted=true are stored and read back in clear.
func New(db *sql.DB, cfg Config, enc Encryptor) *Store {
	return &Store{db: db, cfg: cfg, enc: enc}
}

// Setup creates the backing table if it does not already exist.
func (s *Store) Setup() error {
	q := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		%s TEXT NOT NULL,
		%s TEXT NOT NULL,
		%s BLOB NOT NULL,
		%s BOOLEAN NOT NULL,
		PRIMARY KEY (%s, %s)
	)`, s.cfg.Table, s.cfg.CollectionCol, s.cfg.KeyCol, s.cfg.ValueCol, s.cfg.EncryptedCol,
		s.cfg.CollectionCol, s.cfg.KeyCol)

	_, err := s.db.Exec(q)
	return err
}

// Close closes the underlying *sql.DB.
func (s *Store) Close() error {
	return s.db.Close()
}

// Scan returns every stored row in collection, decrypted if necessary. It
// backs keyring.KeyRing's JWKS assembly.
func (s *Store) Scan(collection datastore.Collection) ([]json.RawMessage, error) {
	q := fmt.Sprintf(`SELECT %s, %s FROM %s WHERE %s = $1`,
		s.cfg.ValueCol, s.cfg.EncryptedCol, s.cfg.Table, s.cfg.CollectionCol)

	rows, err := s.db.Query(q, string(collection))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []json.RawMessage
	for rows.Next() {
		var data []byte
		var encrypted bool
		if err := rows.Scan(&data, &encrypted); err != nil {
			return nil, err
		}
		if encrypted {
			data, err = s.decrypt(data)
			if err != nil {
				return nil, err
			}
		}
		out = append(out, json.RawMessage(data))
	}

	return out, rows.Err()
}

// Get implements datastore.Store.
func (s *Store) Get(encrypted bool, collection datastore.Collection, filter datastore.Filter, v interface{}) (bool, error) {
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE %s = $1 AND %s = $2`,
		s.cfg.ValueCol, s.cfg.Table, s.cfg.CollectionCol, s.cfg.KeyCol)

	var data []byte
	err := s.db.QueryRow(q, string(collection), filter.Key()).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return false, datastore.ErrNotFound
	}
	if err != nil {
		return false, err
	}

	if encrypted {
		data, err = s.decrypt(data)
		if err != nil {
			return false, err
		}
	}

	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("sql: decode row: %w", err)
	}

	return true, nil
}

// Replace implements datastore.Store as a delete-then-insert within a
// transaction, matching the teacher's transactional write style.
func (s *Store) Replace(encrypted bool, collection datastore.Collection, filter datastore.Filter, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("sql: encode row: %w", err)
	}

	if encrypted {
		data, err = s.encrypt(data)
		if err != nil {
			return err
		}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}

	delQ := fmt.Sprintf(`DELETE FROM %s WHERE %s = $1 AND %s = $2`,
		s.cfg.Table, s.cfg.CollectionCol, s.cfg.KeyCol)
	if _, err := tx.Exec(delQ, string(collection), filter.Key()); err != nil {
		tx.Rollback()
		return err
	}

	insQ := fmt.Sprintf(`INSERT INTO %s (%s, %s, %s, %s) VALUES ($1, $2, $3, $4)`,
		s.cfg.Table, s.cfg.CollectionCol, s.cfg.KeyCol, s.cfg.ValueCol, s.cfg.EncryptedCol)
	if _, err := tx.Exec(insQ, string(collection), filter.Key(), data, encrypted); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

// Modify implements datastore.Store by reading, merging, and replacing the
// row. The row must already exist.
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
	q := fmt.Sprintf(`DELETE FROM %s WHERE %s = $1 AND %s = $2`,
		s.cfg.Table, s.cfg.CollectionCol, s.cfg.KeyCol)

	_, err := s.db.Exec(q, string(collection), filter.Key())
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
