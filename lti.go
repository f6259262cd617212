// Copyright (c) 2021 MacEwan University. All rights reserved.
//
// This source code is licensed under the MIT-style license found in
// the LICENSE file in the root directory of this source tree.

// Package lti supports the development of LTI 1.3 tools. It wires together
// the pluggable Store, the tool's key ring, the platform trust registry,
// the launch state machine, and the connector service clients into one
// explicitly constructed Provider — see the provider package for the
// request-dispatch half of that wiring.
package lti

import (
	"database/sql"

	"github.com/macewan-cs/lti/connector"
	"github.com/macewan-cs/lti/datastore"
	"github.com/macewan-cs/lti/datastore/memory"
	"github.com/macewan-cs/lti/datastore/mongo"
	dssql "github.com/macewan-cs/lti/datastore/sql"
	"github.com/macewan-cs/lti/internal/cryptutil"
	"github.com/macewan-cs/lti/keyring"
	"github.com/macewan-cs/lti/launch"
	"github.com/macewan-cs/lti/platform"
	"github.com/macewan-cs/lti/provider"
)

// NewMemoryStore returns the default, in-process Store. enc may be nil, in
// which case PrivateKey rows are written without at-rest encryption —
// fine for development, not for production.
func NewMemoryStore(enc *cryptutil.Encryptor) datastore.Store {
	return memory.New(enc)
}

// NewSQLDatastoreConfig returns the default table-name configuration for
// the SQL-backed Store.
func NewSQLDatastoreConfig() dssql.Config {
	return dssql.NewConfig()
}

// NewSQLStore adapts an already-open *sql.DB into a Store.
func NewSQLStore(db *sql.DB, cfg dssql.Config, enc dssql.Encryptor) *dssql.Store {
	return dssql.New(db, cfg, enc)
}

// NewMongoStore dials a MongoDB-backed Store.
func NewMongoStore(uri, dbName string, enc mongo.Encryptor) (*mongo.Store, error) {
	return mongo.Connect(uri, dbName, enc)
}

// NewKeyRing wraps store with the tool's own key-pair generation and JWKS
// assembly.
func NewKeyRing(store datastore.Store) *keyring.KeyRing {
	return keyring.New(store)
}

// NewPlatformRegistry wraps store and keys with platform trust-record CRUD.
func NewPlatformRegistry(store datastore.Store, keys *keyring.KeyRing) *platform.Registry {
	return platform.New(store, keys)
}

// NewLaunchStateMachine builds the login/callback/steady-state orchestrator
// for the given store and platform registry.
func NewLaunchStateMachine(store datastore.Store, platforms *platform.Registry, opts launch.Options) *launch.StateMachine {
	return launch.New(store, platforms, opts)
}

// NewProvider builds the explicit, constructed Provider value that binds
// every collaborator above to the reserved routes and the caller's launch
// callbacks.
func NewProvider(store datastore.Store, keys *keyring.KeyRing, platforms *platform.Registry, sm *launch.StateMachine, cfg provider.Config, callbacks provider.Callbacks) (*provider.Provider, error) {
	return provider.New(store, keys, platforms, sm, cfg, callbacks)
}

// NewConnector builds an LTI Advantage service-client base for an
// authenticated session.
func NewConnector(platforms *platform.Registry, keys *keyring.KeyRing, session *launch.Session) (*connector.Connector, error) {
	return connector.New(platforms, keys, session)
}
