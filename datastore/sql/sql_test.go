// Copyright (c) 2021 MacEwan University. All rights reserved.
//
// This source code is licensed under the MIT-style license found in
// the LICENSE file in the root directory of this source tree.

package sql

import (
	"database/sql"
	"testing"

	"github.com/macewan-cs/lti/datastore"
	_ "github.com/mlhoyt/ramsql/driver"
)

func newTestStore(t *testing.T, dsn string) *Store {
	t.Helper()

	db, err := sql.Open("ramsql", dsn)
	if err != nil {
		t.Fatalf("cannot open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store := New(db, NewConfig(), nil)
	if err := store.Setup(); err != nil {
		t.Fatalf("setup error: %v", err)
	}

	return store
}

func TestNewConfig(t *testing.T) {
	cfg := NewConfig()
	if cfg.Table == "" || cfg.CollectionCol == "" || cfg.KeyCol == "" || cfg.ValueCol == "" {
		t.Error("one or more fields were unset in the default Config")
	}
}

func TestReplaceAndGetPlatform(t *testing.T) {
	store := newTestStore(t, "TestReplaceAndGetPlatform")

	platform := datastore.Platform{PlatformURL: "https://platform.tld/instance", ClientID: "abc"}
	if err := store.Replace(false, datastore.CollectionPlatform, platform.Filter(), platform); err != nil {
		t.Fatalf("replace platform error: %v", err)
	}

	var got datastore.Platform
	found, err := store.Get(false, datastore.CollectionPlatform, platform.Filter(), &got)
	if err != nil {
		t.Fatalf("get platform error: %v", err)
	}
	if !found || got != platform {
		t.Fatalf("got %#v, want %#v", got, platform)
	}
}

func TestGetNotFound(t *testing.T) {
	store := newTestStore(t, "TestGetNotFound")

	var got datastore.Platform
	_, err := store.Get(false, datastore.CollectionPlatform, datastore.Filter{"platformUrl": "unknown"}, &got)
	if err != datastore.ErrNotFound {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestReplaceIsUpsert(t *testing.T) {
	store := newTestStore(t, "TestReplaceIsUpsert")

	platform := datastore.Platform{PlatformURL: "https://platform.tld/instance", ClientID: "abc"}
	if err := store.Replace(false, datastore.CollectionPlatform, platform.Filter(), platform); err != nil {
		t.Fatalf("first replace error: %v", err)
	}

	platform.ClientID = "xyz"
	if err := store.Replace(false, datastore.CollectionPlatform, platform.Filter(), platform); err != nil {
		t.Fatalf("second replace error: %v", err)
	}

	var got datastore.Platform
	_, err := store.Get(false, datastore.CollectionPlatform, platform.Filter(), &got)
	if err != nil {
		t.Fatalf("get platform error: %v", err)
	}
	if got.ClientID != "xyz" {
		t.Fatalf("got ClientID %q, want replaced value xyz", got.ClientID)
	}
}

func TestDelete(t *testing.T) {
	store := newTestStore(t, "TestDelete")

	platform := datastore.Platform{PlatformURL: "https://platform.tld/instance"}
	if err := store.Replace(false, datastore.CollectionPlatform, platform.Filter(), platform); err != nil {
		t.Fatalf("replace error: %v", err)
	}
	if err := store.Delete(datastore.CollectionPlatform, platform.Filter()); err != nil {
		t.Fatalf("delete error: %v", err)
	}

	var got datastore.Platform
	_, err := store.Get(false, datastore.CollectionPlatform, platform.Filter(), &got)
	if err != datastore.ErrNotFound {
		t.Fatalf("got %v, want ErrNotFound after delete", err)
	}
}
