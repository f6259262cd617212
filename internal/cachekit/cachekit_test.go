// Copyright (c) 2021 MacEwan University. All rights reserved.
//
// This source code is licensed under the MIT-style license found in
// the LICENSE file in the root directory of this source tree.

package cachekit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNonceSetRejectsReplay(t *testing.T) {
	n := NewNonceSet(time.Minute)
	defer n.Close()

	if !n.CheckAndStore("iss1", "nonce1") {
		t.Fatal("first use of nonce1 should be fresh")
	}
	if n.CheckAndStore("iss1", "nonce1") {
		t.Fatal("replay of nonce1 should be rejected")
	}
}

func TestNonceSetScopedByIssuer(t *testing.T) {
	n := NewNonceSet(time.Minute)
	defer n.Close()

	if !n.CheckAndStore("iss1", "nonce1") {
		t.Fatal("first use under iss1 should be fresh")
	}
	if !n.CheckAndStore("iss2", "nonce1") {
		t.Fatal("same nonce under a different issuer should be fresh")
	}
}

func TestNonceSetExpires(t *testing.T) {
	n := NewNonceSet(20 * time.Millisecond)
	defer n.Close()

	if !n.CheckAndStore("iss1", "nonce1") {
		t.Fatal("first use should be fresh")
	}
	time.Sleep(40 * time.Millisecond)
	if !n.CheckAndStore("iss1", "nonce1") {
		t.Fatal("expired nonce should be fresh again")
	}
}

func TestJWKSCacheFetchMemoizes(t *testing.T) {
	c := NewJWKSCache(time.Minute)

	calls := 0
	load := func(context.Context) (interface{}, error) {
		calls++
		return "jwks-document", nil
	}

	for i := 0; i < 3; i++ {
		v, err := c.Fetch(context.Background(), "https://platform.tld/jwks", load)
		if err != nil {
			t.Fatalf("Fetch: %v", err)
		}
		if v != "jwks-document" {
			t.Fatalf("Fetch = %v, want jwks-document", v)
		}
	}
	if calls != 1 {
		t.Fatalf("load called %d times, want 1", calls)
	}
}

func TestJWKSCacheFetchDoesNotCacheErrors(t *testing.T) {
	c := NewJWKSCache(time.Minute)
	wantErr := errors.New("fetch failed")

	if _, err := c.Fetch(context.Background(), "https://platform.tld/jwks", func(context.Context) (interface{}, error) {
		return nil, wantErr
	}); !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}

	if _, ok := c.Get("https://platform.tld/jwks"); ok {
		t.Fatal("a failed fetch should not populate the cache")
	}
}
