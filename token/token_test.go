// Copyright (c) 2021 MacEwan University. All rights reserved.
//
// This source code is licensed under the MIT-style license found in
// the LICENSE file in the root directory of this source tree.

package token

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/jwa"
	"github.com/lestrrat-go/jwx/jws"
	"github.com/lestrrat-go/jwx/jwt"

	"github.com/macewan-cs/lti/datastore"
	"github.com/macewan-cs/lti/datastore/memory"
	"github.com/macewan-cs/lti/internal/cachekit"
	"github.com/macewan-cs/lti/keyring"
	"github.com/macewan-cs/lti/platform"
)

const testIssuer = "https://platform.tld/instance"
const testClientID = "abcdef123456"

func fixtureKey(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate fixture key: %v", err)
	}

	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})

	return priv, string(pemBytes)
}

func newTestRegistry(t *testing.T, pubPEM string) *platform.Registry {
	t.Helper()

	store := memory.New(nil)
	reg := platform.New(store, keyring.New(store))

	_, err := reg.Register(datastore.Platform{
		PlatformName:        "Test Platform",
		PlatformURL:         testIssuer,
		ClientID:            testClientID,
		AuthEndpoint:        testIssuer + "/auth",
		AccessTokenEndpoint: testIssuer + "/token",
		AuthConfig:          datastore.AuthConfig{Method: datastore.RSAKey, Key: pubPEM},
	})
	if err != nil {
		t.Fatalf("register platform: %v", err)
	}

	return reg
}

func signFixtureToken(t *testing.T, priv *rsa.PrivateKey, kid string, mutate func(jwt.Token)) string {
	t.Helper()

	tok := jwt.New()
	tok.Set(jwt.IssuerKey, testIssuer)
	tok.Set(jwt.AudienceKey, testClientID)
	tok.Set(jwt.SubjectKey, "u1")
	tok.Set(jwt.IssuedAtKey, time.Now())
	tok.Set(jwt.ExpirationKey, time.Now().Add(time.Hour))
	tok.Set("nonce", uuid.New().String())
	tok.Set(claimMessageType, messageTypeResourceLink)
	tok.Set(claimVersion, supportedLTIVersion)
	tok.Set(claimDeploymentID, "d1")
	tok.Set(claimTargetLinkURI, "https://tool.tld/launch")
	tok.Set(claimResourceLink, map[string]interface{}{"id": "r1"})

	if mutate != nil {
		mutate(tok)
	}

	hdrs := jws.NewHeaders()
	_ = hdrs.Set(jws.KeyIDKey, kid)

	signed, err := jwt.Sign(tok, jwa.RS256, priv, jwt.WithHeaders(hdrs))
	if err != nil {
		t.Fatalf("sign fixture token: %v", err)
	}

	return string(signed)
}

func TestValidateHappyPath(t *testing.T) {
	priv, pubPEM := fixtureKey(t)
	registry := newTestRegistry(t, pubPEM)
	nonces := cachekit.NewNonceSet(time.Minute)
	defer nonces.Close()

	v := New(registry, nonces, time.Minute)
	raw := signFixtureToken(t, priv, "kid-1", nil)

	result, err := v.Validate(context.Background(), raw, Options{ExpectedIss: testIssuer})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if result.Token.Subject() != "u1" {
		t.Fatalf("subject = %q, want u1", result.Token.Subject())
	}
}

func TestValidateWrongAudience(t *testing.T) {
	priv, pubPEM := fixtureKey(t)
	registry := newTestRegistry(t, pubPEM)
	nonces := cachekit.NewNonceSet(time.Minute)
	defer nonces.Close()

	v := New(registry, nonces, time.Minute)
	raw := signFixtureToken(t, priv, "kid-1", func(tok jwt.Token) {
		tok.Set(jwt.AudienceKey, "someone-else")
	})

	if _, err := v.Validate(context.Background(), raw, Options{ExpectedIss: testIssuer}); err == nil {
		t.Fatal("expected error for wrong audience, got nil")
	}
}

func TestValidateExpiredToken(t *testing.T) {
	priv, pubPEM := fixtureKey(t)
	registry := newTestRegistry(t, pubPEM)
	nonces := cachekit.NewNonceSet(time.Minute)
	defer nonces.Close()

	v := New(registry, nonces, time.Minute)
	raw := signFixtureToken(t, priv, "kid-1", func(tok jwt.Token) {
		tok.Set(jwt.IssuedAtKey, time.Now().Add(-time.Hour))
		tok.Set(jwt.ExpirationKey, time.Now().Add(-time.Minute))
	})

	if _, err := v.Validate(context.Background(), raw, Options{ExpectedIss: testIssuer}); err == nil {
		t.Fatal("expected error for expired token, got nil")
	}
}

func TestValidateNonceReplay(t *testing.T) {
	priv, pubPEM := fixtureKey(t)
	registry := newTestRegistry(t, pubPEM)
	nonces := cachekit.NewNonceSet(time.Minute)
	defer nonces.Close()

	v := New(registry, nonces, time.Minute)

	nonce := uuid.New().String()
	mutate := func(tok jwt.Token) { tok.Set("nonce", nonce) }

	raw1 := signFixtureToken(t, priv, "kid-1", mutate)
	if _, err := v.Validate(context.Background(), raw1, Options{ExpectedIss: testIssuer}); err != nil {
		t.Fatalf("first validate: %v", err)
	}

	raw2 := signFixtureToken(t, priv, "kid-1", mutate)
	if _, err := v.Validate(context.Background(), raw2, Options{ExpectedIss: testIssuer}); err == nil {
		t.Fatal("expected nonce replay error, got nil")
	}
}

func TestValidateUnregisteredPlatform(t *testing.T) {
	priv, pubPEM := fixtureKey(t)
	registry := newTestRegistry(t, pubPEM)
	nonces := cachekit.NewNonceSet(time.Minute)
	defer nonces.Close()

	v := New(registry, nonces, time.Minute)
	raw := signFixtureToken(t, priv, "kid-1", func(tok jwt.Token) {
		tok.Set(jwt.IssuerKey, "https://unknown.tld")
	})

	_, err := v.Validate(context.Background(), raw, Options{ExpectedIss: "https://unknown.tld"})
	if err == nil {
		t.Fatal("expected unregistered platform error, got nil")
	}
}
