// Copyright (c) 2021 MacEwan University. All rights reserved.
//
// This source code is licensed under the MIT-style license found in
// the LICENSE file in the root directory of this source tree.

// Package keyring generates, persists, and serves the tool's own asymmetric
// key pairs, one per platform registration, and assembles them into the
// public JWKS document the tool exposes at its keyset route.
package keyring

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/jwk"

	"github.com/macewan-cs/lti/datastore"
)

const rsaKeyBits = 2048

// KeyRing generates and serves the tool's signing key pairs.
type KeyRing struct {
	store datastore.Store
}

// New returns a KeyRing backed by store.
func New(store datastore.Store) *KeyRing {
	return &KeyRing{store: store}
}

// Generate creates a fresh RSA key pair for platformURL, storing the
// private key encrypted (the Store is responsible for the actual sealing;
// KeyRing always calls Replace with encrypted=true for the private half)
// and the public key in clear. It returns the new kid.
func (k *KeyRing) Generate(platformURL string) (string, error) {
	priv, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return "", fmt.Errorf("keyring: generate key: %w", err)
	}

	kid := uuid.New().String()

	pubJWK, err := jwk.New(&priv.PublicKey)
	if err != nil {
		return "", fmt.Errorf("keyring: build public jwk: %w", err)
	}
	if err := pubJWK.Set(jwk.KeyIDKey, kid); err != nil {
		return "", fmt.Errorf("keyring: set kid: %w", err)
	}
	if err := pubJWK.Set(jwk.AlgorithmKey, "RS256"); err != nil {
		return "", fmt.Errorf("keyring: set alg: %w", err)
	}

	pubJSON, err := json.Marshal(pubJWK)
	if err != nil {
		return "", fmt.Errorf("keyring: marshal public jwk: %w", err)
	}

	pemBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(priv),
	})

	pubKey := datastore.PublicKey{Kid: kid, PlatformURL: platformURL, JWK: pubJSON}
	if err := k.store.Replace(false, datastore.CollectionPublicKey, pubKey.Filter(), pubKey); err != nil {
		return "", fmt.Errorf("keyring: store public key: %w", err)
	}

	privKey := datastore.PrivateKey{Kid: kid, PlatformURL: platformURL, PEM: string(pemBytes)}
	if err := k.store.Replace(true, datastore.CollectionPrivateKey, privKey.Filter(), privKey); err != nil {
		k.store.Delete(datastore.CollectionPublicKey, pubKey.Filter())
		return "", fmt.Errorf("keyring: store private key: %w", err)
	}

	return kid, nil
}

// Rotate generates a fresh key pair for platformURL and returns its kid.
// The key pair being replaced is left in the Store so that tokens signed
// moments ago by the outgoing key still validate against the published
// JWKS; callers evict it explicitly once they're sure nothing outstanding
// still references the old kid, typically via Delete(oldKid).
func (k *KeyRing) Rotate(platformURL string) (string, error) {
	return k.Generate(platformURL)
}

// Delete removes the public and private key rows for kid. It is called by
// PlatformRegistry's rollback, cascade delete, and rotation. A missing row
// is not an error; a Store failure is returned to the caller.
func (k *KeyRing) Delete(kid string) error {
	if err := k.store.Delete(datastore.CollectionPublicKey, datastore.Filter{"kid": kid}); err != nil {
		return fmt.Errorf("keyring: delete public key: %w", err)
	}
	if err := k.store.Delete(datastore.CollectionPrivateKey, datastore.Filter{"kid": kid}); err != nil {
		return fmt.Errorf("keyring: delete private key: %w", err)
	}

	return nil
}

// PrivateKey returns the RSA private key for kid, decrypting it via the Store.
func (k *KeyRing) PrivateKey(kid string) (*rsa.PrivateKey, error) {
	var row datastore.PrivateKey
	found, err := k.store.Get(true, datastore.CollectionPrivateKey, datastore.Filter{"kid": kid}, &row)
	if err != nil {
		return nil, fmt.Errorf("keyring: get private key: %w", err)
	}
	if !found {
		return nil, fmt.Errorf("keyring: no private key for kid %q", kid)
	}

	block, _ := pem.Decode([]byte(row.PEM))
	if block == nil {
		return nil, fmt.Errorf("keyring: failed to decode PEM for kid %q", kid)
	}

	return x509.ParsePKCS1PrivateKey(block.Bytes)
}

// JWKS assembles every stored PublicKey into a JSON Web Key Set document.
func (k *KeyRing) JWKS() (jwk.Set, error) {
	rows, err := k.allPublicKeys()
	if err != nil {
		return nil, fmt.Errorf("keyring: list public keys: %w", err)
	}

	set := jwk.NewSet()
	for _, row := range rows {
		key, err := jwk.ParseKey(row.JWK)
		if err != nil {
			return nil, fmt.Errorf("keyring: parse stored jwk for kid %q: %w", row.Kid, err)
		}
		set.Add(key)
	}

	return set, nil
}

// allPublicKeys is a small scan abstraction. It is implemented separately
// from datastore.Store (which exposes only point lookups) because a
// production Store implementation may keep its own efficient index; the
// default memory and sql backends satisfy it directly.
type scanner interface {
	Scan(collection datastore.Collection) ([]json.RawMessage, error)
}

func (k *KeyRing) allPublicKeys() ([]datastore.PublicKey, error) {
	s, ok := k.store.(scanner)
	if !ok {
		return nil, fmt.Errorf("keyring: store %T does not support listing rows for JWKS", k.store)
	}

	raws, err := s.Scan(datastore.CollectionPublicKey)
	if err != nil {
		return nil, err
	}

	keys := make([]datastore.PublicKey, 0, len(raws))
	for _, raw := range raws {
		var pk datastore.PublicKey
		if err := json.Unmarshal(raw, &pk); err != nil {
			return nil, err
		}
		keys = append(keys, pk)
	}

	return keys, nil
}
