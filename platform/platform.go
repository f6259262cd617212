// Copyright (c) 2021 MacEwan University. All rights reserved.
//
// This source code is licensed under the MIT-style license found in
// the LICENSE file in the root directory of this source tree.

// Package platform implements the PlatformRegistry: CRUD for platform trust
// records, key-pair provisioning on registration, and issuer lookup for the
// login and token validation phases of a launch.
package platform

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/macewan-cs/lti/datastore"
	"github.com/macewan-cs/lti/keyring"
)

// ErrMissingArgument is returned when Register is given a Platform missing
// one of its required fields.
var ErrMissingArgument = errors.New("platform: missing required argument")

// ErrNotFound is returned by Get when no Platform is registered for a URL.
var ErrNotFound = datastore.ErrNotFound

// Registry is the PlatformRegistry described in the launch spec: CRUD over
// Platform trust records, with key-pair lifecycle delegated to a KeyRing.
type Registry struct {
	store   datastore.Store
	keyring *keyring.KeyRing
}

// New returns a Registry backed by store, generating keys through keys.
func New(store datastore.Store, keys *keyring.KeyRing) *Registry {
	return &Registry{store: store, keyring: keys}
}

// Register creates a new Platform, or merges non-zero fields from p into an
// existing one with the same PlatformURL. New registrations get a freshly
// generated key pair; any failure after key generation rolls back the key
// pair and any partial platform row.
func (r *Registry) Register(p datastore.Platform) (datastore.Platform, error) {
	if p.PlatformURL == "" {
		return datastore.Platform{}, fmt.Errorf("%w: platformUrl", ErrMissingArgument)
	}

	existing, found, err := r.get(p.PlatformURL)
	if err != nil {
		return datastore.Platform{}, err
	}
	if found {
		merged := mergeNonZero(existing, p)
		if err := r.store.Replace(false, datastore.CollectionPlatform, merged.Filter(), merged); err != nil {
			return datastore.Platform{}, fmt.Errorf("platform: merge existing registration: %w", err)
		}

		return merged, nil
	}

	if err := validateNewPlatform(p); err != nil {
		return datastore.Platform{}, err
	}

	kid, err := r.keyring.Generate(p.PlatformURL)
	if err != nil {
		return datastore.Platform{}, fmt.Errorf("platform: generate keys: %w", err)
	}
	p.Kid = kid

	if err := r.store.Replace(false, datastore.CollectionPlatform, p.Filter(), p); err != nil {
		// Roll back the key pair and any partial row, per spec.
		r.keyring.Delete(kid)
		r.store.Delete(datastore.CollectionPlatform, p.Filter())
		return datastore.Platform{}, fmt.Errorf("platform: store registration: %w", err)
	}

	return p, nil
}

func validateNewPlatform(p datastore.Platform) error {
	switch {
	case p.PlatformName == "":
		return fmt.Errorf("%w: platformName", ErrMissingArgument)
	case p.ClientID == "":
		return fmt.Errorf("%w: clientId", ErrMissingArgument)
	case p.AuthEndpoint == "":
		return fmt.Errorf("%w: authEndpoint", ErrMissingArgument)
	case p.AccessTokenEndpoint == "":
		return fmt.Errorf("%w: accesstokenEndpoint", ErrMissingArgument)
	}

	if err := p.AuthConfig.Validate(); err != nil {
		return fmt.Errorf("%w: authConfig: %v", ErrMissingArgument, err)
	}

	return nil
}

func mergeNonZero(existing, patch datastore.Platform) datastore.Platform {
	if patch.PlatformName != "" {
		existing.PlatformName = patch.PlatformName
	}
	if patch.ClientID != "" {
		existing.ClientID = patch.ClientID
	}
	if patch.AuthEndpoint != "" {
		existing.AuthEndpoint = patch.AuthEndpoint
	}
	if patch.AccessTokenEndpoint != "" {
		existing.AccessTokenEndpoint = patch.AccessTokenEndpoint
	}
	if patch.AuthConfig.Key != "" {
		existing.AuthConfig = patch.AuthConfig
	}

	return existing
}

// Get returns the Platform registered for url.
func (r *Registry) Get(url string) (datastore.Platform, error) {
	if url == "" {
		return datastore.Platform{}, fmt.Errorf("%w: platformUrl", ErrMissingArgument)
	}

	p, found, err := r.get(url)
	if err != nil {
		return datastore.Platform{}, err
	}
	if !found {
		return datastore.Platform{}, ErrNotFound
	}

	return p, nil
}

func (r *Registry) get(url string) (datastore.Platform, bool, error) {
	var p datastore.Platform
	found, err := r.store.Get(false, datastore.CollectionPlatform, datastore.Filter{"platformUrl": url}, &p)
	if err != nil && err != datastore.ErrNotFound {
		return datastore.Platform{}, false, fmt.Errorf("platform: get: %w", err)
	}

	return p, found, nil
}

// scanner is satisfied by Store implementations that can enumerate a
// collection, used by GetAll. All three shipped backends (memory, sql,
// mongo) implement it.
type scanner interface {
	Scan(collection datastore.Collection) ([]json.RawMessage, error)
}

// GetAll returns every registered Platform. It requires a Store that
// supports Scan; the shipped memory, sql, and mongo backends all do.
func (r *Registry) GetAll() ([]datastore.Platform, error) {
	s, ok := r.store.(scanner)
	if !ok {
		return nil, fmt.Errorf("platform: store %T does not support listing registrations", r.store)
	}

	raws, err := s.Scan(datastore.CollectionPlatform)
	if err != nil {
		return nil, fmt.Errorf("platform: scan: %w", err)
	}

	platforms := make([]datastore.Platform, 0, len(raws))
	for _, raw := range raws {
		var p datastore.Platform
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("platform: decode row: %w", err)
		}
		platforms = append(platforms, p)
	}

	return platforms, nil
}

// Rotate replaces a Platform's signing key pair with a freshly generated
// one and updates its stored kid, returning the new kid. The outgoing key
// pair is deleted only after the new row is committed, so a crash between
// the two steps leaves the old key pair in place rather than orphaning the
// platform without one.
func (r *Registry) Rotate(url string) (string, error) {
	p, err := r.Get(url)
	if err != nil {
		return "", err
	}
	oldKid := p.Kid

	newKid, err := r.keyring.Rotate(url)
	if err != nil {
		return "", fmt.Errorf("platform: rotate keys: %w", err)
	}

	p.Kid = newKid
	if err := r.store.Replace(false, datastore.CollectionPlatform, p.Filter(), p); err != nil {
		r.keyring.Delete(newKid)
		return "", fmt.Errorf("platform: store rotated registration: %w", err)
	}

	if oldKid != "" && oldKid != newKid {
		if err := r.keyring.Delete(oldKid); err != nil {
			return newKid, fmt.Errorf("platform: rotated but failed to delete old key %q: %w", oldKid, err)
		}
	}

	return newKid, nil
}

// Delete removes the Platform row for url, cascading to the key pair
// referenced by its kid.
func (r *Registry) Delete(url string) error {
	p, err := r.Get(url)
	if err != nil {
		return err
	}

	if err := r.keyring.Delete(p.Kid); err != nil {
		return fmt.Errorf("platform: delete keys: %w", err)
	}

	if err := r.store.Delete(datastore.CollectionPlatform, p.Filter()); err != nil {
		return fmt.Errorf("platform: delete row: %w", err)
	}

	return nil
}
