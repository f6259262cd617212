// Copyright (c) 2021 MacEwan University. All rights reserved.
//
// This source code is licensed under the MIT-style license found in
// the LICENSE file in the root directory of this source tree.

// Package datastore implements the interfaces and record types shared by every
// storage backend used by the LTI launch state machine: the tool's own keys,
// the platform trust registry, and the per-launch ID/context tokens.
package datastore

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// A Collection names one of the logical, independently-keyed record sets a
// Store must support. Collections never share a key space.
type Collection string

const (
	CollectionPlatform     Collection = "platform"
	CollectionPublicKey    Collection = "publickey"
	CollectionPrivateKey   Collection = "privatekey"
	CollectionIDToken      Collection = "idtoken"
	CollectionContextToken Collection = "contexttoken"
)

// ErrNotFound is returned by a Store when a Get finds no row matching the filter.
var ErrNotFound = errors.New("datastore: no matching row")

// A Filter selects rows by exact match on a tuple of fields. Every Store
// implementation must agree on the same field names for a given Collection;
// Key canonicalizes a Filter into a single string so that map- and
// table-backed Stores can use it directly as a row key.
type Filter map[string]string

// Key returns a canonical, order-independent string representation of f,
// suitable for use as a row key by in-memory or single-column backends.
func (f Filter) Key() string {
	names := make([]string, 0, len(f))
	for k := range f {
		names = append(names, k)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, k := range names {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(f[k])
		b.WriteByte(';')
	}

	return b.String()
}

// Store is the pluggable persistence contract. It intentionally exposes
// filter-based access instead of a query language so that a document store,
// a relational blob table, or an in-memory map can all implement it.
//
// encrypted signals that the caller considers the marshaled value sensitive
// (presently only PrivateKey rows); a Store that supports at-rest encryption
// must encrypt on Replace/Modify and decrypt on Get when encrypted is true.
type Store interface {
	// Get unmarshals the first row matching filter in collection into v (a
	// pointer). It reports false, ErrNotFound when no row matches.
	Get(encrypted bool, collection Collection, filter Filter, v interface{}) (bool, error)

	// Replace upserts the row matching filter with the marshaled value.
	Replace(encrypted bool, collection Collection, filter Filter, value interface{}) error

	// Modify merges patch into the existing row matching filter. The row
	// must already exist.
	Modify(encrypted bool, collection Collection, filter Filter, patch map[string]interface{}) error

	// Delete removes every row matching filter from collection.
	Delete(collection Collection, filter Filter) error

	// Setup prepares the backend (creating tables/indexes, etc.). It must be
	// idempotent.
	Setup() error

	// Close releases any resources held by the Store.
	Close() error
}

// AuthMethod, together with AuthConfig, names the Platform's verification
// key source as a {method, key} pair: Method says how Key is to be read and
// token.Validator switches on it. The pair is not a compiler-checked
// variant; Validate rejects an unknown Method.
type AuthMethod string

const (
	RSAKey AuthMethod = "RSA_KEY"
	JWKKey AuthMethod = "JWK_KEY"
	JWKSet AuthMethod = "JWK_SET"
)

// AuthConfig names where a Platform's verification key comes from: a raw PEM
// RSA public key, a single JWK (JSON), or a remote JWK Set URL.
type AuthConfig struct {
	Method AuthMethod
	Key    string
}

// Validate checks that an AuthConfig names a known method and a non-empty key.
func (a AuthConfig) Validate() error {
	if a.Method != RSAKey && a.Method != JWKKey && a.Method != JWKSet {
		return fmt.Errorf("datastore: unknown auth method %q", a.Method)
	}
	if a.Key == "" {
		return errors.New("datastore: auth config key is empty")
	}

	return nil
}

// Platform is the trust anchor for one issuer, recorded at registration time
// and consulted on every login and launch.
type Platform struct {
	PlatformName        string
	PlatformURL         string
	ClientID            string
	AuthEndpoint        string
	AccessTokenEndpoint string
	Kid                 string
	AuthConfig          AuthConfig
}

// Filter returns the canonical lookup filter for this Platform.
func (p Platform) Filter() Filter {
	return Filter{"platformUrl": p.PlatformURL}
}

// PublicKey is one half of the tool's own key pair for a platform, exposed
// in clear as a JWKS entry.
type PublicKey struct {
	Kid         string
	PlatformURL string
	JWK         json.RawMessage
}

// Filter returns the canonical lookup filter for this PublicKey.
func (k PublicKey) Filter() Filter {
	return Filter{"kid": k.Kid}
}

// PrivateKey is the other half of the tool's key pair. Stores must write and
// read it with encrypted=true.
type PrivateKey struct {
	Kid         string
	PlatformURL string
	PEM         string
}

// Filter returns the canonical lookup filter for this PrivateKey.
func (k PrivateKey) Filter() Filter {
	return Filter{"kid": k.Kid}
}

// UserInfo carries the subset of standard OIDC claims the tool persists for
// display purposes.
type UserInfo struct {
	GivenName  string `json:"given_name,omitempty"`
	FamilyName string `json:"family_name,omitempty"`
	Name       string `json:"name,omitempty"`
	Email      string `json:"email,omitempty"`
}

// PlatformInfo records the subset of the platform's self-description claim
// that tools typically surface back to the user.
type PlatformInfo struct {
	Name              string `json:"name,omitempty"`
	ContactEmail      string `json:"contact_email,omitempty"`
	Description       string `json:"description,omitempty"`
	URL               string `json:"url,omitempty"`
	ProductFamilyCode string `json:"product_family_code,omitempty"`
	Version           string `json:"version,omitempty"`
}

// IDToken is the validated LTI ID token of the most recent launch for one
// deployment/user on a platform.
type IDToken struct {
	Issuer       string
	DeploymentID string
	User         string
	Roles        []string
	UserInfo     UserInfo
	PlatformInfo PlatformInfo
	Lis          map[string]interface{} // lis claim, if present
	Endpoint     map[string]interface{} // AGS claim, if present
	NamesRoles   map[string]interface{} // NRPS claim, if present
}

// Filter returns the canonical lookup filter for this IDToken.
func (t IDToken) Filter() Filter {
	return Filter{"iss": t.Issuer, "deploymentId": t.DeploymentID, "user": t.User}
}

// ContextToken is the context/resource state of the last launch into a
// given context for a user.
type ContextToken struct {
	ContextID           string
	Path                string
	User                string
	TargetLinkURI       string
	Context             map[string]interface{}
	Resource            map[string]interface{}
	Custom              map[string]interface{}
	LaunchPresentation  map[string]interface{}
	MessageType         string
	Version             string
	DeepLinkingSettings map[string]interface{}
}

// Filter returns the canonical lookup filter for this ContextToken.
func (t ContextToken) Filter() Filter {
	return Filter{"contextId": t.ContextID, "user": t.User}
}

// ContextID derives the ContextToken key per spec: the urlencoded
// concatenation of issuer, deployment ID, and "<courseId>_<resourceId>",
// with "NF" substituted for either ID when absent.
func ContextID(iss, deploymentID, courseID, resourceID string) string {
	if courseID == "" {
		courseID = "NF"
	}
	if resourceID == "" {
		resourceID = "NF"
	}

	return urlEncode(iss + deploymentID + courseID + "_" + resourceID)
}
