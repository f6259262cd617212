// Copyright (c) 2021 MacEwan University. All rights reserved.
//
// This source code is licensed under the MIT-style license found in
// the LICENSE file in the root directory of this source tree.

// Package token implements the TokenValidator (C4): signature verification
// of an inbound LTI ID token against a platform's declared key source, and
// enforcement of the LTI 1.3 claim rules.
package token

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/jwk"
	"github.com/lestrrat-go/jwx/jws"
	"github.com/lestrrat-go/jwx/jwt"

	"github.com/macewan-cs/lti/datastore"
	"github.com/macewan-cs/lti/internal/cachekit"
	"github.com/macewan-cs/lti/platform"
)

// Error kinds, named by effect per the launch state machine's error taxonomy.
var (
	ErrMalformedToken       = errors.New("token: malformed")
	ErrIssuerMismatch       = errors.New("token: issuer mismatch")
	ErrUnregisteredPlatform = errors.New("token: unregistered platform")
	ErrUnknownKeyID         = errors.New("token: unknown key id")
	ErrBadSignature         = errors.New("token: bad signature")
	ErrInvalidClaims        = errors.New("token: invalid claims")
)

// LTI claim URIs, per the IMS Global claim namespace.
const (
	claimMessageType  = "https://purl.imsglobal.org/spec/lti/claim/message_type"
	claimVersion      = "https://purl.imsglobal.org/spec/lti/claim/version"
	claimDeploymentID = "https://purl.imsglobal.org/spec/lti/claim/deployment_id"
	claimResourceLink = "https://purl.imsglobal.org/spec/lti/claim/resource_link"
	claimTargetLinkURI = "https://purl.imsglobal.org/spec/lti/claim/target_link_uri"

	messageTypeResourceLink = "LtiResourceLinkRequest"
	messageTypeDeepLinking  = "LtiDeepLinkingRequest"
	supportedLTIVersion     = "1.3.0"
)

// Options configures one call to Validate.
type Options struct {
	// ExpectedIss is the issuer recorded at login time (the state cookie's
	// value). Empty only permitted when DevMode is true.
	ExpectedIss string

	// DevMode relaxes ExpectedIss to the token's own iss claim when
	// ExpectedIss is empty, per the configurable dev-mode knob.
	DevMode bool

	// MaxAgeSeconds bounds how old the token's iat may be. Nil disables the
	// check (the spec's "maxAge === false").
	MaxAgeSeconds *int
}

// Result is the outcome of a successful Validate call: the resolved
// Platform and the signature-verified token, ready for claim extraction by
// the launch state machine.
type Result struct {
	Platform datastore.Platform
	Token    jwt.Token
}

// Validator verifies inbound ID tokens per §4.3.
type Validator struct {
	platforms  *platform.Registry
	nonces     cachekit.NonceChecker
	jwksCache  *cachekit.JWKSCache
	httpClient *jwkFetcher
}

// jwkFetcher exists only so tests can substitute jwk.Fetch; production code
// always uses defaultFetcher.
type jwkFetcher struct {
	fetch func(ctx context.Context, url string) (jwk.Set, error)
}

func defaultFetcher() *jwkFetcher {
	return &jwkFetcher{fetch: func(ctx context.Context, url string) (jwk.Set, error) {
		return jwk.Fetch(ctx, url)
	}}
}

// New returns a Validator resolving platforms through registry, with nonce
// replay protection backed by nonces and remote JWKS responses memoized in
// a cache with the given TTL.
func New(registry *platform.Registry, nonces cachekit.NonceChecker, jwksCacheTTL time.Duration) *Validator {
	return &Validator{
		platforms:  registry,
		nonces:     nonces,
		jwksCache:  cachekit.NewJWKSCache(jwksCacheTTL),
		httpClient: defaultFetcher(),
	}
}

// Validate implements §4.3 end to end.
func (v *Validator) Validate(ctx context.Context, rawToken string, opts Options) (Result, error) {
	msg, err := jws.ParseString(rawToken)
	if err != nil || len(msg.Signatures()) == 0 {
		return Result{}, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	kid := msg.Signatures()[0].ProtectedHeaders().KeyID()
	if kid == "" {
		return Result{}, fmt.Errorf("%w: missing kid header", ErrMalformedToken)
	}

	unverified, err := jwt.ParseString(rawToken, jwt.WithValidate(false))
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}

	expectedIss := opts.ExpectedIss
	if expectedIss == "" {
		if !opts.DevMode {
			return Result{}, fmt.Errorf("%w: no expected issuer", ErrIssuerMismatch)
		}
		expectedIss = unverified.Issuer()
	}
	if unverified.Issuer() != expectedIss {
		return Result{}, fmt.Errorf("%w: token iss %q != expected %q", ErrIssuerMismatch, unverified.Issuer(), expectedIss)
	}

	p, err := v.platforms.Get(expectedIss)
	if err != nil {
		if errors.Is(err, platform.ErrNotFound) {
			return Result{}, fmt.Errorf("%w: %s", ErrUnregisteredPlatform, expectedIss)
		}

		return Result{}, fmt.Errorf("token: resolve platform: %w", err)
	}

	keySet, err := v.resolveKeySet(ctx, p.AuthConfig, kid)
	if err != nil {
		return Result{}, err
	}

	verified, err := jwt.ParseString(rawToken, jwt.WithKeySet(keySet))
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}

	if err := v.checkClaims(verified, p, opts); err != nil {
		return Result{}, err
	}

	return Result{Platform: p, Token: verified}, nil
}

func (v *Validator) resolveKeySet(ctx context.Context, cfg datastore.AuthConfig, kid string) (jwk.Set, error) {
	switch cfg.Method {
	case datastore.RSAKey:
		block, _ := pem.Decode([]byte(cfg.Key))
		if block == nil {
			return nil, fmt.Errorf("%w: platform RSA key is not valid PEM", ErrMalformedToken)
		}
		pub, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: parse platform RSA key: %v", ErrMalformedToken, err)
		}
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("%w: platform key is not RSA", ErrMalformedToken)
		}

		key, err := jwk.New(rsaPub)
		if err != nil {
			return nil, fmt.Errorf("token: build jwk from platform RSA key: %w", err)
		}
		key.Set(jwk.KeyIDKey, kid)

		set := jwk.NewSet()
		set.Add(key)

		return set, nil

	case datastore.JWKKey:
		key, err := jwk.ParseKey([]byte(cfg.Key))
		if err != nil {
			return nil, fmt.Errorf("%w: parse platform jwk: %v", ErrMalformedToken, err)
		}

		set := jwk.NewSet()
		set.Add(key)

		return set, nil

	case datastore.JWKSet:
		cached, err := v.jwksCache.Fetch(ctx, cfg.Key, func(ctx context.Context) (interface{}, error) {
			return v.httpClient.fetch(ctx, cfg.Key)
		})
		if err != nil {
			return nil, fmt.Errorf("token: fetch platform jwks: %w", err)
		}

		set := cached.(jwk.Set)
		if _, ok := set.LookupKeyID(kid); !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownKeyID, kid)
		}

		return set, nil

	default:
		return nil, fmt.Errorf("%w: unknown auth method %q", ErrMalformedToken, cfg.Method)
	}
}

func (v *Validator) checkClaims(t jwt.Token, p datastore.Platform, opts Options) error {
	if !containsString(t.Audience(), p.ClientID) {
		return fmt.Errorf("%w: aud does not contain client id", ErrInvalidClaims)
	}

	if azp, ok := t.Get("azp"); ok {
		if s, _ := azp.(string); s != "" && s != p.ClientID {
			return fmt.Errorf("%w: azp does not match client id", ErrInvalidClaims)
		}
	}

	now := time.Now()
	if t.Expiration().Before(now) {
		return fmt.Errorf("%w: token expired", ErrInvalidClaims)
	}
	if !t.NotBefore().IsZero() && t.NotBefore().After(now) {
		return fmt.Errorf("%w: token not yet valid", ErrInvalidClaims)
	}
	if !t.IssuedAt().IsZero() && t.IssuedAt().After(now) {
		return fmt.Errorf("%w: token issued in the future", ErrInvalidClaims)
	}

	if opts.MaxAgeSeconds != nil && !t.IssuedAt().IsZero() {
		if now.Sub(t.IssuedAt()) > time.Duration(*opts.MaxAgeSeconds)*time.Second {
			return fmt.Errorf("%w: token exceeds max age", ErrInvalidClaims)
		}
	}

	nonce, ok := t.Get("nonce")
	if !ok {
		return fmt.Errorf("%w: missing nonce", ErrInvalidClaims)
	}
	nonceStr, _ := nonce.(string)
	if nonceStr == "" {
		return fmt.Errorf("%w: empty nonce", ErrInvalidClaims)
	}
	if v.nonces != nil && !v.nonces.CheckAndStore(t.Issuer(), nonceStr) {
		return fmt.Errorf("%w: nonce replay", ErrInvalidClaims)
	}

	messageType, _ := getString(t, claimMessageType)
	if messageType != messageTypeResourceLink && messageType != messageTypeDeepLinking {
		return fmt.Errorf("%w: unsupported message type %q", ErrInvalidClaims, messageType)
	}

	version, _ := getString(t, claimVersion)
	if version != supportedLTIVersion {
		return fmt.Errorf("%w: unsupported LTI version %q", ErrInvalidClaims, version)
	}

	deploymentID, _ := getString(t, claimDeploymentID)
	if deploymentID == "" {
		return fmt.Errorf("%w: missing deployment_id", ErrInvalidClaims)
	}

	if messageType == messageTypeResourceLink {
		rawResourceLink, ok := t.Get(claimResourceLink)
		if !ok {
			return fmt.Errorf("%w: missing resource_link", ErrInvalidClaims)
		}
		resourceLink, ok := rawResourceLink.(map[string]interface{})
		if !ok {
			return fmt.Errorf("%w: resource_link improperly formatted", ErrInvalidClaims)
		}
		if id, _ := resourceLink["id"].(string); id == "" {
			return fmt.Errorf("%w: empty resource_link.id", ErrInvalidClaims)
		}
	}

	targetLinkURI, _ := getString(t, claimTargetLinkURI)
	if targetLinkURI == "" {
		return fmt.Errorf("%w: missing target_link_uri", ErrInvalidClaims)
	}

	if t.Subject() == "" {
		return fmt.Errorf("%w: empty subject", ErrInvalidClaims)
	}

	return nil
}

func getString(t jwt.Token, claim string) (string, bool) {
	v, ok := t.Get(claim)
	if !ok {
		return "", false
	}
	s, ok := v.(string)

	return s, ok
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}

	return false
}
