// Copyright (c) 2021 MacEwan University. All rights reserved.
//
// This source code is licensed under the MIT-style license found in
// the LICENSE file in the root directory of this source tree.

// Package ltik implements the LTI Key: the short, HS256-signed compact token
// that ties a steady-state HTTP request back to the session state a launch
// established. It carries no exp; its lifetime is bounded by the
// platformCode cookie and the IdToken row it references.
package ltik

import (
	"errors"
	"fmt"

	"github.com/lestrrat-go/jwx/jwa"
	"github.com/lestrrat-go/jwx/jwt"
)

// Claim names used in the LTIK payload.
const (
	ClaimPlatformURL  = "platformUrl"
	ClaimDeploymentID = "deploymentId"
	ClaimPlatformCode = "platformCode"
	ClaimContextID    = "contextId"
	ClaimUser         = "user"
	ClaimState        = "s"
)

// Payload is the decoded content of an LTIK.
type Payload struct {
	PlatformURL  string
	DeploymentID string
	PlatformCode string
	ContextID    string
	User         string
	State        string
}

// ErrBadSignature is returned by Decode when the compact token's signature
// does not verify under the master key.
var ErrBadSignature = errors.New("ltik: bad signature")

// Encode signs p into a compact HS256 JWS using key as the master key.
func Encode(p Payload, key []byte) (string, error) {
	token := jwt.New()

	if err := token.Set(ClaimPlatformURL, p.PlatformURL); err != nil {
		return "", fmt.Errorf("ltik: set platformUrl: %w", err)
	}
	if err := token.Set(ClaimDeploymentID, p.DeploymentID); err != nil {
		return "", fmt.Errorf("ltik: set deploymentId: %w", err)
	}
	if err := token.Set(ClaimPlatformCode, p.PlatformCode); err != nil {
		return "", fmt.Errorf("ltik: set platformCode: %w", err)
	}
	if err := token.Set(ClaimContextID, p.ContextID); err != nil {
		return "", fmt.Errorf("ltik: set contextId: %w", err)
	}
	if err := token.Set(ClaimUser, p.User); err != nil {
		return "", fmt.Errorf("ltik: set user: %w", err)
	}
	if err := token.Set(ClaimState, p.State); err != nil {
		return "", fmt.Errorf("ltik: set state: %w", err)
	}

	signed, err := jwt.Sign(token, jwa.HS256, key)
	if err != nil {
		return "", fmt.Errorf("ltik: sign: %w", err)
	}

	return string(signed), nil
}

// Decode verifies raw's signature against key and returns its payload.
// Decode performs signature verification only; all semantic checks
// (platformCode/cookie consistency, session existence) happen in the
// steady-state request path, not here.
func Decode(raw string, key []byte) (Payload, error) {
	token, err := jwt.Parse([]byte(raw), jwt.WithVerify(jwa.HS256, key))
	if err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}

	return Payload{
		PlatformURL:  stringClaim(token, ClaimPlatformURL),
		DeploymentID: stringClaim(token, ClaimDeploymentID),
		PlatformCode: stringClaim(token, ClaimPlatformCode),
		ContextID:    stringClaim(token, ClaimContextID),
		User:         stringClaim(token, ClaimUser),
		State:        stringClaim(token, ClaimState),
	}, nil
}

func stringClaim(token jwt.Token, name string) string {
	v, ok := token.Get(name)
	if !ok {
		return ""
	}
	s, _ := v.(string)

	return s
}
