// Copyright (c) 2021 MacEwan University. All rights reserved.
//
// This source code is licensed under the MIT-style license found in
// the LICENSE file in the root directory of this source tree.

// Connector provides LTI Advantage services built upon a successful launch.
// The package provides for a "base" Connector that can be upgraded to
// provide either or both Assignment & Grades Services and Names & Roles
// Provisioning Services, driven by the IdToken/ContextToken rows a launch
// leaves behind rather than by a retained copy of the original JWT.
package connector

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/jwa"
	"github.com/lestrrat-go/jwx/jwt"

	"github.com/macewan-cs/lti/keyring"
	"github.com/macewan-cs/lti/launch"
	"github.com/macewan-cs/lti/platform"
)

// ErrUnsupportedService is returned when a launch's claims don't advertise
// the requested LTI Advantage service.
var ErrUnsupportedService = errors.New("connector: service not present in launch claims")

// Access token validity period in seconds. Clock skew allowance in minutes.
const (
	AccessTokenTimeoutSeconds = 3600
	ClockSkewAllowanceMinutes = 2
)

var timeout = 15 * time.Second

// A Connector is the base that AGS and NRPS upgrade from. It is built from
// the durable state of one launch, not from a retained ID token.
type Connector struct {
	Session     *launch.Session
	SigningKey  *keyring.KeyRing
	platform    string // the tool's own kid, used to request a service-auth bearer token
	clientID    string
	tokenURI    string
	accessToken accessToken
}

// accessToken caches a bearer token for the lifetime of one Connector; it
// is never persisted, matching the "no in-memory session cache" stance for
// IdToken/ContextToken — a fresh Connector always starts with an empty cache.
type accessToken struct {
	token   string
	scopes  []string
	expires time.Time
}

func (t accessToken) validFor(scopes []string) bool {
	if t.token == "" || !t.expires.After(time.Now()) {
		return false
	}
	for _, want := range scopes {
		if !containsScope(t.scopes, want) {
			return false
		}
	}

	return true
}

func containsScope(have []string, want string) bool {
	for _, s := range have {
		if s == want {
			return true
		}
	}

	return false
}

// New builds a Connector for the platform behind session, using keys to
// sign service-authentication bearer tokens on the tool's behalf.
func New(platforms *platform.Registry, keys *keyring.KeyRing, session *launch.Session) (*Connector, error) {
	if session == nil {
		return nil, errors.New("connector: nil session")
	}

	p, err := platforms.Get(session.IDToken.Issuer)
	if err != nil {
		return nil, fmt.Errorf("connector: resolve platform: %w", err)
	}

	return &Connector{
		Session:    session,
		SigningKey: keys,
		platform:   p.Kid,
		clientID:   p.ClientID,
		tokenURI:   p.AccessTokenEndpoint,
	}, nil
}

// A ServiceRequest structures service (AGS & NRPS) connections between tool
// and platform.
type ServiceRequest struct {
	Scopes         []string
	Method         string
	URI            *url.URL
	Body           io.Reader
	ContentType    string
	Accept         string
	ExpectedStatus int
}

// getAccessToken obtains a scoped bearer token for use by a connector,
// reusing the cached one if it still covers the requested scopes.
func (c *Connector) getAccessToken(scopes []string) (string, error) {
	if c.accessToken.validFor(scopes) {
		return c.accessToken.token, nil
	}

	priv, err := c.SigningKey.PrivateKey(c.platform)
	if err != nil {
		return "", fmt.Errorf("connector: load signing key: %w", err)
	}

	assertion := jwt.New()
	_ = assertion.Set(jwt.IssuerKey, c.clientID)
	_ = assertion.Set(jwt.SubjectKey, c.clientID)
	_ = assertion.Set(jwt.AudienceKey, c.tokenURI)
	_ = assertion.Set(jwt.IssuedAtKey, time.Now().Add(-ClockSkewAllowanceMinutes*time.Minute))
	_ = assertion.Set(jwt.ExpirationKey, time.Now().Add(AccessTokenTimeoutSeconds*time.Second))
	_ = assertion.Set(jwt.JwtIDKey, "lti-service-token-"+uuid.New().String())

	signed, err := jwt.Sign(assertion, jwa.RS256, priv)
	if err != nil {
		return "", fmt.Errorf("connector: sign bearer assertion: %w", err)
	}

	values := url.Values{}
	values.Set("grant_type", "client_credentials")
	values.Set("client_assertion_type", "urn:ietf:params:oauth:client-assertion-type:jwt-bearer")
	values.Set("client_assertion", string(signed))
	values.Set("scope", strings.Join(scopes, " "))

	req, err := http.NewRequest(http.MethodPost, c.tokenURI, strings.NewReader(values.Encode()))
	if err != nil {
		return "", fmt.Errorf("connector: build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("connector: request access token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("connector: access token request got status %s", http.StatusText(resp.StatusCode))
	}

	var body struct {
		AccessToken string  `json:"access_token"`
		ExpiresIn   float64 `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("connector: decode access token response: %w", err)
	}

	c.accessToken = accessToken{
		token:   body.AccessToken,
		scopes:  scopes,
		expires: time.Now().Add(time.Duration(body.ExpiresIn) * time.Second),
	}

	return c.accessToken.token, nil
}

// makeServiceRequest makes direct tool-to-platform requests.
func (c *Connector) makeServiceRequest(s ServiceRequest) (http.Header, io.ReadCloser, error) {
	if len(s.Scopes) == 0 {
		return nil, nil, errors.New("connector: empty scope for service request")
	}
	method := strings.ToUpper(s.Method)
	if (method == http.MethodPost || method == http.MethodPut) && s.ContentType == "" {
		s.ContentType = "application/json"
	}
	if s.Accept == "" {
		s.Accept = "application/json"
	}
	if s.ExpectedStatus == 0 {
		s.ExpectedStatus = http.StatusOK
	}

	token, err := c.getAccessToken(s.Scopes)
	if err != nil {
		return nil, nil, err
	}

	req, err := http.NewRequest(s.Method, s.URI.String(), s.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("connector: build service request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", s.Accept)
	req.Header.Set("Content-Type", s.ContentType)

	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	if resp.StatusCode != s.ExpectedStatus {
		return nil, nil, fmt.Errorf("connector: service request got status %s", http.StatusText(resp.StatusCode))
	}

	return resp.Header, resp.Body, nil
}

func convertInterfaceToStringSlice(in []interface{}) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}

	return out
}
