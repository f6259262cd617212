// Copyright (c) 2021 MacEwan University. All rights reserved.
//
// This source code is licensed under the MIT-style license found in
// the LICENSE file in the root directory of this source tree.

package launch

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/jwa"
	"github.com/lestrrat-go/jwx/jws"
	"github.com/lestrrat-go/jwx/jwt"

	"github.com/macewan-cs/lti/datastore"
	"github.com/macewan-cs/lti/datastore/memory"
	"github.com/macewan-cs/lti/keyring"
	"github.com/macewan-cs/lti/platform"
	"github.com/macewan-cs/lti/token"
)

const (
	testIssuer   = "https://platform.tld/instance"
	testClientID = "abcdef123456"
)

var testMasterKey = []byte("01234567890123456789012345678901")

func newTestStateMachine(t *testing.T) (*StateMachine, *rsa.PrivateKey) {
	t.Helper()

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate fixture key: %v", err)
	}

	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})

	store := memory.New(nil)
	registry := platform.New(store, keyring.New(store))
	if _, err := registry.Register(datastore.Platform{
		PlatformName:        "Test Platform",
		PlatformURL:         testIssuer,
		ClientID:            testClientID,
		AuthEndpoint:        testIssuer + "/auth",
		AccessTokenEndpoint: testIssuer + "/token",
		AuthConfig:          datastore.AuthConfig{Method: datastore.RSAKey, Key: string(pubPEM)},
	}); err != nil {
		t.Fatalf("register platform: %v", err)
	}

	sm := New(store, registry, Options{
		MasterKey:    testMasterKey,
		NonceTTL:     time.Minute,
		JWKSCacheTTL: time.Minute,
	})
	t.Cleanup(sm.Close)

	return sm, priv
}

func TestHandleLoginRedirects(t *testing.T) {
	sm, _ := newTestStateMachine(t)

	form := url.Values{
		"iss":             {testIssuer},
		"login_hint":      {"u1"},
		"target_link_uri": {"https://tool.tld/launch"},
	}
	r := httptest.NewRequest(http.MethodPost, "https://tool.tld/login", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()

	if err := sm.HandleLogin(w, r); err != nil {
		t.Fatalf("HandleLogin: %v", err)
	}

	resp := w.Result()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusFound)
	}

	loc, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("parse redirect location: %v", err)
	}
	if !strings.HasPrefix(loc.String(), testIssuer+"/auth") {
		t.Fatalf("redirected to %q, want prefix %q/auth", loc.String(), testIssuer)
	}
	if loc.Query().Get("client_id") != testClientID {
		t.Fatalf("client_id = %q, want %q", loc.Query().Get("client_id"), testClientID)
	}

	cookies := resp.Cookies()
	if len(cookies) != 1 || !strings.HasPrefix(cookies[0].Name, stateCookiePrefix) {
		t.Fatalf("expected one state cookie, got %+v", cookies)
	}
}

// failingPlatformStore wraps a memory.Store and reports a non-not-found
// error for platform lookups, simulating a transient backend failure.
type failingPlatformStore struct {
	*memory.Store
}

func (s *failingPlatformStore) Get(encrypted bool, collection datastore.Collection, filter datastore.Filter, v interface{}) (bool, error) {
	if collection == datastore.CollectionPlatform {
		return false, errors.New("store: connection refused")
	}

	return s.Store.Get(encrypted, collection, filter, v)
}

func TestHandleLoginStoreErrorIsNotUnregisteredPlatform(t *testing.T) {
	store := &failingPlatformStore{Store: memory.New(nil)}
	registry := platform.New(store, keyring.New(store))
	sm := New(store, registry, Options{MasterKey: testMasterKey, NonceTTL: time.Minute, JWKSCacheTTL: time.Minute})
	defer sm.Close()

	form := url.Values{
		"iss":             {testIssuer},
		"login_hint":      {"u1"},
		"target_link_uri": {"https://tool.tld/launch"},
	}
	r := httptest.NewRequest(http.MethodPost, "https://tool.tld/login", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()

	err := sm.HandleLogin(w, r)
	if err == nil {
		t.Fatal("expected error from a failing store")
	}
	if errors.Is(err, token.ErrUnregisteredPlatform) {
		t.Fatalf("err = %v, must not be classified as UnregisteredPlatform", err)
	}
}

func TestHandleLoginUnregisteredPlatform(t *testing.T) {
	sm, _ := newTestStateMachine(t)

	form := url.Values{
		"iss":             {"https://unknown.tld"},
		"login_hint":      {"u1"},
		"target_link_uri": {"https://tool.tld/launch"},
	}
	r := httptest.NewRequest(http.MethodPost, "https://tool.tld/login", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()

	if err := sm.HandleLogin(w, r); err == nil {
		t.Fatal("expected error for unregistered platform, got nil")
	}
}

func signLaunchToken(t *testing.T, priv *rsa.PrivateKey, kid, nonce string) string {
	t.Helper()

	tok := jwt.New()
	tok.Set(jwt.IssuerKey, testIssuer)
	tok.Set(jwt.AudienceKey, testClientID)
	tok.Set(jwt.SubjectKey, "u1")
	tok.Set(jwt.IssuedAtKey, time.Now())
	tok.Set(jwt.ExpirationKey, time.Now().Add(time.Hour))
	tok.Set("nonce", nonce)
	tok.Set(claimMessageType, "LtiResourceLinkRequest")
	tok.Set(claimVersion, "1.3.0")
	tok.Set(claimDeploymentID, "d1")
	tok.Set(claimTargetLinkURI, "https://tool.tld/launch")
	tok.Set(claimResourceLink, map[string]interface{}{"id": "r1"})
	tok.Set(claimContext, map[string]interface{}{"id": "c1"})
	tok.Set(claimLis, map[string]interface{}{"person_sourcedid": "sis-u1"})

	hdrs := jws.NewHeaders()
	_ = hdrs.Set(jws.KeyIDKey, kid)

	signed, err := jwt.Sign(tok, jwa.RS256, priv, jwt.WithHeaders(hdrs))
	if err != nil {
		t.Fatalf("sign launch token: %v", err)
	}

	return string(signed)
}

func TestFullLaunchRoundTrip(t *testing.T) {
	sm, priv := newTestStateMachine(t)

	// Step 1: login.
	loginForm := url.Values{
		"iss":             {testIssuer},
		"login_hint":      {"u1"},
		"target_link_uri": {"https://tool.tld/launch"},
	}
	loginReq := httptest.NewRequest(http.MethodPost, "https://tool.tld/login", strings.NewReader(loginForm.Encode()))
	loginReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	loginResp := httptest.NewRecorder()

	if err := sm.HandleLogin(loginResp, loginReq); err != nil {
		t.Fatalf("HandleLogin: %v", err)
	}

	redirectLoc, _ := url.Parse(loginResp.Result().Header.Get("Location"))
	state := redirectLoc.Query().Get("state")
	stateCookie := loginResp.Result().Cookies()[0]

	// Step 2: callback.
	idToken := signLaunchToken(t, priv, "kid-1", uuid.New().String())
	cbForm := url.Values{"id_token": {idToken}, "state": {state}}
	cbReq := httptest.NewRequest(http.MethodPost, "https://tool.tld/launch", strings.NewReader(cbForm.Encode()))
	cbReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	cbReq.AddCookie(stateCookie)
	cbResp := httptest.NewRecorder()

	if err := sm.HandleCallback(cbResp, cbReq); err != nil {
		t.Fatalf("HandleCallback: %v", err)
	}

	cbResult := cbResp.Result()
	if cbResult.StatusCode != http.StatusFound {
		t.Fatalf("callback status = %d, want %d", cbResult.StatusCode, http.StatusFound)
	}

	var platformCodeCookie *http.Cookie
	for _, c := range cbResult.Cookies() {
		if strings.HasPrefix(c.Name, "lti") {
			platformCodeCookie = c
		}
	}
	if platformCodeCookie == nil {
		t.Fatal("expected platformCode cookie to be set")
	}

	finalLoc, err := url.Parse(cbResult.Header.Get("Location"))
	if err != nil {
		t.Fatalf("parse final redirect: %v", err)
	}
	signedLTIK := finalLoc.Query().Get("ltik")
	if signedLTIK == "" {
		t.Fatal("expected ltik query parameter in redirect")
	}

	// Step 3: steady-state request.
	steadyReq := httptest.NewRequest(http.MethodGet, "https://tool.tld/launch?ltik="+url.QueryEscape(signedLTIK), nil)
	steadyReq.AddCookie(platformCodeCookie)

	session, err := sm.Authenticate(steadyReq)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if session.IDToken.User != "u1" {
		t.Fatalf("session user = %q, want u1", session.IDToken.User)
	}
	if IsDeepLinking(session.ContextToken) {
		t.Fatal("expected resource link launch, got deep linking dispatch")
	}
	if got := session.IDToken.Lis["person_sourcedid"]; got != "sis-u1" {
		t.Fatalf("session lis.person_sourcedid = %v, want sis-u1", got)
	}
}

func TestAuthenticateSessionTimeoutWithoutCookie(t *testing.T) {
	sm, priv := newTestStateMachine(t)

	loginForm := url.Values{"iss": {testIssuer}, "login_hint": {"u1"}, "target_link_uri": {"https://tool.tld/launch"}}
	loginReq := httptest.NewRequest(http.MethodPost, "https://tool.tld/login", strings.NewReader(loginForm.Encode()))
	loginReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	loginResp := httptest.NewRecorder()
	if err := sm.HandleLogin(loginResp, loginReq); err != nil {
		t.Fatalf("HandleLogin: %v", err)
	}
	redirectLoc, _ := url.Parse(loginResp.Result().Header.Get("Location"))
	state := redirectLoc.Query().Get("state")
	stateCookie := loginResp.Result().Cookies()[0]

	idToken := signLaunchToken(t, priv, "kid-1", uuid.New().String())
	cbForm := url.Values{"id_token": {idToken}, "state": {state}}
	cbReq := httptest.NewRequest(http.MethodPost, "https://tool.tld/launch", strings.NewReader(cbForm.Encode()))
	cbReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	cbReq.AddCookie(stateCookie)
	cbResp := httptest.NewRecorder()
	if err := sm.HandleCallback(cbResp, cbReq); err != nil {
		t.Fatalf("HandleCallback: %v", err)
	}

	finalLoc, _ := url.Parse(cbResp.Result().Header.Get("Location"))
	signedLTIK := finalLoc.Query().Get("ltik")

	steadyReq := httptest.NewRequest(http.MethodGet, "https://tool.tld/launch?ltik="+url.QueryEscape(signedLTIK), nil)
	// Deliberately omit the platformCode cookie.

	if _, err := sm.Authenticate(steadyReq); err == nil {
		t.Fatal("expected session timeout error, got nil")
	}
}
