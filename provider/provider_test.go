// Copyright (c) 2021 MacEwan University. All rights reserved.
//
// This source code is licensed under the MIT-style license found in
// the LICENSE file in the root directory of this source tree.

package provider

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
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
	"github.com/macewan-cs/lti/launch"
	"github.com/macewan-cs/lti/platform"
)

const (
	testIssuer   = "https://platform.tld/instance"
	testClientID = "abcdef123456"
)

var testMasterKey = []byte("01234567890123456789012345678901")

func newTestProvider(t *testing.T, callbacks Callbacks) (*Provider, *rsa.PrivateKey) {
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
	keys := keyring.New(store)
	platforms := platform.New(store, keys)
	if _, err := platforms.Register(datastore.Platform{
		PlatformName:        "Test Platform",
		PlatformURL:         testIssuer,
		ClientID:            testClientID,
		AuthEndpoint:        testIssuer + "/auth",
		AccessTokenEndpoint: testIssuer + "/token",
		AuthConfig:          datastore.AuthConfig{Method: datastore.RSAKey, Key: string(pubPEM)},
	}); err != nil {
		t.Fatalf("register platform: %v", err)
	}

	sm := launch.New(store, platforms, launch.Options{
		MasterKey:    testMasterKey,
		NonceTTL:     time.Minute,
		JWKSCacheTTL: time.Minute,
	})
	t.Cleanup(sm.Close)

	if callbacks.OnConnect == nil {
		callbacks.OnConnect = func(w http.ResponseWriter, r *http.Request, s *launch.Session) {
			w.WriteHeader(http.StatusOK)
		}
	}
	if callbacks.OnDeepLinking == nil {
		callbacks.OnDeepLinking = callbacks.OnConnect
	}

	p, err := New(store, keys, platforms, sm, Config{
		Whitelist: []WhitelistEntry{{Path: "/public"}},
	}, callbacks)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(p.Close)

	return p, priv
}

func signLaunchToken(t *testing.T, priv *rsa.PrivateKey, nonce string) string {
	t.Helper()

	tok := jwt.New()
	tok.Set(jwt.IssuerKey, testIssuer)
	tok.Set(jwt.AudienceKey, testClientID)
	tok.Set(jwt.SubjectKey, "u1")
	tok.Set(jwt.IssuedAtKey, time.Now())
	tok.Set(jwt.ExpirationKey, time.Now().Add(time.Hour))
	tok.Set("nonce", nonce)
	tok.Set("https://purl.imsglobal.org/spec/lti/claim/message_type", "LtiResourceLinkRequest")
	tok.Set("https://purl.imsglobal.org/spec/lti/claim/version", "1.3.0")
	tok.Set("https://purl.imsglobal.org/spec/lti/claim/deployment_id", "d1")
	tok.Set("https://purl.imsglobal.org/spec/lti/claim/target_link_uri", "https://tool.tld/launch")
	tok.Set("https://purl.imsglobal.org/spec/lti/claim/resource_link", map[string]interface{}{"id": "r1"})
	tok.Set("https://purl.imsglobal.org/spec/lti/claim/context", map[string]interface{}{"id": "c1"})

	hdrs := jws.NewHeaders()
	_ = hdrs.Set(jws.KeyIDKey, "kid-1")

	signed, err := jwt.Sign(tok, jwa.RS256, priv, jwt.WithHeaders(hdrs))
	if err != nil {
		t.Fatalf("sign launch token: %v", err)
	}

	return string(signed)
}

func TestMiddlewareServesKeyset(t *testing.T) {
	p, _ := newTestProvider(t, Callbacks{})

	r := httptest.NewRequest(http.MethodGet, "https://tool.tld/keys", nil)
	w := httptest.NewRecorder()

	p.Middleware(nil).ServeHTTP(w, r)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("Content-Type = %q, want application/json", ct)
	}
}

func TestMiddlewarePassesThroughWhitelist(t *testing.T) {
	p, _ := newTestProvider(t, Callbacks{})

	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusTeapot)
	})

	r := httptest.NewRequest(http.MethodGet, "https://tool.tld/public", nil)
	w := httptest.NewRecorder()

	p.Middleware(next).ServeHTTP(w, r)

	if !called {
		t.Fatal("expected whitelisted route to fall through to next")
	}
	if w.Result().StatusCode != http.StatusTeapot {
		t.Fatalf("status = %d, want %d", w.Result().StatusCode, http.StatusTeapot)
	}
}

func TestMiddlewareRejectsUnauthenticatedNonWhitelisted(t *testing.T) {
	p, _ := newTestProvider(t, Callbacks{})

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("next should not be called for a non-whitelisted, unauthenticated route")
	})

	r := httptest.NewRequest(http.MethodGet, "https://tool.tld/private", nil)
	w := httptest.NewRecorder()

	p.Middleware(next).ServeHTTP(w, r)

	if w.Result().StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", w.Result().StatusCode, http.StatusUnauthorized)
	}
}

func TestMiddlewareLoginUnregisteredPlatformIs401(t *testing.T) {
	p, _ := newTestProvider(t, Callbacks{})

	form := url.Values{"iss": {"https://unregistered.tld"}, "login_hint": {"u1"}, "target_link_uri": {"https://tool.tld/launch"}}
	r := httptest.NewRequest(http.MethodPost, "https://tool.tld/login", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()

	p.Middleware(nil).ServeHTTP(w, r)

	if w.Result().StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", w.Result().StatusCode, http.StatusUnauthorized)
	}
}

func TestMiddlewareLoginMalformedRequestIs400(t *testing.T) {
	p, _ := newTestProvider(t, Callbacks{})

	form := url.Values{"iss": {testIssuer}, "login_hint": {"u1"}}
	r := httptest.NewRequest(http.MethodPost, "https://tool.tld/login", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()

	p.Middleware(nil).ServeHTTP(w, r)

	if w.Result().StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", w.Result().StatusCode, http.StatusBadRequest)
	}
}

func TestMiddlewareFullLaunchDispatchesOnConnect(t *testing.T) {
	var sessionUser string
	p, priv := newTestProvider(t, Callbacks{
		OnConnect: func(w http.ResponseWriter, r *http.Request, s *launch.Session) {
			sessionUser = s.IDToken.User
			w.WriteHeader(http.StatusOK)
		},
	})

	mux := p.Middleware(http.NotFoundHandler())

	loginForm := url.Values{"iss": {testIssuer}, "login_hint": {"u1"}, "target_link_uri": {"https://tool.tld/launch"}}
	loginReq := httptest.NewRequest(http.MethodPost, "https://tool.tld/login", strings.NewReader(loginForm.Encode()))
	loginReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	loginResp := httptest.NewRecorder()
	mux.ServeHTTP(loginResp, loginReq)

	redirectLoc, _ := url.Parse(loginResp.Result().Header.Get("Location"))
	state := redirectLoc.Query().Get("state")
	stateCookie := loginResp.Result().Cookies()[0]

	idToken := signLaunchToken(t, priv, uuid.New().String())
	cbForm := url.Values{"id_token": {idToken}, "state": {state}}
	cbReq := httptest.NewRequest(http.MethodPost, "https://tool.tld/", strings.NewReader(cbForm.Encode()))
	cbReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	cbReq.AddCookie(stateCookie)
	cbResp := httptest.NewRecorder()
	mux.ServeHTTP(cbResp, cbReq)

	var platformCodeCookie *http.Cookie
	for _, c := range cbResp.Result().Cookies() {
		if strings.HasPrefix(c.Name, "lti") {
			platformCodeCookie = c
		}
	}
	if platformCodeCookie == nil {
		t.Fatal("expected platformCode cookie after callback")
	}

	finalLoc, _ := url.Parse(cbResp.Result().Header.Get("Location"))

	steadyReq := httptest.NewRequest(http.MethodGet, finalLoc.String(), nil)
	steadyReq.AddCookie(platformCodeCookie)
	steadyResp := httptest.NewRecorder()
	mux.ServeHTTP(steadyResp, steadyReq)

	if steadyResp.Result().StatusCode != http.StatusOK {
		t.Fatalf("steady-state status = %d, want %d", steadyResp.Result().StatusCode, http.StatusOK)
	}
	if sessionUser != "u1" {
		t.Fatalf("OnConnect session user = %q, want u1", sessionUser)
	}
}
