// Copyright (c) 2021 MacEwan University. All rights reserved.
//
// This source code is licensed under the MIT-style license found in
// the LICENSE file in the root directory of this source tree.

// Package launch implements the LaunchStateMachine (C5): the OIDC login
// redirect, the callback that materializes a validated ID token into a
// durable session, and steady-state request authentication via the LTIK.
package launch

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/macewan-cs/lti/datastore"
	"github.com/macewan-cs/lti/internal/cachekit"
	"github.com/macewan-cs/lti/internal/cryptutil"
	"github.com/macewan-cs/lti/ltik"
	"github.com/macewan-cs/lti/platform"
	"github.com/macewan-cs/lti/token"
)

// Steady-state and callback errors. Router/Dispatch (the provider package)
// answers these with the session-timeout and invalid-token handlers per the
// error taxonomy in §7; it calls those handlers in place and does not issue
// a redirect to sessionTimeoutRoute/invalidTokenRoute.
var (
	ErrNoSession      = errors.New("launch: no session presented")
	ErrInvalidToken   = errors.New("launch: invalid token")
	ErrSessionTimeout = errors.New("launch: session timeout")
)

const (
	stateCookiePrefix = "state"
	loginStateMaxAge  = 600 // seconds, per §4.2
)

// CookieOptions governs the Secure/SameSite attributes applied to every
// cookie the state machine sets. HttpOnly is always true.
type CookieOptions struct {
	SameSite http.SameSite
	Secure   bool
}

func (o CookieOptions) normalized() CookieOptions {
	if o.SameSite == http.SameSiteNoneMode {
		o.Secure = true
	}

	return o
}

// Options configures a StateMachine.
type Options struct {
	// MasterKey signs cookies and LTIKs. At-rest encryption of private keys
	// is done by the Store's own encryptor, not with this key.
	MasterKey []byte

	// DevMode relaxes the missing-state-cookie and missing-session-cookie
	// checks; validation still runs whenever the relevant value is present.
	DevMode bool

	// TokenMaxAgeSeconds bounds id_token age. Nil disables the check.
	TokenMaxAgeSeconds *int

	Cookies CookieOptions

	// NonceTTL bounds how long a nonce is remembered for replay detection;
	// should be at least TokenMaxAgeSeconds. Ignored when Nonces is set.
	NonceTTL time.Duration

	// Nonces overrides the default in-process nonce replay set, e.g. with a
	// cachekit.RedisNonceSet shared across multiple running instances of the
	// tool. Nil uses cachekit.NewNonceSet(NonceTTL).
	Nonces cachekit.NonceChecker

	// JWKSCacheTTL bounds how long a fetched remote JWK_SET is cached.
	JWKSCacheTTL time.Duration
}

// StateMachine implements the login, callback, and steady-state phases of
// a launch.
type StateMachine struct {
	store     datastore.Store
	platforms *platform.Registry
	validator *token.Validator
	nonces    cachekit.NonceChecker
	masterKey []byte
	devMode   bool
	maxAge    *int
	cookies   CookieOptions
}

// New returns a StateMachine. The caller retains ownership of store and
// platforms; both may be shared with other collaborators (e.g. connector).
func New(store datastore.Store, platforms *platform.Registry, opts Options) *StateMachine {
	nonces := opts.Nonces
	if nonces == nil {
		nonces = cachekit.NewNonceSet(opts.NonceTTL)
	}

	return &StateMachine{
		store:     store,
		platforms: platforms,
		validator: token.New(platforms, nonces, opts.JWKSCacheTTL),
		nonces:    nonces,
		masterKey: opts.MasterKey,
		devMode:   opts.DevMode,
		maxAge:    opts.TokenMaxAgeSeconds,
		cookies:   opts.Cookies.normalized(),
	}
}

// Close releases the nonce replay set's background goroutine.
func (sm *StateMachine) Close() {
	sm.nonces.Close()
}

// HandleLogin implements §4.2: the OIDC third-party-initiated login.
func (sm *StateMachine) HandleLogin(w http.ResponseWriter, r *http.Request) error {
	if err := r.ParseForm(); err != nil {
		return fmt.Errorf("launch: parse login request: %w", err)
	}

	iss := r.FormValue("iss")
	loginHint := r.FormValue("login_hint")
	targetLinkURI := r.FormValue("target_link_uri")
	if iss == "" || loginHint == "" || targetLinkURI == "" {
		return errors.New("launch: login request missing iss, login_hint, or target_link_uri")
	}

	p, err := sm.platforms.Get(iss)
	if errors.Is(err, platform.ErrNotFound) {
		return fmt.Errorf("launch: %w: %s", token.ErrUnregisteredPlatform, iss)
	}
	if err != nil {
		return fmt.Errorf("launch: resolve platform: %w", err)
	}

	if clientID := r.FormValue("client_id"); clientID != "" && clientID != p.ClientID {
		return errors.New("launch: client_id does not match registered platform")
	}

	state, err := cryptutil.RandomAlphanumeric(20)
	if err != nil {
		return fmt.Errorf("launch: generate state: %w", err)
	}

	nonce := uuid.New().String()

	values := url.Values{}
	values.Set("scope", "openid")
	values.Set("response_type", "id_token")
	values.Set("response_mode", "form_post")
	values.Set("prompt", "none")
	values.Set("client_id", p.ClientID)
	values.Set("redirect_uri", targetLinkURI)
	values.Set("login_hint", loginHint)
	values.Set("nonce", nonce)
	values.Set("state", state)
	if hint := r.FormValue("lti_message_hint"); hint != "" {
		values.Set("lti_message_hint", hint)
	}
	if deploymentID := r.FormValue("lti_deployment_id"); deploymentID != "" {
		values.Set("lti_deployment_id", deploymentID)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     stateCookieName(state),
		Value:    cryptutil.SignCookie(sm.masterKey, iss),
		Path:     "/",
		MaxAge:   loginStateMaxAge,
		HttpOnly: true,
		Secure:   sm.cookies.Secure,
		SameSite: sm.cookies.SameSite,
	})

	http.Redirect(w, r, p.AuthEndpoint+"?"+values.Encode(), http.StatusFound)

	return nil
}

// IsCallback reports whether r carries the id_token body of an OIDC
// authentication response, per §4.4's entry condition.
func IsCallback(r *http.Request) bool {
	return r.FormValue("id_token") != ""
}

// HandleCallback implements §4.4: session materialization from a validated
// ID token. A missing state cookie or a failed validation returns an error
// wrapping ErrInvalidToken (a failed validation also clears the state
// cookie). A Store or LTIK-minting failure after validation returns an
// error that does not wrap ErrInvalidToken; the state cookie has already
// been cleared by then. The provider answers every error from here with
// its invalid-token handler.
func (sm *StateMachine) HandleCallback(w http.ResponseWriter, r *http.Request) error {
	if err := r.ParseForm(); err != nil {
		return fmt.Errorf("%w: parse callback request: %v", ErrInvalidToken, err)
	}

	idToken := r.FormValue("id_token")
	state := r.FormValue("state")

	expectedIss, stateFound := sm.readStateCookie(r, state)
	if !stateFound && !sm.devMode {
		return fmt.Errorf("%w: missing or invalid state cookie", ErrInvalidToken)
	}

	result, err := sm.validator.Validate(r.Context(), idToken, token.Options{
		ExpectedIss:   expectedIss,
		DevMode:       sm.devMode,
		MaxAgeSeconds: sm.maxAge,
	})
	if err != nil {
		sm.clearStateCookie(w, state)
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	sm.clearStateCookie(w, state)

	idRow, ctxRow := rowsFromResult(result)

	if err := sm.store.Replace(false, datastore.CollectionIDToken, idRow.Filter(), idRow); err != nil {
		return fmt.Errorf("launch: store id token: %w", err)
	}
	if err := sm.store.Replace(false, datastore.CollectionContextToken, ctxRow.Filter(), ctxRow); err != nil {
		return fmt.Errorf("launch: store context token: %w", err)
	}

	platformCode := platformCodeName(idRow.Issuer, idRow.DeploymentID)
	http.SetCookie(w, &http.Cookie{
		Name:     platformCode,
		Value:    cryptutil.SignCookie(sm.masterKey, idRow.User),
		Path:     "/",
		HttpOnly: true,
		Secure:   sm.cookies.Secure,
		SameSite: sm.cookies.SameSite,
	})

	signedLTIK, err := ltik.Encode(ltik.Payload{
		PlatformURL:  idRow.Issuer,
		DeploymentID: idRow.DeploymentID,
		PlatformCode: platformCode,
		ContextID:    ctxRow.ContextID,
		User:         idRow.User,
		State:        state,
	}, sm.masterKey)
	if err != nil {
		return fmt.Errorf("launch: mint ltik: %w", err)
	}

	q := r.URL.Query()
	q.Set("ltik", signedLTIK)
	http.Redirect(w, r, r.URL.Path+"?"+q.Encode(), http.StatusFound)

	return nil
}

// IsDeepLinking reports whether ctx's message type calls for onDeepLinking
// rather than onConnect dispatch, per §4.5 step 6.
func IsDeepLinking(ctxToken datastore.ContextToken) bool {
	return ctxToken.MessageType == messageTypeDeepLinking
}

// Session is the per-request state attached to the scratch space after a
// successful steady-state authentication.
type Session struct {
	IDToken      datastore.IDToken
	ContextToken datastore.ContextToken
	LTIK         string
}

// Authenticate implements §4.5 steps 1-5: extracting and verifying the LTIK,
// checking the platformCode cookie, and loading the session rows.
// ErrNoSession means no LTIK was presented; Authenticate does not look at
// id_token. Whitelist handling is the caller's responsibility.
func (sm *StateMachine) Authenticate(r *http.Request) (*Session, error) {
	raw := extractLTIK(r)
	if raw == "" {
		return nil, ErrNoSession
	}

	payload, err := ltik.Decode(raw, sm.masterKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	cookieUser, cookieFound := sm.readPlatformCodeCookie(r, payload.PlatformCode)

	switch {
	case cookieFound && cookieUser != payload.User:
		return nil, ErrSessionTimeout
	case !cookieFound && !sm.devMode:
		return nil, ErrSessionTimeout
	}

	idFilter := datastore.IDToken{Issuer: payload.PlatformURL, DeploymentID: payload.DeploymentID, User: payload.User}.Filter()
	var idRow datastore.IDToken
	found, err := sm.store.Get(false, datastore.CollectionIDToken, idFilter, &idRow)
	if err != nil || !found {
		return nil, ErrSessionTimeout
	}

	ctxFilter := datastore.ContextToken{ContextID: payload.ContextID, User: payload.User}.Filter()
	var ctxRow datastore.ContextToken
	found, err = sm.store.Get(false, datastore.CollectionContextToken, ctxFilter, &ctxRow)
	if err != nil || !found {
		return nil, ErrSessionTimeout
	}

	return &Session{IDToken: idRow, ContextToken: ctxRow, LTIK: raw}, nil
}

func stateCookieName(state string) string {
	return stateCookiePrefix + state
}

func platformCodeName(iss, deploymentID string) string {
	return url.QueryEscape("lti" + base64.StdEncoding.EncodeToString([]byte(iss+deploymentID)))
}

func extractLTIK(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}

	return r.FormValue("ltik")
}

func (sm *StateMachine) readStateCookie(r *http.Request, state string) (string, bool) {
	if state == "" {
		return "", false
	}

	cookie, err := r.Cookie(stateCookieName(state))
	if err != nil {
		return "", false
	}

	iss, err := cryptutil.VerifyCookie(sm.masterKey, cookie.Value)
	if err != nil {
		return "", false
	}

	return iss, true
}

func (sm *StateMachine) clearStateCookie(w http.ResponseWriter, state string) {
	if state == "" {
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     stateCookieName(state),
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   sm.cookies.Secure,
		SameSite: sm.cookies.SameSite,
	})
}

func (sm *StateMachine) readPlatformCodeCookie(r *http.Request, name string) (string, bool) {
	cookie, err := r.Cookie(name)
	if err != nil {
		return "", false
	}

	user, err := cryptutil.VerifyCookie(sm.masterKey, cookie.Value)
	if err != nil {
		return "", false
	}

	return user, true
}
