// Copyright (c) 2021 MacEwan University. All rights reserved.
//
// This source code is licensed under the MIT-style license found in
// the LICENSE file in the root directory of this source tree.

// Package provider implements the Router/Dispatch component (C7): an
// explicit, constructed Provider value that binds the reserved LTI routes
// (login, callback/app, keyset, session-timeout, invalid-token), applies
// the whitelist bypass, and invokes the caller's launch callbacks.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/macewan-cs/lti/datastore"
	"github.com/macewan-cs/lti/keyring"
	"github.com/macewan-cs/lti/launch"
	"github.com/macewan-cs/lti/platform"
	"github.com/macewan-cs/lti/token"
)

// ErrMissingCallback is returned by New when OnConnect or OnDeepLinking is
// nil, per design note 2: callbacks are supplied at construction, never
// late-bound, so a missing one fails synchronously instead of at dispatch
// time.
var ErrMissingCallback = errors.New("provider: missing required callback")

// Callback handles a successfully authenticated launch request.
type Callback func(w http.ResponseWriter, r *http.Request, session *launch.Session)

// Callbacks are supplied once, at construction. OnConnect and OnDeepLinking
// are required; OnSessionTimeout and OnInvalidToken default to the HTTP 401
// bodies from §6 when nil.
type Callbacks struct {
	OnConnect        Callback
	OnDeepLinking    Callback
	OnSessionTimeout http.HandlerFunc
	OnInvalidToken   http.HandlerFunc
}

// WhitelistEntry exempts one route from launch authentication. An empty
// Method matches any method.
type WhitelistEntry struct {
	Path   string
	Method string
}

// Config holds the reserved route paths and whitelist, all overridable; the
// zero value yields the defaults from §4.8.
type Config struct {
	LoginRoute          string
	AppRoute            string
	SessionTimeoutRoute string
	InvalidTokenRoute   string
	KeysetRoute         string
	Whitelist           []WhitelistEntry
	Logger              *zap.Logger
}

func (c Config) normalized() Config {
	if c.LoginRoute == "" {
		c.LoginRoute = "/login"
	}
	if c.AppRoute == "" {
		c.AppRoute = "/"
	}
	if c.SessionTimeoutRoute == "" {
		c.SessionTimeoutRoute = "/sessionTimeout"
	}
	if c.InvalidTokenRoute == "" {
		c.InvalidTokenRoute = "/invalidToken"
	}
	if c.KeysetRoute == "" {
		c.KeysetRoute = "/keys"
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}

	return c
}

type contextKey int

const sessionContextKey contextKey = iota

// SessionFromContext returns the launch.Session attached by Provider's
// middleware to an authenticated request's context.
func SessionFromContext(ctx context.Context) (*launch.Session, bool) {
	s, ok := ctx.Value(sessionContextKey).(*launch.Session)
	return s, ok
}

// Provider is the explicit constructed value carrying every collaborator
// the launch flow needs: the Store, the key ring, the platform registry,
// the launch state machine, routing configuration, and the caller's
// callbacks. There is no package-level singleton.
type Provider struct {
	store     datastore.Store
	keys      *keyring.KeyRing
	platforms *platform.Registry
	launch    *launch.StateMachine
	config    Config
	callbacks Callbacks
	whitelist map[string]struct{}
	log       *zap.Logger
}

// New constructs a Provider. It fails synchronously (MissingCallback) if
// OnConnect or OnDeepLinking is nil.
func New(store datastore.Store, keys *keyring.KeyRing, platforms *platform.Registry, sm *launch.StateMachine, config Config, callbacks Callbacks) (*Provider, error) {
	if callbacks.OnConnect == nil || callbacks.OnDeepLinking == nil {
		return nil, ErrMissingCallback
	}

	config = config.normalized()

	whitelist := make(map[string]struct{}, len(config.Whitelist))
	for _, e := range config.Whitelist {
		whitelist[whitelistKey(e.Path, e.Method)] = struct{}{}
	}

	return &Provider{
		store:     store,
		keys:      keys,
		platforms: platforms,
		launch:    sm,
		config:    config,
		callbacks: callbacks,
		whitelist: whitelist,
		log:       config.Logger,
	}, nil
}

// Close releases the launch state machine's background resources.
func (p *Provider) Close() {
	p.launch.Close()
}

// Middleware wraps next with the LTI launch dispatch of §4.5 and §4.8: it
// intercepts the reserved routes, authenticates every other request, and
// falls through to next only for whitelisted, unauthenticated routes.
func (p *Provider) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == p.config.KeysetRoute:
			p.serveKeyset(w, r)

		case r.URL.Path == p.config.LoginRoute:
			if err := p.launch.HandleLogin(w, r); err != nil {
				p.log.Warn("login failed", zap.Error(err))
				status := http.StatusBadRequest
				if errors.Is(err, token.ErrUnregisteredPlatform) {
					status = http.StatusUnauthorized
				}
				http.Error(w, fmt.Sprintf("login failed: %v", err), status)
			}

		case r.URL.Path == p.config.SessionTimeoutRoute:
			p.sessionTimeout(w, r)

		case r.URL.Path == p.config.InvalidTokenRoute:
			p.invalidToken(w, r)

		case r.URL.Path == p.config.AppRoute && launch.IsCallback(r):
			if err := p.launch.HandleCallback(w, r); err != nil {
				p.log.Warn("callback failed", zap.Error(err))
				p.invalidToken(w, r)
			}

		default:
			p.dispatch(w, r, next)
		}
	})
}

func (p *Provider) dispatch(w http.ResponseWriter, r *http.Request, next http.Handler) {
	session, err := p.launch.Authenticate(r)
	switch {
	case err == nil:
		ctx := context.WithValue(r.Context(), sessionContextKey, session)
		r = r.WithContext(ctx)
		if launch.IsDeepLinking(session.ContextToken) {
			p.callbacks.OnDeepLinking(w, r, session)
		} else {
			p.callbacks.OnConnect(w, r, session)
		}

	case errors.Is(err, launch.ErrSessionTimeout):
		p.log.Info("session timeout", zap.String("path", r.URL.Path))
		p.sessionTimeout(w, r)

	case errors.Is(err, launch.ErrNoSession), errors.Is(err, launch.ErrInvalidToken):
		if p.whitelisted(r) {
			next.ServeHTTP(w, r)
			return
		}
		p.invalidToken(w, r)

	default:
		p.log.Error("authenticate failed", zap.Error(err))
		p.invalidToken(w, r)
	}
}

func (p *Provider) whitelisted(r *http.Request) bool {
	if _, ok := p.whitelist[whitelistKey(r.URL.Path, "")]; ok {
		return true
	}
	_, ok := p.whitelist[whitelistKey(r.URL.Path, r.Method)]

	return ok
}

func whitelistKey(path, method string) string {
	if method == "" {
		return path
	}

	return path + "-method-" + strings.ToUpper(method)
}

func (p *Provider) sessionTimeout(w http.ResponseWriter, r *http.Request) {
	if p.callbacks.OnSessionTimeout != nil {
		p.callbacks.OnSessionTimeout(w, r)
		return
	}
	http.Error(w, "Token invalid or expired. Please reinitiate login.", http.StatusUnauthorized)
}

func (p *Provider) invalidToken(w http.ResponseWriter, r *http.Request) {
	if p.callbacks.OnInvalidToken != nil {
		p.callbacks.OnInvalidToken(w, r)
		return
	}
	http.Error(w, "Invalid token. Please reinitiate login.", http.StatusUnauthorized)
}

// keysetResponse mirrors the JWKS document shape that jwk.Set already
// marshals to; serveKeyset encodes the set directly with goccy/go-json.
type keysetResponse struct {
	Keys []json.RawMessage `json:"keys"`
}

func (p *Provider) serveKeyset(w http.ResponseWriter, r *http.Request) {
	set, err := p.keys.JWKS()
	if err != nil {
		p.log.Error("assemble jwks", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	body, err := json.Marshal(set)
	if err != nil {
		p.log.Error("marshal jwks", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
