// Copyright (c) 2021 MacEwan University. All rights reserved.
//
// This source code is licensed under the MIT-style license found in
// the LICENSE file in the root directory of this source tree.

// Command ltiserver is a minimal LTI 1.3 tool host: it wires the Store,
// KeyRing, PlatformRegistry, LaunchStateMachine, and Provider into a chi
// router and serves it, demonstrating the wiring an embedding application
// is expected to perform itself.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	lti "github.com/macewan-cs/lti"
	"github.com/macewan-cs/lti/config"
	"github.com/macewan-cs/lti/internal/ltilog"
	"github.com/macewan-cs/lti/launch"
	"github.com/macewan-cs/lti/provider"
)

func main() {
	boot := ltilog.Bootstrap()

	cfg, err := config.Load(boot)
	if err != nil {
		boot.Fatal("load config", zap.Error(err))
	}

	logger := ltilog.MustBuild(cfg.LogLevel, cfg.DevMode)
	defer logger.Sync()

	store := lti.NewMemoryStore(nil)
	keys := lti.NewKeyRing(store)
	platforms := lti.NewPlatformRegistry(store, keys)

	var maxAge *int
	if cfg.TokenMaxAge > 0 {
		maxAge = &cfg.TokenMaxAge
	}

	sm := lti.NewLaunchStateMachine(store, platforms, launch.Options{
		MasterKey:          []byte(cfg.EncryptionKey),
		DevMode:            cfg.DevMode,
		TokenMaxAgeSeconds: maxAge,
		Cookies: launch.CookieOptions{
			SameSite: sameSite(cfg.Cookies.SameSite),
			Secure:   cfg.Cookies.Secure,
		},
		NonceTTL:     10 * time.Minute,
		JWKSCacheTTL: 10 * time.Minute,
	})
	defer sm.Close()

	p, err := lti.NewProvider(store, keys, platforms, sm, provider.Config{
		LoginRoute:          cfg.Routes.LoginRoute,
		AppRoute:            cfg.Routes.AppRoute,
		SessionTimeoutRoute: cfg.Routes.SessionTimeoutRoute,
		InvalidTokenRoute:   cfg.Routes.InvalidTokenRoute,
		KeysetRoute:         cfg.Routes.KeysetRoute,
		Whitelist:           []provider.WhitelistEntry{{Path: "/healthz", Method: http.MethodGet}},
		Logger:              logger,
	}, provider.Callbacks{
		OnConnect:     handleConnect(logger),
		OnDeepLinking: handleDeepLinking(logger),
	})
	if err != nil {
		logger.Fatal("build provider", zap.Error(err))
	}
	defer p.Close()

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	if cfg.CORS {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	app := http.NewServeMux()
	app.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Mount("/", p.Middleware(app))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.Int("port", cfg.HTTPPort))
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			logger.Fatal("serve", zap.Error(err))
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown", zap.Error(err))
		}
	}
}

func sameSite(name string) http.SameSite {
	switch name {
	case "Strict", "strict":
		return http.SameSiteStrictMode
	case "None", "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteLaxMode
	}
}

func handleConnect(logger *zap.Logger) provider.Callback {
	return func(w http.ResponseWriter, r *http.Request, session *launch.Session) {
		logger.Info("launch", zap.String("user", session.IDToken.User))
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "welcome, %s\n", session.IDToken.User)
	}
}

func handleDeepLinking(logger *zap.Logger) provider.Callback {
	return func(w http.ResponseWriter, r *http.Request, session *launch.Session) {
		logger.Info("deep linking launch", zap.String("user", session.IDToken.User))
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "deep linking request from %s\n", session.IDToken.User)
	}
}
