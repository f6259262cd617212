// Copyright (c) 2021 MacEwan University. All rights reserved.
//
// This source code is licensed under the MIT-style license found in
// the LICENSE file in the root directory of this source tree.

// Package config loads the tool's runtime configuration from defaults,
// an optional .env file, environment variables, and CLI flags, following
// the precedence and merge pattern used throughout the dalemusser-waffle
// config packages: flags (explicit) > env > .env > defaults.
package config

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// CookieConfig governs the Secure/SameSite attributes of the state and
// platformCode cookies, per spec.md §6.
type CookieConfig struct {
	SameSite string `mapstructure:"cookies_same_site"`
	Secure   bool   `mapstructure:"cookies_secure"`
}

// TLSConfig groups the manual-TLS settings from spec.md §6.
type TLSConfig struct {
	UseHTTPS bool   `mapstructure:"https"`
	CertFile string `mapstructure:"ssl_cert"`
	KeyFile  string `mapstructure:"ssl_key"`
}

// DatabaseConfig names the Store connection, left opaque since the driver
// (memory/sql/mongo) is chosen by the caller, not by this package.
type DatabaseConfig struct {
	URL        string `mapstructure:"database_url"`
	Connection string `mapstructure:"database_connection"`
}

// RoutesConfig holds the five reserved paths of spec.md §4.8, all
// overridable.
type RoutesConfig struct {
	LoginRoute          string `mapstructure:"login_route"`
	AppRoute            string `mapstructure:"app_route"`
	SessionTimeoutRoute string `mapstructure:"session_timeout_route"`
	InvalidTokenRoute   string `mapstructure:"invalid_token_route"`
	KeysetRoute         string `mapstructure:"keyset_route"`
}

// Config is the tool's full runtime configuration, covering every item in
// spec.md §6's Configuration table.
type Config struct {
	EncryptionKey string `mapstructure:"encryption_key"`

	Database DatabaseConfig `mapstructure:",squash"`
	Routes   RoutesConfig   `mapstructure:",squash"`
	TLS      TLSConfig      `mapstructure:",squash"`
	Cookies  CookieConfig   `mapstructure:",squash"`

	CORS        bool   `mapstructure:"cors"`
	DevMode     bool   `mapstructure:"dev_mode"`
	TokenMaxAge int    `mapstructure:"token_max_age"`
	StaticPath  string `mapstructure:"static_path"`

	LogLevel string `mapstructure:"log_level"`
	HTTPPort int    `mapstructure:"http_port"`
}

// Load merges defaults, an optional .env file, environment variables (LTI_
// prefixed), and CLI flags into a Config. logger may be nil.
func Load(logger *zap.Logger) (*Config, error) {
	if err := godotenv.Load(); err == nil && logger != nil {
		logger.Info("loaded .env file")
	}

	pflag.String("encryption_key", "", "HS256 signing key for LTIK and cookie signatures; also encrypts private keys at rest")
	pflag.String("database_url", "", "Store connection URL")
	pflag.String("database_connection", "memory", "Store backend: memory, sql, or mongo")
	pflag.String("login_route", "/login", "Reserved OIDC login path")
	pflag.String("app_route", "/", "Reserved callback/landing path")
	pflag.String("session_timeout_route", "/sessionTimeout", "Reserved session-timeout handler path")
	pflag.String("invalid_token_route", "/invalidToken", "Reserved invalid-token handler path")
	pflag.String("keyset_route", "/keys", "Reserved public JWKS path")
	pflag.Bool("https", false, "Serve HTTPS; requires ssl_cert and ssl_key")
	pflag.String("ssl_cert", "", "TLS certificate file")
	pflag.String("ssl_key", "", "TLS key file")
	pflag.Bool("cors", true, "Enable CORS middleware")
	pflag.String("cookies_same_site", "Lax", `Cookie SameSite: "Strict", "Lax", or "None"`)
	pflag.Bool("cookies_secure", false, "Force the Secure cookie attribute")
	pflag.Bool("dev_mode", false, "Skip missing state/session-cookie checks; validation still runs when present")
	pflag.Int("token_max_age", 10, "Max age in seconds of an id_token; 0 disables the check")
	pflag.String("static_path", "", "Static asset root")
	pflag.String("log_level", "info", "Log level: debug, info, warn, error")
	pflag.Int("http_port", 8080, "HTTP listen port")
	pflag.Parse()

	v := viper.New()
	v.SetEnvPrefix("LTI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	for _, k := range allKeys() {
		_ = v.BindEnv(k)
	}

	setDefaults(v)

	pflag.CommandLine.VisitAll(func(f *pflag.Flag) {
		if f.Changed {
			_ = v.BindPFlag(f.Name, f)
		}
	})

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func allKeys() []string {
	return []string{
		"encryption_key", "database_url", "database_connection",
		"login_route", "app_route", "session_timeout_route", "invalid_token_route", "keyset_route",
		"https", "ssl_cert", "ssl_key", "cors",
		"cookies_same_site", "cookies_secure", "dev_mode", "token_max_age",
		"static_path", "log_level", "http_port",
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database_connection", "memory")
	v.SetDefault("login_route", "/login")
	v.SetDefault("app_route", "/")
	v.SetDefault("session_timeout_route", "/sessionTimeout")
	v.SetDefault("invalid_token_route", "/invalidToken")
	v.SetDefault("keyset_route", "/keys")
	v.SetDefault("https", false)
	v.SetDefault("cors", true)
	v.SetDefault("cookies_same_site", "Lax")
	v.SetDefault("cookies_secure", false)
	v.SetDefault("dev_mode", false)
	v.SetDefault("token_max_age", 10)
	v.SetDefault("log_level", "info")
	v.SetDefault("http_port", 8080)
}

// validate enforces spec.md §6: encryptionKey is required, and https=true
// requires both ssl_cert and ssl_key.
func validate(cfg Config) error {
	if cfg.EncryptionKey == "" {
		return fmt.Errorf("config: encryption_key is required")
	}
	if cfg.TLS.UseHTTPS && (cfg.TLS.CertFile == "" || cfg.TLS.KeyFile == "") {
		return fmt.Errorf("config: https=true requires both ssl_cert and ssl_key")
	}

	switch strings.ToLower(cfg.Cookies.SameSite) {
	case "strict", "lax", "none":
	default:
		return fmt.Errorf("config: cookies_same_site must be Strict, Lax, or None, got %q", cfg.Cookies.SameSite)
	}

	return nil
}
