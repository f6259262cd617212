// Copyright (c) 2021 MacEwan University. All rights reserved.
//
// This source code is licensed under the MIT-style license found in
// the LICENSE file in the root directory of this source tree.

// Package ltilog builds the zap loggers used across the tool's packages,
// separating an early bootstrap logger (usable before config is loaded)
// from the final logger assembled once a log level and environment are
// known.
package ltilog

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Bootstrap returns a development-friendly logger for use before config
// has loaded, writing to stderr at info level.
func Bootstrap() *zap.Logger {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)

	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}

	return logger
}

// Build constructs the tool's running logger. devMode selects a
// console-friendly development encoder over the production JSON one.
func Build(level string, devMode bool) (*zap.Logger, error) {
	var cfg zap.Config
	if devMode {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Encoding = "json"
	}

	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	if err := cfg.Level.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		_, _ = os.Stderr.WriteString("ltilog: invalid log level \"" + level + "\", defaulting to \"info\"\n")
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	return cfg.Build()
}

// MustBuild is a convenience for main() that exits on build failure.
func MustBuild(level string, devMode bool) *zap.Logger {
	logger, err := Build(level, devMode)
	if err != nil {
		_, _ = os.Stderr.WriteString("ltilog: failed to build logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	return logger
}
