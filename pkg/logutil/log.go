// Copyright 2026 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package logutil

import (
	"context"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	constFieldJobKey      = "job"
	constFieldInstanceKey = "instance"
)

// Config serializes log related config.
type Config struct {
	// Level is the log level, one of "debug", "info", "warn", "error".
	Level string `json:"level"`
	// File is the log file path, stdout when empty.
	File string `json:"file"`
}

// InitLogger initializes the global logger. Embedders that already manage
// their own pingcap/log globals can skip it.
func InitLogger(cfg *Config) error {
	logger, props, err := log.InitLogger(&log.Config{
		Level: cfg.Level,
		File:  log.FileLogConfig{Filename: cfg.File},
	})
	if err != nil {
		return errors.Trace(err)
	}
	log.ReplaceGlobals(logger, props)
	return nil
}

// WithJob returns a logger scoped to one job.
func WithJob(jobName string) *zap.Logger {
	return log.L().With(zap.String(constFieldJobKey, jobName))
}

// WithJobInstance returns a logger scoped to one job instance.
func WithJobInstance(jobName, instanceID string) *zap.Logger {
	return log.L().With(
		zap.String(constFieldJobKey, jobName),
		zap.String(constFieldInstanceKey, instanceID),
	)
}

// ErrorFilterContextCanceled logs the msg and fields, but does nothing if one
// of the fields carries a context.Canceled error. Shutdown paths cancel watch
// and wait loops, which is not worth an error line.
func ErrorFilterContextCanceled(logger *zap.Logger, msg string, fields ...zap.Field) {
	for _, field := range fields {
		switch field.Type {
		case zapcore.ErrorType:
			err, ok := field.Interface.(error)
			if ok && errors.Cause(err) == context.Canceled {
				return
			}
		}
	}
	logger.WithOptions(zap.AddCallerSkip(1)).Error(msg, fields...)
}
