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

// Package errhandler delivers business callback failures to an operator
// channel. Handlers are registered by type string at init and selected by
// the job configuration, so embedders can plug their own transport without
// touching the scheduler.
package errhandler

import (
	"sync"

	cerror "github.com/pingcap/tijob/pkg/errors"
	"github.com/pingcap/tijob/model"
)

// handler types shipped with this package
const (
	TypeLog     = "LOG"
	TypeWebhook = "WEBHOOK"
)

// Handler consumes one business callback failure. Implementations must not
// block the calling execution for long and must swallow their own delivery
// errors.
type Handler interface {
	HandleException(jobName string, cause error)
}

// Constructor builds a handler from the job configuration, typically from
// entries of cfg.Props.
type Constructor func(cfg *model.JobConfig) (Handler, error)

var (
	constructorsMu sync.RWMutex
	constructors   = make(map[string]Constructor)
)

// Register adds a handler constructor under the type string. Registering a
// type twice panics, it is a wiring bug.
func Register(handlerType string, ctor Constructor) {
	constructorsMu.Lock()
	defer constructorsMu.Unlock()
	if _, ok := constructors[handlerType]; ok {
		panic("errhandler: duplicate handler type " + handlerType)
	}
	constructors[handlerType] = ctor
}

// New builds the handler selected by cfg.ErrorHandlerType, the log handler
// when the type is empty. An unknown type fails job validation at startup.
func New(cfg *model.JobConfig) (Handler, error) {
	handlerType := cfg.ErrorHandlerType
	if handlerType == "" {
		handlerType = TypeLog
	}
	constructorsMu.RLock()
	ctor, ok := constructors[handlerType]
	constructorsMu.RUnlock()
	if !ok {
		return nil, cerror.ErrHandlerNotFound.GenWithStackByArgs(handlerType)
	}
	return ctor(cfg)
}

func init() {
	Register(TypeLog, newLogHandler)
	Register(TypeWebhook, newWebhookHandler)
}
