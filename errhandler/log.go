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

package errhandler

import (
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/pingcap/tijob/model"
)

// logHandler writes the failure to the process log and nothing else, the
// default when no handler type is configured.
type logHandler struct{}

func newLogHandler(_ *model.JobConfig) (Handler, error) {
	return logHandler{}, nil
}

// HandleException implements Handler.
func (logHandler) HandleException(jobName string, cause error) {
	log.Error("job execution failed",
		zap.String("job", jobName), zap.Error(cause))
}
