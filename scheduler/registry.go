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

package scheduler

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/multierr"

	cerror "github.com/pingcap/tijob/pkg/errors"
)

// JobRegistry ties together the job schedulers hosted in one process. It is
// an explicit object owned by the process bootstrap, passed to whoever
// needs a lookup, there is no ambient global.
type JobRegistry struct {
	mu         sync.RWMutex
	schedulers map[string]*JobScheduler
}

// NewJobRegistry creates an empty registry.
func NewJobRegistry() *JobRegistry {
	return &JobRegistry{schedulers: make(map[string]*JobScheduler)}
}

// Register adds a scheduler under its job name. One process hosts at most
// one scheduler per job.
func (r *JobRegistry) Register(js *JobScheduler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := js.JobName()
	if _, ok := r.schedulers[name]; ok {
		return cerror.ErrJobAlreadyRegistered.GenWithStackByArgs(name)
	}
	r.schedulers[name] = js
	return nil
}

// Lookup returns the scheduler of the job, if hosted here.
func (r *JobRegistry) Lookup(jobName string) (*JobScheduler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	js, ok := r.schedulers[jobName]
	return js, ok
}

// Remove drops the scheduler of the job without shutting it down.
func (r *JobRegistry) Remove(jobName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.schedulers, jobName)
}

// Names returns the hosted job names, sorted.
func (r *JobRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.schedulers))
	for name := range r.schedulers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ShutdownAll tears every scheduler down concurrently and empties the
// registry, aggregating the errors. Idempotent, Shutdown of an already
// closed scheduler is a no-op.
func (r *JobRegistry) ShutdownAll(ctx context.Context) error {
	r.mu.Lock()
	schedulers := r.schedulers
	r.schedulers = make(map[string]*JobScheduler)
	r.mu.Unlock()

	var (
		wg    sync.WaitGroup
		errMu sync.Mutex
		err   error
	)
	for _, js := range schedulers {
		wg.Add(1)
		go func(js *JobScheduler) {
			defer wg.Done()
			if shutdownErr := js.Shutdown(ctx); shutdownErr != nil {
				errMu.Lock()
				err = multierr.Append(err, shutdownErr)
				errMu.Unlock()
			}
		}(js)
	}
	wg.Wait()
	return err
}
