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
	"net"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/pingcap/tijob/errhandler"
	"github.com/pingcap/tijob/scheduler/execution"
)

const (
	defaultStartupTimeout = time.Minute
	defaultStopTimeout    = 30 * time.Second
	// re-election is rate limited to protect the registry from a campaign
	// storm when many jobs lose their leader at once; the burst still
	// allows an immediate first attempt
	defaultElectionRate  = 0.2
	defaultElectionBurst = 2
)

// Option customizes a JobScheduler.
type Option func(*options)

type options struct {
	serverIP       string
	clock          clock.Clock
	handler        errhandler.Handler
	listeners      []execution.Listener
	startupTimeout time.Duration
	stopTimeout    time.Duration
}

func defaultOptions() *options {
	return &options{
		clock:          clock.New(),
		startupTimeout: defaultStartupTimeout,
		stopTimeout:    defaultStopTimeout,
	}
}

// WithServerIP overrides the autodetected local server ip, the basis of the
// instance identity and the server status entry.
func WithServerIP(ip string) Option {
	return func(o *options) { o.serverIP = ip }
}

// WithClock injects a clock, tests pass a mock.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithErrorHandler bypasses the handler registry with a ready instance.
func WithErrorHandler(h errhandler.Handler) Option {
	return func(o *options) { o.handler = h }
}

// WithListeners adds local before/after execution hooks.
func WithListeners(ls ...execution.Listener) Option {
	return func(o *options) { o.listeners = append(o.listeners, ls...) }
}

// WithStartupTimeout bounds the startup wait for leadership resolution.
func WithStartupTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.startupTimeout = d
		}
	}
}

// WithStopTimeout bounds how long Shutdown waits for in-flight executions.
func WithStopTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.stopTimeout = d
		}
	}
}

// resolveLocalIP picks the first non-loopback IPv4 address, falling back to
// loopback for single-machine setups.
func resolveLocalIP() string {
	addrs, err := net.InterfaceAddrs()
	if err == nil {
		for _, addr := range addrs {
			if ipNet, ok := addr.(*net.IPNet); ok &&
				!ipNet.IP.IsLoopback() && ipNet.IP.To4() != nil {
				return ipNet.IP.String()
			}
		}
	}
	return "127.0.0.1"
}
