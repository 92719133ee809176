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

package model

// ServerStatus is the operator controlled scheduling eligibility of one
// server (one ip, possibly several instances). It is durable and survives
// process restarts, unlike instance liveness.
type ServerStatus string

// server statuses
const (
	ServerEnabled  ServerStatus = "ENABLED"
	ServerDisabled ServerStatus = "DISABLED"
)

// IsEnabled reports whether instances on the server may own shard items.
func (s ServerStatus) IsEnabled() bool {
	return s == ServerEnabled
}

// IsValid reports whether the value is a known status.
func (s ServerStatus) IsValid() bool {
	return s == ServerEnabled || s == ServerDisabled
}
