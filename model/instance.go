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

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pingcap/errors"
	cerror "github.com/pingcap/tijob/pkg/errors"
)

// instanceDelimiter joins the server ip and the process id into an
// instance id.
const instanceDelimiter = "@"

// JobInstance is one live process incarnation participating in a job. The
// instance id doubles as the registry node name, its entry is ephemeral and
// vanishes with the process session.
type JobInstance struct {
	InstanceID string `json:"instance-id"`
	ServerIP   string `json:"server-ip"`
}

// NewJobInstance builds the identity of the local process.
func NewJobInstance(serverIP string, pid int) JobInstance {
	return JobInstance{
		InstanceID: fmt.Sprintf("%s%s%d", serverIP, instanceDelimiter, pid),
		ServerIP:   serverIP,
	}
}

// ParseJobInstance rebuilds an instance from a registered instance id.
func ParseJobInstance(instanceID string) JobInstance {
	serverIP := instanceID
	if i := strings.Index(instanceID, instanceDelimiter); i >= 0 {
		serverIP = instanceID[:i]
	}
	return JobInstance{InstanceID: instanceID, ServerIP: serverIP}
}

// Marshal using json.Marshal.
func (i *JobInstance) Marshal() (string, error) {
	data, err := json.Marshal(i)
	if err != nil {
		return "", cerror.WrapError(cerror.ErrMarshalFailed, err)
	}
	return string(data), nil
}

// Unmarshal from binary data.
func (i *JobInstance) Unmarshal(data []byte) error {
	err := json.Unmarshal(data, i)
	if err != nil {
		return errors.Annotatef(cerror.WrapError(cerror.ErrUnmarshalFailed, err),
			"unmarshal data: %v", data)
	}
	return nil
}
