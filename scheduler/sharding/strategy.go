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

package sharding

import (
	"sync"

	"github.com/pingcap/tijob/model"
	cerror "github.com/pingcap/tijob/pkg/errors"
)

// strategy types shipped with this package
const (
	TypeRoundRobin = "ROUND_ROBIN"
	TypeContiguous = "CONTIGUOUS"
)

// Strategy computes a full assignment of shard items to instances. The
// instances slice is non-empty and sorted by instance id, so the result is
// deterministic across every process computing it. Implementations must
// cover [0, totalCount) exactly once each.
type Strategy interface {
	Name() string
	Assign(totalCount int, instances []string) model.Assignment
}

var (
	strategiesMu sync.RWMutex
	strategies   = make(map[string]Strategy)
)

// RegisterStrategy adds a strategy under its name. Registering a name twice
// panics, it is a wiring bug.
func RegisterStrategy(s Strategy) {
	strategiesMu.Lock()
	defer strategiesMu.Unlock()
	if _, ok := strategies[s.Name()]; ok {
		panic("sharding: duplicate strategy " + s.Name())
	}
	strategies[s.Name()] = s
}

// GetStrategy returns the strategy registered under the name, round robin
// for the empty name. An unknown name fails job validation at startup.
func GetStrategy(name string) (Strategy, error) {
	if name == "" {
		name = TypeRoundRobin
	}
	strategiesMu.RLock()
	defer strategiesMu.RUnlock()
	s, ok := strategies[name]
	if !ok {
		return nil, cerror.ErrStrategyNotFound.GenWithStackByArgs(name)
	}
	return s, nil
}

// roundRobinStrategy deals items like cards: item i goes to instance
// i mod n. Simple, even to within one item, the default.
type roundRobinStrategy struct{}

// Name implements Strategy.
func (roundRobinStrategy) Name() string { return TypeRoundRobin }

// Assign implements Strategy.
func (roundRobinStrategy) Assign(totalCount int, instances []string) model.Assignment {
	assignment := make(model.Assignment, totalCount)
	for item := 0; item < totalCount; item++ {
		assignment[item] = instances[item%len(instances)]
	}
	return assignment
}

// contiguousStrategy splits the items into consecutive blocks, one per
// instance, the earlier instances taking the remainder. Useful when
// neighboring items share warm state in the business callback.
type contiguousStrategy struct{}

// Name implements Strategy.
func (contiguousStrategy) Name() string { return TypeContiguous }

// Assign implements Strategy.
func (contiguousStrategy) Assign(totalCount int, instances []string) model.Assignment {
	assignment := make(model.Assignment, totalCount)
	n := len(instances)
	size, rem := totalCount/n, totalCount%n
	item := 0
	for i, instanceID := range instances {
		block := size
		if i < rem {
			block++
		}
		for end := item + block; item < end; item++ {
			assignment[item] = instanceID
		}
	}
	return assignment
}

func init() {
	RegisterStrategy(roundRobinStrategy{})
	RegisterStrategy(contiguousStrategy{})
}
