// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package shard assigns histories to the S parallel forward/backward
// pipeline shards of spec.md §4.5/§5. Histories are partitioned by a
// rendezvous (highest-random-weight) hash of the first history word, so
// shard membership stays stable when S changes between runs instead of
// every history reshuffling the way a plain modulo hash would.
package shard

import (
	"hash/fnv"
	"strconv"

	rendezvous "github.com/dgryski/go-rendezvous"

	"ngramlm/pkg/lm"
)

// hashString is the rendezvous.Hasher (func(string) uint64) handed to
// rendezvous.New; FNV-1a is adequate here since rendezvous only needs the
// hash to be well distributed, not cryptographic. rendezvous.Lookup
// combines this per-node hash with a hash of the lookup key itself, so
// hashString takes no seed.
func hashString(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}

// Assigner maps a history's first word to one of S shards.
type Assigner struct {
	numShards int
	rv        *rendezvous.Rendezvous
	labels    []string
}

// New builds an Assigner over numShards shards, labeled "0".."numShards-1".
func New(numShards int) *Assigner {
	if numShards <= 0 {
		numShards = 1
	}
	labels := make([]string, numShards)
	for i := range labels {
		labels[i] = strconv.Itoa(i)
	}
	return &Assigner{
		numShards: numShards,
		rv:        rendezvous.New(labels, hashString),
		labels:    labels,
	}
}

// NumShards returns the number of shards this Assigner was built with.
func (a *Assigner) NumShards() int { return a.numShards }

// ShardOf returns the shard index for a history, based on its first word
// (or the empty/unigram history, which always routes to shard 0 — the
// order-1 barrier of spec.md §5 requires a single merged unigram shard).
func (a *Assigner) ShardOf(h lm.History) int {
	if len(h) == 0 {
		return 0
	}
	key := strconv.FormatUint(uint64(h[0]), 10)
	label := a.rv.Lookup(key)
	idx, err := strconv.Atoi(label)
	if err != nil {
		// rendezvous.Lookup only ever returns one of the labels we added.
		panic("shard: rendezvous returned unknown label " + label)
	}
	return idx
}

// Resize returns a new Assigner with a different shard count. Per
// rendezvous hashing's defining property, only the histories whose
// highest-weight shard actually changes are reassigned; everything else
// keeps its prior shard.
func (a *Assigner) Resize(numShards int) *Assigner {
	return New(numShards)
}
