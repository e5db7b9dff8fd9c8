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

// Package checkpoint persists BFGS optimizer state (the unconstrained
// parameter vector, its inverse-Hessian approximation, and the iteration
// count) to Redis, so a long-running training job can resume after a
// restart instead of re-running every completed BFGS iteration. Each run
// is addressed by a google/uuid identifier rather than a caller-chosen
// name, matching how the rest of the pipeline tags work units.
package checkpoint

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"ngramlm/internal/metaparam"
)

// Store abstracts the minimal key-value surface a checkpoint backend
// needs. Implementations may wrap github.com/redis/go-redis/v9 or any
// equivalent; LoggingStore below lets a demo run without a real Redis.
type Store interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
}

// GoRedisStore is a production-ready Store backed by go-redis/v9.
type GoRedisStore struct{ c *redis.Client }

// NewGoRedisStore constructs a GoRedisStore for the given address, e.g.
// "127.0.0.1:6379".
func NewGoRedisStore(addr string) *GoRedisStore {
	return &GoRedisStore{c: redis.NewClient(&redis.Options{Addr: addr})}
}

func (g *GoRedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return g.c.Set(ctx, key, value, ttl).Err()
}

func (g *GoRedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := g.c.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// LoggingStore is a tiny demo stand-in that just logs writes and always
// misses on read. It lets a demo select the Redis adapter without
// needing a real Redis. Not for production use.
type LoggingStore struct{}

func (LoggingStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	fmt.Printf("[checkpoint-demo] SET %s (len=%d, ttl=%s)\n", key, len(value), ttl)
	return nil
}

func (LoggingStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	fmt.Printf("[checkpoint-demo] GET %s -> miss\n", key)
	return nil, false, nil
}

// redisKey is the key layout for one run's checkpoint.
func redisKey(runID uuid.UUID) string {
	return fmt.Sprintf("ngramlm:checkpoint:%s", runID)
}

// State is the BFGS optimizer state checkpointed between iterations.
type State struct {
	Iteration  int
	X          []float64
	InvHessian [][]float64
}

// defaultTTL guards against unbounded growth of abandoned runs' keys.
const defaultTTL = 7 * 24 * time.Hour

// Save serializes and writes one run's optimizer state.
func Save(ctx context.Context, store Store, runID uuid.UUID, numSources int, maxOrder int, st State) error {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "iteration %d\n", st.Iteration)
	fmt.Fprintf(&buf, "dim %d\n", len(st.X))
	if err := metaparam.WriteVector(&buf, st.X); err != nil {
		return fmt.Errorf("checkpoint: save: writing x: %w", err)
	}
	if err := metaparam.WriteInverseHessian(&buf, st.InvHessian); err != nil {
		return fmt.Errorf("checkpoint: save: writing inverse Hessian: %w", err)
	}
	if err := store.Set(ctx, redisKey(runID), buf.Bytes(), defaultTTL); err != nil {
		return fmt.Errorf("checkpoint: save: %w", err)
	}
	return nil
}

// Load reads back the most recent checkpoint for runID, if any.
func Load(ctx context.Context, store Store, runID uuid.UUID) (State, bool, error) {
	raw, ok, err := store.Get(ctx, redisKey(runID))
	if err != nil {
		return State{}, false, fmt.Errorf("checkpoint: load: %w", err)
	}
	if !ok {
		return State{}, false, nil
	}
	r := bytes.NewReader(raw)
	var iteration, dim int
	if _, err := fmt.Fscanf(r, "iteration %d\n", &iteration); err != nil {
		return State{}, false, fmt.Errorf("checkpoint: load: parsing iteration: %w", err)
	}
	if _, err := fmt.Fscanf(r, "dim %d\n", &dim); err != nil {
		return State{}, false, fmt.Errorf("checkpoint: load: parsing dim: %w", err)
	}
	// ReadVector buffers ahead of the line it parses, so hand it only the x
	// line and give the remaining bytes to ReadInverseHessian.
	rest := raw[len(raw)-r.Len():]
	nl := bytes.IndexByte(rest, '\n')
	if nl < 0 {
		return State{}, false, fmt.Errorf("checkpoint: load: reading x: missing line terminator")
	}
	x, err := metaparam.ReadVector(bytes.NewReader(rest[:nl+1]), dim)
	if err != nil {
		return State{}, false, fmt.Errorf("checkpoint: load: reading x: %w", err)
	}
	invHessian, err := metaparam.ReadInverseHessian(bytes.NewReader(rest[nl+1:]), dim)
	if err != nil {
		return State{}, false, fmt.Errorf("checkpoint: load: reading inverse Hessian: %w", err)
	}
	return State{Iteration: iteration, X: x, InvHessian: invHessian}, true, nil
}
