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

// Package main provides the entry point for ngramlm-train: it fits
// Modified Kneser-Ney metaparameters (per-source scale, per-order
// discount constants) via BFGS over a held-out dev set, then writes the
// resulting float-count model and metaparameters to disk.
//
// This binary orchestrates:
//  1. Opening every training source's integer-count files and the dev
//     set's integer-count files.
//  2. Running BFGS (internal/optimize) against the forward/backward
//     pipeline (internal/pipeline) to fit metaparameters.
//  3. Checkpointing the optimizer's final state (to Redis, or a logging
//     stand-in) once BFGS returns; a run started with -run_id resumes from
//     that run's saved checkpoint. No checkpoint is written between
//     iterations.
//  4. Writing the final model (float-count file) and metaparameters.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"ngramlm/internal/checkpoint"
	"ngramlm/internal/iosrc"
	"ngramlm/internal/iosrc/sortbuf"
	"ngramlm/internal/merge"
	"ngramlm/internal/metaparam"
	"ngramlm/internal/optimize"
	"ngramlm/internal/pipeline"
	"ngramlm/internal/telemetry"
	"ngramlm/pkg/lm"
)

// fallbackRAM is used when sortbuf.AvailableRAM can't query the kernel
// (non-Linux platforms): a conservative fixed budget a deployment can
// still override via an absolute byte or suffixed (B/K/M/G) -sort_buffer
// value instead of "%".
const fallbackRAM = 8 << 30

// sourceFlags collects repeated -source order:id:path flags.
type sourceFlags []string

func (f *sourceFlags) String() string { return strings.Join(*f, ",") }
func (f *sourceFlags) Set(v string) error {
	*f = append(*f, v)
	return nil
}

func parseSourceFlag(v string) (lm.Order, lm.SourceID, string, error) {
	parts := strings.SplitN(v, ":", 3)
	if len(parts) != 3 {
		return 0, 0, "", fmt.Errorf("expected order:id:path, got %q", v)
	}
	order, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, "", fmt.Errorf("bad order in %q: %w", v, err)
	}
	id, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, "", fmt.Errorf("bad source id in %q: %w", v, err)
	}
	return lm.Order(order), lm.SourceID(id), parts[2], nil
}

type devFlags []string

func (f *devFlags) String() string { return strings.Join(*f, ",") }
func (f *devFlags) Set(v string) error {
	*f = append(*f, v)
	return nil
}

// fileDevSet implements optimize.DevSet by reading each order's dev file
// fresh on every call, mirroring how training sources are re-opened per
// objective evaluation.
type fileDevSet struct {
	paths map[lm.Order]string
}

func (d fileDevSet) DevCounts() (map[lm.Order][]lm.IntegerCount, error) {
	out := map[lm.Order][]lm.IntegerCount{}
	for order, path := range d.paths {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("opening dev file %s: %w", path, err)
		}
		r, err := iosrc.NewIntegerCountReader(path, f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("reading dev header %s: %w", path, err)
		}
		var recs []lm.IntegerCount
		for {
			rec, err := r.Next()
			if err != nil {
				break
			}
			recs = append(recs, rec)
		}
		r.Close()
		out[order] = recs
	}
	return out, nil
}

func main() {
	var sources sourceFlags
	var devs devFlags
	flag.Var(&sources, "source", "training source as order:sourceID:path; repeatable")
	flag.Var(&devs, "dev", "dev-set file as order:path; repeatable")
	numSources := flag.Int("num_sources", 1, "number of distinct training sources")
	maxOrder := flag.Int("max_order", 3, "maximum n-gram order")
	numWords := flag.Int("num_words", 0, "closed vocabulary size (required)")
	outModel := flag.String("out_model", "", "path to write the trained float-count model")
	outMeta := flag.String("out_meta", "", "path to write the fitted metaparameters")
	redisAddr := flag.String("redis_addr", "", "Redis address for checkpointing; empty uses a logging stand-in")
	runIDFlag := flag.String("run_id", "", "resume an existing run by its checkpoint UUID; empty starts a new run")
	metricsAddr := flag.String("metrics_addr", "", "if non-empty, expose Prometheus /metrics on this address")
	sortBuffer := flag.String("sort_buffer", "25%", "external sort buffer budget, e.g. 512M, 2G, or a percentage of available RAM")
	shards := flag.Int("shards", 1, "number of parallel forward/backward shards (spec.md §4.5); 1 disables sharding")
	flag.Parse()

	if *numWords <= 0 {
		log.Fatalf("ngramlm-train: -num_words is required")
	}
	if *outModel == "" || *outMeta == "" {
		log.Fatalf("ngramlm-train: -out_model and -out_meta are required")
	}

	ram, err := sortbuf.AvailableRAM()
	if err != nil {
		ram = fallbackRAM
	}
	sortBufferBytes, err := sortbuf.ParseHint(*sortBuffer, ram)
	if err != nil {
		log.Fatalf("ngramlm-train: -sort_buffer: %v", err)
	}
	log.Printf("ngramlm-train: sort buffer budget %d bytes", sortBufferBytes)

	if *metricsAddr != "" {
		telemetry.Enable()
		telemetry.ServeMetrics(*metricsAddr)
		fmt.Printf("ngramlm-train: metrics listening on %s\n", *metricsAddr)
	}

	var optSources []optimize.Source
	for _, v := range sources {
		order, id, path, err := parseSourceFlag(v)
		if err != nil {
			log.Fatalf("ngramlm-train: -source %q: %v", v, err)
		}
		path := path
		optSources = append(optSources, optimize.Source{
			ID:    id,
			Order: order,
			Open: func() (merge.IntegerCountIterator, error) {
				f, err := os.Open(path)
				if err != nil {
					return nil, err
				}
				return iosrc.NewIntegerCountReader(path, f)
			},
		})
	}

	devPaths := map[lm.Order]string{}
	for _, v := range devs {
		parts := strings.SplitN(v, ":", 2)
		if len(parts) != 2 {
			log.Fatalf("ngramlm-train: -dev %q: expected order:path", v)
		}
		order, err := strconv.Atoi(parts[0])
		if err != nil {
			log.Fatalf("ngramlm-train: -dev %q: %v", v, err)
		}
		devPaths[lm.Order(order)] = parts[1]
	}

	objective := optimize.NewObjective(optSources, fileDevSet{paths: devPaths}, lm.SourceID(*numSources), lm.Order(*maxOrder), *numWords, *shards)

	meta := lm.Metaparameters{
		NumSources: lm.SourceID(*numSources),
		MaxOrder:   lm.Order(*maxOrder),
		Scale:      make([]float64, *numSources),
		Discount:   make([]lm.OrderDiscount, *maxOrder-1),
	}
	for i := range meta.Scale {
		meta.Scale[i] = 0.5
	}
	for i := range meta.Discount {
		meta.Discount[i] = lm.OrderDiscount{D1: 0.7, D2: 0.5, D3: 0.3, D4: 0.1}
	}
	x0 := metaparam.ToUnconstrained(meta)

	ctx := context.Background()
	var store checkpoint.Store
	if *redisAddr != "" {
		store = checkpoint.NewGoRedisStore(*redisAddr)
	} else {
		store = checkpoint.LoggingStore{}
	}

	runID := uuid.New()
	opts := optimize.DefaultOptions()
	opts.Verbose = true
	if *runIDFlag != "" {
		parsed, err := uuid.Parse(*runIDFlag)
		if err != nil {
			log.Fatalf("ngramlm-train: -run_id: %v", err)
		}
		runID = parsed
		if st, ok, err := checkpoint.Load(ctx, store, runID); err != nil {
			log.Fatalf("ngramlm-train: loading checkpoint: %v", err)
		} else if ok {
			x0 = st.X
			opts.InitInvHessian = st.InvHessian
			log.Printf("ngramlm-train: resumed run %s at iteration %d", runID, st.Iteration)
		}
	}
	log.Printf("ngramlm-train: run id %s", runID)
	result, err := optimize.Minimize(x0, objective, opts)
	if err != nil {
		log.Fatalf("ngramlm-train: optimization failed: %v", err)
	}
	log.Printf("ngramlm-train: converged after %d iterations (%d restarts), objective=%v", result.Iterations, result.Restarts, result.Value)

	if err := checkpoint.Save(ctx, store, runID, *numSources, *maxOrder, checkpoint.State{
		Iteration:  result.Iterations,
		X:          result.X,
		InvHessian: result.InvHessian,
	}); err != nil {
		log.Printf("ngramlm-train: warning: failed to save final checkpoint: %v", err)
	}

	finalMeta := metaparam.ToConstrained(result.X, lm.SourceID(*numSources), lm.Order(*maxOrder))

	byOrder := map[lm.Order][]merge.SourceInput{}
	for _, s := range optSources {
		it, err := s.Open()
		if err != nil {
			log.Fatalf("ngramlm-train: reopening source for final model: %v", err)
		}
		byOrder[s.Order] = append(byOrder[s.Order], merge.SourceInput{
			Source: s.ID,
			Scale:  finalMeta.Scale[s.ID-1],
			Counts: it,
		})
	}
	model, _, err := pipeline.ShardedForward(byOrder, finalMeta, *numWords, *shards)
	if err != nil {
		log.Fatalf("ngramlm-train: final forward pass: %v", err)
	}

	var allStates []lm.HistoryState
	unigramPredicted := make([]lm.WordID, *numWords)
	var unigramTotal float64
	for i, c := range model.Unigram {
		unigramPredicted[i] = lm.WordID(i + 1)
		unigramTotal += c
	}
	allStates = append(allStates, lm.HistoryState{
		Order:     1,
		Predicted: unigramPredicted,
		Counts:    append([]float64(nil), model.Unigram...),
		Total:     unigramTotal,
	})
	for _, byHist := range model.States {
		for _, st := range byHist {
			allStates = append(allStates, *st)
		}
	}
	sort.Slice(allStates, func(i, j int) bool {
		if allStates[i].Order != allStates[j].Order {
			return allStates[i].Order < allStates[j].Order
		}
		return allStates[i].History.Less(allStates[j].History)
	})

	mf, err := os.Create(*outModel)
	if err != nil {
		log.Fatalf("ngramlm-train: creating %s: %v", *outModel, err)
	}
	w := iosrc.NewFloatCountWriter(mf)
	for _, st := range allStates {
		if err := w.Write(st); err != nil {
			log.Fatalf("ngramlm-train: writing model: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		log.Fatalf("ngramlm-train: closing %s: %v", *outModel, err)
	}

	metaFile, err := os.Create(*outMeta)
	if err != nil {
		log.Fatalf("ngramlm-train: creating %s: %v", *outMeta, err)
	}
	defer metaFile.Close()
	if err := metaparam.WriteMetaparameters(metaFile, finalMeta); err != nil {
		log.Fatalf("ngramlm-train: writing metaparameters: %v", err)
	}

	fmt.Printf("ngramlm-train: wrote model to %s, metaparameters to %s\n", *outModel, *outMeta)
}
