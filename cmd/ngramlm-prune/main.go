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

// Package main provides the entry point for ngramlm-prune: it loads a
// trained float-count model, runs the entropy-pruning schedule of
// spec.md §4.7 (optionally driven to a target size by internal/sizetarget,
// spec.md §4.8), and writes the pruned model back out.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"sort"

	"ngramlm/internal/eval"
	"ngramlm/internal/iosrc"
	"ngramlm/internal/prune"
	"ngramlm/internal/sizetarget"
	"ngramlm/internal/telemetry"
	"ngramlm/pkg/lm"
)

func loadModel(path string, maxOrder lm.Order) (eval.Model, error) {
	f, err := os.Open(path)
	if err != nil {
		return eval.Model{}, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	r := iosrc.NewFloatCountReader(path, f)
	var states []lm.HistoryState
	var unigram []float64
	for {
		hs, err := r.Next()
		if err != nil {
			break
		}
		if hs.Order == 1 {
			unigram = hs.Counts
			continue
		}
		states = append(states, hs)
	}
	r.Close()
	return eval.NewModel(states, unigram, maxOrder), nil
}

func writeModel(path string, model eval.Model) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	var allStates []lm.HistoryState
	var total float64
	predicted := make([]lm.WordID, len(model.Unigram))
	for i, c := range model.Unigram {
		predicted[i] = lm.WordID(i + 1)
		total += c
	}
	allStates = append(allStates, lm.HistoryState{Order: 1, Predicted: predicted, Counts: append([]float64(nil), model.Unigram...), Total: total})
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
	w := iosrc.NewFloatCountWriter(f)
	for _, st := range allStates {
		if err := w.Write(st); err != nil {
			return err
		}
	}
	return w.Close()
}

// numNgramCounts tallies surviving entries per order, plus a synthetic
// order-1 count for the closed-vocabulary unigram, matching the num_ngrams
// file format of spec.md §6.
func numNgramCounts(model eval.Model) map[lm.Order]int {
	counts := map[lm.Order]int{1: len(model.Unigram)}
	for order, byHist := range model.States {
		for _, st := range byHist {
			counts[order] += len(st.Predicted)
		}
	}
	return counts
}

func modelSize(model eval.Model) int {
	n := 0
	for _, byHist := range model.States {
		for _, st := range byHist {
			n += len(st.Predicted)
		}
	}
	return n
}

// cloneModel deep-copies a model so the size-targeting controller's measure
// closure can try each candidate threshold against the original, unpruned
// topology rather than compounding pruning decisions from a previous,
// rejected threshold onto the next attempt.
func cloneModel(model eval.Model) eval.Model {
	var states []lm.HistoryState
	for _, byHist := range model.States {
		for _, st := range byHist {
			clone := *st
			clone.Predicted = append([]lm.WordID(nil), st.Predicted...)
			clone.Counts = append([]float64(nil), st.Counts...)
			clone.History = append(lm.History(nil), st.History...)
			clone.BackoffTo = append(lm.History(nil), st.BackoffTo...)
			states = append(states, clone)
		}
	}
	unigram := append([]float64(nil), model.Unigram...)
	return eval.NewModel(states, unigram, model.MaxOrder)
}

func main() {
	inModel := flag.String("in_model", "", "path to the trained float-count model")
	outModel := flag.String("out_model", "", "path to write the pruned model")
	outNumNgrams := flag.String("out_num_ngrams", "", "if non-empty, write the per-order n-gram counts of the pruned model here")
	maxOrder := flag.Int("max_order", 3, "maximum n-gram order")
	schedule := flag.String("schedule", "prune*0.25 EM EM EM prune*0.5 EM EM EM prune*1.0 EM EM EM prune*1.0 EM EM EM", "pruning step-language schedule")
	threshold := flag.Float64("threshold", 0, "final pruning threshold; ignored if -target_size > 0")
	targetSize := flag.Int("target_size", 0, "if > 0, drive the threshold via the size-targeting controller to land near this many entries")
	zeroRemoval := flag.Bool("zero_removal", true, "delete history states with no remaining explicit entries (unless protected)")
	metricsAddr := flag.String("metrics_addr", "", "if non-empty, expose Prometheus /metrics on this address")
	flag.Parse()

	if *inModel == "" || *outModel == "" {
		log.Fatalf("ngramlm-prune: -in_model and -out_model are required")
	}
	if *metricsAddr != "" {
		telemetry.Enable()
		telemetry.ServeMetrics(*metricsAddr)
	}

	steps, err := prune.ParseSchedule(*schedule)
	if err != nil {
		log.Fatalf("ngramlm-prune: %v", err)
	}

	model, err := loadModel(*inModel, lm.Order(*maxOrder))
	if err != nil {
		log.Fatalf("ngramlm-prune: %v", err)
	}
	log.Printf("ngramlm-prune: loaded model with %d entries", modelSize(model))

	finalThreshold := *threshold
	if *targetSize > 0 {
		ctrl := sizetarget.New(*targetSize, sizetarget.Options{})
		tauInitial := *threshold
		if tauInitial <= 0 {
			tauInitial = 1.0
		}
		tau, size, err := ctrl.Run(tauInitial, func(tau float64) (int, error) {
			trial := cloneModel(model)
			results, err := prune.RunSchedule(trial, steps, tau, *zeroRemoval)
			if err != nil {
				return 0, err
			}
			for _, r := range results {
				telemetry.ObservePruneStep(r.EntriesRemoved, modelSize(trial))
			}
			return modelSize(trial), nil
		})
		if err != nil {
			log.Fatalf("ngramlm-prune: size targeting failed: %v", err)
		}
		log.Printf("ngramlm-prune: reached size %d at threshold %v", size, tau)
		finalThreshold = tau

		// Apply the winning threshold once more to the real model: every
		// earlier measurement ran against a throwaway clone.
		if _, err := prune.RunSchedule(model, steps, finalThreshold, *zeroRemoval); err != nil {
			log.Fatalf("ngramlm-prune: applying chosen threshold %v: %v", finalThreshold, err)
		}
	} else {
		if finalThreshold <= 0 {
			log.Fatalf("ngramlm-prune: -threshold or -target_size is required")
		}
		results, err := prune.RunSchedule(model, steps, finalThreshold, *zeroRemoval)
		if err != nil {
			log.Fatalf("ngramlm-prune: %v", err)
		}
		for _, r := range results {
			telemetry.ObservePruneStep(r.EntriesRemoved, modelSize(model))
		}
	}

	if err := writeModel(*outModel, model); err != nil {
		log.Fatalf("ngramlm-prune: writing %s: %v", *outModel, err)
	}

	counts := numNgramCounts(model)
	if *outNumNgrams != "" {
		f, err := os.Create(*outNumNgrams)
		if err != nil {
			log.Fatalf("ngramlm-prune: creating %s: %v", *outNumNgrams, err)
		}
		if err := iosrc.WriteNumNgrams(f, counts); err != nil {
			log.Fatalf("ngramlm-prune: writing %s: %v", *outNumNgrams, err)
		}
		f.Close()
	}
	fmt.Printf("ngramlm-prune: wrote %d entries (%d xgrams) to %s (threshold %v)\n", modelSize(model), iosrc.TotalXgrams(counts), *outModel, finalThreshold)
}
