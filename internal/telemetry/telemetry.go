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

// Package telemetry provides opt-in, low-overhead Prometheus metrics for
// the estimation pipeline: optimizer iterations, pruning passes, and
// BFGS memoization cache effectiveness. When disabled, every Observe*
// function is a no-op, so it is safe to call unconditionally from hot
// paths such as the objective function.
package telemetry

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var enabled atomic.Bool

var (
	objectiveEvalsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ngramlm_objective_evals_total",
		Help: "Total number of objective-function evaluations requested by the BFGS optimizer",
	})
	objectiveCacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ngramlm_objective_cache_hits_total",
		Help: "Total objective-function evaluations served from the BFGS memoization cache",
	})
	objectiveSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ngramlm_objective_seconds",
		Help:    "Wall-clock duration of a single forward+backward pipeline pass",
		Buckets: prometheus.DefBuckets,
	})
	optimizerRestartsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ngramlm_optimizer_restarts_total",
		Help: "Total unit-Hessian restarts taken by the BFGS line search",
	})
	optimizerIterations = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ngramlm_optimizer_iterations",
		Help: "Number of BFGS iterations completed in the current optimization run",
	})
	pruneStepsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ngramlm_prune_steps_total",
		Help: "Total prune steps executed across all schedules",
	})
	pruneEntriesRemovedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ngramlm_prune_entries_removed_total",
		Help: "Total explicit n-gram entries removed by the entropy pruner",
	})
	emStepsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ngramlm_em_steps_total",
		Help: "Total E-M reestimation steps executed between prune steps",
	})
	modelSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ngramlm_model_size_entries",
		Help: "Current number of explicit n-gram entries in the model under pruning",
	})
)

func init() {
	prometheus.MustRegister(
		objectiveEvalsTotal, objectiveCacheHitsTotal, objectiveSeconds,
		optimizerRestartsTotal, optimizerIterations,
		pruneStepsTotal, pruneEntriesRemovedTotal, emStepsTotal, modelSize,
	)
}

// Enable turns on metric emission. Disabled by default so unit tests and
// batch-driver one-shot runs don't need a Prometheus registry.
func Enable() { enabled.Store(true) }

// Enabled reports whether telemetry is active.
func Enabled() bool { return enabled.Load() }

// ServeMetrics starts a background HTTP server exposing /metrics on addr.
// Safe to call at most once per process; the ngramlm-train, ngramlm-prune
// and ngramlm-serve commands call it for their -metrics_addr flag.
func ServeMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		_ = server.ListenAndServe()
	}()
}

// ObserveObjectiveEval records one call into the BFGS objective function,
// distinguishing a memoization cache hit from a full pipeline pass.
func ObserveObjectiveEval(cacheHit bool, duration time.Duration) {
	if !enabled.Load() {
		return
	}
	objectiveEvalsTotal.Inc()
	if cacheHit {
		objectiveCacheHitsTotal.Inc()
		return
	}
	objectiveSeconds.Observe(duration.Seconds())
}

// ObserveOptimizerIteration records the number of completed BFGS
// iterations. The restarts argument is not recorded; restarts are counted
// by ObserveOptimizerRestart.
func ObserveOptimizerIteration(iteration, restarts int) {
	if !enabled.Load() {
		return
	}
	optimizerIterations.Set(float64(iteration))
	optimizerRestartsTotal.Add(0) // restarts are cumulative; see ObserveOptimizerRestart
	_ = restarts
}

// ObserveOptimizerRestart records a single unit-Hessian restart.
func ObserveOptimizerRestart() {
	if !enabled.Load() {
		return
	}
	optimizerRestartsTotal.Inc()
}

// ObservePruneStep records one prune step's effect on model size.
func ObservePruneStep(entriesRemoved, currentSize int) {
	if !enabled.Load() {
		return
	}
	pruneStepsTotal.Inc()
	pruneEntriesRemovedTotal.Add(float64(entriesRemoved))
	modelSize.Set(float64(currentSize))
}

// ObserveEMStep records one E-M reestimation step.
func ObserveEMStep() {
	if !enabled.Load() {
		return
	}
	emStepsTotal.Inc()
}
