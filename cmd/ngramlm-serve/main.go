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

// Package main provides the entry point for ngramlm-serve: a small HTTP
// query service over a trained (optionally pruned) float-count model,
// resolving P(w|h) through the same back-off chain internal/eval uses
// during dev-set evaluation.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"ngramlm/internal/eval"
	"ngramlm/internal/iosrc"
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

// server wraps the in-memory model for the /prob handler.
type server struct {
	model eval.Model
}

// parseWords parses a comma-separated list of word ids.
func parseWords(s string) ([]lm.WordID, error) {
	if s == "" {
		return nil, nil
	}
	fields := strings.Split(s, ",")
	out := make([]lm.WordID, len(fields))
	for i, f := range fields {
		v, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil {
			return nil, fmt.Errorf("bad word id %q: %w", f, err)
		}
		out[i] = lm.WordID(v)
	}
	return out, nil
}

// handleProb serves GET /prob?history=1,2,3&predicted=4, returning the
// resolved P(predicted|history) under the loaded model.
func (s *server) handleProb(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	history, err := parseWords(q.Get("history"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	predictedWords, err := parseWords(q.Get("predicted"))
	if err != nil || len(predictedWords) != 1 {
		http.Error(w, "predicted must name exactly one word id", http.StatusBadRequest)
		return
	}
	order := lm.Order(len(history) + 1)
	p, err := s.model.Prob(order, history, predictedWords[0])
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"history":   history,
		"predicted": predictedWords[0],
		"order":     order,
		"prob":      p,
	})
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintln(w, "ok")
}

func main() {
	modelPath := flag.String("model", "", "path to the float-count model to serve")
	maxOrder := flag.Int("max_order", 3, "maximum n-gram order")
	httpAddr := flag.String("http_addr", ":8081", "HTTP listen address")
	metricsAddr := flag.String("metrics_addr", "", "if non-empty, expose Prometheus /metrics on this address")
	flag.Parse()

	if *modelPath == "" {
		log.Fatalf("ngramlm-serve: -model is required")
	}
	if *metricsAddr != "" {
		telemetry.Enable()
		telemetry.ServeMetrics(*metricsAddr)
	}

	model, err := loadModel(*modelPath, lm.Order(*maxOrder))
	if err != nil {
		log.Fatalf("ngramlm-serve: %v", err)
	}
	log.Printf("ngramlm-serve: loaded model, %d words, max order %d", model.NumWords, model.MaxOrder)

	srv := &server{model: model}
	mux := http.NewServeMux()
	mux.HandleFunc("/prob", srv.handleProb)
	mux.HandleFunc("/healthz", srv.handleHealth)
	httpServer := &http.Server{Addr: *httpAddr, Handler: mux}

	go func() {
		fmt.Printf("ngramlm-serve: listening on %s\n", *httpAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("ngramlm-serve: could not listen on %s: %v", *httpAddr, err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	fmt.Println("\nngramlm-serve: shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Fatalf("ngramlm-serve: shutdown failed: %v", err)
	}
	fmt.Println("ngramlm-serve: stopped.")
}
