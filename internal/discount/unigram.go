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

package discount

import "fmt"

// DefaultUnigramSmoothing is the fraction of the order-1 discount mass
// redistributed uniformly over the closed vocabulary, rather than kept in
// place per-word. This is a fixed constant, not a metaparameter: spec.md's
// metaparameter list only covers per-source scales and per-order (o>=2)
// discounts, so the unigram discounter's closed-vocabulary floor is not
// subject to optimization.
const DefaultUnigramSmoothing = 0.01

// UnigramResult is the order-1 float-count vector (indexed by word id
// 1..NumWords) produced from the order-2 discount stream.
type UnigramResult struct {
	Counts []float64 // Counts[w-1] is the float count for word id w
	Total  float64
}

// Unigram runs the forward order-1 discounter: `stream[w-1]` is the
// discounted mass arriving from order 2 for word id w (0 if none arrived),
// `numWords` is the size of the closed vocabulary, and `smoothing` is the
// uniform-redistribution fraction (pass DefaultUnigramSmoothing absent a
// reason to override it).
func Unigram(stream []float64, numWords int, smoothing float64) (UnigramResult, error) {
	if len(stream) != numWords {
		return UnigramResult{}, fmt.Errorf("discount: unigram: stream has %d entries, want numWords=%d", len(stream), numWords)
	}
	if smoothing < 0 || smoothing >= 1 {
		return UnigramResult{}, fmt.Errorf("discount: unigram: smoothing %v out of [0,1)", smoothing)
	}
	var total float64
	for _, s := range stream {
		total += s
	}
	out := make([]float64, numWords)
	uniform := smoothing * total / float64(numWords)
	for w, s := range stream {
		out[w] = (1-smoothing)*s + uniform
	}
	return UnigramResult{Counts: out, Total: total}, nil
}

// UnigramBackward propagates upstream derivatives dU (one per word id,
// same indexing as UnigramResult.Counts) back to the order-2 discount
// stream that fed Unigram.
func UnigramBackward(dU []float64, numWords int, smoothing float64) ([]float64, error) {
	if len(dU) != numWords {
		return nil, fmt.Errorf("discount: unigram backward: dU has %d entries, want numWords=%d", len(dU), numWords)
	}
	var sumDU float64
	for _, d := range dU {
		sumDU += d
	}
	out := make([]float64, numWords)
	uniformTerm := smoothing / float64(numWords) * sumDU
	for w, d := range dU {
		out[w] = (1-smoothing)*d + uniformTerm
	}
	return out, nil
}
