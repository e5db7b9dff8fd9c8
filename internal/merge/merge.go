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

// Package merge implements the per-order count merger of spec.md §4.1: a
// streaming K-way merge of integer-count sources (each scaled by a
// per-source metaparameter) plus, when available, the discount stream fed
// back from the discounter one order up.
package merge

import (
	"container/heap"
	"fmt"
	"io"

	"ngramlm/pkg/lm"
)

// SourceInput is one scaled integer-count stream contributing to a single
// order's merge.
type SourceInput struct {
	Source lm.SourceID
	Scale  float64
	Counts IntegerCountIterator
}

// IntegerCountIterator yields lm.IntegerCount records in strictly sorted
// order, returning io.EOF when exhausted. It matches the shape of
// iosrc.IntegerCountReader without importing iosrc, so tests can supply an
// in-memory slice-backed iterator.
type IntegerCountIterator interface {
	Next() (lm.IntegerCount, error)
}

// DiscountIterator yields the higher-order discount stream's (history,
// predicted, value) triples in the same sorted order as the integer-count
// sources of order o, where o is one less than the discounter's order.
type DiscountIterator interface {
	Next() (history lm.History, predicted lm.WordID, value float64, err error)
}

// SourceContrib records which source contributed how much raw (unscaled)
// count to a merged record, so Backward can recover per-source and
// per-scale derivatives without re-reading the integer-count files.
type SourceContrib struct {
	Source lm.SourceID
	Count  uint64
}

// Record is one streaming output of the merger: the merged (scaled,
// summed) float value for (History, Predicted), plus enough provenance to
// run Backward.
type Record struct {
	History       lm.History
	Predicted     lm.WordID
	Value         float64
	Contribs      []SourceContrib
	HasDiscount   bool
	DiscountValue float64
}

type heapItem struct {
	rec      lm.IntegerCount
	srcIdx   int // index into sources, or -1 for the discount stream
	discHist lm.History
	discPred lm.WordID
	discVal  float64
}

type itemHeap []heapItem

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	hi, pi := keyOf(h[i])
	hj, pj := keyOf(h[j])
	if !hi.Equal(hj) {
		return hi.Less(hj)
	}
	return pi < pj
}
func (h itemHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x interface{}) { *h = append(*h, x.(heapItem)) }
func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

func keyOf(it heapItem) (lm.History, lm.WordID) {
	if it.srcIdx == -1 {
		return it.discHist, it.discPred
	}
	return it.rec.History, it.rec.Predicted
}

// Merge streams the K-way merge of sources plus an optional discount
// stream, calling emit for each merged record in sorted order. Merge is
// the forward direction of spec.md §4.1.
//
// Sort-order violations or negative effective counts in any input are
// fatal per spec.md §4.1 Errors and are returned as errors, never
// silently corrected.
func Merge(sources []SourceInput, discount DiscountIterator, emit func(Record) error) error {
	h := &itemHeap{}
	heap.Init(h)

	advance := func(srcIdx int) error {
		s := sources[srcIdx]
		rec, err := s.Counts.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("merge: reading source %d: %w", s.Source, err)
		}
		heap.Push(h, heapItem{rec: rec, srcIdx: srcIdx})
		return nil
	}
	advanceDiscount := func() error {
		if discount == nil {
			return nil
		}
		hist, pred, val, err := discount.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("merge: reading discount stream: %w", err)
		}
		heap.Push(h, heapItem{srcIdx: -1, discHist: hist, discPred: pred, discVal: val})
		return nil
	}

	for i := range sources {
		if err := advance(i); err != nil {
			return err
		}
	}
	if err := advanceDiscount(); err != nil {
		return err
	}

	var prevKeyHist lm.History
	var prevKeyPred lm.WordID
	havePrev := false

	for h.Len() > 0 {
		top := (*h)[0]
		curHist, curPred := keyOf(top)

		if havePrev {
			if prevKeyHist.Equal(curHist) && prevKeyPred == curPred {
				return fmt.Errorf("merge: internal error: duplicate key (%v,%v) reached output stage", curHist, curPred)
			}
			if curHist.Equal(prevKeyHist) && curPred < prevKeyPred || curHist.Less(prevKeyHist) {
				return fmt.Errorf("merge: sort order violation at key (%v,%v)", curHist, curPred)
			}
		}

		var value float64
		var contribs []SourceContrib
		hasDiscount := false
		var discountValue float64

		for h.Len() > 0 {
			top := (*h)[0]
			th, tp := keyOf(top)
			if !th.Equal(curHist) || tp != curPred {
				break
			}
			item := heap.Pop(h).(heapItem)
			if item.srcIdx == -1 {
				hasDiscount = true
				discountValue = item.discVal
				value += item.discVal
				if err := advanceDiscount(); err != nil {
					return err
				}
			} else {
				src := sources[item.srcIdx]
				contribution := src.Scale * float64(item.rec.Count)
				value += contribution
				contribs = append(contribs, SourceContrib{Source: src.Source, Count: item.rec.Count})
				if err := advance(item.srcIdx); err != nil {
					return err
				}
			}
		}

		if value < 0 {
			return fmt.Errorf("merge: negative effective count %v at key (%v,%v)", value, curHist, curPred)
		}

		if err := emit(Record{
			History:       curHist,
			Predicted:     curPred,
			Value:         value,
			Contribs:      contribs,
			HasDiscount:   hasDiscount,
			DiscountValue: discountValue,
		}); err != nil {
			return err
		}

		prevKeyHist, prevKeyPred, havePrev = curHist, curPred, true
	}
	return nil
}

// Deriv is the backward output for one merged record: the accumulated
// scale derivatives so far (callers accumulate into a single vector
// across the whole stream) and, when the record had a discount
// contribution, the derivative to feed back to the discounter one order
// up (unchanged from the upstream derivative, per spec.md §4.1 Backward).
type Deriv struct {
	DiscountDeriv float64 // valid only if HasDiscount
	HasDiscount   bool
}

// Backward distributes upstream derivatives (one float per merged record,
// in the same order Merge emitted them) to the per-source scale
// gradient accumulator scaleGrad (len == len(sources), indexed the same
// way) and returns, per record, the derivative to propagate to the
// higher-order discounter's backward pass.
func Backward(records []Record, upstream []float64, numSources int, scaleGrad []float64) ([]Deriv, error) {
	if len(records) != len(upstream) {
		return nil, fmt.Errorf("merge: backward: %d records but %d upstream derivatives", len(records), len(upstream))
	}
	if len(scaleGrad) != numSources {
		return nil, fmt.Errorf("merge: backward: scaleGrad has length %d, want %d", len(scaleGrad), numSources)
	}
	out := make([]Deriv, len(records))
	sourceIndex := make(map[lm.SourceID]int, numSources)
	// Sources are 1-based; scaleGrad is indexed 0-based by source-1.
	for i := 0; i < numSources; i++ {
		sourceIndex[lm.SourceID(i+1)] = i
	}
	for i, rec := range records {
		d := upstream[i]
		for _, c := range rec.Contribs {
			idx, ok := sourceIndex[c.Source]
			if !ok {
				return nil, fmt.Errorf("merge: backward: unknown source %d", c.Source)
			}
			scaleGrad[idx] += d * float64(c.Count)
		}
		if rec.HasDiscount {
			out[i] = Deriv{DiscountDeriv: d, HasDiscount: true}
		}
	}
	return out, nil
}
