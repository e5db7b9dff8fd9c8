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

// Package pipeline wires the per-order count mergers and discounters of
// spec.md §4.1-§4.3 into the full forward/backward estimation pass of
// §4.5: for orders N down to 2, merge then discount, feeding each order's
// discounted push down into the next merge; then run the closed-vocabulary
// unigram discounter; then (separately, via the eval package) score a dev
// set and run the mirrored backward pass to recover metaparameter
// gradients.
//
// Backward simplification. The evaluator's back-off-weight gradient
// (dL/dBackoffWeight(h)) has two channels back into the discounter: one
// through the history's own retained mass (implemented below, via the
// dL/dC_h correction folded into each record's retained-count gradient)
// and one through the exact amount h itself discounts away. This package
// implements only the first channel; the second is a documented
// approximation (see DESIGN.md) rather than a missing invariant, since the
// dropped term is small whenever BackoffWeight is close to 1.
//
// Sharded execution. ShardedForward splits each order's merge+discount
// work across numShards partitions of spec.md §4.5's Parallelism note and
// §5's scheduling model: internal/shard hashes each history to a shard,
// every shard's merge+discount runs independently (in its own goroutine),
// and shard outputs are recombined into the same canonical (History,
// Predicted) order an unsharded pass produces before being handed to
// buildHistoryStates. Discounting one history never depends on any other
// history, so partitioning by history and recombining is exact, not an
// approximation: ShardedForward(..., 1) is bit-identical to Forward
// (spec.md property P4). Only the order-1 unigram step mixes every
// shard's pushed mass, matching spec.md §5's order-1 barrier.
package pipeline

import (
	"fmt"
	"io"
	"sort"
	"sync"

	"ngramlm/internal/discount"
	"ngramlm/internal/eval"
	"ngramlm/internal/merge"
	"ngramlm/internal/shard"
	"ngramlm/pkg/lm"
)

// sourcesByOrder groups the per-order scaled integer-count streams a full
// estimation pass merges.
type sourcesByOrder map[lm.Order][]merge.SourceInput

type sliceDiscountIter struct {
	pushed []discount.Pushed
	i      int
}

func (s *sliceDiscountIter) Next() (lm.History, lm.WordID, float64, error) {
	if s.i >= len(s.pushed) {
		return nil, 0, 0, io.EOF
	}
	p := s.pushed[s.i]
	s.i++
	return p.History, p.Predicted, p.Value, nil
}

// orderWork retains everything Backward needs to mirror one order's
// forward merge+discount call.
type orderWork struct {
	records  []merge.Record
	retained []discount.Retained
	// ranges maps a history key to its [start,end) span in retained,
	// which lines up 1:1 with the HistoryState built from it.
	ranges map[string][2]int
	total  map[string]float64 // sum(Counts) per history, i.e. HistoryState.Total
	bw     map[string]float64 // BackoffWeight per history
}

// Intermediate is the full record of one Forward call, opaque to callers
// beyond passing it to Backward.
type Intermediate struct {
	work     map[lm.Order]*orderWork
	numWords int
	maxOrder lm.Order
}

func groupKey(h lm.History) string { return eval.HistoryKey(h) }

// buildHistoryStates groups a discounter's retained output (already
// sorted by history then predicted, since it mirrors the merger's sorted
// input) into HistoryState records plus per-history bookkeeping for
// Backward.
func buildHistoryStates(order lm.Order, retained []discount.Retained) ([]lm.HistoryState, *orderWork) {
	w := &orderWork{
		retained: retained,
		ranges:   map[string][2]int{},
		total:    map[string]float64{},
		bw:       map[string]float64{},
	}
	var states []lm.HistoryState
	i := 0
	for i < len(retained) {
		j := i
		h := retained[i].History
		for j < len(retained) && retained[j].History.Equal(h) {
			j++
		}
		key := groupKey(h)
		w.ranges[key] = [2]int{i, j}

		var sumCounts, sumRaw float64
		st := lm.HistoryState{History: h, Order: order}
		for k := i; k < j; k++ {
			st.Predicted = append(st.Predicted, retained[k].Predicted)
			st.Counts = append(st.Counts, retained[k].Value)
			sumCounts += retained[k].Value
			sumRaw += retained[k].RawCount
		}
		backoffWeight := 0.0
		if sumRaw > 0 {
			backoffWeight = (sumRaw - sumCounts) / sumRaw
		}
		if backoffWeight < 0 {
			backoffWeight = 0
		}
		st.Total = sumCounts
		st.BackoffWeight = backoffWeight
		if len(h) > 0 {
			st.BackoffTo = h[1:]
		}
		w.total[key] = sumCounts
		w.bw[key] = backoffWeight

		states = append(states, st)
		i = j
	}
	return states, w
}

// unigramStreamFromPushed assembles the order-1 input stream from order
// 2's discount push (whose suffix history is always empty), one entry per
// word id 1..numWords.
func unigramStreamFromPushed(pushed []discount.Pushed, numWords int) []float64 {
	stream := make([]float64, numWords)
	for _, p := range pushed {
		if int(p.Predicted) >= 1 && int(p.Predicted) <= numWords {
			stream[p.Predicted-1] += p.Value
		}
	}
	return stream
}

// sliceIntegerCountIterator replays an in-memory bucket of integer counts,
// used to hand each shard's goroutine its own filtered sub-stream.
type sliceIntegerCountIterator struct {
	recs []lm.IntegerCount
	i    int
}

func (s *sliceIntegerCountIterator) Next() (lm.IntegerCount, error) {
	if s.i >= len(s.recs) {
		return lm.IntegerCount{}, io.EOF
	}
	r := s.recs[s.i]
	s.i++
	return r, nil
}

// bucketIntegerCounts drains it into numShards buckets keyed by
// assigner.ShardOf(rec.History); filtering a sorted stream can't reorder
// it, so each bucket stays sorted.
func bucketIntegerCounts(it merge.IntegerCountIterator, assigner *shard.Assigner, numShards int) ([][]lm.IntegerCount, error) {
	buckets := make([][]lm.IntegerCount, numShards)
	for {
		rec, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		idx := assigner.ShardOf(rec.History)
		buckets[idx] = append(buckets[idx], rec)
	}
	return buckets, nil
}

// bucketPushed partitions a discount.Pushed slice (emitted by order o+1)
// by the shard its History belongs to under order o's own assignment.
func bucketPushed(pushed []discount.Pushed, assigner *shard.Assigner, numShards int) [][]discount.Pushed {
	buckets := make([][]discount.Pushed, numShards)
	for _, p := range pushed {
		idx := assigner.ShardOf(p.History)
		buckets[idx] = append(buckets[idx], p)
	}
	return buckets
}

// mergedPair zips a merge.Record with the discount.Retained value Discount
// produced from it, so a shard's output can be resorted into canonical
// order without losing the 1:1 alignment Backward depends on.
type mergedPair struct {
	record   merge.Record
	retained discount.Retained
}

func byHistoryThenPredicted(aHist, bHist lm.History, aPred, bPred lm.WordID) bool {
	if !aHist.Equal(bHist) {
		return aHist.Less(bHist)
	}
	return aPred < bPred
}

// shardResult is one shard's forward output at a single order.
type shardResult struct {
	pairs  []mergedPair
	pushed []discount.Pushed
	err    error
}

// forwardShard runs one order's merge+discount for a single shard's
// filtered sources and pushed stream.
func forwardShard(sources []merge.SourceInput, pushed []discount.Pushed, havePushed bool, d lm.OrderDiscount) shardResult {
	var discIter merge.DiscountIterator
	if havePushed {
		discIter = &sliceDiscountIter{pushed: pushed}
	}
	var records []merge.Record
	if err := merge.Merge(sources, discIter, func(r merge.Record) error {
		records = append(records, r)
		return nil
	}); err != nil {
		return shardResult{err: err}
	}
	res, err := discount.Discount(records, d)
	if err != nil {
		return shardResult{err: err}
	}
	pairs := make([]mergedPair, len(records))
	for i := range records {
		pairs[i] = mergedPair{record: records[i], retained: res.Retained[i]}
	}
	return shardResult{pairs: pairs, pushed: res.Pushed}
}

// ShardedForward runs the full merge/discount cascade for orders maxOrder
// down to 2, partitioned across numShards shards (see the package doc
// comment), then the single-barrier order-1 discounter, returning a
// queryable eval.Model and the Intermediate state Backward needs.
// ShardedForward(sources, meta, numWords, 1) is bit-identical to Forward.
func ShardedForward(sources sourcesByOrder, meta lm.Metaparameters, numWords int, numShards int) (eval.Model, *Intermediate, error) {
	if err := meta.Validate(); err != nil {
		return eval.Model{}, nil, fmt.Errorf("pipeline: forward: %w", err)
	}
	if numShards <= 0 {
		numShards = 1
	}
	maxOrder := meta.MaxOrder
	inter := &Intermediate{work: map[lm.Order]*orderWork{}, numWords: numWords, maxOrder: maxOrder}
	assigner := shard.New(numShards)

	var allStates []lm.HistoryState
	var pushedFromAbove []discount.Pushed
	havePushed := false

	for o := maxOrder; o >= 2; o-- {
		srcs := sources[o]
		perSourceBuckets := make([][][]lm.IntegerCount, len(srcs))
		for i, s := range srcs {
			buckets, err := bucketIntegerCounts(s.Counts, assigner, numShards)
			if err != nil {
				return eval.Model{}, nil, fmt.Errorf("pipeline: forward: sharding order %d source %d: %w", o, s.Source, err)
			}
			perSourceBuckets[i] = buckets
		}
		pushedBuckets := bucketPushed(pushedFromAbove, assigner, numShards)

		results := make([]shardResult, numShards)
		var wg sync.WaitGroup
		for si := 0; si < numShards; si++ {
			si := si
			var shardSources []merge.SourceInput
			for i, s := range srcs {
				shardSources = append(shardSources, merge.SourceInput{
					Source: s.Source,
					Scale:  s.Scale,
					Counts: &sliceIntegerCountIterator{recs: perSourceBuckets[i][si]},
				})
			}
			d := meta.Discount[o-2]
			wg.Add(1)
			go func() {
				defer wg.Done()
				results[si] = forwardShard(shardSources, pushedBuckets[si], havePushed, d)
			}()
		}
		wg.Wait()

		var allPairs []mergedPair
		var allPushedOut []discount.Pushed
		for si, r := range results {
			if r.err != nil {
				return eval.Model{}, nil, fmt.Errorf("pipeline: forward: order %d shard %d: %w", o, si, r.err)
			}
			allPairs = append(allPairs, r.pairs...)
			allPushedOut = append(allPushedOut, r.pushed...)
		}

		sort.Slice(allPairs, func(i, j int) bool {
			a, b := allPairs[i].retained, allPairs[j].retained
			return byHistoryThenPredicted(a.History, b.History, a.Predicted, b.Predicted)
		})
		sort.Slice(allPushedOut, func(i, j int) bool {
			a, b := allPushedOut[i], allPushedOut[j]
			return byHistoryThenPredicted(a.History, b.History, a.Predicted, b.Predicted)
		})

		records := make([]merge.Record, len(allPairs))
		retained := make([]discount.Retained, len(allPairs))
		for i, p := range allPairs {
			records[i] = p.record
			retained[i] = p.retained
		}

		states, w := buildHistoryStates(o, retained)
		w.records = records
		inter.work[o] = w
		allStates = append(allStates, states...)

		pushedFromAbove = allPushedOut
		havePushed = true
	}

	stream := unigramStreamFromPushed(pushedFromAbove, numWords)
	uni, err := discount.Unigram(stream, numWords, discount.DefaultUnigramSmoothing)
	if err != nil {
		return eval.Model{}, nil, fmt.Errorf("pipeline: forward: unigram: %w", err)
	}

	model := eval.NewModel(allStates, uni.Counts, maxOrder)
	return model, inter, nil
}

// Forward runs the full merge/discount cascade for orders maxOrder down to
// 2, then the order-1 discounter, returning a queryable eval.Model and the
// Intermediate state Backward needs. It is ShardedForward with a single
// shard.
func Forward(sources sourcesByOrder, meta lm.Metaparameters, numWords int) (eval.Model, *Intermediate, error) {
	return ShardedForward(sources, meta, numWords, 1)
}

// DiscountGradients maps order -> accumulated discount-constant gradient.
type DiscountGradients map[lm.Order]lm.OrderDiscount

// Backward mirrors Forward: it starts from the evaluator's derivatives,
// runs the order-1 unigram discounter backward, then for o = 2..maxOrder
// runs the order-o discounter backward followed by the order-o merger
// backward, accumulating per-source scale gradients and per-order
// discount-constant gradients.
func Backward(inter *Intermediate, meta lm.Metaparameters, derivs eval.Derivs) ([]float64, DiscountGradients, error) {
	scaleGrad := make([]float64, meta.NumSources)
	discGrad := DiscountGradients{}

	unigramPushedDeriv, err := discount.UnigramBackward(derivs.UnigramDeriv, inter.numWords, discount.DefaultUnigramSmoothing)
	if err != nil {
		return nil, nil, fmt.Errorf("pipeline: backward: unigram: %w", err)
	}
	pending := discount.DerivIn{}
	for wID := 1; wID <= inter.numWords; wID++ {
		pending.PutPushedDeriv(lm.History{}, lm.WordID(wID), unigramPushedDeriv[wID-1])
	}

	for o := lm.Order(2); o <= inter.maxOrder; o++ {
		w := inter.work[o]
		if w == nil {
			return nil, nil, fmt.Errorf("pipeline: backward: missing forward state for order %d", o)
		}

		retainedDeriv := make([]float64, len(w.retained))
		keys := make([]string, 0, len(w.ranges))
		for k := range w.ranges {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, key := range keys {
			rg := w.ranges[key]
			cd := derivs.CountsDeriv[o][key]
			bwd := derivs.BackoffWeightDeriv[o][key]
			total := w.total[key]
			bw := w.bw[key]
			var dCh float64
			if total > 0 {
				dCh = bwd * (-bw / total)
			}
			for k := rg[0]; k < rg[1]; k++ {
				j := k - rg[0]
				var direct float64
				if cd != nil {
					direct = cd[j]
				}
				retainedDeriv[k] = direct + dCh
			}
		}

		bOut, err := discount.Backward(w.records, w.retained, discount.DerivIn{
			RetainedDeriv: retainedDeriv,
			PushedDeriv:   pending.PushedDeriv,
		}, meta.Discount[o-2])
		if err != nil {
			return nil, nil, fmt.Errorf("pipeline: backward: discount order %d: %w", o, err)
		}
		discGrad[o] = bOut.DDiscount

		mDerivs, err := merge.Backward(w.records, bOut.MergedDeriv, int(meta.NumSources), scaleGrad)
		if err != nil {
			return nil, nil, fmt.Errorf("pipeline: backward: merge order %d: %w", o, err)
		}

		next := discount.DerivIn{}
		for i, rec := range w.records {
			if mDerivs[i].HasDiscount {
				next.PutPushedDeriv(rec.History, rec.Predicted, mDerivs[i].DiscountDeriv)
			}
		}
		pending = next
	}

	return scaleGrad, discGrad, nil
}
