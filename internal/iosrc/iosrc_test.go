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

package iosrc

import (
	"bytes"
	"io"
	"testing"

	"ngramlm/pkg/lm"
)

// memBuffer adapts a bytes.Buffer to io.ReadCloser/io.WriteCloser so tests
// can exercise the file-backed readers/writers without touching disk.
type memBuffer struct {
	bytes.Buffer
}

func (memBuffer) Close() error { return nil }

func TestIntegerCountWriteReadRoundTrips(t *testing.T) {
	var buf memBuffer
	w, err := NewIntegerCountWriter(&buf, 2, 1)
	if err != nil {
		t.Fatalf("NewIntegerCountWriter: %v", err)
	}
	recs := []lm.IntegerCount{
		{History: lm.History{1}, Predicted: 2, Count: 10},
		{History: lm.History{1}, Predicted: 3, Count: 4},
		{History: lm.History{2}, Predicted: 1, Count: 1},
	}
	for _, r := range recs {
		if err := w.Write(r); err != nil {
			t.Fatalf("Write(%+v): %v", r, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := NewIntegerCountReader("test", io.NopCloser(&buf.Buffer))
	if err != nil {
		t.Fatalf("NewIntegerCountReader: %v", err)
	}
	if r.Order() != 2 {
		t.Errorf("Order() = %v, want 2", r.Order())
	}
	if r.Source() != 1 {
		t.Errorf("Source() = %v, want 1", r.Source())
	}
	var got []lm.IntegerCount
	for {
		rec, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		got = append(got, rec)
	}
	if len(got) != len(recs) {
		t.Fatalf("got %d records, want %d", len(got), len(recs))
	}
	for i := range recs {
		if !got[i].History.Equal(recs[i].History) || got[i].Predicted != recs[i].Predicted || got[i].Count != recs[i].Count {
			t.Errorf("record %d = %+v, want %+v", i, got[i], recs[i])
		}
	}
}

func TestIntegerCountWriterRejectsOutOfOrderWrite(t *testing.T) {
	var buf memBuffer
	w, err := NewIntegerCountWriter(&buf, 2, 1)
	if err != nil {
		t.Fatalf("NewIntegerCountWriter: %v", err)
	}
	if err := w.Write(lm.IntegerCount{History: lm.History{2}, Predicted: 1, Count: 1}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	err = w.Write(lm.IntegerCount{History: lm.History{1}, Predicted: 1, Count: 1})
	if err == nil {
		t.Fatalf("expected a sort-order violation error")
	}
	if _, ok := err.(*SortOrderError); !ok {
		t.Errorf("expected a *SortOrderError, got %T", err)
	}
}

func TestFloatCountWriteReadRoundTrips(t *testing.T) {
	var buf memBuffer
	w := NewFloatCountWriter(&buf)
	states := []lm.HistoryState{
		{History: lm.History{}, Order: 1, Predicted: []lm.WordID{1, 2}, Counts: []float64{0.4, 0.6}, Total: 1.0, BackoffTo: nil, BackoffWeight: 0},
		{History: lm.History{1}, Order: 2, Predicted: []lm.WordID{2}, Counts: []float64{0.6}, Total: 0.6, BackoffTo: lm.History{}, BackoffWeight: 0.4},
	}
	for _, st := range states {
		if err := w.Write(st); err != nil {
			t.Fatalf("Write(%+v): %v", st, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r := NewFloatCountReader("test", io.NopCloser(&buf.Buffer))
	var got []lm.HistoryState
	for {
		hs, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		got = append(got, hs)
	}
	if len(got) != len(states) {
		t.Fatalf("got %d states, want %d", len(got), len(states))
	}
	if got[1].BackoffWeight != 0.4 {
		t.Errorf("BackoffWeight = %v, want 0.4", got[1].BackoffWeight)
	}
	if len(got[1].Predicted) != 1 || got[1].Predicted[0] != 2 || got[1].Counts[0] != 0.6 {
		t.Errorf("state 1 = %+v, want predicted=[2] counts=[0.6]", got[1])
	}
}

func TestFloatCountWriterRejectsOutOfOrderWrite(t *testing.T) {
	var buf memBuffer
	w := NewFloatCountWriter(&buf)
	if err := w.Write(lm.HistoryState{History: lm.History{2}, Order: 2, Predicted: []lm.WordID{1}, Counts: []float64{1}}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	err := w.Write(lm.HistoryState{History: lm.History{1}, Order: 2, Predicted: []lm.WordID{1}, Counts: []float64{1}})
	if err == nil {
		t.Fatalf("expected a canonical-order violation error")
	}
}
