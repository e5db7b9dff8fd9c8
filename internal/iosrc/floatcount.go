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
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"ngramlm/pkg/lm"
)

// FloatCountReader streams lm.HistoryState records in the canonical order
// (history length ascending, then history lex ascending).
type FloatCountReader interface {
	Next() (lm.HistoryState, error)
	Close() error
}

// FloatCountWriter appends lm.HistoryState records, enforcing the same
// canonical ordering on write.
type FloatCountWriter interface {
	Write(lm.HistoryState) error
	Close() error
}

type floatCountFileReader struct {
	name   string
	r      *bufio.Reader
	closer io.Closer
	prev   *lm.HistoryState
}

func NewFloatCountReader(name string, rc io.ReadCloser) FloatCountReader {
	return &floatCountFileReader{name: name, r: bufio.NewReader(rc), closer: rc}
}

func (r *floatCountFileReader) Next() (lm.HistoryState, error) {
	histLen, err := binary.ReadUvarint(r.r)
	if err != nil {
		if err == io.EOF {
			return lm.HistoryState{}, io.EOF
		}
		return lm.HistoryState{}, fmt.Errorf("iosrc: reading history length in %s: %w", r.name, err)
	}
	hist := make(lm.History, histLen)
	for i := range hist {
		v, err := binary.ReadUvarint(r.r)
		if err != nil {
			return lm.HistoryState{}, fmt.Errorf("iosrc: reading history word %d in %s: %w", i, r.name, err)
		}
		hist[i] = lm.WordID(v)
	}
	numPred, err := binary.ReadUvarint(r.r)
	if err != nil {
		return lm.HistoryState{}, fmt.Errorf("iosrc: reading predicted count in %s: %w", r.name, err)
	}
	hs := lm.HistoryState{
		History:   hist,
		Order:     lm.Order(histLen + 1),
		Predicted: make([]lm.WordID, numPred),
		Counts:    make([]float64, numPred),
	}
	for i := uint64(0); i < numPred; i++ {
		w, err := binary.ReadUvarint(r.r)
		if err != nil {
			return lm.HistoryState{}, fmt.Errorf("iosrc: reading predicted word %d in %s: %w", i, r.name, err)
		}
		var bits [8]byte
		if _, err := io.ReadFull(r.r, bits[:]); err != nil {
			return lm.HistoryState{}, fmt.Errorf("iosrc: reading float count %d in %s: %w", i, r.name, err)
		}
		c := math.Float64frombits(binary.BigEndian.Uint64(bits[:]))
		hs.Predicted[i] = lm.WordID(w)
		hs.Counts[i] = c
		hs.Total += c
	}
	backoffLen, err := binary.ReadUvarint(r.r)
	if err != nil {
		return lm.HistoryState{}, fmt.Errorf("iosrc: reading back-off target length in %s: %w", r.name, err)
	}
	hs.BackoffTo = make(lm.History, backoffLen)
	for i := range hs.BackoffTo {
		v, err := binary.ReadUvarint(r.r)
		if err != nil {
			return lm.HistoryState{}, fmt.Errorf("iosrc: reading back-off target word %d in %s: %w", i, r.name, err)
		}
		hs.BackoffTo[i] = lm.WordID(v)
	}
	var bwBits [8]byte
	if _, err := io.ReadFull(r.r, bwBits[:]); err != nil {
		return lm.HistoryState{}, fmt.Errorf("iosrc: reading back-off weight in %s: %w", r.name, err)
	}
	hs.BackoffWeight = math.Float64frombits(binary.BigEndian.Uint64(bwBits[:]))

	if r.prev != nil && !lessHistoryStateKey(*r.prev, hs) {
		return lm.HistoryState{}, fmt.Errorf("iosrc: canonical order violation in %s: history %v (order %d) does not follow %v (order %d)",
			r.name, hs.History, hs.Order, r.prev.History, r.prev.Order)
	}
	prevCopy := hs
	prevCopy.History = append(lm.History(nil), hs.History...)
	r.prev = &prevCopy
	return hs, nil
}

func (r *floatCountFileReader) Close() error { return r.closer.Close() }

func lessHistoryStateKey(a, b lm.HistoryState) bool {
	if a.Order != b.Order {
		return a.Order < b.Order
	}
	return a.History.Less(b.History)
}

type floatCountFileWriter struct {
	w      *bufio.Writer
	closer io.Closer
	prev   *lm.HistoryState
}

func NewFloatCountWriter(wc io.WriteCloser) FloatCountWriter {
	return &floatCountFileWriter{w: bufio.NewWriter(wc), closer: wc}
}

func (w *floatCountFileWriter) Write(hs lm.HistoryState) error {
	if err := hs.Validate(); err != nil {
		return fmt.Errorf("iosrc: %w", err)
	}
	if w.prev != nil && !lessHistoryStateKey(*w.prev, hs) {
		return fmt.Errorf("iosrc: canonical order violation: history %v (order %d) does not follow %v (order %d)",
			hs.History, hs.Order, w.prev.History, w.prev.Order)
	}

	var buf [binary.MaxVarintLen64]byte
	putUvarint := func(v uint64) error {
		n := binary.PutUvarint(buf[:], v)
		_, err := w.w.Write(buf[:n])
		return err
	}
	putFloat := func(v float64) error {
		var bits [8]byte
		binary.BigEndian.PutUint64(bits[:], math.Float64bits(v))
		_, err := w.w.Write(bits[:])
		return err
	}

	if err := putUvarint(uint64(len(hs.History))); err != nil {
		return err
	}
	for _, hw := range hs.History {
		if err := putUvarint(uint64(hw)); err != nil {
			return err
		}
	}
	if err := putUvarint(uint64(len(hs.Predicted))); err != nil {
		return err
	}
	for i, p := range hs.Predicted {
		if err := putUvarint(uint64(p)); err != nil {
			return err
		}
		if err := putFloat(hs.Counts[i]); err != nil {
			return err
		}
	}
	if err := putUvarint(uint64(len(hs.BackoffTo))); err != nil {
		return err
	}
	for _, hw := range hs.BackoffTo {
		if err := putUvarint(uint64(hw)); err != nil {
			return err
		}
	}
	if err := putFloat(hs.BackoffWeight); err != nil {
		return err
	}

	prevCopy := hs
	prevCopy.History = append(lm.History(nil), hs.History...)
	w.prev = &prevCopy
	return nil
}

func (w *floatCountFileWriter) Close() error {
	if err := w.w.Flush(); err != nil {
		return err
	}
	return w.closer.Close()
}
