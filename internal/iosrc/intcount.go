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

// Package iosrc implements the external record-file formats of spec.md §6:
// integer-count files, float-count files and the num_ngrams file (the
// metaparameter and inverse-Hessian files are in internal/metaparam).
// Readers stream records rather than materializing whole
// files, matching spec.md §5's memory discipline (streaming merge/discount,
// bounded per-shard working memory).
package iosrc

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"ngramlm/pkg/lm"
)

// IntegerCountReader streams strictly-sorted integer-count records from a
// single per-order, per-source file. Implementations must detect and
// reject sort-order violations (spec.md §4.1 Errors, property P3).
type IntegerCountReader interface {
	// Next returns the next record, or io.EOF when the stream is exhausted.
	Next() (lm.IntegerCount, error)
	Order() lm.Order
	Source() lm.SourceID
	Close() error
}

// IntegerCountWriter appends strictly-sorted integer-count records to a
// file, enforcing the same ordering invariant on write.
type IntegerCountWriter interface {
	Write(lm.IntegerCount) error
	Close() error
}

// SortOrderError is returned when a record stream violates the required
// strict lexicographic (history, predicted) ordering (spec.md I1).
// It implements the InputMalformed branch of the error taxonomy (§7).
type SortOrderError struct {
	File  string
	Prev  lm.IntegerCount
	Curr  lm.IntegerCount
}

func (e *SortOrderError) Error() string {
	return fmt.Sprintf("iosrc: sort order violation in %s: record %v does not follow %v", e.File, e.Curr, e.Prev)
}

// intCountFileReader decodes the variable-length-unsigned-integer wire
// format described in spec.md §6: a 1-byte order tag, a 4-byte source tag,
// then a strictly sorted sequence of (history[0..o-2], predicted, count)
// records, each field a varint.
type intCountFileReader struct {
	name   string
	r      *bufio.Reader
	closer io.Closer
	order  lm.Order
	source lm.SourceID
	prev   *lm.IntegerCount
	o      int // history length = order - 1
}

// NewIntegerCountReader opens r (named name, for error messages) and
// parses the file header, returning a reader positioned at the first
// record.
func NewIntegerCountReader(name string, rc io.ReadCloser) (IntegerCountReader, error) {
	br := bufio.NewReader(rc)
	orderByte, err := br.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("iosrc: reading order tag from %s: %w", name, err)
	}
	var sourceBuf [4]byte
	if _, err := io.ReadFull(br, sourceBuf[:]); err != nil {
		return nil, fmt.Errorf("iosrc: reading source tag from %s: %w", name, err)
	}
	source := lm.SourceID(binary.BigEndian.Uint32(sourceBuf[:]))
	order := lm.Order(orderByte)
	return &intCountFileReader{
		name:   name,
		r:      br,
		closer: rc,
		order:  order,
		source: source,
		o:      int(order) - 1,
	}, nil
}

func (r *intCountFileReader) Order() lm.Order     { return r.order }
func (r *intCountFileReader) Source() lm.SourceID { return r.source }

func (r *intCountFileReader) Next() (lm.IntegerCount, error) {
	hist := make(lm.History, r.o)
	for i := 0; i < r.o; i++ {
		v, err := binary.ReadUvarint(r.r)
		if err != nil {
			if err == io.EOF && i == 0 {
				return lm.IntegerCount{}, io.EOF
			}
			return lm.IntegerCount{}, fmt.Errorf("iosrc: reading history word %d in %s: %w", i, r.name, err)
		}
		hist[i] = lm.WordID(v)
	}
	predicted, err := binary.ReadUvarint(r.r)
	if err != nil {
		return lm.IntegerCount{}, fmt.Errorf("iosrc: reading predicted word in %s: %w", r.name, err)
	}
	count, err := binary.ReadUvarint(r.r)
	if err != nil {
		return lm.IntegerCount{}, fmt.Errorf("iosrc: reading count in %s: %w", r.name, err)
	}
	rec := lm.IntegerCount{History: hist, Predicted: lm.WordID(predicted), Count: count}

	if r.prev != nil {
		if !lessIntegerCountKey(*r.prev, rec) {
			return lm.IntegerCount{}, &SortOrderError{File: r.name, Prev: *r.prev, Curr: rec}
		}
	}
	prevCopy := rec
	prevCopy.History = append(lm.History(nil), rec.History...)
	r.prev = &prevCopy
	return rec, nil
}

func (r *intCountFileReader) Close() error { return r.closer.Close() }

func lessIntegerCountKey(a, b lm.IntegerCount) bool {
	if a.History.Equal(b.History) {
		return a.Predicted < b.Predicted
	}
	return a.History.Less(b.History)
}

// intCountFileWriter encodes records in the format read by
// intCountFileReader, rejecting out-of-order writes.
type intCountFileWriter struct {
	w      *bufio.Writer
	closer io.Closer
	order  lm.Order
	o      int
	prev   *lm.IntegerCount
}

// NewIntegerCountWriter opens a writer for the given order/source, writing
// the file header immediately.
func NewIntegerCountWriter(wc io.WriteCloser, order lm.Order, source lm.SourceID) (IntegerCountWriter, error) {
	bw := bufio.NewWriter(wc)
	if err := bw.WriteByte(byte(order)); err != nil {
		return nil, err
	}
	var sourceBuf [4]byte
	binary.BigEndian.PutUint32(sourceBuf[:], uint32(source))
	if _, err := bw.Write(sourceBuf[:]); err != nil {
		return nil, err
	}
	return &intCountFileWriter{w: bw, closer: wc, order: order, o: int(order) - 1}, nil
}

func (w *intCountFileWriter) Write(rec lm.IntegerCount) error {
	if len(rec.History) != w.o {
		return fmt.Errorf("iosrc: history length %d does not match order %d", len(rec.History), w.order)
	}
	if w.prev != nil && !lessIntegerCountKey(*w.prev, rec) {
		return &SortOrderError{Prev: *w.prev, Curr: rec}
	}
	var buf [binary.MaxVarintLen64]byte
	for _, hw := range rec.History {
		n := binary.PutUvarint(buf[:], uint64(hw))
		if _, err := w.w.Write(buf[:n]); err != nil {
			return err
		}
	}
	n := binary.PutUvarint(buf[:], uint64(rec.Predicted))
	if _, err := w.w.Write(buf[:n]); err != nil {
		return err
	}
	n = binary.PutUvarint(buf[:], rec.Count)
	if _, err := w.w.Write(buf[:n]); err != nil {
		return err
	}
	prevCopy := rec
	prevCopy.History = append(lm.History(nil), rec.History...)
	w.prev = &prevCopy
	return nil
}

func (w *intCountFileWriter) Close() error {
	if err := w.w.Flush(); err != nil {
		return err
	}
	return w.closer.Close()
}
