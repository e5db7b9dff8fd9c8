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
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"ngramlm/pkg/lm"
)

// WriteNumNgrams writes the num_ngrams file of spec.md §6: one "order
// count" line per order, from 1 to N.
func WriteNumNgrams(w io.Writer, counts map[lm.Order]int) error {
	orders := make([]int, 0, len(counts))
	for o := range counts {
		orders = append(orders, int(o))
	}
	sort.Ints(orders)
	bw := bufio.NewWriter(w)
	for _, o := range orders {
		if _, err := fmt.Fprintf(bw, "%d %d\n", o, counts[lm.Order(o)]); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// ReadNumNgrams parses the format written by WriteNumNgrams.
func ReadNumNgrams(r io.Reader) (map[lm.Order]int, error) {
	scanner := bufio.NewScanner(r)
	out := map[lm.Order]int{}
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, fmt.Errorf("iosrc: malformed num_ngrams line %q", line)
		}
		o, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, fmt.Errorf("iosrc: malformed order in num_ngrams line %q: %w", line, err)
		}
		c, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, fmt.Errorf("iosrc: malformed count in num_ngrams line %q: %w", line, err)
		}
		out[lm.Order(o)] = c
	}
	return out, scanner.Err()
}

// TotalXgrams sums every order's count except the unigram order, matching
// spec.md §4.8's definition of X (xgrams).
func TotalXgrams(counts map[lm.Order]int) int {
	total := 0
	for o, c := range counts {
		if o == 1 {
			continue
		}
		total += c
	}
	return total
}
