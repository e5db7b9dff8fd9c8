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
	"testing"

	"ngramlm/pkg/lm"
)

func TestWriteReadNumNgramsRoundTrips(t *testing.T) {
	counts := map[lm.Order]int{1: 100, 2: 5000, 3: 12000}
	var buf bytes.Buffer
	if err := WriteNumNgrams(&buf, counts); err != nil {
		t.Fatalf("WriteNumNgrams: %v", err)
	}
	got, err := ReadNumNgrams(&buf)
	if err != nil {
		t.Fatalf("ReadNumNgrams: %v", err)
	}
	for o, c := range counts {
		if got[o] != c {
			t.Errorf("counts[%d] = %d, want %d", o, got[o], c)
		}
	}
}

func TestTotalXgramsExcludesUnigrams(t *testing.T) {
	counts := map[lm.Order]int{1: 100, 2: 5000, 3: 12000}
	if got, want := TotalXgrams(counts), 17000; got != want {
		t.Errorf("TotalXgrams = %d, want %d", got, want)
	}
}

func TestReadNumNgramsRejectsMalformedLine(t *testing.T) {
	buf := bytes.NewBufferString("2 5000 extra\n")
	if _, err := ReadNumNgrams(buf); err == nil {
		t.Fatalf("expected an error for a malformed line")
	}
}
