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

package optimize

import "testing"

func TestIdentityIsDiagonalOnes(t *testing.T) {
	m := identity(3)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			want := 0.0
			if i == j {
				want = 1.0
			}
			if m[i][j] != want {
				t.Errorf("identity(3)[%d][%d] = %v, want %v", i, j, m[i][j], want)
			}
		}
	}
}

func TestCloneMatrixDoesNotAlias(t *testing.T) {
	m := [][]float64{{1, 2}, {3, 4}}
	c := cloneMatrix(m)
	c[0][0] = 99
	if m[0][0] != 1 {
		t.Errorf("mutating the clone affected the original")
	}
}

func TestDotAndNorm(t *testing.T) {
	a := []float64{3, 4}
	if got := dot(a, a); got != 25 {
		t.Errorf("dot(a,a) = %v, want 25", got)
	}
	if got := norm(a); got != 5 {
		t.Errorf("norm(a) = %v, want 5", got)
	}
}

func TestMatVecAndNegMatVec(t *testing.T) {
	m := [][]float64{{1, 0}, {0, 2}}
	v := []float64{3, 4}
	got := matVec(m, v)
	if got[0] != 3 || got[1] != 8 {
		t.Errorf("matVec = %v, want [3 8]", got)
	}
	neg := negMatVec(m, v)
	if neg[0] != -3 || neg[1] != -8 {
		t.Errorf("negMatVec = %v, want [-3 -8]", neg)
	}
}

func TestScaleAddScaledSub(t *testing.T) {
	a := []float64{1, 2}
	b := []float64{3, 4}
	if got := scale(a, 2); got[0] != 2 || got[1] != 4 {
		t.Errorf("scale = %v, want [2 4]", got)
	}
	if got := addScaled(a, b, 2); got[0] != 7 || got[1] != 10 {
		t.Errorf("addScaled = %v, want [7 10]", got)
	}
	if got := sub(b, a); got[0] != 2 || got[1] != 2 {
		t.Errorf("sub = %v, want [2 2]", got)
	}
}

func TestVecEqual(t *testing.T) {
	if !vecEqual([]float64{1, 2}, []float64{1, 2}) {
		t.Errorf("expected equal vectors to compare equal")
	}
	if vecEqual([]float64{1, 2}, []float64{1, 3}) {
		t.Errorf("expected differing vectors to compare unequal")
	}
	if vecEqual([]float64{1}, []float64{1, 2}) {
		t.Errorf("expected differing-length vectors to compare unequal")
	}
}
