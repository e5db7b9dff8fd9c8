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

package sizetarget

import (
	"math"
	"testing"
)

// powerLawModel simulates a pruner whose size shrinks as a power law in
// the threshold: size(tau) = 10000 * tau^-0.8, truncated to an int.
func powerLawModel(tau float64) (int, error) {
	size := 10000 * math.Pow(tau, -0.8)
	return int(size), nil
}

func TestControllerConvergesToTarget(t *testing.T) {
	ctrl := New(2000, Options{Tolerance: 0.05, MaxIters: 30})
	tau, size, err := ctrl.Run(1.0, powerLawModel)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if math.Abs(float64(size-2000)) > 0.05*2000 {
		t.Errorf("final size %d not within tolerance of target 2000 (threshold %v)", size, tau)
	}
	if len(ctrl.History()) == 0 {
		t.Errorf("expected a non-empty measurement history")
	}
}

func TestControllerReportsHardStop(t *testing.T) {
	// A flat model never reaches the target: every measurement returns the
	// same size, so the controller should exhaust MaxIters and report an
	// error rather than loop forever.
	flat := func(tau float64) (int, error) { return 999999, nil }
	ctrl := New(10, Options{MaxIters: 5})
	if _, _, err := ctrl.Run(1.0, flat); err == nil {
		t.Fatalf("expected a hard-stop error when the target is unreachable")
	}
}
