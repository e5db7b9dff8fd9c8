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

//go:build !linux

package sortbuf

import "errors"

// AvailableRAM is not implemented on non-Linux platforms and always
// returns an error there; a caller resolving the "%" sort buffer hint
// suffix has to pass ParseHint a RAM figure of its own.
func AvailableRAM() (uint64, error) {
	return 0, errors.New("sortbuf: AvailableRAM is only implemented on linux")
}
