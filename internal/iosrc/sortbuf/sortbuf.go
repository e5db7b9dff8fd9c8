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

// Package sortbuf parses the sort buffer hint string of spec.md §6: a
// numeric prefix followed by one of the suffixes {B, K, M, G, %}, where %
// denotes a percentage of available RAM.
package sortbuf

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseHint validates and resolves a sort buffer hint string into a byte
// count. availableRAM is only consulted for the "%" suffix; callers pass
// the value returned by AvailableRAM.
func ParseHint(hint string, availableRAM uint64) (bytes uint64, err error) {
	hint = strings.TrimSpace(hint)
	if hint == "" {
		return 0, fmt.Errorf("sortbuf: empty hint")
	}
	suffix := hint[len(hint)-1]
	numPart := hint[:len(hint)-1]
	var multiplier float64
	switch suffix {
	case 'B', 'b':
		multiplier = 1
	case 'K', 'k':
		multiplier = 1 << 10
	case 'M', 'm':
		multiplier = 1 << 20
	case 'G', 'g':
		multiplier = 1 << 30
	case '%':
		num, perr := strconv.ParseFloat(numPart, 64)
		if perr != nil {
			return 0, fmt.Errorf("sortbuf: malformed percentage hint %q: %w", hint, perr)
		}
		if num <= 0 || num > 100 {
			return 0, fmt.Errorf("sortbuf: percentage hint %q out of (0,100]", hint)
		}
		return uint64(num / 100 * float64(availableRAM)), nil
	default:
		// No recognized suffix: treat the whole string as a raw byte count.
		num, perr := strconv.ParseUint(hint, 10, 64)
		if perr != nil {
			return 0, fmt.Errorf("sortbuf: malformed hint %q: must end in B, K, M, G or %%", hint)
		}
		return num, nil
	}
	num, perr := strconv.ParseFloat(numPart, 64)
	if perr != nil {
		return 0, fmt.Errorf("sortbuf: malformed numeric prefix in hint %q: %w", hint, perr)
	}
	if num <= 0 {
		return 0, fmt.Errorf("sortbuf: hint %q must be positive", hint)
	}
	return uint64(num * multiplier), nil
}
