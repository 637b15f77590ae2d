// Copyright 2026 Esteban Alvarez. All Rights Reserved.
//
// Created: August 2026
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

// Package interval parses the interval literals used by rule configuration.
//
// Accepted forms:
//   - Go duration strings: "10s", "1m", "1h30m", "500ms"
//   - day suffix: "1d", "7d" (days are always 24h)
//   - bare integers: "60" (seconds)
package interval

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Parse converts an interval literal into a positive duration.
func Parse(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("interval: empty literal")
	}

	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n <= 0 {
			return 0, fmt.Errorf("interval: %q is not positive", s)
		}
		return time.Duration(n) * time.Second, nil
	}

	// "Nd" day literals are common in quota configs but are not understood
	// by time.ParseDuration.
	if strings.HasSuffix(s, "d") {
		n, err := strconv.ParseInt(strings.TrimSuffix(s, "d"), 10, 64)
		if err == nil {
			if n <= 0 {
				return 0, fmt.Errorf("interval: %q is not positive", s)
			}
			return time.Duration(n) * 24 * time.Hour, nil
		}
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("interval: cannot parse %q: %w", s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval: %q is not positive", s)
	}
	return d, nil
}
