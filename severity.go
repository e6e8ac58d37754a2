/*
Copyright 2023 Mailgun Technologies Inc

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package riskcache

import (
	"math/rand"

	"github.com/pkg/errors"
)

// Severity classifies how quickly a cached value becomes unsafe to reuse.
// It is declared by the writer at Set() time and is never inferred from
// the key.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// TTL bounds in milliseconds for each severity. Each range is half-open
// [min, max) and the ranges never overlap, so sorting entries by severity
// always sorts them by permitted staleness.
const (
	TTLCriticalMin int64 = 3_000
	TTLCriticalMax int64 = 10_000
	TTLHighMin     int64 = 10_000
	TTLHighMax     int64 = 30_000
	TTLMediumMin   int64 = 30_000
	TTLMediumMax   int64 = 60_000
	TTLLowMin      int64 = 60_000
	TTLLowMax      int64 = 120_000
)

// ParseSeverity returns the Severity for the given string.
func ParseSeverity(s string) (Severity, error) {
	switch Severity(s) {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		return Severity(s), nil
	}
	return "", errors.Errorf("'%s' is not a valid severity", s)
}

// CalculateTTL returns a TTL in milliseconds drawn uniformly from the
// severity's range. The jitter spreads out expiry for entries written at
// the same instant so they don't all expire together.
func CalculateTTL(severity Severity) int64 {
	min, max := ttlRange(severity)
	return min + rand.Int63n(max-min)
}

func ttlRange(severity Severity) (int64, int64) {
	switch severity {
	case SeverityCritical:
		return TTLCriticalMin, TTLCriticalMax
	case SeverityHigh:
		return TTLHighMin, TTLHighMax
	case SeverityLow:
		return TTLLowMin, TTLLowMax
	default:
		return TTLMediumMin, TTLMediumMax
	}
}
