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
	"regexp"
	"strings"
	"sync"

	"github.com/mailgun/holster/v4/clock"
	"github.com/mailgun/holster/v4/setter"
	"github.com/mailgun/holster/v4/syncutil"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

type FieldLogger = logrus.FieldLogger

// CacheItem is a single cached value and the metadata that decides when it
// stops being served.
type CacheItem struct {
	Key      string
	Value    interface{}
	Severity Severity

	// Timestamp when the item was written, in epoch milliseconds.
	WrittenAt int64
	// How long past WrittenAt the item remains live, in milliseconds.
	// Computed once at write time from the severity.
	TTLMs int64
}

// CacheStats is a point in time snapshot of cache contents.
type CacheStats struct {
	TotalEntries      int
	EntriesBySeverity map[Severity]int
	// Entries still stored that would read as a miss right now. Diagnostic
	// only; counting them does not remove them.
	ExpiredEntries int
	// Rough estimate of memory held by keys and payloads, in bytes.
	MemoryBytes int64
}

type CacheConfig struct {
	// (Optional) Interval between background sweeps of expired entries.
	// Expiry is enforced lazily on read, so the sweep exists only for
	// memory hygiene. Zero disables the sweep.
	SweepInterval clock.Duration

	// (Optional) An interface through which logging will occur (Usually *logrus.Entry)
	Logger FieldLogger
}

// Cache maps string keys to values whose lifetime is driven by the
// severity declared at write time. A read of an entry older than its TTL
// behaves exactly like a miss and removes the entry.
//
// All map operations share one mutex. Warm() holds no lock while the
// caller supplied loader runs; see warm.go.
type Cache struct {
	mu     sync.Mutex
	data   map[string]CacheItem
	flight singleflight.Group
	wg     syncutil.WaitGroup
	log    FieldLogger
	conf   CacheConfig
}

// Key prefixes that are treated as critical by InvalidateCritical()
// regardless of the severity they were written with. A few high value keys
// are tagged medium or low by legacy writers; the allowlist is a deliberate
// second condition, not a substitute for correct tagging.
var criticalKeyPrefixes = []string{
	"portfolio_snapshot",
	"approval_risks",
	"recommended_actions",
	"guardian_scan",
}

func NewCache(conf CacheConfig) *Cache {
	setter.SetDefault(&conf.Logger, logrus.WithField("category", "riskcache"))

	c := &Cache{
		data: make(map[string]CacheItem),
		log:  conf.Logger,
		conf: conf,
	}
	if conf.SweepInterval > 0 {
		c.runSweep(conf.SweepInterval)
	}
	return c
}

// Return unix epoch in milliseconds
func MillisecondNow() int64 {
	return clock.Now().UnixNano() / 1000000
}

// Set unconditionally creates or replaces the entry for key. The TTL is
// computed here, once, from the severity.
func (c *Cache) Set(key string, value interface{}, severity Severity) {
	if _, err := ParseSeverity(string(severity)); err != nil {
		c.log.Warnf("unknown severity '%s' for key '%s'; defaulting to medium", severity, key)
		severity = SeverityMedium
	}

	item := CacheItem{
		Key:       key,
		Value:     value,
		Severity:  severity,
		WrittenAt: MillisecondNow(),
		TTLMs:     CalculateTTL(severity),
	}

	c.mu.Lock()
	c.data[key] = item
	c.mu.Unlock()
}

// Get returns the stored value for key, or a miss if the key is absent or
// expired. Expired entries are removed on read.
func (c *Cache) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, ok := c.data[key]
	if !ok {
		accessMetric.WithLabelValues("miss").Add(1)
		return nil, false
	}

	// If the entry has outlived its TTL, it reads as a miss and is removed
	if MillisecondNow()-item.WrittenAt > item.TTLMs {
		delete(c.data, key)
		accessMetric.WithLabelValues("miss").Add(1)
		return nil, false
	}

	accessMetric.WithLabelValues("hit").Add(1)
	return item.Value, true
}

// Invalidate removes every stored key matching the given regex pattern,
// expired or not, and returns the number removed. The scan and delete
// happen under the map lock, so a concurrent Set is either fully included
// or fully excluded. A malformed pattern is an error and leaves the cache
// unchanged.
func (c *Cache) Invalidate(pattern string) (int, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return 0, errors.Wrapf(err, "while compiling invalidation pattern '%s'", pattern)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var removed int
	for key := range c.data {
		if re.MatchString(key) {
			delete(c.data, key)
			removed++
		}
	}
	return removed, nil
}

// InvalidateCritical removes every entry whose key contains the given
// wallet address and that is either tagged critical or named by one of the
// critical-by-name prefixes. The prefix condition fires even for entries
// tagged medium or low; see criticalKeyPrefixes.
func (c *Cache) InvalidateCritical(walletAddress string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var removed int
	for key, item := range c.data {
		if !strings.Contains(key, walletAddress) {
			continue
		}
		if item.Severity == SeverityCritical || hasCriticalPrefix(key) {
			delete(c.data, key)
			removed++
		}
	}
	return removed
}

func hasCriticalPrefix(key string) bool {
	for _, prefix := range criticalKeyPrefixes {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}

// Clear removes all entries unconditionally.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.data = make(map[string]CacheItem)
	c.mu.Unlock()
}

// Stats returns a snapshot of the current cache contents. The severity
// counts always sum to TotalEntries.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := CacheStats{
		EntriesBySeverity: make(map[Severity]int),
	}
	now := MillisecondNow()
	for key, item := range c.data {
		stats.TotalEntries++
		stats.EntriesBySeverity[item.Severity]++
		if now-item.WrittenAt > item.TTLMs {
			stats.ExpiredEntries++
		}
		stats.MemoryBytes += itemSizeEstimate(key, item.Value)
	}
	return stats
}

// Size returns the number of entries currently stored, live or expired.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}

// Close stops the background sweep, if one was started.
func (c *Cache) Close() {
	c.wg.Stop()
}

func (c *Cache) runSweep(interval clock.Duration) {
	c.wg.Until(func(done chan struct{}) bool {
		select {
		case <-clock.After(interval):
			if removed := c.removeExpired(); removed != 0 {
				c.log.Debugf("sweep removed %d expired entries", removed)
			}
			return true
		case <-done:
			return false
		}
	})
}

func (c *Cache) removeExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := MillisecondNow()
	var removed int
	for key, item := range c.data {
		if now-item.WrittenAt > item.TTLMs {
			delete(c.data, key)
			removed++
		}
	}
	return removed
}

// The fixed portion covers the CacheItem struct and map bookkeeping.
// Payload size is only knowable for byte-shaped values; everything else
// counts as the fixed portion alone.
const itemOverhead = 96

func itemSizeEstimate(key string, value interface{}) int64 {
	size := int64(itemOverhead + len(key))
	switch v := value.(type) {
	case string:
		size += int64(len(v))
	case []byte:
		size += int64(len(v))
	}
	return size
}
