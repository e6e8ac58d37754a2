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

import "github.com/prometheus/client_golang/prometheus"

var sizeMetric = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "riskcache_cache_size",
	Help: "The number of entries held by the severity cache.",
})
var accessMetric = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "riskcache_cache_access_count",
	Help: "Cache access counts.  Label \"type\" = hit|miss.",
}, []string{"type"})
var warmMetric = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "riskcache_warm_count",
	Help: "Cache warming counts.  Label \"type\" = load|coalesced.",
}, []string{"type"})
var invalidationMetric = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "riskcache_invalidation_count",
	Help: "Invalidation counts by trigger type.",
}, []string{"type"})

// Prometheus metrics collector for Cache instances. The host registers one
// collector and adds each cache it constructs.
type CacheCollector struct {
	caches []*Cache
}

var _ prometheus.Collector = &CacheCollector{}

func NewCacheCollector() *CacheCollector {
	return &CacheCollector{
		caches: []*Cache{},
	}
}

// Add a Cache object to be tracked by the collector.
func (collector *CacheCollector) AddCache(cache *Cache) {
	collector.caches = append(collector.caches, cache)
}

// Describe fetches prometheus metrics to be registered
func (collector *CacheCollector) Describe(ch chan<- *prometheus.Desc) {
	sizeMetric.Describe(ch)
	accessMetric.Describe(ch)
	warmMetric.Describe(ch)
	invalidationMetric.Describe(ch)
}

// Collect fetches metric counts and gauges from the cache
func (collector *CacheCollector) Collect(ch chan<- prometheus.Metric) {
	sizeMetric.Set(collector.getSize())
	sizeMetric.Collect(ch)
	accessMetric.Collect(ch)
	warmMetric.Collect(ch)
	invalidationMetric.Collect(ch)
}

func (collector *CacheCollector) getSize() float64 {
	var size float64

	for _, cache := range collector.caches {
		size += float64(cache.Size())
	}

	return size
}
