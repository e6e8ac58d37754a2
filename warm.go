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

// Warm returns the live cached value for key if one exists, without
// invoking the loader. Otherwise it runs the loader, stores the result
// under the given severity and returns it.
//
// Concurrent Warm calls for the same key share a single loader invocation;
// every caller, including ones that join while the load is in flight,
// receives the same value or the same error. A loader failure is returned
// to all waiters as-is and is never cached, so a later Warm will try the
// loader again. Warm imposes no timeout of its own; the loader owns its
// deadline.
func (c *Cache) Warm(key string, loader func() (interface{}, error), severity Severity) (interface{}, error) {
	if value, ok := c.Get(key); ok {
		return value, nil
	}

	value, err, shared := c.flight.Do(key, func() (interface{}, error) {
		warmMetric.WithLabelValues("load").Add(1)
		value, err := loader()
		if err != nil {
			return nil, err
		}
		c.Set(key, value, severity)
		return value, nil
	})
	if shared {
		warmMetric.WithLabelValues("coalesced").Add(1)
	}
	return value, err
}
