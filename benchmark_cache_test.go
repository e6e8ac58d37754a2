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

package riskcache_test

import (
	"strconv"
	"testing"

	"github.com/mailgun/riskcache"
)

func BenchmarkCache(b *testing.B) {
	b.Run("Sequential writes", func(b *testing.B) {
		cache := riskcache.NewCache(riskcache.CacheConfig{})

		b.ReportAllocs()
		b.ResetTimer()

		for i := 0; i < b.N; i++ {
			cache.Set("risk_score_u1_"+strconv.Itoa(i), i, riskcache.SeverityMedium)
		}
	})

	b.Run("Sequential reads", func(b *testing.B) {
		cache := riskcache.NewCache(riskcache.CacheConfig{})
		for i := 0; i < b.N; i++ {
			cache.Set("risk_score_u1_"+strconv.Itoa(i), i, riskcache.SeverityLow)
		}

		b.ReportAllocs()
		b.ResetTimer()

		for i := 0; i < b.N; i++ {
			cache.Get("risk_score_u1_" + strconv.Itoa(i))
		}
	})

	b.Run("Invalidate by pattern", func(b *testing.B) {
		cache := riskcache.NewCache(riskcache.CacheConfig{})
		for i := 0; i < 1000; i++ {
			cache.Set("risk_score_u1_"+strconv.Itoa(i), i, riskcache.SeverityLow)
		}

		b.ReportAllocs()
		b.ResetTimer()

		for i := 0; i < b.N; i++ {
			_, _ = cache.Invalidate("^no_such_prefix_")
		}
	})
}
