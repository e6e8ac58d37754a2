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
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mailgun/riskcache"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWarmReturnsLiveEntryWithoutLoading(t *testing.T) {
	cache := riskcache.NewCache(riskcache.CacheConfig{})
	cache.Set("portfolio_snapshot_u1_0xAAA", "warm already", riskcache.SeverityLow)

	value, err := cache.Warm("portfolio_snapshot_u1_0xAAA", func() (interface{}, error) {
		t.Fatal("loader must not be invoked for a live entry")
		return nil, nil
	}, riskcache.SeverityLow)

	require.NoError(t, err)
	assert.Equal(t, "warm already", value)
}

func TestWarmCoalescesConcurrentLoads(t *testing.T) {
	const concurrency = 10

	cache := riskcache.NewCache(riskcache.CacheConfig{})
	var loads int32
	loader := func() (interface{}, error) {
		atomic.AddInt32(&loads, 1)
		// Slow enough that every caller joins the same flight.
		time.Sleep(100 * time.Millisecond)
		return "loaded", nil
	}

	var launchWg, doneWg sync.WaitGroup
	launchWg.Add(1)
	results := make([]interface{}, concurrency)

	for thread := 0; thread < concurrency; thread++ {
		doneWg.Add(1)

		go func(thread int) {
			defer doneWg.Done()
			launchWg.Wait()

			value, err := cache.Warm("approval_risks_u1_0xAAA", loader, riskcache.SeverityCritical)
			assert.NoError(t, err)
			results[thread] = value
		}(thread)
	}

	launchWg.Done()
	doneWg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&loads))
	for _, value := range results {
		assert.Equal(t, "loaded", value)
	}

	// The shared result was stored under the requested severity.
	value, ok := cache.Get("approval_risks_u1_0xAAA")
	require.True(t, ok)
	assert.Equal(t, "loaded", value)
}

func TestWarmLoaderFailure(t *testing.T) {
	const concurrency = 10

	cache := riskcache.NewCache(riskcache.CacheConfig{})
	loadErr := errors.New("provider timeout")
	var loads int32
	loader := func() (interface{}, error) {
		atomic.AddInt32(&loads, 1)
		time.Sleep(100 * time.Millisecond)
		return nil, loadErr
	}

	var launchWg, doneWg sync.WaitGroup
	launchWg.Add(1)

	for thread := 0; thread < concurrency; thread++ {
		doneWg.Add(1)

		go func() {
			defer doneWg.Done()
			launchWg.Wait()

			// Every waiter sees the loader's error, unwrapped.
			_, err := cache.Warm("guardian_scan_u1_0xAAA", loader, riskcache.SeverityCritical)
			assert.ErrorIs(t, err, loadErr)
		}()
	}

	launchWg.Done()
	doneWg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&loads))

	// Failures are never cached; a later Warm tries the loader again.
	_, ok := cache.Get("guardian_scan_u1_0xAAA")
	require.False(t, ok)

	_, err := cache.Warm("guardian_scan_u1_0xAAA", loader, riskcache.SeverityCritical)
	assert.ErrorIs(t, err, loadErr)
	assert.Equal(t, int32(2), atomic.LoadInt32(&loads))
}
