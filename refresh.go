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
	"github.com/mailgun/holster/v4/clock"
	"github.com/mailgun/holster/v4/syncutil"
)

// ScheduledRefreshConfig describes a recurring sweep that clears a fixed
// set of key patterns on an interval, independent of any domain event.
type ScheduledRefreshConfig struct {
	Enabled  bool
	Interval clock.Duration
	Patterns []string
}

// SetupScheduledRefresh arms a repeating sweep that invalidates every key
// matching any of conf.Patterns once per conf.Interval. Arming replaces
// any previously armed sweep; the two never run concurrently. A disabled
// or invalid config simply disarms.
func (e *Engine) SetupScheduledRefresh(conf ScheduledRefreshConfig) {
	e.refreshMu.Lock()
	defer e.refreshMu.Unlock()

	e.stopRefresh()

	if !conf.Enabled {
		return
	}
	if conf.Interval <= 0 {
		e.log.Errorf("scheduled refresh requires a positive interval, got %v", conf.Interval)
		return
	}

	patterns := make([]string, len(conf.Patterns))
	copy(patterns, conf.Patterns)

	wg := &syncutil.WaitGroup{}
	wg.Until(func(done chan struct{}) bool {
		select {
		case <-clock.After(conf.Interval):
			e.runRefresh(patterns)
			return true
		case <-done:
			return false
		}
	})
	e.refreshWg = wg
}

// StopScheduledRefresh disarms the scheduled sweep. It is idempotent and
// safe to call when nothing is armed. Once it returns, no further sweep
// will fire.
func (e *Engine) StopScheduledRefresh() {
	e.refreshMu.Lock()
	defer e.refreshMu.Unlock()
	e.stopRefresh()
}

func (e *Engine) stopRefresh() {
	if e.refreshWg != nil {
		e.refreshWg.Stop()
		e.refreshWg = nil
	}
}

func (e *Engine) runRefresh(patterns []string) {
	for _, pattern := range patterns {
		count, err := e.cache.Invalidate(pattern)
		if err != nil {
			e.log.WithError(err).Errorf("while refreshing pattern '%s'", pattern)
			continue
		}
		if count != 0 {
			e.log.Debugf("scheduled refresh cleared %d keys for pattern '%s'", count, pattern)
		}
	}
}
