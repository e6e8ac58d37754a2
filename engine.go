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
	"fmt"
	"regexp"
	"sync"

	"github.com/mailgun/holster/v4/setter"
	"github.com/mailgun/holster/v4/syncutil"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type TriggerType string

const (
	TriggerTransaction  TriggerType = "transaction"
	TriggerWalletSwitch TriggerType = "wallet_switch"
	TriggerPolicyChange TriggerType = "policy_change"
	TriggerManual       TriggerType = "manual"
)

// InvalidationTrigger is an immutable record of why an invalidation fired.
type InvalidationTrigger struct {
	Type          TriggerType
	UserID        string
	WalletAddress string
	Reason        string
	// Epoch milliseconds, assigned when the trigger is appended to
	// history, so history order and timestamp order agree.
	Timestamp int64
}

type InvalidationResult struct {
	Success         bool
	KeysInvalidated int
	Trigger         InvalidationTrigger
}

type InvalidationStats struct {
	TotalInvalidations int
	ByType             map[TriggerType]int
	// Up to the 10 newest triggers, oldest first.
	Recent []InvalidationTrigger
}

type EngineConfig struct {
	// (Required) The cache invalidations are applied to.
	Cache *Cache

	// (Optional) Max number of triggers retained in history. Older
	// triggers are dropped; stats counters keep counting. Default 1,000
	HistoryLimit int

	// (Optional) An interface through which logging will occur (Usually *logrus.Entry)
	Logger FieldLogger
}

// Engine translates domain events into pattern based cache invalidations
// and records every invalidation into an append-only, time ordered
// history. It holds a reference to exactly one Cache.
type Engine struct {
	mu      sync.Mutex
	history []InvalidationTrigger
	byType  map[TriggerType]int
	total   int

	refreshMu sync.Mutex
	refreshWg *syncutil.WaitGroup

	cache *Cache
	log   FieldLogger
	conf  EngineConfig
}

// Key prefixes derived from user policy. Anything cached under these is
// unsafe to reuse once policy changes.
var policyDerivedPrefixes = []string{
	"simulation_receipt",
	"intent_plan",
	"recommended_actions",
}

func NewEngine(conf EngineConfig) (*Engine, error) {
	if conf.Cache == nil {
		return nil, errors.New("Cache is required")
	}
	setter.SetDefault(&conf.HistoryLimit, 1_000)
	setter.SetDefault(&conf.Logger, logrus.WithField("category", "riskcache"))

	return &Engine{
		byType: make(map[TriggerType]int),
		cache:  conf.Cache,
		log:    conf.Logger,
		conf:   conf,
	}, nil
}

// OnTransaction clears every cached view scoped to both the given user and
// wallet. A new on-chain transaction can change balances, approvals and
// risk scores, so per wallet snapshots, risk scores and recommended
// actions must be recomputed. Keys for other wallets of the same user, or
// the same wallet under a different user, are left untouched.
func (e *Engine) OnTransaction(walletAddress, userID string) InvalidationResult {
	count := e.apply(bothSubstrings(userID, walletAddress))

	trigger := e.record(InvalidationTrigger{
		Type:          TriggerTransaction,
		UserID:        userID,
		WalletAddress: walletAddress,
		Reason:        fmt.Sprintf("new transaction observed on wallet %s", walletAddress),
	})
	e.log.Debugf("transaction on %s cleared %d keys for user %s", walletAddress, count, userID)

	return InvalidationResult{Success: true, KeysInvalidated: count, Trigger: trigger}
}

// OnWalletSwitch clears every cache computed for the user's previous
// wallet, so nothing computed for the old wallet leaks into views of the
// new one. The new wallet's own caches are deliberately left alone; they
// may be legitimately warm from a prior visit. When previousWallet is nil
// only the user's stale all_wallets aggregate is cleared.
func (e *Engine) OnWalletSwitch(userID string, previousWallet *string, newWallet string) InvalidationResult {
	patterns := []string{bothSubstrings(userID, "all_wallets")}
	reason := fmt.Sprintf("first wallet %s selected", newWallet)

	var prev string
	if previousWallet != nil {
		prev = *previousWallet
		patterns = append(patterns, bothSubstrings(userID, prev))
		reason = fmt.Sprintf("active wallet switched from %s to %s", prev, newWallet)
	}
	count := e.apply(patterns...)

	trigger := e.record(InvalidationTrigger{
		Type:          TriggerWalletSwitch,
		UserID:        userID,
		WalletAddress: prev,
		Reason:        reason,
	})
	e.log.Debugf("wallet switch cleared %d keys for user %s", count, userID)

	return InvalidationResult{Success: true, KeysInvalidated: count, Trigger: trigger}
}

// OnPolicyChange clears every cached simulation receipt, intent plan and
// recommended-action set for the user. All of those are derived from
// policy and are unsafe to reuse once policy changes. Raw portfolio
// snapshots are not policy derived and stay intact. The recorded reason
// names the first changed field.
func (e *Engine) OnPolicyChange(userID string, changedPolicyFields []string) InvalidationResult {
	quoted := regexp.QuoteMeta(userID)
	var patterns []string
	for _, prefix := range policyDerivedPrefixes {
		patterns = append(patterns, fmt.Sprintf("^%s.*%s", prefix, quoted))
	}
	count := e.apply(patterns...)

	reason := "policy changed"
	if len(changedPolicyFields) > 0 {
		reason = fmt.Sprintf("policy field '%s' changed", changedPolicyFields[0])
		if len(changedPolicyFields) > 1 {
			reason += fmt.Sprintf(" (+%d more)", len(changedPolicyFields)-1)
		}
	}

	trigger := e.record(InvalidationTrigger{
		Type:   TriggerPolicyChange,
		UserID: userID,
		Reason: reason,
	})
	e.log.Debugf("policy change cleared %d keys for user %s", count, userID)

	return InvalidationResult{Success: true, KeysInvalidated: count, Trigger: trigger}
}

// ForceInvalidate clears the critical entries for the user's active wallet
// on demand. A forced invalidation with no active wallet is a caller side
// precondition failure; it is reported as an unsuccessful result, leaves
// the cache untouched and is not recorded in history.
func (e *Engine) ForceInvalidate(userID string, walletAddress *string) InvalidationResult {
	if walletAddress == nil {
		e.log.Warnf("forced invalidation requested for user '%s' with no active wallet", userID)
		return InvalidationResult{
			Success: false,
			Trigger: InvalidationTrigger{
				Type:      TriggerManual,
				UserID:    userID,
				Reason:    "no active wallet",
				Timestamp: MillisecondNow(),
			},
		}
	}

	count := e.cache.InvalidateCritical(*walletAddress)
	trigger := e.record(InvalidationTrigger{
		Type:          TriggerManual,
		UserID:        userID,
		WalletAddress: *walletAddress,
		Reason:        fmt.Sprintf("manual refresh of wallet %s", *walletAddress),
	})

	return InvalidationResult{Success: true, KeysInvalidated: count, Trigger: trigger}
}

// History returns a copy of the retained invalidation history in arrival
// order. Timestamps are non-decreasing.
func (e *Engine) History() []InvalidationTrigger {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]InvalidationTrigger, len(e.history))
	copy(out, e.history)
	return out
}

// Stats returns aggregate invalidation counts. TotalInvalidations always
// equals the sum of the ByType values; both are derived from counters, so
// trimming history does not affect them.
func (e *Engine) Stats() InvalidationStats {
	e.mu.Lock()
	defer e.mu.Unlock()

	stats := InvalidationStats{
		TotalInvalidations: e.total,
		ByType:             make(map[TriggerType]int, len(e.byType)),
	}
	for t, count := range e.byType {
		stats.ByType[t] = count
	}

	n := len(e.history)
	if n > 10 {
		n = 10
	}
	stats.Recent = append(stats.Recent, e.history[len(e.history)-n:]...)
	return stats
}

// Close disarms the scheduled refresh, if one is armed.
func (e *Engine) Close() {
	e.StopScheduledRefresh()
}

// apply invalidates each pattern in turn and returns the number of keys
// removed across all of them. Engine built patterns only fail to compile
// if a quoting bug slips in; that is logged, not returned, since domain
// event handlers always succeed.
func (e *Engine) apply(patterns ...string) int {
	var total int
	for _, pattern := range patterns {
		count, err := e.cache.Invalidate(pattern)
		if err != nil {
			e.log.WithError(err).Errorf("while invalidating pattern '%s'", pattern)
			continue
		}
		total += count
	}
	return total
}

// record assigns the trigger's timestamp and appends it to history under
// the history lock, so arrival order and timestamp order cannot disagree.
func (e *Engine) record(trigger InvalidationTrigger) InvalidationTrigger {
	e.mu.Lock()
	defer e.mu.Unlock()

	trigger.Timestamp = MillisecondNow()
	e.total++
	e.byType[trigger.Type]++
	e.history = append(e.history, trigger)
	if len(e.history) > e.conf.HistoryLimit {
		e.history = e.history[len(e.history)-e.conf.HistoryLimit:]
	}
	invalidationMetric.WithLabelValues(string(trigger.Type)).Add(1)
	return trigger
}

// bothSubstrings returns a pattern matching any key that contains both
// given strings, in either order. The pieces are quoted, so wallet
// addresses and user ids are matched literally.
func bothSubstrings(a, b string) string {
	qa, qb := regexp.QuoteMeta(a), regexp.QuoteMeta(b)
	return fmt.Sprintf("(?:%s.*%s|%s.*%s)", qa, qb, qb, qa)
}
