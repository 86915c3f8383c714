package cache

import (
	"context"
	"errors"
	"time"

	"github.com/any-hub/any-edge/internal/revalidate"
)

// Disposition 是一次缓存查找的处置结果。
type Disposition string

const (
	DispositionMiss     Disposition = "miss"
	DispositionHitFresh Disposition = "hit-fresh"
	DispositionHitStale Disposition = "hit-stale"
	// DispositionSkipped 表示请求不参与缓存（方法、正文或 no-store）。
	DispositionSkipped Disposition = "skipped"
)

// RuleIndex 是 Evaluate 所需的规则查询能力，由 *revalidate.Index 实现。
type RuleIndex interface {
	Lookup(url string) (*revalidate.Rule, bool)
}

// Staleness 返回条目是否过期，以及是否由重新验证规则强制过期。
// now 早于 lastValidated（时钟回拨）时视为新鲜。
func Staleness(entry Entry, now time.Time, rule *revalidate.Rule) (stale bool, forced bool) {
	if now.Before(entry.LastValidated) {
		return false, false
	}
	if now.After(entry.LastValidated.Add(entry.MaxAge)) {
		return true, false
	}
	if rule != nil && rule.ForceStaleAsOf.After(entry.LastValidated) {
		return true, true
	}
	return false, false
}

// IsStale 按条目自身的 maxAge 与匹配规则判断是否需要重新验证。
func IsStale(entry Entry, now time.Time, rules RuleIndex) bool {
	var rule *revalidate.Rule
	if rules != nil {
		rule, _ = rules.Lookup(entry.Locator.URL())
	}
	stale, _ := Staleness(entry, now, rule)
	return stale
}

// Lookup 是 Evaluate 的结果。命中时 Result 非空，调用方负责关闭 Reader。
type Lookup struct {
	Disposition Disposition
	Result      *ReadResult
	// Rule 为强制本次过期的规则，其余情况为 nil。
	Rule *revalidate.Rule
}

// Evaluator 组合 Store 与规则索引给出缓存处置。
type Evaluator struct {
	store Store
	rules RuleIndex
	now   func() time.Time
}

func NewEvaluator(store Store, rules RuleIndex) *Evaluator {
	return &Evaluator{store: store, rules: rules, now: time.Now}
}

// Evaluate 读取条目并判定 miss / hit-fresh / hit-stale。规则强制过期时累加其触发计数。
func (e *Evaluator) Evaluate(ctx context.Context, locator Locator) (Lookup, error) {
	if e == nil || e.store == nil {
		return Lookup{Disposition: DispositionMiss}, nil
	}
	result, err := e.store.Get(ctx, locator)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Lookup{Disposition: DispositionMiss}, nil
		}
		return Lookup{Disposition: DispositionMiss}, err
	}

	var rule *revalidate.Rule
	if e.rules != nil {
		rule, _ = e.rules.Lookup(locator.URL())
	}
	stale, forced := Staleness(result.Entry, e.now(), rule)
	if !stale {
		return Lookup{Disposition: DispositionHitFresh, Result: result}, nil
	}
	lookup := Lookup{Disposition: DispositionHitStale, Result: result}
	if forced {
		rule.MarkFired()
		lookup.Rule = rule
	}
	return lookup, nil
}
