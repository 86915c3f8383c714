package cache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"
)

// ErrStoreUnavailable 表示未注入缓存存储实例。
var ErrStoreUnavailable = errors.New("cache store unavailable")

// PolicyWriter 绑定某个 remap 的回退 TTL，提供缓存决策与写入封装。
type PolicyWriter struct {
	store       Store
	fallbackTTL time.Duration
	now         func() time.Time
}

// NewPolicyWriter 构造策略感知的写入器，默认使用 time.Now 作为时钟。
func NewPolicyWriter(store Store, fallbackTTL time.Duration) PolicyWriter {
	return PolicyWriter{
		store:       store,
		fallbackTTL: fallbackTTL,
		now:         time.Now,
	}
}

// Enabled 返回当前是否具备缓存写入能力。
func (w PolicyWriter) Enabled() bool {
	return w.store != nil
}

// Decide 计算源站响应的缓存策略。
func (w PolicyWriter) Decide(status int, header http.Header) Policy {
	if w.store == nil {
		return Policy{}
	}
	return ResponsePolicy(status, header, w.fallbackTTL, w.now())
}

// Put 写入缓存正文与 meta，lastValidated 记为当前时间。
func (w PolicyWriter) Put(ctx context.Context, locator Locator, body io.Reader, status int, header http.Header, policy Policy) (*Entry, error) {
	if w.store == nil {
		return nil, ErrStoreUnavailable
	}
	return w.store.Put(ctx, locator, body, PutOptions{
		Status:      status,
		Header:      header,
		MaxAge:      policy.MaxAge,
		ValidatedAt: w.now().UTC(),
	})
}

// Evict 删除已被源站新响应取代、但新响应又不可存储的条目。
func (w PolicyWriter) Evict(ctx context.Context, locator Locator) error {
	if w.store == nil {
		return ErrStoreUnavailable
	}
	return w.store.Remove(ctx, locator)
}

// Refresh 处理 304：推进 lastValidated；若 304 带有显式新鲜度则同时更新 maxAge。
func (w PolicyWriter) Refresh(ctx context.Context, locator Locator, status int, header http.Header) (*Entry, error) {
	if w.store == nil {
		return nil, ErrStoreUnavailable
	}
	maxAge := time.Duration(-1)
	if policy := ResponsePolicy(http.StatusOK, header, -1, w.now()); policy.Explicit {
		maxAge = policy.MaxAge
	}
	return w.store.MarkValidated(ctx, locator, ValidateOptions{
		ValidatedAt: w.now().UTC(),
		MaxAge:      maxAge,
		Header:      header,
	})
}
