package cache

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// CacheControl 是解析后的 Cache-Control 指令，键统一为小写。
type CacheControl map[string]string

// ParseCacheControl 解析一个或多个 Cache-Control 头值。
func ParseCacheControl(values []string) CacheControl {
	cc := CacheControl{}
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			key, val, _ := strings.Cut(part, "=")
			key = strings.ToLower(strings.TrimSpace(key))
			val = strings.Trim(strings.TrimSpace(val), `"`)
			if _, exists := cc[key]; !exists {
				cc[key] = val
			}
		}
	}
	return cc
}

func (cc CacheControl) Has(directive string) bool {
	_, ok := cc[directive]
	return ok
}

// Seconds 返回数值型指令，缺失或非法时 ok 为 false。
func (cc CacheControl) Seconds(directive string) (time.Duration, bool) {
	raw, ok := cc[directive]
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return time.Duration(n) * time.Second, true
}

// Policy 描述一个源站响应能否写入缓存以及其 maxAge。
type Policy struct {
	Storable bool
	MaxAge   time.Duration
	// Explicit 表示 maxAge 来自响应头而非回退 TTL。
	Explicit bool
}

var storableStatus = map[int]bool{
	http.StatusOK:                   true,
	http.StatusNonAuthoritativeInfo: true,
	http.StatusMovedPermanently:     true,
	http.StatusGone:                 true,
}

// RequestCacheable 判断请求是否参与缓存：仅 GET/HEAD、无正文且未声明 no-store。
func RequestCacheable(method string, contentLength int64, header http.Header) bool {
	if method != http.MethodGet && method != http.MethodHead {
		return false
	}
	if contentLength != 0 {
		return false
	}
	cc := ParseCacheControl(header.Values("Cache-Control"))
	return !cc.Has("no-store")
}

// ResponsePolicy 根据状态码与 Cache-Control/Expires 计算缓存策略；没有显式新鲜度时
// 回退到 fallback。
func ResponsePolicy(status int, header http.Header, fallback time.Duration, now time.Time) Policy {
	if !storableStatus[status] {
		return Policy{}
	}
	cc := ParseCacheControl(header.Values("Cache-Control"))
	if cc.Has("no-store") || cc.Has("private") {
		return Policy{}
	}
	if header.Get("Vary") == "*" {
		return Policy{}
	}
	if cc.Has("no-cache") {
		return Policy{Storable: true, MaxAge: 0, Explicit: true}
	}
	if d, ok := cc.Seconds("s-maxage"); ok {
		return Policy{Storable: true, MaxAge: d, Explicit: true}
	}
	if d, ok := cc.Seconds("max-age"); ok {
		return Policy{Storable: true, MaxAge: d, Explicit: true}
	}
	if raw := header.Get("Expires"); raw != "" {
		expires, err := http.ParseTime(raw)
		if err != nil {
			return Policy{Storable: true, MaxAge: 0, Explicit: true}
		}
		base := now
		if date, err := http.ParseTime(header.Get("Date")); err == nil {
			base = date
		}
		d := expires.Sub(base)
		if d < 0 {
			d = 0
		}
		return Policy{Storable: true, MaxAge: d, Explicit: true}
	}
	if fallback < 0 {
		fallback = 0
	}
	return Policy{Storable: true, MaxAge: fallback}
}
