package hooks

import (
	"net/http"
	"strings"
)

// RequestContext exposes transaction details to response hooks without importing server internals.
type RequestContext struct {
	Remap       string
	Domain      string
	OriginHost  string
	Method      string
	Protocol    string
	Disposition string
	// RequestHeader 是客户端原始请求头，只读。
	RequestHeader http.Header
}

// Hooks describes customization points applied to every proxied response.
type Hooks struct {
	// RewriteHeader 在响应头提交给连接层之前调用，可直接修改 header。
	RewriteHeader func(ctx *RequestContext, status int, header http.Header)
}

// Chain 是按配置顺序启用的一组 hook。
type Chain []Hooks

// Apply 依次执行链上的 RewriteHeader。
func (c Chain) Apply(ctx *RequestContext, status int, header http.Header) {
	for _, h := range c {
		if h.RewriteHeader != nil {
			h.RewriteHeader(ctx, status, header)
		}
	}
}

// DebugRequested 判断客户端是否在 X-Debug 头中点名了 name（逗号分隔，忽略大小写）。
func DebugRequested(header http.Header, name string) bool {
	for _, value := range header.Values("X-Debug") {
		for _, part := range strings.Split(value, ",") {
			if strings.EqualFold(strings.TrimSpace(part), name) {
				return true
			}
		}
	}
	return false
}
