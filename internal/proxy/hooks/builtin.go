package hooks

import (
	"net/http"
	"strings"
)

// 内置诊断 hook 名称，与配置项 DiagnosticHooks 的取值一致。
const (
	XCache = "x-cache"
	Via    = "via"
)

// ViaPseudonym 是 Via 头中的接收方名称。
var ViaPseudonym = "any-edge"

func init() {
	MustRegister(XCache, Hooks{RewriteHeader: xCacheHeader})
	MustRegister(Via, Hooks{RewriteHeader: viaHeader})
}

// xCacheHeader 仅在客户端发送 X-Debug: x-cache 时输出本次缓存处置。
func xCacheHeader(ctx *RequestContext, _ int, header http.Header) {
	if ctx == nil || !DebugRequested(ctx.RequestHeader, XCache) {
		return
	}
	disposition := ctx.Disposition
	if disposition == "" {
		disposition = "none"
	}
	header.Set("X-Cache", disposition)
}

// viaHeader 追加一跳 Via，协议版本取客户端连接的协议。
func viaHeader(ctx *RequestContext, _ int, header http.Header) {
	version := "1.1"
	if ctx != nil && strings.EqualFold(ctx.Protocol, "h2") {
		version = "2"
	}
	header.Add("Via", version+" "+ViaPseudonym)
}
