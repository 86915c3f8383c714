package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/any-hub/any-edge/internal/cache"
	"github.com/any-hub/any-edge/internal/logging"
	"github.com/any-hub/any-edge/internal/proxy/hooks"
	"github.com/any-hub/any-edge/internal/server"
	"github.com/any-hub/any-edge/internal/timeout"
	"github.com/any-hub/any-edge/internal/txn"
)

const tracerName = "github.com/any-hub/any-edge/internal/proxy"

// Options 汇集 Handler 的依赖。Store 为空时所有请求按 skipped 直接回源。
type Options struct {
	Logger     *logrus.Logger
	Registry   *server.RemapRegistry
	Client     *http.Client
	Store      cache.Store
	Rules      cache.RuleIndex
	Supervisor *timeout.Supervisor
	// OriginNoActivity 是源站响应正文的 inactivity 超时，0 表示禁用。
	OriginNoActivity time.Duration
	Hooks            hooks.Chain
}

// Handler 负责 orchestrate “缓存命中 → revalidate → 回源写缓存” 的全流程，
// 以 server.TransactionHandler 的形式挂到连接层，内部复用共享 http.Client 与磁盘缓存。
type Handler struct {
	logger           *logrus.Logger
	registry         *server.RemapRegistry
	client           *http.Client
	store            cache.Store
	evaluator        *cache.Evaluator
	supervisor       *timeout.Supervisor
	originNoActivity time.Duration
	hooks            hooks.Chain
	tracer           trace.Tracer
}

// NewHandler constructs a proxy handler with shared HTTP client/logger/store.
func NewHandler(opts Options) (*Handler, error) {
	if opts.Logger == nil {
		return nil, errors.New("proxy: logger is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("proxy: remap registry is required")
	}
	client := opts.Client
	if client == nil {
		client = server.NewOriginClient(nil)
	}
	h := &Handler{
		logger:           opts.Logger,
		registry:         opts.Registry,
		client:           client,
		store:            opts.Store,
		supervisor:       opts.Supervisor,
		originNoActivity: opts.OriginNoActivity,
		hooks:            opts.Hooks,
		tracer:           otel.Tracer(tracerName),
	}
	if opts.Store != nil {
		h.evaluator = cache.NewEvaluator(opts.Store, opts.Rules)
	}
	return h, nil
}

// exchange 是单个事务在代理层的上下文。
type exchange struct {
	tx      *txn.Transaction
	route   *server.RemapRoute
	locator cache.Locator
	started time.Time
	ctx     context.Context
}

// ServeTransaction 执行缓存查找、条件回源和最终 streaming 逻辑，任何阶段出错都会输出结构化日志。
func (h *Handler) ServeTransaction(tx *txn.Transaction) {
	ex := &exchange{tx: tx, started: time.Now(), ctx: tx.Context()}
	defer h.recoverPanic(ex)

	req := tx.Request
	route, ok := h.registry.Lookup(req.Host)
	if !ok {
		h.respondError(ex, http.StatusNotFound, "host_unmapped", nil)
		h.logUnmapped(ex)
		return
	}
	ex.route = route
	ex.locator = cache.Locator{
		Scheme: req.Scheme,
		Host:   strings.ToLower(req.Host),
		Path:   req.Path,
	}

	if h.evaluator == nil || !cache.RequestCacheable(req.Method, req.ContentLength, req.Header) {
		tx.SetDisposition(string(cache.DispositionSkipped))
		h.forward(ex, nil)
		return
	}

	lookup, err := h.evaluator.Evaluate(ex.ctx, ex.locator)
	if err != nil {
		h.logger.WithError(err).
			WithFields(h.fields(ex, "cache_lookup")).
			Warn("cache_get_failed")
	}
	tx.SetDisposition(string(lookup.Disposition))
	if lookup.Rule != nil {
		fields := h.fields(ex, "revalidate_rule")
		fields["pattern"] = lookup.Rule.Pattern
		h.logger.WithFields(fields).Debug("revalidate_rule_fired")
	}

	switch lookup.Disposition {
	case cache.DispositionHitFresh:
		h.serveCache(ex, lookup.Result, lookup.Result.Entry)
	case cache.DispositionHitStale:
		h.revalidate(ex, lookup.Result)
	default:
		h.forward(ex, nil)
	}
}

// serveCache 将缓存条目作为响应写入事务的响应通道。调用方转移 result 的所有权。
func (h *Handler) serveCache(ex *exchange, result *cache.ReadResult, entry cache.Entry) {
	defer result.Reader.Close()
	tx := ex.tx

	if _, err := result.Reader.Seek(0, io.SeekStart); err != nil {
		h.respondError(ex, http.StatusBadGateway, "cache_read_failed", err)
		h.logResult(ex, 0, err)
		return
	}

	status := entry.Status
	if status == 0 {
		status = http.StatusOK
	}
	header := entry.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set("Age", strconv.FormatInt(ageSeconds(entry, time.Now()), 10))
	h.applyHooks(ex, status, header)

	if err := tx.Respond(&txn.Response{Status: status, Header: header, ContentLength: entry.SizeBytes}); err != nil {
		h.logResult(ex, status, err)
		return
	}
	if tx.Request.Method == http.MethodHead {
		tx.RespBody.Finish()
		h.logResult(ex, status, nil)
		return
	}
	_, err := io.Copy(tx.RespBody.Writer(ex.ctx), result.Reader)
	if err != nil {
		tx.Abort(err)
	} else {
		tx.RespBody.Finish()
	}
	h.logResult(ex, status, err)
}

// revalidate 以条件请求确认过期条目：304 刷新 lastValidated 并回放缓存，源站失败时
// 回放过期副本，其余响应按回源结果处理并覆盖缓存。
func (h *Handler) revalidate(ex *exchange, result *cache.ReadResult) {
	entry := result.Entry
	conditional := http.Header{}
	if etag := entry.ETag(); etag != "" {
		conditional.Set("If-None-Match", etag)
	}
	if lastModified := entry.LastModified(); lastModified != "" {
		conditional.Set("If-Modified-Since", lastModified)
	}

	resp, done, err := h.fetch(ex, conditional)
	if err != nil {
		if ex.tx.State().Terminal() {
			result.Reader.Close()
			h.logResult(ex, 0, err)
			return
		}
		h.logger.WithError(err).
			WithFields(h.fields(ex, "revalidate")).
			Warn("cache_revalidate_failed")
		h.serveCache(ex, result, entry)
		return
	}

	if resp.StatusCode == http.StatusNotModified && entry.HasValidators() {
		resp.Body.Close()
		done(nil)
		refreshed, err := h.writer(ex).Refresh(ex.ctx, ex.locator, resp.StatusCode, resp.Header)
		if err != nil {
			h.logger.WithError(err).
				WithFields(h.fields(ex, "revalidate")).
				Warn("cache_refresh_failed")
		} else {
			entry = *refreshed
		}
		h.serveCache(ex, result, entry)
		return
	}

	result.Reader.Close()
	h.relay(ex, resp, done)
}

// writer 返回绑定 remap 回退 TTL 的策略写入器。
func (h *Handler) writer(ex *exchange) cache.PolicyWriter {
	ttl := time.Duration(0)
	if ex.route != nil {
		ttl = ex.route.CacheTTL
	}
	return cache.NewPolicyWriter(h.store, ttl)
}

// applyHooks 运行已启用的诊断 hook。
func (h *Handler) applyHooks(ex *exchange, status int, header http.Header) {
	if len(h.hooks) == 0 {
		return
	}
	ctx := &hooks.RequestContext{
		Method:        ex.tx.Request.Method,
		Protocol:      ex.tx.Protocol.String(),
		Disposition:   ex.tx.Disposition(),
		RequestHeader: ex.tx.Request.Header,
	}
	if ex.route != nil {
		ctx.Remap = ex.route.Config.Name
		ctx.Domain = ex.route.Config.Domain
		ctx.OriginHost = ex.route.OriginURL.Host
	}
	h.hooks.Apply(ctx, status, header)
}

// respondError 在响应头尚未提交时合成 JSON 错误响应；cause 非空时事务在写完后以
// Aborted 结束。已提交响应头时只能中止事务。
func (h *Handler) respondError(ex *exchange, status int, code string, cause error) {
	tx := ex.tx
	if tx.Responded() {
		tx.Abort(cause)
		return
	}
	if cause != nil {
		tx.SetFailure(cause)
	}
	body, _ := json.Marshal(map[string]string{"error": code})
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set("Cache-Control", "no-store")
	h.applyHooks(ex, status, header)
	if err := tx.Respond(&txn.Response{Status: status, Header: header, ContentLength: int64(len(body))}); err != nil {
		return
	}
	if tx.Request.Method != http.MethodHead {
		if _, err := tx.RespBody.Write(ex.ctx, body); err != nil {
			tx.Abort(err)
			return
		}
	}
	tx.RespBody.Finish()
}

// recoverPanic 兜底处理 panic：尚未提交响应时返回 500，否则中止事务。
func (h *Handler) recoverPanic(ex *exchange) {
	r := recover()
	if r == nil {
		return
	}
	fields := h.fields(ex, "proxy")
	fields["panic"] = r
	fields["stack"] = string(debug.Stack())
	h.logger.WithFields(fields).Error("proxy_handler_panic")
	h.respondError(ex, http.StatusInternalServerError, "proxy_handler_panic", errors.New("proxy handler panic"))
}

func (h *Handler) fields(ex *exchange, action string) logrus.Fields {
	var fields logrus.Fields
	if ex.route != nil {
		fields = logging.RequestFields(
			ex.route.Config.Name,
			ex.route.Config.Domain,
			ex.route.OriginURL.String(),
			ex.tx.Disposition(),
		)
	} else {
		fields = logrus.Fields{}
	}
	fields["action"] = action
	fields["txn_id"] = ex.tx.ID
	fields["method"] = ex.tx.Request.Method
	fields["path"] = ex.tx.Request.Path
	return fields
}

func (h *Handler) logResult(ex *exchange, status int, err error) {
	fields := h.fields(ex, "proxy")
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(ex.started).Milliseconds()
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

func (h *Handler) logUnmapped(ex *exchange) {
	fields := h.fields(ex, "proxy")
	fields["host"] = ex.tx.Request.Host
	h.logger.WithFields(fields).Warn("host_unmapped")
}

// ageSeconds 返回条目自上次验证以来的秒数，时钟回拨时为 0。
func ageSeconds(entry cache.Entry, now time.Time) int64 {
	age := now.Sub(entry.LastValidated)
	if age < 0 {
		return 0
	}
	return int64(age / time.Second)
}
