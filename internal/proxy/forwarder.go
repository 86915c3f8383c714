package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/any-hub/any-edge/internal/cache"
	"github.com/any-hub/any-edge/internal/server"
	"github.com/any-hub/any-edge/internal/timeout"
	"github.com/any-hub/any-edge/internal/txn"
)

// forward 回源并把响应交给 relay；源站在响应头之前失败时合成 502/504。
func (h *Handler) forward(ex *exchange, extra http.Header) {
	resp, done, err := h.fetch(ex, extra)
	if err != nil {
		h.originFailed(ex, err)
		return
	}
	h.relay(ex, resp, done)
}

// fetch 构造并发送源站请求。成功时返回的 done 必须在响应正文处理完后调用；失败时
// fetch 自行结束 span 与计时器。
func (h *Handler) fetch(ex *exchange, extra http.Header) (*http.Response, func(error), error) {
	tx := ex.tx
	req := tx.Request
	target := ex.route.OriginFor(req.Path)

	ctx, cancel := context.WithCancelCause(ex.ctx)
	ctx, span := h.tracer.Start(ctx, "origin.fetch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", req.Method),
			attribute.String("url.full", target),
			attribute.String("any_edge.remap", ex.route.Config.Name),
			attribute.String("any_edge.txn_id", tx.ID),
		),
	)

	var idle *timeout.Timer
	done := func(err error) {
		idle.Stop()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		cancel(nil)
	}

	out, err := h.buildOriginRequest(ctx, ex, target, extra)
	if err != nil {
		done(err)
		return nil, nil, err
	}

	resp, err := h.client.Do(out)
	if err != nil {
		if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
			err = cause
		}
		done(err)
		return nil, nil, err
	}
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	if h.supervisor != nil {
		idle = h.supervisor.Arm(timeout.Inactivity, h.originNoActivity, func(tm *timeout.Timer) {
			cancel(&timeout.Error{Kind: timeout.Inactivity, Scope: "origin", After: tm.Interval()})
		})
		tx.AttachTimers(idle)
	}
	resp.Body = &activityReader{ReadCloser: resp.Body, ctx: ctx, timer: idle}
	return resp, done, nil
}

// buildOriginRequest 复制可透传的请求头并补充转发信息，请求正文直接读取事务的请求通道。
func (h *Handler) buildOriginRequest(ctx context.Context, ex *exchange, target string, extra http.Header) (*http.Request, error) {
	tx := ex.tx
	req := tx.Request

	var body io.Reader = http.NoBody
	if req.HasBody() {
		body = tx.ReqBody.Reader(ctx)
	}
	out, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, err
	}
	if req.HasBody() {
		out.ContentLength = req.ContentLength
	}

	server.CopyHeaders(out.Header, req.Header)
	// 缓存不区分编码，回源时不协商压缩。
	out.Header.Del("Accept-Encoding")
	out.Host = ex.route.OriginURL.Host

	if ip, _, err := net.SplitHostPort(req.RemoteAddr); err == nil {
		if prior := out.Header.Get("X-Forwarded-For"); prior != "" {
			ip = prior + ", " + ip
		}
		out.Header.Set("X-Forwarded-For", ip)
	}
	scheme := req.Scheme
	if scheme == "" {
		scheme = "http"
	}
	out.Header.Set("X-Forwarded-Proto", scheme)
	out.Header.Set("X-Forwarded-Host", req.Host)

	for key, values := range extra {
		out.Header[key] = values
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(out.Header))
	return out, nil
}

// relay 提交源站响应头并把正文写入响应通道，可缓存时同时写入 Store。
func (h *Handler) relay(ex *exchange, resp *http.Response, done func(error)) {
	tx := ex.tx
	defer resp.Body.Close()

	header := http.Header{}
	server.CopyHeaders(header, resp.Header)

	writer := h.writer(ex)
	var policy cache.Policy
	cacheable := writer.Enabled() && tx.Request.Method == http.MethodGet &&
		tx.Disposition() != string(cache.DispositionSkipped)
	if cacheable {
		policy = writer.Decide(resp.StatusCode, resp.Header)
		if !policy.Storable && supersedesStale(tx.Disposition(), resp.StatusCode) {
			h.evict(ex, writer)
		}
	}
	stored := header.Clone()
	h.applyHooks(ex, resp.StatusCode, header)

	if err := tx.Respond(&txn.Response{Status: resp.StatusCode, Header: header, ContentLength: resp.ContentLength}); err != nil {
		done(err)
		h.logResult(ex, resp.StatusCode, err)
		return
	}

	sink := tx.RespBody.Writer(ex.ctx)
	var err error
	if policy.Storable {
		// 事务结束会取消 ex.ctx，落盘的收尾不能受其影响；客户端中止时 sink 写失败即可终止写入。
		_, err = writer.Put(context.WithoutCancel(ex.ctx), ex.locator, io.TeeReader(resp.Body, sink), resp.StatusCode, stored, policy)
		if err != nil && !tx.State().Terminal() {
			h.logger.WithError(err).
				WithFields(h.fields(ex, "cache_store")).
				Warn("cache_write_failed")
		}
	} else {
		_, err = io.Copy(sink, resp.Body)
	}

	if err != nil {
		tx.Abort(txn.OriginError(err))
	} else {
		tx.RespBody.Finish()
	}
	done(err)
	h.logResult(ex, resp.StatusCode, err)
}

// supersedesStale 判断重新验证得到的响应是否取代了过期条目：完整响应会取代，
// 304 与 5xx 不会，后者仍允许回放过期副本。
func supersedesStale(disposition string, status int) bool {
	if disposition != string(cache.DispositionHitStale) {
		return false
	}
	return status != http.StatusNotModified && status < http.StatusInternalServerError
}

// evict 删除被不可缓存的新响应取代的旧条目，避免之后回放已过时的正文。
func (h *Handler) evict(ex *exchange, writer cache.PolicyWriter) {
	fields := h.fields(ex, "cache_evict")
	if err := writer.Evict(context.WithoutCancel(ex.ctx), ex.locator); err != nil {
		h.logger.WithError(err).WithFields(fields).Warn("cache_evict_failed")
		return
	}
	h.logger.WithFields(fields).Debug("cache_evicted")
}

// originFailed 处理响应头之前的源站失败，事务已终止（客户端离开或超时）时只记录日志。
func (h *Handler) originFailed(ex *exchange, err error) {
	tx := ex.tx
	if tx.State().Terminal() {
		h.logResult(ex, 0, err)
		return
	}
	status, code := http.StatusBadGateway, "origin_unavailable"
	if isTimeout(err) {
		status, code = http.StatusGatewayTimeout, "origin_timeout"
	}
	h.respondError(ex, status, code, txn.OriginError(err))
	h.logResult(ex, status, err)
}

func isTimeout(err error) bool {
	if errors.Is(err, timeout.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// activityReader 在每次读到源站字节时刷新 inactivity 计时器，并把取消原因还原为超时错误。
type activityReader struct {
	io.ReadCloser
	ctx   context.Context
	timer *timeout.Timer
}

func (r *activityReader) Read(p []byte) (int, error) {
	n, err := r.ReadCloser.Read(p)
	if n > 0 {
		r.timer.Touch()
	}
	if err != nil && err != io.EOF {
		if cause := context.Cause(r.ctx); cause != nil && !errors.Is(cause, context.Canceled) {
			err = cause
		}
	}
	return n, err
}
