package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/any-hub/any-edge/internal/pump"
	"github.com/any-hub/any-edge/internal/timeout"
	"github.com/any-hub/any-edge/internal/txn"
)

const (
	defaultWindowSize   = 65535
	defaultMaxFrameSize = 16384
	maxHeaderListSize   = 1 << 20
	maxWindow           = 1<<31 - 1
)

var (
	errStreamReset  = errors.New("stream reset by peer")
	errSessionEnded = errors.New("http/2 session ended")
)

// connectionSpecific 列出 HTTP/2 禁止出现的连接级头部（小写）。
var connectionSpecific = map[string]bool{
	"connection":        true,
	"keep-alive":        true,
	"proxy-connection":  true,
	"transfer-encoding": true,
	"upgrade":           true,
}

// h2conn 是一条 HTTP/2 会话：读循环独占 Framer 的读方向，写方向由 wmu 串行化。
type h2conn struct {
	c  *conn
	fr *http2.Framer

	wmu  sync.Mutex
	hbuf bytes.Buffer
	henc *hpack.Encoder

	mu           sync.Mutex
	cond         *sync.Cond
	streams      map[uint32]*h2stream
	connSend     int64
	peerWindow   int64
	lastStreamID uint32
	goingAway    bool
	sentGoAway   bool
	closed       bool

	peerMaxFrame atomic.Uint32

	idle   *timeout.Timer
	active *timeout.Timer
	wg     sync.WaitGroup
}

// h2stream 将一个流绑定到一个事务。
type h2stream struct {
	id         uint32
	tx         *txn.Transaction
	clientIdle *timeout.Timer
	sendWindow int64 // 由 h2conn.mu 保护
	bodyOpen   atomic.Bool
	reset      atomic.Bool
}

func (c *conn) serveHTTP2() {
	h := &h2conn{
		c:          c,
		fr:         http2.NewFramer(c.nc, c.br),
		streams:    make(map[uint32]*h2stream),
		connSend:   defaultWindowSize,
		peerWindow: defaultWindowSize,
	}
	h.cond = sync.NewCond(&h.mu)
	h.henc = hpack.NewEncoder(&h.hbuf)
	h.peerMaxFrame.Store(defaultMaxFrameSize)
	h.fr.ReadMetaHeaders = hpack.NewDecoder(4096, nil)
	h.fr.MaxHeaderListSize = maxHeaderListSize
	h.fr.SetMaxReadFrameSize(defaultMaxFrameSize)

	// 会话计时器接管连接空闲监控。
	c.keepAlive.Stop()
	c.idle.Store(false)

	h.serve()
}

func (h *h2conn) serve() {
	defer h.teardown()

	opts := h.c.srv.opts
	h.wmu.Lock()
	err := h.fr.WriteSettings(
		http2.Setting{ID: http2.SettingMaxConcurrentStreams, Val: opts.MaxConcurrentStreams},
		http2.Setting{ID: http2.SettingInitialWindowSize, Val: opts.InitialWindowSize},
		http2.Setting{ID: http2.SettingMaxFrameSize, Val: defaultMaxFrameSize},
	)
	if err == nil && opts.InitialWindowSize > defaultWindowSize {
		err = h.fr.WriteWindowUpdate(0, opts.InitialWindowSize-defaultWindowSize)
	}
	h.wmu.Unlock()
	if err != nil {
		return
	}
	h.c.mu.Lock()
	h.c.h2 = h
	h.c.mu.Unlock()

	h.idle = opts.Supervisor.Arm(timeout.Inactivity, opts.Timeouts.HTTP2NoActivityIn, func(tm *timeout.Timer) {
		h.expire(&timeout.Error{Kind: timeout.Inactivity, Scope: "session", After: tm.Interval()})
	})
	h.active = opts.Supervisor.Arm(timeout.Active, opts.Timeouts.HTTP2ActiveIn, func(tm *timeout.Timer) {
		h.expire(&timeout.Error{Kind: timeout.Active, Scope: "session", After: tm.Interval()})
	})
	if h.c.shuttingDown.Load() {
		h.goAway()
	}

	for {
		f, err := h.fr.ReadFrame()
		if err != nil {
			var se http2.StreamError
			if errors.As(err, &se) {
				h.onStreamError(se)
				continue
			}
			var ce http2.ConnectionError
			if errors.As(err, &ce) {
				h.connectionError(http2.ErrCode(ce), err)
			}
			return
		}
		h.idle.Touch()
		if err := h.handleFrame(f); err != nil {
			var ce http2.ConnectionError
			if errors.As(err, &ce) {
				h.connectionError(http2.ErrCode(ce), err)
			}
			return
		}
	}
}

func (h *h2conn) handleFrame(f http2.Frame) error {
	switch f := f.(type) {
	case *http2.SettingsFrame:
		return h.onSettings(f)
	case *http2.MetaHeadersFrame:
		return h.onHeaders(f)
	case *http2.DataFrame:
		return h.onData(f)
	case *http2.WindowUpdateFrame:
		return h.onWindowUpdate(f)
	case *http2.RSTStreamFrame:
		h.onReset(f)
	case *http2.PingFrame:
		if !f.IsAck() {
			h.wmu.Lock()
			err := h.fr.WritePing(true, f.Data)
			h.wmu.Unlock()
			return err
		}
	case *http2.GoAwayFrame:
		h.mu.Lock()
		h.goingAway = true
		n := len(h.streams)
		h.mu.Unlock()
		if n == 0 {
			return errSessionEnded
		}
	case *http2.PushPromiseFrame:
		return http2.ConnectionError(http2.ErrCodeProtocol)
	}
	return nil
}

func (h *h2conn) onSettings(f *http2.SettingsFrame) error {
	if f.IsAck() {
		return nil
	}
	err := f.ForeachSetting(func(s http2.Setting) error {
		if err := s.Valid(); err != nil {
			return err
		}
		switch s.ID {
		case http2.SettingInitialWindowSize:
			h.mu.Lock()
			delta := int64(s.Val) - h.peerWindow
			h.peerWindow = int64(s.Val)
			for _, st := range h.streams {
				st.sendWindow += delta
			}
			h.cond.Broadcast()
			h.mu.Unlock()
		case http2.SettingMaxFrameSize:
			h.peerMaxFrame.Store(s.Val)
		case http2.SettingHeaderTableSize:
			h.wmu.Lock()
			h.henc.SetMaxDynamicTableSize(s.Val)
			h.wmu.Unlock()
		}
		return nil
	})
	if err != nil {
		return err
	}
	h.wmu.Lock()
	defer h.wmu.Unlock()
	return h.fr.WriteSettingsAck()
}

// onHeaders 为新流创建事务；已存在的流上的 HEADERS 视为 trailers。
func (h *h2conn) onHeaders(f *http2.MetaHeadersFrame) error {
	id := f.StreamID
	h.mu.Lock()
	if st := h.streams[id]; st != nil {
		h.mu.Unlock()
		if !f.StreamEnded() {
			h.resetStream(st, http2.ErrCodeProtocol, &txn.ProtocolError{Reason: "trailers without end of stream"})
			return nil
		}
		h.endRequestBody(st)
		return nil
	}
	if id%2 == 0 || id <= h.lastStreamID {
		h.mu.Unlock()
		return http2.ConnectionError(http2.ErrCodeProtocol)
	}
	h.lastStreamID = id
	refuse := h.goingAway || uint32(len(h.streams)) >= h.c.srv.opts.MaxConcurrentStreams
	h.mu.Unlock()

	if refuse {
		h.writeRST(id, http2.ErrCodeRefusedStream)
		return nil
	}

	req, perr := h.requestFromHeaders(f)
	if perr != nil {
		h.rejectStream(id, perr)
		return nil
	}

	st := &h2stream{id: id}
	tx, clientIdle := h.c.newTransaction(req, id, pump.Options{
		BufferSize: int(h.c.srv.opts.InitialWindowSize),
		OnConsume:  func(n int) { h.creditStream(st, n) },
	})
	st.tx = tx
	st.clientIdle = clientIdle
	st.bodyOpen.Store(!f.StreamEnded())

	h.mu.Lock()
	st.sendWindow = h.peerWindow
	h.streams[id] = st
	h.idle.Pause()
	h.mu.Unlock()

	if err := tx.Start(); err != nil {
		tx.Abort(err)
	}
	if !st.bodyOpen.Load() {
		clientIdle.Pause()
	}

	h.wg.Add(1)
	go h.writeStream(st)
	h.c.dispatch(tx)
	return nil
}

// requestFromHeaders 校验伪头部并构造事务请求头。
func (h *h2conn) requestFromHeaders(f *http2.MetaHeadersFrame) (*txn.Request, error) {
	method := f.PseudoValue("method")
	path := f.PseudoValue("path")
	scheme := f.PseudoValue("scheme")
	authority := f.PseudoValue("authority")

	switch {
	case method == "":
		return nil, &txn.ProtocolError{Reason: "missing :method"}
	case method == http.MethodConnect:
		return nil, &txn.ProtocolError{Reason: "CONNECT is not supported"}
	case path == "" || scheme == "":
		return nil, &txn.ProtocolError{Reason: "missing :path or :scheme"}
	}

	header := make(http.Header)
	for _, hf := range f.RegularFields() {
		name := strings.ToLower(hf.Name)
		if connectionSpecific[name] {
			return nil, &txn.ProtocolError{Reason: "connection-specific header " + name}
		}
		if name == "te" && hf.Value != "trailers" {
			return nil, &txn.ProtocolError{Reason: "invalid te header"}
		}
		header.Add(http.CanonicalHeaderKey(name), hf.Value)
	}
	if cookies := header.Values("Cookie"); len(cookies) > 1 {
		header.Set("Cookie", strings.Join(cookies, "; "))
	}
	host := authority
	if host == "" {
		host = header.Get("Host")
	}
	header.Del("Host")

	length := pump.UnknownLength
	if f.StreamEnded() {
		length = 0
	} else if v := header.Get("Content-Length"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return nil, &txn.ProtocolError{Reason: "invalid content-length", Err: err}
		}
		length = n
	}

	return &txn.Request{
		Method:        method,
		Scheme:        scheme,
		Host:          host,
		Path:          path,
		Proto:         "HTTP/2.0",
		Header:        header,
		ContentLength: length,
		RemoteAddr:    h.c.nc.RemoteAddr().String(),
	}, nil
}

// rejectStream 为头部非法的新流记录中止事务并以 PROTOCOL_ERROR 重置，其他流不受影响。
func (h *h2conn) rejectStream(id uint32, cause error) {
	tx, _ := h.c.newTransaction(&txn.Request{Proto: "HTTP/2.0", RemoteAddr: h.c.nc.RemoteAddr().String()}, id, pump.Options{})
	tx.Abort(cause)
	h.c.finishTransaction(tx)
	h.writeRST(id, http2.ErrCodeProtocol)
}

func (h *h2conn) onStreamError(se http2.StreamError) {
	cause := &txn.ProtocolError{Reason: "malformed frame", Err: se}
	if detail := h.fr.ErrorDetail(); detail != nil {
		cause.Err = detail
	}
	h.mu.Lock()
	st := h.streams[se.StreamID]
	isNew := st == nil && se.StreamID > h.lastStreamID && se.StreamID%2 == 1
	if isNew {
		h.lastStreamID = se.StreamID
	}
	h.mu.Unlock()

	switch {
	case st != nil:
		h.resetStream(st, se.Code, cause)
	case isNew:
		h.rejectStream(se.StreamID, cause)
	default:
		h.writeRST(se.StreamID, se.Code)
	}
}

func (h *h2conn) onData(f *http2.DataFrame) error {
	id := f.Header().StreamID
	length := f.Header().Length
	// 连接级窗口收到即归还，流级窗口在消费后经 OnConsume 归还。
	if length > 0 {
		h.writeWindowUpdate(0, length)
	}

	h.mu.Lock()
	st := h.streams[id]
	idleStream := st == nil && id > h.lastStreamID
	h.mu.Unlock()
	if st == nil {
		if idleStream {
			return http2.ConnectionError(http2.ErrCodeProtocol)
		}
		return nil
	}
	if !st.bodyOpen.Load() {
		h.resetStream(st, http2.ErrCodeStreamClosed, &txn.ProtocolError{Reason: "data after end of stream"})
		return nil
	}

	data := f.Data()
	if pad := int(length) - len(data); pad > 0 {
		h.writeWindowUpdate(id, uint32(pad))
	}
	if len(data) > 0 {
		res, err := st.tx.ReqBody.Push(data)
		switch {
		case err == nil && res == pump.Backpressure:
			h.resetStream(st, http2.ErrCodeFlowControl, &txn.ProtocolError{Reason: "stream flow control window exceeded"})
			return nil
		case errors.Is(err, pump.ErrOverflow), errors.Is(err, pump.ErrClosed):
			h.resetStream(st, http2.ErrCodeProtocol, &txn.ProtocolError{Reason: "request body exceeds content-length", Err: err})
			return nil
		}
	}
	if f.StreamEnded() {
		h.endRequestBody(st)
	}
	return nil
}

// endRequestBody 处理客户端的 END_STREAM。
func (h *h2conn) endRequestBody(st *h2stream) {
	if !st.bodyOpen.CompareAndSwap(true, false) {
		return
	}
	if remaining := st.tx.ReqBody.Remaining(); remaining > 0 && !st.tx.ReqBody.Terminal() {
		h.resetStream(st, http2.ErrCodeProtocol, &txn.ProtocolError{Reason: "request body shorter than content-length"})
		return
	}
	st.tx.FinishRequestBody()
	st.clientIdle.Pause()
}

func (h *h2conn) onWindowUpdate(f *http2.WindowUpdateFrame) error {
	id := f.Header().StreamID
	inc := int64(f.Increment)

	h.mu.Lock()
	if id == 0 {
		h.connSend += inc
		overflow := h.connSend > maxWindow
		h.cond.Broadcast()
		h.mu.Unlock()
		if overflow {
			return http2.ConnectionError(http2.ErrCodeFlowControl)
		}
		return nil
	}
	st := h.streams[id]
	if st == nil {
		h.mu.Unlock()
		return nil
	}
	st.sendWindow += inc
	overflow := st.sendWindow > maxWindow
	h.cond.Broadcast()
	h.mu.Unlock()
	if overflow {
		h.resetStream(st, http2.ErrCodeFlowControl, &txn.ProtocolError{Reason: "send window overflow"})
	}
	return nil
}

func (h *h2conn) onReset(f *http2.RSTStreamFrame) {
	h.mu.Lock()
	st := h.streams[f.StreamID]
	h.mu.Unlock()
	if st == nil {
		return
	}
	st.reset.Store(true)
	st.bodyOpen.Store(false)
	st.tx.Abort(errStreamReset)
	h.mu.Lock()
	h.cond.Broadcast()
	h.mu.Unlock()
}

// creditStream 在请求正文被消费后归还流级接收窗口。
func (h *h2conn) creditStream(st *h2stream, n int) {
	if n <= 0 || !st.bodyOpen.Load() || st.reset.Load() {
		return
	}
	h.writeWindowUpdate(st.id, uint32(n))
}

// writeStream 等待响应头并按流控窗口写出 HEADERS 与 DATA。
func (h *h2conn) writeStream(st *h2stream) {
	defer h.wg.Done()
	defer h.closeStream(st)

	tx := st.tx
	stop := context.AfterFunc(tx.Context(), func() {
		h.mu.Lock()
		h.cond.Broadcast()
		h.mu.Unlock()
	})
	defer stop()

	select {
	case <-tx.ResponseHead():
	case <-tx.Done():
	}
	resp := tx.Response()
	if resp == nil {
		h.resetStream(st, resetCode(tx.Cause()), tx.Cause())
		return
	}

	write := func(fn func() error) error {
		st.clientIdle.Resume()
		err := fn()
		if err == nil {
			st.clientIdle.Touch()
		}
		if !st.bodyOpen.Load() {
			st.clientIdle.Pause()
		}
		return err
	}

	method := tx.Request.Method
	endAfterHeaders := resp.Bodyless(method) || resp.ContentLength == 0
	if err := write(func() error { return h.writeHeaders(st.id, resp, method, endAfterHeaders) }); err != nil {
		tx.Abort(txn.ErrConnectionClosed)
		return
	}

	if !endAfterHeaders {
		first := true
		for {
			frame, err := tx.RespBody.Next(h.c.ctx)
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				h.resetStream(st, resetCode(err), err)
				return
			}
			if first {
				_ = tx.Fire(txn.EventResponseBody)
				first = false
			}
			for len(frame) > 0 {
				n, err := h.reserve(st, len(frame))
				if err != nil {
					h.resetStream(st, resetCode(err), err)
					return
				}
				chunk := frame[:n]
				if err := write(func() error { return h.writeData(st.id, false, chunk) }); err != nil {
					tx.Abort(txn.ErrConnectionClosed)
					return
				}
				frame = frame[n:]
			}
		}
		if err := write(func() error { return h.writeData(st.id, true, nil) }); err != nil {
			tx.Abort(txn.ErrConnectionClosed)
			return
		}
	}

	// 响应已完整写出而请求正文仍在到达：以 CANCEL 重置请求方向，不做排空。
	if st.bodyOpen.Swap(false) {
		if st.reset.CompareAndSwap(false, true) {
			h.writeRST(st.id, http2.ErrCodeCancel)
		}
		h.c.logger.WithFields(logrus.Fields{
			"action":    "early_response",
			"txn_id":    tx.ID,
			"stream_id": st.id,
		}).Debug("request_body_abandoned")
	}
	_, _ = tx.Complete(false)
}

// reserve 从连接级与流级发送窗口中预留至多 want 字节，窗口耗尽时阻塞。
func (h *h2conn) reserve(st *h2stream, want int) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for {
		if h.closed {
			return 0, txn.ErrConnectionClosed
		}
		if st.reset.Load() {
			return 0, errStreamReset
		}
		select {
		case <-st.tx.Done():
			if cause := st.tx.Cause(); cause != nil {
				return 0, cause
			}
			return 0, txn.ErrAborted
		default:
		}
		n := int64(want)
		n = min(n, h.connSend, st.sendWindow, int64(h.peerMaxFrame.Load()))
		if n > 0 {
			h.connSend -= n
			st.sendWindow -= n
			return int(n), nil
		}
		h.cond.Wait()
	}
}

// resetStream 发送 RST_STREAM（每个流至多一次）并中止事务。
func (h *h2conn) resetStream(st *h2stream, code http2.ErrCode, cause error) {
	if st.reset.CompareAndSwap(false, true) {
		h.writeRST(st.id, code)
	}
	st.bodyOpen.Store(false)
	st.tx.Abort(cause)
	h.mu.Lock()
	h.cond.Broadcast()
	h.mu.Unlock()
}

func (h *h2conn) closeStream(st *h2stream) {
	h.mu.Lock()
	delete(h.streams, st.id)
	exit := h.goingAway && len(h.streams) == 0
	if len(h.streams) == 0 {
		h.idle.Resume()
	}
	h.mu.Unlock()

	h.c.finishTransaction(st.tx)
	if exit {
		h.c.close(nil)
	}
}

// goAway 发送 GOAWAY(NO_ERROR) 并在现有流结束后关闭连接。
func (h *h2conn) goAway() {
	h.mu.Lock()
	if h.sentGoAway {
		h.mu.Unlock()
		return
	}
	h.sentGoAway = true
	h.goingAway = true
	last := h.lastStreamID
	n := len(h.streams)
	h.mu.Unlock()

	h.writeGoAway(last, http2.ErrCodeNo)
	if n == 0 {
		h.c.close(nil)
	}
}

// expire 由会话计时器触发：告知对端后关闭连接。
func (h *h2conn) expire(cause error) {
	go func() {
		h.mu.Lock()
		last := h.lastStreamID
		h.sentGoAway = true
		h.goingAway = true
		h.mu.Unlock()
		h.writeGoAway(last, http2.ErrCodeNo)
		h.c.logger.WithFields(logrus.Fields{"action": "session_timeout", "error": cause.Error()}).Info("http2_session_expired")
		h.c.close(cause)
	}()
}

func (h *h2conn) connectionError(code http2.ErrCode, cause error) {
	h.mu.Lock()
	last := h.lastStreamID
	h.sentGoAway = true
	h.mu.Unlock()
	h.writeGoAway(last, code)
	h.c.logger.WithFields(logrus.Fields{"action": "http2_connection_error", "code": code.String(), "error": cause.Error()}).Warn("http2_connection_error")
}

// teardown 在读循环退出后中止所有存活流并等待写协程退出。
func (h *h2conn) teardown() {
	h.c.close(txn.ErrConnectionClosed)

	h.mu.Lock()
	h.closed = true
	streams := make([]*h2stream, 0, len(h.streams))
	for _, st := range h.streams {
		streams = append(streams, st)
	}
	h.cond.Broadcast()
	h.mu.Unlock()

	for _, st := range streams {
		st.tx.Abort(txn.ErrConnectionClosed)
	}
	h.wg.Wait()
	h.idle.Stop()
	h.active.Stop()
}

func (h *h2conn) writeHeaders(id uint32, resp *txn.Response, method string, endStream bool) error {
	h.wmu.Lock()
	defer h.wmu.Unlock()

	h.hbuf.Reset()
	fields := []hpack.HeaderField{{Name: ":status", Value: strconv.Itoa(resp.Status)}}
	for name, values := range resp.Header {
		lower := strings.ToLower(name)
		if connectionSpecific[lower] || lower == "content-length" {
			continue
		}
		for _, v := range values {
			fields = append(fields, hpack.HeaderField{Name: lower, Value: v})
		}
	}
	if resp.ContentLength >= 0 && (method == http.MethodHead || !resp.Bodyless(method)) {
		fields = append(fields, hpack.HeaderField{Name: "content-length", Value: strconv.FormatInt(resp.ContentLength, 10)})
	}
	if resp.Header.Get("Date") == "" {
		fields = append(fields, hpack.HeaderField{Name: "date", Value: time.Now().UTC().Format(http.TimeFormat)})
	}
	for _, hf := range fields {
		if err := h.henc.WriteField(hf); err != nil {
			return err
		}
	}

	block := h.hbuf.Bytes()
	maxFrame := int(h.peerMaxFrame.Load())
	first := true
	for first || len(block) > 0 {
		chunk := block
		if len(chunk) > maxFrame {
			chunk = chunk[:maxFrame]
		}
		block = block[len(chunk):]
		endHeaders := len(block) == 0
		var err error
		if first {
			err = h.fr.WriteHeaders(http2.HeadersFrameParam{
				StreamID:      id,
				BlockFragment: chunk,
				EndStream:     endStream,
				EndHeaders:    endHeaders,
			})
			first = false
		} else {
			err = h.fr.WriteContinuation(id, endHeaders, chunk)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (h *h2conn) writeData(id uint32, endStream bool, data []byte) error {
	h.wmu.Lock()
	defer h.wmu.Unlock()
	return h.fr.WriteData(id, endStream, data)
}

func (h *h2conn) writeRST(id uint32, code http2.ErrCode) {
	h.wmu.Lock()
	defer h.wmu.Unlock()
	_ = h.fr.WriteRSTStream(id, code)
}

func (h *h2conn) writeWindowUpdate(id, n uint32) {
	h.wmu.Lock()
	defer h.wmu.Unlock()
	_ = h.fr.WriteWindowUpdate(id, n)
}

func (h *h2conn) writeGoAway(last uint32, code http2.ErrCode) {
	h.wmu.Lock()
	defer h.wmu.Unlock()
	_ = h.fr.WriteGoAway(last, code, nil)
}

// resetCode 将中止原因映射为 RST_STREAM 错误码。
func resetCode(err error) http2.ErrCode {
	switch {
	case txn.IsProtocolError(err):
		return http2.ErrCodeProtocol
	case errors.Is(err, timeout.ErrTimeout), errors.Is(err, pump.ErrCancelled):
		return http2.ErrCodeCancel
	case err == nil:
		return http2.ErrCodeCancel
	default:
		return http2.ErrCodeInternal
	}
}
