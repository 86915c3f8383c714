package server

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-edge/internal/pump"
	"github.com/any-hub/any-edge/internal/timeout"
	"github.com/any-hub/any-edge/internal/txn"
)

// lingerTimeout 是关闭前继续丢弃客户端剩余上传的最长时间，避免 RST 吞掉已写出的响应。
const lingerTimeout = 500 * time.Millisecond

// serveHTTP1 顺序处理同一连接上的请求，直到任一方要求关闭。
func (c *conn) serveHTTP1() {
	bw := bufio.NewWriterSize(c.nc, 16<<10)
	for {
		c.idle.Store(true)
		if c.shuttingDown.Load() {
			return
		}
		c.keepAlive.Resume()
		hreq, err := http.ReadRequest(c.br)
		c.idle.Store(false)
		if err != nil {
			if !isClosedConnError(err) {
				c.rejectMalformed(bw, err)
			}
			return
		}
		c.keepAlive.Pause()
		if !c.runHTTP1(bw, hreq) {
			return
		}
	}
}

// rejectMalformed 为无法解析的请求头记录一个中止事务并回复 400 后关闭连接。
func (c *conn) rejectMalformed(bw *bufio.Writer, cause error) {
	tx, _ := c.newTransaction(&txn.Request{Proto: "HTTP/1.1", RemoteAddr: c.nc.RemoteAddr().String()}, 0, pump.Options{})
	tx.Abort(&txn.ProtocolError{Reason: "malformed request headers", Err: cause})
	c.finishTransaction(tx)

	fmt.Fprintf(bw, "HTTP/1.1 %d %s\r\nConnection: close\r\nContent-Length: 0\r\n\r\n",
		http.StatusBadRequest, http.StatusText(http.StatusBadRequest))
	_ = bw.Flush()
}

// runHTTP1 执行一个事务，返回连接是否可以继续复用。
func (c *conn) runHTTP1(bw *bufio.Writer, hreq *http.Request) bool {
	req := c.requestFromHTTP1(hreq)
	tx, clientIdle := c.newTransaction(req, 0, pump.Options{})
	defer c.finishTransaction(tx)

	var completing atomic.Bool
	stop := context.AfterFunc(tx.Context(), func() {
		if !completing.Load() {
			c.close(tx.Cause())
		}
	})
	defer stop()

	if err := tx.Start(); err != nil {
		tx.Abort(err)
		return false
	}

	var bodyOpen atomic.Bool
	var producerDone chan struct{}
	if req.HasBody() {
		if expectsContinue(hreq) {
			if _, err := bw.WriteString("HTTP/1.1 100 Continue\r\n\r\n"); err == nil {
				_ = bw.Flush()
			}
		}
		bodyOpen.Store(true)
		producerDone = make(chan struct{})
		go c.pumpRequestBody(tx, hreq.Body, clientIdle, &bodyOpen, producerDone)
	} else {
		clientIdle.Pause()
	}

	c.dispatch(tx)

	select {
	case <-tx.ResponseHead():
	case <-tx.Done():
	}
	resp := tx.Response()
	if resp == nil {
		tx.Abort(txn.ErrAborted)
		return false
	}

	// write 在写出期间恢复客户端 inactivity 计时，请求正文已结束时随后再次暂停。
	write := func(fn func() error) error {
		clientIdle.Resume()
		err := fn()
		if err == nil {
			clientIdle.Touch()
		}
		if !bodyOpen.Load() {
			clientIdle.Pause()
		}
		return err
	}

	closeAfter := hreq.Close || c.shuttingDown.Load()
	if req.HasBody() && !tx.ReqBody.Ended() {
		remaining := tx.ReqBody.Remaining()
		if remaining < 0 || remaining > c.srv.opts.RequestDrainLimit {
			closeAfter = true
		}
	}
	bodyless := resp.Bodyless(req.Method)
	chunked := false
	if !bodyless && resp.ContentLength < 0 {
		if hreq.ProtoAtLeast(1, 1) {
			chunked = true
		} else {
			closeAfter = true
		}
	}

	head := responseHeaderHTTP1(resp, req.Method, chunked, closeAfter, hreq.ProtoAtLeast(1, 1))
	if err := write(func() error {
		if err := writeStatusLine(bw, resp.Status); err != nil {
			return err
		}
		if err := head.Write(bw); err != nil {
			return err
		}
		if _, err := bw.WriteString("\r\n"); err != nil {
			return err
		}
		return bw.Flush()
	}); err != nil {
		tx.Abort(txn.ErrConnectionClosed)
		return false
	}

	if !bodyless {
		var out io.Writer = bw
		var chunkWriter io.WriteCloser
		if chunked {
			chunkWriter = httputil.NewChunkedWriter(bw)
			out = chunkWriter
		}
		first := true
		for {
			frame, err := tx.RespBody.Next(c.ctx)
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				tx.Abort(err)
				return false
			}
			if first {
				_ = tx.Fire(txn.EventResponseBody)
				first = false
			}
			if err := write(func() error {
				if _, err := out.Write(frame); err != nil {
					return err
				}
				return bw.Flush()
			}); err != nil {
				tx.Abort(txn.ErrConnectionClosed)
				return false
			}
		}
		if chunked {
			if err := write(func() error {
				if err := chunkWriter.Close(); err != nil {
					return err
				}
				if _, err := bw.WriteString("\r\n"); err != nil {
					return err
				}
				return bw.Flush()
			}); err != nil {
				tx.Abort(txn.ErrConnectionClosed)
				return false
			}
		}
	}

	completing.Store(true)
	abandoned, _ := tx.Complete(!closeAfter)
	if tx.State() == txn.Aborted {
		closeAfter = true
	}
	if abandoned {
		c.logger.WithFields(logrus.Fields{
			"action":    "early_response",
			"txn_id":    tx.ID,
			"drain":     !closeAfter,
			"remaining": tx.ReqBody.Remaining(),
		}).Debug("request_body_abandoned")
	}

	if closeAfter {
		if producerDone != nil && bodyOpen.Load() {
			c.lingerClose(producerDone)
		}
		return false
	}
	if producerDone != nil {
		c.keepAlive.Resume()
		select {
		case <-producerDone:
		case <-c.ctx.Done():
			return false
		}
	}
	return true
}

// requestFromHTTP1 将解析后的请求转换为事务请求头。
func (c *conn) requestFromHTTP1(hreq *http.Request) *txn.Request {
	scheme := "http"
	if _, ok := c.nc.(*tls.Conn); ok {
		scheme = "https"
	}
	path := hreq.RequestURI
	host := hreq.Host
	if hreq.URL != nil && hreq.URL.IsAbs() {
		path = hreq.URL.RequestURI()
		if hreq.URL.Host != "" {
			host = hreq.URL.Host
		}
	}
	header := hreq.Header
	if expectsContinue(hreq) {
		header.Del("Expect")
	}
	return &txn.Request{
		Method:        hreq.Method,
		Scheme:        scheme,
		Host:          host,
		Path:          path,
		Proto:         hreq.Proto,
		Header:        header,
		ContentLength: hreq.ContentLength,
		RemoteAddr:    c.nc.RemoteAddr().String(),
	}
}

// pumpRequestBody 把请求正文从连接搬运到事务的请求通道；通道被放弃且不排空时停止读取。
func (c *conn) pumpRequestBody(tx *txn.Transaction, body io.Reader, clientIdle *timeout.Timer, open *atomic.Bool, done chan<- struct{}) {
	defer close(done)
	defer func() {
		open.Store(false)
		clientIdle.Pause()
	}()

	buf := make([]byte, c.srv.opts.FrameSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := tx.ReqBody.Write(c.ctx, buf[:n]); werr != nil {
				if errors.Is(werr, pump.ErrOverflow) {
					tx.Abort(&txn.ProtocolError{Reason: "request body exceeds declared length", Err: werr})
				}
				return
			}
			c.keepAlive.Touch()
		}
		if errors.Is(err, io.EOF) {
			tx.FinishRequestBody()
			return
		}
		if err != nil {
			if isClosedConnError(err) {
				tx.Abort(txn.ErrConnectionClosed)
			} else {
				tx.Abort(&txn.ProtocolError{Reason: "malformed request body", Err: err})
			}
			return
		}
	}
}

// lingerClose 半关闭写方向并在有限时间内丢弃客户端仍在上传的字节后关闭连接。
func (c *conn) lingerClose(producerDone <-chan struct{}) {
	if cw, ok := c.nc.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
	_ = c.nc.SetReadDeadline(time.Now().Add(lingerTimeout))
	<-producerDone
	_, _ = io.Copy(io.Discard, c.br)
	c.close(nil)
}

func expectsContinue(hreq *http.Request) bool {
	return hreq.ContentLength != 0 && hreq.Header.Get("Expect") == "100-continue"
}

func writeStatusLine(bw *bufio.Writer, status int) error {
	text := http.StatusText(status)
	if text == "" {
		text = "status code " + strconv.Itoa(status)
	}
	_, err := fmt.Fprintf(bw, "HTTP/1.1 %03d %s\r\n", status, text)
	return err
}

// responseHeaderHTTP1 生成 HTTP/1.1 线上的响应头，由连接层负责帧定界相关字段。
func responseHeaderHTTP1(resp *txn.Response, method string, chunked, closeAfter, http11 bool) http.Header {
	h := resp.Header.Clone()
	if h == nil {
		h = http.Header{}
	}
	for _, name := range []string{"Content-Length", "Transfer-Encoding", "Connection", "Keep-Alive", "Proxy-Connection"} {
		h.Del(name)
	}
	if resp.ContentLength >= 0 && (method == http.MethodHead || !resp.Bodyless(method)) {
		h.Set("Content-Length", strconv.FormatInt(resp.ContentLength, 10))
	}
	if chunked {
		h.Set("Transfer-Encoding", "chunked")
	}
	switch {
	case closeAfter:
		h.Set("Connection", "close")
	case !http11:
		h.Set("Connection", "keep-alive")
	}
	if h.Get("Date") == "" {
		h.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}
	return h
}
