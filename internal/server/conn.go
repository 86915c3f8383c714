package server

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-edge/internal/logging"
	"github.com/any-hub/any-edge/internal/pump"
	"github.com/any-hub/any-edge/internal/timeout"
	"github.com/any-hub/any-edge/internal/txn"
)

// conn 是一条客户端连接，协议在首字节（或 ALPN）确定后固定。
type conn struct {
	srv    *Server
	nc     net.Conn
	br     *bufio.Reader
	id     string
	logger *logrus.Entry

	ctx    context.Context
	cancel context.CancelCauseFunc

	// keepAlive 覆盖握手、协议探测以及 HTTP/1.1 请求间的空闲等待。
	keepAlive *timeout.Timer

	mu       sync.Mutex
	protocol txn.Protocol
	h2       *h2conn

	idle         atomic.Bool
	shuttingDown atomic.Bool
	closeOnce    sync.Once
}

func (s *Server) newConn(nc net.Conn) *conn {
	ctx, cancel := context.WithCancelCause(s.ctx)
	id := uuid.NewString()
	return &conn{
		srv: s,
		nc:  nc,
		br:  bufio.NewReaderSize(nc, 16<<10),
		id:  id,
		logger: s.logger.WithFields(logrus.Fields{
			"conn_id":     id,
			"remote_addr": nc.RemoteAddr().String(),
		}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// serve 完成握手与协议探测后进入对应协议的循环。
func (c *conn) serve() {
	defer func() {
		if r := recover(); r != nil {
			c.logger.WithFields(logrus.Fields{
				"action": "conn_panic",
				"panic":  r,
				"stack":  string(debug.Stack()),
			}).Error("connection_panic")
		}
		c.close(txn.ErrConnectionClosed)
	}()

	d := c.srv.opts.Timeouts.KeepAliveNoActivityIn
	c.keepAlive = c.srv.opts.Supervisor.Arm(timeout.Inactivity, d, func(*timeout.Timer) {
		c.close(&timeout.Error{Kind: timeout.Inactivity, Scope: "keep-alive", After: d})
	})
	c.idle.Store(true)

	protocol, err := c.negotiate()
	if err != nil {
		if !isClosedConnError(err) {
			c.logger.WithFields(logrus.Fields{"action": "negotiate", "error": err.Error()}).Debug("connection_negotiation_failed")
		}
		return
	}

	c.mu.Lock()
	c.protocol = protocol
	c.mu.Unlock()
	c.logger = c.logger.WithField("protocol", protocol.String())
	c.logger.WithField("action", "accept").Debug("connection_accepted")

	if protocol == txn.HTTP2 {
		c.serveHTTP2()
		return
	}
	c.serveHTTP1()
}

// negotiate 完成 TLS 握手并确定协议：TLS 使用 ALPN，明文依据连接前言判断。
func (c *conn) negotiate() (txn.Protocol, error) {
	if tc, ok := c.nc.(*tls.Conn); ok {
		if err := tc.HandshakeContext(c.ctx); err != nil {
			return txn.HTTP1, err
		}
		c.keepAlive.Touch()
		if tc.ConnectionState().NegotiatedProtocol == "h2" {
			if err := readClientPreface(c.br); err != nil {
				return txn.HTTP2, err
			}
			return txn.HTTP2, nil
		}
		return txn.HTTP1, nil
	}

	isH2, err := detectPreface(c.br)
	if err != nil {
		return txn.HTTP1, err
	}
	if isH2 {
		if err := readClientPreface(c.br); err != nil {
			return txn.HTTP2, err
		}
		return txn.HTTP2, nil
	}
	return txn.HTTP1, nil
}

// beginShutdown 请求连接在当前事务结束后关闭；空闲连接立即关闭。
func (c *conn) beginShutdown() {
	c.shuttingDown.Store(true)
	c.mu.Lock()
	h2 := c.h2
	c.mu.Unlock()
	if h2 != nil {
		h2.goAway()
		return
	}
	if c.idle.Load() {
		c.close(nil)
	}
}

// close 关闭底层连接并取消连接上下文，重复调用无副作用。
func (c *conn) close(cause error) {
	c.closeOnce.Do(func() {
		if cause == nil {
			cause = txn.ErrConnectionClosed
		}
		c.keepAlive.Stop()
		c.cancel(cause)
		c.nc.Close()
	})
}

// newTransaction 创建事务并登记到存活事务表，同时武装事务级计时器。
func (c *conn) newTransaction(req *txn.Request, streamID uint32, reqBody pump.Options) (*txn.Transaction, *timeout.Timer) {
	opts := c.srv.opts
	var clientIdle *timeout.Timer
	reqBody.FrameSize = opts.FrameSize
	if reqBody.BufferSize < opts.BufferSize {
		reqBody.BufferSize = opts.BufferSize
	}
	reqBody.OnProduce = func(int) { clientIdle.Touch() }

	c.mu.Lock()
	protocol := c.protocol
	c.mu.Unlock()

	tx := txn.New(c.ctx, txn.Options{
		Protocol:    protocol,
		StreamID:    streamID,
		Request:     req,
		RequestBody: reqBody,
		ResponseBody: pump.Options{
			FrameSize:  opts.FrameSize,
			BufferSize: opts.BufferSize,
		},
	})

	active := opts.Supervisor.Arm(timeout.Active, opts.Timeouts.TransactionActiveIn, func(tm *timeout.Timer) {
		tx.Abort(&timeout.Error{Kind: timeout.Active, Scope: "transaction", After: tm.Interval()})
	})
	clientIdle = opts.Supervisor.Arm(timeout.Inactivity, opts.Timeouts.TransactionNoActivityIn, func(tm *timeout.Timer) {
		tx.Abort(&timeout.Error{Kind: timeout.Inactivity, Scope: "client", After: tm.Interval()})
	})
	tx.AttachTimers(active, clientIdle)
	opts.Table.Add(tx)
	return tx, clientIdle
}

// dispatch 在独立 goroutine 中运行处理器，处理器 panic 时中止事务。
func (c *conn) dispatch(tx *txn.Transaction) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				c.logger.WithFields(logrus.Fields{
					"action": "handler_panic",
					"txn_id": tx.ID,
					"panic":  r,
					"stack":  string(debug.Stack()),
				}).Error("handler_panic")
				tx.Abort(errors.New("handler panic"))
			}
		}()
		c.srv.opts.Handler.ServeTransaction(tx)
	}()
}

// finishTransaction 将事务移出存活表并记录异常结束。
func (c *conn) finishTransaction(tx *txn.Transaction) {
	c.srv.opts.Table.Remove(tx)
	req := tx.Request
	fields := logging.TransactionFields(tx.ID, tx.Protocol.String(), tx.StreamID, req.Method, req.Host, req.Path)
	fields["state"] = tx.State().Output()
	fields["body_abandoned"] = tx.BodyAbandoned()
	fields["bytes_in"] = tx.ReqBody.Transferred()
	fields["bytes_out"] = tx.RespBody.Transferred()
	fields["elapsed_ms"] = time.Since(tx.Started()).Milliseconds()
	if resp := tx.Response(); resp != nil {
		fields["status"] = resp.Status
	}
	if cause := tx.Cause(); cause != nil {
		fields["action"] = "transaction_aborted"
		fields["cause"] = cause.Error()
		c.logger.WithFields(fields).Warn("transaction_aborted")
		return
	}
	fields["action"] = "transaction_complete"
	c.logger.WithFields(fields).Debug("transaction_complete")
}

func isClosedConnError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
