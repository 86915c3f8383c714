package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-edge/internal/config"
	"github.com/any-hub/any-edge/internal/pump"
	"github.com/any-hub/any-edge/internal/timeout"
	"github.com/any-hub/any-edge/internal/txn"
)

// ErrServerClosed 在 Shutdown 之后由 Serve 返回。
var ErrServerClosed = errors.New("server closed")

// TransactionHandler 处理一个已解析请求头的事务。实现可以从 tx.ReqBody 读取请求正文，
// 调用 tx.Respond 提交响应头后向 tx.RespBody 写入正文并 Finish；失败时调用 tx.Abort。
// 每个事务在独立 goroutine 中调用。
type TransactionHandler interface {
	ServeTransaction(tx *txn.Transaction)
}

// TransactionHandlerFunc adapts a function to the TransactionHandler interface.
type TransactionHandlerFunc func(tx *txn.Transaction)

// ServeTransaction makes TransactionHandlerFunc satisfy TransactionHandler.
func (f TransactionHandlerFunc) ServeTransaction(tx *txn.Transaction) {
	f(tx)
}

// Timeouts 汇总连接与事务级超时，0 表示禁用。
type Timeouts struct {
	TransactionActiveIn     time.Duration
	TransactionNoActivityIn time.Duration
	KeepAliveNoActivityIn   time.Duration
	HTTP2ActiveIn           time.Duration
	HTTP2NoActivityIn       time.Duration
}

// Options controls how the connection endpoint behaves.
type Options struct {
	Logger     *logrus.Logger
	Supervisor *timeout.Supervisor
	Handler    TransactionHandler
	Table      *txn.Table
	TLSConfig  *tls.Config
	Timeouts   Timeouts

	MaxConcurrentStreams uint32
	InitialWindowSize    uint32
	FrameSize            int
	BufferSize           int
	RequestDrainLimit    int64
}

// OptionsFromConfig 将全局配置映射为 Options，调用方仍需注入 Logger/Supervisor/Handler。
func OptionsFromConfig(cfg *config.Config) Options {
	g := cfg.Global
	return Options{
		Timeouts: Timeouts{
			TransactionActiveIn:     g.TransactionActiveTimeoutIn.DurationValue(),
			TransactionNoActivityIn: g.TransactionNoActivityTimeoutIn.DurationValue(),
			KeepAliveNoActivityIn:   g.KeepAliveNoActivityTimeoutIn.DurationValue(),
			HTTP2ActiveIn:           g.HTTP2ActiveTimeoutIn.DurationValue(),
			HTTP2NoActivityIn:       g.HTTP2NoActivityTimeoutIn.DurationValue(),
		},
		MaxConcurrentStreams: uint32(g.HTTP2MaxConcurrentStreams),
		InitialWindowSize:    uint32(g.HTTP2InitialWindowSize),
		FrameSize:            g.BodyFrameSize,
		BufferSize:           g.BodyBufferSize,
		RequestDrainLimit:    g.RequestDrainLimit,
	}
}

// Server 是客户端连接端点：接受连接、确定协议并为每个请求创建事务。
type Server struct {
	opts   Options
	logger *logrus.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	conns     map[*conn]struct{}
	wg        sync.WaitGroup
	closing   atomic.Bool
	accepted  atomic.Uint64
}

// New 校验依赖并构造 Server。
func New(opts Options) (*Server, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Supervisor == nil {
		return nil, errors.New("timeout supervisor is required")
	}
	if opts.Handler == nil {
		return nil, errors.New("transaction handler is required")
	}
	if opts.Table == nil {
		opts.Table = txn.NewTable()
	}
	if opts.MaxConcurrentStreams == 0 {
		opts.MaxConcurrentStreams = 100
	}
	if opts.InitialWindowSize == 0 {
		opts.InitialWindowSize = 65535
	}
	if opts.FrameSize <= 0 {
		opts.FrameSize = pump.DefaultFrameSize
	}
	if opts.BufferSize < opts.FrameSize {
		opts.BufferSize = pump.DefaultBufferSize
	}
	if opts.TLSConfig != nil && len(opts.TLSConfig.NextProtos) == 0 {
		opts.TLSConfig = opts.TLSConfig.Clone()
		opts.TLSConfig.NextProtos = []string{"h2", "http/1.1"}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		opts:      opts,
		logger:    opts.Logger,
		ctx:       ctx,
		cancel:    cancel,
		listeners: make(map[net.Listener]struct{}),
		conns:     make(map[*conn]struct{}),
	}, nil
}

// ListenAndServe 监听 addr 并阻塞服务。
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ln)
}

// Serve 在 ln 上接受连接直到 Shutdown。配置了 TLSConfig 时自动包装为 TLS 监听。
func (s *Server) Serve(ln net.Listener) error {
	if s.closing.Load() {
		ln.Close()
		return ErrServerClosed
	}
	if s.opts.TLSConfig != nil {
		ln = tls.NewListener(ln, s.opts.TLSConfig)
	}
	s.mu.Lock()
	s.listeners[ln] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.listeners, ln)
		s.mu.Unlock()
	}()

	var backoff time.Duration
	for {
		nc, err := ln.Accept()
		if err != nil {
			if s.closing.Load() {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if backoff == 0 {
					backoff = 5 * time.Millisecond
				} else if backoff *= 2; backoff > time.Second {
					backoff = time.Second
				}
				s.logger.WithFields(logrus.Fields{"action": "accept", "retry_in": backoff.String()}).Warn(err.Error())
				time.Sleep(backoff)
				continue
			}
			return err
		}
		backoff = 0
		s.accepted.Add(1)

		c := s.newConn(nc)
		s.mu.Lock()
		if s.closing.Load() {
			s.mu.Unlock()
			nc.Close()
			return ErrServerClosed
		}
		s.conns[c] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		go func() {
			defer s.wg.Done()
			defer s.forget(c)
			c.serve()
		}()
	}
}

func (s *Server) forget(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// Shutdown 停止接受新连接，通知现有连接在当前事务结束后关闭；ctx 结束时强制关闭剩余连接。
func (s *Server) Shutdown(ctx context.Context) error {
	s.closing.Store(true)

	s.mu.Lock()
	for ln := range s.listeners {
		ln.Close()
	}
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.beginShutdown()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		for c := range s.conns {
			c.close(txn.ErrConnectionClosed)
		}
		s.mu.Unlock()
		s.cancel()
		<-done
		return ctx.Err()
	}
}

// ConnectionCount 返回当前存活的连接数。
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Accepted 返回自启动以来接受的连接总数。
func (s *Server) Accepted() uint64 {
	return s.accepted.Load()
}

// Table 返回存活事务表。
func (s *Server) Table() *txn.Table {
	return s.opts.Table
}
