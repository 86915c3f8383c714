package pump

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"sync"
)

// UnknownLength 表示正文长度未知（chunked 或流式正文）。
const UnknownLength int64 = -1

const (
	DefaultFrameSize  = 16 << 10
	DefaultBufferSize = 64 << 10
)

var (
	// ErrAbandoned 表示所属事务已放弃该方向的正文（early response）。
	ErrAbandoned = errors.New("body abandoned")
	// ErrCancelled 表示正文被超时或连接关闭强制取消。
	ErrCancelled = errors.New("body cancelled")
	// ErrClosed 表示生产者在自然结束后继续写入。
	ErrClosed = errors.New("body already ended")
	// ErrOverflow 表示写入字节超过声明长度。
	ErrOverflow = errors.New("body exceeds declared length")
)

// State 描述通道的生命周期阶段。
type State int

const (
	Open State = iota
	Draining
	Closed
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case Draining:
		return "draining"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Cause 记录通道终止原因，首次终止原因生效。
type Cause int

const (
	CauseNone Cause = iota
	CauseEnd
	CauseAbandoned
	CauseCancelled
)

func (c Cause) String() string {
	switch c {
	case CauseNone:
		return ""
	case CauseEnd:
		return "end"
	case CauseAbandoned:
		return "abandoned"
	case CauseCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("cause(%d)", int(c))
	}
}

// Result 是 Push 的非阻塞结果。
type Result int

const (
	Accepted Result = iota
	Backpressure
)

// Options 控制单个方向通道的容量与回调。
type Options struct {
	// ExpectedLength 为声明的正文长度，UnknownLength 表示未知。
	ExpectedLength int64
	FrameSize      int
	BufferSize     int
	// OnProduce 在写入被接收后调用（锁外），用于刷新 inactivity 计时器。
	OnProduce func(n int)
	// OnConsume 在消费者取走一帧后调用（锁外），HTTP/2 用它归还流控窗口。
	OnConsume func(n int)
}

// Stats 是通道计数器的只读快照。
type Stats struct {
	State       string `json:"state"`
	Cause       string `json:"cause,omitempty"`
	Expected    int64  `json:"expected"`
	Transferred int64  `json:"transferred"`
	Delivered   int64  `json:"delivered"`
	Discarded   int64  `json:"discarded"`
	Buffered    int    `json:"buffered"`
}

// Channel 是单向、有界、可取消的字节通道。
type Channel struct {
	frameSize  int
	bufferSize int
	onProduce  func(int)
	onConsume  func(int)

	mu          sync.Mutex
	frames      [][]byte
	buffered    int
	expected    int64
	transferred int64
	delivered   int64
	discarded   int64
	drained     int64
	ended       bool
	state       State
	cause       Cause
	err         error
	changed     chan struct{}
	done        chan struct{}
}

// New 创建一个处于 Open 状态的通道。
func New(opts Options) *Channel {
	frameSize := opts.FrameSize
	if frameSize <= 0 {
		frameSize = DefaultFrameSize
	}
	bufferSize := opts.BufferSize
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if bufferSize < frameSize {
		bufferSize = frameSize
	}
	expected := opts.ExpectedLength
	if expected < 0 {
		expected = UnknownLength
	}
	c := &Channel{
		frameSize:  frameSize,
		bufferSize: bufferSize,
		onProduce:  opts.OnProduce,
		onConsume:  opts.OnConsume,
		expected:   expected,
		changed:    make(chan struct{}),
		done:       make(chan struct{}),
	}
	if expected == 0 {
		c.ended = true
		c.closeLocked(CauseEnd, nil)
	}
	return c
}

// SetExpectedLength 在首个字节写入前设置声明长度。
func (c *Channel) SetExpectedLength(n int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.transferred > 0 || c.state != Open || c.ended {
		return errors.New("expected length must be set before the first byte")
	}
	if n < 0 {
		c.expected = UnknownLength
		return nil
	}
	c.expected = n
	if n == 0 {
		c.ended = true
		c.closeLocked(CauseEnd, nil)
	}
	return nil
}

// Push 非阻塞地写入 p。缓冲区已满时返回 Backpressure，p 不会被部分接收。
func (c *Channel) Push(p []byte) (Result, error) {
	res, _, err := c.push(p)
	if err == nil && res == Accepted {
		c.produced(len(p))
	}
	return res, err
}

func (c *Channel) produced(n int) {
	if n > 0 && c.onProduce != nil {
		c.onProduce(n)
	}
}

func (c *Channel) push(p []byte) (Result, <-chan struct{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case Closed:
		return Accepted, nil, c.producerErrLocked()
	case Draining:
		c.drained += int64(len(p))
		c.discarded += int64(len(p))
		if c.expected >= 0 && c.transferred+c.drained >= c.expected {
			c.closeLocked(CauseAbandoned, nil)
		}
		return Accepted, nil, nil
	}

	if c.ended {
		return Accepted, nil, ErrClosed
	}
	if len(p) == 0 {
		return Accepted, nil, nil
	}
	if c.expected >= 0 && c.transferred+int64(len(p)) > c.expected {
		return Accepted, nil, ErrOverflow
	}
	if c.buffered >= c.bufferSize {
		return Backpressure, c.changed, nil
	}

	for off := 0; off < len(p); off += c.frameSize {
		end := off + c.frameSize
		if end > len(p) {
			end = len(p)
		}
		frame := make([]byte, end-off)
		copy(frame, p[off:end])
		c.frames = append(c.frames, frame)
	}
	c.buffered += len(p)
	c.transferred += int64(len(p))
	if c.expected >= 0 && c.transferred == c.expected {
		c.ended = true
	}
	c.broadcastLocked()
	return Accepted, nil, nil
}

// Write 阻塞写入 p，遇到背压时等待消费者或 ctx 结束。
func (c *Channel) Write(ctx context.Context, p []byte) (int, error) {
	written := 0
	for written < len(p) {
		end := written + c.frameSize
		if end > len(p) {
			end = len(p)
		}
		for {
			res, wait, err := c.push(p[written:end])
			if err != nil {
				return written, err
			}
			if res == Accepted {
				c.produced(end - written)
				break
			}
			select {
			case <-wait:
			case <-ctx.Done():
				return written, ctx.Err()
			}
		}
		written = end
	}
	return written, nil
}

// Writer 返回绑定 ctx 的 io.Writer 适配器。
func (c *Channel) Writer(ctx context.Context) io.Writer {
	return writerFunc(func(p []byte) (int, error) {
		return c.Write(ctx, p)
	})
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

// Finish 标记生产者的显式结束信号（自然结束）。
func (c *Channel) Finish() {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case Closed:
		return
	case Draining:
		c.closeLocked(CauseAbandoned, nil)
		return
	}
	c.ended = true
	if c.buffered == 0 {
		c.closeLocked(CauseEnd, nil)
		return
	}
	c.broadcastLocked()
}

// Next 取出下一帧。自然结束返回 io.EOF；被放弃返回 ErrAbandoned；被取消返回包裹
// ErrCancelled 的错误。
func (c *Channel) Next(ctx context.Context) ([]byte, error) {
	for {
		c.mu.Lock()
		if len(c.frames) > 0 && c.state == Open {
			frame := c.frames[0]
			c.frames[0] = nil
			c.frames = c.frames[1:]
			c.buffered -= len(frame)
			c.delivered += int64(len(frame))
			if c.ended && c.buffered == 0 {
				c.closeLocked(CauseEnd, nil)
			} else {
				c.broadcastLocked()
			}
			onConsume := c.onConsume
			c.mu.Unlock()
			if onConsume != nil {
				onConsume(len(frame))
			}
			return frame, nil
		}

		switch {
		case c.state == Closed:
			err := c.consumerErrLocked()
			c.mu.Unlock()
			return nil, err
		case c.state == Draining:
			c.mu.Unlock()
			return nil, ErrAbandoned
		case c.ended:
			c.closeLocked(CauseEnd, nil)
			c.mu.Unlock()
			return nil, io.EOF
		}

		wait := c.changed
		c.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Chunks 以惰性序列形式暴露帧；自然结束时序列正常结束，其余错误作为最后一项产出。
func (c *Channel) Chunks(ctx context.Context) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for {
			frame, err := c.Next(ctx)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(frame, nil) {
				return
			}
		}
	}
}

// Reader 返回 io.ReadCloser 适配器，供 http.Request.Body 使用。Close 只释放读取端，
// 不会终止通道；放弃与取消由所属事务决定。
func (c *Channel) Reader(ctx context.Context) io.ReadCloser {
	return &reader{ch: c, ctx: ctx}
}

type reader struct {
	ch   *Channel
	ctx  context.Context
	rest []byte
}

func (r *reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if len(r.rest) == 0 {
		frame, err := r.ch.Next(r.ctx)
		if err != nil {
			return 0, err
		}
		r.rest = frame
	}
	n := copy(p, r.rest)
	r.rest = r.rest[n:]
	return n, nil
}

func (r *reader) Close() error {
	r.rest = nil
	return nil
}

// Abandon 由所属事务调用：drain 为 true 时进入 Draining，后续写入被计数并丢弃直到
// 生产者结束；否则立即关闭。已终止的通道上调用为 no-op。
func (c *Channel) Abandon(drain bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Open {
		return
	}
	c.releaseLocked()
	if drain && !c.ended {
		c.state = Draining
		c.cause = CauseAbandoned
		c.broadcastLocked()
		return
	}
	c.closeLocked(CauseAbandoned, nil)
}

// Cancel 强制关闭通道（超时或连接终止）。对已关闭的通道为 no-op，不影响计数。
// Draining 中的通道被取消时保留原先的 abandoned 原因。
func (c *Channel) Cancel(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Closed {
		return
	}
	c.releaseLocked()
	if c.state == Draining {
		c.closeLocked(CauseAbandoned, nil)
		return
	}
	if err == nil {
		err = ErrCancelled
	} else if !errors.Is(err, ErrCancelled) {
		err = fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	c.closeLocked(CauseCancelled, err)
}

func (c *Channel) releaseLocked() {
	c.discarded += int64(c.buffered)
	c.frames = nil
	c.buffered = 0
}

func (c *Channel) closeLocked(cause Cause, err error) {
	if c.state == Closed {
		return
	}
	c.state = Closed
	if c.cause == CauseNone {
		c.cause = cause
	}
	if err != nil {
		c.err = err
	}
	close(c.done)
	c.broadcastLocked()
}

func (c *Channel) broadcastLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

func (c *Channel) producerErrLocked() error {
	switch c.cause {
	case CauseAbandoned:
		return ErrAbandoned
	case CauseCancelled:
		return c.err
	default:
		return ErrClosed
	}
}

func (c *Channel) consumerErrLocked() error {
	switch c.cause {
	case CauseAbandoned:
		return ErrAbandoned
	case CauseCancelled:
		return c.err
	default:
		return io.EOF
	}
}

// Done 在通道进入 Closed 后关闭。
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Terminal 报告通道是否已关闭。
func (c *Channel) Terminal() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == Closed
}

// Ended 报告生产者是否已经发出结束信号（或达到声明长度）。
func (c *Channel) Ended() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ended || c.state == Closed
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) Cause() Cause {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cause
}

// Transferred 返回生产者已交付给通道的字节数（不含 Draining 期间丢弃的字节）。
func (c *Channel) Transferred() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transferred
}

// Remaining 返回声明长度中尚未到达的字节数，长度未知时返回 UnknownLength。
func (c *Channel) Remaining() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.expected < 0 {
		return UnknownLength
	}
	return c.expected - c.transferred - c.drained
}

// Snapshot 返回计数器快照。
func (c *Channel) Snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		State:       c.state.String(),
		Cause:       c.cause.String(),
		Expected:    c.expected,
		Transferred: c.transferred,
		Delivered:   c.delivered,
		Discarded:   c.discarded,
		Buffered:    c.buffered,
	}
}
