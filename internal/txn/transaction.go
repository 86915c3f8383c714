// Package txn models one client request/response exchange: its state machine,
// the request and response body pumps, attached timers and the snapshot exposed
// to diagnostics.
package txn

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/any-hub/any-edge/internal/pump"
	"github.com/any-hub/any-edge/internal/timeout"
)

// Protocol 是客户端连接的协议模式。
type Protocol int

const (
	HTTP1 Protocol = iota
	HTTP2
)

func (p Protocol) String() string {
	if p == HTTP2 {
		return "h2"
	}
	return "http/1.1"
}

// Request 是解析完成的请求头部分，Path 为包含查询串的 request-target。
type Request struct {
	Method        string
	Scheme        string
	Host          string
	Path          string
	Proto         string
	Header        http.Header
	ContentLength int64
	RemoteAddr    string
}

// HasBody 报告请求是否携带（或可能携带）正文。
func (r *Request) HasBody() bool {
	return r.ContentLength != 0
}

// URL 返回用于缓存键与重新验证规则匹配的绝对 URL。
func (r *Request) URL() string {
	scheme := r.Scheme
	if scheme == "" {
		scheme = "http"
	}
	return scheme + "://" + r.Host + r.Path
}

// Response 是提交给连接层的响应头。ContentLength 为 -1 表示长度未知。
type Response struct {
	Status        int
	Header        http.Header
	ContentLength int64
}

// Bodyless 报告该响应按协议是否不带正文。
func (r *Response) Bodyless(method string) bool {
	if method == http.MethodHead {
		return true
	}
	return (r.Status >= 100 && r.Status < 200) || r.Status == http.StatusNoContent || r.Status == http.StatusNotModified
}

// Options 描述创建事务所需的连接侧信息。
type Options struct {
	Protocol     Protocol
	StreamID     uint32
	Request      *Request
	RequestBody  pump.Options
	ResponseBody pump.Options
}

// Transaction 表示一次请求/响应交换，由所属连接独占。
type Transaction struct {
	ID       string
	StreamID uint32
	Protocol Protocol
	Request  *Request
	// ReqBody 为客户端 -> 源站方向，RespBody 为源站/缓存 -> 客户端方向。
	ReqBody  *pump.Channel
	RespBody *pump.Channel

	started time.Time
	ctx     context.Context
	cancel  context.CancelCauseFunc

	mu            sync.Mutex
	state         State
	response      *Response
	head          chan struct{}
	done          chan struct{}
	bodyAbandoned bool
	cause         error
	failure       error
	disposition   string
	timers        []*timeout.Timer
}

// New 在请求头解析完成时创建事务；调用方随后调用 Start 或 Abort。
func New(parent context.Context, opts Options) *Transaction {
	if parent == nil {
		parent = context.Background()
	}
	req := opts.Request
	if req == nil {
		req = &Request{Header: http.Header{}}
	}
	if req.Header == nil {
		req.Header = http.Header{}
	}

	reqOpts := opts.RequestBody
	reqOpts.ExpectedLength = req.ContentLength
	respOpts := opts.ResponseBody
	respOpts.ExpectedLength = pump.UnknownLength

	ctx, cancel := context.WithCancelCause(parent)
	return &Transaction{
		ID:       uuid.NewString(),
		StreamID: opts.StreamID,
		Protocol: opts.Protocol,
		Request:  req,
		ReqBody:  pump.New(reqOpts),
		RespBody: pump.New(respOpts),
		started:  time.Now(),
		ctx:      ctx,
		cancel:   cancel,
		state:    ReceivingRequestHeaders,
		head:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start 根据请求是否带正文触发头部完成事件。
func (t *Transaction) Start() error {
	if t.Request.HasBody() {
		return t.Fire(EventRequestHeaders)
	}
	return t.Fire(EventRequestHeadersNoBody)
}

// Fire 按迁移表推进状态机。
func (t *Transaction) Fire(ev Event) error {
	if ev == EventAbort {
		t.Abort(nil)
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	next, err := Transition(t.state, ev)
	if err != nil {
		return err
	}
	t.state = next
	return nil
}

// FinishRequestBody 由请求正文的生产者在读到结束标记后调用。
func (t *Transaction) FinishRequestBody() {
	t.ReqBody.Finish()
	_ = t.Fire(EventRequestBodyDone)
}

// Respond 提交响应头。early response 场景下请求正文可能仍在到达。
func (t *Transaction) Respond(resp *Response) error {
	if resp == nil {
		return errors.New("nil response")
	}
	if resp.Header == nil {
		resp.Header = http.Header{}
	}

	t.mu.Lock()
	next, err := Transition(t.state, EventResponseHeaders)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	t.state = next
	t.response = resp
	close(t.head)
	t.mu.Unlock()

	length := resp.ContentLength
	if resp.Bodyless(t.Request.Method) {
		length = 0
	}
	return t.RespBody.SetExpectedLength(length)
}

// ResponseHead 在响应头提交后关闭。
func (t *Transaction) ResponseHead() <-chan struct{} {
	return t.head
}

// Response 返回已提交的响应头，未提交时为 nil。
func (t *Transaction) Response() *Response {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.response
}

// Responded 报告响应头是否已提交；提交后状态码不可再更改。
func (t *Transaction) Responded() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.response != nil
}

// SetFailure 记录一个已通过合成响应告知客户端的失败；响应写完后事务以 Aborted 结束。
func (t *Transaction) SetFailure(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failure == nil {
		t.failure = err
	}
}

// Complete 在响应最后一个字节写出后由连接层调用。若请求正文尚未结束，则标记
// bodyAbandoned 并放弃请求方向：drain 为 true 时继续读取并丢弃剩余字节（HTTP/1.1
// 保持可解析），否则直接关闭（HTTP/2 reset 或 HTTP/1.1 Connection: close）。
func (t *Transaction) Complete(drain bool) (bool, error) {
	t.mu.Lock()
	if t.state.Terminal() {
		t.mu.Unlock()
		return false, nil
	}
	ev := EventResponseComplete
	if t.failure != nil {
		ev = EventAbort
	}
	next, err := Transition(t.state, ev)
	if err != nil {
		t.mu.Unlock()
		return false, err
	}
	t.state = next
	if next == Aborted {
		t.cause = t.failure
	}
	abandoned := !t.ReqBody.Terminal()
	if abandoned {
		t.bodyAbandoned = true
	}
	t.finishLocked()
	t.mu.Unlock()

	if abandoned {
		t.ReqBody.Abandon(drain)
	}
	t.cancel(t.failure)
	return abandoned, nil
}

// Abort 中止事务并以取消原因关闭两个方向的通道。对终态事务为 no-op。
func (t *Transaction) Abort(err error) bool {
	if err == nil {
		err = ErrAborted
	}
	t.mu.Lock()
	if t.state.Terminal() {
		t.mu.Unlock()
		return false
	}
	t.state = Aborted
	t.cause = err
	t.finishLocked()
	t.mu.Unlock()

	t.cancel(err)
	t.ReqBody.Cancel(err)
	t.RespBody.Cancel(err)
	return true
}

func (t *Transaction) finishLocked() {
	close(t.done)
	for _, timer := range t.timers {
		timer.Stop()
	}
	t.timers = nil
}

// AttachTimers 让事务在进入终态时停止这些计时器。
func (t *Transaction) AttachTimers(timers ...*timeout.Timer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Terminal() {
		for _, timer := range timers {
			timer.Stop()
		}
		return
	}
	for _, timer := range timers {
		if timer != nil {
			t.timers = append(t.timers, timer)
		}
	}
}

// Context 在事务进入终态时被取消。
func (t *Transaction) Context() context.Context {
	return t.ctx
}

// Done 在事务进入终态时关闭。
func (t *Transaction) Done() <-chan struct{} {
	return t.done
}

func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Cause 返回中止原因，正常完成时为 nil。
func (t *Transaction) Cause() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cause
}

func (t *Transaction) BodyAbandoned() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bodyAbandoned
}

// SetDisposition 记录缓存处置结果（miss、hit-fresh、hit-stale、skipped）。
func (t *Transaction) SetDisposition(d string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disposition = d
}

func (t *Transaction) Disposition() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.disposition
}

func (t *Transaction) Started() time.Time {
	return t.started
}
