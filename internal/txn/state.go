package txn

import "fmt"

// State 是事务状态机的显式状态。
type State int

const (
	ReceivingRequestHeaders State = iota
	ReceivingRequestBody
	AwaitingOriginResponse
	StreamingResponseHeaders
	StreamingResponseBody
	Complete
	Aborted
)

var stateNames = [...]string{
	ReceivingRequestHeaders:  "receiving_request_headers",
	ReceivingRequestBody:     "receiving_request_body",
	AwaitingOriginResponse:   "awaiting_origin_response",
	StreamingResponseHeaders: "streaming_response_headers",
	StreamingResponseBody:    "streaming_response_body",
	Complete:                 "complete",
	Aborted:                  "aborted",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal 报告状态是否为终态。
func (s State) Terminal() bool {
	return s == Complete || s == Aborted
}

// Output 将细粒度状态折叠为输出侧状态 {awaiting, streaming, complete, aborted}。
func (s State) Output() string {
	switch s {
	case StreamingResponseHeaders, StreamingResponseBody:
		return "streaming_response"
	case Complete:
		return "complete"
	case Aborted:
		return "aborted"
	default:
		return "awaiting_response"
	}
}

// Event 驱动状态迁移。
type Event int

const (
	// EventRequestHeaders 请求头解析完成且随后有正文。
	EventRequestHeaders Event = iota
	// EventRequestHeadersNoBody 请求头解析完成且没有正文。
	EventRequestHeadersNoBody
	EventRequestBodyDone
	EventResponseHeaders
	EventResponseBody
	EventResponseComplete
	EventAbort
)

var eventNames = [...]string{
	EventRequestHeaders:       "request_headers",
	EventRequestHeadersNoBody: "request_headers_no_body",
	EventRequestBodyDone:      "request_body_done",
	EventResponseHeaders:      "response_headers",
	EventResponseBody:         "response_body",
	EventResponseComplete:     "response_complete",
	EventAbort:                "abort",
}

func (e Event) String() string {
	if e >= 0 && int(e) < len(eventNames) {
		return eventNames[e]
	}
	return fmt.Sprintf("event(%d)", int(e))
}

// transitions 是完整的迁移表；不在表内的 (state, event) 组合均视为协议错误。
// 请求正文与响应相互独立：ReceivingRequestBody 下允许直接进入响应阶段（early
// response），响应阶段与 Complete 下的 EventRequestBodyDone 保持原状态。
var transitions = map[State]map[Event]State{
	ReceivingRequestHeaders: {
		EventRequestHeaders:       ReceivingRequestBody,
		EventRequestHeadersNoBody: AwaitingOriginResponse,
		EventAbort:                Aborted,
	},
	ReceivingRequestBody: {
		EventRequestBodyDone: AwaitingOriginResponse,
		EventResponseHeaders: StreamingResponseHeaders,
		EventAbort:           Aborted,
	},
	AwaitingOriginResponse: {
		EventResponseHeaders: StreamingResponseHeaders,
		EventAbort:           Aborted,
	},
	StreamingResponseHeaders: {
		EventRequestBodyDone:  StreamingResponseHeaders,
		EventResponseBody:     StreamingResponseBody,
		EventResponseComplete: Complete,
		EventAbort:            Aborted,
	},
	StreamingResponseBody: {
		EventRequestBodyDone:  StreamingResponseBody,
		EventResponseBody:     StreamingResponseBody,
		EventResponseComplete: Complete,
		EventAbort:            Aborted,
	},
	Complete: {
		EventRequestBodyDone: Complete,
		EventAbort:           Complete,
	},
	Aborted: {
		EventRequestBodyDone: Aborted,
		EventAbort:           Aborted,
	},
}

// Transition 计算 (state, event) 的下一个状态。Aborted 之后的响应事件返回
// ErrAborted，其余非法组合返回 *ProtocolError。
func Transition(from State, ev Event) (State, error) {
	if next, ok := transitions[from][ev]; ok {
		return next, nil
	}
	if from == Aborted {
		return Aborted, ErrAborted
	}
	return from, &ProtocolError{Reason: fmt.Sprintf("event %s not allowed in state %s", ev, from)}
}
