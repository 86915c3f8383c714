package txn

import (
	"sort"
	"sync"
	"time"

	"github.com/any-hub/any-edge/internal/pump"
)

// Snapshot 是供诊断接口与日志读取的只读视图。
type Snapshot struct {
	ID            string     `json:"id"`
	StreamID      uint32     `json:"stream_id,omitempty"`
	Protocol      string     `json:"protocol"`
	Method        string     `json:"method"`
	Host          string     `json:"host"`
	Path          string     `json:"path"`
	State         string     `json:"state"`
	Output        string     `json:"output_state"`
	BytesIn       int64      `json:"bytes_in"`
	BytesOut      int64      `json:"bytes_out"`
	BodyAbandoned bool       `json:"body_abandoned"`
	Cause         string     `json:"cause,omitempty"`
	Disposition   string     `json:"disposition,omitempty"`
	Status        int        `json:"status,omitempty"`
	AgeMillis     int64      `json:"age_ms"`
	RequestBody   pump.Stats `json:"request_body"`
	ResponseBody  pump.Stats `json:"response_body"`
}

// Snapshot 采集当前状态。BytesIn 为从客户端读入的正文字节，BytesOut 为写给客户端的字节。
func (t *Transaction) Snapshot() Snapshot {
	t.mu.Lock()
	state := t.state
	abandoned := t.bodyAbandoned
	cause := t.cause
	disposition := t.disposition
	status := 0
	if t.response != nil {
		status = t.response.Status
	}
	t.mu.Unlock()

	reqStats := t.ReqBody.Snapshot()
	respStats := t.RespBody.Snapshot()

	causeText := ""
	switch {
	case cause != nil:
		causeText = cause.Error()
	case state == Complete:
		causeText = "complete"
	}

	return Snapshot{
		ID:            t.ID,
		StreamID:      t.StreamID,
		Protocol:      t.Protocol.String(),
		Method:        t.Request.Method,
		Host:          t.Request.Host,
		Path:          t.Request.Path,
		State:         state.String(),
		Output:        state.Output(),
		BytesIn:       reqStats.Transferred,
		BytesOut:      respStats.Delivered,
		BodyAbandoned: abandoned,
		Cause:         causeText,
		Disposition:   disposition,
		Status:        status,
		AgeMillis:     time.Since(t.started).Milliseconds(),
		RequestBody:   reqStats,
		ResponseBody:  respStats,
	}
}

// Table 记录进程内全部存活事务，供诊断接口枚举。
type Table struct {
	mu    sync.RWMutex
	items map[string]*Transaction
}

func NewTable() *Table {
	return &Table{items: make(map[string]*Transaction)}
}

func (tb *Table) Add(t *Transaction) {
	if tb == nil || t == nil {
		return
	}
	tb.mu.Lock()
	tb.items[t.ID] = t
	tb.mu.Unlock()
}

func (tb *Table) Remove(t *Transaction) {
	if tb == nil || t == nil {
		return
	}
	tb.mu.Lock()
	delete(tb.items, t.ID)
	tb.mu.Unlock()
}

func (tb *Table) Get(id string) (*Transaction, bool) {
	if tb == nil {
		return nil, false
	}
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	t, ok := tb.items[id]
	return t, ok
}

func (tb *Table) Len() int {
	if tb == nil {
		return 0
	}
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	return len(tb.items)
}

// Snapshots 按创建时间排序返回所有存活事务的快照。
func (tb *Table) Snapshots() []Snapshot {
	if tb == nil {
		return nil
	}
	tb.mu.RLock()
	list := make([]*Transaction, 0, len(tb.items))
	for _, t := range tb.items {
		list = append(list, t)
	}
	tb.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		return list[i].started.Before(list[j].started)
	})
	out := make([]Snapshot, 0, len(list))
	for _, t := range list {
		out = append(out, t.Snapshot())
	}
	return out
}
