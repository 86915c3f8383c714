package timeout

import "time"

// Timer 属于单个连接或事务，所有字段由 Supervisor.mu 保护。
type Timer struct {
	sup      *Supervisor
	kind     Kind
	interval time.Duration
	armedAt  time.Time
	deadline time.Time
	at       time.Time // heap key, <= deadline
	index    int
	paused   bool
	stopped  bool
	fired    bool
	fire     func(*Timer)
}

// Touch 记录一次被监控方向的字节流动。Inactivity 计时器的截止时间顺延一个间隔；
// Active 计时器不受影响。
func (t *Timer) Touch() {
	if t == nil || t.kind != Inactivity {
		return
	}
	s := t.sup
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.stopped || t.fired || t.paused {
		return
	}
	t.deadline = time.Now().Add(t.interval)
	if t.index < 0 {
		s.pushLocked(t, t.deadline)
	}
}

// Pause 暂停 Inactivity 计时器，用于被监控方向本就不应有流量的阶段
// （例如等待源站响应时的客户端方向）。
func (t *Timer) Pause() {
	if t == nil || t.kind != Inactivity {
		return
	}
	s := t.sup
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.stopped || t.fired || t.paused {
		return
	}
	t.paused = true
	s.removeLocked(t)
}

// Resume 恢复被暂停的 Inactivity 计时器，并从当前时刻重新计时。
func (t *Timer) Resume() {
	if t == nil || t.kind != Inactivity {
		return
	}
	s := t.sup
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.stopped || t.fired || !t.paused {
		return
	}
	t.paused = false
	t.deadline = time.Now().Add(t.interval)
	s.pushLocked(t, t.deadline)
}

// Stop 取消计时器，可重复调用。
func (t *Timer) Stop() {
	if t == nil {
		return
	}
	s := t.sup
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.stopped {
		return
	}
	t.stopped = true
	s.removeLocked(t)
}

func (t *Timer) Kind() Kind {
	if t == nil {
		return Inactivity
	}
	return t.kind
}

func (t *Timer) Interval() time.Duration {
	if t == nil {
		return 0
	}
	return t.interval
}

func (t *Timer) ArmedAt() time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.armedAt
}

// Deadline 返回当前逻辑截止时间；已暂停或已停止的计时器返回零值。
func (t *Timer) Deadline() time.Time {
	if t == nil {
		return time.Time{}
	}
	t.sup.mu.Lock()
	defer t.sup.mu.Unlock()
	if t.stopped || t.paused {
		return time.Time{}
	}
	return t.deadline
}

// Fired 报告计时器是否已经触发。
func (t *Timer) Fired() bool {
	if t == nil {
		return false
	}
	t.sup.mu.Lock()
	defer t.sup.mu.Unlock()
	return t.fired
}

// timerQueue 是按 at 排序的最小堆。
type timerQueue []*Timer

func (q timerQueue) Len() int           { return len(q) }
func (q timerQueue) Less(i, j int) bool { return q[i].at.Before(q[j].at) }

func (q timerQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *timerQueue) Push(x any) {
	t := x.(*Timer)
	t.index = len(*q)
	*q = append(*q, t)
}

func (q *timerQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*q = old[:n-1]
	return t
}
