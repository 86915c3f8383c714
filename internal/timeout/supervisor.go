// Package timeout implements the process-wide timer facility used for
// connection and transaction deadlines. All timers share one min-heap keyed by
// deadline and one dispatch goroutine; rearming an inactivity timer only moves
// its logical deadline and the heap entry is re-keyed lazily when it surfaces.
package timeout

import (
	"container/heap"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Kind 区分两类计时器。
type Kind int

const (
	// Inactivity 在被监控方向静默超过间隔时触发，每次字节流动都会重置。
	Inactivity Kind = iota
	// Active 在 armedAt + 间隔时无条件触发。
	Active
)

func (k Kind) String() string {
	switch k {
	case Inactivity:
		return "inactivity"
	case Active:
		return "active"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ErrTimeout 是所有超时错误的哨兵值。
var ErrTimeout = errors.New("timeout exceeded")

// Error 描述触发的超时，Scope 形如 "client"、"origin"、"session"。
type Error struct {
	Kind  Kind
	Scope string
	After time.Duration
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s timeout exceeded after %s", e.Scope, e.Kind, e.After)
}

func (e *Error) Unwrap() error { return ErrTimeout }

// Supervisor 持有全部已武装计时器，并在单个 goroutine 中分发到期回调。
type Supervisor struct {
	logger *logrus.Logger

	mu      sync.Mutex
	queue   timerQueue
	wake    chan struct{}
	stop    chan struct{}
	done    chan struct{}
	started bool
	stopped bool

	fired atomic.Uint64
}

// NewSupervisor 创建未启动的 Supervisor，logger 可为空。
func NewSupervisor(logger *logrus.Logger) *Supervisor {
	return &Supervisor{
		logger: logger,
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start 启动分发循环，重复调用无副作用。
func (s *Supervisor) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true
	go s.run()
}

// Stop 终止分发循环，未到期的计时器不再触发。
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	started := s.started
	s.mu.Unlock()

	close(s.stop)
	if started {
		<-s.done
	}
}

// Len 返回当前排队中的计时器数量。
func (s *Supervisor) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Fired 返回自启动以来触发过的计时器总数。
func (s *Supervisor) Fired() uint64 {
	return s.fired.Load()
}

// Arm 武装一个计时器；d <= 0 表示禁用并返回 nil，nil *Timer 上的所有方法均为 no-op。
// fire 在分发 goroutine 中调用，必须快速返回。
func (s *Supervisor) Arm(kind Kind, d time.Duration, fire func(*Timer)) *Timer {
	if s == nil || d <= 0 {
		return nil
	}
	now := time.Now()
	t := &Timer{
		sup:      s,
		kind:     kind,
		interval: d,
		armedAt:  now,
		deadline: now.Add(d),
		index:    -1,
		fire:     fire,
	}
	s.mu.Lock()
	s.pushLocked(t, t.deadline)
	s.mu.Unlock()
	return t
}

func (s *Supervisor) pushLocked(t *Timer, at time.Time) {
	t.at = at
	heap.Push(&s.queue, t)
	if t.index == 0 {
		s.notify()
	}
}

func (s *Supervisor) removeLocked(t *Timer) {
	if t.index >= 0 {
		heap.Remove(&s.queue, t.index)
	}
}

func (s *Supervisor) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Supervisor) run() {
	defer close(s.done)

	clock := time.NewTimer(time.Hour)
	clock.Stop()
	defer clock.Stop()

	for {
		due, wait := s.collect(time.Now())
		for _, t := range due {
			s.dispatch(t)
		}

		if wait >= 0 {
			clock.Reset(wait)
		}
		select {
		case <-clock.C:
		case <-s.wake:
			clock.Stop()
		case <-s.stop:
			return
		}
	}
}

// collect 弹出全部到期计时器；被 Touch 推迟的条目按新的 deadline 重新排序。
func (s *Supervisor) collect(now time.Time) ([]*Timer, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*Timer
	for len(s.queue) > 0 {
		head := s.queue[0]
		if head.at.After(now) {
			break
		}
		if head.deadline.After(now) {
			head.at = head.deadline
			heap.Fix(&s.queue, 0)
			continue
		}
		heap.Pop(&s.queue)
		head.fired = true
		due = append(due, head)
	}

	if len(s.queue) == 0 {
		return due, -1
	}
	return due, s.queue[0].at.Sub(now)
}

func (s *Supervisor) dispatch(t *Timer) {
	s.fired.Add(1)
	defer func() {
		if r := recover(); r != nil && s.logger != nil {
			s.logger.WithFields(logrus.Fields{
				"action": "timer_fire",
				"kind":   t.kind.String(),
			}).Errorf("timer callback panic: %v", r)
		}
	}()
	if t.fire != nil {
		t.fire(t)
	}
}
