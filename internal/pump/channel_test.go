package pump

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"
)

func TestChannelDeliversInOrder(t *testing.T) {
	ch := New(Options{ExpectedLength: UnknownLength, FrameSize: 4, BufferSize: 16})
	ctx := context.Background()

	go func() {
		for _, part := range []string{"alpha", "beta", "gamma"} {
			if _, err := ch.Write(ctx, []byte(part)); err != nil {
				t.Errorf("write error: %v", err)
				return
			}
		}
		ch.Finish()
	}()

	body, err := io.ReadAll(ch.Reader(ctx))
	if err != nil {
		t.Fatalf("read error: %v", err)
	}
	if string(body) != "alphabetagamma" {
		t.Fatalf("unexpected body: %q", body)
	}
	stats := ch.Snapshot()
	if stats.State != "closed" || stats.Cause != "end" {
		t.Fatalf("unexpected terminal stats: %+v", stats)
	}
	if stats.Transferred != 14 || stats.Delivered != 14 {
		t.Fatalf("unexpected counters: %+v", stats)
	}
}

func TestChannelZeroLengthIsClosed(t *testing.T) {
	ch := New(Options{ExpectedLength: 0})
	if !ch.Terminal() || ch.Cause() != CauseEnd {
		t.Fatalf("expected zero-length channel to be closed with end, got %s/%s", ch.State(), ch.Cause())
	}
	if _, err := ch.Next(context.Background()); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestChannelDeclaredLengthEndsWithoutFinish(t *testing.T) {
	ch := New(Options{ExpectedLength: 6})
	if _, err := ch.Push([]byte("abcdef")); err != nil {
		t.Fatalf("push error: %v", err)
	}
	if !ch.Ended() {
		t.Fatalf("expected channel to be ended after declared length")
	}
	frame, err := ch.Next(context.Background())
	if err != nil || string(frame) != "abcdef" {
		t.Fatalf("unexpected frame %q err %v", frame, err)
	}
	if !ch.Terminal() {
		t.Fatalf("expected closed after final frame")
	}
}

func TestChannelOverflowRejected(t *testing.T) {
	ch := New(Options{ExpectedLength: 3})
	if _, err := ch.Push([]byte("abcd")); !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}
}

func TestChannelBackpressure(t *testing.T) {
	ch := New(Options{ExpectedLength: UnknownLength, FrameSize: 4, BufferSize: 4})
	if res, err := ch.Push([]byte("1234")); err != nil || res != Accepted {
		t.Fatalf("first push: %v %v", res, err)
	}
	res, err := ch.Push([]byte("5678"))
	if err != nil || res != Backpressure {
		t.Fatalf("expected backpressure, got %v %v", res, err)
	}
	if ch.Transferred() != 4 {
		t.Fatalf("rejected push must not be counted, got %d", ch.Transferred())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := ch.Write(ctx, []byte("5678")); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected blocked write to time out, got %v", err)
	}

	if _, err := ch.Next(context.Background()); err != nil {
		t.Fatalf("next error: %v", err)
	}
	if res, err := ch.Push([]byte("5678")); err != nil || res != Accepted {
		t.Fatalf("push after consume: %v %v", res, err)
	}
}

func TestChannelAbandonWithDrainCountsDiscarded(t *testing.T) {
	ch := New(Options{ExpectedLength: 10})
	if _, err := ch.Push([]byte("abc")); err != nil {
		t.Fatalf("push error: %v", err)
	}

	ch.Abandon(true)
	if ch.State() != Draining {
		t.Fatalf("expected draining, got %s", ch.State())
	}
	if _, err := ch.Next(context.Background()); !errors.Is(err, ErrAbandoned) {
		t.Fatalf("consumer should observe abandoned, got %v", err)
	}
	if ch.Remaining() != 7 {
		t.Fatalf("expected 7 remaining, got %d", ch.Remaining())
	}

	if _, err := ch.Push([]byte("defg")); err != nil {
		t.Fatalf("drain push error: %v", err)
	}
	if ch.Terminal() {
		t.Fatalf("channel closed before declared length was drained")
	}
	if _, err := ch.Push([]byte("hij")); err != nil {
		t.Fatalf("drain push error: %v", err)
	}
	if !ch.Terminal() || ch.Cause() != CauseAbandoned {
		t.Fatalf("expected closed/abandoned, got %s/%s", ch.State(), ch.Cause())
	}
	stats := ch.Snapshot()
	if stats.Transferred != 3 || stats.Discarded != 10 {
		t.Fatalf("unexpected counters: %+v", stats)
	}
	if _, err := ch.Push([]byte("x")); !errors.Is(err, ErrAbandoned) {
		t.Fatalf("producer after close should see ErrAbandoned, got %v", err)
	}
}

func TestChannelCancelIsTerminalAndIdempotent(t *testing.T) {
	ch := New(Options{ExpectedLength: UnknownLength})
	if _, err := ch.Push([]byte("data")); err != nil {
		t.Fatalf("push error: %v", err)
	}
	cause := errors.New("client inactivity")
	ch.Cancel(cause)
	ch.Cancel(errors.New("second"))
	ch.Abandon(true)

	if ch.Cause() != CauseCancelled {
		t.Fatalf("expected cancelled cause, got %s", ch.Cause())
	}
	_, err := ch.Next(context.Background())
	if !errors.Is(err, ErrCancelled) || !errors.Is(err, cause) {
		t.Fatalf("expected cancellation error wrapping cause, got %v", err)
	}
	select {
	case <-ch.Done():
	default:
		t.Fatalf("done channel should be closed")
	}
}

func TestChannelCancelWakesBlockedConsumer(t *testing.T) {
	ch := New(Options{ExpectedLength: UnknownLength})
	errCh := make(chan error, 1)
	go func() {
		_, err := ch.Next(context.Background())
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	ch.Cancel(nil)

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrCancelled) {
			t.Fatalf("expected ErrCancelled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("consumer was not woken by cancel")
	}
}

func TestChannelOnConsumeReportsFrames(t *testing.T) {
	var mu sync.Mutex
	consumed := 0
	ch := New(Options{
		ExpectedLength: UnknownLength,
		FrameSize:      2,
		OnConsume: func(n int) {
			mu.Lock()
			consumed += n
			mu.Unlock()
		},
	})
	if _, err := ch.Push([]byte("abcde")); err != nil {
		t.Fatalf("push error: %v", err)
	}
	ch.Finish()

	var buf bytes.Buffer
	for frame, err := range ch.Chunks(context.Background()) {
		if err != nil {
			t.Fatalf("chunk error: %v", err)
		}
		buf.Write(frame)
	}
	if buf.String() != "abcde" {
		t.Fatalf("unexpected body %q", buf.String())
	}
	mu.Lock()
	defer mu.Unlock()
	if consumed != 5 {
		t.Fatalf("expected 5 consumed bytes, got %d", consumed)
	}
}
