package server

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/any-hub/any-edge/internal/timeout"
	"github.com/any-hub/any-edge/internal/txn"
)

func dialRaw(t *testing.T, addr string) (net.Conn, *bufio.Reader) {
	t.Helper()
	nc, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { nc.Close() })
	_ = nc.SetDeadline(time.Now().Add(10 * time.Second))
	return nc, bufio.NewReader(nc)
}

func TestHTTP1KeepAliveServesSequentialRequests(t *testing.T) {
	srv, addr := startTestServer(t, TransactionHandlerFunc(echoHandler), nil)

	client := &http.Client{Transport: &http.Transport{}}
	defer client.CloseIdleConnections()

	for i, body := range []string{"first", "second"} {
		resp, err := client.Post("http://"+addr+"/upload?n=1", "text/plain", strings.NewReader(body))
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		got, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d: unexpected status %d", i, resp.StatusCode)
		}
		if want := "POST /upload?n=1 " + body; string(got) != want {
			t.Fatalf("request %d: expected %q got %q", i, want, got)
		}
	}
	if srv.Accepted() != 1 {
		t.Fatalf("expected the connection to be reused, accepted=%d", srv.Accepted())
	}
}

func TestHTTP1ChunkedResponse(t *testing.T) {
	_, addr := startTestServer(t, TransactionHandlerFunc(func(tx *txn.Transaction) {
		_ = tx.Respond(&txn.Response{Status: http.StatusOK, ContentLength: -1})
		for _, part := range []string{"hello ", "world"} {
			if _, err := tx.RespBody.Write(tx.Context(), []byte(part)); err != nil {
				tx.Abort(err)
				return
			}
		}
		tx.RespBody.Finish()
	}), nil)

	resp, err := http.Get("http://" + addr + "/stream")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "hello world" {
		t.Fatalf("unexpected body %q", body)
	}
	if len(resp.TransferEncoding) == 0 || resp.TransferEncoding[0] != "chunked" {
		t.Fatalf("expected chunked transfer encoding, got %v", resp.TransferEncoding)
	}
}

func TestHTTP1HeadOmitsBody(t *testing.T) {
	_, addr := startTestServer(t, TransactionHandlerFunc(func(tx *txn.Transaction) {
		_ = tx.Respond(&txn.Response{Status: http.StatusOK, ContentLength: 42})
	}), nil)

	nc, br := dialRaw(t, addr)
	if _, err := io.WriteString(nc, "HEAD /file HTTP/1.1\r\nHost: edge.local\r\n\r\nGET /next HTTP/1.1\r\nHost: edge.local\r\n\r\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	resp, err := http.ReadResponse(br, &http.Request{Method: http.MethodHead})
	if err != nil {
		t.Fatalf("read head response: %v", err)
	}
	if resp.ContentLength != 42 {
		t.Fatalf("HEAD should advertise the content length, got %d", resp.ContentLength)
	}
	line, err := br.ReadString('\n')
	if err != nil || !strings.HasPrefix(line, "HTTP/1.1 200") {
		t.Fatalf("next response should start immediately after HEAD headers, got %q (%v)", line, err)
	}
}

func TestHTTP1EarlyResponseClosesLargeUpload(t *testing.T) {
	seen := make(chan *txn.Transaction, 1)
	_, addr := startTestServer(t, TransactionHandlerFunc(func(tx *txn.Transaction) {
		seen <- tx
		respond(tx, http.StatusForbidden, "early")
	}), nil)

	nc, br := dialRaw(t, addr)
	head := "POST /upload HTTP/1.1\r\nHost: edge.local\r\nContent-Length: 1048576\r\n\r\n"
	if _, err := io.WriteString(nc, head); err != nil {
		t.Fatalf("write head: %v", err)
	}
	if _, err := nc.Write(bytes.Repeat([]byte("x"), 1024)); err != nil {
		t.Fatalf("write body: %v", err)
	}

	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusForbidden || string(body) != "early" {
		t.Fatalf("unexpected early response %d %q", resp.StatusCode, body)
	}
	if !resp.Close {
		t.Fatalf("large remainder must be answered with Connection: close")
	}

	tx := receiveTx(t, seen)
	waitDone(t, tx)
	if tx.State() != txn.Complete {
		t.Fatalf("expected complete, got %s (cause %v)", tx.State(), tx.Cause())
	}
	if !tx.BodyAbandoned() {
		t.Fatalf("request body should be marked abandoned")
	}

	if _, err := br.ReadByte(); err == nil {
		t.Fatalf("connection should be closed after the early response")
	}
}

func TestHTTP1EarlyResponseDrainsSmallRemainder(t *testing.T) {
	seen := make(chan *txn.Transaction, 2)
	srv, addr := startTestServer(t, TransactionHandlerFunc(func(tx *txn.Transaction) {
		seen <- tx
		if tx.Request.Method == http.MethodPost {
			respond(tx, http.StatusAccepted, "early")
			return
		}
		echoHandler(tx)
	}), nil)

	nc, br := dialRaw(t, addr)
	if _, err := io.WriteString(nc, "POST /upload HTTP/1.1\r\nHost: edge.local\r\nContent-Length: 2048\r\n\r\n"); err != nil {
		t.Fatalf("write head: %v", err)
	}
	if _, err := nc.Write(bytes.Repeat([]byte("a"), 1024)); err != nil {
		t.Fatalf("write body: %v", err)
	}

	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		t.Fatalf("read early response: %v", err)
	}
	_, _ = io.ReadAll(resp.Body)
	if resp.Close {
		t.Fatalf("small remainder should be drained instead of closing")
	}

	first := receiveTx(t, seen)
	waitDone(t, first)
	if !first.BodyAbandoned() {
		t.Fatalf("first request body should be abandoned")
	}

	if _, err := nc.Write(bytes.Repeat([]byte("a"), 1024)); err != nil {
		t.Fatalf("write remainder: %v", err)
	}
	if _, err := io.WriteString(nc, "GET /next HTTP/1.1\r\nHost: edge.local\r\n\r\n"); err != nil {
		t.Fatalf("write second request: %v", err)
	}
	resp, err = http.ReadResponse(br, nil)
	if err != nil {
		t.Fatalf("read second response: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "GET /next " {
		t.Fatalf("unexpected second body %q", body)
	}
	if srv.Accepted() != 1 {
		t.Fatalf("expected a single connection, got %d", srv.Accepted())
	}
	if got := first.ReqBody.Snapshot().Discarded; got != 2048 {
		t.Fatalf("expected 2048 discarded request bytes, got %d", got)
	}
}

func TestHTTP1ClientInactivityAbortsStalledUpload(t *testing.T) {
	seen := make(chan *txn.Transaction, 1)
	_, addr := startTestServer(t, TransactionHandlerFunc(func(tx *txn.Transaction) {
		seen <- tx
		echoHandler(tx)
	}), func(o *Options) {
		o.Timeouts.TransactionNoActivityIn = 200 * time.Millisecond
	})

	nc, br := dialRaw(t, addr)
	if _, err := io.WriteString(nc, "POST /upload HTTP/1.1\r\nHost: edge.local\r\nContent-Length: 100\r\n\r\n0123456789"); err != nil {
		t.Fatalf("write: %v", err)
	}

	tx := receiveTx(t, seen)
	waitDone(t, tx)
	if tx.State() != txn.Aborted {
		t.Fatalf("expected aborted, got %s", tx.State())
	}
	var terr *timeout.Error
	if !errors.As(tx.Cause(), &terr) || terr.Scope != "client" || terr.Kind != timeout.Inactivity {
		t.Fatalf("expected client inactivity timeout, got %v", tx.Cause())
	}
	if _, err := br.ReadByte(); err == nil {
		t.Fatalf("connection should be closed after the timeout")
	}
}

func TestHTTP1SlowHandlerDoesNotTripClientInactivity(t *testing.T) {
	seen := make(chan *txn.Transaction, 1)
	_, addr := startTestServer(t, TransactionHandlerFunc(func(tx *txn.Transaction) {
		seen <- tx
		time.Sleep(500 * time.Millisecond)
		respond(tx, http.StatusOK, "slow")
	}), func(o *Options) {
		o.Timeouts.TransactionNoActivityIn = 150 * time.Millisecond
	})

	resp, err := http.Get("http://" + addr + "/slow")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "slow" {
		t.Fatalf("unexpected body %q", body)
	}
	tx := receiveTx(t, seen)
	waitDone(t, tx)
	if tx.State() != txn.Complete {
		t.Fatalf("waiting on the origin must not count as client inactivity: %s %v", tx.State(), tx.Cause())
	}
}

func TestHTTP1MalformedRequestReturns400(t *testing.T) {
	_, addr := startTestServer(t, TransactionHandlerFunc(echoHandler), nil)

	nc, br := dialRaw(t, addr)
	if _, err := io.WriteString(nc, "NOT A REQUEST\r\n\r\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	line, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.HasPrefix(line, "HTTP/1.1 400") {
		t.Fatalf("expected 400, got %q", line)
	}
}

func TestHTTP1ActiveTimeoutCutsStreamingResponse(t *testing.T) {
	seen := make(chan *txn.Transaction, 1)
	_, addr := startTestServer(t, TransactionHandlerFunc(func(tx *txn.Transaction) {
		seen <- tx
		if err := tx.Respond(&txn.Response{Status: http.StatusOK, ContentLength: -1}); err != nil {
			return
		}
		for i := 0; i < 200; i++ {
			if _, err := tx.RespBody.Write(tx.Context(), []byte("tick\n")); err != nil {
				return
			}
			time.Sleep(20 * time.Millisecond)
		}
		tx.RespBody.Finish()
	}), func(o *Options) {
		o.Timeouts.TransactionActiveIn = 300 * time.Millisecond
	})

	resp, err := http.Get("http://" + addr + "/stream")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err == nil {
		t.Fatalf("response should be cut off, got %d complete bytes", len(body))
	}
	if len(body) == 0 || len(body) >= 200*len("tick\n") {
		t.Fatalf("expected a partial body, got %d bytes", len(body))
	}

	tx := receiveTx(t, seen)
	waitDone(t, tx)
	var terr *timeout.Error
	if tx.State() != txn.Aborted || !errors.As(tx.Cause(), &terr) || terr.Kind != timeout.Active || terr.Scope != "transaction" {
		t.Fatalf("expected transaction active timeout, got %s %v", tx.State(), tx.Cause())
	}
}
