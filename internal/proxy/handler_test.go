package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-edge/internal/cache"
	"github.com/any-hub/any-edge/internal/config"
	"github.com/any-hub/any-edge/internal/proxy/hooks"
	"github.com/any-hub/any-edge/internal/revalidate"
	"github.com/any-hub/any-edge/internal/server"
	"github.com/any-hub/any-edge/internal/timeout"
	"github.com/any-hub/any-edge/internal/txn"
)

const testDomain = "static.edge.local"

type testProxy struct {
	handler *Handler
	store   cache.Store
	index   *revalidate.Index
}

func newTestProxy(t *testing.T, origin string, mutate func(*Options)) *testProxy {
	t.Helper()

	cfg := &config.Config{
		Global: config.GlobalConfig{ListenPort: 8080, CacheTTL: config.Duration(time.Minute)},
		Remaps: []config.RemapConfig{{Name: "static", Domain: testDomain, Origin: origin}},
	}
	registry, err := server.NewRemapRegistry(cfg)
	if err != nil {
		t.Fatalf("registry error: %v", err)
	}
	store, err := cache.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("store error: %v", err)
	}
	chain, err := hooks.Resolve([]string{hooks.XCache, hooks.Via})
	if err != nil {
		t.Fatalf("hooks error: %v", err)
	}
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	index := revalidate.NewIndex()
	opts := Options{
		Logger:   logger,
		Registry: registry,
		Client:   server.NewOriginClient(cfg),
		Store:    store,
		Rules:    index,
		Hooks:    chain,
	}
	if mutate != nil {
		mutate(&opts)
	}
	handler, err := NewHandler(opts)
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	return &testProxy{handler: handler, store: store, index: index}
}

type result struct {
	tx   *txn.Transaction
	resp *txn.Response
	body string
	err  error
}

// serve 模拟连接层驱动一个事务：写入请求正文、读取响应通道并在结束时 Complete。
func (p *testProxy) serve(t *testing.T, method, path string, header http.Header, body string) result {
	t.Helper()
	if header == nil {
		header = http.Header{}
	}
	req := &txn.Request{
		Method:        method,
		Scheme:        "http",
		Host:          testDomain,
		Path:          path,
		Proto:         "HTTP/1.1",
		Header:        header,
		ContentLength: int64(len(body)),
		RemoteAddr:    "127.0.0.1:40000",
	}
	tx := txn.New(context.Background(), txn.Options{Request: req})
	if err := tx.Start(); err != nil {
		t.Fatalf("start error: %v", err)
	}
	if body != "" {
		go func() {
			if _, err := tx.ReqBody.Write(context.Background(), []byte(body)); err == nil {
				tx.FinishRequestBody()
			}
		}()
	}

	handlerDone := make(chan struct{})
	go func() {
		defer close(handlerDone)
		p.handler.ServeTransaction(tx)
	}()

	select {
	case <-tx.ResponseHead():
	case <-tx.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("no response for %s %s", method, path)
	}

	out := result{tx: tx, resp: tx.Response()}
	if out.resp != nil {
		var buf bytes.Buffer
		for {
			frame, err := tx.RespBody.Next(context.Background())
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				out.err = err
				break
			}
			buf.Write(frame)
		}
		out.body = buf.String()
	}
	_, _ = tx.Complete(false)

	select {
	case <-handlerDone:
	case <-time.After(5 * time.Second):
		t.Fatalf("handler did not return for %s %s", method, path)
	}
	return out
}

func TestUnmappedHostReturns404(t *testing.T) {
	p := newTestProxy(t, "http://127.0.0.1:1", nil)
	tx := txn.New(context.Background(), txn.Options{Request: &txn.Request{
		Method: http.MethodGet, Host: "unknown.local", Path: "/", Header: http.Header{},
	}})
	_ = tx.Start()
	go p.handler.ServeTransaction(tx)
	<-tx.ResponseHead()

	if tx.Response().Status != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", tx.Response().Status)
	}
	frame, err := tx.RespBody.Next(context.Background())
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	var payload map[string]string
	if err := json.Unmarshal(frame, &payload); err != nil || payload["error"] != "host_unmapped" {
		t.Fatalf("unexpected body %s (%v)", frame, err)
	}
}

func TestMissThenFreshHit(t *testing.T) {
	var hits atomic.Int64
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("X-Forwarded-Host") != testDomain {
			t.Errorf("missing forwarded host, got %q", r.Header.Get("X-Forwarded-Host"))
		}
		w.Header().Set("Cache-Control", "max-age=600")
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("hello edge"))
	}))
	defer origin.Close()

	p := newTestProxy(t, origin.URL, nil)
	debug := http.Header{}
	debug.Set("X-Debug", "x-cache")

	first := p.serve(t, http.MethodGet, "/asset.txt?v=1", debug, "")
	if first.resp.Status != http.StatusOK || first.body != "hello edge" {
		t.Fatalf("unexpected miss response %d %q", first.resp.Status, first.body)
	}
	if got := first.resp.Header.Get("X-Cache"); got != "miss" {
		t.Fatalf("expected x-cache miss, got %q", got)
	}

	second := p.serve(t, http.MethodGet, "/asset.txt?v=1", debug, "")
	if second.body != "hello edge" {
		t.Fatalf("unexpected cached body %q", second.body)
	}
	if got := second.resp.Header.Get("X-Cache"); got != "hit-fresh" {
		t.Fatalf("expected hit-fresh, got %q", got)
	}
	if second.resp.Header.Get("Age") == "" {
		t.Fatalf("cached response should carry Age")
	}
	if got := second.resp.Header.Get("Via"); got != "1.1 any-edge" {
		t.Fatalf("unexpected via %q", got)
	}
	if second.tx.State() != txn.Complete {
		t.Fatalf("expected complete state, got %s", second.tx.State())
	}
	if hits.Load() != 1 {
		t.Fatalf("origin should be hit once, got %d", hits.Load())
	}

	third := p.serve(t, http.MethodGet, "/asset.txt?v=1", nil, "")
	if third.resp.Header.Get("X-Cache") != "" {
		t.Fatalf("x-cache must not be rendered without X-Debug")
	}
}

func TestRuleForcesRevalidation(t *testing.T) {
	var hits, notModified atomic.Int64
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Cache-Control", "max-age=600")
		w.Header().Set("ETag", `"v1"`)
		if r.Header.Get("If-None-Match") == `"v1"` {
			notModified.Add(1)
			w.WriteHeader(http.StatusNotModified)
			return
		}
		_, _ = w.Write([]byte("payload-v1"))
	}))
	defer origin.Close()

	p := newTestProxy(t, origin.URL, nil)
	if out := p.serve(t, http.MethodGet, "/docs/index.html", nil, ""); out.body != "payload-v1" {
		t.Fatalf("unexpected first body %q", out.body)
	}

	time.Sleep(10 * time.Millisecond)
	now := time.Now()
	rule, err := revalidate.NewRule(`^http://static\.edge\.local/docs/`, now, now, "test")
	if err != nil {
		t.Fatalf("rule error: %v", err)
	}
	p.index.Merge([]*revalidate.Rule{rule})

	debug := http.Header{}
	debug.Set("X-Debug", "x-cache")
	stale := p.serve(t, http.MethodGet, "/docs/index.html", debug, "")
	if got := stale.resp.Header.Get("X-Cache"); got != "hit-stale" {
		t.Fatalf("expected hit-stale, got %q", got)
	}
	if stale.resp.Status != http.StatusOK || stale.body != "payload-v1" {
		t.Fatalf("revalidated response should replay cached body, got %d %q", stale.resp.Status, stale.body)
	}
	if notModified.Load() != 1 {
		t.Fatalf("expected one conditional request, got %d", notModified.Load())
	}
	if rule.Fired() != 1 {
		t.Fatalf("expected rule fired once, got %d", rule.Fired())
	}

	fresh := p.serve(t, http.MethodGet, "/docs/index.html", debug, "")
	if got := fresh.resp.Header.Get("X-Cache"); got != "hit-fresh" {
		t.Fatalf("expected hit-fresh after revalidation, got %q", got)
	}
	if hits.Load() != 2 {
		t.Fatalf("expected 2 origin hits, got %d", hits.Load())
	}
}

func TestStaleServedWhenOriginFails(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "max-age=0")
		w.Header().Set("ETag", `"s1"`)
		_, _ = w.Write([]byte("stale-ok"))
	}))
	p := newTestProxy(t, origin.URL, nil)
	p.serve(t, http.MethodGet, "/s", nil, "")
	origin.Close()

	out := p.serve(t, http.MethodGet, "/s", nil, "")
	if out.resp.Status != http.StatusOK || out.body != "stale-ok" {
		t.Fatalf("expected stale copy, got %d %q", out.resp.Status, out.body)
	}
	if out.tx.Disposition() != string(cache.DispositionHitStale) {
		t.Fatalf("unexpected disposition %s", out.tx.Disposition())
	}
}

func TestOriginUnavailableReturns502(t *testing.T) {
	p := newTestProxy(t, "http://127.0.0.1:1", nil)
	out := p.serve(t, http.MethodGet, "/missing", nil, "")
	if out.resp == nil || out.resp.Status != http.StatusBadGateway {
		t.Fatalf("expected 502, got %+v", out.resp)
	}
	if out.tx.State() != txn.Aborted {
		t.Fatalf("expected aborted state, got %s", out.tx.State())
	}
	if !errors.Is(out.tx.Cause(), txn.ErrOriginUnavailable) {
		t.Fatalf("expected origin unavailable cause, got %v", out.tx.Cause())
	}
}

func TestPostBodyForwardedAndSkipped(t *testing.T) {
	var hits atomic.Int64
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		data, _ := io.ReadAll(r.Body)
		w.Header().Set("Cache-Control", "max-age=600")
		_, _ = w.Write(append([]byte("got:"), data...))
	}))
	defer origin.Close()

	p := newTestProxy(t, origin.URL, nil)
	for i := 0; i < 2; i++ {
		out := p.serve(t, http.MethodPost, "/submit", nil, "form=1")
		if out.body != "got:form=1" {
			t.Fatalf("unexpected body %q", out.body)
		}
		if out.tx.Disposition() != string(cache.DispositionSkipped) {
			t.Fatalf("POST should skip cache, got %s", out.tx.Disposition())
		}
	}
	if hits.Load() != 2 {
		t.Fatalf("expected both POSTs to reach origin, got %d", hits.Load())
	}
}

func TestOriginInactivityAbortsTransaction(t *testing.T) {
	release := make(chan struct{})
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("0123456789"))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer origin.Close()
	defer close(release)

	supervisor := timeout.NewSupervisor(logrus.New())
	supervisor.Start()
	defer supervisor.Stop()

	p := newTestProxy(t, origin.URL, func(o *Options) {
		o.Supervisor = supervisor
		o.OriginNoActivity = 50 * time.Millisecond
	})
	out := p.serve(t, http.MethodGet, "/slow", nil, "")
	if out.resp == nil || out.resp.Status != http.StatusOK {
		t.Fatalf("expected streamed 200 head, got %+v", out.resp)
	}
	if out.err == nil {
		t.Fatalf("expected truncated body error")
	}
	if out.tx.State() != txn.Aborted || !errors.Is(out.tx.Cause(), timeout.ErrTimeout) {
		t.Fatalf("expected timeout abort, got %s %v", out.tx.State(), out.tx.Cause())
	}
	if _, err := p.store.Get(context.Background(), cache.Locator{Scheme: "http", Host: testDomain, Path: "/slow"}); !errors.Is(err, cache.ErrNotFound) {
		t.Fatalf("truncated body must not be cached, got %v", err)
	}
}

func TestHeadServedFromCache(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "max-age=600")
		_, _ = w.Write([]byte("0123456789"))
	}))
	defer origin.Close()

	p := newTestProxy(t, origin.URL, nil)
	p.serve(t, http.MethodGet, "/h", nil, "")

	out := p.serve(t, http.MethodHead, "/h", nil, "")
	if out.resp.ContentLength != 10 || out.body != "" {
		t.Fatalf("unexpected HEAD response length=%d body=%q", out.resp.ContentLength, out.body)
	}
	if out.tx.Disposition() != string(cache.DispositionHitFresh) {
		t.Fatalf("expected hit-fresh, got %s", out.tx.Disposition())
	}
}

func TestUncacheableRevalidationEvictsStaleEntry(t *testing.T) {
	var phase atomic.Int64
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if phase.Load() == 0 {
			w.Header().Set("Cache-Control", "max-age=0")
			w.Header().Set("ETag", `"old"`)
			_, _ = w.Write([]byte("old"))
			return
		}
		w.Header().Set("Cache-Control", "no-store")
		_, _ = w.Write([]byte("secret-new"))
	}))

	p := newTestProxy(t, origin.URL, nil)
	locator := cache.Locator{Scheme: "http", Host: testDomain, Path: "/account"}
	p.serve(t, http.MethodGet, "/account", nil, "")
	cached, err := p.store.Get(context.Background(), locator)
	if err != nil {
		t.Fatalf("first response should be cached: %v", err)
	}
	cached.Reader.Close()

	phase.Store(1)
	out := p.serve(t, http.MethodGet, "/account", nil, "")
	if out.body != "secret-new" || out.tx.Disposition() != string(cache.DispositionHitStale) {
		t.Fatalf("unexpected revalidation response %q (%s)", out.body, out.tx.Disposition())
	}
	if _, err := p.store.Get(context.Background(), locator); !errors.Is(err, cache.ErrNotFound) {
		t.Fatalf("superseded entry should be removed, got %v", err)
	}

	origin.Close()
	after := p.serve(t, http.MethodGet, "/account", nil, "")
	if after.resp == nil || after.resp.Status != http.StatusBadGateway {
		t.Fatalf("superseded body must not be replayed, got %+v %q", after.resp, after.body)
	}
}

func TestRevalidationServerErrorKeepsStaleEntry(t *testing.T) {
	var phase atomic.Int64
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if phase.Load() == 0 {
			w.Header().Set("Cache-Control", "max-age=0")
			_, _ = w.Write([]byte("kept"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer origin.Close()

	p := newTestProxy(t, origin.URL, nil)
	p.serve(t, http.MethodGet, "/kept", nil, "")
	phase.Store(1)
	if out := p.serve(t, http.MethodGet, "/kept", nil, ""); out.resp.Status != http.StatusServiceUnavailable {
		t.Fatalf("expected relayed 503, got %d", out.resp.Status)
	}
	kept, err := p.store.Get(context.Background(), cache.Locator{Scheme: "http", Host: testDomain, Path: "/kept"})
	if err != nil {
		t.Fatalf("5xx must not evict the stale entry: %v", err)
	}
	kept.Reader.Close()
}
