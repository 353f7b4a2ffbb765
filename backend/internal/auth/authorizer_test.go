package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
)

func TestHTTPAuthorizer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/workspaces/ws1/members/u1":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"member":true}`))
		case "/v1/workspaces/ws1/members/broken":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	a := NewHTTPAuthorizer(srv.URL+"/", time.Second)
	ctx := context.Background()

	if ok, err := a.IsAuthorized(ctx, "u1", "ws1"); err != nil || !ok {
		t.Fatalf("expected member, got ok=%v err=%v", ok, err)
	}
	if ok, err := a.IsAuthorized(ctx, "u2", "ws1"); err != nil || ok {
		t.Fatalf("expected non-member, got ok=%v err=%v", ok, err)
	}
	if _, err := a.IsAuthorized(ctx, "broken", "ws1"); err == nil {
		t.Fatal("expected upstream error")
	}
}

type countingAuthorizer struct {
	calls atomic.Int32
	fn    func(userID, workspaceID string) (bool, error)
}

func (c *countingAuthorizer) IsAuthorized(ctx context.Context, userID, workspaceID string) (bool, error) {
	c.calls.Add(1)
	return c.fn(userID, workspaceID)
}

func TestCachedAuthorizer(t *testing.T) {
	s := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer rdb.Close()

	next := &countingAuthorizer{fn: func(userID, workspaceID string) (bool, error) {
		return userID == "u1", nil
	}}
	a := NewCachedAuthorizer(next, rdb, time.Minute, 10*time.Second)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if ok, err := a.IsAuthorized(ctx, "u1", "ws1"); err != nil || !ok {
			t.Fatalf("expected allowed, got ok=%v err=%v", ok, err)
		}
		if ok, err := a.IsAuthorized(ctx, "u2", "ws1"); err != nil || ok {
			t.Fatalf("expected denied, got ok=%v err=%v", ok, err)
		}
	}
	if got := next.calls.Load(); got != 2 {
		t.Fatalf("expected 2 upstream calls, got %d", got)
	}

	s.FastForward(11 * time.Second)
	if _, err := a.IsAuthorized(ctx, "u2", "ws1"); err != nil {
		t.Fatalf("IsAuthorized failed: %v", err)
	}
	if got := next.calls.Load(); got != 3 {
		t.Fatalf("expected deny entry to expire, upstream calls = %d", got)
	}
}

func TestCachedAuthorizerDoesNotCacheErrors(t *testing.T) {
	s := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer rdb.Close()

	boom := errors.New("upstream down")
	next := &countingAuthorizer{fn: func(string, string) (bool, error) { return false, boom }}
	a := NewCachedAuthorizer(next, rdb, 0, 0)

	for i := 0; i < 2; i++ {
		if _, err := a.IsAuthorized(context.Background(), "u1", "ws1"); !errors.Is(err, boom) {
			t.Fatalf("expected upstream error, got %v", err)
		}
	}
	if got := next.calls.Load(); got != 2 {
		t.Fatalf("errors must not be cached, upstream calls = %d", got)
	}
}

type gatedAuthorizer struct {
	calls   atomic.Int32
	started chan struct{}
	gate    chan struct{}
}

func (g *gatedAuthorizer) IsAuthorized(ctx context.Context, userID, workspaceID string) (bool, error) {
	if g.calls.Add(1) == 1 {
		close(g.started)
	}
	select {
	case <-g.gate:
	case <-ctx.Done():
		return false, ctx.Err()
	}
	return true, nil
}

func TestCachedAuthorizerSharedLookupSurvivesCancelledCaller(t *testing.T) {
	s := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer rdb.Close()

	next := &gatedAuthorizer{started: make(chan struct{}), gate: make(chan struct{})}
	a := NewCachedAuthorizer(next, rdb, time.Minute, time.Second)

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := a.IsAuthorized(firstCtx, "u1", "ws1")
		firstErr <- err
	}()
	<-next.started

	type result struct {
		ok  bool
		err error
	}
	second := make(chan result, 1)
	go func() {
		ok, err := a.IsAuthorized(context.Background(), "u1", "ws1")
		second <- result{ok, err}
	}()
	// 让第二个调用方加入同一次查询
	time.Sleep(50 * time.Millisecond)

	cancelFirst()
	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled caller should see context.Canceled, got %v", err)
	}
	close(next.gate)

	select {
	case res := <-second:
		if res.err != nil || !res.ok {
			t.Fatalf("second caller: ok=%v err=%v", res.ok, res.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second caller never returned")
	}
	if n := next.calls.Load(); n != 1 {
		t.Fatalf("expected one upstream lookup, got %d", n)
	}
}
