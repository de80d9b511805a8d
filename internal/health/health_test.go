package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRegistryEmpty(t *testing.T) {
	r := NewRegistry()
	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("empty registry should be healthy")
	}
	if len(statuses) != 0 {
		t.Fatalf("expected 0 statuses, got %d", len(statuses))
	}
}

func TestRegistryOneUnhealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("database", func(_ context.Context) Status {
		return Status{Healthy: true}
	})
	r.Register("horizon", func(_ context.Context) Status {
		return Status{Name: "horizon", Healthy: false, Detail: "connection refused"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("registry with one unhealthy checker should report unhealthy")
	}
	if statuses[0].Name != "database" {
		t.Errorf("expected registered name to fill empty status name, got %q", statuses[0].Name)
	}
	if statuses[1].Detail != "connection refused" {
		t.Errorf("unexpected detail %q", statuses[1].Detail)
	}
}

func TestRegistryCheckTimeout(t *testing.T) {
	r := NewRegistry()
	r.timeout = 20 * time.Millisecond
	r.Register("oracle", func(ctx context.Context) Status {
		<-ctx.Done()
		return Status{Healthy: false, Detail: ctx.Err().Error()}
	})

	start := time.Now()
	healthy, _ := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("expected unhealthy after timeout")
	}
	if time.Since(start) > time.Second {
		t.Fatal("checker was not bounded by the registry timeout")
	}
}

func TestRegistryConcurrentRegister(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Register("x", func(_ context.Context) Status { return Status{Healthy: true} })
			r.CheckAll(context.Background())
		}()
	}
	wg.Wait()
}

type fakePinger struct{ err error }

func (p fakePinger) PingContext(context.Context) error { return p.err }

func TestPingCheck(t *testing.T) {
	if s := PingCheck("redis", fakePinger{})(context.Background()); !s.Healthy {
		t.Fatalf("expected healthy, got %+v", s)
	}
	s := PingCheck("redis", fakePinger{err: errors.New("dial tcp: refused")})(context.Background())
	if s.Healthy || s.Detail != "dial tcp: refused" {
		t.Fatalf("expected unhealthy with detail, got %+v", s)
	}
}

func TestHTTPCheck(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	check := HTTPCheck("horizon", srv.URL, srv.Client())
	if s := check(context.Background()); !s.Healthy {
		t.Fatalf("expected healthy, got %+v", s)
	}

	status.Store(http.StatusNotFound)
	if s := check(context.Background()); !s.Healthy {
		t.Fatalf("404 should still count as reachable, got %+v", s)
	}

	status.Store(http.StatusBadGateway)
	if s := check(context.Background()); s.Healthy {
		t.Fatal("502 should be unhealthy")
	}
}
