package health

import (
	"context"
	"errors"
	"sync"
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
	r.Register("reconciler", func(_ context.Context) Status {
		return Status{Healthy: false, Detail: "not running"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("registry with unhealthy checker should report unhealthy")
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if statuses[0].Name != "database" || statuses[1].Name != "reconciler" {
		t.Fatalf("names not filled in registration order: %+v", statuses)
	}
	if statuses[1].Detail != "not running" {
		t.Fatalf("expected detail 'not running', got %q", statuses[1].Detail)
	}
}

func TestRegistryTimeout(t *testing.T) {
	r := NewRegistry().WithTimeout(20 * time.Millisecond)
	r.Register("slow", func(ctx context.Context) Status {
		<-ctx.Done()
		time.Sleep(50 * time.Millisecond)
		return Status{Healthy: true}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("timed out checker should be unhealthy")
	}
	if statuses[0].Detail != "check timed out" {
		t.Fatalf("unexpected detail %q", statuses[0].Detail)
	}
}

func TestRegistryConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register("checker", func(_ context.Context) Status { return Status{Healthy: true} })
		}()
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}
	wg.Wait()
}

type fakePinger struct{ err error }

func (f fakePinger) PingContext(context.Context) error { return f.err }

func TestDatabaseCheck(t *testing.T) {
	if s := DatabaseCheck(fakePinger{})(context.Background()); !s.Healthy {
		t.Fatal("expected healthy")
	}
	s := DatabaseCheck(fakePinger{err: errors.New("connection refused")})(context.Background())
	if s.Healthy || s.Detail != "connection refused" {
		t.Fatalf("unexpected status %+v", s)
	}
}

type fakeLoop struct {
	running bool
	last    time.Time
}

func (f fakeLoop) Running() bool        { return f.running }
func (f fakeLoop) LastCycle() time.Time { return f.last }

func TestLoopCheck(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	cases := []struct {
		name    string
		loop    fakeLoop
		healthy bool
	}{
		{"stopped", fakeLoop{running: false, last: now}, false},
		{"no cycle yet", fakeLoop{running: true}, true},
		{"fresh", fakeLoop{running: true, last: now.Add(-30 * time.Second)}, true},
		{"stale", fakeLoop{running: true, last: now.Add(-5 * time.Minute)}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := LoopCheck(tc.loop, time.Minute, clock)(context.Background())
			if s.Healthy != tc.healthy {
				t.Fatalf("healthy = %v, want %v (%s)", s.Healthy, tc.healthy, s.Detail)
			}
		})
	}
}
