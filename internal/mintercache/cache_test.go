package mintercache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestGetOrBootstrap_SingleFlight(t *testing.T) {
	c := New(time.Minute, nil)

	var calls int32
	bootstrap := func(ctx context.Context) (*Minter, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		return &Minter{Key: "default", IntegrityToken: "tok-1", ExpiresAt: time.Now().Add(time.Hour)}, nil
	}

	const n = 20
	var wg sync.WaitGroup
	results := make([]*Minter, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m, err := c.GetOrBootstrap(context.Background(), "default", bootstrap)
			if err != nil {
				t.Errorf("GetOrBootstrap: %v", err)
				return
			}
			results[i] = m
		}(i)
	}
	wg.Wait()

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected exactly 1 bootstrap call, got %d", got)
	}
	for i, m := range results {
		if m == nil || m.IntegrityToken != "tok-1" {
			t.Fatalf("result %d: unexpected minter %+v", i, m)
		}
	}
}

func TestGetOrBootstrap_CachesFreshEntry(t *testing.T) {
	c := New(time.Minute, nil)
	var calls int32
	bootstrap := func(ctx context.Context) (*Minter, error) {
		atomic.AddInt32(&calls, 1)
		return &Minter{Key: "default", IntegrityToken: "tok-1", ExpiresAt: time.Now().Add(time.Hour)}, nil
	}

	if _, err := c.GetOrBootstrap(context.Background(), "default", bootstrap); err != nil {
		t.Fatalf("first call: %v", err)
	}
	if _, err := c.GetOrBootstrap(context.Background(), "default", bootstrap); err != nil {
		t.Fatalf("second call: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected cached hit to skip bootstrap, got %d calls", got)
	}
}

func TestGetOrBootstrap_ErrorPropagatesToAllWaiters(t *testing.T) {
	c := New(time.Minute, nil)
	bootstrap := func(ctx context.Context) (*Minter, error) {
		time.Sleep(10 * time.Millisecond)
		return nil, errBoom
	}

	const n = 5
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := c.GetOrBootstrap(context.Background(), "default", bootstrap)
			errs[i] = err
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != errBoom {
			t.Fatalf("waiter %d: expected errBoom, got %v", i, err)
		}
	}
}

func TestInvalidateIntegrity_TriggersRebootstrap(t *testing.T) {
	c := New(time.Minute, nil)
	var calls int32
	bootstrap := func(ctx context.Context) (*Minter, error) {
		atomic.AddInt32(&calls, 1)
		return &Minter{Key: "default", IntegrityToken: "tok", ExpiresAt: time.Now().Add(time.Hour)}, nil
	}
	_, _ = c.GetOrBootstrap(context.Background(), "default", bootstrap)
	c.InvalidateIntegrity("default")
	_, _ = c.GetOrBootstrap(context.Background(), "default", bootstrap)

	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected re-bootstrap after invalidation, got %d calls", got)
	}
}

func TestListKeys_OnlyReady(t *testing.T) {
	c := New(time.Minute, nil)
	bootstrap := func(ctx context.Context) (*Minter, error) {
		return &Minter{Key: "default", IntegrityToken: "tok", ExpiresAt: time.Now().Add(time.Hour)}, nil
	}
	if _, err := c.GetOrBootstrap(context.Background(), "default", bootstrap); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if _, err := c.GetOrBootstrap(context.Background(), "proxy:http://a:1", bootstrap); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	keys := c.ListKeys()
	if len(keys) != 2 {
		t.Fatalf("expected 2 ready keys, got %v", keys)
	}
}

var errBoom = &boomError{}

type boomError struct{}

func (*boomError) Error() string { return "boom" }
