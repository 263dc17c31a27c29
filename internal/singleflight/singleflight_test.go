package singleflight

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestCall_SettleWakesAllWaiters(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	c := NewCall[string]()
	mu.Lock()
	c.Join()
	c.Join()
	mu.Unlock()

	var wg sync.WaitGroup
	results := make([]string, 3)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := Wait(context.Background(), c, &mu)
			if err != nil {
				t.Errorf("Wait: %v", err)
			}
			results[i] = v
		}(i)
	}

	mu.Lock()
	n := c.Settle("v", nil)
	mu.Unlock()
	wg.Wait()

	if n != 3 {
		t.Fatalf("Settle must report 3 waiters, got %d", n)
	}
	for i, v := range results {
		if v != "v" {
			t.Fatalf("waiter %d got %q", i, v)
		}
	}
}

func TestCall_CancelledWaiterLeaves(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	c := NewCall[int]()
	mu.Lock()
	c.Join()
	mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Wait(ctx, c, &mu); !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}

	mu.Lock()
	n := c.Settle(42, nil)
	mu.Unlock()
	if n != 1 {
		t.Fatalf("cancelled waiter must not be counted, got %d", n)
	}

	v, err := Wait(context.Background(), c, &mu)
	if err != nil || v != 42 {
		t.Fatalf("remaining waiter: v=%d err=%v", v, err)
	}
}

func TestCall_ResultWinsAfterSettle(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	c := NewCall[int]()
	mu.Lock()
	c.Settle(7, nil)
	mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()

	v, err := Wait(ctx, c, &mu)
	if err != nil || v != 7 {
		t.Fatalf("settled result must be delivered, v=%d err=%v", v, err)
	}
}

func TestCall_SettleOnce(t *testing.T) {
	t.Parallel()

	c := NewCall[int]()
	if n := c.Settle(1, nil); n != 1 {
		t.Fatalf("first Settle: %d", n)
	}
	if n := c.Settle(2, errors.New("late")); n != 0 {
		t.Fatalf("second Settle must be ignored, got %d", n)
	}
	v, err := c.Result()
	if v != 1 || err != nil {
		t.Fatalf("first result must stick: v=%d err=%v", v, err)
	}
}
