package pool

import (
	"context"
	"sync"
	"testing"
	"time"
)

func newTestPool(n int) (*Pool, []*Context) {
	contexts := make([]*Context, n)
	for i := range contexts {
		contexts[i] = &Context{}
	}
	return NewPool(Config{WaiterTimeout: time.Second}, contexts), contexts
}

func TestAcquireReleaseReusesContext(t *testing.T) {
	p, contexts := newTestPool(1)

	c, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if c != contexts[0] {
		t.Fatalf("expected to get the only context back")
	}

	p.Release(c)

	c2, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if c2 != contexts[0] {
		t.Fatalf("expected the released context to be reused")
	}
}

func TestAcquireBlocksUntilRelease(t *testing.T) {
	p, _ := newTestPool(1)

	first, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}

	done := make(chan struct{})
	go func() {
		c, err := p.Acquire(context.Background())
		if err != nil {
			t.Errorf("second Acquire: %v", err)
		}
		p.Release(c)
		close(done)
	}()

	select {
	case <-done:
		t.Fatalf("second Acquire returned before the first was released")
	case <-time.After(50 * time.Millisecond):
	}

	p.Release(first)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("second Acquire never completed after release")
	}
}

func TestAcquireTimesOut(t *testing.T) {
	p, _ := newTestPool(1)

	c, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer p.Release(c)

	p.config.WaiterTimeout = 10 * time.Millisecond
	_, err = p.Acquire(context.Background())
	if err == nil {
		t.Fatalf("expected a timeout error")
	}
}

func TestAcquireRespectsContextCancellation(t *testing.T) {
	p, _ := newTestPool(1)

	c, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer p.Release(c)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = p.Acquire(ctx)
	if err == nil {
		t.Fatalf("expected cancellation error")
	}
}

func TestExecRunsAgainstAContextAndReleasesIt(t *testing.T) {
	p, _ := newTestPool(2)

	var mu sync.Mutex
	seen := 0

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := p.Exec(context.Background(), func(c *Context) error {
				mu.Lock()
				seen++
				mu.Unlock()
				return nil
			})
			if err != nil {
				t.Errorf("Exec: %v", err)
			}
		}()
	}
	wg.Wait()

	if seen != 4 {
		t.Fatalf("expected 4 tasks to run, got %d", seen)
	}
}
