package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Schofield90/atlas-fitness-onboarding-sub047/internal/lock"
	"github.com/Schofield90/atlas-fitness-onboarding-sub047/internal/types"
)

func TestQueueConcurrency(t *testing.T) {
	queue := NewQueue(2)
	queue.Start(context.Background())
	defer queue.Stop()

	var running int32
	var maxSeen int32

	queue.SetProcessor(func(run *Run) (*types.TurnResult, error) {
		current := atomic.AddInt32(&running, 1)
		for {
			old := atomic.LoadInt32(&maxSeen)
			if current <= old || atomic.CompareAndSwapInt32(&maxSeen, old, current) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return &types.TurnResult{ConversationID: run.ConversationID}, nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			run := NewRun(types.ConversationID(fmt.Sprintf("conv-%d", i)), RunTurn, "hi")
			if _, err := queue.Submit(context.Background(), run); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()

	if m := atomic.LoadInt32(&maxSeen); m > 2 {
		t.Errorf("expected max 2 concurrent, saw %d", m)
	}
}

func TestQueueSubmitReturnsResult(t *testing.T) {
	queue := NewQueue(1)
	queue.Start(context.Background())
	defer queue.Stop()

	queue.SetProcessor(func(run *Run) (*types.TurnResult, error) {
		return &types.TurnResult{ConversationID: run.ConversationID, AssistantText: "echo " + run.Text}, nil
	})

	res, err := queue.Submit(context.Background(), NewRun("conv-1", RunTurn, "hello"))
	if err != nil {
		t.Fatal(err)
	}
	if res.AssistantText != "echo hello" {
		t.Errorf("unexpected result %q", res.AssistantText)
	}
}

func TestQueueSubmitReturnsError(t *testing.T) {
	queue := NewQueue(1)
	queue.Start(context.Background())
	defer queue.Stop()

	boom := errors.New("boom")
	queue.SetProcessor(func(*Run) (*types.TurnResult, error) { return nil, boom })

	run := NewRun("conv-1", RunTurn, "hello")
	if _, err := queue.Submit(context.Background(), run); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if run.Status != RunStatusFailed {
		t.Errorf("expected failed status, got %s", run.Status)
	}
}

func TestQueueSameConversationOrdering(t *testing.T) {
	queue := NewQueue(4)
	queue.Start(context.Background())
	defer queue.Stop()

	var mu sync.Mutex
	var order []string
	var inside int32
	release := make(chan struct{})

	queue.SetProcessor(func(run *Run) (*types.TurnResult, error) {
		if atomic.AddInt32(&inside, 1) > 1 {
			t.Error("two runs of one conversation overlapped")
		}
		if run.Text == "0" {
			<-release
		}
		mu.Lock()
		order = append(order, run.Text)
		mu.Unlock()
		atomic.AddInt32(&inside, -1)
		return nil, nil
	})

	runs := make([]*Run, 3)
	for i := range runs {
		runs[i] = NewRun("same-conv", RunTurn, fmt.Sprint(i))
		if err := queue.Enqueue(runs[i]); err != nil {
			t.Fatal(err)
		}
	}
	close(release)

	for _, r := range runs {
		select {
		case <-r.Done():
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for runs to process")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		if v != fmt.Sprint(i) {
			t.Errorf("expected order[%d] = %d, got %s", i, i, v)
		}
	}
}

func TestQueueSkipsAbandonedRuns(t *testing.T) {
	queue := NewQueue(1)
	queue.Start(context.Background())
	defer queue.Stop()

	var processed []string
	var mu sync.Mutex
	block := make(chan struct{})
	queue.SetProcessor(func(run *Run) (*types.TurnResult, error) {
		if run.Text == "first" {
			<-block
		}
		mu.Lock()
		processed = append(processed, run.Text)
		mu.Unlock()
		return nil, nil
	})

	first := NewRun("conv-1", RunTurn, "first")
	if err := queue.Enqueue(first); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	second := NewRun("conv-1", RunTurn, "second")
	second.Ctx = ctx
	if err := queue.Enqueue(second); err != nil {
		t.Fatal(err)
	}
	cancel()
	close(block)

	<-second.Done()
	if second.Status != RunStatusSkipped || !errors.Is(second.Err, context.Canceled) {
		t.Errorf("expected skipped run with Canceled, got %s %v", second.Status, second.Err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(processed) != 1 || processed[0] != "first" {
		t.Errorf("abandoned run was processed: %v", processed)
	}
}

func TestQueueSubmitContextEnds(t *testing.T) {
	queue := NewQueue(1)
	queue.Start(context.Background())
	defer queue.Stop()

	queue.SetProcessor(func(run *Run) (*types.TurnResult, error) {
		<-run.Ctx.Done()
		return nil, run.Ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := queue.Submit(ctx, NewRun("conv-1", RunTurn, "hi"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}

func TestQueueIdleLanesExit(t *testing.T) {
	queue := NewQueue(2)
	queue.Start(context.Background())
	defer queue.Stop()
	queue.SetProcessor(func(*Run) (*types.TurnResult, error) { return nil, nil })

	for i := 0; i < 3; i++ {
		if _, err := queue.Submit(context.Background(), NewRun(types.ConversationID(fmt.Sprint(i)), RunTurn, "x")); err != nil {
			t.Fatal(err)
		}
	}

	deadline := time.Now().Add(time.Second)
	for queue.Lanes() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected idle lanes to exit, %d remain", queue.Lanes())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestQueueStopped(t *testing.T) {
	queue := NewQueue(1)
	if err := queue.Enqueue(NewRun("c", RunTurn, "x")); !errors.Is(err, ErrQueueStopped) {
		t.Errorf("expected ErrQueueStopped before Start, got %v", err)
	}

	queue.Start(context.Background())
	queue.Stop()
	if err := queue.Enqueue(NewRun("c", RunTurn, "x")); !errors.Is(err, ErrQueueStopped) {
		t.Errorf("expected ErrQueueStopped after Stop, got %v", err)
	}
}

func TestQueueFull(t *testing.T) {
	queue := NewQueue(1, WithLaneSize(1))
	queue.Start(context.Background())
	defer queue.Stop()

	started := make(chan struct{}, 3)
	block := make(chan struct{})
	defer close(block)
	queue.SetProcessor(func(*Run) (*types.TurnResult, error) {
		started <- struct{}{}
		<-block
		return nil, nil
	})

	if err := queue.Enqueue(NewRun("c", RunTurn, "1")); err != nil {
		t.Fatal(err)
	}
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("first run never started")
	}

	if err := queue.Enqueue(NewRun("c", RunTurn, "2")); err != nil {
		t.Fatal(err)
	}
	if err := queue.Enqueue(NewRun("c", RunTurn, "3")); !errors.Is(err, ErrQueueFull) {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}
}

type countingLocker struct {
	inner  lock.Locker
	locked atomic.Int32
}

func (c *countingLocker) Lock(ctx context.Context, key string) (lock.Unlock, error) {
	c.locked.Add(1)
	return c.inner.Lock(ctx, key)
}

func TestQueueUsesLocker(t *testing.T) {
	locker := &countingLocker{inner: lock.NewLocal()}
	queue := NewQueue(2, WithLocker(locker))
	queue.Start(context.Background())
	defer queue.Stop()
	queue.SetProcessor(func(*Run) (*types.TurnResult, error) { return nil, nil })

	for i := 0; i < 3; i++ {
		if _, err := queue.Submit(context.Background(), NewRun("c", RunTurn, "x")); err != nil {
			t.Fatal(err)
		}
	}
	if n := locker.locked.Load(); n != 3 {
		t.Errorf("expected 3 lock acquisitions, got %d", n)
	}
}

func TestQueueNoProcessor(t *testing.T) {
	queue := NewQueue(1)
	queue.Start(context.Background())
	defer queue.Stop()

	_, err := queue.Submit(context.Background(), NewRun("no-proc", RunTurn, "x"))
	if err == nil {
		t.Error("expected error without a processor")
	}
}
