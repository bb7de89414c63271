package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/Schofield90/atlas-fitness-onboarding-sub047/internal/lock"
	"github.com/Schofield90/atlas-fitness-onboarding-sub047/internal/types"
)

var (
	ErrQueueFull    = errors.New("conversation queue full")
	ErrQueueStopped = errors.New("queue stopped")
)

// Processor handles one dequeued Run.
type Processor func(*Run) (*types.TurnResult, error)

// Queue manages per-conversation lanes with a global concurrency semaphore.
// Each conversation gets its own FIFO channel (lane) so runs within a
// conversation are processed strictly in order, while the semaphore limits
// the total number of concurrent turns across all conversations. A lane's
// goroutine exits as soon as its channel is empty.
type Queue struct {
	lanes     map[types.ConversationID]chan *Run
	laneSize  int
	semaphore *semaphore.Weighted
	processor Processor
	locker    lock.Locker
	logger    *slog.Logger
	active    atomic.Int64
	stopped   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

type QueueOption func(*Queue)

// WithLocker wraps every run in a lock on its conversation id.
func WithLocker(l lock.Locker) QueueOption {
	return func(q *Queue) { q.locker = l }
}

func WithLaneSize(n int) QueueOption {
	return func(q *Queue) {
		if n > 0 {
			q.laneSize = n
		}
	}
}

func WithQueueLogger(l *slog.Logger) QueueOption {
	return func(q *Queue) { q.logger = l }
}

// NewQueue creates a Queue that allows up to maxConcurrent runs to execute
// simultaneously across all conversation lanes.
func NewQueue(maxConcurrent int64, opts ...QueueOption) *Queue {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	q := &Queue{
		lanes:     make(map[types.ConversationID]chan *Run),
		laneSize:  100,
		semaphore: semaphore.NewWeighted(maxConcurrent),
		locker:    lock.Nop{},
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Start initialises the queue's context. Must be called before Enqueue.
func (q *Queue) Start(ctx context.Context) {
	q.ctx, q.cancel = context.WithCancel(ctx)
}

// Stop rejects new runs, cancels in-flight ones and waits for every lane
// to drain. Runs still queued finish with ErrQueueStopped.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.stopped = true
	q.mu.Unlock()
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
}

// SetProcessor sets the function invoked for each dequeued Run.
func (q *Queue) SetProcessor(fn Processor) {
	q.processor = fn
}

// Enqueue adds a Run to its conversation's lane, creating the lane (and its
// goroutine) on first use.
func (q *Queue) Enqueue(run *Run) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped || q.ctx == nil {
		return ErrQueueStopped
	}
	if run.done == nil {
		run.done = make(chan struct{})
	}
	if run.Ctx == nil {
		run.Ctx = context.Background()
	}

	lane, exists := q.lanes[run.ConversationID]
	if !exists {
		lane = make(chan *Run, q.laneSize)
		q.lanes[run.ConversationID] = lane
		q.wg.Add(1)
		go q.processLane(run.ConversationID, lane)
	}

	select {
	case lane <- run:
		return nil
	default:
		return fmt.Errorf("%w: conversation %s", ErrQueueFull, run.ConversationID)
	}
}

// Submit enqueues run and waits for its result, or for ctx to end. A run
// abandoned by its submitter is skipped if it has not started yet.
func (q *Queue) Submit(ctx context.Context, run *Run) (*types.TurnResult, error) {
	run.Ctx = ctx
	if err := q.Enqueue(run); err != nil {
		return nil, err
	}
	select {
	case <-run.Done():
		return run.Result, run.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// processLane drains a single conversation lane. Enqueue sends while
// holding mu, so an empty lane observed under mu stays empty and the lane
// can be removed.
func (q *Queue) processLane(id types.ConversationID, lane chan *Run) {
	defer q.wg.Done()
	for {
		select {
		case run := <-lane:
			q.execute(run)
		default:
			q.mu.Lock()
			if len(lane) == 0 {
				delete(q.lanes, id)
				q.mu.Unlock()
				return
			}
			q.mu.Unlock()
		}
	}
}

func (q *Queue) execute(run *Run) {
	if err := run.Ctx.Err(); err != nil {
		run.finish(RunStatusSkipped, nil, err)
		return
	}
	if q.ctx.Err() != nil {
		run.finish(RunStatusSkipped, nil, ErrQueueStopped)
		return
	}

	ctx, cancel := context.WithCancel(run.Ctx)
	defer cancel()
	stop := context.AfterFunc(q.ctx, cancel)
	defer stop()

	if err := q.semaphore.Acquire(ctx, 1); err != nil {
		run.finish(RunStatusSkipped, nil, err)
		return
	}
	defer q.semaphore.Release(1)

	unlock, err := q.locker.Lock(ctx, string(run.ConversationID))
	if err != nil {
		run.finish(RunStatusFailed, nil, fmt.Errorf("lock conversation: %w", err))
		return
	}
	defer func() {
		if err := unlock(context.Background()); err != nil {
			q.logger.Warn("conversation unlock failed", "conversation_id", string(run.ConversationID), "error", err)
		}
	}()

	if q.processor == nil {
		run.finish(RunStatusFailed, nil, errors.New("no processor configured"))
		return
	}

	q.active.Add(1)
	defer q.active.Add(-1)

	now := time.Now()
	run.StartedAt = &now
	run.Status = RunStatusRunning
	run.Attempts++
	run.Ctx = ctx

	res, err := q.processor(run)
	if err != nil {
		q.logger.Error("run failed", "run_id", string(run.ID), "conversation_id", string(run.ConversationID), "kind", string(run.Kind), "error", err)
		run.finish(RunStatusFailed, nil, err)
		return
	}
	run.finish(RunStatusComplete, res, nil)
}

// Lanes returns the number of conversations with a live lane.
func (q *Queue) Lanes() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.lanes)
}

// WaitIdle blocks until no runs are actively being processed, or the timeout
// expires. Returns true if idle, false if timed out.
func (q *Queue) WaitIdle(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if q.active.Load() == 0 {
			return true
		}
		select {
		case <-deadline:
			return false
		case <-time.After(100 * time.Millisecond):
		}
	}
}
