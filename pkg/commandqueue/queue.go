package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrClosed is returned when a task is submitted to a closed queue.
var ErrClosed = errors.New("command queue closed")

// Task represents an operation executed on the queue's consumer goroutine
type Task func(ctx context.Context) (interface{}, error)

// Options configures a Queue
type Options struct {
	// Name labels log lines, e.g. "engine" or "delivery:<clientId>".
	Name string
	// Logger receives task failures and panics. Defaults to a no-op logger.
	Logger *zerolog.Logger
	// OnDepth is called with the number of waiting tasks after every enqueue and dequeue.
	OnDepth func(depth int)
	// WarnAfter logs a warning for tasks that run longer than this. Zero disables it.
	WarnAfter time.Duration
}

// taskRecord tracks a task's execution state
type taskRecord struct {
	id     uint64
	task   Task
	result chan taskResult
}

type taskResult struct {
	value interface{}
	err   error
}

// Queue runs tasks one at a time on a single consumer goroutine in submission order.
type Queue struct {
	name      string
	logger    zerolog.Logger
	onDepth   func(int)
	warnAfter time.Duration

	mu        sync.Mutex
	cond      *sync.Cond
	pending   []*taskRecord
	taskIDSeq uint64
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Queue and starts its consumer goroutine
func New(opts Options) *Queue {
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	name := opts.Name
	if name == "" {
		name = "main"
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		name:      name,
		logger:    logger.With().Str("queue", name).Logger(),
		onDepth:   opts.OnDepth,
		warnAfter: opts.WarnAfter,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)

	go q.run()
	return q
}

// Post submits a task without waiting for it. It returns false when the queue is closed.
func (q *Queue) Post(task Task) bool {
	_, ok := q.push(task, nil)
	return ok
}

// Enqueue submits a task and waits for its result or ctx cancellation.
// It must not be called from a task running on the same queue.
func (q *Queue) Enqueue(ctx context.Context, task Task) (interface{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	result := make(chan taskResult, 1)
	id, ok := q.push(task, result)
	if !ok {
		return nil, ErrClosed
	}

	select {
	case r := <-result:
		return r.value, r.err
	case <-ctx.Done():
		q.logger.Debug().Uint64("taskId", id).Msg("Caller stopped waiting for task")
		return nil, ctx.Err()
	}
}

func (q *Queue) push(task Task, result chan taskResult) (uint64, bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return 0, false
	}
	q.taskIDSeq++
	record := &taskRecord{id: q.taskIDSeq, task: task, result: result}
	q.pending = append(q.pending, record)
	depth := len(q.pending)
	q.cond.Signal()
	q.mu.Unlock()

	q.reportDepth(depth)
	return record.id, true
}

// Len returns the number of tasks waiting to run
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close rejects new tasks, cancels the task context, runs what is already queued and
// waits for the consumer to exit. It must not be called from a task on the same queue.
func (q *Queue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		q.cancel()
		q.cond.Broadcast()
	}
	q.mu.Unlock()

	<-q.done
}

// Done is closed once the consumer goroutine has exited
func (q *Queue) Done() <-chan struct{} {
	return q.done
}

func (q *Queue) run() {
	defer close(q.done)

	for {
		q.mu.Lock()
		for len(q.pending) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.pending) == 0 {
			q.mu.Unlock()
			return
		}
		record := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		depth := len(q.pending)
		q.mu.Unlock()

		q.reportDepth(depth)
		q.execute(record)
	}
}

// execute runs a single task, converting panics into errors
func (q *Queue) execute(record *taskRecord) {
	start := time.Now()
	var stopWarn func() bool
	if q.warnAfter > 0 {
		stopWarn = time.AfterFunc(q.warnAfter, func() {
			q.logger.Warn().
				Uint64("taskId", record.id).
				Dur("elapsed", time.Since(start)).
				Msg("Task running longer than expected")
		}).Stop
	}

	value, err := q.call(record)

	if stopWarn != nil {
		stopWarn()
	}

	if err != nil {
		q.logger.Debug().
			Uint64("taskId", record.id).
			Dur("duration", time.Since(start)).
			Err(err).
			Msg("Task failed")
	}

	if record.result != nil {
		record.result <- taskResult{value: value, err: err}
	}
}

func (q *Queue) call(record *taskRecord) (value interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error().
				Uint64("taskId", record.id).
				Interface("panic", r).
				Msg("Task panicked")
			err = fmt.Errorf("task %d panicked: %v", record.id, r)
		}
	}()
	return record.task(q.ctx)
}

func (q *Queue) reportDepth(depth int) {
	if q.onDepth != nil {
		q.onDepth(depth)
	}
}
