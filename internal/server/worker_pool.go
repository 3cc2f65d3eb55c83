package server

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/bkcoop/coop-server/internal/monitoring"
)

// Task is one datagram's worth of handler work.
type Task func()

// WorkerPool bounds handler concurrency. Each inbound datagram becomes a task;
// when the queue is full the datagram is dropped rather than spawning an
// unbounded goroutine per packet. UDP clients retransmit reliable kinds, so a
// dropped task under overload heals itself.
type WorkerPool struct {
	workerCount  int
	taskQueue    chan Task
	ctx          context.Context
	wg           sync.WaitGroup
	droppedTasks atomic.Int64
	logger       zerolog.Logger
}

func NewWorkerPool(workerCount, queueSize int, logger zerolog.Logger) *WorkerPool {
	return &WorkerPool{
		workerCount: workerCount,
		taskQueue:   make(chan Task, queueSize),
		logger:      logger.With().Str("component", "worker_pool").Logger(),
	}
}

// Start launches the workers. Must be called before Submit.
func (wp *WorkerPool) Start(ctx context.Context) {
	wp.ctx = ctx
	for i := 0; i < wp.workerCount; i++ {
		wp.wg.Add(1)
		go wp.worker()
	}
}

func (wp *WorkerPool) worker() {
	defer wp.wg.Done()

	for {
		select {
		case task := <-wp.taskQueue:
			if task != nil {
				wp.runTask(task)
			}
		case <-wp.ctx.Done():
			return
		}
	}
}

// runTask executes one task with panic recovery so a bad datagram cannot take
// the worker down.
func (wp *WorkerPool) runTask(task Task) {
	defer func() {
		if r := recover(); r != nil {
			wp.logger.Error().
				Interface("panic_value", r).
				Str("stack_trace", string(debug.Stack())).
				Msg("Worker panic recovered")
		}
	}()
	task()
}

// Submit enqueues a task, dropping it if the queue is full.
func (wp *WorkerPool) Submit(task Task) {
	select {
	case wp.taskQueue <- task:
	default:
		wp.droppedTasks.Add(1)
		monitoring.IncWorkerTaskDropped()
	}
}

// Stop waits for the workers to exit. The pool context must already be
// cancelled.
func (wp *WorkerPool) Stop() {
	wp.wg.Wait()
}

func (wp *WorkerPool) DroppedTasks() int64 {
	return wp.droppedTasks.Load()
}

func (wp *WorkerPool) QueueDepth() int {
	return len(wp.taskQueue)
}
