package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task represents a unit of work to be executed
type Task struct {
	ID      string
	Fn      func(context.Context) error
	Context context.Context
}

// Pool manages a bounded set of goroutines for executing tasks. The
// write-behind flusher uses it to persist batches in parallel without
// unbounded goroutine growth.
type Pool struct {
	name           string
	maxWorkers     int
	taskQueue      chan Task
	logger         *zap.Logger
	wg             sync.WaitGroup
	stopOnce       sync.Once
	stopChan       chan struct{}
	completedTasks uint64
	failedTasks    uint64
	rejectedTasks  uint64
}

// Config holds worker pool configuration
type Config struct {
	Name       string
	MaxWorkers int
	QueueSize  int
	Logger     *zap.Logger
}

// New creates a new worker pool and starts its workers
func New(cfg *Config) *Pool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	p := &Pool{
		name:       cfg.Name,
		maxWorkers: cfg.MaxWorkers,
		taskQueue:  make(chan Task, cfg.QueueSize),
		logger:     cfg.Logger,
		stopChan:   make(chan struct{}),
	}

	for i := 0; i < p.maxWorkers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopChan:
			// Drain remaining tasks so a final flush submitted before Stop
			// is not lost.
			for {
				select {
				case task := <-p.taskQueue:
					p.execute(id, task)
				default:
					return
				}
			}
		case task := <-p.taskQueue:
			p.execute(id, task)
		}
	}
}

func (p *Pool) execute(workerID int, task Task) {
	start := time.Now()
	err := p.safeExecute(task)

	if err != nil {
		atomic.AddUint64(&p.failedTasks, 1)
		p.logger.Error("Task failed",
			zap.String("pool", p.name),
			zap.Int("worker_id", workerID),
			zap.String("task_id", task.ID),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return
	}
	atomic.AddUint64(&p.completedTasks, 1)
}

func (p *Pool) safeExecute(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()

	if task.Context == nil {
		task.Context = context.Background()
	}
	return task.Fn(task.Context)
}

// Submit queues a task, blocking until accepted, the pool stops, or the
// context is canceled.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	select {
	case <-p.stopChan:
		atomic.AddUint64(&p.rejectedTasks, 1)
		return fmt.Errorf("worker pool %q is stopped", p.name)
	case <-ctx.Done():
		atomic.AddUint64(&p.rejectedTasks, 1)
		return ctx.Err()
	case p.taskQueue <- task:
		return nil
	}
}

// Stop gracefully stops the worker pool, waiting up to timeout for in-flight
// tasks to finish.
func (p *Pool) Stop(timeout time.Duration) error {
	var err error
	p.stopOnce.Do(func() {
		close(p.stopChan)

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(timeout):
			err = fmt.Errorf("worker pool %q stop timeout after %v", p.name, timeout)
		}
	})
	return err
}

// Stats returns current worker pool counters
func (p *Pool) Stats() Stats {
	return Stats{
		Name:           p.name,
		MaxWorkers:     p.maxWorkers,
		QueuedTasks:    len(p.taskQueue),
		CompletedTasks: atomic.LoadUint64(&p.completedTasks),
		FailedTasks:    atomic.LoadUint64(&p.failedTasks),
		RejectedTasks:  atomic.LoadUint64(&p.rejectedTasks),
	}
}

// Stats represents worker pool counters
type Stats struct {
	Name           string
	MaxWorkers     int
	QueuedTasks    int
	CompletedTasks uint64
	FailedTasks    uint64
	RejectedTasks  uint64
}
