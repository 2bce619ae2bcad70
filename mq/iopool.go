package mq

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// MaxIOThreads bounds the I/O worker count a Context may request.
const MaxIOThreads = 256

// ioTask is a unit of background I/O work, such as a socket teardown.
type ioTask struct {
	name string
	run  func()
}

// PoolStats contains I/O pool statistics.
type PoolStats struct {
	Workers   int   `json:"workers"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Panicked  int64 `json:"panicked"`
	Pending   int   `json:"pending"`
}

// ioPool is the fixed set of goroutines a Context owns for background I/O.
type ioPool struct {
	workers  int
	taskChan chan ioTask
	wg       sync.WaitGroup

	// overflow tracks tasks run outside the workers when the queue is full
	overflow sync.WaitGroup

	active    int64
	completed int64
	panicked  int64

	log     *zap.Logger
	metrics *Metrics

	mu      sync.RWMutex
	running bool
}

func newIOPool(workers int, log *zap.Logger, metrics *Metrics) (*ioPool, error) {
	if workers < 1 {
		return nil, opErrf("new context", ErrConfig, "io threads must be positive, got %d", workers)
	}
	if workers > MaxIOThreads {
		return nil, opErrf("new context", ErrResource, "cannot start %d io threads (max %d)", workers, MaxIOThreads)
	}

	pool := &ioPool{
		workers:  workers,
		taskChan: make(chan ioTask, workers*100),
		log:      log,
		metrics:  metrics,
		running:  true,
	}
	for i := 0; i < workers; i++ {
		pool.wg.Add(1)
		go pool.worker(i)
	}
	return pool, nil
}

func (p *ioPool) worker(id int) {
	defer p.wg.Done()
	for task := range p.taskChan {
		p.metrics.IOPoolPending.Dec()
		p.runTask(id, task)
	}
}

func (p *ioPool) runTask(workerID int, task ioTask) {
	atomic.AddInt64(&p.active, 1)
	p.metrics.IOPoolActive.Inc()
	defer func() {
		atomic.AddInt64(&p.active, -1)
		p.metrics.IOPoolActive.Dec()
	}()

	// A panicking task must not take the worker down with it.
	defer func() {
		if r := recover(); r != nil {
			atomic.AddInt64(&p.panicked, 1)
			p.log.Error("io task panicked",
				zap.String("task", task.name),
				zap.Int("worker", workerID),
				zap.String("panic", fmt.Sprint(r)))
		}
	}()

	task.run()
	atomic.AddInt64(&p.completed, 1)
}

// submit queues a task. When the queue is full the task runs on its own
// goroutine so that no teardown is ever lost.
func (p *ioPool) submit(name string, fn func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.running {
		return errors.New("io pool is shut down")
	}

	task := ioTask{name: name, run: fn}
	select {
	case p.taskChan <- task:
		p.metrics.IOPoolPending.Inc()
	default:
		p.overflow.Add(1)
		go func() {
			defer p.overflow.Done()
			p.runTask(-1, task)
		}()
	}
	return nil
}

func (p *ioPool) stats() PoolStats {
	return PoolStats{
		Workers:   p.workers,
		Active:    atomic.LoadInt64(&p.active),
		Completed: atomic.LoadInt64(&p.completed),
		Panicked:  atomic.LoadInt64(&p.panicked),
		Pending:   len(p.taskChan),
	}
}

// shutdown stops accepting tasks and waits for queued ones to finish, up to
// timeout when it is not negative.
func (p *ioPool) shutdown(timeout time.Duration) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	close(p.taskChan)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		p.overflow.Wait()
		close(done)
	}()

	if timeout < 0 {
		<-done
		return nil
	}
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.New("io pool shutdown timeout")
	}
}
