package pools

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/getlantern/golog"
	"golang.org/x/sys/cpu"
)

var log = golog.LoggerFor("evserver.pools")

// ErrPoolClosed is returned when submitting to a closed pool.
var ErrPoolClosed = errors.New("pools: task pool closed")

// Task represents a unit of work
type Task func()

// TaskPool is a fixed set of worker goroutines draining one FIFO queue.
// Submit wakes a single worker; Close drains what is queued and joins.
type TaskPool struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []Task
	head    int
	closed  bool
	workers int
	wg      sync.WaitGroup

	// Statistics, kept on their own cache lines
	_         cpu.CacheLinePad
	submitted atomic.Uint64
	_         cpu.CacheLinePad
	completed atomic.Uint64
	_         cpu.CacheLinePad
	panics    atomic.Uint64
	_         cpu.CacheLinePad
}

// NewTaskPool starts numWorkers workers (runtime.NumCPU() when <= 0).
func NewTaskPool(numWorkers int) *TaskPool {
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}

	p := &TaskPool{
		queue:   make([]Task, 0, 256),
		workers: numWorkers,
	}
	p.cond = sync.NewCond(&p.mu)

	p.wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go p.run(i)
	}
	return p
}

// Submit enqueues a task. It returns false once the pool is closed.
func (p *TaskPool) Submit(task Task) bool {
	if task == nil {
		return false
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	p.queue = append(p.queue, task)
	p.submitted.Add(1)
	p.mu.Unlock()

	p.cond.Signal()
	return true
}

// next blocks until a task is available or the pool is closed and empty.
func (p *TaskPool) next() (Task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for p.head == len(p.queue) && !p.closed {
		p.cond.Wait()
	}
	if p.head == len(p.queue) {
		return nil, false
	}

	task := p.queue[p.head]
	p.queue[p.head] = nil
	p.head++
	if p.head == len(p.queue) {
		p.queue = p.queue[:0]
		p.head = 0
	} else if p.head > 1024 && p.head*2 > len(p.queue) {
		n := copy(p.queue, p.queue[p.head:])
		clear(p.queue[n:])
		p.queue = p.queue[:n]
		p.head = 0
	}
	return task, true
}

func (p *TaskPool) run(id int) {
	defer p.wg.Done()
	for {
		task, ok := p.next()
		if !ok {
			return
		}
		p.execute(id, task)
	}
}

func (p *TaskPool) execute(id int, task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			log.Errorf("worker %d: task panicked: %v", id, r)
		}
		p.completed.Add(1)
	}()
	task()
}

// Close stops intake, lets workers finish every queued task, then joins them.
func (p *TaskPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.cond.Broadcast()
	p.wg.Wait()
}

// Stats returns pool statistics
func (p *TaskPool) Stats() TaskPoolStats {
	completed := p.completed.Load()
	submitted := p.submitted.Load()
	return TaskPoolStats{
		NumWorkers:     p.workers,
		TasksSubmitted: submitted,
		TasksCompleted: completed,
		TasksPending:   submitted - completed,
		TasksPanicked:  p.panics.Load(),
	}
}

// TaskPoolStats contains pool statistics
type TaskPoolStats struct {
	NumWorkers     int
	TasksSubmitted uint64
	TasksCompleted uint64
	TasksPending   uint64
	TasksPanicked  uint64
}
