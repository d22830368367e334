package executor

import (
	"context"
	"runtime"
	"sync"

	"github.com/eapache/queue"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
)

// Pool runs posted tasks in FIFO order on a fixed set of worker goroutines
type Pool struct {
	l *logrus.Logger

	mu          sync.Mutex
	cond        *sync.Cond
	tasks       *queue.Queue
	outstanding int
	idle        chan struct{}
	stopped     bool

	wg sync.WaitGroup

	posted metrics.Counter
	panics metrics.Counter
}

// NewPool starts workers goroutines, runtime.NumCPU() of them if workers is less than 1
func NewPool(l *logrus.Logger, workers int) *Pool {
	if workers < 1 {
		workers = runtime.NumCPU()
	}

	idle := make(chan struct{})
	close(idle)

	p := &Pool{
		l:      l,
		tasks:  queue.New(),
		idle:   idle,
		posted: metrics.GetOrRegisterCounter("executor.tasks.posted", nil),
		panics: metrics.GetOrRegisterCounter("executor.tasks.panics", nil),
	}
	p.cond = sync.NewCond(&p.mu)

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker(i)
	}

	return p
}

func (p *Pool) Post(task func()) bool {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		p.l.Debug("Dropping a task posted to a stopped executor")
		return false
	}
	p.tasks.Add(task)
	p.mu.Unlock()

	p.cond.Signal()
	p.posted.Inc(1)
	return true
}

func (p *Pool) WorkStarted() {
	p.mu.Lock()
	if p.outstanding == 0 {
		p.idle = make(chan struct{})
	}
	p.outstanding++
	p.mu.Unlock()
}

func (p *Pool) WorkFinished() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.outstanding == 0 {
		panic("executor: work finished more often than it was started")
	}

	p.outstanding--
	if p.outstanding == 0 {
		close(p.idle)
	}
}

// Outstanding returns the number of unfinished units of work
func (p *Pool) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outstanding
}

// Wait blocks until no work is outstanding or ctx is done. Work can never finish on a stopped pool so ErrStopped is
// returned instead of waiting.
func (p *Pool) Wait(ctx context.Context) error {
	p.mu.Lock()
	idle := p.idle
	if p.stopped && p.outstanding > 0 {
		p.mu.Unlock()
		return ErrStopped
	}
	p.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop waits for the running tasks to return and drops the queued ones
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	dropped := p.tasks.Length()
	p.mu.Unlock()

	p.cond.Broadcast()
	p.wg.Wait()

	if dropped > 0 {
		p.l.WithField("tasks", dropped).Warn("Executor stopped with queued tasks")
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for {
		p.mu.Lock()
		for p.tasks.Length() == 0 && !p.stopped {
			p.cond.Wait()
		}
		if p.stopped {
			p.mu.Unlock()
			return
		}
		task := p.tasks.Remove().(func())
		p.mu.Unlock()

		p.run(id, task)
	}
}

func (p *Pool) run(id int, task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Inc(1)
			p.l.WithField("worker", id).WithField("panic", r).Error("Recovered from a panicking task")
		}
	}()

	task()
}
