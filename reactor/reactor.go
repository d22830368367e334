package reactor

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
)

const DefaultMaxEvents = 128

type event struct {
	fd     int
	ready  readiness
	wakeup bool
}

type poller interface {
	add(fd int) error
	del(fd int) error
	// wait blocks for at most msec milliseconds, msec < 0 blocks until an event or a wakeup arrives
	wait(events []event, msec int) (int, error)
	wakeup() error
	close() error
}

// Reactor demultiplexes socket readiness and drives the operations queued on each Descriptor. Operations are performed
// under their descriptor's lock, their completion functions only ever run on the goroutine calling Run.
type Reactor struct {
	l         *logrus.Logger
	p         poller
	maxEvents int

	dmu         sync.RWMutex
	descriptors map[int]*Descriptor

	mu          sync.Mutex
	completions *queue.Queue
	closed      bool
	running     bool
	done        chan struct{}

	stopping atomic.Bool

	opsStarted   metrics.Counter
	opsCompleted metrics.Counter
	opsAborted   metrics.Counter
	opsPerWake   metrics.Histogram
}

func New(l *logrus.Logger, maxEvents int) (*Reactor, error) {
	p, err := newPoller()
	if err != nil {
		return nil, err
	}

	return newReactor(l, p, maxEvents), nil
}

func newReactor(l *logrus.Logger, p poller, maxEvents int) *Reactor {
	if maxEvents < 1 {
		maxEvents = DefaultMaxEvents
	}

	return &Reactor{
		l:            l,
		p:            p,
		maxEvents:    maxEvents,
		descriptors:  make(map[int]*Descriptor),
		completions:  queue.New(),
		opsStarted:   metrics.GetOrRegisterCounter("reactor.ops.started", nil),
		opsCompleted: metrics.GetOrRegisterCounter("reactor.ops.completed", nil),
		opsAborted:   metrics.GetOrRegisterCounter("reactor.ops.aborted", nil),
		opsPerWake:   metrics.GetOrRegisterHistogram("reactor.ops.per_wake", nil, metrics.NewExpDecaySample(1028, 0.015)),
	}
}

// RegisterDescriptor starts watching fd for readiness. fd must already be in non-blocking mode.
func (r *Reactor) RegisterDescriptor(fd int) (*Descriptor, error) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	r.dmu.Lock()
	defer r.dmu.Unlock()

	if _, ok := r.descriptors[fd]; ok {
		return nil, fmt.Errorf("descriptor %d is already registered", fd)
	}

	if err := r.p.add(fd); err != nil {
		return nil, err
	}

	d := newDescriptor(fd)
	r.descriptors[fd] = d
	return d, nil
}

// DeregisterDescriptor stops watching d and aborts every operation still queued on it. The caller may close the
// socket once this returns.
func (r *Reactor) DeregisterDescriptor(d *Descriptor) error {
	aborted := queue.New()

	d.mu.Lock()
	if d.shutdown {
		d.mu.Unlock()
		return nil
	}
	d.shutdown = true
	n := d.drain(ErrOperationAborted, aborted)
	d.mu.Unlock()

	r.dmu.Lock()
	if r.descriptors[d.fd] == d {
		delete(r.descriptors, d.fd)
	}
	r.dmu.Unlock()

	err := r.p.del(d.fd)

	r.opsAborted.Inc(int64(n))
	r.postAll(aborted)
	return err
}

// StartOp queues op on d. If nothing is queued ahead of it the operation is attempted immediately, an operation that
// finishes this way is still completed from the Run goroutine.
func (r *Reactor) StartOp(t OpType, d *Descriptor, op *Op) {
	r.opsStarted.Inc(1)

	d.mu.Lock()
	if d.shutdown {
		d.mu.Unlock()
		op.abort(ErrBadDescriptor)
		r.post(op)
		return
	}

	q := d.queues[t]
	if q.Length() == 0 && d.trySpeculative[t] {
		if status := op.Perform(); status != NotDone {
			if status == DoneAndExhausted {
				d.trySpeculative[t] = false
			}
			d.mu.Unlock()
			r.post(op)
			return
		}
	}

	q.Add(op)
	d.mu.Unlock()
}

// CancelOps completes every operation queued on d with ErrOperationAborted
func (r *Reactor) CancelOps(d *Descriptor) {
	aborted := queue.New()

	d.mu.Lock()
	n := d.drain(ErrOperationAborted, aborted)
	d.mu.Unlock()

	r.opsAborted.Inc(int64(n))
	r.postAll(aborted)
}

// Run waits for readiness and dispatches completions until Stop or Close is called. Only one goroutine may call Run.
func (r *Reactor) Run() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("reactor is already running")
	}
	r.running = true
	r.done = make(chan struct{})
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.running = false
		close(r.done)
		r.mu.Unlock()
	}()

	events := make([]event, r.maxEvents)
	ready := queue.New()
	for !r.stopping.Load() {
		if err := r.runOnce(events, ready, -1); err != nil {
			r.l.WithError(err).Error("Reactor failed while waiting for events")
			return err
		}
	}

	return nil
}

func (r *Reactor) runOnce(events []event, ready *queue.Queue, msec int) error {
	n, err := r.p.wait(events, msec)
	if err != nil {
		return err
	}

	for i := 0; i < n; i++ {
		ev := events[i]
		if ev.wakeup {
			continue
		}

		d := r.lookup(ev.fd)
		if d == nil {
			continue
		}
		d.performIO(ev.ready, ready)
	}

	r.mu.Lock()
	for r.completions.Length() > 0 {
		ready.Add(r.completions.Remove())
	}
	r.mu.Unlock()

	if c := ready.Length(); c > 0 {
		r.opsPerWake.Update(int64(c))
	}

	for ready.Length() > 0 {
		op := ready.Remove().(*Op)
		r.opsCompleted.Inc(1)
		op.Complete(r)
	}

	return nil
}

// Stop makes Run return after its current iteration. Queued operations are left untouched.
func (r *Reactor) Stop() {
	if r.stopping.Swap(true) {
		return
	}
	r.wakeup()
}

// Close stops the reactor, waits for Run to return and destroys every operation still queued or awaiting completion
// without invoking their handlers.
func (r *Reactor) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	done := r.done
	if !r.running {
		done = nil
	}
	r.mu.Unlock()

	r.Stop()
	if done != nil {
		<-done
	}

	destroyed := queue.New()

	r.dmu.Lock()
	descriptors := r.descriptors
	r.descriptors = make(map[int]*Descriptor)
	r.dmu.Unlock()

	for _, d := range descriptors {
		d.mu.Lock()
		d.shutdown = true
		d.drain(ErrOperationAborted, destroyed)
		d.mu.Unlock()
		_ = r.p.del(d.fd)
	}

	r.mu.Lock()
	for r.completions.Length() > 0 {
		destroyed.Add(r.completions.Remove())
	}
	r.mu.Unlock()

	if n := destroyed.Length(); n > 0 {
		r.l.WithField("operations", n).Debug("Destroying pending operations")
	}

	for destroyed.Length() > 0 {
		destroyed.Remove().(*Op).Destroy()
	}

	return r.p.close()
}

func (r *Reactor) lookup(fd int) *Descriptor {
	r.dmu.RLock()
	d := r.descriptors[fd]
	r.dmu.RUnlock()
	return d
}

func (r *Reactor) post(op *Op) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		op.Destroy()
		return
	}
	r.completions.Add(op)
	r.mu.Unlock()

	r.wakeup()
}

func (r *Reactor) postAll(ops *queue.Queue) {
	if ops.Length() == 0 {
		return
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		for ops.Length() > 0 {
			ops.Remove().(*Op).Destroy()
		}
		return
	}
	for ops.Length() > 0 {
		r.completions.Add(ops.Remove())
	}
	r.mu.Unlock()

	r.wakeup()
}

func (r *Reactor) wakeup() {
	if err := r.p.wakeup(); err != nil {
		r.l.WithError(err).Error("Failed to wake up the reactor")
	}
}
