package reactor

import (
	"sync"

	"github.com/eapache/queue"
)

type OpType int

const (
	ReadOp OpType = iota
	WriteOp

	maxOps
)

func (t OpType) String() string {
	switch t {
	case ReadOp:
		return "read"
	case WriteOp:
		return "write"
	}
	return "unknown"
}

// readiness is a bitmask of OpTypes the poller reported ready
type readiness uint8

const (
	readReady readiness = 1 << iota
	writeReady

	allReady = readReady | writeReady
)

func (r readiness) has(t OpType) bool {
	return r&(1<<uint(t)) != 0
}

// Descriptor is the per socket state the reactor keeps. The socket itself is borrowed, the reactor never closes it.
type Descriptor struct {
	fd int

	mu             sync.Mutex
	queues         [maxOps]*queue.Queue
	trySpeculative [maxOps]bool
	shutdown       bool
}

func newDescriptor(fd int) *Descriptor {
	d := &Descriptor{fd: fd}
	for i := range d.queues {
		d.queues[i] = queue.New()
		d.trySpeculative[i] = true
	}
	return d
}

func (d *Descriptor) Fd() int {
	return d.fd
}

// Pending returns the number of operations queued for t
func (d *Descriptor) Pending(t OpType) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queues[t].Length()
}

// performIO runs the queued operations of every ready direction in FIFO order until one would block. Finished
// operations are moved to out.
func (d *Descriptor) performIO(ready readiness, out *queue.Queue) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for t := OpType(0); t < maxOps; t++ {
		if !ready.has(t) {
			continue
		}

		d.trySpeculative[t] = true
		q := d.queues[t]
		for q.Length() > 0 {
			op := q.Peek().(*Op)
			status := op.Perform()
			if status == NotDone {
				break
			}

			q.Remove()
			out.Add(op)
			if status == DoneAndExhausted {
				d.trySpeculative[t] = false
				break
			}
		}
	}
}

// drain moves every queued operation to out, marking them with err. d.mu must be held.
func (d *Descriptor) drain(err error, out *queue.Queue) int {
	n := 0
	for _, q := range d.queues {
		for q.Length() > 0 {
			op := q.Remove().(*Op)
			op.abort(err)
			out.Add(op)
			n++
		}
	}
	return n
}
