package udp

import (
	"sync"

	"github.com/rcrowley/go-metrics"
	"github.com/slackhq/mmsg/executor"
	"github.com/slackhq/mmsg/reactor"
)

// recvmmsgOpBase is the reactor side of a batched receive, it knows nothing about handlers
type recvmmsgOpBase struct {
	reactor.Op

	fd        int
	state     socketState
	flags     int
	msgs      []Message
	completed int
	adapter   batchAdapter
	batches   metrics.Histogram
}

func (o *recvmmsgOpBase) perform() reactor.Status {
	// Receiving never encodes addresses, prepare can not fail
	_ = o.adapter.prepare(o.msgs, directionReceive, false)
	if o.adapter.count() == 0 {
		o.Err, o.N, o.completed = nil, 0, 0
		return reactor.Done
	}

	done, n, completed, err := nonBlockingRecvmmsg(o.fd, o.adapter.native(), o.flags)
	if !done {
		o.adapter.finalize(0, nil)
		return reactor.NotDone
	}

	o.Err, o.N, o.completed = err, n, completed
	o.adapter.finalize(completed, err)
	if o.batches != nil && err == nil {
		o.batches.Update(int64(completed))
	}

	if o.state&streamOriented != 0 && o.N == 0 {
		return reactor.DoneAndExhausted
	}
	return reactor.Done
}

// recvmmsgOp carries the user's handler and the work that keeps the executor busy until it has run
type recvmmsgOp struct {
	recvmmsgOpBase

	handler ReceiveHandler
	work    executor.Work
}

var recvmmsgOps sync.Pool

func init() {
	recvmmsgOps.New = func() any {
		o := &recvmmsgOp{}
		o.Init(o.perform, o.complete)
		return o
	}
}

func newRecvmmsgOp(fd int, state socketState, msgs []Message, flags int, h ReceiveHandler, ex executor.Executor, batches metrics.Histogram) *recvmmsgOp {
	o := recvmmsgOps.Get().(*recvmmsgOp)
	o.fd = fd
	o.state = state
	o.flags = flags
	o.msgs = msgs
	o.batches = batches
	o.handler = h
	o.work = executor.NewWork(ex)
	return o
}

func (o *recvmmsgOp) complete(owner any, err error, n int) {
	h := o.handler
	if h == nil {
		panic("udp: receive operation completed twice")
	}

	work := o.work.Take()
	completed := o.completed

	// The operation goes back to the pool before the handler runs, it may be reused by the handler itself
	o.release()

	if owner == nil {
		work.Reset()
		return
	}

	work.Complete(func() {
		h(err, n, completed)
	})
}

func (o *recvmmsgOp) release() {
	o.handler = nil
	o.msgs = nil
	o.batches = nil
	o.Err, o.N, o.completed = nil, 0, 0
	o.adapter.release()
	recvmmsgOps.Put(o)
}
