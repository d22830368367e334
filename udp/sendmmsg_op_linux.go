package udp

import (
	"sync"

	"github.com/rcrowley/go-metrics"
	"github.com/slackhq/mmsg/executor"
	"github.com/slackhq/mmsg/reactor"
)

type sendmmsgOpBase struct {
	reactor.Op

	fd        int
	state     socketState
	v4        bool
	flags     int
	msgs      []Message
	completed int
	adapter   batchAdapter
	batches   metrics.Histogram
}

func (o *sendmmsgOpBase) perform() reactor.Status {
	if err := o.adapter.prepare(o.msgs, directionSend, o.v4); err != nil {
		o.Err, o.N, o.completed = err, 0, 0
		return reactor.Done
	}

	if o.adapter.count() == 0 {
		o.Err, o.N, o.completed = nil, 0, 0
		return reactor.Done
	}

	done, n, completed, err := nonBlockingSendmmsg(o.fd, o.adapter.native(), o.flags)
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

type sendmmsgOp struct {
	sendmmsgOpBase

	handler SendHandler
	work    executor.Work
}

var sendmmsgOps sync.Pool

func init() {
	sendmmsgOps.New = func() any {
		o := &sendmmsgOp{}
		o.Init(o.perform, o.complete)
		return o
	}
}

func newSendmmsgOp(fd int, state socketState, v4 bool, msgs []Message, flags int, h SendHandler, ex executor.Executor, batches metrics.Histogram) *sendmmsgOp {
	o := sendmmsgOps.Get().(*sendmmsgOp)
	o.fd = fd
	o.state = state
	o.v4 = v4
	o.flags = flags
	o.msgs = msgs
	o.batches = batches
	o.handler = h
	o.work = executor.NewWork(ex)
	return o
}

func (o *sendmmsgOp) complete(owner any, err error, n int) {
	h := o.handler
	if h == nil {
		panic("udp: send operation completed twice")
	}

	work := o.work.Take()
	o.release()

	if owner == nil {
		work.Reset()
		return
	}

	work.Complete(func() {
		h(err, n)
	})
}

func (o *sendmmsgOp) release() {
	o.handler = nil
	o.msgs = nil
	o.batches = nil
	o.Err, o.N, o.completed = nil, 0, 0
	o.adapter.release()
	sendmmsgOps.Put(o)
}
