package mmsg

import (
	"errors"
	"sync"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/mmsg/reactor"
	"github.com/slackhq/mmsg/udp"
)

// echoService sends every datagram received on its conns back to where it came from, a batch at a time
type echoService struct {
	l        *logrus.Logger
	routines []*echoRoutine
}

// batchConn is the part of udp.Conn an echo routine drives
type batchConn interface {
	AsyncReceiveMany(msgs []udp.Message, flags int, h udp.ReceiveHandler)
	AsyncSendMany(msgs []udp.Message, flags int, h udp.SendHandler)
}

// echoRoutine alternates between one batched receive and one batched send, so its buffers are never shared
type echoRoutine struct {
	l    *logrus.Logger
	id   int
	conn batchConn

	in      []udp.Message
	out     []udp.Message
	outBufs [][]byte
	sent    int
	pending int

	stopOnce sync.Once
	done     chan struct{}

	messages metrics.Counter
	bytes    metrics.Counter
	errors   metrics.Counter
}

func newEchoService(l *logrus.Logger, conns []*udp.Conn, batch, mtu int) *echoService {
	s := &echoService{l: l}

	messages := metrics.GetOrRegisterCounter("echo.messages", nil)
	bytes := metrics.GetOrRegisterCounter("echo.bytes", nil)
	errs := metrics.GetOrRegisterCounter("echo.errors", nil)

	for i, conn := range conns {
		r := &echoRoutine{
			l:        l,
			id:       i,
			conn:     conn,
			in:       make([]udp.Message, batch),
			out:      make([]udp.Message, batch),
			outBufs:  make([][]byte, batch),
			done:     make(chan struct{}),
			messages: messages,
			bytes:    bytes,
			errors:   errs,
		}

		// One contiguous slab per routine
		slab := make([]byte, batch*mtu)
		for j := range r.in {
			r.in[j].Buffers = [][]byte{slab[j*mtu : (j+1)*mtu : (j+1)*mtu]}
			r.out[j].Buffers = r.outBufs[j : j+1 : j+1]
		}

		s.routines = append(s.routines, r)
	}

	return s
}

func (s *echoService) start() {
	for _, r := range s.routines {
		r.receive()
	}
}

// wait returns a channel that is closed once every routine has seen its conn go away
func (s *echoService) wait() <-chan struct{} {
	all := make(chan struct{})
	go func() {
		for _, r := range s.routines {
			<-r.done
		}
		close(all)
	}()
	return all
}

func (r *echoRoutine) receive() {
	r.conn.AsyncReceiveMany(r.in, 0, r.onReceive)
}

func (r *echoRoutine) onReceive(err error, n int, completed int) {
	if err != nil {
		if r.finished(err) {
			return
		}
		r.errors.Inc(1)
		r.l.WithError(err).WithField("routine", r.id).Error("Failed to receive a batch")
		r.receive()
		return
	}

	if completed == 0 {
		r.receive()
		return
	}

	for i := 0; i < completed; i++ {
		in := &r.in[i]
		r.outBufs[i] = in.Buffers[0][:in.N]
		r.out[i].Addr = in.Addr
		r.out[i].N = unsent
		r.out[i].Err = nil

		if in.Flags&msgTrunc != 0 {
			r.l.WithField("from", in.Addr).WithField("routine", r.id).Debug("Echoing a truncated datagram")
		}
	}

	r.messages.Inc(int64(completed))
	r.sent = 0
	r.pending = completed
	r.send()
}

func (r *echoRoutine) send() {
	r.conn.AsyncSendMany(r.out[r.sent:r.pending], 0, r.onSend)
}

// unsent marks a reply the kernel has not taken yet, a completed send overwrites it with the bytes sent
const unsent = -1

func (r *echoRoutine) onSend(err error, n int) {
	if err != nil {
		if r.finished(err) {
			return
		}
		dropped := r.pending - r.sent
		r.errors.Inc(int64(dropped))
		r.l.WithError(err).WithField("routine", r.id).WithField("dropped", dropped).Error("Failed to send a batch")
		r.receive()
		return
	}

	r.bytes.Inc(int64(n))
	progress := r.advance()
	if r.sent < r.pending {
		if progress == 0 {
			dropped := r.pending - r.sent
			r.errors.Inc(int64(dropped))
			r.l.WithField("routine", r.id).WithField("dropped", dropped).Error("Send made no progress")
			r.receive()
			return
		}
		// A short send, the rest of the replies go out before the next receive
		r.send()
		return
	}

	r.receive()
}

// advance moves sent past every reply the last send completed and returns how many that was
func (r *echoRoutine) advance() int {
	start := r.sent
	for r.sent < r.pending && r.out[r.sent].N != unsent {
		r.sent++
	}
	return r.sent - start
}

// finished reports whether err means the conn is going away, the routine stops re-arming when it does
func (r *echoRoutine) finished(err error) bool {
	if !errors.Is(err, reactor.ErrOperationAborted) && !errors.Is(err, reactor.ErrBadDescriptor) {
		return false
	}

	r.stopOnce.Do(func() {
		r.l.WithField("routine", r.id).Debug("Echo routine stopped")
		close(r.done)
	})
	return true
}
