package mmsg

import (
	"errors"
	"fmt"
	"net/netip"
	"testing"

	"github.com/rcrowley/go-metrics"
	"github.com/slackhq/mmsg/reactor"
	"github.com/slackhq/mmsg/test"
	"github.com/slackhq/mmsg/udp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEchoRoutine_Finished(t *testing.T) {
	s := newEchoService(test.NewLogger(), nil, 4, 100)
	assert.Empty(t, s.routines)

	r := &echoRoutine{l: test.NewLogger(), done: make(chan struct{})}

	assert.False(t, r.finished(errors.New("connection refused")))
	select {
	case <-r.done:
		t.Fatal("routine stopped on a transient error")
	default:
	}

	assert.True(t, r.finished(fmt.Errorf("receive: %w", reactor.ErrOperationAborted)))
	assert.True(t, r.finished(reactor.ErrBadDescriptor))
	<-r.done

	// Nothing left to wait on
	<-s.wait()
}

type scriptedConn struct {
	receives int
	sends    [][]udp.Message
}

func (c *scriptedConn) AsyncReceiveMany(_ []udp.Message, _ int, _ udp.ReceiveHandler) {
	c.receives++
}

func (c *scriptedConn) AsyncSendMany(msgs []udp.Message, _ int, _ udp.SendHandler) {
	c.sends = append(c.sends, msgs)
}

func newScriptedRoutine(batch int) (*echoRoutine, *scriptedConn) {
	conn := &scriptedConn{}
	r := &echoRoutine{
		l:        test.NewLogger(),
		conn:     conn,
		in:       make([]udp.Message, batch),
		out:      make([]udp.Message, batch),
		outBufs:  make([][]byte, batch),
		done:     make(chan struct{}),
		messages: metrics.NewCounter(),
		bytes:    metrics.NewCounter(),
		errors:   metrics.NewCounter(),
	}
	for i := range r.in {
		r.in[i].Buffers = [][]byte{make([]byte, 16)}
		r.out[i].Buffers = r.outBufs[i : i+1 : i+1]
	}
	return r, conn
}

func TestEchoRoutine_ShortSend(t *testing.T) {
	r, conn := newScriptedRoutine(4)

	for i := 0; i < 3; i++ {
		r.in[i].N = 4
		r.in[i].Addr = netip.MustParseAddrPort("127.0.0.1:4242")
	}
	r.onReceive(nil, 12, 3)
	require.Len(t, conn.sends, 1)
	assert.Len(t, conn.sends[0], 3)

	// The kernel only took the first reply
	conn.sends[0][0].N = 4
	r.onSend(nil, 4)
	require.Len(t, conn.sends, 2)
	assert.Len(t, conn.sends[1], 2)
	assert.Same(t, &r.out[1], &conn.sends[1][0])
	assert.Equal(t, 0, conn.receives)

	conn.sends[1][0].N = 4
	conn.sends[1][1].N = 4
	r.onSend(nil, 8)
	assert.Len(t, conn.sends, 2)
	assert.Equal(t, 1, conn.receives)

	assert.Equal(t, int64(3), r.messages.Count())
	assert.Equal(t, int64(12), r.bytes.Count())
	assert.Equal(t, int64(0), r.errors.Count())
}

func TestEchoRoutine_SendErrorCountsDropped(t *testing.T) {
	r, conn := newScriptedRoutine(4)

	for i := 0; i < 3; i++ {
		r.in[i].N = 2
	}
	r.onReceive(nil, 6, 3)
	conn.sends[0][0].N = 2
	r.onSend(nil, 2)
	require.Len(t, conn.sends, 2)

	r.onSend(errors.New("network is unreachable"), 0)
	assert.Equal(t, int64(2), r.errors.Count())
	assert.Equal(t, 1, conn.receives)
}
