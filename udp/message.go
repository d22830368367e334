package udp

import "net/netip"

// MaxBatchSize is the most messages a single batched operation will hand to the kernel, matching UIO_MAXIOV
const MaxBatchSize = 1024

// Message is one datagram of a batch. Buffers and OOB are owned by the caller and must stay valid until the
// operation's handler has run.
type Message struct {
	Buffers [][]byte
	OOB     []byte

	// Addr is the destination when sending, the zero value sends to the connected peer. When receiving it is set to
	// the source of the datagram.
	Addr netip.AddrPort

	// N is the number of bytes transferred for this message
	N int
	// NN is the number of control bytes received into OOB
	NN int
	// Flags are the msg_flags the kernel reported for this message
	Flags int
	// Err is set on the first message the kernel did not service when the call failed
	Err error
}

// ReceiveHandler is invoked once per AsyncReceiveMany with the total bytes received and the number of messages filled
type ReceiveHandler func(err error, n int, completed int)

// SendHandler is invoked once per AsyncSendMany with the total bytes sent
type SendHandler func(err error, n int)

type socketState uint8

const (
	// streamOriented sockets report a zero byte read as end of data
	streamOriented socketState = 1 << iota
)
