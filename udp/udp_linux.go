//go:build linux

package udp

import (
	"fmt"
	"net/netip"
	"sync"
	"unsafe"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/mmsg/config"
	"github.com/slackhq/mmsg/executor"
	"github.com/slackhq/mmsg/reactor"
	"golang.org/x/sys/unix"
)

// Conn issues batched operations on a datagram socket through a reactor. Handlers are posted to ex.
type Conn struct {
	l  *logrus.Logger
	r  *reactor.Reactor
	ex executor.Executor
	d  *reactor.Descriptor

	sysFd int
	isV4  bool
	state socketState
	owned bool

	closeOnce sync.Once

	recvBatches metrics.Histogram
	sendBatches metrics.Histogram
}

// From linux/sock_diag.h
const (
	_SK_MEMINFO_RMEM_ALLOC = iota
	_SK_MEMINFO_RCVBUF
	_SK_MEMINFO_WMEM_ALLOC
	_SK_MEMINFO_SNDBUF
	_SK_MEMINFO_FWD_ALLOC
	_SK_MEMINFO_WMEM_QUEUED
	_SK_MEMINFO_OPTMEM
	_SK_MEMINFO_BACKLOG
	_SK_MEMINFO_DROPS

	_SK_MEMINFO_VARS
)

type _SK_MEMINFO [_SK_MEMINFO_VARS]uint32

// NewListener opens a non-blocking UDP socket bound to ip:port and registers it with r. The returned Conn owns the
// socket. multi enables SO_REUSEPORT so several listeners can share the port.
func NewListener(l *logrus.Logger, r *reactor.Reactor, ex executor.Executor, ip string, port int, multi bool) (*Conn, error) {
	lip, err := netip.ParseAddr(ip)
	if err != nil {
		return nil, fmt.Errorf("unable to parse listen address %q: %w", ip, err)
	}

	isV4 := lip.Unmap().Is4()
	af := unix.AF_INET6
	if isV4 {
		af = unix.AF_INET
	}

	fd, err := unix.Socket(af, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_UDP)
	if err != nil {
		return nil, fmt.Errorf("unable to open socket: %w", err)
	}

	if multi {
		if err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("unable to set SO_REUSEPORT: %w", err)
		}
	}

	var sa unix.Sockaddr
	if isV4 {
		sa = &unix.SockaddrInet4{Port: port, Addr: lip.Unmap().As4()}
	} else {
		sa = &unix.SockaddrInet6{Port: port, Addr: lip.As16()}
	}
	if err = unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("unable to bind to socket: %w", err)
	}

	c, err := newConn(l, r, ex, fd, isV4, 0)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	c.owned = true

	return c, nil
}

// NewConnFromFd wraps an existing socket. The socket is switched to non-blocking mode and is never closed by the Conn.
func NewConnFromFd(l *logrus.Logger, r *reactor.Reactor, ex executor.Executor, fd int) (*Conn, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("unable to set socket non-blocking: %w", err)
	}

	typ, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_TYPE)
	if err != nil {
		return nil, fmt.Errorf("unable to get socket type: %w", err)
	}

	domain, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_DOMAIN)
	if err != nil {
		return nil, fmt.Errorf("unable to get socket domain: %w", err)
	}

	var state socketState
	if typ == unix.SOCK_STREAM || typ == unix.SOCK_SEQPACKET {
		state |= streamOriented
	}

	return newConn(l, r, ex, fd, domain == unix.AF_INET, state)
}

func newConn(l *logrus.Logger, r *reactor.Reactor, ex executor.Executor, fd int, isV4 bool, state socketState) (*Conn, error) {
	d, err := r.RegisterDescriptor(fd)
	if err != nil {
		return nil, fmt.Errorf("unable to register socket with the reactor: %w", err)
	}

	return &Conn{
		l:           l,
		r:           r,
		ex:          ex,
		d:           d,
		sysFd:       fd,
		isV4:        isV4,
		state:       state,
		recvBatches: metrics.GetOrRegisterHistogram("udp.recvmmsg.batch", nil, metrics.NewExpDecaySample(1028, 0.015)),
		sendBatches: metrics.GetOrRegisterHistogram("udp.sendmmsg.batch", nil, metrics.NewExpDecaySample(1028, 0.015)),
	}, nil
}

// AsyncReceiveMany receives up to MaxBatchSize datagrams into msgs. h runs once on the executor, msgs must not be
// touched until then.
func (u *Conn) AsyncReceiveMany(msgs []Message, flags int, h ReceiveHandler) {
	op := newRecvmmsgOp(u.sysFd, u.state, msgs, flags, h, u.ex, u.recvBatches)
	u.r.StartOp(reactor.ReadOp, u.d, &op.Op)
}

// AsyncSendMany sends up to MaxBatchSize datagrams from msgs. h runs once on the executor, msgs must not be touched
// until then.
func (u *Conn) AsyncSendMany(msgs []Message, flags int, h SendHandler) {
	op := newSendmmsgOp(u.sysFd, u.state, u.isV4, msgs, flags, h, u.ex, u.sendBatches)
	u.r.StartOp(reactor.WriteOp, u.d, &op.Op)
}

// Cancel completes every queued operation with reactor.ErrOperationAborted
func (u *Conn) Cancel() {
	u.r.CancelOps(u.d)
}

// Close aborts every queued operation and closes the socket if the Conn opened it
func (u *Conn) Close() error {
	var err error
	u.closeOnce.Do(func() {
		err = u.r.DeregisterDescriptor(u.d)
		if u.owned {
			if cerr := unix.Close(u.sysFd); cerr != nil && err == nil {
				err = cerr
			}
		}
	})
	return err
}

func (u *Conn) IsV4() bool {
	return u.isV4
}

func (u *Conn) SetRecvBuffer(n int) error {
	return unix.SetsockoptInt(u.sysFd, unix.SOL_SOCKET, unix.SO_RCVBUFFORCE, n)
}

func (u *Conn) SetSendBuffer(n int) error {
	return unix.SetsockoptInt(u.sysFd, unix.SOL_SOCKET, unix.SO_SNDBUFFORCE, n)
}

func (u *Conn) GetRecvBuffer() (int, error) {
	return unix.GetsockoptInt(u.sysFd, unix.SOL_SOCKET, unix.SO_RCVBUF)
}

func (u *Conn) GetSendBuffer() (int, error) {
	return unix.GetsockoptInt(u.sysFd, unix.SOL_SOCKET, unix.SO_SNDBUF)
}

func (u *Conn) LocalAddr() (netip.AddrPort, error) {
	sa, err := unix.Getsockname(u.sysFd)
	if err != nil {
		return netip.AddrPort{}, err
	}

	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port)), nil
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(sa.Addr), uint16(sa.Port)), nil
	}

	return netip.AddrPort{}, fmt.Errorf("unsupported socket address %T", sa)
}

func (u *Conn) ReloadConfig(c *config.C) {
	b := c.GetInt("listen.read_buffer", 0)
	if b > 0 {
		err := u.SetRecvBuffer(b)
		if err == nil {
			s, err := u.GetRecvBuffer()
			if err == nil {
				u.l.WithField("size", s).Info("listen.read_buffer was set")
			} else {
				u.l.WithError(err).Warn("Failed to get listen.read_buffer")
			}
		} else {
			u.l.WithError(err).Error("Failed to set listen.read_buffer")
		}
	}

	b = c.GetInt("listen.write_buffer", 0)
	if b > 0 {
		err := u.SetSendBuffer(b)
		if err == nil {
			s, err := u.GetSendBuffer()
			if err == nil {
				u.l.WithField("size", s).Info("listen.write_buffer was set")
			} else {
				u.l.WithError(err).Warn("Failed to get listen.write_buffer")
			}
		} else {
			u.l.WithError(err).Error("Failed to set listen.write_buffer")
		}
	}
}

func (u *Conn) getMemInfo(meminfo *_SK_MEMINFO) error {
	var vallen uint32 = 4 * _SK_MEMINFO_VARS
	_, _, err := unix.Syscall6(unix.SYS_GETSOCKOPT, uintptr(u.sysFd), uintptr(unix.SOL_SOCKET), uintptr(unix.SO_MEMINFO), uintptr(unsafe.Pointer(meminfo)), uintptr(unsafe.Pointer(&vallen)), 0)
	if err != 0 {
		return err
	}
	return nil
}

// NewUDPStatsEmitter returns a func that refreshes the SO_MEMINFO gauges of every conn, or a no-op when the kernel does
// not support SO_MEMINFO
func NewUDPStatsEmitter(udpConns []*Conn) func() {
	var udpGauges [][_SK_MEMINFO_VARS]metrics.Gauge
	var meminfo _SK_MEMINFO
	if len(udpConns) > 0 && udpConns[0].getMemInfo(&meminfo) == nil {
		names := [_SK_MEMINFO_VARS]string{"rmem_alloc", "rcvbuf", "wmem_alloc", "sndbuf", "fwd_alloc", "wmem_queued", "optmem", "backlog", "drops"}
		udpGauges = make([][_SK_MEMINFO_VARS]metrics.Gauge, len(udpConns))
		for i := range udpConns {
			for j, name := range names {
				udpGauges[i][j] = metrics.GetOrRegisterGauge(fmt.Sprintf("udp.%d.%s", i, name), nil)
			}
		}
	}

	return func() {
		for i, gauges := range udpGauges {
			if err := udpConns[i].getMemInfo(&meminfo); err == nil {
				for j := 0; j < _SK_MEMINFO_VARS; j++ {
					gauges[j].Update(int64(meminfo[j]))
				}
			}
		}
	}
}
