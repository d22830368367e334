package udp

import (
	"net/netip"
	"unsafe"

	"golang.org/x/sys/unix"
)

// mmsghdr mirrors struct mmsghdr, the compiler adds the same tail padding the kernel expects
type mmsghdr struct {
	Hdr unix.Msghdr
	Len uint32
}

type direction uint8

const (
	directionReceive direction = iota
	directionSend
)

// batchAdapter turns a []Message into the native mmsghdr array handed to recvmmsg and sendmmsg. The native storage is
// reused between attempts but rebuilt every time prepare is called.
type batchAdapter struct {
	msgs  []Message
	dir   direction
	n     int
	hdrs  []mmsghdr
	iovs  []unix.Iovec
	names []unix.RawSockaddrInet6
}

// prepare builds at most MaxBatchSize native entries for msgs. v4 selects sockaddr_in destinations when sending.
func (a *batchAdapter) prepare(msgs []Message, dir direction, v4 bool) error {
	a.msgs = msgs
	a.dir = dir
	a.n = min(len(msgs), MaxBatchSize)

	iovs := 0
	for i := 0; i < a.n; i++ {
		iovs += len(msgs[i].Buffers)
	}

	a.hdrs = grow(a.hdrs, a.n)
	a.iovs = grow(a.iovs, iovs)
	a.names = grow(a.names, a.n)

	off := 0
	for i := 0; i < a.n; i++ {
		m := &msgs[i]
		h := &a.hdrs[i]
		*h = mmsghdr{}

		vs := a.iovs[off : off+len(m.Buffers)]
		off += len(m.Buffers)

		k := 0
		for _, b := range m.Buffers {
			if len(b) == 0 {
				continue
			}
			vs[k] = unix.Iovec{Base: &b[0]}
			vs[k].SetLen(len(b))
			k++
		}
		if k > 0 {
			h.Hdr.Iov = &vs[0]
			h.Hdr.SetIovlen(k)
		}

		if len(m.OOB) > 0 {
			h.Hdr.Control = &m.OOB[0]
			h.Hdr.SetControllen(len(m.OOB))
		}

		name := &a.names[i]
		*name = unix.RawSockaddrInet6{}

		switch dir {
		case directionReceive:
			h.Hdr.Name = (*byte)(unsafe.Pointer(name))
			h.Hdr.Namelen = unix.SizeofSockaddrInet6

		case directionSend:
			if !m.Addr.IsValid() {
				continue
			}

			l, err := encodeSockaddr(name, m.Addr, v4)
			if err != nil {
				m.Err = err
				a.n = 0
				return err
			}
			h.Hdr.Name = (*byte)(unsafe.Pointer(name))
			h.Hdr.Namelen = l
		}
	}

	return nil
}

func (a *batchAdapter) count() int {
	return a.n
}

func (a *batchAdapter) native() []mmsghdr {
	return a.hdrs[:a.n]
}

// finalize copies the kernel's results into the first completed messages. When err is set it is recorded on the first
// message that was not serviced, later messages are left alone.
func (a *batchAdapter) finalize(completed int, err error) {
	completed = min(completed, a.n)

	for i := 0; i < completed; i++ {
		m := &a.msgs[i]
		h := &a.hdrs[i]

		m.N = int(h.Len)
		m.Flags = int(h.Hdr.Flags)
		m.Err = nil

		if a.dir == directionReceive {
			m.NN = int(h.Hdr.Controllen)
			m.Addr = decodeSockaddr(&a.names[i], h.Hdr.Namelen)
		}
	}

	if err != nil && completed < a.n {
		a.msgs[completed].Err = err
	}
}

// release drops every reference to caller memory so a pooled adapter does not keep buffers alive
func (a *batchAdapter) release() {
	clear(a.hdrs)
	clear(a.iovs)
	a.hdrs = a.hdrs[:0]
	a.iovs = a.iovs[:0]
	a.names = a.names[:0]
	a.msgs = nil
	a.n = 0
}

func grow[T any](s []T, n int) []T {
	if cap(s) < n {
		return make([]T, n)
	}
	return s[:n]
}

// htons stores port in network byte order regardless of the host's endianness
func htons(dst *uint16, port uint16) {
	b := (*[2]byte)(unsafe.Pointer(dst))
	b[0] = byte(port >> 8)
	b[1] = byte(port)
}

func ntohs(src *uint16) uint16 {
	b := (*[2]byte)(unsafe.Pointer(src))
	return uint16(b[0])<<8 | uint16(b[1])
}

func encodeSockaddr(name *unix.RawSockaddrInet6, ap netip.AddrPort, v4 bool) (uint32, error) {
	addr := ap.Addr()

	if v4 {
		if !addr.Unmap().Is4() {
			return 0, ErrInvalidIPv6RemoteForSocket
		}

		sa := (*unix.RawSockaddrInet4)(unsafe.Pointer(name))
		sa.Family = unix.AF_INET
		htons(&sa.Port, ap.Port())
		sa.Addr = addr.Unmap().As4()
		return unix.SizeofSockaddrInet4, nil
	}

	name.Family = unix.AF_INET6
	htons(&name.Port, ap.Port())
	name.Addr = addr.As16()
	return unix.SizeofSockaddrInet6, nil
}

func decodeSockaddr(name *unix.RawSockaddrInet6, l uint32) netip.AddrPort {
	switch {
	case name.Family == unix.AF_INET && l >= unix.SizeofSockaddrInet4:
		sa := (*unix.RawSockaddrInet4)(unsafe.Pointer(name))
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), ntohs(&sa.Port))

	case name.Family == unix.AF_INET6 && l >= unix.SizeofSockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(name.Addr).Unmap(), ntohs(&name.Port))
	}

	return netip.AddrPort{}
}
