//go:build linux

package reactor

import (
	"errors"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	epollReadEvents  = unix.EPOLLIN | unix.EPOLLPRI | unix.EPOLLRDHUP
	epollWriteEvents = unix.EPOLLOUT
	epollErrorEvents = unix.EPOLLERR | unix.EPOLLHUP
)

// epoll is an edge triggered poller with an eventfd used to interrupt wait
type epoll struct {
	fd     int
	wakeFd int
	raw    []unix.EpollEvent
}

func newPoller() (poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}

	wakeFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(fd)
		return nil, os.NewSyscallError("eventfd", err)
	}

	ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLET, Fd: int32(wakeFd)}
	if err = unix.EpollCtl(fd, unix.EPOLL_CTL_ADD, wakeFd, &ev); err != nil {
		unix.Close(wakeFd)
		unix.Close(fd)
		return nil, os.NewSyscallError("epoll_ctl", err)
	}

	return &epoll{fd: fd, wakeFd: wakeFd}, nil
}

func (p *epoll) add(fd int) error {
	ev := unix.EpollEvent{
		Events: epollReadEvents | epollWriteEvents | epollErrorEvents | unix.EPOLLET,
		Fd:     int32(fd),
	}
	return os.NewSyscallError("epoll_ctl", unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, &ev))
}

func (p *epoll) del(fd int) error {
	err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil)
	if errors.Is(err, unix.ENOENT) || errors.Is(err, unix.EBADF) {
		return nil
	}
	return os.NewSyscallError("epoll_ctl", err)
}

func (p *epoll) wait(events []event, msec int) (int, error) {
	if len(p.raw) < len(events) {
		p.raw = make([]unix.EpollEvent, len(events))
	}

	n, err := unix.EpollWait(p.fd, p.raw[:len(events)], msec)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, os.NewSyscallError("epoll_wait", err)
	}

	for i := 0; i < n; i++ {
		raw := p.raw[i]
		fd := int(raw.Fd)
		if fd == p.wakeFd {
			p.drainWakeups()
			events[i] = event{fd: fd, wakeup: true}
			continue
		}

		var ready readiness
		if raw.Events&epollReadEvents != 0 {
			ready |= readReady
		}
		if raw.Events&epollWriteEvents != 0 {
			ready |= writeReady
		}
		if raw.Events&epollErrorEvents != 0 {
			// Let every queued operation pick up the socket error itself
			ready |= allReady
		}
		events[i] = event{fd: fd, ready: ready}
	}

	return n, nil
}

func (p *epoll) drainWakeups() {
	var buf [8]byte
	for {
		_, err := unix.Read(p.wakeFd, buf[:])
		if err != unix.EINTR {
			return
		}
	}
}

func (p *epoll) wakeup() error {
	var buf [8]byte
	*(*uint64)(unsafe.Pointer(&buf[0])) = 1
	for {
		_, err := unix.Write(p.wakeFd, buf[:])
		switch err {
		case nil, unix.EAGAIN:
			return nil
		case unix.EINTR:
			continue
		default:
			return os.NewSyscallError("write", err)
		}
	}
}

func (p *epoll) close() error {
	err := unix.Close(p.wakeFd)
	if cerr := unix.Close(p.fd); err == nil {
		err = cerr
	}
	return err
}
