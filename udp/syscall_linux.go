package udp

import (
	"net"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Swapped out by tests to script the kernel's answers
var (
	recvmmsgSyscall = recvmmsg
	sendmmsgSyscall = sendmmsg
)

// recvmmsg receives into hdrs, a single entry batch goes through recvmsg on the same header
func recvmmsg(fd int, hdrs []mmsghdr, flags int) (int, unix.Errno) {
	if len(hdrs) == 1 {
		n, _, errno := unix.Syscall(
			unix.SYS_RECVMSG,
			uintptr(fd),
			uintptr(unsafe.Pointer(&hdrs[0].Hdr)),
			uintptr(flags),
		)
		if errno != 0 {
			return 0, errno
		}
		hdrs[0].Len = uint32(n)
		return 1, 0
	}

	n, _, errno := unix.Syscall6(
		unix.SYS_RECVMMSG,
		uintptr(fd),
		uintptr(unsafe.Pointer(&hdrs[0])),
		uintptr(len(hdrs)),
		uintptr(flags),
		0,
		0,
	)
	if errno != 0 {
		return 0, errno
	}
	return int(n), 0
}

func sendmmsg(fd int, hdrs []mmsghdr, flags int) (int, unix.Errno) {
	if len(hdrs) == 1 {
		n, _, errno := unix.Syscall(
			unix.SYS_SENDMSG,
			uintptr(fd),
			uintptr(unsafe.Pointer(&hdrs[0].Hdr)),
			uintptr(flags),
		)
		if errno != 0 {
			return 0, errno
		}
		hdrs[0].Len = uint32(n)
		return 1, 0
	}

	n, _, errno := unix.Syscall6(
		unix.SYS_SENDMMSG,
		uintptr(fd),
		uintptr(unsafe.Pointer(&hdrs[0])),
		uintptr(len(hdrs)),
		uintptr(flags),
		0,
		0,
	)
	if errno != 0 {
		return 0, errno
	}
	return int(n), 0
}

// nonBlockingRecvmmsg makes one attempt at receiving a batch. done is false when the socket would block, otherwise n is
// the sum of the first completed message lengths.
func nonBlockingRecvmmsg(fd int, hdrs []mmsghdr, flags int) (done bool, n int, completed int, err error) {
	return nonBlockingMmsg("recvmmsg", recvmmsgSyscall, fd, hdrs, flags)
}

func nonBlockingSendmmsg(fd int, hdrs []mmsghdr, flags int) (done bool, n int, completed int, err error) {
	return nonBlockingMmsg("sendmmsg", sendmmsgSyscall, fd, hdrs, flags)
}

func nonBlockingMmsg(op string, call func(int, []mmsghdr, int) (int, unix.Errno), fd int, hdrs []mmsghdr, flags int) (bool, int, int, error) {
	for {
		k, errno := call(fd, hdrs, flags)
		switch errno {
		case 0:
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return false, 0, 0, nil
		default:
			return true, 0, 0, &net.OpError{Op: op, Net: "udp", Err: os.NewSyscallError(op, errno)}
		}

		n := 0
		for i := 0; i < k; i++ {
			n += int(hdrs[i].Len)
		}
		return true, n, k, nil
	}
}
