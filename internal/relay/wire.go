package relay

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

// wire is the socket surface the relay runs on. The production
// implementation talks to the kernel; tests substitute fakes to drive
// the read and send state machines.
type wire interface {
	listen(port int) (int, error)
	accept(listenFd int) (fd int, ip uint32, port uint16, err error)
	setNonblock(fd int) error
	read(fd int, p []byte) (int, error)
	write(fd int, p []byte) (int, error)
	closeSocket(fd int)
	selectFds(maxFd int, r, w *unix.FdSet, timeout time.Duration) (int, error)
}

// transient reports whether an I/O error just means try again on the
// next loop turn.
func transient(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR)
}

type unixWire struct{}

var _ wire = unixWire{}

func (unixWire) listen(port int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: port}); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Listen(fd, 511); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

func (unixWire) accept(listenFd int) (int, uint32, uint16, error) {
	fd, sa, err := unix.Accept(listenFd)
	if err != nil {
		return -1, 0, 0, err
	}
	inet, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		unix.Close(fd)
		return -1, 0, 0, unix.EAFNOSUPPORT
	}
	a := inet.Addr
	ip := uint32(a[0])<<24 | uint32(a[1])<<16 | uint32(a[2])<<8 | uint32(a[3])
	return fd, ip, uint16(inet.Port), nil
}

func (unixWire) setNonblock(fd int) error {
	return unix.SetNonblock(fd, true)
}

// read normalizes peer resets to the peer-closed case, the way the
// relay treats them: 0 bytes and no error means the other side is gone.
func (unixWire) read(fd int, p []byte) (int, error) {
	n, err := unix.Read(fd, p)
	if err != nil {
		if errors.Is(err, unix.ECONNRESET) || errors.Is(err, unix.ECONNABORTED) || errors.Is(err, unix.ESHUTDOWN) {
			return 0, nil
		}
		return 0, err
	}
	return n, nil
}

func (unixWire) write(fd int, p []byte) (int, error) {
	return unix.Write(fd, p)
}

// closeSocket drops pending data immediately, the peers of a dead
// connection resend their state anyway.
func (unixWire) closeSocket(fd int) {
	_ = unix.SetsockoptLinger(fd, unix.SOL_SOCKET, unix.SO_LINGER, &unix.Linger{Onoff: 0, Linger: 0})
	_ = unix.Close(fd)
}

func (unixWire) selectFds(maxFd int, r, w *unix.FdSet, timeout time.Duration) (int, error) {
	tv := unix.NsecToTimeval(timeout.Nanoseconds())
	return unix.Select(maxFd, r, w, nil, &tv)
}
