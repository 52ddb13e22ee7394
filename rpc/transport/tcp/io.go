package tcp

import (
	"errors"
	"golang.org/x/sys/unix"
)

var (
	// ErrAgain reports that a non-blocking operation would block
	ErrAgain = errors.New("operation would block")
	// ErrPeerClosed reports an orderly shutdown by the peer
	ErrPeerClosed = errors.New("connection closed by peer")
)

// Read reads from a non-blocking descriptor. It returns ErrAgain if nothing is
// available and ErrPeerClosed on end of stream.
func Read(fd int, buf []byte) (int, error) {
	for {
		n, err := unix.Read(fd, buf)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
			return 0, ErrAgain
		case err != nil:
			return 0, err
		case n == 0 && len(buf) > 0:
			return 0, ErrPeerClosed
		default:
			return n, nil
		}
	}
}

// Write writes to a non-blocking socket without raising SIGPIPE. It returns the
// number of bytes written, which may be short, and ErrAgain if none could be written.
func Write(fd int, buf []byte) (int, error) {
	for {
		n, err := unix.SendmsgN(fd, buf, nil, nil, unix.MSG_NOSIGNAL)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
			return 0, ErrAgain
		case err != nil:
			return 0, err
		default:
			return n, nil
		}
	}
}

// Close closes a descriptor
func Close(fd int) error {
	return unix.Close(fd)
}
