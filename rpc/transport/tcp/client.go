package tcp

import (
	"fmt"
	"golang.org/x/sys/unix"
	"net"
	"time"
)

// Connect opens a non-blocking tcp connection to endpoint (host:port), waiting
// at most timeout for the handshake to complete
func Connect(endpoint string, timeout time.Duration) (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", endpoint)
	if err != nil {
		return -1, fmt.Errorf("failed to resolve %s: %w", endpoint, err)
	}
	ip := addr.IP
	if ip == nil {
		ip = net.IPv4(127, 0, 0, 1)
	}
	sa, family := sockaddr(ip, addr.Port)

	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("failed to create tcp socket: %w", err)
	}

	if err := unix.Connect(fd, sa); err != nil && err != unix.EINPROGRESS && err != unix.EINTR {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("connect %s: %w", endpoint, err)
	}

	if err := waitConnected(fd, timeout); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("connect %s: %w", endpoint, err)
	}
	return fd, nil
}

// waitConnected waits for writability and then reads the pending socket error
func waitConnected(fd int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return unix.ETIMEDOUT
		}
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
		n, err := unix.Poll(fds, int(remaining.Milliseconds())+1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return unix.ETIMEDOUT
		}

		soErr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if err != nil {
			return err
		}
		if soErr != 0 {
			return unix.Errno(soErr)
		}
		return nil
	}
}
