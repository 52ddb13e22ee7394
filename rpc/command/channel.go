package command

import (
	"errors"
	"fmt"
	"github.com/lni/dragonboat/v4/logger"
	"golang.org/x/sys/unix"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

var Logger = logger.GetLogger("command")

// Roles a command address can belong to
const (
	RoleListen   = "listen"
	RoleRecv     = "recv"
	RoleWork     = "work"
	RoleSend     = "send"
	RoleProducer = "producer"
	RoleQuery    = "query"
)

var (
	// ErrWouldBlock is returned by Recv when no command is pending
	ErrWouldBlock = errors.New("no command pending")
	// ErrTimeout is returned by RecvTimeout when the deadline passed
	ErrTimeout = errors.New("timeout waiting for command")
	// ErrClosed is returned by every operation on a closed channel
	ErrClosed = errors.New("command channel closed")
)

// Address derives the datagram address of a role instance. An empty dir selects
// the linux abstract namespace, otherwise a socket file below dir is used.
func Address(dir, service, role string, idx int) string {
	if dir == "" {
		return fmt.Sprintf("@smtc/%s/%s/%d", service, role, idx)
	}
	return filepath.Join(dir, service, fmt.Sprintf("%s_%d.usck", role, idx))
}

// --------------------------------------------------------------------------
// Channel
// --------------------------------------------------------------------------

// Channel is a non-blocking unix datagram socket bound to a role address.
//
// Delivery is best effort: Send never blocks and fails if the peer is missing
// or its receive buffer is full. Callers must not depend on a command arriving.
//
// Close may race with Send and Recv. Once the descriptor was released the
// channel refuses all io, so a reused descriptor number is never written to.
type Channel struct {
	mu   sync.RWMutex
	fd   int // -1 once closed
	addr string
}

// Listen binds a new channel to addr
func Listen(addr string) (*Channel, error) {
	if !strings.HasPrefix(addr, "@") {
		if err := os.MkdirAll(filepath.Dir(addr), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create command directory: %w", err)
		}
		// stale socket file from a previous run
		_ = os.Remove(addr)
	}

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to create command socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: addr}); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("failed to bind command socket %s: %w", addr, err)
	}

	return &Channel{fd: fd, addr: addr}, nil
}

// FD returns the socket descriptor for registration with a poller, -1 if closed
func (c *Channel) FD() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fd
}

// Addr returns the bound address
func (c *Channel) Addr() string { return c.addr }

// Send transmits cmd to the channel bound at to without blocking
func (c *Channel) Send(to string, cmd Command) error {
	buf, err := cmd.Encode()
	if err != nil {
		return err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.fd < 0 {
		return fmt.Errorf("send %s to %s: %w", cmd.Type, to, ErrClosed)
	}
	for {
		err = unix.Sendto(c.fd, buf, unix.MSG_DONTWAIT, &unix.SockaddrUnix{Name: to})
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("send %s to %s: %w", cmd.Type, to, err)
		}
		return nil
	}
}

// Recv returns the next pending command and the address of its sender.
// It returns ErrWouldBlock if nothing is pending.
func (c *Channel) Recv() (Command, string, error) {
	var buf [Size + 1]byte

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.fd < 0 {
		return Command{}, "", ErrClosed
	}
	for {
		n, from, err := unix.Recvfrom(c.fd, buf[:], 0)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return Command{}, "", ErrWouldBlock
		}
		if err != nil {
			return Command{}, "", fmt.Errorf("receive command: %w", err)
		}

		var sender string
		if sa, ok := from.(*unix.SockaddrUnix); ok {
			sender = sa.Name
		}
		cmd, err := Decode(buf[:n])
		return cmd, sender, err
	}
}

// RecvTimeout waits up to timeout for a command
func (c *Channel) RecvTimeout(timeout time.Duration) (Command, string, error) {
	deadline := time.Now().Add(timeout)
	for {
		cmd, from, err := c.Recv()
		if !errors.Is(err, ErrWouldBlock) {
			return cmd, from, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Command{}, "", ErrTimeout
		}
		fd := c.FD()
		if fd < 0 {
			return Command{}, "", ErrClosed
		}
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		if _, err := unix.Poll(fds, int(remaining.Milliseconds())+1); err != nil && err != unix.EINTR {
			return Command{}, "", fmt.Errorf("poll command socket: %w", err)
		}
	}
}

// Close closes the socket and removes its file, if any. Closing twice is a no-op.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fd < 0 {
		return nil
	}
	err := unix.Close(c.fd)
	c.fd = -1
	if !strings.HasPrefix(c.addr, "@") {
		_ = os.Remove(c.addr)
	}
	return err
}

// SendBestEffort sends cmd and only logs a failure at debug level
func (c *Channel) SendBestEffort(to string, cmd Command) bool {
	if err := c.Send(to, cmd); err != nil {
		Logger.Debugf("dropped command: %v", err)
		return false
	}
	return true
}
