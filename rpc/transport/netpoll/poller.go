package netpoll

import (
	"fmt"
	"golang.org/x/sys/unix"
	"time"
)

// Event is a readiness notification for one descriptor
type Event struct {
	FD       int
	Readable bool
	Writable bool
	// Hangup is set on EPOLLHUP, EPOLLRDHUP and EPOLLERR; reading drains what is left
	Hangup bool
}

// Poller is a level-triggered epoll instance owned by exactly one event loop
type Poller struct {
	epfd   int
	raw    []unix.EpollEvent
	events []Event
}

// New creates a poller that reports at most maxEvents events per Wait
func New(maxEvents int) (*Poller, error) {
	if maxEvents <= 0 {
		maxEvents = 128
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	return &Poller{
		epfd:   epfd,
		raw:    make([]unix.EpollEvent, maxEvents),
		events: make([]Event, 0, maxEvents),
	}, nil
}

func interest(write bool) uint32 {
	ev := uint32(unix.EPOLLIN | unix.EPOLLRDHUP)
	if write {
		ev |= unix.EPOLLOUT
	}
	return ev
}

// Add registers fd for read readiness and, if write is set, for write readiness
func (p *Poller) Add(fd int, write bool) error {
	ev := unix.EpollEvent{Events: interest(write), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll add fd %d: %w", fd, err)
	}
	return nil
}

// Modify changes the write interest of a registered fd
func (p *Poller) Modify(fd int, write bool) error {
	ev := unix.EpollEvent{Events: interest(write), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("epoll mod fd %d: %w", fd, err)
	}
	return nil
}

// Remove unregisters fd. It must be called before the fd is closed.
func (p *Poller) Remove(fd int) error {
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll del fd %d: %w", fd, err)
	}
	return nil
}

// Wait blocks up to timeout for events. An interrupted wait returns no events and no error.
// The returned slice is reused by the next call.
func (p *Poller) Wait(timeout time.Duration) ([]Event, error) {
	msec := int(timeout / time.Millisecond)
	if timeout > 0 && msec == 0 {
		msec = 1
	}

	n, err := unix.EpollWait(p.epfd, p.raw, msec)
	if err == unix.EINTR {
		return p.events[:0], nil
	}
	if err != nil {
		return nil, fmt.Errorf("epoll_wait: %w", err)
	}

	p.events = p.events[:0]
	for i := 0; i < n; i++ {
		ev := p.raw[i].Events
		p.events = append(p.events, Event{
			FD:       int(p.raw[i].Fd),
			Readable: ev&unix.EPOLLIN != 0,
			Writable: ev&unix.EPOLLOUT != 0,
			Hangup:   ev&(unix.EPOLLHUP|unix.EPOLLRDHUP|unix.EPOLLERR) != 0,
		})
	}
	return p.events, nil
}

// Close releases the epoll descriptor
func (p *Poller) Close() error {
	return unix.Close(p.epfd)
}
