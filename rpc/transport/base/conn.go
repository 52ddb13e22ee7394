package base

import (
	"errors"
	"fmt"
	"github.com/ValentinKolb/smtc/lib/queue"
	"github.com/ValentinKolb/smtc/rpc/common"
	"github.com/ValentinKolb/smtc/rpc/transport/tcp"
	"time"
)

// ErrProtocol wraps every header validation failure
var ErrProtocol = errors.New("protocol violation")

// Phase is the position of a connection in its receive state machine
type Phase int

const (
	PhaseInit Phase = iota
	PhaseHeader
	PhaseBody
	PhasePost
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "init"
	case PhaseHeader:
		return "header"
	case PhaseBody:
		return "body"
	case PhasePost:
		return "post"
	default:
		return "unknown"
	}
}

// --------------------------------------------------------------------------
// Interface Definitions
// --------------------------------------------------------------------------

// Target is the buffer the next incoming message is read into
type Target struct {
	// Buf holds header and body, its length is the capacity used for validation
	Buf []byte
	// Slot is valid if Buf is the storage of a queue slot
	Slot queue.Slot
	// Queue is the index of the queue Slot belongs to
	Queue int
	// Discard marks a scratch buffer whose content is dropped after reading
	Discard bool
}

// Incoming is a fully read and validated message
type Incoming struct {
	Header common.Header
	Body   []byte
	Target Target
}

// ReadHandler is implemented by the role owning a connection
type ReadHandler interface {
	// Begin picks the destination of a message whose header just arrived.
	// The header is not validated yet.
	Begin(c *Conn, hdr common.Header) Target
	// Complete receives a validated message (phase POST). The handler owns msg.Target afterwards.
	Complete(c *Conn, msg Incoming)
	// Abort gives back a target whose message will never complete
	Abort(c *Conn, t Target)
}

// Source supplies further outbound frames once the connection's own list is empty.
// release, if not nil, is called after the frame was written completely or dropped.
type Source func() (frame []byte, release func(), ok bool)

// --------------------------------------------------------------------------
// Connection
// --------------------------------------------------------------------------

// Conn is one non-blocking tcp connection with independent read and write state.
// It is owned by exactly one event loop and is not safe for concurrent use.
type Conn struct {
	FD     int
	Peer   string
	Handle Handle

	Created   time.Time
	LastRead  time.Time
	LastWrite time.Time

	// IsPrimary is the link role reported by the peer
	IsPrimary bool

	// read state
	phase  Phase
	hdr    [common.HeaderSize]byte
	target Target
	off    int
	header common.Header

	// scratch buffer, allocated on first use
	discard []byte

	// write state
	out      [][]byte
	wbuf     []byte
	woff     int
	wrelease func()

	// writeInterest mirrors the interest registered with the poller
	writeInterest bool
}

// NewConn wraps an open descriptor
func NewConn(fd int, peer string, now time.Time) *Conn {
	return &Conn{
		FD:        fd,
		Peer:      peer,
		Created:   now,
		LastRead:  now,
		LastWrite: now,
	}
}

// Phase returns the current read phase
func (c *Conn) Phase() Phase { return c.phase }

// DiscardBuffer returns the per-connection scratch buffer of the given size
func (c *Conn) DiscardBuffer(size int) []byte {
	if len(c.discard) != size {
		c.discard = make([]byte, size)
	}
	return c.discard
}

// Idle reports whether the connection was neither read from nor written to for timeout
func (c *Conn) Idle(now time.Time, timeout time.Duration) bool {
	return now.Sub(c.LastRead) >= timeout && now.Sub(c.LastWrite) >= timeout
}

// --------------------------------------------------------------------------
// Read side
// --------------------------------------------------------------------------

// ReadMessages drives the receive state machine until the socket would block
// or budget messages were completed. It returns the number of completed
// messages and nil, tcp.ErrPeerClosed, an ErrProtocol wrapped error or an I/O error.
// On error the caller tears the connection down with Release.
//
// The header is collected in a connection local buffer; the handler picks the
// destination only once a complete header arrived, so idle connections never
// hold a queue slot.
func (c *Conn) ReadMessages(h ReadHandler, budget int, now time.Time) (int, error) {
	done := 0
	for done < budget {
		switch c.phase {
		case PhaseInit:
			c.off = 0
			c.phase = PhaseHeader

		case PhaseHeader:
			if again, err := c.readInto(c.hdr[:], common.HeaderSize, now); again || err != nil {
				if again && c.off == 0 {
					// nothing of the next message arrived yet
					c.phase = PhaseInit
				}
				return done, err
			}
			if c.off < common.HeaderSize {
				continue
			}
			hdr, _ := common.DecodeHeader(c.hdr[:])
			target := h.Begin(c, hdr)
			if err := hdr.Validate(len(target.Buf)); err != nil {
				h.Abort(c, target)
				return done, fmt.Errorf("%w: %v", ErrProtocol, err)
			}
			copy(target.Buf, c.hdr[:])
			c.target = target
			c.header = hdr
			c.phase = PhaseBody

		case PhaseBody:
			total := common.HeaderSize + int(c.header.Length)
			if c.off < total {
				if again, err := c.readInto(c.target.Buf, total, now); again || err != nil {
					return done, err
				}
				if c.off < total {
					continue
				}
			}
			c.phase = PhasePost

		case PhasePost:
			total := common.HeaderSize + int(c.header.Length)
			msg := Incoming{Header: c.header, Body: c.target.Buf[common.HeaderSize:total], Target: c.target}
			c.target = Target{}
			c.phase = PhaseInit
			h.Complete(c, msg)
			done++
		}
	}
	return done, nil
}

// readInto performs one read of buf[c.off:limit] and reports would-block as again
func (c *Conn) readInto(buf []byte, limit int, now time.Time) (again bool, err error) {
	n, err := tcp.Read(c.FD, buf[c.off:limit])
	if err != nil {
		if errors.Is(err, tcp.ErrAgain) {
			return true, nil
		}
		return false, err
	}
	c.off += n
	c.LastRead = now
	return false, nil
}

// --------------------------------------------------------------------------
// Write side
// --------------------------------------------------------------------------

// Enqueue appends a frame to the outbound list
func (c *Conn) Enqueue(frame []byte) {
	c.out = append(c.out, frame)
}

// Pending reports whether a frame is in flight or queued on the connection itself
func (c *Conn) Pending() bool {
	return c.wbuf != nil || len(c.out) > 0
}

// InFlight reports whether a frame was partially written
func (c *Conn) InFlight() bool {
	return c.wbuf != nil
}

// Flush writes queued frames, then frames from next, until both are exhausted,
// the socket would block or a write is short. It returns the number of bytes written.
func (c *Conn) Flush(next Source, now time.Time) (int, error) {
	written := 0
	for {
		if c.wbuf == nil && !c.nextFrame(next) {
			return written, nil
		}

		n, err := tcp.Write(c.FD, c.wbuf[c.woff:])
		if err != nil {
			if errors.Is(err, tcp.ErrAgain) {
				return written, nil
			}
			return written, err
		}
		c.woff += n
		written += n
		c.LastWrite = now

		if c.woff < len(c.wbuf) {
			// short write, resume on the next writable event
			return written, nil
		}
		c.finishFrame()
	}
}

func (c *Conn) nextFrame(next Source) bool {
	if len(c.out) > 0 {
		c.wbuf = c.out[0]
		c.out[0] = nil
		c.out = c.out[1:]
		if len(c.out) == 0 {
			c.out = nil
		}
	} else if next != nil {
		frame, release, ok := next()
		if !ok {
			return false
		}
		c.wbuf, c.wrelease = frame, release
	} else {
		return false
	}
	c.woff = 0
	return true
}

func (c *Conn) finishFrame() {
	if c.wrelease != nil {
		c.wrelease()
	}
	c.wbuf, c.woff, c.wrelease = nil, 0, nil
}

// SetWriteInterest records the registered write interest and reports whether it changed
func (c *Conn) SetWriteInterest(want bool) bool {
	if c.writeInterest == want {
		return false
	}
	c.writeInterest = want
	return true
}

// --------------------------------------------------------------------------
// Teardown
// --------------------------------------------------------------------------

// Release gives back everything the connection holds: an unfinished read target
// through h, the in-flight frame and the outbound list. It does not close the
// descriptor. Calling it twice is harmless.
func (c *Conn) Release(h ReadHandler) {
	if c.target.Buf != nil && h != nil {
		h.Abort(c, c.target)
	}
	c.target = Target{}
	c.phase = PhaseInit
	c.off = 0
	c.discard = nil

	if c.wbuf != nil {
		c.finishFrame()
	}
	c.out = nil
}
