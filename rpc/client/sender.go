package client

import (
	"errors"
	"fmt"
	"github.com/ValentinKolb/smtc/lib/queue"
	"github.com/ValentinKolb/smtc/lib/util"
	"github.com/ValentinKolb/smtc/rpc/command"
	"github.com/ValentinKolb/smtc/rpc/common"
	"github.com/ValentinKolb/smtc/rpc/transport/base"
	"github.com/ValentinKolb/smtc/rpc/transport/netpoll"
	"github.com/ValentinKolb/smtc/rpc/transport/tcp"
	"github.com/puzpuzpuz/xsync/v3"
	"sync/atomic"
	"time"
)

const (
	// inboundLimit caps messages accepted from the peer, larger ones close the link
	inboundLimit  = 10 * 1024
	readBudget    = 64
	backoffJitter = 0.1
)

type keepaliveState int

const (
	keepaliveUnknown keepaliveState = iota
	keepaliveSent
	keepaliveSucc
)

func (k keepaliveState) String() string {
	switch k {
	case keepaliveSent:
		return "sent"
	case keepaliveSucc:
		return "succ"
	default:
		return "unknown"
	}
}

type sendStats struct {
	sent            *xsync.Counter
	dropped         *xsync.Counter
	received        *xsync.Counter
	errors          *xsync.Counter
	connects        *xsync.Counter
	connectFailures *xsync.Counter
	keepalives      *xsync.Counter
}

// sender owns one outbound connection and one queue. Frames from the direct
// list (transport control messages) always go out before queued messages.
type sender struct {
	cli *Client
	idx int

	queue  *queue.Queue
	direct *util.DirectList[[]byte]
	pushes atomic.Uint64

	cmd    *command.Channel
	poller *netpoll.Poller
	closed bool

	conn      *base.Conn
	backoff   *base.Backoff
	keepalive keepaliveState
	// dropping marks a teardown, frames released meanwhile were not sent
	dropping bool

	stats sendStats
}

func newSender(c *Client, idx int) (*sender, error) {
	q, err := queue.New(c.conf.Queue.Slots, c.conf.Queue.SlotSize)
	if err != nil {
		return nil, err
	}

	s := &sender{
		cli:     c,
		idx:     idx,
		queue:   q,
		direct:  util.NewDirectList[[]byte](),
		backoff: base.NewBackoff(c.conf.ReconnectMin, c.conf.ReconnectMax, backoffJitter),
		stats: sendStats{
			sent:            xsync.NewCounter(),
			dropped:         xsync.NewCounter(),
			received:        xsync.NewCounter(),
			errors:          xsync.NewCounter(),
			connects:        xsync.NewCounter(),
			connectFailures: xsync.NewCounter(),
			keepalives:      xsync.NewCounter(),
		},
	}

	if s.cmd, err = command.Listen(command.Address(c.conf.CommandDir, c.conf.Name, command.RoleSend, idx)); err != nil {
		return nil, err
	}
	if s.poller, err = netpoll.New(16); err != nil {
		_ = s.cmd.Close()
		return nil, err
	}
	if err := s.poller.Add(s.cmd.FD(), false); err != nil {
		s.close()
		return nil, fmt.Errorf("failed to watch command channel: %w", err)
	}
	return s, nil
}

func (s *sender) run() {
	defer s.cli.wg.Done()
	defer s.disconnect("shutdown")

	conf := s.cli.conf
	for !s.cli.stopping() {
		if s.conn == nil {
			if !s.connect() {
				s.sleep(s.backoff.Next())
				continue
			}
			s.flush(time.Now())
		}

		events, err := s.poller.Wait(conf.ScanTimeout)
		if err != nil {
			s.cli.fatalf("send role %d wait failed: %v", s.idx, err)
			return
		}

		now := time.Now()
		for _, ev := range events {
			if ev.FD == s.cmd.FD() {
				s.handleCommands()
				continue
			}
			if s.conn == nil || ev.FD != s.conn.FD {
				continue
			}
			if ev.Readable || ev.Hangup {
				s.read(now)
			}
		}

		if s.conn != nil {
			s.checkKeepalive(now)
		}
		if s.conn != nil {
			s.flush(now)
		}
	}
}

// --------------------------------------------------------------------------
// Connection lifecycle
// --------------------------------------------------------------------------

func (s *sender) connect() bool {
	conf := s.cli.conf
	fd, err := tcp.Connect(conf.Endpoint, conf.ConnectTimeout)
	if err != nil {
		s.stats.connectFailures.Inc()
		Logger.Warningf("Send role %d cannot connect to %s: %v", s.idx, conf.Endpoint, err)
		return false
	}
	if err := tcp.UpgradeConnection(fd, conf.Socket, conf.TCP); err != nil {
		Logger.Warningf("Failed to apply socket options for %s: %v", conf.Endpoint, err)
	}
	if err := s.poller.Add(fd, false); err != nil {
		Logger.Errorf("Send role %d cannot watch connection: %v", s.idx, err)
		_ = tcp.Close(fd)
		s.stats.connectFailures.Inc()
		return false
	}

	c := base.NewConn(fd, conf.Endpoint, time.Now())
	c.IsPrimary = conf.IsPrimary
	s.conn = c
	s.keepalive = keepaliveUnknown
	s.backoff.Reset()
	s.stats.connects.Inc()

	// control frames of the previous link are stale
	s.direct.Clear()
	s.direct.Push(common.NewLinkInfoReport(conf.IsPrimary))

	Logger.Infof("Send role %d connected to %s", s.idx, conf.Endpoint)
	return true
}

// disconnect closes the link. The frame in flight is dropped, queued messages
// stay for the next connection.
func (s *sender) disconnect(reason string) {
	c := s.conn
	if c == nil {
		return
	}
	s.conn = nil

	s.dropping = true
	c.Release(s)
	s.dropping = false

	_ = s.poller.Remove(c.FD)
	_ = tcp.Close(c.FD)
	Logger.Infof("Send role %d disconnected from %s: %s", s.idx, c.Peer, reason)
}

// sleep waits for d or until the service stops
func (s *sender) sleep(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-s.cli.stop:
	case <-t.C:
	}
}

// --------------------------------------------------------------------------
// Write side
// --------------------------------------------------------------------------

// flush writes as much as the socket takes and keeps write interest while
// frames remain
func (s *sender) flush(now time.Time) {
	c := s.conn
	if _, err := c.Flush(s.next, now); err != nil {
		s.stats.errors.Inc()
		s.disconnect(fmt.Sprintf("write failed: %v", err))
		return
	}

	want := c.InFlight() || s.direct.Len() > 0 || s.queue.Len() > 0
	if c.SetWriteInterest(want) {
		if err := s.poller.Modify(c.FD, want); err != nil {
			s.stats.errors.Inc()
			s.disconnect(fmt.Sprintf("poller update failed: %v", err))
		}
	}
}

// next is the base.Source of the connection: direct list first, then the queue
func (s *sender) next() ([]byte, func(), bool) {
	if frame, ok := s.direct.TryPop(); ok {
		return frame, nil, true
	}

	slot, ok := s.queue.Pop()
	if !ok {
		return nil, nil, false
	}
	buf := slot.Bytes()
	hdr, err := common.DecodeHeader(buf)
	if err == nil {
		err = hdr.Validate(len(buf))
	}
	if err != nil {
		// only reachable if a slot got corrupted in memory
		Logger.Errorf("Send role %d dropped corrupt slot: %v", s.idx, err)
		_ = s.queue.Release(slot)
		s.stats.dropped.Inc()
		return s.next()
	}

	release := func() {
		if err := s.queue.Release(slot); err != nil {
			Logger.Errorf("Release of sent slot failed: %v", err)
		}
		if s.dropping {
			s.stats.dropped.Inc()
		} else {
			s.stats.sent.Inc()
		}
	}
	return buf[:common.HeaderSize+int(hdr.Length)], release, true
}

// checkKeepalive probes an idle link and drops it if the previous probe got no answer
func (s *sender) checkKeepalive(now time.Time) {
	c := s.conn
	if c.InFlight() || now.Sub(c.LastWrite) < s.cli.conf.KeepaliveInterval {
		return
	}
	if s.keepalive == keepaliveSent {
		s.stats.errors.Inc()
		s.disconnect("no keepalive reply")
		return
	}
	Logger.Debugf("Send role %d sends keepalive, last state %s", s.idx, s.keepalive)
	s.direct.Push(common.NewKeepaliveRequest())
	s.keepalive = keepaliveSent
	s.stats.keepalives.Inc()
}

// --------------------------------------------------------------------------
// Read side (base.ReadHandler)
// --------------------------------------------------------------------------

func (s *sender) read(now time.Time) {
	_, err := s.conn.ReadMessages(s, readBudget, now)
	if err == nil {
		return
	}
	if !errors.Is(err, tcp.ErrPeerClosed) {
		s.stats.errors.Inc()
	}
	s.disconnect(err.Error())
}

// Begin reads everything from the peer into the scratch buffer
func (s *sender) Begin(c *base.Conn, _ common.Header) base.Target {
	return base.Target{Buf: c.DiscardBuffer(common.HeaderSize + inboundLimit), Queue: -1, Discard: true}
}

func (s *sender) Complete(c *base.Conn, msg base.Incoming) {
	if msg.Header.Flag != common.FlagSystem {
		s.stats.received.Inc()
		return
	}
	switch msg.Header.Type {
	case common.SysTypeKeepaliveReply:
		s.keepalive = keepaliveSucc
	case common.SysTypeKeepaliveReq:
		s.direct.Push(common.NewKeepaliveReply())
	default:
		Logger.Debugf("Send role %d ignores system message %d from %s", s.idx, msg.Header.Type, c.Peer)
	}
}

func (s *sender) Abort(*base.Conn, base.Target) {}

// --------------------------------------------------------------------------
// Commands
// --------------------------------------------------------------------------

// handleCommands empties the command channel. SEND_NOW and SEND_ALL only wake
// the loop, the flush after every wakeup drains as much as the socket takes.
func (s *sender) handleCommands() {
	for i := 0; i < 256; i++ {
		cmd, _, err := s.cmd.Recv()
		if errors.Is(err, command.ErrWouldBlock) {
			return
		}
		if err != nil {
			Logger.Warningf("Send role %d dropped a command: %v", s.idx, err)
			if !errors.Is(err, command.ErrMalformed) {
				return
			}
			continue
		}
		switch cmd.Type {
		case command.TypeSendNow, command.TypeSendAll:
		default:
			Logger.Debugf("Send role %d ignores %s", s.idx, cmd.Type)
		}
	}
}

func (s *sender) close() {
	if s.closed {
		return
	}
	s.closed = true
	if s.poller != nil {
		_ = s.poller.Close()
	}
	_ = s.cmd.Close()
}
