package server

import (
	"errors"
	"fmt"
	"github.com/ValentinKolb/smtc/lib/util"
	"github.com/ValentinKolb/smtc/rpc/command"
	"github.com/ValentinKolb/smtc/rpc/common"
	"github.com/ValentinKolb/smtc/rpc/transport/base"
	"github.com/ValentinKolb/smtc/rpc/transport/netpoll"
	"github.com/ValentinKolb/smtc/rpc/transport/tcp"
	"github.com/puzpuzpuz/xsync/v3"
	"time"
)

const (
	// allocRetries is the number of queues tried before a message is discarded
	allocRetries = 3
	// readBudget bounds the messages read from one connection per readiness event
	readBudget = 64
	// commandBudget bounds the commands handled per loop iteration
	commandBudget = 256
	maxEvents     = 256
)

type recvStats struct {
	connections *xsync.Counter
	received    *xsync.Counter
	dropped     *xsync.Counter
	errors      *xsync.Counter
}

// receiver owns a set of tcp connections and copies every incoming message
// into a slot of one of the shared queues
type receiver struct {
	srv *Server
	idx int

	cmd    *command.Channel
	poller *netpoll.Poller
	conns  *base.Registry
	rnd    *util.Random

	// pending counts pushes per queue not yet announced to the owning worker
	pending   []int
	lastSweep time.Time

	stats recvStats
	sizes *util.SizeHistogram
}

func newReceiver(s *Server, idx int) (*receiver, error) {
	r := &receiver{
		srv:     s,
		idx:     idx,
		conns:   base.NewRegistry(),
		rnd:     util.NewRandom(len(s.queues), 0),
		pending: make([]int, len(s.queues)),
		stats: recvStats{
			connections: xsync.NewCounter(),
			received:    xsync.NewCounter(),
			dropped:     xsync.NewCounter(),
			errors:      xsync.NewCounter(),
		},
		sizes: util.NewSizeHistogram(),
	}

	var err error
	if r.cmd, err = command.Listen(s.address(command.RoleRecv, idx)); err != nil {
		return nil, err
	}
	if r.poller, err = netpoll.New(maxEvents); err != nil {
		r.close()
		return nil, err
	}
	if err := r.poller.Add(r.cmd.FD(), false); err != nil {
		r.close()
		return nil, fmt.Errorf("failed to watch command channel: %w", err)
	}
	return r, nil
}

func (r *receiver) run() {
	defer r.srv.wg.Done()
	defer r.shutdown()

	r.lastSweep = time.Now()
	for !r.srv.stopping() {
		events, err := r.poller.Wait(r.srv.conf.ScanTimeout)
		if err != nil {
			r.srv.fatalf("receive role %d wait failed: %v", r.idx, err)
			return
		}

		now := time.Now()
		for _, ev := range events {
			if ev.FD == r.cmd.FD() {
				r.handleCommands(now)
				continue
			}
			c, ok := r.conns.ByFD(ev.FD)
			if !ok {
				continue
			}
			if ev.Readable || ev.Hangup {
				if !r.readConn(c, now) {
					continue
				}
			}
			if ev.Writable || c.Pending() {
				r.writeConn(c, now)
			}
		}

		if len(events) == 0 || now.Sub(r.lastSweep) >= r.srv.conf.ScanTimeout {
			r.sweep(now)
		}
	}
}

// --------------------------------------------------------------------------
// Connection handling
// --------------------------------------------------------------------------

// readConn reads until the socket would block and reports whether c is still open
func (r *receiver) readConn(c *base.Conn, now time.Time) bool {
	_, err := c.ReadMessages(r, readBudget, now)
	if err == nil {
		return true
	}
	if errors.Is(err, tcp.ErrPeerClosed) {
		Logger.Debugf("Peer %s closed the connection", c.Peer)
	} else {
		r.stats.errors.Inc()
		Logger.Warningf("Closing connection to %s: %v", c.Peer, err)
	}
	r.closeConn(c)
	return false
}

// writeConn flushes queued replies and adjusts the write interest
func (r *receiver) writeConn(c *base.Conn, now time.Time) {
	if _, err := c.Flush(nil, now); err != nil {
		r.stats.errors.Inc()
		Logger.Warningf("Write to %s failed: %v", c.Peer, err)
		r.closeConn(c)
		return
	}
	want := c.Pending()
	if c.SetWriteInterest(want) {
		if err := r.poller.Modify(c.FD, want); err != nil {
			Logger.Warningf("Failed to update interest for %s: %v", c.Peer, err)
			r.closeConn(c)
		}
	}
}

func (r *receiver) addConn(args command.AddSocketArgs, now time.Time) {
	fd := int(args.FD)
	c := base.NewConn(fd, args.Peer, now)
	if err := r.poller.Add(fd, false); err != nil {
		Logger.Errorf("Receive role %d cannot watch %s: %v", r.idx, args.Peer, err)
		r.stats.errors.Inc()
		closeFD(fd)
		return
	}
	r.conns.Add(c)
	r.stats.connections.Inc()
	Logger.Debugf("Receive role %d took %s (seq %d)", r.idx, args.Peer, args.Seq)
}

// closeConn tears c down exactly once, later calls for the same connection are no-ops
func (r *receiver) closeConn(c *base.Conn) {
	if !r.conns.Remove(c.Handle) {
		return
	}
	c.Release(r)
	if err := r.poller.Remove(c.FD); err != nil {
		Logger.Debugf("Failed to unwatch fd %d: %v", c.FD, err)
	}
	closeFD(c.FD)
	r.stats.connections.Dec()
}

// sweep closes idle connections and repeats notifications that were not delivered
func (r *receiver) sweep(now time.Time) {
	r.lastSweep = now
	r.conns.Each(func(c *base.Conn) bool {
		if c.Idle(now, r.srv.conf.IdleTimeout) {
			Logger.Infof("Closing idle connection to %s", c.Peer)
			r.closeConn(c)
		}
		return true
	})
	for qi, n := range r.pending {
		if n > 0 {
			r.notify(qi)
		}
	}
}

// --------------------------------------------------------------------------
// base.ReadHandler
// --------------------------------------------------------------------------

// Begin places system messages into the connection's scratch buffer and
// application messages into a slot of a randomly chosen queue
func (r *receiver) Begin(c *base.Conn, hdr common.Header) base.Target {
	slotSize := r.srv.conf.Queue.SlotSize
	if hdr.Flag == common.FlagSystem {
		return base.Target{Buf: c.DiscardBuffer(slotSize), Queue: -1}
	}

	for attempt := 0; attempt < allocRetries; attempt++ {
		qi := r.rnd.Next()
		slot, err := r.srv.queues[qi].Allocate()
		if err == nil {
			return base.Target{Buf: slot.Bytes(), Slot: slot, Queue: qi}
		}
		r.notifyDrain(qi)
	}

	Logger.Debugf("All queues full, discarding message from %s", c.Peer)
	return base.Target{Buf: c.DiscardBuffer(slotSize), Queue: -1, Discard: true}
}

func (r *receiver) Complete(c *base.Conn, msg base.Incoming) {
	if msg.Header.Flag == common.FlagSystem {
		r.handleSystem(c, msg)
		return
	}

	r.stats.received.Inc()
	r.sizes.AddSample(len(msg.Body))
	if msg.Target.Discard {
		r.stats.dropped.Inc()
		return
	}

	qi := msg.Target.Queue
	q := r.srv.queues[qi]
	if err := q.Push(msg.Target.Slot); err != nil {
		Logger.Errorf("Push into queue %d failed: %v", qi, err)
		_ = q.Release(msg.Target.Slot)
		r.stats.dropped.Inc()
		return
	}

	r.pending[qi]++
	if r.pending[qi] >= r.srv.conf.NotifyBatch {
		r.notify(qi)
	}
}

func (r *receiver) Abort(_ *base.Conn, t base.Target) {
	if !t.Slot.Valid() {
		return
	}
	if err := r.srv.queues[t.Queue].Release(t.Slot); err != nil {
		Logger.Errorf("Release of aborted slot failed: %v", err)
	}
}

func (r *receiver) handleSystem(c *base.Conn, msg base.Incoming) {
	switch msg.Header.Type {
	case common.SysTypeKeepaliveReq:
		c.Enqueue(common.NewKeepaliveReply())
	case common.SysTypeKeepaliveReply:
	case common.SysTypeLinkInfo:
		primary, err := common.ParseLinkInfo(msg.Body)
		if err != nil {
			Logger.Warningf("Bad link info from %s: %v", c.Peer, err)
			return
		}
		c.IsPrimary = primary
		Logger.Infof("Link %s reports primary=%t", c.Peer, primary)
	default:
		Logger.Debugf("Ignoring system message %d from %s", msg.Header.Type, c.Peer)
	}
}

// --------------------------------------------------------------------------
// Commands
// --------------------------------------------------------------------------

// notify announces the pending pushes of queue qi to its worker. The counter
// is kept on failure so the next sweep tries again.
func (r *receiver) notify(qi int) {
	cmd := command.NewProcessQueue(r.idx, qi, int32(r.pending[qi]))
	if r.cmd.SendBestEffort(r.srv.workerAddr(qi), cmd) {
		r.pending[qi] = 0
	}
}

// notifyDrain asks the owner of a full queue to drain it completely
func (r *receiver) notifyDrain(qi int) {
	r.cmd.SendBestEffort(r.srv.workerAddr(qi), command.NewProcessQueue(r.idx, qi, command.ProcessAll))
}

func (r *receiver) handleCommands(now time.Time) {
	for i := 0; i < commandBudget; i++ {
		cmd, _, err := r.cmd.Recv()
		if errors.Is(err, command.ErrWouldBlock) {
			return
		}
		if err != nil {
			Logger.Warningf("Receive role %d dropped a command: %v", r.idx, err)
			if !errors.Is(err, command.ErrMalformed) {
				return
			}
			continue
		}
		switch cmd.Type {
		case command.TypeAddSocket:
			r.addConn(cmd.AddSocket, now)
		default:
			Logger.Debugf("Receive role %d ignores %s", r.idx, cmd.Type)
		}
	}
}

func (r *receiver) statsReply() command.Command {
	reply := command.New(command.TypeQueryRecvStatsReply)
	reply.RecvStats = command.RecvStatsReply{
		Index:       int32(r.idx),
		Connections: r.stats.connections.Value(),
		Received:    r.stats.received.Value(),
		Dropped:     r.stats.dropped.Value(),
		Errors:      r.stats.errors.Value(),
	}
	return reply
}

// --------------------------------------------------------------------------
// Teardown
// --------------------------------------------------------------------------

// shutdown closes all connections and every socket still waiting in the
// command channel. The listener has stopped at this point.
func (r *receiver) shutdown() {
	r.conns.Each(func(c *base.Conn) bool {
		r.closeConn(c)
		return true
	})
	r.drainHandoffs()

	if n := r.sizes.Count(); n > 0 {
		Logger.Infof("Receive role %d: %d messages, %d dropped, payload avg %d B, p50 <= %d B, p99 <= %d B",
			r.idx, r.stats.received.Value(), r.stats.dropped.Value(),
			r.sizes.AverageSize(), r.sizes.Percentile(50), r.sizes.Percentile(99))
	}
}

func (r *receiver) drainHandoffs() {
	if r.cmd == nil {
		return
	}
	for {
		cmd, _, err := r.cmd.Recv()
		if errors.Is(err, command.ErrWouldBlock) {
			return
		}
		if err != nil && !errors.Is(err, command.ErrMalformed) {
			Logger.Warningf("Receive role %d cannot drain commands: %v", r.idx, err)
			return
		}
		if err == nil && cmd.Type == command.TypeAddSocket {
			Logger.Debugf("Closing unclaimed connection %s", cmd.AddSocket.Peer)
			closeFD(int(cmd.AddSocket.FD))
		}
	}
}

func (r *receiver) close() {
	r.drainHandoffs()
	if r.poller != nil {
		_ = r.poller.Close()
		r.poller = nil
	}
	if r.cmd != nil {
		_ = r.cmd.Close()
		r.cmd = nil
	}
}
