package server

import (
	"errors"
	"fmt"
	"github.com/ValentinKolb/smtc/lib/util"
	"github.com/ValentinKolb/smtc/rpc/command"
	"github.com/ValentinKolb/smtc/rpc/transport/netpoll"
	"github.com/ValentinKolb/smtc/rpc/transport/tcp"
	"github.com/puzpuzpuz/xsync/v3"
)

const (
	// handoffRetries is the number of receive roles tried before an accepted socket is dropped
	handoffRetries = 3
	// acceptBudget bounds the accepts per readiness event so queries are not starved
	acceptBudget = 128
)

// listener accepts tcp connections and hands each one to a receive role
type listener struct {
	srv  *Server
	fd   int
	port int

	cmd    *command.Channel
	poller *netpoll.Poller
	rr     *util.RoundRobin
	seq    uint64

	accepted *xsync.Counter
	rejected *xsync.Counter
}

func newListener(s *Server) (*listener, error) {
	l := &listener{
		srv:      s,
		fd:       -1,
		rr:       util.NewRoundRobin(len(s.receivers)),
		accepted: xsync.NewCounter(),
		rejected: xsync.NewCounter(),
	}

	fd, err := tcp.Listen(s.conf.Host, s.conf.Port)
	if err != nil {
		return nil, err
	}
	l.fd = fd

	if l.port, err = tcp.LocalPort(fd); err != nil {
		l.close()
		return nil, err
	}

	if l.cmd, err = command.Listen(s.address(command.RoleListen, 0)); err != nil {
		l.close()
		return nil, err
	}

	if l.poller, err = netpoll.New(16); err != nil {
		l.close()
		return nil, err
	}
	if err := l.poller.Add(l.fd, false); err != nil {
		l.close()
		return nil, fmt.Errorf("failed to watch listen socket: %w", err)
	}
	if err := l.poller.Add(l.cmd.FD(), false); err != nil {
		l.close()
		return nil, fmt.Errorf("failed to watch command channel: %w", err)
	}
	return l, nil
}

func (l *listener) run() {
	defer l.srv.listenerWG.Done()
	Logger.Infof("Listening on %s:%d", l.srv.conf.Host, l.port)

	for !l.srv.listenerStopping() {
		events, err := l.poller.Wait(l.srv.conf.ScanTimeout)
		if err != nil {
			l.srv.fatalf("listener wait failed: %v", err)
			return
		}
		for _, ev := range events {
			switch ev.FD {
			case l.fd:
				l.acceptAll()
			case l.cmd.FD():
				l.handleCommands()
			}
		}
	}
}

// acceptAll accepts until the backlog is empty or the budget is spent
func (l *listener) acceptAll() {
	for i := 0; i < acceptBudget; i++ {
		fd, peer, err := tcp.Accept(l.fd)
		if errors.Is(err, tcp.ErrAgain) {
			return
		}
		if err != nil {
			l.srv.fatalf("accept failed: %v", err)
			return
		}
		if err := tcp.UpgradeConnection(fd, l.srv.conf.Socket, l.srv.conf.TCP); err != nil {
			Logger.Warningf("Failed to apply socket options for %s: %v", peer, err)
		}
		l.handoff(fd, peer)
	}
}

// handoff passes fd to the next receive role. The socket is closed if no role
// takes it within handoffRetries attempts.
func (l *listener) handoff(fd int, peer string) {
	l.seq++
	cmd := command.NewAddSocket(fd, l.seq, peer)

	for attempt := 0; attempt < handoffRetries; attempt++ {
		r := l.srv.receivers[l.rr.Next()]
		if err := l.cmd.Send(r.cmd.Addr(), cmd); err != nil {
			Logger.Warningf("Handoff of %s to receive role %d failed: %v", peer, r.idx, err)
			continue
		}
		l.accepted.Inc()
		Logger.Debugf("Accepted %s (fd %d, seq %d) for receive role %d", peer, fd, l.seq, r.idx)
		return
	}

	Logger.Errorf("No receive role took %s, closing connection", peer)
	l.rejected.Inc()
	closeFD(fd)
}

// --------------------------------------------------------------------------
// Queries
// --------------------------------------------------------------------------

// handleCommands answers queries from management tools
func (l *listener) handleCommands() {
	for {
		cmd, from, err := l.cmd.Recv()
		if errors.Is(err, command.ErrWouldBlock) {
			return
		}
		if err != nil {
			Logger.Warningf("Listener dropped a command: %v", err)
			if !errors.Is(err, command.ErrMalformed) {
				return
			}
			continue
		}
		if from == "" {
			Logger.Debugf("Ignoring %s from unbound sender", cmd.Type)
			continue
		}

		switch cmd.Type {
		case command.TypeQueryConfig:
			l.reply(from, l.configReply())
		case command.TypeQueryRecvStats:
			for _, r := range l.srv.receivers {
				l.reply(from, r.statsReply())
			}
		case command.TypeQueryWorkStats:
			for _, w := range l.srv.workers {
				l.reply(from, w.statsReply())
			}
		default:
			Logger.Debugf("Listener ignores %s", cmd.Type)
		}
	}
}

func (l *listener) reply(to string, cmd command.Command) {
	l.cmd.SendBestEffort(to, cmd)
}

func (l *listener) configReply() command.Command {
	c := l.srv.conf
	reply := command.New(command.TypeQueryConfigReply)
	reply.Config = command.ConfigReply{
		Name:        c.Name,
		Port:        int32(l.port),
		RecvThreads: int32(c.RecvThreads),
		WorkThreads: int32(c.WorkThreads),
		Queues:      int32(c.QueueCount()),
		Slots:       int32(c.Queue.Slots),
		SlotSize:    int32(c.Queue.SlotSize),
	}
	return reply
}

func (l *listener) close() {
	if l.poller != nil {
		_ = l.poller.Close()
		l.poller = nil
	}
	if l.cmd != nil {
		_ = l.cmd.Close()
		l.cmd = nil
	}
	if l.fd >= 0 {
		closeFD(l.fd)
		l.fd = -1
	}
}
