package server

import (
	"errors"
	"fmt"
	"github.com/ValentinKolb/smtc/lib/queue"
	"github.com/ValentinKolb/smtc/rpc/command"
	"github.com/ValentinKolb/smtc/rpc/common"
	"github.com/ValentinKolb/smtc/rpc/transport/tcp"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"sync"
	"sync/atomic"
)

var Logger = logger.GetLogger("server")

var (
	ErrDuplicateHandler = errors.New("handler already registered for type")
	ErrTypeRange        = errors.New("message type out of range")
	ErrAlreadyStarted   = errors.New("service already started")
	ErrClosed           = errors.New("service destroyed")
)

// HandleFunc processes one application message on a worker. payload is only
// valid for the duration of the call. A returned error is counted and logged,
// the message is not redelivered.
type HandleFunc func(msgType uint16, payload []byte, arg any) error

type handlerEntry struct {
	fn         HandleFunc
	arg        any
	registered bool
}

// dropHandler serves every type without a registered handler
func dropHandler(uint16, []byte, any) error { return nil }

// --------------------------------------------------------------------------
// Server
// --------------------------------------------------------------------------

// Server is the receive side of the transport: one listener, a set of receive
// roles reading from tcp connections into the shared queues and a set of worker
// roles draining those queues into the registered handlers.
//
// Usage:
//
//	srv, err := server.New(conf)
//	if err != nil { ... }
//	_ = srv.Register(42, handle, nil)
//	if err := srv.Startup(); err != nil { ... }
//	defer srv.Destroy()
type Server struct {
	conf common.ServerConfig

	handlers [common.TypeMax]handlerEntry
	mu       sync.Mutex
	started  atomic.Bool
	closed   atomic.Bool

	queues    []*queue.Queue
	listener  *listener
	receivers []*receiver
	workers   []*worker

	metrics *metrics.Set

	// listenerStop ends the listener before the other roles so that every
	// handed off socket reaches a receive role which can close it
	listenerStop chan struct{}
	stop         chan struct{}
	listenerWG   sync.WaitGroup
	wg           sync.WaitGroup

	// fatalf reports conditions the service cannot recover from
	fatalf func(format string, args ...interface{})
}

// New validates conf, allocates the queues and binds all sockets. No role runs
// before Startup, but connections are already accepted into the listen backlog.
func New(conf common.ServerConfig) (*Server, error) {
	conf.SetDefaults()
	if err := conf.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		conf:         conf,
		listenerStop: make(chan struct{}),
		stop:         make(chan struct{}),
		fatalf:       Logger.Panicf,
	}
	for i := range s.handlers {
		s.handlers[i] = handlerEntry{fn: dropHandler}
	}

	if err := s.init(); err != nil {
		s.release()
		return nil, err
	}

	s.registerMetrics()

	Logger.Infof("Created receive service %q on port %d", conf.Name, s.Port())
	Logger.Debugf(conf.String())
	return s, nil
}

func (s *Server) init() error {
	s.queues = make([]*queue.Queue, s.conf.QueueCount())
	for i := range s.queues {
		q, err := queue.New(s.conf.Queue.Slots, s.conf.Queue.SlotSize)
		if err != nil {
			return fmt.Errorf("failed to create queue %d: %w", i, err)
		}
		s.queues[i] = q
	}

	for i := 0; i < s.conf.WorkThreads; i++ {
		w, err := newWorker(s, i)
		if err != nil {
			return err
		}
		s.workers = append(s.workers, w)
	}

	for i := 0; i < s.conf.RecvThreads; i++ {
		r, err := newReceiver(s, i)
		if err != nil {
			return err
		}
		s.receivers = append(s.receivers, r)
	}

	l, err := newListener(s)
	if err != nil {
		return err
	}
	s.listener = l
	return nil
}

// Register binds fn to msgType. It must be called before Startup, every type
// can be registered once.
func (s *Server) Register(msgType uint16, fn HandleFunc, arg any) error {
	if msgType >= common.TypeMax {
		return fmt.Errorf("%w: %d", ErrTypeRange, msgType)
	}
	if fn == nil {
		return fmt.Errorf("handler for type %d is nil", msgType)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return ErrClosed
	}
	if s.started.Load() {
		return ErrAlreadyStarted
	}
	if s.handlers[msgType].registered {
		return fmt.Errorf("%w %d", ErrDuplicateHandler, msgType)
	}
	s.handlers[msgType] = handlerEntry{fn: fn, arg: arg, registered: true}
	Logger.Debugf("Registered handler for type %d", msgType)
	return nil
}

// Startup freezes the handler table and launches all roles
func (s *Server) Startup() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return ErrClosed
	}
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	for _, w := range s.workers {
		s.wg.Add(1)
		go w.run()
	}
	for _, r := range s.receivers {
		s.wg.Add(1)
		go r.run()
	}
	s.listenerWG.Add(1)
	go s.listener.run()

	Logger.Infof("Started receive service %q: %d receive roles, %d workers, %d queues",
		s.conf.Name, len(s.receivers), len(s.workers), len(s.queues))
	return nil
}

// Destroy stops all roles, closes every connection and frees all resources.
// It returns after every role has exited and may be called more than once.
func (s *Server) Destroy() {
	s.mu.Lock()
	if !s.closed.CompareAndSwap(false, true) {
		s.mu.Unlock()
		return
	}
	started := s.started.Load()
	s.mu.Unlock()

	if started {
		close(s.listenerStop)
		s.listenerWG.Wait()
		close(s.stop)
		s.wg.Wait()
	}
	s.release()
	Logger.Infof("Destroyed receive service %q", s.conf.Name)
}

// release closes the resources of roles that are not running
func (s *Server) release() {
	if s.listener != nil {
		s.listener.close()
	}
	for _, r := range s.receivers {
		r.close()
	}
	for _, w := range s.workers {
		w.close()
	}
}

// Port returns the bound tcp port
func (s *Server) Port() int {
	if s.listener == nil {
		return 0
	}
	return s.listener.port
}

// Config returns the effective configuration including defaults
func (s *Server) Config() common.ServerConfig {
	return s.conf
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (s *Server) stopping() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

func (s *Server) listenerStopping() bool {
	select {
	case <-s.listenerStop:
		return true
	default:
		return false
	}
}

// workerAddr is the command address of the worker owning queue qidx
func (s *Server) workerAddr(qidx int) string {
	return s.workers[s.conf.WorkerOf(qidx)].cmd.Addr()
}

func (s *Server) address(role string, idx int) string {
	return command.Address(s.conf.CommandDir, s.conf.Name, role, idx)
}

// closeFD is used for descriptors whose owner is gone
func closeFD(fd int) {
	if err := tcp.Close(fd); err != nil {
		Logger.Debugf("close of fd %d failed: %v", fd, err)
	}
}
