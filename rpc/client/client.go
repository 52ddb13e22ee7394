package client

import (
	"errors"
	"fmt"
	"github.com/ValentinKolb/smtc/lib/queue"
	"github.com/ValentinKolb/smtc/lib/util"
	"github.com/ValentinKolb/smtc/rpc/command"
	"github.com/ValentinKolb/smtc/rpc/common"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"sync"
	"sync/atomic"
)

var Logger = logger.GetLogger("client")

var (
	ErrTooLarge       = errors.New("message exceeds slot size")
	ErrBadType        = errors.New("message type out of range")
	ErrQueueFull      = errors.New("send queue full")
	ErrAlreadyStarted = errors.New("service already started")
	ErrClosed         = errors.New("service destroyed")
)

// Client is the send side of the transport. Producers call Send from any
// goroutine; every message lands in the queue of one send role, which streams
// it over its own tcp connection to the configured endpoint.
type Client struct {
	conf common.ClientConfig

	senders []*sender
	rr      *util.RoundRobin

	// producer is the command channel used by Send to wake up send roles
	producer *command.Channel

	mu      sync.Mutex
	started atomic.Bool
	closed  atomic.Bool

	stop chan struct{}
	wg   sync.WaitGroup

	metrics *metrics.Set
	fatalf  func(format string, args ...interface{})
}

// New validates conf and allocates queues and command sockets of all send roles.
// Messages can be queued before Startup, they are sent once the roles run.
func New(conf common.ClientConfig) (*Client, error) {
	conf.SetDefaults()
	if err := conf.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		conf:   conf,
		rr:     util.NewRoundRobin(conf.SendThreads),
		stop:   make(chan struct{}),
		fatalf: Logger.Panicf,
	}

	var err error
	if c.producer, err = command.Listen(command.Address(conf.CommandDir, conf.Name, command.RoleProducer, 0)); err != nil {
		return nil, err
	}

	for i := 0; i < conf.SendThreads; i++ {
		s, err := newSender(c, i)
		if err != nil {
			c.release()
			return nil, err
		}
		c.senders = append(c.senders, s)
	}

	c.registerMetrics()

	Logger.Infof("Created send service %q towards %s", conf.Name, conf.Endpoint)
	Logger.Debugf(conf.String())
	return c, nil
}

// Send copies payload into the queue of the next send role. A full queue wakes
// its role and the following roles are tried in order. Send never blocks: only
// when every queue is full ErrQueueFull is returned and the message is not taken.
func (c *Client) Send(msgType uint16, payload []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if msgType >= common.TypeMax {
		return fmt.Errorf("%w: %d", ErrBadType, msgType)
	}
	if common.HeaderSize+len(payload) > c.conf.Queue.SlotSize {
		return fmt.Errorf("%w: %d bytes payload, %d bytes slot", ErrTooLarge, len(payload), c.conf.Queue.SlotSize)
	}

	var (
		s    *sender
		slot queue.Slot
	)
	start := c.rr.Next()
	for i := range c.senders {
		cand := c.senders[(start+i)%len(c.senders)]
		var err error
		if slot, err = cand.queue.Allocate(); err == nil {
			s = cand
			break
		}
		c.wake(cand, command.TypeSendAll)
	}
	if s == nil {
		return fmt.Errorf("%w: all %d send roles", ErrQueueFull, len(c.senders))
	}

	buf := slot.Bytes()
	hdr := common.NewHeader(msgType, common.FlagApplication, len(payload))
	if err := hdr.Encode(buf); err != nil {
		_ = s.queue.Release(slot)
		return err
	}
	copy(buf[common.HeaderSize:], payload)

	if err := s.queue.Push(slot); err != nil {
		_ = s.queue.Release(slot)
		return err
	}

	if s.pushes.Add(1)%uint64(c.conf.NotifyInterval) == 0 {
		c.wake(s, command.TypeSendNow)
	}
	return nil
}

// Startup launches all send roles
func (c *Client) Startup() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return ErrClosed
	}
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	for _, s := range c.senders {
		c.wg.Add(1)
		go s.run()
	}
	Logger.Infof("Started send service %q with %d send roles", c.conf.Name, len(c.senders))
	return nil
}

// Destroy stops all send roles and closes their connections. Messages still
// queued are discarded. It may be called more than once.
func (c *Client) Destroy() {
	c.mu.Lock()
	if !c.closed.CompareAndSwap(false, true) {
		c.mu.Unlock()
		return
	}
	started := c.started.Load()
	c.mu.Unlock()

	if started {
		close(c.stop)
		c.wg.Wait()
	}

	var unsent int
	for _, s := range c.senders {
		unsent += s.queue.Len()
	}
	if unsent > 0 {
		Logger.Warningf("Send service %q discarded %d queued messages", c.conf.Name, unsent)
	}

	c.release()
	Logger.Infof("Destroyed send service %q", c.conf.Name)
}

func (c *Client) release() {
	for _, s := range c.senders {
		s.close()
	}
	// a Send racing with Destroy may still wake, the closed producer refuses it
	if c.producer != nil {
		_ = c.producer.Close()
	}
}

// Config returns the effective configuration including defaults
func (c *Client) Config() common.ClientConfig {
	return c.conf
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// wake nudges a send role. Losing the command only delays sending until the
// role's next scan.
func (c *Client) wake(s *sender, t command.Type) {
	c.producer.SendBestEffort(s.cmd.Addr(), command.New(t))
}

func (c *Client) stopping() bool {
	select {
	case <-c.stop:
		return true
	default:
		return false
	}
}
