package common

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// --------------------------------------------------------------------------
// Defaults
// --------------------------------------------------------------------------

const (
	DefaultHost              = "0.0.0.0"
	DefaultRecvThreads       = 2
	DefaultWorkThreads       = 2
	DefaultQueuesPerWorker   = 2
	DefaultQueueSlots        = 4096
	DefaultSlotSize          = 8 * 1024
	DefaultNotifyBatch       = 1
	DefaultScanTimeout       = time.Second
	DefaultIdleTimeout       = 60 * time.Second
	DefaultSendThreads       = 1
	DefaultKeepaliveInterval = 30 * time.Second
	DefaultReconnectMin      = 2 * time.Second
	DefaultReconnectMax      = 64 * time.Second
	DefaultConnectTimeout    = 5 * time.Second

	// MaxNameLength bounds the service name so that it fits into a command datagram
	MaxNameLength = 32
)

var ErrInvalidConfig = errors.New("invalid configuration")

// --------------------------------------------------------------------------
// Shared configuration parts
// --------------------------------------------------------------------------

// QueueConf describes one shared queue: Slots fixed-size slots of SlotSize bytes each
type QueueConf struct {
	Slots    int
	SlotSize int
}

// SocketConf holds socket buffer sizes in bytes, zero keeps the kernel default
type SocketConf struct {
	WriteBufferSize int
	ReadBufferSize  int
}

// TCPConf holds tcp specific socket options
type TCPConf struct {
	TCPNoDelay      bool
	TCPKeepAliveSec int
	TCPLingerSec    int
}

func (q QueueConf) validate(prefix string) error {
	if q.Slots <= 0 {
		return fmt.Errorf("%w: %s slot count must be positive", ErrInvalidConfig, prefix)
	}
	if q.SlotSize <= HeaderSize {
		return fmt.Errorf("%w: %s slot size must exceed the header size (%d)", ErrInvalidConfig, prefix, HeaderSize)
	}
	return nil
}

func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: service name is required", ErrInvalidConfig)
	}
	if len(name) > MaxNameLength {
		return fmt.Errorf("%w: service name longer than %d bytes", ErrInvalidConfig, MaxNameLength)
	}
	for _, r := range name {
		ok := r == '-' || r == '_' || r == '.' || (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
		if !ok {
			return fmt.Errorf("%w: service name may only contain letters, digits, '-', '_' and '.'", ErrInvalidConfig)
		}
	}
	return nil
}

// --------------------------------------------------------------------------
// Receive side configuration
// --------------------------------------------------------------------------

// ServerConfig configures the receive side: one listener, RecvThreads receive roles
// and WorkThreads worker roles sharing WorkThreads*QueuesPerWorker queues.
type ServerConfig struct {
	// Name identifies the service, it must be unique per host since command addresses derive from it
	Name string

	// Host and Port of the tcp listener, port 0 picks an ephemeral port
	Host string
	Port int

	RecvThreads     int
	WorkThreads     int
	QueuesPerWorker int
	Queue           QueueConf

	// NotifyBatch is the number of pushes into one queue after which the worker is notified
	NotifyBatch int

	// ScanTimeout bounds each event loop wait, sweeps run at least this often
	ScanTimeout time.Duration
	// IdleTimeout closes connections without reads and writes for this long
	IdleTimeout time.Duration

	// CommandDir places command sockets in the filesystem, empty uses the abstract namespace
	CommandDir string

	Socket SocketConf
	TCP    TCPConf

	LogLevel string
}

// QueueCount is the number of shared queues derived from the worker fan-out
func (c *ServerConfig) QueueCount() int {
	return c.WorkThreads * c.QueuesPerWorker
}

// WorkerOf maps a queue index to the worker that owns it
func (c *ServerConfig) WorkerOf(queueIdx int) int {
	return queueIdx / c.QueuesPerWorker
}

// SetDefaults fills all zero values with their defaults
func (c *ServerConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.RecvThreads == 0 {
		c.RecvThreads = DefaultRecvThreads
	}
	if c.WorkThreads == 0 {
		c.WorkThreads = DefaultWorkThreads
	}
	if c.QueuesPerWorker == 0 {
		c.QueuesPerWorker = DefaultQueuesPerWorker
	}
	if c.Queue.Slots == 0 {
		c.Queue.Slots = DefaultQueueSlots
	}
	if c.Queue.SlotSize == 0 {
		c.Queue.SlotSize = DefaultSlotSize
	}
	if c.NotifyBatch == 0 {
		c.NotifyBatch = DefaultNotifyBatch
	}
	if c.ScanTimeout == 0 {
		c.ScanTimeout = DefaultScanTimeout
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate checks the configuration for consistency
func (c *ServerConfig) Validate() error {
	if err := validateName(c.Name); err != nil {
		return err
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, c.Port)
	}
	if c.RecvThreads <= 0 || c.WorkThreads <= 0 || c.QueuesPerWorker <= 0 {
		return fmt.Errorf("%w: thread counts and queues per worker must be positive", ErrInvalidConfig)
	}
	if c.NotifyBatch <= 0 {
		return fmt.Errorf("%w: notify batch must be positive", ErrInvalidConfig)
	}
	if c.ScanTimeout <= 0 || c.IdleTimeout <= 0 {
		return fmt.Errorf("%w: timeouts must be positive", ErrInvalidConfig)
	}
	return c.Queue.validate("receive queue")
}

// String returns a formatted string representation of the configuration
func (c *ServerConfig) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Receive Service")
	addField("Name", c.Name)
	addField("Listen Address", fmt.Sprintf("%s:%d", c.Host, c.Port))
	addField("Command Sockets", commandLocation(c.CommandDir))

	addSection("Threads")
	addField("Receive Threads", strconv.Itoa(c.RecvThreads))
	addField("Worker Threads", strconv.Itoa(c.WorkThreads))
	addField("Queues Per Worker", strconv.Itoa(c.QueuesPerWorker))

	addSection("Queues")
	addField("Queue Count", strconv.Itoa(c.QueueCount()))
	addField("Slots Per Queue", strconv.Itoa(c.Queue.Slots))
	addField("Slot Size", fmt.Sprintf("%d bytes", c.Queue.SlotSize))
	addField("Notify Batch", strconv.Itoa(c.NotifyBatch))

	addSection("Timeouts")
	addField("Scan Timeout", c.ScanTimeout.String())
	addField("Idle Timeout", c.IdleTimeout.String())

	addSocketSection(addSection, addField, c.Socket, c.TCP)

	addSection("Logging")
	addField("Log Level", c.LogLevel)

	return sb.String()
}

// --------------------------------------------------------------------------
// Send side configuration
// --------------------------------------------------------------------------

// ClientConfig configures the send side: SendThreads send roles, each owning one
// outbound connection to Endpoint and one shared queue.
type ClientConfig struct {
	Name     string
	Endpoint string

	SendThreads int
	Queue       QueueConf

	// NotifyInterval is the number of pushes after which the send role is woken up
	NotifyInterval int

	KeepaliveInterval time.Duration
	ReconnectMin      time.Duration
	ReconnectMax      time.Duration
	ConnectTimeout    time.Duration
	ScanTimeout       time.Duration

	// IsPrimary is reported to the peer after each connect
	IsPrimary bool

	CommandDir string

	Socket SocketConf
	TCP    TCPConf

	LogLevel string
}

// SetDefaults fills all zero values with their defaults
func (c *ClientConfig) SetDefaults() {
	if c.SendThreads == 0 {
		c.SendThreads = DefaultSendThreads
	}
	if c.Queue.Slots == 0 {
		c.Queue.Slots = DefaultQueueSlots
	}
	if c.Queue.SlotSize == 0 {
		c.Queue.SlotSize = DefaultSlotSize
	}
	if c.NotifyInterval == 0 {
		c.NotifyInterval = DefaultNotifyBatch
	}
	if c.KeepaliveInterval == 0 {
		c.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if c.ReconnectMin == 0 {
		c.ReconnectMin = DefaultReconnectMin
	}
	if c.ReconnectMax == 0 {
		c.ReconnectMax = DefaultReconnectMax
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.ScanTimeout == 0 {
		c.ScanTimeout = DefaultScanTimeout
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate checks the configuration for consistency
func (c *ClientConfig) Validate() error {
	if err := validateName(c.Name); err != nil {
		return err
	}
	if c.Endpoint == "" {
		return fmt.Errorf("%w: endpoint is required", ErrInvalidConfig)
	}
	if c.SendThreads <= 0 {
		return fmt.Errorf("%w: send thread count must be positive", ErrInvalidConfig)
	}
	if c.NotifyInterval <= 0 {
		return fmt.Errorf("%w: notify interval must be positive", ErrInvalidConfig)
	}
	if c.KeepaliveInterval <= 0 || c.ConnectTimeout <= 0 || c.ScanTimeout <= 0 {
		return fmt.Errorf("%w: timeouts must be positive", ErrInvalidConfig)
	}
	if c.ReconnectMin <= 0 || c.ReconnectMax < c.ReconnectMin {
		return fmt.Errorf("%w: reconnect backoff needs 0 < min <= max", ErrInvalidConfig)
	}
	return c.Queue.validate("send queue")
}

// String returns a formatted string representation of the client configuration
func (c *ClientConfig) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Send Service")
	addField("Name", c.Name)
	addField("Endpoint", c.Endpoint)
	addField("Primary Link", strconv.FormatBool(c.IsPrimary))
	addField("Command Sockets", commandLocation(c.CommandDir))

	addSection("Threads")
	addField("Send Threads", strconv.Itoa(c.SendThreads))

	addSection("Queues")
	addField("Slots Per Queue", strconv.Itoa(c.Queue.Slots))
	addField("Slot Size", fmt.Sprintf("%d bytes", c.Queue.SlotSize))
	addField("Notify Interval", strconv.Itoa(c.NotifyInterval))

	addSection("Link")
	addField("Keepalive Interval", c.KeepaliveInterval.String())
	addField("Reconnect Backoff", fmt.Sprintf("%s .. %s", c.ReconnectMin, c.ReconnectMax))
	addField("Connect Timeout", c.ConnectTimeout.String())
	addField("Scan Timeout", c.ScanTimeout.String())

	addSocketSection(addSection, addField, c.Socket, c.TCP)

	addSection("Logging")
	addField("Log Level", c.LogLevel)

	return sb.String()
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func addSocketSection(addSection func(string), addField func(string, string), s SocketConf, t TCPConf) {
	kernelDefault := func(v int) string {
		if v <= 0 {
			return "kernel default"
		}
		return fmt.Sprintf("%d KB", v/1024)
	}

	addSection("Socket")
	addField("Read Buffer", kernelDefault(s.ReadBufferSize))
	addField("Write Buffer", kernelDefault(s.WriteBufferSize))
	addField("TCP No Delay", strconv.FormatBool(t.TCPNoDelay))
	addField("TCP Keepalive", fmt.Sprintf("%d sec", t.TCPKeepAliveSec))
	addField("TCP Linger", fmt.Sprintf("%d sec", t.TCPLingerSec))
}

func commandLocation(dir string) string {
	if dir == "" {
		return "abstract namespace"
	}
	return dir
}
