package command

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// --------------------------------------------------------------------------
// Command Types
// --------------------------------------------------------------------------

// Type identifies a command
type Type uint32

const (
	TypeUnknown Type = iota
	TypeAddSocket
	TypeProcessQueue
	TypeSendNow
	TypeSendAll
	TypeQueryConfig
	TypeQueryConfigReply
	TypeQueryRecvStats
	TypeQueryRecvStatsReply
	TypeQueryWorkStats
	TypeQueryWorkStatsReply
)

func (t Type) String() string {
	switch t {
	case TypeAddSocket:
		return "add-socket"
	case TypeProcessQueue:
		return "process-queue"
	case TypeSendNow:
		return "send-now"
	case TypeSendAll:
		return "send-all"
	case TypeQueryConfig:
		return "query-config"
	case TypeQueryConfigReply:
		return "query-config-reply"
	case TypeQueryRecvStats:
		return "query-recv-stats"
	case TypeQueryRecvStatsReply:
		return "query-recv-stats-reply"
	case TypeQueryWorkStats:
		return "query-work-stats"
	case TypeQueryWorkStatsReply:
		return "query-work-stats-reply"
	default:
		return "unknown"
	}
}

const (
	// Size is the fixed size of every encoded command
	Size = 128

	// ProcessAll as ProcessQueueArgs.Count drains a queue completely
	ProcessAll int32 = -1

	maxPeerLen = 64
	maxNameLen = 32
)

var ErrMalformed = errors.New("malformed command")

// --------------------------------------------------------------------------
// Command Structure
// --------------------------------------------------------------------------

// AddSocketArgs hands an accepted connection to a receive role
type AddSocketArgs struct {
	FD   int32
	Seq  uint64
	Peer string
}

// ProcessQueueArgs asks a worker to pop Count items (or ProcessAll) from Queue
type ProcessQueueArgs struct {
	Origin int32
	Queue  int32
	Count  int32
}

// ConfigReply describes the configuration of a receive service
type ConfigReply struct {
	Name        string
	Port        int32
	RecvThreads int32
	WorkThreads int32
	Queues      int32
	Slots       int32
	SlotSize    int32
}

// RecvStatsReply carries the counters of one receive role
type RecvStatsReply struct {
	Index       int32
	Connections int64
	Received    int64
	Dropped     int64
	Errors      int64
}

// WorkStatsReply carries the counters of one worker role
type WorkStatsReply struct {
	Index     int32
	Processed int64
	Dropped   int64
	Errors    int64
}

// Command is a fixed-layout control message between roles of one process.
// Only the args matching Type are encoded.
type Command struct {
	Type         Type
	AddSocket    AddSocketArgs
	ProcessQueue ProcessQueueArgs
	Config       ConfigReply
	RecvStats    RecvStatsReply
	WorkStats    WorkStatsReply
}

// --------------------------------------------------------------------------
// Factory Functions
// --------------------------------------------------------------------------

// NewAddSocket creates an ADD_SOCKET command
func NewAddSocket(fd int, seq uint64, peer string) Command {
	return Command{Type: TypeAddSocket, AddSocket: AddSocketArgs{FD: int32(fd), Seq: seq, Peer: peer}}
}

// NewProcessQueue creates a PROCESS_QUEUE command
func NewProcessQueue(origin, queue int, count int32) Command {
	return Command{Type: TypeProcessQueue, ProcessQueue: ProcessQueueArgs{Origin: int32(origin), Queue: int32(queue), Count: count}}
}

// New creates a command without arguments
func New(t Type) Command {
	return Command{Type: t}
}

// --------------------------------------------------------------------------
// Encoding
// --------------------------------------------------------------------------

// Encode writes the command into a Size byte datagram
func (c *Command) Encode() ([]byte, error) {
	buf := make([]byte, Size)
	binary.BigEndian.PutUint32(buf[0:4], uint32(c.Type))
	args := buf[4:]

	switch c.Type {
	case TypeAddSocket:
		binary.BigEndian.PutUint32(args[0:4], uint32(c.AddSocket.FD))
		binary.BigEndian.PutUint64(args[4:12], c.AddSocket.Seq)
		if err := putString(args[12:], c.AddSocket.Peer, maxPeerLen); err != nil {
			return nil, err
		}
	case TypeProcessQueue:
		binary.BigEndian.PutUint32(args[0:4], uint32(c.ProcessQueue.Origin))
		binary.BigEndian.PutUint32(args[4:8], uint32(c.ProcessQueue.Queue))
		binary.BigEndian.PutUint32(args[8:12], uint32(c.ProcessQueue.Count))
	case TypeQueryConfigReply:
		r := c.Config
		for i, v := range []int32{r.Port, r.RecvThreads, r.WorkThreads, r.Queues, r.Slots, r.SlotSize} {
			binary.BigEndian.PutUint32(args[i*4:i*4+4], uint32(v))
		}
		if err := putString(args[24:], r.Name, maxNameLen); err != nil {
			return nil, err
		}
	case TypeQueryRecvStatsReply:
		r := c.RecvStats
		binary.BigEndian.PutUint32(args[0:4], uint32(r.Index))
		putInt64s(args[4:], r.Connections, r.Received, r.Dropped, r.Errors)
	case TypeQueryWorkStatsReply:
		r := c.WorkStats
		binary.BigEndian.PutUint32(args[0:4], uint32(r.Index))
		putInt64s(args[4:], r.Processed, r.Dropped, r.Errors)
	case TypeSendNow, TypeSendAll, TypeQueryConfig, TypeQueryRecvStats, TypeQueryWorkStats:
		// no arguments
	default:
		return nil, fmt.Errorf("%w: cannot encode type %d", ErrMalformed, c.Type)
	}
	return buf, nil
}

// Decode parses a datagram produced by Encode
func Decode(buf []byte) (Command, error) {
	if len(buf) != Size {
		return Command{}, fmt.Errorf("%w: %d bytes, want %d", ErrMalformed, len(buf), Size)
	}
	c := Command{Type: Type(binary.BigEndian.Uint32(buf[0:4]))}
	args := buf[4:]
	var err error

	switch c.Type {
	case TypeAddSocket:
		c.AddSocket.FD = int32(binary.BigEndian.Uint32(args[0:4]))
		c.AddSocket.Seq = binary.BigEndian.Uint64(args[4:12])
		c.AddSocket.Peer, err = getString(args[12:], maxPeerLen)
	case TypeProcessQueue:
		c.ProcessQueue.Origin = int32(binary.BigEndian.Uint32(args[0:4]))
		c.ProcessQueue.Queue = int32(binary.BigEndian.Uint32(args[4:8]))
		c.ProcessQueue.Count = int32(binary.BigEndian.Uint32(args[8:12]))
	case TypeQueryConfigReply:
		vals := make([]int32, 6)
		for i := range vals {
			vals[i] = int32(binary.BigEndian.Uint32(args[i*4 : i*4+4]))
		}
		c.Config = ConfigReply{
			Port: vals[0], RecvThreads: vals[1], WorkThreads: vals[2],
			Queues: vals[3], Slots: vals[4], SlotSize: vals[5],
		}
		c.Config.Name, err = getString(args[24:], maxNameLen)
	case TypeQueryRecvStatsReply:
		c.RecvStats.Index = int32(binary.BigEndian.Uint32(args[0:4]))
		v := getInt64s(args[4:], 4)
		c.RecvStats.Connections, c.RecvStats.Received, c.RecvStats.Dropped, c.RecvStats.Errors = v[0], v[1], v[2], v[3]
	case TypeQueryWorkStatsReply:
		c.WorkStats.Index = int32(binary.BigEndian.Uint32(args[0:4]))
		v := getInt64s(args[4:], 3)
		c.WorkStats.Processed, c.WorkStats.Dropped, c.WorkStats.Errors = v[0], v[1], v[2]
	case TypeSendNow, TypeSendAll, TypeQueryConfig, TypeQueryRecvStats, TypeQueryWorkStats:
	default:
		return Command{}, fmt.Errorf("%w: unknown type %d", ErrMalformed, c.Type)
	}
	if err != nil {
		return Command{}, err
	}
	return c, nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// putString writes a one byte length followed by the string bytes
func putString(dst []byte, s string, max int) error {
	if len(s) > max {
		return fmt.Errorf("%w: string of %d bytes exceeds %d", ErrMalformed, len(s), max)
	}
	dst[0] = byte(len(s))
	copy(dst[1:], s)
	return nil
}

func getString(src []byte, max int) (string, error) {
	n := int(src[0])
	if n > max || 1+n > len(src) {
		return "", fmt.Errorf("%w: string length %d", ErrMalformed, n)
	}
	return string(src[1 : 1+n]), nil
}

func putInt64s(dst []byte, values ...int64) {
	for i, v := range values {
		binary.BigEndian.PutUint64(dst[i*8:i*8+8], uint64(v))
	}
}

func getInt64s(src []byte, n int) []int64 {
	out := make([]int64, n)
	for i := range out {
		out[i] = int64(binary.BigEndian.Uint64(src[i*8 : i*8+8]))
	}
	return out
}
