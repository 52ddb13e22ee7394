package common

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// --------------------------------------------------------------------------
// Wire Header
// --------------------------------------------------------------------------

// Every message on the wire and in a queue slot starts with a fixed header:
//
//	+---------+--------+-----------+-----------+
//	| type:2  | flag:1 | length:4  | mark:4    |
//	+---------+--------+-----------+-----------+
//
// All fields are big-endian. The body of `length` bytes follows directly.
const (
	HeaderSize = 11

	// Mark is the framing constant carried by every header
	Mark uint32 = 0x1FE23DC4

	// TypeMax is the exclusive upper bound for message types
	TypeMax = 0xFF
)

// Flag distinguishes transport control traffic from application payloads
type Flag uint8

const (
	FlagSystem      Flag = 0
	FlagApplication Flag = 1
)

func (f Flag) String() string {
	switch f {
	case FlagSystem:
		return "system"
	case FlagApplication:
		return "application"
	default:
		return fmt.Sprintf("flag(%d)", uint8(f))
	}
}

// Reserved system message types (only meaningful with FlagSystem)
const (
	SysTypeUnknown        uint16 = 0
	SysTypeKeepaliveReq   uint16 = 1
	SysTypeKeepaliveReply uint16 = 2
	SysTypeLinkInfo       uint16 = 3
)

// LinkInfoSize is the body size of a SysTypeLinkInfo message
const LinkInfoSize = 4

var (
	ErrBadMark      = errors.New("header mark mismatch")
	ErrTypeRange    = errors.New("message type out of range")
	ErrBadFlag      = errors.New("unknown message flag")
	ErrBodyTooLarge = errors.New("message body exceeds buffer capacity")
	ErrShortBuffer  = errors.New("buffer too small for header")
)

// Header is the decoded form of the fixed wire header
type Header struct {
	Type   uint16
	Flag   Flag
	Length uint32
	Mark   uint32
}

// NewHeader returns a header with the mark already set
func NewHeader(msgType uint16, flag Flag, length int) Header {
	return Header{Type: msgType, Flag: flag, Length: uint32(length), Mark: Mark}
}

// Encode writes h into the first HeaderSize bytes of dst
func (h Header) Encode(dst []byte) error {
	if len(dst) < HeaderSize {
		return ErrShortBuffer
	}
	binary.BigEndian.PutUint16(dst[0:2], h.Type)
	dst[2] = byte(h.Flag)
	binary.BigEndian.PutUint32(dst[3:7], h.Length)
	binary.BigEndian.PutUint32(dst[7:11], h.Mark)
	return nil
}

// DecodeHeader reads a header from the first HeaderSize bytes of src.
// It does not validate the result, see Header.Validate.
func DecodeHeader(src []byte) (Header, error) {
	if len(src) < HeaderSize {
		return Header{}, ErrShortBuffer
	}
	return Header{
		Type:   binary.BigEndian.Uint16(src[0:2]),
		Flag:   Flag(src[2]),
		Length: binary.BigEndian.Uint32(src[3:7]),
		Mark:   binary.BigEndian.Uint32(src[7:11]),
	}, nil
}

// Validate checks mark, type, flag and that header plus body fit into capacity
// bytes. The checks run in that order, so a corrupted mark is always reported
// as ErrBadMark.
func (h Header) Validate(capacity int) error {
	if h.Mark != Mark {
		return fmt.Errorf("%w: got 0x%08X", ErrBadMark, h.Mark)
	}
	if h.Type >= TypeMax {
		return fmt.Errorf("%w: %d", ErrTypeRange, h.Type)
	}
	if h.Flag > FlagApplication {
		return fmt.Errorf("%w: %d", ErrBadFlag, h.Flag)
	}
	if uint64(HeaderSize)+uint64(h.Length) > uint64(capacity) {
		return fmt.Errorf("%w: %d+%d > %d", ErrBodyTooLarge, HeaderSize, h.Length, capacity)
	}
	return nil
}

func (h Header) String() string {
	return fmt.Sprintf("header{type=%d flag=%s len=%d mark=0x%08X}", h.Type, h.Flag, h.Length, h.Mark)
}

// --------------------------------------------------------------------------
// Message Factory Functions
// --------------------------------------------------------------------------

// EncodeMessage returns header and body as a single freshly allocated frame
func EncodeMessage(msgType uint16, flag Flag, body []byte) []byte {
	frame := make([]byte, HeaderSize+len(body))
	_ = NewHeader(msgType, flag, len(body)).Encode(frame)
	copy(frame[HeaderSize:], body)
	return frame
}

// NewKeepaliveRequest creates the frame a send role emits on an idle link
func NewKeepaliveRequest() []byte {
	return EncodeMessage(SysTypeKeepaliveReq, FlagSystem, nil)
}

// NewKeepaliveReply creates the answer to a keepalive request
func NewKeepaliveReply() []byte {
	return EncodeMessage(SysTypeKeepaliveReply, FlagSystem, nil)
}

// NewLinkInfoReport creates the frame announcing whether a link is the primary one
func NewLinkInfoReport(isPrimary bool) []byte {
	body := make([]byte, LinkInfoSize)
	if isPrimary {
		binary.BigEndian.PutUint32(body, 1)
	}
	return EncodeMessage(SysTypeLinkInfo, FlagSystem, body)
}

// ParseLinkInfo decodes the body of a link info report
func ParseLinkInfo(body []byte) (isPrimary bool, err error) {
	if len(body) < LinkInfoSize {
		return false, fmt.Errorf("link info body too short: %d", len(body))
	}
	return binary.BigEndian.Uint32(body) != 0, nil
}
