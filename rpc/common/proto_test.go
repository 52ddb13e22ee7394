package common

import (
	"bytes"
	"errors"
	"testing"
)

func TestHeaderEncodeDecode(t *testing.T) {
	h := NewHeader(42, FlagApplication, 128)
	buf := make([]byte, HeaderSize)
	if err := h.Encode(buf); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	// big-endian layout: type | flag | length | mark
	want := []byte{0x00, 0x2A, 0x01, 0x00, 0x00, 0x00, 0x80, 0x1F, 0xE2, 0x3D, 0xC4}
	if !bytes.Equal(buf, want) {
		t.Fatalf("unexpected encoding: got %x, want %x", buf, want)
	}

	got, err := DecodeHeader(buf)
	if err != nil {
		t.Fatalf("DecodeHeader failed: %v", err)
	}
	if got != h {
		t.Errorf("decoded %v, want %v", got, h)
	}
}

func TestHeaderShortBuffer(t *testing.T) {
	if err := NewHeader(1, FlagSystem, 0).Encode(make([]byte, HeaderSize-1)); !errors.Is(err, ErrShortBuffer) {
		t.Errorf("expected ErrShortBuffer on encode, got %v", err)
	}
	if _, err := DecodeHeader(make([]byte, 3)); !errors.Is(err, ErrShortBuffer) {
		t.Errorf("expected ErrShortBuffer on decode, got %v", err)
	}
}

func TestHeaderValidate(t *testing.T) {
	const capacity = 256

	tests := []struct {
		name   string
		header Header
		want   error
	}{
		{"valid", NewHeader(7, FlagApplication, capacity-HeaderSize), nil},
		{"empty body", NewHeader(0, FlagSystem, 0), nil},
		{"highest type", NewHeader(TypeMax-1, FlagApplication, 1), nil},
		{"bad mark", Header{Type: 7, Flag: FlagApplication, Length: 1, Mark: 0xDEADBEEF}, ErrBadMark},
		{"type at max", NewHeader(TypeMax, FlagApplication, 1), ErrTypeRange},
		{"type beyond max", NewHeader(1000, FlagApplication, 1), ErrTypeRange},
		{"unknown flag", NewHeader(7, Flag(2), 1), ErrBadFlag},
		{"flag 0xFF", NewHeader(7, Flag(0xFF), 1), ErrBadFlag},
		{"body one too large", NewHeader(7, FlagApplication, capacity-HeaderSize+1), ErrBodyTooLarge},
		{"huge length", Header{Type: 7, Length: 0xFFFFFFFF, Mark: Mark}, ErrBodyTooLarge},
		// mark is checked first
		{"bad mark and type", Header{Type: 1000, Mark: 0}, ErrBadMark},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.header.Validate(capacity)
			if tt.want == nil && err != nil {
				t.Fatalf("expected valid header, got %v", err)
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestSystemFrames(t *testing.T) {
	req := NewKeepaliveRequest()
	if len(req) != HeaderSize {
		t.Fatalf("keepalive request should be header only, got %d bytes", len(req))
	}
	h, _ := DecodeHeader(req)
	if h.Type != SysTypeKeepaliveReq || h.Flag != FlagSystem || h.Length != 0 {
		t.Errorf("unexpected keepalive request header %v", h)
	}

	h, _ = DecodeHeader(NewKeepaliveReply())
	if h.Type != SysTypeKeepaliveReply || h.Flag != FlagSystem {
		t.Errorf("unexpected keepalive reply header %v", h)
	}

	for _, primary := range []bool{true, false} {
		frame := NewLinkInfoReport(primary)
		h, _ = DecodeHeader(frame)
		if h.Type != SysTypeLinkInfo || int(h.Length) != LinkInfoSize {
			t.Fatalf("unexpected link info header %v", h)
		}
		got, err := ParseLinkInfo(frame[HeaderSize:])
		if err != nil {
			t.Fatalf("ParseLinkInfo failed: %v", err)
		}
		if got != primary {
			t.Errorf("link info primary = %v, want %v", got, primary)
		}
	}

	if _, err := ParseLinkInfo([]byte{1}); err == nil {
		t.Error("expected error for truncated link info")
	}
}

func TestEncodeMessage(t *testing.T) {
	body := []byte("payload")
	frame := EncodeMessage(9, FlagApplication, body)
	h, err := DecodeHeader(frame)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.Validate(len(frame)); err != nil {
		t.Fatalf("frame should validate against its own size: %v", err)
	}
	if !bytes.Equal(frame[HeaderSize:], body) {
		t.Errorf("body mismatch: %q", frame[HeaderSize:])
	}
}
