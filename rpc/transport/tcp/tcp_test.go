package tcp

import (
	"errors"
	"fmt"
	"github.com/ValentinKolb/smtc/rpc/common"
	"golang.org/x/sys/unix"
	"testing"
	"time"
)

// acceptWithin polls Accept until a connection arrives or the timeout passes
func acceptWithin(t *testing.T, lfd int, timeout time.Duration) (int, string) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		fd, peer, err := Accept(lfd)
		if err == nil {
			return fd, peer
		}
		if !errors.Is(err, ErrAgain) {
			t.Fatalf("Accept failed: %v", err)
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("no connection accepted")
	return -1, ""
}

func TestListenConnectAccept(t *testing.T) {
	lfd, err := Listen("127.0.0.1", 0)
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer Close(lfd)

	port, err := LocalPort(lfd)
	if err != nil || port == 0 {
		t.Fatalf("LocalPort: %d, %v", port, err)
	}

	if _, _, err := Accept(lfd); !errors.Is(err, ErrAgain) {
		t.Fatalf("expected ErrAgain on empty backlog, got %v", err)
	}

	cfd, err := Connect(fmt.Sprintf("127.0.0.1:%d", port), time.Second)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer Close(cfd)

	sfd, peer := acceptWithin(t, lfd, time.Second)
	defer Close(sfd)
	if peer == "" {
		t.Error("expected a peer address")
	}

	conf := common.TCPConf{TCPNoDelay: true, TCPKeepAliveSec: 10, TCPLingerSec: 1}
	if err := UpgradeConnection(sfd, common.SocketConf{ReadBufferSize: 64 * 1024, WriteBufferSize: 64 * 1024}, conf); err != nil {
		t.Fatalf("UpgradeConnection failed: %v", err)
	}
	if v, _ := unix.GetsockoptInt(sfd, unix.IPPROTO_TCP, unix.TCP_NODELAY); v == 0 {
		t.Error("TCP_NODELAY not applied")
	}

	// empty socket would block
	buf := make([]byte, 16)
	if _, err := Read(sfd, buf); !errors.Is(err, ErrAgain) {
		t.Fatalf("expected ErrAgain, got %v", err)
	}

	if n, err := Write(cfd, []byte("hello")); err != nil || n != 5 {
		t.Fatalf("Write: %d, %v", n, err)
	}

	deadline := time.Now().Add(time.Second)
	for {
		n, err := Read(sfd, buf)
		if err == nil {
			if string(buf[:n]) != "hello" {
				t.Fatalf("read %q", buf[:n])
			}
			break
		}
		if !errors.Is(err, ErrAgain) || time.Now().After(deadline) {
			t.Fatalf("Read failed: %v", err)
		}
		time.Sleep(time.Millisecond)
	}

	_ = Close(cfd)
	deadline = time.Now().Add(time.Second)
	for {
		_, err := Read(sfd, buf)
		if errors.Is(err, ErrPeerClosed) {
			break
		}
		if !errors.Is(err, ErrAgain) || time.Now().After(deadline) {
			t.Fatalf("expected ErrPeerClosed, got %v", err)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestConnectRefused(t *testing.T) {
	lfd, err := Listen("127.0.0.1", 0)
	if err != nil {
		t.Fatal(err)
	}
	port, _ := LocalPort(lfd)
	_ = Close(lfd)

	if _, err := Connect(fmt.Sprintf("127.0.0.1:%d", port), time.Second); err == nil {
		t.Fatal("expected connect to a closed port to fail")
	}
}
