package tcp

import (
	"errors"
	"fmt"
	"github.com/ValentinKolb/smtc/rpc/common"
	"golang.org/x/sys/unix"
	"net"
	"strconv"
)

const (
	defaultBacklog = 1024
)

// --------------------------------------------------------------------------
// Listening
// --------------------------------------------------------------------------

// Listen creates a non-blocking listening socket on host:port and returns its descriptor
func Listen(host string, port int) (int, error) {
	ip := net.IPv4zero
	if host != "" {
		if ip = net.ParseIP(host); ip == nil {
			addr, err := net.ResolveIPAddr("ip", host)
			if err != nil {
				return -1, fmt.Errorf("failed to resolve %s: %w", host, err)
			}
			ip = addr.IP
		}
	}
	sa, family := sockaddr(ip, port)

	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("failed to create tcp socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("failed to set SO_REUSEADDR: %w", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("failed to bind %s: %w", net.JoinHostPort(ip.String(), strconv.Itoa(port)), err)
	}
	if err := unix.Listen(fd, defaultBacklog); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("failed to listen: %w", err)
	}
	return fd, nil
}

// Accept takes one pending connection from a listening descriptor. The new
// descriptor is non-blocking. ErrAgain signals an empty backlog; EINTR and
// aborted handshakes are reported as ErrAgain too, so the caller simply moves on.
func Accept(lfd int) (int, string, error) {
	for {
		fd, sa, err := unix.Accept4(lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		switch {
		case err == nil:
			return fd, peerString(sa), nil
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.ECONNABORTED:
			return -1, "", ErrAgain
		default:
			return -1, "", fmt.Errorf("accept: %w", err)
		}
	}
}

// LocalPort returns the port a socket is bound to
func LocalPort(fd int) (int, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return 0, err
	}
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return a.Port, nil
	case *unix.SockaddrInet6:
		return a.Port, nil
	default:
		return 0, errors.New("not an inet socket")
	}
}

// --------------------------------------------------------------------------
// Socket tuning
// --------------------------------------------------------------------------

// UpgradeConnection applies the socket and tcp options of the configuration to fd
func UpgradeConnection(fd int, sock common.SocketConf, tcpConf common.TCPConf) error {
	noDelay := 0
	if tcpConf.TCPNoDelay {
		noDelay = 1
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, noDelay); err != nil {
		return fmt.Errorf("TCP_NODELAY: %w", err)
	}

	if sock.WriteBufferSize > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, sock.WriteBufferSize); err != nil {
			return fmt.Errorf("SO_SNDBUF: %w", err)
		}
	}
	if sock.ReadBufferSize > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, sock.ReadBufferSize); err != nil {
			return fmt.Errorf("SO_RCVBUF: %w", err)
		}
	}

	if tcpConf.TCPKeepAliveSec > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); err != nil {
			return fmt.Errorf("SO_KEEPALIVE: %w", err)
		}
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, tcpConf.TCPKeepAliveSec); err != nil {
			return fmt.Errorf("TCP_KEEPIDLE: %w", err)
		}
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, tcpConf.TCPKeepAliveSec); err != nil {
			return fmt.Errorf("TCP_KEEPINTVL: %w", err)
		}
	}

	// a zero linger would turn every close into a reset, so only positive values are applied
	if tcpConf.TCPLingerSec > 0 {
		l := &unix.Linger{Onoff: 1, Linger: int32(tcpConf.TCPLingerSec)}
		if err := unix.SetsockoptLinger(fd, unix.SOL_SOCKET, unix.SO_LINGER, l); err != nil {
			return fmt.Errorf("SO_LINGER: %w", err)
		}
	}
	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func sockaddr(ip net.IP, port int) (unix.Sockaddr, int) {
	if ip4 := ip.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: port}
		copy(sa.Addr[:], ip4)
		return sa, unix.AF_INET
	}
	sa := &unix.SockaddrInet6{Port: port}
	copy(sa.Addr[:], ip.To16())
	return sa, unix.AF_INET6
}

func peerString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	case *unix.SockaddrUnix:
		return a.Name
	default:
		return "unknown"
	}
}
