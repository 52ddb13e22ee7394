// Package tcp provides the raw, non-blocking tcp socket operations used by the
// event loops: listening and accepting with accept4, connecting with a
// timeout, applying the socket options of the configuration and reading or
// writing with would-block classification.
//
// Descriptors are plain ints so that they can be registered with a netpoll
// Poller and handed between role goroutines through the command channel.
//
// Key Components:
//
//   - Listen / Accept: Listening socket and non-blocking accept.
//
//   - Connect: Non-blocking connect with a handshake timeout.
//
//   - UpgradeConnection: TCP_NODELAY, buffer sizes, keepalive and linger.
//
//   - Read / Write: EINTR retry, ErrAgain for would-block, ErrPeerClosed for
//     end of stream and MSG_NOSIGNAL writes.
package tcp
