// Package netpoll wraps a level-triggered linux epoll instance for the single
// goroutine event loops of the transport roles.
//
// Every role registers its command socket and its connections with one Poller
// and calls Wait with its scan timeout, which makes the wait the only blocking
// point of an iteration. Write interest is toggled with Modify whenever a
// connection has, or no longer has, pending output.
package netpoll
