// Package tcp implements non-blocking TCP transport on top of package
// loop: a client connector, a listening server, and a Conn abstraction
// with explicit read-pause/resume and write-backpressure signaling.
//
// Every socket syscall goes through golang.org/x/sys/unix directly
// rather than net.Conn, since net.Conn's blocking read/write model has
// no way to integrate with loop's single readiness backend. All sockets
// are created SOCK_NONBLOCK and driven exclusively from loop callbacks;
// there is no independent per-connection goroutine.
package tcp
