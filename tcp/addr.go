package tcp

import (
	"net"

	"golang.org/x/sys/unix"
)

// resolveTCPAddr performs (blocking) DNS resolution for address, the one
// place this package accepts a blocking syscall, since there is no
// portable non-blocking getaddrinfo and production HTTP clients
// typically resolve synchronously before entering their non-blocking
// transport.
func resolveTCPAddr(address string) (*net.TCPAddr, error) {
	return net.ResolveTCPAddr("tcp", address)
}

func toSockaddr(addr *net.TCPAddr) unix.Sockaddr {
	if ip4 := addr.IP.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		copy(sa.Addr[:], ip4)
		return sa
	}
	sa := &unix.SockaddrInet6{Port: addr.Port}
	copy(sa.Addr[:], addr.IP.To16())
	return sa
}

func fromSockaddr(sa unix.Sockaddr) net.Addr {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(sa.Addr[:]), Port: sa.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(sa.Addr[:]), Port: sa.Port}
	default:
		return nil
	}
}

func isIPv6(addr *net.TCPAddr) bool {
	return addr.IP.To4() == nil
}
