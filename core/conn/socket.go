package conn

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// ListenBacklog is the accept queue length requested from the kernel.
const ListenBacklog = 1024

// Listen opens a non-blocking TCP listening socket with address and port
// reuse enabled, and returns it with the address actually bound.
func Listen(addr string) (int, *net.TCPAddr, error) {
	laddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return -1, nil, err
	}

	family := unix.AF_INET
	var sa unix.Sockaddr
	if ip4 := laddr.IP.To4(); ip4 != nil || laddr.IP == nil {
		sa4 := &unix.SockaddrInet4{Port: laddr.Port}
		if ip4 != nil {
			copy(sa4.Addr[:], ip4)
		}
		sa = sa4
	} else {
		family = unix.AF_INET6
		sa6 := &unix.SockaddrInet6{Port: laddr.Port}
		copy(sa6.Addr[:], laddr.IP.To16())
		sa = sa6
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, nil, fmt.Errorf("socket: %w", err)
	}
	unix.CloseOnExec(fd)

	fail := func(op string, err error) (int, *net.TCPAddr, error) {
		unix.Close(fd)
		return -1, nil, fmt.Errorf("%s %s: %w", op, addr, err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fail("SO_REUSEADDR", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		return fail("SO_REUSEPORT", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		return fail("bind", err)
	}
	if err := unix.Listen(fd, ListenBacklog); err != nil {
		return fail("listen", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		return fail("nonblock", err)
	}

	bound, err := unix.Getsockname(fd)
	if err != nil {
		return fail("getsockname", err)
	}
	tcp, _ := SockaddrToAddr(bound).(*net.TCPAddr)
	return fd, tcp, nil
}

// Accept takes one pending connection off lfd and prepares it for the
// reactor: non-blocking, close-on-exec, Nagle disabled. It returns
// ErrWouldBlock when the queue is empty.
func Accept(lfd int) (int, net.Addr, error) {
	for {
		nfd, sa, err := unix.Accept(lfd)
		if err == unix.EINTR || err == unix.ECONNABORTED {
			continue
		}
		if err != nil {
			return -1, nil, classify(err)
		}
		unix.CloseOnExec(nfd)
		if err := unix.SetNonblock(nfd, true); err != nil {
			unix.Close(nfd)
			return -1, nil, err
		}
		// TCP_NODELAY: Disable Nagle's algorithm
		unix.SetsockoptInt(nfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
		return nfd, SockaddrToAddr(sa), nil
	}
}

// SockaddrToAddr converts a socket address to a net.Addr.
func SockaddrToAddr(sa unix.Sockaddr) net.Addr {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(append([]byte(nil), a.Addr[:]...)), Port: a.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(append([]byte(nil), a.Addr[:]...)), Port: a.Port}
	case *unix.SockaddrUnix:
		return &net.UnixAddr{Name: a.Name, Net: "unix"}
	}
	return nil
}
