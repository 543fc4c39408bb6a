//go:build linux || darwin || freebsd || netbsd || openbsd

package tlsecho

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// listenBacklog binds a TCP listener whose kernel
// accept queue holds at most backlog completed
// connections. net.Listen offers no such knob; it
// always passes the system maximum. A backlog of 0
// means that same system maximum.
func listenBacklog(addr string, backlog int) (net.Listener, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve '%v': %w", addr, err)
	}

	family := unix.AF_INET
	var sa unix.Sockaddr
	ip4 := tcpAddr.IP.To4()
	if len(tcpAddr.IP) == 0 || ip4 != nil {
		sa4 := &unix.SockaddrInet4{Port: tcpAddr.Port}
		if ip4 != nil {
			copy(sa4.Addr[:], ip4)
		}
		sa = sa4
	} else {
		family = unix.AF_INET6
		sa6 := &unix.SockaddrInet6{Port: tcpAddr.Port}
		copy(sa6.Addr[:], tcpAddr.IP.To16())
		if tcpAddr.Zone != "" {
			if ifi, err := net.InterfaceByName(tcpAddr.Zone); err == nil {
				sa6.ZoneId = uint32(ifi.Index)
			}
		}
		sa = sa6
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return nil, os.NewSyscallError("socket", err)
	}
	unix.CloseOnExec(fd)

	fail := func(call string, err error) (net.Listener, error) {
		unix.Close(fd)
		return nil, fmt.Errorf("listen on '%v': %w", addr, os.NewSyscallError(call, err))
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fail("setsockopt", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		return fail("bind", err)
	}
	if backlog <= 0 {
		backlog = unix.SOMAXCONN
	}
	if err := unix.Listen(fd, backlog); err != nil {
		return fail("listen", err)
	}

	// FileListener dups fd and registers the
	// copy with the runtime poller.
	f := os.NewFile(uintptr(fd), "tlsecho-listener")
	lsn, err := net.FileListener(f)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("listen on '%v': %w", addr, err)
	}
	return lsn, nil
}
