//go:build !windows

package wol

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// sendBroadcast opens a UDP socket bound to 0.0.0.0:0, sets
// SO_BROADCAST (required on Linux/BSD to sendto a broadcast address on
// a socket that wasn't explicitly created for it), and writes the
// magic packet once. Grounded on gpillon-kubevirt-wol's raw-socket
// option pattern (internal/wol/raw_listener.go), adapted from
// AF_PACKET/SOCK_RAW there to a plain UDP datagram socket here.
func sendBroadcast(addr string, payload []byte) error {
	dst, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return fmt.Errorf("resolve broadcast address %s: %w", addr, err)
	}

	c, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return fmt.Errorf("bind wol socket: %w", err)
	}
	defer c.Close()

	raw, err := c.SyscallConn()
	if err != nil {
		return fmt.Errorf("access wol socket: %w", err)
	}

	var sockErr error
	if err := raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
	}); err != nil {
		return fmt.Errorf("control wol socket: %w", err)
	}
	if sockErr != nil {
		return fmt.Errorf("set SO_BROADCAST: %w", sockErr)
	}

	if _, err := c.WriteToUDP(payload, dst); err != nil {
		return fmt.Errorf("send magic packet to %s: %w", addr, err)
	}
	return nil
}
