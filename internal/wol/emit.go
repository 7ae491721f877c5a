package wol

import "fmt"

// WolPort is the standard Wake-on-LAN UDP port.
const WolPort = 9

// LimitedBroadcast is the limited-broadcast address magic packets are
// sent to. Subnet-directed broadcast is not implemented; container or
// VM network isolation can silently swallow packets sent here.
const LimitedBroadcast = "255.255.255.255"

// Emitter sends Wake-on-LAN magic packets. The zero value is ready to
// use.
type Emitter struct {
	// Broadcast overrides the destination broadcast address, for
	// tests. Defaults to LimitedBroadcast.
	Broadcast string
	// Port overrides the destination UDP port, for tests. Defaults to
	// WolPort.
	Port int

	// send transmits the raw packet to addr ("host:port"). Defaults to
	// sendBroadcast (a real SO_BROADCAST UDP socket); tests substitute
	// a fake to exercise Emit without opening one.
	send func(addr string, payload []byte) error
}

// Emit builds a magic packet for mac and broadcasts it once via UDP.
// The coordinator (internal/wake) owns retry policy; Emit never
// retries internally.
func (e *Emitter) Emit(mac string) error {
	packet, err := New(mac)
	if err != nil {
		return err
	}

	broadcast := e.Broadcast
	if broadcast == "" {
		broadcast = LimitedBroadcast
	}
	port := e.Port
	if port == 0 {
		port = WolPort
	}

	send := e.send
	if send == nil {
		send = sendBroadcast
	}
	return send(fmt.Sprintf("%s:%d", broadcast, port), packet.Bytes())
}
