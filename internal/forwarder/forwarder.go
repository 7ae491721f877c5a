// Package forwarder implements one TCP listener per (local_port,
// machine_id, target_port) mapping (spec component 4.E): accept,
// touch the machine's last_request, ensure the target is awake, dial,
// splice. Grounded on the teacher's internal/portforward.Forwarder
// accept loop, split here into Listen/Serve so the reconfiguration
// supervisor can detect a bind failure before committing a registry
// mutation (spec §4.H).
package forwarder

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/oplik0/wakezilla/internal/metrics"
	"github.com/oplik0/wakezilla/internal/registry"
	"github.com/oplik0/wakezilla/internal/splice"
	"github.com/oplik0/wakezilla/internal/wake"
	"github.com/oplik0/wakezilla/internal/werrors"
)

// DialTimeout bounds connecting to the woken target, per spec §5.
const DialTimeout = 5 * time.Second

// wakeWaitBound is this forwarder's own patience for ensure_awake,
// generous enough that the coordinator's WAKE_BUDGET (default 60s)
// plus its bounded extension always completes first.
const wakeWaitBound = 90 * time.Second

// Registry is the subset of *registry.Registry the forwarder needs,
// so tests can substitute a fake.
type Registry interface {
	Touch(id string) error
	Get(id string) (registry.Machine, bool)
}

// Coordinator is the subset of *wake.Coordinator the forwarder needs.
type Coordinator interface {
	EnsureAwake(ctx context.Context, target wake.Target) error
}

// Forwarder owns one listener for one (local_port, machine_id,
// target_port) mapping.
type Forwarder struct {
	LocalPort  uint16
	MachineID  string
	TargetPort uint16

	reg   Registry
	wake  Coordinator
	log   *zap.Logger
}

// New builds a Forwarder for the given mapping.
func New(localPort uint16, machineID string, targetPort uint16, reg Registry, wake Coordinator, log *zap.Logger) *Forwarder {
	return &Forwarder{
		LocalPort:  localPort,
		MachineID:  machineID,
		TargetPort: targetPort,
		reg:        reg,
		wake:       wake,
		log:        log,
	}
}

// Listen binds the local port. Split from Serve so the caller learns
// about a bind failure (port in use) synchronously, before the
// registry mutation that created this mapping is committed.
func (f *Forwarder) Listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", f.LocalPort))
	if err != nil {
		return nil, &werrors.ListenerBindFailed{Port: int(f.LocalPort), Err: err}
	}
	return ln, nil
}

// Serve runs the accept loop until ctx is cancelled. Spawned
// per-connection goroutines are not tracked here and are not waited
// on: in-flight spliced connections survive reconfiguration and
// terminate only by peer close (spec §5 ordering guarantees).
func (f *Forwarder) Serve(ctx context.Context, ln net.Listener) {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var retryDelay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if retryDelay == 0 {
				retryDelay = 5 * time.Millisecond
			} else {
				retryDelay *= 2
			}
			if retryDelay > time.Second {
				retryDelay = time.Second
			}
			f.log.Warn("accept error, retrying", zap.Uint16("local_port", f.LocalPort),
				zap.Duration("retry_in", retryDelay), zap.Error(err))
			time.Sleep(retryDelay)
			continue
		}
		retryDelay = 0
		go f.handle(conn)
	}
}

func (f *Forwarder) handle(clientConn net.Conn) {
	defer clientConn.Close()
	metrics.ForwardedConnectionsTotal.WithLabelValues(portString(f.LocalPort)).Inc()

	// Step 1: record activity before any wake attempt, so it counts
	// even if the wake fails (spec §4.E step 1).
	if err := f.reg.Touch(f.MachineID); err != nil {
		f.log.Warn("touch failed, machine no longer registered",
			zap.String("machine_id", f.MachineID), zap.Error(err))
		return
	}

	machine, ok := f.reg.Get(f.MachineID)
	if !ok {
		f.log.Warn("machine vanished between touch and lookup", zap.String("machine_id", f.MachineID))
		return
	}

	target := wake.Target{
		MachineID:     machine.ID,
		MAC:           machine.MAC,
		IP:            machine.IP,
		ProbePort:     machine.ProbePort,
		FallbackPorts: []uint16{f.TargetPort},
	}

	ctx, cancel := context.WithTimeout(context.Background(), wakeWaitBound)
	defer cancel()
	if err := f.wake.EnsureAwake(ctx, target); err != nil {
		f.log.Info("wake failed, closing client connection",
			zap.String("machine_id", f.MachineID), zap.Error(err))
		return
	}

	targetAddr := net.JoinHostPort(machine.IP, portString(f.TargetPort))
	dialer := net.Dialer{Timeout: DialTimeout}
	targetConn, err := dialer.Dial("tcp", targetAddr)
	if err != nil {
		f.log.Info("dial failed, closing client connection",
			zap.String("addr", targetAddr), zap.Error(&werrors.DialFailed{Addr: targetAddr, Err: err}))
		return
	}
	defer targetConn.Close()

	splice.Copy(clientConn, targetConn)
}

func portString(p uint16) string {
	return fmt.Sprintf("%d", p)
}
