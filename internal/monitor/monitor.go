// Package monitor is the single global inactivity ticker that issues
// shutdown calls to idle machines (spec component 4.G). Grounded on
// the teacher's internal/wakewait ticker-driven loop pattern (separate
// "check" and "retry" tickers feeding a select), adapted here into one
// 1-second tick walking a registry snapshot.
package monitor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/oplik0/wakezilla/internal/metrics"
	"github.com/oplik0/wakezilla/internal/registry"
)

const tickInterval = 1 * time.Second

// ShutdownCaller is the subset of *shutdown.Client the monitor needs.
type ShutdownCaller interface {
	Call(ctx context.Context, machineID, ip string, port uint16) error
}

// Snapshotter is the subset of *registry.Registry the monitor needs.
type Snapshotter interface {
	Snapshot() registry.Snapshot
}

// Monitor walks a registry snapshot every second and calls Shutdown
// on any machine that has been idle past its inactivity threshold.
// Exactly one Monitor runs at a time, process-wide; the
// reconfiguration supervisor enforces that by always stopping the
// previous one before starting a new one (spec invariant 3).
type Monitor struct {
	reg      Snapshotter
	shutdown ShutdownCaller
	log      *zap.Logger

	mu      sync.Mutex
	pending map[string]time.Time // machine id -> instant the flag was set
}

// New builds a Monitor. It does not start ticking until Run is called.
func New(reg Snapshotter, shutdown ShutdownCaller, log *zap.Logger) *Monitor {
	return &Monitor{
		reg:      reg,
		shutdown: shutdown,
		log:      log,
		pending:  make(map[string]time.Time),
	}
}

// Run ticks once per second until ctx is cancelled. Intended to be
// run in its own goroutine by the supervisor.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Monitor) tick(ctx context.Context) {
	snap := m.reg.Snapshot()
	now := time.Now()

	for _, machine := range snap.Machines {
		if !machine.CanTurnOff || machine.InactivityPeriodMinutes <= 0 {
			continue
		}

		m.mu.Lock()
		flaggedAt, isPending := m.pending[machine.ID]
		m.mu.Unlock()

		if isPending {
			if machine.LastRequest.After(flaggedAt) {
				m.mu.Lock()
				delete(m.pending, machine.ID)
				m.mu.Unlock()
			} else {
				continue // shutdown already issued this idle window, no retry
			}
		}

		threshold := time.Duration(machine.InactivityPeriodMinutes) * time.Minute
		if now.Sub(machine.LastRequest) < threshold {
			continue
		}

		m.mu.Lock()
		m.pending[machine.ID] = now
		m.mu.Unlock()

		go func(mach registry.Machine) {
			if err := m.shutdown.Call(ctx, mach.ID, mach.IP, mach.TurnOffPort); err != nil {
				m.log.Warn("shutdown call failed, flag remains set",
					zap.String("machine_id", mach.ID), zap.Error(err))
				metrics.ShutdownCallsTotal.WithLabelValues("failure").Inc()
				return
			}
			metrics.ShutdownCallsTotal.WithLabelValues("success").Inc()
		}(machine)
	}
}
