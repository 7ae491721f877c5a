// Package wake implements the wake-and-wait state machine that
// coalesces concurrent connection attempts against one sleeping
// machine onto a single Wake-on-LAN sequence (spec component 4.C).
// Grounded on the teacher's internal/wakewait package — the
// ticker-driven retry loop and OnEvent-style callback carry over —
// generalized here into a keyed state machine with FIFO waiter
// delivery instead of one-shot per-call waiting.
package wake

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/oplik0/wakezilla/internal/metrics"
	"github.com/oplik0/wakezilla/internal/prober"
	"github.com/oplik0/wakezilla/internal/werrors"
	"github.com/oplik0/wakezilla/internal/wol"
)

// Default tunables from spec §4.C.
const (
	DefaultAwakeTTL    = 10 * time.Second
	DefaultWakeBudget  = 60 * time.Second
	DefaultProbeTimeout = 2 * time.Second
	probeInterval       = 2 * time.Second
	maxWolPackets       = 2
)

// Target describes what the coordinator needs to know about a
// machine to wake it, decoupled from the registry package to avoid an
// import cycle (the forwarder holds both).
type Target struct {
	MachineID string
	MAC       string
	IP        string
	// ProbePort is consulted first if set; otherwise FallbackPorts[0]
	// is used, per spec §4.C step 1 ("a configured probe port; falls
	// back to any one of the machine's target ports").
	ProbePort     *uint16
	FallbackPorts []uint16
}

func (t Target) probePort() (uint16, bool) {
	if t.ProbePort != nil {
		return *t.ProbePort, true
	}
	if len(t.FallbackPorts) > 0 {
		return t.FallbackPorts[0], true
	}
	return 0, false
}

// Event describes a wake state transition, delivered to OnTransition
// subscribers (supplemented feature, SPEC_FULL §12 — useful for the
// management surface's live status view, out of scope for the core
// but cheap to expose as a hook).
type Event struct {
	MachineID string
	From      state
	To        state
	At        time.Time
}

type state int

const (
	stateIdle state = iota
	stateWaking
	stateAwake
)

func (s state) String() string {
	switch s {
	case stateWaking:
		return "waking"
	case stateAwake:
		return "awake"
	default:
		return "idle"
	}
}

type waiter chan error

type entry struct {
	mu         sync.Mutex
	state      state
	verifiedAt time.Time
	waiters    []waiter
}

// Coordinator serializes wake attempts per machine and caches recent
// success for AwakeTTL. The zero value is not usable; construct with
// New.
type Coordinator struct {
	prober  prober.Prober
	emitter *wol.Emitter
	log     *zap.Logger

	awakeTTL     time.Duration
	wakeBudget   time.Duration
	probeTimeout time.Duration

	mu      sync.Mutex
	entries map[string]*entry

	onTransition func(Event)
}

// Option configures a Coordinator at construction.
type Option func(*Coordinator)

// WithAwakeTTL overrides DefaultAwakeTTL.
func WithAwakeTTL(d time.Duration) Option { return func(c *Coordinator) { c.awakeTTL = d } }

// WithWakeBudget overrides DefaultWakeBudget.
func WithWakeBudget(d time.Duration) Option { return func(c *Coordinator) { c.wakeBudget = d } }

// WithProbeTimeout overrides DefaultProbeTimeout. The same duration is
// the interval between re-probes during a wake sequence.
func WithProbeTimeout(d time.Duration) Option { return func(c *Coordinator) { c.probeTimeout = d } }

// WithOnTransition registers a callback invoked on every state
// transition. Called synchronously from whichever goroutine triggers
// the transition; must not block.
func WithOnTransition(fn func(Event)) Option { return func(c *Coordinator) { c.onTransition = fn } }

// New builds a Coordinator. p performs reachability checks, e emits
// WOL packets, log receives structured diagnostics.
func New(p prober.Prober, e *wol.Emitter, log *zap.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		prober:       p,
		emitter:      e,
		log:          log,
		awakeTTL:     DefaultAwakeTTL,
		wakeBudget:   DefaultWakeBudget,
		probeTimeout: DefaultProbeTimeout,
		entries:      make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) entryFor(machineID string) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[machineID]
	if !ok {
		e = &entry{state: stateIdle}
		c.entries[machineID] = e
	}
	return e
}

// EnsureAwake blocks until target is verified reachable or the wake
// sequence gives up. Multiple concurrent callers for the same
// MachineID coalesce onto one wake sequence; the caller that finds
// Idle becomes the owner and runs it, everyone else queues.
//
// ctx only governs this call's wait, not the wake sequence itself —
// one caller cancelling must never abort a wake other waiters still
// depend on (spec §4.C tie-break rule).
func (c *Coordinator) EnsureAwake(ctx context.Context, target Target) error {
	if target.MachineID == "" {
		return werrors.ErrMachineUnknown
	}

	e := c.entryFor(target.MachineID)

	e.mu.Lock()
	switch e.state {
	case stateAwake:
		if time.Since(e.verifiedAt) < c.awakeTTL {
			e.mu.Unlock()
			return nil
		}
		c.transition(target.MachineID, e, stateAwake, stateIdle)
		fallthrough
	case stateIdle:
		c.transition(target.MachineID, e, e.state, stateWaking)
		w := make(waiter, 1)
		e.waiters = append(e.waiters, w)
		e.mu.Unlock()
		go c.runWakeSequence(target, e)
		return c.awaitOne(ctx, w, e)
	default: // stateWaking
		w := make(waiter, 1)
		e.waiters = append(e.waiters, w)
		e.mu.Unlock()
		return c.awaitOne(ctx, w, e)
	}
}

// awaitOne waits for a single waiter's outcome. If ctx is cancelled
// first, the waiter removes itself from the queue without affecting
// the in-flight wake sequence or other waiters.
func (c *Coordinator) awaitOne(ctx context.Context, w waiter, e *entry) error {
	select {
	case err := <-w:
		return err
	case <-ctx.Done():
		e.mu.Lock()
		for i, other := range e.waiters {
			if other == w {
				e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
				break
			}
		}
		e.mu.Unlock()
		return ctx.Err()
	}
}

// runWakeSequence executes spec §4.C's wake sequence. Called exactly
// once per Idle->Waking transition, by the caller that owns it.
func (c *Coordinator) runWakeSequence(target Target, e *entry) {
	ctx := context.Background()
	outcome := c.wakeSequence(ctx, target)

	e.mu.Lock()
	waiters := e.waiters
	e.waiters = nil
	if outcome == nil {
		c.transition(target.MachineID, e, e.state, stateAwake)
		e.verifiedAt = time.Now()
		metrics.WakesTotal.WithLabelValues("awake").Inc()
	} else {
		c.transition(target.MachineID, e, e.state, stateIdle)
		metrics.WakesTotal.WithLabelValues("timeout").Inc()
	}
	e.mu.Unlock()

	for _, w := range waiters {
		w <- outcome
	}
}

func (c *Coordinator) wakeSequence(ctx context.Context, target Target) error {
	port, ok := target.probePort()
	if !ok {
		return werrors.ErrMachineUnknown
	}

	if c.prober.IsReachable(ctx, target.IP, port, c.probeTimeout) {
		return nil
	}

	if err := c.emitWol(target); err != nil {
		c.log.Warn("wol send failed, continuing to probe",
			zap.String("machine_id", target.MachineID), zap.Error(err))
	}

	deadline := time.Now().Add(c.wakeBudget)
	wolsSent := 1
	ticker := time.NewTicker(c.probeTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if c.prober.IsReachable(ctx, target.IP, port, c.probeTimeout) {
				return nil
			}
			if time.Now().After(deadline) {
				if wolsSent < maxWolPackets {
					wolsSent++
					if err := c.emitWol(target); err != nil {
						c.log.Warn("wol retry send failed",
							zap.String("machine_id", target.MachineID), zap.Error(err))
					}
					deadline = time.Now().Add(c.probeTimeout)
					continue
				}
				return werrors.ErrWakeTimeout
			}
		}
	}
}

func (c *Coordinator) emitWol(target Target) error {
	if err := c.emitter.Emit(target.MAC); err != nil {
		return werrors.ErrWolSendFailed
	}
	metrics.WolPacketsSentTotal.Inc()
	return nil
}

func (c *Coordinator) transition(machineID string, e *entry, from, to state) {
	e.state = to
	if c.onTransition != nil {
		c.onTransition(Event{MachineID: machineID, From: from, To: to, At: time.Now()})
	}
}
