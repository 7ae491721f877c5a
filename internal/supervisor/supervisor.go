// Package supervisor orchestrates listener and monitor lifecycle in
// response to registry mutations (spec component 4.H). Grounded on
// the teacher's lifecycle pattern in internal/portforward.Forwarder
// (Start/Stop with a done channel and WaitGroup), generalized here
// into a diff-driven reconciler; golang.org/x/sync/errgroup replaces
// the teacher's manual WaitGroup for the concurrent-stop fan-in,
// following the same library's use elsewhere in the retrieval corpus
// for concurrent subordinate-task teardown.
package supervisor

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/oplik0/wakezilla/internal/forwarder"
	"github.com/oplik0/wakezilla/internal/metrics"
	"github.com/oplik0/wakezilla/internal/monitor"
	"github.com/oplik0/wakezilla/internal/registry"
	"github.com/oplik0/wakezilla/internal/wake"
)

// mapping is the desired (machine_id, target_port) behind a local_port.
type mapping struct {
	machineID  string
	targetPort uint16
}

func mappingsOf(snap registry.Snapshot) map[uint16]mapping {
	out := make(map[uint16]mapping)
	for _, m := range snap.Machines {
		for _, pf := range m.PortForwards {
			out[pf.LocalPort] = mapping{machineID: m.ID, targetPort: pf.TargetPort}
		}
	}
	return out
}

type activeListener struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Supervisor subscribes to a Registry's change events and keeps the
// set of running forwarders and the single inactivity monitor in
// sync with it.
type Supervisor struct {
	reg      *registry.Registry
	wake     *wake.Coordinator
	shutdown monitor.ShutdownCaller
	log      *zap.Logger

	mu        sync.Mutex
	listeners map[uint16]*activeListener

	monitorCancel context.CancelFunc
	monitorDone   chan struct{}
}

// New builds a Supervisor. Call Start to perform the initial
// reconciliation and subscribe to future changes.
func New(reg *registry.Registry, wake *wake.Coordinator, shutdown monitor.ShutdownCaller, log *zap.Logger) *Supervisor {
	return &Supervisor{
		reg:       reg,
		wake:      wake,
		shutdown:  shutdown,
		log:       log,
		listeners: make(map[uint16]*activeListener),
	}
}

// Start performs the initial reconciliation against whatever the
// registry already holds (e.g. loaded from disk), starts the
// monitor, and subscribes to future mutations.
func (s *Supervisor) Start() error {
	empty := registry.Snapshot{}
	current := s.reg.Snapshot()
	if err := s.reconcile(registry.ChangeEvent{Previous: empty, Current: current}); err != nil {
		return err
	}
	s.reg.OnChange(s.reconcile)
	return nil
}

// Stop cancels every listener and the monitor, and waits for them to
// exit. In-flight spliced connections are not aborted; only the
// accept loops stop.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	listeners := make([]*activeListener, 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.listeners = make(map[uint16]*activeListener)
	monitorCancel := s.monitorCancel
	monitorDone := s.monitorDone
	s.monitorCancel = nil
	s.monitorDone = nil
	s.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for _, l := range listeners {
		l := l
		g.Go(func() error {
			l.cancel()
			<-l.done
			return nil
		})
	}
	if monitorCancel != nil {
		g.Go(func() error {
			monitorCancel()
			<-monitorDone
			return nil
		})
	}
	return g.Wait()
}

// reconcile is invoked synchronously by the registry on every
// mutation. A non-nil return causes the registry to roll the mutation
// back before returning the error to its caller.
func (s *Supervisor) reconcile(event registry.ChangeEvent) error {
	prev := mappingsOf(event.Previous)
	next := mappingsOf(event.Current)

	var toStop []uint16
	for port, old := range prev {
		if newMapping, ok := next[port]; !ok || newMapping != old {
			toStop = append(toStop, port)
		}
	}
	var toStart []uint16
	for port, m := range next {
		if oldMapping, ok := prev[port]; !ok || oldMapping != m {
			toStart = append(toStart, port)
		}
	}

	s.stopListeners(toStop)

	started, err := s.startListeners(toStart, next)
	if err != nil {
		// Roll back anything we just started in this same reconcile,
		// so a partial multi-port mutation doesn't leave orphan
		// listeners behind when the registry reverts.
		s.stopListeners(started)
		s.reportActiveListeners()
		return err
	}

	s.restartMonitor()
	s.reportActiveListeners()
	return nil
}

func (s *Supervisor) reportActiveListeners() {
	s.mu.Lock()
	n := len(s.listeners)
	s.mu.Unlock()
	metrics.ActiveListeners.Set(float64(n))
}

func (s *Supervisor) stopListeners(ports []uint16) {
	s.mu.Lock()
	var toCancel []*activeListener
	for _, port := range ports {
		if l, ok := s.listeners[port]; ok {
			toCancel = append(toCancel, l)
			delete(s.listeners, port)
		}
	}
	s.mu.Unlock()

	var g errgroup.Group
	for _, l := range toCancel {
		l := l
		g.Go(func() error {
			l.cancel()
			<-l.done
			return nil
		})
	}
	g.Wait()
}

// startListeners binds a listener for each port in order, returning
// the subset successfully started so the caller can roll back on a
// mid-sequence failure.
func (s *Supervisor) startListeners(ports []uint16, next map[uint16]mapping) ([]uint16, error) {
	var started []uint16
	for _, port := range ports {
		m := next[port]
		fw := forwarder.New(port, m.machineID, m.targetPort, s.reg, s.wake, s.log)

		ln, err := fw.Listen()
		if err != nil {
			return started, err
		}

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			fw.Serve(ctx, ln)
		}()

		s.mu.Lock()
		s.listeners[port] = &activeListener{cancel: cancel, done: done}
		s.mu.Unlock()
		started = append(started, port)
	}
	return started, nil
}

func (s *Supervisor) restartMonitor() {
	s.mu.Lock()
	oldCancel := s.monitorCancel
	oldDone := s.monitorDone
	s.mu.Unlock()

	if oldCancel != nil {
		oldCancel()
		<-oldDone
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m := monitor.New(s.reg, s.shutdown, s.log)
	go func() {
		defer close(done)
		m.Run(ctx)
	}()

	s.mu.Lock()
	s.monitorCancel = cancel
	s.monitorDone = done
	s.mu.Unlock()
}
