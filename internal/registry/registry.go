// Package registry is the in-memory authoritative table of machines,
// their port forwards, and inactivity settings (spec component 4.F).
// Grounded on the teacher's internal/portforward.Forwarder for the
// callback/Stats bookkeeping shape and on internal/macutil for MAC
// validation; the persistence and change-notification design is new
// since nothing in the teacher's stack models a registry.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/oplik0/wakezilla/internal/macutil"
	"github.com/oplik0/wakezilla/internal/metrics"
	"github.com/oplik0/wakezilla/internal/werrors"
)

// PortForward is a local-port-to-target-port mapping on a Machine.
type PortForward struct {
	LocalPort  uint16 `json:"local_port"`
	TargetPort uint16 `json:"target_port"`
}

// Machine is the authoritative record for one LAN host.
type Machine struct {
	ID                      string        `json:"id"`
	MAC                     string        `json:"mac"`
	IP                      string        `json:"ip"`
	Name                    string        `json:"name"`
	Description             string        `json:"description"`
	CanTurnOff              bool          `json:"can_turn_off"`
	TurnOffPort             uint16        `json:"turn_off_port"`
	InactivityPeriodMinutes int           `json:"inactivity_period_minutes"`
	// LastRequest is never persisted (spec §6): it resets to load time
	// on every process restart.
	LastRequest  time.Time     `json:"-"`
	PortForwards []PortForward `json:"port_forwards"`
	// ProbePort is a supplemented field (SPEC_FULL §12): when set, the
	// wake coordinator probes this port instead of falling back to the
	// target port of the forward that received the connection.
	ProbePort *uint16 `json:"probe_port,omitempty"`
}

func (m Machine) clone() Machine {
	out := m
	out.PortForwards = append([]PortForward(nil), m.PortForwards...)
	if m.ProbePort != nil {
		p := *m.ProbePort
		out.ProbePort = &p
	}
	return out
}

// Snapshot is a point-in-time, read-only copy of the registry's
// machines, safe to range over or persist without holding any lock.
type Snapshot struct {
	Machines []Machine
}

// ChangeEvent describes a committed registry mutation, delivered to
// the one subscriber (the reconfiguration supervisor, component H).
type ChangeEvent struct {
	Previous Snapshot
	Current  Snapshot
}

// ChangeFunc is invoked synchronously after a mutation commits. A
// non-nil error (expected to be werrors.ListenerBindFailed) causes
// the mutation to be rolled back and returned to the caller.
type ChangeFunc func(ChangeEvent) error

// Registry holds the authoritative machine table.
type Registry struct {
	mu         sync.RWMutex
	machines   map[string]Machine
	localPorts map[uint16]string // local_port -> machine id, for uniqueness

	path string
	log  *zap.Logger

	onChange        ChangeFunc
	persistFailures int
}

// Option configures a Registry at construction.
type Option func(*Registry)

// WithLogger overrides the default no-op logger.
func WithLogger(log *zap.Logger) Option { return func(r *Registry) { r.log = log } }

// New creates an empty registry persisting to path.
func New(path string, opts ...Option) *Registry {
	r := &Registry{
		machines:   make(map[string]Machine),
		localPorts: make(map[uint16]string),
		path:       path,
		log:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Load populates the registry from the JSON file at its configured
// path, if present. Malformed entries are dropped with a warning;
// a missing file is not an error (fresh install).
func (r *Registry) Load() error {
	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", r.path, err)
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse %s: %w", r.path, err)
	}

	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, item := range raw {
		var m Machine
		if err := json.Unmarshal(item, &m); err != nil {
			r.log.Warn("dropping malformed machine entry on load", zap.Error(err))
			continue
		}
		m.MAC = macutil.Normalize(m.MAC)
		if err := r.validateLocked(m, ""); err != nil {
			r.log.Warn("dropping malformed machine entry on load",
				zap.String("machine_id", m.ID), zap.Error(err))
			continue
		}
		m.LastRequest = now
		r.machines[m.ID] = m
		for _, pf := range m.PortForwards {
			r.localPorts[pf.LocalPort] = m.ID
		}
	}
	return nil
}

// OnChange registers the single subscriber notified after each
// mutation commits. Not safe to call concurrently with mutations.
func (r *Registry) OnChange(fn ChangeFunc) { r.onChange = fn }

// List returns a snapshot of all machines.
func (r *Registry) List() []Machine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Machine, 0, len(r.machines))
	for _, m := range r.machines {
		out = append(out, m.clone())
	}
	return out
}

// Get returns the machine with the given id.
func (r *Registry) Get(id string) (Machine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.machines[id]
	if !ok {
		return Machine{}, false
	}
	return m.clone(), true
}

// Snapshot returns a consistent copy of the whole registry for
// persistence or the inactivity monitor's tick.
func (r *Registry) Snapshot() Snapshot {
	return Snapshot{Machines: r.List()}
}

// Insert adds a new machine, assigning a UUID if ID is empty.
// Rejected with ValidationError on invariant violation; rolled back
// with the subscriber's error (typically ListenerBindFailed) if the
// reconfiguration fails.
func (r *Registry) Insert(m Machine) (Machine, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.LastRequest.IsZero() {
		m.LastRequest = time.Now()
	}
	m.MAC = macutil.Normalize(m.MAC)
	return r.mutate(m.ID, func() (Machine, error) {
		if err := r.validateLocked(m, ""); err != nil {
			return Machine{}, err
		}
		r.machines[m.ID] = m
		for _, pf := range m.PortForwards {
			r.localPorts[pf.LocalPort] = m.ID
		}
		return m, nil
	})
}

// Update replaces the machine at id, preserving last_request (only
// the port forwarder writes that field, via Touch).
func (r *Registry) Update(id string, m Machine) (Machine, error) {
	m.ID = id
	m.MAC = macutil.Normalize(m.MAC)
	return r.mutate(id, func() (Machine, error) {
		existing, ok := r.machines[id]
		if !ok {
			return Machine{}, &werrors.ValidationError{Field: "id", Message: "unknown machine"}
		}
		m.LastRequest = existing.LastRequest
		if err := r.validateLocked(m, id); err != nil {
			return Machine{}, err
		}
		for _, pf := range existing.PortForwards {
			delete(r.localPorts, pf.LocalPort)
		}
		r.machines[id] = m
		for _, pf := range m.PortForwards {
			r.localPorts[pf.LocalPort] = id
		}
		return m, nil
	})
}

// Remove deletes the machine at id.
func (r *Registry) Remove(id string) error {
	_, err := r.mutate(id, func() (Machine, error) {
		existing, ok := r.machines[id]
		if !ok {
			return Machine{}, &werrors.ValidationError{Field: "id", Message: "unknown machine"}
		}
		for _, pf := range existing.PortForwards {
			delete(r.localPorts, pf.LocalPort)
		}
		delete(r.machines, id)
		return Machine{}, nil
	})
	return err
}

// mutate runs fn under the write lock, computing the new state,
// notifies the subscriber outside the lock, and rolls back on
// subscriber error. On success the registry is persisted to disk.
func (r *Registry) mutate(id string, fn func() (Machine, error)) (Machine, error) {
	r.mu.Lock()
	before := r.snapshotLocked()
	result, err := fn()
	if err != nil {
		r.mu.Unlock()
		return Machine{}, err
	}
	after := r.snapshotLocked()
	r.mu.Unlock()

	if r.onChange != nil {
		if err := r.onChange(ChangeEvent{Previous: before, Current: after}); err != nil {
			r.rollback(before)
			return Machine{}, err
		}
	}

	if err := r.persist(); err != nil {
		r.log.Warn("persistence failed, in-memory state kept", zap.Error(err))
		r.persistFailures++
		if r.persistFailures >= 2 {
			r.log.Error("health-degraded: repeated persistence failures", zap.Int("consecutive_failures", r.persistFailures))
		}
	} else {
		r.persistFailures = 0
	}
	metrics.PersistenceConsecutiveFailures.Set(float64(r.persistFailures))

	return result, nil
}

func (r *Registry) rollback(to Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.machines = make(map[string]Machine, len(to.Machines))
	r.localPorts = make(map[uint16]string)
	for _, m := range to.Machines {
		r.machines[m.ID] = m
		for _, pf := range m.PortForwards {
			r.localPorts[pf.LocalPort] = m.ID
		}
	}
}

func (r *Registry) snapshotLocked() Snapshot {
	out := make([]Machine, 0, len(r.machines))
	for _, m := range r.machines {
		out = append(out, m.clone())
	}
	return Snapshot{Machines: out}
}

// Touch sets last_request to now for the given machine, enforcing
// invariant 4 (never moves backward). Takes the registry's write lock
// for the O(1) update only; no persistence or notification happens
// here — last_request is a hot-path field, not a structural mutation.
func (r *Registry) Touch(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.machines[id]
	if !ok {
		return werrors.ErrMachineUnknown
	}
	now := time.Now()
	if now.After(m.LastRequest) {
		m.LastRequest = now
		r.machines[id] = m
	}
	return nil
}

func (r *Registry) validateLocked(m Machine, ignoreID string) error {
	if !macutil.IsValid(m.MAC) || macutil.IsZero(m.MAC) {
		return &werrors.ValidationError{Field: "mac", Message: fmt.Sprintf("invalid MAC address %q", m.MAC)}
	}
	if m.IP == "" {
		return &werrors.ValidationError{Field: "ip", Message: "ip is required"}
	}
	if m.InactivityPeriodMinutes < 0 {
		return &werrors.ValidationError{Field: "inactivity_period_minutes", Message: "must be >= 0"}
	}
	if m.CanTurnOff && (m.TurnOffPort == 0) {
		return &werrors.ValidationError{Field: "turn_off_port", Message: "required when can_turn_off is true"}
	}
	if m.ProbePort != nil && *m.ProbePort == 0 {
		return &werrors.ValidationError{Field: "probe_port", Message: "must be in [1, 65535]"}
	}
	seen := make(map[uint16]struct{}, len(m.PortForwards))
	for _, pf := range m.PortForwards {
		if pf.LocalPort == 0 {
			return &werrors.ValidationError{Field: "local_port", Message: "must be in [1, 65535]"}
		}
		if pf.TargetPort == 0 {
			return &werrors.ValidationError{Field: "target_port", Message: "must be in [1, 65535]"}
		}
		if _, dup := seen[pf.LocalPort]; dup {
			return &werrors.ValidationError{Field: "local_port", Message: fmt.Sprintf("duplicate local_port %d on machine", pf.LocalPort)}
		}
		seen[pf.LocalPort] = struct{}{}
		if owner, exists := r.localPorts[pf.LocalPort]; exists && owner != m.ID && owner != ignoreID {
			return &werrors.ValidationError{Field: "local_port", Message: fmt.Sprintf("local_port %d already in use", pf.LocalPort)}
		}
	}
	return nil
}

// persist writes the registry to disk atomically: write to a temp
// file, fsync, rename over the real path. Readers never observe a
// partial write (invariant 5).
func (r *Registry) persist() error {
	snap := r.Snapshot()
	data, err := json.MarshalIndent(snap.Machines, "", "  ")
	if err != nil {
		return &werrors.PersistenceFailed{Path: r.path, Err: err}
	}

	dir := filepath.Dir(r.path)
	tmp, err := os.CreateTemp(dir, ".machines-*.tmp")
	if err != nil {
		return &werrors.PersistenceFailed{Path: r.path, Err: err}
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return &werrors.PersistenceFailed{Path: r.path, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return &werrors.PersistenceFailed{Path: r.path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &werrors.PersistenceFailed{Path: r.path, Err: err}
	}
	if err := os.Rename(tmpPath, r.path); err != nil {
		return &werrors.PersistenceFailed{Path: r.path, Err: err}
	}
	return nil
}

// Close persists final state, used during graceful shutdown.
func (r *Registry) Close(ctx context.Context) error {
	return r.persist()
}
