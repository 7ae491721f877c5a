package registry

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oplik0/wakezilla/internal/werrors"
)

func testMachine(localPort uint16) Machine {
	return Machine{
		MAC:                     "de:ad:be:ef:00:01",
		IP:                      "192.168.1.50",
		Name:                    "workstation",
		CanTurnOff:              true,
		TurnOffPort:             3001,
		InactivityPeriodMinutes: 30,
		PortForwards:            []PortForward{{LocalPort: localPort, TargetPort: 22}},
	}
}

func TestInsertAssignsIDAndPersists(t *testing.T) {
	dir := t.TempDir()
	r := New(filepath.Join(dir, "machines.json"))

	m, err := r.Insert(testMachine(8022))
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if m.ID == "" {
		t.Error("expected generated ID")
	}

	loaded := New(filepath.Join(dir, "machines.json"))
	if err := loaded.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	got, ok := loaded.Get(m.ID)
	if !ok {
		t.Fatal("expected persisted machine to reload")
	}
	if got.IP != m.IP {
		t.Errorf("IP = %q, want %q", got.IP, m.IP)
	}
}

func TestLastRequestResetsOnReloadNotPersisted(t *testing.T) {
	dir := t.TempDir()
	r := New(filepath.Join(dir, "machines.json"))

	m, err := r.Insert(testMachine(8030))
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if err := r.Touch(m.ID); err != nil {
		t.Fatalf("Touch() error = %v", err)
	}
	touched, _ := r.Get(m.ID)

	data, err := os.ReadFile(filepath.Join(dir, "machines.json"))
	if err != nil {
		t.Fatalf("read persisted file: %v", err)
	}
	if strings.Contains(string(data), "last_request") {
		t.Error("expected last_request to be absent from persisted JSON")
	}

	loaded := New(filepath.Join(dir, "machines.json"))
	before := time.Now()
	if err := loaded.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	after := time.Now()

	reloaded, ok := loaded.Get(m.ID)
	if !ok {
		t.Fatal("expected machine to reload")
	}
	if reloaded.LastRequest.Equal(touched.LastRequest) {
		t.Error("expected last_request to reset on reload, not carry over")
	}
	if reloaded.LastRequest.Before(before) || reloaded.LastRequest.After(after) {
		t.Errorf("last_request = %v, want within load window [%v, %v]", reloaded.LastRequest, before, after)
	}
}

func TestInsertCanonicalizesMAC(t *testing.T) {
	dir := t.TempDir()
	r := New(filepath.Join(dir, "machines.json"))
	m := testMachine(8031)
	m.MAC = "DE-AD-BE-EF-00-01"

	inserted, err := r.Insert(m)
	require.NoError(t, err)
	assert.Equal(t, "de:ad:be:ef:00:01", inserted.MAC)

	got, ok := r.Get(inserted.ID)
	require.True(t, ok)
	assert.Equal(t, "de:ad:be:ef:00:01", got.MAC)

	data, err := os.ReadFile(filepath.Join(dir, "machines.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "de:ad:be:ef:00:01")
	assert.NotContains(t, string(data), "DE-AD-BE-EF-00-01")
}

func TestInsertRejectsInvalidMAC(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "machines.json"))
	m := testMachine(8023)
	m.MAC = "00:00:00:00:00:00"

	_, err := r.Insert(m)
	var verr *werrors.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestInsertRejectsDuplicateLocalPort(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "machines.json"))
	if _, err := r.Insert(testMachine(8024)); err != nil {
		t.Fatalf("first Insert() error = %v", err)
	}
	_, err := r.Insert(testMachine(8024))
	var verr *werrors.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError for duplicate local_port, got %v", err)
	}
}

func TestInsertRejectsCanTurnOffWithoutPort(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "machines.json"))
	m := testMachine(8025)
	m.TurnOffPort = 0

	_, err := r.Insert(m)
	var verr *werrors.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestUpdatePreservesLastRequest(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "machines.json"))
	m, err := r.Insert(testMachine(8026))
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if err := r.Touch(m.ID); err != nil {
		t.Fatalf("Touch() error = %v", err)
	}
	touched, _ := r.Get(m.ID)

	updated := touched
	updated.Name = "renamed"
	out, err := r.Update(m.ID, updated)
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if !out.LastRequest.Equal(touched.LastRequest) {
		t.Errorf("LastRequest = %v, want preserved %v", out.LastRequest, touched.LastRequest)
	}
}

func TestTouchNeverMovesBackward(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "machines.json"))
	m, err := r.Insert(testMachine(8027))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Touch(m.ID)
		}()
	}
	wg.Wait()

	got, ok := r.Get(m.ID)
	require.True(t, ok)
	assert.Falsef(t, got.LastRequest.Before(m.LastRequest), "LastRequest moved backward: %v < %v", got.LastRequest, m.LastRequest)
	assert.False(t, got.LastRequest.After(time.Now()), "LastRequest is in the future")
}

func TestMutationRollsBackOnListenerBindFailed(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "machines.json"))
	bindErr := &werrors.ListenerBindFailed{Port: 8028, Err: errors.New("address in use")}
	r.OnChange(func(ChangeEvent) error { return bindErr })

	_, err := r.Insert(testMachine(8028))
	var lbf *werrors.ListenerBindFailed
	if !errors.As(err, &lbf) {
		t.Fatalf("expected ListenerBindFailed, got %v", err)
	}

	if got := r.List(); len(got) != 0 {
		t.Errorf("expected rollback to leave registry empty, got %d machines", len(got))
	}
}

func TestRemoveFreesLocalPort(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "machines.json"))
	m, err := r.Insert(testMachine(8029))
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if err := r.Remove(m.ID); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}

	again, err := r.Insert(testMachine(8029))
	if err != nil {
		t.Fatalf("expected local_port to be free again, got error = %v", err)
	}
	if again.ID == m.ID {
		t.Error("expected a new machine ID")
	}
}
