package view

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/clinsync/clinsync/internal/model"
	"github.com/clinsync/clinsync/internal/store"
)

const testOwner = "practitioner-1"

func testStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := store.Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return s
}

func createPatient(t *testing.T, s *store.Store, name, group string) *model.Patient {
	t.Helper()
	p := model.Patient{OwnerID: testOwner, Name: name, Group: group}
	if err := s.CreatePatient(context.Background(), &p); err != nil {
		t.Fatalf("CreatePatient() failed: %v", err)
	}
	return &p
}

// waitFor polls until the predicate holds or the deadline passes.
func waitFor(t *testing.T, what string, pred func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if pred() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestModel_ReactsToStoreWrites(t *testing.T) {
	s := testStore(t)
	m := New(s, store.Filter{OwnerID: testOwner})
	defer m.Close()

	changed := make(chan struct{}, 16)
	m.OnChange(func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})

	waitFor(t, "initial projection", func() bool { return !m.Loading(CategoryPatients) })
	if len(m.Patients()) != 0 {
		t.Fatalf("initial projection has %d patients, want 0", len(m.Patients()))
	}

	createPatient(t, s, "Sarah Johnson", "cardiology")
	waitFor(t, "projection to pick up the write", func() bool { return len(m.Patients()) == 1 })

	select {
	case <-changed:
	default:
		t.Error("OnChange listener was not invoked")
	}
}

func TestModel_SetFilterNarrowsProjection(t *testing.T) {
	s := testStore(t)
	createPatient(t, s, "Sarah Johnson", "cardiology")
	createPatient(t, s, "Mike Chen", "physiotherapy")

	m := New(s, store.Filter{OwnerID: testOwner})
	defer m.Close()
	waitFor(t, "full projection", func() bool { return len(m.Patients()) == 2 })

	m.SetFilter(store.Filter{OwnerID: testOwner, Group: "cardiology"})
	waitFor(t, "filtered projection", func() bool {
		ps := m.Patients()
		return len(ps) == 1 && ps[0].Name == "Sarah Johnson"
	})

	m.SetFilter(store.Filter{OwnerID: testOwner, Search: "chen"})
	waitFor(t, "searched projection", func() bool {
		ps := m.Patients()
		return len(ps) == 1 && ps[0].Name == "Mike Chen"
	})
}

func TestModel_CategoryFlagsAreIsolated(t *testing.T) {
	s := testStore(t)
	m := New(s, store.Filter{OwnerID: testOwner})
	defer m.Close()
	waitFor(t, "initial projection", func() bool { return !m.Loading(CategoryPatients) })

	m.StartLoading(CategorySync)
	if !m.Loading(CategorySync) {
		t.Error("sync category should be loading")
	}
	if m.Loading(CategoryPatients) || m.Loading(CategoryProfile) {
		t.Error("other categories must not be affected")
	}

	subErr := errors.New("subscription check failed")
	m.Fail(CategorySubscription, subErr)
	if !errors.Is(m.Err(CategorySubscription), subErr) {
		t.Error("subscription error was not recorded")
	}
	if m.Err(CategoryPatients) != nil {
		t.Error("patients category picked up an unrelated error")
	}
	if m.Loading(CategorySubscription) {
		t.Error("Fail must clear the loading flag")
	}

	m.FinishLoading(CategorySync)
	if m.Loading(CategorySync) {
		t.Error("FinishLoading did not clear the flag")
	}
	m.FinishLoading(CategorySubscription)
	if m.Err(CategorySubscription) != nil {
		t.Error("FinishLoading did not clear the error")
	}
}
