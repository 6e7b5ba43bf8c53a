package queue

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/clinsync/clinsync/internal/model"
	"github.com/clinsync/clinsync/internal/store"
)

const testOwner = "practitioner-1"

func testSetup(t *testing.T) (*store.Store, *Tracker) {
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
	return s, New(s.RawDB())
}

func createPatient(t *testing.T, s *store.Store, name string) *model.Patient {
	t.Helper()
	p := model.Patient{OwnerID: testOwner, Name: name}
	if err := s.CreatePatient(context.Background(), &p); err != nil {
		t.Fatalf("CreatePatient() failed: %v", err)
	}
	return &p
}

func updatePhone(t *testing.T, s *store.Store, localID, phone string) {
	t.Helper()
	if _, err := s.UpdatePatient(context.Background(), localID, store.PatientPatch{Phone: &phone}); err != nil {
		t.Fatalf("UpdatePatient() failed: %v", err)
	}
}

func TestDrain_CollapsesUpdates(t *testing.T) {
	s, tracker := testSetup(t)
	ctx := context.Background()
	p := createPatient(t, s, "Sarah Johnson")

	updatePhone(t, s, p.LocalID, "555-0101")
	updatePhone(t, s, p.LocalID, "555-0102")
	updatePhone(t, s, p.LocalID, "555-0103")

	ops, err := tracker.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}
	if len(ops) != 1 {
		t.Fatalf("got %d ops, want 1 collapsed op", len(ops))
	}

	op := ops[0]
	if op.Op != model.OpCreate {
		t.Errorf("op = %q, want create (create followed by updates stays a create)", op.Op)
	}

	var payload model.Patient
	if err := json.Unmarshal(op.Payload, &payload); err != nil {
		t.Fatalf("Failed to decode payload: %v", err)
	}
	if payload.Phone != "555-0103" {
		t.Errorf("payload phone = %q, want the newest value", payload.Phone)
	}

	// The audit trail keeps every intermediate write until acknowledgment.
	trail, err := tracker.AuditTrail(ctx, model.EntityPatient, p.LocalID)
	if err != nil {
		t.Fatalf("AuditTrail() failed: %v", err)
	}
	if len(trail) != 4 {
		t.Errorf("audit trail has %d rows, want 4 (create + 3 updates)", len(trail))
	}
}

func TestDrain_UpdateThenDeleteIsDelete(t *testing.T) {
	s, tracker := testSetup(t)
	ctx := context.Background()
	p := createPatient(t, s, "Sarah Johnson")

	// Simulate a record that was already pushed: clear its create row.
	ops, err := tracker.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}
	if err := tracker.Acknowledge(ctx, ops); err != nil {
		t.Fatalf("Acknowledge() failed: %v", err)
	}

	updatePhone(t, s, p.LocalID, "555-0101")
	if err := s.SoftDeletePatient(ctx, p.LocalID); err != nil {
		t.Fatalf("SoftDeletePatient() failed: %v", err)
	}

	ops, err = tracker.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}
	if len(ops) != 1 {
		t.Fatalf("got %d ops, want 1", len(ops))
	}
	if ops[0].Op != model.OpDelete {
		t.Errorf("op = %q, want delete", ops[0].Op)
	}
}

func TestDrain_CreateThenDeleteDropsBoth(t *testing.T) {
	s, tracker := testSetup(t)
	ctx := context.Background()
	p := createPatient(t, s, "Sarah Johnson")
	if err := s.SoftDeletePatient(ctx, p.LocalID); err != nil {
		t.Fatalf("SoftDeletePatient() failed: %v", err)
	}

	// The server never saw this record, so no delete is pushed for it.
	ops, err := tracker.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}
	if len(ops) != 0 {
		t.Fatalf("got %d ops, want 0 (never-pushed entity must not reach the server)", len(ops))
	}

	count, err := tracker.PendingCount(ctx)
	if err != nil {
		t.Fatalf("PendingCount() failed: %v", err)
	}
	if count != 0 {
		t.Errorf("count = %d, want the audit rows purged with the ops", count)
	}

	patients, err := s.QueryPatients(ctx, store.Filter{OwnerID: testOwner, IncludeDeleted: true})
	if err != nil {
		t.Fatalf("QueryPatients() failed: %v", err)
	}
	if len(patients) != 0 {
		t.Errorf("got %d tombstones, want the local tombstone purged", len(patients))
	}
}

func TestDrain_CreateThenDeletePurgesNotesToo(t *testing.T) {
	s, tracker := testSetup(t)
	ctx := context.Background()
	p := createPatient(t, s, "Sarah Johnson")
	n := model.PatientNote{
		OwnerID: testOwner, PatientLocalID: p.LocalID,
		Content: "Initial consult", VisitType: model.VisitInitial,
	}
	if err := s.CreateNote(ctx, &n); err != nil {
		t.Fatalf("CreateNote() failed: %v", err)
	}
	if err := s.SoftDeletePatient(ctx, p.LocalID); err != nil {
		t.Fatalf("SoftDeletePatient() failed: %v", err)
	}

	ops, err := tracker.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}
	if len(ops) != 0 {
		t.Fatalf("got %d ops, want 0 (patient and note both died unborn)", len(ops))
	}

	count, err := tracker.PendingCount(ctx)
	if err != nil {
		t.Fatalf("PendingCount() failed: %v", err)
	}
	if count != 0 {
		t.Errorf("count = %d, want an empty queue", count)
	}
}

func TestDrain_SyncedRecordDeleteStaysADelete(t *testing.T) {
	s, tracker := testSetup(t)
	ctx := context.Background()
	p := createPatient(t, s, "Sarah Johnson")

	// Acknowledge the create so the record counts as pushed.
	ops, err := tracker.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}
	if err := tracker.Acknowledge(ctx, ops); err != nil {
		t.Fatalf("Acknowledge() failed: %v", err)
	}

	if err := s.SoftDeletePatient(ctx, p.LocalID); err != nil {
		t.Fatalf("SoftDeletePatient() failed: %v", err)
	}

	ops, err = tracker.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}
	if len(ops) != 1 || ops[0].Op != model.OpDelete {
		t.Fatalf("ops = %v, want a single delete for the pushed record", ops)
	}
}

func TestDrain_FIFOAcrossEntities(t *testing.T) {
	s, tracker := testSetup(t)
	a := createPatient(t, s, "First")
	b := createPatient(t, s, "Second")

	// Touch the first entity again; its op must keep its original position.
	updatePhone(t, s, a.LocalID, "555-0101")

	ops, err := tracker.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}
	if len(ops) != 2 {
		t.Fatalf("got %d ops, want 2", len(ops))
	}
	if ops[0].LocalID != a.LocalID || ops[1].LocalID != b.LocalID {
		t.Error("ops are not ordered by first write")
	}
}

func TestAcknowledge_KeepsLaterWrites(t *testing.T) {
	s, tracker := testSetup(t)
	ctx := context.Background()
	p := createPatient(t, s, "Sarah Johnson")

	ops, err := tracker.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}

	// A write lands after the drain but before the acknowledgment.
	updatePhone(t, s, p.LocalID, "555-0199")

	if err := tracker.Acknowledge(ctx, ops); err != nil {
		t.Fatalf("Acknowledge() failed: %v", err)
	}

	remaining, err := tracker.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}
	if len(remaining) != 1 {
		t.Fatalf("got %d ops after ack, want the late write to survive", len(remaining))
	}
	if remaining[0].Op != model.OpUpdate {
		t.Errorf("op = %q, want update", remaining[0].Op)
	}
}

func TestReject_RemovesOnlyThatOp(t *testing.T) {
	s, tracker := testSetup(t)
	ctx := context.Background()
	bad := createPatient(t, s, "Bad Record")
	good := createPatient(t, s, "Good Record")

	ops, err := tracker.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}
	if len(ops) != 2 {
		t.Fatalf("got %d ops, want 2", len(ops))
	}

	for _, op := range ops {
		if op.LocalID == bad.LocalID {
			if err := tracker.Reject(ctx, op); err != nil {
				t.Fatalf("Reject() failed: %v", err)
			}
		}
	}

	remaining, err := tracker.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}
	if len(remaining) != 1 || remaining[0].LocalID != good.LocalID {
		t.Errorf("queue after reject = %v, want only the good record", remaining)
	}
}

func TestPendingCount(t *testing.T) {
	s, tracker := testSetup(t)
	ctx := context.Background()

	count, err := tracker.PendingCount(ctx)
	if err != nil {
		t.Fatalf("PendingCount() failed: %v", err)
	}
	if count != 0 {
		t.Errorf("count = %d, want 0", count)
	}

	p := createPatient(t, s, "Sarah Johnson")
	updatePhone(t, s, p.LocalID, "555-0101")

	count, err = tracker.PendingCount(ctx)
	if err != nil {
		t.Fatalf("PendingCount() failed: %v", err)
	}
	if count != 2 {
		t.Errorf("count = %d, want 2 audit rows", count)
	}
}
