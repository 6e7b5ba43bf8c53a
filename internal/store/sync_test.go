package store

import (
	"context"
	"testing"
	"time"

	"github.com/clinsync/clinsync/internal/model"
)

func TestApplyPushAck_AssignsServerIdentity(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	p := createPatient(t, s, model.Patient{Name: "Sarah Johnson"})

	n := model.PatientNote{
		OwnerID:        testOwner,
		PatientLocalID: p.LocalID,
		Content:        "Initial consult",
		VisitType:      model.VisitInitial,
	}
	if err := s.CreateNote(ctx, &n); err != nil {
		t.Fatalf("CreateNote() failed: %v", err)
	}

	pushed := model.ChangeSet{
		Patients: model.PatientChanges{Created: []model.Patient{*p}},
		Notes:    model.NoteChanges{Created: []model.PatientNote{n}},
	}
	idMap := map[string]model.IDAssignment{
		p.LocalID: {ServerID: "srv-1", PatientID: "PAT001"},
		n.LocalID: {ServerID: "srv-n-1"},
	}

	if err := s.ApplyPushAck(ctx, pushed, idMap, time.Now().UTC()); err != nil {
		t.Fatalf("ApplyPushAck() failed: %v", err)
	}

	got, err := s.GetPatient(ctx, p.LocalID)
	if err != nil {
		t.Fatalf("GetPatient() failed: %v", err)
	}
	if got.PatientID != "PAT001" || got.ServerID != "srv-1" {
		t.Errorf("identity = (%q, %q), want (PAT001, srv-1)", got.PatientID, got.ServerID)
	}
	if got.Dirty {
		t.Error("acknowledged patient should no longer be dirty")
	}
	if got.LastSyncedAt == nil {
		t.Error("LastSyncedAt was not set")
	}

	note, err := s.GetNote(ctx, n.LocalID)
	if err != nil {
		t.Fatalf("GetNote() failed: %v", err)
	}
	if note.ServerID != "srv-n-1" {
		t.Errorf("note ServerID = %q, want srv-n-1", note.ServerID)
	}
	if note.PatientServerID != "srv-1" {
		t.Errorf("note PatientServerID = %q, want the parent's new server ID", note.PatientServerID)
	}
	if note.Dirty {
		t.Error("acknowledged note should no longer be dirty")
	}
}

// A write landing between push and acknowledgment bumps updated_at;
// the newer version must stay dirty for the next cycle.
func TestApplyPushAck_ConcurrentEditStaysDirty(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	p := createPatient(t, s, model.Patient{Name: "Sarah Johnson"})
	snapshot := *p

	time.Sleep(5 * time.Millisecond)
	phone := "555-0199"
	if _, err := s.UpdatePatient(ctx, p.LocalID, PatientPatch{Phone: &phone}); err != nil {
		t.Fatalf("UpdatePatient() failed: %v", err)
	}

	pushed := model.ChangeSet{Patients: model.PatientChanges{Created: []model.Patient{snapshot}}}
	idMap := map[string]model.IDAssignment{
		p.LocalID: {ServerID: "srv-1", PatientID: "PAT001"},
	}
	if err := s.ApplyPushAck(ctx, pushed, idMap, time.Now().UTC()); err != nil {
		t.Fatalf("ApplyPushAck() failed: %v", err)
	}

	got, err := s.GetPatient(ctx, p.LocalID)
	if err != nil {
		t.Fatalf("GetPatient() failed: %v", err)
	}
	if got.PatientID != "PAT001" {
		t.Errorf("PatientID = %q, identity assignment must still land", got.PatientID)
	}
	if !got.Dirty {
		t.Error("record edited mid-push must stay dirty")
	}
}

func TestApplyPushAck_PurgesTombstones(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	p := createPatient(t, s, model.Patient{Name: "Sarah Johnson"})
	if err := s.SoftDeletePatient(ctx, p.LocalID); err != nil {
		t.Fatalf("SoftDeletePatient() failed: %v", err)
	}

	pushed := model.ChangeSet{Patients: model.PatientChanges{Deleted: []string{p.LocalID}}}
	if err := s.ApplyPushAck(ctx, pushed, nil, time.Now().UTC()); err != nil {
		t.Fatalf("ApplyPushAck() failed: %v", err)
	}

	if _, err := s.GetPatient(ctx, p.LocalID); err == nil {
		t.Error("acknowledged tombstone should be purged")
	}
}

func TestApplyRemoteChanges_AdvancesWatermark(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	remote := model.Patient{
		LocalID: model.NewLocalID(), ServerID: "srv-9", PatientID: "PAT009",
		OwnerID: testOwner, Name: "Remote Patient", Group: "general",
		CreatedAt: now, UpdatedAt: now,
	}
	changes := model.ChangeSet{Patients: model.PatientChanges{Created: []model.Patient{remote}}}

	result, err := s.ApplyRemoteChanges(ctx, changes, model.TimeWatermark(now))
	if err != nil {
		t.Fatalf("ApplyRemoteChanges() failed: %v", err)
	}
	if result.Applied != 1 {
		t.Errorf("Applied = %d, want 1", result.Applied)
	}

	got, err := s.GetPatient(ctx, remote.LocalID)
	if err != nil {
		t.Fatalf("GetPatient() failed: %v", err)
	}
	if got.Dirty {
		t.Error("remote record must arrive clean")
	}

	wm, err := s.Watermark(ctx)
	if err != nil {
		t.Fatalf("Watermark() failed: %v", err)
	}
	if wm != model.TimeWatermark(now) {
		t.Errorf("watermark = %d, want %d", wm, model.TimeWatermark(now))
	}
}

// Both devices edit the same record offline: device B favorites it,
// device A (this one) changes its group. The remote (older) version
// loses; the local group change survives and pushes next cycle.
func TestApplyRemoteChanges_LocalDirtyWins(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	p := createPatient(t, s, model.Patient{Name: "Sarah Johnson", Group: "general"})

	time.Sleep(5 * time.Millisecond)
	group := "cardiology"
	local, err := s.UpdatePatient(ctx, p.LocalID, PatientPatch{Group: &group})
	if err != nil {
		t.Fatalf("UpdatePatient() failed: %v", err)
	}

	remote := *p
	remote.IsFavorite = true
	remote.UpdatedAt = p.UpdatedAt // older than the local edit
	changes := model.ChangeSet{Patients: model.PatientChanges{Updated: []model.Patient{remote}}}

	result, err := s.ApplyRemoteChanges(ctx, changes, model.TimeWatermark(time.Now()))
	if err != nil {
		t.Fatalf("ApplyRemoteChanges() failed: %v", err)
	}
	if result.ConflictsDropped != 1 {
		t.Errorf("ConflictsDropped = %d, want 1", result.ConflictsDropped)
	}

	got, err := s.GetPatient(ctx, p.LocalID)
	if err != nil {
		t.Fatalf("GetPatient() failed: %v", err)
	}
	if got.Group != "cardiology" {
		t.Errorf("Group = %q, local edit must survive", got.Group)
	}
	if got.IsFavorite {
		t.Error("older remote favorite must not override the dirty local record")
	}
	if !got.Dirty {
		t.Error("losing record must stay dirty so the local version pushes next cycle")
	}
	if got.UpdatedAt.UnixMilli() != local.UpdatedAt.UnixMilli() {
		t.Error("local version was overwritten")
	}
}

func TestApplyRemoteChanges_NewerRemoteWins(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	p := createPatient(t, s, model.Patient{Name: "Sarah Johnson"})

	remote := *p
	remote.IsFavorite = true
	remote.UpdatedAt = p.UpdatedAt.Add(time.Second)
	changes := model.ChangeSet{Patients: model.PatientChanges{Updated: []model.Patient{remote}}}

	result, err := s.ApplyRemoteChanges(ctx, changes, model.TimeWatermark(time.Now()))
	if err != nil {
		t.Fatalf("ApplyRemoteChanges() failed: %v", err)
	}
	if result.Applied != 1 {
		t.Errorf("Applied = %d, want 1", result.Applied)
	}

	got, err := s.GetPatient(ctx, p.LocalID)
	if err != nil {
		t.Fatalf("GetPatient() failed: %v", err)
	}
	if !got.IsFavorite {
		t.Error("strictly newer remote version must be applied")
	}
	if got.Dirty {
		t.Error("applied remote version must be clean")
	}
}

func TestApplyRemoteChanges_DeleteNeverBeatsDirty(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	p := createPatient(t, s, model.Patient{Name: "Sarah Johnson"})

	changes := model.ChangeSet{Patients: model.PatientChanges{Deleted: []string{p.LocalID}}}
	result, err := s.ApplyRemoteChanges(ctx, changes, model.TimeWatermark(time.Now()))
	if err != nil {
		t.Fatalf("ApplyRemoteChanges() failed: %v", err)
	}
	if result.ConflictsDropped != 1 {
		t.Errorf("ConflictsDropped = %d, want 1", result.ConflictsDropped)
	}

	if _, err := s.GetPatient(ctx, p.LocalID); err != nil {
		t.Error("dirty local record must survive a remote delete")
	}
}

func TestApplyRemoteChanges_NoteNeedsLocalParent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	orphan := model.PatientNote{
		LocalID: model.NewLocalID(), OwnerID: testOwner,
		PatientLocalID: "unknown-patient",
		Content:        "no parent here", VisitType: model.VisitRegular,
		CreatedAt: now, UpdatedAt: now,
	}
	changes := model.ChangeSet{Notes: model.NoteChanges{Created: []model.PatientNote{orphan}}}

	result, err := s.ApplyRemoteChanges(ctx, changes, model.TimeWatermark(now))
	if err != nil {
		t.Fatalf("ApplyRemoteChanges() failed: %v", err)
	}
	if result.Applied != 0 || result.ConflictsDropped != 1 {
		t.Errorf("applied=%d dropped=%d, want 0/1", result.Applied, result.ConflictsDropped)
	}
}

func TestWatermark_ZeroWhenNeverPulled(t *testing.T) {
	s := testStore(t)
	wm, err := s.Watermark(context.Background())
	if err != nil {
		t.Fatalf("Watermark() failed: %v", err)
	}
	if wm != 0 {
		t.Errorf("watermark = %d, want 0 before the first pull", wm)
	}
}

func TestPurgeOwner(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	p := createPatient(t, s, model.Patient{Name: "Sarah Johnson"})
	n := model.PatientNote{
		OwnerID: testOwner, PatientLocalID: p.LocalID,
		Content: "note", VisitType: model.VisitRegular,
	}
	if err := s.CreateNote(ctx, &n); err != nil {
		t.Fatalf("CreateNote() failed: %v", err)
	}

	if err := s.PurgeOwner(ctx, testOwner); err != nil {
		t.Fatalf("PurgeOwner() failed: %v", err)
	}

	patients, err := s.QueryPatients(ctx, Filter{OwnerID: testOwner, IncludeDeleted: true})
	if err != nil {
		t.Fatalf("QueryPatients() failed: %v", err)
	}
	if len(patients) != 0 {
		t.Errorf("%d patients left after purge", len(patients))
	}

	var count int
	if err := s.RawDB().QueryRow(`SELECT COUNT(*) FROM mutations`).Scan(&count); err != nil {
		t.Fatalf("Failed to count mutations: %v", err)
	}
	if count != 0 {
		t.Errorf("%d mutation rows left after purge", count)
	}
}
