package backup

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

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

func TestExportImport_RoundTrip(t *testing.T) {
	src := testStore(t)
	ctx := context.Background()

	p := model.Patient{OwnerID: testOwner, Name: "Sarah Johnson", Group: "cardiology"}
	if err := src.CreatePatient(ctx, &p); err != nil {
		t.Fatalf("CreatePatient() failed: %v", err)
	}
	n := model.PatientNote{
		OwnerID: testOwner, PatientLocalID: p.LocalID,
		Content: "Initial consult", VisitType: model.VisitInitial,
	}
	if err := src.CreateNote(ctx, &n); err != nil {
		t.Fatalf("CreateNote() failed: %v", err)
	}

	var buf bytes.Buffer
	if err := ExportJSONL(ctx, src, testOwner, &buf); err != nil {
		t.Fatalf("ExportJSONL() failed: %v", err)
	}

	dst := testStore(t)
	result, err := ImportJSONL(ctx, dst, "practitioner-2", &buf)
	if err != nil {
		t.Fatalf("ImportJSONL() failed: %v", err)
	}
	if result.Patients != 1 || result.Notes != 1 {
		t.Errorf("imported %d/%d, want 1 patient and 1 note", result.Patients, result.Notes)
	}
	if len(result.Skipped) != 0 {
		t.Errorf("unexpected skips: %v", result.Skipped)
	}

	patients, err := dst.QueryPatients(ctx, store.Filter{OwnerID: "practitioner-2"})
	if err != nil {
		t.Fatalf("QueryPatients() failed: %v", err)
	}
	if len(patients) != 1 {
		t.Fatalf("got %d patients, want 1", len(patients))
	}
	got := patients[0]
	if got.Name != "Sarah Johnson" || got.Group != "cardiology" {
		t.Errorf("imported record = (%q, %q)", got.Name, got.Group)
	}
	if got.PatientID != "" || got.ServerID != "" {
		t.Error("canonical identities must not survive an import")
	}
	if !got.Dirty {
		t.Error("imported records must be dirty so they push on the next sync")
	}

	notes, err := dst.NotesForPatient(ctx, got.LocalID)
	if err != nil {
		t.Fatalf("NotesForPatient() failed: %v", err)
	}
	if len(notes) != 1 || notes[0].Content != "Initial consult" {
		t.Errorf("imported notes = %v", notes)
	}
}

func TestImportJSONL_SkipsInvalidRecords(t *testing.T) {
	dst := testStore(t)

	input := `{"kind":"patient","patient":{"name":"Valid Patient"}}
{"kind":"patient","patient":{"name":""}}
`
	result, err := ImportJSONL(context.Background(), dst, testOwner, strings.NewReader(input))
	if err != nil {
		t.Fatalf("ImportJSONL() failed: %v", err)
	}
	if result.Patients != 1 {
		t.Errorf("Patients = %d, want 1", result.Patients)
	}
	if len(result.Skipped) != 1 {
		t.Errorf("Skipped = %v, want the blank-name record", result.Skipped)
	}
}

func TestImportJSONL_MalformedStreamIsFatal(t *testing.T) {
	dst := testStore(t)
	_, err := ImportJSONL(context.Background(), dst, testOwner, strings.NewReader("{not json\n"))
	if err == nil {
		t.Fatal("ImportJSONL() accepted a malformed stream")
	}
}

func TestImportSeedYAML(t *testing.T) {
	dst := testStore(t)
	ctx := context.Background()

	seed := `
patients:
  - name: Sarah Johnson
    group: cardiology
    is_favorite: true
    notes:
      - content: Initial consult
        visit_type: initial
      - content: Follow-up in two weeks
        visit_type: follow-up
  - name: Mike Chen
    group: physiotherapy
`
	result, err := ImportSeedYAML(ctx, dst, testOwner, strings.NewReader(seed))
	if err != nil {
		t.Fatalf("ImportSeedYAML() failed: %v", err)
	}
	if result.Patients != 2 || result.Notes != 2 {
		t.Errorf("imported %d/%d, want 2 patients and 2 notes", result.Patients, result.Notes)
	}

	patients, err := dst.QueryPatients(ctx, store.Filter{OwnerID: testOwner, FavoritesOnly: true})
	if err != nil {
		t.Fatalf("QueryPatients() failed: %v", err)
	}
	if len(patients) != 1 || patients[0].Name != "Sarah Johnson" {
		t.Errorf("favorites = %v, want Sarah Johnson", patients)
	}
}
