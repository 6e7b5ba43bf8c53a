package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/clinsync/clinsync/internal/model"
)

const (
	testOwner = "practitioner-1"
	testToken = "token-abc"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "server.db")
	db, err := OpenDB(path)
	if err != nil {
		t.Fatalf("OpenDB() failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	if err := db.InitSchema(ctx); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	if err := db.RegisterToken(ctx, testToken, testOwner); err != nil {
		t.Fatalf("RegisterToken() failed: %v", err)
	}
	return db
}

func testHTTP(t *testing.T) (*DB, *httptest.Server) {
	t.Helper()
	db := testDB(t)
	srv := NewServer(db, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return db, ts
}

func newPatient(name string) model.Patient {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return model.Patient{
		LocalID: model.NewLocalID(), OwnerID: testOwner,
		Name: name, Group: "general",
		CreatedAt: now, UpdatedAt: now,
	}
}

func pushChanges(t *testing.T, ts *httptest.Server, token string, changes model.ChangeSet) (*model.PushResponse, int) {
	t.Helper()
	body, err := json.Marshal(model.PushRequest{Changes: changes})
	if err != nil {
		t.Fatalf("Failed to marshal push: %v", err)
	}

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/sync/push?last_pulled_at=0", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Push request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode
	}
	var out model.PushResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("Failed to decode push response: %v", err)
	}
	return &out, resp.StatusCode
}

func pullChanges(t *testing.T, ts *httptest.Server, token string, since int64) (*model.PullResponse, int) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet,
		ts.URL+"/sync/pull?last_pulled_at="+strconv.FormatInt(since, 10), nil)
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Pull request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode
	}
	var out model.PullResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("Failed to decode pull response: %v", err)
	}
	return &out, resp.StatusCode
}

func TestPush_AssignsSequentialPatientIDs(t *testing.T) {
	_, ts := testHTTP(t)

	a, b := newPatient("Sarah Johnson"), newPatient("Mike Chen")
	resp, status := pushChanges(t, ts, testToken, model.ChangeSet{
		Patients: model.PatientChanges{Created: []model.Patient{a, b}},
	})
	if status != http.StatusOK {
		t.Fatalf("push status = %d", status)
	}

	if got := resp.IDMap[a.LocalID].PatientID; got != "PAT001" {
		t.Errorf("first id = %q, want PAT001", got)
	}
	if got := resp.IDMap[b.LocalID].PatientID; got != "PAT002" {
		t.Errorf("second id = %q, want PAT002", got)
	}
	if resp.IDMap[a.LocalID].ServerID == "" {
		t.Error("server id missing")
	}
}

func TestPush_ReplayReusesIdentity(t *testing.T) {
	_, ts := testHTTP(t)

	p := newPatient("Sarah Johnson")
	changes := model.ChangeSet{Patients: model.PatientChanges{Created: []model.Patient{p}}}

	first, _ := pushChanges(t, ts, testToken, changes)
	second, _ := pushChanges(t, ts, testToken, changes)

	if first.IDMap[p.LocalID] != second.IDMap[p.LocalID] {
		t.Errorf("replay minted a new identity: %v vs %v",
			first.IDMap[p.LocalID], second.IDMap[p.LocalID])
	}

	// No duplicate record either.
	pull, _ := pullChanges(t, ts, testToken, 0)
	if n := len(pull.Changes.Patients.Created); n != 1 {
		t.Errorf("server holds %d copies after replay, want 1", n)
	}
}

func TestPush_RejectsBadRecordsIndividually(t *testing.T) {
	_, ts := testHTTP(t)

	good := newPatient("Sarah Johnson")
	bad := newPatient("") // no name
	now := time.Now().UTC()
	orphanNote := model.PatientNote{
		LocalID: model.NewLocalID(), OwnerID: testOwner,
		PatientLocalID: "unknown-patient",
		Content:        "note", VisitType: model.VisitRegular,
		CreatedAt: now, UpdatedAt: now,
	}

	resp, _ := pushChanges(t, ts, testToken, model.ChangeSet{
		Patients: model.PatientChanges{Created: []model.Patient{good, bad}},
		Notes:    model.NoteChanges{Created: []model.PatientNote{orphanNote}},
	})

	if len(resp.Rejected) != 2 {
		t.Fatalf("rejected = %d, want 2 (blank name, orphan note)", len(resp.Rejected))
	}
	if _, ok := resp.IDMap[good.LocalID]; !ok {
		t.Error("good record must still be accepted")
	}
	if _, ok := resp.IDMap[bad.LocalID]; ok {
		t.Error("bad record must not receive an identity")
	}
}

func TestPush_NoteInSameBatchAsParent(t *testing.T) {
	_, ts := testHTTP(t)

	p := newPatient("Sarah Johnson")
	now := time.Now().UTC()
	n := model.PatientNote{
		LocalID: model.NewLocalID(), OwnerID: testOwner,
		PatientLocalID: p.LocalID,
		Content:        "Initial consult", VisitType: model.VisitInitial,
		CreatedAt: now, UpdatedAt: now,
	}

	resp, _ := pushChanges(t, ts, testToken, model.ChangeSet{
		Patients: model.PatientChanges{Created: []model.Patient{p}},
		Notes:    model.NoteChanges{Created: []model.PatientNote{n}},
	})

	if len(resp.Rejected) != 0 {
		t.Fatalf("unexpected rejections: %v", resp.Rejected)
	}
	if resp.IDMap[n.LocalID].ServerID == "" {
		t.Error("note pushed with its parent must resolve in-batch")
	}
}

func TestPull_WindowsByWatermark(t *testing.T) {
	_, ts := testHTTP(t)

	p := newPatient("Sarah Johnson")
	push, _ := pushChanges(t, ts, testToken, model.ChangeSet{
		Patients: model.PatientChanges{Created: []model.Patient{p}},
	})

	fromZero, _ := pullChanges(t, ts, testToken, 0)
	if len(fromZero.Changes.Patients.Created) != 1 {
		t.Errorf("pull from 0 returned %d creates, want 1",
			len(fromZero.Changes.Patients.Created))
	}
	if fromZero.Timestamp == 0 {
		t.Error("pull must return a new watermark")
	}
	got := fromZero.Changes.Patients.Created[0]
	if got.PatientID != push.IDMap[p.LocalID].PatientID {
		t.Errorf("pulled PatientID = %q, want %q", got.PatientID, push.IDMap[p.LocalID].PatientID)
	}

	caughtUp, _ := pullChanges(t, ts, testToken, fromZero.Timestamp)
	if !caughtUp.Changes.Empty() {
		t.Error("pull past the watermark must be empty")
	}
}

func TestPull_DeliversTombstones(t *testing.T) {
	_, ts := testHTTP(t)

	p := newPatient("Sarah Johnson")
	pushChanges(t, ts, testToken, model.ChangeSet{
		Patients: model.PatientChanges{Created: []model.Patient{p}},
	})
	first, _ := pullChanges(t, ts, testToken, 0)

	pushChanges(t, ts, testToken, model.ChangeSet{
		Patients: model.PatientChanges{Deleted: []string{p.LocalID}},
	})

	pull, _ := pullChanges(t, ts, testToken, first.Timestamp)
	if len(pull.Changes.Patients.Deleted) != 1 || pull.Changes.Patients.Deleted[0] != p.LocalID {
		t.Errorf("deleted = %v, want the tombstone for %s", pull.Changes.Patients.Deleted, p.LocalID)
	}
}

func TestAuth_UnknownTokenIs401(t *testing.T) {
	_, ts := testHTTP(t)

	if _, status := pullChanges(t, ts, "wrong-token", 0); status != http.StatusUnauthorized {
		t.Errorf("unknown token status = %d, want 401", status)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/sync/pull", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("missing token status = %d, want 401", resp.StatusCode)
	}
}

func TestOwnerIsolation(t *testing.T) {
	db, ts := testHTTP(t)
	ctx := context.Background()
	if err := db.RegisterToken(ctx, "token-other", "practitioner-2"); err != nil {
		t.Fatalf("RegisterToken() failed: %v", err)
	}

	p := newPatient("Sarah Johnson")
	pushChanges(t, ts, testToken, model.ChangeSet{
		Patients: model.PatientChanges{Created: []model.Patient{p}},
	})

	other, _ := pullChanges(t, ts, "token-other", 0)
	if !other.Changes.Empty() {
		t.Error("one practitioner's records leaked into another's pull")
	}
}

func TestApplyPush_StaleUpdateLoses(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	p := newPatient("Sarah Johnson")
	if _, err := db.ApplyPush(ctx, testOwner, model.ChangeSet{
		Patients: model.PatientChanges{Created: []model.Patient{p}},
	}); err != nil {
		t.Fatalf("ApplyPush() failed: %v", err)
	}

	newer := p
	newer.IsFavorite = true
	newer.UpdatedAt = p.UpdatedAt.Add(2 * time.Second)
	if _, err := db.ApplyPush(ctx, testOwner, model.ChangeSet{
		Patients: model.PatientChanges{Updated: []model.Patient{newer}},
	}); err != nil {
		t.Fatalf("ApplyPush() failed: %v", err)
	}

	stale := p
	stale.Name = "Stale Name"
	stale.UpdatedAt = p.UpdatedAt.Add(time.Second)
	if _, err := db.ApplyPush(ctx, testOwner, model.ChangeSet{
		Patients: model.PatientChanges{Updated: []model.Patient{stale}},
	}); err != nil {
		t.Fatalf("ApplyPush() failed: %v", err)
	}

	pull, err := db.Changes(ctx, testOwner, 0)
	if err != nil {
		t.Fatalf("Changes() failed: %v", err)
	}
	got := pull.Changes.Patients.Created[0]
	if got.Name != "Sarah Johnson" || !got.IsFavorite {
		t.Errorf("stored record = (%q, fav=%v), stale write must lose", got.Name, got.IsFavorite)
	}
}

func TestDeletePatient_CascadesToNotes(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	p := newPatient("Sarah Johnson")
	now := time.Now().UTC()
	n := model.PatientNote{
		LocalID: model.NewLocalID(), OwnerID: testOwner,
		PatientLocalID: p.LocalID,
		Content:        "note", VisitType: model.VisitRegular,
		CreatedAt: now, UpdatedAt: now,
	}
	if _, err := db.ApplyPush(ctx, testOwner, model.ChangeSet{
		Patients: model.PatientChanges{Created: []model.Patient{p}},
		Notes:    model.NoteChanges{Created: []model.PatientNote{n}},
	}); err != nil {
		t.Fatalf("ApplyPush() failed: %v", err)
	}

	if _, err := db.ApplyPush(ctx, testOwner, model.ChangeSet{
		Patients: model.PatientChanges{Deleted: []string{p.LocalID}},
	}); err != nil {
		t.Fatalf("ApplyPush() failed: %v", err)
	}

	pull, err := db.Changes(ctx, testOwner, 0)
	if err != nil {
		t.Fatalf("Changes() failed: %v", err)
	}
	if len(pull.Changes.Notes.Deleted) != 1 {
		t.Errorf("note tombstones = %v, want the orphaned note", pull.Changes.Notes.Deleted)
	}
	if len(pull.Changes.Patients.Created)+len(pull.Changes.Patients.Updated) != 0 {
		t.Error("deleted patient still present in pull")
	}
}
