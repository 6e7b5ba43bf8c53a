// Package server provides the reference authoritative sync server.
//
// It is the collaborator the sync engine talks to: it accepts pushed
// changes keyed by client local IDs, mints canonical per-owner patient
// IDs, and answers pull requests with changes since a watermark. The
// apply path is idempotent per local_id, so a retried push never
// creates duplicates.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/clinsync/clinsync/internal/model"
)

// DB is the server's authoritative store.
type DB struct {
	conn *sql.DB
}

// OpenDB opens (creating if needed) the server database at path.
// Use ":memory:" style paths only through a file in t.TempDir(); the
// pool holds multiple connections.
func OpenDB(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.conn.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	return db, nil
}

// Close closes the server database.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}
	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	db.conn = nil
	return nil
}

// InitSchema creates the server schema. Idempotent.
func (db *DB) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS patients (
		local_id TEXT PRIMARY KEY,
		server_id TEXT NOT NULL,
		patient_id TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		name TEXT NOT NULL,
		phone TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT '',
		address TEXT NOT NULL DEFAULT '',
		location TEXT NOT NULL DEFAULT '',
		initial_complaint TEXT NOT NULL DEFAULT '',
		initial_diagnosis TEXT NOT NULL DEFAULT '',
		photo_ref TEXT NOT NULL DEFAULT '',
		patient_group TEXT NOT NULL DEFAULT 'general',
		is_favorite INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS patient_notes (
		local_id TEXT PRIMARY KEY,
		server_id TEXT NOT NULL,
		patient_local_id TEXT NOT NULL,
		patient_server_id TEXT NOT NULL DEFAULT '',
		owner_id TEXT NOT NULL,
		content TEXT NOT NULL,
		visit_type TEXT NOT NULL DEFAULT 'regular',
		created_by TEXT NOT NULL DEFAULT 'practitioner',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	-- Per-owner canonical ID counter. Incremented atomically inside the
	-- push transaction so concurrent devices never collide.
	CREATE TABLE IF NOT EXISTS counters (
		owner_id TEXT PRIMARY KEY,
		seq INTEGER NOT NULL
	);

	-- Deletions are remembered so pulls can report them.
	CREATE TABLE IF NOT EXISTS tombstones (
		entity_type TEXT NOT NULL,
		local_id TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		deleted_at INTEGER NOT NULL,
		PRIMARY KEY (entity_type, local_id)
	);

	CREATE TABLE IF NOT EXISTS tokens (
		token TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_srv_patients_owner ON patients(owner_id, updated_at);
	CREATE INDEX IF NOT EXISTS idx_srv_notes_owner ON patient_notes(owner_id, updated_at);
	CREATE INDEX IF NOT EXISTS idx_srv_tombstones_owner ON tombstones(owner_id, deleted_at);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// RegisterToken maps a bearer token to an owner.
func (db *DB) RegisterToken(ctx context.Context, token, ownerID string) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO tokens (token, owner_id) VALUES (?, ?)
		 ON CONFLICT(token) DO UPDATE SET owner_id = excluded.owner_id`,
		token, ownerID)
	if err != nil {
		return fmt.Errorf("failed to register token: %w", err)
	}
	return nil
}

// OwnerForToken resolves a bearer token. Returns "" when unknown.
func (db *DB) OwnerForToken(ctx context.Context, token string) (string, error) {
	var owner string
	err := db.conn.QueryRowContext(ctx,
		`SELECT owner_id FROM tokens WHERE token = ?`, token).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve token: %w", err)
	}
	return owner, nil
}

// nextPatientID atomically increments the owner's counter and formats
// the canonical ID.
func nextPatientID(ctx context.Context, tx *sql.Tx, ownerID string) (string, error) {
	var seq int64
	err := tx.QueryRowContext(ctx,
		`INSERT INTO counters (owner_id, seq) VALUES (?, 1)
		 ON CONFLICT(owner_id) DO UPDATE SET seq = seq + 1
		 RETURNING seq`, ownerID).Scan(&seq)
	if err != nil {
		return "", fmt.Errorf("failed to advance counter for %s: %w", ownerID, err)
	}
	return fmt.Sprintf("PAT%03d", seq), nil
}

// ApplyPush applies a pushed change set for ownerID in one transaction.
// Creates are idempotent keyed by local_id: replaying a push reuses the
// identities minted the first time. Per-record failures land in the
// rejected list without failing the batch.
func (db *DB) ApplyPush(ctx context.Context, ownerID string, changes model.ChangeSet) (*model.PushResponse, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().UnixMilli()
	resp := &model.PushResponse{
		IDMap: make(map[string]model.IDAssignment),
		AckAt: now,
	}

	reject := func(entityType, localID, reason string) {
		resp.Rejected = append(resp.Rejected, model.RejectedOp{
			EntityType: entityType,
			LocalID:    localID,
			Reason:     reason,
		})
	}

	for _, p := range changes.Patients.Created {
		if err := validatePushedPatient(&p, ownerID); err != nil {
			reject(model.EntityPatient, p.LocalID, err.Error())
			continue
		}
		assigned, err := db.upsertPatientTx(ctx, tx, ownerID, &p, true)
		if err != nil {
			return nil, err
		}
		resp.IDMap[p.LocalID] = *assigned
	}

	for _, p := range changes.Patients.Updated {
		if err := validatePushedPatient(&p, ownerID); err != nil {
			reject(model.EntityPatient, p.LocalID, err.Error())
			continue
		}
		if _, err := db.upsertPatientTx(ctx, tx, ownerID, &p, false); err != nil {
			return nil, err
		}
	}

	for _, localID := range changes.Patients.Deleted {
		if err := deleteEntityTx(ctx, tx, model.EntityPatient, ownerID, localID, now); err != nil {
			return nil, err
		}
	}

	for _, n := range changes.Notes.Created {
		assigned, reason, err := db.upsertNoteTx(ctx, tx, ownerID, &n, true)
		if err != nil {
			return nil, err
		}
		if reason != "" {
			reject(model.EntityNote, n.LocalID, reason)
			continue
		}
		resp.IDMap[n.LocalID] = *assigned
	}

	for _, n := range changes.Notes.Updated {
		_, reason, err := db.upsertNoteTx(ctx, tx, ownerID, &n, false)
		if err != nil {
			return nil, err
		}
		if reason != "" {
			reject(model.EntityNote, n.LocalID, reason)
		}
	}

	for _, localID := range changes.Notes.Deleted {
		if err := deleteEntityTx(ctx, tx, model.EntityNote, ownerID, localID, now); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit push: %w", err)
	}
	return resp, nil
}

func validatePushedPatient(p *model.Patient, ownerID string) error {
	if p.LocalID == "" {
		return fmt.Errorf("local_id is required")
	}
	if p.Name == "" {
		return fmt.Errorf("name is required")
	}
	if p.OwnerID != "" && p.OwnerID != ownerID {
		return fmt.Errorf("record belongs to a different owner")
	}
	return nil
}

// upsertPatientTx writes a pushed patient. For creates the canonical
// identity is minted on first sight and reused on replay.
func (db *DB) upsertPatientTx(ctx context.Context, tx *sql.Tx, ownerID string, p *model.Patient, create bool) (*model.IDAssignment, error) {
	var serverID, patientID string
	var storedUpdated int64
	err := tx.QueryRowContext(ctx,
		`SELECT server_id, patient_id, updated_at FROM patients
		 WHERE local_id = ? AND owner_id = ?`, p.LocalID, ownerID).
		Scan(&serverID, &patientID, &storedUpdated)
	exists := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to look up patient %s: %w", p.LocalID, err)
	}

	if !exists {
		if !create {
			// Update for a record the server never saw: accept it as a
			// late create so no data is stranded on the device.
			create = true
		}
		serverID = uuid.NewString()
		patientID, err = nextPatientID(ctx, tx, ownerID)
		if err != nil {
			return nil, err
		}
	}

	incoming := p.UpdatedAt.UnixMilli()
	if exists && storedUpdated >= incoming {
		// Another device already pushed a newer version; last writer
		// wins and this client learns about it on its next pull.
		return &model.IDAssignment{ServerID: serverID, PatientID: patientID}, nil
	}

	group := p.Group
	if group == "" {
		group = model.DefaultGroup
	}

	_, err = tx.ExecContext(ctx, `
	INSERT INTO patients (
		local_id, server_id, patient_id, owner_id, name, phone, email,
		address, location, initial_complaint, initial_diagnosis, photo_ref,
		patient_group, is_favorite, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(local_id) DO UPDATE SET
		name = excluded.name,
		phone = excluded.phone,
		email = excluded.email,
		address = excluded.address,
		location = excluded.location,
		initial_complaint = excluded.initial_complaint,
		initial_diagnosis = excluded.initial_diagnosis,
		photo_ref = excluded.photo_ref,
		patient_group = excluded.patient_group,
		is_favorite = excluded.is_favorite,
		updated_at = excluded.updated_at`,
		p.LocalID, serverID, patientID, ownerID,
		p.Name, p.Phone, p.Email, p.Address, p.Location,
		p.InitialComplaint, p.InitialDiagnosis, p.PhotoRef,
		group, boolToInt(p.IsFavorite),
		p.CreatedAt.UnixMilli(), incoming)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert patient %s: %w", p.LocalID, err)
	}

	return &model.IDAssignment{ServerID: serverID, PatientID: patientID}, nil
}

// upsertNoteTx writes a pushed note. Returns a rejection reason for
// per-record validation failures.
func (db *DB) upsertNoteTx(ctx context.Context, tx *sql.Tx, ownerID string, n *model.PatientNote, create bool) (*model.IDAssignment, string, error) {
	if n.LocalID == "" {
		return nil, "local_id is required", nil
	}
	if n.Content == "" {
		return nil, "content is required", nil
	}
	if !model.ValidVisitType(n.VisitType) {
		return nil, fmt.Sprintf("invalid visit_type %q", n.VisitType), nil
	}

	// The referenced patient must already be on the server. Patients in
	// the same batch are applied first, so in-batch references resolve.
	var patientServerID string
	err := tx.QueryRowContext(ctx,
		`SELECT server_id FROM patients WHERE local_id = ? AND owner_id = ?`,
		n.PatientLocalID, ownerID).Scan(&patientServerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Sprintf("unknown patient %s", n.PatientLocalID), nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to resolve note parent: %w", err)
	}

	var serverID string
	var storedUpdated int64
	err = tx.QueryRowContext(ctx,
		`SELECT server_id, updated_at FROM patient_notes
		 WHERE local_id = ? AND owner_id = ?`, n.LocalID, ownerID).
		Scan(&serverID, &storedUpdated)
	exists := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, "", fmt.Errorf("failed to look up note %s: %w", n.LocalID, err)
	}
	if !exists {
		serverID = uuid.NewString()
	}

	incoming := n.UpdatedAt.UnixMilli()
	if exists && storedUpdated >= incoming {
		return &model.IDAssignment{ServerID: serverID}, "", nil
	}

	createdBy := n.CreatedBy
	if createdBy == "" {
		createdBy = "practitioner"
	}

	_, err = tx.ExecContext(ctx, `
	INSERT INTO patient_notes (
		local_id, server_id, patient_local_id, patient_server_id, owner_id,
		content, visit_type, created_by, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(local_id) DO UPDATE SET
		content = excluded.content,
		visit_type = excluded.visit_type,
		updated_at = excluded.updated_at`,
		n.LocalID, serverID, n.PatientLocalID, patientServerID, ownerID,
		n.Content, string(n.VisitType), createdBy,
		n.CreatedAt.UnixMilli(), incoming)
	if err != nil {
		return nil, "", fmt.Errorf("failed to upsert note %s: %w", n.LocalID, err)
	}

	return &model.IDAssignment{ServerID: serverID}, "", nil
}

// deleteEntityTx removes a record and remembers the deletion for pulls.
// Idempotent: deleting an unknown record still records the tombstone.
func deleteEntityTx(ctx context.Context, tx *sql.Tx, entityType, ownerID, localID string, now int64) error {
	table := "patients"
	if entityType == model.EntityNote {
		table = "patient_notes"
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM `+table+` WHERE local_id = ? AND owner_id = ?`,
		localID, ownerID); err != nil {
		return fmt.Errorf("failed to delete %s %s: %w", entityType, localID, err)
	}

	if entityType == model.EntityPatient {
		// Orphaned notes disappear with their patient.
		rows, err := tx.QueryContext(ctx,
			`SELECT local_id FROM patient_notes WHERE patient_local_id = ? AND owner_id = ?`,
			localID, ownerID)
		if err != nil {
			return fmt.Errorf("failed to find orphaned notes: %w", err)
		}
		var orphans []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan orphaned note: %w", err)
			}
			orphans = append(orphans, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("error iterating orphaned notes: %w", err)
		}
		for _, id := range orphans {
			if err := deleteEntityTx(ctx, tx, model.EntityNote, ownerID, id, now); err != nil {
				return err
			}
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO tombstones (entity_type, local_id, owner_id, deleted_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(entity_type, local_id) DO UPDATE SET deleted_at = excluded.deleted_at`,
		entityType, localID, ownerID, now); err != nil {
		return fmt.Errorf("failed to record tombstone for %s: %w", localID, err)
	}
	return nil
}

// Changes collects everything that changed for an owner since the
// watermark, split into created / updated / deleted per collection.
func (db *DB) Changes(ctx context.Context, ownerID string, since int64) (*model.PullResponse, error) {
	resp := &model.PullResponse{Timestamp: time.Now().UTC().UnixMilli()}

	patients, err := db.patientsSince(ctx, ownerID, since)
	if err != nil {
		return nil, err
	}
	resp.Changes.Patients = *patients

	notes, err := db.notesSince(ctx, ownerID, since)
	if err != nil {
		return nil, err
	}
	resp.Changes.Notes = *notes

	rows, err := db.conn.QueryContext(ctx,
		`SELECT entity_type, local_id FROM tombstones
		 WHERE owner_id = ? AND deleted_at > ?`, ownerID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query tombstones: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var entityType, localID string
		if err := rows.Scan(&entityType, &localID); err != nil {
			return nil, fmt.Errorf("failed to scan tombstone: %w", err)
		}
		if entityType == model.EntityPatient {
			resp.Changes.Patients.Deleted = append(resp.Changes.Patients.Deleted, localID)
		} else {
			resp.Changes.Notes.Deleted = append(resp.Changes.Notes.Deleted, localID)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tombstones: %w", err)
	}

	return resp, nil
}

func (db *DB) patientsSince(ctx context.Context, ownerID string, since int64) (*model.PatientChanges, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT local_id, server_id, patient_id, owner_id, name, phone, email,
		        address, location, initial_complaint, initial_diagnosis, photo_ref,
		        patient_group, is_favorite, created_at, updated_at
		 FROM patients WHERE owner_id = ? AND updated_at > ?
		 ORDER BY updated_at ASC`, ownerID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query changed patients: %w", err)
	}
	defer rows.Close()

	changes := &model.PatientChanges{}
	for rows.Next() {
		var p model.Patient
		var isFavorite int
		var createdAt, updatedAt int64
		err := rows.Scan(
			&p.LocalID, &p.ServerID, &p.PatientID, &p.OwnerID,
			&p.Name, &p.Phone, &p.Email, &p.Address, &p.Location,
			&p.InitialComplaint, &p.InitialDiagnosis, &p.PhotoRef,
			&p.Group, &isFavorite, &createdAt, &updatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan patient: %w", err)
		}
		p.IsFavorite = isFavorite != 0
		p.CreatedAt = time.UnixMilli(createdAt).UTC()
		p.UpdatedAt = time.UnixMilli(updatedAt).UTC()

		// A record born inside the window is a create; otherwise an update.
		if createdAt > since {
			changes.Created = append(changes.Created, p)
		} else {
			changes.Updated = append(changes.Updated, p)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating patients: %w", err)
	}
	return changes, nil
}

func (db *DB) notesSince(ctx context.Context, ownerID string, since int64) (*model.NoteChanges, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT local_id, server_id, patient_local_id, patient_server_id, owner_id,
		        content, visit_type, created_by, created_at, updated_at
		 FROM patient_notes WHERE owner_id = ? AND updated_at > ?
		 ORDER BY updated_at ASC`, ownerID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query changed notes: %w", err)
	}
	defer rows.Close()

	changes := &model.NoteChanges{}
	for rows.Next() {
		var n model.PatientNote
		var visitType string
		var createdAt, updatedAt int64
		err := rows.Scan(
			&n.LocalID, &n.ServerID, &n.PatientLocalID, &n.PatientServerID,
			&n.OwnerID, &n.Content, &visitType, &n.CreatedBy,
			&createdAt, &updatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan note: %w", err)
		}
		n.VisitType = model.VisitType(visitType)
		n.CreatedAt = time.UnixMilli(createdAt).UTC()
		n.UpdatedAt = time.UnixMilli(updatedAt).UTC()

		if createdAt > since {
			changes.Created = append(changes.Created, n)
		} else {
			changes.Updated = append(changes.Updated, n)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating notes: %w", err)
	}
	return changes, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
