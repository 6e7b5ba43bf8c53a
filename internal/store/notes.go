package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/clinsync/clinsync/internal/model"
)

const noteColumns = `local_id, server_id, patient_local_id, patient_server_id, owner_id,
	content, visit_type, created_by, created_at, updated_at, dirty, deleted`

// CreateNote inserts a new clinical note and records the create in the
// offline queue, in one transaction. The referenced patient must exist,
// be non-tombstoned and belong to the same owner.
func (s *Store) CreateNote(ctx context.Context, n *model.PatientNote) error {
	if n.LocalID == "" {
		n.LocalID = model.NewLocalID()
	}
	if n.VisitType == "" {
		n.VisitType = model.VisitRegular
	}
	if n.CreatedBy == "" {
		n.CreatedBy = "practitioner"
	}
	now := time.Now().UTC()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	if n.UpdatedAt.IsZero() {
		n.UpdatedAt = now
	}
	n.Dirty = true

	if err := n.Validate(); err != nil {
		return fmt.Errorf("invalid note: %w", err)
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		patient, err := getPatientTx(ctx, tx, n.PatientLocalID)
		if err != nil {
			return err
		}
		if patient.Deleted {
			return fmt.Errorf("patient %s is deleted: %w", n.PatientLocalID, ErrNotFound)
		}
		if patient.OwnerID != n.OwnerID {
			return fmt.Errorf("patient %s belongs to a different owner", n.PatientLocalID)
		}
		// Carry the patient's server identity if it is already assigned.
		if n.PatientServerID == "" {
			n.PatientServerID = patient.ServerID
		}

		if err := upsertNoteTx(ctx, tx, n); err != nil {
			return err
		}
		return recordMutationTx(ctx, tx, model.EntityNote, n.LocalID, model.OpCreate, n)
	})
}

// NotePatch holds the updatable note fields. Nil means "leave as is".
type NotePatch struct {
	Content   *string
	VisitType *model.VisitType
}

// UpdateNote applies the patch to the note, marks it dirty and records
// the update in the offline queue, in one transaction.
func (s *Store) UpdateNote(ctx context.Context, localID string, patch NotePatch) (*model.PatientNote, error) {
	var updated *model.PatientNote

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		n, err := getNoteTx(ctx, tx, localID)
		if err != nil {
			return err
		}
		if n.Deleted {
			return fmt.Errorf("note %s: %w", localID, ErrNotFound)
		}

		if patch.Content != nil {
			n.Content = *patch.Content
		}
		if patch.VisitType != nil {
			n.VisitType = *patch.VisitType
		}
		n.UpdatedAt = time.Now().UTC()
		n.Dirty = true

		if err := n.Validate(); err != nil {
			return fmt.Errorf("invalid note: %w", err)
		}
		if err := upsertNoteTx(ctx, tx, n); err != nil {
			return err
		}
		if err := recordMutationTx(ctx, tx, model.EntityNote, n.LocalID, model.OpUpdate, n); err != nil {
			return err
		}
		updated = n
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// SoftDeleteNote tombstones a note until the server acknowledges the delete.
func (s *Store) SoftDeleteNote(ctx context.Context, localID string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		n, err := getNoteTx(ctx, tx, localID)
		if err != nil {
			return err
		}
		if n.Deleted {
			return nil // idempotent
		}

		now := timeToMillis(time.Now().UTC())
		if _, err := tx.ExecContext(ctx,
			`UPDATE patient_notes SET deleted = 1, dirty = 1, updated_at = ? WHERE local_id = ?`,
			now, localID); err != nil {
			return fmt.Errorf("failed to tombstone note %s: %w", localID, err)
		}

		n.Deleted = true
		n.Dirty = true
		n.UpdatedAt = millisToTime(now)
		return recordMutationTx(ctx, tx, model.EntityNote, localID, model.OpDelete, n)
	})
}

// GetNote retrieves a single note by local ID.
// Returns ErrNotFound if the record doesn't exist.
func (s *Store) GetNote(ctx context.Context, localID string) (*model.PatientNote, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT `+noteColumns+` FROM patient_notes WHERE local_id = ?`, localID)
	n, err := scanNote(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("note %s: %w", localID, ErrNotFound)
	}
	return n, err
}

// NotesForPatient retrieves the non-tombstoned notes of a patient,
// newest first.
func (s *Store) NotesForPatient(ctx context.Context, patientLocalID string) ([]model.PatientNote, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT `+noteColumns+` FROM patient_notes
		 WHERE patient_local_id = ? AND deleted = 0
		 ORDER BY created_at DESC, local_id ASC`, patientLocalID)
	if err != nil {
		return nil, fmt.Errorf("failed to query notes: %w", err)
	}
	defer rows.Close()

	return scanNotes(rows)
}

// liveNotesTx returns the non-tombstoned notes of a patient inside a
// transaction. The patient delete cascade uses it to queue a delete per
// affected note.
func liveNotesTx(ctx context.Context, tx *sql.Tx, patientLocalID string) ([]model.PatientNote, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT `+noteColumns+` FROM patient_notes
		 WHERE patient_local_id = ? AND deleted = 0`, patientLocalID)
	if err != nil {
		return nil, fmt.Errorf("failed to query notes: %w", err)
	}
	defer rows.Close()
	return scanNotes(rows)
}

func upsertNoteTx(ctx context.Context, tx *sql.Tx, n *model.PatientNote) error {
	query := `
	INSERT INTO patient_notes (
		local_id, server_id, patient_local_id, patient_server_id, owner_id,
		content, visit_type, created_by, created_at, updated_at, dirty, deleted
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(local_id) DO UPDATE SET
		server_id = excluded.server_id,
		patient_server_id = excluded.patient_server_id,
		content = excluded.content,
		visit_type = excluded.visit_type,
		created_by = excluded.created_by,
		updated_at = excluded.updated_at,
		dirty = excluded.dirty,
		deleted = excluded.deleted
	`

	_, err := tx.ExecContext(ctx, query,
		n.LocalID,
		nullString(n.ServerID),
		n.PatientLocalID,
		nullString(n.PatientServerID),
		n.OwnerID,
		n.Content,
		string(n.VisitType),
		n.CreatedBy,
		timeToMillis(n.CreatedAt),
		timeToMillis(n.UpdatedAt),
		boolToInt(n.Dirty),
		boolToInt(n.Deleted),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert note %s: %w", n.LocalID, err)
	}
	return nil
}

func getNoteTx(ctx context.Context, tx *sql.Tx, localID string) (*model.PatientNote, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+noteColumns+` FROM patient_notes WHERE local_id = ?`, localID)
	n, err := scanNote(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("note %s: %w", localID, ErrNotFound)
	}
	return n, err
}

func scanNote(row rowScanner) (*model.PatientNote, error) {
	var n model.PatientNote
	var serverID, patientServerID sql.NullString
	var visitType string
	var dirty, deleted int
	var createdAt, updatedAt int64

	err := row.Scan(
		&n.LocalID,
		&serverID,
		&n.PatientLocalID,
		&patientServerID,
		&n.OwnerID,
		&n.Content,
		&visitType,
		&n.CreatedBy,
		&createdAt,
		&updatedAt,
		&dirty,
		&deleted,
	)
	if err != nil {
		return nil, err
	}

	n.ServerID = serverID.String
	n.PatientServerID = patientServerID.String
	n.VisitType = model.VisitType(visitType)
	n.CreatedAt = millisToTime(createdAt)
	n.UpdatedAt = millisToTime(updatedAt)
	n.Dirty = dirty != 0
	n.Deleted = deleted != 0

	return &n, nil
}

func scanNotes(rows *sql.Rows) ([]model.PatientNote, error) {
	var notes []model.PatientNote
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan note: %w", err)
		}
		notes = append(notes, *n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating notes: %w", err)
	}
	return notes, nil
}
