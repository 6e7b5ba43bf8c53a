package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/clinsync/clinsync/internal/model"
)

// ErrNotFound is returned when a point read misses.
var ErrNotFound = errors.New("record not found")

const patientColumns = `local_id, server_id, patient_id, owner_id, name, phone, email,
	address, location, initial_complaint, initial_diagnosis, photo_ref,
	patient_group, is_favorite, created_at, updated_at, dirty, deleted, last_synced_at`

// Filter describes the predicates the UI queries with.
type Filter struct {
	// OwnerID scopes the query; required.
	OwnerID string
	// Search matches case-insensitive substrings of name, patient_id,
	// phone and email.
	Search string
	// Group filters by exact group name (empty = all groups).
	Group string
	// FavoritesOnly restricts to is_favorite records.
	FavoritesOnly bool
	// NeedsSync restricts to records with unpushed local changes.
	NeedsSync bool
	// IncludeDeleted includes tombstoned records (sync internals only).
	IncludeDeleted bool
	// Limit restricts the number of results (0 = no limit).
	Limit int
}

// CreatePatient inserts a new patient and records the create in the
// offline queue, in one transaction. Missing LocalID, Group and
// timestamps are filled in; the record starts dirty.
func (s *Store) CreatePatient(ctx context.Context, p *model.Patient) error {
	if p.LocalID == "" {
		p.LocalID = model.NewLocalID()
	}
	if p.Group == "" {
		p.Group = model.DefaultGroup
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = now
	}
	p.Dirty = true

	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid patient: %w", err)
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := upsertPatientTx(ctx, tx, p); err != nil {
			return err
		}
		return recordMutationTx(ctx, tx, model.EntityPatient, p.LocalID, model.OpCreate, p)
	})
}

// PatientPatch holds the updatable patient fields. Nil means "leave as is".
type PatientPatch struct {
	Name             *string
	Phone            *string
	Email            *string
	Address          *string
	Location         *string
	InitialComplaint *string
	InitialDiagnosis *string
	PhotoRef         *string
	Group            *string
	IsFavorite       *bool
}

// UpdatePatient applies the patch to the patient, marks it dirty and
// records the update in the offline queue, in one transaction.
// Returns the updated record.
func (s *Store) UpdatePatient(ctx context.Context, localID string, patch PatientPatch) (*model.Patient, error) {
	var updated *model.Patient

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		p, err := getPatientTx(ctx, tx, localID)
		if err != nil {
			return err
		}
		if p.Deleted {
			return fmt.Errorf("patient %s: %w", localID, ErrNotFound)
		}

		applyPatch := func(dst *string, src *string) {
			if src != nil {
				*dst = *src
			}
		}
		applyPatch(&p.Name, patch.Name)
		applyPatch(&p.Phone, patch.Phone)
		applyPatch(&p.Email, patch.Email)
		applyPatch(&p.Address, patch.Address)
		applyPatch(&p.Location, patch.Location)
		applyPatch(&p.InitialComplaint, patch.InitialComplaint)
		applyPatch(&p.InitialDiagnosis, patch.InitialDiagnosis)
		applyPatch(&p.PhotoRef, patch.PhotoRef)
		applyPatch(&p.Group, patch.Group)
		if patch.IsFavorite != nil {
			p.IsFavorite = *patch.IsFavorite
		}

		p.UpdatedAt = time.Now().UTC()
		p.Dirty = true

		if err := p.Validate(); err != nil {
			return fmt.Errorf("invalid patient: %w", err)
		}
		if err := upsertPatientTx(ctx, tx, p); err != nil {
			return err
		}
		if err := recordMutationTx(ctx, tx, model.EntityPatient, p.LocalID, model.OpUpdate, p); err != nil {
			return err
		}
		updated = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// SoftDeletePatient tombstones the patient and its notes. The records
// stay on device until the server acknowledges the delete, then the
// push acknowledgment purges them.
func (s *Store) SoftDeletePatient(ctx context.Context, localID string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		p, err := getPatientTx(ctx, tx, localID)
		if err != nil {
			return err
		}
		if p.Deleted {
			return nil // idempotent
		}

		notes, err := liveNotesTx(ctx, tx, localID)
		if err != nil {
			return err
		}

		now := timeToMillis(time.Now().UTC())
		if _, err := tx.ExecContext(ctx,
			`UPDATE patients SET deleted = 1, dirty = 1, updated_at = ? WHERE local_id = ?`,
			now, localID); err != nil {
			return fmt.Errorf("failed to tombstone patient %s: %w", localID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE patient_notes SET deleted = 1, dirty = 1, updated_at = ? WHERE patient_local_id = ?`,
			now, localID); err != nil {
			return fmt.Errorf("failed to tombstone notes of %s: %w", localID, err)
		}

		// Each cascaded note gets its own queue entry so the collapse
		// rules see its full create-to-delete history.
		for i := range notes {
			n := &notes[i]
			n.Deleted = true
			n.Dirty = true
			n.UpdatedAt = millisToTime(now)
			if err := recordMutationTx(ctx, tx, model.EntityNote, n.LocalID, model.OpDelete, n); err != nil {
				return err
			}
		}

		p.Deleted = true
		p.Dirty = true
		p.UpdatedAt = millisToTime(now)
		return recordMutationTx(ctx, tx, model.EntityPatient, localID, model.OpDelete, p)
	})
}

// GetPatient retrieves a single patient by local ID.
// Returns ErrNotFound if the record doesn't exist.
func (s *Store) GetPatient(ctx context.Context, localID string) (*model.Patient, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT `+patientColumns+` FROM patients WHERE local_id = ?`, localID)
	p, err := scanPatient(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("patient %s: %w", localID, ErrNotFound)
	}
	return p, err
}

// QueryPatients retrieves patients matching the filter, newest first.
func (s *Store) QueryPatients(ctx context.Context, filter Filter) ([]model.Patient, error) {
	var conditions []string
	var args []interface{}

	conditions = append(conditions, "owner_id = ?")
	args = append(args, filter.OwnerID)

	if !filter.IncludeDeleted {
		conditions = append(conditions, "deleted = 0")
	}

	if filter.Search != "" {
		needle := strings.ToLower(filter.Search)
		conditions = append(conditions,
			`(instr(lower(name), ?) > 0
			  OR instr(lower(coalesce(patient_id, '')), ?) > 0
			  OR instr(lower(phone), ?) > 0
			  OR instr(lower(email), ?) > 0)`)
		args = append(args, needle, needle, needle, needle)
	}

	if filter.Group != "" {
		conditions = append(conditions, "patient_group = ?")
		args = append(args, filter.Group)
	}

	if filter.FavoritesOnly {
		conditions = append(conditions, "is_favorite = 1")
	}

	if filter.NeedsSync {
		conditions = append(conditions, "dirty = 1")
	}

	query := `SELECT ` + patientColumns + ` FROM patients
		WHERE ` + strings.Join(conditions, " AND ") + `
		ORDER BY created_at DESC, local_id ASC`

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query patients: %w", err)
	}
	defer rows.Close()

	return scanPatients(rows)
}

// DistinctGroups returns the distinct non-empty group names for an owner.
func (s *Store) DistinctGroups(ctx context.Context, ownerID string) ([]string, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT DISTINCT patient_group FROM patients
		 WHERE owner_id = ? AND deleted = 0 AND patient_group != ''
		 ORDER BY patient_group ASC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query groups: %w", err)
	}
	defer rows.Close()

	var groups []string
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, fmt.Errorf("failed to scan group: %w", err)
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating groups: %w", err)
	}
	return groups, nil
}

// OwnerStats summarizes an owner's records for the stats screen.
type OwnerStats struct {
	TotalPatients    int
	FavoritePatients int
	GroupCounts      map[string]int
	PendingChanges   int
}

// Stats computes patient counts for an owner.
func (s *Store) Stats(ctx context.Context, ownerID string) (*OwnerStats, error) {
	stats := &OwnerStats{GroupCounts: make(map[string]int)}

	err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN is_favorite = 1 THEN 1 ELSE 0 END), 0)
		 FROM patients WHERE owner_id = ? AND deleted = 0`, ownerID).
		Scan(&stats.TotalPatients, &stats.FavoritePatients)
	if err != nil {
		return nil, fmt.Errorf("failed to count patients: %w", err)
	}

	rows, err := s.conn.QueryContext(ctx,
		`SELECT patient_group, COUNT(*) FROM patients
		 WHERE owner_id = ? AND deleted = 0
		 GROUP BY patient_group ORDER BY COUNT(*) DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to count groups: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var group string
		var count int
		if err := rows.Scan(&group, &count); err != nil {
			return nil, fmt.Errorf("failed to scan group count: %w", err)
		}
		stats.GroupCounts[group] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating group counts: %w", err)
	}

	err = s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM mutations`).Scan(&stats.PendingChanges)
	if err != nil {
		return nil, fmt.Errorf("failed to count pending mutations: %w", err)
	}

	return stats, nil
}

// upsertPatientTx writes the full patient row inside a transaction.
func upsertPatientTx(ctx context.Context, tx *sql.Tx, p *model.Patient) error {
	query := `
	INSERT INTO patients (
		local_id, server_id, patient_id, owner_id, name, phone, email,
		address, location, initial_complaint, initial_diagnosis, photo_ref,
		patient_group, is_favorite, created_at, updated_at, dirty, deleted, last_synced_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(local_id) DO UPDATE SET
		server_id = excluded.server_id,
		patient_id = excluded.patient_id,
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
		updated_at = excluded.updated_at,
		dirty = excluded.dirty,
		deleted = excluded.deleted,
		last_synced_at = excluded.last_synced_at
	`

	_, err := tx.ExecContext(ctx, query,
		p.LocalID,
		nullString(p.ServerID),
		nullString(p.PatientID),
		p.OwnerID,
		p.Name,
		p.Phone,
		p.Email,
		p.Address,
		p.Location,
		p.InitialComplaint,
		p.InitialDiagnosis,
		p.PhotoRef,
		p.Group,
		boolToInt(p.IsFavorite),
		timeToMillis(p.CreatedAt),
		timeToMillis(p.UpdatedAt),
		boolToInt(p.Dirty),
		boolToInt(p.Deleted),
		timePtrToNullInt(p.LastSyncedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert patient %s: %w", p.LocalID, err)
	}
	return nil
}

func getPatientTx(ctx context.Context, tx *sql.Tx, localID string) (*model.Patient, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+patientColumns+` FROM patients WHERE local_id = ?`, localID)
	p, err := scanPatient(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("patient %s: %w", localID, ErrNotFound)
	}
	return p, err
}

// recordMutationTx appends an offline-queue row in the same transaction
// as the write it records, so the queue can never diverge from the data.
func recordMutationTx(ctx context.Context, tx *sql.Tx, entityType, localID string, op model.OpKind, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal mutation payload: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO mutations (entity_type, local_id, op, payload, recorded_at)
		 VALUES (?, ?, ?, ?, ?)`,
		entityType, localID, string(op), string(data), timeToMillis(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("failed to record mutation: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPatient(row rowScanner) (*model.Patient, error) {
	var p model.Patient
	var serverID, patientID sql.NullString
	var isFavorite, dirty, deleted int
	var createdAt, updatedAt int64
	var lastSyncedAt sql.NullInt64

	err := row.Scan(
		&p.LocalID,
		&serverID,
		&patientID,
		&p.OwnerID,
		&p.Name,
		&p.Phone,
		&p.Email,
		&p.Address,
		&p.Location,
		&p.InitialComplaint,
		&p.InitialDiagnosis,
		&p.PhotoRef,
		&p.Group,
		&isFavorite,
		&createdAt,
		&updatedAt,
		&dirty,
		&deleted,
		&lastSyncedAt,
	)
	if err != nil {
		return nil, err
	}

	p.ServerID = serverID.String
	p.PatientID = patientID.String
	p.IsFavorite = isFavorite != 0
	p.CreatedAt = millisToTime(createdAt)
	p.UpdatedAt = millisToTime(updatedAt)
	p.Dirty = dirty != 0
	p.Deleted = deleted != 0
	p.LastSyncedAt = nullIntToTimePtr(lastSyncedAt)

	return &p, nil
}

func scanPatients(rows *sql.Rows) ([]model.Patient, error) {
	var patients []model.Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan patient: %w", err)
		}
		patients = append(patients, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating patients: %w", err)
	}
	return patients, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
