package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/clinsync/clinsync/internal/model"
)

// watermarkKey is the sync_state row holding the last pull watermark.
const watermarkKey = "last_pulled_at"

// ApplyPushAck applies a push acknowledgment in a single transaction:
// server identities from idMap are written, dirty flags are cleared for
// the exact versions that were pushed, note references to just-assigned
// patients are rewritten, and acknowledged tombstones are purged.
//
// The exact-version guard matters: a local write that lands between the
// push and its acknowledgment bumps updated_at, and that newer version
// must stay dirty for the next cycle.
func (s *Store) ApplyPushAck(ctx context.Context, pushed model.ChangeSet, idMap map[string]model.IDAssignment, ackAt time.Time) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		ackMillis := timeToMillis(ackAt)

		// Server identities for pushed creates.
		for localID, assigned := range idMap {
			if assigned.PatientID != "" {
				if _, err := tx.ExecContext(ctx,
					`UPDATE patients SET server_id = ?, patient_id = ? WHERE local_id = ?`,
					assigned.ServerID, assigned.PatientID, localID); err != nil {
					return fmt.Errorf("failed to assign server identity to %s: %w", localID, err)
				}
				// Rewrite note references to the just-assigned patient.
				if _, err := tx.ExecContext(ctx,
					`UPDATE patient_notes SET patient_server_id = ? WHERE patient_local_id = ?`,
					assigned.ServerID, localID); err != nil {
					return fmt.Errorf("failed to rewrite note refs for %s: %w", localID, err)
				}
			} else {
				if _, err := tx.ExecContext(ctx,
					`UPDATE patient_notes SET server_id = ? WHERE local_id = ?`,
					assigned.ServerID, localID); err != nil {
					return fmt.Errorf("failed to assign server identity to note %s: %w", localID, err)
				}
			}
		}

		// Clear dirty for the exact pushed versions.
		for _, p := range append(pushed.Patients.Created, pushed.Patients.Updated...) {
			if _, err := tx.ExecContext(ctx,
				`UPDATE patients SET dirty = 0, last_synced_at = ?
				 WHERE local_id = ? AND updated_at = ?`,
				ackMillis, p.LocalID, timeToMillis(p.UpdatedAt)); err != nil {
				return fmt.Errorf("failed to clear dirty on patient %s: %w", p.LocalID, err)
			}
		}
		for _, n := range append(pushed.Notes.Created, pushed.Notes.Updated...) {
			if _, err := tx.ExecContext(ctx,
				`UPDATE patient_notes SET dirty = 0
				 WHERE local_id = ? AND updated_at = ?`,
				n.LocalID, timeToMillis(n.UpdatedAt)); err != nil {
				return fmt.Errorf("failed to clear dirty on note %s: %w", n.LocalID, err)
			}
		}

		// Acknowledged deletes: the tombstones have served their purpose.
		for _, localID := range pushed.Notes.Deleted {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM patient_notes WHERE local_id = ? AND deleted = 1`, localID); err != nil {
				return fmt.Errorf("failed to purge note tombstone %s: %w", localID, err)
			}
		}
		for _, localID := range pushed.Patients.Deleted {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM patient_notes WHERE patient_local_id = ?`, localID); err != nil {
				return fmt.Errorf("failed to purge notes of %s: %w", localID, err)
			}
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM patients WHERE local_id = ? AND deleted = 1`, localID); err != nil {
				return fmt.Errorf("failed to purge patient tombstone %s: %w", localID, err)
			}
		}

		return nil
	})
}

// RemoteApplyResult reports what a pull application did.
type RemoteApplyResult struct {
	Applied          int
	ConflictsDropped int
}

// ApplyRemoteChanges applies a pull response in a single transaction and
// advances the watermark in the same transaction, so a failure partway
// leaves the watermark untouched and the next cycle re-pulls the window.
//
// The last-writer-wins guard: a remote record is applied over a locally
// dirty one only when the remote updated_at is strictly newer; otherwise
// the remote change is dropped for this cycle and the local version wins
// on the next push. Remote deletes carry no timestamp and never override
// a dirty local record.
func (s *Store) ApplyRemoteChanges(ctx context.Context, changes model.ChangeSet, newWatermark int64) (*RemoteApplyResult, error) {
	result := &RemoteApplyResult{}
	now := time.Now().UTC()

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, p := range append(changes.Patients.Created, changes.Patients.Updated...) {
			ok, err := remoteWins(ctx, tx, "patients", p.LocalID, p.UpdatedAt)
			if err != nil {
				return err
			}
			if !ok {
				result.ConflictsDropped++
				continue
			}
			incoming := p
			incoming.Dirty = false
			incoming.Deleted = false
			incoming.LastSyncedAt = &now
			if err := upsertPatientTx(ctx, tx, &incoming); err != nil {
				return err
			}
			result.Applied++
		}

		for _, n := range append(changes.Notes.Created, changes.Notes.Updated...) {
			ok, err := remoteWins(ctx, tx, "patient_notes", n.LocalID, n.UpdatedAt)
			if err != nil {
				return err
			}
			if !ok {
				result.ConflictsDropped++
				continue
			}
			// A note can only land if its patient exists locally.
			var exists int
			err = tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM patients WHERE local_id = ? AND deleted = 0`,
				n.PatientLocalID).Scan(&exists)
			if err != nil {
				return fmt.Errorf("failed to resolve note parent: %w", err)
			}
			if exists == 0 {
				result.ConflictsDropped++
				continue
			}
			incoming := n
			incoming.Dirty = false
			incoming.Deleted = false
			if err := upsertNoteTx(ctx, tx, &incoming); err != nil {
				return err
			}
			result.Applied++
		}

		for _, localID := range changes.Notes.Deleted {
			ok, err := remoteWins(ctx, tx, "patient_notes", localID, time.Time{})
			if err != nil {
				return err
			}
			if !ok {
				result.ConflictsDropped++
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM patient_notes WHERE local_id = ?`, localID); err != nil {
				return fmt.Errorf("failed to apply remote note delete %s: %w", localID, err)
			}
			result.Applied++
		}
		for _, localID := range changes.Patients.Deleted {
			ok, err := remoteWins(ctx, tx, "patients", localID, time.Time{})
			if err != nil {
				return err
			}
			if !ok {
				result.ConflictsDropped++
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM patient_notes WHERE patient_local_id = ?`, localID); err != nil {
				return fmt.Errorf("failed to apply remote delete of notes for %s: %w", localID, err)
			}
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM patients WHERE local_id = ?`, localID); err != nil {
				return fmt.Errorf("failed to apply remote patient delete %s: %w", localID, err)
			}
			result.Applied++
		}

		return setSyncStateTx(ctx, tx, watermarkKey, strconv.FormatInt(newWatermark, 10))
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// remoteWins checks the LWW guard for one incoming record. A zero
// remoteUpdated (deletes) never beats a dirty local record.
func remoteWins(ctx context.Context, tx *sql.Tx, table, localID string, remoteUpdated time.Time) (bool, error) {
	var dirty int
	var localUpdated int64
	err := tx.QueryRowContext(ctx,
		`SELECT dirty, updated_at FROM `+table+` WHERE local_id = ?`, localID).
		Scan(&dirty, &localUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil // no local copy, remote wins by default
	}
	if err != nil {
		return false, fmt.Errorf("failed to read local version of %s: %w", localID, err)
	}
	if dirty == 0 {
		return true, nil
	}
	if remoteUpdated.IsZero() {
		return false, nil
	}
	return timeToMillis(remoteUpdated) > localUpdated, nil
}

// Watermark returns the last pull watermark in milliseconds, 0 if the
// client has never pulled.
func (s *Store) Watermark(ctx context.Context) (int64, error) {
	var value string
	err := s.conn.QueryRowContext(ctx,
		`SELECT value FROM sync_state WHERE key = ?`, watermarkKey).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read watermark: %w", err)
	}
	ms, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt watermark %q: %w", value, err)
	}
	return ms, nil
}

// ResetWatermark clears the pull watermark (logout).
func (s *Store) ResetWatermark(ctx context.Context) error {
	_, err := s.conn.ExecContext(ctx,
		`DELETE FROM sync_state WHERE key = ?`, watermarkKey)
	if err != nil {
		return fmt.Errorf("failed to reset watermark: %w", err)
	}
	return nil
}

// PurgeOwner removes all cached records and queue entries for an owner.
// Used by logout cleanup.
func (s *Store) PurgeOwner(ctx context.Context, ownerID string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM patient_notes WHERE owner_id = ?`, ownerID); err != nil {
			return fmt.Errorf("failed to purge notes: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM patients WHERE owner_id = ?`, ownerID); err != nil {
			return fmt.Errorf("failed to purge patients: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM mutations`); err != nil {
			return fmt.Errorf("failed to purge mutation queue: %w", err)
		}
		return nil
	})
}

func setSyncStateTx(ctx context.Context, tx *sql.Tx, key, value string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO sync_state (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("failed to write sync state %s: %w", key, err)
	}
	return nil
}
