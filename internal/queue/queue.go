// Package queue implements the mutation tracker: the ordered record of
// local writes pending transmission to the server.
//
// Rows are appended by the store in the same transaction as the write
// they record. The tracker reads them back FIFO, collapses redundant
// ops per entity for push, and removes rows only on acknowledgment or
// per-op rejection. The full audit trail for an entity is retained
// until its op is acknowledged.
package queue

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/clinsync/clinsync/internal/model"
)

// Tracker reads and maintains the mutations table. It shares the
// store's database connection so queue changes join store transactions.
type Tracker struct {
	db *sql.DB
}

// New creates a Tracker over the store's connection.
func New(db *sql.DB) *Tracker {
	return &Tracker{db: db}
}

// PendingOp is one collapsed operation eligible for push.
//
// LastRowID is the newest audit row folded into this op; acknowledging
// the op removes every audit row up to and including it, so writes that
// land after the drain stay queued.
type PendingOp struct {
	EntityType string
	LocalID    string
	Op         model.OpKind
	Payload    []byte
	FirstRowID int64
	LastRowID  int64
}

// Drain returns the pending operations collapsed per (entityType,
// localId): multiple writes to one entity become a single op carrying
// only the latest field values. Collapse rules:
//
//   - create followed by delete, nothing acknowledged in between ->
//     both dropped; the server never saw the entity, so nothing is
//     pushed and the local tombstone is purged
//   - any other sequence ending in delete -> delete
//   - a sequence starting with create -> create with the newest payload
//   - otherwise -> update with the newest payload
//
// Ops are ordered by the first write to each entity (FIFO). The audit
// rows are left in place; call Acknowledge after the server confirms.
func (t *Tracker) Drain(ctx context.Context) ([]PendingOp, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT id, entity_type, local_id, op, payload
		 FROM mutations ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to read mutation queue: %w", err)
	}
	defer rows.Close()

	type key struct{ entityType, localID string }
	collapsed := make(map[key]*PendingOp)
	firstWasCreate := make(map[key]bool)
	var order []key

	for rows.Next() {
		var (
			id         int64
			entityType string
			localID    string
			op         string
			payload    string
		)
		if err := rows.Scan(&id, &entityType, &localID, &op, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan mutation: %w", err)
		}

		k := key{entityType, localID}
		pending, seen := collapsed[k]
		if !seen {
			collapsed[k] = &PendingOp{
				EntityType: entityType,
				LocalID:    localID,
				Op:         model.OpKind(op),
				Payload:    []byte(payload),
				FirstRowID: id,
				LastRowID:  id,
			}
			firstWasCreate[k] = model.OpKind(op) == model.OpCreate
			order = append(order, k)
			continue
		}

		// Fold the newer row in: latest payload always wins, the op
		// kind keeps "create" until a delete supersedes everything.
		pending.Payload = []byte(payload)
		pending.LastRowID = id
		switch model.OpKind(op) {
		case model.OpDelete:
			pending.Op = model.OpDelete
		case model.OpUpdate:
			if pending.Op != model.OpCreate {
				pending.Op = model.OpUpdate
			}
		case model.OpCreate:
			pending.Op = model.OpCreate
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating mutations: %w", err)
	}

	ops := make([]PendingOp, 0, len(order))
	var unborn []PendingOp
	for _, k := range order {
		pending := collapsed[k]
		if firstWasCreate[k] && pending.Op == model.OpDelete {
			unborn = append(unborn, *pending)
			continue
		}
		ops = append(ops, *pending)
	}

	if len(unborn) > 0 {
		if err := t.purgeUnborn(ctx, unborn); err != nil {
			return nil, err
		}
	}
	return ops, nil
}

// purgeUnborn removes entities created and deleted entirely offline.
// The server never saw them, so their audit rows and the local
// tombstone go away together. A note tombstone may already be gone when
// its parent patient was purged first (the foreign key cascades).
func (t *Tracker) purgeUnborn(ctx context.Context, ops []PendingOp) error {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, op := range ops {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM mutations
			 WHERE entity_type = ? AND local_id = ? AND id <= ?`,
			op.EntityType, op.LocalID, op.LastRowID); err != nil {
			return fmt.Errorf("failed to purge queue rows for %s: %w", op.LocalID, err)
		}

		var table string
		switch op.EntityType {
		case model.EntityPatient:
			table = "patients"
		case model.EntityNote:
			table = "patient_notes"
		default:
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM `+table+`
			 WHERE local_id = ? AND deleted = 1
			   AND (server_id IS NULL OR server_id = '')`,
			op.LocalID); err != nil {
			return fmt.Errorf("failed to purge tombstone for %s: %w", op.LocalID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit purge: %w", err)
	}
	return nil
}

// Acknowledge removes the audit rows covered by the given ops. Rows
// appended after an op's LastRowID are untouched and remain eligible
// for the next push.
func (t *Tracker) Acknowledge(ctx context.Context, ops []PendingOp) error {
	if len(ops) == 0 {
		return nil
	}

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, op := range ops {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM mutations
			 WHERE entity_type = ? AND local_id = ? AND id <= ?`,
			op.EntityType, op.LocalID, op.LastRowID); err != nil {
			return fmt.Errorf("failed to acknowledge op for %s: %w", op.LocalID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit acknowledgment: %w", err)
	}
	return nil
}

// Reject removes a single rejected op from the queue so it cannot block
// the batch. The caller surfaces the per-entity error to the user.
func (t *Tracker) Reject(ctx context.Context, op PendingOp) error {
	_, err := t.db.ExecContext(ctx,
		`DELETE FROM mutations
		 WHERE entity_type = ? AND local_id = ? AND id <= ?`,
		op.EntityType, op.LocalID, op.LastRowID)
	if err != nil {
		return fmt.Errorf("failed to drop rejected op for %s: %w", op.LocalID, err)
	}
	return nil
}

// PendingCount returns the number of audit rows awaiting acknowledgment.
func (t *Tracker) PendingCount(ctx context.Context) (int, error) {
	var count int
	err := t.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM mutations`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count mutations: %w", err)
	}
	return count, nil
}

// AuditTrail returns the unacknowledged writes recorded for one entity,
// oldest first.
func (t *Tracker) AuditTrail(ctx context.Context, entityType, localID string) ([]model.Mutation, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT id, entity_type, local_id, op, payload, recorded_at
		 FROM mutations WHERE entity_type = ? AND local_id = ?
		 ORDER BY id ASC`, entityType, localID)
	if err != nil {
		return nil, fmt.Errorf("failed to read audit trail: %w", err)
	}
	defer rows.Close()

	var muts []model.Mutation
	for rows.Next() {
		var m model.Mutation
		var op, payload string
		var recordedAt int64
		if err := rows.Scan(&m.ID, &m.EntityType, &m.LocalID, &op, &payload, &recordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit row: %w", err)
		}
		m.Op = model.OpKind(op)
		m.Payload = []byte(payload)
		m.RecordedAt = model.WatermarkTime(recordedAt)
		muts = append(muts, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit trail: %w", err)
	}
	return muts, nil
}
