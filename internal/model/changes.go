package model

import "time"

// Entity names used on the wire and in the mutation queue.
const (
	EntityPatient = "patients"
	EntityNote    = "patient_notes"
)

// PatientChanges groups patient creates, updates and deletes for one
// direction of a sync exchange. Deleted carries local IDs only.
type PatientChanges struct {
	Created []Patient `json:"created"`
	Updated []Patient `json:"updated"`
	Deleted []string  `json:"deleted"`
}

// Empty reports whether the change group carries nothing.
func (c PatientChanges) Empty() bool {
	return len(c.Created) == 0 && len(c.Updated) == 0 && len(c.Deleted) == 0
}

// NoteChanges groups note creates, updates and deletes.
type NoteChanges struct {
	Created []PatientNote `json:"created"`
	Updated []PatientNote `json:"updated"`
	Deleted []string      `json:"deleted"`
}

// Empty reports whether the change group carries nothing.
func (c NoteChanges) Empty() bool {
	return len(c.Created) == 0 && len(c.Updated) == 0 && len(c.Deleted) == 0
}

// ChangeSet is the full payload exchanged in either direction.
type ChangeSet struct {
	Patients PatientChanges `json:"patients"`
	Notes    NoteChanges    `json:"patient_notes"`
}

// Empty reports whether the change set carries nothing.
func (c ChangeSet) Empty() bool {
	return c.Patients.Empty() && c.Notes.Empty()
}

// IDAssignment is the server identity minted for one pushed create.
type IDAssignment struct {
	ServerID  string `json:"server_id"`
	PatientID string `json:"patient_id,omitempty"` // only set for patients
}

// RejectedOp reports a single pushed op the server refused.
// The rest of the batch is unaffected.
type RejectedOp struct {
	EntityType string `json:"entity_type"`
	LocalID    string `json:"local_id"`
	Reason     string `json:"reason"`
}

// PushRequest is the body of POST /sync/push.
type PushRequest struct {
	Changes ChangeSet `json:"changes"`
}

// PushResponse maps pushed local IDs to their server identities.
// AckAt is the server-side acknowledgment time in milliseconds.
type PushResponse struct {
	IDMap    map[string]IDAssignment `json:"id_map"`
	Rejected []RejectedOp            `json:"rejected,omitempty"`
	AckAt    int64                   `json:"ack_at"`
}

// PullResponse carries server-side changes since a watermark plus the
// new watermark value (milliseconds since epoch).
type PullResponse struct {
	Changes   ChangeSet `json:"changes"`
	Timestamp int64     `json:"timestamp"`
}

// Watermark helpers. Watermarks travel as millisecond epochs, matching
// the last_pulled_at query parameter; zero means "never pulled".

// WatermarkTime converts a millisecond watermark to a time.Time.
func WatermarkTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// TimeWatermark converts a time to its millisecond watermark value.
func TimeWatermark(t time.Time) int64 {
	return t.UnixMilli()
}
