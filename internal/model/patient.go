// Package model provides the data structures shared by the local store,
// the offline queue, the sync engine and the reference server.
//
// Records are flat and last-write-wins friendly: every field can be
// updated independently and UpdatedAt resolves conflicts between devices.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// VisitType classifies a clinical note by the kind of visit it records.
type VisitType string

const (
	VisitRegular   VisitType = "regular"
	VisitFollowUp  VisitType = "follow-up"
	VisitEmergency VisitType = "emergency"
	VisitInitial   VisitType = "initial"
)

// ValidVisitType reports whether v is one of the known visit types.
func ValidVisitType(v VisitType) bool {
	switch v {
	case VisitRegular, VisitFollowUp, VisitEmergency, VisitInitial:
		return true
	}
	return false
}

// DefaultGroup is assigned to patients created without an explicit group.
const DefaultGroup = "general"

// Patient is a single patient record as stored locally.
//
// LocalID is minted on the client and stable for the record's local
// lifetime. ServerID and PatientID are empty until the first successful
// push; only the server assigns them.
type Patient struct {
	LocalID   string `json:"local_id"`
	ServerID  string `json:"server_id,omitempty"`
	PatientID string `json:"patient_id,omitempty"` // human-readable, e.g. PAT001
	OwnerID   string `json:"owner_id"`

	Name             string `json:"name"`
	Phone            string `json:"phone,omitempty"`
	Email            string `json:"email,omitempty"`
	Address          string `json:"address,omitempty"`
	Location         string `json:"location,omitempty"`
	InitialComplaint string `json:"initial_complaint,omitempty"`
	InitialDiagnosis string `json:"initial_diagnosis,omitempty"`
	PhotoRef         string `json:"photo_ref,omitempty"`
	Group            string `json:"group,omitempty"`
	IsFavorite       bool   `json:"is_favorite"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Sync metadata. Dirty marks unpushed local changes, Deleted is the
	// tombstone retained until the server acknowledges the delete.
	Dirty        bool       `json:"dirty"`
	Deleted      bool       `json:"deleted"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`
}

// Validate checks the Patient has valid field values.
func (p *Patient) Validate() error {
	if p.LocalID == "" {
		return fmt.Errorf("local_id is required")
	}
	if p.OwnerID == "" {
		return fmt.Errorf("owner_id is required")
	}
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if len(p.Name) > 200 {
		return fmt.Errorf("name must be 200 characters or less (got %d)", len(p.Name))
	}
	if p.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	if p.UpdatedAt.IsZero() {
		return fmt.Errorf("updated_at is required")
	}
	return nil
}

// PatientNote is a clinical note attached to a patient.
//
// PatientLocalID is the stable foreign key to the patient; it never
// changes. PatientServerID is filled in when the referenced patient
// receives its server identity during a push acknowledgment.
type PatientNote struct {
	LocalID         string `json:"local_id"`
	ServerID        string `json:"server_id,omitempty"`
	PatientLocalID  string `json:"patient_local_id"`
	PatientServerID string `json:"patient_server_id,omitempty"`
	OwnerID         string `json:"owner_id"`

	Content   string    `json:"content"`
	VisitType VisitType `json:"visit_type"`
	CreatedBy string    `json:"created_by,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Dirty   bool `json:"dirty"`
	Deleted bool `json:"deleted"`
}

// Validate checks the PatientNote has valid field values.
func (n *PatientNote) Validate() error {
	if n.LocalID == "" {
		return fmt.Errorf("local_id is required")
	}
	if n.PatientLocalID == "" {
		return fmt.Errorf("patient_local_id is required")
	}
	if n.OwnerID == "" {
		return fmt.Errorf("owner_id is required")
	}
	if strings.TrimSpace(n.Content) == "" {
		return fmt.Errorf("content is required")
	}
	if !ValidVisitType(n.VisitType) {
		return fmt.Errorf("invalid visit_type %q", n.VisitType)
	}
	if n.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	return nil
}

// NewLocalID mints a client-side opaque identifier.
func NewLocalID() string {
	return uuid.NewString()
}
