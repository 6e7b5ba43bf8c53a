// Package backup provides bulk export and import of the local database.
//
// Exports are JSONL: one record per line, patients first, then notes,
// so imports can resolve note references in one pass. Imports go
// through the store's normal create path, which means imported records
// are dirty and will flow to the server on the next sync cycle.
package backup

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/clinsync/clinsync/internal/model"
	"github.com/clinsync/clinsync/internal/store"
)

// line is the envelope for one exported record.
type line struct {
	Kind    string             `json:"kind"` // "patient" or "note"
	Patient *model.Patient     `json:"patient,omitempty"`
	Note    *model.PatientNote `json:"note,omitempty"`
}

// ExportJSONL writes all of an owner's live records to w.
func ExportJSONL(ctx context.Context, st *store.Store, ownerID string, w io.Writer) error {
	enc := json.NewEncoder(w)

	patients, err := st.QueryPatients(ctx, store.Filter{OwnerID: ownerID})
	if err != nil {
		return fmt.Errorf("failed to read patients: %w", err)
	}

	for i := range patients {
		if err := enc.Encode(line{Kind: "patient", Patient: &patients[i]}); err != nil {
			return fmt.Errorf("failed to write patient %s: %w", patients[i].LocalID, err)
		}
	}

	for i := range patients {
		notes, err := st.NotesForPatient(ctx, patients[i].LocalID)
		if err != nil {
			return fmt.Errorf("failed to read notes of %s: %w", patients[i].LocalID, err)
		}
		for j := range notes {
			if err := enc.Encode(line{Kind: "note", Note: &notes[j]}); err != nil {
				return fmt.Errorf("failed to write note %s: %w", notes[j].LocalID, err)
			}
		}
	}

	return nil
}

// ImportResult reports what an import did.
type ImportResult struct {
	Patients int
	Notes    int
	Skipped  []string
}

// ImportJSONL reads records from r and creates them for ownerID.
// Records that fail validation are skipped and reported, not fatal;
// a malformed stream is fatal.
func ImportJSONL(ctx context.Context, st *store.Store, ownerID string, r io.Reader) (*ImportResult, error) {
	result := &ImportResult{}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var l line
		if err := json.Unmarshal(raw, &l); err != nil {
			return nil, fmt.Errorf("malformed record on line %d: %w", lineNo, err)
		}

		switch l.Kind {
		case "patient":
			if l.Patient == nil {
				return nil, fmt.Errorf("line %d: patient record without body", lineNo)
			}
			p := *l.Patient
			p.OwnerID = ownerID
			p.ServerID = ""
			p.PatientID = "" // canonical IDs are never imported, the server mints them
			if err := st.CreatePatient(ctx, &p); err != nil {
				result.Skipped = append(result.Skipped,
					fmt.Sprintf("line %d: %v", lineNo, err))
				continue
			}
			result.Patients++
		case "note":
			if l.Note == nil {
				return nil, fmt.Errorf("line %d: note record without body", lineNo)
			}
			n := *l.Note
			n.OwnerID = ownerID
			n.ServerID = ""
			n.PatientServerID = ""
			if err := st.CreateNote(ctx, &n); err != nil {
				result.Skipped = append(result.Skipped,
					fmt.Sprintf("line %d: %v", lineNo, err))
				continue
			}
			result.Notes++
		default:
			return nil, fmt.Errorf("line %d: unknown record kind %q", lineNo, l.Kind)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read import stream: %w", err)
	}

	return result, nil
}

// seedFile is the YAML fixture format used for seeding demo or test data.
type seedFile struct {
	Patients []seedPatient `yaml:"patients"`
}

type seedPatient struct {
	Name             string     `yaml:"name"`
	Phone            string     `yaml:"phone"`
	Email            string     `yaml:"email"`
	Address          string     `yaml:"address"`
	Location         string     `yaml:"location"`
	InitialComplaint string     `yaml:"initial_complaint"`
	InitialDiagnosis string     `yaml:"initial_diagnosis"`
	Group            string     `yaml:"group"`
	IsFavorite       bool       `yaml:"is_favorite"`
	Notes            []seedNote `yaml:"notes"`
}

type seedNote struct {
	Content   string `yaml:"content"`
	VisitType string `yaml:"visit_type"`
}

// ImportSeedYAML reads a YAML seed file and creates its patients and
// notes for ownerID.
func ImportSeedYAML(ctx context.Context, st *store.Store, ownerID string, r io.Reader) (*ImportResult, error) {
	var seed seedFile
	if err := yaml.NewDecoder(r).Decode(&seed); err != nil {
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}

	result := &ImportResult{}
	for i, sp := range seed.Patients {
		p := model.Patient{
			OwnerID:          ownerID,
			Name:             sp.Name,
			Phone:            sp.Phone,
			Email:            sp.Email,
			Address:          sp.Address,
			Location:         sp.Location,
			InitialComplaint: sp.InitialComplaint,
			InitialDiagnosis: sp.InitialDiagnosis,
			Group:            sp.Group,
			IsFavorite:       sp.IsFavorite,
		}
		if err := st.CreatePatient(ctx, &p); err != nil {
			result.Skipped = append(result.Skipped,
				fmt.Sprintf("patient %d (%s): %v", i+1, sp.Name, err))
			continue
		}
		result.Patients++

		for j, sn := range sp.Notes {
			visitType := model.VisitType(sn.VisitType)
			if sn.VisitType == "" {
				visitType = model.VisitRegular
			}
			n := model.PatientNote{
				OwnerID:        ownerID,
				PatientLocalID: p.LocalID,
				Content:        sn.Content,
				VisitType:      visitType,
			}
			if err := st.CreateNote(ctx, &n); err != nil {
				result.Skipped = append(result.Skipped,
					fmt.Sprintf("note %d of %s: %v", j+1, sp.Name, err))
				continue
			}
			result.Notes++
		}
	}

	return result, nil
}
