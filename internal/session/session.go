// Package session holds the per-login context object: who is signed in,
// their credential, and the teardown path. It replaces any ambient
// global state; everything downstream receives the session by reference
// and the session is torn down at logout.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/clinsync/clinsync/internal/store"
)

// Capability names a gated feature. Checks are centralized here instead
// of scattered plan-string comparisons.
type Capability string

const (
	// CapabilitySync gates server synchronization.
	CapabilitySync Capability = "sync"

	// CapabilityExport gates bulk data export.
	CapabilityExport Capability = "export"
)

// Authorizer answers capability checks. Supplied by the auth
// collaborator; the sync core never inspects plan names itself.
type Authorizer interface {
	Can(ctx context.Context, cap Capability) bool
}

// AllowAll authorizes every capability. Used by the CLI and tests.
type AllowAll struct{}

// Can implements Authorizer.
func (AllowAll) Can(context.Context, Capability) bool { return true }

// Feedback receives device-level cues (haptics, analytics). The core
// only ever calls it; a NoopFeedback keeps the core platform-free.
type Feedback interface {
	SyncStarted()
	SyncFinished(err error)
}

// NoopFeedback ignores all cues.
type NoopFeedback struct{}

func (NoopFeedback) SyncStarted()       {}
func (NoopFeedback) SyncFinished(error) {}

// CleanupStep is one named teardown action run at logout.
type CleanupStep struct {
	Name string
	Run  func(ctx context.Context) error
}

// Session is the explicit per-login context object.
type Session struct {
	OwnerID string
	Token   string

	Store      *store.Store
	Authorizer Authorizer
	Feedback   Feedback

	logger   *log.Logger
	cleanup  []CleanupStep
	loggedIn bool
}

// New creates a session for a signed-in owner. If logger is nil, a
// default logger writing to stderr is used.
func New(ownerID, token string, st *store.Store, logger *log.Logger) *Session {
	if logger == nil {
		logger = log.New(os.Stderr, "[session] ", log.LstdFlags)
	}
	return &Session{
		OwnerID:    ownerID,
		Token:      token,
		Store:      st,
		Authorizer: AllowAll{},
		Feedback:   NoopFeedback{},
		logger:     logger,
		loggedIn:   true,
	}
}

// AddCleanup registers an extra teardown step (token file removal,
// cache directories) run during Logout.
func (s *Session) AddCleanup(name string, run func(ctx context.Context) error) {
	s.cleanup = append(s.cleanup, CleanupStep{Name: name, Run: run})
}

// Active reports whether the session still holds credentials.
func (s *Session) Active() bool {
	return s.loggedIn
}

// Logout tears the session down. Every cleanup step is attempted even
// when earlier ones fail (all-settled), and the in-memory session state
// is cleared only after all attempts, so the UI can never show "logged
// out" while secrets are still on device. Any failure is returned, not
// swallowed.
func (s *Session) Logout(ctx context.Context) error {
	steps := make([]CleanupStep, 0, len(s.cleanup)+2)
	steps = append(steps, s.cleanup...)
	steps = append(steps,
		CleanupStep{Name: "purge cached records", Run: func(ctx context.Context) error {
			return s.Store.PurgeOwner(ctx, s.OwnerID)
		}},
		CleanupStep{Name: "reset watermark", Run: func(ctx context.Context) error {
			return s.Store.ResetWatermark(ctx)
		}},
	)

	var errs []error
	for _, step := range steps {
		if err := step.Run(ctx); err != nil {
			s.logger.Printf("Logout step %q failed: %v", step.Name, err)
			errs = append(errs, fmt.Errorf("%s: %w", step.Name, err))
		}
	}

	// All removals have been attempted; only now drop the in-memory state.
	s.Token = ""
	s.OwnerID = ""
	s.loggedIn = false

	if len(errs) > 0 {
		return fmt.Errorf("logout cleanup incomplete: %w", errors.Join(errs...))
	}
	return nil
}
