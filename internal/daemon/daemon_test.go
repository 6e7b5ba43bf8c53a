package daemon

import (
	"context"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/clinsync/clinsync/internal/model"
	"github.com/clinsync/clinsync/internal/queue"
	"github.com/clinsync/clinsync/internal/store"
	"github.com/clinsync/clinsync/internal/syncer"
)

type noopTransport struct{}

func (noopTransport) Push(ctx context.Context, req model.PushRequest, lastPulledAt int64) (*model.PushResponse, error) {
	return &model.PushResponse{IDMap: map[string]model.IDAssignment{}, AckAt: time.Now().UnixMilli()}, nil
}

func (noopTransport) Pull(ctx context.Context, lastPulledAt int64) (*model.PullResponse, error) {
	return &model.PullResponse{Timestamp: time.Now().UnixMilli()}, nil
}

func testEngine(t *testing.T) (*store.Store, *syncer.Engine) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	st, err := store.Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}

	logger := log.New(io.Discard, "", 0)
	return st, syncer.New(st, queue.New(st.RawDB()), noopTransport{}, logger)
}

func TestDaemon_RunsCyclesUntilStopped(t *testing.T) {
	_, engine := testEngine(t)
	d := New(engine, &Config{
		Interval: 10 * time.Millisecond,
		Logger:   log.New(io.Discard, "", 0),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start() returned error: %v", err)
	}
	if d.QueueOnly() {
		t.Error("healthy cycles must not trigger queue-only mode")
	}
}

func TestDaemon_DegradesOnStorageFailure(t *testing.T) {
	st, engine := testEngine(t)
	// Closing the database makes every cycle fail with a storage error.
	st.Close()

	d := New(engine, &Config{
		Interval: 10 * time.Millisecond,
		Logger:   log.New(io.Discard, "", 0),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start() returned error: %v", err)
	}

	if !d.QueueOnly() {
		t.Error("storage failure must degrade the daemon to queue-only mode")
	}
}
