package state

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/mattjoyce/stoker/internal/events"
	"github.com/mattjoyce/stoker/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "state.db")
	db, err := storage.OpenSQLite(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db)
}

func TestTouchAndGet(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Touch(ctx, "s1", "eng-abc", "job-1"); err != nil {
		t.Fatalf("Touch: %v", err)
	}

	sess, err := s.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if sess.EngineSession != "eng-abc" || sess.LastJobID != "job-1" {
		t.Fatalf("unexpected session: %#v", sess)
	}

	// An update without a handle keeps the stored one.
	if err := s.Touch(ctx, "s1", "", "job-2"); err != nil {
		t.Fatalf("Touch update: %v", err)
	}
	sess, err = s.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get after update: %v", err)
	}
	if sess.EngineSession != "eng-abc" || sess.LastJobID != "job-2" {
		t.Fatalf("handle not preserved: %#v", sess)
	}
}

func TestGetUnknownSession(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	if _, err := s.Get(context.Background(), "nope"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestListOrdersByRecency(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Touch(ctx, "old", "e1", "job-1"); err != nil {
		t.Fatalf("Touch old: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if err := s.Touch(ctx, "new", "e2", "job-2"); err != nil {
		t.Fatalf("Touch new: %v", err)
	}

	all, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 2 || all[0].SessionID != "new" {
		t.Fatalf("unexpected order: %#v", all)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Touch(ctx, "s1", "e1", "job-1"); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	if err := s.Delete(ctx, "s1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(ctx, "s1"); err != nil {
		t.Fatalf("Delete again: %v", err)
	}
	if _, err := s.Get(ctx, "s1"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound after delete, got %v", err)
	}
}

func TestRecorderFollowsEvents(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	hub := events.NewHub(32)
	ch, cancel := hub.Subscribe()

	rec := NewRecorder(s, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rec.Run(ctx, ch)
		close(done)
	}()

	hub.Publish(events.TypeMessage, events.Message{
		SessionID: "s1",
		Data:      []byte(`{"type":"system","session_id":"eng-xyz"}`),
	})
	hub.Publish(events.TypeComplete, events.Complete{
		JobID: "job-1", SessionID: "s1", Status: "success",
	})

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		sess, err := s.Get(context.Background(), "s1")
		if err == nil && sess.EngineSession == "eng-xyz" && sess.LastJobID == "job-1" {
			stop()
			cancel()
			<-done
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("recorder never persisted session state")
}
