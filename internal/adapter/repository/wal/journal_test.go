package wal

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/BuildsAndChill/mynextbook/internal/domain"
)

func setupTestJournal(t *testing.T, maxSegmentSize, maxTotalSize int64) (*Journal, string) {
	t.Helper()
	dir := t.TempDir()
	j, err := Open(dir, maxSegmentSize, maxTotalSize, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("failed to open journal: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j, dir
}

func testEvents(n int) []domain.Event {
	events := make([]domain.Event, n)
	for i := range events {
		events[i] = domain.Event{
			ID:         uuid.NewString(),
			SessionID:  "s1",
			ActionType: domain.ActionPageViewed,
			Timestamp:  time.Date(2026, 1, 1, 0, 0, i, 0, time.UTC),
			ActionData: map[string]any{"n": float64(i)},
		}
	}
	return events
}

func replayAll(t *testing.T, j *Journal) []domain.Event {
	t.Helper()
	var out []domain.Event
	if err := j.Replay(context.Background(), func(e domain.Event) error {
		out = append(out, e)
		return nil
	}); err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	return out
}

func TestJournal_WriteAndReplayAcrossRestart(t *testing.T) {
	j, dir := setupTestJournal(t, 1024, 1<<20)
	events := testEvents(3)
	if err := j.Write(context.Background(), events); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	j.Close()

	// Re-open the journal to simulate a restart
	j2, err := Open(dir, 1024, 1<<20, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("failed to re-open journal: %v", err)
	}
	defer j2.Close()

	got := replayAll(t, j2)
	if len(got) != len(events) {
		t.Fatalf("expected %d replayed events, got %d", len(events), len(got))
	}
	for i := range events {
		if got[i].ID != events[i].ID || !got[i].Timestamp.Equal(events[i].Timestamp) || got[i].ActionData["n"] != events[i].ActionData["n"] {
			t.Errorf("replayed event %d mismatch: got %+v, want %+v", i, got[i], events[i])
		}
	}
}

func TestJournal_RotationKeepsOrder(t *testing.T) {
	j, dir := setupTestJournal(t, 200, 1<<20)
	events := testEvents(10)
	for _, e := range events {
		if err := j.Write(context.Background(), []domain.Event{e}); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}

	segments, _ := filepath.Glob(filepath.Join(dir, segmentPrefix+"*"))
	if len(segments) < 2 {
		t.Errorf("expected rotation into several segments, got %d", len(segments))
	}

	got := replayAll(t, j)
	for i := range events {
		if got[i].ID != events[i].ID {
			t.Fatalf("event %d out of order after rotation", i)
		}
	}
}

func TestJournal_SizeLimit(t *testing.T) {
	j, _ := setupTestJournal(t, 1<<20, 300)

	err := j.Write(context.Background(), testEvents(10))
	if !errors.Is(err, ErrJournalFull) {
		t.Fatalf("expected ErrJournalFull, got %v", err)
	}
	if got := replayAll(t, j); len(got) != 0 {
		t.Errorf("a rejected write must not leave partial data, got %d events", len(got))
	}
}

func TestJournal_Truncate(t *testing.T) {
	j, _ := setupTestJournal(t, 1024, 1<<20)
	if err := j.Write(context.Background(), testEvents(2)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := j.Truncate(context.Background()); err != nil {
		t.Fatalf("Truncate() error = %v", err)
	}
	if got := replayAll(t, j); len(got) != 0 {
		t.Errorf("expected empty journal after truncate, got %d", len(got))
	}
	if size, _ := j.Size(); size != 0 {
		t.Errorf("Size() = %d after truncate", size)
	}

	// Still writable afterwards.
	if err := j.Write(context.Background(), testEvents(1)); err != nil {
		t.Errorf("Write() after truncate error = %v", err)
	}
}

func TestJournal_SkipsCorruptLines(t *testing.T) {
	j, dir := setupTestJournal(t, 1024, 1<<20)
	if err := j.Write(context.Background(), testEvents(1)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	segments, _ := filepath.Glob(filepath.Join(dir, segmentPrefix+"*"))
	f, err := os.OpenFile(segments[len(segments)-1], os.O_APPEND|os.O_WRONLY, filePerm)
	if err != nil {
		t.Fatalf("open segment: %v", err)
	}
	f.WriteString("{not json\n")
	f.Close()
	if err := j.Write(context.Background(), testEvents(1)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	if got := replayAll(t, j); len(got) != 2 {
		t.Errorf("expected 2 valid events, got %d", len(got))
	}
}

func TestJournal_ReplayHandlerError(t *testing.T) {
	j, _ := setupTestJournal(t, 1024, 1<<20)
	if err := j.Write(context.Background(), testEvents(3)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	boom := errors.New("boom")
	err := j.Replay(context.Background(), func(domain.Event) error { return boom })
	if !errors.Is(err, boom) {
		t.Errorf("expected handler error, got %v", err)
	}
}
