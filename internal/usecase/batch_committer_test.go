package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/BuildsAndChill/mynextbook/internal/domain"
	"github.com/BuildsAndChill/mynextbook/internal/domain/mocks"
)

func newTestCommitter(sessions *mocks.MockSessionRepository, events *mocks.MockEventRepository, pub domain.EventPublisher) *BatchCommitter {
	reg := NewSessionRegistry(sessions, events, nil, discardLogger(), nil)
	return NewBatchCommitter(reg, events, pub, discardLogger(), nil)
}

func TestGroupBySession(t *testing.T) {
	batch := []domain.PendingEvent{
		pendingEvent("b", "1", domain.ActionPageViewed),
		pendingEvent("a", "2", domain.ActionPageViewed),
		pendingEvent("b", "3", domain.ActionBookLiked),
		pendingEvent("a", "4", domain.ActionBookLiked),
		pendingEvent("c", "5", domain.ActionBookLiked),
	}

	groups := groupBySession(batch)

	if len(groups) != 3 {
		t.Fatalf("expected 3 groups, got %d", len(groups))
	}
	var got []string
	for _, g := range groups {
		ids := make([]string, len(g.events))
		for i, e := range g.events {
			ids[i] = e.ID
		}
		got = append(got, fmt.Sprintf("%s:%v", g.sessionID, ids))
	}
	if fmt.Sprint(got) != "[b:[1 3] a:[2 4] c:[5]]" {
		t.Errorf("groups = %v", got)
	}
}

func TestBatchCommitter_Commit(t *testing.T) {
	ctx := context.Background()

	t.Run("Successful Commit", func(t *testing.T) {
		sessions := mocks.NewMockSessionRepository()
		events := &mocks.MockEventRepository{}
		pub := &mocks.MockEventPublisher{}
		c := newTestCommitter(sessions, events, pub)

		batch := []domain.PendingEvent{
			pendingEvent("s1", "1", domain.ActionPageViewed),
			pendingEvent("s2", "2", domain.ActionPageViewed),
			pendingEvent("s1", "3", domain.ActionEmailCaptured),
		}
		if err := c.Commit(ctx, batch); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}

		if sessions.Created != 2 {
			t.Errorf("expected 2 sessions created, got %d", sessions.Created)
		}
		if events.InsertCalls != 2 {
			t.Errorf("expected one insert per session, got %d", events.InsertCalls)
		}
		if len(events.Events()) != 3 {
			t.Errorf("expected 3 stored events, got %d", len(events.Events()))
		}
		if fmt.Sprint(sessions.ActivityLog) != "[s1 s2]" {
			t.Errorf("activity bumps = %v, want [s1 s2]", sessions.ActivityLog)
		}
		if len(pub.Published) != 3 {
			t.Errorf("expected 3 published events, got %d", len(pub.Published))
		}
	})

	t.Run("Activity Uses Commit Time", func(t *testing.T) {
		sessions := mocks.NewMockSessionRepository()
		events := &mocks.MockEventRepository{}
		c := newTestCommitter(sessions, events, nil)
		commitTime := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
		c.now = func() time.Time { return commitTime }

		pe := pendingEvent("s1", "1", domain.ActionPageViewed)
		pe.Event.Timestamp = commitTime.Add(-48 * time.Hour)
		if err := c.Commit(ctx, []domain.PendingEvent{pe}); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if got := sessions.Sessions["s1"].LastActivity; !got.Equal(commitTime) {
			t.Errorf("LastActivity = %v, want %v", got, commitTime)
		}
	})

	t.Run("Group Failure Fails Whole Batch", func(t *testing.T) {
		sessions := mocks.NewMockSessionRepository()
		events := &mocks.MockEventRepository{
			InsertErrFunc: func(call int, _ []domain.Event) error {
				if call == 2 {
					return errors.New("disk full")
				}
				return nil
			},
		}
		c := newTestCommitter(sessions, events, nil)

		batch := []domain.PendingEvent{
			pendingEvent("s1", "1", domain.ActionPageViewed),
			pendingEvent("s2", "2", domain.ActionPageViewed),
		}
		err := c.Commit(ctx, batch)
		if !errors.Is(err, domain.ErrPersistenceFailure) {
			t.Fatalf("expected ErrPersistenceFailure, got %v", err)
		}

		// The retry replays s1's group; its event must not be stored twice.
		if err := c.Commit(ctx, batch); err != nil {
			t.Fatalf("retry failed: %v", err)
		}
		stored := events.Events()
		if len(stored) != 2 {
			t.Errorf("expected 2 stored events after retry, got %d", len(stored))
		}
	})

	t.Run("Session Resolution Failure", func(t *testing.T) {
		sessions := mocks.NewMockSessionRepository()
		sessions.CreateErr = errors.New("connection reset")
		events := &mocks.MockEventRepository{}
		c := newTestCommitter(sessions, events, nil)

		err := c.Commit(ctx, []domain.PendingEvent{pendingEvent("s1", "1", domain.ActionPageViewed)})
		if !errors.Is(err, domain.ErrPersistenceFailure) {
			t.Fatalf("expected ErrPersistenceFailure, got %v", err)
		}
		if events.InsertCalls != 0 {
			t.Errorf("events must not be inserted without a session, got %d inserts", events.InsertCalls)
		}
	})

	t.Run("Publish Failure Is Ignored", func(t *testing.T) {
		sessions := mocks.NewMockSessionRepository()
		events := &mocks.MockEventRepository{}
		pub := &mocks.MockEventPublisher{PublishErr: errors.New("broker unavailable")}
		c := newTestCommitter(sessions, events, pub)

		if err := c.Commit(ctx, []domain.PendingEvent{pendingEvent("s1", "1", domain.ActionPageViewed)}); err != nil {
			t.Fatalf("publish errors must not fail the commit, got %v", err)
		}
	})

	t.Run("Device From First Event Metadata", func(t *testing.T) {
		sessions := mocks.NewMockSessionRepository()
		events := &mocks.MockEventRepository{}
		parser := &stubParser{info: &domain.DeviceInfo{Browser: "Safari"}}
		reg := NewSessionRegistry(sessions, events, parser, discardLogger(), nil)
		c := NewBatchCommitter(reg, events, nil, discardLogger(), nil)

		pe := pendingEvent("s1", "1", domain.ActionPageViewed)
		pe.Event.Metadata = map[string]any{domain.MetaUserAgent: "Mozilla/5.0 Safari"}
		if err := c.Commit(ctx, []domain.PendingEvent{pe}); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if d := sessions.Sessions["s1"].Device; d == nil || d.Browser != "Safari" {
			t.Errorf("unexpected device %+v", d)
		}
	})
}

func TestBatchCommitter_WithBuffer(t *testing.T) {
	sessions := mocks.NewMockSessionRepository()
	events := &mocks.MockEventRepository{InsertErr: errors.New("database is down")}
	c := newTestCommitter(sessions, events, nil)
	b := newTestBuffer(t, c, BufferOptions{BatchSize: 3, SaveMode: domain.SaveBatch})
	ctx := context.Background()

	for _, id := range []string{"1", "2", "3"} {
		_ = b.Enqueue(ctx, pendingEvent("s1", id, domain.ActionPageViewed))
	}
	waitFor(t, "requeue", func() bool { return b.Pending() == 3 })

	// The committer is idle until the next hand-off.
	events.InsertErr = nil
	if n, err := b.ForceFlush(ctx); err != nil || n != 3 {
		t.Fatalf("ForceFlush() = (%d, %v), want (3, nil)", n, err)
	}
	stored := events.Events()
	if len(stored) != 3 || stored[0].ID != "1" || stored[2].ID != "3" {
		t.Errorf("unexpected stored events %v", stored)
	}
}

type slowPublisher struct {
	mu      sync.Mutex
	delay   time.Duration
	calls   int
	events  int
	ctxErrs []error
}

func (p *slowPublisher) Publish(ctx context.Context, events []domain.Event) error {
	time.Sleep(p.delay)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.events += len(events)
	p.ctxErrs = append(p.ctxErrs, ctx.Err())
	return nil
}

func (p *slowPublisher) Close() error { return nil }

func TestBatchCommitter_SlowPublisherDoesNotBlockPersistence(t *testing.T) {
	sessions := mocks.NewMockSessionRepository()
	events := &mocks.MockEventRepository{}
	pub := &slowPublisher{delay: 40 * time.Millisecond}
	c := newTestCommitter(sessions, events, pub)

	var batch []domain.PendingEvent
	for i := 1; i <= 6; i++ {
		batch = append(batch, pendingEvent(fmt.Sprintf("s%d", i), fmt.Sprint(i), domain.ActionPageViewed))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := c.Commit(ctx, batch); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if got := len(events.Events()); got != 6 {
		t.Errorf("expected 6 stored events, got %d", got)
	}
	pub.mu.Lock()
	defer pub.mu.Unlock()
	if pub.calls != 1 || pub.events != 6 {
		t.Errorf("publish calls = %d with %d events, want 1 with 6", pub.calls, pub.events)
	}
	for _, err := range pub.ctxErrs {
		if err != nil {
			t.Errorf("publish context ended early: %v", err)
		}
	}
}

func TestBatchCommitter_PublishOutlivesCommitDeadline(t *testing.T) {
	sessions := mocks.NewMockSessionRepository()
	events := &mocks.MockEventRepository{}
	pub := &slowPublisher{delay: 60 * time.Millisecond}
	c := newTestCommitter(sessions, events, pub)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := c.Commit(ctx, []domain.PendingEvent{pendingEvent("s1", "1", domain.ActionPageViewed)}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.ctxErrs) != 1 || pub.ctxErrs[0] != nil {
		t.Errorf("publish context errors = %v, want [<nil>]", pub.ctxErrs)
	}
}
