package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/BuildsAndChill/mynextbook/internal/domain"
)

type recordingCommitter struct {
	mu      sync.Mutex
	calls   int
	batches [][]domain.PendingEvent
	// fail decides per call whether Commit fails.
	fail func(call int) error
}

func (c *recordingCommitter) Commit(ctx context.Context, batch []domain.PendingEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.fail != nil {
		if err := c.fail(c.calls); err != nil {
			return err
		}
	}
	cp := make([]domain.PendingEvent, len(batch))
	copy(cp, batch)
	c.batches = append(c.batches, cp)
	return nil
}

func (c *recordingCommitter) committed() [][]domain.PendingEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]domain.PendingEvent, len(c.batches))
	copy(out, c.batches)
	return out
}

func (c *recordingCommitter) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func pendingEvent(session, id string, action domain.ActionType) domain.PendingEvent {
	return domain.PendingEvent{
		SessionID: session,
		Event:     domain.Event{ID: id, SessionID: session, ActionType: action},
	}
}

func newTestBuffer(t *testing.T, c Committer, opts BufferOptions) *EventBuffer {
	t.Helper()
	if opts.MaxDelay == 0 {
		opts.MaxDelay = time.Hour
	}
	b := NewEventBuffer(c, opts, discardLogger(), nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = b.Shutdown(ctx)
	})
	return b
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func eventIDs(batch []domain.PendingEvent) []string {
	ids := make([]string, len(batch))
	for i, pe := range batch {
		ids[i] = pe.Event.ID
	}
	return ids
}

func TestEventBuffer_BelowBatchSizeDoesNotFlush(t *testing.T) {
	c := &recordingCommitter{}
	b := newTestBuffer(t, c, BufferOptions{BatchSize: 5, SaveMode: domain.SaveBatch})

	for i := 0; i < 4; i++ {
		if err := b.Enqueue(context.Background(), pendingEvent("s1", fmt.Sprint(i), domain.ActionPageViewed)); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}

	if got := b.Pending(); got != 4 {
		t.Errorf("Pending() = %d, want 4", got)
	}
	time.Sleep(20 * time.Millisecond)
	if n := c.callCount(); n != 0 {
		t.Errorf("expected no commits, got %d", n)
	}
}

func TestEventBuffer_FlushAtBatchSize(t *testing.T) {
	c := &recordingCommitter{}
	b := newTestBuffer(t, c, BufferOptions{BatchSize: 5, SaveMode: domain.SaveBatch})

	for i := 0; i < 5; i++ {
		if err := b.Enqueue(context.Background(), pendingEvent("s1", fmt.Sprint(i), domain.ActionPageViewed)); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
		if i < 4 && b.Pending() != i+1 {
			t.Fatalf("Pending() = %d after %d enqueues", b.Pending(), i+1)
		}
	}
	if got := b.Pending(); got != 0 {
		t.Fatalf("pending list must be empty right after the swap, got %d", got)
	}

	waitFor(t, "batch commit", func() bool { return c.callCount() == 1 })
	batches := c.committed()
	if len(batches) != 1 || len(batches[0]) != 5 {
		t.Fatalf("expected one batch of 5, got %v", batches)
	}
	want := []string{"0", "1", "2", "3", "4"}
	if got := eventIDs(batches[0]); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("batch order = %v, want %v", got, want)
	}
}

func TestEventBuffer_RequeueOnFailure(t *testing.T) {
	c := &recordingCommitter{fail: func(call int) error {
		if call == 1 {
			return fmt.Errorf("%w: database is down", domain.ErrPersistenceFailure)
		}
		return nil
	}}
	b := newTestBuffer(t, c, BufferOptions{BatchSize: 3, SaveMode: domain.SaveBatch})

	for _, id := range []string{"a", "b", "c"} {
		if err := b.Enqueue(context.Background(), pendingEvent("s1", id, domain.ActionPageViewed)); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}

	waitFor(t, "requeue", func() bool { return c.callCount() == 1 && b.Pending() == 3 })

	b.mu.Lock()
	var requeued []string
	for _, e := range b.pending {
		requeued = append(requeued, e.pe.Event.ID)
	}
	b.mu.Unlock()
	if fmt.Sprint(requeued) != "[a b c]" {
		t.Fatalf("requeued order = %v, want [a b c]", requeued)
	}

	// A later event lands behind the requeued ones.
	if err := b.Enqueue(context.Background(), pendingEvent("s1", "d", domain.ActionButtonClicked)); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	waitFor(t, "retry commit", func() bool { return c.callCount() == 2 })

	batches := c.committed()
	if len(batches) != 1 {
		t.Fatalf("expected one successful batch, got %d", len(batches))
	}
	if got := eventIDs(batches[0]); fmt.Sprint(got) != "[a b c d]" {
		t.Errorf("retried batch = %v, want [a b c d]", got)
	}
}

// gateCommitter blocks its first commit until released, then fails it.
type gateCommitter struct {
	recordingCommitter
	started chan struct{}
	release chan struct{}
	first   sync.Once
}

func (g *gateCommitter) Commit(ctx context.Context, batch []domain.PendingEvent) error {
	gated := false
	g.first.Do(func() { gated = true })
	if gated {
		close(g.started)
		<-g.release
		return errors.New("timeout")
	}
	return g.recordingCommitter.Commit(ctx, batch)
}

func TestEventBuffer_RequeueKeepsQueuedBatchesInOrder(t *testing.T) {
	c := &gateCommitter{started: make(chan struct{}), release: make(chan struct{})}
	b := newTestBuffer(t, c, BufferOptions{BatchSize: 2, QueueDepth: 4, SaveMode: domain.SaveBatch})
	ctx := context.Background()

	for _, id := range []string{"1", "2", "3", "4"} {
		if err := b.Enqueue(ctx, pendingEvent("s1", id, domain.ActionPageViewed)); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}
	<-c.started
	waitFor(t, "second batch queued", func() bool { return b.State().QueuedJobs == 1 })
	close(c.release)

	waitFor(t, "requeue", func() bool { return b.Pending() == 4 })
	if n, err := b.ForceFlush(ctx); err != nil || n != 4 {
		t.Fatalf("ForceFlush() = (%d, %v), want (4, nil)", n, err)
	}
	batches := c.committed()
	if len(batches) != 1 {
		t.Fatalf("expected one successful batch, got %d", len(batches))
	}
	if got := eventIDs(batches[0]); fmt.Sprint(got) != "[1 2 3 4]" {
		t.Errorf("retried batch = %v, want [1 2 3 4]", got)
	}
}

func TestEventBuffer_ConcurrentEnqueueCommitsEachEventOnce(t *testing.T) {
	const k, m = 8, 250
	c := &recordingCommitter{}
	b := NewEventBuffer(c, BufferOptions{BatchSize: 7, MaxDelay: time.Hour, QueueDepth: 2, SaveMode: domain.SaveBatch}, discardLogger(), nil)

	var wg sync.WaitGroup
	for w := 0; w < k; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			session := fmt.Sprintf("s%d", w)
			for i := 0; i < m; i++ {
				if err := b.Enqueue(context.Background(), pendingEvent(session, fmt.Sprintf("%s-%04d", session, i), domain.ActionPageViewed)); err != nil {
					t.Errorf("Enqueue() error = %v", err)
				}
			}
		}(w)
	}
	wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	seen := make(map[string]int)
	last := make(map[string]string)
	for _, batch := range c.committed() {
		for _, pe := range batch {
			seen[pe.Event.ID]++
			if prev, ok := last[pe.SessionID]; ok && pe.Event.ID <= prev {
				t.Fatalf("session %s out of order: %s after %s", pe.SessionID, pe.Event.ID, prev)
			}
			last[pe.SessionID] = pe.Event.ID
		}
	}
	if len(seen) != k*m {
		t.Errorf("committed %d distinct events, want %d", len(seen), k*m)
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("event %s committed %d times", id, n)
		}
	}
}

func TestEventBuffer_ImmediateEventCommittedBeforeReturn(t *testing.T) {
	c := &recordingCommitter{}
	b := newTestBuffer(t, c, BufferOptions{BatchSize: 50, SaveMode: domain.SaveBatch})
	ctx := context.Background()

	if err := b.Enqueue(ctx, pendingEvent("s1", "view", domain.ActionPageViewed)); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if err := b.Enqueue(ctx, pendingEvent("s1", "email", domain.ActionEmailCaptured)); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	batches := c.committed()
	if len(batches) != 1 {
		t.Fatalf("expected the critical event to be committed before return, got %d batches", len(batches))
	}
	if got := eventIDs(batches[0]); fmt.Sprint(got) != "[view email]" {
		t.Errorf("batch = %v, want [view email]", got)
	}
	if b.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", b.Pending())
	}
}

func TestEventBuffer_ImmediateFailureKeepsEventBuffered(t *testing.T) {
	c := &recordingCommitter{fail: func(int) error { return errors.New("database is down") }}
	b := newTestBuffer(t, c, BufferOptions{BatchSize: 50, SaveMode: domain.SaveBatch})

	err := b.Enqueue(context.Background(), pendingEvent("s1", "rec", domain.ActionRecommendationCreated))
	if !errors.Is(err, domain.ErrBatchRequeued) {
		t.Fatalf("expected ErrBatchRequeued, got %v", err)
	}
	if b.Pending() != 1 {
		t.Errorf("failed event must stay buffered, Pending() = %d", b.Pending())
	}
}

func TestEventBuffer_ImmediateSaveMode(t *testing.T) {
	c := &recordingCommitter{}
	b := newTestBuffer(t, c, BufferOptions{BatchSize: 50, SaveMode: domain.SaveImmediate})

	if err := b.Enqueue(context.Background(), pendingEvent("s1", "view", domain.ActionPageViewed)); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if n := c.callCount(); n != 1 {
		t.Errorf("expected commit before return in immediate mode, got %d commits", n)
	}
}

func TestEventBuffer_AsyncSaveModeFlushesWithoutWaiting(t *testing.T) {
	c := &recordingCommitter{}
	b := newTestBuffer(t, c, BufferOptions{BatchSize: 50, SaveMode: domain.SaveAsync})

	if err := b.Enqueue(context.Background(), pendingEvent("s1", "view", domain.ActionPageViewed)); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if b.Pending() != 0 {
		t.Errorf("async mode should hand off every event, Pending() = %d", b.Pending())
	}
	waitFor(t, "async commit", func() bool { return c.callCount() == 1 })
}

func TestEventBuffer_MaxDelayTrigger(t *testing.T) {
	t.Run("On Enqueue", func(t *testing.T) {
		clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
		c := &recordingCommitter{}
		b := newTestBuffer(t, c, BufferOptions{BatchSize: 50, MaxDelay: time.Hour, SaveMode: domain.SaveBatch, Clock: clock.Now})

		_ = b.Enqueue(context.Background(), pendingEvent("s1", "1", domain.ActionPageViewed))
		if b.Pending() != 1 {
			t.Fatalf("Pending() = %d, want 1", b.Pending())
		}
		clock.Advance(2 * time.Hour)
		_ = b.Enqueue(context.Background(), pendingEvent("s1", "2", domain.ActionPageViewed))
		if b.Pending() != 0 {
			t.Errorf("expected a delay-triggered flush, Pending() = %d", b.Pending())
		}
	})

	t.Run("Liveness Ticker", func(t *testing.T) {
		c := &recordingCommitter{}
		b := newTestBuffer(t, c, BufferOptions{BatchSize: 50, MaxDelay: 20 * time.Millisecond, SaveMode: domain.SaveBatch})

		_ = b.Enqueue(context.Background(), pendingEvent("s1", "1", domain.ActionPageViewed))
		waitFor(t, "ticker flush", func() bool { return c.callCount() == 1 })
	})
}

func TestEventBuffer_ForceFlush(t *testing.T) {
	c := &recordingCommitter{}
	b := newTestBuffer(t, c, BufferOptions{BatchSize: 50, SaveMode: domain.SaveBatch})
	ctx := context.Background()

	if n, err := b.ForceFlush(ctx); err != nil || n != 0 {
		t.Fatalf("ForceFlush() on empty buffer = (%d, %v), want (0, nil)", n, err)
	}
	if c.callCount() != 0 {
		t.Fatal("empty force flush must not commit")
	}

	_ = b.Enqueue(ctx, pendingEvent("s1", "1", domain.ActionPageViewed))
	_ = b.Enqueue(ctx, pendingEvent("s1", "2", domain.ActionPageViewed))

	var wg sync.WaitGroup
	results := make(chan int, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := b.ForceFlush(ctx)
			if err != nil {
				t.Errorf("ForceFlush() error = %v", err)
			}
			results <- n
		}()
	}
	wg.Wait()
	close(results)

	total := 0
	for n := range results {
		total += n
	}
	if total != 2 {
		t.Errorf("concurrent force flushes committed %d events, want 2", total)
	}
	if c.callCount() != 1 {
		t.Errorf("expected exactly one commit, got %d", c.callCount())
	}
}

func TestEventBuffer_Shutdown(t *testing.T) {
	c := &recordingCommitter{}
	b := NewEventBuffer(c, BufferOptions{BatchSize: 50, MaxDelay: time.Hour, SaveMode: domain.SaveBatch}, discardLogger(), nil)
	ctx := context.Background()

	_ = b.Enqueue(ctx, pendingEvent("s1", "1", domain.ActionPageViewed))

	shutdownCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := b.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if c.callCount() != 1 {
		t.Errorf("shutdown must flush pending events, got %d commits", c.callCount())
	}
	if err := b.Enqueue(ctx, pendingEvent("s1", "2", domain.ActionPageViewed)); !errors.Is(err, domain.ErrBufferClosed) {
		t.Errorf("Enqueue after shutdown = %v, want ErrBufferClosed", err)
	}
	if err := b.Shutdown(shutdownCtx); err != nil {
		t.Errorf("second Shutdown() error = %v", err)
	}
}
