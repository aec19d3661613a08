package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BuildsAndChill/mynextbook/internal/adapter/metrics"
	"github.com/BuildsAndChill/mynextbook/internal/domain"
)

const (
	flushRetryInterval = 5 * time.Millisecond
	minTickInterval    = 10 * time.Millisecond
)

// Committer durably persists one batch of pending events.
type Committer interface {
	Commit(ctx context.Context, batch []domain.PendingEvent) error
}

// BufferOptions configures an EventBuffer.
type BufferOptions struct {
	BatchSize int
	// MaxDelay bounds how long a non-empty buffer may wait before flushing.
	MaxDelay time.Duration
	// QueueDepth is the number of swapped batches that may wait for the
	// committer. When it is reached, events stay pending.
	QueueDepth    int
	CommitTimeout time.Duration
	SaveMode      domain.SaveMode
	Clock         func() time.Time
}

// BufferState is a point-in-time view of the buffer for operators.
type BufferState struct {
	Pending     int       `json:"pending"`
	QueuedJobs  int       `json:"queued_batches"`
	LastFlushAt time.Time `json:"last_flush_at"`
	Closed      bool      `json:"closed"`
}

type entry struct {
	pe domain.PendingEvent
	// done is signalled once the batch holding this entry commits or is
	// returned to the buffer. Only immediate events carry one.
	done chan error
}

type flushJob struct {
	entries []entry
	trigger string
	done    chan error
}

// EventBuffer accumulates pending events and hands full batches to a single
// committer goroutine. The lock guards only the pending list, the flush clock
// and the non-blocking hand-off; commits run outside it.
type EventBuffer struct {
	committer Committer
	opts      BufferOptions
	logger    *slog.Logger
	metrics   *metrics.TrackerMetrics

	mu        sync.Mutex
	pending   []entry
	lastFlush time.Time
	closed    bool
	stopped   bool

	// jobs is only sent to while mu is held, so batches reach the committer
	// in swap order.
	jobs     chan flushJob
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	// exited is closed when the committer goroutine returns.
	exited chan struct{}
}

// NewEventBuffer creates the buffer and starts its committer and liveness
// goroutines. Call Shutdown to stop them.
func NewEventBuffer(committer Committer, opts BufferOptions, logger *slog.Logger, m *metrics.TrackerMetrics) *EventBuffer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 1
	}
	if opts.CommitTimeout <= 0 {
		opts.CommitTimeout = 30 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	b := &EventBuffer{
		committer: committer,
		opts:      opts,
		logger:    logger.With("component", "event_buffer"),
		metrics:   m,
		lastFlush: opts.Clock(),
		jobs:      make(chan flushJob, opts.QueueDepth),
		stop:      make(chan struct{}),
		exited:    make(chan struct{}),
	}

	b.wg.Add(1)
	go b.run()
	if opts.MaxDelay > 0 {
		b.wg.Add(1)
		go b.tick()
	}
	return b
}

// Enqueue appends an event and flushes when the batch size or max delay is
// reached. Critical events, and every event in immediate mode, are committed
// before Enqueue returns; a failed commit is reported but the event stays
// buffered for the next attempt.
func (b *EventBuffer) Enqueue(ctx context.Context, pe domain.PendingEvent) error {
	immediate := ShouldCommitImmediately(pe.Event.ActionType, b.opts.SaveMode)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return domain.ErrBufferClosed
	}

	e := entry{pe: pe}
	if immediate {
		e.done = make(chan error, 1)
	}
	b.pending = append(b.pending, e)

	sent := false
	if trigger := b.triggerLocked(immediate); trigger != "" {
		sent = b.dispatchLocked(trigger, nil)
	}
	b.metrics.SetPending(len(b.pending))
	b.mu.Unlock()

	if !immediate {
		return nil
	}
	return b.await(ctx, e.done, sent)
}

func (b *EventBuffer) triggerLocked(immediate bool) string {
	switch {
	case immediate:
		return "immediate"
	case b.opts.SaveMode == domain.SaveAsync:
		return "async"
	case len(b.pending) >= b.opts.BatchSize:
		return "size"
	case b.opts.MaxDelay > 0 && b.opts.Clock().Sub(b.lastFlush) >= b.opts.MaxDelay:
		return "delay"
	}
	return ""
}

// dispatchLocked swaps the pending list out and hands it to the committer.
// It reports false, leaving the events pending, when there is nothing to
// send, the committer has stopped, or the queue is full.
func (b *EventBuffer) dispatchLocked(trigger string, done chan error) bool {
	if b.stopped || len(b.pending) == 0 {
		return false
	}

	job := flushJob{entries: b.pending, trigger: trigger, done: done}
	select {
	case b.jobs <- job:
	default:
		b.metrics.Deferred()
		b.logger.Warn("commit queue full, keeping events pending", "pending", len(b.pending), "trigger", trigger)
		return false
	}

	b.pending = nil
	b.lastFlush = b.opts.Clock()
	b.metrics.Flush(trigger)
	b.metrics.SetPending(0)
	b.logger.Debug("batch handed to committer", "events", len(job.entries), "trigger", trigger)
	return true
}

// await waits for an immediate event's batch. Until some hand-off has
// taken the event out of the pending list, it retries the hand-off.
func (b *EventBuffer) await(ctx context.Context, done chan error, sent bool) error {
	retry := time.NewTicker(flushRetryInterval)
	defer retry.Stop()

	for {
		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			return ctx.Err()
		case <-retry.C:
			if sent {
				continue
			}
			b.mu.Lock()
			stopped := b.stopped
			sent = len(b.pending) == 0 || b.dispatchLocked("immediate", nil)
			b.mu.Unlock()
			if stopped {
				return domain.ErrBufferClosed
			}
		}
	}
}

// ForceFlush swaps out whatever is pending regardless of thresholds and waits
// for that batch to commit. It returns the number of events flushed, and is a
// no-op when nothing is pending.
func (b *EventBuffer) ForceFlush(ctx context.Context) (int, error) {
	for {
		b.mu.Lock()
		n := len(b.pending)
		if n == 0 {
			b.mu.Unlock()
			return 0, nil
		}
		if b.stopped {
			b.mu.Unlock()
			return 0, domain.ErrBufferClosed
		}
		done := make(chan error, 1)
		sent := b.dispatchLocked("forced", done)
		b.mu.Unlock()

		if sent {
			select {
			case err := <-done:
				if err != nil {
					return 0, err
				}
				return n, nil
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		}

		select {
		case <-time.After(flushRetryInterval):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// Pending returns the number of events not yet handed to the committer.
func (b *EventBuffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *EventBuffer) State() BufferState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BufferState{
		Pending:     len(b.pending),
		QueuedJobs:  len(b.jobs),
		LastFlushAt: b.lastFlush,
		Closed:      b.closed,
	}
}

// Restore puts previously buffered events back at the head of the pending
// list without triggering a flush. Used to reload events spilled at the last
// shutdown.
func (b *EventBuffer) Restore(events []domain.PendingEvent) {
	if len(events) == 0 {
		return
	}
	restored := make([]entry, 0, len(events))
	for _, pe := range events {
		restored = append(restored, entry{pe: pe})
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(restored, b.pending...)
	b.metrics.SetPending(len(b.pending))
}

// TakePending removes and returns every event not yet handed to the
// committer. It only returns events once the buffer is closed.
func (b *EventBuffer) TakePending() []domain.PendingEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		return nil
	}
	out := make([]domain.PendingEvent, len(b.pending))
	for i, e := range b.pending {
		out[i] = e.pe
	}
	b.pending = nil
	b.metrics.SetPending(0)
	return out
}

// Shutdown rejects new events, flushes what is pending and waits for
// in-flight commits until ctx expires. Events still pending afterwards are
// logged; TakePending hands them to the caller.
func (b *EventBuffer) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	_, err := b.ForceFlush(ctx)
	if err != nil {
		b.logger.Error("final flush failed", "error", err)
	}
	b.stopOnce.Do(func() { close(b.stop) })

	finished := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}

	if n := b.Pending(); n > 0 {
		b.logger.Warn("events left in buffer at shutdown", "pending", n)
	}
	return err
}

// WaitCommitter blocks until the committer goroutine has exited or ctx ends,
// and reports whether it exited. A batch whose commit outlived Shutdown is
// back in the pending list once this returns true.
func (b *EventBuffer) WaitCommitter(ctx context.Context) bool {
	select {
	case <-b.exited:
		return true
	case <-ctx.Done():
		return false
	}
}

func (b *EventBuffer) run() {
	defer b.wg.Done()
	defer close(b.exited)
	for {
		select {
		case job := <-b.jobs:
			b.process(job)
		case <-b.stop:
			b.drain()
			return
		}
	}
}

// drain commits batches that were queued before stop, then marks the
// committer as gone so no further hand-off is attempted.
func (b *EventBuffer) drain() {
	for {
		b.mu.Lock()
		select {
		case job := <-b.jobs:
			b.mu.Unlock()
			b.process(job)
		default:
			b.stopped = true
			b.mu.Unlock()
			return
		}
	}
}

func (b *EventBuffer) tick() {
	defer b.wg.Done()

	interval := b.opts.MaxDelay / 2
	if interval < minTickInterval {
		interval = minTickInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			b.mu.Lock()
			if len(b.pending) > 0 && b.opts.Clock().Sub(b.lastFlush) >= b.opts.MaxDelay {
				b.dispatchLocked("delay", nil)
			}
			b.mu.Unlock()
		}
	}
}

func (b *EventBuffer) process(job flushJob) {
	batch := make([]domain.PendingEvent, len(job.entries))
	for i, e := range job.entries {
		batch[i] = e.pe
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.opts.CommitTimeout)
	defer cancel()

	start := time.Now()
	err := b.commit(ctx, batch)
	if err != nil {
		b.logger.Error("batch commit failed, returning events to buffer",
			"error", err, "events", len(batch), "trigger", job.trigger)
		b.requeue(job, err)
		return
	}

	b.metrics.Committed(len(batch), time.Since(start).Seconds())
	b.logger.Debug("batch committed", "events", len(batch), "trigger", job.trigger, "duration", time.Since(start))
	for _, e := range job.entries {
		notify(e.done, nil)
	}
	notify(job.done, nil)
}

func (b *EventBuffer) commit(ctx context.Context, batch []domain.PendingEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: committer panic: %v", domain.ErrPersistenceFailure, r)
		}
	}()
	return b.committer.Commit(ctx, batch)
}

// requeue puts the failed batch back at the head of the pending list,
// followed by every batch still queued behind it, so per-session order
// survives the retry.
func (b *EventBuffer) requeue(failed flushJob, cause error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	jobs := []flushJob{failed}
	for more := true; more; {
		select {
		case j := <-b.jobs:
			jobs = append(jobs, j)
		default:
			more = false
		}
	}

	reported := fmt.Errorf("%w: %w", domain.ErrBatchRequeued, cause)
	restored := make([]entry, 0, len(b.pending)+len(failed.entries))
	returned := 0
	for _, j := range jobs {
		for _, e := range j.entries {
			notify(e.done, reported)
			restored = append(restored, entry{pe: e.pe})
		}
		notify(j.done, reported)
		returned += len(j.entries)
	}
	b.pending = append(restored, b.pending...)

	b.metrics.Requeued(returned)
	b.metrics.SetPending(len(b.pending))
	b.logger.Warn("events returned to buffer", "events", returned, "batches", len(jobs), "pending", len(b.pending))
}

func notify(done chan error, err error) {
	if done == nil {
		return
	}
	select {
	case done <- err:
	default:
	}
}
