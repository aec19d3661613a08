// Package wal is a segmented, append-only file journal. The tracker spills
// events it could not commit before shutdown into it and replays them on the
// next start.
package wal

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BuildsAndChill/mynextbook/internal/domain"
)

const (
	segmentPrefix = "segment-"
	filePerm      = 0644
	maxLineSize   = 4 << 20
)

// ErrJournalFull is returned when a write would exceed the size cap.
var ErrJournalFull = errors.New("journal size limit exceeded")

// Journal stores events as JSON lines across size-bounded segment files.
type Journal struct {
	dir            string
	maxSegmentSize int64
	maxTotalSize   int64
	logger         *slog.Logger

	mu             sync.Mutex
	currentSegment *os.File
	currentSize    int64
	seq            int
}

// Open creates dir if needed and appends to its newest segment.
func Open(dir string, maxSegmentSize, maxTotalSize int64, logger *slog.Logger) (*Journal, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create journal directory %s: %w", dir, err)
	}

	j := &Journal{
		dir:            dir,
		maxSegmentSize: maxSegmentSize,
		maxTotalSize:   maxTotalSize,
		logger:         logger.With("component", "spill_journal"),
	}
	if err := j.openLatestSegment(); err != nil {
		return nil, err
	}
	return j, nil
}

// Write appends events in order and syncs once at the end. Either every
// event fits under the size cap or none is written.
func (j *Journal) Write(ctx context.Context, events []domain.Event) error {
	if len(events) == 0 {
		return nil
	}

	var buf []byte
	for _, e := range events {
		line, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal event %s for journal: %w", e.ID, err)
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.currentSegment == nil {
		if err := j.rotate(); err != nil {
			return err
		}
	}

	totalSize, err := j.calculateTotalSize()
	if err != nil {
		return fmt.Errorf("could not verify journal disk space: %w", err)
	}
	if totalSize+int64(len(buf)) > j.maxTotalSize {
		return fmt.Errorf("%w (%d + %d > %d)", ErrJournalFull, totalSize, len(buf), j.maxTotalSize)
	}

	n, err := j.currentSegment.Write(buf)
	j.currentSize += int64(n)
	if err != nil {
		return fmt.Errorf("write journal segment: %w", err)
	}
	if err := j.currentSegment.Sync(); err != nil {
		return fmt.Errorf("sync journal segment: %w", err)
	}

	if j.currentSize >= j.maxSegmentSize {
		if err := j.rotate(); err != nil {
			j.logger.Error("Failed to rotate journal segment", "error", err)
		}
	}
	return nil
}

// Replay calls handler for every stored event, oldest segment first.
// Undecodable lines are skipped.
func (j *Journal) Replay(ctx context.Context, handler func(domain.Event) error) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	segments, err := j.getSortedSegments()
	if err != nil {
		return err
	}

	replayed := 0
	for _, segmentPath := range segments {
		n, err := replaySegment(ctx, segmentPath, handler, j.logger)
		replayed += n
		if err != nil {
			return err
		}
	}
	if replayed > 0 {
		j.logger.Info("Journal replay completed", "events", replayed, "segments", len(segments))
	}
	return nil
}

func replaySegment(ctx context.Context, path string, handler func(domain.Event) error, logger *slog.Logger) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open segment %s for replay: %w", path, err)
	}
	defer file.Close()

	n := 0
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		var event domain.Event
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			logger.Warn("Failed to unmarshal event from journal, skipping", "error", err, "segment", path)
			continue
		}
		if err := handler(event); err != nil {
			return n, fmt.Errorf("replay handler failed: %w", err)
		}
		n++
	}
	if err := scanner.Err(); err != nil {
		return n, fmt.Errorf("scan segment %s: %w", path, err)
	}
	return n, nil
}

// Truncate removes all segments and starts a fresh one.
func (j *Journal) Truncate(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.currentSegment != nil {
		j.currentSegment.Close()
		j.currentSegment = nil
	}

	segments, err := j.getSortedSegments()
	if err != nil {
		return err
	}
	for _, segmentPath := range segments {
		if err := os.Remove(segmentPath); err != nil {
			j.logger.Error("Failed to remove journal segment", "path", segmentPath, "error", err)
		}
	}
	return j.rotate()
}

// Size reports the bytes currently held across all segments.
func (j *Journal) Size() (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.calculateTotalSize()
}

func (j *Journal) rotate() error {
	if j.currentSegment != nil {
		if err := j.currentSegment.Close(); err != nil {
			j.logger.Error("Failed to close journal segment before rotating", "error", err)
		}
		j.currentSegment = nil
	}

	// The counter keeps names ordered when two rotations share a timestamp.
	j.seq++
	segmentName := fmt.Sprintf("%s%020d-%06d.log", segmentPrefix, time.Now().UnixNano(), j.seq)
	path := filepath.Join(j.dir, segmentName)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, filePerm)
	if err != nil {
		return fmt.Errorf("create journal segment %s: %w", path, err)
	}
	j.currentSegment = f
	j.currentSize = 0
	j.logger.Debug("Rotated to new journal segment", "path", path)
	return nil
}

func (j *Journal) openLatestSegment() error {
	segments, err := j.getSortedSegments()
	if err != nil {
		return err
	}
	if len(segments) == 0 {
		return j.rotate()
	}

	latest := segments[len(segments)-1]
	stat, err := os.Stat(latest)
	if err != nil {
		return fmt.Errorf("stat latest segment %s: %w", latest, err)
	}
	f, err := os.OpenFile(latest, os.O_APPEND|os.O_WRONLY, filePerm)
	if err != nil {
		return fmt.Errorf("open latest segment %s: %w", latest, err)
	}
	j.currentSegment = f
	j.currentSize = stat.Size()

	if j.currentSize >= j.maxSegmentSize {
		return j.rotate()
	}
	return nil
}

func (j *Journal) getSortedSegments() ([]string, error) {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		return nil, fmt.Errorf("read journal directory: %w", err)
	}

	var segments []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasPrefix(entry.Name(), segmentPrefix) {
			segments = append(segments, filepath.Join(j.dir, entry.Name()))
		}
	}
	sort.Strings(segments)
	return segments, nil
}

func (j *Journal) calculateTotalSize() (int64, error) {
	var totalSize int64
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		return 0, err
	}
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasPrefix(entry.Name(), segmentPrefix) {
			info, err := entry.Info()
			if err != nil {
				return 0, err
			}
			totalSize += info.Size()
		}
	}
	return totalSize, nil
}

// Close closes the current segment.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.currentSegment != nil {
		err := j.currentSegment.Close()
		j.currentSegment = nil
		return err
	}
	return nil
}
