package mocks

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/BuildsAndChill/mynextbook/internal/domain"
)

// MockSessionRepository is an in-memory domain.SessionRepository for testing.
type MockSessionRepository struct {
	mu       sync.Mutex
	Sessions map[string]*domain.Session
	Created  int
	GetErr   error
	// CreateErr, when set, is returned by Create instead of storing.
	CreateErr   error
	UpdateErr   error
	DeleteErr   error
	GetCalls    int
	ActivityLog []string
	// BeforeCreate runs without the lock held, before the uniqueness check.
	// Tests use it to inject a concurrent creation of the same identifier.
	BeforeCreate func(s *domain.Session)
}

func NewMockSessionRepository() *MockSessionRepository {
	return &MockSessionRepository{Sessions: make(map[string]*domain.Session)}
}

func (m *MockSessionRepository) GetByID(ctx context.Context, id string) (*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.GetCalls++
	if m.GetErr != nil {
		return nil, m.GetErr
	}
	s, ok := m.Sessions[id]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MockSessionRepository) Create(ctx context.Context, s *domain.Session) error {
	if m.BeforeCreate != nil {
		m.BeforeCreate(s)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CreateErr != nil {
		return m.CreateErr
	}
	if m.Sessions == nil {
		m.Sessions = make(map[string]*domain.Session)
	}
	if _, exists := m.Sessions[s.ID]; exists {
		return domain.ErrDuplicateSession
	}
	cp := *s
	m.Sessions[s.ID] = &cp
	m.Created++
	return nil
}

func (m *MockSessionRepository) UpdateLastActivity(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.UpdateErr != nil {
		return m.UpdateErr
	}
	s, ok := m.Sessions[id]
	if !ok {
		return domain.ErrSessionNotFound
	}
	s.LastActivity = at
	m.ActivityLog = append(m.ActivityLog, id)
	return nil
}

func (m *MockSessionRepository) DeleteInactiveBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DeleteErr != nil {
		return nil, m.DeleteErr
	}
	var removed []string
	for id, s := range m.Sessions {
		if s.LastActivity.Before(cutoff) {
			removed = append(removed, id)
			delete(m.Sessions, id)
		}
	}
	sort.Strings(removed)
	return removed, nil
}

// MockEventRepository is an in-memory domain.EventRepository for testing.
type MockEventRepository struct {
	mu     sync.Mutex
	Stored []domain.Event
	seen   map[string]struct{}
	// InsertCalls counts every InsertEvents call, including failed ones.
	InsertCalls int
	InsertErr   error
	// InsertErrFunc, when set, decides per call whether InsertEvents fails.
	InsertErrFunc func(call int, events []domain.Event) error
	ListErr       error
}

func (m *MockEventRepository) InsertEvents(ctx context.Context, events []domain.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.InsertCalls++
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.InsertErr != nil {
		return m.InsertErr
	}
	if m.InsertErrFunc != nil {
		if err := m.InsertErrFunc(m.InsertCalls, events); err != nil {
			return err
		}
	}
	if m.seen == nil {
		m.seen = make(map[string]struct{})
	}
	for _, e := range events {
		if _, dup := m.seen[e.ID]; dup {
			continue
		}
		m.seen[e.ID] = struct{}{}
		m.Stored = append(m.Stored, e)
	}
	return nil
}

func (m *MockEventRepository) ListBySession(ctx context.Context, sessionID string) ([]domain.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ListErr != nil {
		return nil, m.ListErr
	}
	var out []domain.Event
	for _, e := range m.Stored {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// Events returns a copy of everything stored so far.
func (m *MockEventRepository) Events() []domain.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Event, len(m.Stored))
	copy(out, m.Stored)
	return out
}

// MockEventPublisher records published events.
type MockEventPublisher struct {
	mu         sync.Mutex
	Published  []domain.Event
	PublishErr error
	Closed     bool
}

func (m *MockEventPublisher) Publish(ctx context.Context, events []domain.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PublishErr != nil {
		return m.PublishErr
	}
	m.Published = append(m.Published, events...)
	return nil
}

func (m *MockEventPublisher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
	return nil
}
