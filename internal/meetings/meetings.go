// Package meetings keeps scheduled meetings reachable by an opaque join
// token. In-memory only.
package meetings

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"meetsrv/internal/domain"
)

type Manager struct {
	mu       sync.RWMutex
	meetings map[string]*domain.Meeting
	byToken  map[string]*domain.Meeting
}

func NewManager() *Manager {
	return &Manager{
		meetings: make(map[string]*domain.Meeting),
		byToken:  make(map[string]*domain.Meeting),
	}
}

func newToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func (m *Manager) Create(title, datetime string) *domain.Meeting {
	if title == "" {
		title = "Untitled Meeting"
	}
	meeting := &domain.Meeting{
		ID:        uuid.NewString(),
		Title:     title,
		Datetime:  datetime,
		Token:     newToken(),
		CreatedAt: time.Now().UnixMilli(),
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.meetings[meeting.ID] = meeting
	m.byToken[meeting.Token] = meeting
	return meeting
}

func (m *Manager) Get(id string) (*domain.Meeting, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	meeting, ok := m.meetings[id]
	return meeting, ok
}

func (m *Manager) GetByToken(token string) (*domain.Meeting, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	meeting, ok := m.byToken[token]
	return meeting, ok
}

func (m *Manager) List() []domain.Meeting {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Meeting, 0, len(m.meetings))
	for _, meeting := range m.meetings {
		out = append(out, *meeting)
	}
	return out
}
