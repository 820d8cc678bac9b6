package store

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/sessionlens/api/internal/model"
)

// memoryBackend keeps sessions as encoded documents so callers never share
// memory with the stored copy.
type memoryBackend struct {
	mu       sync.Mutex
	sessions map[string][]byte
	entries  map[string][]model.ProcessingLogEntry
}

// NewMemory returns a process-local store.
func NewMemory() *Store {
	return newStore(&memoryBackend{
		sessions: map[string][]byte{},
		entries:  map[string][]model.ProcessingLogEntry{},
	})
}

func (m *memoryBackend) insert(_ context.Context, s *model.Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return ErrExists
	}
	m.sessions[s.ID] = data
	return nil
}

func (m *memoryBackend) load(_ context.Context, id string) (*model.Session, error) {
	m.mu.Lock()
	data, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return decodeSession(data)
}

func (m *memoryBackend) update(_ context.Context, id string, fn func(*model.Session) error) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	s, err := decodeSession(data)
	if err != nil {
		return nil, err
	}
	if err := fn(s); err != nil {
		return nil, err
	}
	if data, err = json.Marshal(s); err != nil {
		return nil, err
	}
	m.sessions[id] = data
	return s, nil
}

func (m *memoryBackend) appendLog(_ context.Context, e model.ProcessingLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[e.SessionID] = append(m.entries[e.SessionID], e)
	return nil
}

func (m *memoryBackend) logs(_ context.Context, id string) ([]model.ProcessingLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.ProcessingLogEntry(nil), m.entries[id]...), nil
}

func (m *memoryBackend) bySubject(_ context.Context, subjectID string) ([]*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Session
	for _, data := range m.sessions {
		s, err := decodeSession(data)
		if err != nil {
			return nil, err
		}
		if s.SubjectID == subjectID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memoryBackend) close() error { return nil }

func decodeSession(data []byte) (*model.Session, error) {
	var s model.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}
