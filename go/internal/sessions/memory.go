package sessions

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mcdev12/subathon/go/internal/timer"
)

type memoryEntry struct {
	session  Session
	settings *timer.Settings
	toggles  *timer.Toggles
	channels []Channel
}

// MemoryStore is the single-instance Store.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memoryEntry),
	}
}

func (m *MemoryStore) CreateSession(ctx context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[s.ID]; ok {
		return fmt.Errorf("session %s already exists", s.ID)
	}
	m.entries[s.ID] = &memoryEntry{session: s}
	return nil
}

func (m *MemoryStore) entry(id string) (*memoryEntry, error) {
	e, ok := m.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, nil
}

func (m *MemoryStore) GetSession(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, err := m.entry(id)
	if err != nil {
		return nil, err
	}
	s := e.session
	return &s, nil
}

func (m *MemoryStore) FindByCode(ctx context.Context, code string) (*Session, error) {
	code = NormalizeCode(code)
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.entries {
		if e.session.Code == code {
			s := e.session
			return &s, nil
		}
	}
	return nil, fmt.Errorf("%w: code %s", ErrNotFound, code)
}

func (m *MemoryStore) ListSessions(ctx context.Context) ([]Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Session, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.session)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) GetSettings(ctx context.Context, id string) (timer.Settings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, err := m.entry(id)
	if err != nil {
		return timer.Settings{}, err
	}
	if e.settings == nil {
		return timer.DefaultSettings(), nil
	}
	return e.settings.Clone(), nil
}

func (m *MemoryStore) SetSettings(ctx context.Context, id string, settings timer.Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.entry(id)
	if err != nil {
		return err
	}
	s := settings.Clone()
	e.settings = &s
	return nil
}

func (m *MemoryStore) GetToggles(ctx context.Context, id string) (timer.Toggles, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, err := m.entry(id)
	if err != nil {
		return timer.Toggles{}, err
	}
	if e.toggles == nil {
		return timer.DefaultToggles(), nil
	}
	return *e.toggles, nil
}

func (m *MemoryStore) SetToggles(ctx context.Context, id string, toggles timer.Toggles) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.entry(id)
	if err != nil {
		return err
	}
	e.toggles = &toggles
	return nil
}

func (m *MemoryStore) ListChannels(ctx context.Context, id string) ([]Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, err := m.entry(id)
	if err != nil {
		return nil, err
	}
	return append([]Channel{}, e.channels...), nil
}

func (m *MemoryStore) AddChannel(ctx context.Context, id string, ch Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.entry(id)
	if err != nil {
		return err
	}
	for _, existing := range e.channels {
		if existing.Name == ch.Name {
			return fmt.Errorf("%w: %s", ErrChannelExists, ch.Name)
		}
	}
	e.channels = append(e.channels, ch)
	return nil
}

func (m *MemoryStore) RemoveChannel(ctx context.Context, id, channelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.entry(id)
	if err != nil {
		return err
	}
	kept := e.channels[:0]
	for _, ch := range e.channels {
		if ch.ID != channelID {
			kept = append(kept, ch)
		}
	}
	e.channels = kept
	return nil
}
