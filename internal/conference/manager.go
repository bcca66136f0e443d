package conference

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/dkeye/focus/internal/config"
	"github.com/dkeye/focus/internal/domain"
)

// Info is a read-only view for the ops API.
type Info struct {
	Name         domain.ConferenceName `json:"name"`
	Participants int                   `json:"participant_count"`
	Bridges      int                   `json:"bridge_count"`
}

// Manager owns the live conferences of this focus.
type Manager struct {
	cfg    *config.Config
	opts   Options
	logger zerolog.Logger

	mu          sync.RWMutex
	conferences map[domain.ConferenceName]*Conference
}

func NewManager(cfg *config.Config, opts Options, logger zerolog.Logger) *Manager {
	return &Manager{
		cfg:         cfg,
		opts:        opts,
		logger:      logger,
		conferences: make(map[domain.ConferenceName]*Conference),
	}
}

func (m *Manager) GetOrCreate(name domain.ConferenceName) *Conference {
	m.mu.RLock()
	conf, ok := m.conferences[name]
	m.mu.RUnlock()
	if ok {
		return conf
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if conf, ok = m.conferences[name]; ok {
		return conf
	}
	conf = New(name, m.cfg, m.opts, m.logger)
	m.conferences[name] = conf
	m.logger.Info().Str("module", "conference.manager").Str("conf", string(name)).Msg("conference created")
	return conf
}

func (m *Manager) Get(name domain.ConferenceName) (*Conference, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conf, ok := m.conferences[name]
	return conf, ok
}

func (m *Manager) List() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Info, 0, len(m.conferences))
	for name, c := range m.conferences {
		out = append(out, Info{Name: name, Participants: c.ParticipantCount(), Bridges: c.BridgeCount()})
	}
	return out
}

// Stop disposes one conference and forgets it.
func (m *Manager) Stop(ctx context.Context, name domain.ConferenceName) {
	m.mu.Lock()
	conf, ok := m.conferences[name]
	if ok {
		delete(m.conferences, name)
	}
	m.mu.Unlock()
	if ok {
		conf.Dispose(ctx)
	}
}

// StopAll disposes everything; used on shutdown.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	all := make([]*Conference, 0, len(m.conferences))
	for _, c := range m.conferences {
		all = append(all, c)
	}
	m.conferences = make(map[domain.ConferenceName]*Conference)
	m.mu.Unlock()

	for _, c := range all {
		c.Dispose(ctx)
	}
}
