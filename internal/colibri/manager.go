package colibri

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/focus/internal/core"
	"github.com/dkeye/focus/internal/domain"
	"github.com/dkeye/focus/internal/source"
)

// SessionManager is the per-conference façade over bridge sessions: it
// selects a bridge for each new participant, delegates to the right
// BridgeSession, aggregates multi-bridge source state and translates
// low-level failures into the package taxonomy.
type SessionManager struct {
	conference domain.ConferenceName
	selector   core.BridgeSelector
	client     BridgeClient
	hooks      *Hooks
	timeout    time.Duration
	logger     zerolog.Logger

	mu         sync.RWMutex
	sessions   map[domain.BridgeID]*BridgeSession
	byEndpoint map[domain.EndpointID]domain.BridgeID
	disposed   bool
}

// SessionManagerOption tweaks construction; used by tests to install hooks.
type SessionManagerOption func(*SessionManager)

// WithHooks installs deterministic test hooks on every bridge session.
func WithHooks(h *Hooks) SessionManagerOption {
	return func(m *SessionManager) { m.hooks = h }
}

func NewSessionManager(
	conference domain.ConferenceName,
	selector core.BridgeSelector,
	client BridgeClient,
	allocationTimeout time.Duration,
	logger zerolog.Logger,
	opts ...SessionManagerOption,
) *SessionManager {
	m := &SessionManager{
		conference: conference,
		selector:   selector,
		client:     client,
		timeout:    allocationTimeout,
		logger: logger.With().
			Str("module", "colibri.manager").
			Str("conf", string(conference)).
			Logger(),
		sessions:   make(map[domain.BridgeID]*BridgeSession),
		byEndpoint: make(map[domain.EndpointID]domain.BridgeID),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Allocate picks a bridge for the participant (reusing the one it is
// already on, if any) and allocates channels there. Returned errors are
// always from the package taxonomy.
func (m *SessionManager) Allocate(
	ctx context.Context,
	endpoint domain.EndpointID,
	region string,
	contents []core.ContentDescriptor,
) (*Allocation, error) {
	session, err := m.sessionFor(ctx, endpoint, region)
	if err != nil {
		return nil, err
	}

	alloc, err := session.Allocate(ctx, endpoint, contents)
	if err != nil {
		m.onAllocationError(session, endpoint, err)
		return nil, err
	}
	return alloc, nil
}

// sessionFor returns the session the endpoint should allocate on, creating
// one after bridge selection if needed.
func (m *SessionManager) sessionFor(ctx context.Context, endpoint domain.EndpointID, region string) (*BridgeSession, error) {
	m.mu.RLock()
	if m.disposed {
		m.mu.RUnlock()
		return nil, ErrConferenceDisposed
	}
	if bid, ok := m.byEndpoint[endpoint]; ok {
		if session, ok := m.sessions[bid]; ok {
			m.mu.RUnlock()
			return session, nil
		}
	}
	inUse := make([]domain.BridgeID, 0, len(m.sessions))
	for bid := range m.sessions {
		inUse = append(inUse, bid)
	}
	m.mu.RUnlock()

	bridge, err := m.selector.Select(ctx, inUse, region)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBridgeSelectionFailed, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return nil, ErrConferenceDisposed
	}
	session, ok := m.sessions[bridge.ID]
	if !ok {
		session = newBridgeSession(m.conference, bridge, m.client, m.hooks, m.timeout, m.logger)
		m.sessions[bridge.ID] = session
		m.logger.Info().Str("bridge", string(bridge.ID)).Msg("new bridge session")
	}
	m.byEndpoint[endpoint] = bridge.ID
	return session, nil
}

// onAllocationError drops the endpoint binding and tears the whole session
// down on liveness failures or a poisoned creation gate, so a retry can
// select a fresh bridge or creator.
func (m *SessionManager) onAllocationError(session *BridgeSession, endpoint domain.EndpointID, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byEndpoint, endpoint)

	var expired *ConferenceExpiredError
	var failed *BridgeFailedError
	var timeout *TimeoutError
	if errors.As(err, &expired) || errors.As(err, &failed) || errors.As(err, &timeout) || session.poisoned() {
		if _, ok := m.sessions[session.bridge.ID]; ok {
			delete(m.sessions, session.bridge.ID)
			for ep, bid := range m.byEndpoint {
				if bid == session.bridge.ID {
					delete(m.byEndpoint, ep)
				}
			}
			m.logger.Warn().
				Err(err).
				Str("bridge", string(session.bridge.ID)).
				Msg("tearing down bridge session")
		}
	}
}

// UpdateParticipant syncs an endpoint's sources and mute state to its
// bridge. A nil field means "no change".
func (m *SessionManager) UpdateParticipant(
	ctx context.Context,
	endpoint domain.EndpointID,
	sources *source.EndpointSources,
	muteAudio, muteVideo *bool,
) error {
	session, ok := m.sessionOf(endpoint)
	if !ok {
		return fmt.Errorf("%w: no session for %s", ErrAllocationFailed, endpoint)
	}
	return session.Update(ctx, endpoint, sources, muteAudio, muteVideo)
}

// RemoveParticipant expires the endpoint's channels. When it was the last
// endpoint on its bridge, the bridge-side conference is expired too.
func (m *SessionManager) RemoveParticipant(ctx context.Context, endpoint domain.EndpointID) {
	session, ok := m.sessionOf(endpoint)
	if !ok {
		return
	}

	m.mu.Lock()
	delete(m.byEndpoint, endpoint)
	m.mu.Unlock()

	remaining, err := session.Expire(ctx, endpoint)
	if err != nil {
		m.logger.Warn().Err(err).Str("endpoint", string(endpoint)).Msg("endpoint expire failed")
	}
	if remaining == 0 {
		m.mu.Lock()
		delete(m.sessions, session.bridge.ID)
		m.mu.Unlock()
		if err := session.ExpireAll(ctx); err != nil {
			m.logger.Warn().Err(err).Str("bridge", string(session.bridge.ID)).Msg("conference expire failed")
		}
	}
}

func (m *SessionManager) sessionOf(endpoint domain.EndpointID) (*BridgeSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bid, ok := m.byEndpoint[endpoint]
	if !ok {
		return nil, false
	}
	session, ok := m.sessions[bid]
	return session, ok
}

// Sources aggregates the allocated source state across every bridge the
// conference is on.
func (m *SessionManager) Sources() source.ConferenceSourceMap {
	m.mu.RLock()
	sessions := make([]*BridgeSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	out := source.NewConferenceSourceMap()
	for _, s := range sessions {
		if err := out.Add(s.sources()); err != nil {
			m.logger.Error().Err(err).Msg("inconsistent multi-bridge source state")
		}
	}
	return out
}

// BridgeCount reports how many bridges the conference currently spans.
func (m *SessionManager) BridgeCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Dispose expires every bridge session in parallel and marks the manager
// disposed; later allocations fail with ErrConferenceDisposed.
func (m *SessionManager) Dispose(ctx context.Context) {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	m.disposed = true
	sessions := make([]*BridgeSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[domain.BridgeID]*BridgeSession)
	m.byEndpoint = make(map[domain.EndpointID]domain.BridgeID)
	m.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, s := range sessions {
		g.Go(func() error { return s.ExpireAll(ctx) })
	}
	if err := g.Wait(); err != nil {
		m.logger.Warn().Err(err).Msg("expire on dispose failed")
	}
	m.logger.Info().Msg("session manager disposed")
}
