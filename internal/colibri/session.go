package colibri

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dkeye/focus/internal/core"
	"github.com/dkeye/focus/internal/domain"
	"github.com/dkeye/focus/internal/source"
)

// Allocation is the result of a successful channel allocation: everything
// the admission pipeline needs to finish the participant's offer.
type Allocation struct {
	// Sources holds the endpoint's allocated sources plus any
	// bridge-injected ones (owned by source.OwnerBridge).
	Sources   source.ConferenceSourceMap
	Transport core.TransportDescriptor
	SessionID string
	Region    string
}

// BridgeSession is one conference's presence on one bridge: the bridge-side
// conference id, the endpoints allocated there and their sources. Owned by
// the SessionManager; admission tasks only hold transient references for
// the duration of one allocation call.
type BridgeSession struct {
	bridge     domain.Bridge
	conference domain.ConferenceName
	client     BridgeClient
	hooks      *Hooks
	timeout    time.Duration
	sessionID  string
	gate       *createGate
	logger     zerolog.Logger

	mu           sync.Mutex
	conferenceID string
	created      bool
	endpoints    map[domain.EndpointID]*source.EndpointSources
}

func newBridgeSession(
	conference domain.ConferenceName,
	bridge domain.Bridge,
	client BridgeClient,
	hooks *Hooks,
	timeout time.Duration,
	logger zerolog.Logger,
) *BridgeSession {
	return &BridgeSession{
		bridge:     bridge,
		conference: conference,
		client:     client,
		hooks:      hooks,
		timeout:    timeout,
		sessionID:  uuid.NewString(),
		gate:       newCreateGate(),
		logger: logger.With().
			Str("module", "colibri.session").
			Str("bridge", string(bridge.ID)).
			Logger(),
		endpoints: make(map[domain.EndpointID]*source.EndpointSources),
	}
}

func (s *BridgeSession) Bridge() domain.Bridge { return s.bridge }
func (s *BridgeSession) SessionID() string     { return s.sessionID }

// poisoned reports whether conference creation failed on this session.
// Every later acquire would replay the creator's error, so the manager must
// drop the session and let a retry pick a fresh bridge or creator.
func (s *BridgeSession) poisoned() bool { return s.gate.failed() }

func (s *BridgeSession) endpointCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.endpoints)
}

// Allocate requests channels for one endpoint. The first caller on a fresh
// session passes the creation barrier as creator and sends the request that
// creates the bridge-side conference; everyone else waits for that
// request's outcome before sending their own.
func (s *BridgeSession) Allocate(
	ctx context.Context,
	endpoint domain.EndpointID,
	contents []core.ContentDescriptor,
) (*Allocation, error) {
	creator, err := s.gate.acquire(ctx)
	s.hooks.gateAcquired(endpoint, creator)
	if err != nil {
		return nil, s.translate(err)
	}
	if creator {
		s.logger.Info().Str("endpoint", string(endpoint)).Msg("designated conference creator")
	}

	s.mu.Lock()
	req := AllocateRequest{
		Conference:   s.conference,
		ConferenceID: s.conferenceID,
		Endpoint:     endpoint,
		Contents:     contents,
		Create:       creator && !s.created,
	}
	s.mu.Unlock()

	s.hooks.beforeRequest(endpoint, creator)

	reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
	resp, err := s.client.Allocate(reqCtx, s.bridge, req)
	cancel()

	if err != nil {
		if creator {
			s.gate.complete(fmt.Errorf("conference create on %s: %w", s.bridge.ID, err))
		}
		s.logger.Error().Err(err).Str("endpoint", string(endpoint)).Msg("allocation request failed")
		return nil, s.translate(err)
	}

	s.hooks.afterResponse(endpoint, creator)

	s.mu.Lock()
	if creator {
		s.conferenceID = resp.ConferenceID
		s.created = true
	}
	s.endpoints[endpoint] = &source.EndpointSources{
		Sources: resp.Endpoint,
		Groups:  resp.Groups,
	}
	s.mu.Unlock()

	// Release waiters only after the conference id is visible to them.
	if creator {
		s.gate.complete(nil)
	}

	alloc := &Allocation{
		Sources:   source.NewConferenceSourceMap(),
		Transport: resp.Transport,
		SessionID: s.sessionID,
		Region:    s.bridge.Region,
	}
	if err := alloc.Sources.AddSources(endpoint, resp.Endpoint, resp.Groups...); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAllocationFailed, err)
	}
	if len(resp.Injected) > 0 {
		if err := alloc.Sources.AddSources(source.OwnerBridge, resp.Injected); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAllocationFailed, err)
		}
	}

	s.logger.Info().
		Str("endpoint", string(endpoint)).
		Str("conf_id", resp.ConferenceID).
		Int("sources", len(resp.Endpoint)).
		Msg("allocation succeeded")
	return alloc, nil
}

// Update pushes source/mute changes for an already-allocated endpoint.
func (s *BridgeSession) Update(ctx context.Context, endpoint domain.EndpointID, sources *source.EndpointSources, muteAudio, muteVideo *bool) error {
	s.mu.Lock()
	confID := s.conferenceID
	if sources != nil {
		s.endpoints[endpoint] = sources.Copy()
	}
	s.mu.Unlock()

	err := s.client.Update(ctx, s.bridge, UpdateRequest{
		ConferenceID: confID,
		Endpoint:     endpoint,
		Sources:      sources,
		MuteAudio:    muteAudio,
		MuteVideo:    muteVideo,
	})
	if err != nil {
		return s.translate(err)
	}
	return nil
}

// Expire releases one endpoint's channels and reports how many endpoints
// remain on this session.
func (s *BridgeSession) Expire(ctx context.Context, endpoint domain.EndpointID) (remaining int, err error) {
	s.mu.Lock()
	confID := s.conferenceID
	delete(s.endpoints, endpoint)
	remaining = len(s.endpoints)
	s.mu.Unlock()

	err = s.client.Expire(ctx, s.bridge, ExpireRequest{ConferenceID: confID, Endpoint: endpoint})
	if err != nil {
		s.logger.Warn().Err(err).Str("endpoint", string(endpoint)).Msg("expire failed")
	}
	return remaining, err
}

// ExpireAll releases the whole bridge-side conference.
func (s *BridgeSession) ExpireAll(ctx context.Context) error {
	s.mu.Lock()
	confID := s.conferenceID
	s.endpoints = make(map[domain.EndpointID]*source.EndpointSources)
	s.mu.Unlock()

	if confID == "" {
		return nil
	}
	return s.client.Expire(ctx, s.bridge, ExpireRequest{ConferenceID: confID})
}

// sources returns this session's view of the conference: every allocated
// endpoint's sources under its own owner.
func (s *BridgeSession) sources() source.ConferenceSourceMap {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := source.NewConferenceSourceMap()
	for ep, es := range s.endpoints {
		out[ep] = es.Copy()
	}
	return out
}

// translate maps low-level failures onto the package taxonomy. Taxonomy
// errors from the client pass through unchanged.
func (s *BridgeSession) translate(err error) error {
	var expired *ConferenceExpiredError
	var failed *BridgeFailedError
	var timeout *TimeoutError
	switch {
	case errors.As(err, &expired), errors.As(err, &failed), errors.As(err, &timeout):
		return err
	case errors.Is(err, ErrBadRequest),
		errors.Is(err, ErrConferenceDisposed),
		errors.Is(err, ErrAllocationFailed):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return &TimeoutError{Bridge: s.bridge}
	default:
		return fmt.Errorf("%w: %v", ErrAllocationFailed, err)
	}
}
