package bridge

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/dkeye/focus/internal/core"
	"github.com/dkeye/focus/internal/domain"
)

// StaticSelector picks bridges from a fixed configured list. Selection
// prefers a bridge the conference already uses, then a healthy bridge in
// the participant's region, then round-robin over the healthy rest.
type StaticSelector struct {
	logger zerolog.Logger

	mu      sync.Mutex
	bridges []domain.Bridge
	down    map[domain.BridgeID]bool
	next    int
}

var _ core.BridgeSelector = (*StaticSelector)(nil)

func NewStaticSelector(bridges []domain.Bridge, logger zerolog.Logger) *StaticSelector {
	return &StaticSelector{
		logger:  logger.With().Str("module", "bridge.selector").Logger(),
		bridges: bridges,
		down:    make(map[domain.BridgeID]bool),
	}
}

func (s *StaticSelector) Select(ctx context.Context, inUse []domain.BridgeID, participantRegion string) (domain.Bridge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range inUse {
		for _, b := range s.bridges {
			if b.ID == id && !s.down[b.ID] {
				return b, nil
			}
		}
	}

	healthy := make([]domain.Bridge, 0, len(s.bridges))
	for _, b := range s.bridges {
		if !s.down[b.ID] {
			healthy = append(healthy, b)
		}
	}
	if len(healthy) == 0 {
		return domain.Bridge{}, core.ErrNoBridgeAvailable
	}

	if participantRegion != "" {
		for _, b := range healthy {
			if b.Region == participantRegion {
				return b, nil
			}
		}
	}

	b := healthy[s.next%len(healthy)]
	s.next++
	return b, nil
}

// MarkDown excludes a bridge from selection after a liveness failure.
func (s *StaticSelector) MarkDown(id domain.BridgeID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.down[id] {
		s.down[id] = true
		s.logger.Warn().Str("bridge", string(id)).Msg("bridge marked down")
	}
}

// MarkUp returns a bridge to the selection pool.
func (s *StaticSelector) MarkUp(id domain.BridgeID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down[id] {
		delete(s.down, id)
		s.logger.Info().Str("bridge", string(id)).Msg("bridge marked up")
	}
}
