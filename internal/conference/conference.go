// Package conference implements the focus side of one conference: the
// participant set, the conference-wide source map and the admission
// pipeline that invites participants onto media bridges.
package conference

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/dkeye/focus/internal/colibri"
	"github.com/dkeye/focus/internal/config"
	"github.com/dkeye/focus/internal/core"
	"github.com/dkeye/focus/internal/domain"
	"github.com/dkeye/focus/internal/source"
)

// BridgeFailureFunc receives the upstream restart request: the failed
// bridge and the endpoint whose admission hit it. The owner decides whether
// to mark the bridge down and re-invite.
type BridgeFailureFunc func(bridge domain.Bridge, endpoint domain.EndpointID)

// Options carries the external collaborators a conference needs.
type Options struct {
	Signaling core.Signaling
	Selector  core.BridgeSelector
	Bridges   colibri.BridgeClient
	// OnBridgeFailure is invoked exactly once per failed admission attempt
	// that requests a restart. Optional.
	OnBridgeFailure BridgeFailureFunc
	// Hooks installs deterministic allocation hooks; tests only.
	Hooks *colibri.Hooks
}

// Conference owns one conference's shared state. All mutations of the
// source map and the participant set go through its mutex, so concurrent
// admissions of different participants never race on them; the admission
// tasks themselves run as independent goroutines.
type Conference struct {
	name      domain.ConferenceName
	cfg       *config.Config
	signaling core.Signaling
	sessions  *colibri.SessionManager
	onFailure BridgeFailureFunc
	logger    zerolog.Logger

	tasks conc.WaitGroup

	mu           sync.Mutex
	sources      source.ConferenceSourceMap
	participants map[domain.EndpointID]*Participant
	avModeration map[source.MediaType]bool
	disposed     bool
}

func New(name domain.ConferenceName, cfg *config.Config, opts Options, logger zerolog.Logger) *Conference {
	confLogger := logger.With().
		Str("module", "conference").
		Str("conf", string(name)).
		Logger()

	var managerOpts []colibri.SessionManagerOption
	if opts.Hooks != nil {
		managerOpts = append(managerOpts, colibri.WithHooks(opts.Hooks))
	}

	return &Conference{
		name:      name,
		cfg:       cfg,
		signaling: opts.Signaling,
		sessions: colibri.NewSessionManager(
			name, opts.Selector, opts.Bridges, cfg.AllocationTimeout, confLogger, managerOpts...),
		onFailure:    opts.OnBridgeFailure,
		logger:       confLogger,
		sources:      source.NewConferenceSourceMap(),
		participants: make(map[domain.EndpointID]*Participant),
		avModeration: make(map[source.MediaType]bool),
	}
}

func (c *Conference) Name() domain.ConferenceName { return c.name }

func (c *Conference) IsDisposed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disposed
}

func (c *Conference) ParticipantCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.participants)
}

func (c *Conference) BridgeCount() int { return c.sessions.BridgeCount() }

// Participant returns the participant for an endpoint, if present.
func (c *Conference) Participant(endpoint domain.EndpointID) (*Participant, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.participants[endpoint]
	return p, ok
}

// SourcesSnapshot returns an independent copy of the conference source map;
// in-flight filtering never observes a partially updated map.
func (c *Conference) SourcesSnapshot() source.ConferenceSourceMap {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sources.Copy()
}

// SetAVModeration toggles room-enforced moderation for a media type.
func (c *Conference) SetAVModeration(mt source.MediaType, enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.avModeration[mt] = enabled
}

func (c *Conference) AVModerationEnabled(mt source.MediaType) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.avModeration[mt]
}

// OnMemberJoined admits a new room member: registers the participant and
// spawns its admission task. Start-muted flags are carried into the
// session-establishment message.
func (c *Conference) OnMemberJoined(ctx context.Context, endpoint domain.EndpointID, region string, moderator, startAudioMuted, startVideoMuted bool) {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	p, ok := c.participants[endpoint]
	if !ok {
		p = newParticipant(endpoint, region, moderator)
		c.participants[endpoint] = p
	}
	c.mu.Unlock()

	c.logger.Info().Str("participant", string(endpoint)).Msg("member joined")
	c.spawnAdmission(ctx, p, false, startAudioMuted, startVideoMuted)
}

// OnMemberLeft removes a participant: cancels any admission in flight,
// releases bridge resources and withdraws the sources from everyone else.
func (c *Conference) OnMemberLeft(ctx context.Context, endpoint domain.EndpointID) {
	c.mu.Lock()
	p, ok := c.participants[endpoint]
	if ok {
		delete(c.participants, endpoint)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	p.cancelTask()
	c.removeParticipantSources(ctx, endpoint)
	c.sessions.RemoveParticipant(ctx, endpoint)
	c.logger.Info().Str("participant", string(endpoint)).Msg("member left")
}

// ReinviteParticipant replaces a participant's failed or migrating bridge
// session: a new admission task runs with the re-invite flag, so signaling
// uses transport-replace instead of session-initiate.
func (c *Conference) ReinviteParticipant(ctx context.Context, endpoint domain.EndpointID) {
	p, ok := c.Participant(endpoint)
	if !ok {
		return
	}
	c.logger.Info().Str("participant", string(endpoint)).Msg("re-inviting")
	c.spawnAdmission(ctx, p, true, false, false)
}

func (c *Conference) spawnAdmission(ctx context.Context, p *Participant, reInvite, startAudioMuted, startVideoMuted bool) {
	task := newAdmissionTask(c, p, reInvite, startAudioMuted, startVideoMuted)
	p.setTask(task)
	c.tasks.Go(func() { task.Run(ctx) })
}

// Dispose tears the conference down: cancels every admission, waits for the
// tasks to observe it, then expires all bridge sessions.
func (c *Conference) Dispose(ctx context.Context) {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	participants := make([]*Participant, 0, len(c.participants))
	for _, p := range c.participants {
		participants = append(participants, p)
	}
	c.mu.Unlock()

	for _, p := range participants {
		p.cancelTask()
	}
	c.tasks.Wait()
	c.sessions.Dispose(ctx)
	c.logger.Info().Msg("conference disposed")
}

// commitAllocation merges an allocation's sources into the conference map.
// Called from the admission task after a successful bridge round-trip; the
// serialized section is the visibility point for later admissions.
func (c *Conference) commitAllocation(p *Participant, alloc *colibri.Allocation) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return colibri.ErrConferenceDisposed
	}
	if err := c.sources.Add(alloc.Sources); err != nil {
		return err
	}
	if e := c.logger.Debug(); e.Enabled() {
		if compact, err := c.sources.ToCompact(); err == nil {
			e.Interface("sources", compact).Msg("allocation committed")
		}
	}
	return nil
}

// onParticipantInvited broadcasts the newly admitted participant's sources
// to every other invited participant.
func (c *Conference) onParticipantInvited(ctx context.Context, p *Participant) {
	endpoint := p.Endpoint()

	c.mu.Lock()
	var added source.ConferenceSourceMap
	if es, ok := c.sources[endpoint]; ok {
		added = source.ConferenceSourceMap{endpoint: es.Copy()}
	}
	others := make([]*Participant, 0, len(c.participants))
	for ep, other := range c.participants {
		if ep != endpoint {
			others = append(others, other)
		}
	}
	c.mu.Unlock()

	if added == nil {
		return
	}
	for _, other := range others {
		if !c.signaling.HasSession(other.Endpoint()) {
			continue
		}
		if err := c.signaling.AddSources(ctx, other.Endpoint(), added); err != nil {
			c.logger.Warn().Err(err).
				Str("participant", string(other.Endpoint())).
				Msg("source-add broadcast failed")
			continue
		}
		other.addAdvertised(added)
	}
}

// onInviteFailed releases a participant's resources after a failed
// signaling exchange. The participant is simply dropped; the next
// membership event may retry.
func (c *Conference) onInviteFailed(t *AdmissionTask) {
	endpoint := t.participant.Endpoint()
	c.logger.Info().Str("participant", string(endpoint)).Msg("invite failed, releasing resources")
	c.removeParticipantSources(context.Background(), endpoint)
}

// removeParticipantSources withdraws an endpoint's entry from the source
// map and tells everyone else to forget those sources.
func (c *Conference) removeParticipantSources(ctx context.Context, endpoint domain.EndpointID) {
	c.mu.Lock()
	es, ok := c.sources[endpoint]
	var removed source.ConferenceSourceMap
	if ok {
		removed = source.ConferenceSourceMap{endpoint: es.Copy()}
		c.sources.Remove(endpoint)
	}
	others := make([]*Participant, 0, len(c.participants))
	for ep, other := range c.participants {
		if ep != endpoint {
			others = append(others, other)
		}
	}
	c.mu.Unlock()

	if removed == nil {
		return
	}
	for _, other := range others {
		other.removeAdvertised(endpoint)
		if !c.signaling.HasSession(other.Endpoint()) {
			continue
		}
		if err := c.signaling.RemoveSources(ctx, other.Endpoint(), removed); err != nil {
			c.logger.Warn().Err(err).
				Str("participant", string(other.Endpoint())).
				Msg("source-remove broadcast failed")
		}
	}
}

// notifyBridgeFailed sends the single upstream restart notification for a
// failed admission attempt.
func (c *Conference) notifyBridgeFailed(bridge domain.Bridge, endpoint domain.EndpointID) {
	c.logger.Warn().
		Str("bridge", string(bridge.ID)).
		Str("participant", string(endpoint)).
		Msg("reporting bridge failure upstream")
	if c.onFailure != nil {
		c.onFailure(bridge, endpoint)
	}
}

// onAdmissionCompleted is the task's completion callback.
func (c *Conference) onAdmissionCompleted(t *AdmissionTask) {
	t.participant.clearTask(t)
}
