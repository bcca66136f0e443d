package conference

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/dkeye/focus/internal/colibri"
	"github.com/dkeye/focus/internal/core"
	"github.com/dkeye/focus/internal/source"
)

// TaskState is where an admission task currently is in its state machine:
//
//	Created → BuildingOffer → Allocating → (AllocationFailed | Allocated)
//	        → UpdatingOffer → Inviting → (Completed | Failed)
type TaskState int32

const (
	TaskCreated TaskState = iota
	TaskBuildingOffer
	TaskAllocating
	TaskAllocationFailed
	TaskAllocated
	TaskUpdatingOffer
	TaskInviting
	TaskCompleted
	TaskFailed
)

func (s TaskState) String() string {
	switch s {
	case TaskCreated:
		return "created"
	case TaskBuildingOffer:
		return "building-offer"
	case TaskAllocating:
		return "allocating"
	case TaskAllocationFailed:
		return "allocation-failed"
	case TaskAllocated:
		return "allocated"
	case TaskUpdatingOffer:
		return "updating-offer"
	case TaskInviting:
		return "inviting"
	case TaskCompleted:
		return "completed"
	case TaskFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// AdmissionTask drives one participant's admission (or re-invite) once:
// build offer, allocate on a bridge, update the offer with the allocation,
// invite over signaling. It never retries internally; failure policy is
// reported to the owning conference. Terminal after one Run; never reused.
type AdmissionTask struct {
	conf        *Conference
	participant *Participant
	reInvite    bool

	startAudioMuted bool
	startVideoMuted bool

	// canceled is consulted at every state boundary. In-flight bridge
	// requests are not aborted; their results are discarded once observed.
	canceled atomic.Bool
	state    atomic.Int32

	logger zerolog.Logger
}

func newAdmissionTask(conf *Conference, p *Participant, reInvite, startAudioMuted, startVideoMuted bool) *AdmissionTask {
	return &AdmissionTask{
		conf:            conf,
		participant:     p,
		reInvite:        reInvite,
		startAudioMuted: startAudioMuted,
		startVideoMuted: startVideoMuted,
		logger: conf.logger.With().
			Str("module", "conference.admission").
			Str("participant", string(p.Endpoint())).
			Bool("reinvite", reInvite).
			Logger(),
	}
}

func (t *AdmissionTask) Participant() *Participant { return t.participant }
func (t *AdmissionTask) State() TaskState          { return TaskState(t.state.Load()) }

func (t *AdmissionTask) setState(s TaskState) { t.state.Store(int32(s)) }

// Cancel raises the cancellation flag. Idempotent; safe from any goroutine.
func (t *AdmissionTask) Cancel() {
	if t.canceled.CompareAndSwap(false, true) {
		t.logger.Info().Str("state", t.State().String()).Msg("admission canceled")
	}
}

// checkCanceled transitions to Failed when the flag is set.
func (t *AdmissionTask) checkCanceled() bool {
	if t.canceled.Load() {
		t.setState(TaskFailed)
		return true
	}
	return false
}

// Run drives the full state machine once.
func (t *AdmissionTask) Run(ctx context.Context) {
	defer func() {
		if t.canceled.Load() {
			// Canceled tasks must not leak allocations or committed
			// sources, whether the flag was raised before or after the
			// bridge round-trip.
			endpoint := t.participant.Endpoint()
			t.conf.removeParticipantSources(ctx, endpoint)
			t.conf.sessions.RemoveParticipant(ctx, endpoint)
		}
		t.conf.onAdmissionCompleted(t)
	}()
	t.doRun(ctx)
}

func (t *AdmissionTask) doRun(ctx context.Context) {
	t.setState(TaskBuildingOffer)
	offer, err := t.buildOffer(ctx)
	if err != nil {
		t.logger.Error().Err(err).Msg("error creating offer")
		t.setState(TaskFailed)
		return
	}
	if t.checkCanceled() {
		return
	}

	t.setState(TaskAllocating)
	alloc, err := t.conf.sessions.Allocate(ctx, t.participant.Endpoint(), t.participant.Region(), offer.Contents)
	if err != nil {
		t.setState(TaskAllocationFailed)
		t.handleAllocationError(err)
		t.setState(TaskFailed)
		return
	}
	t.setState(TaskAllocated)
	if t.checkCanceled() {
		return
	}

	if err := t.conf.commitAllocation(t.participant, alloc); err != nil {
		t.logger.Error().Err(err).Msg("allocation conflicts with conference state")
		t.Cancel()
		t.setState(TaskFailed)
		return
	}

	t.setState(TaskUpdatingOffer)
	offer, err = t.updateOffer(offer, alloc)
	if err != nil {
		t.logger.Error().Err(err).Msg("error updating offer")
		t.Cancel()
		t.setState(TaskFailed)
		return
	}
	if t.checkCanceled() {
		return
	}

	t.setState(TaskInviting)
	t.invite(ctx, offer, alloc)
}

// buildOffer discovers the participant's features and derives the media
// contents from conference config and capability.
func (t *AdmissionTask) buildOffer(ctx context.Context) (*core.Offer, error) {
	features, err := t.conf.signaling.DiscoverFeatures(ctx, t.participant.Endpoint())
	if err != nil {
		return nil, err
	}
	t.participant.SetFeatures(features)

	return &core.Offer{
		Contents: buildContents(optionsFor(t.participant)),
		Sources:  source.NewConferenceSourceMap(),
	}, nil
}

// handleAllocationError applies the recovery policy for each condition of
// the allocation error taxonomy. Restart decisions are reported upstream;
// the task itself never retries.
func (t *AdmissionTask) handleAllocationError(err error) {
	var expired *colibri.ConferenceExpiredError
	var failed *colibri.BridgeFailedError
	var timeout *colibri.TimeoutError

	switch {
	case errors.Is(err, colibri.ErrBridgeSelectionFailed):
		// Nothing was allocated; surface capacity exhaustion to the room.
		t.logger.Error().Err(err).Msg("cannot invite participant, no bridge available")
		if !t.conf.signaling.HasPresenceExtension(core.PresenceBridgeNotAvailable) {
			t.conf.signaling.SetPresenceExtension(core.PresenceBridgeNotAvailable)
		}

	case errors.Is(err, colibri.ErrConferenceDisposed):
		t.logger.Error().Err(err).Msg("canceling, conference disposed")
		t.Cancel()

	case errors.As(err, &expired):
		t.logger.Error().Err(err).Msg("canceling, bridge conference expired")
		t.Cancel()
		if expired.Restart {
			t.conf.notifyBridgeFailed(expired.Bridge, t.participant.Endpoint())
		}

	case errors.Is(err, colibri.ErrBadRequest):
		t.logger.Error().Err(err).Msg("canceling, bad request")
		t.Cancel()

	case errors.As(err, &failed):
		t.logger.Error().Err(err).Msg("canceling, bridge failed")
		t.Cancel()
		if failed.Restart {
			t.conf.notifyBridgeFailed(failed.Bridge, t.participant.Endpoint())
		}

	case errors.As(err, &timeout):
		t.logger.Error().Err(err).Msg("canceling, allocation timed out")
		t.Cancel()
		t.conf.notifyBridgeFailed(timeout.Bridge, t.participant.Endpoint())

	default:
		t.logger.Error().Err(err).Msg("canceling, allocation failed")
		t.Cancel()
	}
}

// updateOffer merges the conference's current sources with the allocation
// result and splices the transport into each content.
func (t *AdmissionTask) updateOffer(offer *core.Offer, alloc *colibri.Allocation) (*core.Offer, error) {
	merged, err := updatedSources(t.conf.SourcesSnapshot(), t.participant, alloc, t.conf.cfg)
	if err != nil {
		return nil, err
	}
	t.participant.setAdvertised(merged)

	return &core.Offer{
		Contents:        finalizeContents(offer.Contents, alloc.Transport, t.conf.cfg),
		Sources:         merged,
		BridgeSession:   &core.SessionInfo{ID: alloc.SessionID, Region: alloc.Region},
		StartAudioMuted: t.startAudioMuted,
		StartVideoMuted: t.startVideoMuted,
	}, nil
}

// invite drives the signaling exchange and the post-invite side effects.
func (t *AdmissionTask) invite(ctx context.Context, offer *core.Offer, alloc *colibri.Allocation) {
	endpoint := t.participant.Endpoint()

	// The conference may have been disposed and the participant may have
	// left while we were allocating; in both cases the channels must go.
	expireChannels := false
	switch {
	case t.conf.IsDisposed():
		t.logger.Info().Msg("expiring channels, conference disposed")
		expireChannels = true
	case !t.conf.signaling.IsMember(endpoint):
		t.logger.Info().Msg("expiring channels, participant has left")
		expireChannels = true
	case !t.canceled.Load():
		if !t.doInviteOrReinvite(ctx, offer) {
			expireChannels = true
		}
	}

	if expireChannels || t.canceled.Load() {
		// Whether another goroutine intentionally canceled us or the
		// session message got no result, there is no retry here.
		t.Cancel()
		t.setState(TaskFailed)
		t.conf.onInviteFailed(t)
		return
	}

	if t.reInvite {
		// The snapshot entry keeps the simulcast/FID grouping; the bridge
		// needs it along with the flat source list.
		es := &source.EndpointSources{}
		if entry, ok := t.conf.SourcesSnapshot()[endpoint]; ok {
			es = entry
		}
		if err := t.conf.sessions.UpdateParticipant(ctx, endpoint, es, nil, nil); err != nil {
			t.logger.Warn().Err(err).Msg("post-reinvite participant update failed")
		}
	}

	t.setState(TaskCompleted)
	t.conf.onParticipantInvited(ctx, t.participant)

	// Participants without moderator rights enter muted when the room
	// enforces AV moderation for a media type.
	if !t.participant.IsModerator() {
		for _, mt := range []source.MediaType{source.MediaAudio, source.MediaVideo} {
			if t.conf.AVModerationEnabled(mt) {
				if err := t.conf.signaling.MuteParticipant(ctx, endpoint, mt); err != nil {
					t.logger.Warn().Err(err).Stringer("media", mt).Msg("moderation mute failed")
				}
			}
		}
	}
}

// doInviteOrReinvite sends session-initiate on first admission or
// transport-replace when re-inviting into an existing signaling session.
// Blocks until an acknowledgment or the signaling timeout; returns false on
// failure.
func (t *AdmissionTask) doInviteOrReinvite(ctx context.Context, offer *core.Offer) bool {
	endpoint := t.participant.Endpoint()
	initiate := !t.reInvite || !t.conf.signaling.HasSession(endpoint)

	sctx, cancel := context.WithTimeout(ctx, t.conf.cfg.SignalingTimeout)
	defer cancel()

	var err error
	if initiate {
		t.logger.Info().Msg("sending session-initiate")
		err = t.conf.signaling.InitiateSession(sctx, endpoint, offer)
	} else {
		t.logger.Info().Msg("sending transport-replace")
		err = t.conf.signaling.ReplaceTransport(sctx, endpoint, offer)
	}
	if err != nil {
		t.logger.Error().Err(err).Bool("initiate", initiate).Msg("failed to invite participant")
		return false
	}
	return true
}
