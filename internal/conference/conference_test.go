package conference

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/dkeye/focus/internal/config"
	"github.com/dkeye/focus/internal/core"
	"github.com/dkeye/focus/internal/domain"
)

func newTestConference(t *testing.T) (*Conference, *fakeSignaling, *fakeBridgeClient) {
	t.Helper()
	fs := newFakeSignaling()
	client := newFakeBridgeClient()
	conf := New("room", config.Default(), Options{
		Signaling: fs,
		Selector:  &fakeSelector{bridge: testBridge},
		Bridges:   client,
	}, zerolog.Nop())
	t.Cleanup(func() { conf.Dispose(context.Background()) })
	return conf, fs, client
}

func admit(t *testing.T, conf *Conference, fs *fakeSignaling, ep domain.EndpointID) {
	t.Helper()
	fs.join(ep)
	conf.OnMemberJoined(context.Background(), ep, "eu", false, false, false)
	waitAdmission(t, conf, ep)
}

func TestParticipantsSeeEachOtherNotThemselves(t *testing.T) {
	conf, fs, _ := newTestConference(t)

	admit(t, conf, fs, "ep-1")
	admit(t, conf, fs, "ep-2")

	p1, _ := conf.Participant("ep-1")
	p2, _ := conf.Participant("ep-2")

	// ep-2 was offered the conference state, which already held ep-1.
	adv2 := p2.AdvertisedSources()
	if got := adv2.Sources("ep-1"); len(got) != 1 {
		t.Errorf("ep-2 advertised view of ep-1 = %v, want 1 source", got)
	}
	if got := adv2.Sources("ep-2"); got != nil {
		t.Errorf("ep-2 sees its own sources: %v", got)
	}

	// ep-1 learned about ep-2 via the source-add broadcast.
	waitFor(t, "ep-1 to learn ep-2's sources", func() bool {
		return len(p1.AdvertisedSources().Sources("ep-2")) == 1
	})
	if got := p1.AdvertisedSources().Sources("ep-1"); got != nil {
		t.Errorf("ep-1 sees its own sources: %v", got)
	}

	fs.mu.Lock()
	broadcasts := len(fs.added["ep-1"])
	fs.mu.Unlock()
	if broadcasts != 1 {
		t.Errorf("source-add broadcasts to ep-1 = %d, want 1", broadcasts)
	}
}

func TestMemberLeftWithdrawsSources(t *testing.T) {
	conf, fs, client := newTestConference(t)

	admit(t, conf, fs, "ep-1")
	admit(t, conf, fs, "ep-2")

	conf.OnMemberLeft(context.Background(), "ep-1")

	if got := conf.SourcesSnapshot().Sources("ep-1"); got != nil {
		t.Errorf("ep-1 sources still in conference map: %v", got)
	}
	fs.mu.Lock()
	removals := len(fs.removed["ep-2"])
	fs.mu.Unlock()
	if removals != 1 {
		t.Errorf("source-remove broadcasts to ep-2 = %d, want 1", removals)
	}

	p2, _ := conf.Participant("ep-2")
	if got := p2.AdvertisedSources().Sources("ep-1"); got != nil {
		t.Errorf("ep-2 still advertises ep-1: %v", got)
	}

	expires := client.expireRequests()
	if len(expires) == 0 || expires[0].Endpoint != "ep-1" {
		t.Errorf("expire requests = %+v, want ep-1 channels expired", expires)
	}
	if conf.ParticipantCount() != 1 {
		t.Errorf("participant count = %d, want 1", conf.ParticipantCount())
	}
}

func TestMemberLeftUnknownEndpointIsNoop(t *testing.T) {
	conf, _, client := newTestConference(t)
	conf.OnMemberLeft(context.Background(), "ghost")
	if got := len(client.expireRequests()); got != 0 {
		t.Errorf("expire requests = %d, want 0", got)
	}
}

func TestReinviteUsesTransportReplace(t *testing.T) {
	conf, fs, _ := newTestConference(t)

	admit(t, conf, fs, "ep-1")
	conf.ReinviteParticipant(context.Background(), "ep-1")
	waitAdmission(t, conf, "ep-1")

	fs.mu.Lock()
	initiates, replaces := len(fs.initiates), len(fs.replaces)
	fs.mu.Unlock()
	if initiates != 1 || replaces != 1 {
		t.Errorf("initiates = %d, replaces = %d, want 1 and 1", initiates, replaces)
	}
}

func TestRejoinWhileAdmittedCancelsOldTask(t *testing.T) {
	conf, fs, _ := newTestConference(t)

	admit(t, conf, fs, "ep-1")
	// A second join for the same endpoint replaces the task, it must not
	// duplicate the participant.
	conf.OnMemberJoined(context.Background(), "ep-1", "eu", false, false, false)
	waitAdmission(t, conf, "ep-1")

	if conf.ParticipantCount() != 1 {
		t.Errorf("participant count = %d, want 1", conf.ParticipantCount())
	}
}

func TestDisposeRejectsLateJoin(t *testing.T) {
	conf, fs, _ := newTestConference(t)

	admit(t, conf, fs, "ep-1")
	conf.Dispose(context.Background())

	fs.join("ep-2")
	conf.OnMemberJoined(context.Background(), "ep-2", "eu", false, false, false)
	if _, ok := conf.Participant("ep-2"); ok {
		t.Error("participant registered on disposed conference")
	}
}

// offerCapture intercepts session-initiate to inspect the outgoing offer.
type offerCapture struct {
	*fakeSignaling
	onInitiate func(startAudioMuted, startVideoMuted bool)
}

func (o *offerCapture) InitiateSession(ctx context.Context, ep domain.EndpointID, offer *core.Offer) error {
	o.onInitiate(offer.StartAudioMuted, offer.StartVideoMuted)
	return o.fakeSignaling.InitiateSession(ctx, ep, offer)
}

func TestStartMutedFlagsReachOffer(t *testing.T) {
	fs := newFakeSignaling()
	var gotOffer struct {
		audio, video bool
	}
	done := make(chan struct{})
	fs.features = domain.NewFeatures(domain.FeatureAudio, domain.FeatureVideo)

	conf := New("room", config.Default(), Options{
		Signaling: &offerCapture{fakeSignaling: fs, onInitiate: func(audio, video bool) {
			gotOffer.audio, gotOffer.video = audio, video
			close(done)
		}},
		Selector: &fakeSelector{bridge: testBridge},
		Bridges:  newFakeBridgeClient(),
	}, zerolog.Nop())
	defer conf.Dispose(context.Background())

	fs.join("ep-1")
	conf.OnMemberJoined(context.Background(), "ep-1", "eu", false, true, true)
	<-done

	if !gotOffer.audio || !gotOffer.video {
		t.Errorf("start muted flags = %+v, want both true", gotOffer)
	}
}

func TestManagerGetOrCreate(t *testing.T) {
	fs := newFakeSignaling()
	m := NewManager(config.Default(), Options{
		Signaling: fs,
		Selector:  &fakeSelector{bridge: testBridge},
		Bridges:   newFakeBridgeClient(),
	}, zerolog.Nop())
	defer m.StopAll(context.Background())

	a := m.GetOrCreate("room-a")
	if again := m.GetOrCreate("room-a"); again != a {
		t.Error("GetOrCreate returned a different instance for the same name")
	}
	if _, ok := m.Get("room-b"); ok {
		t.Error("Get found a conference that was never created")
	}

	m.GetOrCreate("room-b")
	if got := len(m.List()); got != 2 {
		t.Errorf("List = %d conferences, want 2", got)
	}

	m.Stop(context.Background(), "room-a")
	if _, ok := m.Get("room-a"); ok {
		t.Error("stopped conference still listed")
	}
}
