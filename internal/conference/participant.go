package conference

import (
	"sync"

	"github.com/dkeye/focus/internal/domain"
	"github.com/dkeye/focus/internal/source"
)

// Participant is one admitted (or being-admitted) member of a conference.
// Mutable state is guarded here so admission tasks and the conference actor
// can touch it from their own goroutines.
type Participant struct {
	endpoint  domain.EndpointID
	region    string
	moderator bool

	mu         sync.Mutex
	features   domain.Features
	task       *AdmissionTask
	advertised source.ConferenceSourceMap
}

func newParticipant(endpoint domain.EndpointID, region string, moderator bool) *Participant {
	return &Participant{
		endpoint:   endpoint,
		region:     region,
		moderator:  moderator,
		advertised: source.NewConferenceSourceMap(),
	}
}

func (p *Participant) Endpoint() domain.EndpointID { return p.endpoint }
func (p *Participant) Region() string              { return p.region }
func (p *Participant) IsModerator() bool           { return p.moderator }

func (p *Participant) SetFeatures(f domain.Features) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.features = f
}

func (p *Participant) Features() domain.Features {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.features
}

// SupportedMediaTypes derives the media-type allow-set from discovered
// features. Before discovery everything is assumed supported.
func (p *Participant) SupportedMediaTypes() source.MediaTypes {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.features == nil {
		return source.NewMediaTypes(source.MediaAudio, source.MediaVideo)
	}
	allowed := source.MediaTypes{}
	if p.features.Has(domain.FeatureAudio) {
		allowed[source.MediaAudio] = true
	}
	if p.features.Has(domain.FeatureVideo) {
		allowed[source.MediaVideo] = true
	}
	return allowed
}

// setTask installs the participant's admission task, canceling any previous
// one. A participant has at most one live task.
func (p *Participant) setTask(t *AdmissionTask) {
	p.mu.Lock()
	old := p.task
	p.task = t
	p.mu.Unlock()
	if old != nil {
		old.Cancel()
	}
}

// clearTask drops the reference once the given task reported completion.
func (p *Participant) clearTask(t *AdmissionTask) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.task == t {
		p.task = nil
	}
}

func (p *Participant) cancelTask() {
	p.mu.Lock()
	t := p.task
	p.mu.Unlock()
	if t != nil {
		t.Cancel()
	}
}

// setAdvertised replaces the record of what this participant has been told
// about the conference's sources (the post-updateOffer view).
func (p *Participant) setAdvertised(m source.ConferenceSourceMap) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.advertised = m.Copy()
}

// addAdvertised extends the record with a broadcast source diff.
func (p *Participant) addAdvertised(m source.ConferenceSourceMap) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.advertised.Add(m); err != nil {
		// Conference-level conflict detection happens before broadcast;
		// a collision here means the diff was already applied.
		return
	}
}

func (p *Participant) removeAdvertised(owner domain.EndpointID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.advertised.Remove(owner)
}

// AdvertisedSources returns a snapshot of the participant's current view of
// the conference sources.
func (p *Participant) AdvertisedSources() source.ConferenceSourceMap {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.advertised.Copy()
}
