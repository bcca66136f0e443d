package conference

import (
	"github.com/dkeye/focus/internal/colibri"
	"github.com/dkeye/focus/internal/config"
	"github.com/dkeye/focus/internal/core"
	"github.com/dkeye/focus/internal/domain"
	"github.com/dkeye/focus/internal/source"
)

// offerOptions are the media/option constraints applied to a participant's
// offer, derived from conference configuration and discovered capability.
type offerOptions struct {
	Audio bool
	Video bool
	Rtx   bool
	Sctp  bool
	Tcc   bool
	Remb  bool
}

func optionsFor(p *Participant) offerOptions {
	f := p.Features()
	o := offerOptions{
		Audio: f == nil || f.Has(domain.FeatureAudio),
		Video: f == nil || f.Has(domain.FeatureVideo),
		Rtx:   f != nil && f.Has(domain.FeatureRtx),
		Sctp:  f != nil && f.Has(domain.FeatureSctp),
		Tcc:   f != nil && f.Has(domain.FeatureTcc),
	}
	// REMB only when TCC is not enabled.
	if !o.Tcc && f != nil && f.Has(domain.FeatureRemb) {
		o.Remb = true
	}
	return o
}

// buildContents produces the requested media content descriptors for an
// allocation and the eventual session message.
func buildContents(o offerOptions) []core.ContentDescriptor {
	var contents []core.ContentDescriptor
	if o.Audio {
		contents = append(contents, core.ContentDescriptor{
			Name:      core.ContentAudio,
			MediaType: source.MediaAudio,
		})
	}
	if o.Video {
		contents = append(contents, core.ContentDescriptor{
			Name:      core.ContentVideo,
			MediaType: source.MediaVideo,
		})
	}
	if o.Sctp {
		contents = append(contents, core.ContentDescriptor{
			Name: core.ContentData,
		})
	}
	return contents
}

// finalizeContents splices the allocated transport into every content and
// signals rtcp-mux; the data content also gets the SCTP association.
func finalizeContents(contents []core.ContentDescriptor, transport core.TransportDescriptor, cfg *config.Config) []core.ContentDescriptor {
	out := make([]core.ContentDescriptor, len(contents))
	for i, c := range contents {
		t := transport.Copy()
		t.RTCPMux = true
		c.Transport = &t
		c.RTCPMux = true
		if c.Name == core.ContentData {
			c.Sctp = &core.SctpMap{Port: cfg.SctpPort, Streams: cfg.SctpStreams}
		}
		out[i] = c
	}
	return out
}

// updatedSources builds the source set to advertise to a participant after
// allocation: the conference's current sources, stripped per policy and
// capability, minus the participant's own, plus what the bridge injected.
func updatedSources(
	conferenceSources source.ConferenceSourceMap,
	p *Participant,
	alloc *colibri.Allocation,
	cfg *config.Config,
) (source.ConferenceSourceMap, error) {
	merged := conferenceSources.
		Strip(cfg.StripSimulcast, true).
		StripByMediaType(p.SupportedMediaTypes())
	merged.Remove(p.Endpoint())

	if injected, ok := alloc.Sources[source.OwnerBridge]; ok {
		add := source.ConferenceSourceMap{source.OwnerBridge: injected.Copy()}
		if err := merged.Add(add); err != nil {
			return nil, err
		}
	}
	return merged, nil
}
