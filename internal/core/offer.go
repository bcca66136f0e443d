package core

import (
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/focus/internal/source"
)

// ContentName identifies one media content of an offer.
const (
	ContentAudio = "audio"
	ContentVideo = "video"
	ContentData  = "data"
)

// TransportDescriptor carries the ICE/DTLS parameters negotiated with a
// bridge for one participant's channel bundle.
type TransportDescriptor struct {
	ICE          webrtc.ICEParameters
	Fingerprints []webrtc.DTLSFingerprint
	Candidates   []webrtc.ICECandidateInit
	RTCPMux      bool
}

// Copy returns an independent clone, so splicing the descriptor into several
// contents never shares backing slices.
func (t TransportDescriptor) Copy() TransportDescriptor {
	out := t
	out.Fingerprints = append([]webrtc.DTLSFingerprint(nil), t.Fingerprints...)
	out.Candidates = append([]webrtc.ICECandidateInit(nil), t.Candidates...)
	return out
}

// SctpMap describes the data-channel association advertised on the data
// content. Port and stream count are configuration defaults, not protocol
// mandated values.
type SctpMap struct {
	Port    int
	Streams int
}

// ContentDescriptor is one requested or offered media content.
type ContentDescriptor struct {
	Name      string
	MediaType source.MediaType
	RTCPMux   bool
	Transport *TransportDescriptor
	Sctp      *SctpMap
}

// SessionInfo tells the participant which bridge session provides its
// transport, for relay-aware client decisions.
type SessionInfo struct {
	ID     string
	Region string
}

// Offer is what the admission pipeline sends to a participant: the media
// contents, the source set to advertise, and session-level extensions.
type Offer struct {
	Contents []ContentDescriptor
	Sources  source.ConferenceSourceMap

	BridgeSession   *SessionInfo
	StartAudioMuted bool
	StartVideoMuted bool
}
