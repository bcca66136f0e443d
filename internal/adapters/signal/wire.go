package signal

import (
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/focus/internal/core"
	"github.com/dkeye/focus/internal/source"
)

// envelope is the outer frame of every signaling message.
type envelope struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}

// wireTransport mirrors core.TransportDescriptor on the wire.
type wireTransport struct {
	Ufrag        string                    `json:"ufrag"`
	Pwd          string                    `json:"pwd"`
	Fingerprints []webrtc.DTLSFingerprint  `json:"fingerprints,omitempty"`
	Candidates   []webrtc.ICECandidateInit `json:"candidates,omitempty"`
	RTCPMux      bool                      `json:"rtcpMux,omitempty"`
}

type wireSctp struct {
	Port    int `json:"port"`
	Streams int `json:"streams"`
}

type wireContent struct {
	Name      string         `json:"name"`
	RTCPMux   bool           `json:"rtcpMux,omitempty"`
	Transport *wireTransport `json:"transport,omitempty"`
	Sctp      *wireSctp      `json:"sctp,omitempty"`
}

type wireSessionInfo struct {
	ID     string `json:"id"`
	Region string `json:"region,omitempty"`
}

// wireOffer is the session-initiate / transport-replace payload.
type wireOffer struct {
	Type            string           `json:"type"`
	ID              string           `json:"id"`
	Contents        []wireContent    `json:"contents"`
	Sources         []source.Wire    `json:"sources,omitempty"`
	BridgeSession   *wireSessionInfo `json:"bridgeSession,omitempty"`
	StartAudioMuted bool             `json:"startAudioMuted,omitempty"`
	StartVideoMuted bool             `json:"startVideoMuted,omitempty"`
}

func offerToWire(msgType, id string, offer *core.Offer) wireOffer {
	w := wireOffer{
		Type:            msgType,
		ID:              id,
		Sources:         offer.Sources.ToWire(),
		StartAudioMuted: offer.StartAudioMuted,
		StartVideoMuted: offer.StartVideoMuted,
	}
	if offer.BridgeSession != nil {
		w.BridgeSession = &wireSessionInfo{ID: offer.BridgeSession.ID, Region: offer.BridgeSession.Region}
	}
	for _, c := range offer.Contents {
		wc := wireContent{Name: c.Name, RTCPMux: c.RTCPMux}
		if c.Transport != nil {
			wc.Transport = &wireTransport{
				Ufrag:        c.Transport.ICE.UsernameFragment,
				Pwd:          c.Transport.ICE.Password,
				Fingerprints: c.Transport.Fingerprints,
				Candidates:   c.Transport.Candidates,
				RTCPMux:      c.Transport.RTCPMux,
			}
		}
		if c.Sctp != nil {
			wc.Sctp = &wireSctp{Port: c.Sctp.Port, Streams: c.Sctp.Streams}
		}
		w.Contents = append(w.Contents, wc)
	}
	return w
}

// wireSourceDiff is the source-add / source-remove broadcast payload.
type wireSourceDiff struct {
	Type    string        `json:"type"`
	Sources []source.Wire `json:"sources"`
}
