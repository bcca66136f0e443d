package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dkeye/focus/internal/core"
	"github.com/dkeye/focus/internal/domain"
	"github.com/dkeye/focus/internal/source"
)

// The controller is the conference layer's core.Signaling.
var _ core.Signaling = (*Controller)(nil)

var errNotConnected = core.ErrNotConnected

func parseMedia(s string) (source.MediaType, error) {
	return source.ParseMediaType(s)
}

// DiscoverFeatures queries the endpoint's advertised feature set.
func (ctl *Controller) DiscoverFeatures(ctx context.Context, endpoint domain.EndpointID) (domain.Features, error) {
	resp, err := ctl.request(ctx, endpoint, func(id string) any {
		return envelope{Type: "query-features", ID: id}
	})
	if err != nil {
		return nil, fmt.Errorf("feature discovery: %w", err)
	}

	var p struct {
		Type     string   `json:"type"`
		Features []string `json:"features"`
	}
	if err := json.Unmarshal(resp, &p); err != nil {
		return nil, fmt.Errorf("bad features response: %w", err)
	}
	features := make(domain.Features, len(p.Features))
	for _, f := range p.Features {
		features[domain.Feature(f)] = true
	}
	return features, nil
}

// InitiateSession sends the full session-establishment message and waits
// for the acknowledgment.
func (ctl *Controller) InitiateSession(ctx context.Context, endpoint domain.EndpointID, offer *core.Offer) error {
	return ctl.sendSessionMessage(ctx, endpoint, "session-initiate", offer)
}

// ReplaceTransport re-negotiates an existing signaling session.
func (ctl *Controller) ReplaceTransport(ctx context.Context, endpoint domain.EndpointID, offer *core.Offer) error {
	return ctl.sendSessionMessage(ctx, endpoint, "transport-replace", offer)
}

func (ctl *Controller) sendSessionMessage(ctx context.Context, endpoint domain.EndpointID, msgType string, offer *core.Offer) error {
	_, err := ctl.request(ctx, endpoint, func(id string) any {
		return offerToWire(msgType, id, offer)
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return core.ErrNotAcknowledged
		}
		return err
	}

	ctl.mu.RLock()
	sess, ok := ctl.sessions[endpoint]
	ctl.mu.RUnlock()
	if ok {
		sess.established.Store(true)
	}
	return nil
}

// AddSources pushes a source diff without renegotiation.
func (ctl *Controller) AddSources(ctx context.Context, endpoint domain.EndpointID, added source.ConferenceSourceMap) error {
	return ctl.sendSourceDiff(endpoint, "source-add", added)
}

// RemoveSources withdraws sources without renegotiation.
func (ctl *Controller) RemoveSources(ctx context.Context, endpoint domain.EndpointID, removed source.ConferenceSourceMap) error {
	return ctl.sendSourceDiff(endpoint, "source-remove", removed)
}

func (ctl *Controller) sendSourceDiff(endpoint domain.EndpointID, msgType string, diff source.ConferenceSourceMap) error {
	ctl.mu.RLock()
	sess, ok := ctl.sessions[endpoint]
	ctl.mu.RUnlock()
	if !ok {
		return errNotConnected
	}
	b, err := json.Marshal(wireSourceDiff{Type: msgType, Sources: diff.ToWire()})
	if err != nil {
		return err
	}
	return sess.conn.TrySend(b)
}

// SetPresenceExtension publishes a room-wide presence extension to every
// connected endpoint. Publishing twice is a no-op.
func (ctl *Controller) SetPresenceExtension(name string) {
	ctl.mu.Lock()
	if ctl.presence[name] {
		ctl.mu.Unlock()
		return
	}
	ctl.presence[name] = true
	conns := make([]*wsConn, 0, len(ctl.sessions))
	for _, s := range ctl.sessions {
		conns = append(conns, s.conn)
	}
	ctl.mu.Unlock()

	for _, c := range conns {
		ctl.sendJSON(c, struct {
			Type      string `json:"type"`
			Extension string `json:"extension"`
		}{Type: "presence", Extension: name})
	}
}

func (ctl *Controller) HasPresenceExtension(name string) bool {
	ctl.mu.RLock()
	defer ctl.mu.RUnlock()
	return ctl.presence[name]
}

// IsMember reports whether the endpoint is still connected and joined.
func (ctl *Controller) IsMember(endpoint domain.EndpointID) bool {
	ctl.mu.RLock()
	defer ctl.mu.RUnlock()
	sess, ok := ctl.sessions[endpoint]
	return ok && sess.conference != ""
}

// MuteParticipant issues a mute command for one media type.
func (ctl *Controller) MuteParticipant(ctx context.Context, endpoint domain.EndpointID, mediaType source.MediaType) error {
	ctl.mu.RLock()
	sess, ok := ctl.sessions[endpoint]
	ctl.mu.RUnlock()
	if !ok {
		return errNotConnected
	}
	b, err := json.Marshal(struct {
		Type  string `json:"type"`
		Media string `json:"media"`
	}{Type: "mute", Media: mediaType.String()})
	if err != nil {
		return err
	}
	return sess.conn.TrySend(b)
}

// HasSession reports whether a signaling session was established with the
// endpoint (drives invite vs transport-replace on re-invites).
func (ctl *Controller) HasSession(endpoint domain.EndpointID) bool {
	ctl.mu.RLock()
	defer ctl.mu.RUnlock()
	sess, ok := ctl.sessions[endpoint]
	return ok && sess.established.Load()
}
