package core

import (
	"context"
	"errors"

	"github.com/dkeye/focus/internal/domain"
	"github.com/dkeye/focus/internal/source"
)

var (
	// ErrNotAcknowledged means the participant did not ack a session
	// message within the signaling timeout.
	ErrNotAcknowledged = errors.New("session message not acknowledged")
	// ErrNotConnected means the signaling transport for the participant is
	// gone.
	ErrNotConnected = errors.New("signaling transport not connected")
)

// PresenceBridgeNotAvailable is the room presence extension raised when no
// bridge can be selected for anyone.
const PresenceBridgeNotAvailable = "bridge-not-available"

// Signaling is the focus-side view of the signaling transport and the
// presence/membership service. The focus never parses the underlying wire
// format; adapters own that.
type Signaling interface {
	// DiscoverFeatures queries the participant's advertised feature set.
	DiscoverFeatures(ctx context.Context, endpoint domain.EndpointID) (domain.Features, error)

	// InitiateSession sends the full session-establishment message and
	// blocks until an acknowledgment or the signaling timeout.
	InitiateSession(ctx context.Context, endpoint domain.EndpointID, offer *Offer) error

	// ReplaceTransport re-negotiates an existing signaling session after a
	// bridge migration, reusing the session rather than starting fresh.
	ReplaceTransport(ctx context.Context, endpoint domain.EndpointID, offer *Offer) error

	// AddSources and RemoveSources push conference source diffs to one
	// participant outside a full renegotiation.
	AddSources(ctx context.Context, endpoint domain.EndpointID, added source.ConferenceSourceMap) error
	RemoveSources(ctx context.Context, endpoint domain.EndpointID, removed source.ConferenceSourceMap) error

	// SetPresenceExtension publishes a room-wide presence extension once;
	// HasPresenceExtension reports whether it is already published.
	SetPresenceExtension(name string)
	HasPresenceExtension(name string) bool

	// IsMember reports whether the participant is still in the room.
	IsMember(endpoint domain.EndpointID) bool

	// MuteParticipant issues a media-type mute command to the participant.
	MuteParticipant(ctx context.Context, endpoint domain.EndpointID, mediaType source.MediaType) error

	// HasSession reports whether a signaling session is already established
	// with the participant (drives invite vs transport-replace).
	HasSession(endpoint domain.EndpointID) bool
}
