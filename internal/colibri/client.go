package colibri

import (
	"context"

	"github.com/dkeye/focus/internal/core"
	"github.com/dkeye/focus/internal/domain"
	"github.com/dkeye/focus/internal/source"
)

// AllocateRequest asks a bridge for one participant's channels.
type AllocateRequest struct {
	Conference   domain.ConferenceName
	ConferenceID string // bridge-side conference id; empty on create
	Endpoint     domain.EndpointID
	Contents     []core.ContentDescriptor
	// Create marks the request that creates the bridge-side conference.
	// Exactly one allocation per (conference, bridge) carries it.
	Create bool
}

// AllocateResponse is a successful allocation.
type AllocateResponse struct {
	ConferenceID string
	// Endpoint holds the sources the bridge allocated for this endpoint,
	// Groups their simulcast/FID grouping.
	Endpoint []source.Source
	Groups   []source.SsrcGroup
	// Injected holds bridge-synthesized sources not owned by any endpoint.
	Injected  []source.Source
	Transport core.TransportDescriptor
}

// UpdateRequest pushes source or mute changes for an allocated endpoint.
type UpdateRequest struct {
	ConferenceID string
	Endpoint     domain.EndpointID
	Sources      *source.EndpointSources
	MuteAudio    *bool
	MuteVideo    *bool
}

// ExpireRequest releases an endpoint's channels, or the whole bridge-side
// conference when Endpoint is empty.
type ExpireRequest struct {
	ConferenceID string
	Endpoint     domain.EndpointID
}

// BridgeClient is the request/response exchange with one bridge. Adapters
// return errors from the package taxonomy where they can classify the
// failure; anything else is treated as ErrAllocationFailed.
type BridgeClient interface {
	Allocate(ctx context.Context, bridge domain.Bridge, req AllocateRequest) (*AllocateResponse, error)
	Update(ctx context.Context, bridge domain.Bridge, req UpdateRequest) error
	Expire(ctx context.Context, bridge domain.Bridge, req ExpireRequest) error
}
