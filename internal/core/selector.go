package core

import (
	"context"
	"errors"

	"github.com/dkeye/focus/internal/domain"
)

// ErrNoBridgeAvailable means no bridge satisfies the selection constraints.
var ErrNoBridgeAvailable = errors.New("no bridge available")

// BridgeSelector picks a bridge for a new participant. Health scoring and
// load policy are internal to the implementation; the focus treats this as
// a black box.
type BridgeSelector interface {
	// Select returns a bridge for a participant in the given region.
	// inUse lists bridges the conference already has sessions on, which an
	// implementation may prefer.
	Select(ctx context.Context, inUse []domain.BridgeID, participantRegion string) (domain.Bridge, error)
}
