// Package colibri manages per-participant allocations on remote media
// bridges: one BridgeSession per (conference, bridge) pair, a single-creator
// barrier for bridge-side conference creation, and a SessionManager façade
// that the admission pipeline talks to.
package colibri

import (
	"errors"
	"fmt"

	"github.com/dkeye/focus/internal/domain"
)

// The outward error taxonomy of the allocation path. Each condition is
// distinct and carries its own recovery policy, applied by the caller:
//
//	ErrBridgeSelectionFailed  publish "no bridge available", no retry
//	ErrConferenceDisposed     cancel cleanly, no restart
//	ConferenceExpiredError    release, restart per flag
//	ErrBadRequest             local defect, no restart
//	BridgeFailedError         release, restart per flag
//	TimeoutError              release, always report bridge failure
//	ErrAllocationFailed       catch-all, no restart
var (
	ErrBridgeSelectionFailed = errors.New("bridge selection failed")
	ErrConferenceDisposed    = errors.New("colibri conference disposed")
	ErrBadRequest            = errors.New("bad colibri request")
	ErrAllocationFailed      = errors.New("colibri allocation failed")
)

// ConferenceExpiredError means the bridge reports the conference no longer
// exists on its side.
type ConferenceExpiredError struct {
	Bridge  domain.Bridge
	Restart bool
}

func (e *ConferenceExpiredError) Error() string {
	return fmt.Sprintf("conference expired on bridge %s (restart=%v)", e.Bridge.ID, e.Restart)
}

// BridgeFailedError means the bridge is unresponsive or erroring.
type BridgeFailedError struct {
	Bridge  domain.Bridge
	Restart bool
}

func (e *BridgeFailedError) Error() string {
	return fmt.Sprintf("bridge %s failed (restart=%v)", e.Bridge.ID, e.Restart)
}

// TimeoutError means no response arrived within the allocation deadline.
// It always triggers a bridge-failure report upstream.
type TimeoutError struct {
	Bridge domain.Bridge
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out waiting for bridge %s", e.Bridge.ID)
}
