package colibri

import (
	"context"
	"sync"

	"github.com/dkeye/focus/internal/domain"
)

// createGate is the single-admission barrier for bridge-side conference
// creation. The first acquirer is designated creator and proceeds
// immediately; later acquirers block until the creator's request completes,
// success or failure. First to acquire wins; no priority among waiters.
//
// The creator must always call complete, so no waiter can block forever.
type createGate struct {
	mu      sync.Mutex
	claimed bool
	done    chan struct{}
	err     error
}

func newCreateGate() *createGate {
	return &createGate{done: make(chan struct{})}
}

// acquire returns creator=true for exactly one caller. Every other caller
// blocks until complete is called (or ctx is done) and then receives the
// creator's outcome.
func (g *createGate) acquire(ctx context.Context) (creator bool, err error) {
	g.mu.Lock()
	if !g.claimed {
		g.claimed = true
		g.mu.Unlock()
		return true, nil
	}
	g.mu.Unlock()

	select {
	case <-g.done:
		return false, g.err
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// complete records the creator's outcome and releases all waiters. Only the
// creator calls it, exactly once.
func (g *createGate) complete(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.done:
		return
	default:
	}
	g.err = err
	close(g.done)
}

// failed reports whether the gate completed with a creator error. A failed
// gate can never admit anyone; the session holding it must be replaced.
func (g *createGate) failed() bool {
	select {
	case <-g.done:
		return g.err != nil
	default:
		return false
	}
}

// Hooks are optional observation points on the allocation path. Production
// leaves them nil; tests use them to drive the creation barrier
// deterministically (observe the creator decision, hold a request, observe
// responses) instead of subclassing with ad hoc queues.
type Hooks struct {
	// OnGateAcquired fires after the barrier is passed, with the creator
	// designation for this endpoint.
	OnGateAcquired func(endpoint domain.EndpointID, creator bool)
	// BeforeRequest fires right before the allocation request is sent and
	// may block to hold the request.
	BeforeRequest func(endpoint domain.EndpointID, creator bool)
	// AfterResponse fires once the bridge's response has been received.
	AfterResponse func(endpoint domain.EndpointID, creator bool)
}

func (h *Hooks) gateAcquired(endpoint domain.EndpointID, creator bool) {
	if h != nil && h.OnGateAcquired != nil {
		h.OnGateAcquired(endpoint, creator)
	}
}

func (h *Hooks) beforeRequest(endpoint domain.EndpointID, creator bool) {
	if h != nil && h.BeforeRequest != nil {
		h.BeforeRequest(endpoint, creator)
	}
}

func (h *Hooks) afterResponse(endpoint domain.EndpointID, creator bool) {
	if h != nil && h.AfterResponse != nil {
		h.AfterResponse(endpoint, creator)
	}
}
