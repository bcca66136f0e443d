package colibri

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/dkeye/focus/internal/core"
	"github.com/dkeye/focus/internal/domain"
	"github.com/dkeye/focus/internal/source"
)

var testBridge = domain.Bridge{ID: "jvb-1", Region: "eu", URL: "ws://jvb-1"}

type fakeSelector struct {
	mu     sync.Mutex
	calls  int
	bridge domain.Bridge
	err    error
}

func (s *fakeSelector) Select(ctx context.Context, inUse []domain.BridgeID, region string) (domain.Bridge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return domain.Bridge{}, s.err
	}
	return s.bridge, nil
}

func (s *fakeSelector) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fakeBridgeClient struct {
	mu      sync.Mutex
	allocs  []AllocateRequest
	updates []UpdateRequest
	expires []ExpireRequest

	// allocate overrides the default success response when set.
	allocate func(ctx context.Context, req AllocateRequest) (*AllocateResponse, error)
}

func (c *fakeBridgeClient) Allocate(ctx context.Context, bridge domain.Bridge, req AllocateRequest) (*AllocateResponse, error) {
	c.mu.Lock()
	c.allocs = append(c.allocs, req)
	fn := c.allocate
	c.mu.Unlock()
	if fn != nil {
		return fn(ctx, req)
	}
	return &AllocateResponse{
		ConferenceID: "bridge-conf-1",
		Endpoint:     []source.Source{{SSRC: 100, MediaType: source.MediaAudio}},
	}, nil
}

func (c *fakeBridgeClient) Update(ctx context.Context, bridge domain.Bridge, req UpdateRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updates = append(c.updates, req)
	return nil
}

func (c *fakeBridgeClient) Expire(ctx context.Context, bridge domain.Bridge, req ExpireRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expires = append(c.expires, req)
	return nil
}

func (c *fakeBridgeClient) allocRequests() []AllocateRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]AllocateRequest(nil), c.allocs...)
}

func (c *fakeBridgeClient) expireRequests() []ExpireRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ExpireRequest(nil), c.expires...)
}

func newTestManager(selector core.BridgeSelector, client BridgeClient, opts ...SessionManagerOption) *SessionManager {
	return NewSessionManager("room", selector, client, time.Second, zerolog.Nop(), opts...)
}

func TestAllocateSingleCreateRequest(t *testing.T) {
	client := &fakeBridgeClient{}
	var creators atomic.Int32
	hooks := &Hooks{
		OnGateAcquired: func(ep domain.EndpointID, creator bool) {
			if creator {
				creators.Add(1)
			}
		},
	}
	m := newTestManager(&fakeSelector{bridge: testBridge}, client, WithHooks(hooks))

	const n = 8
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		ep := domain.EndpointID(string(rune('a' + i)))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Allocate(context.Background(), ep, "", nil); err != nil {
				t.Errorf("allocate %s: %v", ep, err)
			}
		}()
	}
	wg.Wait()

	if got := creators.Load(); got != 1 {
		t.Errorf("creators = %d, want 1", got)
	}

	reqs := client.allocRequests()
	if len(reqs) != n {
		t.Fatalf("requests = %d, want %d", len(reqs), n)
	}
	createCount := 0
	for _, req := range reqs {
		if req.Create {
			createCount++
			continue
		}
		// Non-creators must see the bridge conference id the creator got.
		if req.ConferenceID != "bridge-conf-1" {
			t.Errorf("non-create request has conference id %q", req.ConferenceID)
		}
	}
	if createCount != 1 {
		t.Errorf("create requests = %d, want 1", createCount)
	}
	if m.BridgeCount() != 1 {
		t.Errorf("bridge count = %d, want 1", m.BridgeCount())
	}
}

func TestAllocateSelectionFailure(t *testing.T) {
	m := newTestManager(&fakeSelector{err: core.ErrNoBridgeAvailable}, &fakeBridgeClient{})

	_, err := m.Allocate(context.Background(), "ep-1", "", nil)
	if !errors.Is(err, ErrBridgeSelectionFailed) {
		t.Errorf("err = %v, want ErrBridgeSelectionFailed", err)
	}
}

func TestAllocateCreatorFailureReleasesWaiters(t *testing.T) {
	boom := &BridgeFailedError{Bridge: testBridge, Restart: true}
	client := &fakeBridgeClient{
		allocate: func(ctx context.Context, req AllocateRequest) (*AllocateResponse, error) {
			return nil, boom
		},
	}
	m := newTestManager(&fakeSelector{bridge: testBridge}, client)

	_, err := m.Allocate(context.Background(), "ep-1", "", nil)
	var failed *BridgeFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("err = %v, want *BridgeFailedError", err)
	}
}

func TestAllocateLivenessErrorTearsDownSession(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	client := &fakeBridgeClient{
		allocate: func(ctx context.Context, req AllocateRequest) (*AllocateResponse, error) {
			if fail.Load() {
				return nil, &BridgeFailedError{Bridge: testBridge, Restart: true}
			}
			return &AllocateResponse{ConferenceID: "bridge-conf-2"}, nil
		},
	}
	selector := &fakeSelector{bridge: testBridge}
	m := newTestManager(selector, client)

	if _, err := m.Allocate(context.Background(), "ep-1", "", nil); err == nil {
		t.Fatal("expected failure")
	}
	if m.BridgeCount() != 0 {
		t.Fatalf("bridge count after failure = %d, want 0", m.BridgeCount())
	}

	// A retry starts over: new selection, fresh session.
	fail.Store(false)
	if _, err := m.Allocate(context.Background(), "ep-1", "", nil); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if selector.callCount() != 2 {
		t.Errorf("selector calls = %d, want 2", selector.callCount())
	}
}

func TestCreatorBadRequestDoesNotPoisonSession(t *testing.T) {
	// A creator failure that is not a liveness error still completes the
	// gate with an error; the session must be replaced, not kept around
	// replaying the stale creator outcome to every later endpoint.
	var fail atomic.Bool
	fail.Store(true)
	client := &fakeBridgeClient{
		allocate: func(ctx context.Context, req AllocateRequest) (*AllocateResponse, error) {
			if fail.Load() {
				return nil, ErrBadRequest
			}
			return &AllocateResponse{ConferenceID: "bridge-conf-1"}, nil
		},
	}
	m := newTestManager(&fakeSelector{bridge: testBridge}, client)

	if _, err := m.Allocate(context.Background(), "ep-1", "", nil); !errors.Is(err, ErrBadRequest) {
		t.Fatalf("creator err = %v, want ErrBadRequest", err)
	}
	if m.BridgeCount() != 0 {
		t.Fatalf("bridge count after creator failure = %d, want 0", m.BridgeCount())
	}

	fail.Store(false)
	if _, err := m.Allocate(context.Background(), "ep-2", "", nil); err != nil {
		t.Fatalf("allocation after recovery: %v", err)
	}
	if m.BridgeCount() != 1 {
		t.Errorf("bridge count after recovery = %d, want 1", m.BridgeCount())
	}
}

func TestAllocateTimeoutTranslated(t *testing.T) {
	client := &fakeBridgeClient{
		allocate: func(ctx context.Context, req AllocateRequest) (*AllocateResponse, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	m := NewSessionManager("room", &fakeSelector{bridge: testBridge}, client, 10*time.Millisecond, zerolog.Nop())

	_, err := m.Allocate(context.Background(), "ep-1", "", nil)
	var timeout *TimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("err = %v, want *TimeoutError", err)
	}
	if timeout.Bridge.ID != testBridge.ID {
		t.Errorf("timeout bridge = %s, want %s", timeout.Bridge.ID, testBridge.ID)
	}
}

func TestRemoveParticipantExpiresLastEndpoint(t *testing.T) {
	client := &fakeBridgeClient{}
	m := newTestManager(&fakeSelector{bridge: testBridge}, client)

	ctx := context.Background()
	for _, ep := range []domain.EndpointID{"ep-1", "ep-2"} {
		if _, err := m.Allocate(ctx, ep, "", nil); err != nil {
			t.Fatalf("allocate %s: %v", ep, err)
		}
	}

	m.RemoveParticipant(ctx, "ep-1")
	expires := client.expireRequests()
	if len(expires) != 1 || expires[0].Endpoint != "ep-1" {
		t.Fatalf("expires after first remove = %+v", expires)
	}
	if m.BridgeCount() != 1 {
		t.Errorf("bridge count = %d, want 1", m.BridgeCount())
	}

	// The last endpoint takes the bridge-side conference down with it.
	m.RemoveParticipant(ctx, "ep-2")
	expires = client.expireRequests()
	if len(expires) != 3 {
		t.Fatalf("expires after last remove = %+v", expires)
	}
	last := expires[len(expires)-1]
	if last.Endpoint != "" {
		t.Errorf("final expire endpoint = %q, want whole conference", last.Endpoint)
	}
	if m.BridgeCount() != 0 {
		t.Errorf("bridge count = %d, want 0", m.BridgeCount())
	}
}

func TestUpdateParticipantWithoutSession(t *testing.T) {
	m := newTestManager(&fakeSelector{bridge: testBridge}, &fakeBridgeClient{})
	err := m.UpdateParticipant(context.Background(), "ghost", nil, nil, nil)
	if !errors.Is(err, ErrAllocationFailed) {
		t.Errorf("err = %v, want ErrAllocationFailed", err)
	}
}

func TestSourcesAggregation(t *testing.T) {
	client := &fakeBridgeClient{
		allocate: func(ctx context.Context, req AllocateRequest) (*AllocateResponse, error) {
			var ssrc uint32 = 100
			if req.Endpoint == "ep-2" {
				ssrc = 200
			}
			return &AllocateResponse{
				ConferenceID: "bridge-conf-1",
				Endpoint:     []source.Source{{SSRC: ssrc, MediaType: source.MediaAudio}},
			}, nil
		},
	}
	m := newTestManager(&fakeSelector{bridge: testBridge}, client)

	ctx := context.Background()
	for _, ep := range []domain.EndpointID{"ep-1", "ep-2"} {
		if _, err := m.Allocate(ctx, ep, "", nil); err != nil {
			t.Fatalf("allocate %s: %v", ep, err)
		}
	}

	all := m.Sources()
	if got := all.Sources("ep-1"); len(got) != 1 || got[0].SSRC != 100 {
		t.Errorf("ep-1 sources = %v", got)
	}
	if got := all.Sources("ep-2"); len(got) != 1 || got[0].SSRC != 200 {
		t.Errorf("ep-2 sources = %v", got)
	}
}

func TestDispose(t *testing.T) {
	client := &fakeBridgeClient{}
	m := newTestManager(&fakeSelector{bridge: testBridge}, client)

	ctx := context.Background()
	if _, err := m.Allocate(ctx, "ep-1", "", nil); err != nil {
		t.Fatalf("allocate: %v", err)
	}

	m.Dispose(ctx)
	expires := client.expireRequests()
	if len(expires) != 1 || expires[0].Endpoint != "" {
		t.Errorf("expires on dispose = %+v, want one whole-conference expire", expires)
	}

	if _, err := m.Allocate(ctx, "ep-2", "", nil); !errors.Is(err, ErrConferenceDisposed) {
		t.Errorf("post-dispose err = %v, want ErrConferenceDisposed", err)
	}
}
