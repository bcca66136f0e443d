// Package bridge is the websocket client for the colibri allocation
// protocol: create/update/expire of per-participant channels on a bridge.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/dkeye/focus/internal/colibri"
	"github.com/dkeye/focus/internal/core"
	"github.com/dkeye/focus/internal/domain"
	"github.com/dkeye/focus/internal/source"
)

// Client implements colibri.BridgeClient over one websocket per bridge,
// dialed on demand and shared by all conferences.
type Client struct {
	logger zerolog.Logger

	mu    sync.Mutex
	conns map[domain.BridgeID]*bridgeConn
}

var _ colibri.BridgeClient = (*Client)(nil)

func NewClient(logger zerolog.Logger) *Client {
	return &Client{
		logger: logger.With().Str("module", "bridge.client").Logger(),
		conns:  make(map[domain.BridgeID]*bridgeConn),
	}
}

type bridgeConn struct {
	bridge domain.Bridge
	ws     *websocket.Conn
	logger zerolog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan colibriResponse
	closed  bool
}

// wire shapes; the transport block mirrors core.TransportDescriptor.

type colibriRequest struct {
	Type         string          `json:"type"`
	ID           string          `json:"id"`
	Conference   string          `json:"conference,omitempty"`
	ConferenceID string          `json:"conferenceId,omitempty"`
	Endpoint     string          `json:"endpoint,omitempty"`
	Create       bool            `json:"create,omitempty"`
	Contents     []requestMedia  `json:"contents,omitempty"`
	Sources      []source.Wire   `json:"sources,omitempty"`
	Groups       []requestGroups `json:"groups,omitempty"`
	MuteAudio    *bool           `json:"muteAudio,omitempty"`
	MuteVideo    *bool           `json:"muteVideo,omitempty"`
}

type requestMedia struct {
	Name  string `json:"name"`
	Media string `json:"media,omitempty"`
}

type requestGroups struct {
	Semantics string   `json:"semantics"`
	SSRCs     []uint32 `json:"ssrcs"`
}

type colibriResponse struct {
	ID           string          `json:"id"`
	Error        string          `json:"error,omitempty"`
	Restart      bool            `json:"restart,omitempty"`
	ConferenceID string          `json:"conferenceId,omitempty"`
	Sources      []source.Wire   `json:"sources,omitempty"`
	Groups       []requestGroups `json:"groups,omitempty"`
	Injected     []source.Wire   `json:"injected,omitempty"`
	Transport    *wireTransport  `json:"transport,omitempty"`
}

type wireTransport struct {
	Ufrag        string                   `json:"ufrag"`
	Pwd          string                   `json:"pwd"`
	Fingerprints []wireFingerprint        `json:"fingerprints,omitempty"`
	Candidates   []wireCandidateCandidate `json:"candidates,omitempty"`
}

type wireFingerprint struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

type wireCandidateCandidate struct {
	Candidate string `json:"candidate"`
}

// Allocate sends a channel allocation (optionally creating the bridge-side
// conference) and maps the response onto colibri types.
func (c *Client) Allocate(ctx context.Context, bridge domain.Bridge, req colibri.AllocateRequest) (*colibri.AllocateResponse, error) {
	contents := make([]requestMedia, 0, len(req.Contents))
	for _, cd := range req.Contents {
		m := requestMedia{Name: cd.Name}
		if cd.Name != core.ContentData {
			m.Media = cd.MediaType.String()
		}
		contents = append(contents, m)
	}

	resp, err := c.roundTrip(ctx, bridge, colibriRequest{
		Type:         "allocate",
		Conference:   string(req.Conference),
		ConferenceID: req.ConferenceID,
		Endpoint:     string(req.Endpoint),
		Create:       req.Create,
		Contents:     contents,
	})
	if err != nil {
		return nil, err
	}

	out := &colibri.AllocateResponse{ConferenceID: resp.ConferenceID}
	for _, w := range resp.Sources {
		s, _, err := source.ParseWire(w)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", colibri.ErrAllocationFailed, err)
		}
		out.Endpoint = append(out.Endpoint, s)
	}
	for _, w := range resp.Injected {
		s, _, err := source.ParseWire(w)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", colibri.ErrAllocationFailed, err)
		}
		out.Injected = append(out.Injected, s)
	}
	for _, g := range resp.Groups {
		out.Groups = append(out.Groups, source.SsrcGroup{
			Semantics: source.GroupSemantics(g.Semantics),
			SSRCs:     g.SSRCs,
		})
	}
	if resp.Transport != nil {
		out.Transport = resp.Transport.toDescriptor()
	}
	return out, nil
}

func (t *wireTransport) toDescriptor() core.TransportDescriptor {
	out := core.TransportDescriptor{RTCPMux: true}
	out.ICE.UsernameFragment = t.Ufrag
	out.ICE.Password = t.Pwd
	for _, f := range t.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, webrtc.DTLSFingerprint{
			Algorithm: f.Algorithm,
			Value:     f.Value,
		})
	}
	for _, cand := range t.Candidates {
		out.Candidates = append(out.Candidates, webrtc.ICECandidateInit{Candidate: cand.Candidate})
	}
	return out
}

// Update pushes source or mute changes for an allocated endpoint.
func (c *Client) Update(ctx context.Context, bridge domain.Bridge, req colibri.UpdateRequest) error {
	r := colibriRequest{
		Type:         "update",
		ConferenceID: req.ConferenceID,
		Endpoint:     string(req.Endpoint),
		MuteAudio:    req.MuteAudio,
		MuteVideo:    req.MuteVideo,
	}
	if req.Sources != nil {
		for _, s := range req.Sources.Sources {
			r.Sources = append(r.Sources, s.ToWire(req.Endpoint))
		}
		for _, g := range req.Sources.Groups {
			r.Groups = append(r.Groups, requestGroups{Semantics: string(g.Semantics), SSRCs: g.SSRCs})
		}
	}
	_, err := c.roundTrip(ctx, bridge, r)
	return err
}

// Expire releases an endpoint's channels, or the whole conference when the
// endpoint is empty.
func (c *Client) Expire(ctx context.Context, bridge domain.Bridge, req colibri.ExpireRequest) error {
	_, err := c.roundTrip(ctx, bridge, colibriRequest{
		Type:         "expire",
		ConferenceID: req.ConferenceID,
		Endpoint:     string(req.Endpoint),
	})
	return err
}

func (c *Client) roundTrip(ctx context.Context, bridge domain.Bridge, req colibriRequest) (*colibriResponse, error) {
	conn, err := c.connFor(ctx, bridge)
	if err != nil {
		return nil, &colibri.BridgeFailedError{Bridge: bridge, Restart: true}
	}

	req.ID = uuid.NewString()
	ch := make(chan colibriResponse, 1)
	conn.mu.Lock()
	if conn.closed {
		conn.mu.Unlock()
		return nil, &colibri.BridgeFailedError{Bridge: bridge, Restart: true}
	}
	conn.pending[req.ID] = ch
	conn.mu.Unlock()
	defer conn.forget(req.ID)

	b, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", colibri.ErrBadRequest, err)
	}
	conn.writeMu.Lock()
	err = conn.ws.WriteMessage(websocket.TextMessage, b)
	conn.writeMu.Unlock()
	if err != nil {
		c.drop(bridge.ID, conn)
		return nil, &colibri.BridgeFailedError{Bridge: bridge, Restart: true}
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			// Connection dropped while we were waiting.
			return nil, &colibri.BridgeFailedError{Bridge: bridge, Restart: true}
		}
		return c.classify(bridge, &resp)
	case <-ctx.Done():
		// The session layer maps the deadline onto its timeout error.
		return nil, ctx.Err()
	}
}

// classify maps bridge-reported errors onto the colibri taxonomy.
func (c *Client) classify(bridge domain.Bridge, resp *colibriResponse) (*colibriResponse, error) {
	switch resp.Error {
	case "":
		return resp, nil
	case "bad-request":
		return nil, colibri.ErrBadRequest
	case "conference-expired", "conference-not-found":
		return nil, &colibri.ConferenceExpiredError{Bridge: bridge, Restart: resp.Restart}
	case "bridge-shutdown":
		return nil, &colibri.BridgeFailedError{Bridge: bridge, Restart: true}
	default:
		return nil, fmt.Errorf("%w: bridge error %q", colibri.ErrAllocationFailed, resp.Error)
	}
}

// connFor returns the live connection for a bridge, dialing if needed.
func (c *Client) connFor(ctx context.Context, bridge domain.Bridge) (*bridgeConn, error) {
	c.mu.Lock()
	if conn, ok := c.conns[bridge.ID]; ok {
		c.mu.Unlock()
		return conn, nil
	}
	c.mu.Unlock()

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, bridge.URL, nil)
	if err != nil {
		c.logger.Error().Err(err).Str("bridge", string(bridge.ID)).Msg("dial failed")
		return nil, err
	}

	conn := &bridgeConn{
		bridge:  bridge,
		ws:      ws,
		logger:  c.logger.With().Str("bridge", string(bridge.ID)).Logger(),
		pending: make(map[string]chan colibriResponse),
	}

	c.mu.Lock()
	if existing, ok := c.conns[bridge.ID]; ok {
		// Lost the dial race; keep the first connection.
		c.mu.Unlock()
		_ = ws.Close()
		return existing, nil
	}
	c.conns[bridge.ID] = conn
	c.mu.Unlock()

	go c.readLoop(conn)
	return conn, nil
}

func (c *Client) readLoop(conn *bridgeConn) {
	defer c.drop(conn.bridge.ID, conn)
	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			conn.logger.Warn().Err(err).Msg("bridge connection lost")
			return
		}
		var resp colibriResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			conn.logger.Warn().Err(err).Msg("bad colibri frame")
			continue
		}
		conn.mu.Lock()
		ch, ok := conn.pending[resp.ID]
		if ok {
			delete(conn.pending, resp.ID)
		}
		conn.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

// drop closes a connection and fails every request still waiting on it.
func (c *Client) drop(id domain.BridgeID, conn *bridgeConn) {
	c.mu.Lock()
	if c.conns[id] == conn {
		delete(c.conns, id)
	}
	c.mu.Unlock()

	conn.mu.Lock()
	if conn.closed {
		conn.mu.Unlock()
		return
	}
	conn.closed = true
	pending := conn.pending
	conn.pending = make(map[string]chan colibriResponse)
	conn.mu.Unlock()

	_ = conn.ws.Close()
	for _, ch := range pending {
		close(ch)
	}
}

func (conn *bridgeConn) forget(id string) {
	conn.mu.Lock()
	delete(conn.pending, id)
	conn.mu.Unlock()
}

// Close shuts every bridge connection down.
func (c *Client) Close() {
	c.mu.Lock()
	conns := make(map[domain.BridgeID]*bridgeConn, len(c.conns))
	for id, conn := range c.conns {
		conns[id] = conn
	}
	c.mu.Unlock()
	for id, conn := range conns {
		c.drop(id, conn)
	}
}
