// Package signal is the websocket signaling adapter: it owns the client
// connections and implements core.Signaling for the conference layer. The
// conference code never sees the wire format.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/focus/internal/config"
	"github.com/dkeye/focus/internal/conference"
	"github.com/dkeye/focus/internal/domain"
)

var ErrBackpressure = errors.New("backpressure")

type wsConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func (c *wsConn) TrySend(data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- data:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

// clientSession binds one connected endpoint to its conference.
type clientSession struct {
	conn        *wsConn
	conference  domain.ConferenceName
	moderator   bool
	established atomic.Bool // signaling session acked
}

// Controller upgrades websocket connections and routes signaling frames. It
// doubles as the core.Signaling implementation the conferences use.
type Controller struct {
	cfg         *config.Config
	conferences *conference.Manager

	mu       sync.RWMutex
	sessions map[domain.EndpointID]*clientSession
	presence map[string]bool
	pending  map[string]chan json.RawMessage
}

func NewController(cfg *config.Config) *Controller {
	return &Controller{
		cfg:      cfg,
		sessions: make(map[domain.EndpointID]*clientSession),
		presence: make(map[string]bool),
		pending:  make(map[string]chan json.RawMessage),
	}
}

// SetConferences breaks the construction cycle: the manager needs the
// controller as its Signaling, the controller needs the manager to route
// joins.
func (ctl *Controller) SetConferences(m *conference.Manager) {
	ctl.conferences = m
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal is the gin handler for the signaling websocket endpoint.
func (ctl *Controller) HandleSignal(ctx context.Context, c *gin.Context) {
	endpoint := domain.EndpointID(c.GetString("client_token"))
	log.Info().Str("module", "signal").Str("endpoint", string(endpoint)).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Msg("ws upgrade")
		return
	}

	conn := &wsConn{
		conn: ws,
		send: make(chan []byte, 32),
	}

	ctl.mu.Lock()
	if old, ok := ctl.sessions[endpoint]; ok {
		old.conn.Close()
	}
	ctl.sessions[endpoint] = &clientSession{conn: conn}
	ctl.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, cancel, conn)
	go ctl.readPump(ctx, cancel, endpoint, conn)
}

func (ctl *Controller) writePump(ctx context.Context, cancel context.CancelFunc, c *wsConn) {
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write")
				return
			}
		}
	}
}

func (ctl *Controller) readPump(ctx context.Context, cancel context.CancelFunc, endpoint domain.EndpointID, c *wsConn) {
	defer func() {
		cancel()
		ctl.onDisconnect(ctx, endpoint)
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				log.Info().Err(err).Str("module", "signal").Str("endpoint", string(endpoint)).Msg("readPump closing")
				return
			}
			ctl.handleFrame(ctx, endpoint, c, data)
		}
	}
}

func (ctl *Controller) handleFrame(ctx context.Context, endpoint domain.EndpointID, c *wsConn, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Warn().Err(err).Str("module", "signal").Msg("bad json frame")
		return
	}

	switch env.Type {
	case "ack", "features":
		ctl.deliver(env.ID, data)
	case "join":
		ctl.handleJoin(ctx, endpoint, data)
	case "leave":
		ctl.handleLeave(ctx, endpoint)
	case "av-moderation":
		ctl.handleAVModeration(endpoint, data)
	case "ping":
		ctl.sendJSON(c, envelope{Type: "pong"})
	default:
		log.Warn().Str("module", "signal").Str("type", env.Type).Msg("unknown signal")
	}
}

func (ctl *Controller) handleJoin(ctx context.Context, endpoint domain.EndpointID, data []byte) {
	var p struct {
		Type            string `json:"type"`
		Conference      string `json:"conference"`
		Region          string `json:"region"`
		Moderator       bool   `json:"moderator"`
		StartAudioMuted bool   `json:"startAudioMuted"`
		StartVideoMuted bool   `json:"startVideoMuted"`
	}
	if err := json.Unmarshal(data, &p); err != nil || p.Conference == "" {
		log.Warn().Err(err).Str("module", "signal").Msg("bad join payload")
		return
	}

	name := domain.ConferenceName(p.Conference)
	ctl.mu.Lock()
	sess, ok := ctl.sessions[endpoint]
	if ok {
		sess.conference = name
		sess.moderator = p.Moderator
	}
	ctl.mu.Unlock()
	if !ok {
		return
	}

	conf := ctl.conferences.GetOrCreate(name)
	conf.OnMemberJoined(ctx, endpoint, p.Region, p.Moderator, p.StartAudioMuted, p.StartVideoMuted)
}

func (ctl *Controller) handleLeave(ctx context.Context, endpoint domain.EndpointID) {
	ctl.mu.Lock()
	sess, ok := ctl.sessions[endpoint]
	var name domain.ConferenceName
	if ok {
		name = sess.conference
		sess.conference = ""
		sess.established.Store(false)
	}
	ctl.mu.Unlock()
	if !ok || name == "" {
		return
	}
	if conf, ok := ctl.conferences.Get(name); ok {
		conf.OnMemberLeft(ctx, endpoint)
	}
}

func (ctl *Controller) handleAVModeration(endpoint domain.EndpointID, data []byte) {
	var p struct {
		Type    string `json:"type"`
		Media   string `json:"media"`
		Enabled bool   `json:"enabled"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}

	ctl.mu.RLock()
	sess, ok := ctl.sessions[endpoint]
	ctl.mu.RUnlock()
	if !ok || !sess.moderator || sess.conference == "" {
		return
	}
	mt, err := parseMedia(p.Media)
	if err != nil {
		return
	}
	if conf, ok := ctl.conferences.Get(sess.conference); ok {
		conf.SetAVModeration(mt, p.Enabled)
	}
}

func (ctl *Controller) onDisconnect(ctx context.Context, endpoint domain.EndpointID) {
	ctl.handleLeave(ctx, endpoint)
	ctl.mu.Lock()
	delete(ctl.sessions, endpoint)
	ctl.mu.Unlock()
}

func (ctl *Controller) sendJSON(c *wsConn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	if err := c.TrySend(b); err != nil {
		log.Warn().Err(err).Str("module", "signal").Msg("sendJSON dropped")
	}
}

// deliver routes a correlated response to its waiter.
func (ctl *Controller) deliver(id string, data []byte) {
	if id == "" {
		return
	}
	ctl.mu.Lock()
	ch, ok := ctl.pending[id]
	if ok {
		delete(ctl.pending, id)
	}
	ctl.mu.Unlock()
	if ok {
		ch <- json.RawMessage(data)
	}
}

// request sends a correlated message and waits for its response.
func (ctl *Controller) request(ctx context.Context, endpoint domain.EndpointID, build func(id string) any) (json.RawMessage, error) {
	ctl.mu.RLock()
	sess, ok := ctl.sessions[endpoint]
	ctl.mu.RUnlock()
	if !ok {
		return nil, errNotConnected
	}

	id := uuid.NewString()
	ch := make(chan json.RawMessage, 1)
	ctl.mu.Lock()
	ctl.pending[id] = ch
	ctl.mu.Unlock()

	b, err := json.Marshal(build(id))
	if err != nil {
		ctl.forget(id)
		return nil, err
	}
	if err := sess.conn.TrySend(b); err != nil {
		ctl.forget(id)
		return nil, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		ctl.forget(id)
		return nil, ctx.Err()
	}
}

func (ctl *Controller) forget(id string) {
	ctl.mu.Lock()
	delete(ctl.pending, id)
	ctl.mu.Unlock()
}
