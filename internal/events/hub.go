// Package events is the party event channel: a websocket hub that delivers
// notifications at least once and relays party commands to the orchestrator.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"consult-platform/internal/calls"
	"consult-platform/internal/orchestrator"
	"consult-platform/internal/presence"
	"consult-platform/internal/rbac"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Commands is the orchestrator façade as seen by the event channel.
type Commands interface {
	Initiate(ctx context.Context, callerID, calleeID string) (calls.CallRequest, error)
	Accept(ctx context.Context, sessionID, calleeID string) (orchestrator.AcceptResult, error)
	Reject(ctx context.Context, sessionID, calleeID, reason string) (calls.CallRequest, error)
	Cancel(ctx context.Context, sessionID, callerID string) (calls.CallRequest, error)
	End(ctx context.Context, sessionID, partyID, reason string) (calls.CallRequest, error)
	TopUp(ctx context.Context, sessionID, partyID string) (calls.CallRequest, error)
	PartyJoined(ctx context.Context, sessionID, partyID string) error
	PartyLeft(ctx context.Context, sessionID, partyID string) error
}

type Config struct {
	WriteTimeout    time.Duration
	PongWait        time.Duration
	PingInterval    time.Duration
	CommandTimeout  time.Duration
	MaxMessageBytes int64
	SendBuffer      int
	// OutboxSize caps unacknowledged notifications kept per party.
	OutboxSize int
	// PresenceTTL is the presence cache lifetime. Pings are sent often enough
	// that a healthy socket's pong refreshes presence well before it lapses.
	PresenceTTL time.Duration
	// AllowedOrigins lists browser origins allowed to connect besides the
	// API's own host. "*" allows any origin.
	AllowedOrigins []string
}

func (c *Config) applyDefaults() {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongWait {
		c.PingInterval = c.PongWait * 9 / 10
	}
	if c.PresenceTTL > 0 && c.PingInterval > c.PresenceTTL/3 {
		c.PingInterval = c.PresenceTTL / 3
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 15 * time.Second
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 8 << 10
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.OutboxSize <= 0 {
		c.OutboxSize = 256
	}
}

type Hub struct {
	cfg      Config
	calls    Commands
	presence presence.Cache
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	seq     uint64
	parties map[string]*party
}

// party is dropped from the hub once it has no sockets and nothing to
// redeliver. Sequence numbers come from the hub-wide counter so they keep
// increasing for a party across that.
type party struct {
	conns  map[*conn]struct{}
	outbox []Outbound
}

func NewHub(cfg Config, cmds Commands, pc presence.Cache, log *slog.Logger) *Hub {
	cfg.applyDefaults()
	if log == nil {
		log = slog.Default()
	}
	h := &Hub{
		cfg:      cfg,
		calls:    cmds,
		presence: pc,
		log:      log.With("component", "events"),
		parties:  map[string]*party{},
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// checkOrigin admits non-browser clients (no Origin header), the API's own
// host and the configured allow-list.
func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	u, err := url.Parse(origin)
	return err == nil && strings.EqualFold(u.Host, r.Host)
}

// party returns the party's delivery state. Caller holds mu.
func (h *Hub) party(partyID string) *party {
	p, ok := h.parties[partyID]
	if !ok {
		p = &party{conns: map[*conn]struct{}{}}
		h.parties[partyID] = p
	}
	return p
}

// Notify pushes n to every live connection of the party and keeps it until
// acknowledged, so a reconnecting or polling party receives it again. A party
// with no connection and no fresh presence gets nothing queued and the call
// reports orchestrator.ErrPartyOffline.
func (h *Hub) Notify(ctx context.Context, partyID string, n calls.Notification) error {
	h.mu.Lock()
	h.seq++
	out := Outbound{Seq: h.seq, Notification: n}
	b, err := json.Marshal(out)
	if err != nil {
		h.mu.Unlock()
		return fmt.Errorf("encode notification: %w", err)
	}
	if p, ok := h.parties[partyID]; ok && len(p.conns) > 0 {
		h.queue(p, out)
		for c := range p.conns {
			c.enqueue(b)
		}
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()

	if h.presence != nil {
		// A polling party picks the notification up on its next heartbeat.
		if ok, err := h.presence.Reachable(ctx, partyID); err == nil && ok {
			h.mu.Lock()
			h.queue(h.party(partyID), out)
			h.mu.Unlock()
			return nil
		}
	}
	return orchestrator.ErrPartyOffline
}

// queue appends to the party's outbox, dropping the oldest past the cap.
// Caller holds mu.
func (h *Hub) queue(p *party, out Outbound) {
	p.outbox = append(p.outbox, out)
	if over := len(p.outbox) - h.cfg.OutboxSize; over > 0 {
		p.outbox = append([]Outbound(nil), p.outbox[over:]...)
	}
}

// prune forgets a party with no sockets and nothing left to redeliver.
// Caller holds mu.
func (h *Hub) prune(partyID string) {
	if p, ok := h.parties[partyID]; ok && len(p.conns) == 0 && len(p.outbox) == 0 {
		delete(h.parties, partyID)
	}
}

// Ack drops every notification up to and including seq.
func (h *Hub) Ack(partyID string, seq uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.parties[partyID]
	if !ok {
		return
	}
	i := 0
	for i < len(p.outbox) && p.outbox[i].Seq <= seq {
		i++
	}
	p.outbox = p.outbox[i:]
	h.prune(partyID)
}

// Unacked returns the party's notifications still awaiting acknowledgement.
func (h *Hub) Unacked(partyID string) []Outbound {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.parties[partyID]
	if !ok {
		return nil
	}
	return append([]Outbound(nil), p.outbox...)
}

// Connections is the number of live sockets of a party.
func (h *Hub) Connections(partyID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p, ok := h.parties[partyID]; ok {
		return len(p.conns)
	}
	return 0
}

// Online is the number of parties with at least one live socket.
func (h *Hub) Online() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, p := range h.parties {
		if len(p.conns) > 0 {
			n++
		}
	}
	return n
}

// attach registers the connection and replays the unacknowledged backlog.
func (h *Hub) attach(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p := h.party(c.partyID)
	p.conns[c] = struct{}{}
	for _, out := range p.outbox {
		b, err := json.Marshal(out)
		if err != nil {
			continue
		}
		c.enqueue(b)
	}
}

func (h *Hub) detach(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p, ok := h.parties[c.partyID]; ok {
		delete(p.conns, c)
	}
	h.prune(c.partyID)
}

// Parties is the number of parties the hub holds delivery state for.
func (h *Hub) Parties() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.parties)
}

// Close disconnects every party.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, p := range h.parties {
		for c := range p.conns {
			c.close()
		}
	}
}

// ServeWS upgrades an authenticated request into an event channel.
// auth.RequireAccessToken must run first.
func (h *Hub) ServeWS(c *gin.Context) {
	partyID := c.GetString("party_id")
	role := c.GetString("role")
	if partyID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "party_id", partyID, "err", err)
		return
	}

	cn := &conn{
		id:      uuid.NewString(),
		partyID: partyID,
		role:    role,
		ws:      ws,
		send:    make(chan []byte, h.cfg.SendBuffer),
		done:    make(chan struct{}),
	}
	h.touch(cn)
	h.attach(cn)
	h.log.Info("party connected", "party_id", partyID, "conn_id", cn.id)

	go cn.writeLoop(h.cfg)
	h.readLoop(c.Request.Context(), cn)

	cn.close()
	h.detach(cn)
	if h.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.WriteTimeout)
		if err := h.presence.Drop(ctx, partyID, cn.id); err != nil {
			h.log.Warn("presence drop failed", "party_id", partyID, "err", err)
		}
		cancel()
	}
	h.log.Info("party disconnected", "party_id", partyID, "conn_id", cn.id)
}

func (h *Hub) touch(c *conn) {
	if h.presence == nil {
		return
	}
	c.lastTouch = time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.WriteTimeout)
	defer cancel()
	if err := h.presence.Touch(ctx, c.partyID, c.role, c.id); err != nil {
		h.log.Warn("presence touch failed", "party_id", c.partyID, "err", err)
	}
}

func (h *Hub) readLoop(ctx context.Context, c *conn) {
	c.ws.SetReadLimit(h.cfg.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		h.touch(c)
		return c.ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Debug("websocket read ended", "party_id", c.partyID, "err", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
		if time.Since(c.lastTouch) >= h.cfg.PingInterval {
			h.touch(c)
		}

		var in Inbound
		if err := json.Unmarshal(data, &in); err != nil {
			h.reply(c, Inbound{Type: "unknown"}, nil, fmt.Errorf("%w: malformed message", orchestrator.ErrInvalidCommand))
			continue
		}
		h.dispatch(ctx, c, in)
	}
}

var errRole = fmt.Errorf("%w: role may not issue this command", orchestrator.ErrInvalidCommand)

// dispatch runs one inbound command and answers it. Acks are not answered.
func (h *Hub) dispatch(ctx context.Context, c *conn, in Inbound) {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.CommandTimeout)
	defer cancel()

	var (
		call calls.CallRequest
		res  *orchestrator.AcceptResult
		err  error
	)
	switch in.Type {
	case CmdAck:
		h.Ack(c.partyID, in.Seq)
		return
	case CmdPing:
		h.touch(c)
	case CmdInitiate:
		if c.role != rbac.RoleUser {
			err = errRole
			break
		}
		call, err = h.calls.Initiate(ctx, c.partyID, in.CalleeID)
	case CmdAccept:
		if c.role != rbac.RoleProvider {
			err = errRole
			break
		}
		var r orchestrator.AcceptResult
		r, err = h.calls.Accept(ctx, in.SessionID, c.partyID)
		call, res = r.Call, &r
	case CmdReject:
		call, err = h.calls.Reject(ctx, in.SessionID, c.partyID, in.Reason)
	case CmdCancel:
		call, err = h.calls.Cancel(ctx, in.SessionID, c.partyID)
	case CmdEnd:
		call, err = h.calls.End(ctx, in.SessionID, c.partyID, in.Reason)
	case CmdTopUp:
		call, err = h.calls.TopUp(ctx, in.SessionID, c.partyID)
	case CmdJoined:
		err = h.calls.PartyJoined(ctx, in.SessionID, c.partyID)
	case CmdLeft:
		err = h.calls.PartyLeft(ctx, in.SessionID, c.partyID)
	default:
		err = fmt.Errorf("%w: unknown command %q", orchestrator.ErrInvalidCommand, in.Type)
	}

	r := &Reply{}
	if call.ID != "" {
		r.Call = &call
	}
	if res != nil && err == nil {
		r.Credential = &res.Credential
	}
	h.reply(c, in, r, err)
}

func (h *Hub) reply(c *conn, in Inbound, r *Reply, err error) {
	if r == nil {
		r = &Reply{}
	}
	r.Type = replyType
	r.ID = in.ID
	r.Command = in.Type
	r.OK = err == nil
	if err != nil {
		body := &ErrorBody{Code: orchestrator.ErrorCode(err), Message: err.Error()}
		var se *orchestrator.StaleRequestError
		if errors.As(err, &se) {
			body.Status = se.Status
		}
		r.Error = body
		if body.Code == "internal" {
			h.log.Error("event command failed", "party_id", c.partyID, "command", in.Type, "err", err)
		}
	}
	b, mErr := json.Marshal(r)
	if mErr != nil {
		h.log.Error("encode reply failed", "err", mErr)
		return
	}
	c.enqueue(b)
}
