// Package websocket is the real-time delivery layer: an authenticated hub
// fanning out discovery and detection events to dashboard clients, scoped
// per organization.
package websocket

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/skylight-sec/skylight/internal/auth"
	"github.com/skylight-sec/skylight/internal/metrics"
	"github.com/skylight-sec/skylight/internal/models"
)

// Topic is a subscription channel a client can receive events on.
type Topic string

const (
	TopicAnalysisProgress   Topic = "analysisProgress"
	TopicChainDetection     Topic = "chainDetection"
	TopicRiskAlerts         Topic = "riskAlerts"
	TopicExecutiveUpdates   Topic = "executiveUpdates"
	TopicPerformanceMetrics Topic = "performanceMetrics"
)

// TopicsForRole returns the subscription set a role is entitled to. A
// client can narrow within this set but never widen past it.
func TopicsForRole(role auth.Role) []Topic {
	switch role {
	case auth.RoleCISO:
		return []Topic{TopicChainDetection, TopicRiskAlerts, TopicExecutiveUpdates}
	case auth.RoleSecurityAnalyst:
		return []Topic{TopicAnalysisProgress, TopicChainDetection, TopicRiskAlerts, TopicPerformanceMetrics}
	case auth.RoleAdmin:
		return []Topic{TopicAnalysisProgress, TopicChainDetection, TopicRiskAlerts, TopicExecutiveUpdates, TopicPerformanceMetrics}
	default:
		return []Topic{TopicChainDetection, TopicRiskAlerts}
	}
}

// topicFor routes a published event type onto a subscription topic.
func topicFor(eventType string) Topic {
	switch eventType {
	case "discovery.started", "discovery.progress", "discovery.completed", "connection.changed":
		return TopicAnalysisProgress
	case "correlation:started", "chain.detected":
		return TopicChainDetection
	case "detection.new", "risk.changed":
		return TopicRiskAlerts
	case "summary.updated":
		return TopicExecutiveUpdates
	case "performance.metrics":
		return TopicPerformanceMetrics
	default:
		return TopicAnalysisProgress
	}
}

// envelope is the wire shape of every server-initiated message.
type envelope struct {
	Type           string `json:"type"`
	OrganizationID string `json:"organizationId,omitempty"`
	Payload        any    `json:"payload,omitempty"`
	TS             int64  `json:"ts"`
}

// clientMessage is what clients send: the authentication handshake,
// subscription updates, and pings.
type clientMessage struct {
	Type   string   `json:"type"`
	Token  string   `json:"token,omitempty"`
	Topics []string `json:"topics,omitempty"`
}

const (
	authErrTokenMissing = "TOKEN_MISSING"
	authErrInvalidToken = "INVALID_TOKEN"
	authErrOrgMismatch  = "ORG_MISMATCH"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16 * 1024,
	WriteBufferSize: 16 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The first in-band message authenticates the socket; origin is
		// not a trust boundary here.
		return true
	},
}

// Client is one connected dashboard socket.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string

	mu         sync.Mutex
	authed     bool
	principal  auth.Principal
	subscribed map[Topic]bool
	lastSeen   time.Time
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

// accepts reports whether this client should receive an event for the
// given organization and topic.
func (c *Client) accepts(orgID string, topic Topic) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authed && c.principal.OrganizationID == orgID && c.subscribed[topic]
}

type outbound struct {
	orgID string
	topic Topic
	data  []byte
}

// Hub owns the client set and the fan-out loop. It implements the
// engine's Publisher and the connection manager's Notifier.
type Hub struct {
	verifier    *auth.Verifier
	idleTimeout time.Duration

	register   chan *Client
	unregister chan *Client
	broadcast  chan outbound
	done       chan struct{}
	closeOnce  sync.Once

	mu      sync.RWMutex
	clients map[*Client]bool
}

// NewHub creates a hub. idleTimeout bounds how long a silent peer is kept.
func NewHub(verifier *auth.Verifier, idleTimeout time.Duration) *Hub {
	if idleTimeout <= 0 {
		idleTimeout = 2 * time.Minute
	}
	return &Hub{
		verifier:    verifier,
		idleTimeout: idleTimeout,
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		broadcast:   make(chan outbound, 256),
		done:        make(chan struct{}),
		clients:     make(map[*Client]bool),
	}
}

// Run drives registration and fan-out until Shutdown.
func (h *Hub) Run() {
	reaper := time.NewTicker(h.idleTimeout / 2)
	defer reaper.Stop()

	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
				metrics.Get().ClientDisconnected()
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			metrics.Get().ClientConnected()
			log.Debug().Str("client", client.id).Msg("websocket client connected")

		case client := <-h.unregister:
			h.drop(client)

		case msg := <-h.broadcast:
			h.mu.RLock()
			targets := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				if client.accepts(msg.orgID, msg.topic) {
					targets = append(targets, client)
				}
			}
			h.mu.RUnlock()

			for _, client := range targets {
				select {
				case client.send <- msg.data:
				default:
					// Slow consumer; drop it rather than buffer without bound.
					h.drop(client)
				}
			}

		case <-reaper.C:
			cutoff := time.Now().Add(-h.idleTimeout)
			h.mu.RLock()
			var idle []*Client
			for client := range h.clients {
				client.mu.Lock()
				if client.lastSeen.Before(cutoff) {
					idle = append(idle, client)
				}
				client.mu.Unlock()
			}
			h.mu.RUnlock()
			for _, client := range idle {
				log.Debug().Str("client", client.id).Msg("reaping idle websocket client")
				h.drop(client)
			}
		}
	}
}

// Shutdown stops the hub loop and disconnects every client.
func (h *Hub) Shutdown() {
	h.closeOnce.Do(func() { close(h.done) })
}

func (h *Hub) drop(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
		metrics.Get().ClientDisconnected()
	}
}

// ClientCount returns the number of connected sockets.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish fans an event out to the owning organization's subscribers.
func (h *Hub) Publish(orgID, eventType string, payload any) {
	data, err := json.Marshal(envelope{
		Type:           eventType,
		OrganizationID: orgID,
		Payload:        payload,
		TS:             time.Now().Unix(),
	})
	if err != nil {
		log.Error().Err(err).Str("type", eventType).Msg("event not marshalable")
		return
	}
	select {
	case h.broadcast <- outbound{orgID: orgID, topic: topicFor(eventType), data: data}:
	case <-h.done:
	default:
		log.Warn().Str("type", eventType).Msg("websocket broadcast queue full, event dropped")
	}
}

// ConnectionChanged publishes a connection lifecycle change to its tenant.
func (h *Hub) ConnectionChanged(conn models.PlatformConnection) {
	h.Publish(conn.OrganizationID, "connection.changed", map[string]any{
		"connectionId": conn.ID,
		"platform":     conn.Platform,
		"status":       conn.Status,
	})
}

// HandleWebSocket upgrades the request. The socket starts unauthenticated;
// the first client message must carry the bearer token.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &Client{
		hub:        h,
		conn:       conn,
		send:       make(chan []byte, 64),
		id:         fmt.Sprintf("ws-%d", time.Now().UnixNano()),
		subscribed: make(map[Topic]bool),
		lastSeen:   time.Now(),
	}
	h.register <- client

	go client.writeLoop()
	go client.readLoop(r.URL.Query().Get("organizationId"))
}

// readLoop consumes client messages. expectedOrg, when non-empty, pins the
// socket to one organization regardless of the token's claim.
func (c *Client) readLoop(expectedOrg string) {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(16 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(c.hub.idleTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.touch()
		c.conn.SetReadDeadline(time.Now().Add(c.hub.idleTimeout))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("client", c.id).Msg("websocket read error")
			}
			return
		}
		c.touch()
		c.conn.SetReadDeadline(time.Now().Add(c.hub.idleTimeout))

		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}

		c.mu.Lock()
		authed := c.authed
		c.mu.Unlock()

		if !authed {
			if !c.authenticate(msg, expectedOrg) {
				return
			}
			continue
		}

		switch msg.Type {
		case "update_subscriptions":
			c.updateSubscriptions(msg.Topics)
		case "ping":
			c.reply(envelope{Type: "pong", TS: time.Now().Unix()})
		}
	}
}

// authenticate handles the first in-band message. Returns false when the
// socket must close.
func (c *Client) authenticate(msg clientMessage, expectedOrg string) bool {
	if msg.Type != "authenticate" || msg.Token == "" {
		c.authError(authErrTokenMissing, "first message must carry a bearer token")
		return false
	}

	principal, err := c.hub.verifier.Verify(msg.Token)
	if err != nil {
		c.authError(authErrInvalidToken, "token rejected")
		return false
	}
	if expectedOrg != "" && expectedOrg != principal.OrganizationID {
		c.authError(authErrOrgMismatch, "token organization does not match the requested one")
		return false
	}

	allowed := TopicsForRole(principal.Role)
	c.mu.Lock()
	c.authed = true
	c.principal = principal
	c.subscribed = make(map[Topic]bool, len(allowed))
	for _, t := range allowed {
		c.subscribed[t] = true
	}
	c.mu.Unlock()

	c.reply(envelope{
		Type:           "authenticated",
		OrganizationID: principal.OrganizationID,
		Payload: map[string]any{
			"userId":        principal.UserID,
			"role":          principal.Role,
			"subscriptions": allowed,
		},
		TS: time.Now().Unix(),
	})
	log.Info().
		Str("client", c.id).
		Str("organizationId", principal.OrganizationID).
		Str("role", string(principal.Role)).
		Msg("websocket client authenticated")
	return true
}

// updateSubscriptions narrows the set within the role's entitlement.
// Topics outside it are ignored.
func (c *Client) updateSubscriptions(requested []string) {
	c.mu.Lock()
	allowed := TopicsForRole(c.principal.Role)
	allowedSet := make(map[Topic]bool, len(allowed))
	for _, t := range allowed {
		allowedSet[t] = true
	}

	next := make(map[Topic]bool, len(requested))
	var accepted []Topic
	for _, raw := range requested {
		t := Topic(raw)
		if allowedSet[t] {
			next[t] = true
			accepted = append(accepted, t)
		}
	}
	c.subscribed = next
	org := c.principal.OrganizationID
	c.mu.Unlock()

	c.reply(envelope{
		Type:           "subscriptions_updated",
		OrganizationID: org,
		Payload:        map[string]any{"subscriptions": accepted},
		TS:             time.Now().Unix(),
	})
}

func (c *Client) authError(code, message string) {
	c.reply(envelope{
		Type:    "authentication_error",
		Payload: map[string]string{"code": code, "message": message},
		TS:      time.Now().Unix(),
	})
	// Give the write loop a moment to flush before the deferred close.
	time.Sleep(50 * time.Millisecond)
}

func (c *Client) reply(env envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *Client) writeLoop() {
	ping := time.NewTicker(c.hub.idleTimeout / 3)
	defer func() {
		ping.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
			metrics.Get().MessageSent()

			// Drain whatever queued behind the first message.
			for i := len(c.send); i > 0; i-- {
				select {
				case more := <-c.send:
					if err := c.conn.WriteMessage(websocket.TextMessage, more); err != nil {
						return
					}
					metrics.Get().MessageSent()
				default:
				}
			}

		case <-ping.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
