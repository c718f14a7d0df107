// Package realtime pushes per-user events to connected devices over
// WebSocket so carts stay in sync and revoked sessions are signed out.
package realtime

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/shopfront/internal/app/domain/cart"
	"github.com/R3E-Network/shopfront/internal/app/domain/session"
	"github.com/R3E-Network/shopfront/internal/app/metrics"
	"github.com/R3E-Network/shopfront/internal/logging"
)

// Event types.
const (
	EventCartUpdated    = "cart.updated"
	EventSessionRevoked = "session.revoked"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	defaultBuffer  = 16
)

// Event is one message pushed to a user's devices.
type Event struct {
	Type      string      `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	At        time.Time   `json:"at"`
}

// Subscription is one connected device.
type Subscription struct {
	userID    string
	sessionID string
	send      chan Event
	done      chan struct{}
	once      sync.Once
}

// Events delivers published events until the subscription is closed.
func (s *Subscription) Events() <-chan Event { return s.send }

// Done is closed when the hub drops the subscription.
func (s *Subscription) Done() <-chan struct{} { return s.done }

func (s *Subscription) close() {
	s.once.Do(func() { close(s.done) })
}

// Hub fans events out to subscriptions keyed by user.
type Hub struct {
	mu       sync.RWMutex
	subs     map[string]map[*Subscription]struct{}
	log      *logging.Logger
	buffer   int
	upgrader websocket.Upgrader
}

// NewHub creates an empty hub. allowedOrigins restricts browser upgrades;
// empty or "*" allows any origin.
func NewHub(log *logging.Logger, allowedOrigins []string) *Hub {
	if log == nil {
		log = logging.NewDefault("realtime")
	}
	h := &Hub{
		subs:   make(map[string]map[*Subscription]struct{}),
		log:    log,
		buffer: defaultBuffer,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(set) == 0 {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// Subscribe registers a device for userID.
func (h *Hub) Subscribe(userID, sessionID string) *Subscription {
	sub := &Subscription{
		userID:    userID,
		sessionID: sessionID,
		send:      make(chan Event, h.buffer),
		done:      make(chan struct{}),
	}
	h.mu.Lock()
	if h.subs[userID] == nil {
		h.subs[userID] = make(map[*Subscription]struct{})
	}
	h.subs[userID][sub] = struct{}{}
	n := h.countLocked()
	h.mu.Unlock()

	metrics.SetRealtimeSubscribers(n)
	return sub
}

// Unsubscribe removes a device. It is safe to call more than once.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	if set, ok := h.subs[sub.userID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, sub.userID)
		}
	}
	n := h.countLocked()
	h.mu.Unlock()

	sub.close()
	metrics.SetRealtimeSubscribers(n)
}

// Close drops every subscription, ending their connections.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[string]map[*Subscription]struct{})
	h.mu.Unlock()

	for _, set := range subs {
		for sub := range set {
			sub.close()
		}
	}
	metrics.SetRealtimeSubscribers(0)
}

func (h *Hub) countLocked() int {
	n := 0
	for _, set := range h.subs {
		n += len(set)
	}
	return n
}

// Subscribers returns how many devices of userID are connected.
func (h *Hub) Subscribers(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[userID])
}

// Publish delivers ev to every device of userID without blocking. A device
// whose buffer is full is disconnected.
func (h *Hub) Publish(userID string, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	var slow []*Subscription
	h.mu.RLock()
	for sub := range h.subs[userID] {
		select {
		case sub.send <- ev:
		default:
			slow = append(slow, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range slow {
		h.log.WithFields(logrus.Fields{"user_id": userID, "session_id": sub.sessionID}).
			Warn("dropping slow realtime subscriber")
		h.Unsubscribe(sub)
	}
}

// CartUpdated publishes a committed cart to the user's devices.
func (h *Hub) CartUpdated(_ context.Context, userID string, c cart.Cart) {
	h.Publish(userID, Event{Type: EventCartUpdated, Data: c})
}

// SessionRevoked tells the user's devices a session ended; the revoked
// device's own connection closes after delivery.
func (h *Hub) SessionRevoked(_ context.Context, userID string, s session.Session) {
	h.Publish(userID, Event{
		Type:      EventSessionRevoked,
		SessionID: s.ID,
		Data:      map[string]string{"reason": s.RevokeReason},
	})
}

// ServeWS upgrades the request and streams events for an authenticated
// user until the client goes away or its session is revoked.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, userID, sessionID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithContext(r.Context()).WithError(err).Warn("websocket upgrade failed")
		return
	}

	sub := h.Subscribe(userID, sessionID)
	entry := h.log.WithContext(r.Context()).WithField("session_id", sessionID)
	entry.Debug("realtime subscriber connected")

	go h.readPump(conn, sub)
	h.writePump(conn, sub)
	entry.Debug("realtime subscriber disconnected")
}

// readPump discards client messages and detects disconnects.
func (h *Hub) readPump(conn *websocket.Conn, sub *Subscription) {
	defer h.Unsubscribe(sub)

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(conn *websocket.Conn, sub *Subscription) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		h.Unsubscribe(sub)
		conn.Close()
	}()

	for {
		select {
		case ev := <-sub.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
			if ev.Type == EventSessionRevoked && ev.SessionID == sub.sessionID {
				closeConn(conn, websocket.ClosePolicyViolation, "session revoked")
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-sub.done:
			closeConn(conn, websocket.CloseGoingAway, "")
			return
		}
	}
}

func closeConn(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
}
