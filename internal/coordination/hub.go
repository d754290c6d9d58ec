package coordination

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"
	"time"

	"veda/internal/logging"
	"veda/internal/metrics"

	"github.com/gorilla/websocket"
)

const RelayPath = "/coord"

type HubOptions struct {
	Token          string
	AllowedOrigins []string
	Logger         *logging.Logger
	Metrics        *metrics.Registry
}

// Hub relays every envelope it receives to every other connected peer.
// Peers filter by address themselves.
type Hub struct {
	token    string
	origins  []string
	logger   *logging.Logger
	metrics  *metrics.Registry
	mu       sync.Mutex
	peers    map[*peer]struct{}
	upgrader websocket.Upgrader
}

type peer struct {
	name    string
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func NewHub(opts HubOptions) *Hub {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Default
	}
	hub := &Hub{
		token:   opts.Token,
		origins: opts.AllowedOrigins,
		logger:  opts.Logger.With(map[string]string{logging.FieldCategory: "hub"}),
		metrics: opts.Metrics,
		peers:   make(map[*peer]struct{}),
	}
	hub.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     hub.checkOrigin,
	}
	return hub
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	p := &peer{name: r.URL.Query().Get("name"), conn: conn}
	h.add(p)
	defer h.remove(p)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		env, err := Decode(data)
		if err != nil {
			h.logger.Warn("dropping undecodable envelope", map[string]string{
				"peer":             p.name,
				logging.FieldError: err.Error(),
			})
			continue
		}
		h.logger.Debug("relaying envelope", map[string]string{
			"from": env.From,
			"to":   env.To,
			"type": env.MessageType,
		})
		h.broadcast(p, data)
	}
}

// Peers returns the names of connected peers.
func (h *Hub) Peers() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, 0, len(h.peers))
	for p := range h.peers {
		names = append(names, p.name)
	}
	return names
}

func (h *Hub) Close() {
	h.mu.Lock()
	peers := h.peers
	h.peers = make(map[*peer]struct{})
	h.mu.Unlock()
	for p := range peers {
		_ = p.conn.Close()
	}
}

func (h *Hub) broadcast(sender *peer, data []byte) {
	h.mu.Lock()
	targets := make([]*peer, 0, len(h.peers))
	for p := range h.peers {
		if p != sender {
			targets = append(targets, p)
		}
	}
	h.mu.Unlock()

	for _, target := range targets {
		target.writeMu.Lock()
		_ = target.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		err := target.conn.WriteMessage(websocket.BinaryMessage, data)
		target.writeMu.Unlock()
		if err != nil {
			h.metrics.IncEventDropped("coordination_hub", "envelope")
			h.logger.Warn("relay write failed", map[string]string{
				"peer":             target.name,
				logging.FieldError: err.Error(),
			})
			h.remove(target)
			continue
		}
		h.metrics.IncEventPublished("coordination_hub", "envelope")
	}
}

func (h *Hub) add(p *peer) {
	h.mu.Lock()
	h.peers[p] = struct{}{}
	count := len(h.peers)
	h.mu.Unlock()
	h.metrics.SetEventSubscribers("coordination_hub", count)
	h.logger.Info("peer connected", map[string]string{"peer": p.name})
}

func (h *Hub) remove(p *peer) {
	h.mu.Lock()
	_, ok := h.peers[p]
	delete(h.peers, p)
	count := len(h.peers)
	h.mu.Unlock()
	if !ok {
		return
	}
	_ = p.conn.Close()
	h.metrics.SetEventSubscribers("coordination_hub", count)
	h.logger.Info("peer disconnected", map[string]string{"peer": p.name})
}

func (h *Hub) authorized(r *http.Request) bool {
	if h.token == "" {
		return true
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	provided := strings.TrimPrefix(header, "Bearer ")
	return subtle.ConstantTimeCompare([]byte(provided), []byte(h.token)) == 1
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.origins) == 0 {
		return true
	}
	for _, allowed := range h.origins {
		if strings.EqualFold(strings.TrimSpace(allowed), origin) {
			return true
		}
	}
	return false
}
