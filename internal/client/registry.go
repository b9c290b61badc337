// Package client tracks live browser sockets, buffers messages for absent
// clients, and drives the pause-on-disconnect side effect.
package client

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stage7/postoffice/internal/message"
	"github.com/stage7/postoffice/internal/mission"
	"github.com/stage7/postoffice/pkg/json"
	"github.com/stage7/postoffice/pkg/metrics"
)

// browserPrefix is stripped from incoming client ids so the rest of the
// system works with a single canonical form.
const browserPrefix = "browser-"

// Handler receives inbound socket frames and synthesized control messages
// (the disconnect PAUSE). Wired to the router at startup.
type Handler interface {
	HandleClientMessage(ctx context.Context, m *message.Message, clientID, token string)
}

// Registry is the persistent per-client socket registry with its offline
// queue and mission association index.
type Registry struct {
	log        *zap.Logger
	queueLimit int
	missions   *mission.Index

	mu      sync.Mutex
	conns   map[string]*Conn
	offline map[string][]*message.Message
	depth   int

	handlerMu sync.RWMutex
	handler   Handler
}

func NewRegistry(queueLimit int, log *zap.Logger) *Registry {
	if queueLimit <= 0 {
		queueLimit = 256
	}
	return &Registry{
		log:        log,
		queueLimit: queueLimit,
		missions:   mission.NewIndex(),
		conns:      make(map[string]*Conn),
		offline:    make(map[string][]*message.Message),
	}
}

// SetHandler wires the inbound frame handler. Must be called before the
// socket endpoint starts accepting upgrades.
func (r *Registry) SetHandler(h Handler) {
	r.handlerMu.Lock()
	r.handler = h
	r.handlerMu.Unlock()
}

func (r *Registry) getHandler() Handler {
	r.handlerMu.RLock()
	defer r.handlerMu.RUnlock()
	return r.handler
}

// Missions exposes the client-mission association index.
func (r *Registry) Missions() *mission.Index {
	return r.missions
}

// CanonicalID strips the browser- prefix so two spellings of the same
// client collapse into one entry.
func CanonicalID(clientID string) string {
	return strings.TrimPrefix(clientID, browserPrefix)
}

// register installs a connection under its canonical id, superseding and
// closing any previous socket for the same client.
func (r *Registry) register(c *Conn) {
	r.mu.Lock()
	prev := r.conns[c.id]
	r.conns[c.id] = c
	metrics.ClientConnections.Set(float64(len(r.conns)))
	r.mu.Unlock()
	if prev != nil {
		r.log.Info("superseding previous socket for client", zap.String("client_id", c.id))
		prev.close()
	}
}

// unregister removes the connection if it is still the current one for its
// client. Returns true when an entry was actually removed.
func (r *Registry) unregister(c *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns[c.id] != c {
		return false
	}
	delete(r.conns, c.id)
	metrics.ClientConnections.Set(float64(len(r.conns)))
	return true
}

// Connected reports whether a client currently has a live socket.
func (r *Registry) Connected(clientID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.conns[CanonicalID(clientID)]
	return ok
}

// SendToClient delivers to a live socket or defers to the offline queue.
// The send attempt runs under the registry lock so a concurrent writer
// teardown cannot strand the message in the connection's buffer.
func (r *Registry) SendToClient(clientID string, m *message.Message) {
	id := CanonicalID(clientID)
	r.mu.Lock()
	c := r.conns[id]
	delivered := c != nil && c.trySend(m)
	r.mu.Unlock()
	if !delivered {
		r.enqueueOffline(id, m)
	}
}

// BroadcastToClients sends to every live socket. Per-socket failures are
// isolated; the return value is the number of accepted sends.
func (r *Registry) BroadcastToClients(m *message.Message) int {
	r.mu.Lock()
	var missed []string
	sent := 0
	for _, c := range r.conns {
		if c.trySend(m) {
			sent++
		} else {
			missed = append(missed, c.id)
		}
	}
	r.mu.Unlock()
	for _, id := range missed {
		r.enqueueOffline(id, m)
	}
	return sent
}

// BroadcastToMissionClients delivers to every client of a mission. An
// unknown mission is logged and the call is a no-op.
func (r *Registry) BroadcastToMissionClients(missionID string, m *message.Message) {
	clients := r.missions.ClientsOf(missionID)
	if len(clients) == 0 {
		r.log.Warn("no clients associated with mission", zap.String("mission_id", missionID))
		return
	}
	for _, clientID := range clients {
		r.SendToClient(clientID, m)
	}
}

// enqueueOffline appends to the client's FIFO, evicting the oldest entry
// with a warning when the cap is hit.
func (r *Registry) enqueueOffline(clientID string, m *message.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.offline[clientID]
	if len(list) >= r.queueLimit {
		list = list[1:]
		r.depth--
		r.log.Warn("offline queue overflow, evicting oldest message",
			zap.String("client_id", clientID),
			zap.Int("limit", r.queueLimit))
	}
	r.offline[clientID] = append(list, m)
	r.depth++
	metrics.OfflineQueueDepth.Set(float64(r.depth))
}

// takeOffline removes and returns the client's queued messages in FIFO
// order, for draining on (re)connect.
func (r *Registry) takeOffline(clientID string) []*message.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.offline[clientID]
	if len(list) == 0 {
		return nil
	}
	delete(r.offline, clientID)
	r.depth -= len(list)
	metrics.OfflineQueueDepth.Set(float64(r.depth))
	return list
}

// requeueFront puts undrained messages back, ahead of anything queued since
// the drain began.
func (r *Registry) requeueFront(clientID string, msgs []*message.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requeueFrontLocked(clientID, msgs)
}

func (r *Registry) requeueFrontLocked(clientID string, msgs []*message.Message) {
	if len(msgs) == 0 {
		return
	}
	r.offline[clientID] = append(msgs, r.offline[clientID]...)
	r.depth += len(msgs)
	metrics.OfflineQueueDepth.Set(float64(r.depth))
}

// OfflineCount returns the number of deferred messages for a client.
func (r *Registry) OfflineCount(clientID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.offline[CanonicalID(clientID)])
}

// handleDisconnect removes the client and, when it belongs to a mission,
// synthesizes a PAUSE toward MissionControl. The mission association itself
// is retained so a reconnecting client resumes into the same mission.
func (r *Registry) handleDisconnect(ctx context.Context, c *Conn) {
	if !r.unregister(c) {
		// A newer socket superseded this one; nothing to pause.
		return
	}
	missionID, ok := r.missions.MissionOf(c.id)
	if !ok {
		return
	}
	content, err := json.Marshal(map[string]string{
		"missionId": missionID,
		"reason":    "Client disconnected",
	})
	if err != nil {
		r.log.Error("failed to encode pause content", zap.Error(err))
		return
	}
	pause := &message.Message{
		Type:      message.TypePause,
		Sender:    message.RecipientPostOffice,
		Recipient: "MissionControl",
		MissionID: missionID,
		Content:   content,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
	r.log.Info("client disconnected, pausing mission",
		zap.String("client_id", c.id),
		zap.String("mission_id", missionID))
	if h := r.getHandler(); h != nil {
		h.HandleClientMessage(ctx, pause, c.id, c.token)
	}
}
