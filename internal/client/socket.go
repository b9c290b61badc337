package client

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/stage7/postoffice/internal/message"
)

const (
	// writeWait bounds a single socket write; a write blocked longer is a
	// failure and the message is re-queued.
	writeWait = 5 * time.Second

	// sendBuffer is the per-client outbound channel depth. A full buffer
	// means the client is too slow and sends demote to the offline queue.
	sendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}

// Conn is one live client socket. The websocket connection is owned by
// exactly two goroutines: one reader and one writer.
type Conn struct {
	id          string
	token       string
	ws          *websocket.Conn
	send        chan *message.Message
	done        chan struct{}
	closeOnce   sync.Once
	connectedAt time.Time
}

func newConn(id, token string, ws *websocket.Conn) *Conn {
	return &Conn{
		id:          id,
		token:       token,
		ws:          ws,
		send:        make(chan *message.Message, sendBuffer),
		done:        make(chan struct{}),
		connectedAt: time.Now(),
	}
}

// trySend hands a message to the writer without blocking. A closed or
// saturated connection reports failure so the caller can defer the message.
func (c *Conn) trySend(m *message.Message) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- m:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *Conn) write(m *message.Message) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteJSON(m)
}

// HandleUpgrade accepts a socket upgrade at the broker's root endpoint. The
// clientId and token travel in the request query.
func (r *Registry) HandleUpgrade(w http.ResponseWriter, req *http.Request) {
	ws, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.log.Warn("socket upgrade failed", zap.Error(err))
		return
	}

	q := req.URL.Query()
	clientID := q.Get("clientId")
	token := q.Get("token")
	if clientID == "" {
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "Client ID missing")
		_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
		_ = ws.WriteMessage(websocket.CloseMessage, msg)
		_ = ws.Close()
		return
	}
	clientID = CanonicalID(clientID)

	c := newConn(clientID, token, ws)
	r.register(c)
	r.log.Info("client connected",
		zap.String("client_id", clientID),
		zap.String("remote_addr", req.RemoteAddr))

	// A reconnecting client resumes its mission; re-associating ensures the
	// reverse index holds the entry.
	if missionID, ok := r.missions.MissionOf(clientID); ok {
		r.missions.Associate(clientID, missionID)
	}

	go r.writeLoop(c)
	r.readLoop(req.Context(), c)
}

// writeLoop is the connection's single writer: the confirmation frame
// first, then the offline backlog in FIFO order, then live traffic. A
// failed write demotes the message, and everything still buffered behind
// it, to the offline queue.
func (r *Registry) writeLoop(c *Conn) {
	confirmed := &message.Message{
		Type:     message.TypeConnectionConfirmed,
		ClientID: c.id,
	}
	if err := c.write(confirmed); err != nil {
		r.log.Warn("failed to send connection confirmation",
			zap.String("client_id", c.id),
			zap.Error(err))
		r.abandon(c, nil)
		return
	}

	backlog := r.takeOffline(c.id)
	for i, m := range backlog {
		if err := c.write(m); err != nil {
			r.log.Warn("offline drain interrupted",
				zap.String("client_id", c.id),
				zap.Int("remaining", len(backlog)-i),
				zap.Error(err))
			r.abandon(c, backlog[i:])
			return
		}
	}
	if n := len(backlog); n > 0 {
		r.log.Info("drained offline queue",
			zap.String("client_id", c.id),
			zap.Int("messages", n))
	}

	for {
		select {
		case m := <-c.send:
			if err := c.write(m); err != nil {
				r.log.Warn("socket write failed, re-queueing unsent messages",
					zap.String("client_id", c.id),
					zap.Error(err))
				r.abandon(c, []*message.Message{m})
				return
			}
		case <-c.done:
			r.abandon(c, nil)
			return
		}
	}
}

// abandon closes the socket and moves every unsent message, starting with
// the ones handed in and followed by anything still buffered for the
// writer, to the head of the client's offline queue. The drain runs under
// the registry lock: once it completes, no sender can still deposit into
// this connection's buffer.
func (r *Registry) abandon(c *Conn, unsent []*message.Message) {
	c.close()
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		select {
		case m := <-c.send:
			unsent = append(unsent, m)
		default:
			r.requeueFrontLocked(c.id, unsent)
			return
		}
	}
}

// readLoop consumes frames until the socket closes, then runs the
// disconnect side effects. A malformed frame is logged and ignored; it must
// not evict the client.
func (r *Registry) readLoop(ctx context.Context, c *Conn) {
	defer func() {
		c.close()
		r.handleDisconnect(context.WithoutCancel(ctx), c)
	}()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			r.log.Info("client socket closed",
				zap.String("client_id", c.id),
				zap.Error(err))
			return
		}
		m, err := message.Decode(data)
		if err != nil {
			r.log.Warn("ignoring malformed socket frame",
				zap.String("client_id", c.id),
				zap.Error(err))
			continue
		}
		if m.Type == message.TypeClientConnect {
			r.refreshAssociation(c.id, m)
			continue
		}
		m.EnsureID()
		if h := r.getHandler(); h != nil {
			h.HandleClientMessage(ctx, m, c.id, c.token)
		}
	}
}

// refreshAssociation handles an explicit CLIENT_CONNECT re-handshake.
func (r *Registry) refreshAssociation(clientID string, m *message.Message) {
	if missionID := m.EffectiveMissionID(); missionID != "" {
		r.missions.Associate(clientID, missionID)
		r.log.Info("mission association refreshed",
			zap.String("client_id", clientID),
			zap.String("mission_id", missionID))
		return
	}
	if missionID, ok := r.missions.MissionOf(clientID); ok {
		r.missions.Associate(clientID, missionID)
	}
}
