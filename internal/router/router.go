// Package router turns a decoded message into deliveries: client sockets,
// mission fan-out, broadcast, or a broker publish with HTTP fallback.
package router

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stage7/postoffice/internal/message"
	"github.com/stage7/postoffice/pkg/errors"
	"github.com/stage7/postoffice/pkg/metrics"
)

// Transport is the broker slice the router publishes through.
type Transport interface {
	Connected() bool
	Publish(ctx context.Context, m *message.Message) error
	Request(ctx context.Context, m *message.Message) (*message.Message, error)
}

// ClientGateway is the socket-registry slice the router delivers through.
type ClientGateway interface {
	SendToClient(clientID string, m *message.Message)
	BroadcastToClients(m *message.Message) int
	BroadcastToMissionClients(missionID string, m *message.Message)
}

// FallbackQueue absorbs service-bound messages while the broker is down.
type FallbackQueue interface {
	Enqueue(recipient string, m *message.Message)
}

// Router is stateless apart from its collaborators; every call is safe for
// concurrent use.
type Router struct {
	ownID    string
	broker   Transport
	clients  ClientGateway
	fallback FallbackQueue
	log      *zap.Logger
}

func New(ownID string, broker Transport, clients ClientGateway, fallback FallbackQueue, log *zap.Logger) *Router {
	return &Router{
		ownID:    ownID,
		broker:   broker,
		clients:  clients,
		fallback: fallback,
		log:      log,
	}
}

// Route classifies and delivers one message. The returned message is the
// synchronous reply, when the message required one and the broker produced
// it in time; nil otherwise.
func (r *Router) Route(ctx context.Context, m *message.Message) (*message.Message, error) {
	m.EnsureID()
	m.Stamp()

	dst := m.Resolve(r.ownID)
	switch dst.Kind {
	case message.DestClient:
		metrics.MessagesRouted.WithLabelValues("client").Inc()
		r.clients.SendToClient(dst.ClientID, m)
		return nil, nil
	case message.DestMission:
		metrics.MessagesRouted.WithLabelValues("mission").Inc()
		r.clients.BroadcastToMissionClients(dst.MissionID, m)
		return nil, nil
	case message.DestAllClients:
		metrics.MessagesRouted.WithLabelValues("broadcast").Inc()
		r.clients.BroadcastToClients(m)
		return nil, nil
	case message.DestService:
		return r.forwardToService(ctx, m, dst.Service)
	default:
		metrics.MessagesDropped.Inc()
		r.log.Warn("message matched no dispatch rule, dropping",
			zap.String("id", m.ID),
			zap.String("type", m.Type),
			zap.String("sender", m.Sender),
			zap.String("recipient", m.Recipient))
		return nil, errors.ErrNoRoute
	}
}

// forwardToService publishes toward a backend component. Broker down means
// the fallback queue takes the message; the caller gets an accepted result
// with no reply.
func (r *Router) forwardToService(ctx context.Context, m *message.Message, service string) (*message.Message, error) {
	if !r.broker.Connected() {
		metrics.MessagesRouted.WithLabelValues("fallback").Inc()
		r.fallback.Enqueue(service, m)
		return nil, nil
	}

	if m.RequiresSyncDelivery() && m.ReplyTo == "" {
		reply, err := r.broker.Request(ctx, m)
		if err != nil {
			if errors.Is(err, errors.ErrBrokerUnavailable) {
				metrics.MessagesRouted.WithLabelValues("fallback").Inc()
				r.fallback.Enqueue(service, m)
				return nil, nil
			}
			return nil, err
		}
		metrics.MessagesRouted.WithLabelValues("service").Inc()
		return reply, nil
	}

	// A sync message riding a caller-supplied replyTo still needs a
	// correlation id so the responder can tie the reply back.
	if m.RequiresSyncDelivery() && m.CorrelationID == "" {
		m.CorrelationID = uuid.NewString()
	}
	if err := r.broker.Publish(ctx, m); err != nil {
		metrics.MessagesRouted.WithLabelValues("fallback").Inc()
		r.fallback.Enqueue(service, m)
		return nil, nil
	}
	metrics.MessagesRouted.WithLabelValues("service").Inc()
	return nil, nil
}

// HandleClientMessage routes a socket frame. The socket's client id is
// attached when the frame omits one so replies find their way back, and a
// synchronous reply is delivered to the originating socket.
func (r *Router) HandleClientMessage(ctx context.Context, m *message.Message, clientID, _ string) {
	if m.ClientID == "" {
		m.ClientID = clientID
	}
	if m.Sender == "" {
		m.Sender = clientID
	}
	reply, err := r.Route(ctx, m)
	if err != nil {
		r.log.Warn("failed to route client frame",
			zap.String("client_id", clientID),
			zap.String("type", m.Type),
			zap.Error(err))
		return
	}
	if reply != nil {
		r.clients.SendToClient(clientID, reply)
	}
}

// HandleBrokerMessage routes an inbound broker frame. Replies, when the
// frame was synchronous, ride the frame's own replyTo and are not produced
// here.
func (r *Router) HandleBrokerMessage(ctx context.Context, m *message.Message) {
	if _, err := r.Route(ctx, m); err != nil {
		r.log.Warn("failed to route broker frame",
			zap.String("id", m.ID),
			zap.String("type", m.Type),
			zap.Error(err))
	}
}
