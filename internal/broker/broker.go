// Package broker is the RabbitMQ transport: topic-exchange publishing,
// direct-reply RPC, the inbound consumer, and the reconnect loop.
package broker

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/stage7/postoffice/internal/health"
	"github.com/stage7/postoffice/internal/message"
	"github.com/stage7/postoffice/pkg/errors"
	"github.com/stage7/postoffice/pkg/metrics"
)

const (
	// Exchange is the platform-wide topic exchange every component shares.
	Exchange = "stage7"

	// DirectReplyQueue is RabbitMQ's pseudo-queue for implicit RPC replies.
	DirectReplyQueue = "amq.rabbitmq.reply-to"

	routingPrefix = "message."
	rpcTimeout    = 30 * time.Second
)

// Inbound receives validated frames from the consumer. Wired to the router
// at startup.
type Inbound interface {
	HandleBrokerMessage(ctx context.Context, m *message.Message)
}

// RoutingKey builds the topic routing key for a recipient.
func RoutingKey(recipient string) string {
	return routingPrefix + recipient
}

// validInbound rejects frames a component bug published without the fields
// routing depends on.
func validInbound(m *message.Message) bool {
	return m.Type != "" && m.Recipient != ""
}

// Broker owns the AMQP connection. One connection, one channel; the channel
// carries both the component queue consumer and the direct-reply consumer,
// which RabbitMQ requires to share the publishing channel.
type Broker struct {
	url       string
	ownID     string
	readiness *health.Readiness
	pending   *PendingReplies
	log       *zap.Logger

	inbound Inbound

	// mu guards the connection pointers, which the Run goroutine swaps on
	// connect and loss while Publish and Request read them.
	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func New(url, ownID string, readiness *health.Readiness, log *zap.Logger) *Broker {
	return &Broker{
		url:       url,
		ownID:     ownID,
		readiness: readiness,
		pending:   NewPendingReplies(),
		log:       log,
	}
}

// SetHandler wires the inbound frame handler. Must be called before Run.
func (b *Broker) SetHandler(h Inbound) {
	b.inbound = h
}

// Connected reports whether the transport currently holds a live connection.
func (b *Broker) Connected() bool {
	return b.readiness.BrokerConnected()
}

// Run connects and consumes until the context ends, reconnecting with
// exponential backoff after every connection loss.
func (b *Broker) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0
	bo.MaxInterval = 30 * time.Second

	for {
		conn, ch, err := b.connect()
		if err != nil {
			wait := bo.NextBackOff()
			b.log.Warn("broker connection failed, retrying",
				zap.Error(err),
				zap.Duration("retry_in", wait))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}
		bo.Reset()
		b.setConn(conn, ch)
		b.readiness.SetBrokerConnected(true)
		b.readiness.SetBrokerHealthy(true)
		b.log.Info("broker connected", zap.String("exchange", Exchange))

		err = b.consume(ctx, conn, ch)
		b.readiness.SetBrokerConnected(false)
		b.dropConn(conn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b.log.Warn("broker connection lost", zap.Error(err))
	}
}

func (b *Broker) connect() (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(b.url)
	if err != nil {
		return nil, nil, errors.Wrap(err, "dial broker")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, errors.Wrap(err, "open channel")
	}
	if err := ch.ExchangeDeclare(Exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, nil, errors.Wrap(err, "declare exchange")
	}
	queue, err := ch.QueueDeclare(b.ownID, false, true, false, false, nil)
	if err != nil {
		conn.Close()
		return nil, nil, errors.Wrap(err, "declare queue")
	}
	for _, key := range []string{RoutingKey(message.RecipientPostOffice), RoutingKey(b.ownID)} {
		if err := ch.QueueBind(queue.Name, key, Exchange, false, nil); err != nil {
			conn.Close()
			return nil, nil, errors.Wrap(err, "bind queue")
		}
	}
	return conn, ch, nil
}

func (b *Broker) setConn(conn *amqp.Connection, ch *amqp.Channel) {
	b.mu.Lock()
	b.conn, b.ch = conn, ch
	b.mu.Unlock()
}

// dropConn clears the shared pointers before closing so publishers stop
// seeing the dead channel.
func (b *Broker) dropConn(conn *amqp.Connection) {
	b.mu.Lock()
	if b.conn == conn {
		b.conn, b.ch = nil, nil
	}
	b.mu.Unlock()
	_ = conn.Close()
}

func (b *Broker) channel() *amqp.Channel {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ch
}

// consume runs both delivery streams until the connection drops or the
// context ends.
func (b *Broker) consume(ctx context.Context, conn *amqp.Connection, ch *amqp.Channel) error {
	deliveries, err := ch.Consume(b.ownID, "", true, false, false, false, nil)
	if err != nil {
		return errors.Wrap(err, "consume component queue")
	}
	replies, err := ch.Consume(DirectReplyQueue, "", true, false, false, false, nil)
	if err != nil {
		return errors.Wrap(err, "consume reply queue")
	}
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-closed:
			if err != nil {
				return err
			}
			return errors.ErrBrokerUnavailable
		case d, ok := <-deliveries:
			if !ok {
				return errors.ErrBrokerUnavailable
			}
			b.handleDelivery(ctx, d)
		case d, ok := <-replies:
			if !ok {
				return errors.ErrBrokerUnavailable
			}
			b.handleReply(d)
		}
	}
}

// handleDelivery decodes and validates one inbound frame. Handler panics and
// bad frames are logged and swallowed so the consumer keeps running.
func (b *Broker) handleDelivery(ctx context.Context, d amqp.Delivery) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("inbound handler panicked", zap.Any("panic", r))
		}
	}()
	m, err := message.Decode(d.Body)
	if err != nil {
		b.log.Warn("dropping undecodable broker frame", zap.Error(err))
		metrics.MessagesDropped.Inc()
		return
	}
	if !validInbound(m) {
		b.log.Warn("dropping broker frame without type or recipient",
			zap.String("type", m.Type),
			zap.String("sender", m.Sender))
		metrics.MessagesDropped.Inc()
		return
	}
	if m.CorrelationID == "" {
		m.CorrelationID = d.CorrelationId
	}
	if m.ReplyTo == "" {
		m.ReplyTo = d.ReplyTo
	}
	if b.inbound != nil {
		b.inbound.HandleBrokerMessage(ctx, m)
	}
}

// handleReply resolves a direct-reply delivery against the pending registry.
func (b *Broker) handleReply(d amqp.Delivery) {
	m, err := message.Decode(d.Body)
	if err != nil {
		b.log.Warn("dropping undecodable reply frame", zap.Error(err))
		return
	}
	corrID := m.CorrelationID
	if corrID == "" {
		corrID = d.CorrelationId
	}
	if !b.pending.Resolve(corrID, m) {
		b.log.Warn("reply arrived for unknown or expired correlation id",
			zap.String("correlation_id", corrID))
	}
}

// Publish sends a fire-and-forget frame. Messages that already carry a
// correlationId and replyTo pass them through untouched, so a sender
// orchestrating its own reply queue needs nothing more.
func (b *Broker) Publish(ctx context.Context, m *message.Message) error {
	ch := b.channel()
	if ch == nil || !b.Connected() {
		metrics.BrokerPublishes.WithLabelValues("unavailable").Inc()
		return errors.ErrBrokerUnavailable
	}
	body, err := m.Encode()
	if err != nil {
		return errors.Wrap(err, "encode message")
	}
	err = ch.PublishWithContext(ctx, Exchange, RoutingKey(m.Recipient), false, false, amqp.Publishing{
		ContentType:   "application/json",
		Body:          body,
		MessageId:     m.ID,
		CorrelationId: m.CorrelationID,
		ReplyTo:       m.ReplyTo,
		Timestamp:     time.Now(),
	})
	if err != nil {
		metrics.BrokerPublishes.WithLabelValues("error").Inc()
		return errors.Wrap(err, "publish")
	}
	metrics.BrokerPublishes.WithLabelValues("ok").Inc()
	return nil
}

// Request publishes an RPC frame over the direct-reply queue and waits up to
// 30 s for the response. On timeout the waiter is removed so a late reply is
// discarded.
func (b *Broker) Request(ctx context.Context, m *message.Message) (*message.Message, error) {
	corrID := uuid.NewString()
	m.CorrelationID = corrID
	m.ReplyTo = DirectReplyQueue

	waiter := b.pending.Add(corrID)
	if err := b.Publish(ctx, m); err != nil {
		b.pending.Remove(corrID)
		return nil, err
	}

	timer := time.NewTimer(rpcTimeout)
	defer timer.Stop()
	select {
	case reply := <-waiter:
		return reply, nil
	case <-timer.C:
		b.pending.Remove(corrID)
		metrics.RPCTimeouts.Inc()
		b.log.Warn("rpc timed out",
			zap.String("recipient", m.Recipient),
			zap.String("correlation_id", corrID))
		return nil, errors.ErrBrokerTimeout
	case <-ctx.Done():
		b.pending.Remove(corrID)
		return nil, ctx.Err()
	}
}
