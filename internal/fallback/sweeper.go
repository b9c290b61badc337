package fallback

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/stage7/postoffice/internal/httpclient"
	"github.com/stage7/postoffice/internal/message"
	"github.com/stage7/postoffice/pkg/metrics"
)

const sweepInterval = 100 * time.Millisecond

// Fanout is the slice of the client gateway the sweeper needs to deliver
// user-bound messages while the broker is down.
type Fanout interface {
	BroadcastToClients(m *message.Message) int
	BroadcastToMissionClients(missionID string, m *message.Message)
}

// URLResolver resolves a recipient to a component URL.
type URLResolver interface {
	Resolve(ctx context.Context, typeOrID string) string
}

// Poster issues the authenticated downstream POST.
type Poster interface {
	PostMessage(ctx context.Context, baseURL string, payload []byte) (*httpclient.Response, error)
}

// BrokerState reports whether the broker transport is usable.
type BrokerState interface {
	BrokerConnected() bool
}

// Sweeper drains the fallback queue while the broker is down. One message
// per recipient per tick; a failed POST reinserts at the head and stops
// that recipient for the tick, giving in-order best-effort delivery with
// backpressure.
type Sweeper struct {
	queue    *Queue
	broker   BrokerState
	resolver URLResolver
	poster   Poster
	fanout   Fanout
	log      *zap.Logger
	interval time.Duration
}

func NewSweeper(queue *Queue, broker BrokerState, resolver URLResolver, poster Poster, fanout Fanout, log *zap.Logger) *Sweeper {
	return &Sweeper{
		queue:    queue,
		broker:   broker,
		resolver: resolver,
		poster:   poster,
		fanout:   fanout,
		log:      log,
		interval: sweepInterval,
	}
}

// SetInterval overrides the tick period. Test seam.
func (s *Sweeper) SetInterval(d time.Duration) {
	s.interval = d
}

// Run ticks until the context is cancelled. Errors inside a tick are caught
// and logged so one bad message cannot stop the loop.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick performs one sweep pass.
func (s *Sweeper) Tick(ctx context.Context) {
	if s.broker.BrokerConnected() {
		if n := s.queue.Len(); n > 0 {
			s.log.Info("broker is back, fallback queue drains lazily",
				zap.Int("pending", n))
		}
		return
	}
	for _, recipient := range s.queue.Recipients() {
		if recipient == message.RecipientUser {
			s.drainUser(recipient)
			continue
		}
		s.forwardOne(ctx, recipient)
	}
}

// drainUser fans every queued user-bound message out to sockets; socket
// delivery has its own offline queue, so there is nothing to retry here.
func (s *Sweeper) drainUser(recipient string) {
	for {
		m, ok := s.queue.PopFront(recipient)
		if !ok {
			return
		}
		if missionID := m.EffectiveMissionID(); missionID != "" {
			s.fanout.BroadcastToMissionClients(missionID, m)
		} else {
			s.fanout.BroadcastToClients(m)
		}
		metrics.FallbackDeliveries.WithLabelValues("fanout").Inc()
	}
}

func (s *Sweeper) forwardOne(ctx context.Context, recipient string) {
	url := s.resolver.Resolve(ctx, recipient)
	if url == "" {
		return
	}
	m, ok := s.queue.PopFront(recipient)
	if !ok {
		return
	}
	payload, err := m.Encode()
	if err != nil {
		s.log.Error("dropping unencodable fallback message",
			zap.String("recipient", recipient),
			zap.String("id", m.ID),
			zap.Error(err))
		return
	}
	resp, err := s.poster.PostMessage(ctx, url, payload)
	if err != nil || !resp.OK() {
		s.queue.PushFront(recipient, m)
		metrics.FallbackDeliveries.WithLabelValues("retry").Inc()
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		s.log.Warn("fallback delivery failed, will retry next tick",
			zap.String("recipient", recipient),
			zap.String("url", url),
			zap.Int("status", status),
			zap.Error(err))
		return
	}
	metrics.FallbackDeliveries.WithLabelValues("delivered").Inc()
}
