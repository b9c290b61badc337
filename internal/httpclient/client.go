// Package httpclient is the authenticated outbound HTTP client used for
// service-to-service delivery: the sweeper's fallback POSTs and the
// synchronous /sendMessage forward.
package httpclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	cb "github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// postTimeout bounds every downstream POST so the sweeper never stalls on a
// dead service.
const postTimeout = 15 * time.Second

// Response carries the downstream status and body so ingress handlers can
// propagate business errors verbatim.
type Response struct {
	StatusCode int
	Body       []byte
}

// OK reports whether the downstream answered 2xx.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Client posts JSON messages to downstream components, attaching the
// broker's opaque service token. The synchronous path runs behind a circuit
// breaker; the sweeper path does not, because the fallback queue already
// provides its own pacing and head-reinsertion retry.
type Client struct {
	http    *http.Client
	token   string
	breaker *cb.CircuitBreaker
	log     *zap.Logger
}

func New(token string, log *zap.Logger) *Client {
	settings := cb.Settings{
		Name:        "DownstreamForwardCB",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts cb.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to cb.State) {
			log.Warn("circuit breaker state change",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}
	return &Client{
		http:    &http.Client{Timeout: postTimeout},
		token:   token,
		breaker: cb.NewCircuitBreaker(settings),
		log:     log,
	}
}

// PostMessage delivers a JSON payload to <baseURL>/message. Non-2xx is not
// an error here: the caller decides whether to retry or propagate.
func (c *Client) PostMessage(ctx context.Context, baseURL string, payload []byte) (*Response, error) {
	return c.post(ctx, strings.TrimRight(baseURL, "/")+"/message", payload)
}

// PostMessageSync is PostMessage behind the circuit breaker, for the
// synchronous forward path where the caller is blocked waiting.
func (c *Client) PostMessageSync(ctx context.Context, baseURL string, payload []byte) (*Response, error) {
	out, err := c.breaker.Execute(func() (interface{}, error) {
		resp, err := c.PostMessage(ctx, baseURL, payload)
		if err != nil {
			return nil, err
		}
		// 5xx trips the breaker; 4xx is a business answer, not an outage.
		if resp.StatusCode >= 500 {
			return resp, fmt.Errorf("downstream status %d", resp.StatusCode)
		}
		return resp, nil
	})
	if resp, ok := out.(*Response); ok {
		return resp, err
	}
	return nil, err
}

func (c *Client) post(ctx context.Context, url string, payload []byte) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &Response{StatusCode: resp.StatusCode, Body: body}, nil
}
