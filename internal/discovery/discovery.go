// Package discovery is a best-effort client for the external service
// registry (a Consul-compatible agent API). The broker works without it:
// every call degrades to a miss that the resolver falls through.
package discovery

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/stage7/postoffice/internal/registry"
	"github.com/stage7/postoffice/pkg/json"
)

const (
	lookupAttempts = 5
	lookupInterval = 3 * time.Second
	requestTimeout = 5 * time.Second
)

// Client talks to the discovery agent over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
	log     *zap.Logger
}

// New returns a discovery client, or nil when no agent URL is configured so
// callers can treat discovery as absent.
func New(baseURL string, log *zap.Logger) *Client {
	if baseURL == "" {
		return nil
	}
	return &Client{
		baseURL: strings.TrimRight(registry.NormalizeURL(baseURL), "/"),
		http:    &http.Client{Timeout: requestTimeout},
		log:     log,
	}
}

type registration struct {
	ID      string            `json:"ID"`
	Name    string            `json:"Name"`
	Tags    []string          `json:"Tags"`
	Port    int               `json:"Port"`
	Address string            `json:"Address"`
	Meta    map[string]string `json:"Meta,omitempty"`
}

type catalogEntry struct {
	ServiceAddress string `json:"ServiceAddress"`
	ServicePort    int    `json:"ServicePort"`
	Address        string `json:"Address"`
}

// Register mirrors a component registration into the discovery agent. The
// service name is the component id; the lowercased type travels as a tag so
// type lookups can match any instance.
func (c *Client) Register(ctx context.Context, id, serviceType, rawURL string) error {
	host, portStr := registry.HostPort(rawURL)
	if host == "" {
		return fmt.Errorf("unparseable component url %q", rawURL)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("component url %q has no numeric port", rawURL)
	}
	body, err := json.Marshal(registration{
		ID:      id,
		Name:    id,
		Tags:    []string{strings.ToLower(serviceType)},
		Port:    port,
		Address: host,
		Meta:    map[string]string{"fullUrl": registry.NormalizeURL(rawURL)},
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		c.baseURL+"/v1/agent/service/register", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("discovery register: status %d", resp.StatusCode)
	}
	c.log.Info("registered with discovery",
		zap.String("id", id),
		zap.String("type", serviceType))
	return nil
}

// Deregister removes a service instance from the discovery agent.
func (c *Client) Deregister(ctx context.Context, id string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		c.baseURL+"/v1/agent/service/deregister/"+id, http.NoBody)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("discovery deregister: status %d", resp.StatusCode)
	}
	return nil
}

// Lookup resolves a service type to a URL, retrying on a fixed interval.
// The bound keeps a cold registry from stalling the resolver forever.
func (c *Client) Lookup(ctx context.Context, serviceType string) (string, error) {
	var found string
	op := func() error {
		u, err := c.lookupOnce(ctx, serviceType)
		if err != nil {
			return err
		}
		found = u
		return nil
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(lookupInterval), lookupAttempts-1),
		ctx,
	)
	if err := backoff.Retry(op, policy); err != nil {
		return "", err
	}
	return found, nil
}

func (c *Client) lookupOnce(ctx context.Context, serviceType string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/v1/catalog/service/"+strings.ToLower(serviceType), http.NoBody)
	if err != nil {
		return "", backoff.Permanent(err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("discovery lookup: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	var entries []catalogEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", fmt.Errorf("no instances of %s", serviceType)
	}
	e := entries[0]
	host := e.ServiceAddress
	if host == "" {
		host = e.Address
	}
	if host == "" {
		return "", fmt.Errorf("instance of %s has no address", serviceType)
	}
	return fmt.Sprintf("http://%s:%d", host, e.ServicePort), nil
}
