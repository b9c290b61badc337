package registry

import (
	"context"
	"net/url"
	"os"
	"strings"

	"go.uber.org/zap"
)

// Discovery is the external registry the resolver consults first and
// mirrors registrations into. Implementations are best effort; failures are
// treated as misses.
type Discovery interface {
	Lookup(ctx context.Context, serviceType string) (string, error)
	Register(ctx context.Context, id, serviceType, rawURL string) error
}

// Resolver translates a message's logical recipient into a concrete service
// URL. Lookup order: external discovery, <TYPE>_URL environment variable,
// local registry, well-known defaults.
type Resolver struct {
	local     *Registry
	discovery Discovery
	env       func(string) string
	log       *zap.Logger
}

func NewResolver(local *Registry, discovery Discovery, log *zap.Logger) *Resolver {
	return &Resolver{
		local:     local,
		discovery: discovery,
		env:       os.Getenv,
		log:       log,
	}
}

// SetEnvLookup overrides the environment source. Test seam.
func (r *Resolver) SetEnvLookup(fn func(string) string) {
	r.env = fn
}

// Resolve returns a normalized URL for a service type or component id, or
// "" when the recipient cannot be resolved. It never returns an error:
// discovery failures are misses.
func (r *Resolver) Resolve(ctx context.Context, typeOrID string) string {
	if typeOrID == "" {
		return ""
	}
	if r.discovery != nil {
		if u, err := r.discovery.Lookup(ctx, typeOrID); err == nil && u != "" {
			return NormalizeURL(u)
		} else if err != nil {
			r.log.Debug("discovery lookup miss",
				zap.String("type", typeOrID),
				zap.Error(err))
		}
	}
	if u := r.env(EnvVarFor(typeOrID)); u != "" {
		return NormalizeURL(u)
	}
	if u, ok := r.local.GetURL(typeOrID); ok {
		return NormalizeURL(u)
	}
	if hostPort, ok := wellKnownPorts[typeOrID]; ok {
		return NormalizeURL(hostPort)
	}
	return ""
}

// Register upserts the local registry entry and mirrors it into external
// discovery. Discovery failure never fails the local registration.
func (r *Resolver) Register(ctx context.Context, c Component) error {
	if err := r.local.Register(c); err != nil {
		return err
	}
	if r.discovery != nil {
		if err := r.discovery.Register(ctx, c.ID, c.Type, c.URL); err != nil {
			r.log.Warn("discovery registration failed, keeping local entry",
				zap.String("id", c.ID),
				zap.String("type", c.Type),
				zap.Error(err))
		}
	}
	return nil
}

// Services resolves every well-known service type, returning the map served
// on /getServices.
func (r *Resolver) Services(ctx context.Context) map[string]string {
	out := make(map[string]string, len(wellKnownPorts))
	for typ := range wellKnownPorts {
		if u := r.Resolve(ctx, typ); u != "" {
			out[typ] = u
		}
	}
	return out
}

// EnvVarFor names the environment override for a service type:
// upper-cased type plus _URL.
func EnvVarFor(serviceType string) string {
	return strings.ToUpper(serviceType) + "_URL"
}

// NormalizeURL prepends an http scheme when none is present.
func NormalizeURL(raw string) string {
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		return "http://" + raw
	}
	return raw
}

// HostPort splits a component URL into host and port for discovery
// registration.
func HostPort(raw string) (host, port string) {
	u, err := url.Parse(NormalizeURL(raw))
	if err != nil {
		return "", ""
	}
	return u.Hostname(), u.Port()
}
