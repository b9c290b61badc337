// Package health tracks the broker's readiness state: whether the message
// queue is usable and whether this component managed to register with
// discovery.
package health

import "sync"

// Readiness is process-wide readiness state. Writers are the broker
// transport and the discovery registrar; readers are the HTTP handlers and
// the router's broker-or-fallback decision.
type Readiness struct {
	mu                  sync.RWMutex
	brokerConnected     bool
	brokerHealthy       bool
	discoveryRegistered bool
	allowDegradedReady  bool
}

func NewReadiness(allowDegradedReady bool) *Readiness {
	return &Readiness{allowDegradedReady: allowDegradedReady}
}

func (r *Readiness) SetBrokerConnected(v bool) {
	r.mu.Lock()
	r.brokerConnected = v
	if !v {
		r.brokerHealthy = false
	}
	r.mu.Unlock()
}

func (r *Readiness) SetBrokerHealthy(v bool) {
	r.mu.Lock()
	r.brokerHealthy = v
	r.mu.Unlock()
}

func (r *Readiness) SetDiscoveryRegistered(v bool) {
	r.mu.Lock()
	r.discoveryRegistered = v
	r.mu.Unlock()
}

// BrokerConnected reports whether the broker transport currently holds a
// live connection.
func (r *Readiness) BrokerConnected() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.brokerConnected
}

// Ready reports whether the broker is connected and its last health probe
// succeeded.
func (r *Readiness) Ready() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.brokerConnected && r.brokerHealthy
}

// Degraded reports whether readiness is only being asserted through the
// bootstrap override.
func (r *Readiness) Degraded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.allowDegradedReady && !(r.brokerConnected && r.brokerHealthy)
}

// AcceptingTraffic is the /ready decision: truly ready, or the degraded
// override is enabled.
func (r *Readiness) AcceptingTraffic() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return (r.brokerConnected && r.brokerHealthy) || r.allowDegradedReady
}

// Snapshot returns the current state for detailed readiness bodies.
func (r *Readiness) Snapshot() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return map[string]bool{
		"brokerConnected":     r.brokerConnected,
		"brokerHealthy":       r.brokerHealthy,
		"discoveryRegistered": r.discoveryRegistered,
		"allowDegradedReady":  r.allowDegradedReady,
	}
}
