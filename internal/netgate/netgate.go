// Package netgate decides whether a sync cycle may start.
//
// The gate combines network reachability with the user's transfer policy:
// a "Wi-Fi only" flag and an "avoid expensive/metered connections" flag.
// A false answer is a normal reason for the orchestrator to stay idle, not
// an error; the next trigger (timer, user action, connectivity change)
// simply asks again.
package netgate

import (
	"context"
	"log"
	"net"
	"net/url"
	"os"
	"sync"
	"time"
)

// NetworkState is a point-in-time description of connectivity, supplied by
// the host platform's probe.
type NetworkState struct {
	// Reachable reports whether the backend is reachable at all.
	Reachable bool

	// OnWiFi reports whether the active interface is Wi-Fi (as opposed to
	// cellular or another link the Wi-Fi-only policy excludes).
	OnWiFi bool

	// Metered reports whether the OS flags the connection as expensive.
	Metered bool
}

// StateFunc probes current connectivity. The host application supplies a
// platform-specific implementation; DialProbe is a portable default.
type StateFunc func(ctx context.Context) NetworkState

// Policy holds the user's transfer preferences.
type Policy struct {
	WiFiOnly     bool
	AvoidMetered bool
}

// Gate is the interface the orchestrator consults before every cycle.
type Gate interface {
	CanSync(ctx context.Context) bool
}

// PolicyGate combines a connectivity probe with the transfer policy.
type PolicyGate struct {
	state  StateFunc
	logger *log.Logger

	mu     sync.RWMutex
	policy Policy
}

// New creates a gate. If logger is nil, a default stderr logger is used.
func New(state StateFunc, policy Policy, logger *log.Logger) *PolicyGate {
	if logger == nil {
		logger = log.New(os.Stderr, "[netgate] ", log.LstdFlags)
	}
	return &PolicyGate{state: state, policy: policy, logger: logger}
}

// CanSync implements Gate. It returns true only when the backend is
// reachable and the current link satisfies the configured policy.
func (g *PolicyGate) CanSync(ctx context.Context) bool {
	g.mu.RLock()
	policy := g.policy
	g.mu.RUnlock()

	state := g.state(ctx)
	if !state.Reachable {
		g.logger.Printf("Sync gated: backend unreachable")
		return false
	}
	if policy.WiFiOnly && !state.OnWiFi {
		g.logger.Printf("Sync gated: Wi-Fi only policy, current link is not Wi-Fi")
		return false
	}
	if policy.AvoidMetered && state.Metered {
		g.logger.Printf("Sync gated: avoiding metered connection")
		return false
	}
	return true
}

// SetPolicy replaces the transfer policy. Called on config reload.
func (g *PolicyGate) SetPolicy(policy Policy) {
	g.mu.Lock()
	g.policy = policy
	g.mu.Unlock()
}

// Policy returns the current transfer policy.
func (g *PolicyGate) Policy() Policy {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.policy
}

// DialProbe returns a StateFunc that checks reachability by dialing the
// backend host. It cannot observe the link type, so it reports Wi-Fi and
// unmetered; hosts that can do better should supply their own probe.
func DialProbe(baseURL string) StateFunc {
	return func(ctx context.Context) NetworkState {
		u, err := url.Parse(baseURL)
		if err != nil {
			return NetworkState{}
		}
		host := u.Host
		if u.Port() == "" {
			switch u.Scheme {
			case "https":
				host = net.JoinHostPort(u.Hostname(), "443")
			default:
				host = net.JoinHostPort(u.Hostname(), "80")
			}
		}

		d := net.Dialer{Timeout: 3 * time.Second}
		conn, err := d.DialContext(ctx, "tcp", host)
		if err != nil {
			return NetworkState{}
		}
		_ = conn.Close()

		return NetworkState{Reachable: true, OnWiFi: true, Metered: false}
	}
}

// Always returns a StateFunc with a fixed answer, useful for tests and for
// hosts that manage connectivity themselves.
func Always(state NetworkState) StateFunc {
	return func(context.Context) NetworkState { return state }
}
