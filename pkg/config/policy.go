package config

import "time"

// TimeoutPolicy bundles every liveness threshold the streaming layer
// uses. Session idleness and connection staleness are deliberately
// separate knobs: a session outlives its transport so that a client can
// reconnect without losing its topic subscription.
type TimeoutPolicy struct {
	// SessionIdleTimeout is how long a session may go without client
	// activity before the sweep disposes it.
	SessionIdleTimeout time.Duration

	// SweepInterval is how often idle sessions are swept.
	SweepInterval time.Duration

	// HeartbeatInterval is the cadence of heartbeat frames on each
	// push connection.
	HeartbeatInterval time.Duration

	// ConnectionStaleTimeout is how long a push connection may go
	// without traffic before the heartbeat tick force-closes it.
	ConnectionStaleTimeout time.Duration
}

// DefaultTimeoutPolicy returns the stock thresholds.
func DefaultTimeoutPolicy() TimeoutPolicy {
	return TimeoutPolicy{
		SessionIdleTimeout:     30 * time.Minute,
		SweepInterval:          5 * time.Minute,
		HeartbeatInterval:      30 * time.Second,
		ConnectionStaleTimeout: 5 * time.Minute,
	}
}

// TimeoutPolicyFromEnv builds a policy from the environment, falling
// back to the defaults for anything unset.
func TimeoutPolicyFromEnv() TimeoutPolicy {
	def := DefaultTimeoutPolicy()
	return TimeoutPolicy{
		SessionIdleTimeout:     GetEnvDuration("SESSION_IDLE_TIMEOUT", def.SessionIdleTimeout),
		SweepInterval:          GetEnvDuration("SESSION_SWEEP_INTERVAL", def.SweepInterval),
		HeartbeatInterval:      GetEnvDuration("HEARTBEAT_INTERVAL", def.HeartbeatInterval),
		ConnectionStaleTimeout: GetEnvDuration("CONNECTION_STALE_TIMEOUT", def.ConnectionStaleTimeout),
	}
}
