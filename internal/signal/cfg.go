package signal

import "time"

// ConfigOptions is config options for the signaling service.
type ConfigOptions struct {
	ServerConfigOptions
	SessionConfigOptions
	EventsConfigOptions
}

// ServerConfigOptions configures the HTTP server carrying the websocket
// signaling endpoint.
type ServerConfigOptions struct {
	Host string
	Port int
	Path string
}

// SessionConfigOptions configures session table policy.
type SessionConfigOptions struct {
	// PendingLimit bounds how many messages a waiting participant may queue
	// before its counterpart joins.
	PendingLimit int
	// DecodeTolerance is how many consecutive malformed frames a channel
	// survives before it is closed as a protocol violation.
	DecodeTolerance int
	// IdleTimeout reaps sessions without traffic, paired or not.
	IdleTimeout time.Duration
	// ClosingGrace bounds how long a closing session waits for both
	// channels to confirm closure before it is dropped anyway.
	ClosingGrace time.Duration
	// SweepInterval is the period of the reaper pass.
	SweepInterval time.Duration
}

// EventsConfigOptions configures session lifecycle event publishing.
// An empty topic disables publishing.
type EventsConfigOptions struct {
	Topic    string
	Qos      int
	Retained bool
}

// Default session policy, used where flags leave options zero.
const (
	DefaultPendingLimit    = 16
	DefaultDecodeTolerance = 3
	DefaultIdleTimeout     = 5 * time.Minute
	DefaultClosingGrace    = 10 * time.Second
	DefaultSweepInterval   = 30 * time.Second
)

// withDefaults fills zero values so a zero SessionConfigOptions is usable.
func (o SessionConfigOptions) withDefaults() SessionConfigOptions {
	if o.PendingLimit <= 0 {
		o.PendingLimit = DefaultPendingLimit
	}
	if o.DecodeTolerance <= 0 {
		o.DecodeTolerance = DefaultDecodeTolerance
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
	if o.ClosingGrace <= 0 {
		o.ClosingGrace = DefaultClosingGrace
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = DefaultSweepInterval
	}
	return o
}
