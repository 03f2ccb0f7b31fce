// Package scm implements the SMPP Client Manager: a fleet of named,
// long-lived SMPP client connectors, each consuming its own submit queue
// from the message bus, shaping outbound throughput, retrying retryable
// submit errors, and classifying inbound deliver_sm/DLR traffic back
// through the Router Core (spec.md §4.3).
package scm

import "time"

// BindType is the SMPP session mode a connector binds as.
type BindType string

const (
	BindTransceiver BindType = "transceiver"
	BindTransmitter BindType = "transmitter"
	BindReceiver    BindType = "receiver"
)

// RetrialPolicy governs retry of one submit_sm error category:
// max_retries attempts, each delayed by Delay*attempt (spec.md §4.3's
// "fixed delay × attempt" backoff, not exponential).
type RetrialPolicy struct {
	MaxRetries int           `toml:"max_retries"`
	Delay      time.Duration `toml:"delay"`
}

// ReconnectPolicy governs a connector's behavior across connection loss
// versus outright bind failure, per spec.md §4.3.
type ReconnectPolicy struct {
	OnConnectionLoss         bool          `toml:"on_connection_loss"`
	OnConnectionLossDelay    time.Duration `toml:"on_connection_loss_delay"`
	OnConnectionFailure      bool          `toml:"on_connection_failure"`
	OnConnectionFailureDelay time.Duration `toml:"on_connection_failure_delay"`
}

// ConnectorConfig is the durable, admin-managed definition of one SMPP
// client connector. It is what Persist/Load round-trips; it carries no
// runtime state (counters, session handles), per spec.md §6's "SCM
// store: one file per profile, containing the list of configured
// connectors (not their runtime state)".
type ConnectorConfig struct {
	CID      string   `toml:"cid"`
	Host     string   `toml:"host"`
	Port     int      `toml:"port"`
	BindType BindType `toml:"bind_type"`
	SystemID string   `toml:"system_id"`
	Password string   `toml:"password"`

	SubmitThroughput float64       `toml:"submit_sm_throughput"` // msgs/sec, 0 = unlimited
	RequeueDelay     time.Duration `toml:"requeue_delay"`        // default 30s
	ResponseTimeout  time.Duration `toml:"response_timeout"`
	EnquireLink      time.Duration `toml:"enquire_link"`

	SubmitErrorRetrial map[string]RetrialPolicy `toml:"submit_error_retrial"` // keyed by numeric command_status
	Reconnect          ReconnectPolicy           `toml:"reconnect"`
}

// WithDefaults returns a copy of c with zero-valued durations/throughput
// filled in from spec.md §4.3's documented defaults.
func (c ConnectorConfig) WithDefaults() ConnectorConfig {
	if c.RequeueDelay <= 0 {
		c.RequeueDelay = 30 * time.Second
	}
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = 60 * time.Second
	}
	if c.EnquireLink <= 0 {
		c.EnquireLink = 10 * time.Second
	}
	if c.BindType == "" {
		c.BindType = BindTransceiver
	}
	if c.Reconnect.OnConnectionLossDelay <= 0 {
		c.Reconnect.OnConnectionLossDelay = 30 * time.Second
	}
	if c.Reconnect.OnConnectionFailureDelay <= 0 {
		c.Reconnect.OnConnectionFailureDelay = 30 * time.Second
	}
	return c
}
