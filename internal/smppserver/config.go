// Package smppserver implements the SMPP Server (SS): the downstream-facing
// listener that lets SMPP peers bind to the gateway the same way the
// gateway's own connectors bind upstream to an SMSC, per spec.md §4.4.
package smppserver

import "time"

// Config configures the SMPP Server listener.
type Config struct {
	Bind string
	Port int

	// BindTimeout bounds how long the server waits for the first PDU
	// (the bind request) after a TCP accept.
	BindTimeout time.Duration
	// EnquireLinkInterval is defaulted by WithDefaults but not read by the
	// server: it never probes idle sessions and has no idle timeout.
	EnquireLinkInterval time.Duration
}

// WithDefaults fills zero-valued fields with spec.md §4.4's documented
// defaults.
func (c Config) WithDefaults() Config {
	if c.BindTimeout <= 0 {
		c.BindTimeout = 30 * time.Second
	}
	if c.EnquireLinkInterval <= 0 {
		c.EnquireLinkInterval = 30 * time.Second
	}
	return c
}
