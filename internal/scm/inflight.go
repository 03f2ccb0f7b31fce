package scm

import "sync/atomic"

// inFlightCounter tracks how many submit_sm calls a connector currently
// has outstanding with the SMSC. The actual request/response correlation
// is owned internally by the fiorix/go-smpp session (Submit blocks until
// its matching submit_sm_resp arrives or RespTimeout elapses); this
// counter exists purely for the admin "details" surface and the
// ConnectorInFlight gauge spec.md §6 exposes.
type inFlightCounter struct {
	n int64
}

func (c *inFlightCounter) inc() int64 { return atomic.AddInt64(&c.n, 1) }
func (c *inFlightCounter) dec() int64 { return atomic.AddInt64(&c.n, -1) }
func (c *inFlightCounter) get() int64 { return atomic.LoadInt64(&c.n) }
