package router

import "sync/atomic"

// counter is a process-wide monotonic counter used to mint UDH reference
// numbers for outbound long-message segmentation.
type counter struct {
	v uint32
}

func newCounter() *counter { return &counter{} }

func (c *counter) next() uint32 {
	return atomic.AddUint32(&c.v, 1)
}
