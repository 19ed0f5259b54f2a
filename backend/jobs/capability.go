package jobs

import (
	"sync/atomic"

	"github.com/andi/xmlconv/backend/config"
)

// Capability decides whether conversions run the real converter or are
// simulated
type Capability interface {
	// Demo reports whether new conversions should be simulated
	Demo() bool
	// SpawnFailed records that the converter could not be started and
	// reports whether the failed request should be served by the simulator
	SpawnFailed() bool
	Mode() string
}

// StickyCapability starts out trusting the converter and switches to demo
// mode for the rest of the process lifetime after the first spawn failure.
type StickyCapability struct {
	mode    string
	flipped atomic.Bool
	onFlip  func()
}

// NewCapability creates a capability for one of the config demo modes.
// onFlip, if set, runs once when auto mode switches to demo.
func NewCapability(mode string, onFlip func()) *StickyCapability {
	c := &StickyCapability{mode: mode, onFlip: onFlip}
	if mode == config.DemoAlways {
		c.flipped.Store(true)
	}
	return c
}

func (c *StickyCapability) Demo() bool {
	return c.flipped.Load()
}

func (c *StickyCapability) SpawnFailed() bool {
	switch c.mode {
	case config.DemoNever:
		return false
	case config.DemoAlways:
		return true
	}
	if c.flipped.CompareAndSwap(false, true) && c.onFlip != nil {
		c.onFlip()
	}
	// a request that raced the first flip is served the same way
	return true
}

func (c *StickyCapability) Mode() string {
	return c.mode
}
