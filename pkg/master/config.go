package master

import (
	"time"

	"github.com/capstan-io/capstan/pkg/master/allocator"
	"github.com/capstan-io/capstan/pkg/master/updates"
)

// Config is the master configuration.
type Config struct {
	Allocator allocator.Config `yaml:"allocator"`
	Updates   updates.Config   `yaml:"updates"`

	// OfferHoldTime is how long an offer stays outstanding before it is
	// reclaimed. Reclaiming is treated as a decline with the default
	// refuse timeout.
	OfferHoldTime time.Duration `yaml:"offer_hold_time"`

	// OfferPruningInterval is how often expired offers are reclaimed.
	OfferPruningInterval time.Duration `yaml:"offer_pruning_interval"`

	// DefaultRefuseTimeout is the decline filter duration applied when a
	// framework does not specify one.
	DefaultRefuseTimeout time.Duration `yaml:"default_refuse_timeout"`

	// HeartbeatInterval is how often HEARTBEAT events are sent to every
	// subscribed framework.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// EventQueueSize bounds the master event queue.
	EventQueueSize uint32 `yaml:"event_queue_size"`

	// Weights are the initial per role allocation weights. Roles without
	// an entry weigh 1.
	Weights map[string]float64 `yaml:"weights"`
}

// Normalize fills defaults for unset values.
func (c *Config) Normalize() {
	c.Allocator.Normalize()
	c.Updates.Normalize()
	if c.OfferHoldTime <= 0 {
		c.OfferHoldTime = 5 * time.Minute
	}
	if c.OfferPruningInterval <= 0 {
		c.OfferPruningInterval = 30 * time.Second
	}
	if c.DefaultRefuseTimeout <= 0 {
		c.DefaultRefuseTimeout = 5 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.EventQueueSize == 0 {
		c.EventQueueSize = 10000
	}
}
