package allocator

import (
	"time"

	"github.com/capstan-io/capstan/pkg/common/scalar"
)

// Config is the allocator specific configuration.
type Config struct {
	// AllocationInterval is how often a periodic allocation cycle runs.
	AllocationInterval time.Duration `yaml:"allocation_interval"`

	// AgentMinimum is the smallest free resource bundle on an agent worth
	// offering. Agents with less free than this are skipped in a cycle.
	AgentMinimum scalar.Resources `yaml:"agent_minimum"`
}

// Normalize fills defaults for unset values.
func (c *Config) Normalize() {
	if c.AllocationInterval <= 0 {
		c.AllocationInterval = 1 * time.Second
	}
}
