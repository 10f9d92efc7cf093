package master

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

// Operation is a state mutation applied to the durable registry before it
// takes effect in memory.
type Operation interface {
	Name() string
}

// UpdateWeightsOperation commits a role weight change.
type UpdateWeightsOperation struct {
	Weights map[string]float64
}

// Name implements Operation.
func (UpdateWeightsOperation) Name() string { return "update-weights" }

// Registry is the durable store the master commits cluster level decisions
// through. Apply returns whether the operation was committed; an operation
// which fails to commit must not take effect in memory.
type Registry interface {
	Apply(op Operation) bool
}

// inMemoryRegistry is a Registry for single process deployments and tests.
type inMemoryRegistry struct {
	sync.Mutex

	weights map[string]float64
}

// NewInMemoryRegistry creates a Registry which commits to process memory.
func NewInMemoryRegistry() Registry {
	return &inMemoryRegistry{
		weights: make(map[string]float64),
	}
}

func (r *inMemoryRegistry) Apply(op Operation) bool {
	r.Lock()
	defer r.Unlock()

	switch o := op.(type) {
	case UpdateWeightsOperation:
		for role, w := range o.Weights {
			r.weights[role] = w
		}
	case *UpdateWeightsOperation:
		for role, w := range o.Weights {
			r.weights[role] = w
		}
	default:
		log.WithField("operation", op.Name()).
			Error("Unsupported registry operation")
		return false
	}
	return true
}
