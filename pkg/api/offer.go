package api

import (
	"time"

	"github.com/capstan-io/capstan/pkg/common/scalar"
)

// OfferID identifies one offer issuance; opaque and unique.
type OfferID string

// Offer is a time bounded grant of agent resources to one framework. An
// offer is consumed exactly once, by accept, decline or rescission.
type Offer struct {
	ID          OfferID
	FrameworkID FrameworkID
	AgentID     AgentID
	Resources   scalar.Resources
	Issued      time.Time
}

// AgentState is the master's observed state of an agent. The master models
// agents as state enums rather than live references.
type AgentState string

// Agent states relevant to reconciliation. REREGISTERING and UNREACHABLE are
// transitional: reconciliation withholds responses for tasks on such agents
// until their state resolves.
const (
	AgentStateRegistered    AgentState = "REGISTERED"
	AgentStateReregistering AgentState = "REREGISTERING"
	AgentStateUnreachable   AgentState = "UNREACHABLE"
	AgentStateRemoved       AgentState = "REMOVED"
)

// IsTransitional returns whether tasks on an agent in this state have
// unresolved fate.
func (s AgentState) IsTransitional() bool {
	return s == AgentStateReregistering || s == AgentStateUnreachable
}
