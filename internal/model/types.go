// Package model defines the domain entities and API types shared across
// the storage layer, services, and HTTP handlers.
package model

import "fmt"

// AgentType identifies which agent produced a decision.
type AgentType string

const (
	AgentFiler       AgentType = "FILER"
	AgentLibrarian   AgentType = "LIBRARIAN"
	AgentPrioritizer AgentType = "PRIORITIZER"
	AgentStorer      AgentType = "STORER"
	AgentRetriever   AgentType = "RETRIEVER"
	AgentGuardrail   AgentType = "GUARDRAIL"
)

// AgentTypes lists every valid agent type, in registry order.
var AgentTypes = []AgentType{
	AgentFiler,
	AgentLibrarian,
	AgentPrioritizer,
	AgentStorer,
	AgentRetriever,
	AgentGuardrail,
}

// ParseAgentType validates a string against the known agent types.
func ParseAgentType(s string) (AgentType, error) {
	for _, at := range AgentTypes {
		if string(at) == s {
			return at, nil
		}
	}
	return "", fmt.Errorf("model: unknown agent type %q", s)
}

// Feedback is a user's verdict on an agent decision.
type Feedback string

const (
	FeedbackConfirmed Feedback = "CONFIRMED"
	FeedbackCorrected Feedback = "CORRECTED"
	FeedbackIgnored   Feedback = "IGNORED"
)

// ParseFeedback validates a string against the known feedback values.
func ParseFeedback(s string) (Feedback, error) {
	switch Feedback(s) {
	case FeedbackConfirmed, FeedbackCorrected, FeedbackIgnored:
		return Feedback(s), nil
	}
	return "", fmt.Errorf("model: unknown feedback %q", s)
}

// ItemStatus is the lifecycle state of a work item.
type ItemStatus string

const (
	StatusTodo        ItemStatus = "TODO"
	StatusOnHold      ItemStatus = "ON_HOLD"
	StatusCreating    ItemStatus = "CREATING"
	StatusBlocked     ItemStatus = "BLOCKED"
	StatusDone        ItemStatus = "DONE"
	StatusColdStorage ItemStatus = "COLD_STORAGE"
	StatusCompendium  ItemStatus = "COMPENDIUM"
	StatusTrash       ItemStatus = "TRASH"
)

// IsTerminal reports whether no further work is expected on an item,
// which is the precondition for outcome measurement.
func (s ItemStatus) IsTerminal() bool {
	return s == StatusDone || s == StatusColdStorage
}

// Swimlane buckets items by the kind of work they represent.
type Swimlane string

const (
	SwimlaneExpedite Swimlane = "EXPEDITE"
	SwimlaneProject  Swimlane = "PROJECT"
	SwimlaneHabit    Swimlane = "HABIT"
	SwimlaneHome     Swimlane = "HOME"
)

// Priority is an item's urgency tier.
type Priority string

const (
	PriorityHigh   Priority = "HIGH"
	PriorityMedium Priority = "MEDIUM"
	PriorityLow    Priority = "LOW"
)

// UserRole distinguishes the owner account from stakeholder accounts.
type UserRole string

const (
	RoleCreator     UserRole = "CREATOR"
	RoleStakeholder UserRole = "STAKEHOLDER"
)
