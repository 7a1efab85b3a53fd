package model

import (
	"time"

	"github.com/google/uuid"
)

// Item is a work item moving through the kanban lifecycle. The training core
// reads items to detect terminal states and derive outcome metrics; it never
// writes them.
type Item struct {
	ID              uuid.UUID  `json:"id"`
	Title           string     `json:"title"`
	RawInstructions string     `json:"raw_instructions"`
	RoutingNotes    *string    `json:"routing_notes,omitempty"`
	Status          ItemStatus `json:"status"`
	Swimlane        *Swimlane  `json:"swimlane,omitempty"`
	Priority        *Priority  `json:"priority,omitempty"`
	Labels          []string   `json:"labels"`

	// Lifecycle accounting, maintained by status transitions.
	CycleCount        int        `json:"cycle_count"`
	BlockedAt         *time.Time `json:"blocked_at,omitempty"`
	TotalTimeInCreate int        `json:"total_time_in_create"` // minutes
	StartedAt         *time.Time `json:"started_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`

	OpusID          *uuid.UUID `json:"opus_id,omitempty"`
	CreatedByUserID uuid.UUID  `json:"created_by_user_id"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Opus is a living document that items feed into. Only id and name matter to
// the training core (decision attribution); content is plumbing for the rest
// of the application.
type Opus struct {
	ID              uuid.UUID `json:"id"`
	Name            string    `json:"name"`
	Content         string    `json:"content"`
	OpusType        string    `json:"opus_type"`
	IsStrategic     bool      `json:"is_strategic"`
	CreatedByUserID uuid.UUID `json:"created_by_user_id"`
	CreatedAt       time.Time `json:"created_at"`
}

// User is an account that owns decisions and items.
type User struct {
	ID           uuid.UUID `json:"id"`
	Name         string    `json:"name"`
	PasswordHash string    `json:"-"`
	Role         UserRole  `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}
