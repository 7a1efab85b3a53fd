package outcome

import (
	"time"

	"github.com/opuscorpus/ocd/internal/model"
)

// Strategic labels. Items carrying either are considered fully aligned with
// the current strategic goals.
const (
	labelJobIncome    = "Job 1 (Income)"
	labelJobAuthority = "Job 2 (Authority)"
)

// baseTime is the expected working time per swimlane, in minutes.
var baseTime = map[model.Swimlane]float64{
	model.SwimlaneExpedite: 120,
	model.SwimlaneProject:  480,
	model.SwimlaneHabit:    60,
	model.SwimlaneHome:     180,
}

const defaultBaseTime = 480

// priorityMultiplier scales expected time: high-priority work is expected
// to move faster.
var priorityMultiplier = map[model.Priority]float64{
	model.PriorityHigh:   0.8,
	model.PriorityMedium: 1.0,
	model.PriorityLow:    1.2,
}

// ComputeMetrics derives outcome metrics from an item's lifecycle fields.
// It is a pure function of (item, now): the single metrics value is shared
// by every decision that referenced the item.
func ComputeMetrics(item model.Item, now time.Time) model.OutcomeMetrics {
	expected := ExpectedTime(item.Swimlane, item.Priority)

	var timeToComplete *int
	switch {
	case item.CompletedAt != nil:
		m := int(item.CompletedAt.Sub(item.CreatedAt).Minutes())
		timeToComplete = &m
	case item.Status == model.StatusColdStorage:
		// Abandoned items count time until the abandonment was observed.
		m := int(now.Sub(item.CreatedAt).Minutes())
		timeToComplete = &m
	}

	var timeEfficiency *float64
	if item.TotalTimeInCreate > 0 {
		e := expected / float64(item.TotalTimeInCreate)
		timeEfficiency = &e
	}

	return model.OutcomeMetrics{
		CompletedSuccessfully: item.Status == model.StatusDone,
		CycleCount:            item.CycleCount,
		BlockedAt:             item.BlockedAt,
		TotalTimeInCreate:     item.TotalTimeInCreate,
		TimeToComplete:        timeToComplete,
		ExpectedTime:          expected,
		TimeEfficiency:        timeEfficiency,
		WasBlocked:            item.BlockedAt != nil,
		Abandoned:             item.Status == model.StatusColdStorage,
		StrategicAlignment:    StrategicAlignment(item.Labels),
		OpportunityCost:       0,
	}
}

// ExpectedTime estimates how long an item should take, in minutes, from its
// swimlane and priority. Unknown values fall back to the project defaults.
func ExpectedTime(swimlane *model.Swimlane, priority *model.Priority) float64 {
	base := float64(defaultBaseTime)
	if swimlane != nil {
		if b, ok := baseTime[*swimlane]; ok {
			base = b
		}
	}
	mult := 1.0
	if priority != nil {
		if m, ok := priorityMultiplier[*priority]; ok {
			mult = m
		}
	}
	return base * mult
}

// StrategicAlignment scores how well an item's labels line up with the
// strategic goals: 1.0 for either strategic job label, 0.5 for any other
// labeling, 0.0 for unlabeled items.
func StrategicAlignment(labels []string) float64 {
	for _, l := range labels {
		if l == labelJobIncome || l == labelJobAuthority {
			return 1.0
		}
	}
	if len(labels) > 0 {
		return 0.5
	}
	return 0.0
}
