// Package recorder persists agent decisions and later user feedback.
//
// The recorder is generic across agent types: state and action payloads are
// stored opaque, their shape being a contract between the agent that
// produced them and the training exporter. A persisted decision always
// represents a completed, well-formed agent output; a failed generation is
// never recorded.
package recorder

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/opuscorpus/ocd/internal/model"
	"github.com/opuscorpus/ocd/internal/registry"
	"github.com/opuscorpus/ocd/internal/telemetry"
)

// Store is the storage surface the recorder needs. *storage.DB satisfies it.
type Store interface {
	CreateDecision(ctx context.Context, d model.Decision) (model.Decision, error)
	GetDecisionForUser(ctx context.Context, id, userID uuid.UUID) (model.Decision, error)
	UpdateDecisionFeedback(ctx context.Context, id uuid.UUID, feedback model.Feedback, correction json.RawMessage) (model.Decision, error)
}

// Generation is a completed agent output handed to the recorder. The
// language-model collaborator that produced it is outside this package.
type Generation struct {
	State      json.RawMessage
	Action     json.RawMessage
	Confidence *float64
	Reasoning  *string
}

// Generator is the language-model collaborator. Implementations call out to
// whatever backs the agent; the recorder only ever persists what it is
// given, and persists nothing when generation fails.
type Generator interface {
	Generate(ctx context.Context, agentType model.AgentType, input json.RawMessage) (Generation, error)
}

// RecordInput carries everything needed to persist one decision.
type RecordInput struct {
	AgentType    model.AgentType
	UserID       uuid.UUID
	State        json.RawMessage
	Action       json.RawMessage
	ModelVersion string // empty = select from the registry
	UseABTesting bool
	ItemID       *uuid.UUID
	OpusID       *uuid.UUID
	Confidence   *float64
	Reasoning    *string
}

// Service records decisions and feedback.
type Service struct {
	store    Store
	registry *registry.Registry
	logger   *slog.Logger

	recordedCounter metric.Int64Counter
}

// New creates a recorder service.
func New(store Store, reg *registry.Registry, logger *slog.Logger) *Service {
	meter := telemetry.Meter("ocd/recorder")
	recorded, _ := meter.Int64Counter("ocd.decisions.recorded",
		metric.WithDescription("Agent decisions persisted"),
	)
	return &Service{
		store:           store,
		registry:        reg,
		logger:          logger,
		recordedCounter: recorded,
	}
}

// Record persists a new decision. When no model version is supplied, one is
// selected from the registry (weighted-random under A/B testing, primary
// otherwise) so the decision is attributable to a specific version.
func (s *Service) Record(ctx context.Context, in RecordInput) (model.Decision, error) {
	version := in.ModelVersion
	if version == "" {
		version = s.registry.SelectVersion(in.AgentType, in.UseABTesting)
	}

	d, err := s.store.CreateDecision(ctx, model.Decision{
		UserID:         in.UserID,
		AgentType:      in.AgentType,
		ModelVersion:   version,
		State:          in.State,
		Action:         in.Action,
		Confidence:     in.Confidence,
		Reasoning:      in.Reasoning,
		ItemID:         in.ItemID,
		OpusID:         in.OpusID,
		IsTrainingData: true,
	})
	if err != nil {
		return model.Decision{}, fmt.Errorf("recorder: %w", err)
	}

	s.recordedCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("agent_type", string(in.AgentType)),
		attribute.String("model_version", version),
	))
	s.logger.Info("decision recorded",
		"decision_id", d.ID,
		"agent_type", d.AgentType,
		"model_version", d.ModelVersion,
		"item_id", d.ItemID)
	return d, nil
}

// RecordGenerated invokes the collaborator and persists its output. On
// generation failure nothing is recorded and the error is returned, keeping
// the invariant that every stored decision is a completed agent output.
func (s *Service) RecordGenerated(ctx context.Context, gen Generator, in RecordInput, input json.RawMessage) (model.Decision, error) {
	g, err := gen.Generate(ctx, in.AgentType, input)
	if err != nil {
		return model.Decision{}, fmt.Errorf("recorder: generate %s decision: %w", in.AgentType, err)
	}
	in.State = g.State
	in.Action = g.Action
	in.Confidence = g.Confidence
	in.Reasoning = g.Reasoning
	return s.Record(ctx, in)
}

// UpdateFeedback attaches a user's verdict to a decision they own. It
// mutates only the feedback fields; reward recalculation is driven
// exclusively by outcome tracking and the pending-reward sweep, never as a
// feedback side effect. Returns storage.ErrNotFound when the decision does
// not resolve under the user's ownership.
func (s *Service) UpdateFeedback(ctx context.Context, decisionID, userID uuid.UUID, feedback model.Feedback, correction json.RawMessage) (model.Decision, error) {
	if _, err := s.store.GetDecisionForUser(ctx, decisionID, userID); err != nil {
		return model.Decision{}, err
	}

	d, err := s.store.UpdateDecisionFeedback(ctx, decisionID, feedback, correction)
	if err != nil {
		return model.Decision{}, err
	}

	s.logger.Info("decision feedback updated",
		"decision_id", d.ID,
		"feedback", feedback,
		"has_correction", len(correction) > 0)
	return d, nil
}
