package export

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opuscorpus/ocd/internal/model"
	"github.com/opuscorpus/ocd/internal/storage"
	"github.com/opuscorpus/ocd/internal/testutil"
)

// fakeStore returns canned decisions and records the filter it was called
// with.
type fakeStore struct {
	decisions  []model.Decision
	lastFilter storage.TrainingFilter
}

func (f *fakeStore) ListTrainingDecisions(_ context.Context, agentType model.AgentType, filter storage.TrainingFilter) ([]model.Decision, error) {
	f.lastFilter = filter
	var out []model.Decision
	for _, d := range f.decisions {
		if d.AgentType != agentType {
			continue
		}
		if filter.RequireReward && (d.Reward == nil || *d.Reward < filter.MinReward) {
			continue
		}
		if filter.RequireFeedback && d.UserFeedback == nil {
			continue
		}
		out = append(out, d)
		if len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func rewardPtr(f float64) *float64 { return &f }

func feedbackPtr(f model.Feedback) *model.Feedback { return &f }

func filerDecision(rw *float64, fb *model.Feedback) model.Decision {
	conf := 0.85
	return model.Decision{
		ID:           uuid.New(),
		AgentType:    model.AgentFiler,
		ModelVersion: "gpt-4.1-mini-20250929",
		State: json.RawMessage(`{
			"item": {"title": "Fix invoice template", "rawInstructions": "Update the template for Q2", "routingNotes": "wife asked"},
			"assignedOpus": {"name": "Billing", "opusType": "PROJECT", "isStrategic": true}
		}`),
		Action: json.RawMessage(`{
			"status": "TODO", "swimlane": "Expedite", "priority": "High",
			"labels": ["Job 1 (Income)"], "confidence": 0.85, "reasoning": "urgent external request"
		}`),
		Confidence:   &conf,
		Reward:       rw,
		UserFeedback: fb,
		CreatedAt:    time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC),
	}
}

func exportLines(t *testing.T, buf *bytes.Buffer) []Example {
	t.Helper()
	var out []Example
	sc := bufio.NewScanner(buf)
	sc.Buffer(make([]byte, 1024*1024), 1024*1024)
	for sc.Scan() {
		var ex Example
		require.NoError(t, json.Unmarshal(sc.Bytes(), &ex))
		out = append(out, ex)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestExportInvalidAgentTypeWritesNothing(t *testing.T) {
	svc := New(&fakeStore{}, testutil.TestLogger())

	var buf bytes.Buffer
	_, err := svc.Export(context.Background(), model.AgentType("JANITOR"), DefaultOptions(), &buf)
	assert.ErrorIs(t, err, ErrInvalidAgentType)
	assert.Zero(t, buf.Len())
}

func TestExportWritesJSONLWithStats(t *testing.T) {
	store := &fakeStore{decisions: []model.Decision{
		filerDecision(rewardPtr(2.0), feedbackPtr(model.FeedbackConfirmed)),
		filerDecision(rewardPtr(-1.0), feedbackPtr(model.FeedbackCorrected)),
		filerDecision(rewardPtr(0.5), nil),
	}}
	svc := New(store, testutil.TestLogger())

	var buf bytes.Buffer
	stats, err := svc.Export(context.Background(), model.AgentFiler, DefaultOptions(), &buf)
	require.NoError(t, err)

	assert.Equal(t, 3, stats.Count)
	assert.InDelta(t, 0.5, stats.AvgReward, 1e-9)
	require.NotNil(t, stats.MinReward)
	assert.InDelta(t, -1.0, *stats.MinReward, 1e-9)
	require.NotNil(t, stats.MaxReward)
	assert.InDelta(t, 2.0, *stats.MaxReward, 1e-9)
	assert.Equal(t, 1, stats.ConfirmedCount)
	assert.Equal(t, 1, stats.CorrectedCount)
	assert.Zero(t, stats.IgnoredCount)

	lines := exportLines(t, &buf)
	require.Len(t, lines, 3)

	ex := lines[0]
	assert.Contains(t, ex.Prompt, "<|system|>")
	assert.Contains(t, ex.Prompt, "<|user|>")
	assert.True(t, strings.HasSuffix(strings.TrimSpace(ex.Prompt), "<|assistant|>"))
	assert.Contains(t, ex.Prompt, "Fix invoice template")
	assert.Contains(t, ex.Prompt, "wife asked")
	assert.InDelta(t, 2.0, ex.Reward, 1e-9)
	assert.Equal(t, "gpt-4.1-mini-20250929", ex.Metadata.ModelVersion)

	var completion map[string]any
	require.NoError(t, json.Unmarshal([]byte(ex.Completion), &completion))
	assert.Equal(t, "Expedite", completion["swimlane"])
	assert.Equal(t, "To Do", completion["urgency"])
	assert.Equal(t, []any{"Job 1 (Income)"}, completion["labels"])
	assert.InDelta(t, 0.85, completion["confidence"].(float64), 1e-9)
}

func TestExportPassesFilterThrough(t *testing.T) {
	store := &fakeStore{decisions: []model.Decision{
		filerDecision(rewardPtr(2.0), feedbackPtr(model.FeedbackConfirmed)),
		filerDecision(rewardPtr(-3.0), nil), // below the min_reward floor
		filerDecision(nil, feedbackPtr(model.FeedbackConfirmed)), // no reward yet
	}}
	svc := New(store, testutil.TestLogger())

	var buf bytes.Buffer
	stats, err := svc.Export(context.Background(), model.AgentFiler, Options{
		Limit:         10,
		MinReward:     -2.0,
		RequireReward: true,
	}, &buf)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Count)
	assert.Equal(t, 10, store.lastFilter.Limit)
	assert.InDelta(t, -2.0, store.lastFilter.MinReward, 1e-9)
	assert.True(t, store.lastFilter.RequireReward)
}

func TestExportToleratesSparsePayloads(t *testing.T) {
	// Historical records with missing sub-fields still export with
	// placeholder values instead of failing.
	store := &fakeStore{decisions: []model.Decision{{
		ID:           uuid.New(),
		AgentType:    model.AgentStorer,
		ModelVersion: "gpt-4.1-mini-20250929",
		State:        json.RawMessage(`{"completedItem":{"title":"Done thing"}}`),
		Action:       json.RawMessage(`{}`),
		Reward:       rewardPtr(0.5),
		CreatedAt:    time.Now().UTC(),
	}}}
	svc := New(store, testutil.TestLogger())

	var buf bytes.Buffer
	stats, err := svc.Export(context.Background(), model.AgentStorer, Options{Limit: 10}, &buf)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Count)

	lines := exportLines(t, &buf)
	require.Len(t, lines, 1)

	var completion map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0].Completion), &completion))
	assert.Equal(t, "INTEGRATE", completion["integrationDecision"])
	assert.Equal(t, "APPEND", completion["method"])
	assert.InDelta(t, 0.5, completion["confidence"].(float64), 1e-9)
}

func TestExportEveryAgentTypeHasTemplates(t *testing.T) {
	for _, at := range model.AgentTypes {
		prompt, err := formatPrompt(at, json.RawMessage(`{}`))
		require.NoError(t, err, "prompt for %s", at)
		assert.Contains(t, prompt, "<|system|>")

		completion, err := formatCompletion(at, json.RawMessage(`{}`))
		require.NoError(t, err, "completion for %s", at)
		assert.True(t, json.Valid([]byte(completion)), "completion for %s is JSON", at)
	}
}

func TestExportEmptyCorpus(t *testing.T) {
	svc := New(&fakeStore{}, testutil.TestLogger())

	var buf bytes.Buffer
	stats, err := svc.Export(context.Background(), model.AgentGuardrail, DefaultOptions(), &buf)
	require.NoError(t, err)
	assert.Zero(t, stats.Count)
	assert.Zero(t, stats.AvgReward)
	assert.Nil(t, stats.MinReward)
	assert.Zero(t, buf.Len())
}
