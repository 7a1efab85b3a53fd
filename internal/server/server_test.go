package server_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opuscorpus/ocd/internal/auth"
	"github.com/opuscorpus/ocd/internal/model"
	"github.com/opuscorpus/ocd/internal/registry"
	"github.com/opuscorpus/ocd/internal/scheduler"
	"github.com/opuscorpus/ocd/internal/server"
	"github.com/opuscorpus/ocd/internal/service/export"
	"github.com/opuscorpus/ocd/internal/service/outcome"
	"github.com/opuscorpus/ocd/internal/service/recorder"
	"github.com/opuscorpus/ocd/internal/service/reward"
	"github.com/opuscorpus/ocd/internal/storage"
	"github.com/opuscorpus/ocd/internal/testutil"
)

const testInternalKey = "test-internal-key"

var (
	testSrv          *httptest.Server
	testDB           *storage.DB
	creatorToken     string
	stakeholderToken string
	creatorID        uuid.UUID
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	tc := testutil.MustStartPostgres()

	logger := testutil.TestLogger()

	var err error
	testDB, err = tc.NewTestDB(ctx, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create DB: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	jwtMgr, err := auth.NewJWTManager("", "", 24*time.Hour)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create JWT manager: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	reg := registry.Default()
	rewardSvc := reward.New(testDB, reward.DefaultConfig(), outcome.ComputeMetrics, logger, nil)
	outcomeSvc := outcome.New(testDB, rewardSvc, logger, nil)
	recorderSvc := recorder.New(testDB, reg, logger)
	exportSvc := export.New(testDB, logger)

	sched := scheduler.New(logger)
	sched.Register("track-outcomes", time.Hour, func(ctx context.Context) error {
		_, err := outcomeSvc.TrackPendingOutcomes(ctx, 200)
		return err
	})
	sched.Register("calculate-rewards", time.Hour, func(ctx context.Context) error {
		_, err := rewardSvc.CalculatePendingRewards(ctx)
		return err
	})

	srv := server.New(server.ServerConfig{
		Deps: server.HandlersDeps{
			DB:          testDB,
			JWTMgr:      jwtMgr,
			RecorderSvc: recorderSvc,
			OutcomeSvc:  outcomeSvc,
			RewardSvc:   rewardSvc,
			ExportSvc:   exportSvc,
			Registry:    reg,
			Sched:       sched,
			Logger:      logger,
			Version:     "test",
		},
		ReadTimeout:         30 * time.Second,
		WriteTimeout:        30 * time.Second,
		MaxRequestBodyBytes: 1 * 1024 * 1024,
		InternalAPIKey:      testInternalKey,
	})

	if err := srv.Handlers().SeedCreator(ctx, "alex", "creator-pass"); err != nil {
		fmt.Fprintf(os.Stderr, "failed to seed creator: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}
	seedStakeholder(ctx, "sam", "stakeholder-pass")

	testSrv = httptest.NewServer(srv.Handler())

	creatorToken = getToken(testSrv.URL, "alex", "creator-pass")
	stakeholderToken = getToken(testSrv.URL, "sam", "stakeholder-pass")
	creatorID = tokenUserID(testSrv.URL, "alex", "creator-pass")

	code := m.Run()

	testSrv.Close()
	testDB.Close()
	tc.Terminate()
	os.Exit(code)
}

func seedStakeholder(ctx context.Context, name, password string) {
	hash, err := auth.HashPassword(password)
	if err != nil {
		panic(err)
	}
	if _, err := testDB.CreateUser(ctx, model.User{
		Name:         name,
		PasswordHash: hash,
		Role:         model.RoleStakeholder,
	}); err != nil {
		panic(err)
	}
}

func login(baseURL, name, password string) (*http.Response, error) {
	body, _ := json.Marshal(model.LoginRequest{Name: name, Password: password})
	return http.Post(baseURL+"/auth/login", "application/json", bytes.NewReader(body))
}

func getToken(baseURL, name, password string) string {
	resp, err := login(baseURL, name, password)
	if err != nil {
		panic(fmt.Sprintf("getToken: request failed: %v", err))
	}
	defer func() { _ = resp.Body.Close() }()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		panic(fmt.Sprintf("getToken: status %d, body: %s", resp.StatusCode, string(data)))
	}
	var result struct {
		Data model.LoginResponse `json:"data"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		panic(fmt.Sprintf("getToken: unmarshal failed: %v, body: %s", err, string(data)))
	}
	if result.Data.Token == "" {
		panic(fmt.Sprintf("getToken: empty token, body: %s", string(data)))
	}
	return result.Data.Token
}

func tokenUserID(baseURL, name, password string) uuid.UUID {
	resp, err := login(baseURL, name, password)
	if err != nil {
		panic(err)
	}
	defer func() { _ = resp.Body.Close() }()
	var result struct {
		Data model.LoginResponse `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		panic(err)
	}
	return result.Data.UserID
}

func authedRequest(method, url, token string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		bodyReader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return http.DefaultClient.Do(req)
}

func internalRequest(method, url, key string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		bodyReader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Internal-API-Key", key)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return http.DefaultClient.Do(req)
}

func decodeData[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var result struct {
		Data T `json:"data"`
	}
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &result), "body: %s", string(data))
	return result.Data
}

func recordDecision(t *testing.T, req model.RecordDecisionRequest) model.Decision {
	t.Helper()
	resp, err := authedRequest("POST", testSrv.URL+"/v1/decisions", creatorToken, req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decodeData[model.Decision](t, resp)
}

func TestHealthEndpoint(t *testing.T) {
	resp, err := http.Get(testSrv.URL + "/health")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	health := decodeData[model.HealthResponse](t, resp)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "connected", health.Postgres)
	assert.Equal(t, "test", health.Version)
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	resp, err := login(testSrv.URL, "alex", "wrong")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// An unknown name produces the same response as a wrong password.
	resp2, err := login(testSrv.URL, "nobody", "whatever")
	require.NoError(t, err)
	defer func() { _ = resp2.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp2.StatusCode)
}

func TestUnauthenticatedAccess(t *testing.T) {
	resp, err := http.Get(testSrv.URL + "/v1/training/stats")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRecordDecisionAndFeedback(t *testing.T) {
	d := recordDecision(t, model.RecordDecisionRequest{
		AgentType: "FILER",
		State:     json.RawMessage(`{"item":{"title":"Sort the inbox"}}`),
		Action:    json.RawMessage(`{"swimlane":"Project","priority":"Medium"}`),
	})
	// Version selected from the registry when none is supplied.
	assert.Equal(t, "gpt-4.1-mini-20250929", d.ModelVersion)
	assert.True(t, d.IsTrainingData)
	assert.Equal(t, creatorID, d.UserID)

	resp, err := authedRequest("PATCH",
		testSrv.URL+"/v1/decisions/"+d.ID.String()+"/feedback", creatorToken,
		model.FeedbackRequest{Feedback: "CONFIRMED"})
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	updated := decodeData[model.Decision](t, resp)
	require.NotNil(t, updated.UserFeedback)
	assert.Equal(t, model.FeedbackConfirmed, *updated.UserFeedback)
}

func TestFeedbackOnForeignDecisionIs404(t *testing.T) {
	d := recordDecision(t, model.RecordDecisionRequest{
		AgentType: "GUARDRAIL",
		State:     json.RawMessage(`{"proposedAction":"delete everything"}`),
		Action:    json.RawMessage(`{"verdict":"BLOCK"}`),
	})

	resp, err := authedRequest("PATCH",
		testSrv.URL+"/v1/decisions/"+d.ID.String()+"/feedback", stakeholderToken,
		model.FeedbackRequest{Feedback: "CORRECTED"})
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRecordDecisionValidation(t *testing.T) {
	cases := []struct {
		name string
		req  model.RecordDecisionRequest
	}{
		{"unknown agent type", model.RecordDecisionRequest{
			AgentType: "JANITOR",
			State:     json.RawMessage(`{}`),
			Action:    json.RawMessage(`{}`),
		}},
		{"missing state", model.RecordDecisionRequest{
			AgentType: "FILER",
			Action:    json.RawMessage(`{}`),
		}},
		{"confidence out of range", model.RecordDecisionRequest{
			AgentType:  "FILER",
			State:      json.RawMessage(`{}`),
			Action:     json.RawMessage(`{}`),
			Confidence: floatPtr(1.5),
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := authedRequest("POST", testSrv.URL+"/v1/decisions", creatorToken, tc.req)
			require.NoError(t, err)
			defer func() { _ = resp.Body.Close() }()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func floatPtr(f float64) *float64 { return &f }

func TestBatchEndpointsRequireInternalCredential(t *testing.T) {
	url := testSrv.URL + "/v1/training/track-outcomes"

	// A stakeholder token is authenticated but not allowed.
	resp, err := authedRequest("POST", url, stakeholderToken, nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// A wrong internal key never reaches the handler.
	resp2, err := internalRequest("POST", url, "wrong-key", nil)
	require.NoError(t, err)
	defer func() { _ = resp2.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp2.StatusCode)

	// The creator's own token is accepted alongside the internal key.
	resp3, err := authedRequest("POST", url, creatorToken, nil)
	require.NoError(t, err)
	defer func() { _ = resp3.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp3.StatusCode)
}

func TestPipelineEndToEnd(t *testing.T) {
	ctx := context.Background()

	item, err := testDB.CreateItem(ctx, model.Item{
		Title:           "Ship the quarterly report",
		RawInstructions: "Compile and send",
		Status:          model.StatusTodo,
		Swimlane:        swimlanePtr(model.SwimlaneProject),
		Priority:        priorityPtr(model.PriorityMedium),
		CreatedByUserID: creatorID,
	})
	require.NoError(t, err)

	conf := 0.9
	d := recordDecision(t, model.RecordDecisionRequest{
		AgentType:  "FILER",
		State:      json.RawMessage(`{"item":{"title":"Ship the quarterly report"}}`),
		Action:     json.RawMessage(`{"swimlane":"Project","priority":"Medium","confidence":0.9}`),
		ItemID:     &item.ID,
		Confidence: &conf,
	})

	resp, err := authedRequest("PATCH",
		testSrv.URL+"/v1/decisions/"+d.ID.String()+"/feedback", creatorToken,
		model.FeedbackRequest{Feedback: "CONFIRMED"})
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Drive the item through its lifecycle to DONE.
	_, err = testDB.UpdateItemStatus(ctx, item.ID, model.StatusCreating)
	require.NoError(t, err)
	_, err = testDB.UpdateItemStatus(ctx, item.ID, model.StatusDone)
	require.NoError(t, err)

	// Outcome tracking observes the decision and calculates its reward.
	resp2, err := internalRequest("POST", testSrv.URL+"/v1/training/track-outcomes",
		testInternalKey, map[string]any{"item_id": item.ID})
	require.NoError(t, err)
	defer func() { _ = resp2.Body.Close() }()
	require.Equal(t, http.StatusOK, resp2.StatusCode)

	res := decodeData[outcome.Result](t, resp2)
	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, 1, res.RewardsCalculated)

	got, err := testDB.GetDecision(ctx, d.ID)
	require.NoError(t, err)
	require.NotNil(t, got.OutcomeObservedAt)
	require.NotNil(t, got.Reward)
	require.NotNil(t, got.RewardComponents)
	// Confirmed feedback and successful completion both contribute.
	assert.InDelta(t, 1.0, got.RewardComponents.UserFeedback, 1e-9)
	assert.InDelta(t, 0.5, got.RewardComponents.CompletionSuccess, 1e-9)

	// The reward sweep finds nothing left for this decision.
	resp3, err := internalRequest("POST", testSrv.URL+"/v1/training/calculate-rewards",
		testInternalKey, nil)
	require.NoError(t, err)
	defer func() { _ = resp3.Body.Close() }()
	require.Equal(t, http.StatusOK, resp3.StatusCode)

	// The decision is now exportable.
	resp4, err := internalRequest("GET",
		testSrv.URL+"/v1/training/export?agent_type=FILER", testInternalKey, nil)
	require.NoError(t, err)
	defer func() { _ = resp4.Body.Close() }()
	require.Equal(t, http.StatusOK, resp4.StatusCode)
	assert.Equal(t, "application/x-ndjson", resp4.Header.Get("Content-Type"))
	assert.Contains(t, resp4.Header.Get("Content-Disposition"), "ocd-filer-training.jsonl")

	var found bool
	sc := bufio.NewScanner(resp4.Body)
	sc.Buffer(make([]byte, 1024*1024), 1024*1024)
	for sc.Scan() {
		var ex export.Example
		require.NoError(t, json.Unmarshal(sc.Bytes(), &ex))
		assert.Contains(t, ex.Prompt, "<|system|>")
		if ex.Metadata.DecisionID == d.ID {
			found = true
			assert.Contains(t, ex.Prompt, "Ship the quarterly report")
			assert.InDelta(t, *got.Reward, ex.Reward, 1e-9)
		}
	}
	require.NoError(t, sc.Err())
	assert.True(t, found, "exported dataset should contain the pipeline decision")
}

func swimlanePtr(s model.Swimlane) *model.Swimlane { return &s }

func priorityPtr(p model.Priority) *model.Priority { return &p }

func TestTrackOutcomesStatus(t *testing.T) {
	resp, err := internalRequest("GET", testSrv.URL+"/v1/training/track-outcomes",
		testInternalKey, nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	counts := decodeData[map[string]int](t, resp)
	_, ok := counts["pending_items"]
	assert.True(t, ok)
}

func TestTrainingStats(t *testing.T) {
	recordDecision(t, model.RecordDecisionRequest{
		AgentType: "PRIORITIZER",
		State:     json.RawMessage(`{"items":[]}`),
		Action:    json.RawMessage(`{"rankedItemIds":[]}`),
	})

	resp, err := authedRequest("GET", testSrv.URL+"/v1/training/stats", creatorToken, nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	stats := decodeData[model.TrainingStats](t, resp)
	assert.GreaterOrEqual(t, stats.TotalDecisions, 1)

	// Unknown agent type filter is rejected.
	resp2, err := authedRequest("GET",
		testSrv.URL+"/v1/training/stats?agent_type=JANITOR", creatorToken, nil)
	require.NoError(t, err)
	defer func() { _ = resp2.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
}

func TestRegistryEndpoint(t *testing.T) {
	resp, err := authedRequest("GET", testSrv.URL+"/v1/registry", creatorToken, nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	statuses := decodeData[[]model.RegistryStatus](t, resp)
	require.Len(t, statuses, len(model.AgentTypes))

	var prioritizer *model.RegistryStatus
	for i := range statuses {
		if statuses[i].AgentType == model.AgentPrioritizer {
			prioritizer = &statuses[i]
		}
	}
	require.NotNil(t, prioritizer)
	assert.Equal(t, "ocd-prioritizer-v2", prioritizer.PrimaryVersion)
	require.NotEmpty(t, prioritizer.Versions)
	assert.True(t, prioritizer.Versions[0].FineTuned)
}

func TestRunJobEndpoint(t *testing.T) {
	resp, err := internalRequest("POST", testSrv.URL+"/v1/jobs/track-outcomes",
		testInternalKey, nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp2, err := internalRequest("POST", testSrv.URL+"/v1/jobs/defrag",
		testInternalKey, nil)
	require.NoError(t, err)
	defer func() { _ = resp2.Body.Close() }()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
}

func TestExportRejectsBadQuery(t *testing.T) {
	for _, q := range []string{
		"agent_type=JANITOR",
		"agent_type=FILER&limit=-5",
		"agent_type=FILER&min_reward=abc",
	} {
		resp, err := internalRequest("GET",
			testSrv.URL+"/v1/training/export?"+q, testInternalKey, nil)
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "query %q", q)
	}
}

func TestSecurityHeaders(t *testing.T) {
	resp, err := http.Get(testSrv.URL + "/health")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))
}

func TestOversizedBodyRejected(t *testing.T) {
	big := strings.Repeat("x", 2*1024*1024)
	req := model.RecordDecisionRequest{
		AgentType: "FILER",
		State:     json.RawMessage(fmt.Sprintf(`{"pad":%q}`, big)),
		Action:    json.RawMessage(`{}`),
	}
	resp, err := authedRequest("POST", testSrv.URL+"/v1/decisions", creatorToken, req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
