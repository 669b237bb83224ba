package handler_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/govflow/internal/ai/mock"
	"github.com/kiranshivaraju/govflow/internal/api"
	"github.com/kiranshivaraju/govflow/internal/api/handler"
	mw "github.com/kiranshivaraju/govflow/internal/api/middleware"
	"github.com/kiranshivaraju/govflow/internal/interrupt"
	"github.com/kiranshivaraju/govflow/internal/jobs"
	"github.com/kiranshivaraju/govflow/internal/progress"
	"github.com/kiranshivaraju/govflow/internal/queue"
	"github.com/kiranshivaraju/govflow/internal/slotfill"
	"github.com/kiranshivaraju/govflow/internal/store"
	"github.com/kiranshivaraju/govflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ─── test fixtures ───────────────────────────────────────────────────────────

var (
	testRawKey  = "gfk_contract_key_1234567890"
	otherRawKey = "gfk_other0_key_1234567890"
	otherUserID = uuid.MustParse("bbbbbbbb-bbbb-bbbb-bbbb-bbbbbbbbbbbb")

	itrParams = map[string]string{
		"pan":           "ABCDE1234F",
		"mobile":        "9876543210",
		"bankAccount":   "123456789012",
		"financialYear": "2023-24",
		"income":        "800000",
		"deductions":    "0",
	}
)

// ─── in-memory cache ─────────────────────────────────────────────────────────

type memCache struct {
	mu       sync.Mutex
	data     map[string][]byte
	counters map[string]int64
}

func newMemCache() *memCache {
	return &memCache{data: map[string][]byte{}, counters: map[string]int64{}}
}

func (c *memCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

func (c *memCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *memCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

func (c *memCache) Ping(_ context.Context) error { return nil }

func (c *memCache) IncrWithExpiry(_ context.Context, key string, _ time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[key]++
	return c.counters[key], nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// ─── test harness ────────────────────────────────────────────────────────────

type serverOptions struct {
	classifier models.Classifier
	rateLimit  int
}

type testServer struct {
	server *httptest.Server
	store  *store.MemoryStore
	queue  *queue.MemoryQueue
	jobs   *jobs.Service
	coord  *interrupt.Coordinator
	hub    *progress.Hub
	clock  *clock
	owner  uuid.UUID
}

func newTestServer(t *testing.T) *testServer {
	return newTestServerWith(t, serverOptions{})
}

func newTestServerWith(t *testing.T, opts serverOptions) *testServer {
	t.Helper()
	ctx := context.Background()
	if opts.classifier == nil {
		opts.classifier = mock.NewMockClassifier()
	}
	if opts.rateLimit == 0 {
		opts.rateLimit = 1000
	}

	ts := &testServer{
		store: store.NewMemoryStore(),
		queue: queue.NewMemoryQueue(),
		hub:   progress.NewHub(64, nil),
		clock: &clock{now: time.Now().UTC()},
		owner: store.DefaultUserID,
	}
	mc := newMemCache()

	for _, k := range []struct {
		raw    string
		user   uuid.UUID
		scopes []string
	}{
		{testRawKey, ts.owner, []string{"read", "write", "admin"}},
		{otherRawKey, otherUserID, []string{"read", "write"}},
	} {
		key, err := handler.NewAPIKey(k.user, "test-"+k.raw[:8], k.raw, k.scopes)
		require.NoError(t, err)
		require.NoError(t, ts.store.CreateAPIKey(ctx, key))
	}
	require.NoError(t, ts.store.CreateUser(ctx, &models.User{ID: otherUserID, Name: "other", Email: "other@example.com"}))
	require.NoError(t, ts.store.UpsertProfile(ctx, &models.Profile{UserID: ts.owner, Fields: map[string]string{
		"pan":         "ABCDE1234F",
		"mobile":      "9876543210",
		"bankAccount": "123456789012",
	}}))

	ts.jobs = jobs.NewService(ts.store, ts.queue, ts.hub, jobs.DefaultPolicy(),
		jobs.WithEnqueueAttempts(1, 0), jobs.WithClock(ts.clock.Now))
	ts.coord = interrupt.New(ts.jobs, 5*time.Minute, nil)
	t.Cleanup(ts.coord.Stop)

	policy := slotfill.DefaultPolicy()
	policy.RetryBase = time.Millisecond
	conv := slotfill.NewService(opts.classifier, ts.store, mc, policy)

	router := api.NewRouter(api.Dependencies{
		Auth:      mw.NewAuth(ts.store),
		RateLimit: mw.NewRateLimit(mc, opts.rateLimit),

		HealthHandler:   handler.NewHealthHandler(ts.store, mc, ts.queue, nil),
		JobTypesHandler: handler.NewJobTypesHandler(),

		CreateJobHandler:   handler.NewCreateJobHandler(ts.jobs, conv),
		ClarifyHandler:     handler.NewClarifyHandler(ts.jobs, conv),
		ListJobsHandler:    handler.NewListJobsHandler(ts.jobs),
		GetJobHandler:      handler.NewGetJobHandler(ts.jobs),
		JobStatusHandler:   handler.NewJobStatusHandler(ts.jobs),
		CancelJobHandler:   handler.NewCancelJobHandler(ts.coord),
		RetryJobHandler:    handler.NewRetryJobHandler(ts.jobs),
		SupplyInputHandler: handler.NewSupplyInputHandler(ts.coord),
		EventsHandler:      handler.NewEventsHandler(ts.hub, 50*time.Millisecond),

		GetProfileHandler: handler.NewGetProfileHandler(ts.store),
		PutProfileHandler: handler.NewPutProfileHandler(ts.store),

		CreateKeyHandler:  handler.NewCreateKeyHandler(ts.store),
		ListKeysHandler:   handler.NewListKeysHandler(ts.store),
		RevokeKeyHandler:  handler.NewRevokeKeyHandler(ts.store),
		CreateUserHandler: handler.NewCreateUserHandler(ts.store),
	})
	ts.server = httptest.NewServer(router)
	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) request(t *testing.T, key, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.server.URL+path, &buf)
	require.NoError(t, err)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	return ts.request(t, testRawKey, method, path, body)
}

// suspended creates a job and parks it on a captcha request as worker w1.
func (ts *testServer) suspended(t *testing.T) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	job, err := ts.jobs.Submit(ctx, ts.owner, models.JobTypeFileITR, itrParams)
	require.NoError(t, err)
	_, err = ts.queue.Claim(ctx)
	require.NoError(t, err)
	_, err = ts.jobs.BeginAttempt(ctx, job.ID, "w1", time.Minute)
	require.NoError(t, err)
	_, err = ts.coord.Suspend(ctx, job.ID, "w1", jobs.InputRequest{
		Kind:   "captcha",
		Prompt: "Enter the characters shown",
		Aux:    map[string]string{"image": "captcha/abc.png"},
	})
	require.NoError(t, err)
	return job.ID
}

func parseBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func data(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	return parseBody(t, resp)["data"].(map[string]any)
}

func errCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	return parseBody(t, resp)["error"].(map[string]any)["code"].(string)
}

// ─── health and catalog ──────────────────────────────────────────────────────

func TestHealth_200_AllOK(t *testing.T) {
	ts := newTestServer(t)
	_, err := ts.jobs.Submit(context.Background(), ts.owner, models.JobTypeFileITR, itrParams)
	require.NoError(t, err)

	resp := ts.request(t, "", "GET", "/api/v1/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	d := data(t, resp)
	assert.Equal(t, "ok", d["status"])
	assert.Equal(t, float64(1), d["queue_depth"].(map[string]any)["ready"])
}

func TestJobTypes_200_Public(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.request(t, "", "GET", "/api/v1/job-types", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	list := parseBody(t, resp)["data"].([]any)
	require.Len(t, list, 2)
	first := list[0].(map[string]any)
	assert.Equal(t, "file_itr", first["job_type"])
	assert.NotEmpty(t, first["fields"])
	assert.Equal(t, float64(240), first["estimated_duration_seconds"])
}

// ─── job creation ────────────────────────────────────────────────────────────

func TestCreateJob_201_Structured(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, "POST", "/api/v1/jobs", map[string]any{
		"job_type":   "file_itr",
		"parameters": itrParams,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	d := data(t, resp)
	assert.Equal(t, "job", d["kind"])
	job := d["job"].(map[string]any)
	assert.Equal(t, "queued", job["status"])
	assert.Len(t, job["progress_log"], 2)

	depth, err := ts.queue.Depth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth.Ready)
}

func TestCreateJob_400_ValidationError(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, "POST", "/api/v1/jobs", map[string]any{
		"job_type":   "file_itr",
		"parameters": map[string]string{"pan": "ABCDE1234F"},
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	errObj := parseBody(t, resp)["error"].(map[string]any)
	assert.Equal(t, "VALIDATION_ERROR", errObj["code"])
	missing := errObj["details"].(map[string]any)["missing"].([]any)
	assert.Contains(t, missing, "income")
	assert.NotContains(t, missing, "pan")

	jobsList, err := ts.jobs.List(context.Background(), ts.owner, false, 10)
	require.NoError(t, err)
	assert.Empty(t, jobsList)
}

func TestCreateJob_400_UnknownJobTypeAndBadJSON(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, "POST", "/api/v1/jobs", map[string]any{"job_type": "renew_licence"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION_ERROR", errCode(t, resp))

	req, _ := http.NewRequest("POST", ts.server.URL+"/api/v1/jobs", strings.NewReader("{not json"))
	req.Header.Set("Authorization", "Bearer "+testRawKey)
	raw, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer raw.Body.Close()
	assert.Equal(t, http.StatusBadRequest, raw.StatusCode)
	assert.Equal(t, "INVALID_REQUEST", errCode(t, raw))
}

func TestCreateJob_201_MessageReadyWithoutClarification(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, "POST", "/api/v1/jobs", map[string]any{
		"message": "file ITR, income 8 lakhs, FY 2023-24, no deductions",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	job := data(t, resp)["job"].(map[string]any)
	assert.Equal(t, "file_itr", job["job_type"])
	params := job["input_parameters"].(map[string]any)
	assert.Equal(t, "800000", params["income"])
	assert.Equal(t, "ABCDE1234F", params["pan"])
}

func TestCreateJob_ClarifyThenCreate(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, "POST", "/api/v1/jobs", map[string]any{"message": "file my ITR"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	d := data(t, resp)
	assert.Equal(t, "clarify", d["kind"])
	assert.Len(t, d["missing_fields"], 3)
	assert.Contains(t, d["message"], "financial year, annual income and deductions claimed")
	convID := d["conversation_id"].(string)
	assert.Equal(t, float64(1), d["conversation_context"].(map[string]any)["clarification_attempts"])

	resp = ts.do(t, "POST", "/api/v1/jobs/clarify", map[string]any{
		"conversation_id": convID,
		"response":        "FY 2023-24, income 8 lakhs, no deductions",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	job := data(t, resp)["job"].(map[string]any)
	assert.Equal(t, "queued", job["status"])

	// The conversation is gone once the job exists.
	resp = ts.do(t, "POST", "/api/v1/jobs/clarify", map[string]any{
		"conversation_id": convID,
		"response":        "hello?",
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateJob_MessageWithConversationContext(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, "POST", "/api/v1/jobs", map[string]any{
		"message": "no deductions",
		"conversation_context": map[string]any{
			"conversation_id":        uuid.NewString(),
			"job_type":               "file_itr",
			"extracted_parameters":   map[string]string{"financialYear": "2023-24", "income": "800000"},
			"clarification_attempts": 1,
		},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestClarify_422_Exhausted(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, "POST", "/api/v1/jobs", map[string]any{"message": "file my ITR"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	convID := data(t, resp)["conversation_id"].(string)

	for i := 0; i < 2; i++ {
		resp = ts.do(t, "POST", "/api/v1/jobs/clarify", map[string]any{"conversation_id": convID, "response": "no idea"})
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp = ts.do(t, "POST", "/api/v1/jobs/clarify", map[string]any{"conversation_id": convID, "response": "still no idea"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "CLARIFICATION_EXHAUSTED", errCode(t, resp))
}

func TestCreateJob_200_Rephrase(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, "POST", "/api/v1/jobs", map[string]any{"message": "what's the weather like"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	d := data(t, resp)
	assert.Equal(t, "rephrase", d["kind"])
	assert.NotContains(t, d, "conversation_id")
}

func TestCreateJob_503_ClassificationFailed(t *testing.T) {
	ts := newTestServerWith(t, serverOptions{classifier: mock.NewSequenceClassifier(
		mock.Result{Response: models.ClassificationResponse{JobType: "invented_type", Confidence: 0.99}},
	)})

	resp := ts.do(t, "POST", "/api/v1/jobs", map[string]any{"message": "do something"})
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	errObj := parseBody(t, resp)["error"].(map[string]any)
	assert.Equal(t, "CLASSIFICATION_FAILED", errObj["code"])
	assert.Contains(t, errObj["message"], "please try again")
}

func TestClarify_400_BadConversationID(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, "POST", "/api/v1/jobs/clarify", map[string]any{"conversation_id": "nope", "response": "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// ─── job control ─────────────────────────────────────────────────────────────

func TestGetJob_StatusAndOwnership(t *testing.T) {
	ts := newTestServer(t)
	job, err := ts.jobs.Submit(context.Background(), ts.owner, models.JobTypeFileITR, itrParams)
	require.NoError(t, err)
	path := "/api/v1/jobs/" + job.ID.String()

	resp := ts.do(t, "GET", path, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, job.ID.String(), data(t, resp)["id"])

	resp = ts.do(t, "GET", path+"/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	status := data(t, resp)
	assert.Equal(t, "queued", status["status"])
	assert.Equal(t, false, status["is_complete"])
	assert.Equal(t, "queued", status["last_log_entry"].(map[string]any)["step"])

	resp = ts.request(t, otherRawKey, "GET", path, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", errCode(t, resp))

	resp = ts.do(t, "GET", "/api/v1/jobs/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListJobs_ActiveFilter(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	a, err := ts.jobs.Submit(ctx, ts.owner, models.JobTypeFileITR, itrParams)
	require.NoError(t, err)
	_, err = ts.jobs.Submit(ctx, ts.owner, models.JobTypeFileITR, itrParams)
	require.NoError(t, err)
	_, err = ts.jobs.Cancel(ctx, ts.owner, a.ID)
	require.NoError(t, err)

	resp := ts.do(t, "GET", "/api/v1/jobs", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, parseBody(t, resp)["data"], 2)

	resp = ts.do(t, "GET", "/api/v1/jobs?active=true", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, parseBody(t, resp)["data"], 1)

	resp = ts.request(t, otherRawKey, "GET", "/api/v1/jobs", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, parseBody(t, resp)["data"])

	resp = ts.do(t, "GET", "/api/v1/jobs?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCancelAndRetry(t *testing.T) {
	ts := newTestServer(t)
	job, err := ts.jobs.Submit(context.Background(), ts.owner, models.JobTypeFileITR, itrParams)
	require.NoError(t, err)
	path := "/api/v1/jobs/" + job.ID.String()

	resp := ts.do(t, "POST", path+"/retry", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "ILLEGAL_TRANSITION", errCode(t, resp))

	resp = ts.do(t, "POST", path+"/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "cancelled", data(t, resp)["status"])

	resp = ts.do(t, "POST", path+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "ILLEGAL_TRANSITION", errCode(t, resp))

	resp = ts.do(t, "POST", path+"/retry", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	retried := data(t, resp)
	assert.Equal(t, job.ID.String(), retried["retry_of"])
	assert.Equal(t, "queued", retried["status"])
}

func TestFailedJob_DoesNotExposeDetail(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	job, err := ts.jobs.Submit(ctx, ts.owner, models.JobTypeFileITR, itrParams)
	require.NoError(t, err)
	_, err = ts.jobs.BeginAttempt(ctx, job.ID, "w1", time.Minute)
	require.NoError(t, err)
	_, err = ts.jobs.Fail(ctx, job.ID, "w1", jobs.NewJobError(jobs.CodeExecutionFailed, "selector #submit-btn not found at step 7", false))
	require.NoError(t, err)

	resp := ts.do(t, "GET", "/api/v1/jobs/"+job.ID.String(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)

	assert.NotContains(t, buf.String(), "submit-btn")
	assert.Contains(t, buf.String(), jobs.UserMessage(jobs.CodeExecutionFailed))
}

// ─── input supply ────────────────────────────────────────────────────────────

func TestSupplyInput_ResumesJob(t *testing.T) {
	ts := newTestServer(t)
	id := ts.suspended(t)
	path := "/api/v1/jobs/" + id.String() + "/input"

	resp := ts.do(t, "GET", "/api/v1/jobs/"+id.String()+"/status", nil)
	pending := data(t, resp)["pending_input"].(map[string]any)
	assert.Equal(t, "captcha", pending["input_kind"])
	assert.Equal(t, "captcha/abc.png", pending["auxiliary_data"].(map[string]any)["image"])

	resp = ts.do(t, "POST", path, map[string]any{"input_kind": "otp", "value": "123456"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "INPUT_KIND_MISMATCH", errCode(t, resp))

	resp = ts.request(t, otherRawKey, "POST", path, map[string]any{"input_kind": "captcha", "value": "ABCD12"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = ts.do(t, "POST", path, map[string]any{"input_kind": "captcha", "value": ""})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.do(t, "POST", path, map[string]any{"input_kind": "captcha", "value": "ABCD12"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "processing", data(t, resp)["status"])

	resp = ts.do(t, "POST", path, map[string]any{"input_kind": "captcha", "value": "ABCD12"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "STALE_INPUT", errCode(t, resp))
}

func TestSupplyInput_410_AfterExpiry(t *testing.T) {
	ts := newTestServer(t)
	id := ts.suspended(t)
	path := "/api/v1/jobs/" + id.String() + "/input"

	ts.clock.Advance(6 * time.Minute)
	resp := ts.do(t, "POST", path, map[string]any{"input_kind": "captcha", "value": "ABCD12"})
	require.Equal(t, http.StatusGone, resp.StatusCode)
	errObj := parseBody(t, resp)["error"].(map[string]any)
	assert.Equal(t, "INPUT_TIMEOUT", errObj["code"])
	assert.Equal(t, "failed", errObj["details"].(map[string]any)["status"])

	resp = ts.do(t, "POST", path, map[string]any{"input_kind": "captcha", "value": "ABCD12"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "STALE_INPUT", errCode(t, resp))

	resp = ts.do(t, "GET", "/api/v1/jobs/"+id.String(), nil)
	jobErr := data(t, resp)["error"].(map[string]any)
	assert.Equal(t, "INPUT_TIMEOUT", jobErr["code"])
}

// ─── event stream ────────────────────────────────────────────────────────────

func TestEvents_StreamsOwnProgress(t *testing.T) {
	ts := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	req, err := http.NewRequestWithContext(ctx, "GET", ts.server.URL+"/api/v1/events?access_token="+testRawKey, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := make(chan string, 64)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()
	require.Equal(t, "retry: 3000", <-lines)

	// Another owner's job must not show up on this stream.
	_, err = ts.jobs.Submit(context.Background(), otherUserID, models.JobTypeFileITR, itrParams)
	require.NoError(t, err)
	job, err := ts.jobs.Submit(context.Background(), ts.owner, models.JobTypeFileITR, itrParams)
	require.NoError(t, err)

	var events []map[string]any
	heartbeat := false
	deadline := time.After(2 * time.Second)
	for len(events) < 2 || !heartbeat {
		select {
		case line, ok := <-lines:
			require.True(t, ok, "stream closed early")
			if line == ": heartbeat" {
				heartbeat = true
			}
			if payload, found := strings.CutPrefix(line, "data: "); found {
				var ev map[string]any
				require.NoError(t, json.Unmarshal([]byte(payload), &ev))
				events = append(events, ev)
			}
		case <-deadline:
			t.Fatalf("timed out with %d events, heartbeat=%v", len(events), heartbeat)
		}
	}

	for _, ev := range events {
		assert.Equal(t, job.ID.String(), ev["jobId"])
	}
	assert.Equal(t, float64(1), events[0]["seq"])
	assert.Equal(t, "pending", events[0]["status"])
	assert.Equal(t, float64(2), events[1]["seq"])
	assert.Equal(t, "queued", events[1]["status"])
}

func TestEvents_401_WithoutKey(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.request(t, "", "GET", "/api/v1/events", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Zero(t, ts.hub.Subscribers(ts.owner))
}

// ─── profile ─────────────────────────────────────────────────────────────────

func TestProfile_GetAndPut(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, "GET", "/api/v1/profile", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	fields := data(t, resp)["fields"].(map[string]any)
	assert.Equal(t, "******234F", fields["pan"])

	resp = ts.do(t, "PUT", "/api/v1/profile", map[string]any{
		"fields": map[string]string{"city": "Pune", "portal_password": "hunter2"},
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	errObj := parseBody(t, resp)["error"].(map[string]any)
	assert.Equal(t, []any{"portal_password"}, errObj["details"].(map[string]any)["rejected"])

	resp = ts.do(t, "PUT", "/api/v1/profile", map[string]any{
		"fields": map[string]string{"city": "Pune", "bankAccount": ""},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	fields = data(t, resp)["fields"].(map[string]any)
	assert.Equal(t, "Pune", fields["city"])
	assert.NotContains(t, fields, "bankAccount")

	stored, err := ts.store.GetProfile(context.Background(), ts.owner)
	require.NoError(t, err)
	assert.Equal(t, "ABCDE1234F", stored.Fields["pan"])

	resp = ts.request(t, otherRawKey, "GET", "/api/v1/profile", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, data(t, resp)["fields"])
}

// ─── admin ───────────────────────────────────────────────────────────────────

func TestAdmin_UserAndKeyLifecycle(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, "POST", "/api/v1/admin/users", map[string]any{"name": "asha", "email": "asha@example.com"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	userID := data(t, resp)["id"].(string)

	resp = ts.do(t, "POST", "/api/v1/admin/users", map[string]any{"name": "asha", "email": "asha@example.com"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = ts.do(t, "POST", "/api/v1/admin/users", map[string]any{"name": "x", "email": "not-an-email"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.do(t, "POST", "/api/v1/admin/keys", map[string]any{"name": "cli", "user_id": userID})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := data(t, resp)
	rawKey := created["key"].(string)
	keyID := created["id"].(string)
	assert.True(t, strings.HasPrefix(rawKey, "gfk_"))
	assert.Equal(t, []any{"read", "write"}, created["scopes"])

	resp = ts.request(t, rawKey, "GET", "/api/v1/jobs", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = ts.do(t, "GET", "/api/v1/admin/keys?user_id="+userID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var buf bytes.Buffer
	_, err := buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), keyID)
	assert.NotContains(t, buf.String(), rawKey)
	assert.NotContains(t, buf.String(), "key_hash")

	resp = ts.do(t, "DELETE", "/api/v1/admin/keys/"+keyID+"?user_id="+userID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = ts.request(t, rawKey, "GET", "/api/v1/jobs", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAdmin_CreateKey_Validation(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, "POST", "/api/v1/admin/keys", map[string]any{"name": ""})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.do(t, "POST", "/api/v1/admin/keys", map[string]any{"name": "k", "scopes": []string{"root"}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.do(t, "POST", "/api/v1/admin/keys", map[string]any{"name": "k", "user_id": uuid.NewString()})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAdminEndpoints_403_WithoutAdminScope(t *testing.T) {
	ts := newTestServer(t)

	endpoints := []struct {
		method string
		path   string
	}{
		{"POST", "/api/v1/admin/keys"},
		{"GET", "/api/v1/admin/keys"},
		{"DELETE", "/api/v1/admin/keys/" + uuid.NewString()},
		{"POST", "/api/v1/admin/users"},
	}
	for _, ep := range endpoints {
		t.Run(ep.method+" "+ep.path, func(t *testing.T) {
			resp := ts.request(t, otherRawKey, ep.method, ep.path, map[string]any{})
			assert.Equal(t, http.StatusForbidden, resp.StatusCode)
			assert.Equal(t, "FORBIDDEN", errCode(t, resp))
		})
	}
}

// ─── auth and rate limits ────────────────────────────────────────────────────

func TestAuth_InvalidBearerToken(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.request(t, "gfk_contract_key_wrong_secret", "GET", "/api/v1/jobs", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "INVALID_TOKEN", errCode(t, resp))
}

func TestRateLimit_429_Exceeded(t *testing.T) {
	ts := newTestServerWith(t, serverOptions{rateLimit: 3})

	for i := 0; i < 3; i++ {
		resp := ts.do(t, "GET", "/api/v1/jobs", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.NotEmpty(t, resp.Header.Get("X-RateLimit-Remaining"))
	}
	resp := ts.do(t, "GET", "/api/v1/jobs", nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", errCode(t, resp))

	// Limits are per user.
	resp = ts.request(t, otherRawKey, "GET", "/api/v1/jobs", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestResponseFormat_ErrorEnvelope(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, "GET", "/api/v1/jobs/"+uuid.NewString(), nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	body := parseBody(t, resp)
	errObj := body["error"].(map[string]any)
	assert.NotEmpty(t, errObj["code"])
	assert.NotEmpty(t, errObj["message"])
	assert.NotContains(t, body, "data")
}
