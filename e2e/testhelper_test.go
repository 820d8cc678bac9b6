package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"

	"github.com/sessionlens/api/internal/analysis"
	"github.com/sessionlens/api/internal/attempt"
	"github.com/sessionlens/api/internal/audio"
	"github.com/sessionlens/api/internal/auth"
	"github.com/sessionlens/api/internal/client"
	"github.com/sessionlens/api/internal/handler"
	"github.com/sessionlens/api/internal/logging"
	"github.com/sessionlens/api/internal/middleware"
	"github.com/sessionlens/api/internal/model"
	"github.com/sessionlens/api/internal/pipeline"
	"github.com/sessionlens/api/internal/roles"
	"github.com/sessionlens/api/internal/service"
	"github.com/sessionlens/api/internal/store"
	"github.com/sessionlens/api/internal/worker"
)

const testJWTSecret = "test-secret-for-e2e"

var completions = map[model.AnalysisKind]string{
	model.KindMood:         `{"score": 6.2, "confidence": 0.8, "rationale": "Tired but engaged.", "indicators": ["barely slept"]}`,
	model.KindTopic:        `{"topics": ["sleep", "work stress", "family"], "action_items": ["walk after work"], "technique": "behavioral activation", "summary": "Talked about a hard week and what helped."}`,
	model.KindBreakthrough: `{"has_breakthrough": true, "candidate": {"type": "insight", "description": "Saw that evening walks help.", "confidence": 0.6, "evidence": ["the walks helped"]}}`,
	model.KindDeep:         `{"progress": {"summary": "Coping under load.", "trajectory": "stable"}, "insights": ["activity lifts mood"], "confidence": 0.65}`,
}

// fakeCompleter answers by analysis kind, recognized from the schema title.
type fakeCompleter struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeCompleter) Complete(ctx context.Context, req client.CompletionRequest) (string, error) {
	var schema struct {
		Title model.AnalysisKind `json:"title"`
	}
	if err := json.Unmarshal(req.Schema, &schema); err != nil {
		return "", err
	}
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return completions[schema.Title], nil
}

type fakeSpeech struct{}

func (fakeSpeech) Transcribe(ctx context.Context, wav []byte) ([]model.TranscriptSegment, error) {
	return []model.TranscriptSegment{
		{Start: 0, End: 3, Text: "Welcome back, how was the week?"},
		{Start: 3.2, End: 9, Text: "Honestly it was hard, I barely slept and work kept piling up on me."},
		{Start: 9.1, End: 11.5, Text: "What helped, even a little?"},
	}, nil
}

func (fakeSpeech) Diarize(ctx context.Context, wav []byte) ([]model.SpeakerTurn, error) {
	return []model.SpeakerTurn{
		{Start: 0, End: 3.1, SpeakerID: "SPEAKER_00"},
		{Start: 3.1, End: 9.05, SpeakerID: "SPEAKER_01"},
		{Start: 9.05, End: 11.6, SpeakerID: "SPEAKER_00"},
	}, nil
}

// taskQueue collects enqueued tasks until the test drains them.
type taskQueue struct {
	mu    sync.Mutex
	tasks []*asynq.Task
}

func (q *taskQueue) Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, task)
	return &asynq.TaskInfo{Type: task.Type()}, nil
}

func (q *taskQueue) pop() *asynq.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return nil
	}
	task := q.tasks[0]
	q.tasks = q.tasks[1:]
	return task
}

func (q *taskQueue) pending() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	var types []string
	for _, task := range q.tasks {
		types = append(types, task.Type())
	}
	return types
}

// testApp holds all components needed for testing
type testApp struct {
	app       *fiber.App
	store     *store.Store
	queue     *taskQueue
	worker    *worker.SessionWorker
	completer *fakeCompleter
}

// setupApp builds the HTTP surface the way the serve command does, over an
// in-memory store, local disk storage and fake AI services.
func setupApp(t *testing.T) *testApp {
	t.Helper()

	log := logging.Discard()

	files, err := client.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	st := store.NewMemory()
	queue := &taskQueue{}
	policy := attempt.Policy{MaxRetries: 3, BaseDelay: time.Millisecond, Timeout: time.Second}

	proc := pipeline.NewProcessor(st, files, audio.NewPreprocessor(audio.DefaultConfig(), log), fakeSpeech{}, fakeSpeech{},
		pipeline.Options{Roles: roles.DefaultConfig(), MaxAlignmentGap: 5, Retry: policy}, nil, log)

	catalog, err := analysis.LoadCatalog()
	require.NoError(t, err)
	completer := &fakeCompleter{}
	runner := analysis.NewRunner(completer, st, catalog, analysis.DefaultRules(), policy, log)
	orch := analysis.NewOrchestrator(st, runner, nil, 5, log)

	svc := service.NewSessionService(st, files, queue, log)
	sessionHandler := handler.NewSessionHandler(svc, validator.New(), log)

	rateLimiter := middleware.NewRateLimiter(nil, log)
	authMiddleware := middleware.NewAuthMiddleware(testJWTSecret)

	app := fiber.New(fiber.Config{
		ErrorHandler: handler.ErrorHandler,
		BodyLimit:    handler.MaxUploadSize,
	})
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Get("/auth/verify", handler.NewAuthHandler(testJWTSecret).Verify)

	api := app.Group("/api", authMiddleware.Authenticate())
	sessionHandler.Register(api, rateLimiter.UploadLimit(10000), rateLimiter.AnalyzeLimit(10000))

	return &testApp{
		app:       app,
		store:     st,
		queue:     queue,
		worker:    worker.NewSessionWorker(proc, orch, svc, log),
		completer: completer,
	}
}

// drain runs queued tasks until none are left.
func (ta *testApp) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for task := ta.queue.pop(); task != nil; task = ta.queue.pop() {
		var err error
		switch task.Type() {
		case service.TaskTypeProcess:
			err = ta.worker.ProcessTask(ctx, task)
		case service.TaskTypeAnalyze:
			err = ta.worker.AnalyzeTask(ctx, task)
		}
		require.NoError(t, err, "task %s", task.Type())
	}
}

// generateToken signs a bearer token for test requests.
func generateToken(t *testing.T) string {
	t.Helper()
	token, err := auth.IssueToken("test-user-123", "test@example.com", testJWTSecret, time.Hour)
	if err != nil {
		t.Fatalf("failed to generate test token: %v", err)
	}
	return token
}

// toneWAV is a sine recording long enough to pass preprocessing.
func toneWAV(t *testing.T, seconds float64) []byte {
	t.Helper()
	const rate = 16000
	samples := make([]float64, int(rate*seconds))
	for i := range samples {
		samples[i] = 0.3 * math.Sin(2*math.Pi*220*float64(i)/rate)
	}
	data, err := audio.EncodeWAV(&audio.Buffer{SampleRate: rate, Samples: samples})
	require.NoError(t, err)
	return data
}

// uploadRequest builds a multipart session upload.
func uploadRequest(t *testing.T, token string, fields map[string]string, wav []byte) *http.Request {
	t.Helper()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	for k, v := range fields {
		_ = writer.WriteField(k, v)
	}
	if wav != nil {
		partHeader := make(textproto.MIMEHeader)
		partHeader.Set("Content-Disposition", `form-data; name="audio"; filename="session.wav"`)
		partHeader.Set("Content-Type", "audio/wav")
		part, err := writer.CreatePart(partHeader)
		if err != nil {
			t.Fatalf("failed to create form file: %v", err)
		}
		_, _ = part.Write(wav)
	}
	writer.Close()

	req, err := http.NewRequest(http.MethodPost, "/api/sessions", &buf)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

// createSession uploads a recording and returns its id.
func createSession(t *testing.T, ta *testApp) string {
	t.Helper()
	resp, err := ta.app.Test(uploadRequest(t, generateToken(t), map[string]string{
		"subjectId":  "subj-1",
		"title":      "Week 3",
		"recordedAt": "2026-03-02T10:00:00Z",
	}, toneWAV(t, 12)), -1)
	require.NoError(t, err)
	assertStatus(t, resp, http.StatusAccepted)
	id, _ := parseJSON(t, resp)["sessionId"].(string)
	require.NotEmpty(t, id)
	return id
}

// doRequest is a helper to perform HTTP requests against the test app.
func doRequest(app *fiber.App, method, path string, body string, headers map[string]string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, path, bodyReader)
	if err != nil {
		return nil, err
	}

	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return app.Test(req, -1)
}

// doAuthRequest performs an authenticated request.
func doAuthRequest(t *testing.T, app *fiber.App, method, path, body string) *http.Response {
	t.Helper()
	resp, err := doRequest(app, method, path, body, map[string]string{
		"Authorization": "Bearer " + generateToken(t),
	})
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func sessionPath(id string, parts ...string) string {
	p := fmt.Sprintf("/api/sessions/%s", id)
	for _, part := range parts {
		p += "/" + part
	}
	return p
}

// readBody reads and returns the response body as a string.
func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return string(b)
}

// parseJSON parses response body into a map.
func parseJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	body := readBody(t, resp)
	var result map[string]interface{}
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		t.Fatalf("failed to parse JSON: %v\nbody: %s", err, body)
	}
	return result
}

// assertStatus checks the HTTP status code.
func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("expected status %d, got %d", expected, resp.StatusCode)
	}
}

// errorCode extracts error.code from an error envelope.
func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	body := parseJSON(t, resp)
	errObj, ok := body["error"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected error envelope, got %v", body)
	}
	code, _ := errObj["code"].(string)
	return code
}
