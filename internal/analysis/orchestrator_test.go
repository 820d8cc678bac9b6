package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sessionlens/api/internal/apperr"
	"github.com/sessionlens/api/internal/attempt"
	"github.com/sessionlens/api/internal/client"
	"github.com/sessionlens/api/internal/model"
	"github.com/sessionlens/api/internal/store"
)

var baseTime = time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

func testTime(weeks int) time.Time {
	return baseTime.AddDate(0, 0, 7*weeks)
}

var okResponses = map[model.AnalysisKind]string{
	model.KindMood:         `{"score": 6.2, "confidence": 0.8, "rationale": "Engaged and hopeful.", "indicators": ["laughed"]}`,
	model.KindTopic:        `{"topics": ["sleep"], "action_items": ["keep a sleep diary"], "technique": "CBT-I", "summary": "Reviewed sleep routine."}`,
	model.KindBreakthrough: `{"has_breakthrough": true, "candidate": {"type": "insight", "description": "Linked worry to bedtime.", "confidence": 0.9, "evidence": ["I never noticed that"]}}`,
	model.KindDeep:         `{"progress": {"summary": "Sleep is improving.", "trajectory": "improving"}, "insights": ["routine helps"], "confidence": 0.7}`,
}

// fakeCompleter answers by analysis kind, recognized from the schema title.
type fakeCompleter struct {
	mu      sync.Mutex
	calls   map[model.AnalysisKind]int
	prompts map[model.AnalysisKind]string
	respond func(kind model.AnalysisKind, call int) (string, error)
}

func newFakeCompleter(respond func(kind model.AnalysisKind, call int) (string, error)) *fakeCompleter {
	if respond == nil {
		respond = func(kind model.AnalysisKind, _ int) (string, error) { return okResponses[kind], nil }
	}
	return &fakeCompleter{
		calls:   map[model.AnalysisKind]int{},
		prompts: map[model.AnalysisKind]string{},
		respond: respond,
	}
}

func (f *fakeCompleter) Complete(ctx context.Context, req client.CompletionRequest) (string, error) {
	var schema struct {
		Title model.AnalysisKind `json:"title"`
	}
	if err := json.Unmarshal(req.Schema, &schema); err != nil {
		return "", err
	}
	f.mu.Lock()
	f.calls[schema.Title]++
	n := f.calls[schema.Title]
	f.prompts[schema.Title] = req.User
	f.mu.Unlock()
	return f.respond(schema.Title, n)
}

func (f *fakeCompleter) count(kind model.AnalysisKind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[kind]
}

func (f *fakeCompleter) prompt(kind model.AnalysisKind) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prompts[kind]
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []model.SessionEvent
}

func (n *recordingNotifier) Publish(ev model.SessionEvent) {
	n.mu.Lock()
	n.events = append(n.events, ev)
	n.mu.Unlock()
}

func (n *recordingNotifier) last() model.SessionEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.events[len(n.events)-1]
}

type fakeGoals struct {
	goals []model.Goal
	err   error
}

func (g fakeGoals) ActiveGoals(ctx context.Context, subjectID string) ([]model.Goal, error) {
	return g.goals, g.err
}

type harness struct {
	store     *store.Store
	completer *fakeCompleter
	notifier  *recordingNotifier
	orch      *Orchestrator
}

func newHarness(t *testing.T, completer *fakeCompleter, goals client.GoalsProvider) *harness {
	t.Helper()
	catalog, err := LoadCatalog()
	require.NoError(t, err)

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	log := logrus.NewEntry(logger)

	st := store.NewMemory()
	notifier := &recordingNotifier{}
	policy := attempt.Policy{MaxRetries: 3, BaseDelay: time.Millisecond, Timeout: time.Second}
	runner := NewRunner(completer, st, catalog, DefaultRules(), policy, log, WithNotifier(notifier))
	return &harness{
		store:     st,
		completer: completer,
		notifier:  notifier,
		orch:      NewOrchestrator(st, runner, goals, 5, log),
	}
}

// alignedSession creates a session whose transcript is ready for analysis.
func (h *harness) alignedSession(t *testing.T, subject string, at time.Time) *model.Session {
	t.Helper()
	ctx := context.Background()
	sess := model.NewSession(uuid.NewString(), subject, at)
	sess.RecordedAt = &at
	require.NoError(t, h.store.Create(ctx, sess))
	for _, st := range []model.ProcessingStatus{model.ProcessingTranscribing, model.ProcessingTranscribed, model.ProcessingDiarizing} {
		_, err := h.store.SetProcessingStatus(ctx, sess.ID, sess.Epoch, st, "")
		require.NoError(t, err)
	}
	segs := []model.DiarizedSegment{
		{Start: 0, End: 5, SpeakerID: "SPEAKER_00", Role: model.RoleTherapist, Text: "How did you sleep this week?"},
		{Start: 5, End: 20, SpeakerID: "SPEAKER_01", Role: model.RoleClient, Text: "Better, I kept the phone out of the bedroom."},
	}
	speakers := map[string]model.SpeakerRole{
		"SPEAKER_00": {Role: model.RoleTherapist, Confidence: 0.85},
		"SPEAKER_01": {Role: model.RoleClient, Confidence: 0.85},
	}
	out, err := h.store.SaveTranscript(ctx, sess.ID, sess.Epoch, segs, speakers)
	require.NoError(t, err)
	return out
}

func TestRunCompletesBothWaves(t *testing.T) {
	h := newHarness(t, newFakeCompleter(nil), nil)
	ctx := context.Background()
	sess := h.alignedSession(t, "subj-1", testTime(0))

	got, err := h.orch.Run(ctx, sess.ID, sess.Epoch)
	require.NoError(t, err)

	assert.Equal(t, model.AnalysisComplete, got.AnalysisStatus)
	require.NotNil(t, got.Mood)
	assert.Equal(t, 6.0, got.Mood.Score)
	require.NotNil(t, got.Topics)
	require.NotNil(t, got.Breakthrough)
	assert.True(t, got.Breakthrough.HasBreakthrough)
	require.NotNil(t, got.Deep)
	for _, kind := range []model.AnalysisKind{model.KindMood, model.KindTopic, model.KindBreakthrough, model.KindDeep} {
		assert.Equal(t, model.WorkerSucceeded, got.Workers[kind].State, kind)
		assert.Equal(t, 1, got.Workers[kind].Attempts, kind)
	}
	assert.Contains(t, got.StageTimes, "analysis:wave1_complete")
	assert.Contains(t, got.StageTimes, "analysis:complete")

	logs, err := h.store.Logs(ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, logs, 4)

	assert.Equal(t, model.WSMessageTypeComplete, h.notifier.last().Type)
}

func TestPartialSuccessProgressesToWave2(t *testing.T) {
	completer := newFakeCompleter(func(kind model.AnalysisKind, call int) (string, error) {
		if kind == model.KindTopic {
			return "", apperr.Transientf("completion", "status 503")
		}
		return okResponses[kind], nil
	})
	h := newHarness(t, completer, nil)
	ctx := context.Background()
	sess := h.alignedSession(t, "subj-1", testTime(0))

	got, err := h.orch.Run(ctx, sess.ID, sess.Epoch)
	require.NoError(t, err)

	assert.Equal(t, model.AnalysisComplete, got.AnalysisStatus)
	assert.Contains(t, got.StageTimes, "analysis:wave1_complete")
	assert.Equal(t, 4, completer.count(model.KindTopic))
	assert.Equal(t, 1, completer.count(model.KindDeep))
	assert.Nil(t, got.Topics)
	assert.NotNil(t, got.Mood)
	assert.NotNil(t, got.Deep)

	topic := got.Workers[model.KindTopic]
	assert.Equal(t, model.WorkerFailed, topic.State)
	assert.Equal(t, 4, topic.Attempts)
	assert.Contains(t, topic.LastError, "status 503")

	logs, err := h.store.Logs(ctx, sess.ID)
	require.NoError(t, err)
	var delays []time.Duration
	var statuses []string
	for _, e := range logs {
		if e.Stage == string(model.KindTopic) {
			statuses = append(statuses, e.Status)
			if e.NextDelay > 0 {
				delays = append(delays, e.NextDelay)
			}
		}
	}
	assert.Equal(t, []string{"retrying", "retrying", "retrying", "failed"}, statuses)
	require.Len(t, delays, 3)
	for i := 1; i < len(delays); i++ {
		assert.Greater(t, delays[i], delays[i-1])
	}
}

func TestTotalWave1FailureHalts(t *testing.T) {
	completer := newFakeCompleter(func(kind model.AnalysisKind, call int) (string, error) {
		if kind == model.KindDeep {
			return okResponses[kind], nil
		}
		return "", apperr.Terminalf("completion", "status 401")
	})
	h := newHarness(t, completer, nil)
	ctx := context.Background()
	sess := h.alignedSession(t, "subj-1", testTime(0))

	got, err := h.orch.Run(ctx, sess.ID, sess.Epoch)
	require.NoError(t, err)

	assert.Equal(t, model.AnalysisFailed, got.AnalysisStatus)
	assert.Contains(t, got.LastError, "status 401")
	assert.NotContains(t, got.StageTimes, "analysis:wave1_complete")
	assert.Zero(t, completer.count(model.KindDeep))
	assert.Equal(t, model.WorkerPending, got.Workers[model.KindDeep].State)
	for _, kind := range model.Wave1Kinds {
		assert.Equal(t, 1, completer.count(kind), "terminal errors are not retried")
	}
	assert.Equal(t, model.WSMessageTypeError, h.notifier.last().Type)
}

func TestDeepFailureFailsSession(t *testing.T) {
	completer := newFakeCompleter(func(kind model.AnalysisKind, call int) (string, error) {
		if kind == model.KindDeep {
			return "I am unable to produce JSON today.", nil
		}
		return okResponses[kind], nil
	})
	h := newHarness(t, completer, nil)
	sess := h.alignedSession(t, "subj-1", testTime(0))

	got, err := h.orch.Run(context.Background(), sess.ID, sess.Epoch)
	require.NoError(t, err)

	assert.Equal(t, model.AnalysisFailed, got.AnalysisStatus)
	assert.Equal(t, 1, completer.count(model.KindDeep))
	assert.Nil(t, got.Deep)
	assert.NotNil(t, got.Mood)
	assert.Contains(t, got.StageTimes, "analysis:wave2_running")
}

func TestDuplicateRunIsRejected(t *testing.T) {
	completer := newFakeCompleter(nil)
	h := newHarness(t, completer, nil)
	ctx := context.Background()
	sess := h.alignedSession(t, "subj-1", testTime(0))

	_, err := h.store.StartAnalysis(ctx, sess.ID, sess.Epoch)
	require.NoError(t, err)

	_, err = h.orch.Run(ctx, sess.ID, sess.Epoch)
	assert.True(t, errors.Is(err, store.ErrAlreadyRunning))
	for _, kind := range model.Wave1Kinds {
		assert.Zero(t, completer.count(kind))
	}

	got, err := h.store.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AnalysisWave1Running, got.AnalysisStatus)
}

func TestRerunBypassesGuardAndFencesOldEpoch(t *testing.T) {
	h := newHarness(t, newFakeCompleter(nil), nil)
	ctx := context.Background()
	sess := h.alignedSession(t, "subj-1", testTime(0))

	_, err := h.store.StartAnalysis(ctx, sess.ID, sess.Epoch)
	require.NoError(t, err)

	got, err := h.orch.Rerun(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Epoch)
	assert.Equal(t, model.AnalysisComplete, got.AnalysisStatus)

	stale := &model.AnalysisResult{Kind: model.KindMood, Epoch: 0, Mood: &model.MoodResult{Score: 1}}
	assert.ErrorIs(t, h.store.SaveResult(ctx, sess.ID, stale), store.ErrStaleEpoch)

	_, err = h.orch.Run(ctx, sess.ID, 0)
	assert.ErrorIs(t, err, store.ErrStaleEpoch)
}

func TestResumeFromWave1CompleteRunsOnlyDeep(t *testing.T) {
	completer := newFakeCompleter(nil)
	h := newHarness(t, completer, nil)
	ctx := context.Background()
	sess := h.alignedSession(t, "subj-1", testTime(0))

	_, err := h.store.StartAnalysis(ctx, sess.ID, sess.Epoch)
	require.NoError(t, err)
	_, err = h.store.TransitionAnalysis(ctx, sess.ID, store.Transition{
		Epoch: sess.Epoch, From: model.AnalysisWave1Running, To: model.AnalysisWave1Complete,
	})
	require.NoError(t, err)

	got, err := h.orch.Run(ctx, sess.ID, sess.Epoch)
	require.NoError(t, err)
	assert.Equal(t, model.AnalysisComplete, got.AnalysisStatus)
	assert.Equal(t, 1, completer.count(model.KindDeep))
	for _, kind := range model.Wave1Kinds {
		assert.Zero(t, completer.count(kind))
	}
}

func TestWave2SeesHistoryAndGoals(t *testing.T) {
	completer := newFakeCompleter(nil)
	goals := fakeGoals{goals: []model.Goal{{ID: "g1", Title: "Sleep seven hours", Progress: 0.5}}}
	h := newHarness(t, completer, goals)
	ctx := context.Background()

	for week := 0; week < 2; week++ {
		prior := h.alignedSession(t, "subj-1", testTime(week))
		_, err := h.orch.Run(ctx, prior.ID, prior.Epoch)
		require.NoError(t, err)
	}
	other := h.alignedSession(t, "subj-2", testTime(1))
	_, err := h.orch.Run(ctx, other.ID, other.Epoch)
	require.NoError(t, err)

	current := h.alignedSession(t, "subj-1", testTime(2))
	_, err = h.orch.Run(ctx, current.ID, current.Epoch)
	require.NoError(t, err)

	prompt := completer.prompt(model.KindDeep)
	assert.Contains(t, prompt, "Consistency: 2 prior sessions in window")
	assert.Contains(t, prompt, "7 days since the previous session")
	assert.Contains(t, prompt, "Sleep seven hours (50% complete)")
	assert.Contains(t, prompt, testTime(1).Format("2006-01-02"))
	assert.Contains(t, prompt, testTime(0).Format("2006-01-02"))
}

func TestWave2ToleratesGoalsFailure(t *testing.T) {
	h := newHarness(t, newFakeCompleter(nil), fakeGoals{err: apperr.Transientf("goals", "status 502")})
	sess := h.alignedSession(t, "subj-1", testTime(0))

	got, err := h.orch.Run(context.Background(), sess.ID, sess.Epoch)
	require.NoError(t, err)
	assert.Equal(t, model.AnalysisComplete, got.AnalysisStatus)
}

func TestRunRequiresAlignedTranscript(t *testing.T) {
	h := newHarness(t, newFakeCompleter(nil), nil)
	ctx := context.Background()
	sess := model.NewSession(uuid.NewString(), "subj-1", testTime(0))
	require.NoError(t, h.store.Create(ctx, sess))

	_, err := h.orch.Run(ctx, sess.ID, sess.Epoch)
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
}

func TestComputeConsistency(t *testing.T) {
	at := func(weeks int) *time.Time { v := testTime(weeks); return &v }
	current := &model.Session{RecordedAt: at(3), Mood: &model.MoodResult{Score: 7}}
	history := []*model.Session{
		{RecordedAt: at(2), Mood: &model.MoodResult{Score: 5}, Breakthrough: &model.BreakthroughResult{HasBreakthrough: true}},
		{RecordedAt: at(1), Mood: &model.MoodResult{Score: 6}},
		{RecordedAt: at(0)},
	}

	c := ComputeConsistency(current, history)
	assert.Equal(t, 3, c.SessionsInWindow)
	assert.InDelta(t, 5.5, c.AverageMood, 1e-9)
	assert.Equal(t, TrendImproving, c.MoodTrend)
	assert.InDelta(t, 7, c.DaysSincePriorSession, 1e-9)
	assert.Equal(t, 1, c.BreakthroughsInWindow)

	current.Mood.Score = 5.5
	assert.Equal(t, TrendStable, ComputeConsistency(current, history).MoodTrend)
	current.Mood.Score = 4
	assert.Equal(t, TrendDeclining, ComputeConsistency(current, history).MoodTrend)

	empty := ComputeConsistency(current, nil)
	assert.Equal(t, TrendUnknown, empty.MoodTrend)
	assert.Zero(t, empty.SessionsInWindow)
}
