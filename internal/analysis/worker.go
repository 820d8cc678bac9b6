package analysis

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sessionlens/api/internal/attempt"
	"github.com/sessionlens/api/internal/client"
	"github.com/sessionlens/api/internal/model"
	"github.com/sessionlens/api/internal/store"
)

// Notifier receives session progress events.
type Notifier interface {
	Publish(ev model.SessionEvent)
}

// WorkerError is a worker that ran out of attempts or failed terminally.
// Any other error from Run means the session itself could not be updated.
type WorkerError struct {
	Kind model.AnalysisKind
	Err  error
}

func (e *WorkerError) Error() string { return string(e.Kind) + " worker: " + e.Err.Error() }

func (e *WorkerError) Unwrap() error { return e.Err }

type nopNotifier struct{}

func (nopNotifier) Publish(model.SessionEvent) {}

// Runner executes one analysis worker: prompt, completion, parse, clamp,
// persist. Every attempt is appended to the processing log.
type Runner struct {
	completer client.Completer
	store     store.SessionStore
	catalog   *Catalog
	rules     Rules
	policy    attempt.Policy
	notifier  Notifier
	log       *logrus.Entry

	temperature float64
	maxTokens   int
}

// RunnerOption customizes a Runner.
type RunnerOption func(*Runner)

// WithNotifier publishes worker outcomes to n.
func WithNotifier(n Notifier) RunnerOption {
	return func(r *Runner) { r.notifier = n }
}

// WithSampling sets the completion temperature and token limit.
func WithSampling(temperature float64, maxTokens int) RunnerOption {
	return func(r *Runner) {
		r.temperature = temperature
		r.maxTokens = maxTokens
	}
}

// NewRunner creates a worker runner.
func NewRunner(completer client.Completer, st store.SessionStore, catalog *Catalog, rules Rules, policy attempt.Policy, log *logrus.Entry, opts ...RunnerOption) *Runner {
	r := &Runner{
		completer: completer,
		store:     st,
		catalog:   catalog,
		rules:     rules,
		policy:    policy,
		notifier:  nopNotifier{},
		log:       log,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes the worker for kind against the session snapshot. A
// worker failure is recorded on the session and returned as a
// *WorkerError; a superseded epoch surfaces as store.ErrStaleEpoch.
func (r *Runner) Run(ctx context.Context, sess *model.Session, kind model.AnalysisKind, data *PromptData) (*model.AnalysisResult, error) {
	log := r.log.WithFields(logrus.Fields{
		"session_id": sess.ID,
		"epoch":      sess.Epoch,
		"wave":       kind.Wave(),
		"worker":     string(kind),
	})

	if err := r.setState(ctx, sess, kind, model.WorkerStatus{State: model.WorkerRunning}); err != nil {
		return nil, err
	}

	system, user, err := r.catalog.Render(kind, data)
	if err != nil {
		return nil, r.fail(ctx, sess, kind, 0, err, log)
	}
	req := client.CompletionRequest{
		System:      system,
		User:        user,
		Schema:      SchemaFor(kind),
		Temperature: r.temperature,
		MaxTokens:   r.maxTokens,
	}

	var result *model.AnalysisResult
	report, err := attempt.Do(ctx, r.policy, func(ctx context.Context) error {
		content, err := r.completer.Complete(ctx, req)
		if err != nil {
			return err
		}
		result, err = r.parse(kind, content)
		return err
	}, func(a attempt.Attempt) {
		r.logAttempt(ctx, sess, kind, a, log)
	})
	if err != nil {
		return nil, r.fail(ctx, sess, kind, report.Attempts, err, log)
	}

	result.Epoch = sess.Epoch
	result.ProducedAt = time.Now()
	if err := r.store.SaveResult(ctx, sess.ID, result); err != nil {
		if errors.Is(err, store.ErrStaleEpoch) {
			log.Warn("Result dropped, session epoch moved on")
		}
		return nil, err
	}
	if err := r.setState(ctx, sess, kind, model.WorkerStatus{State: model.WorkerSucceeded, Attempts: report.Attempts}); err != nil {
		return nil, err
	}
	return result, nil
}

// parse decodes content into the typed result for kind.
func (r *Runner) parse(kind model.AnalysisKind, content string) (*model.AnalysisResult, error) {
	res := &model.AnalysisResult{Kind: kind, SchemaVersion: model.ResultSchemaVersion}
	switch kind {
	case model.KindMood:
		var raw rawMood
		if err := decodeOutput(kind, content, &raw); err != nil {
			return nil, err
		}
		res.Mood = r.rules.mood(raw)
	case model.KindTopic:
		var raw rawTopic
		if err := decodeOutput(kind, content, &raw); err != nil {
			return nil, err
		}
		res.Topic = r.rules.topic(raw)
	case model.KindBreakthrough:
		var raw rawBreakthrough
		if err := decodeOutput(kind, content, &raw); err != nil {
			return nil, err
		}
		res.Breakthrough = r.rules.breakthrough(raw)
	case model.KindDeep:
		var raw rawDeep
		if err := decodeOutput(kind, content, &raw); err != nil {
			return nil, err
		}
		res.Deep = r.rules.deep(raw)
	}
	return res, nil
}

func (r *Runner) fail(ctx context.Context, sess *model.Session, kind model.AnalysisKind, attempts int, cause error, log *logrus.Entry) error {
	log.WithError(cause).Error("Analysis worker failed")
	ws := model.WorkerStatus{State: model.WorkerFailed, Attempts: attempts, LastError: cause.Error()}
	if err := r.setState(ctx, sess, kind, ws); err != nil {
		return err
	}
	return &WorkerError{Kind: kind, Err: cause}
}

func (r *Runner) setState(ctx context.Context, sess *model.Session, kind model.AnalysisKind, ws model.WorkerStatus) error {
	if err := r.store.SetWorkerStatus(ctx, sess.ID, sess.Epoch, kind, ws); err != nil {
		return err
	}
	ev := model.SessionEvent{
		Type:        model.WSMessageTypeWorker,
		SessionID:   sess.ID,
		Epoch:       sess.Epoch,
		Worker:      kind,
		WorkerState: ws.State,
	}
	if ws.LastError != "" {
		ev.Error = &model.WSError{Code: "WORKER_FAILED", Message: ws.LastError}
	}
	r.notifier.Publish(ev)
	return nil
}

func (r *Runner) logAttempt(ctx context.Context, sess *model.Session, kind model.AnalysisKind, a attempt.Attempt, log *logrus.Entry) {
	entry := model.ProcessingLogEntry{
		SessionID: sess.ID,
		Epoch:     sess.Epoch,
		Wave:      kind.Wave(),
		Stage:     string(kind),
		Attempt:   a.Number,
		Status:    string(a.Outcome),
		Duration:  a.Duration,
		NextDelay: a.NextDelay,
	}
	if a.Err != nil {
		entry.Error = a.Err.Error()
	}
	if err := r.store.AppendLog(ctx, entry); err != nil {
		log.WithError(err).Warn("Failed to append processing log")
	}

	fields := log.WithFields(logrus.Fields{"attempt": a.Number, "duration": a.Duration})
	switch a.Outcome {
	case attempt.OutcomeSucceeded:
		fields.Info("Analysis attempt succeeded")
	case attempt.OutcomeRetrying:
		fields.WithError(a.Err).WithField("next_delay", a.NextDelay).Warn("Analysis attempt failed, retrying")
	default:
		fields.WithError(a.Err).Error("Analysis attempt failed")
	}
}
