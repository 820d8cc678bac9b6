package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/sessionlens/api/internal/model"
	"github.com/sessionlens/api/internal/pipeline"
	"github.com/sessionlens/api/internal/service"
	"github.com/sessionlens/api/internal/store"
)

// Processor runs the processing stages of a session.
type Processor interface {
	Process(ctx context.Context, id string, epoch int) (*model.Session, error)
}

// Analyzer runs the analysis waves of a session.
type Analyzer interface {
	Run(ctx context.Context, id string, epoch int) (*model.Session, error)
}

// AnalysisQueuer queues analysis once a transcript is aligned.
type AnalysisQueuer interface {
	QueueAnalysis(sess *model.Session) error
}

// SessionWorker handles the session tasks
type SessionWorker struct {
	processor Processor
	analyzer  Analyzer
	queuer    AnalysisQueuer
	log       *logrus.Entry
}

// NewSessionWorker creates a new session worker
func NewSessionWorker(processor Processor, analyzer Analyzer, queuer AnalysisQueuer, log *logrus.Entry) *SessionWorker {
	return &SessionWorker{
		processor: processor,
		analyzer:  analyzer,
		queuer:    queuer,
		log:       log.WithField("component", "worker"),
	}
}

// Register binds the task handlers on mux
func (w *SessionWorker) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(service.TaskTypeProcess, w.ProcessTask)
	mux.HandleFunc(service.TaskTypeAnalyze, w.AnalyzeTask)
}

// ProcessTask handles session processing and queues analysis on success
func (w *SessionWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	p, err := service.ParseTaskPayload(t)
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	log := w.log.WithFields(logrus.Fields{"task": t.Type(), "session_id": p.SessionID, "epoch": p.Epoch})

	sess, err := w.processor.Process(ctx, p.SessionID, p.Epoch)
	if err != nil {
		return w.finish(err, log)
	}
	if err := w.queuer.QueueAnalysis(sess); err != nil {
		return err
	}
	log.Info("Session processed, analysis queued")
	return nil
}

// AnalyzeTask handles the two analysis waves
func (w *SessionWorker) AnalyzeTask(ctx context.Context, t *asynq.Task) error {
	p, err := service.ParseTaskPayload(t)
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	log := w.log.WithFields(logrus.Fields{"task": t.Type(), "session_id": p.SessionID, "epoch": p.Epoch})

	sess, err := w.analyzer.Run(ctx, p.SessionID, p.Epoch)
	if err != nil {
		return w.finish(err, log)
	}
	log.WithField("analysis_status", sess.AnalysisStatus).Info("Session analysis finished")
	return nil
}

// finish decides whether asynq should retry a failed task. Failures that
// were recorded on the session, and tasks for an epoch or state that no
// longer applies, are final.
func (w *SessionWorker) finish(err error, log *logrus.Entry) error {
	var stageErr *pipeline.StageError
	switch {
	case errors.As(err, &stageErr):
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	case errors.Is(err, store.ErrAlreadyRunning):
		log.Info("Analysis already running, dropping duplicate task")
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	case errors.Is(err, store.ErrStaleEpoch):
		log.Info("Task superseded by a newer epoch")
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrInvalidTransition):
		log.WithError(err).Warn("Dropping task")
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	log.WithError(err).Error("Task failed")
	return err
}
