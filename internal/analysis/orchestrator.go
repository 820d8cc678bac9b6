package analysis

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/sessionlens/api/internal/client"
	"github.com/sessionlens/api/internal/model"
	"github.com/sessionlens/api/internal/store"
)

// Orchestrator drives the two-wave analysis state machine of a session.
type Orchestrator struct {
	store         store.SessionStore
	runner        *Runner
	goals         client.GoalsProvider
	historyWindow int
	log           *logrus.Entry
}

// NewOrchestrator creates an orchestrator. goals may be nil.
func NewOrchestrator(st store.SessionStore, runner *Runner, goals client.GoalsProvider, historyWindow int, log *logrus.Entry) *Orchestrator {
	return &Orchestrator{
		store:         st,
		runner:        runner,
		goals:         goals,
		historyWindow: historyWindow,
		log:           log,
	}
}

// Run analyzes the session at the given epoch. A session that is already
// running yields store.ErrAlreadyRunning and is left untouched. Worker
// failures are part of the returned session, not the error.
func (o *Orchestrator) Run(ctx context.Context, id string, epoch int) (*model.Session, error) {
	sess, err := o.store.StartAnalysis(ctx, id, epoch)
	if err != nil {
		return nil, err
	}
	log := o.log.WithFields(logrus.Fields{"session_id": id, "epoch": epoch})
	o.publish(sess)

	if sess.AnalysisStatus == model.AnalysisWave1Running {
		sess, err = o.wave1(ctx, sess, log)
		if err != nil {
			return nil, err
		}
		if sess.AnalysisStatus == model.AnalysisFailed {
			return sess, nil
		}
	}
	return o.wave2(ctx, sess, log)
}

// RunCurrent analyzes the session at its current epoch.
func (o *Orchestrator) RunCurrent(ctx context.Context, id string) (*model.Session, error) {
	sess, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return o.Run(ctx, id, sess.Epoch)
}

// Rerun discards the current analysis, opens a new epoch and runs it.
// It bypasses the duplicate-run guard; a run still in flight on the old
// epoch can no longer write.
func (o *Orchestrator) Rerun(ctx context.Context, id string) (*model.Session, error) {
	sess, err := o.store.ResetAnalysis(ctx, id)
	if err != nil {
		return nil, err
	}
	o.publish(sess)
	return o.Run(ctx, id, sess.Epoch)
}

func (o *Orchestrator) wave1(ctx context.Context, sess *model.Session, log *logrus.Entry) (*model.Session, error) {
	log = log.WithField("wave", 1)
	log.Info("Starting wave 1")
	data := NewPromptData(sess, o.runner.rules)

	failures := make([]error, len(model.Wave1Kinds))
	var g errgroup.Group
	for i, kind := range model.Wave1Kinds {
		g.Go(func() error {
			_, err := o.runner.Run(ctx, sess, kind, data)
			var we *WorkerError
			if errors.As(err, &we) {
				failures[i] = err
				return nil
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		o.abort(ctx, sess, model.AnalysisWave1Running, err, log)
		return nil, err
	}

	var lastErr error
	failed := 0
	for _, err := range failures {
		if err != nil {
			failed++
			lastErr = err
		}
	}

	t := store.Transition{Epoch: sess.Epoch, From: model.AnalysisWave1Running, To: model.AnalysisWave1Complete}
	if failed == len(model.Wave1Kinds) {
		t.To = model.AnalysisFailed
		t.Err = lastErr.Error()
		log.WithError(lastErr).Error("Every wave 1 worker failed")
	} else {
		log.WithField("failed", failed).Info("Wave 1 complete")
	}
	next, err := o.store.TransitionAnalysis(ctx, sess.ID, t)
	if err != nil {
		return nil, err
	}
	o.publish(next)
	return next, nil
}

func (o *Orchestrator) wave2(ctx context.Context, sess *model.Session, log *logrus.Entry) (*model.Session, error) {
	log = log.WithField("wave", 2)
	sess, err := o.store.TransitionAnalysis(ctx, sess.ID, store.Transition{
		Epoch: sess.Epoch,
		From:  model.AnalysisWave1Complete,
		To:    model.AnalysisWave2Running,
	})
	if err != nil {
		return nil, err
	}
	o.publish(sess)
	log.Info("Starting wave 2")

	history, err := o.store.History(ctx, store.HistoryQuery{
		SubjectID: sess.SubjectID,
		Before:    sess.OccurredAt(),
		ExcludeID: sess.ID,
		Limit:     o.historyWindow,
	})
	if err != nil {
		log.WithError(err).Warn("Failed to load session history, continuing without it")
		history = nil
	}
	consistency := ComputeConsistency(sess, history)

	var goals []model.Goal
	if o.goals != nil {
		goals, err = o.goals.ActiveGoals(ctx, sess.SubjectID)
		if err != nil {
			log.WithError(err).Warn("Failed to fetch active goals, continuing without them")
			goals = nil
		}
	}

	data := NewPromptData(sess, o.runner.rules).WithHistory(history, consistency, goals)
	t := store.Transition{Epoch: sess.Epoch, From: model.AnalysisWave2Running, To: model.AnalysisComplete}
	if _, err := o.runner.Run(ctx, sess, model.KindDeep, data); err != nil {
		var we *WorkerError
		if !errors.As(err, &we) {
			o.abort(ctx, sess, model.AnalysisWave2Running, err, log)
			return nil, err
		}
		t.To = model.AnalysisFailed
		t.Err = err.Error()
	}

	next, err := o.store.TransitionAnalysis(ctx, sess.ID, t)
	if err != nil {
		return nil, err
	}
	if next.AnalysisStatus == model.AnalysisComplete {
		log.Info("Analysis complete")
	}
	o.publish(next)
	return next, nil
}

// abort parks a run that lost its footing outside a worker as failed so it
// does not stay running forever. Stale runs are left alone.
func (o *Orchestrator) abort(ctx context.Context, sess *model.Session, from model.AnalysisStatus, cause error, log *logrus.Entry) {
	if errors.Is(cause, store.ErrStaleEpoch) {
		log.Warn("Run superseded by a newer epoch")
		return
	}
	log.WithError(cause).Error("Analysis aborted")
	next, err := o.store.TransitionAnalysis(context.WithoutCancel(ctx), sess.ID, store.Transition{
		Epoch: sess.Epoch,
		From:  from,
		To:    model.AnalysisFailed,
		Err:   cause.Error(),
	})
	if err != nil {
		log.WithError(err).Warn("Failed to mark aborted analysis as failed")
		return
	}
	o.publish(next)
}

func (o *Orchestrator) publish(sess *model.Session) {
	o.runner.notifier.Publish(model.NewStatusEvent(sess))
}
