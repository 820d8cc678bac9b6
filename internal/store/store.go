// Package store persists sessions, their analysis results and the
// processing log. Every backend applies the same epoch-checked mutations;
// they differ only in how a read-modify-write is made atomic.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/sessionlens/api/internal/model"
)

var (
	ErrNotFound          = errors.New("session not found")
	ErrStaleEpoch        = errors.New("session epoch has moved on")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrAlreadyRunning    = errors.New("analysis already running")
	ErrConflict          = errors.New("too many concurrent updates")
	ErrExists            = errors.New("session already exists")
)

// SessionStore is the persistence contract used by the pipeline.
type SessionStore interface {
	Create(ctx context.Context, s *model.Session) error
	Get(ctx context.Context, id string) (*model.Session, error)

	SetProcessingStatus(ctx context.Context, id string, epoch int, status model.ProcessingStatus, errMsg string) (*model.Session, error)
	SaveTranscript(ctx context.Context, id string, epoch int, segs []model.DiarizedSegment, speakers map[string]model.SpeakerRole) (*model.Session, error)

	StartAnalysis(ctx context.Context, id string, epoch int) (*model.Session, error)
	ResetAnalysis(ctx context.Context, id string) (*model.Session, error)
	TransitionAnalysis(ctx context.Context, id string, t Transition) (*model.Session, error)
	SaveResult(ctx context.Context, id string, r *model.AnalysisResult) error
	SetWorkerStatus(ctx context.Context, id string, epoch int, kind model.AnalysisKind, ws model.WorkerStatus) error

	Reset(ctx context.Context, id string) (*model.Session, error)

	AppendLog(ctx context.Context, e model.ProcessingLogEntry) error
	Logs(ctx context.Context, id string) ([]model.ProcessingLogEntry, error)
	History(ctx context.Context, q HistoryQuery) ([]*model.Session, error)

	Close() error
}

// Transition moves the analysis state machine one step.
type Transition struct {
	Epoch int
	From  model.AnalysisStatus
	To    model.AnalysisStatus
	Err   string
}

// HistoryQuery selects prior sessions of a subject.
type HistoryQuery struct {
	SubjectID string
	Before    time.Time
	ExcludeID string
	Limit     int
}

// backend is the storage primitive each engine provides. update must run
// fn against the latest stored version and persist the result atomically.
type backend interface {
	insert(ctx context.Context, s *model.Session) error
	load(ctx context.Context, id string) (*model.Session, error)
	update(ctx context.Context, id string, fn func(s *model.Session) error) (*model.Session, error)
	appendLog(ctx context.Context, e model.ProcessingLogEntry) error
	logs(ctx context.Context, id string) ([]model.ProcessingLogEntry, error)
	bySubject(ctx context.Context, subjectID string) ([]*model.Session, error)
	close() error
}

// Store implements SessionStore over a backend.
type Store struct {
	b   backend
	now func() time.Time
}

var _ SessionStore = (*Store)(nil)

func newStore(b backend) *Store {
	return &Store{b: b, now: time.Now}
}

// WithClock overrides the time source.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) Create(ctx context.Context, sess *model.Session) error {
	if sess.StageTimes == nil {
		sess.StageTimes = map[string]time.Time{}
	}
	return s.b.insert(ctx, sess)
}

func (s *Store) Get(ctx context.Context, id string) (*model.Session, error) {
	return s.b.load(ctx, id)
}

func checkEpoch(sess *model.Session, epoch int) error {
	if epoch != sess.Epoch {
		return ErrStaleEpoch
	}
	return nil
}

func (s *Store) SetProcessingStatus(ctx context.Context, id string, epoch int, status model.ProcessingStatus, errMsg string) (*model.Session, error) {
	return s.b.update(ctx, id, func(sess *model.Session) error {
		if err := checkEpoch(sess, epoch); err != nil {
			return err
		}
		if !sess.ProcessingStatus.CanTransition(status) {
			return ErrInvalidTransition
		}
		sess.MarkProcessing(status, s.now())
		if status == model.ProcessingFailed {
			sess.LastError = errMsg
		}
		return nil
	})
}

// SaveTranscript stores the role-labeled transcript and completes processing.
func (s *Store) SaveTranscript(ctx context.Context, id string, epoch int, segs []model.DiarizedSegment, speakers map[string]model.SpeakerRole) (*model.Session, error) {
	return s.b.update(ctx, id, func(sess *model.Session) error {
		if err := checkEpoch(sess, epoch); err != nil {
			return err
		}
		if !sess.ProcessingStatus.CanTransition(model.ProcessingAligned) {
			return ErrInvalidTransition
		}
		sess.Segments = segs
		sess.Speakers = speakers
		sess.LastError = ""
		sess.MarkProcessing(model.ProcessingAligned, s.now())
		return nil
	})
}

// StartAnalysis applies the duplicate-run guard. A pending session moves to
// wave1_running; a session parked at wave1_complete is returned unchanged
// so the caller can resume with wave 2.
func (s *Store) StartAnalysis(ctx context.Context, id string, epoch int) (*model.Session, error) {
	return s.b.update(ctx, id, func(sess *model.Session) error {
		if err := checkEpoch(sess, epoch); err != nil {
			return err
		}
		if sess.ProcessingStatus != model.ProcessingAligned {
			return ErrInvalidTransition
		}
		switch {
		case sess.AnalysisStatus.Running():
			return ErrAlreadyRunning
		case sess.AnalysisStatus == model.AnalysisWave1Complete:
			return nil
		case sess.AnalysisStatus != model.AnalysisPending:
			return ErrInvalidTransition
		}
		now := s.now()
		sess.LastError = ""
		sess.Workers = map[model.AnalysisKind]model.WorkerStatus{}
		for _, k := range model.Wave1Kinds {
			sess.Workers[k] = model.WorkerStatus{State: model.WorkerPending, UpdatedAt: now}
		}
		sess.Workers[model.KindDeep] = model.WorkerStatus{State: model.WorkerPending, UpdatedAt: now}
		sess.MarkAnalysis(model.AnalysisWave1Running, now)
		return nil
	})
}

// ResetAnalysis starts a new epoch with analysis back at pending. Results
// and worker progress of the previous epoch are dropped.
func (s *Store) ResetAnalysis(ctx context.Context, id string) (*model.Session, error) {
	return s.b.update(ctx, id, func(sess *model.Session) error {
		sess.Epoch++
		sess.ClearAnalysis()
		sess.LastError = ""
		sess.MarkAnalysis(model.AnalysisPending, s.now())
		return nil
	})
}

func (s *Store) TransitionAnalysis(ctx context.Context, id string, t Transition) (*model.Session, error) {
	return s.b.update(ctx, id, func(sess *model.Session) error {
		if err := checkEpoch(sess, t.Epoch); err != nil {
			return err
		}
		if sess.AnalysisStatus != t.From || !t.From.CanTransition(t.To) {
			return ErrInvalidTransition
		}
		sess.MarkAnalysis(t.To, s.now())
		if t.Err != "" {
			sess.LastError = t.Err
		}
		return nil
	})
}

func (s *Store) SaveResult(ctx context.Context, id string, r *model.AnalysisResult) error {
	if !r.Valid() {
		return ErrInvalidTransition
	}
	_, err := s.b.update(ctx, id, func(sess *model.Session) error {
		if err := checkEpoch(sess, r.Epoch); err != nil {
			return err
		}
		sess.ApplyResult(r)
		sess.UpdatedAt = s.now()
		return nil
	})
	return err
}

func (s *Store) SetWorkerStatus(ctx context.Context, id string, epoch int, kind model.AnalysisKind, ws model.WorkerStatus) error {
	_, err := s.b.update(ctx, id, func(sess *model.Session) error {
		if err := checkEpoch(sess, epoch); err != nil {
			return err
		}
		if sess.Workers == nil {
			sess.Workers = map[model.AnalysisKind]model.WorkerStatus{}
		}
		now := s.now()
		ws.UpdatedAt = now
		sess.Workers[kind] = ws
		sess.UpdatedAt = now
		return nil
	})
	return err
}

// Reset opens a new epoch for the whole session: transcript, speakers and
// results are dropped and both state machines return to pending.
func (s *Store) Reset(ctx context.Context, id string) (*model.Session, error) {
	return s.b.update(ctx, id, func(sess *model.Session) error {
		now := s.now()
		sess.Epoch++
		sess.Segments = nil
		sess.Speakers = nil
		sess.LastError = ""
		sess.ClearAnalysis()
		sess.MarkProcessing(model.ProcessingPending, now)
		sess.MarkAnalysis(model.AnalysisPending, now)
		return nil
	})
}

func (s *Store) AppendLog(ctx context.Context, e model.ProcessingLogEntry) error {
	if e.RecordedAt.IsZero() {
		e.RecordedAt = s.now()
	}
	return s.b.appendLog(ctx, e)
}

func (s *Store) Logs(ctx context.Context, id string) ([]model.ProcessingLogEntry, error) {
	if _, err := s.b.load(ctx, id); err != nil {
		return nil, err
	}
	return s.b.logs(ctx, id)
}

// History returns prior sessions of the subject that occurred before
// q.Before, most recent first.
func (s *Store) History(ctx context.Context, q HistoryQuery) ([]*model.Session, error) {
	all, err := s.b.bySubject(ctx, q.SubjectID)
	if err != nil {
		return nil, err
	}
	out := make([]*model.Session, 0, len(all))
	for _, sess := range all {
		if sess.ID == q.ExcludeID {
			continue
		}
		if !q.Before.IsZero() && !sess.OccurredAt().Before(q.Before) {
			continue
		}
		out = append(out, sess)
	}
	model.SortSessionsRecentFirst(out)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *Store) Close() error {
	return s.b.close()
}
