package service

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/sessionlens/api/internal/apperr"
	"github.com/sessionlens/api/internal/attempt"
	"github.com/sessionlens/api/internal/client"
	"github.com/sessionlens/api/internal/model"
	"github.com/sessionlens/api/internal/store"
)

var (
	// ErrNotReady means the session has no aligned transcript yet.
	ErrNotReady = errors.New("session transcript is not ready for analysis")
	// ErrAnalysisFinished means a non-forced analysis was requested for a
	// session whose analysis already ended.
	ErrAnalysisFinished = errors.New("analysis already finished, use force to re-run")
)

const audioURLExpiry = time.Hour

// SessionService is the application surface over the session pipeline.
type SessionService struct {
	store   store.SessionStore
	storage client.StorageClient
	queue   Enqueuer
	log     *logrus.Entry
	now     func() time.Time
	timeout time.Duration
}

// NewSessionService creates a session service
func NewSessionService(st store.SessionStore, storage client.StorageClient, queue Enqueuer, log *logrus.Entry) *SessionService {
	return &SessionService{
		store:   st,
		storage: storage,
		queue:   queue,
		log:     log.WithField("component", "session_service"),
		now:     time.Now,
	}
}

// WithRetryPolicy sizes the timeout of queued tasks to the retry policy the
// workers call external services with.
func (s *SessionService) WithRetryPolicy(p attempt.Policy) *SessionService {
	s.timeout = TaskTimeout(p)
	return s
}

// CreateSession stores the uploaded WAV, creates a pending session and
// queues its processing.
func (s *SessionService) CreateSession(ctx context.Context, req *model.CreateSessionRequest, audio io.Reader) (*model.CreateSessionResponse, error) {
	const op = "session.create"

	br := bufio.NewReader(audio)
	header, err := br.Peek(12)
	if err != nil || !bytes.Equal(header[0:4], []byte("RIFF")) || !bytes.Equal(header[8:12], []byte("WAVE")) {
		return nil, apperr.Validationf(op, "audio must be a WAV file")
	}

	id := uuid.New().String()
	key := fmt.Sprintf("sessions/%s/%s/raw.wav", req.SubjectID, id)
	storedKey, err := s.storage.Upload(ctx, key, br, "audio/wav")
	if err != nil {
		return nil, fmt.Errorf("failed to upload audio: %w", err)
	}

	sess := model.NewSession(id, req.SubjectID, s.now())
	sess.Title = req.Title
	sess.AudioKey = storedKey
	sess.RecordedAt = req.RecordedAt
	if err := s.store.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	if err := s.enqueue(TaskTypeProcess, sess.ID, sess.Epoch); err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{"session_id": id, "subject_id": req.SubjectID}).Info("Session created")

	return &model.CreateSessionResponse{
		SessionID:        sess.ID,
		ProcessingStatus: sess.ProcessingStatus,
		AnalysisStatus:   sess.AnalysisStatus,
		CreatedAt:        sess.CreatedAt,
	}, nil
}

// GetStatus returns the progress view of a session.
func (s *SessionService) GetStatus(ctx context.Context, id string) (*model.StatusResponse, error) {
	sess, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return model.BuildStatus(sess), nil
}

// GetResult returns the full session record.
func (s *SessionService) GetResult(ctx context.Context, id string) (*model.Session, error) {
	return s.store.Get(ctx, id)
}

// Analyze queues an analysis run. Without force a running session is left
// alone and the response reports nothing was queued. With force the
// analysis is reset to a new epoch first.
func (s *SessionService) Analyze(ctx context.Context, id string, force bool) (*model.AnalyzeResponse, error) {
	sess, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.ProcessingStatus != model.ProcessingAligned {
		return nil, ErrNotReady
	}

	if force {
		sess, err = s.store.ResetAnalysis(ctx, id)
		if err != nil {
			return nil, err
		}
		s.log.WithFields(logrus.Fields{"session_id": id, "epoch": sess.Epoch}).Info("Forced analysis re-run")
	} else {
		switch {
		case sess.AnalysisStatus.Running():
			return &model.AnalyzeResponse{
				SessionID:      sess.ID,
				Epoch:          sess.Epoch,
				AnalysisStatus: sess.AnalysisStatus,
				Queued:         false,
			}, nil
		case sess.AnalysisStatus.Terminal():
			return nil, ErrAnalysisFinished
		}
	}

	if err := s.enqueue(TaskTypeAnalyze, sess.ID, sess.Epoch); err != nil {
		return nil, err
	}
	return &model.AnalyzeResponse{
		SessionID:      sess.ID,
		Epoch:          sess.Epoch,
		AnalysisStatus: sess.AnalysisStatus,
		Queued:         true,
	}, nil
}

// QueueAnalysis is called once processing has aligned the transcript.
func (s *SessionService) QueueAnalysis(sess *model.Session) error {
	return s.enqueue(TaskTypeAnalyze, sess.ID, sess.Epoch)
}

// Reset opens a new epoch, drops transcript and results and reprocesses
// the stored audio.
func (s *SessionService) Reset(ctx context.Context, id string) (*model.StatusResponse, error) {
	sess, err := s.store.Reset(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.enqueue(TaskTypeProcess, sess.ID, sess.Epoch); err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{"session_id": id, "epoch": sess.Epoch}).Info("Session reset")
	return model.BuildStatus(sess), nil
}

// Logs returns the processing log of a session.
func (s *SessionService) Logs(ctx context.Context, id string) ([]model.ProcessingLogEntry, error) {
	return s.store.Logs(ctx, id)
}

// AudioURL returns a time-limited URL of the raw recording.
func (s *SessionService) AudioURL(ctx context.Context, id string) (string, error) {
	sess, err := s.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return s.storage.GetSignedURL(ctx, sess.AudioKey, audioURLExpiry)
}

func (s *SessionService) enqueue(taskType, id string, epoch int) error {
	task, opts, err := newSessionTask(taskType, id, epoch, s.timeout)
	if err != nil {
		return err
	}
	if _, err := s.queue.Enqueue(task, opts...); err != nil {
		return fmt.Errorf("failed to enqueue %s: %w", taskType, err)
	}
	return nil
}
