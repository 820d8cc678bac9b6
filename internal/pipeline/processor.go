// Package pipeline turns an uploaded recording into a role-labeled
// transcript: preprocess, transcribe, diarize, align, classify speakers.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sessionlens/api/internal/alignment"
	"github.com/sessionlens/api/internal/attempt"
	"github.com/sessionlens/api/internal/audio"
	"github.com/sessionlens/api/internal/client"
	"github.com/sessionlens/api/internal/model"
	"github.com/sessionlens/api/internal/roles"
	"github.com/sessionlens/api/internal/store"
)

// Stage names used in the processing log.
const (
	StagePreprocess    = "preprocess"
	StageTranscription = "transcription"
	StageDiarization   = "diarization"
	StageAlignment     = "alignment"
)

// Notifier receives session progress events.
type Notifier interface {
	Publish(ev model.SessionEvent)
}

// StageError is a processing stage that failed; the session has been
// marked failed. Any other error from Process means the session could not
// be updated and the run may be retried.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string { return e.Stage + ": " + e.Err.Error() }

func (e *StageError) Unwrap() error { return e.Err }

// Options tune a Processor.
type Options struct {
	Roles           roles.Config
	MaxAlignmentGap float64
	Retry           attempt.Policy
}

// Processor runs the processing stages for one session at a time.
type Processor struct {
	store       store.SessionStore
	storage     client.StorageClient
	pre         *audio.Preprocessor
	transcriber client.Transcriber
	diarizer    client.Diarizer
	opts        Options
	notifier    Notifier
	log         *logrus.Entry
}

// NewProcessor creates a processor. notifier may be nil.
func NewProcessor(st store.SessionStore, storage client.StorageClient, pre *audio.Preprocessor, transcriber client.Transcriber, diarizer client.Diarizer, opts Options, notifier Notifier, log *logrus.Entry) *Processor {
	return &Processor{
		store:       st,
		storage:     storage,
		pre:         pre,
		transcriber: transcriber,
		diarizer:    diarizer,
		opts:        opts,
		notifier:    notifier,
		log:         log.WithField("component", "pipeline"),
	}
}

// Process runs every stage for the session at epoch. A session that is
// already aligned is returned as is.
func (p *Processor) Process(ctx context.Context, id string, epoch int) (*model.Session, error) {
	sess, err := p.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Epoch != epoch {
		return nil, store.ErrStaleEpoch
	}
	switch sess.ProcessingStatus {
	case model.ProcessingAligned:
		return sess, nil
	case model.ProcessingPending:
	default:
		return nil, fmt.Errorf("session is %s: %w", sess.ProcessingStatus, store.ErrInvalidTransition)
	}

	log := p.log.WithFields(logrus.Fields{"session_id": id, "epoch": epoch})
	log.Info("Starting session processing")

	raw, err := p.storage.Download(ctx, sess.AudioKey)
	if err != nil {
		return nil, p.fail(ctx, sess, StagePreprocess, fmt.Errorf("download audio: %w", err), log)
	}

	start := time.Now()
	buf, _, err := p.pre.Process(audio.Reader(raw))
	p.record(ctx, sess, StagePreprocess, time.Since(start), err, log)
	if err != nil {
		return nil, p.fail(ctx, sess, StagePreprocess, err, log)
	}
	wav, err := audio.EncodeWAV(buf)
	if err != nil {
		return nil, p.fail(ctx, sess, StagePreprocess, err, log)
	}

	if err := p.advance(ctx, sess, model.ProcessingTranscribing); err != nil {
		return nil, p.abort(ctx, sess, err, log)
	}
	var transcript []model.TranscriptSegment
	_, err = attempt.Do(ctx, p.opts.Retry, func(ctx context.Context) error {
		var err error
		transcript, err = p.transcriber.Transcribe(ctx, wav)
		return err
	}, p.observer(ctx, sess, StageTranscription, log))
	if err != nil {
		return nil, p.fail(ctx, sess, StageTranscription, err, log)
	}
	if err := p.advance(ctx, sess, model.ProcessingTranscribed); err != nil {
		return nil, p.abort(ctx, sess, err, log)
	}

	if err := p.advance(ctx, sess, model.ProcessingDiarizing); err != nil {
		return nil, p.abort(ctx, sess, err, log)
	}
	var turns []model.SpeakerTurn
	_, err = attempt.Do(ctx, p.opts.Retry, func(ctx context.Context) error {
		var err error
		turns, err = p.diarizer.Diarize(ctx, wav)
		return err
	}, p.observer(ctx, sess, StageDiarization, log))
	if err != nil {
		return nil, p.fail(ctx, sess, StageDiarization, err, log)
	}

	start = time.Now()
	segs, err := alignment.Align(transcript, turns, p.opts.MaxAlignmentGap)
	p.record(ctx, sess, StageAlignment, time.Since(start), err, log)
	if err != nil {
		return nil, p.fail(ctx, sess, StageAlignment, err, log)
	}
	speakers := roles.Label(segs, p.opts.Roles)

	out, err := p.store.SaveTranscript(ctx, sess.ID, sess.Epoch, segs, speakers)
	if err != nil {
		return nil, p.abort(ctx, sess, err, log)
	}
	log.WithFields(logrus.Fields{
		"segments": len(segs),
		"speakers": len(speakers),
	}).Info("Session transcript aligned")
	p.publish(out)
	return out, nil
}

func (p *Processor) advance(ctx context.Context, sess *model.Session, status model.ProcessingStatus) error {
	next, err := p.store.SetProcessingStatus(ctx, sess.ID, sess.Epoch, status, "")
	if err != nil {
		return err
	}
	p.publish(next)
	return nil
}

func (p *Processor) fail(ctx context.Context, sess *model.Session, stage string, cause error, log *logrus.Entry) error {
	log.WithError(cause).WithField("stage", stage).Error("Session processing failed")
	serr := &StageError{Stage: stage, Err: cause}
	next, err := p.store.SetProcessingStatus(context.WithoutCancel(ctx), sess.ID, sess.Epoch, model.ProcessingFailed, serr.Error())
	if err != nil {
		if errors.Is(err, store.ErrStaleEpoch) {
			return err
		}
		return fmt.Errorf("mark session failed: %w", err)
	}
	p.publish(next)
	return serr
}

// abort handles a store error raised mid-run. The session is moved to failed
// unless a newer epoch owns it; cause is returned unchanged.
func (p *Processor) abort(ctx context.Context, sess *model.Session, cause error, log *logrus.Entry) error {
	if errors.Is(cause, store.ErrStaleEpoch) {
		log.Warn("Processing superseded by a newer epoch")
		return cause
	}
	log.WithError(cause).Error("Session processing aborted")
	next, err := p.store.SetProcessingStatus(context.WithoutCancel(ctx), sess.ID, sess.Epoch, model.ProcessingFailed, cause.Error())
	if err != nil {
		log.WithError(err).Warn("Failed to mark aborted session as failed")
		return cause
	}
	p.publish(next)
	return cause
}

func (p *Processor) observer(ctx context.Context, sess *model.Session, stage string, log *logrus.Entry) func(attempt.Attempt) {
	return func(a attempt.Attempt) {
		entry := model.ProcessingLogEntry{
			SessionID: sess.ID,
			Epoch:     sess.Epoch,
			Stage:     stage,
			Attempt:   a.Number,
			Status:    string(a.Outcome),
			Duration:  a.Duration,
			NextDelay: a.NextDelay,
		}
		if a.Err != nil {
			entry.Error = a.Err.Error()
		}
		p.appendLog(ctx, entry, log)
		if a.Outcome == attempt.OutcomeRetrying {
			log.WithError(a.Err).WithFields(logrus.Fields{
				"stage":      stage,
				"attempt":    a.Number,
				"next_delay": a.NextDelay,
			}).Warn("Speech service call failed, retrying")
		}
	}
}

// record logs a local stage that runs exactly once.
func (p *Processor) record(ctx context.Context, sess *model.Session, stage string, d time.Duration, err error, log *logrus.Entry) {
	entry := model.ProcessingLogEntry{
		SessionID: sess.ID,
		Epoch:     sess.Epoch,
		Stage:     stage,
		Attempt:   1,
		Status:    string(attempt.OutcomeSucceeded),
		Duration:  d,
	}
	if err != nil {
		entry.Status = string(attempt.OutcomeFailed)
		entry.Error = err.Error()
	}
	p.appendLog(ctx, entry, log)
}

func (p *Processor) appendLog(ctx context.Context, e model.ProcessingLogEntry, log *logrus.Entry) {
	if err := p.store.AppendLog(ctx, e); err != nil {
		log.WithError(err).Warn("Failed to append processing log")
	}
}

func (p *Processor) publish(sess *model.Session) {
	if p.notifier != nil {
		p.notifier.Publish(model.NewStatusEvent(sess))
	}
}
