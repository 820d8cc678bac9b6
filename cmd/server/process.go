package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sessionlens/api/internal/model"
	"github.com/sessionlens/api/internal/service"
	"github.com/sessionlens/api/internal/worker"
)

func newProcessCommand() *cobra.Command {
	var (
		subjectID  string
		title      string
		recordedAt string
		dbPath     string
		outPath    string
	)

	cmd := &cobra.Command{
		Use:   "process <file.wav>",
		Short: "Process and analyze one recording locally",
		Long: `Process runs the whole pipeline for a single WAV file without redis: the
recording is copied to local storage, the session is kept in a sqlite
database and both analysis waves run in this process. The resulting
session is written as JSON.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := &model.CreateSessionRequest{SubjectID: subjectID, Title: title}
			if recordedAt != "" {
				t, err := time.Parse(time.RFC3339, recordedAt)
				if err != nil {
					return fmt.Errorf("--recorded-at: %w", err)
				}
				req.RecordedAt = &t
			}
			if req.Title == "" {
				req.Title = filepath.Base(args[0])
			}

			notifier := &progressLogger{}
			a, err := newApp(appOptions{
				storeDriver: "sqlite",
				sqlitePath:  dbPath,
				localOnly:   true,
				notifier:    notifier,
			})
			if err != nil {
				return err
			}
			defer a.Close()
			notifier.log = a.log.WithField("component", "progress")

			return a.processFile(cmd.Context(), args[0], req, outPath)
		},
	}

	cmd.Flags().StringVar(&subjectID, "subject", "", "Subject (client) id the session belongs to")
	cmd.Flags().StringVar(&title, "title", "", "Session title (defaults to the file name)")
	cmd.Flags().StringVar(&recordedAt, "recorded-at", "", "RFC 3339 time the session took place")
	cmd.Flags().StringVar(&dbPath, "db", "", "sqlite database path (defaults to store.sqlite_path)")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "Write the session JSON here instead of stdout")
	_ = cmd.MarkFlagRequired("subject")

	return cmd
}

func (a *app) processFile(ctx context.Context, path string, req *model.CreateSessionRequest, outPath string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	queue := &localQueue{}
	svc := service.NewSessionService(a.store, a.storage, queue, a.log).
		WithRetryPolicy(a.cfg.Pipeline.Retry)
	created, err := svc.CreateSession(ctx, req, f)
	if err != nil {
		return err
	}

	w := worker.NewSessionWorker(a.processor, a.orchestrator, svc, a.log)
	runErr := queue.drain(ctx, w)

	sess, err := svc.GetResult(ctx, created.SessionID)
	if err != nil {
		return err
	}
	out := os.Stdout
	if outPath != "" {
		out, err = os.Create(outPath)
		if err != nil {
			return err
		}
		defer out.Close()
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(sess); err != nil {
		return err
	}
	return runErr
}

// localQueue runs session tasks in the calling goroutine.
type localQueue struct {
	tasks []*asynq.Task
}

func (q *localQueue) Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	q.tasks = append(q.tasks, task)
	return &asynq.TaskInfo{Type: task.Type(), Queue: "local", State: asynq.TaskStatePending}, nil
}

func (q *localQueue) drain(ctx context.Context, w *worker.SessionWorker) error {
	for len(q.tasks) > 0 {
		task := q.tasks[0]
		q.tasks = q.tasks[1:]

		var err error
		switch task.Type() {
		case service.TaskTypeProcess:
			err = w.ProcessTask(ctx, task)
		case service.TaskTypeAnalyze:
			err = w.AnalyzeTask(ctx, task)
		default:
			err = fmt.Errorf("unknown task type %q", task.Type())
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// progressLogger prints session events while the pipeline runs.
type progressLogger struct {
	log *logrus.Entry
}

func (p *progressLogger) Publish(ev model.SessionEvent) {
	if p.log == nil {
		return
	}
	entry := p.log.WithFields(logrus.Fields{
		"type":       ev.Type,
		"processing": ev.ProcessingStatus,
		"analysis":   ev.AnalysisStatus,
	})
	if ev.Worker != "" {
		entry = entry.WithFields(logrus.Fields{"worker": ev.Worker, "state": ev.WorkerState})
	}
	if ev.Error != nil {
		entry = entry.WithField("error", ev.Error.Message)
	}
	entry.Info("Progress")
}
