package service

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/sessionlens/api/internal/attempt"
)

const (
	TaskTypeProcess = "session:process"
	TaskTypeAnalyze = "session:analyze"

	QueueProcessing = "processing"
	QueueAnalysis   = "analysis"

	// taskSlack covers the local stages and store writes around the
	// external calls.
	taskSlack = 5 * time.Minute
)

// Enqueuer is the part of asynq.Client the services need.
type Enqueuer interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// TaskPayload identifies the session epoch a task works on.
type TaskPayload struct {
	SessionID string `json:"sessionId"`
	Epoch     int    `json:"epoch"`
}

// ParseTaskPayload decodes the payload of a session task.
func ParseTaskPayload(t *asynq.Task) (TaskPayload, error) {
	var p TaskPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return p, fmt.Errorf("failed to unmarshal task payload: %w", err)
	}
	if p.SessionID == "" {
		return p, fmt.Errorf("task payload has no session id")
	}
	return p, nil
}

// TaskTimeout bounds one session task. Processing makes two external calls
// in sequence (transcription then diarization) and analysis runs two waves,
// so either task may spend the whole retry budget twice.
func TaskTimeout(p attempt.Policy) time.Duration {
	budget := p.Budget()
	if budget <= 0 {
		return 0
	}
	return 2*budget + taskSlack
}

func newSessionTask(taskType, sessionID string, epoch int, timeout time.Duration) (*asynq.Task, []asynq.Option, error) {
	payload, err := json.Marshal(TaskPayload{SessionID: sessionID, Epoch: epoch})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	queue := QueueProcessing
	if taskType == TaskTypeAnalyze {
		queue = QueueAnalysis
	}
	opts := []asynq.Option{
		asynq.Queue(queue),
		asynq.MaxRetry(3),
		asynq.Retention(24 * time.Hour),
	}
	if timeout > 0 {
		opts = append(opts, asynq.Timeout(timeout))
	}
	return asynq.NewTask(taskType, payload), opts, nil
}
