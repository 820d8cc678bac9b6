package model

import "time"

// CreateSessionRequest carries the form fields of an audio upload.
type CreateSessionRequest struct {
	SubjectID  string     `form:"subjectId" validate:"required,max=128"`
	Title      string     `form:"title" validate:"max=200"`
	RecordedAt *time.Time `form:"-"`
}

// CreateSessionResponse is returned once the upload is accepted.
type CreateSessionResponse struct {
	SessionID        string           `json:"sessionId"`
	ProcessingStatus ProcessingStatus `json:"processingStatus"`
	AnalysisStatus   AnalysisStatus   `json:"analysisStatus"`
	CreatedAt        time.Time        `json:"createdAt"`
}

// AnalyzeRequest asks for an analysis run. Force bypasses the duplicate-run
// guard and starts a new epoch.
type AnalyzeRequest struct {
	Force bool `json:"force"`
}

// AnalyzeResponse acknowledges a queued analysis run.
type AnalyzeResponse struct {
	SessionID      string         `json:"sessionId"`
	Epoch          int            `json:"epoch"`
	AnalysisStatus AnalysisStatus `json:"analysisStatus"`
	Queued         bool           `json:"queued"`
}

// WaveProgress summarizes the workers of one wave.
type WaveProgress struct {
	Total     int                           `json:"total"`
	Succeeded int                           `json:"succeeded"`
	Failed    int                           `json:"failed"`
	Running   int                           `json:"running"`
	Workers   map[AnalysisKind]WorkerStatus `json:"workers"`
}

// StatusResponse is the get_status view of a session.
type StatusResponse struct {
	SessionID        string               `json:"sessionId"`
	Epoch            int                  `json:"epoch"`
	ProcessingStatus ProcessingStatus     `json:"processingStatus"`
	AnalysisStatus   AnalysisStatus       `json:"analysisStatus"`
	Wave1            WaveProgress         `json:"wave1"`
	Wave2            WaveProgress         `json:"wave2"`
	LastError        *string              `json:"lastError,omitempty"`
	StageTimes       map[string]time.Time `json:"stageTimes,omitempty"`
	UpdatedAt        time.Time            `json:"updatedAt"`
}

// BuildStatus derives the status view from a session record.
func BuildStatus(s *Session) *StatusResponse {
	resp := &StatusResponse{
		SessionID:        s.ID,
		Epoch:            s.Epoch,
		ProcessingStatus: s.ProcessingStatus,
		AnalysisStatus:   s.AnalysisStatus,
		Wave1:            waveProgress(s, Wave1Kinds),
		Wave2:            waveProgress(s, []AnalysisKind{KindDeep}),
		StageTimes:       s.StageTimes,
		UpdatedAt:        s.UpdatedAt,
	}
	if s.LastError != "" {
		msg := s.LastError
		resp.LastError = &msg
	}
	return resp
}

func waveProgress(s *Session, kinds []AnalysisKind) WaveProgress {
	wp := WaveProgress{Total: len(kinds), Workers: make(map[AnalysisKind]WorkerStatus, len(kinds))}
	for _, k := range kinds {
		ws, ok := s.Workers[k]
		if !ok {
			ws = WorkerStatus{State: WorkerPending}
		}
		wp.Workers[k] = ws
		switch ws.State {
		case WorkerSucceeded:
			wp.Succeeded++
		case WorkerFailed:
			wp.Failed++
		case WorkerRunning:
			wp.Running++
		}
	}
	return wp
}
