package model

// WebSocket message types
const (
	WSMessageTypeStatus   = "status"
	WSMessageTypeWorker   = "worker"
	WSMessageTypeComplete = "complete"
	WSMessageTypeError    = "error"
	WSMessageTypePing     = "ping"
	WSMessageTypePong     = "pong"
)

// WSMessage represents a generic WebSocket message
type WSMessage struct {
	Type string `json:"type"`
}

// SessionEvent is pushed to subscribers of a session whenever the pipeline
// changes its state.
type SessionEvent struct {
	Type             string           `json:"type"`
	SessionID        string           `json:"sessionId"`
	Epoch            int              `json:"epoch"`
	ProcessingStatus ProcessingStatus `json:"processingStatus,omitempty"`
	AnalysisStatus   AnalysisStatus   `json:"analysisStatus,omitempty"`
	Worker           AnalysisKind     `json:"worker,omitempty"`
	WorkerState      WorkerState      `json:"workerState,omitempty"`
	Error            *WSError         `json:"error,omitempty"`
}

// WSError represents error details
type WSError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewStatusEvent snapshots the session's state machines for subscribers.
func NewStatusEvent(s *Session) SessionEvent {
	ev := SessionEvent{
		Type:             WSMessageTypeStatus,
		SessionID:        s.ID,
		Epoch:            s.Epoch,
		ProcessingStatus: s.ProcessingStatus,
		AnalysisStatus:   s.AnalysisStatus,
	}
	switch {
	case s.AnalysisStatus == AnalysisComplete:
		ev.Type = WSMessageTypeComplete
	case s.AnalysisStatus == AnalysisFailed, s.ProcessingStatus == ProcessingFailed:
		ev.Type = WSMessageTypeError
		ev.Error = &WSError{Code: "SESSION_FAILED", Message: s.LastError}
	}
	return ev
}
