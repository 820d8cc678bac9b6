package model

// ProcessingStatus tracks the audio → transcript stages of a session.
type ProcessingStatus string

const (
	ProcessingPending      ProcessingStatus = "pending"
	ProcessingTranscribing ProcessingStatus = "transcribing"
	ProcessingTranscribed  ProcessingStatus = "transcribed"
	ProcessingDiarizing    ProcessingStatus = "diarizing"
	ProcessingAligned      ProcessingStatus = "aligned"
	ProcessingFailed       ProcessingStatus = "failed"
)

var processingNext = map[ProcessingStatus][]ProcessingStatus{
	ProcessingPending:      {ProcessingTranscribing, ProcessingFailed},
	ProcessingTranscribing: {ProcessingTranscribed, ProcessingFailed},
	ProcessingTranscribed:  {ProcessingDiarizing, ProcessingFailed},
	ProcessingDiarizing:    {ProcessingAligned, ProcessingFailed},
}

// CanTransition reports whether the processing status may move from s to next.
func (s ProcessingStatus) CanTransition(next ProcessingStatus) bool {
	return contains(processingNext[s], next)
}

// Terminal reports whether no further processing transition is possible.
func (s ProcessingStatus) Terminal() bool {
	return s == ProcessingAligned || s == ProcessingFailed
}

// AnalysisStatus is the two-wave analysis state machine.
type AnalysisStatus string

const (
	AnalysisPending       AnalysisStatus = "pending"
	AnalysisWave1Running  AnalysisStatus = "wave1_running"
	AnalysisWave1Complete AnalysisStatus = "wave1_complete"
	AnalysisWave2Running  AnalysisStatus = "wave2_running"
	AnalysisComplete      AnalysisStatus = "complete"
	AnalysisFailed        AnalysisStatus = "failed"
)

var analysisNext = map[AnalysisStatus][]AnalysisStatus{
	AnalysisPending:       {AnalysisWave1Running, AnalysisFailed},
	AnalysisWave1Running:  {AnalysisWave1Complete, AnalysisFailed},
	AnalysisWave1Complete: {AnalysisWave2Running, AnalysisFailed},
	AnalysisWave2Running:  {AnalysisComplete, AnalysisFailed},
}

// CanTransition reports whether the analysis status may move from s to next.
// Returning to pending is only possible through an explicit reset and is
// not a transition.
func (s AnalysisStatus) CanTransition(next AnalysisStatus) bool {
	return contains(analysisNext[s], next)
}

// Running reports whether a wave is in flight.
func (s AnalysisStatus) Running() bool {
	return s == AnalysisWave1Running || s == AnalysisWave2Running
}

// Terminal reports whether the analysis has finished.
func (s AnalysisStatus) Terminal() bool {
	return s == AnalysisComplete || s == AnalysisFailed
}

// WorkerState is the lifecycle of one analysis worker within an epoch.
type WorkerState string

const (
	WorkerPending   WorkerState = "pending"
	WorkerRunning   WorkerState = "running"
	WorkerSucceeded WorkerState = "succeeded"
	WorkerFailed    WorkerState = "failed"
)

func contains[T comparable](list []T, v T) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
