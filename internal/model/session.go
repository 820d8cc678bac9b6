package model

import (
	"sort"
	"time"
)

// Role is the semantic label inferred for an anonymous diarized speaker.
type Role string

const (
	RoleTherapist Role = "therapist"
	RoleClient    Role = "client"
	RoleOther     Role = "other"
)

// TranscriptSegment is one span produced by the transcription service.
type TranscriptSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// SpeakerTurn is one span produced by the diarization service.
type SpeakerTurn struct {
	Start     float64 `json:"start"`
	End       float64 `json:"end"`
	SpeakerID string  `json:"speaker_id"`
}

// DiarizedSegment is a speaker-attributed transcript span. Times are seconds.
type DiarizedSegment struct {
	Start     float64 `json:"start"`
	End       float64 `json:"end"`
	SpeakerID string  `json:"speakerId"`
	Role      Role    `json:"role,omitempty"`
	Text      string  `json:"text"`
}

// Duration of the segment in seconds.
func (s DiarizedSegment) Duration() float64 { return s.End - s.Start }

// SpeakerStats is derived per speaker from the diarized segments.
type SpeakerStats struct {
	SpeakerID     string  `json:"speakerId"`
	TotalTime     float64 `json:"totalTime"`
	SegmentCount  int     `json:"segmentCount"`
	AverageLength float64 `json:"averageLength"`
	FirstStart    float64 `json:"firstStart"`
	// Ratio is the speaker's share of total speaking time in the session.
	Ratio float64 `json:"ratio"`
}

// SpeakerRole is the resolved role of one diarized speaker.
type SpeakerRole struct {
	Role       Role          `json:"role"`
	Confidence float64       `json:"confidence"`
	Method     string        `json:"method"`
	Stats      *SpeakerStats `json:"stats,omitempty"`
}

// WorkerStatus is the per-epoch progress of one analysis worker.
type WorkerStatus struct {
	State     WorkerState `json:"state"`
	Attempts  int         `json:"attempts"`
	LastError string      `json:"lastError,omitempty"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

// Session is the unit of work of the pipeline.
type Session struct {
	ID         string     `json:"id"`
	SubjectID  string     `json:"subjectId"`
	Title      string     `json:"title,omitempty"`
	AudioKey   string     `json:"audioKey,omitempty"`
	RecordedAt *time.Time `json:"recordedAt,omitempty"`
	Epoch      int        `json:"epoch"`

	ProcessingStatus ProcessingStatus `json:"processingStatus"`
	AnalysisStatus   AnalysisStatus   `json:"analysisStatus"`
	LastError        string           `json:"lastError,omitempty"`
	// StageTimes records when each status was entered, keyed by status name.
	StageTimes map[string]time.Time `json:"stageTimes,omitempty"`

	Segments []DiarizedSegment      `json:"segments,omitempty"`
	Speakers map[string]SpeakerRole `json:"speakers,omitempty"`

	Mood         *MoodResult                   `json:"mood,omitempty"`
	Topics       *TopicResult                  `json:"topics,omitempty"`
	Breakthrough *BreakthroughResult           `json:"breakthrough,omitempty"`
	Deep         *DeepResult                   `json:"deep,omitempty"`
	Workers      map[AnalysisKind]WorkerStatus `json:"workers,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewSession returns an empty pending session.
func NewSession(id, subjectID string, now time.Time) *Session {
	return &Session{
		ID:               id,
		SubjectID:        subjectID,
		ProcessingStatus: ProcessingPending,
		AnalysisStatus:   AnalysisPending,
		StageTimes:       map[string]time.Time{"processing:" + string(ProcessingPending): now},
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// OccurredAt is the time the session took place, falling back to creation.
func (s *Session) OccurredAt() time.Time {
	if s.RecordedAt != nil {
		return *s.RecordedAt
	}
	return s.CreatedAt
}

// Duration of the transcript in seconds.
func (s *Session) Duration() float64 {
	if len(s.Segments) == 0 {
		return 0
	}
	return s.Segments[len(s.Segments)-1].End - s.Segments[0].Start
}

// MarkProcessing records entry into a processing status.
func (s *Session) MarkProcessing(status ProcessingStatus, now time.Time) {
	s.ProcessingStatus = status
	s.stamp("processing:"+string(status), now)
}

// MarkAnalysis records entry into an analysis status.
func (s *Session) MarkAnalysis(status AnalysisStatus, now time.Time) {
	s.AnalysisStatus = status
	s.stamp("analysis:"+string(status), now)
}

func (s *Session) stamp(key string, now time.Time) {
	if s.StageTimes == nil {
		s.StageTimes = map[string]time.Time{}
	}
	s.StageTimes[key] = now
	s.UpdatedAt = now
}

// ApplyResult stores a result on its matching field.
func (s *Session) ApplyResult(r *AnalysisResult) {
	switch r.Kind {
	case KindMood:
		s.Mood = r.Mood
	case KindTopic:
		s.Topics = r.Topic
	case KindBreakthrough:
		s.Breakthrough = r.Breakthrough
	case KindDeep:
		s.Deep = r.Deep
	}
}

// ClearAnalysis drops every result and worker status.
func (s *Session) ClearAnalysis() {
	s.Mood, s.Topics, s.Breakthrough, s.Deep = nil, nil, nil, nil
	s.Workers = nil
}

// SpeakerIDs returns the distinct speaker ids in segment order of first appearance.
func (s *Session) SpeakerIDs() []string {
	seen := map[string]bool{}
	var ids []string
	for _, seg := range s.Segments {
		if !seen[seg.SpeakerID] {
			seen[seg.SpeakerID] = true
			ids = append(ids, seg.SpeakerID)
		}
	}
	return ids
}

// SortSessionsRecentFirst orders sessions by occurrence, newest first.
func SortSessionsRecentFirst(list []*Session) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].OccurredAt().After(list[j].OccurredAt())
	})
}
