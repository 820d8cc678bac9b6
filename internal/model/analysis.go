package model

import "time"

// ResultSchemaVersion is bumped whenever a result payload changes shape.
const ResultSchemaVersion = 1

// AnalysisKind names one analysis worker and the result it produces.
type AnalysisKind string

const (
	KindMood         AnalysisKind = "mood"
	KindTopic        AnalysisKind = "topic"
	KindBreakthrough AnalysisKind = "breakthrough"
	KindDeep         AnalysisKind = "deep"
)

// Wave1Kinds are the independent extraction workers run concurrently.
var Wave1Kinds = []AnalysisKind{KindMood, KindTopic, KindBreakthrough}

// Wave reports which wave the kind belongs to.
func (k AnalysisKind) Wave() int {
	if k == KindDeep {
		return 2
	}
	return 1
}

// MoodResult is the clamped mood extraction.
type MoodResult struct {
	Score      float64  `json:"score"`
	Confidence float64  `json:"confidence"`
	Rationale  string   `json:"rationale"`
	Indicators []string `json:"indicators"`
}

// TopicResult is the topic/summary extraction.
type TopicResult struct {
	Topics      []string `json:"topics"`
	ActionItems []string `json:"actionItems"`
	Technique   string   `json:"technique"`
	Summary     string   `json:"summary"`
}

// TimeRange is a span within the session in seconds.
type TimeRange struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// BreakthroughCandidate is an accepted breakthrough moment.
type BreakthroughCandidate struct {
	Type        string    `json:"type"`
	Description string    `json:"description"`
	Confidence  float64   `json:"confidence"`
	Evidence    []string  `json:"evidence"`
	TimeRange   TimeRange `json:"timeRange"`
}

// BreakthroughResult is the gated breakthrough flag.
type BreakthroughResult struct {
	HasBreakthrough bool                   `json:"hasBreakthrough"`
	Candidate       *BreakthroughCandidate `json:"candidate,omitempty"`
}

// Progress is the deep synthesis view of therapeutic progress.
type Progress struct {
	Summary    string   `json:"summary"`
	Trajectory string   `json:"trajectory"`
	Strengths  []string `json:"strengths"`
	Concerns   []string `json:"concerns"`
}

// Skill is a coping or therapeutic skill observed in the session.
type Skill struct {
	Name     string `json:"name"`
	Evidence string `json:"evidence"`
	Mastery  string `json:"mastery"`
}

// DeepResult is the Wave 2 synthesis over the session and its history.
type DeepResult struct {
	Progress        Progress `json:"progress"`
	Insights        []string `json:"insights"`
	Skills          []Skill  `json:"skills"`
	Recommendations []string `json:"recommendations"`
	Confidence      float64  `json:"confidence"`
}

// AnalysisResult is the versioned envelope persisted per worker run.
// Exactly one payload field is set, matching Kind.
type AnalysisResult struct {
	Kind          AnalysisKind `json:"kind"`
	SchemaVersion int          `json:"schemaVersion"`
	Epoch         int          `json:"epoch"`
	ProducedAt    time.Time    `json:"producedAt"`

	Mood         *MoodResult         `json:"mood,omitempty"`
	Topic        *TopicResult        `json:"topic,omitempty"`
	Breakthrough *BreakthroughResult `json:"breakthrough,omitempty"`
	Deep         *DeepResult         `json:"deep,omitempty"`
}

// Valid reports whether the payload matching Kind is present.
func (r *AnalysisResult) Valid() bool {
	switch r.Kind {
	case KindMood:
		return r.Mood != nil
	case KindTopic:
		return r.Topic != nil
	case KindBreakthrough:
		return r.Breakthrough != nil
	case KindDeep:
		return r.Deep != nil
	}
	return false
}

// ProcessingLogEntry records one worker or stage attempt. Diagnostics only.
type ProcessingLogEntry struct {
	SessionID  string        `json:"sessionId"`
	Epoch      int           `json:"epoch"`
	Wave       int           `json:"wave"`
	Stage      string        `json:"stage"`
	Attempt    int           `json:"attempt"`
	Status     string        `json:"status"`
	Duration   time.Duration `json:"duration"`
	NextDelay  time.Duration `json:"nextDelay,omitempty"`
	Error      string        `json:"error,omitempty"`
	RecordedAt time.Time     `json:"recordedAt"`
}

// Goal is an active treatment goal supplied by an external collaborator.
type Goal struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Progress    float64 `json:"progress"`
}

// Consistency summarizes the subject's recent attendance and mood.
type Consistency struct {
	SessionsInWindow      int     `json:"sessionsInWindow"`
	AverageMood           float64 `json:"averageMood"`
	MoodTrend             string  `json:"moodTrend"`
	DaysSincePriorSession float64 `json:"daysSincePriorSession"`
	BreakthroughsInWindow int     `json:"breakthroughsInWindow"`
}
