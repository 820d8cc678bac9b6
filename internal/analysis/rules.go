package analysis

import (
	"encoding/json"
	"math"
	"strings"

	"github.com/sessionlens/api/internal/model"
)

const (
	defaultMoodConfidence = 0.7
	topicPlaceholder      = "general check-in"
	maxTopics             = 2
	ellipsis              = "..."
)

// DefaultBreakthroughTypes is the allow-list of accepted breakthrough categories.
var DefaultBreakthroughTypes = []string{
	"cognitive_reframe",
	"emotional_release",
	"insight",
	"behavioral_commitment",
	"pattern_recognition",
	"self_compassion",
}

// Rules are the validation limits applied to model output.
type Rules struct {
	SummaryMaxChars           int
	BreakthroughMinConfidence float64
	BreakthroughTypes         []string
}

// DefaultRules returns the standard limits.
func DefaultRules() Rules {
	return Rules{
		SummaryMaxChars:           150,
		BreakthroughMinConfidence: 0.8,
		BreakthroughTypes:         append([]string(nil), DefaultBreakthroughTypes...),
	}
}

func (r Rules) allowsType(t string) bool {
	norm := normalizeType(t)
	for _, allowed := range r.BreakthroughTypes {
		if normalizeType(allowed) == norm {
			return true
		}
	}
	return false
}

func normalizeType(t string) string {
	t = strings.ToLower(strings.TrimSpace(t))
	return strings.NewReplacer(" ", "_", "-", "_").Replace(t)
}

// Raw model output shapes. Numbers that the model may omit or send as
// something else are kept as json.RawMessage and coerced afterwards.

type rawMood struct {
	Score      float64         `json:"score"`
	Confidence json.RawMessage `json:"confidence"`
	Rationale  string          `json:"rationale"`
	Indicators []string        `json:"indicators"`
}

type rawTopic struct {
	Topics      []string `json:"topics"`
	ActionItems []string `json:"action_items"`
	Technique   string   `json:"technique"`
	Summary     string   `json:"summary"`
}

type rawCandidate struct {
	Type        string          `json:"type"`
	Description string          `json:"description"`
	Confidence  json.RawMessage `json:"confidence"`
	Evidence    []string        `json:"evidence"`
	TimeRange   *struct {
		Start float64 `json:"start"`
		End   float64 `json:"end"`
	} `json:"time_range"`
}

type rawBreakthrough struct {
	HasBreakthrough bool          `json:"has_breakthrough"`
	Candidate       *rawCandidate `json:"candidate"`
}

type rawSkill struct {
	Name     string `json:"name"`
	Evidence string `json:"evidence"`
	Mastery  string `json:"mastery"`
}

type rawDeep struct {
	Progress *struct {
		Summary    string   `json:"summary"`
		Trajectory string   `json:"trajectory"`
		Strengths  []string `json:"strengths"`
		Concerns   []string `json:"concerns"`
	} `json:"progress"`
	Insights        []string        `json:"insights"`
	Skills          []rawSkill      `json:"skills"`
	Recommendations []string        `json:"recommendations"`
	Confidence      json.RawMessage `json:"confidence"`
}

// ClampMood rounds the score to the nearest half point within [0,10].
// A confidence that is missing or not a number becomes the default.
func ClampMood(score float64, confidence *float64) (float64, float64) {
	s := clamp(math.Round(score*2)/2, 0, 10)
	if math.IsNaN(score) {
		s = 0
	}
	c := defaultMoodConfidence
	if confidence != nil && !math.IsNaN(*confidence) {
		c = clamp(*confidence, 0, 1)
	}
	return s, c
}

func (r Rules) mood(raw rawMood) *model.MoodResult {
	score, conf := ClampMood(raw.Score, number(raw.Confidence))
	return &model.MoodResult{
		Score:      score,
		Confidence: conf,
		Rationale:  strings.TrimSpace(raw.Rationale),
		Indicators: nonNil(compact(raw.Indicators)),
	}
}

func (r Rules) topic(raw rawTopic) *model.TopicResult {
	topics := compact(raw.Topics)
	if len(topics) > maxTopics {
		topics = topics[:maxTopics]
	}
	if len(topics) == 0 {
		topics = []string{topicPlaceholder}
	}
	return &model.TopicResult{
		Topics:      topics,
		ActionItems: nonNil(compact(raw.ActionItems)),
		Technique:   strings.TrimSpace(raw.Technique),
		Summary:     TruncateSummary(strings.TrimSpace(raw.Summary), r.SummaryMaxChars),
	}
}

// TruncateSummary cuts s at the last word boundary that keeps it, with
// the ellipsis marker, within max characters.
func TruncateSummary(s string, max int) string {
	runes := []rune(s)
	if max <= 0 || len(runes) <= max {
		return s
	}
	budget := max - len(ellipsis)
	if budget <= 0 {
		return string(runes[:max])
	}
	cut := string(runes[:budget])
	if !isSpace(runes[budget]) {
		if i := strings.LastIndexAny(cut, " \t\n"); i > 0 {
			cut = cut[:i]
		}
	}
	return strings.TrimRight(cut, " \t\n.,;:") + ellipsis
}

func isSpace(r rune) bool { return r == ' ' || r == '\t' || r == '\n' }

// breakthrough discards any candidate that misses the confidence gate or
// whose type is not allow-listed.
func (r Rules) breakthrough(raw rawBreakthrough) *model.BreakthroughResult {
	rejected := &model.BreakthroughResult{HasBreakthrough: false}
	if !raw.HasBreakthrough || raw.Candidate == nil {
		return rejected
	}
	c := raw.Candidate
	conf := number(c.Confidence)
	if conf == nil || math.IsNaN(*conf) {
		return rejected
	}
	confidence := clamp(*conf, 0, 1)
	if confidence < r.BreakthroughMinConfidence || !r.allowsType(c.Type) {
		return rejected
	}

	candidate := &model.BreakthroughCandidate{
		Type:        normalizeType(c.Type),
		Description: strings.TrimSpace(c.Description),
		Confidence:  confidence,
		Evidence:    nonNil(compact(c.Evidence)),
	}
	if c.TimeRange != nil {
		start, end := math.Max(c.TimeRange.Start, 0), c.TimeRange.End
		if end < start {
			end = start
		}
		candidate.TimeRange = model.TimeRange{Start: start, End: end}
	}
	return &model.BreakthroughResult{HasBreakthrough: true, Candidate: candidate}
}

// deep fills every missing part with an empty default.
func (r Rules) deep(raw rawDeep) *model.DeepResult {
	out := &model.DeepResult{
		Insights:        nonNil(compact(raw.Insights)),
		Recommendations: nonNil(compact(raw.Recommendations)),
		Skills:          []model.Skill{},
	}
	out.Progress = model.Progress{Trajectory: "unclear", Strengths: []string{}, Concerns: []string{}}
	if p := raw.Progress; p != nil {
		out.Progress.Summary = strings.TrimSpace(p.Summary)
		if t := strings.ToLower(strings.TrimSpace(p.Trajectory)); t != "" {
			out.Progress.Trajectory = t
		}
		out.Progress.Strengths = nonNil(compact(p.Strengths))
		out.Progress.Concerns = nonNil(compact(p.Concerns))
	}
	for _, sk := range raw.Skills {
		if strings.TrimSpace(sk.Name) == "" {
			continue
		}
		out.Skills = append(out.Skills, model.Skill{
			Name:     strings.TrimSpace(sk.Name),
			Evidence: strings.TrimSpace(sk.Evidence),
			Mastery:  strings.ToLower(strings.TrimSpace(sk.Mastery)),
		})
	}
	if c := number(raw.Confidence); c != nil && !math.IsNaN(*c) {
		out.Confidence = clamp(*c, 0, 1)
	}
	return out
}

// number decodes a JSON number, returning nil for anything else.
func number(raw json.RawMessage) *float64 {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return &v
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func compact(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
