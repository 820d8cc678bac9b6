package analysis

import (
	_ "embed"
	"fmt"
	"strings"
	"text/template"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sessionlens/api/internal/apperr"
	"github.com/sessionlens/api/internal/model"
)

//go:embed prompts.yaml
var promptsYAML []byte

type promptSpec struct {
	System string `yaml:"system"`
	User   string `yaml:"user"`
}

type prompt struct {
	system *template.Template
	user   *template.Template
}

// Catalog holds the parsed prompt templates per analysis kind.
type Catalog struct {
	prompts map[model.AnalysisKind]prompt
}

var templateFuncs = template.FuncMap{
	"join":    strings.Join,
	"percent": func(v float64) float64 { return v * 100 },
}

// LoadCatalog parses the embedded prompt catalog.
func LoadCatalog() (*Catalog, error) {
	return parseCatalog(promptsYAML)
}

func parseCatalog(raw []byte) (*Catalog, error) {
	var specs map[model.AnalysisKind]promptSpec
	if err := yaml.Unmarshal(raw, &specs); err != nil {
		return nil, fmt.Errorf("parse prompt catalog: %w", err)
	}

	c := &Catalog{prompts: make(map[model.AnalysisKind]prompt, len(specs))}
	for _, kind := range append(append([]model.AnalysisKind(nil), model.Wave1Kinds...), model.KindDeep) {
		spec, ok := specs[kind]
		if !ok {
			return nil, fmt.Errorf("prompt catalog has no %q entry", kind)
		}
		sys, err := template.New(string(kind) + ".system").Funcs(templateFuncs).Option("missingkey=error").Parse(spec.System)
		if err != nil {
			return nil, fmt.Errorf("parse %s system prompt: %w", kind, err)
		}
		usr, err := template.New(string(kind) + ".user").Funcs(templateFuncs).Option("missingkey=error").Parse(spec.User)
		if err != nil {
			return nil, fmt.Errorf("parse %s user prompt: %w", kind, err)
		}
		c.prompts[kind] = prompt{system: sys, user: usr}
	}
	return c, nil
}

// Render builds the system and user prompts for kind.
func (c *Catalog) Render(kind model.AnalysisKind, data *PromptData) (string, string, error) {
	const op = "analysis.prompt"
	p, ok := c.prompts[kind]
	if !ok {
		return "", "", apperr.Validationf(op, "no prompt for %q", kind)
	}
	var sys, usr strings.Builder
	if err := p.system.Execute(&sys, data); err != nil {
		return "", "", apperr.Wrap(apperr.KindValidation, op, err)
	}
	if err := p.user.Execute(&usr, data); err != nil {
		return "", "", apperr.Wrap(apperr.KindValidation, op, err)
	}
	return strings.TrimSpace(sys.String()), strings.TrimSpace(usr.String()), nil
}

// PromptData is everything a prompt template may reference.
type PromptData struct {
	Transcript        string
	Duration          string
	Speakers          string
	Date              string
	BreakthroughTypes string

	Mood         *model.MoodResult
	Topics       *model.TopicResult
	Breakthrough *model.BreakthroughResult

	History     []HistoryItem
	Consistency model.Consistency
	Goals       []model.Goal
}

// HistoryItem is a prior session as the deep prompt sees it.
type HistoryItem struct {
	Date         string
	Mood         *model.MoodResult
	Topics       *model.TopicResult
	Breakthrough bool
	Deep         *model.DeepResult
}

// NewPromptData renders the session transcript for the prompts.
func NewPromptData(s *model.Session, rules Rules) *PromptData {
	var b strings.Builder
	for _, seg := range s.Segments {
		fmt.Fprintf(&b, "[%s] %s: %s\n", clock(seg.Start), speakerLabel(seg), seg.Text)
	}

	var speakers []string
	for _, id := range s.SpeakerIDs() {
		r, ok := s.Speakers[id]
		if !ok {
			speakers = append(speakers, id)
			continue
		}
		speakers = append(speakers, fmt.Sprintf("%s=%s (%.2f)", id, r.Role, r.Confidence))
	}

	return &PromptData{
		Transcript:        strings.TrimRight(b.String(), "\n"),
		Duration:          time.Duration(s.Duration() * float64(time.Second)).Round(time.Second).String(),
		Speakers:          strings.Join(speakers, ", "),
		Date:              s.OccurredAt().Format("2006-01-02"),
		BreakthroughTypes: strings.Join(rules.BreakthroughTypes, ", "),
		Mood:              s.Mood,
		Topics:            s.Topics,
		Breakthrough:      s.Breakthrough,
	}
}

// WithHistory attaches the Wave 2 context.
func (d *PromptData) WithHistory(history []*model.Session, consistency model.Consistency, goals []model.Goal) *PromptData {
	d.Consistency = consistency
	d.Goals = goals
	d.History = make([]HistoryItem, 0, len(history))
	for _, h := range history {
		d.History = append(d.History, HistoryItem{
			Date:         h.OccurredAt().Format("2006-01-02"),
			Mood:         h.Mood,
			Topics:       h.Topics,
			Breakthrough: h.Breakthrough != nil && h.Breakthrough.HasBreakthrough,
			Deep:         h.Deep,
		})
	}
	return d
}

func speakerLabel(seg model.DiarizedSegment) string {
	switch seg.Role {
	case model.RoleTherapist:
		return "Therapist"
	case model.RoleClient:
		return "Client"
	case model.RoleOther:
		return "Other (" + seg.SpeakerID + ")"
	}
	return seg.SpeakerID
}

func clock(sec float64) string {
	total := int(sec)
	return fmt.Sprintf("%02d:%02d", total/60, total%60)
}
