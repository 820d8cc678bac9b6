// Package roles infers therapist and client roles for anonymous diarized
// speakers from their speaking statistics.
package roles

import (
	"sort"

	"github.com/sessionlens/api/internal/model"
)

// Confidence values produced by the heuristics.
const (
	ConfidenceSingle       = 0.50
	ConfidenceFirstSpeaker = 0.70
	ConfidenceRatio        = 0.75
	ConfidenceInconclusive = 0.50
	ConfidenceAgree        = 0.85
	ConfidenceRatioWins    = 0.65
	ConfidenceFallback     = 0.55
	ConfidenceOther        = 0.50
)

// Methods recorded with each assignment.
const (
	MethodSingleSpeaker = "single_speaker"
	MethodAgreement     = "first_speaker+speaking_ratio"
	MethodRatio         = "speaking_ratio"
	MethodFirstSpeaker  = "first_speaker"
	MethodOther         = "additional_speaker"
)

// Config is the facilitator speaking-share band.
type Config struct {
	RatioMin float64 `mapstructure:"ratio_min" validate:"gte=0,lt=1"`
	RatioMax float64 `mapstructure:"ratio_max" validate:"gtfield=RatioMin,lte=1"`
}

// DefaultConfig returns the 30-40% facilitator band.
func DefaultConfig() Config {
	return Config{RatioMin: 0.30, RatioMax: 0.40}
}

// ComputeStats derives per-speaker statistics from diarized segments,
// ordered by total speaking time descending.
func ComputeStats(segs []model.DiarizedSegment) []model.SpeakerStats {
	byID := map[string]*model.SpeakerStats{}
	var order []string
	var total float64
	for _, s := range segs {
		st, ok := byID[s.SpeakerID]
		if !ok {
			st = &model.SpeakerStats{SpeakerID: s.SpeakerID, FirstStart: s.Start}
			byID[s.SpeakerID] = st
			order = append(order, s.SpeakerID)
		}
		d := s.Duration()
		st.TotalTime += d
		st.SegmentCount++
		if s.Start < st.FirstStart {
			st.FirstStart = s.Start
		}
		total += d
	}

	out := make([]model.SpeakerStats, 0, len(order))
	for _, id := range order {
		st := byID[id]
		st.AverageLength = st.TotalTime / float64(st.SegmentCount)
		if total > 0 {
			st.Ratio = st.TotalTime / total
		}
		out = append(out, *st)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].TotalTime > out[j].TotalTime })
	return out
}

// Classify maps each speaker to a role with a confidence. It is a pure
// function of the statistics.
func Classify(stats []model.SpeakerStats, cfg Config) map[string]model.SpeakerRole {
	out := make(map[string]model.SpeakerRole, len(stats))
	switch len(stats) {
	case 0:
		return out
	case 1:
		out[stats[0].SpeakerID] = assignment(model.RoleClient, ConfidenceSingle, MethodSingleSpeaker, stats[0])
		return out
	}

	ranked := append([]model.SpeakerStats(nil), stats...)
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].TotalTime > ranked[j].TotalTime })

	pair := [2]model.SpeakerStats{ranked[0], ranked[1]}
	// the ratio band applies to the pair's own share
	pairTotal := pair[0].TotalTime + pair[1].TotalTime
	if pairTotal > 0 {
		for i := range pair {
			pair[i].Ratio = pair[i].TotalTime / pairTotal
		}
	}

	facilitator, confidence, method := resolvePair(pair, cfg)
	for i, st := range pair {
		role := model.RoleClient
		if i == facilitator {
			role = model.RoleTherapist
		}
		out[st.SpeakerID] = assignment(role, confidence, method, ranked[i])
	}
	for _, st := range ranked[2:] {
		out[st.SpeakerID] = assignment(model.RoleOther, ConfidenceOther, MethodOther, st)
	}
	return out
}

// resolvePair combines the first-speaker and speaking-ratio heuristics and
// returns the index of the facilitator within the pair.
func resolvePair(pair [2]model.SpeakerStats, cfg Config) (int, float64, string) {
	first := FirstSpeaker(pair)
	byRatio, conclusive := SpeakingRatio(pair, cfg)

	switch {
	case conclusive && byRatio == first:
		return first, ConfidenceAgree, MethodAgreement
	case conclusive:
		return byRatio, ConfidenceRatioWins, MethodRatio
	default:
		return first, ConfidenceFallback, MethodFirstSpeaker
	}
}

// FirstSpeaker returns the index of the speaker who spoke first.
func FirstSpeaker(pair [2]model.SpeakerStats) int {
	if pair[1].FirstStart < pair[0].FirstStart {
		return 1
	}
	return 0
}

// SpeakingRatio returns the index of the speaker whose share falls inside
// the facilitator band. It is inconclusive when neither or both do.
func SpeakingRatio(pair [2]model.SpeakerStats, cfg Config) (int, bool) {
	in0 := inBand(pair[0].Ratio, cfg)
	in1 := inBand(pair[1].Ratio, cfg)
	switch {
	case in0 && !in1:
		return 0, true
	case in1 && !in0:
		return 1, true
	}
	return -1, false
}

func inBand(ratio float64, cfg Config) bool {
	return ratio >= cfg.RatioMin && ratio <= cfg.RatioMax
}

func assignment(role model.Role, confidence float64, method string, st model.SpeakerStats) model.SpeakerRole {
	stats := st
	return model.SpeakerRole{Role: role, Confidence: confidence, Method: method, Stats: &stats}
}

// Apply labels every segment with the role of its speaker. Speakers missing
// from the mapping are labeled other.
func Apply(segs []model.DiarizedSegment, mapping map[string]model.SpeakerRole) {
	for i := range segs {
		if r, ok := mapping[segs[i].SpeakerID]; ok {
			segs[i].Role = r.Role
		} else {
			segs[i].Role = model.RoleOther
		}
	}
}

// Label computes stats, classifies, and applies the result in one step.
func Label(segs []model.DiarizedSegment, cfg Config) map[string]model.SpeakerRole {
	mapping := Classify(ComputeStats(segs), cfg)
	Apply(segs, mapping)
	return mapping
}
