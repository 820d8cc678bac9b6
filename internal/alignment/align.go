// Package alignment merges independently timestamped transcription and
// diarization outputs into one speaker-attributed timeline.
package alignment

import (
	"math"
	"sort"
	"strings"

	"github.com/sessionlens/api/internal/apperr"
	"github.com/sessionlens/api/internal/model"
)

const op = "alignment.align"

// Align attributes each transcript segment to the diarization speaker it
// overlaps most. Equal overlap goes to the turn that starts earlier. A
// segment with no overlap takes the previous segment's speaker, or for the
// first segment the nearest turn in time. Any gap between consecutive
// output segments longer than maxGap seconds is rejected. Roles are left
// unset.
func Align(transcript []model.TranscriptSegment, turns []model.SpeakerTurn, maxGap float64) ([]model.DiarizedSegment, error) {
	if len(turns) == 0 {
		return nil, apperr.Alignmentf(op, "diarization produced no speaker turns")
	}
	for i, t := range turns {
		if !(t.Start < t.End) {
			return nil, apperr.Validationf(op, "speaker turn %d has start %.3f not before end %.3f", i, t.Start, t.End)
		}
		if strings.TrimSpace(t.SpeakerID) == "" {
			return nil, apperr.Validationf(op, "speaker turn %d has no speaker id", i)
		}
	}

	segs := make([]model.TranscriptSegment, 0, len(transcript))
	for i, s := range transcript {
		if !(s.Start < s.End) {
			return nil, apperr.Validationf(op, "transcript segment %d has start %.3f not before end %.3f", i, s.Start, s.End)
		}
		if strings.TrimSpace(s.Text) == "" {
			continue
		}
		segs = append(segs, s)
	}
	if len(segs) == 0 {
		return nil, apperr.Validationf(op, "transcript has no text")
	}

	sorted := append([]model.SpeakerTurn(nil), turns...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })
	sort.SliceStable(segs, func(i, j int) bool { return segs[i].Start < segs[j].Start })

	out := make([]model.DiarizedSegment, 0, len(segs))
	for i, s := range segs {
		speaker, ok := bestOverlap(s, sorted)
		if !ok {
			if i == 0 {
				speaker = nearest(s, sorted)
			} else {
				speaker = out[i-1].SpeakerID
			}
		}
		out = append(out, model.DiarizedSegment{
			Start:     s.Start,
			End:       s.End,
			SpeakerID: speaker,
			Text:      strings.TrimSpace(s.Text),
		})
	}

	if err := CheckCoverage(out, maxGap); err != nil {
		return nil, err
	}
	return out, nil
}

// bestOverlap expects turns sorted by start, so keeping the first maximum
// resolves ties toward the earlier turn.
func bestOverlap(s model.TranscriptSegment, turns []model.SpeakerTurn) (string, bool) {
	var (
		best    string
		bestDur float64
	)
	for _, t := range turns {
		if t.Start >= s.End {
			break
		}
		dur := math.Min(s.End, t.End) - math.Max(s.Start, t.Start)
		if dur > bestDur {
			bestDur = dur
			best = t.SpeakerID
		}
	}
	return best, bestDur > 0
}

func nearest(s model.TranscriptSegment, turns []model.SpeakerTurn) string {
	best := turns[0].SpeakerID
	bestDist := math.Inf(1)
	for _, t := range turns {
		var dist float64
		switch {
		case t.End <= s.Start:
			dist = s.Start - t.End
		case t.Start >= s.End:
			dist = t.Start - s.End
		}
		if dist < bestDist {
			bestDist = dist
			best = t.SpeakerID
		}
	}
	return best
}

// CheckCoverage verifies segments are ordered by start and that no gap
// between consecutive segments exceeds maxGap seconds.
func CheckCoverage(segs []model.DiarizedSegment, maxGap float64) error {
	for i := 1; i < len(segs); i++ {
		prev, cur := segs[i-1], segs[i]
		if cur.Start < prev.Start {
			return apperr.Alignmentf(op, "segment %d starts at %.3f before segment %d at %.3f", i, cur.Start, i-1, prev.Start)
		}
		if gap := cur.Start - prev.End; maxGap > 0 && gap > maxGap {
			return apperr.Alignmentf(op, "gap of %.2fs between %.2fs and %.2fs exceeds %.2fs", gap, prev.End, cur.Start, maxGap)
		}
	}
	return nil
}
