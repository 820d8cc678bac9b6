// Package audio turns uploaded session recordings into the canonical mono
// 16 kHz buffer sent to the transcription and diarization services.
package audio

import (
	"bytes"
	"io"
	"math"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/sirupsen/logrus"

	"github.com/sessionlens/api/internal/apperr"
)

const (
	frameDuration = 10 * time.Millisecond
	silenceFloor  = -120.0
	outBitDepth   = 16
	pcmFormat     = 1
)

// Config holds the preprocessing thresholds.
type Config struct {
	SampleRate         int           `mapstructure:"sample_rate" validate:"min=8000"`
	SilenceThresholdDB float64       `mapstructure:"silence_threshold_db" validate:"lt=0"`
	MinSilence         time.Duration `mapstructure:"min_silence"`
	TargetDB           float64       `mapstructure:"target_db" validate:"lt=0"`
	NormalizeFloorDB   float64       `mapstructure:"normalize_floor_db" validate:"lt=0"`
	CeilingDB          float64       `mapstructure:"ceiling_db" validate:"lte=0"`
	MinDuration        time.Duration `mapstructure:"min_duration"`
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		SampleRate:         16000,
		SilenceThresholdDB: -40,
		MinSilence:         500 * time.Millisecond,
		TargetDB:           -20,
		NormalizeFloorDB:   -30,
		CeilingDB:          -0.1,
		MinDuration:        10 * time.Second,
	}
}

// Buffer is mono float PCM in [-1, 1].
type Buffer struct {
	SampleRate int
	Samples    []float64
}

// Duration of the buffer.
func (b *Buffer) Duration() time.Duration {
	if b.SampleRate == 0 {
		return 0
	}
	return time.Duration(float64(len(b.Samples)) / float64(b.SampleRate) * float64(time.Second))
}

// Report describes what the preprocessor did to a recording.
type Report struct {
	SourceRate     int
	SourceChannels int
	TrimmedLead    time.Duration
	TrimmedTail    time.Duration
	InputRMSDB     float64
	GainDB         float64
	Duration       time.Duration
}

// Preprocessor normalizes raw recordings.
type Preprocessor struct {
	cfg Config
	log *logrus.Entry
}

// NewPreprocessor creates a new preprocessor
func NewPreprocessor(cfg Config, log *logrus.Entry) *Preprocessor {
	return &Preprocessor{cfg: cfg, log: log.WithField("component", "audio")}
}

// Process decodes a WAV recording and returns the canonical buffer.
func (p *Preprocessor) Process(r io.ReadSeeker) (*Buffer, *Report, error) {
	const op = "audio.process"

	mono, rate, channels, err := decode(r)
	if err != nil {
		return nil, nil, err
	}

	report := &Report{SourceRate: rate, SourceChannels: channels}
	samples := resample(mono, rate, p.cfg.SampleRate)

	frame := int(float64(p.cfg.SampleRate) * frameDuration.Seconds())
	minRun := int(p.cfg.MinSilence / frameDuration)
	start, end := trimBounds(samples, frame, minRun, p.cfg.SilenceThresholdDB)
	report.TrimmedLead = samplesToDuration(start, p.cfg.SampleRate)
	report.TrimmedTail = samplesToDuration(len(samples)-end, p.cfg.SampleRate)
	samples = samples[start:end]

	buf := &Buffer{SampleRate: p.cfg.SampleRate, Samples: samples}
	report.Duration = buf.Duration()
	if report.Duration < p.cfg.MinDuration {
		return nil, report, apperr.Validationf(op, "recording has %.1fs of audio after trimming silence, minimum is %.0fs",
			report.Duration.Seconds(), p.cfg.MinDuration.Seconds())
	}

	report.InputRMSDB = toDB(rms(samples))
	if report.InputRMSDB < p.cfg.NormalizeFloorDB {
		report.GainDB = normalizationGain(samples, report.InputRMSDB, p.cfg.TargetDB, p.cfg.CeilingDB)
		applyGain(samples, report.GainDB)
	}
	limit(samples, p.cfg.CeilingDB)

	p.log.WithFields(logrus.Fields{
		"source_rate":     rate,
		"source_channels": channels,
		"trimmed_lead":    report.TrimmedLead.String(),
		"trimmed_tail":    report.TrimmedTail.String(),
		"rms_db":          math.Round(report.InputRMSDB*10) / 10,
		"gain_db":         math.Round(report.GainDB*10) / 10,
		"duration":        report.Duration.String(),
	}).Info("Preprocessed recording")

	return buf, report, nil
}

func decode(r io.ReadSeeker) ([]float64, int, int, error) {
	const op = "audio.decode"

	d := wav.NewDecoder(r)
	if !d.IsValidFile() {
		return nil, 0, 0, apperr.Validationf(op, "not a valid WAV file")
	}
	if d.WavAudioFormat != pcmFormat {
		return nil, 0, 0, apperr.Validationf(op, "unsupported WAV encoding %d, only PCM is accepted", d.WavAudioFormat)
	}
	pcm, err := d.FullPCMBuffer()
	if err != nil {
		return nil, 0, 0, apperr.Wrap(apperr.KindValidation, op, err)
	}
	if pcm.Format == nil || pcm.Format.NumChannels < 1 || pcm.Format.SampleRate <= 0 {
		return nil, 0, 0, apperr.Validationf(op, "WAV header is missing channel or rate information")
	}

	depth := pcm.SourceBitDepth
	if depth == 0 {
		depth = int(d.BitDepth)
	}
	if depth != 8 && depth != 16 && depth != 24 && depth != 32 {
		return nil, 0, 0, apperr.Validationf(op, "unsupported bit depth %d", depth)
	}

	channels := pcm.Format.NumChannels
	return downmix(pcm.Data, channels, depth), pcm.Format.SampleRate, channels, nil
}

// downmix averages interleaved channels into mono floats.
func downmix(data []int, channels, depth int) []float64 {
	scale := math.Pow(2, float64(depth-1))
	// 8-bit WAV is unsigned
	var offset float64
	if depth == 8 {
		offset = scale
	}

	n := len(data) / channels
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		var sum float64
		for c := 0; c < channels; c++ {
			sum += (float64(data[i*channels+c]) - offset) / scale
		}
		out[i] = sum / float64(channels)
	}
	return out
}

// resample converts between rates with linear interpolation.
func resample(in []float64, from, to int) []float64 {
	if from == to || len(in) == 0 {
		return in
	}
	ratio := float64(from) / float64(to)
	n := int(float64(len(in)) / ratio)
	out := make([]float64, n)
	for i := range out {
		pos := float64(i) * ratio
		j := int(pos)
		if j+1 >= len(in) {
			out[i] = in[len(in)-1]
			continue
		}
		frac := pos - float64(j)
		out[i] = in[j]*(1-frac) + in[j+1]*frac
	}
	return out
}

// trimBounds returns the [start, end) sample range left after removing
// leading and trailing silent runs of at least minRun frames. Shorter quiet
// stretches at the edges are kept.
func trimBounds(samples []float64, frame, minRun int, thresholdDB float64) (int, int) {
	if frame <= 0 || len(samples) == 0 {
		return 0, len(samples)
	}
	frames := (len(samples) + frame - 1) / frame
	silent := func(f int) bool {
		lo := f * frame
		hi := min(lo+frame, len(samples))
		return toDB(rms(samples[lo:hi])) < thresholdDB
	}

	lead := 0
	for lead < frames && silent(lead) {
		lead++
	}
	if lead == frames {
		return 0, 0
	}
	tail := 0
	for tail < frames && silent(frames-1-tail) {
		tail++
	}

	start, end := 0, len(samples)
	if lead >= minRun {
		start = lead * frame
	}
	if tail >= minRun {
		end = (frames - tail) * frame
		if end > len(samples) {
			end = len(samples)
		}
	}
	return start, end
}

// normalizationGain is the gain in dB that brings the RMS to target without
// pushing the peak over the ceiling.
func normalizationGain(samples []float64, rmsDB, targetDB, ceilingDB float64) float64 {
	gain := targetDB - rmsDB
	if headroom := ceilingDB - toDB(peak(samples)); gain > headroom {
		gain = headroom
	}
	return math.Max(gain, 0)
}

func applyGain(samples []float64, gainDB float64) {
	g := math.Pow(10, gainDB/20)
	for i := range samples {
		samples[i] *= g
	}
}

// limit hard-clips anything above the ceiling.
func limit(samples []float64, ceilingDB float64) {
	c := math.Pow(10, ceilingDB/20)
	for i, v := range samples {
		if v > c {
			samples[i] = c
		} else if v < -c {
			samples[i] = -c
		}
	}
}

func rms(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, v := range samples {
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

func peak(samples []float64) float64 {
	var p float64
	for _, v := range samples {
		p = math.Max(p, math.Abs(v))
	}
	return p
}

// toDB converts a linear amplitude to dBFS.
func toDB(v float64) float64 {
	if v <= 0 {
		return silenceFloor
	}
	return math.Max(20*math.Log10(v), silenceFloor)
}

func samplesToDuration(n, rate int) time.Duration {
	return time.Duration(float64(n) / float64(rate) * float64(time.Second))
}

// EncodeWAV renders the buffer as 16-bit mono PCM WAV.
func EncodeWAV(b *Buffer) ([]byte, error) {
	ws := &memFile{}
	enc := wav.NewEncoder(ws, b.SampleRate, outBitDepth, 1, pcmFormat)

	scale := math.Pow(2, outBitDepth-1) - 1
	data := make([]int, len(b.Samples))
	for i, v := range b.Samples {
		data[i] = int(math.Round(math.Max(-1, math.Min(1, v)) * scale))
	}
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: b.SampleRate},
		Data:           data,
		SourceBitDepth: outBitDepth,
	}
	if err := enc.Write(buf); err != nil {
		return nil, apperr.Wrap(apperr.KindUnknown, "audio.encode", err)
	}
	if err := enc.Close(); err != nil {
		return nil, apperr.Wrap(apperr.KindUnknown, "audio.encode", err)
	}
	return ws.buf, nil
}

// Reader wraps encoded bytes as the io.ReadSeeker the decoder expects.
func Reader(data []byte) io.ReadSeeker { return bytes.NewReader(data) }

// memFile is an in-memory io.WriteSeeker; the WAV encoder seeks back to
// patch the header sizes on Close.
type memFile struct {
	buf []byte
	pos int
}

func (m *memFile) Write(p []byte) (int, error) {
	if end := m.pos + len(p); end > len(m.buf) {
		m.buf = append(m.buf, make([]byte, end-len(m.buf))...)
	}
	n := copy(m.buf[m.pos:], p)
	m.pos += n
	return n, nil
}

func (m *memFile) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = int64(m.pos) + offset
	case io.SeekEnd:
		abs = int64(len(m.buf)) + offset
	}
	if abs < 0 {
		return 0, io.ErrUnexpectedEOF
	}
	m.pos = int(abs)
	return abs, nil
}
