package audio

import (
	"math"
	"testing"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sessionlens/api/internal/apperr"
)

func testPreprocessor() *Preprocessor {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return NewPreprocessor(DefaultConfig(), logrus.NewEntry(log))
}

func tone(rate int, seconds, amp float64) []float64 {
	n := int(float64(rate) * seconds)
	out := make([]float64, n)
	for i := range out {
		out[i] = amp * math.Sin(2*math.Pi*440*float64(i)/float64(rate))
	}
	return out
}

func silence(rate int, seconds float64) []float64 {
	return make([]float64, int(float64(rate)*seconds))
}

func join(parts ...[]float64) []float64 {
	var out []float64
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func encodeMono(t *testing.T, rate int, samples []float64) []byte {
	t.Helper()
	data, err := EncodeWAV(&Buffer{SampleRate: rate, Samples: samples})
	require.NoError(t, err)
	return data
}

func encodeStereo(t *testing.T, rate int, left, right []float64) []byte {
	t.Helper()
	ws := &memFile{}
	enc := wav.NewEncoder(ws, rate, 16, 2, 1)
	data := make([]int, 0, len(left)*2)
	for i := range left {
		data = append(data, int(left[i]*32767), int(right[i]*32767))
	}
	require.NoError(t, enc.Write(&goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 2, SampleRate: rate},
		Data:           data,
		SourceBitDepth: 16,
	}))
	require.NoError(t, enc.Close())
	return ws.buf
}

func TestProcessTrimsLongSilence(t *testing.T) {
	p := testPreprocessor()
	raw := encodeMono(t, 16000, join(silence(16000, 1), tone(16000, 12, 0.5), silence(16000, 1)))

	buf, report, err := p.Process(Reader(raw))
	require.NoError(t, err)

	assert.Equal(t, 16000, buf.SampleRate)
	assert.InDelta(t, 12.0, buf.Duration().Seconds(), 0.02)
	assert.InDelta(t, 1.0, report.TrimmedLead.Seconds(), 0.02)
	assert.InDelta(t, 1.0, report.TrimmedTail.Seconds(), 0.02)
	assert.Zero(t, report.GainDB, "loud input is not normalized")
}

func TestProcessKeepsShortEdgeSilence(t *testing.T) {
	p := testPreprocessor()
	raw := encodeMono(t, 16000, join(silence(16000, 0.2), tone(16000, 11, 0.5)))

	buf, report, err := p.Process(Reader(raw))
	require.NoError(t, err)

	assert.Zero(t, report.TrimmedLead)
	assert.InDelta(t, 11.2, buf.Duration().Seconds(), 0.02)
}

func TestProcessNormalizesQuietInput(t *testing.T) {
	p := testPreprocessor()
	raw := encodeMono(t, 16000, tone(16000, 12, 0.03))

	buf, report, err := p.Process(Reader(raw))
	require.NoError(t, err)

	assert.Less(t, report.InputRMSDB, -30.0)
	assert.Greater(t, report.GainDB, 0.0)
	assert.InDelta(t, -20.0, toDB(rms(buf.Samples)), 0.5)
	assert.LessOrEqual(t, toDB(peak(buf.Samples)), -0.1+1e-9)
}

func TestProcessGainNeverClips(t *testing.T) {
	// quiet RMS but a near full-scale click leaves no headroom for the full gain
	samples := tone(16000, 12, 0.02)
	samples[8000] = 0.9
	p := testPreprocessor()

	buf, report, err := p.Process(Reader(encodeMono(t, 16000, samples)))
	require.NoError(t, err)

	assert.Less(t, report.GainDB, -20.0-report.InputRMSDB)
	assert.LessOrEqual(t, peak(buf.Samples), math.Pow(10, -0.1/20)+1e-9)
}

func TestProcessDownmixesAndResamples(t *testing.T) {
	p := testPreprocessor()
	left := tone(44100, 12, 0.4)
	right := tone(44100, 12, 0.2)

	buf, report, err := p.Process(Reader(encodeStereo(t, 44100, left, right)))
	require.NoError(t, err)

	assert.Equal(t, 44100, report.SourceRate)
	assert.Equal(t, 2, report.SourceChannels)
	assert.Equal(t, 16000, buf.SampleRate)
	assert.InDelta(t, 12.0, buf.Duration().Seconds(), 0.05)
	assert.InDelta(t, 0.3, peak(buf.Samples), 0.01)
}

func TestProcessRejectsShortRecording(t *testing.T) {
	p := testPreprocessor()
	raw := encodeMono(t, 16000, join(silence(16000, 5), tone(16000, 6, 0.5), silence(16000, 5)))

	_, _, err := p.Process(Reader(raw))
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestProcessRejectsSilentRecording(t *testing.T) {
	p := testPreprocessor()
	_, _, err := p.Process(Reader(encodeMono(t, 16000, silence(16000, 15))))
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestProcessRejectsNonWAV(t *testing.T) {
	p := testPreprocessor()
	_, _, err := p.Process(Reader([]byte("ID3\x04\x00\x00 definitely not a wav file")))
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestLimitClampsToCeiling(t *testing.T) {
	samples := []float64{1.2, -1.5, 0.5, 0.99999}
	limit(samples, -0.1)

	c := math.Pow(10, -0.1/20)
	for _, v := range samples {
		assert.LessOrEqual(t, math.Abs(v), c+1e-12)
	}
	assert.Equal(t, 0.5, samples[2])
}

func TestEncodeRoundTripDuration(t *testing.T) {
	in := &Buffer{SampleRate: 16000, Samples: tone(16000, 2, 0.5)}
	data, err := EncodeWAV(in)
	require.NoError(t, err)

	mono, rate, channels, err := decode(Reader(data))
	require.NoError(t, err)
	assert.Equal(t, 16000, rate)
	assert.Equal(t, 1, channels)
	assert.Len(t, mono, len(in.Samples))
	assert.Equal(t, 2*time.Second, (&Buffer{SampleRate: rate, Samples: mono}).Duration())
}
