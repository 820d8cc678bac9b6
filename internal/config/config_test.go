package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("COMPLETION_MODEL", "")
	t.Setenv("PIPELINE_MAX_RETRIES", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8000", cfg.Server.Port)
	assert.Equal(t, 16000, cfg.Audio.SampleRate)
	assert.Equal(t, -40.0, cfg.Audio.SilenceThresholdDB)
	assert.Equal(t, 500*time.Millisecond, cfg.Audio.MinSilence)
	assert.Equal(t, 10*time.Second, cfg.Audio.MinDuration)
	assert.Equal(t, 0.30, cfg.Roles.RatioMin)
	assert.Equal(t, 0.40, cfg.Roles.RatioMax)
	assert.Equal(t, 5.0, cfg.Pipeline.MaxAlignmentGap)
	assert.Equal(t, 3, cfg.Pipeline.Retry.MaxRetries)
	assert.Equal(t, 2*time.Second, cfg.Pipeline.Retry.BaseDelay)
	assert.Equal(t, 5*time.Minute, cfg.Pipeline.Retry.Timeout)
	assert.Equal(t, 5, cfg.Analysis.HistoryWindow)
	assert.Equal(t, 150, cfg.Analysis.SummaryMaxChars)
	assert.Equal(t, 0.8, cfg.Analysis.BreakthroughMinConfidence)
	assert.Contains(t, cfg.Analysis.BreakthroughTypes, "cognitive_reframe")
	assert.False(t, cfg.R2Configured())
}

func TestReadSecretFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key")
	require.NoError(t, os.WriteFile(path, []byte("s3cret\n"), 0o600))
	t.Setenv("SPEECH_API_KEY", "")
	t.Setenv("SPEECH_API_KEY_FILE", path)

	readSecret("SPEECH_API_KEY")
	assert.Equal(t, "s3cret", os.Getenv("SPEECH_API_KEY"))
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	bad := *cfg
	bad.Store.Driver = "postgres"
	assert.Error(t, Validate(&bad))

	bad = *cfg
	bad.Roles.RatioMax = bad.Roles.RatioMin
	assert.Error(t, Validate(&bad))

	bad = *cfg
	bad.Pipeline.Retry.BaseDelay = 0
	assert.Error(t, Validate(&bad))
}
