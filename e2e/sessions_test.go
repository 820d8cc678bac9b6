package e2e

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sessionlens/api/internal/service"
)

func TestSessionLifecycle(t *testing.T) {
	ta := setupApp(t)
	id := createSession(t, ta)
	assert.Equal(t, []string{service.TaskTypeProcess}, ta.queue.pending())

	resp := doAuthRequest(t, ta.app, http.MethodGet, sessionPath(id, "status"), "")
	assertStatus(t, resp, http.StatusOK)
	status := parseJSON(t, resp)
	assert.Equal(t, "pending", status["processingStatus"])
	assert.Equal(t, "pending", status["analysisStatus"])

	ta.drain(t)
	assert.Equal(t, 4, ta.completer.calls)

	resp = doAuthRequest(t, ta.app, http.MethodGet, sessionPath(id, "status"), "")
	assertStatus(t, resp, http.StatusOK)
	status = parseJSON(t, resp)
	assert.Equal(t, "aligned", status["processingStatus"])
	assert.Equal(t, "complete", status["analysisStatus"])
	wave1 := status["wave1"].(map[string]interface{})
	assert.Equal(t, float64(3), wave1["total"])
	assert.Equal(t, float64(3), wave1["succeeded"])

	resp = doAuthRequest(t, ta.app, http.MethodGet, sessionPath(id), "")
	assertStatus(t, resp, http.StatusOK)
	result := parseJSON(t, resp)
	assert.Equal(t, "Week 3", result["title"])

	mood := result["mood"].(map[string]interface{})
	assert.Equal(t, 6.0, mood["score"])
	topics := result["topics"].(map[string]interface{})
	assert.Len(t, topics["topics"], 2)
	breakthrough := result["breakthrough"].(map[string]interface{})
	assert.Equal(t, false, breakthrough["hasBreakthrough"])
	assert.Nil(t, breakthrough["candidate"])
	deep := result["deep"].(map[string]interface{})
	assert.Equal(t, "stable", deep["progress"].(map[string]interface{})["trajectory"])

	speakers := result["speakers"].(map[string]interface{})
	assert.Equal(t, "therapist", speakers["SPEAKER_00"].(map[string]interface{})["role"])
	assert.Equal(t, "client", speakers["SPEAKER_01"].(map[string]interface{})["role"])

	resp = doAuthRequest(t, ta.app, http.MethodGet, sessionPath(id, "logs"), "")
	assertStatus(t, resp, http.StatusOK)
	logs := parseJSON(t, resp)
	assert.NotEmpty(t, logs["entries"])

	resp = doAuthRequest(t, ta.app, http.MethodGet, sessionPath(id, "audio"), "")
	assertStatus(t, resp, http.StatusOK)
	assert.NotEmpty(t, parseJSON(t, resp)["url"])
}

func TestAnalyzeRequiresForceOnceFinished(t *testing.T) {
	ta := setupApp(t)
	id := createSession(t, ta)
	ta.drain(t)

	resp := doAuthRequest(t, ta.app, http.MethodPost, sessionPath(id, "analyze"), `{}`)
	assertStatus(t, resp, http.StatusConflict)
	assert.Equal(t, "CONFLICT", errorCode(t, resp))

	resp = doAuthRequest(t, ta.app, http.MethodPost, sessionPath(id, "analyze"), `{"force": true}`)
	assertStatus(t, resp, http.StatusAccepted)
	body := parseJSON(t, resp)
	assert.Equal(t, float64(1), body["epoch"])
	assert.Equal(t, true, body["queued"])
	assert.Equal(t, []string{service.TaskTypeAnalyze}, ta.queue.pending())

	ta.drain(t)
	assert.Equal(t, 8, ta.completer.calls)

	resp = doAuthRequest(t, ta.app, http.MethodGet, sessionPath(id, "status"), "")
	status := parseJSON(t, resp)
	assert.Equal(t, float64(1), status["epoch"])
	assert.Equal(t, "complete", status["analysisStatus"])
}

func TestAnalyzeBeforeAlignmentConflicts(t *testing.T) {
	ta := setupApp(t)
	id := createSession(t, ta)

	resp := doAuthRequest(t, ta.app, http.MethodPost, sessionPath(id, "analyze"), "")
	assertStatus(t, resp, http.StatusConflict)
}

func TestResetReprocesses(t *testing.T) {
	ta := setupApp(t)
	id := createSession(t, ta)
	ta.drain(t)

	resp := doAuthRequest(t, ta.app, http.MethodPost, sessionPath(id, "reset"), "")
	assertStatus(t, resp, http.StatusAccepted)
	status := parseJSON(t, resp)
	assert.Equal(t, float64(1), status["epoch"])
	assert.Equal(t, "pending", status["processingStatus"])
	assert.Equal(t, []string{service.TaskTypeProcess}, ta.queue.pending())

	ta.drain(t)
	sess, err := ta.store.Get(t.Context(), id)
	require.NoError(t, err)
	assert.Equal(t, 1, sess.Epoch)
	assert.Equal(t, "complete", string(sess.AnalysisStatus))
}

func TestCreateSessionValidation(t *testing.T) {
	ta := setupApp(t)
	token := generateToken(t)

	tests := []struct {
		name   string
		fields map[string]string
		wav    []byte
	}{
		{"missing subject", map[string]string{"title": "x"}, toneWAV(t, 12)},
		{"missing audio", map[string]string{"subjectId": "subj-1"}, nil},
		{"not a wav", map[string]string{"subjectId": "subj-1"}, []byte("ID3\x04 definitely an mp3 file")},
		{"bad recordedAt", map[string]string{"subjectId": "subj-1", "recordedAt": "yesterday"}, toneWAV(t, 12)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := ta.app.Test(uploadRequest(t, token, tt.fields, tt.wav), -1)
			require.NoError(t, err)
			assertStatus(t, resp, http.StatusBadRequest)
			assert.Equal(t, "VALIDATION_ERROR", errorCode(t, resp))
		})
	}
	assert.Empty(t, ta.queue.pending())
}

func TestShortRecordingFailsProcessing(t *testing.T) {
	ta := setupApp(t)
	resp, err := ta.app.Test(uploadRequest(t, generateToken(t), map[string]string{"subjectId": "subj-1"}, toneWAV(t, 3)), -1)
	require.NoError(t, err)
	assertStatus(t, resp, http.StatusAccepted)
	id := parseJSON(t, resp)["sessionId"].(string)

	task := ta.queue.pop()
	require.NotNil(t, task)
	require.Error(t, ta.worker.ProcessTask(t.Context(), task))
	assert.Empty(t, ta.queue.pending())

	resp = doAuthRequest(t, ta.app, http.MethodGet, sessionPath(id, "status"), "")
	status := parseJSON(t, resp)
	assert.Equal(t, "failed", status["processingStatus"])
	assert.Contains(t, status["lastError"], "validation")
}

func TestUnknownSession(t *testing.T) {
	ta := setupApp(t)
	for _, path := range []string{sessionPath("missing"), sessionPath("missing", "status"), sessionPath("missing", "logs")} {
		resp := doAuthRequest(t, ta.app, http.MethodGet, path, "")
		assertStatus(t, resp, http.StatusNotFound)
		assert.Equal(t, "NOT_FOUND", errorCode(t, resp))
	}
}
