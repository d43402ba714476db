package builder

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logabell/conversator/internal/common/logger"
)

func testLog(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

func sseFrame(event map[string]interface{}) string {
	raw, _ := json.Marshal(event)
	return fmt.Sprintf("data: %s\n\n", raw)
}

func TestOpenCodeCreateSessionAndSend(t *testing.T) {
	var gotPrompt promptRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/session":
			json.NewEncoder(w).Encode(sessionResponse{ID: "ses_1"})
		case r.Method == http.MethodPost && r.URL.Path == "/session/ses_1/message":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotPrompt))
			w.Write([]byte(`{"info":{},"parts":[]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	a := NewOpenCodeAdapter(server.URL, "", "", testLog(t))
	id, err := a.CreateSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ses_1", id)

	require.NoError(t, a.SendMessage(context.Background(), "ses_1", "do the thing"))
	require.Len(t, gotPrompt.Parts, 1)
	assert.Equal(t, "text", gotPrompt.Parts[0].Type)
	assert.Equal(t, "do the thing", gotPrompt.Parts[0].Text)
}

func TestOpenCodeStreamTranslation(t *testing.T) {
	frames := []map[string]interface{}{
		{"type": "session.status", "properties": map[string]interface{}{
			"sessionID": "ses_1", "status": "running"}},
		// Different session: must be filtered out.
		{"type": "session.status", "properties": map[string]interface{}{
			"sessionID": "ses_other", "status": "running"}},
		// Unrecognized type: dropped.
		{"type": "installation.updated", "properties": map[string]interface{}{}},
		{"type": "permission.updated", "properties": map[string]interface{}{
			"sessionID": "ses_1", "id": "perm_1", "title": "Run tests?"}},
		{"type": "file.edited", "properties": map[string]interface{}{
			"sessionID": "ses_1", "file": "src/main.go"}},
		{"type": "session.idle", "properties": map[string]interface{}{
			"sessionID": "ses_1"}},
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/event" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, frame := range frames {
			fmt.Fprint(w, sseFrame(frame))
			flusher.Flush()
		}
		// Keep the connection open; the client closes after the terminal.
		<-r.Context().Done()
	}))
	defer server.Close()

	a := NewOpenCodeAdapter(server.URL, "", "", testLog(t))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events, err := a.StreamEvents(ctx, "ses_1")
	require.NoError(t, err)

	var got []Event
	for ev := range events {
		got = append(got, ev)
	}

	require.Len(t, got, 4)
	assert.Equal(t, EventStatus, got[0].Kind)
	assert.Equal(t, "running", got[0].Status)
	assert.Equal(t, EventGateRequested, got[1].Kind)
	assert.Equal(t, "perm_1", got[1].GateID)
	assert.Equal(t, "Run tests?", got[1].GatePrompt)
	assert.Equal(t, EventArtifact, got[2].Kind)
	assert.Equal(t, "src/main.go", got[2].ArtifactPath)
	assert.Equal(t, EventCompleted, got[3].Kind)
}

func TestOpenCodeStreamErrorTranslatesToFailed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseFrame(map[string]interface{}{
			"type": "session.error",
			"properties": map[string]interface{}{
				"sessionID": "ses_1",
				"error":     map[string]interface{}{"message": "provider exploded"},
			},
		}))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer server.Close()

	a := NewOpenCodeAdapter(server.URL, "", "", testLog(t))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events, err := a.StreamEvents(ctx, "ses_1")
	require.NoError(t, err)

	ev := <-events
	assert.Equal(t, EventFailed, ev.Kind)
	assert.Equal(t, "provider exploded", ev.Reason)
}

func TestOpenCodeStreamIdleTriggersReconnect(t *testing.T) {
	var mu sync.Mutex
	connections := 0

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/event" {
			http.NotFound(w, r)
			return
		}
		mu.Lock()
		connections++
		n := connections
		mu.Unlock()

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		if n == 1 {
			// One frame, then silence past the idle timeout.
			fmt.Fprint(w, sseFrame(map[string]interface{}{
				"type": "session.status", "properties": map[string]interface{}{
					"sessionID": "ses_1", "status": "running"}}))
			flusher.Flush()
			<-r.Context().Done()
			return
		}
		fmt.Fprint(w, sseFrame(map[string]interface{}{
			"type": "session.idle", "properties": map[string]interface{}{
				"sessionID": "ses_1"}}))
		flusher.Flush()
		<-r.Context().Done()
	}))
	defer server.Close()

	a := NewOpenCodeAdapter(server.URL, "", "", testLog(t))
	a.SetStreamOptions(StreamOptions{
		IdleTimeout:    50 * time.Millisecond,
		MaxReconnects:  3,
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     10 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events, err := a.StreamEvents(ctx, "ses_1")
	require.NoError(t, err)

	var got []Event
	for ev := range events {
		got = append(got, ev)
	}

	// An idle connection must be replaced, not reported as a lost session.
	mu.Lock()
	assert.GreaterOrEqual(t, connections, 2)
	mu.Unlock()
	require.NotEmpty(t, got)
	for _, ev := range got {
		assert.NotEqual(t, EventLost, ev.Kind)
	}
	assert.Equal(t, EventCompleted, got[len(got)-1].Kind)
}

func TestOpenCodeStreamReconnectExhaustion(t *testing.T) {
	// Nothing listens here; every connect fails.
	a := NewOpenCodeAdapter("http://127.0.0.1:1", "", "", testLog(t))
	a.SetStreamOptions(StreamOptions{
		MaxReconnects:  2,
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     10 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events, err := a.StreamEvents(ctx, "ses_1")
	require.NoError(t, err)

	ev := <-events
	assert.Equal(t, EventLost, ev.Kind)

	_, open := <-events
	assert.False(t, open)
}

func TestOpenCodeStreamWindowResetsReconnectBudget(t *testing.T) {
	// The window is tiny, so the failure counter resets before it can
	// ever exceed MaxReconnects. The stream keeps retrying until the
	// context expires and must close without reporting a lost session.
	a := NewOpenCodeAdapter("http://127.0.0.1:1", "", "", testLog(t))
	a.SetStreamOptions(StreamOptions{
		MaxReconnects:   1,
		ReconnectWindow: time.Nanosecond,
		InitialBackoff:  time.Millisecond,
		MaxBackoff:      2 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	events, err := a.StreamEvents(ctx, "ses_1")
	require.NoError(t, err)

	for ev := range events {
		assert.NotEqual(t, EventLost, ev.Kind)
	}
}

func TestOpenCodeHealth(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/global/health", r.URL.Path)
		json.NewEncoder(w).Encode(healthResponse{
			Healthy:  true,
			Version:  "1.2.3",
			Sessions: map[string]string{"ses_1": "running"},
		})
	}))
	defer server.Close()

	a := NewOpenCodeAdapter(server.URL, "", "", testLog(t))
	health, err := a.Health(context.Background())
	require.NoError(t, err)
	assert.True(t, health.Healthy)
	assert.Equal(t, "1.2.3", health.Version)
	assert.Equal(t, "running", health.Sessions["ses_1"])
}

func TestOpenCodeDirectoryParam(t *testing.T) {
	var gotDirectory string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotDirectory = r.URL.Query().Get("directory")
		json.NewEncoder(w).Encode(sessionResponse{ID: "ses_1"})
	}))
	defer server.Close()

	a := NewOpenCodeAdapter(server.URL, "/work/repo", "", testLog(t))
	_, err := a.CreateSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "/work/repo", gotDirectory)
}
