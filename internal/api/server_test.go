package api

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/stoker/internal/events"
	"github.com/mattjoyce/stoker/internal/pool"
	"github.com/mattjoyce/stoker/internal/state"
)

type stubPool struct {
	status pool.Status
}

func (s *stubPool) GetStatus() pool.Status { return s.status }

type stubSessions struct {
	sessions []*state.Session
	err      error
}

func (s *stubSessions) List(_ context.Context) ([]*state.Session, error) {
	return s.sessions, s.err
}

func newTestServer(t *testing.T, cfg Config, p StatusProvider, sessions SessionLister, hub *events.Hub) *httptest.Server {
	t.Helper()
	if hub == nil {
		hub = events.NewHub(16)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := New(cfg, p, sessions, hub, logger)
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return ts
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t, Config{}, &stubPool{}, &stubSessions{}, nil)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestStatusEndpoint(t *testing.T) {
	p := &stubPool{status: pool.Status{Total: 4, Idle: 1, Active: 3, Queued: 2}}
	ts := newTestServer(t, Config{}, p, &stubSessions{}, nil)

	resp, err := http.Get(ts.URL + "/v1/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got pool.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, p.status, got)
}

func TestSessionsEndpoint(t *testing.T) {
	sessions := &stubSessions{sessions: []*state.Session{
		{SessionID: "s1", EngineSession: "eng-1", LastJobID: "job-3", UpdatedAt: time.Now()},
		{SessionID: "s2"},
	}}
	ts := newTestServer(t, Config{}, &stubPool{}, sessions, nil)

	resp, err := http.Get(ts.URL + "/v1/sessions")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Sessions []struct {
			SessionID     string `json:"sessionId"`
			EngineSession string `json:"engineSession"`
			LastJobID     string `json:"lastJobId"`
		} `json:"sessions"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Sessions, 2)
	assert.Equal(t, "s1", body.Sessions[0].SessionID)
	assert.Equal(t, "eng-1", body.Sessions[0].EngineSession)
	assert.Equal(t, "job-3", body.Sessions[0].LastJobID)
}

func TestBearerTokenRequired(t *testing.T) {
	ts := newTestServer(t, Config{Token: "secret"}, &stubPool{}, &stubSessions{}, nil)

	// Health stays open for probes.
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/v1/status")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/v1/status", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestEventsStreamReplayAndLive(t *testing.T) {
	hub := events.NewHub(16)
	hub.Publish(events.TypeStarted, events.Started{JobID: "job-1", SessionID: "s1"})

	ts := newTestServer(t, Config{}, &stubPool{}, &stubSessions{}, hub)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	readEvent := func() (id, typ, data string) {
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			line = strings.TrimRight(line, "\n")
			switch {
			case line == "":
				return id, typ, data
			case strings.HasPrefix(line, "id: "):
				id = strings.TrimPrefix(line, "id: ")
			case strings.HasPrefix(line, "event: "):
				typ = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				data = strings.TrimPrefix(line, "data: ")
			}
		}
	}

	// Buffered event replays first.
	id, typ, data := readEvent()
	assert.Equal(t, "1", id)
	assert.Equal(t, string(events.TypeStarted), typ)
	assert.Contains(t, data, `"jobId":"job-1"`)

	// A live publish arrives on the open stream. The handler subscribes right
	// after flushing the replay; give it a beat to register.
	time.Sleep(50 * time.Millisecond)
	hub.Publish(events.TypeComplete, events.Complete{
		JobID: "job-1", SessionID: "s1", Status: "success",
	})
	_, typ, data = readEvent()
	assert.Equal(t, string(events.TypeComplete), typ)
	assert.Contains(t, data, `"status":"success"`)
}

func TestEventsStreamHonorsLastEventID(t *testing.T) {
	hub := events.NewHub(16)
	hub.Publish(events.TypeStarted, events.Started{JobID: "job-1", SessionID: "s1"})
	hub.Publish(events.TypeStarted, events.Started{JobID: "job-2", SessionID: "s2"})

	ts := newTestServer(t, Config{}, &stubPool{}, &stubSessions{}, hub)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/events", nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", "1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	var data string
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		if line == "" {
			break
		}
		if strings.HasPrefix(line, "data: ") {
			data = strings.TrimPrefix(line, "data: ")
		}
	}
	assert.Contains(t, data, `"jobId":"job-2"`)
}
