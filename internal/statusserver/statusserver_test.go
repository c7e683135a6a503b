package statusserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/agent-core/internal/config"
)

type fakeStatus struct {
	status Status
}

func (f *fakeStatus) Status() Status { return f.status }

type fakeCommands struct {
	syncCalled    bool
	restartCalled bool
	checkCalled   bool
	policies      []config.Policy
	processes     []string
	err           error
}

func (f *fakeCommands) Sync(ctx context.Context) error              { f.syncCalled = true; return f.err }
func (f *fakeCommands) RestartMonitoring(ctx context.Context) error { f.restartCalled = true; return f.err }
func (f *fakeCommands) CheckUpdate(ctx context.Context) error       { f.checkCalled = true; return f.err }
func (f *fakeCommands) GetPolicies() []config.Policy                { return f.policies }
func (f *fakeCommands) GetProcesses() ([]string, error)             { return f.processes, f.err }

func newTestServer() (http.Handler, *fakeCommands) {
	status := &fakeStatus{status: Status{ConnectionState: "ONLINE", Configured: true}}
	cmds := &fakeCommands{}
	s := New("", status, cmds, nil, zerolog.Nop())

	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("/api/helper/status", s.handleHelperStatus)
	mux.HandleFunc("/api/helper/command", s.handleHelperCommand)
	mux.HandleFunc("/", s.handleNotFound)

	return s.loopbackOnlyMiddleware(mux), cmds
}

func doRequest(t *testing.T, h http.Handler, method, path, remoteAddr string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.RemoteAddr = remoteAddr
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestNonLoopbackRejectedBeforeRouting(t *testing.T) {
	h, _ := newTestServer()
	rec := doRequest(t, h, http.MethodGet, "/api/helper/status", "203.0.113.5:1234", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestLoopbackHealthCheck(t *testing.T) {
	h, _ := newTestServer()
	rec := doRequest(t, h, http.MethodGet, "/api/health", "127.0.0.1:1234", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHelperStatusReturnsSnapshot(t *testing.T) {
	h, _ := newTestServer()
	rec := doRequest(t, h, http.MethodGet, "/api/helper/status", "127.0.0.1:1234", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, "ONLINE", got.ConnectionState)
	require.True(t, got.Configured)
}

func TestHelperCommandDispatchesSync(t *testing.T) {
	h, cmds := newTestServer()
	body, _ := json.Marshal(commandRequest{Command: "sync"})
	rec := doRequest(t, h, http.MethodPost, "/api/helper/command", "127.0.0.1:1234", body)

	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, cmds.syncCalled)
}

func TestHelperCommandUnknownReturnsBadRequest(t *testing.T) {
	h, _ := newTestServer()
	body, _ := json.Marshal(commandRequest{Command: "bogus"})
	rec := doRequest(t, h, http.MethodPost, "/api/helper/command", "127.0.0.1:1234", body)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnknownPathReturnsNotFoundWithNote(t *testing.T) {
	h, _ := newTestServer()
	rec := doRequest(t, h, http.MethodGet, "/api/anything-else", "127.0.0.1:1234", nil)

	require.Equal(t, http.StatusNotFound, rec.Code)
	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Contains(t, got["error"], "does not accept inbound control")
}
