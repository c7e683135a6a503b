package controller

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *[]Credentials) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	u, err := url.Parse(server.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	var persisted []Credentials
	c := New(context.Background(), u.Hostname(), port, Identity{
		Version: "1.0.0", Platform: "linux", MachineID: "m1", Hostname: "host1",
	}, Credentials{AuthToken: "tok", AgentID: "agent1"}, func(creds Credentials) {
		persisted = append(persisted, creds)
	})
	c.baseURL = server.URL
	return c, &persisted
}

func TestSetStandardHeaders(t *testing.T) {
	var gotAuth, gotVersion, gotMachine string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotVersion = r.Header.Get("X-Agent-Version")
		gotMachine = r.Header.Get("X-Machine-Id")
		w.WriteHeader(http.StatusOK)
	})

	require.NoError(t, c.Heartbeat(context.Background(), map[string]any{}))
	require.Equal(t, "Bearer tok", gotAuth)
	require.Equal(t, "1.0.0", gotVersion)
	require.Equal(t, "m1", gotMachine)
}

func TestCredentialUpgradePersisted(t *testing.T) {
	c, persisted := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Agent-Token", "new-tok")
		w.Header().Set("X-Agent-Id", "new-agent")
		w.WriteHeader(http.StatusOK)
	})

	require.NoError(t, c.Heartbeat(context.Background(), map[string]any{}))
	require.Len(t, *persisted, 1)
	require.Equal(t, "new-tok", (*persisted)[0].AuthToken)
	require.Equal(t, "new-agent", (*persisted)[0].AgentID)
	require.Equal(t, "new-tok", c.currentCreds().AuthToken)
}

func TestSyncPoliciesAcceptsBareArray(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]any{{"id": "p1"}})
	})

	result, err := c.SyncPolicies(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Policies, 1)
}

func TestSyncPoliciesAcceptsWrappedObject(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"policies": []map[string]any{{"id": "p1"}}})
	})

	result, err := c.SyncPolicies(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Policies, 1)
}

func TestDoReturnsProtocolErrorOnNon2xx(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	err := c.Heartbeat(context.Background(), map[string]any{})
	require.Error(t, err)
}

func TestHandshakeDecodesPayload(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"nonce": "abc", "timestamp_ms": 123, "signature": "sig", "version": "2.0",
		})
	})

	nonce, ts, sig, version, err := c.Handshake(context.Background())
	require.NoError(t, err)
	require.Equal(t, "abc", nonce)
	require.EqualValues(t, 123, ts)
	require.Equal(t, "sig", sig)
	require.Equal(t, "2.0", version)
}
