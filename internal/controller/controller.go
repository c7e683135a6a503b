// Package controller is the agent's outbound HTTP client to the remote
// controller: standard headers, credential upgrade, and the DNS-cached
// transport that keeps a fast DEGRADED/OFFLINE retry loop from
// re-resolving the controller hostname on every attempt (spec §4.L).
package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/dnscache"

	"github.com/agentmesh/agent-core/internal/errs"
)

const (
	requestTimeout    = 10 * time.Second
	dnsRefreshPeriod  = 15 * time.Minute
	agentVersionValue = "1.0.0"
)

// Credentials is the mutable bearer token / agent id pair; Client
// persists upgrades to it through the Persister callback.
type Credentials struct {
	AuthToken string
	AgentID   string
}

// Persister is called whenever the controller issues an upgraded
// credential pair (spec §4.L: "X-Agent-Token"/"X-Agent-Id" response
// headers replace and persist").
type Persister func(Credentials)

// Identity supplies the header fields that identify this agent on every
// request.
type Identity struct {
	Version   string
	Platform  string
	MachineID string
	Hostname  string
}

// Client is the agent's sole egress path to the controller.
type Client struct {
	baseURL    string
	httpClient *http.Client
	identity   Identity
	creds      Credentials
	credsMu    sync.RWMutex
	persist    Persister
	resolver   *dnscache.Resolver
}

// New builds a Client dialing host:port with a DNS-cached transport,
// refreshed every 15 minutes on a background ticker.
func New(ctx context.Context, host string, port int, identity Identity, creds Credentials, persist Persister) *Client {
	resolver := &dnscache.Resolver{}

	transport := &http.Transport{
		DialContext: cachedDialContext(resolver),
	}

	c := &Client{
		baseURL:    fmt.Sprintf("https://%s:%d", host, port),
		httpClient: &http.Client{Transport: transport, Timeout: requestTimeout},
		identity:   identity,
		creds:      creds,
		persist:    persist,
		resolver:   resolver,
	}

	go c.refreshDNSLoop(ctx)
	return c
}

func cachedDialContext(resolver *dnscache.Resolver) func(ctx context.Context, network, addr string) (net.Conn, error) {
	dialer := &net.Dialer{}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}

		ips, err := resolver.LookupHost(ctx, host)
		if err != nil {
			return nil, err
		}

		var lastErr error
		for _, ip := range ips {
			conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
			if err == nil {
				return conn, nil
			}
			lastErr = err
		}
		return nil, lastErr
	}
}

func (c *Client) refreshDNSLoop(ctx context.Context) {
	ticker := time.NewTicker(dnsRefreshPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.resolver.Refresh(true)
		}
	}
}

func (c *Client) currentCreds() Credentials {
	c.credsMu.RLock()
	defer c.credsMu.RUnlock()
	return c.creds
}

// Handshake fetches the controller's challenge-response payload.
func (c *Client) Handshake(ctx context.Context) (nonce string, timestampMS int64, signature string, version string, err error) {
	var body struct {
		Nonce       string `json:"nonce"`
		TimestampMS int64  `json:"timestamp_ms"`
		Signature   string `json:"signature"`
		Version     string `json:"version"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/agent/handshake", nil, &body); err != nil {
		return "", 0, "", "", err
	}
	return body.Nonce, body.TimestampMS, body.Signature, body.Version, nil
}

// PolicySyncResult is the decoded response of sync_policies.
type PolicySyncResult struct {
	Policies            []json.RawMessage `json:"policies"`
	OfflineModeSettings json.RawMessage   `json:"offline_mode_settings,omitempty"`
}

// SyncPolicies fetches the current policy set, accepting either a bare
// JSON array or an object with a "policies" field (spec §6).
func (c *Client) SyncPolicies(ctx context.Context) (PolicySyncResult, error) {
	raw := json.RawMessage{}
	if err := c.do(ctx, http.MethodGet, "/api/agent/policies", nil, &raw); err != nil {
		return PolicySyncResult{}, err
	}

	var bare []json.RawMessage
	if err := json.Unmarshal(raw, &bare); err == nil {
		return PolicySyncResult{Policies: bare}, nil
	}

	var wrapped PolicySyncResult
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return PolicySyncResult{}, fmt.Errorf("%w: %v", errs.ErrProtocol, err)
	}
	return wrapped, nil
}

// Heartbeat posts a metadata payload, optionally carrying offline
// recovery information.
func (c *Client) Heartbeat(ctx context.Context, metadata map[string]any) error {
	body := map[string]any{"metadata": metadata}
	return c.do(ctx, http.MethodPost, "/api/agent/heartbeat", body, nil)
}

// UploadPluginData posts queued telemetry and action responses.
func (c *Client) UploadPluginData(ctx context.Context, pluginData, actionResponses any) error {
	body := map[string]any{
		"agent_id":         c.currentCreds().AgentID,
		"plugin_data":      pluginData,
		"action_responses": actionResponses,
		"timestamp":        time.Now().UnixMilli(),
	}
	return c.do(ctx, http.MethodPost, "/api/agent/plugin-data", body, nil)
}

// PollCommands fetches pending commands addressed to this agent.
func (c *Client) PollCommands(ctx context.Context) ([]json.RawMessage, error) {
	var commands []json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/api/agent/commands", nil, &commands); err != nil {
		return nil, err
	}
	return commands, nil
}

// LatestVersion fetches the version string the controller currently
// advertises for this agent (satisfies updater.VersionSource).
func (c *Client) LatestVersion(ctx context.Context) (string, error) {
	var body struct {
		Version string `json:"version"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/agent/version", nil, &body); err != nil {
		return "", err
	}
	return body.Version, nil
}

// ReportViolation posts a single violation record (satisfies
// procmon.ViolationReporter).
func (c *Client) ReportViolation(ctx context.Context, policyID, processName string, pid int32) error {
	body := map[string]any{
		"policy_id":    policyID,
		"process_name": processName,
		"pid":          pid,
	}
	return c.do(ctx, http.MethodPost, "/api/agent/violations", body, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%w: encode request: %v", errs.ErrProtocol, err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrTransport, err)
	}
	c.setStandardHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrTransport, err)
	}
	defer resp.Body.Close()

	c.applyCredentialUpgrade(resp)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("%w: status %d", errs.ErrProtocol, resp.StatusCode)
	}

	if out == nil {
		return nil
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read body: %v", errs.ErrProtocol, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: decode body: %v", errs.ErrProtocol, err)
	}
	return nil
}

func (c *Client) setStandardHeaders(req *http.Request) {
	creds := c.currentCreds()

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+creds.AuthToken)
	req.Header.Set("X-Agent-Version", firstNonEmpty(c.identity.Version, agentVersionValue))
	req.Header.Set("X-Agent-Platform", c.identity.Platform)
	req.Header.Set("X-Machine-Id", c.identity.MachineID)
	req.Header.Set("X-Hostname", c.identity.Hostname)
	req.Header.Set("X-Agent-Id", creds.AgentID)
}

// applyCredentialUpgrade scans the response for upgraded credentials and,
// if present, replaces and persists them (spec §4.L).
func (c *Client) applyCredentialUpgrade(resp *http.Response) {
	token := resp.Header.Get("X-Agent-Token")
	agentID := resp.Header.Get("X-Agent-Id")
	if token == "" && agentID == "" {
		return
	}

	c.credsMu.Lock()
	if token != "" {
		c.creds.AuthToken = token
	}
	if agentID != "" {
		c.creds.AgentID = agentID
	}
	updated := c.creds
	c.credsMu.Unlock()

	if c.persist != nil {
		c.persist(updated)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
