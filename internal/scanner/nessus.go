// Copyright (c) 2025 Lazycat Apps
// Licensed under the MIT License. See LICENSE file in the project root for details.

package scanner

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/eafonin/nessus-orchestrator/internal/models"
	"github.com/eafonin/nessus-orchestrator/internal/types"
)

const (
	// DefaultHTTPTimeout bounds every individual call to the scanner.
	DefaultHTTPTimeout = 30 * time.Second

	// exportPollInterval paces the export-ready poll of the three-step
	// export dance.
	exportPollInterval = 2 * time.Second

	// basicTemplateUUID is the stock "Basic Network Scan" policy template.
	// Authenticated scan types reuse it with credentials attached.
	basicTemplateUUID = "731a8e52-3ea6-a291-ec0a-d2ff0619c19d7bd788d6be818b65"
)

// NessusClient implements ScannerBackend against the Nessus REST API.
// One client drives one scanner instance and owns its session token.
type NessusClient struct {
	baseURL  string
	username string
	password string
	http     *http.Client

	mu    sync.Mutex
	token string
}

// NewNessusBackend is the BackendFactory for Nessus instances.
func NewNessusBackend(cfg types.InstanceConfig) ScannerBackend {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: !cfg.VerifyTLS},
	}
	return &NessusClient{
		baseURL:  strings.TrimRight(cfg.URL, "/"),
		username: cfg.Username,
		password: cfg.Password,
		http: &http.Client{
			Timeout:   DefaultHTTPTimeout,
			Transport: transport,
		},
	}
}

// Authenticate establishes a session token. Safe to call repeatedly; an
// existing token is kept.
func (c *NessusClient) Authenticate(ctx context.Context) error {
	c.mu.Lock()
	if c.token != "" {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return c.login(ctx)
}

func (c *NessusClient) login(ctx context.Context) error {
	body, _ := json.Marshal(map[string]string{
		"username": c.username,
		"password": c.password,
	})
	var resp struct {
		Token string `json:"token"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/session", body, &resp, false); err != nil {
		return fmt.Errorf("session login failed: %w", err)
	}
	if resp.Token == "" {
		return fmt.Errorf("session login returned no token")
	}
	c.mu.Lock()
	c.token = resp.Token
	c.mu.Unlock()
	return nil
}

// Create registers a scan from the basic template; authenticated scan types
// carry just-in-time credential settings that are never retained.
func (c *NessusClient) Create(ctx context.Context, req *CreateRequest) (int, error) {
	settings := map[string]interface{}{
		"name":         req.Name,
		"description":  req.Description,
		"text_targets": req.Targets,
		"launch_now":   false,
	}
	payload := map[string]interface{}{
		"uuid":     basicTemplateUUID,
		"settings": settings,
	}
	if req.ScanType.IsAuthenticated() && req.Username != "" {
		payload["credentials"] = credentialBlock(req)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal scan payload: %w", err)
	}
	var resp struct {
		Scan struct {
			ID int `json:"id"`
		} `json:"scan"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/scans", body, &resp, true); err != nil {
		return 0, fmt.Errorf("scan create failed: %w", err)
	}
	return resp.Scan.ID, nil
}

// credentialBlock shapes the nested Nessus credential structure for the
// create call only.
func credentialBlock(req *CreateRequest) map[string]interface{} {
	method := req.AuthMethod
	if method == "" {
		method = "ssh"
	}
	entry := map[string]interface{}{
		"auth_method": "password",
		"username":    req.Username,
		"password":    req.Password,
	}
	if req.ScanType == models.ScanTypeAuthenticatedPrivileged && method == "ssh" {
		entry["elevate_privileges_with"] = "sudo"
	}
	return map[string]interface{}{
		"add": map[string]interface{}{
			"Host": map[string]interface{}{
				strings.ToUpper(method[:1]) + method[1:]: []interface{}{entry},
			},
		},
	}
}

// Launch starts the scan and returns the launch UUID.
func (c *NessusClient) Launch(ctx context.Context, scanID int) (string, error) {
	var resp struct {
		ScanUUID string `json:"scan_uuid"`
	}
	if err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/scans/%d/launch", scanID), nil, &resp, true); err != nil {
		return "", fmt.Errorf("scan launch failed: %w", err)
	}
	return resp.ScanUUID, nil
}

// Status reports the scanner's view of the scan, with progress aggregated
// over hosts when available.
func (c *NessusClient) Status(ctx context.Context, scanID int) (*StatusInfo, error) {
	var resp struct {
		Info struct {
			Status string `json:"status"`
		} `json:"info"`
		Hosts []struct {
			ProgressCurrent int `json:"scanprogresscurrent"`
			ProgressTotal   int `json:"scanprogresstotal"`
		} `json:"hosts"`
	}
	if err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/scans/%d", scanID), nil, &resp, true); err != nil {
		return nil, fmt.Errorf("scan status failed: %w", err)
	}

	var current, total int
	for _, h := range resp.Hosts {
		current += h.ProgressCurrent
		total += h.ProgressTotal
	}
	progress := 0
	if total > 0 {
		progress = current * 100 / total
	}
	return &StatusInfo{Status: resp.Info.Status, Progress: progress}, nil
}

// Export runs the three-step export dance: request the file, poll until it
// is ready, then download the original bytes.
func (c *NessusClient) Export(ctx context.Context, scanID int, format string) ([]byte, error) {
	body, _ := json.Marshal(map[string]string{"format": format})
	var exportResp struct {
		File int `json:"file"`
	}
	if err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/scans/%d/export", scanID), body, &exportResp, true); err != nil {
		return nil, fmt.Errorf("export request failed: %w", err)
	}

	for {
		var statusResp struct {
			Status string `json:"status"`
		}
		path := fmt.Sprintf("/scans/%d/export/%d/status", scanID, exportResp.File)
		if err := c.doJSON(ctx, http.MethodGet, path, nil, &statusResp, true); err != nil {
			return nil, fmt.Errorf("export status failed: %w", err)
		}
		if statusResp.Status == "ready" {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(exportPollInterval):
		}
	}

	path := fmt.Sprintf("/scans/%d/export/%d/download", scanID, exportResp.File)
	data, err := c.doRaw(ctx, http.MethodGet, path)
	if err != nil {
		return nil, fmt.Errorf("export download failed: %w", err)
	}
	return data, nil
}

// Stop halts a running scan. A 409 means the scan is not in a stoppable
// state anymore and counts as success.
func (c *NessusClient) Stop(ctx context.Context, scanID int) error {
	err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/scans/%d/stop", scanID), nil, nil, true)
	if err != nil && strings.Contains(err.Error(), "status 409") {
		return nil
	}
	return err
}

// Delete removes the scan: first call trashes it, second removes it for good.
func (c *NessusClient) Delete(ctx context.Context, scanID int) error {
	path := fmt.Sprintf("/scans/%d", scanID)
	if err := c.doJSON(ctx, http.MethodDelete, path, nil, nil, true); err != nil {
		return err
	}
	// Second delete purges from trash; tolerate 404 when the scanner
	// deletes in one step.
	if err := c.doJSON(ctx, http.MethodDelete, path, nil, nil, true); err != nil && !strings.Contains(err.Error(), "status 404") {
		return err
	}
	return nil
}

// Close drops the session.
func (c *NessusClient) Close() error {
	c.mu.Lock()
	token := c.token
	c.token = ""
	c.mu.Unlock()
	if token == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.doJSON(ctx, http.MethodDelete, "/session", nil, nil, false)
}

// doJSON performs one API call and decodes a JSON response into out (when
// non-nil). Network errors and 5xx responses are classified retryable; a 401
// clears the session so the next Authenticate logs in again.
func (c *NessusClient) doJSON(ctx context.Context, method, path string, body []byte, out interface{}, authed bool) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	// Ajax marker some Nessus builds require on state-changing calls.
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	if authed {
		c.mu.Lock()
		req.Header.Set("X-Cookie", "token="+c.token)
		c.mu.Unlock()
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Retryablef("request %s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		c.mu.Lock()
		c.token = ""
		c.mu.Unlock()
	}
	if resp.StatusCode >= 500 {
		return Retryablef("%s %s returned status %d", method, path, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s returned status %d: %s", method, path, resp.StatusCode, string(msg))
	}

	if out == nil {
		return nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Retryablef("failed to read response body: %v", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse response JSON: %w", err)
	}
	return nil
}

// doRaw performs one API call and returns the raw response bytes.
func (c *NessusClient) doRaw(ctx context.Context, method, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.mu.Lock()
	req.Header.Set("X-Cookie", "token="+c.token)
	c.mu.Unlock()

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, Retryablef("request %s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, Retryablef("%s %s returned status %d", method, path, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%s %s returned status %d", method, path, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
