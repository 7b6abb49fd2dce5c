// Package client is the typed Go client for the remote HTTP façade. Error
// responses carrying {code, details} payloads are mapped back into the
// engine error taxonomy.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/tidwall/gjson"

	"github.com/acelab/ace/internal/acerr"
	"github.com/acelab/ace/internal/domain/analysis"
	"github.com/acelab/ace/internal/storage"
)

const apiKeyHeader = "X-API-Key"

// Client talks to a remote engine.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New creates a client for the engine at baseURL authenticating with
// apiKey.
func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 5 * time.Minute},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, result interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set(apiKeyHeader, c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		code := gjson.GetBytes(payload, "code").String()
		details := gjson.GetBytes(payload, "details").String()
		if code != "" {
			return acerr.FromCode(code, details)
		}
		return fmt.Errorf("%s %s: unexpected status %d: %s", method, path, resp.StatusCode, details)
	}

	if result != nil && resp.StatusCode != http.StatusNoContent {
		return json.Unmarshal(payload, result)
	}
	return nil
}

// RegisterAnalysisModuleType registers the module type and returns the
// stored record.
func (c *Client) RegisterAnalysisModuleType(ctx context.Context, amt *analysis.AnalysisModuleType) (*analysis.AnalysisModuleType, error) {
	var result analysis.AnalysisModuleType
	if err := c.do(ctx, http.MethodPost, "/amt", amt, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetAnalysisModuleType returns the registration by name.
func (c *Client) GetAnalysisModuleType(ctx context.Context, name string) (*analysis.AnalysisModuleType, error) {
	var result analysis.AnalysisModuleType
	if err := c.do(ctx, http.MethodGet, "/amt/"+url.PathEscape(name), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ProcessAnalysisRequest submits a request (root submission or worker
// result) for processing.
func (c *Client) ProcessAnalysisRequest(ctx context.Context, ar *analysis.AnalysisRequest) error {
	return c.do(ctx, http.MethodPost, "/process_request", ar, nil)
}

// GetRootAnalysis fetches the tracked root by uuid.
func (c *Client) GetRootAnalysis(ctx context.Context, id string) (*analysis.RootAnalysis, error) {
	var result analysis.RootAnalysis
	if err := c.do(ctx, http.MethodGet, "/root/"+url.PathEscape(id), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetNextAnalysisRequest polls the module's work queue. nil when no work
// arrived within timeout.
func (c *Client) GetNextAnalysisRequest(ctx context.Context, owner string, amt *analysis.AnalysisModuleType, timeout time.Duration) (*analysis.AnalysisRequest, error) {
	body := map[string]interface{}{
		"owner":            owner,
		"amt":              amt.Name,
		"timeout":          int(timeout.Seconds()),
		"version":          amt.Version,
		"extended_version": amt.ExtendedVersion,
	}

	req, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/work_queue", bytes.NewReader(req))
	if err != nil {
		return nil, err
	}
	request.Header.Set(apiKeyHeader, c.apiKey)
	request.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(request)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return nil, nil
	case resp.StatusCode >= 400:
		code := gjson.GetBytes(payload, "code").String()
		if code != "" {
			return nil, acerr.FromCode(code, gjson.GetBytes(payload, "details").String())
		}
		return nil, fmt.Errorf("work_queue: unexpected status %d", resp.StatusCode)
	}

	var ar analysis.AnalysisRequest
	if err := json.Unmarshal(payload, &ar); err != nil {
		return nil, err
	}
	return &ar, nil
}

// CreateAPIKey mints an api key; requires an admin key.
func (c *Client) CreateAPIKey(ctx context.Context, name, description string, admin bool) (*storage.APIKey, error) {
	var result storage.APIKey
	body := map[string]interface{}{"name": name, "description": description, "is_admin": admin}
	if err := c.do(ctx, http.MethodPost, "/api_key", body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListAPIKeys lists api keys; requires an admin key.
func (c *Client) ListAPIKeys(ctx context.Context) ([]*storage.APIKey, error) {
	var result []*storage.APIKey
	if err := c.do(ctx, http.MethodGet, "/api_key", nil, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// DeleteAPIKey removes an api key; requires an admin key.
func (c *Client) DeleteAPIKey(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/api_key/"+url.PathEscape(name), nil, nil)
}

// RegisterAlertSystem subscribes an alert consumer; requires an admin key.
func (c *Client) RegisterAlertSystem(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/alert_system/"+url.PathEscape(name), nil, nil)
}

// GetAlerts drains the pending alerts for the named system, blocking up to
// timeout for the first one; requires an admin key.
func (c *Client) GetAlerts(ctx context.Context, name string, timeout time.Duration) ([]string, error) {
	path := "/alert_system/" + url.PathEscape(name) + "/alerts"
	if timeout > 0 {
		path += "?timeout=" + strconv.Itoa(int(timeout.Seconds()))
	}
	var result struct {
		Alerts []string `json:"alerts"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}
	return result.Alerts, nil
}
