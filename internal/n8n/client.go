// Package n8n searches and triggers workflows on an n8n instance through its
// public REST API.
package n8n

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ahmetk3436/torid/internal/models"
	"github.com/ahmetk3436/torid/internal/store"
	"golang.org/x/time/rate"
)

const (
	apiKeyHeader = "X-N8N-API-KEY"
	ignoreTag    = "agent_ignore"
	pageLimit    = 250
	maxErrorBody = 4 << 10
)

const misconfiguredMessage = "n8n URL or API Key is not configured. Please configure it in the Agent Settings."

// DirectoryError is returned for every failed directory call.
type DirectoryError struct {
	Misconfigured bool
	StatusCode    int
	Err           error
}

func (e *DirectoryError) Error() string {
	switch {
	case e.Misconfigured:
		return misconfiguredMessage
	case e.StatusCode != 0:
		return fmt.Sprintf("n8n API Error (%d): %v", e.StatusCode, e.Err)
	default:
		return e.Err.Error()
	}
}

func (e *DirectoryError) Unwrap() error {
	return e.Err
}

// CredentialSource yields the URL and key to use for the next call.
type CredentialSource interface {
	N8nCredentials(ctx context.Context) (store.N8nCredentials, error)
}

type Client struct {
	creds   CredentialSource
	http    *http.Client
	limiter *rate.Limiter
}

func NewClient(creds CredentialSource, requestsPerSecond float64) *Client {
	limit := rate.Inf
	if requestsPerSecond > 0 {
		limit = rate.Limit(requestsPerSecond)
	}
	return &Client{
		creds:   creds,
		http:    &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(limit, 5),
	}
}

type apiTag struct {
	Name string `json:"name"`
}

type apiWorkflow struct {
	ID     string   `json:"id"`
	Name   string   `json:"name"`
	Active bool     `json:"active"`
	Tags   []apiTag `json:"tags"`
}

type workflowPage struct {
	Data       []apiWorkflow `json:"data"`
	NextCursor string        `json:"nextCursor"`
}

func (w apiWorkflow) ignored() bool {
	for _, t := range w.Tags {
		if t.Name == ignoreTag {
			return true
		}
	}
	return false
}

// SearchWorkflows returns active workflows not tagged agent_ignore whose name
// contains query, ignoring case.
func (c *Client) SearchWorkflows(ctx context.Context, query string) ([]models.Workflow, error) {
	creds, err := c.credentials(ctx)
	if err != nil {
		return nil, err
	}

	needle := strings.ToLower(query)
	matches := []models.Workflow{}
	cursor := ""
	for {
		params := url.Values{"limit": {fmt.Sprint(pageLimit)}}
		if cursor != "" {
			params.Set("cursor", cursor)
		}
		body, err := c.do(ctx, creds, http.MethodGet, "/workflows?"+params.Encode())
		if err != nil {
			return nil, err
		}
		var page workflowPage
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, &DirectoryError{Err: fmt.Errorf("decoding workflows: %w", err)}
		}
		for _, wf := range page.Data {
			if wf.Active && !wf.ignored() && strings.Contains(strings.ToLower(wf.Name), needle) {
				matches = append(matches, models.Workflow{ID: wf.ID, Name: wf.Name})
			}
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	slog.Info("n8n workflow search", "query", query, "matches", len(matches))
	return matches, nil
}

// ExecutionResult is the outcome of a trigger.
type ExecutionResult struct {
	Success  bool
	Message  string
	Response json.RawMessage
}

// ExecuteWorkflow triggers a workflow. Failures are reported in the result;
// the error is also returned so callers can inspect it.
func (c *Client) ExecuteWorkflow(ctx context.Context, workflowID string) (ExecutionResult, error) {
	creds, err := c.credentials(ctx)
	if err != nil {
		return ExecutionResult{Message: err.Error()}, err
	}
	body, err := c.do(ctx, creds, http.MethodPost, "/workflows/"+url.PathEscape(workflowID)+"/executions")
	if err != nil {
		return ExecutionResult{Message: err.Error()}, err
	}
	res := ExecutionResult{Success: true}
	if json.Valid(body) {
		res.Response = body
	}
	return res, nil
}

// ConnectionResult reports whether a URL and key pair can list workflows.
type ConnectionResult struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// TestConnection checks an unsaved URL and key pair.
func (c *Client) TestConnection(ctx context.Context, baseURL, apiKey string) ConnectionResult {
	creds := store.N8nCredentials{URL: baseURL, APIKey: apiKey}
	if !creds.Configured() {
		return ConnectionResult{Message: misconfiguredMessage}
	}
	_, err := c.do(ctx, creds, http.MethodGet, "/workflows?limit=1")
	if err == nil {
		return ConnectionResult{Success: true}
	}
	var dirErr *DirectoryError
	if errors.As(err, &dirErr) && dirErr.StatusCode != 0 {
		return ConnectionResult{Message: strings.TrimSpace(fmt.Sprintf("Connection failed with status %d. %s", dirErr.StatusCode, dirErr.Err))}
	}
	return ConnectionResult{Message: err.Error()}
}

func (c *Client) credentials(ctx context.Context) (store.N8nCredentials, error) {
	creds, err := c.creds.N8nCredentials(ctx)
	if err != nil {
		return store.N8nCredentials{}, &DirectoryError{Err: fmt.Errorf("loading n8n credentials: %w", err)}
	}
	if !creds.Configured() {
		return store.N8nCredentials{}, &DirectoryError{Misconfigured: true, Err: errors.New("missing n8n url or api key")}
	}
	return creds, nil
}

func (c *Client) do(ctx context.Context, creds store.N8nCredentials, method, path string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &DirectoryError{Err: err}
	}

	base := strings.TrimRight(strings.TrimSpace(creds.URL), "/")
	req, err := http.NewRequestWithContext(ctx, method, base+"/api/v1"+path, nil)
	if err != nil {
		return nil, &DirectoryError{Err: fmt.Errorf("building request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(apiKeyHeader, creds.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &DirectoryError{Err: fmt.Errorf("Network error: Could not connect to n8n at %s. Check the URL and your network connection: %w", base, err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &DirectoryError{Err: fmt.Errorf("reading response: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &DirectoryError{StatusCode: resp.StatusCode, Err: errors.New(errorMessage(body))}
	}
	return body, nil
}

func errorMessage(body []byte) string {
	var parsed struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Message != "" {
		return parsed.Message
	}
	if len(body) == 0 {
		return "Unknown error"
	}
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	return strings.TrimSpace(string(body))
}
