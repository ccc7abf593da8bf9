package bsdflowsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal BSDFlow HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	Tenant      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, tenant string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "api/v1",
		Tenant:   tenant,
		Timeout:  10 * time.Second,
	}
}

// EntityType is the API type model (partial).
type EntityType struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Version int64   `json:"version"`
	Fields  []Field `json:"fields"`
}

type Field struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Type     string `json:"type"`
	Required bool   `json:"required,omitempty"`
	Deleted  bool   `json:"deleted,omitempty"`
}

// Entity is the API entity model.
type Entity struct {
	Type     string         `json:"type"`
	ID       string         `json:"id"`
	Fields   map[string]any `json:"fields"`
	Revision int64          `json:"revision"`
}

// Event is a process instance.
type Event struct {
	ID        string      `json:"id"`
	ProcessID string      `json:"process_id"`
	Status    string      `json:"status"`
	Cursor    int         `json:"cursor"`
	Revision  int64       `json:"revision"`
	States    []StepState `json:"states"`
}

type StepState struct {
	StepID       string   `json:"step_id"`
	AttemptTimes []string `json:"attempt_times,omitempty"`
	OK           bool     `json:"ok,omitempty"`
	Done         bool     `json:"done,omitempty"`
	Failed       bool     `json:"failed,omitempty"`
	LastError    string   `json:"last_error,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateType creates an entity type.
func (c *Client) CreateType(ctx context.Context, name string, fields []Field) (EntityType, error) {
	body := map[string]any{"name": name, "fields": fields}
	var resp EntityType
	err := c.do(ctx, http.MethodPost, c.apiPath("types"), body, &resp)
	return resp, err
}

// GetType fetches one entity type.
func (c *Client) GetType(ctx context.Context, id string) (EntityType, error) {
	var resp EntityType
	err := c.do(ctx, http.MethodGet, c.apiPath("types/"+url.PathEscape(id)), nil, &resp)
	return resp, err
}

// CreateEntity creates an entity of a type.
func (c *Client) CreateEntity(ctx context.Context, typeID string, fields map[string]any) (Entity, error) {
	body := map[string]any{"fields": fields}
	var resp Entity
	endpoint := c.apiPath(fmt.Sprintf("types/%s/entities", url.PathEscape(typeID)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// UpdateEntity patches fields at a known revision.
func (c *Client) UpdateEntity(ctx context.Context, typeID, id string, fields map[string]any, revision int64) (Entity, error) {
	body := map[string]any{"fields": fields, "revision": revision}
	var resp Entity
	endpoint := c.apiPath(fmt.Sprintf("types/%s/entities/%s", url.PathEscape(typeID), url.PathEscape(id)))
	err := c.do(ctx, http.MethodPatch, endpoint, body, &resp)
	return resp, err
}

// GetEntity fetches one entity.
func (c *Client) GetEntity(ctx context.Context, typeID, id string) (Entity, error) {
	var resp Entity
	endpoint := c.apiPath(fmt.Sprintf("types/%s/entities/%s", url.PathEscape(typeID), url.PathEscape(id)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// StartEvent starts a process instance.
func (c *Client) StartEvent(ctx context.Context, processID string, entities []map[string]string) (Event, error) {
	body := map[string]any{"process_id": processID, "entities": entities}
	var resp Event
	err := c.do(ctx, http.MethodPost, c.apiPath("events"), body, &resp)
	return resp, err
}

// AdvanceEvent attempts the current step now.
func (c *Client) AdvanceEvent(ctx context.Context, id string) (Event, error) {
	var resp Event
	endpoint := c.apiPath(fmt.Sprintf("events/%s/advance", url.PathEscape(id)))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// AbortEvent aborts a process instance.
func (c *Client) AbortEvent(ctx context.Context, id string) (Event, error) {
	var resp Event
	endpoint := c.apiPath(fmt.Sprintf("events/%s/abort", url.PathEscape(id)))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// GetEvent fetches one process instance.
func (c *Client) GetEvent(ctx context.Context, id string) (Event, error) {
	var resp Event
	err := c.do(ctx, http.MethodGet, c.apiPath("events/"+url.PathEscape(id)), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	} else if c.Tenant != "" {
		req.Header.Set("X-Tenant", c.Tenant)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) apiPath(p string) string {
	return strings.Trim(c.BasePath, "/") + "/" + strings.TrimLeft(p, "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
