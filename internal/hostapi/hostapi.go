// Package hostapi is a client for the HTTP API every container host exposes.
//
// The API lists the host's containers, runs argv commands inside them,
// performs lifecycle actions and creates servers from templates. Non-2xx
// answers are returned as *UpstreamError carrying the host's status and
// body unchanged.
package hostapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultTimeout = 30 * time.Second

	// maxBody caps how much of a host response is read into memory.
	maxBody = 8 << 20
)

// Container is one entry of the host's allinfo listing.
type Container struct {
	ServerID        string  `json:"server_id"`
	DockerID        string  `json:"docker_id"`
	Exists          bool    `json:"exists"`
	ContainerState  string  `json:"container_state"`
	CPUPercent      float64 `json:"cpu_percent"`
	MemUsage        float64 `json:"mem_usage"`
	MemLimit        float64 `json:"mem_limit"`
	MemUsagePercent float64 `json:"mem_usage_percent"`
	Port            string  `json:"port"`
}

// ActionResult is the host's answer to start, stop and restart.
type ActionResult struct {
	ServerID       string `json:"server_id"`
	DockerID       string `json:"docker_id"`
	Exists         bool   `json:"exists"`
	ContainerState string `json:"container_state"`
}

// RemoveResult is the host's answer to remove.
type RemoveResult struct {
	DockerID string `json:"docker_id"`
	Removed  bool   `json:"removed"`
}

// Action is a container lifecycle action.
type Action string

const (
	ActionStart   Action = "start"
	ActionStop    Action = "stop"
	ActionRestart Action = "restart"
)

// ParseAction validates a lifecycle action name.
func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(s)); a {
	case ActionStart, ActionStop, ActionRestart:
		return a, nil
	}
	return "", fmt.Errorf("unknown container action %q", s)
}

// UpstreamError is a failed call to a host. Payload is the host's JSON body,
// or a generic message when the host sent none or could not be reached.
type UpstreamError struct {
	Status  int
	Payload json.RawMessage
	Err     error
}

func (e *UpstreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("host API: %v", e.Err)
	}
	return fmt.Sprintf("host API returned %d: %s", e.Status, e.Payload)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

var defaultPayload = json.RawMessage(`{"message":"host API error"}`)

func transportError(err error) *UpstreamError {
	return &UpstreamError{Status: http.StatusBadGateway, Payload: defaultPayload, Err: err}
}

func statusError(status int, body []byte) *UpstreamError {
	body = bytes.TrimSpace(body)
	var payload json.RawMessage
	switch {
	case len(body) == 0:
		payload = defaultPayload
	case json.Valid(body):
		payload = json.RawMessage(body)
	default:
		payload, _ = json.Marshal(map[string]string{"message": string(body)})
	}
	return &UpstreamError{Status: status, Payload: payload}
}

// Client talks to one host.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New returns a client for the host API at baseURL. token, when set, is
// sent as a bearer token.
func New(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

// BaseURL returns the normalized base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// AllInfo lists the host's containers. Hosts with a single container may
// answer with an object instead of an array.
func (c *Client) AllInfo(ctx context.Context) ([]Container, error) {
	body, err := c.do(ctx, http.MethodGet, "/api/servers/allinfo", nil)
	if err != nil {
		return nil, err
	}

	body = bytes.TrimSpace(body)
	if len(body) > 0 && body[0] == '{' {
		var one Container
		if err := json.Unmarshal(body, &one); err != nil {
			return nil, fmt.Errorf("decode allinfo: %w", err)
		}
		return []Container{one}, nil
	}
	var all []Container
	if err := json.Unmarshal(body, &all); err != nil {
		return nil, fmt.Errorf("decode allinfo: %w", err)
	}
	return all, nil
}

// Exec runs argv inside the container and returns the host's answer
// verbatim.
func (c *Client) Exec(ctx context.Context, dockerID string, argv []string) (json.RawMessage, error) {
	body, err := c.do(ctx, http.MethodPost, containerPath(dockerID, "exec"), map[string]any{"cmd": argv})
	if err != nil {
		return nil, err
	}
	return passThrough(body)
}

// CreateServerRequest asks the host to create a server from a template.
type CreateServerRequest struct {
	ServerID string            `json:"server_id"`
	Template string            `json:"template"`
	Values   map[string]string `json:"values"`
}

// Templates lists the server templates the host can instantiate.
func (c *Client) Templates(ctx context.Context) (json.RawMessage, error) {
	body, err := c.do(ctx, http.MethodGet, "/api/templates", nil)
	if err != nil {
		return nil, err
	}
	return passThrough(body)
}

// Placeholders returns the values a template expects.
func (c *Client) Placeholders(ctx context.Context, template string) (json.RawMessage, error) {
	body, err := c.do(ctx, http.MethodGet, "/api/templates/"+url.PathEscape(template)+"/placeholders", nil)
	if err != nil {
		return nil, err
	}
	return passThrough(body)
}

// CreateServer creates a server from a template. Values defaults to an
// empty object.
func (c *Client) CreateServer(ctx context.Context, req CreateServerRequest) (json.RawMessage, error) {
	if req.Values == nil {
		req.Values = map[string]string{}
	}
	body, err := c.do(ctx, http.MethodPost, "/api/servers", req)
	if err != nil {
		return nil, err
	}
	return passThrough(body)
}

// passThrough returns a 2xx body as JSON. Empty bodies become null and
// plain text is quoted.
func passThrough(body []byte) (json.RawMessage, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return json.RawMessage("null"), nil
	}
	if !json.Valid(body) {
		quoted, err := json.Marshal(string(body))
		if err != nil {
			return nil, err
		}
		return quoted, nil
	}
	return json.RawMessage(body), nil
}

// Action performs a lifecycle action on the container.
func (c *Client) Action(ctx context.Context, dockerID string, action Action) (ActionResult, error) {
	var res ActionResult
	body, err := c.do(ctx, http.MethodPost, containerPath(dockerID, string(action)), struct{}{})
	if err != nil {
		return res, err
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return res, fmt.Errorf("decode %s result: %w", action, err)
	}
	return res, nil
}

// Remove deletes the container from the host.
func (c *Client) Remove(ctx context.Context, dockerID string) (RemoveResult, error) {
	var res RemoveResult
	body, err := c.do(ctx, http.MethodPost, containerPath(dockerID, "remove"), struct{}{})
	if err != nil {
		return res, err
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return res, fmt.Errorf("decode remove result: %w", err)
	}
	return res, nil
}

func containerPath(dockerID, op string) string {
	return "/api/servers/id/" + url.PathEscape(dockerID) + "/" + op
}

// do sends one request and returns the body of a 2xx answer.
func (c *Client) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, transportError(err)
	}
	req.Header.Set("Accept", "application/json")
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, transportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, transportError(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, statusError(resp.StatusCode, body)
	}
	return body, nil
}

// AsUpstream reports whether err is an *UpstreamError and returns it.
func AsUpstream(err error) (*UpstreamError, bool) {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue, true
	}
	return nil, false
}
