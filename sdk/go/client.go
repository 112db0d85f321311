package workdesksdk

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

// Client is a minimal Workdesk HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

// Message is one entry of a request thread.
type Message struct {
	SenderID  string    `json:"sender_id"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// WorkRequest represents the API work request model.
type WorkRequest struct {
	ID          string     `json:"id"`
	RequesterID string     `json:"requester_id"`
	WorkerID    string     `json:"worker_id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Location    string     `json:"location"`
	Budget      *float64   `json:"budget,omitempty"`
	Deadline    *time.Time `json:"deadline,omitempty"`
	Status      string     `json:"status"`
	Version     int64      `json:"version"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	Messages    []Message  `json:"messages"`
}

// NewRequest holds the fields of a request to create.
type NewRequest struct {
	WorkerID    string     `json:"worker_id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Location    string     `json:"location"`
	Budget      *float64   `json:"budget,omitempty"`
	Deadline    *time.Time `json:"deadline,omitempty"`
}

// Worker is a public worker profile.
type Worker struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	WorkType        string    `json:"work_type"`
	Location        string    `json:"location"`
	YearsExperience int       `json:"years_experience"`
	CreatedAt       time.Time `json:"created_at"`
}

// Event represents an audit log entry.
type Event struct {
	ID        int64     `json:"id"`
	TS        time.Time `json:"ts"`
	Type      string    `json:"type"`
	RequestID string    `json:"request_id"`
	ActorID   string    `json:"actor_id"`
	Payload   string    `json:"payload_json"`
}

// Me is the authenticated principal.
type Me struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

type itemsOf[T any] struct {
	Items []T `json:"items"`
}

// CreateRequest creates a work request and returns its id.
func (c *Client) CreateRequest(ctx context.Context, in NewRequest) (string, error) {
	var resp struct {
		RequestID string `json:"request_id"`
	}
	err := c.do(ctx, http.MethodPost, "requests", in, &resp)
	return resp.RequestID, err
}

// GetRequest fetches one request.
func (c *Client) GetRequest(ctx context.Context, id string) (WorkRequest, error) {
	var resp WorkRequest
	err := c.do(ctx, http.MethodGet, "requests/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ChangeStatus moves a request to status.
func (c *Client) ChangeStatus(ctx context.Context, id, status string) (WorkRequest, error) {
	var resp WorkRequest
	err := c.do(ctx, http.MethodPatch, "requests/"+url.PathEscape(id)+"/status", map[string]any{"status": status}, &resp)
	return resp, err
}

// AddMessage posts a message on a request.
func (c *Client) AddMessage(ctx context.Context, id, content string) (Message, error) {
	var resp Message
	err := c.do(ctx, http.MethodPost, "requests/"+url.PathEscape(id)+"/messages", map[string]any{"content": content}, &resp)
	return resp, err
}

// MyRequests lists requests created by the caller.
func (c *Client) MyRequests(ctx context.Context) ([]WorkRequest, error) {
	var resp itemsOf[WorkRequest]
	err := c.do(ctx, http.MethodGet, "requests/mine", nil, &resp)
	return resp.Items, err
}

// WorkerRequests lists requests addressed to workerID, or to the caller when empty.
func (c *Client) WorkerRequests(ctx context.Context, workerID string) ([]WorkRequest, error) {
	endpoint := "requests/worker"
	if workerID != "" {
		endpoint += "/" + url.PathEscape(workerID)
	}
	var resp itemsOf[WorkRequest]
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// History returns the audit events of a request.
func (c *Client) History(ctx context.Context, id string) ([]Event, error) {
	var resp itemsOf[Event]
	err := c.do(ctx, http.MethodGet, "requests/"+url.PathEscape(id)+"/events", nil, &resp)
	return resp.Items, err
}

// Workers lists the worker directory.
func (c *Client) Workers(ctx context.Context) ([]Worker, error) {
	var resp itemsOf[Worker]
	err := c.do(ctx, http.MethodGet, "workers", nil, &resp)
	return resp.Items, err
}

// Me returns the authenticated principal.
func (c *Client) Me(ctx context.Context) (Me, error) {
	var resp Me
	err := c.do(ctx, http.MethodGet, "me", nil, &resp)
	return resp, err
}

// DevLogin mints a token for userID on servers with dev login enabled and
// stores it on the client.
func (c *Client) DevLogin(ctx context.Context, userID string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "auth/dev/login", map[string]any{"user_id": userID}, &resp); err != nil {
		return "", err
	}
	c.BearerToken = resp.Token
	return resp.Token, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(c.BasePath, "/")
}
