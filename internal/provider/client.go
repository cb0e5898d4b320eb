// Package provider talks to the external AI/media providers that run
// submit-and-poll jobs, and loads the catalogue that maps node types to them.
package provider

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

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"

	"github.com/animus-labs/reelforge/internal/domain"
)

// Reported job states after normalisation. Anything else is passed through
// unchanged and treated as unexpected by callers.
const (
	StatePending    = "pending"
	StateProcessing = "processing"
	StateCompleted  = "completed"
	StateFailed     = "failed"
)

var ErrNoProvider = errors.New("no provider configured")

type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("provider api error (status=%d)", e.StatusCode)
	}
	return fmt.Sprintf("provider api error (status=%d): %s", e.StatusCode, body)
}

// Submission is the result of Create: a job to poll, or an inline result.
type Submission struct {
	JobID           string
	ResultURL       string
	ContentType     string
	DurationSeconds float64
	Cost            float64
}

func (s Submission) Inline() bool {
	return s.JobID == "" && s.ResultURL != ""
}

type JobStatus struct {
	State           string
	ResultURL       string
	ContentType     string
	Message         string
	DurationSeconds float64
	Cost            float64
}

type Object struct {
	Size        int64
	ContentType string
}

// API is the provider surface used by dispatch and the poller.
type API interface {
	Create(ctx context.Context, kind domain.NodeType, params map[string]any) (Submission, error)
	Status(ctx context.Context, jobID string) (JobStatus, error)
	Fetch(ctx context.Context, ref string) (io.ReadCloser, Object, error)
}

type Client struct {
	entry   Entry
	base    *url.URL
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
}

var _ API = (*Client)(nil)

// NewClient builds a client for entry. With an oauth2 block the client uses
// the client-credentials grant; otherwise the API key is sent as a bearer token.
func NewClient(entry Entry, httpClient *http.Client) (*Client, error) {
	entry = entry.withDefaults()
	base, err := url.Parse(entry.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("provider %q: invalid base url %q", entry.Name, entry.BaseURL)
	}
	// Relative result references resolve below the base path.
	base.Path = strings.TrimRight(base.Path, "/") + "/"
	apiKey, clientSecret, err := entry.Credentials()
	if err != nil {
		return nil, err
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: entry.Timeout}
	}
	if entry.OAuth2 != nil {
		cc := clientcredentials.Config{
			ClientID:     entry.OAuth2.ClientID,
			ClientSecret: clientSecret,
			TokenURL:     entry.OAuth2.TokenURL,
			Scopes:       entry.OAuth2.Scopes,
		}
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, httpClient)
		authed := cc.Client(ctx)
		authed.Timeout = httpClient.Timeout
		httpClient = authed
	}
	burst := int(entry.RateLimit)
	if burst < 1 {
		burst = 1
	}
	return &Client{
		entry:   entry,
		base:    base,
		apiKey:  apiKey,
		http:    httpClient,
		limiter: rate.NewLimiter(rate.Limit(entry.RateLimit), burst),
	}, nil
}

type createRequest struct {
	Kind   domain.NodeType `json:"kind"`
	Params map[string]any  `json:"params"`
}

type jobResponse struct {
	JobID           string  `json:"job_id"`
	Status          string  `json:"status"`
	ResultURL       string  `json:"result_url"`
	ContentType     string  `json:"content_type"`
	Message         string  `json:"message"`
	Error           string  `json:"error"`
	DurationSeconds float64 `json:"duration_seconds"`
	Cost            float64 `json:"cost"`
}

func (c *Client) Create(ctx context.Context, kind domain.NodeType, params map[string]any) (Submission, error) {
	body, err := json.Marshal(createRequest{Kind: kind, Params: params})
	if err != nil {
		return Submission{}, fmt.Errorf("marshal job: %w", err)
	}
	var out jobResponse
	if err := c.call(ctx, http.MethodPost, c.resolve("jobs"), bytes.NewReader(body), &out); err != nil {
		return Submission{}, err
	}
	sub := Submission{
		JobID:           strings.TrimSpace(out.JobID),
		ResultURL:       strings.TrimSpace(out.ResultURL),
		ContentType:     out.ContentType,
		DurationSeconds: out.DurationSeconds,
		Cost:            out.Cost,
	}
	if sub.JobID == "" && sub.ResultURL == "" {
		return Submission{}, fmt.Errorf("provider %q returned neither job id nor result", c.entry.Name)
	}
	return sub, nil
}

func (c *Client) Status(ctx context.Context, jobID string) (JobStatus, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return JobStatus{}, errors.New("job id is required")
	}
	var out jobResponse
	if err := c.call(ctx, http.MethodGet, c.resolve("jobs/"+url.PathEscape(jobID)), nil, &out); err != nil {
		return JobStatus{}, err
	}
	msg := out.Message
	if msg == "" {
		msg = out.Error
	}
	return JobStatus{
		State:           NormalizeState(out.Status),
		ResultURL:       strings.TrimSpace(out.ResultURL),
		ContentType:     out.ContentType,
		Message:         msg,
		DurationSeconds: out.DurationSeconds,
		Cost:            out.Cost,
	}, nil
}

// Fetch downloads a result reference. Relative references resolve against
// the provider base url and carry the provider credentials; absolute ones on
// another host are fetched without them.
func (c *Client) Fetch(ctx context.Context, ref string) (io.ReadCloser, Object, error) {
	u, err := c.base.Parse(strings.TrimSpace(ref))
	if err != nil || ref == "" {
		return nil, Object{}, fmt.Errorf("invalid result reference %q", ref)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, Object{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, Object{}, err
	}
	client := http.DefaultClient
	if u.Host == c.base.Host {
		c.authorize(req)
		client = c.http
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, Object{}, fmt.Errorf("fetch result: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, Object{}, &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return resp.Body, Object{Size: resp.ContentLength, ContentType: resp.Header.Get("Content-Type")}, nil
}

func (c *Client) resolve(path string) string {
	return c.base.JoinPath(path).String()
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func (c *Client) call(ctx context.Context, method, target string, body io.Reader, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req)

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("provider %q %s: %w", c.entry.Name, method, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted:
	default:
		return &APIError{StatusCode: resp.StatusCode, Body: string(data)}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode provider response after %s: %w", time.Since(started).Round(time.Millisecond), err)
	}
	return nil
}

// NormalizeState folds provider-specific spellings into the State* constants.
func NormalizeState(value string) string {
	switch v := strings.ToLower(strings.TrimSpace(value)); v {
	case "pending", "queued", "waiting":
		return StatePending
	case "processing", "running", "in_progress":
		return StateProcessing
	case "completed", "succeeded", "success", "done":
		return StateCompleted
	case "failed", "error", "cancelled", "canceled":
		return StateFailed
	default:
		return v
	}
}
