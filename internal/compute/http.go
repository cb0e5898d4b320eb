package compute

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/animus-labs/reelforge/internal/platform/requestid"
)

type InvocationError struct {
	StatusCode int
	Body       string
}

func (e *InvocationError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("compute invocation rejected (status=%d)", e.StatusCode)
	}
	return fmt.Sprintf("compute invocation rejected (status=%d): %s", e.StatusCode, body)
}

// HTTPInvoker posts the task to a function endpoint that acknowledges with
// 200 or 202 and runs the work in the background.
type HTTPInvoker struct {
	url   string
	token string
	http  *http.Client
}

func NewHTTPInvoker(url, token string, httpClient *http.Client) (*HTTPInvoker, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("compute function url is required")
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &HTTPInvoker{url: url, token: strings.TrimSpace(token), http: httpClient}, nil
}

func (i *HTTPInvoker) Invoke(ctx context.Context, task Task) error {
	if err := task.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if i.token != "" {
		req.Header.Set("Authorization", "Bearer "+i.token)
	}
	if id, ok := requestid.FromContext(ctx); ok {
		req.Header.Set(requestid.Header, id)
	}

	resp, err := i.http.Do(req)
	if err != nil {
		return fmt.Errorf("invoke compute: %w", err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK, http.StatusAccepted:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil
	default:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return &InvocationError{StatusCode: resp.StatusCode, Body: string(data)}
	}
}
