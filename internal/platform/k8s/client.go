// Package k8s is a small REST client for creating batch Jobs in the cluster
// the service runs in.
package k8s

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const serviceAccountDir = "/var/run/secrets/kubernetes.io/serviceaccount"

var (
	ErrAlreadyExists = errors.New("kubernetes resource already exists")
	ErrUnauthorized  = errors.New("kubernetes request unauthorized")
	ErrForbidden     = errors.New("kubernetes request forbidden")
)

var statusErrors = map[int]error{
	http.StatusConflict:     ErrAlreadyExists,
	http.StatusUnauthorized: ErrUnauthorized,
	http.StatusForbidden:    ErrForbidden,
}

// APIError carries an unexpected API server response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	if body := strings.TrimSpace(e.Body); body != "" {
		return fmt.Sprintf("kubernetes api status %d: %s", e.StatusCode, body)
	}
	return fmt.Sprintf("kubernetes api status %d", e.StatusCode)
}

type Client struct {
	base      *url.URL
	token     string
	namespace string
	http      *http.Client
}

func NewClient(baseURL, token, namespace string, httpClient *http.Client) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid kubernetes api url %q", baseURL)
	}
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		return nil, errors.New("kubernetes namespace is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{base: base, token: strings.TrimSpace(token), namespace: namespace, http: httpClient}, nil
}

// NewInClusterClient authenticates with the pod's service account.
func NewInClusterClient() (*Client, error) {
	read := func(name string) (string, error) {
		raw, err := os.ReadFile(filepath.Join(serviceAccountDir, name))
		if err != nil {
			return "", fmt.Errorf("read service account %s: %w", name, err)
		}
		return strings.TrimSpace(string(raw)), nil
	}
	token, err := read("token")
	if err != nil {
		return nil, err
	}
	namespace, err := read("namespace")
	if err != nil {
		return nil, err
	}
	ca, err := read("ca.crt")
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM([]byte(ca)) {
		return nil, errors.New("service account ca bundle has no certificates")
	}

	host, port := os.Getenv("KUBERNETES_SERVICE_HOST"), os.Getenv("KUBERNETES_SERVICE_PORT")
	baseURL := "https://kubernetes.default.svc"
	if host != "" {
		if port == "" {
			port = "443"
		}
		baseURL = "https://" + strings.TrimSpace(host) + ":" + strings.TrimSpace(port)
	}
	httpClient := &http.Client{
		Timeout: 15 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12},
		},
	}
	return NewClient(baseURL, token, namespace, httpClient)
}

// Namespace is the namespace the client was configured with.
func (c *Client) Namespace() string {
	return c.namespace
}

// CreateJob submits job to namespace, or to the client namespace when empty.
func (c *Client) CreateJob(ctx context.Context, namespace string, job Job) error {
	if strings.TrimSpace(namespace) == "" {
		namespace = c.namespace
	}
	job.APIVersion, job.Kind = "batch/v1", "Job"
	job.Metadata.Namespace = namespace
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	return c.post(ctx, "/apis/batch/v1/namespaces/"+url.PathEscape(namespace)+"/jobs", body)
}

func (c *Client) post(ctx context.Context, path string, body []byte) error {
	target := *c.base
	target.Path = strings.TrimRight(target.Path, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("kubernetes request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if mapped, ok := statusErrors[resp.StatusCode]; ok {
		return mapped
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	return &APIError{StatusCode: resp.StatusCode, Body: string(msg)}
}
