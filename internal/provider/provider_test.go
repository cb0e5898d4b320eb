package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/animus-labs/reelforge/internal/domain"
)

const catalogueYAML = `
providers:
  - name: voicebox
    node_types: [generate-voiceover]
    base_url: https://voice.example.com/v1/
    api_key_env: VOICEBOX_API_KEY
    initial_delay: 2s
    poll_interval: 3s
    max_attempts: 4
    rate_limit: 2
  - name: avatars
    node_types: [generate-talking-head, generate-animation]
    base_url: https://avatars.example.com
    oauth2:
      token_url: https://auth.example.com/token
      client_id: reelforge
      client_secret_env: AVATARS_CLIENT_SECRET
      scopes: [jobs]
`

func TestParseCatalogue(t *testing.T) {
	cat, err := ParseCatalogue([]byte(catalogueYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(cat.Providers) != 2 {
		t.Fatalf("providers=%d", len(cat.Providers))
	}
	voice := cat.Providers[0]
	if voice.InitialDelay != 2*time.Second || voice.PollInterval != 3*time.Second || voice.MaxAttempts != 4 {
		t.Fatalf("unexpected voice entry %#v", voice)
	}
	if voice.BaseURL != "https://voice.example.com/v1" {
		t.Fatalf("base url not trimmed: %q", voice.BaseURL)
	}
	avatars := cat.Providers[1]
	if avatars.MaxAttempts != DefaultMaxAttempts || avatars.PollInterval != DefaultPollInterval || avatars.RateLimit != DefaultRateLimit {
		t.Fatalf("defaults not applied: %#v", avatars)
	}
	if avatars.OAuth2 == nil || avatars.OAuth2.ClientID != "reelforge" {
		t.Fatalf("oauth2 not decoded: %#v", avatars.OAuth2)
	}
}

func TestParseCatalogueRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{name: "unknown node type", yaml: "providers:\n  - name: a\n    node_types: [karaoke]\n    base_url: https://a.example.com\n"},
		{name: "missing base url", yaml: "providers:\n  - name: a\n    node_types: [generate-voiceover]\n"},
		{name: "no node types", yaml: "providers:\n  - name: a\n    base_url: https://a.example.com\n"},
		{name: "negative attempts", yaml: "providers:\n  - name: a\n    node_types: [generate-voiceover]\n    base_url: https://a.example.com\n    max_attempts: -1\n"},
		{name: "duplicate name", yaml: "providers:\n  - name: a\n    node_types: [generate-voiceover]\n    base_url: https://a.example.com\n  - name: a\n    node_types: [generate-animation]\n    base_url: https://a.example.com\n"},
		{name: "shared type", yaml: "providers:\n  - name: a\n    node_types: [generate-voiceover]\n    base_url: https://a.example.com\n  - name: b\n    node_types: [generate-voiceover]\n    base_url: https://b.example.com\n"},
		{name: "oauth2 without token url", yaml: "providers:\n  - name: a\n    node_types: [generate-voiceover]\n    base_url: https://a.example.com\n    oauth2:\n      client_id: x\n      client_secret_env: Y\n"},
		{name: "bad duration", yaml: "providers:\n  - name: a\n    node_types: [generate-voiceover]\n    base_url: https://a.example.com\n    poll_interval: soon\n"},
	}
	for _, tc := range tests {
		if _, err := ParseCatalogue([]byte(tc.yaml)); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestClientCreateStatusFetch(t *testing.T) {
	t.Setenv("TEST_PROVIDER_KEY", "sekret")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sekret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/jobs":
			var req createRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Kind != domain.NodeTypeGenerateVoiceover || req.Params["voice_id"] != "v-1" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			w.WriteHeader(http.StatusAccepted)
			_, _ = w.Write([]byte(`{"job_id":"abc","status":"queued"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/v1/jobs/abc":
			_, _ = w.Write([]byte(`{"status":"succeeded","result_url":"results/abc.mp3","duration_seconds":4.5,"cost":0.02}`))
		case r.Method == http.MethodGet && r.URL.Path == "/v1/results/abc.mp3":
			w.Header().Set("Content-Type", "audio/mpeg")
			_, _ = w.Write([]byte("ID3audio"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client, err := NewClient(Entry{
		Name:      "voicebox",
		NodeTypes: []domain.NodeType{domain.NodeTypeGenerateVoiceover},
		BaseURL:   srv.URL + "/v1",
		APIKeyEnv: "TEST_PROVIDER_KEY",
		RateLimit: 100,
	}, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx := context.Background()

	sub, err := client.Create(ctx, domain.NodeTypeGenerateVoiceover, map[string]any{"voice_id": "v-1"})
	if err != nil || sub.JobID != "abc" || sub.Inline() {
		t.Fatalf("create: %#v err=%v", sub, err)
	}
	st, err := client.Status(ctx, "abc")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.State != StateCompleted || st.ResultURL != "results/abc.mp3" || st.DurationSeconds != 4.5 || st.Cost != 0.02 {
		t.Fatalf("unexpected status %#v", st)
	}
	body, obj, err := client.Fetch(ctx, st.ResultURL)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	defer body.Close()
	data, _ := io.ReadAll(body)
	if string(data) != "ID3audio" || obj.ContentType != "audio/mpeg" || obj.Size != int64(len(data)) {
		t.Fatalf("unexpected object %#v data=%q", obj, data)
	}

	_, err = client.Status(ctx, "missing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 APIError, got %v", err)
	}
}

func TestClientUsesClientCredentials(t *testing.T) {
	t.Setenv("TEST_CLIENT_SECRET", "cs")
	var tokenRequests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/token":
			tokenRequests++
			_ = r.ParseForm()
			if r.Form.Get("grant_type") != "client_credentials" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"access_token":"at-1","token_type":"bearer","expires_in":3600}`))
		case "/jobs":
			if r.Header.Get("Authorization") != "Bearer at-1" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_, _ = w.Write([]byte(`{"result_url":"https://cdn.example.com/x.mp4","cost":1}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client, err := NewClient(Entry{
		Name:      "avatars",
		NodeTypes: []domain.NodeType{domain.NodeTypeGenerateAnimation},
		BaseURL:   srv.URL,
		OAuth2:    &OAuth2{TokenURL: srv.URL + "/token", ClientID: "reelforge", ClientSecretEnv: "TEST_CLIENT_SECRET"},
	}, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	sub, err := client.Create(context.Background(), domain.NodeTypeGenerateAnimation, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !sub.Inline() || sub.ResultURL != "https://cdn.example.com/x.mp4" || tokenRequests != 1 {
		t.Fatalf("unexpected submission %#v tokens=%d", sub, tokenRequests)
	}
}

func TestNewClientRequiresConfiguredSecrets(t *testing.T) {
	_, err := NewClient(Entry{Name: "a", BaseURL: "https://a.example.com", APIKeyEnv: "REELFORGE_TEST_UNSET_KEY"}, nil)
	if err == nil || !strings.Contains(err.Error(), "REELFORGE_TEST_UNSET_KEY") {
		t.Fatalf("expected missing key error, got %v", err)
	}
}

func TestRegistry(t *testing.T) {
	fake := &Client{}
	r, err := NewRegistry(Provider{Entry: Entry{Name: "voicebox", NodeTypes: []domain.NodeType{domain.NodeTypeGenerateVoiceover}}, API: fake})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	p, err := r.ForType(domain.NodeTypeGenerateVoiceover)
	if err != nil || p.Name != "voicebox" || p.MaxAttempts != DefaultMaxAttempts {
		t.Fatalf("ForType=%#v err=%v", p, err)
	}
	if _, err := r.ForType(domain.NodeTypeGenerateAnimation); !errors.Is(err, ErrNoProvider) {
		t.Fatalf("err=%v, want ErrNoProvider", err)
	}
	if _, err := r.Get("nope"); !errors.Is(err, ErrNoProvider) {
		t.Fatalf("err=%v, want ErrNoProvider", err)
	}
}

func TestNormalizeState(t *testing.T) {
	for in, want := range map[string]string{
		"QUEUED": StatePending, "running": StateProcessing, "done": StateCompleted, "error": StateFailed, "paused": "paused",
	} {
		if got := NormalizeState(in); got != want {
			t.Fatalf("NormalizeState(%q)=%q, want %q", in, got, want)
		}
	}
}
