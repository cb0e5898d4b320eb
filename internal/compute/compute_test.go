package compute

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
	"github.com/animus-labs/reelforge/internal/platform/k8s"
)

func sampleTask() Task {
	return Task{
		NodeUUID:    "6f1c0d2e-8d7a-4c39-9f2b-0d6a3a1e5b10",
		NodeType:    domain.NodeTypeMergeVideos,
		ProcessUUID: "0c7b9e5a-2f44-4d7e-a1c3-5b8e9f0a1d22",
		CallbackURL: "https://reelforge.example.com/callbacks/node-execution",
		Inputs: []Input{
			{Slot: "segments", NodeUUID: "a", URL: "https://store.example.com/a.mp4?sig=1", Kind: domain.ArtifactKindVideo},
			{Slot: "segments", NodeUUID: "b", URL: "https://store.example.com/b.mp4?sig=2", Kind: domain.ArtifactKindVideo},
		},
		Output: Output{StorageTarget: "minio", StorageKey: "pipelines/p/n/t.mp4", Kind: domain.ArtifactKindVideo, ContentType: "video/mp4"},
		Config: json.RawMessage(`{"transition":"fade"}`),
	}
}

func TestTaskValidate(t *testing.T) {
	if err := sampleTask().Validate(); err != nil {
		t.Fatalf("expected valid task: %v", err)
	}
	tests := []struct {
		name   string
		mutate func(*Task)
	}{
		{name: "no token", mutate: func(t *Task) { t.ProcessUUID = "" }},
		{name: "bad callback", mutate: func(t *Task) { t.CallbackURL = "not a url" }},
		{name: "no output key", mutate: func(t *Task) { t.Output.StorageKey = "" }},
		{name: "input without url", mutate: func(t *Task) { t.Inputs[0].URL = "" }},
		{name: "input without kind", mutate: func(t *Task) { t.Inputs[1].Kind = "" }},
	}
	for _, tc := range tests {
		task := sampleTask()
		tc.mutate(&task)
		if err := task.Validate(); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestHTTPInvoker(t *testing.T) {
	var got Task
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if got.NodeType == domain.NodeTypeComposeVideo {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = io.WriteString(w, "no capacity")
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	inv, err := NewHTTPInvoker(srv.URL, "fn-token", srv.Client())
	if err != nil {
		t.Fatalf("new invoker: %v", err)
	}
	if err := inv.Invoke(context.Background(), sampleTask()); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if auth != "Bearer fn-token" || got.ProcessUUID != sampleTask().ProcessUUID || len(got.Inputs) != 2 {
		t.Fatalf("unexpected request auth=%q task=%#v", auth, got)
	}

	task := sampleTask()
	task.NodeType = domain.NodeTypeComposeVideo
	err = inv.Invoke(context.Background(), task)
	var invErr *InvocationError
	if !errors.As(err, &invErr) || invErr.StatusCode != http.StatusServiceUnavailable || !strings.Contains(err.Error(), "no capacity") {
		t.Fatalf("expected InvocationError, got %v", err)
	}
}

type fakeJobs struct {
	namespace string
	created   []k8s.Job
	err       error
}

func (f *fakeJobs) CreateJob(_ context.Context, namespace string, job k8s.Job) error {
	if f.err != nil {
		return f.err
	}
	job.Metadata.Namespace = namespace
	f.created = append(f.created, job)
	return nil
}

func (f *fakeJobs) Namespace() string { return f.namespace }

func TestKubernetesJobInvoker(t *testing.T) {
	jobs := &fakeJobs{namespace: "reelforge"}
	inv, err := NewKubernetesJobInvoker(jobs, Config{Image: "registry.example.com/compute:1", JobTTL: 10 * time.Minute, JobDeadline: time.Hour})
	if err != nil {
		t.Fatalf("new invoker: %v", err)
	}
	task := sampleTask()
	if err := inv.Invoke(context.Background(), task); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if len(jobs.created) != 1 {
		t.Fatalf("jobs created=%d", len(jobs.created))
	}
	job := jobs.created[0]
	if job.Metadata.Name != "reelforge-"+task.ProcessUUID || job.Metadata.Namespace != "reelforge" {
		t.Fatalf("unexpected metadata %#v", job.Metadata)
	}
	if *job.Spec.TTLSecondsAfterFinished != 600 || *job.Spec.ActiveDeadlineSeconds != 3600 {
		t.Fatalf("unexpected spec %#v", job.Spec)
	}
	env := map[string]string{}
	for _, e := range job.Spec.Template.Spec.Containers[0].Env {
		env[e.Name] = e.Value
	}
	for _, key := range []string{"NODE_UUID", "NODE_TYPE", "PROCESS_UUID", "CALLBACK_URL", "TASK_JSON"} {
		if env[key] == "" {
			t.Fatalf("missing env %s", key)
		}
	}
	var decoded Task
	if err := json.Unmarshal([]byte(env["TASK_JSON"]), &decoded); err != nil || decoded.Output.StorageKey != task.Output.StorageKey {
		t.Fatalf("TASK_JSON=%q err=%v", env["TASK_JSON"], err)
	}

	jobs.err = k8s.ErrAlreadyExists
	if err := inv.Invoke(context.Background(), task); err != nil {
		t.Fatalf("existing job should be accepted: %v", err)
	}
	jobs.err = k8s.ErrForbidden
	if err := inv.Invoke(context.Background(), task); !errors.Is(err, k8s.ErrForbidden) {
		t.Fatalf("err=%v, want ErrForbidden", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{name: "http", cfg: Config{Mode: ModeHTTP, FunctionURL: "https://fn", RequestTimeout: time.Second}, ok: true},
		{name: "http without url", cfg: Config{Mode: ModeHTTP, RequestTimeout: time.Second}},
		{name: "kubernetes", cfg: Config{Mode: ModeKubernetes, Image: "img", RequestTimeout: time.Second}, ok: true},
		{name: "kubernetes without image", cfg: Config{Mode: ModeKubernetes, RequestTimeout: time.Second}},
		{name: "unknown mode", cfg: Config{Mode: "lambda", RequestTimeout: time.Second}},
	}
	for _, tc := range tests {
		err := tc.cfg.Validate()
		if (err == nil) != tc.ok {
			t.Fatalf("%s: err=%v", tc.name, err)
		}
	}
}
