package k8s

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCreateJobPostsBatchJob(t *testing.T) {
	var got Job
	var path, authz string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		authz = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, "tok", "render", srv.Client())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	job := NewJob("", "reelforge-abc", JobSpec{Template: PodTemplateSpec{Spec: PodSpec{
		RestartPolicy: "Never",
		Containers:    []Container{{Name: "compute", Image: "img", Env: Env("NODE_UUID", "n1", "PROCESS_UUID", "abc")}},
	}}})
	if err := c.CreateJob(context.Background(), "", job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if path != "/apis/batch/v1/namespaces/render/jobs" {
		t.Fatalf("path=%q", path)
	}
	if authz != "Bearer tok" {
		t.Fatalf("Authorization=%q", authz)
	}
	if got.Kind != "Job" || got.APIVersion != "batch/v1" || got.Metadata.Namespace != "render" || got.Metadata.Name != "reelforge-abc" {
		t.Fatalf("unexpected job %#v", got)
	}
	env := got.Spec.Template.Spec.Containers[0].Env
	if len(env) != 2 || env[1].Name != "PROCESS_UUID" || env[1].Value != "abc" {
		t.Fatalf("unexpected env %#v", env)
	}
}

func TestCreateJobStatusMapping(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{status: http.StatusConflict, want: ErrAlreadyExists},
		{status: http.StatusUnauthorized, want: ErrUnauthorized},
		{status: http.StatusForbidden, want: ErrForbidden},
	}
	for _, tc := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))
		c, _ := NewClient(srv.URL, "", "default", srv.Client())
		err := c.CreateJob(context.Background(), "", Job{})
		srv.Close()
		if !errors.Is(err, tc.want) {
			t.Fatalf("status %d: err=%v, want %v", tc.status, err, tc.want)
		}
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()
	c, _ := NewClient(srv.URL, "", "default", srv.Client())
	err := c.CreateJob(context.Background(), "", Job{})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected APIError, got %v", err)
	}
}

func TestNewClientValidates(t *testing.T) {
	if _, err := NewClient("kubernetes.default.svc", "", "default", nil); err == nil {
		t.Fatalf("expected error for url without scheme")
	}
	if _, err := NewClient("https://kubernetes.default.svc", "", " ", nil); err == nil {
		t.Fatalf("expected error for empty namespace")
	}
}
