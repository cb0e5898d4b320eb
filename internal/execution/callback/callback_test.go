package callback

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/animus-labs/reelforge/internal/artifacts"
	"github.com/animus-labs/reelforge/internal/domain"
	"github.com/animus-labs/reelforge/internal/execution/controller"
	"github.com/animus-labs/reelforge/internal/execution/schema"
	"github.com/animus-labs/reelforge/internal/repo/memory"
)

type fixture struct {
	store     *memory.Store
	ctl       *controller.Controller
	objects   *artifacts.MemoryStore
	processor *Processor
	pipeline  domain.Pipeline
	merge     domain.Node
	token     string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	store := memory.New()
	ctl := controller.New(store, schema.Builtin(), logger)
	objects := artifacts.NewMemoryStore("http://artifacts.local")
	router := artifacts.NewRouter(domain.StorageTargetMinIO)
	router.Register(domain.StorageTargetMinIO, objects)

	pipeline, err := store.CreatePipeline(ctx, domain.Pipeline{Title: "promo"})
	if err != nil {
		t.Fatalf("create pipeline: %v", err)
	}
	segments := make([]string, 0, 2)
	for _, key := range []string{"uploads/a.mp4", "uploads/b.mp4"} {
		n, err := store.CreateNode(ctx, domain.Node{
			PipelineUUID: pipeline.UUID,
			Type:         domain.NodeTypeAsset,
			Config:       domain.AssetConfig{Kind: domain.ArtifactKindVideo, StorageKey: key},
		})
		if err != nil {
			t.Fatalf("create segment: %v", err)
		}
		exec, err := ctl.Start(ctx, n.UUID)
		if err != nil {
			t.Fatalf("start segment: %v", err)
		}
		out := domain.NodeOutput{StorageTarget: domain.StorageTargetMinIO, StorageKey: key, SizeBytes: 100, Kind: domain.ArtifactKindVideo}
		if _, err := ctl.Succeed(ctx, n.UUID, exec.Token, out, 0); err != nil {
			t.Fatalf("complete segment: %v", err)
		}
		segments = append(segments, n.UUID)
	}
	merge, err := store.CreateNode(ctx, domain.Node{
		PipelineUUID: pipeline.UUID,
		Type:         domain.NodeTypeMergeVideos,
		Inputs:       domain.Inputs{"segments": segments},
		Config:       domain.MergeVideosConfig{},
	})
	if err != nil {
		t.Fatalf("create merge: %v", err)
	}
	exec, err := ctl.Start(ctx, merge.UUID)
	if err != nil {
		t.Fatalf("start merge: %v", err)
	}
	return &fixture{
		store:     store,
		ctl:       ctl,
		objects:   objects,
		processor: NewProcessor(store, router, ctl, logger),
		pipeline:  pipeline,
		merge:     exec.Node,
		token:     exec.Token,
	}
}

func (f *fixture) reload(t *testing.T) domain.Node {
	t.Helper()
	n, err := f.store.GetNode(context.Background(), f.merge.UUID)
	if err != nil {
		t.Fatalf("get node: %v", err)
	}
	return n
}

func TestStaleCallbackThenCurrentCallback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	key := artifacts.NodeKey("", f.pipeline.UUID, f.merge.UUID, f.token, ".mp4")
	if _, err := f.objects.Put(ctx, key, strings.NewReader("merged-video"), 12, "video/mp4"); err != nil {
		t.Fatalf("put: %v", err)
	}

	res, err := f.processor.Process(ctx, Signal{
		NodeUUID:    f.merge.UUID,
		NodeType:    "merge_videos",
		ProcessUUID: "duplicate-invocation-token",
		Result:      &Payload{StorageKey: "elsewhere.mp4", SizeBytes: 5},
	})
	if err != nil || res != ResultIgnored {
		t.Fatalf("stale callback: res=%s err=%v", res, err)
	}
	if n := f.reload(t); n.Status != domain.StatusInProgress || n.Output != nil {
		t.Fatalf("stale callback mutated node: %s", n.Status)
	}

	res, err = f.processor.Process(ctx, Signal{
		NodeUUID:    f.merge.UUID,
		NodeType:    "merge-videos",
		ProcessUUID: f.token,
		Result:      &Payload{StorageKey: key, DurationSeconds: 42, Cost: 0.3},
	})
	if err != nil || res != ResultApplied {
		t.Fatalf("callback: res=%s err=%v", res, err)
	}
	n := f.reload(t)
	if n.Status != domain.StatusCompleted || n.Output == nil {
		t.Fatalf("expected completed, got %s", n.Status)
	}
	if n.Output.StorageKey != key || n.Output.SizeBytes != 12 || n.Output.Kind != domain.ArtifactKindVideo || n.Output.ContentType != "video/mp4" || n.Output.DurationSeconds != 42 {
		t.Fatalf("unexpected output %#v", n.Output)
	}

	res, err = f.processor.Process(ctx, Signal{NodeUUID: f.merge.UUID, ProcessUUID: f.token, Error: "late failure"})
	if err != nil || res != ResultIgnored {
		t.Fatalf("duplicate callback after completion: res=%s err=%v", res, err)
	}
	if n := f.reload(t); n.Status != domain.StatusCompleted {
		t.Fatalf("completed node changed to %s", n.Status)
	}
}

func TestErrorCallbackFailsNode(t *testing.T) {
	f := newFixture(t)
	res, err := f.processor.Process(context.Background(), Signal{
		NodeUUID: f.merge.UUID, ProcessUUID: f.token, Error: "ffmpeg exited 1", ErrorType: "bogus",
	})
	if err != nil || res != ResultApplied {
		t.Fatalf("res=%s err=%v", res, err)
	}
	n := f.reload(t)
	if n.Status != domain.StatusFailed || n.Metadata.Error.Message != "ffmpeg exited 1" || n.Metadata.Error.Type != domain.ErrorTypeCompute {
		t.Fatalf("unexpected failure %#v", n.Metadata.Error)
	}
}

func TestMalformedAndUnknownCallbacks(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name      string
		sig       Signal
		want      Result
		malformed bool
	}{
		{name: "missing node", sig: Signal{ProcessUUID: f.token, Error: "x"}, malformed: true},
		{name: "missing token", sig: Signal{NodeUUID: f.merge.UUID, Error: "x"}, malformed: true},
		{name: "unknown node", sig: Signal{NodeUUID: "00000000-0000-4000-8000-000000000000", ProcessUUID: f.token, Error: "x"}, want: ResultNotFound},
		{name: "type mismatch", sig: Signal{NodeUUID: f.merge.UUID, NodeType: "compose-video", ProcessUUID: f.token, Error: "x"}, malformed: true},
		{name: "neither result nor error", sig: Signal{NodeUUID: f.merge.UUID, ProcessUUID: f.token}, malformed: true},
		{name: "result without key", sig: Signal{NodeUUID: f.merge.UUID, ProcessUUID: f.token, Result: &Payload{SizeBytes: 3}}, malformed: true},
		{name: "unknown target", sig: Signal{NodeUUID: f.merge.UUID, ProcessUUID: f.token, Result: &Payload{StorageKey: "k", StorageTarget: "s3-glacier", SizeBytes: 3}}, malformed: true},
	}
	for _, tc := range tests {
		res, err := f.processor.Process(context.Background(), tc.sig)
		if tc.malformed {
			if !errors.Is(err, ErrMalformed) {
				t.Fatalf("%s: err=%v, want ErrMalformed", tc.name, err)
			}
			continue
		}
		if err != nil || res != tc.want {
			t.Fatalf("%s: res=%s err=%v", tc.name, res, err)
		}
	}
	if n := f.reload(t); n.Status != domain.StatusInProgress {
		t.Fatalf("rejected callbacks mutated node: %s", n.Status)
	}
}

func TestResultWithMissingObjectIsRetryable(t *testing.T) {
	f := newFixture(t)
	_, err := f.processor.Process(context.Background(), Signal{
		NodeUUID: f.merge.UUID, ProcessUUID: f.token, Result: &Payload{StorageKey: "not/uploaded.mp4"},
	})
	if err == nil || errors.Is(err, ErrMalformed) || !errors.Is(err, artifacts.ErrObjectNotFound) {
		t.Fatalf("expected retryable not-found error, got %v", err)
	}
	if n := f.reload(t); n.Status != domain.StatusInProgress {
		t.Fatalf("status=%s", n.Status)
	}
}

func TestReexecutionMakesOldCallbackStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.ctl.Fail(ctx, f.merge.UUID, f.token, "operator abandoned", domain.ErrorTypeInternal); err != nil {
		t.Fatalf("fail: %v", err)
	}
	exec, err := f.ctl.Start(ctx, f.merge.UUID)
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	res, err := f.processor.Process(ctx, Signal{NodeUUID: f.merge.UUID, ProcessUUID: f.token, Result: &Payload{StorageKey: "old.mp4", SizeBytes: 1}})
	if err != nil || res != ResultIgnored {
		t.Fatalf("old token callback: res=%s err=%v", res, err)
	}
	if n := f.reload(t); n.Status != domain.StatusInProgress || n.Metadata.ProcessUUID != exec.Token {
		t.Fatalf("node=%s token=%s", n.Status, n.Metadata.ProcessUUID)
	}
}
