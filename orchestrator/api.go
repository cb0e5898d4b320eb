package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/animus-labs/reelforge/internal/artifacts"
	"github.com/animus-labs/reelforge/internal/domain"
	"github.com/animus-labs/reelforge/internal/execution/callback"
	"github.com/animus-labs/reelforge/internal/execution/controller"
	"github.com/animus-labs/reelforge/internal/execution/dispatch"
	"github.com/animus-labs/reelforge/internal/execution/schema"
	"github.com/animus-labs/reelforge/internal/platform/httpserver"
	"github.com/animus-labs/reelforge/internal/platform/requestid"
	"github.com/animus-labs/reelforge/internal/repo"
)

const maxCallbackBody = 1 << 20

type executor interface {
	Execute(ctx context.Context, nodeUUID string) (controller.Execution, error)
}

type callbackProcessor interface {
	Process(ctx context.Context, sig callback.Signal) (callback.Result, error)
}

type orchestratorAPI struct {
	logger    *slog.Logger
	executor  executor
	callbacks callbackProcessor
	catalogue []schema.TypeSchema
	contract  *contract

	// callbackAuth wraps the callback route only.
	callbackAuth func(http.Handler) http.Handler
}

func (api *orchestratorAPI) register(mux *http.ServeMux) {
	callbackHandler := http.Handler(http.HandlerFunc(api.handleCallback))
	if api.callbackAuth != nil {
		callbackHandler = api.callbackAuth(callbackHandler)
	}
	mux.Handle("POST /callbacks/node-execution", callbackHandler)
	// ServeMux wildcards span whole segments, so the ":execute" verb is split off by hand.
	mux.HandleFunc("POST /nodes/{target}", api.handleNodeAction)
	mux.HandleFunc("GET /node-types", api.handleNodeTypes)
	mux.HandleFunc("GET /openapi.yaml", handleOpenAPI)
}

type nodeTypesResponse struct {
	SchemaVersion string              `json:"schema_version" yaml:"schema_version"`
	NodeTypes     []schema.TypeSchema `json:"node_types" yaml:"node_types"`
}

func (api *orchestratorAPI) handleNodeTypes(w http.ResponseWriter, _ *http.Request) {
	httpserver.WriteJSON(w, http.StatusOK, nodeTypesResponse{SchemaVersion: schema.SchemaVersion, NodeTypes: api.catalogue})
}

func handleOpenAPI(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(openapiSpec)
}

type executionResponse struct {
	NodeUUID    string        `json:"node_uuid"`
	ProcessUUID string        `json:"process_uuid"`
	Status      domain.Status `json:"status"`
	Error       string        `json:"error,omitempty"`
}

func (api *orchestratorAPI) handleNodeAction(w http.ResponseWriter, r *http.Request) {
	nodeUUID, ok := strings.CutSuffix(strings.TrimSpace(r.PathValue("target")), ":execute")
	if !ok {
		api.writeError(w, r, http.StatusNotFound, "not_found")
		return
	}
	nodeUUID = strings.TrimSpace(nodeUUID)
	if nodeUUID == "" {
		api.writeError(w, r, http.StatusBadRequest, "node_uuid_required")
		return
	}

	exec, err := api.executor.Execute(r.Context(), nodeUUID)
	if err == nil {
		httpserver.WriteJSON(w, http.StatusAccepted, executionResponse{
			NodeUUID:    exec.Node.UUID,
			ProcessUUID: exec.Token,
			Status:      exec.Node.Status,
		})
		return
	}

	var (
		dispatchErr   *dispatch.DispatchError
		validationErr *schema.ValidationError
		notReadyErr   *controller.NotReadyError
	)
	switch {
	case errors.As(err, &dispatchErr):
		api.logger.Warn("node dispatch failed", "node_uuid", nodeUUID, "process_uuid", dispatchErr.Token, "error", dispatchErr.Err.Error())
		httpserver.WriteJSON(w, http.StatusBadGateway, executionResponse{
			NodeUUID:    dispatchErr.NodeUUID,
			ProcessUUID: dispatchErr.Token,
			Status:      domain.StatusFailed,
			Error:       dispatchErr.Err.Error(),
		})
	case errors.Is(err, repo.ErrNotFound):
		api.writeError(w, r, http.StatusNotFound, "node_not_found")
	case errors.Is(err, controller.ErrInvalidTransition):
		api.writeError(w, r, http.StatusConflict, "invalid_transition")
	case errors.As(err, &validationErr):
		api.writeJSON(w, r, http.StatusUnprocessableEntity, map[string]any{
			"error":  "validation_failed",
			"issues": validationErr.Issues,
		})
	case errors.As(err, &notReadyErr):
		api.writeJSON(w, r, http.StatusUnprocessableEntity, map[string]any{
			"error":   "inputs_not_ready",
			"pending": notReadyErr.Pending,
		})
	default:
		api.logger.Error("execute node", "node_uuid", nodeUUID, "error", err.Error())
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
	}
}

func (api *orchestratorAPI) handleCallback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCallbackBody))
	if err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_body")
		return
	}
	if err := api.contract.validateCallback(body); err != nil {
		requestID, _ := requestid.FromContext(r.Context())
		api.logger.Warn("callback rejected by contract", "request_id", requestID, "error", err.Error())
		api.writeJSON(w, r, http.StatusBadRequest, map[string]any{
			"error":  "invalid_callback",
			"issues": []string{err.Error()},
		})
		return
	}
	var sig callback.Signal
	if err := json.Unmarshal(body, &sig); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_callback")
		return
	}

	res, err := api.callbacks.Process(r.Context(), sig)
	if err != nil {
		if errors.Is(err, callback.ErrMalformed) {
			api.writeJSON(w, r, http.StatusBadRequest, map[string]any{
				"error":  "invalid_callback",
				"issues": []string{err.Error()},
			})
			return
		}
		api.logger.Error("process callback", "node_uuid", sig.NodeUUID, "process_uuid", sig.ProcessUUID, "error", err.Error())
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	status := http.StatusOK
	if res == callback.ResultNotFound {
		status = http.StatusNotFound
	}
	httpserver.WriteJSON(w, status, map[string]string{"status": res.String()})
}

func (api *orchestratorAPI) writeJSON(w http.ResponseWriter, r *http.Request, status int, body map[string]any) {
	body["request_id"], _ = requestid.FromContext(r.Context())
	httpserver.WriteJSON(w, status, body)
}

func (api *orchestratorAPI) writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	api.writeJSON(w, r, status, map[string]any{"error": code})
}

// memoryArtifactHandler serves objects of an in-process artifact store at the
// address its presigned URLs point to.
func memoryArtifactHandler(store *artifacts.MemoryStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.PathValue("key"))
		obj, err := store.Stat(r.Context(), key)
		if err != nil {
			if errors.Is(err, artifacts.ErrObjectNotFound) {
				http.NotFound(w, r)
				return
			}
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		body, err := store.Open(key)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		defer body.Close()
		if obj.ContentType != "" {
			w.Header().Set("Content-Type", obj.ContentType)
		}
		w.Header().Set("Content-Length", strconv.FormatInt(obj.Size, 10))
		w.WriteHeader(http.StatusOK)
		_, _ = io.Copy(w, body)
	}
}
