// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package httpapi exposes the Workspace Service's operations (spec
// §4.9) over HTTP: chi routes for the lifecycle/messaging surface, and
// a per-workspace SSE stream forwarding internal/stream.Manager events
// to subscribers. This is the "public operations" surface SPEC_FULL.md
// substitutes for the teacher's protoc-generated gRPC+gateway API,
// since no protoc/buf toolchain is available to regenerate one here.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/r3labs/sse/v2"
	"go.uber.org/zap"

	"github.com/muxrun/mux/internal/config"
	"github.com/muxrun/mux/internal/index"
	"github.com/muxrun/mux/internal/message"
	"github.com/muxrun/mux/internal/stream"
	"github.com/muxrun/mux/internal/workspace"
	"github.com/muxrun/mux/internal/wsservice"
)

// WorkspaceService is the subset of *wsservice.Service the HTTP surface
// calls through. Declared here (not imported as the concrete type in
// every handler) purely for test substitutability.
type WorkspaceService interface {
	Create(ctx context.Context, opts wsservice.CreateOptions) (workspace.Workspace, error)
	Rename(ctx context.Context, id, newName string) error
	Fork(ctx context.Context, srcID, newName string) (workspace.Workspace, error)
	Remove(ctx context.Context, id string, force bool) error
	SendMessage(ctx context.Context, id, text string, opts wsservice.SendOptions) error
	ResumeStream(ctx context.Context, id string, opts wsservice.SendOptions) error
	InterruptStream(id string, abandonPartial bool) error
	TruncateHistory(id string, percentage float64) error
	ClearQueue(id string) error
	ReplaceChatHistory(id string, summary message.Message) error
}

// Deps wires the HTTP surface to the rest of the system.
type Deps struct {
	Workspaces WorkspaceService
	Stream     *stream.Manager
	Index      *index.Index
	Logger     *zap.Logger
}

// Router is the httpapi mux. It implements http.Handler.
type Router struct {
	mux    chi.Router
	deps   Deps
	sse    *sse.Server
	logger *zap.Logger
}

// New builds the router; it starts no goroutine. Forwarding every
// stream.Manager event into the matching per-workspace SSE stream,
// lazily creating a stream the first time a workspace is seen, happens
// in Run (mirrors the teacher's own SSE-over-HTTP boundary in
// pkg/mcp/transport/http.go, server side instead of client side).
func New(deps Deps) *Router {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	srv := sse.New()
	srv.AutoReplay = false

	r := &Router{
		mux:    chi.NewRouter(),
		deps:   deps,
		sse:    srv,
		logger: deps.Logger.Named("httpapi"),
	}
	r.routes()
	return r
}

// ServeHTTP implements http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Run forwards stream events into the SSE server until ctx is
// cancelled. Call it in its own goroutine from the composition root,
// alongside New.
func (r *Router) Run(ctx context.Context) {
	events, unsubscribe := r.deps.Stream.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			r.forward(ev)
		}
	}
}

func (r *Router) forward(ev stream.Event) {
	if !r.sse.StreamExists(ev.WorkspaceID) {
		r.sse.CreateStream(ev.WorkspaceID)
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		r.logger.Warn("httpapi: marshal stream event", zap.Error(err))
		return
	}
	r.sse.Publish(ev.WorkspaceID, &sse.Event{Event: []byte(string(ev.Kind)), Data: payload})
}

func (r *Router) routes() {
	r.mux.Route("/v1/workspaces", func(rt chi.Router) {
		rt.Get("/", r.handleList)
		rt.Post("/", r.handleCreate)
		rt.Route("/{id}", func(rt chi.Router) {
			rt.Delete("/", r.handleRemove)
			rt.Patch("/name", r.handleRename)
			rt.Post("/fork", r.handleFork)
			rt.Post("/messages", r.handleSendMessage)
			rt.Post("/resume", r.handleResume)
			rt.Post("/interrupt", r.handleInterrupt)
			rt.Post("/truncate", r.handleTruncate)
			rt.Post("/clear-queue", r.handleClearQueue)
			rt.Post("/replace-history", r.handleReplaceHistory)
			rt.Get("/events", r.handleEvents)
		})
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, config.ErrWorkspaceNotFound):
		status = http.StatusNotFound
	case errors.Is(err, wsservice.ErrNameConflict), errors.Is(err, wsservice.ErrRenaming), errors.Is(err, wsservice.ErrStreamActive):
		status = http.StatusConflict
	case errors.Is(err, wsservice.ErrInvalidName):
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (r *Router) handleList(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	filter := index.ListFilter{
		ProjectPath:       q.Get("projectPath"),
		ParentWorkspaceID: q.Get("parentWorkspaceId"),
		IncludeArchived:   q.Get("includeArchived") == "true",
	}
	if v, err := strconv.Atoi(q.Get("limit")); err == nil {
		filter.Limit = v
	}
	if v, err := strconv.Atoi(q.Get("offset")); err == nil {
		filter.Offset = v
	}
	rows, err := r.deps.Index.ListWorkspaces(req.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

type createRequest struct {
	ProjectPath   string                  `json:"projectPath"`
	Name          string                  `json:"name"`
	RuntimeConfig workspace.RuntimeConfig `json:"runtimeConfig"`
	BranchName    string                  `json:"branchName,omitempty"`
	TrunkBranch   string                  `json:"trunkBranch,omitempty"`
}

func (r *Router) handleCreate(w http.ResponseWriter, req *http.Request) {
	var in createRequest
	if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	ws, err := r.deps.Workspaces.Create(req.Context(), wsservice.CreateOptions{
		ProjectPath:   in.ProjectPath,
		Name:          in.Name,
		RuntimeConfig: in.RuntimeConfig,
		BranchName:    in.BranchName,
		TrunkBranch:   in.TrunkBranch,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ws)
}

func (r *Router) handleRename(w http.ResponseWriter, req *http.Request) {
	var in struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := r.deps.Workspaces.Rename(req.Context(), chi.URLParam(req, "id"), in.Name); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (r *Router) handleFork(w http.ResponseWriter, req *http.Request) {
	var in struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	ws, err := r.deps.Workspaces.Fork(req.Context(), chi.URLParam(req, "id"), in.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ws)
}

func (r *Router) handleRemove(w http.ResponseWriter, req *http.Request) {
	force := req.URL.Query().Get("force") == "true"
	if err := r.deps.Workspaces.Remove(req.Context(), chi.URLParam(req, "id"), force); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type sendMessageRequest struct {
	Text                         string `json:"text"`
	Model                        string `json:"model,omitempty"`
	ThinkingLevel                string `json:"thinkingLevel,omitempty"`
	AgentID                      string `json:"agentId,omitempty"`
	AdditionalSystemInstructions string `json:"additionalSystemInstructions,omitempty"`
	AllowQueuedAgentTask         bool   `json:"allowQueuedAgentTask,omitempty"`
}

func (in sendMessageRequest) toOptions() wsservice.SendOptions {
	return wsservice.SendOptions{
		Model:                        in.Model,
		ThinkingLevel:                in.ThinkingLevel,
		AgentID:                      in.AgentID,
		AdditionalSystemInstructions: in.AdditionalSystemInstructions,
		AllowQueuedAgentTask:         in.AllowQueuedAgentTask,
	}
}

func (r *Router) handleSendMessage(w http.ResponseWriter, req *http.Request) {
	var in sendMessageRequest
	if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := r.deps.Workspaces.SendMessage(req.Context(), chi.URLParam(req, "id"), in.Text, in.toOptions()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"ok": true})
}

func (r *Router) handleResume(w http.ResponseWriter, req *http.Request) {
	var in sendMessageRequest
	if err := json.NewDecoder(req.Body).Decode(&in); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := r.deps.Workspaces.ResumeStream(req.Context(), chi.URLParam(req, "id"), in.toOptions()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"ok": true})
}

func (r *Router) handleInterrupt(w http.ResponseWriter, req *http.Request) {
	var in struct {
		AbandonPartial bool `json:"abandonPartial"`
	}
	_ = json.NewDecoder(req.Body).Decode(&in)
	if err := r.deps.Workspaces.InterruptStream(chi.URLParam(req, "id"), in.AbandonPartial); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (r *Router) handleTruncate(w http.ResponseWriter, req *http.Request) {
	var in struct {
		Percentage float64 `json:"percentage"`
	}
	if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := r.deps.Workspaces.TruncateHistory(chi.URLParam(req, "id"), in.Percentage); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (r *Router) handleClearQueue(w http.ResponseWriter, req *http.Request) {
	if err := r.deps.Workspaces.ClearQueue(chi.URLParam(req, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (r *Router) handleReplaceHistory(w http.ResponseWriter, req *http.Request) {
	var in struct {
		Summary message.Message `json:"summary"`
	}
	if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := r.deps.Workspaces.ReplaceChatHistory(chi.URLParam(req, "id"), in.Summary); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (r *Router) handleEvents(w http.ResponseWriter, req *http.Request) {
	id := chi.URLParam(req, "id")
	if !r.sse.StreamExists(id) {
		r.sse.CreateStream(id)
	}
	q := req.URL.Query()
	q.Set("stream", id)
	req.URL.RawQuery = q.Encode()
	r.sse.ServeHTTP(w, req)
}
