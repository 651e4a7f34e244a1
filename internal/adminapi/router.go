// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package adminapi serves the operator HTTP API: listing, starting,
// retrying and killing flows, health and Prometheus metrics.
package adminapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/tombee/ledgerflow/internal/flow"
	lflog "github.com/tombee/ledgerflow/internal/log"
	"github.com/tombee/ledgerflow/internal/scheduler"
	lferrors "github.com/tombee/ledgerflow/pkg/errors"
)

// maxBody caps request bodies.
const maxBody = 1 << 20

// Flows is the part of the scheduler the API drives.
type Flows interface {
	DumpCheckpoints() []scheduler.FlowInfo
	Submit(ctx context.Context, name string, args []byte) (*scheduler.Handle, error)
	Handle(id string) (*scheduler.Handle, error)
	Retry(ctx context.Context, id string) error
	Kill(ctx context.Context, id, reason string) error
}

// Check reports one health component; an error marks the node unhealthy.
type Check func(ctx context.Context) (string, error)

// Config configures a Router.
type Config struct {
	Flows Flows
	Auth  JWTConfig

	// Metrics serves GET /metrics without authentication. Optional.
	Metrics http.Handler

	// Checks contribute to GET /healthz.
	Checks map[string]Check

	Logger *slog.Logger
}

// Router routes admin requests.
type Router struct {
	cfg     Config
	logger  *slog.Logger
	mux     *http.ServeMux
	started time.Time
}

// NewRouter builds the handler tree.
func NewRouter(cfg Config) *Router {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	r := &Router{
		cfg:     cfg,
		logger:  lflog.WithComponent(cfg.Logger, "adminapi"),
		mux:     http.NewServeMux(),
		started: time.Now(),
	}

	api := http.NewServeMux()
	api.HandleFunc("GET /v1/flows", r.handleList)
	api.HandleFunc("POST /v1/flows", r.handleStart)
	api.HandleFunc("GET /v1/flows/{id}", r.handleGet)
	api.HandleFunc("POST /v1/flows/{id}/retry", r.handleRetry)
	api.HandleFunc("POST /v1/flows/{id}/kill", r.handleKill)

	r.mux.Handle("/v1/", requireToken(cfg.Auth, api))
	r.mux.HandleFunc("GET /healthz", r.handleHealth)
	if cfg.Metrics != nil {
		r.mux.Handle("GET /metrics", cfg.Metrics)
	}
	return r
}

// ServeHTTP implements http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// FlowListResponse is the response of GET /v1/flows.
type FlowListResponse struct {
	Flows []scheduler.FlowInfo `json:"flows"`
}

// StartRequest is the body of POST /v1/flows.
type StartRequest struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// StartResponse is returned by POST /v1/flows.
type StartResponse struct {
	ID string `json:"id"`
}

// FlowResponse describes one flow. Live flows carry Info; finished ones
// carry Result or Error.
type FlowResponse struct {
	ID     string              `json:"id"`
	Status flow.Status         `json:"status"`
	Info   *scheduler.FlowInfo `json:"info,omitempty"`
	Result json.RawMessage     `json:"result,omitempty"`
	Error  *ErrorBody          `json:"error,omitempty"`
}

// ErrorBody is a typed flow failure.
type ErrorBody struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Winners map[string]string `json:"winners,omitempty"`
}

// KillRequest is the optional body of POST /v1/flows/{id}/kill.
type KillRequest struct {
	Reason string `json:"reason"`
}

// HealthResponse is the response of GET /healthz.
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Uptime    string            `json:"uptime"`
	Checks    map[string]string `json:"checks"`
}

// handleList handles GET /v1/flows, optionally filtered by ?status= and ?name=.
func (r *Router) handleList(w http.ResponseWriter, req *http.Request) {
	status := req.URL.Query().Get("status")
	name := req.URL.Query().Get("name")
	flows := make([]scheduler.FlowInfo, 0)
	for _, f := range r.cfg.Flows.DumpCheckpoints() {
		if status != "" && string(f.Status) != status {
			continue
		}
		if name != "" && f.Name != name {
			continue
		}
		flows = append(flows, f)
	}
	writeJSON(w, http.StatusOK, FlowListResponse{Flows: flows})
}

// handleStart handles POST /v1/flows.
func (r *Router) handleStart(w http.ResponseWriter, req *http.Request) {
	var body StartRequest
	if err := json.NewDecoder(io.LimitReader(req.Body, maxBody)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if body.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	args := []byte(body.Args)
	if len(args) == 0 {
		args = []byte("{}")
	}
	h, err := r.cfg.Flows.Submit(req.Context(), body.Name, args)
	if err != nil {
		r.writeFailure(w, err)
		return
	}
	subject := ""
	if c, ok := ClaimsFrom(req.Context()); ok {
		subject = c.Subject
	}
	r.logger.Info("flow started via admin api",
		lflog.String(lflog.FlowIDKey, h.ID),
		lflog.String(lflog.FlowNameKey, body.Name),
		slog.String("subject", subject))
	writeJSON(w, http.StatusAccepted, StartResponse{ID: h.ID})
}

// handleGet handles GET /v1/flows/{id}. With ?wait=<duration> it blocks
// up to that long for a live flow to finish.
func (r *Router) handleGet(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")

	var wait time.Duration
	if v := req.URL.Query().Get("wait"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, "wait must be a duration")
			return
		}
		wait = min(d, time.Minute)
	}

	h, err := r.cfg.Flows.Handle(id)
	if err != nil {
		r.writeFailure(w, err)
		return
	}
	if wait > 0 {
		ctx, cancel := context.WithTimeout(req.Context(), wait)
		defer cancel()
		out, err := h.Result(ctx)
		if !errors.Is(err, context.DeadlineExceeded) || ctx.Err() == nil {
			writeJSON(w, http.StatusOK, finished(id, out, err))
			return
		}
	}

	for _, f := range r.cfg.Flows.DumpCheckpoints() {
		if f.ID == id {
			info := f
			writeJSON(w, http.StatusOK, FlowResponse{ID: id, Status: f.Status, Info: &info})
			return
		}
	}
	// not live, so Result returns at once
	out, err := h.Result(req.Context())
	var nf *lferrors.NotFoundError
	if errors.As(err, &nf) {
		r.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, finished(id, out, err))
}

func finished(id string, out []byte, err error) FlowResponse {
	if err == nil {
		return FlowResponse{ID: id, Status: flow.StatusCompleted, Result: out}
	}
	body := &ErrorBody{Type: lferrors.Classify(err).String(), Message: err.Error()}
	var ce *lferrors.ConflictError
	if errors.As(err, &ce) {
		body.Type = "conflict"
		body.Winners = ce.Winners
	}
	return FlowResponse{ID: id, Status: flow.StatusFailed, Error: body}
}

// handleRetry handles POST /v1/flows/{id}/retry.
func (r *Router) handleRetry(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	if err := r.cfg.Flows.Retry(req.Context(), id); err != nil {
		r.writeFailure(w, err)
		return
	}
	r.logger.Info("flow discharged by operator", lflog.String(lflog.FlowIDKey, id))
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "retrying"})
}

// handleKill handles POST /v1/flows/{id}/kill.
func (r *Router) handleKill(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	body := KillRequest{Reason: "killed by operator"}
	if req.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(req.Body, maxBody)).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
			return
		}
	}
	if err := r.cfg.Flows.Kill(req.Context(), id, body.Reason); err != nil {
		r.writeFailure(w, err)
		return
	}
	r.logger.Warn("flow killed by operator", lflog.String(lflog.FlowIDKey, id), slog.String("reason", body.Reason))
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(flow.StatusFailed)})
}

// handleHealth handles GET /healthz.
func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	checks := map[string]string{
		"api":     "ok",
		"runtime": runtime.Version(),
	}
	status, code := "healthy", http.StatusOK
	for name, check := range r.cfg.Checks {
		msg, err := check(req.Context())
		if err != nil {
			checks[name] = "error: " + err.Error()
			status, code = "unhealthy", http.StatusServiceUnavailable
			continue
		}
		checks[name] = msg
	}
	writeJSON(w, code, HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Uptime:    time.Since(r.started).Round(time.Second).String(),
		Checks:    checks,
	})
}

func (r *Router) writeFailure(w http.ResponseWriter, err error) {
	var (
		nf *lferrors.NotFoundError
		ve *lferrors.ValidationError
	)
	switch {
	case errors.As(err, &nf):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &ve):
		writeError(w, http.StatusBadRequest, err.Error())
	case lferrors.IsRetryable(err):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		r.logger.Error("admin request failed", lflog.Error(err))
		writeError(w, http.StatusConflict, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
