// Copyright (c) 2026 John Earle
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

// Package api serves the HTTP entry points: manual and automatic post
// generation, schedule management, digests, the inbound email webhook and
// health.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/classfeed/postgen/internal/caption"
	"github.com/classfeed/postgen/internal/digest"
	"github.com/classfeed/postgen/internal/models"
	"github.com/classfeed/postgen/internal/posts"
	"github.com/classfeed/postgen/internal/schedule"
)

// OrganizationHeader carries the caller's organization, set by the fronting
// auth layer.
const OrganizationHeader = "X-Organization-ID"

const maxRequestBytes = 1 << 20

// Generator runs the manual and automatic generation paths.
type Generator interface {
	GenerateFromSelection(ctx context.Context, orgID string, images []models.InboundImage) ([]models.GeneratedPost, error)
	RunAutomatic(ctx context.Context, orgID string) (*posts.RunResult, error)
}

// Scheduler changes an organization's recurring generation trigger.
type Scheduler interface {
	SetSchedule(ctx context.Context, orgID, spec string, enabled bool) (*schedule.Result, error)
	Disable(ctx context.Context, orgID string) (*schedule.Result, error)
}

// Digests sends digest emails on demand.
type Digests interface {
	ManualRange(start, end *time.Time) (time.Time, time.Time)
	SendDaily(ctx context.Context, orgID string, start, end time.Time, includeUserGenerated bool) (*digest.Result, error)
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Check is a named health dependency.
type Check struct {
	Name   string
	Pinger Pinger
}

// Server holds the collaborators behind each route.
type Server struct {
	generator Generator
	scheduler Scheduler
	digests   Digests
	webhook   http.HandlerFunc
	checks    []Check
}

func NewServer(generator Generator, scheduler Scheduler, digests Digests, webhook http.HandlerFunc, checks ...Check) *Server {
	return &Server{
		generator: generator,
		scheduler: scheduler,
		digests:   digests,
		webhook:   webhook,
		checks:    checks,
	}
}

// Routes returns the service mux.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/posts/generate", s.handleGenerateSelection)
	mux.HandleFunc("POST /api/organizations/{id}/generate", s.withOrganization(s.handleRunAutomatic))
	mux.HandleFunc("PUT /api/organizations/{id}/schedule", s.withOrganization(s.handleSetSchedule))
	mux.HandleFunc("DELETE /api/organizations/{id}/schedule", s.withOrganization(s.handleDisableSchedule))
	mux.HandleFunc("POST /api/organizations/{id}/digest", s.withOrganization(s.handleDigest))
	if s.webhook != nil {
		mux.HandleFunc("/api/email/received", s.webhook)
	}
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

// Serve binds port and serves handler until ctx is cancelled. The returned
// channel is closed once the listener is accepting.
func Serve(ctx context.Context, port int, handler http.Handler) (<-chan struct{}, error) {
	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("bind port %d: %w", port, err)
	}

	ready := make(chan struct{})

	go func() {
		<-ctx.Done()
		slog.Info("http server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", "error", err)
		}
	}()

	go func() {
		slog.Info("http server listening", "port", port)
		close(ready)
		if err := server.Serve(ln); err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
		}
	}()

	return ready, nil
}

type errorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// writeFailure maps a collaborator error to a status code.
func writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	var genErr *caption.GenerationError
	switch {
	case errors.Is(err, posts.ErrInvalidSelection), errors.Is(err, schedule.ErrInvalidCronSpec):
		status = http.StatusBadRequest
	case errors.Is(err, posts.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, posts.ErrEmailNotFound), errors.Is(err, schedule.ErrOrganizationNotFound):
		status = http.StatusNotFound
	case errors.Is(err, posts.ErrRunInProgress):
		status = http.StatusConflict
	case errors.Is(err, caption.ErrNotConfigured):
		status = http.StatusServiceUnavailable
	case errors.As(err, &genErr):
		status = http.StatusBadGateway
	}
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	writeError(w, status, err.Error())
}

// decodeBody reads a JSON body into v. An empty body leaves v untouched.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// callerOrganization returns the organization set by the auth layer.
func callerOrganization(r *http.Request) string {
	return r.Header.Get(OrganizationHeader)
}

// withOrganization rejects requests whose path organization differs from the
// caller's.
func (s *Server) withOrganization(next func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller := callerOrganization(r)
		if caller == "" {
			writeError(w, http.StatusUnauthorized, "missing organization")
			return
		}
		id := r.PathValue("id")
		if id != caller {
			writeError(w, http.StatusForbidden, "organization mismatch")
			return
		}
		next(w, r, id)
	}
}
