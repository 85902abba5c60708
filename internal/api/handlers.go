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

package api

import (
	"context"
	"net/http"
	"time"

	"github.com/classfeed/postgen/internal/models"
	"github.com/classfeed/postgen/internal/posts"
)

type selectionRequest struct {
	SelectedImages []models.InboundImage `json:"selectedImages"`
}

// handleGenerateSelection handles POST /api/posts/generate.
func (s *Server) handleGenerateSelection(w http.ResponseWriter, r *http.Request) {
	orgID := callerOrganization(r)
	if orgID == "" {
		writeError(w, http.StatusUnauthorized, "missing organization")
		return
	}

	var req selectionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	generated, err := s.generator.GenerateFromSelection(r.Context(), orgID, req.SelectedImages)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, generated)
}

type runResponse struct {
	Success bool `json:"success"`
	*posts.RunResult
}

// handleRunAutomatic handles POST /api/organizations/{id}/generate.
func (s *Server) handleRunAutomatic(w http.ResponseWriter, r *http.Request, orgID string) {
	res, err := s.generator.RunAutomatic(r.Context(), orgID)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, runResponse{Success: true, RunResult: res})
}

type scheduleRequest struct {
	CronSchedule string `json:"cronSchedule"`
	Enabled      *bool  `json:"enabled"`
}

type scheduleResponse struct {
	Success   bool     `json:"success"`
	CronJobID string   `json:"cronJobId,omitempty"`
	Message   string   `json:"message"`
	Warnings  []string `json:"warnings,omitempty"`
}

// handleSetSchedule handles PUT /api/organizations/{id}/schedule.
func (s *Server) handleSetSchedule(w http.ResponseWriter, r *http.Request, orgID string) {
	var req scheduleRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	res, err := s.scheduler.SetSchedule(r.Context(), orgID, req.CronSchedule, enabled)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, scheduleResponse{
		Success:   true,
		CronJobID: res.CronJobID,
		Message:   res.Message,
		Warnings:  res.Warnings,
	})
}

// handleDisableSchedule handles DELETE /api/organizations/{id}/schedule.
func (s *Server) handleDisableSchedule(w http.ResponseWriter, r *http.Request, orgID string) {
	res, err := s.scheduler.Disable(r.Context(), orgID)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, scheduleResponse{
		Success:  true,
		Message:  res.Message,
		Warnings: res.Warnings,
	})
}

type digestRequest struct {
	// Unix milliseconds
	StartDate *int64 `json:"startDate"`
	EndDate   *int64 `json:"endDate"`
}

func millis(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := time.UnixMilli(*ms).UTC()
	return &t
}

// handleDigest handles POST /api/organizations/{id}/digest. Manual digests
// include user-generated posts.
func (s *Server) handleDigest(w http.ResponseWriter, r *http.Request, orgID string) {
	var req digestRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	start, end := s.digests.ManualRange(millis(req.StartDate), millis(req.EndDate))
	res, err := s.digests.SendDaily(r.Context(), orgID, start, end, true)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// handleHealth handles GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	resp := healthResponse{Status: "healthy", Checks: make(map[string]string)}
	status := http.StatusOK
	for _, c := range s.checks {
		if err := c.Pinger.Ping(ctx); err != nil {
			resp.Checks[c.Name] = "unhealthy"
			resp.Status = "unhealthy"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[c.Name] = "ok"
	}
	writeJSON(w, status, resp)
}
