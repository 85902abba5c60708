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

// Package schedule registers, replaces and cancels the per-organization
// recurring trigger that runs automatic post generation.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/classfeed/postgen/internal/models"
	"github.com/classfeed/postgen/internal/posts"
)

var (
	ErrInvalidCronSpec      = errors.New("invalid cron schedule")
	ErrOrganizationNotFound = errors.New("organization not found")
	errRegistrationFailed   = errors.New("failed to register cron job")
)

const (
	defaultRunTimeout = 10 * time.Minute
	fieldCountHint    = "Expected format: 'minute hour day month dayOfWeek' or 'second minute hour day month dayOfWeek'"
)

// Store persists schedule state on the organization record.
type Store interface {
	GetOrganization(ctx context.Context, id string) (*models.Organization, error)
	ListScheduledOrganizations(ctx context.Context) ([]models.Organization, error)
	SaveSchedule(ctx context.Context, orgID, spec string, enabled bool, jobID string) error
}

// Triggers is a registry of recurring jobs keyed by opaque handles.
type Triggers interface {
	Register(spec string, job func()) (string, error)
	Cancel(handle string) error
}

// Runner runs automatic generation for one organization.
type Runner interface {
	RunAutomatic(ctx context.Context, orgID string) (*posts.RunResult, error)
}

// Result reports a schedule change. Warnings carry best-effort failures,
// such as a prior trigger that could not be cancelled.
type Result struct {
	CronJobID string   `json:"cronJobId,omitempty"`
	Message   string   `json:"message"`
	Warnings  []string `json:"warnings,omitempty"`
}

// Manager owns the mapping from organization to trigger. Schedule mutations are
// serialized so an organization never holds more than one live trigger.
type Manager struct {
	store      Store
	triggers   Triggers
	runner     Runner
	runTimeout time.Duration
	mu         sync.Mutex
}

func NewManager(store Store, triggers Triggers, runner Runner, runTimeout time.Duration) *Manager {
	if runTimeout <= 0 {
		runTimeout = defaultRunTimeout
	}
	return &Manager{
		store:      store,
		triggers:   triggers,
		runner:     runner,
		runTimeout: runTimeout,
	}
}

// ValidateSpec checks that spec has five or six fields and parses.
func ValidateSpec(spec string) error {
	fields := strings.Fields(spec)
	if len(fields) != 5 && len(fields) != 6 {
		return fmt.Errorf("%w: got %d fields. %s", ErrInvalidCronSpec, len(fields), fieldCountHint)
	}
	if err := ParseSpec(strings.Join(fields, " ")); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCronSpec, err)
	}
	return nil
}

// SetSchedule replaces the organization's trigger. Any existing trigger is
// cancelled first; a failed cancellation is a warning, not an error. When
// enabled a new trigger is registered. The latest spec, flag and handle are
// always persisted.
func (m *Manager) SetSchedule(ctx context.Context, orgID, spec string, enabled bool) (*Result, error) {
	if err := ValidateSpec(spec); err != nil {
		return nil, err
	}
	spec = strings.Join(strings.Fields(spec), " ")

	m.mu.Lock()
	defer m.mu.Unlock()

	org, err := m.store.GetOrganization(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("load organization: %w", err)
	}
	if org == nil {
		return nil, fmt.Errorf("%w: %s", ErrOrganizationNotFound, orgID)
	}

	result := &Result{}
	if org.CronJobID != "" {
		if w := m.cancel(orgID, org.CronJobID); w != "" {
			result.Warnings = append(result.Warnings, w)
		}
	}

	var handle string
	if enabled {
		handle, err = m.triggers.Register(spec, m.job(orgID))
		if err != nil {
			slog.Error("failed to register cron job", "organization", orgID, "error", err)
			// The prior trigger is gone; record that no trigger is live
			if saveErr := m.store.SaveSchedule(ctx, orgID, spec, false, ""); saveErr != nil {
				slog.Error("failed to clear schedule after registration failure", "organization", orgID, "error", saveErr)
			}
			return nil, fmt.Errorf("%w: %v", errRegistrationFailed, err)
		}
		slog.Info("registered cron job", "organization", orgID, "cron_job_id", handle, "schedule", spec)
	}

	if err := m.store.SaveSchedule(ctx, orgID, spec, enabled, handle); err != nil {
		if handle != "" {
			m.rollback(orgID, handle)
		}
		return nil, fmt.Errorf("save schedule: %w", err)
	}

	result.CronJobID = handle
	if enabled {
		result.Message = fmt.Sprintf("Cron job registered with schedule: %s", spec)
	} else {
		result.Message = "Cron job disabled"
	}
	return result, nil
}

// Disable cancels any trigger (best-effort) and clears the enabled flag and
// handle.
func (m *Manager) Disable(ctx context.Context, orgID string) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	org, err := m.store.GetOrganization(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("load organization: %w", err)
	}
	if org == nil {
		return nil, fmt.Errorf("%w: %s", ErrOrganizationNotFound, orgID)
	}

	result := &Result{Message: "Cron job disabled and deleted"}
	if org.CronJobID != "" {
		if w := m.cancel(orgID, org.CronJobID); w != "" {
			result.Warnings = append(result.Warnings, w)
		}
	}

	if err := m.store.SaveSchedule(ctx, orgID, "", false, ""); err != nil {
		return nil, fmt.Errorf("save schedule: %w", err)
	}
	return result, nil
}

// Restore re-registers every enabled schedule and refreshes the stored
// handles. Handles from a previous process are not live, so they are
// replaced without cancellation. Per-organization failures are logged.
func (m *Manager) Restore(ctx context.Context) error {
	orgs, err := m.store.ListScheduledOrganizations(ctx)
	if err != nil {
		return fmt.Errorf("list scheduled organizations: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	restored := 0
	for _, org := range orgs {
		handle, err := m.triggers.Register(org.CronSchedule, m.job(org.ID))
		if err != nil {
			slog.Error("failed to restore cron job",
				"organization", org.ID,
				"schedule", org.CronSchedule,
				"error", err,
			)
			continue
		}
		if err := m.store.SaveSchedule(ctx, org.ID, org.CronSchedule, true, handle); err != nil {
			slog.Error("failed to save restored cron job", "organization", org.ID, "error", err)
			m.rollback(org.ID, handle)
			continue
		}
		restored++
	}

	slog.Info("schedules restored", "organizations", len(orgs), "restored", restored)
	return nil
}

// rollback cancels a trigger registered for a schedule that was not saved.
func (m *Manager) rollback(orgID, handle string) {
	if err := m.triggers.Cancel(handle); err != nil {
		slog.Warn("could not roll back cron job",
			"organization", orgID,
			"cron_job_id", handle,
			"error", err,
		)
	}
}

func (m *Manager) cancel(orgID, handle string) string {
	if err := m.triggers.Cancel(handle); err != nil {
		slog.Warn("could not delete existing cron job",
			"organization", orgID,
			"cron_job_id", handle,
			"error", err,
		)
		return fmt.Sprintf("could not delete existing cron job %s: %v", handle, err)
	}
	slog.Info("deleted existing cron job", "organization", orgID, "cron_job_id", handle)
	return ""
}

// job is the trigger body for one organization.
func (m *Manager) job(orgID string) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.runTimeout)
		defer cancel()

		start := time.Now()
		res, err := m.runner.RunAutomatic(ctx, orgID)
		if err != nil {
			slog.Error("scheduled generation failed",
				"organization", orgID,
				"duration", time.Since(start).Round(time.Millisecond),
				"error", err,
			)
			return
		}
		slog.Info("scheduled generation complete",
			"organization", orgID,
			"posts", res.PostsGenerated,
			"message", res.Message,
			"duration", time.Since(start).Round(time.Millisecond),
		)
	}
}
