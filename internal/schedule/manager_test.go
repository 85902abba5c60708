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

package schedule

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/classfeed/postgen/internal/models"
	"github.com/classfeed/postgen/internal/posts"
)

type memStore struct {
	orgs     map[string]*models.Organization
	saves    int
	failSave bool
}

func newMemStore(orgs ...models.Organization) *memStore {
	s := &memStore{orgs: make(map[string]*models.Organization)}
	for i := range orgs {
		o := orgs[i]
		s.orgs[o.ID] = &o
	}
	return s
}

func (s *memStore) GetOrganization(_ context.Context, id string) (*models.Organization, error) {
	o, ok := s.orgs[id]
	if !ok {
		return nil, nil
	}
	cp := *o
	return &cp, nil
}

func (s *memStore) ListScheduledOrganizations(_ context.Context) ([]models.Organization, error) {
	var out []models.Organization
	for _, o := range s.orgs {
		if o.CronEnabled && o.CronSchedule != "" {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (s *memStore) SaveSchedule(_ context.Context, orgID, spec string, enabled bool, jobID string) error {
	if s.failSave {
		return errors.New("connection reset")
	}
	o, ok := s.orgs[orgID]
	if !ok {
		return fmt.Errorf("organization %s not found", orgID)
	}
	s.saves++
	if spec != "" {
		o.CronSchedule = spec
	}
	o.CronEnabled = enabled
	o.CronJobID = jobID
	return nil
}

// fakeTriggers tracks live handles. Handles listed in failCancel return an
// error on Cancel and stay live.
type fakeTriggers struct {
	live         map[string]func()
	next         int
	failCancel   map[string]bool
	failRegister bool
}

func newFakeTriggers() *fakeTriggers {
	return &fakeTriggers{live: make(map[string]func()), failCancel: make(map[string]bool)}
}

func (f *fakeTriggers) Register(_ string, job func()) (string, error) {
	if f.failRegister {
		return "", errors.New("scheduler unavailable")
	}
	f.next++
	h := fmt.Sprintf("h%d", f.next)
	f.live[h] = job
	return h, nil
}

func (f *fakeTriggers) Cancel(handle string) error {
	if f.failCancel[handle] {
		return fmt.Errorf("%w: %s", ErrUnknownTrigger, handle)
	}
	if _, ok := f.live[handle]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTrigger, handle)
	}
	delete(f.live, handle)
	return nil
}

type fakeRunner struct{ orgs []string }

func (r *fakeRunner) RunAutomatic(_ context.Context, orgID string) (*posts.RunResult, error) {
	r.orgs = append(r.orgs, orgID)
	return &posts.RunResult{Message: "ok"}, nil
}

func TestValidateSpec(t *testing.T) {
	valid := []string{"0 11 * * *", "30 0 11 * * *", "  0   11 * * 1-5 ", "*/15 * * * *"}
	for _, spec := range valid {
		if err := ValidateSpec(spec); err != nil {
			t.Errorf("ValidateSpec(%q) = %v, want nil", spec, err)
		}
	}

	invalid := []string{"", "0 11 * *", "0 0 11 * * * *", "99 11 * * *", "a b c d e"}
	for _, spec := range invalid {
		if err := ValidateSpec(spec); !errors.Is(err, ErrInvalidCronSpec) {
			t.Errorf("ValidateSpec(%q) = %v, want ErrInvalidCronSpec", spec, err)
		}
	}
}

// TestSetSchedule_EnableThenDisable covers the "0 11 * * *" lifecycle.
func TestSetSchedule_EnableThenDisable(t *testing.T) {
	store := newMemStore(models.Organization{ID: "org-1"})
	triggers := newFakeTriggers()
	m := NewManager(store, triggers, &fakeRunner{}, time.Minute)
	ctx := context.Background()

	res, err := m.SetSchedule(ctx, "org-1", "0 11 * * *", true)
	if err != nil {
		t.Fatalf("SetSchedule: %v", err)
	}
	if res.CronJobID == "" {
		t.Fatal("expected a trigger handle")
	}
	if res.Message != "Cron job registered with schedule: 0 11 * * *" {
		t.Errorf("message = %q", res.Message)
	}

	org := store.orgs["org-1"]
	if !org.CronEnabled || org.CronJobID != res.CronJobID || org.CronSchedule != "0 11 * * *" {
		t.Errorf("stored = %+v", org)
	}

	res, err = m.Disable(ctx, "org-1")
	if err != nil {
		t.Fatalf("Disable: %v", err)
	}
	if res.Message != "Cron job disabled and deleted" {
		t.Errorf("message = %q", res.Message)
	}
	if org.CronEnabled || org.CronJobID != "" {
		t.Errorf("after disable: %+v", org)
	}
	if org.CronSchedule != "0 11 * * *" {
		t.Errorf("schedule text should be kept, got %q", org.CronSchedule)
	}
	if len(triggers.live) != 0 {
		t.Errorf("live triggers = %d, want 0", len(triggers.live))
	}
}

// TestSetSchedule_Idempotent verifies repeated registration leaves exactly
// one live trigger.
func TestSetSchedule_Idempotent(t *testing.T) {
	store := newMemStore(models.Organization{ID: "org-1"})
	triggers := newFakeTriggers()
	m := NewManager(store, triggers, &fakeRunner{}, time.Minute)

	for i := 0; i < 3; i++ {
		if _, err := m.SetSchedule(context.Background(), "org-1", "0 11 * * *", true); err != nil {
			t.Fatalf("SetSchedule #%d: %v", i+1, err)
		}
	}

	if len(triggers.live) != 1 {
		t.Fatalf("live triggers = %d, want 1", len(triggers.live))
	}
	if _, ok := triggers.live[store.orgs["org-1"].CronJobID]; !ok {
		t.Error("stored handle does not match the live trigger")
	}
}

// TestSetSchedule_CancelFailureIsWarning verifies a stale handle does not
// block the replacement.
func TestSetSchedule_CancelFailureIsWarning(t *testing.T) {
	store := newMemStore(models.Organization{ID: "org-1", CronSchedule: "0 9 * * *", CronEnabled: true, CronJobID: "stale"})
	triggers := newFakeTriggers()
	m := NewManager(store, triggers, &fakeRunner{}, time.Minute)

	res, err := m.SetSchedule(context.Background(), "org-1", "0 10 * * *", true)
	if err != nil {
		t.Fatalf("SetSchedule: %v", err)
	}
	if len(res.Warnings) != 1 || !strings.Contains(res.Warnings[0], "stale") {
		t.Errorf("warnings = %v", res.Warnings)
	}
	if store.orgs["org-1"].CronJobID != res.CronJobID || res.CronJobID == "stale" {
		t.Errorf("stored handle = %q", store.orgs["org-1"].CronJobID)
	}
}

func TestSetSchedule_DisabledBranch(t *testing.T) {
	store := newMemStore(models.Organization{ID: "org-1"})
	triggers := newFakeTriggers()
	m := NewManager(store, triggers, &fakeRunner{}, time.Minute)

	if _, err := m.SetSchedule(context.Background(), "org-1", "0 11 * * *", true); err != nil {
		t.Fatal(err)
	}
	res, err := m.SetSchedule(context.Background(), "org-1", "0 12 * * *", false)
	if err != nil {
		t.Fatalf("SetSchedule: %v", err)
	}
	if res.Message != "Cron job disabled" || res.CronJobID != "" {
		t.Errorf("result = %+v", res)
	}
	org := store.orgs["org-1"]
	if org.CronEnabled || org.CronJobID != "" || org.CronSchedule != "0 12 * * *" {
		t.Errorf("stored = %+v", org)
	}
	if len(triggers.live) != 0 {
		t.Errorf("live triggers = %d, want 0", len(triggers.live))
	}
}

// TestSetSchedule_InvalidSpecNoMutation verifies validation precedes every
// side effect.
func TestSetSchedule_InvalidSpecNoMutation(t *testing.T) {
	store := newMemStore(models.Organization{ID: "org-1", CronSchedule: "0 9 * * *", CronEnabled: true, CronJobID: "h0"})
	triggers := newFakeTriggers()
	triggers.live["h0"] = func() {}
	m := NewManager(store, triggers, &fakeRunner{}, time.Minute)

	_, err := m.SetSchedule(context.Background(), "org-1", "0 11 * *", true)
	if !errors.Is(err, ErrInvalidCronSpec) {
		t.Fatalf("err = %v, want ErrInvalidCronSpec", err)
	}
	if store.saves != 0 || len(triggers.live) != 1 {
		t.Errorf("saves=%d live=%d, want no mutation", store.saves, len(triggers.live))
	}
}

func TestSetSchedule_UnknownOrganization(t *testing.T) {
	m := NewManager(newMemStore(), newFakeTriggers(), &fakeRunner{}, time.Minute)
	if _, err := m.SetSchedule(context.Background(), "nope", "0 11 * * *", true); !errors.Is(err, ErrOrganizationNotFound) {
		t.Fatalf("err = %v, want ErrOrganizationNotFound", err)
	}
	if _, err := m.Disable(context.Background(), "nope"); !errors.Is(err, ErrOrganizationNotFound) {
		t.Fatalf("err = %v, want ErrOrganizationNotFound", err)
	}
}

// TestSetSchedule_RegistrationFailure verifies the record is cleared when
// the prior trigger was cancelled but no new one could be registered.
func TestSetSchedule_RegistrationFailure(t *testing.T) {
	store := newMemStore(models.Organization{ID: "org-1", CronSchedule: "0 9 * * *", CronEnabled: true, CronJobID: "h0"})
	triggers := newFakeTriggers()
	triggers.live["h0"] = func() {}
	triggers.failRegister = true
	m := NewManager(store, triggers, &fakeRunner{}, time.Minute)

	if _, err := m.SetSchedule(context.Background(), "org-1", "0 11 * * *", true); err == nil {
		t.Fatal("expected registration error")
	}
	org := store.orgs["org-1"]
	if org.CronEnabled || org.CronJobID != "" {
		t.Errorf("stored = %+v, want disabled with no handle", org)
	}
}

// TestRestore verifies enabled schedules are re-registered with fresh
// handles and the job runs the organization's generation.
func TestRestore(t *testing.T) {
	store := newMemStore(
		models.Organization{ID: "org-1", CronSchedule: "0 11 * * *", CronEnabled: true, CronJobID: "old"},
		models.Organization{ID: "org-2", CronSchedule: "0 11 * * *", CronEnabled: false},
	)
	triggers := newFakeTriggers()
	runner := &fakeRunner{}
	m := NewManager(store, triggers, runner, time.Minute)

	if err := m.Restore(context.Background()); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if len(triggers.live) != 1 {
		t.Fatalf("live triggers = %d, want 1", len(triggers.live))
	}
	handle := store.orgs["org-1"].CronJobID
	job, ok := triggers.live[handle]
	if !ok || handle == "old" {
		t.Fatalf("stored handle %q is not live", handle)
	}

	job()
	if len(runner.orgs) != 1 || runner.orgs[0] != "org-1" {
		t.Errorf("runner calls = %v", runner.orgs)
	}
}

// TestSetSchedule_SaveFailureRollsBack verifies a trigger registered for a
// schedule that could not be saved is cancelled.
func TestSetSchedule_SaveFailureRollsBack(t *testing.T) {
	store := newMemStore(models.Organization{ID: "org-1"})
	store.failSave = true
	triggers := newFakeTriggers()
	m := NewManager(store, triggers, &fakeRunner{}, time.Minute)

	if _, err := m.SetSchedule(context.Background(), "org-1", "0 11 * * *", true); err == nil {
		t.Fatal("expected save error")
	}
	if len(triggers.live) != 0 {
		t.Errorf("live triggers = %d, want 0 after rollback", len(triggers.live))
	}
}

// TestRestore_SaveFailureRollsBack verifies a failed save during restore
// leaves no orphan trigger, and a failing cancel does not abort restore.
func TestRestore_SaveFailureRollsBack(t *testing.T) {
	store := newMemStore(
		models.Organization{ID: "org-1", CronSchedule: "0 11 * * *", CronEnabled: true},
		models.Organization{ID: "org-2", CronSchedule: "0 12 * * *", CronEnabled: true},
	)
	store.failSave = true
	triggers := newFakeTriggers()
	// The first registered handle refuses cancellation
	triggers.failCancel["h1"] = true
	m := NewManager(store, triggers, &fakeRunner{}, time.Minute)

	if err := m.Restore(context.Background()); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if triggers.next != 2 {
		t.Fatalf("registrations = %d, want 2", triggers.next)
	}
	if len(triggers.live) != 1 {
		t.Errorf("live triggers = %d, want only the handle whose cancel failed", len(triggers.live))
	}
}
