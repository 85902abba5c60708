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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/classfeed/postgen/internal/caption"
	"github.com/classfeed/postgen/internal/digest"
	"github.com/classfeed/postgen/internal/models"
	"github.com/classfeed/postgen/internal/posts"
	"github.com/classfeed/postgen/internal/schedule"
)

type fakeGenerator struct {
	gotOrg    string
	gotImages []models.InboundImage
	err       error
}

func (f *fakeGenerator) GenerateFromSelection(_ context.Context, orgID string, images []models.InboundImage) ([]models.GeneratedPost, error) {
	f.gotOrg, f.gotImages = orgID, images
	if f.err != nil {
		return nil, f.err
	}
	return []models.GeneratedPost{{CaptionText: "Field day!", IsUserGenerated: true}}, nil
}

func (f *fakeGenerator) RunAutomatic(_ context.Context, orgID string) (*posts.RunResult, error) {
	f.gotOrg = orgID
	if f.err != nil {
		return nil, f.err
	}
	return &posts.RunResult{PostsGenerated: 2, Message: "Generated 2 posts"}, nil
}

type fakeScheduler struct {
	gotSpec    string
	gotEnabled bool
	err        error
}

func (f *fakeScheduler) SetSchedule(_ context.Context, _, spec string, enabled bool) (*schedule.Result, error) {
	f.gotSpec, f.gotEnabled = spec, enabled
	if f.err != nil {
		return nil, f.err
	}
	return &schedule.Result{CronJobID: "h-1", Message: "Cron job registered with schedule: " + spec}, nil
}

func (f *fakeScheduler) Disable(_ context.Context, _ string) (*schedule.Result, error) {
	return &schedule.Result{Message: "Cron job disabled and deleted"}, nil
}

type fakeDigests struct {
	gotStart, gotEnd *time.Time
	gotInclude       bool
}

func (f *fakeDigests) ManualRange(start, end *time.Time) (time.Time, time.Time) {
	f.gotStart, f.gotEnd = start, end
	return time.Unix(0, 0), time.Unix(1, 0)
}

func (f *fakeDigests) SendDaily(_ context.Context, _ string, _, _ time.Time, include bool) (*digest.Result, error) {
	f.gotInclude = include
	return &digest.Result{Message: "No posts to send"}, nil
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

type fixture struct {
	gen     *fakeGenerator
	sched   *fakeScheduler
	digests *fakeDigests
	handler http.Handler
}

func newFixture(checks ...Check) *fixture {
	f := &fixture{gen: &fakeGenerator{}, sched: &fakeScheduler{}, digests: &fakeDigests{}}
	webhook := func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTeapot) }
	f.handler = NewServer(f.gen, f.sched, f.digests, webhook, checks...).Routes()
	return f
}

func (f *fixture) do(method, path, org, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	if org != "" {
		req.Header.Set(OrganizationHeader, org)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestGenerateSelection(t *testing.T) {
	f := newFixture()
	body := `{"selectedImages":[{"imageUrl":"https://cdn.example.com/a.jpg","emailId":"e1","sender":"office@school.example"}]}`

	rec := f.do(http.MethodPost, "/api/posts/generate", "org-1", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d body=%s", rec.Code, rec.Body)
	}
	var out []models.GeneratedPost
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil || len(out) != 1 || !out[0].IsUserGenerated {
		t.Errorf("response = %s", rec.Body)
	}
	if f.gen.gotOrg != "org-1" || len(f.gen.gotImages) != 1 || f.gen.gotImages[0].EmailID != "e1" {
		t.Errorf("generator got org=%q images=%+v", f.gen.gotOrg, f.gen.gotImages)
	}
}

func TestGenerateSelection_ErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: too many", posts.ErrInvalidSelection), http.StatusBadRequest},
		{fmt.Errorf("%w: e1", posts.ErrForbidden), http.StatusForbidden},
		{fmt.Errorf("%w: e1", posts.ErrEmailNotFound), http.StatusNotFound},
		{caption.ErrNotConfigured, http.StatusServiceUnavailable},
		{&caption.GenerationError{Attempts: 3, Err: caption.ErrOverloaded}, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		f := newFixture()
		f.gen.err = tt.err
		rec := f.do(http.MethodPost, "/api/posts/generate", "org-1", `{"selectedImages":[]}`)
		if rec.Code != tt.want {
			t.Errorf("%v: code = %d, want %d", tt.err, rec.Code, tt.want)
		}
	}
}

func TestGenerateSelection_RequiresOrganization(t *testing.T) {
	rec := newFixture().do(http.MethodPost, "/api/posts/generate", "", `{}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("code = %d, want 401", rec.Code)
	}
}

func TestRunAutomatic(t *testing.T) {
	f := newFixture()
	rec := f.do(http.MethodPost, "/api/organizations/org-1/generate", "org-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d body=%s", rec.Code, rec.Body)
	}
	var out struct {
		Success        bool   `json:"success"`
		PostsGenerated int    `json:"postsGenerated"`
		Message        string `json:"message"`
	}
	json.Unmarshal(rec.Body.Bytes(), &out)
	if !out.Success || out.PostsGenerated != 2 || out.Message != "Generated 2 posts" {
		t.Errorf("response = %s", rec.Body)
	}
}

func TestRunAutomatic_InProgress(t *testing.T) {
	f := newFixture()
	f.gen.err = posts.ErrRunInProgress
	if rec := f.do(http.MethodPost, "/api/organizations/org-1/generate", "org-1", ""); rec.Code != http.StatusConflict {
		t.Fatalf("code = %d, want 409", rec.Code)
	}
}

func TestOrganizationMismatch(t *testing.T) {
	f := newFixture()
	rec := f.do(http.MethodPost, "/api/organizations/org-2/generate", "org-1", "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("code = %d, want 403", rec.Code)
	}
	if f.gen.gotOrg != "" {
		t.Error("generator must not run for another organization")
	}
}

func TestSetSchedule(t *testing.T) {
	f := newFixture()
	rec := f.do(http.MethodPut, "/api/organizations/org-1/schedule", "org-1", `{"cronSchedule":"0 11 * * *"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d body=%s", rec.Code, rec.Body)
	}
	if f.sched.gotSpec != "0 11 * * *" || !f.sched.gotEnabled {
		t.Errorf("scheduler got %q enabled=%v", f.sched.gotSpec, f.sched.gotEnabled)
	}
	var out scheduleResponse
	json.Unmarshal(rec.Body.Bytes(), &out)
	if !out.Success || out.CronJobID != "h-1" {
		t.Errorf("response = %s", rec.Body)
	}

	f.do(http.MethodPut, "/api/organizations/org-1/schedule", "org-1", `{"cronSchedule":"0 11 * * *","enabled":false}`)
	if f.sched.gotEnabled {
		t.Error("enabled=false should be passed through")
	}
}

func TestSetSchedule_InvalidSpec(t *testing.T) {
	f := newFixture()
	f.sched.err = fmt.Errorf("%w: bad", schedule.ErrInvalidCronSpec)
	if rec := f.do(http.MethodPut, "/api/organizations/org-1/schedule", "org-1", `{"cronSchedule":"nope"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("code = %d, want 400", rec.Code)
	}
}

func TestDisableSchedule(t *testing.T) {
	rec := newFixture().do(http.MethodDelete, "/api/organizations/org-1/schedule", "org-1", "")
	var out scheduleResponse
	json.Unmarshal(rec.Body.Bytes(), &out)
	if rec.Code != http.StatusOK || out.Message != "Cron job disabled and deleted" {
		t.Fatalf("code=%d body=%s", rec.Code, rec.Body)
	}
}

func TestDigest(t *testing.T) {
	f := newFixture()
	rec := f.do(http.MethodPost, "/api/organizations/org-1/digest", "org-1", `{"startDate":1773446400000}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	if f.digests.gotStart == nil || f.digests.gotStart.UnixMilli() != 1773446400000 || f.digests.gotEnd != nil {
		t.Errorf("range = %v..%v", f.digests.gotStart, f.digests.gotEnd)
	}
	if !f.digests.gotInclude {
		t.Error("manual digest includes user-generated posts")
	}
}

func TestWebhookRoute(t *testing.T) {
	if rec := newFixture().do(http.MethodPost, "/api/email/received", "", "{}"); rec.Code != http.StatusTeapot {
		t.Fatalf("code = %d, want webhook handler", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(Check{"postgres", pinger{}}, Check{"redis", pinger{}})
	if rec := f.do(http.MethodGet, "/health", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}

	f = newFixture(Check{"postgres", pinger{}}, Check{"redis", pinger{errors.New("down")}})
	rec := f.do(http.MethodGet, "/health", "", "")
	var out healthResponse
	json.Unmarshal(rec.Body.Bytes(), &out)
	if rec.Code != http.StatusServiceUnavailable || out.Checks["redis"] != "unhealthy" || out.Checks["postgres"] != "ok" {
		t.Fatalf("code=%d body=%s", rec.Code, rec.Body)
	}
}
