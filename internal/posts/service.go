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

// Package posts runs the two generation entry points: a combined caption
// for a user-selected set of images, and an automatic run over the day's
// qualifying emails.
package posts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/classfeed/postgen/internal/analytics"
	"github.com/classfeed/postgen/internal/batch"
	"github.com/classfeed/postgen/internal/caption"
	"github.com/classfeed/postgen/internal/models"
	"github.com/classfeed/postgen/internal/queue"
)

var (
	ErrInvalidSelection = errors.New("invalid image selection")
	ErrEmailNotFound    = errors.New("email not found")
	ErrForbidden        = errors.New("email does not belong to organization")
	ErrRunInProgress    = errors.New("generation already running for organization today")
)

// DefaultLockTTL bounds how long a run lock is held if the holder dies.
const DefaultLockTTL = 15 * time.Minute

// Store is the persistence the orchestrator needs.
type Store interface {
	GetEmail(ctx context.Context, id string) (*models.Email, error)
	EmailsWithImages(ctx context.Context, orgID string, start, end time.Time) ([]models.EmailWithImages, error)
	EmailIDsWithPosts(ctx context.Context, emailIDs []string) (map[string]bool, error)
	CreatePosts(ctx context.Context, orgID string, posts []models.GeneratedPost) ([]models.Post, error)
}

// Captioner produces captions.
type Captioner interface {
	GenerateCombined(ctx context.Context, images []models.InboundImage, date time.Time) (*models.GeneratedPost, error)
	GenerateForImages(ctx context.Context, images []models.InboundImage, date time.Time) ([]models.GeneratedPost, error)
}

// Lock is a named mutual-exclusion lease.
type Lock interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	Release(ctx context.Context, key, token string) error
}

// DigestPublisher enqueues digest emails.
type DigestPublisher interface {
	PublishDigest(ctx context.Context, job queue.DigestJob) error
}

// Tracker records run outcomes.
type Tracker interface {
	Track(ev analytics.Event)
}

// Options tunes a Service.
type Options struct {
	// TimezoneOffset is the fixed UTC offset, in hours, of the local day.
	TimezoneOffset int
	// SendDigestAfterRun enqueues a digest after automatic runs that
	// produced posts.
	SendDigestAfterRun bool
	LockTTL            time.Duration
}

// RunResult is the outcome of an automatic run. Zero posts is a success.
type RunResult struct {
	PostsGenerated int    `json:"postsGenerated"`
	Message        string `json:"message"`
}

// Service orchestrates post generation. Lock, digest and tracker are
// optional.
type Service struct {
	store     Store
	captioner Captioner
	lock      Lock
	digest    DigestPublisher
	tracker   Tracker
	opts      Options
	now       func() time.Time
}

func NewService(store Store, captioner Captioner, lock Lock, digest DigestPublisher, tracker Tracker, opts Options) *Service {
	if opts.LockTTL <= 0 {
		opts.LockTTL = DefaultLockTTL
	}
	return &Service{
		store:     store,
		captioner: captioner,
		lock:      lock,
		digest:    digest,
		tracker:   tracker,
		opts:      opts,
		now:       time.Now,
	}
}

// DayBounds returns the first and last millisecond, as UTC instants, of the
// local day containing now, where local time is UTC shifted by offsetHours.
func DayBounds(now time.Time, offsetHours int) (start, end time.Time) {
	shift := time.Duration(offsetHours) * time.Hour
	y, m, d := now.UTC().Add(shift).Date()

	start = time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Add(-shift)
	end = time.Date(y, m, d, 23, 59, 59, int(999*time.Millisecond), time.UTC).Add(-shift)
	return start, end
}

// LocalTime returns now in the fixed-offset zone.
func LocalTime(now time.Time, offsetHours int) time.Time {
	return now.In(time.FixedZone(fmt.Sprintf("UTC%+d", offsetHours), offsetHours*3600))
}

// GenerateFromSelection writes one combined caption for images, all of which
// must come from emails owned by orgID. Every check runs before any model
// call; the returned post mirrors caption text, creation time and the
// user-generated flag.
func (s *Service) GenerateFromSelection(ctx context.Context, orgID string, images []models.InboundImage) ([]models.GeneratedPost, error) {
	if len(images) == 0 {
		return nil, fmt.Errorf("%w: no selected images provided", ErrInvalidSelection)
	}
	if len(images) > caption.MaxCombinedImages {
		return nil, fmt.Errorf("%w: maximum of %d images allowed", ErrInvalidSelection, caption.MaxCombinedImages)
	}

	checked := make(map[string]bool)
	for _, img := range images {
		if img.ImageURL == "" || img.EmailID == "" {
			return nil, fmt.Errorf("%w: image url and email id are required", ErrInvalidSelection)
		}
		if checked[img.EmailID] {
			continue
		}
		email, err := s.store.GetEmail(ctx, img.EmailID)
		if err != nil {
			return nil, fmt.Errorf("look up email %s: %w", img.EmailID, err)
		}
		if email == nil {
			return nil, fmt.Errorf("%w: %s", ErrEmailNotFound, img.EmailID)
		}
		if email.OrganizationID != orgID {
			return nil, fmt.Errorf("%w: %s", ErrForbidden, img.EmailID)
		}
		checked[img.EmailID] = true
	}

	started := s.now()
	post, err := s.captioner.GenerateCombined(ctx, images, LocalTime(started, s.opts.TimezoneOffset))
	if err != nil {
		s.track(orgID, "manual", started, 0, err)
		return nil, err
	}
	post.IsUserGenerated = true

	saved, err := s.store.CreatePosts(ctx, orgID, []models.GeneratedPost{*post})
	if err != nil {
		s.track(orgID, "manual", started, 0, err)
		return nil, fmt.Errorf("save post: %w", err)
	}
	s.track(orgID, "manual", started, len(saved), nil)

	out := make([]models.GeneratedPost, 0, len(saved))
	for _, p := range saved {
		out = append(out, models.GeneratedPost{
			CaptionText:     p.CaptionText,
			CreatedAt:       p.CreatedAt,
			IsUserGenerated: true,
		})
	}
	return out, nil
}

// RunAutomatic generates posts for every image of the organization's local
// day whose email has no post yet. At most one run per organization and day
// proceeds at a time when a Lock is configured.
func (s *Service) RunAutomatic(ctx context.Context, orgID string) (*RunResult, error) {
	started := s.now()
	start, end := DayBounds(started, s.opts.TimezoneOffset)
	local := LocalTime(started, s.opts.TimezoneOffset)
	logger := slog.With("organization", orgID, "day", local.Format("2006-01-02"))

	if s.lock != nil {
		key := fmt.Sprintf("generate:%s:%s", orgID, local.Format("2006-01-02"))
		token, ok, err := s.lock.Acquire(ctx, key, s.opts.LockTTL)
		if err != nil {
			return nil, fmt.Errorf("acquire run lock: %w", err)
		}
		if !ok {
			return nil, ErrRunInProgress
		}
		defer func() {
			// The run context may already be cancelled
			if err := s.lock.Release(context.WithoutCancel(ctx), key, token); err != nil {
				logger.Warn("failed to release run lock", "error", err)
			}
		}()
	}

	result, err := s.runAutomatic(ctx, orgID, start, end, local, logger)
	count := 0
	if result != nil {
		count = result.PostsGenerated
	}
	s.track(orgID, "automatic", started, count, err)
	return result, err
}

func (s *Service) runAutomatic(ctx context.Context, orgID string, start, end, local time.Time, logger *slog.Logger) (*RunResult, error) {
	emails, err := s.store.EmailsWithImages(ctx, orgID, start, end)
	if err != nil {
		return nil, fmt.Errorf("list emails: %w", err)
	}

	ids := make([]string, len(emails))
	for i, e := range emails {
		ids[i] = e.ID
	}
	posted, err := s.store.EmailIDsWithPosts(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("list posted emails: %w", err)
	}

	var qualifying []models.EmailWithImages
	for _, e := range emails {
		if len(e.ImageURLs) > 0 && !posted[e.ID] {
			qualifying = append(qualifying, e)
		}
	}

	logger.Info("automatic generation", "emails", len(emails), "qualifying", len(qualifying))
	if len(qualifying) == 0 {
		return &RunResult{Message: "No new emails with images found for today"}, nil
	}

	generated, err := s.captioner.GenerateForImages(ctx, batch.Flatten(qualifying), local)
	if err != nil {
		return nil, fmt.Errorf("generate captions: %w", err)
	}
	if len(generated) == 0 {
		return &RunResult{Message: "No posts were generated"}, nil
	}
	for i := range generated {
		generated[i].IsUserGenerated = false
	}

	saved, err := s.store.CreatePosts(ctx, orgID, generated)
	if err != nil {
		return nil, fmt.Errorf("save posts: %w", err)
	}
	logger.Info("automatic generation complete", "generated", len(generated), "saved", len(saved))

	if s.opts.SendDigestAfterRun && s.digest != nil && len(saved) > 0 {
		job := queue.DigestJob{OrganizationID: orgID, Start: start, End: end}
		if err := s.digest.PublishDigest(ctx, job); err != nil {
			logger.Warn("failed to enqueue digest", "error", err)
		}
	}

	return &RunResult{
		PostsGenerated: len(saved),
		Message:        fmt.Sprintf("Generated %d posts", len(saved)),
	}, nil
}

func (s *Service) track(orgID, kind string, started time.Time, count int, err error) {
	if s.tracker == nil {
		return
	}
	s.tracker.Track(analytics.Event{
		Name:           analytics.EventPostGeneration,
		OrganizationID: orgID,
		Kind:           kind,
		Latency:        s.now().Sub(started),
		Count:          count,
		Err:            err,
	})
}
