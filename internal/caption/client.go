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

package caption

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/classfeed/postgen/internal/batch"
	"github.com/classfeed/postgen/internal/media"
	"github.com/classfeed/postgen/internal/models"
)

const (
	// MaxAttempts is the total number of model calls per request.
	MaxAttempts = 3
	// BackoffStep is multiplied by the attempt number between retries.
	BackoffStep = 2 * time.Second

	// MaxCombinedImages is the most images a combined caption may cover.
	MaxCombinedImages = 5
	// EnoughPosts stops batch processing once reached.
	EnoughPosts = 3
	// MaxPosts caps the output of one automatic run.
	MaxPosts = 5

	temperature       = 0.7
	batchMaxTokens    = 4096
	combinedMaxTokens = 2048
)

// ImageResolver turns an image URL into a payload for the model.
type ImageResolver interface {
	Resolve(ctx context.Context, imageURL string) (*media.Payload, error)
}

// Client generates captions. It is safe for concurrent use.
type Client struct {
	model    Model
	resolver ImageResolver
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewClient creates a caption client. A nil model is allowed; every
// generation call then fails with ErrNotConfigured.
func NewClient(model Model, resolver ImageResolver) *Client {
	return &Client{
		model:    model,
		resolver: resolver,
		sleep:    sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// GenerateCombined writes one caption covering all images. It rejects zero
// or more than MaxCombinedImages images before any network I/O, and a reply
// without a caption is a GenerationError.
func (c *Client) GenerateCombined(ctx context.Context, images []models.InboundImage, date time.Time) (*models.GeneratedPost, error) {
	if len(images) == 0 {
		return nil, fmt.Errorf("%w: no images provided", ErrImageCount)
	}
	if len(images) > MaxCombinedImages {
		return nil, fmt.Errorf("%w: maximum %d images can be selected", ErrImageCount, MaxCombinedImages)
	}
	if c.model == nil {
		return nil, ErrNotConfigured
	}

	slog.Info("generating combined caption", "images", len(images))

	parts := c.buildParts(ctx, combinedIntro(len(images), date), images, false, combinedOutro(len(images)))
	reply, attempts, err := c.complete(ctx, Request{
		System:      combinedSystemPrompt,
		MaxTokens:   combinedMaxTokens,
		Temperature: temperature,
		Parts:       parts,
	})
	if err != nil {
		return nil, err
	}

	caption, err := parseCombined(reply)
	if err != nil {
		slog.Error("failed to parse combined caption reply", "error", err)
		return nil, &GenerationError{Attempts: attempts, Err: err}
	}

	urls := make([]string, len(images))
	for i, img := range images {
		urls[i] = img.ImageURL
	}
	return &models.GeneratedPost{
		CaptionText:     caption,
		SourceImageURL:  urls[0],
		SourceImageURLs: urls,
		CreatedAt:       date,
		IsUserGenerated: true,
	}, nil
}

// GenerateBatch asks the model to pick the best images of one batch and
// caption each. A malformed reply yields no posts rather than an error.
func (c *Client) GenerateBatch(ctx context.Context, images []models.InboundImage, date time.Time, batchIndex int) ([]models.GeneratedPost, error) {
	if len(images) == 0 {
		return nil, nil
	}
	if c.model == nil {
		return nil, ErrNotConfigured
	}

	logger := slog.With("batch", batchIndex+1)
	logger.Info("generating batch captions", "images", len(images))

	parts := c.buildParts(ctx, batchIntro(len(images), date), images, true, batchOutro)
	reply, _, err := c.complete(ctx, Request{
		System:      batchSystemPrompt,
		MaxTokens:   batchMaxTokens,
		Temperature: temperature,
		Parts:       parts,
	})
	if err != nil {
		return nil, err
	}

	selected, err := parseBatch(reply, len(images))
	if err != nil {
		logger.Warn("discarding malformed batch reply", "error", err)
		return nil, nil
	}

	posts := make([]models.GeneratedPost, 0, len(selected))
	for _, s := range selected {
		img := images[s.Index]
		posts = append(posts, models.GeneratedPost{
			CaptionText:     s.Caption,
			EmailID:         img.EmailID,
			SourceImageURL:  img.ImageURL,
			SourceImageURLs: []string{img.ImageURL},
			CreatedAt:       date,
		})
	}
	return posts, nil
}

// GenerateForImages batches images and runs GenerateBatch sequentially,
// stopping once EnoughPosts have been produced. At most MaxPosts are
// returned.
func (c *Client) GenerateForImages(ctx context.Context, images []models.InboundImage, date time.Time) ([]models.GeneratedPost, error) {
	if len(images) == 0 {
		return nil, nil
	}
	if c.model == nil {
		return nil, ErrNotConfigured
	}

	batches := batch.Split(images)
	slog.Info("batched images", "images", len(images), "batches", len(batches))

	var all []models.GeneratedPost
	for i, b := range batches {
		posts, err := c.GenerateBatch(ctx, b, date, i)
		if err != nil {
			return nil, fmt.Errorf("batch %d: %w", i+1, err)
		}
		all = append(all, posts...)

		if len(all) >= EnoughPosts {
			slog.Info("enough posts generated, stopping", "posts", len(all), "batches_processed", i+1)
			break
		}
	}

	if len(all) > MaxPosts {
		all = all[:MaxPosts]
	}
	return all, nil
}

// buildParts assembles intro, per-image provenance and payload, and outro.
// Images that cannot be resolved become text placeholders.
func (c *Client) buildParts(ctx context.Context, intro string, images []models.InboundImage, withEmailID bool, outro string) []Part {
	parts := []Part{{Text: intro}}

	for i, img := range images {
		parts = append(parts, Part{Text: provenance(i+1, img, withEmailID)})

		payload, err := c.resolver.Resolve(ctx, img.ImageURL)
		switch {
		case errors.Is(err, media.ErrTooLarge):
			slog.Warn("skipping oversized image", "image", i+1, "url", img.ImageURL, "error", err)
			parts = append(parts, Part{Text: placeholderTooLarge})
			continue
		case err != nil:
			slog.Warn("failed to load image", "image", i+1, "url", img.ImageURL, "error", err)
			parts = append(parts, Part{Text: placeholderFailed})
		default:
			parts = append(parts, Part{Image: payload})
		}

		parts = append(parts, Part{Text: "\n"})
	}

	return append(parts, Part{Text: outro})
}

// complete calls the model, retrying only on ErrOverloaded with a linear
// backoff. It returns the reply and the number of attempts made.
func (c *Client) complete(ctx context.Context, req Request) (string, int, error) {
	var lastErr error
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		reply, err := c.model.Complete(ctx, req)
		if err == nil {
			return reply, attempt, nil
		}
		lastErr = err

		if !errors.Is(err, ErrOverloaded) {
			slog.Error("caption model call failed", "attempt", attempt, "error", err)
			return "", attempt, &GenerationError{Attempts: attempt, Err: err}
		}
		if attempt == MaxAttempts {
			break
		}

		wait := time.Duration(attempt) * BackoffStep
		slog.Warn("caption model overloaded, retrying", "attempt", attempt, "wait", wait)
		if err := c.sleep(ctx, wait); err != nil {
			return "", attempt, &GenerationError{Attempts: attempt, Err: err}
		}
	}
	return "", MaxAttempts, &GenerationError{Attempts: MaxAttempts, Err: lastErr}
}
