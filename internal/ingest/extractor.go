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

// Package ingest extracts the text and image attachments of a received
// email and uploads the images to blob storage.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/classfeed/postgen/internal/resend"
)

// ErrEmailNotFound means the provider has no email with the given id.
var ErrEmailNotFound = errors.New("received email not found")

const (
	// MaxAttachmentBytes caps a single downloaded attachment (50 MB).
	MaxAttachmentBytes = 50 << 20
	// largeAttachmentBytes is logged as unusually large.
	largeAttachmentBytes = 20 << 20
)

// Provider is the email provider API.
type Provider interface {
	GetReceivedEmail(ctx context.Context, emailID string) (*resend.ReceivedEmail, error)
	ListAttachments(ctx context.Context, emailID string) ([]resend.Attachment, error)
	Download(ctx context.Context, downloadURL string, limit int64) ([]byte, error)
}

// Blobs stores uploaded images.
type Blobs interface {
	Put(ctx context.Context, key, contentType string, data []byte) (string, error)
	Delete(ctx context.Context, key string) error
}

// Extracted is the content of one received email. Keys lists the uploaded
// objects in the same order as ImageURLs.
type Extracted struct {
	Sender    string
	Recipient string
	Subject   string
	Text      string
	ImageURLs []string
	Keys      []string
}

// Options tunes concurrent attachment downloads.
type Options struct {
	Parallelism int        // concurrent downloads; default 4
	RateLimit   rate.Limit // downloads per second; default 10
	Burst       int        // default 4
}

// Extractor fetches emails and uploads their images.
type Extractor struct {
	provider    Provider
	blobs       Blobs
	limiter     *rate.Limiter
	parallelism int
}

func NewExtractor(provider Provider, blobs Blobs, opts Options) *Extractor {
	if opts.Parallelism <= 0 {
		opts.Parallelism = 4
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = 10
	}
	if opts.Burst <= 0 {
		opts.Burst = 4
	}
	return &Extractor{
		provider:    provider,
		blobs:       blobs,
		limiter:     rate.NewLimiter(opts.RateLimit, opts.Burst),
		parallelism: opts.Parallelism,
	}
}

// Extract fetches the email and uploads its image attachments under
// <orgID>/<providerEmailID>/. Attachment failures are logged and skipped;
// image order follows the provider's attachment order.
func (x *Extractor) Extract(ctx context.Context, providerEmailID, orgID string) (*Extracted, error) {
	email, err := x.provider.GetReceivedEmail(ctx, providerEmailID)
	if err != nil {
		return nil, fmt.Errorf("fetch email: %w", err)
	}
	if email == nil {
		return nil, fmt.Errorf("%w: %s", ErrEmailNotFound, providerEmailID)
	}

	out := &Extracted{
		Sender:    email.From,
		Recipient: email.To.First(),
		Subject:   email.Subject,
		Text:      email.Text,
	}

	attachments, err := x.provider.ListAttachments(ctx, providerEmailID)
	if err != nil {
		slog.Error("failed to list attachments", "email_id", providerEmailID, "error", err)
		return out, nil
	}

	var images []resend.Attachment
	for _, a := range attachments {
		if a.IsImage() && a.DownloadURL != "" {
			images = append(images, a)
		}
	}
	if len(images) == 0 {
		return out, nil
	}

	uploads := make([]upload, len(images))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(x.parallelism)
	for i, a := range images {
		g.Go(func() error {
			if err := x.limiter.Wait(gctx); err != nil {
				return err
			}
			key := objectKey(orgID, providerEmailID, i, a.Filename)
			url, err := x.store(gctx, a, key)
			if err != nil {
				slog.Error("failed to process attachment",
					"email_id", providerEmailID,
					"filename", a.Filename,
					"error", err,
				)
				return nil
			}
			uploads[i] = upload{url: url, key: key}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		// Only context cancellation reaches here; drop what was uploaded
		x.Discard(context.WithoutCancel(ctx), collectKeys(uploads))
		return nil, fmt.Errorf("extract attachments: %w", err)
	}

	for _, u := range uploads {
		if u.url == "" {
			continue
		}
		out.ImageURLs = append(out.ImageURLs, u.url)
		out.Keys = append(out.Keys, u.key)
	}

	slog.Info("extracted email attachments",
		"email_id", providerEmailID,
		"attachments", len(attachments),
		"images", len(out.ImageURLs),
	)
	return out, nil
}

func (x *Extractor) store(ctx context.Context, a resend.Attachment, key string) (string, error) {
	data, err := x.provider.Download(ctx, a.DownloadURL, MaxAttachmentBytes)
	if err != nil {
		return "", err
	}
	if len(data) > largeAttachmentBytes {
		slog.Warn("large attachment", "filename", a.Filename, "bytes", len(data))
	}

	contentType := a.ContentType
	if contentType == "" {
		contentType = "image/png"
	}
	return x.blobs.Put(ctx, key, contentType, data)
}

// Discard deletes uploaded objects. Failures are logged only.
func (x *Extractor) Discard(ctx context.Context, keys []string) {
	for _, key := range keys {
		if err := x.blobs.Delete(ctx, key); err != nil {
			slog.Warn("failed to delete orphaned attachment", "key", key, "error", err)
		}
	}
}

type upload struct{ url, key string }

func collectKeys(uploads []upload) []string {
	var keys []string
	for _, u := range uploads {
		if u.key != "" {
			keys = append(keys, u.key)
		}
	}
	return keys
}

// objectKey builds <org>/<email>/<n>-<filename> with a filename safe for
// object storage.
func objectKey(orgID, emailID string, n int, filename string) string {
	name := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		name = "attachment"
	}
	return fmt.Sprintf("%s/%s/%d-%s", orgID, emailID, n, name)
}
