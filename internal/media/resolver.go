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

// Package media resolves image references into payloads the caption model
// can consume: inline base64 for small images, a passthrough URL for large
// ones, and a skip signal for images beyond the provider's URL limit.
package media

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	// InlineLimit is the largest image sent as inline base64 (3.75 MB).
	InlineLimit = 3932160
	// RemoteLimit is the largest image the provider will fetch by URL (20 MB).
	RemoteLimit = 20 << 20
)

// Media types accepted by the caption model.
const (
	MediaTypePNG  = "image/png"
	MediaTypeJPEG = "image/jpeg"
	MediaTypeGIF  = "image/gif"
	MediaTypeWebP = "image/webp"
)

// Encoding says how a payload travels to the model.
type Encoding string

const (
	EncodingInline Encoding = "base64"
	EncodingRemote Encoding = "url"
)

// ErrTooLarge signals that an image exceeds RemoteLimit and must be skipped.
var ErrTooLarge = errors.New("image exceeds remote size limit")

// Payload is a resolved image. Data holds base64 text for inline payloads;
// URL is set for remote payloads.
type Payload struct {
	MediaType string
	Encoding  Encoding
	Data      string
	URL       string
	Size      int64
}

// Resolver determines image sizes and produces payloads.
type Resolver struct {
	httpClient *http.Client
}

// NewResolver creates a resolver. A nil client gets a 30s-timeout default.
func NewResolver(httpClient *http.Client) *Resolver {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Resolver{httpClient: httpClient}
}

// Resolve returns the payload for imageURL. Images larger than RemoteLimit
// return ErrTooLarge; any other error means the image could not be loaded.
func (r *Resolver) Resolve(ctx context.Context, imageURL string) (*Payload, error) {
	if strings.HasPrefix(imageURL, "data:") {
		return resolveDataURL(imageURL)
	}
	if !strings.HasPrefix(imageURL, "http://") && !strings.HasPrefix(imageURL, "https://") {
		return nil, fmt.Errorf("invalid image URL: %s", imageURL)
	}

	size, ok := r.headSize(ctx, imageURL)

	var body []byte
	var contentType string
	if !ok {
		// HEAD unavailable: download and measure
		var err error
		body, contentType, err = r.get(ctx, imageURL, RemoteLimit+1)
		if err != nil {
			return nil, err
		}
		size = int64(len(body))
	}

	switch {
	case size > RemoteLimit:
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, size)
	case size > InlineLimit:
		slog.Debug("using remote image transport", "url", imageURL, "bytes", size)
		return &Payload{
			MediaType: NormalizeMediaType(contentType),
			Encoding:  EncodingRemote,
			URL:       imageURL,
			Size:      size,
		}, nil
	}

	if body == nil {
		var err error
		body, contentType, err = r.get(ctx, imageURL, InlineLimit+1)
		if err != nil {
			return nil, err
		}
		// Content-Length lied; re-check against the inline ceiling
		if len(body) > InlineLimit {
			return &Payload{
				MediaType: NormalizeMediaType(contentType),
				Encoding:  EncodingRemote,
				URL:       imageURL,
				Size:      int64(len(body)),
			}, nil
		}
	}

	return &Payload{
		MediaType: NormalizeMediaType(contentType),
		Encoding:  EncodingInline,
		Data:      base64.StdEncoding.EncodeToString(body),
		Size:      int64(len(body)),
	}, nil
}

// headSize issues a HEAD request and reports the Content-Length, if any.
func (r *Resolver) headSize(ctx context.Context, imageURL string) (int64, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, imageURL, nil)
	if err != nil {
		return 0, false
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		slog.Debug("HEAD failed, falling back to GET", "url", imageURL, "error", err)
		return 0, false
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 || resp.ContentLength < 0 {
		return 0, false
	}
	return resp.ContentLength, true
}

// get downloads at most limit bytes of imageURL.
func (r *Resolver) get(ctx context.Context, imageURL string, limit int64) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("fetch image: HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, "", fmt.Errorf("read image: %w", err)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

// resolveDataURL decodes a data:<mime>;base64,<data> reference.
func resolveDataURL(ref string) (*Payload, error) {
	meta, data, found := strings.Cut(strings.TrimPrefix(ref, "data:"), ",")
	if !found || !strings.HasSuffix(meta, ";base64") {
		return nil, fmt.Errorf("unsupported data URL")
	}
	decoded, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("decode data URL: %w", err)
	}
	size := int64(len(decoded))
	if size > InlineLimit {
		// A data URL cannot be fetched remotely
		return nil, fmt.Errorf("%w: inline data of %d bytes", ErrTooLarge, size)
	}
	return &Payload{
		MediaType: NormalizeMediaType(strings.TrimSuffix(meta, ";base64")),
		Encoding:  EncodingInline,
		Data:      data,
		Size:      size,
	}, nil
}

// NormalizeMediaType maps a Content-Type to one of the four supported
// image types, defaulting to PNG.
func NormalizeMediaType(contentType string) string {
	mt, _, _ := strings.Cut(contentType, ";")
	switch strings.ToLower(strings.TrimSpace(mt)) {
	case "image/png", "image/x-png":
		return MediaTypePNG
	case "image/jpeg", "image/jpg", "image/pjpeg":
		return MediaTypeJPEG
	case "image/gif":
		return MediaTypeGIF
	case "image/webp":
		return MediaTypeWebP
	default:
		return MediaTypePNG
	}
}
