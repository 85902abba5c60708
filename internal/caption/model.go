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

// Package caption builds multimodal prompts from school email images, calls
// the caption model with bounded retry, and parses its JSON replies.
package caption

import (
	"context"
	"errors"
	"fmt"

	"github.com/classfeed/postgen/internal/media"
)

var (
	// ErrNotConfigured means the model API key or model id is missing.
	ErrNotConfigured = errors.New("caption model not configured")
	// ErrOverloaded is the provider's transient overload signal. It is the
	// only error that is retried.
	ErrOverloaded = errors.New("caption model overloaded")
	// ErrMalformedResponse means the reply did not match the expected JSON
	// envelope.
	ErrMalformedResponse = errors.New("malformed model response")
	// ErrImageCount rejects combined requests outside 1..MaxCombinedImages.
	ErrImageCount = errors.New("invalid number of images")
)

// GenerationError reports a failed generation after Attempts model calls.
type GenerationError struct {
	Attempts int
	Err      error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("caption generation failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// Part is one block of a user message: either text or a resolved image.
type Part struct {
	Text  string
	Image *media.Payload
}

// Request is a single model invocation.
type Request struct {
	System      string
	MaxTokens   int64
	Temperature float64
	Parts       []Part
}

// Model is a multimodal text generator. Implementations return the text of
// the first reply block and map provider overload to ErrOverloaded.
type Model interface {
	Complete(ctx context.Context, req Request) (string, error)
}
