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
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/classfeed/postgen/internal/media"
)

// statusOverloaded is returned by the provider when it is at capacity.
const statusOverloaded = 529

// AnthropicModel implements Model on the Anthropic Messages API.
type AnthropicModel struct {
	client anthropic.Client
	model  string
}

// NewAnthropicModel creates a model bound to apiKey and model id. Extra
// request options (base URL, HTTP client) are appended after the defaults.
// SDK-level retries are disabled; Client owns the retry policy.
func NewAnthropicModel(apiKey, model string, opts ...option.RequestOption) (*AnthropicModel, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: missing API key", ErrNotConfigured)
	}
	if model == "" {
		return nil, fmt.Errorf("%w: missing model id", ErrNotConfigured)
	}

	base := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	return &AnthropicModel{
		client: anthropic.NewClient(append(base, opts...)...),
		model:  model,
	}, nil
}

// Complete sends req as one user message and returns the first text block.
// A reply whose first block is not text yields "{}".
func (m *AnthropicModel) Complete(ctx context.Context, req Request) (string, error) {
	blocks := make([]anthropic.ContentBlockParamUnion, 0, len(req.Parts))
	for _, p := range req.Parts {
		switch {
		case p.Image == nil:
			blocks = append(blocks, anthropic.NewTextBlock(p.Text))
		case p.Image.Encoding == media.EncodingRemote:
			blocks = append(blocks, anthropic.NewImageBlock(anthropic.URLImageSourceParam{URL: p.Image.URL}))
		default:
			blocks = append(blocks, anthropic.NewImageBlockBase64(p.Image.MediaType, p.Image.Data))
		}
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(m.model),
		MaxTokens:   req.MaxTokens,
		Temperature: anthropic.Float(req.Temperature),
		Messages:    []anthropic.MessageParam{anthropic.NewUserMessage(blocks...)},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	msg, err := m.client.Messages.New(ctx, params)
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) && apiErr.StatusCode == statusOverloaded {
			return "", fmt.Errorf("%w: %v", ErrOverloaded, err)
		}
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized {
			return "", fmt.Errorf("%w: %v", ErrNotConfigured, err)
		}
		return "", fmt.Errorf("messages.create: %w", err)
	}

	slog.Debug("caption model replied",
		"model", m.model,
		"input_tokens", msg.Usage.InputTokens,
		"output_tokens", msg.Usage.OutputTokens,
	)

	if len(msg.Content) == 0 || msg.Content[0].Type != "text" {
		return "{}", nil
	}
	return msg.Content[0].Text, nil
}
