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

// Package analytics reports generation and ingestion runs to PostHog.
package analytics

import (
	"log/slog"
	"time"

	"github.com/posthog/posthog-go"
)

// Event names.
const (
	EventPostGeneration = "post_generation"
	EventEmailIngested  = "email_ingested"
)

// Event is one run outcome. OrganizationID is the PostHog distinct id.
type Event struct {
	Name           string
	OrganizationID string
	Kind           string // "manual", "automatic", "webhook"
	Latency        time.Duration
	Count          int
	Err            error
}

// Tracker sends events. A Tracker without a PostHog client drops them.
type Tracker struct {
	client posthog.Client
}

// New creates a Tracker. An empty apiKey returns a disabled tracker.
func New(apiKey, endpoint string) (*Tracker, error) {
	if apiKey == "" {
		slog.Info("analytics disabled: no PostHog API key")
		return &Tracker{}, nil
	}
	client, err := posthog.NewWithConfig(apiKey, posthog.Config{Endpoint: endpoint})
	if err != nil {
		return nil, err
	}
	return &Tracker{client: client}, nil
}

// Track enqueues ev. Delivery failures are logged only.
func (t *Tracker) Track(ev Event) {
	if t == nil || t.client == nil {
		return
	}

	props := posthog.NewProperties().
		Set("kind", ev.Kind).
		Set("latency_ms", ev.Latency.Milliseconds()).
		Set("count", ev.Count).
		Set("isError", ev.Err != nil)
	if ev.Err != nil {
		props.Set("failReason", ev.Err.Error())
	}

	err := t.client.Enqueue(posthog.Capture{
		DistinctId: ev.OrganizationID,
		Event:      ev.Name,
		Properties: props,
	})
	if err != nil {
		slog.Warn("failed to enqueue analytics event", "event", ev.Name, "error", err)
	}
}

// Close flushes pending events.
func (t *Tracker) Close() error {
	if t == nil || t.client == nil {
		return nil
	}
	return t.client.Close()
}
