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

// Package webhook handles signed inbound-email notifications from the email
// provider. A received email is fetched, its images are uploaded, and the
// email is persisted exactly once per delivery.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	svix "github.com/svix/svix-webhooks/go"

	"github.com/classfeed/postgen/internal/analytics"
	"github.com/classfeed/postgen/internal/ingest"
	"github.com/classfeed/postgen/internal/models"
	"github.com/classfeed/postgen/internal/store"
)

const maxBodyBytes = 1 << 20

// Verifier checks a webhook signature.
type Verifier interface {
	Verify(payload []byte, headers http.Header) error
}

// Organizations resolves the organization receiving mail at an address.
type Organizations interface {
	OrganizationByRecipient(ctx context.Context, address string) (*models.Organization, error)
}

// Emails persists inbound emails.
type Emails interface {
	InsertEmail(ctx context.Context, in models.InboundEmail) (*models.Email, error)
}

// Extractor fetches email content and uploads attachments.
type Extractor interface {
	Extract(ctx context.Context, providerEmailID, orgID string) (*ingest.Extracted, error)
	Discard(ctx context.Context, keys []string)
}

// Deduper remembers processed deliveries.
type Deduper interface {
	IsNew(ctx context.Context, deliveryID string) (bool, error)
	Forget(ctx context.Context, deliveryID string) error
}

// Tracker records ingestion outcomes.
type Tracker interface {
	Track(ev analytics.Event)
}

// Handler processes inbound email webhooks.
type Handler struct {
	verifier  Verifier
	orgs      Organizations
	emails    Emails
	extractor Extractor
	dedup     Deduper
	tracker   Tracker
}

// NewHandler creates a handler verifying signatures with secret. An empty
// secret or nil extractor is accepted here and rejected on every request.
func NewHandler(secret string, orgs Organizations, emails Emails, extractor Extractor, dedup Deduper, tracker Tracker) (*Handler, error) {
	h := &Handler{
		orgs:      orgs,
		emails:    emails,
		extractor: extractor,
		dedup:     dedup,
		tracker:   tracker,
	}
	if secret != "" {
		wh, err := svix.NewWebhook(secret)
		if err != nil {
			return nil, fmt.Errorf("webhook secret: %w", err)
		}
		h.verifier = wh
	}
	return h, nil
}

type response struct {
	Success   bool   `json:"success"`
	Ignored   bool   `json:"ignored,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
	EmailID   string `json:"emailId,omitempty"`
	Error     string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// ServeReceived handles POST /api/email/received.
func (h *Handler) ServeReceived(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, response{Error: "method not allowed"})
		return
	}
	if h.verifier == nil {
		slog.Error("webhook secret not configured")
		writeJSON(w, http.StatusInternalServerError, response{Error: "Webhook secret not configured"})
		return
	}
	if h.extractor == nil {
		slog.Error("email ingestion not configured")
		writeJSON(w, http.StatusInternalServerError, response{Error: "Email ingestion not configured"})
		return
	}

	deliveryID := r.Header.Get("svix-id")
	if deliveryID == "" || r.Header.Get("svix-timestamp") == "" || r.Header.Get("svix-signature") == "" {
		writeJSON(w, http.StatusUnauthorized, response{Error: "Missing required webhook headers"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, response{Error: "could not read body"})
		return
	}
	if err := h.verifier.Verify(body, r.Header); err != nil {
		slog.Warn("webhook signature rejected", "delivery_id", deliveryID, "error", err)
		writeJSON(w, http.StatusUnauthorized, response{Error: "Invalid webhook signature"})
		return
	}

	event, err := Decode(body)
	if errors.Is(err, ErrUnknownEvent) {
		slog.Warn("ignoring unknown webhook event", "delivery_id", deliveryID, "error", err)
		writeJSON(w, http.StatusOK, response{Success: true, Ignored: true})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusBadRequest, response{Error: err.Error()})
		return
	}

	received, ok := event.(ReceivedEvent)
	if !ok {
		slog.Debug("ignoring outbound email event", "type", event.Type())
		writeJSON(w, http.StatusOK, response{Success: true, Ignored: true})
		return
	}

	status, resp := h.process(r.Context(), deliveryID, received)
	writeJSON(w, status, resp)
}

// process runs resolution, extraction and persistence for one delivery.
func (h *Handler) process(ctx context.Context, deliveryID string, ev ReceivedEvent) (int, response) {
	started := time.Now()
	logger := slog.With("delivery_id", deliveryID, "email_id", ev.EmailID)

	recipient := ev.To.First()
	if recipient == "" {
		return http.StatusBadRequest, response{Error: "No recipient email found in payload"}
	}

	if h.dedup != nil {
		isNew, err := h.dedup.IsNew(ctx, deliveryID)
		if err != nil {
			logger.Warn("dedup check failed, proceeding", "error", err)
		} else if !isNew {
			logger.Info("skipping duplicate delivery")
			return http.StatusOK, response{Success: true, Duplicate: true}
		}
	}

	status, resp, orgID, err := h.ingest(ctx, logger, recipient, ev)
	if err != nil && h.dedup != nil {
		// Let the provider's retry through
		if ferr := h.dedup.Forget(context.WithoutCancel(ctx), deliveryID); ferr != nil {
			logger.Warn("failed to forget delivery", "error", ferr)
		}
	}
	if h.tracker != nil && orgID != "" {
		h.tracker.Track(analytics.Event{
			Name:           analytics.EventEmailIngested,
			OrganizationID: orgID,
			Kind:           "webhook",
			Latency:        time.Since(started),
			Err:            err,
		})
	}
	return status, resp
}

func (h *Handler) ingest(ctx context.Context, logger *slog.Logger, recipient string, ev ReceivedEvent) (int, response, string, error) {
	org, err := h.orgs.OrganizationByRecipient(ctx, recipient)
	if err != nil {
		logger.Error("organization lookup failed", "recipient", recipient, "error", err)
		return http.StatusInternalServerError, response{Error: "organization lookup failed"}, "", err
	}
	if org == nil {
		logger.Error("no organization for recipient", "recipient", recipient)
		err := fmt.Errorf("no organization found for email: %s", recipient)
		return http.StatusNotFound, response{Error: err.Error()}, "", err
	}
	logger = logger.With("organization", org.ID)

	content, err := h.extractor.Extract(ctx, ev.EmailID, org.ID)
	if err != nil {
		logger.Error("attachment extraction failed", "error", err)
		return http.StatusBadGateway, response{Error: "failed to fetch email content"}, org.ID, err
	}

	in := models.InboundEmail{
		ProviderEmailID: ev.EmailID,
		OrganizationID:  org.ID,
		Sender:          firstNonEmpty(content.Sender, ev.From),
		Recipient:       firstNonEmpty(content.Recipient, recipient),
		Subject:         firstNonEmpty(content.Subject, ev.Subject),
		TextContent:     content.Text,
		ImageURLs:       content.ImageURLs,
	}

	email, err := h.emails.InsertEmail(ctx, in)
	if errors.Is(err, store.ErrDuplicateEmail) {
		logger.Info("email already ingested, discarding new uploads")
		h.extractor.Discard(context.WithoutCancel(ctx), content.Keys)
		return http.StatusOK, response{Success: true, Duplicate: true}, org.ID, nil
	}
	if err != nil {
		logger.Error("failed to persist email, discarding uploads", "error", err, "uploads", len(content.Keys))
		h.extractor.Discard(context.WithoutCancel(ctx), content.Keys)
		return http.StatusInternalServerError, response{Error: "failed to persist email"}, org.ID, err
	}

	logger.Info("email ingested", "id", email.ID, "images", len(in.ImageURLs))
	return http.StatusOK, response{Success: true, EmailID: email.ID}, org.ID, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
