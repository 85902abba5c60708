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

// Package digest mails organizations a summary of their generated posts.
package digest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/emersion/go-message/mail"
	"golang.org/x/sync/errgroup"

	"github.com/classfeed/postgen/internal/models"
	"github.com/classfeed/postgen/internal/posts"
)

const (
	defaultFrom  = "noreply@example.com"
	sendParallel = 4
)

// Store reads what a digest needs.
type Store interface {
	GetOrganization(ctx context.Context, id string) (*models.Organization, error)
	PostsForRange(ctx context.Context, orgID string, start, end time.Time, includeUserGenerated bool) ([]models.Post, error)
	DigestRecipients(ctx context.Context, orgID string) ([]string, error)
}

// Sender delivers an encoded message.
type Sender interface {
	Send(ctx context.Context, from string, to []string, msg []byte) error
}

// Result reports a digest send.
type Result struct {
	Success         bool   `json:"success"`
	Message         string `json:"message,omitempty"`
	RecipientsCount int    `json:"recipientsCount,omitempty"`
	PostsCount      int    `json:"postsCount,omitempty"`
}

type Service struct {
	store          Store
	sender         Sender
	siteURL        string
	timezoneOffset int
	now            func() time.Time
}

func NewService(store Store, sender Sender, siteURL string, timezoneOffset int) *Service {
	return &Service{
		store:          store,
		sender:         sender,
		siteURL:        siteURL,
		timezoneOffset: timezoneOffset,
		now:            time.Now,
	}
}

// ManualRange returns the range for a digest requested by hand. A missing
// bound defaults to the current local day; given bounds are widened to the
// start and end of their local day.
func (s *Service) ManualRange(start, end *time.Time) (time.Time, time.Time) {
	now := s.now()
	from, to := posts.DayBounds(now, s.timezoneOffset)
	if start != nil {
		from, _ = posts.DayBounds(*start, s.timezoneOffset)
	}
	if end != nil {
		_, to = posts.DayBounds(*end, s.timezoneOffset)
	}
	return from, to
}

// SendDaily mails the organization's posts created within [start, end] to
// each of its digest recipients. Automatic posts are always included;
// user-generated posts only when includeUserGenerated is set.
func (s *Service) SendDaily(ctx context.Context, orgID string, start, end time.Time, includeUserGenerated bool) (*Result, error) {
	logger := slog.With("organization", orgID)

	list, err := s.store.PostsForRange(ctx, orgID, start, end, includeUserGenerated)
	if err != nil {
		return nil, fmt.Errorf("load posts: %w", err)
	}
	if len(list) == 0 {
		logger.Info("no posts in range, skipping digest", "start", start, "end", end)
		return &Result{Message: "No posts to send"}, nil
	}

	recipients, err := s.store.DigestRecipients(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("load digest recipients: %w", err)
	}
	if len(recipients) == 0 {
		logger.Info("no digest recipients configured, skipping digest")
		return &Result{Message: "No email recipients configured"}, nil
	}

	org, err := s.store.GetOrganization(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("load organization: %w", err)
	}
	if org == nil {
		return nil, fmt.Errorf("organization %s not found", orgID)
	}

	text, html, err := Render(list, s.siteURL)
	if err != nil {
		return nil, err
	}

	fromAddr := org.RecipientEmail
	if fromAddr == "" {
		fromAddr = defaultFrom
	}
	from := &mail.Address{Name: org.Name, Address: fromAddr}
	subject := Subject(posts.LocalTime(start, s.timezoneOffset))

	// One message per recipient so addresses are not disclosed to each other
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sendParallel)
	for _, rcpt := range recipients {
		g.Go(func() error {
			msg := &Message{
				From:    from,
				To:      &mail.Address{Address: rcpt},
				Subject: subject,
				Date:    s.now(),
				Text:    text,
				HTML:    html,
			}
			raw, err := msg.Bytes()
			if err != nil {
				return err
			}
			if err := s.sender.Send(gctx, fromAddr, []string{rcpt}, raw); err != nil {
				return fmt.Errorf("send digest to %s: %w", rcpt, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	logger.Info("sent daily digest", "recipients", len(recipients), "posts", len(list))
	return &Result{Success: true, RecipientsCount: len(recipients), PostsCount: len(list)}, nil
}
