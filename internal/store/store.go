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

// Package store persists organizations, inbound emails and generated posts
// in Postgres.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/classfeed/postgen/internal/models"
)

// ErrDuplicateEmail means an email with the same provider id already exists.
var ErrDuplicateEmail = errors.New("email already ingested")

const uniqueViolation = "23505"

// Store provides the queries used by the generation pipeline.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a store backed by pool and ensures the schema exists.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	slog.Info("store initialised")
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS organizations (
			id              TEXT PRIMARY KEY,
			name            TEXT NOT NULL DEFAULT '',
			recipient_email TEXT NOT NULL UNIQUE,
			cron_schedule   TEXT NOT NULL DEFAULT '',
			cron_enabled    BOOLEAN NOT NULL DEFAULT FALSE,
			cron_job_id     TEXT,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS digest_recipients (
			organization_id TEXT NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
			email           TEXT NOT NULL,
			PRIMARY KEY (organization_id, email)
		);
		CREATE TABLE IF NOT EXISTS emails (
			id                TEXT PRIMARY KEY,
			organization_id   TEXT NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
			provider_email_id TEXT UNIQUE,
			sender            TEXT NOT NULL,
			recipient         TEXT NOT NULL,
			subject           TEXT NOT NULL DEFAULT '',
			raw_text          TEXT NOT NULL DEFAULT '',
			received_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_emails_org_received ON emails(organization_id, received_at);
		CREATE TABLE IF NOT EXISTS parsed_email_content (
			email_id     TEXT NOT NULL UNIQUE REFERENCES emails(id) ON DELETE CASCADE,
			text_content TEXT NOT NULL DEFAULT '',
			image_urls   TEXT[] NOT NULL DEFAULT '{}',
			processed    BOOLEAN NOT NULL DEFAULT TRUE
		);
		CREATE TABLE IF NOT EXISTS posts (
			id                TEXT PRIMARY KEY,
			organization_id   TEXT NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
			email_id          TEXT REFERENCES emails(id) ON DELETE SET NULL,
			caption_text      TEXT NOT NULL,
			source_image_url  TEXT,
			source_image_urls TEXT[] NOT NULL DEFAULT '{}',
			is_user_generated BOOLEAN NOT NULL DEFAULT FALSE,
			created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_posts_org_created ON posts(organization_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_posts_email ON posts(email_id);
		CREATE UNIQUE INDEX IF NOT EXISTS uniq_posts_auto_source
			ON posts(email_id, source_image_url) WHERE NOT is_user_generated;
	`)
	return err
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.pool.Ping(ctx)
}

const organizationColumns = `id, name, recipient_email, cron_schedule, cron_enabled, cron_job_id, created_at`

// GetOrganization returns the organization or nil if it does not exist.
func (s *Store) GetOrganization(ctx context.Context, id string) (*models.Organization, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+organizationColumns+` FROM organizations WHERE id = $1`, id)
	return scanOrganization(row)
}

// OrganizationByRecipient resolves the organization that receives mail at
// address, case-insensitively.
func (s *Store) OrganizationByRecipient(ctx context.Context, address string) (*models.Organization, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+organizationColumns+`
		FROM organizations
		WHERE lower(recipient_email) = $1
	`, strings.ToLower(strings.TrimSpace(address)))
	return scanOrganization(row)
}

// ListScheduledOrganizations returns organizations with an enabled schedule.
func (s *Store) ListScheduledOrganizations(ctx context.Context) ([]models.Organization, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+organizationColumns+`
		FROM organizations
		WHERE cron_enabled AND cron_schedule <> ''
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orgs []models.Organization
	for rows.Next() {
		o, err := scanOrganization(rows)
		if err != nil {
			return nil, err
		}
		orgs = append(orgs, *o)
	}
	return orgs, rows.Err()
}

// SaveSchedule persists the schedule fields. An empty jobID clears the
// stored trigger handle; an empty spec keeps the current schedule text.
func (s *Store) SaveSchedule(ctx context.Context, orgID, spec string, enabled bool, jobID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE organizations
		SET cron_schedule = COALESCE(NULLIF($2, ''), cron_schedule),
		    cron_enabled  = $3,
		    cron_job_id   = $4
		WHERE id = $1
	`, orgID, spec, enabled, nullable(jobID))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("organization %s not found", orgID)
	}
	return nil
}

// DigestRecipients returns the addresses that receive an organization's
// daily digest.
func (s *Store) DigestRecipients(ctx context.Context, orgID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT email FROM digest_recipients WHERE organization_id = $1 ORDER BY email
	`, orgID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// InsertEmail persists an inbound email and its parsed content in one
// transaction. A repeated provider id returns ErrDuplicateEmail.
func (s *Store) InsertEmail(ctx context.Context, in models.InboundEmail) (*models.Email, error) {
	e := &models.Email{
		ID:              uuid.NewString(),
		OrganizationID:  in.OrganizationID,
		ProviderEmailID: in.ProviderEmailID,
		Sender:          in.Sender,
		Recipient:       in.Recipient,
		Subject:         in.Subject,
		RawText:         in.TextContent,
	}
	urls := in.ImageURLs
	if urls == nil {
		urls = []string{}
	}

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO emails (id, organization_id, provider_email_id, sender, recipient, subject, raw_text)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING received_at
		`, e.ID, e.OrganizationID, nullable(e.ProviderEmailID), e.Sender, e.Recipient, e.Subject, e.RawText).Scan(&e.ReceivedAt)
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO parsed_email_content (email_id, text_content, image_urls, processed)
			VALUES ($1, $2, $3, TRUE)
		`, e.ID, in.TextContent, urls)
		return err
	})

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateEmail, in.ProviderEmailID)
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// GetEmail returns the email or nil if it does not exist.
func (s *Store) GetEmail(ctx context.Context, id string) (*models.Email, error) {
	var e models.Email
	var providerID *string
	err := s.pool.QueryRow(ctx, `
		SELECT id, organization_id, provider_email_id, sender, recipient, subject, raw_text, received_at
		FROM emails
		WHERE id = $1
	`, id).Scan(&e.ID, &e.OrganizationID, &providerID, &e.Sender, &e.Recipient, &e.Subject, &e.RawText, &e.ReceivedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.ProviderEmailID = deref(providerID)
	return &e, nil
}

// EmailsWithImages returns the organization's emails received within
// [start, end] that carry at least one image, oldest first. Text falls back
// to the raw body when no parsed text exists.
func (s *Store) EmailsWithImages(ctx context.Context, orgID string, start, end time.Time) ([]models.EmailWithImages, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT e.id, e.sender, e.subject,
		       COALESCE(NULLIF(p.text_content, ''), e.raw_text),
		       p.image_urls, e.received_at
		FROM emails e
		JOIN parsed_email_content p ON p.email_id = e.id
		WHERE e.organization_id = $1
		  AND e.received_at BETWEEN $2 AND $3
		  AND cardinality(p.image_urls) > 0
		ORDER BY e.received_at, e.id
	`, orgID, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.EmailWithImages
	for rows.Next() {
		var e models.EmailWithImages
		if err := rows.Scan(&e.ID, &e.Sender, &e.Subject, &e.TextContent, &e.ImageURLs, &e.ReceivedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// EmailIDsWithPosts reports which of emailIDs already have a post.
func (s *Store) EmailIDsWithPosts(ctx context.Context, emailIDs []string) (map[string]bool, error) {
	found := make(map[string]bool)
	if len(emailIDs) == 0 {
		return found, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT email_id FROM posts WHERE email_id = ANY($1)
	`, emailIDs)
	if err != nil {
		return nil, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		found[id] = true
	}
	return found, nil
}

// CreatePosts inserts posts for orgID, assigning ids and creation times.
// An automatic post for an email image that already has one is skipped,
// so the result may be shorter than the input.
func (s *Store) CreatePosts(ctx context.Context, orgID string, posts []models.GeneratedPost) ([]models.Post, error) {
	if len(posts) == 0 {
		return nil, nil
	}

	var saved []models.Post
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		saved = saved[:0]
		for _, gp := range posts {
			p := models.Post{
				ID:              uuid.NewString(),
				OrganizationID:  orgID,
				EmailID:         gp.EmailID,
				CaptionText:     gp.CaptionText,
				SourceImageURL:  gp.SourceImageURL,
				SourceImageURLs: gp.SourceImageURLs,
				IsUserGenerated: gp.IsUserGenerated,
			}
			urls := p.SourceImageURLs
			if urls == nil {
				urls = []string{}
			}

			err := tx.QueryRow(ctx, `
				INSERT INTO posts (id, organization_id, email_id, caption_text, source_image_url, source_image_urls, is_user_generated)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
				ON CONFLICT (email_id, source_image_url) WHERE NOT is_user_generated DO NOTHING
				RETURNING created_at
			`, p.ID, orgID, nullable(p.EmailID), p.CaptionText, nullable(p.SourceImageURL), urls, p.IsUserGenerated).Scan(&p.CreatedAt)
			if errors.Is(err, pgx.ErrNoRows) {
				slog.Warn("skipping duplicate post", "email_id", p.EmailID, "image", p.SourceImageURL)
				continue
			}
			if err != nil {
				return err
			}
			saved = append(saved, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

// PostsForRange returns the organization's posts created within [start, end],
// oldest first.
func (s *Store) PostsForRange(ctx context.Context, orgID string, start, end time.Time, includeUserGenerated bool) ([]models.Post, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, organization_id, email_id, caption_text, source_image_url,
		       source_image_urls, is_user_generated, created_at
		FROM posts
		WHERE organization_id = $1
		  AND created_at BETWEEN $2 AND $3
		  AND ($4 OR NOT is_user_generated)
		ORDER BY created_at, id
	`, orgID, start, end, includeUserGenerated)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Post
	for rows.Next() {
		var p models.Post
		var emailID, sourceURL *string
		if err := rows.Scan(&p.ID, &p.OrganizationID, &emailID, &p.CaptionText, &sourceURL,
			&p.SourceImageURLs, &p.IsUserGenerated, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.EmailID = deref(emailID)
		p.SourceImageURL = deref(sourceURL)
		out = append(out, p)
	}
	return out, rows.Err()
}

// scanOrganization scans a single organization row.
func scanOrganization(row pgx.Row) (*models.Organization, error) {
	var o models.Organization
	var jobID *string
	err := row.Scan(&o.ID, &o.Name, &o.RecipientEmail, &o.CronSchedule, &o.CronEnabled, &jobID, &o.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	o.CronJobID = deref(jobID)
	return &o, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
