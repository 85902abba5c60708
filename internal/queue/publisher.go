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

// Package queue carries digest email jobs over a Redis list.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DigestJob asks the digest worker to mail an organization its posts
// created within [Start, End].
type DigestJob struct {
	ID                   string    `json:"id"`
	OrganizationID       string    `json:"organization_id"`
	Start                time.Time `json:"start"`
	End                  time.Time `json:"end"`
	IncludeUserGenerated bool      `json:"include_user_generated"`
	EnqueuedAt           time.Time `json:"enqueued_at"`
}

type Publisher struct {
	rdb       *redis.Client
	queueName string
}

func NewPublisher(rdb *redis.Client, queueName string) *Publisher {
	return &Publisher{
		rdb:       rdb,
		queueName: queueName,
	}
}

// PublishDigest pushes job onto the queue, assigning an id when empty.
func (p *Publisher) PublishDigest(ctx context.Context, job DigestJob) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}

	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal digest job: %w", err)
	}

	// Consumers BRPOP from the other end, so the list is FIFO
	if err := p.rdb.LPush(ctx, p.queueName, body).Err(); err != nil {
		return fmt.Errorf("redis LPUSH: %w", err)
	}

	slog.Info("published digest job",
		"job_id", job.ID,
		"organization", job.OrganizationID,
		"queue", p.queueName,
	)
	return nil
}

func (p *Publisher) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return p.rdb.Ping(ctx).Err()
}

// Consumer pops digest jobs from the queue.
type Consumer struct {
	rdb       *redis.Client
	queueName string
	wait      time.Duration
}

func NewConsumer(rdb *redis.Client, queueName string) *Consumer {
	return &Consumer{
		rdb:       rdb,
		queueName: queueName,
		wait:      5 * time.Second,
	}
}

// Next blocks until a job is available or the poll window elapses. It
// returns nil, nil when the window elapses with no job.
func (c *Consumer) Next(ctx context.Context) (*DigestJob, error) {
	res, err := c.rdb.BRPop(ctx, c.wait, c.queueName).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis BRPOP: %w", err)
	}

	// res is [queue, value]
	var job DigestJob
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		return nil, fmt.Errorf("decode digest job: %w", err)
	}
	return &job, nil
}
