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

package digest

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/classfeed/postgen/internal/queue"
)

const retryPause = time.Second

// Jobs yields queued digest jobs. Next returns nil, nil when no job arrived
// within its poll window.
type Jobs interface {
	Next(ctx context.Context) (*queue.DigestJob, error)
}

// Worker sends digests for jobs taken from the queue.
type Worker struct {
	jobs    Jobs
	service *Service

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewWorker(jobs Jobs, service *Service) *Worker {
	return &Worker{jobs: jobs, service: service}
}

// Start runs the consume loop in the background until Stop is called.
func (w *Worker) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.wg.Add(1)
	go w.loop(loopCtx)
	slog.Info("digest worker started")
}

// Stop ends the consume loop and waits for an in-flight job.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

func (w *Worker) loop(ctx context.Context) {
	defer w.wg.Done()
	for ctx.Err() == nil {
		job, err := w.jobs.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			slog.Error("digest queue read failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(retryPause):
			}
			continue
		}
		if job == nil {
			continue
		}
		w.handle(ctx, job)
	}
}

func (w *Worker) handle(ctx context.Context, job *queue.DigestJob) {
	logger := slog.With("job_id", job.ID, "organization", job.OrganizationID)
	res, err := w.service.SendDaily(ctx, job.OrganizationID, job.Start, job.End, job.IncludeUserGenerated)
	if err != nil {
		logger.Error("digest send failed", "error", err)
		return
	}
	if !res.Success {
		logger.Info("digest skipped", "reason", res.Message)
	}
}
