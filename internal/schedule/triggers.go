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

package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/atomic"
)

// ErrUnknownTrigger is returned when cancelling a handle that is not
// registered, for example one stored before a restart.
var ErrUnknownTrigger = errors.New("unknown trigger")

// parser accepts five fields or six with a leading seconds field.
var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSpec validates a cron spec without registering it.
func ParseSpec(spec string) error {
	_, err := parser.Parse(spec)
	return err
}

// CronTriggers is an in-process trigger registry. Specs are evaluated in UTC.
// Handles are random ids, so a handle persisted by a previous process never
// aliases a live entry.
type CronTriggers struct {
	cron    *cron.Cron
	mu      sync.Mutex
	entries map[string]cron.EntryID
	live    *atomic.Int64
	started *atomic.Bool
}

func NewCronTriggers() *CronTriggers {
	return &CronTriggers{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)),
		),
		entries: make(map[string]cron.EntryID),
		live:    atomic.NewInt64(0),
		started: atomic.NewBool(false),
	}
}

// Register schedules job on spec and returns its handle.
func (t *CronTriggers) Register(spec string, job func()) (string, error) {
	id, err := t.cron.AddFunc(spec, job)
	if err != nil {
		return "", fmt.Errorf("add cron entry: %w", err)
	}

	handle := uuid.NewString()
	t.mu.Lock()
	t.entries[handle] = id
	t.mu.Unlock()
	t.live.Inc()

	return handle, nil
}

// Cancel removes the trigger registered under handle.
func (t *CronTriggers) Cancel(handle string) error {
	t.mu.Lock()
	id, ok := t.entries[handle]
	delete(t.entries, handle)
	t.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTrigger, handle)
	}
	t.cron.Remove(id)
	t.live.Dec()
	return nil
}

// Len returns the number of registered triggers.
func (t *CronTriggers) Len() int {
	return int(t.live.Load())
}

// Next returns the next fire time of handle, or the zero time if unknown.
func (t *CronTriggers) Next(handle string) time.Time {
	t.mu.Lock()
	id, ok := t.entries[handle]
	t.mu.Unlock()
	if !ok {
		return time.Time{}
	}
	return t.cron.Entry(id).Next
}

// Start begins firing triggers. It is a no-op when already started.
func (t *CronTriggers) Start() {
	if t.started.CompareAndSwap(false, true) {
		t.cron.Start()
	}
}

// Stop halts the scheduler and waits for running jobs until ctx is done.
func (t *CronTriggers) Stop(ctx context.Context) {
	if !t.started.CompareAndSwap(true, false) {
		return
	}
	select {
	case <-t.cron.Stop().Done():
	case <-ctx.Done():
		slog.Warn("stopped waiting for running scheduled jobs", "error", ctx.Err())
	}
}
