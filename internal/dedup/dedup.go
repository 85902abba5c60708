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

// Package dedup provides Redis-backed idempotence for webhook deliveries
// and a single-flight lock for generation runs.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// DefaultTTL is how long a delivery id is remembered. The webhook
	// provider stops redelivering well within a day.
	DefaultTTL = 24 * time.Hour

	seenPrefix = "postgen:seen:"
	lockPrefix = "postgen:lock:"
)

// releaseScript deletes a lock only if it still holds the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type Filter struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewFilter(rdb *redis.Client) *Filter {
	return &Filter{
		rdb: rdb,
		ttl: DefaultTTL,
	}
}

// IsNew reports whether deliveryID has not been seen before, marking it seen.
func (f *Filter) IsNew(ctx context.Context, deliveryID string) (bool, error) {
	// SET NX = set only if key does not exist. Returns true if the key was set.
	set, err := f.rdb.SetNX(ctx, seenPrefix+deliveryID, 1, f.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup SETNX: %w", err)
	}
	return set, nil
}

// Forget unmarks deliveryID so a failed delivery can be processed on retry.
func (f *Filter) Forget(ctx context.Context, deliveryID string) error {
	if err := f.rdb.Del(ctx, seenPrefix+deliveryID).Err(); err != nil {
		return fmt.Errorf("dedup DEL: %w", err)
	}
	return nil
}

// Acquire takes the lock named key for at most ttl. ok is false when another
// holder has it. The returned token must be passed to Release.
func (f *Filter) Acquire(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error) {
	token = uuid.NewString()
	ok, err = f.rdb.SetNX(ctx, lockPrefix+key, token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("lock SETNX: %w", err)
	}
	return token, ok, nil
}

// Release frees key if it is still held with token.
func (f *Filter) Release(ctx context.Context, key, token string) error {
	if err := releaseScript.Run(ctx, f.rdb, []string{lockPrefix + key}, token).Err(); err != nil {
		return fmt.Errorf("lock release: %w", err)
	}
	return nil
}
