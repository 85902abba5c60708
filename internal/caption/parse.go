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
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strings"
)

var (
	leadingFence  = regexp.MustCompile("^```(?:json|JSON)?\n?")
	trailingFence = regexp.MustCompile("\n?```$")
)

// stripFences removes an optional markdown code fence around a reply.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = leadingFence.ReplaceAllString(s, "")
		s = trailingFence.ReplaceAllString(s, "")
	}
	return s
}

// selection is one validated entry of a multi-post reply.
type selection struct {
	Index   int // 0-based
	Caption string
}

// parseCombined extracts the single caption of a combined reply.
func parseCombined(reply string) (string, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal([]byte(stripFences(reply)), &top); err != nil || top == nil {
		return "", fmt.Errorf("%w: not a JSON object", ErrMalformedResponse)
	}

	raw, ok := top["caption"]
	if !ok {
		return "", fmt.Errorf("%w: missing caption", ErrMalformedResponse)
	}
	caption, ok := decodeString(raw)
	if !ok {
		return "", fmt.Errorf("%w: caption is not a string", ErrMalformedResponse)
	}
	return caption, nil
}

// parseBatch extracts the selected images of a multi-post reply. Entries
// with a missing field, a non-string caption, or an image_index outside
// 1..n are skipped. A reply without a posts array is malformed.
func parseBatch(reply string, n int) ([]selection, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal([]byte(stripFences(reply)), &top); err != nil || top == nil {
		return nil, fmt.Errorf("%w: not a JSON object", ErrMalformedResponse)
	}

	raw, ok := top["posts"]
	if !ok {
		return nil, fmt.Errorf("%w: missing posts array", ErrMalformedResponse)
	}
	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil || entries == nil {
		return nil, fmt.Errorf("%w: posts is not an array", ErrMalformedResponse)
	}

	var out []selection
	for _, entry := range entries {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(entry, &fields); err != nil || fields == nil {
			continue
		}

		caption, ok := decodeString(fields["caption"])
		if !ok {
			continue
		}
		var index float64
		if err := json.Unmarshal(fields["image_index"], &index); err != nil {
			continue
		}
		if index != math.Trunc(index) || index < 1 || index > float64(n) {
			continue
		}

		out = append(out, selection{Index: int(index) - 1, Caption: caption})
	}
	return out, nil
}

// decodeString reports whether raw is a JSON string; null does not count.
func decodeString(raw json.RawMessage) (string, bool) {
	var s *string
	if err := json.Unmarshal(raw, &s); err != nil || s == nil {
		return "", false
	}
	return *s, true
}
