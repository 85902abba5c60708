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

package resend

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ReceivedEmail is the subset of a received email the pipeline uses.
type ReceivedEmail struct {
	ID        string     `json:"id"`
	From      string     `json:"from"`
	To        Recipients `json:"to"`
	Subject   string     `json:"subject"`
	Text      string     `json:"text"`
	HTML      string     `json:"html"`
	CreatedAt string     `json:"created_at"`
}

// Attachment describes one attachment of a received email.
type Attachment struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	DownloadURL string `json:"download_url"`
}

// IsImage reports whether the attachment has an image content type.
func (a Attachment) IsImage() bool {
	return strings.HasPrefix(strings.ToLower(a.ContentType), "image/")
}

type attachmentList struct {
	Object string       `json:"object"`
	Data   []Attachment `json:"data"`
}

// Recipients decodes a JSON string or array of strings.
type Recipients []string

func (r *Recipients) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		if one == "" {
			*r = nil
		} else {
			*r = Recipients{one}
		}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return fmt.Errorf("recipients: expected string or array of strings")
	}
	*r = many
	return nil
}

// First returns the first recipient, lower-cased and trimmed.
func (r Recipients) First() string {
	if len(r) == 0 {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(r[0]))
}

type apiError struct {
	StatusCode int    `json:"statusCode"`
	Name       string `json:"name"`
	Message    string `json:"message"`
}

func decodeJSON(body io.Reader, out any) error {
	if err := json.NewDecoder(body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	var e apiError
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&e); err != nil || e.Message == "" {
		return fmt.Errorf("resend API returned HTTP %d", resp.StatusCode)
	}
	return fmt.Errorf("resend API returned HTTP %d: %s: %s", resp.StatusCode, e.Name, e.Message)
}
