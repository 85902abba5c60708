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
	"bytes"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/classfeed/postgen/internal/models"
)

func TestTruncate(t *testing.T) {
	short := "Field day was a blast!"
	if got := Truncate(short); got != short {
		t.Errorf("Truncate(short) = %q", got)
	}

	long := strings.Repeat("é", 200)
	got := Truncate(long)
	if !strings.HasSuffix(got, "...") || len([]rune(got)) != 153 {
		t.Errorf("Truncate(long) has %d runes", len([]rune(got)))
	}
}

func TestSubject(t *testing.T) {
	day := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	if got := Subject(day); got != "Daily Post Digest - 3/14/2026" {
		t.Errorf("Subject = %q", got)
	}
}

func TestRender(t *testing.T) {
	list := []models.Post{
		{CaptionText: "Science fair winners <3", SourceImageURL: "https://cdn.example.com/a.jpg"},
		{CaptionText: strings.Repeat("x", 151), SourceImageURLs: []string{"https://cdn.example.com/b.jpg"}},
		{CaptionText: "No image"},
	}

	text, html, err := Render(list, "https://app.example.com")
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	for _, want := range []string{"Post 1", "Post 3", "https://cdn.example.com/b.jpg", strings.Repeat("x", 150) + "..."} {
		if !strings.Contains(text, want) {
			t.Errorf("text missing %q", want)
		}
	}
	if !strings.Contains(html, "Science fair winners &lt;3") {
		t.Error("html caption should be escaped")
	}
	if strings.Count(html, "<img") != 2 {
		t.Errorf("html has %d images, want 2", strings.Count(html, "<img"))
	}
	if !strings.Contains(html, `href="https://app.example.com"`) {
		t.Error("html missing site link")
	}
}

func TestMessageWriteTo(t *testing.T) {
	msg := &Message{
		From:    &mail.Address{Name: "Lincoln Elementary", Address: "posts@inbound.example"},
		To:      &mail.Address{Address: "principal@school.example"},
		Subject: "Daily Post Digest - 3/14/2026",
		Date:    time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC),
		Text:    "plain body",
		HTML:    "<p>html body</p>",
	}
	raw, err := msg.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}

	r, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("CreateReader: %v", err)
	}
	if subject, _ := r.Header.Subject(); subject != msg.Subject {
		t.Errorf("subject = %q", subject)
	}
	from, err := r.Header.AddressList("From")
	if err != nil || len(from) != 1 || from[0].Name != "Lincoln Elementary" {
		t.Errorf("from = %v, %v", from, err)
	}

	bodies := map[string]string{}
	for {
		p, err := r.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("NextPart: %v", err)
		}
		h, ok := p.Header.(*mail.InlineHeader)
		if !ok {
			t.Fatalf("unexpected part header %T", p.Header)
		}
		ct, _, _ := h.ContentType()
		b, _ := io.ReadAll(p.Body)
		bodies[ct] = string(b)
	}
	if bodies["text/plain"] != "plain body" || bodies["text/html"] != "<p>html body</p>" {
		t.Errorf("parts = %v", bodies)
	}
}
