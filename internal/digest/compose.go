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
	"fmt"
	"html/template"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/classfeed/postgen/internal/models"
)

// captionPreview is the number of caption characters shown per post.
const captionPreview = 150

const heading = "Hello, here are the posts that've been generated today."

var htmlTemplate = template.Must(template.New("digest").
	Funcs(template.FuncMap{"inc": func(i int) int { return i + 1 }}).
	Parse(`<!DOCTYPE html>
<html>
<body style="max-width:600px;margin:0 auto;padding:20px;font-family:sans-serif">
<h1 style="font-size:24px;font-weight:600;margin-bottom:24px;color:#111827">{{.Heading}}</h1>
{{range $i, $p := .Posts}}<div style="margin-bottom:32px;padding:24px;border:1px solid #e5e7eb;border-radius:8px">
<h2 style="font-size:20px;font-weight:600;margin:0 0 16px 0;color:#111827">Post {{inc $i}}</h2>
<table style="width:100%"><tbody><tr>
<td style="width:50%;padding-right:24px;vertical-align:top">{{if $p.ImageURL}}<img alt="Post Image" height="220" style="width:100%;border-radius:8px;object-fit:cover" src="{{$p.ImageURL}}">{{end}}</td>
<td style="width:50%;padding-left:24px;vertical-align:top">
<p style="margin:0 0 12px 0;font-size:16px;line-height:24px;color:#6b7280">{{$p.Description}}</p>
<a href="{{$.SiteURL}}" style="display:inline-block;border-radius:8px;background-color:#4f46e5;padding:12px 16px;color:#ffffff;font-weight:600;text-decoration:none">View Post</a>
</td>
</tr></tbody></table>
</div>
{{end}}</body>
</html>
`))

type entry struct {
	ImageURL    string
	Description string
}

type view struct {
	Heading string
	SiteURL string
	Posts   []entry
}

// Message is a rendered digest ready to be written as MIME.
type Message struct {
	From    *mail.Address
	To      *mail.Address
	Subject string
	Date    time.Time
	Text    string
	HTML    string
}

// Subject returns the digest subject for the local day of start.
func Subject(localStart time.Time) string {
	return "Daily Post Digest - " + localStart.Format("1/2/2006")
}

// Truncate shortens caption to the preview length, marking the cut with "...".
func Truncate(caption string) string {
	runes := []rune(caption)
	if len(runes) <= captionPreview {
		return caption
	}
	return string(runes[:captionPreview]) + "..."
}

// Render builds the plain-text and HTML bodies listing posts.
func Render(posts []models.Post, siteURL string) (text, html string, err error) {
	v := view{Heading: heading, SiteURL: siteURL}
	var tb strings.Builder
	tb.WriteString(heading + "\n\n")
	for i, p := range posts {
		imageURL := p.SourceImageURL
		if imageURL == "" && len(p.SourceImageURLs) > 0 {
			imageURL = p.SourceImageURLs[0]
		}
		e := entry{ImageURL: imageURL, Description: Truncate(p.CaptionText)}
		v.Posts = append(v.Posts, e)

		fmt.Fprintf(&tb, "Post %d\n%s\n", i+1, e.Description)
		if e.ImageURL != "" {
			fmt.Fprintf(&tb, "Image: %s\n", e.ImageURL)
		}
		fmt.Fprintf(&tb, "View post: %s\n\n", siteURL)
	}

	var hb bytes.Buffer
	if err := htmlTemplate.Execute(&hb, v); err != nil {
		return "", "", fmt.Errorf("render digest html: %w", err)
	}
	return tb.String(), hb.String(), nil
}

// WriteTo writes m as a multipart/alternative message.
func (m *Message) WriteTo(w io.Writer) error {
	var h mail.Header
	h.SetDate(m.Date)
	h.SetAddressList("From", []*mail.Address{m.From})
	h.SetAddressList("To", []*mail.Address{m.To})
	h.SetSubject(m.Subject)
	if err := h.GenerateMessageID(); err != nil {
		return fmt.Errorf("message id: %w", err)
	}

	iw, err := mail.CreateInlineWriter(w, h)
	if err != nil {
		return fmt.Errorf("create inline writer: %w", err)
	}
	if err := writePart(iw, "text/plain", m.Text); err != nil {
		return err
	}
	if err := writePart(iw, "text/html", m.HTML); err != nil {
		return err
	}
	return iw.Close()
}

// Bytes returns the encoded message.
func (m *Message) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := m.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writePart(iw *mail.InlineWriter, contentType, body string) error {
	var ph mail.InlineHeader
	ph.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	pw, err := iw.CreatePart(ph)
	if err != nil {
		return fmt.Errorf("create %s part: %w", contentType, err)
	}
	if _, err := io.WriteString(pw, body); err != nil {
		pw.Close()
		return fmt.Errorf("write %s part: %w", contentType, err)
	}
	return pw.Close()
}
