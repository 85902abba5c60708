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

package media

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
)

// imageServer serves a fixed body and records request methods.
type imageServer struct {
	mu          sync.Mutex
	methods     []string
	body        []byte
	contentType string
	headLength  int64 // overrides Content-Length on HEAD when > 0
	noHead      bool
}

func (s *imageServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.methods = append(s.methods, r.Method)
	s.mu.Unlock()

	if r.Method == http.MethodHead {
		if s.noHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		length := int64(len(s.body))
		if s.headLength > 0 {
			length = s.headLength
		}
		w.Header().Set("Content-Type", s.contentType)
		w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
		w.WriteHeader(http.StatusOK)
		return
	}

	w.Header().Set("Content-Type", s.contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(s.body)))
	w.Write(s.body)
}

func (s *imageServer) seen() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.methods...)
}

// TestResolve_SmallImageInline verifies HEAD sizing then inline download.
func TestResolve_SmallImageInline(t *testing.T) {
	img := &imageServer{body: []byte("fake-jpeg-bytes"), contentType: "image/jpg"}
	server := httptest.NewServer(img)
	defer server.Close()

	p, err := NewResolver(server.Client()).Resolve(context.Background(), server.URL+"/a.jpg")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if p.Encoding != EncodingInline {
		t.Errorf("encoding = %q, want inline", p.Encoding)
	}
	if p.MediaType != MediaTypeJPEG {
		t.Errorf("media type = %q, want image/jpeg", p.MediaType)
	}
	if p.Data != base64.StdEncoding.EncodeToString(img.body) {
		t.Errorf("data = %q, want base64 of body", p.Data)
	}

	methods := img.seen()
	if len(methods) != 2 || methods[0] != http.MethodHead || methods[1] != http.MethodGet {
		t.Errorf("methods = %v, want [HEAD GET]", methods)
	}
}

// TestResolve_HeadUnsupported verifies the GET fallback reuses the download.
func TestResolve_HeadUnsupported(t *testing.T) {
	img := &imageServer{body: []byte("png"), contentType: "image/png", noHead: true}
	server := httptest.NewServer(img)
	defer server.Close()

	p, err := NewResolver(server.Client()).Resolve(context.Background(), server.URL+"/a.png")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Encoding != EncodingInline || p.Size != 3 {
		t.Errorf("payload = %+v, want inline of 3 bytes", p)
	}

	methods := img.seen()
	if len(methods) != 2 || methods[1] != http.MethodGet {
		t.Errorf("methods = %v, want [HEAD GET]", methods)
	}
}

// TestResolve_LargeImageRemote verifies that images over the inline ceiling
// are passed by URL without being downloaded.
func TestResolve_LargeImageRemote(t *testing.T) {
	img := &imageServer{body: []byte("x"), contentType: "image/webp", headLength: 5 << 20}
	server := httptest.NewServer(img)
	defer server.Close()

	url := server.URL + "/big.webp"
	p, err := NewResolver(server.Client()).Resolve(context.Background(), url)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Encoding != EncodingRemote {
		t.Errorf("encoding = %q, want remote", p.Encoding)
	}
	if p.URL != url {
		t.Errorf("url = %q, want %q", p.URL, url)
	}
	if p.Data != "" {
		t.Error("remote payload should carry no data")
	}

	for _, m := range img.seen() {
		if m == http.MethodGet {
			t.Error("remote payload should not trigger a GET")
		}
	}
}

// TestResolve_TooLarge verifies the 25 MB skip signal.
func TestResolve_TooLarge(t *testing.T) {
	img := &imageServer{body: []byte("x"), contentType: "image/png", headLength: 25 << 20}
	server := httptest.NewServer(img)
	defer server.Close()

	_, err := NewResolver(server.Client()).Resolve(context.Background(), server.URL+"/huge.png")
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("err = %v, want ErrTooLarge", err)
	}
}

// TestResolve_FetchFailure verifies non-200 responses surface as errors.
func TestResolve_FetchFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	_, err := NewResolver(server.Client()).Resolve(context.Background(), server.URL+"/missing.png")
	if err == nil {
		t.Fatal("expected error for 404 image")
	}
	if errors.Is(err, ErrTooLarge) {
		t.Error("404 should not be reported as too large")
	}
}

// TestResolve_DataURL verifies inline data URLs resolve without network I/O.
func TestResolve_DataURL(t *testing.T) {
	data := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0x89}, 10))
	p, err := NewResolver(nil).Resolve(context.Background(), "data:image/gif;base64,"+data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.MediaType != MediaTypeGIF || p.Data != data || p.Size != 10 {
		t.Errorf("payload = %+v", p)
	}
}

func TestResolve_InvalidReference(t *testing.T) {
	if _, err := NewResolver(nil).Resolve(context.Background(), "ftp://example.com/a.png"); err == nil {
		t.Fatal("expected error for unsupported scheme")
	}
	if _, err := NewResolver(nil).Resolve(context.Background(), "data:image/png,notbase64"); err == nil {
		t.Fatal("expected error for non-base64 data URL")
	}
}

func TestNormalizeMediaType(t *testing.T) {
	tests := map[string]string{
		"image/png":                MediaTypePNG,
		"image/x-png":              MediaTypePNG,
		"IMAGE/JPEG; charset=bin":  MediaTypeJPEG,
		"image/jpg":                MediaTypeJPEG,
		"image/gif":                MediaTypeGIF,
		"image/webp":               MediaTypeWebP,
		"image/heic":               MediaTypePNG,
		"application/octet-stream": MediaTypePNG,
		"":                         MediaTypePNG,
	}
	for in, want := range tests {
		if got := NormalizeMediaType(in); got != want {
			t.Errorf("NormalizeMediaType(%q) = %q, want %q", in, got, want)
		}
	}
}
