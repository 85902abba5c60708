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

package blob

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type recordedRequest struct {
	method      string
	path        string
	contentType string
	body        []byte
}

func newTestStore(t *testing.T) (*Store, *[]recordedRequest, func()) {
	t.Helper()
	var mu sync.Mutex
	var reqs []recordedRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		reqs = append(reqs, recordedRequest{r.Method, r.URL.Path, r.Header.Get("Content-Type"), body})
		mu.Unlock()
		if r.Method == http.MethodDelete {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	client := s3.New(s3.Options{
		Region:                     "us-east-1",
		BaseEndpoint:               aws.String(server.URL),
		UsePathStyle:               true,
		Credentials:                credentials.NewStaticCredentialsProvider("AKID", "SECRET", ""),
		RequestChecksumCalculation: aws.RequestChecksumCalculationWhenRequired,
	})
	store := NewWithClient(client, Options{Bucket: "attachments", PublicBaseURL: "https://cdn.example.com/"})
	return store, &reqs, server.Close
}

func TestPutAndDelete(t *testing.T) {
	store, reqs, closeFn := newTestStore(t)
	defer closeFn()

	url, err := store.Put(context.Background(), "org-1/em_1/0-fair day.jpg", "image/jpeg", []byte("jpg"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if url != "https://cdn.example.com/org-1/em_1/0-fair%20day.jpg" {
		t.Errorf("url = %q", url)
	}

	if err := store.Delete(context.Background(), "org-1/em_1/0-fair day.jpg"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if len(*reqs) != 2 {
		t.Fatalf("requests = %d, want 2", len(*reqs))
	}
	put := (*reqs)[0]
	if put.method != http.MethodPut || put.path != "/attachments/org-1/em_1/0-fair day.jpg" || put.contentType != "image/jpeg" {
		t.Errorf("put = %s %s (%s)", put.method, put.path, put.contentType)
	}
	if (*reqs)[1].method != http.MethodDelete {
		t.Errorf("second request = %s, want DELETE", (*reqs)[1].method)
	}
}

func TestURL_DefaultBase(t *testing.T) {
	s := NewWithClient(nil, Options{Bucket: "b", Region: "us-east-2"})
	if got := s.URL("a/b.png"); got != "https://b.s3.us-east-2.amazonaws.com/a/b.png" {
		t.Errorf("URL = %q", got)
	}
}
