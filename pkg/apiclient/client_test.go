/*
Copyright 2026 The Screwdriver Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package apiclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestPostEventSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing bearer auth header")
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := New(nil)
	err := c.PostEvent(context.Background(), srv.URL, "tok", EventBody{PipelineID: 1, StartFrom: "~commit"})
	if err != nil {
		t.Fatalf("PostEvent: %v", err)
	}
}

func TestPostEventNotFoundIsTerminalSuccess(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(nil)
	err := c.PostEvent(context.Background(), srv.URL, "tok", EventBody{PipelineID: 1, StartFrom: "~commit"})
	if err != nil {
		t.Fatalf("PostEvent: %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (404 must not be retried)", calls)
	}
}

func TestUpdateBuildStatusSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("method = %s, want PUT", r.Method)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(nil)
	err := c.UpdateBuildStatus(context.Background(), srv.URL, 42, "tok", "FROZEN", "blocked by freeze window")
	if err != nil {
		t.Fatalf("UpdateBuildStatus: %v", err)
	}
}
