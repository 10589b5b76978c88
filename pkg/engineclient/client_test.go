// Copyright 2025 AUTHORS
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

package engineclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/yophilav/iotedge/pkg/apierror"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &Client{t: &transport{httpClient: srv.Client(), baseURL: srv.URL}}
}

func TestImageCreateEmptyName(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("engine should not be contacted for an empty image name")
	})
	err := c.ImageCreate(context.Background(), "")
	if !apierror.Is(err, apierror.InvalidArgument) {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestImageCreateSuccess(t *testing.T) {
	var gotPath, gotQuery string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.Query().Get("fromImage")
		w.WriteHeader(http.StatusOK)
	})
	if err := c.ImageCreate(context.Background(), "registry.example/mod:latest"); err != nil {
		t.Fatalf("ImageCreate: %v", err)
	}
	if gotPath != "/images/create" {
		t.Errorf("path = %q", gotPath)
	}
	if gotQuery != "registry.example/mod:latest" {
		t.Errorf("fromImage = %q", gotQuery)
	}
}

func TestImageCreateEngineErrorPassesThroughStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("no such image"))
	})
	err := c.ImageCreate(context.Background(), "missing:latest")
	if err == nil {
		t.Fatal("expected error")
	}
	if apierror.Status(err) != http.StatusNotFound {
		t.Errorf("status = %d, want 404", apierror.Status(err))
	}
	if !apierror.Is(err, apierror.Engine) {
		t.Errorf("kind = %v, want Engine", apierror.KindOf(err))
	}
}

func TestContainerCreateReturnsID(t *testing.T) {
	var gotName string
	var gotBody map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotName = r.URL.Query().Get("name")
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"Id": "abc123"})
	})
	id, err := c.ContainerCreate(context.Background(), map[string]any{"Image": "mod:latest"}, "mymodule")
	if err != nil {
		t.Fatalf("ContainerCreate: %v", err)
	}
	if id != "abc123" {
		t.Errorf("id = %q", id)
	}
	if gotName != "mymodule" {
		t.Errorf("name query = %q", gotName)
	}
	if gotBody["Image"] != "mod:latest" {
		t.Errorf("body = %v", gotBody)
	}
}

func TestContainerStartNoOpWhenAlreadyRunning(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotModified)
	})
	if err := c.ContainerStart(context.Background(), "abc123"); err != nil {
		t.Fatalf("ContainerStart: %v", err)
	}
}

func TestContainerStopSendsTimeout(t *testing.T) {
	var gotT string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotT = r.URL.Query().Get("t")
		w.WriteHeader(http.StatusNoContent)
	})
	if err := c.ContainerStop(context.Background(), "abc123", 15); err != nil {
		t.Fatalf("ContainerStop: %v", err)
	}
	if gotT != "15" {
		t.Errorf("t = %q", gotT)
	}
}

func TestContainerDeleteSetsFlags(t *testing.T) {
	var q map[string][]string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q = r.URL.Query()
		w.WriteHeader(http.StatusNoContent)
	})
	if err := c.ContainerDelete(context.Background(), "abc123", true, true, true); err != nil {
		t.Fatalf("ContainerDelete: %v", err)
	}
	for _, k := range []string{"force", "v", "link"} {
		if q[k][0] != "true" {
			t.Errorf("%s = %v, want true", k, q[k])
		}
	}
}

func TestContainerListFiltersByOwnerLabel(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		filters := r.URL.Query().Get("filters")
		if !strings.Contains(filters, OwnerLabel) || !strings.Contains(filters, OwnerLabelValue) {
			t.Errorf("filters = %q, missing owner label", filters)
		}
		json.NewEncoder(w).Encode([]Container{
			{ID: "abc", Names: []string{"/mymodule"}, State: "running"},
		})
	})
	containers, err := c.ContainerList(context.Background(), true)
	if err != nil {
		t.Fatalf("ContainerList: %v", err)
	}
	if len(containers) != 1 || containers[0].ID != "abc" {
		t.Errorf("containers = %+v", containers)
	}
}

func TestContainerListEngineError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("engine exploded"))
	})
	_, err := c.ContainerList(context.Background(), true)
	if err == nil {
		t.Fatal("expected error")
	}
	if apierror.Status(err) != http.StatusInternalServerError {
		t.Errorf("status = %d", apierror.Status(err))
	}
}
