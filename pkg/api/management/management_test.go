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

package management

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/yophilav/iotedge/pkg/apierror"
	"github.com/yophilav/iotedge/pkg/identitymgr"
	"github.com/yophilav/iotedge/pkg/runtime"
)

type fakeRuntime struct {
	mu      sync.Mutex
	modules map[string]runtime.Module
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{modules: make(map[string]runtime.Module)}
}

func (f *fakeRuntime) Create(ctx context.Context, spec runtime.ModuleSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.modules[spec.Name] = runtime.Module{Name: spec.Name, ID: "id-" + spec.Name, State: "created"}
	return "id-" + spec.Name, nil
}

func (f *fakeRuntime) Start(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.modules[name]
	if !ok {
		return apierror.New(apierror.NotFound, "module %q not found", name)
	}
	m.State = "running"
	f.modules[name] = m
	return nil
}

func (f *fakeRuntime) Stop(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.modules[name]
	if !ok {
		return apierror.New(apierror.NotFound, "module %q not found", name)
	}
	m.State = "stopped"
	f.modules[name] = m
	return nil
}

func (f *fakeRuntime) Restart(ctx context.Context, name string) error {
	if err := f.Stop(ctx, name); err != nil {
		return err
	}
	return f.Start(ctx, name)
}

func (f *fakeRuntime) Remove(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.modules[name]; !ok {
		return apierror.New(apierror.NotFound, "module %q not found", name)
	}
	delete(f.modules, name)
	return nil
}

func (f *fakeRuntime) Get(ctx context.Context, name string) (runtime.Module, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.modules[name]
	if !ok {
		return runtime.Module{}, apierror.New(apierror.NotFound, "module %q not found", name)
	}
	return m, nil
}

func (f *fakeRuntime) List(ctx context.Context) ([]runtime.Module, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]runtime.Module, 0, len(f.modules))
	for _, m := range f.modules {
		out = append(out, m)
	}
	return out, nil
}

type fakeIdentity struct {
	mu    sync.Mutex
	byMod map[string]identitymgr.Identity
	n     int
}

func newFakeIdentity() *fakeIdentity {
	return &fakeIdentity{byMod: make(map[string]identitymgr.Identity)}
}

func (f *fakeIdentity) Create(ctx context.Context, moduleID string) (identitymgr.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.byMod[moduleID]; ok {
		return identitymgr.Identity{}, apierror.New(apierror.AlreadyExists, "already exists")
	}
	f.n++
	id := identitymgr.Identity{ModuleID: moduleID, ManagedBy: identitymgr.ManagedBy, AuthType: identitymgr.AuthSas, GenerationID: "gen-1"}
	f.byMod[moduleID] = id
	return id, nil
}

func (f *fakeIdentity) Update(ctx context.Context, moduleID string) (identitymgr.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.byMod[moduleID]
	if !ok {
		return identitymgr.Identity{}, apierror.New(apierror.NotFound, "not found")
	}
	return id, nil
}

func (f *fakeIdentity) Get(ctx context.Context, moduleID string) (identitymgr.Identity, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.byMod[moduleID]
	return id, ok, nil
}

func (f *fakeIdentity) Delete(ctx context.Context, moduleID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.byMod, moduleID)
	return nil
}

func newTestHandler() (http.Handler, *fakeRuntime, *fakeIdentity) {
	rt := newFakeRuntime()
	id := newFakeIdentity()
	svc := &Service{Runtime: rt, Identity: id}
	return NewHandler(svc), rt, id
}

func TestCreateThenList(t *testing.T) {
	h, _, _ := newTestHandler()

	body, _ := json.Marshal(map[string]any{
		"name": "sensor",
		"type": "docker",
		"config": map[string]any{
			"image": "sensor:latest",
		},
	})
	req := httptest.NewRequest(http.MethodPost, "/modules", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/modules", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var out listResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Modules) != 1 || out.Modules[0].Name != "sensor" {
		t.Errorf("modules = %+v", out.Modules)
	}
	if out.Modules[0].GenerationID != "gen-1" {
		t.Errorf("generationId = %q", out.Modules[0].GenerationID)
	}
}

func TestCreateRollsBackIdentityOnRuntimeFailure(t *testing.T) {
	rt := newFakeRuntime()
	id := newFakeIdentity()
	failing := &failingRuntime{fakeRuntime: rt}
	svc := &Service{Runtime: failing, Identity: id}
	h := NewHandler(svc)

	body, _ := json.Marshal(map[string]any{"name": "sensor", "type": "docker"})
	req := httptest.NewRequest(http.MethodPost, "/modules", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	if _, ok, _ := id.Get(context.Background(), "sensor"); ok {
		t.Error("expected identity rollback after runtime create failure")
	}
}

type failingRuntime struct {
	*fakeRuntime
}

func (f *failingRuntime) Create(ctx context.Context, spec runtime.ModuleSpec) (string, error) {
	return "", apierror.New(apierror.Engine, "engine exploded")
}

func TestDeleteRemovesModuleAndIdentity(t *testing.T) {
	h, rt, id := newTestHandler()
	ctx := context.Background()
	if _, err := id.Create(ctx, "sensor"); err != nil {
		t.Fatal(err)
	}
	if _, err := rt.Create(ctx, runtime.ModuleSpec{Name: "sensor", Type: "docker"}); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodDelete, "/modules/sensor", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if _, err := rt.Get(ctx, "sensor"); !apierror.Is(err, apierror.NotFound) {
		t.Errorf("runtime module still present: %v", err)
	}
	if _, ok, _ := id.Get(ctx, "sensor"); ok {
		t.Error("identity still present after delete")
	}
}

func TestStartStopRestart(t *testing.T) {
	h, rt, id := newTestHandler()
	ctx := context.Background()
	id.Create(ctx, "sensor")
	rt.Create(ctx, runtime.ModuleSpec{Name: "sensor", Type: "docker"})

	for _, verb := range []string{"start", "stop", "restart"} {
		req := httptest.NewRequest(http.MethodPost, "/modules/sensor/"+verb, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusNoContent {
			t.Errorf("%s: status = %d", verb, rec.Code)
		}
	}
}

func TestGetUnknownModuleIs404(t *testing.T) {
	h, _, _ := newTestHandler()
	req := httptest.NewRequest(http.MethodGet, "/modules/nope", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}
