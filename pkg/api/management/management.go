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

// Package management implements the Management API: CRUD and
// lifecycle verbs over modules, consumed by the supervising edge
// agent container.
package management

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/yophilav/iotedge/pkg/apierror"
	"github.com/yophilav/iotedge/pkg/httpserver"
	"github.com/yophilav/iotedge/pkg/identitymgr"
	"github.com/yophilav/iotedge/pkg/runtime"
)

// Runtime is the subset of runtime.Runtime the Management API depends
// on.
type Runtime interface {
	Create(ctx context.Context, spec runtime.ModuleSpec) (string, error)
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	Restart(ctx context.Context, name string) error
	Remove(ctx context.Context, name string) error
	Get(ctx context.Context, name string) (runtime.Module, error)
	List(ctx context.Context) ([]runtime.Module, error)
}

// IdentityManager is the subset of identitymgr.Manager the Management
// API depends on.
type IdentityManager interface {
	Create(ctx context.Context, moduleID string) (identitymgr.Identity, error)
	Update(ctx context.Context, moduleID string) (identitymgr.Identity, error)
	Get(ctx context.Context, moduleID string) (identitymgr.Identity, bool, error)
	Delete(ctx context.Context, moduleID string) error
}

// Service holds the dependencies shared by every Management API
// handler.
type Service struct {
	Runtime  Runtime
	Identity IdentityManager
}

// NewHandler wires Service's methods into a routed http.Handler. The
// caller is responsible for wrapping it with the API-version gate and
// logging middleware.
func NewHandler(svc *Service) http.Handler {
	r := httpserver.NewRouter()
	r.Handle(http.MethodGet, `^/modules$`, svc.list)
	r.Handle(http.MethodPost, `^/modules$`, svc.create)
	r.Handle(http.MethodGet, `^/modules/(?P<name>[^/]+)$`, svc.get)
	r.Handle(http.MethodPut, `^/modules/(?P<name>[^/]+)$`, svc.update)
	r.Handle(http.MethodDelete, `^/modules/(?P<name>[^/]+)$`, svc.remove)
	r.Handle(http.MethodPost, `^/modules/(?P<name>[^/]+)/start$`, svc.start)
	r.Handle(http.MethodPost, `^/modules/(?P<name>[^/]+)/stop$`, svc.stop)
	r.Handle(http.MethodPost, `^/modules/(?P<name>[^/]+)/restart$`, svc.restart)
	return r
}

type moduleResponse struct {
	Name         string `json:"name"`
	Status       string `json:"status"`
	GenerationID string `json:"generationId,omitempty"`
	AuthType     string `json:"authType,omitempty"`
}

type listResponse struct {
	Modules []moduleResponse `json:"modules"`
}

type createRequest struct {
	Name   string `json:"name"`
	Type   string `json:"type"`
	Config struct {
		Image         string         `json:"image"`
		CreateOptions map[string]any `json:"create_options"`
	} `json:"config"`
	Env map[string]string `json:"env"`
}

func (svc *Service) moduleResponse(ctx context.Context, m runtime.Module) moduleResponse {
	mr := moduleResponse{Name: m.Name, Status: m.State}
	if id, ok, err := svc.Identity.Get(ctx, m.Name); err == nil && ok {
		mr.GenerationID = id.GenerationID
		mr.AuthType = string(id.AuthType)
	}
	return mr
}

func (svc *Service) list(w http.ResponseWriter, r *http.Request) {
	mods, err := svc.Runtime.List(r.Context())
	if err != nil {
		httpserver.WriteError(w, err)
		return
	}
	out := make([]moduleResponse, 0, len(mods))
	for _, m := range mods {
		out = append(out, svc.moduleResponse(r.Context(), m))
	}
	httpserver.WriteJSON(w, http.StatusOK, listResponse{Modules: out})
}

func (svc *Service) create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpserver.WriteError(w, apierror.Wrap(apierror.InvalidArgument, err, "invalid request body: %v", err))
		return
	}
	ctx := r.Context()

	id, err := svc.Identity.Create(ctx, req.Name)
	if err != nil {
		httpserver.WriteError(w, err)
		return
	}

	spec := runtime.ModuleSpec{
		Name: req.Name,
		Type: req.Type,
		Config: runtime.ModuleConfig{
			Image:         req.Config.Image,
			CreateOptions: req.Config.CreateOptions,
		},
		Env: req.Env,
	}
	if _, err := svc.Runtime.Create(ctx, spec); err != nil {
		svc.Identity.Delete(ctx, req.Name)
		httpserver.WriteError(w, err)
		return
	}

	httpserver.WriteJSON(w, http.StatusCreated, moduleResponse{
		Name:         req.Name,
		Status:       "created",
		GenerationID: id.GenerationID,
		AuthType:     string(id.AuthType),
	})
}

func (svc *Service) get(w http.ResponseWriter, r *http.Request) {
	name := httpserver.Params(r)["name"]
	m, err := svc.Runtime.Get(r.Context(), name)
	if err != nil {
		httpserver.WriteError(w, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, svc.moduleResponse(r.Context(), m))
}

func (svc *Service) update(w http.ResponseWriter, r *http.Request) {
	name := httpserver.Params(r)["name"]
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpserver.WriteError(w, apierror.Wrap(apierror.InvalidArgument, err, "invalid request body: %v", err))
		return
	}
	req.Name = name
	ctx := r.Context()

	id, err := svc.Identity.Update(ctx, name)
	if err != nil {
		httpserver.WriteError(w, err)
		return
	}

	// Recreate: stop, remove, create. Deliberately not restarted
	// automatically; the caller issues start separately.
	_ = svc.Runtime.Stop(ctx, name)
	if err := svc.Runtime.Remove(ctx, name); err != nil && !apierror.Is(err, apierror.NotFound) {
		httpserver.WriteError(w, err)
		return
	}
	spec := runtime.ModuleSpec{
		Name: name,
		Type: req.Type,
		Config: runtime.ModuleConfig{
			Image:         req.Config.Image,
			CreateOptions: req.Config.CreateOptions,
		},
		Env: req.Env,
	}
	if _, err := svc.Runtime.Create(ctx, spec); err != nil {
		httpserver.WriteError(w, err)
		return
	}

	httpserver.WriteJSON(w, http.StatusOK, moduleResponse{
		Name:         name,
		Status:       "updated",
		GenerationID: id.GenerationID,
		AuthType:     string(id.AuthType),
	})
}

func (svc *Service) remove(w http.ResponseWriter, r *http.Request) {
	name := httpserver.Params(r)["name"]
	ctx := r.Context()
	if err := svc.Runtime.Remove(ctx, name); err != nil {
		httpserver.WriteError(w, err)
		return
	}
	if err := svc.Identity.Delete(ctx, name); err != nil {
		httpserver.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (svc *Service) start(w http.ResponseWriter, r *http.Request) {
	name := httpserver.Params(r)["name"]
	if err := svc.Runtime.Start(r.Context(), name); err != nil {
		httpserver.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (svc *Service) stop(w http.ResponseWriter, r *http.Request) {
	name := httpserver.Params(r)["name"]
	if err := svc.Runtime.Stop(r.Context(), name); err != nil {
		httpserver.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (svc *Service) restart(w http.ResponseWriter, r *http.Request) {
	name := httpserver.Params(r)["name"]
	if err := svc.Runtime.Restart(r.Context(), name); err != nil {
		httpserver.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
