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

// Package fakeregistry is an in-memory identitymgr.Registry used by
// manager and handler tests in place of the real IoT Hub registry API.
package fakeregistry

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/yophilav/iotedge/pkg/apierror"
	"github.com/yophilav/iotedge/pkg/identitymgr"
	"tailscale.com/util/mak"
)

// Registry is a goroutine-safe, process-local identitymgr.Registry.
type Registry struct {
	mu       sync.Mutex
	byDevice map[string]map[string]identitymgr.RegistryIdentity
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{}
}

func (r *Registry) Get(ctx context.Context, deviceID, moduleID string) (identitymgr.RegistryIdentity, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	modules, ok := r.byDevice[deviceID]
	if !ok {
		return identitymgr.RegistryIdentity{}, false, nil
	}
	ri, ok := modules[moduleID]
	return ri, ok, nil
}

func (r *Registry) Create(ctx context.Context, deviceID string, identity identitymgr.RegistryIdentity) (identitymgr.RegistryIdentity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if modules, ok := r.byDevice[deviceID]; ok {
		if _, exists := modules[identity.ModuleID]; exists {
			return identitymgr.RegistryIdentity{}, apierror.New(apierror.AlreadyExists, "module identity %q already exists", identity.ModuleID)
		}
	}
	identity.GenerationID = uuid.NewString()
	if _, ok := r.byDevice[deviceID]; !ok {
		mak.Set(&r.byDevice, deviceID, map[string]identitymgr.RegistryIdentity{})
	}
	r.byDevice[deviceID][identity.ModuleID] = identity
	return identity, nil
}

func (r *Registry) Update(ctx context.Context, deviceID string, identity identitymgr.RegistryIdentity) (identitymgr.RegistryIdentity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	modules, ok := r.byDevice[deviceID]
	if !ok {
		return identitymgr.RegistryIdentity{}, apierror.New(apierror.NotFound, "module identity %q not found", identity.ModuleID)
	}
	existing, ok := modules[identity.ModuleID]
	if !ok {
		return identitymgr.RegistryIdentity{}, apierror.New(apierror.NotFound, "module identity %q not found", identity.ModuleID)
	}
	identity.GenerationID = existing.GenerationID
	modules[identity.ModuleID] = identity
	return identity, nil
}

func (r *Registry) Delete(ctx context.Context, deviceID, moduleID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	modules, ok := r.byDevice[deviceID]
	if !ok {
		return apierror.New(apierror.NotFound, "module identity %q not found", moduleID)
	}
	if _, ok := modules[moduleID]; !ok {
		return apierror.New(apierror.NotFound, "module identity %q not found", moduleID)
	}
	delete(modules, moduleID)
	return nil
}

func (r *Registry) List(ctx context.Context, deviceID string) ([]identitymgr.RegistryIdentity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	modules := r.byDevice[deviceID]
	out := make([]identitymgr.RegistryIdentity, 0, len(modules))
	for _, ri := range modules {
		out = append(out, ri)
	}
	return out, nil
}
