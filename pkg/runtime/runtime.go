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

// Package runtime is the Module Runtime: a label-scoped view over a
// container engine. It owns environment-merge semantics, network
// attachment, and per-module-name serialization of mutating engine
// calls.
package runtime

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/yophilav/iotedge/pkg/apierror"
	"github.com/yophilav/iotedge/pkg/engineclient"
)

// DockerType is the only module type this runtime implementation
// accepts.
const DockerType = "docker"

// defaultStopTimeoutSeconds is the grace period given to a container
// before the engine kills it.
const defaultStopTimeoutSeconds = 10

// ModuleConfig is the image plus opaque engine create-options carried
// by a ModuleSpec.
type ModuleConfig struct {
	Image         string
	CreateOptions map[string]any
}

// ModuleSpec is supplied by the Management API and consumed by Create.
type ModuleSpec struct {
	Name   string
	Type   string
	Config ModuleConfig
	Env    map[string]string
}

// Module is the runtime's view of a single container it owns.
type Module struct {
	Name  string
	ID    string
	State string
}

// Engine is the subset of engineclient.Client the runtime depends on.
// Defined as an interface so tests substitute an in-memory fake.
type Engine interface {
	ImageCreate(ctx context.Context, name string) error
	ImageDelete(ctx context.Context, name string, force, noprune bool) error
	ContainerCreate(ctx context.Context, body map[string]any, name string) (string, error)
	ContainerStart(ctx context.Context, id string) error
	ContainerStop(ctx context.Context, id string, timeoutSeconds int) error
	ContainerDelete(ctx context.Context, id string, force, v, link bool) error
	ContainerList(ctx context.Context, all bool) ([]engineclient.Container, error)
}

// Runtime serializes mutating engine calls per module name and keeps a
// best-effort name-to-container-id cache populated by List/Get/Create.
type Runtime struct {
	engine    Engine
	networkID string

	mu  sync.Mutex
	ids map[string]string

	locksMu sync.Mutex
	locks   map[string]*moduleLock
}

// moduleLock is a per-module-name mutex with a waiter count so Runtime can
// drop the map entry once nothing references it, instead of accumulating
// one mutex per distinct module name for the life of the daemon.
type moduleLock struct {
	mu   sync.Mutex
	refs int
}

// New returns a Runtime bound to engine. networkID may be empty, in
// which case created containers get no additional network attachment.
func New(engine Engine, networkID string) *Runtime {
	return &Runtime{
		engine:    engine,
		networkID: networkID,
		ids:       make(map[string]string),
		locks:     make(map[string]*moduleLock),
	}
}

// lockFor returns the lock for name, locked, and registers the caller as a
// reference on it. The caller must release it with unlockFor, not a bare
// Unlock, so the entry can be pruned once the last reference drops it.
func (r *Runtime) lockFor(name string) *moduleLock {
	r.locksMu.Lock()
	l, ok := r.locks[name]
	if !ok {
		l = &moduleLock{}
		r.locks[name] = l
	}
	l.refs++
	r.locksMu.Unlock()
	l.mu.Lock()
	return l
}

// unlockFor releases the lock obtained from lockFor(name) and, if no other
// caller is currently holding or waiting on it, removes it from r.locks.
func (r *Runtime) unlockFor(name string, l *moduleLock) {
	l.mu.Unlock()
	r.locksMu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(r.locks, name)
	}
	r.locksMu.Unlock()
}

func (r *Runtime) recordID(name, id string) {
	r.mu.Lock()
	r.ids[name] = id
	r.mu.Unlock()
}

func (r *Runtime) cachedID(name string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.ids[name]
	return id, ok
}

func requireNonBlank(kind, value string) error {
	if strings.TrimSpace(value) == "" {
		return apierror.New(apierror.InvalidArgument, "%s must not be empty", kind)
	}
	return nil
}

// Pull delegates to the engine's image_create.
func (r *Runtime) Pull(ctx context.Context, name string) error {
	if err := requireNonBlank("image name", name); err != nil {
		return err
	}
	return r.engine.ImageCreate(ctx, name)
}

// RemoveImage delegates to the engine's image_delete.
func (r *Runtime) RemoveImage(ctx context.Context, name string) error {
	if err := requireNonBlank("image name", name); err != nil {
		return err
	}
	return r.engine.ImageDelete(ctx, name, false, false)
}

// Create assembles the engine create-body from spec and submits it,
// serialized against any other call for the same module name.
func (r *Runtime) Create(ctx context.Context, spec ModuleSpec) (string, error) {
	if spec.Type != DockerType {
		return "", apierror.New(apierror.InvalidArgument, "module type %q is not supported, want %q", spec.Type, DockerType)
	}
	if err := requireNonBlank("module name", spec.Name); err != nil {
		return "", err
	}

	body, err := cloneCreateOptions(spec.Config.CreateOptions)
	if err != nil {
		return "", err
	}

	body["Env"] = mergeEnv(envFromBody(body), spec.Env)
	body["Image"] = spec.Config.Image
	body["Labels"] = mergeLabels(labelsFromBody(body), engineclient.OwnerLabel, engineclient.OwnerLabelValue)

	if r.networkID != "" {
		attachNetwork(body, r.networkID)
	}

	lock := r.lockFor(spec.Name)
	defer r.unlockFor(spec.Name, lock)

	id, err := r.engine.ContainerCreate(ctx, body, spec.Name)
	if err != nil {
		return "", err
	}
	r.recordID(spec.Name, id)
	return id, nil
}

// Start is a no-op at the engine if the container is already running.
func (r *Runtime) Start(ctx context.Context, name string) error {
	if err := requireNonBlank("module name", name); err != nil {
		return err
	}
	lock := r.lockFor(name)
	defer r.unlockFor(name, lock)

	id, err := r.resolveID(ctx, name)
	if err != nil {
		return err
	}
	return r.engine.ContainerStart(ctx, id)
}

// Stop kills the container after the default grace period if it does
// not exit cleanly.
func (r *Runtime) Stop(ctx context.Context, name string) error {
	if err := requireNonBlank("module name", name); err != nil {
		return err
	}
	lock := r.lockFor(name)
	defer r.unlockFor(name, lock)

	id, err := r.resolveID(ctx, name)
	if err != nil {
		return err
	}
	return r.engine.ContainerStop(ctx, id, defaultStopTimeoutSeconds)
}

// Restart stops then starts the module; it is not a single atomic
// engine call.
func (r *Runtime) Restart(ctx context.Context, name string) error {
	if err := r.Stop(ctx, name); err != nil {
		return err
	}
	return r.Start(ctx, name)
}

// Remove force-deletes the container and its anonymous volumes.
func (r *Runtime) Remove(ctx context.Context, name string) error {
	if err := requireNonBlank("module name", name); err != nil {
		return err
	}
	lock := r.lockFor(name)
	defer r.unlockFor(name, lock)

	id, err := r.resolveID(ctx, name)
	if err != nil {
		return err
	}
	if err := r.engine.ContainerDelete(ctx, id, true, true, true); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.ids, name)
	r.mu.Unlock()
	return nil
}

// Get looks up a single module by name.
func (r *Runtime) Get(ctx context.Context, name string) (Module, error) {
	containers, err := r.engine.ContainerList(ctx, true)
	if err != nil {
		return Module{}, err
	}
	for _, c := range containers {
		n := moduleName(c)
		if n == name {
			r.recordID(n, c.ID)
			return Module{Name: n, ID: c.ID, State: c.State}, nil
		}
	}
	return Module{}, apierror.New(apierror.NotFound, "module %q not found", name)
}

// List enumerates every container carrying the owner label.
func (r *Runtime) List(ctx context.Context) ([]Module, error) {
	containers, err := r.engine.ContainerList(ctx, true)
	if err != nil {
		return nil, err
	}
	modules := make([]Module, 0, len(containers))
	for _, c := range containers {
		n := moduleName(c)
		r.recordID(n, c.ID)
		modules = append(modules, Module{Name: n, ID: c.ID, State: c.State})
	}
	return modules, nil
}

// resolveID returns the container id for name, consulting the cache
// first and falling back to a fresh listing.
func (r *Runtime) resolveID(ctx context.Context, name string) (string, error) {
	if id, ok := r.cachedID(name); ok {
		return id, nil
	}
	containers, err := r.engine.ContainerList(ctx, true)
	if err != nil {
		return "", err
	}
	for _, c := range containers {
		if moduleName(c) == name {
			r.recordID(name, c.ID)
			return c.ID, nil
		}
	}
	return "", apierror.New(apierror.NotFound, "module %q not found", name)
}

func moduleName(c engineclient.Container) string {
	if len(c.Names) == 0 || c.Names[0] == "" {
		return "Unknown"
	}
	return strings.TrimPrefix(c.Names[0], "/")
}

// cloneCreateOptions deep-copies opts via a JSON round trip so mutating
// the clone never touches the caller's map.
func cloneCreateOptions(opts map[string]any) (map[string]any, error) {
	if opts == nil {
		return map[string]any{}, nil
	}
	b, err := json.Marshal(opts)
	if err != nil {
		return nil, apierror.Wrap(apierror.InvalidArgument, err, "invalid create_options: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, apierror.Wrap(apierror.InvalidArgument, err, "invalid create_options: %v", err)
	}
	return out, nil
}

// attachNetwork ensures body's NetworkingConfig.EndpointsConfig has an
// entry for networkID, adding an empty EndpointSettings when absent.
// Existing entries are left untouched.
func attachNetwork(body map[string]any, networkID string) {
	netCfg, _ := body["NetworkingConfig"].(map[string]any)
	if netCfg == nil {
		netCfg = map[string]any{}
	}
	endpoints, _ := netCfg["EndpointsConfig"].(map[string]any)
	if endpoints == nil {
		endpoints = map[string]any{}
	}
	if _, ok := endpoints[networkID]; !ok {
		endpoints[networkID] = map[string]any{}
	}
	netCfg["EndpointsConfig"] = endpoints
	body["NetworkingConfig"] = netCfg
}
