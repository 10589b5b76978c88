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

// Package identitymgr reconciles local module identities with a
// remote registry, deriving per-module signing keys from the device's
// key store rather than letting the registry mint them.
package identitymgr

import (
	"context"
	"encoding/base64"
	"strings"

	"github.com/yophilav/iotedge/pkg/apierror"
	"github.com/yophilav/iotedge/pkg/keystore"
)

// ManagedBy is stamped onto every identity this daemon creates or
// updates.
const ManagedBy = "iotedge"

// AuthType mirrors the registry's authentication type enum.
type AuthType string

const (
	AuthNone AuthType = "None"
	AuthSas  AuthType = "Sas"
	AuthX509 AuthType = "X509"
)

// RegistryIdentity is the wire shape exchanged with the remote
// registry.
type RegistryIdentity struct {
	ModuleID     string
	ManagedBy    string
	GenerationID string
	AuthType     AuthType
	PrimaryKey   string // base64
	SecondaryKey string // base64
}

// Identity is the manager's local view of a module identity.
type Identity struct {
	ModuleID     string
	ManagedBy    string
	GenerationID string
	AuthType     AuthType
	PrimaryKey   []byte
	SecondaryKey []byte
}

// Registry is the remote identity/module registry, consumed as a
// documented HTTPS API. Tests substitute an in-memory fake.
type Registry interface {
	Get(ctx context.Context, deviceID, moduleID string) (RegistryIdentity, bool, error)
	Create(ctx context.Context, deviceID string, identity RegistryIdentity) (RegistryIdentity, error)
	Update(ctx context.Context, deviceID string, identity RegistryIdentity) (RegistryIdentity, error)
	Delete(ctx context.Context, deviceID, moduleID string) error
	List(ctx context.Context, deviceID string) ([]RegistryIdentity, error)
}

// Manager maintains per-module identities against registry, deriving
// SAS keys from store rather than accepting registry-minted ones.
type Manager struct {
	registry Registry
	store    keystore.Store
	deviceID string
}

// New returns a Manager scoped to deviceID.
func New(registry Registry, store keystore.Store, deviceID string) *Manager {
	return &Manager{registry: registry, store: store, deviceID: deviceID}
}

func requireModuleID(name string) error {
	if strings.TrimSpace(name) == "" {
		return apierror.New(apierror.InvalidArgument, "module id must not be empty")
	}
	return nil
}

func (m *Manager) deriveKeys(moduleID string) (primary, secondary []byte, err error) {
	primary, err = m.store.Get(moduleID, "primary")
	if err != nil {
		return nil, nil, err
	}
	secondary, err = m.store.Get(moduleID, "secondary")
	if err != nil {
		return nil, nil, err
	}
	return primary, secondary, nil
}

func fromRegistry(ri RegistryIdentity) (Identity, error) {
	primary, err := base64.StdEncoding.DecodeString(ri.PrimaryKey)
	if err != nil {
		return Identity{}, apierror.Wrap(apierror.Registry, err, "decode primary key: %v", err)
	}
	secondary, err := base64.StdEncoding.DecodeString(ri.SecondaryKey)
	if err != nil {
		return Identity{}, apierror.Wrap(apierror.Registry, err, "decode secondary key: %v", err)
	}
	return Identity{
		ModuleID:     ri.ModuleID,
		ManagedBy:    ri.ManagedBy,
		GenerationID: ri.GenerationID,
		AuthType:     ri.AuthType,
		PrimaryKey:   primary,
		SecondaryKey: secondary,
	}, nil
}

// Create injects managed_by/auth_type=Sas and the derived primary and
// secondary keys, then submits the identity to the registry.
func (m *Manager) Create(ctx context.Context, moduleID string) (Identity, error) {
	if err := requireModuleID(moduleID); err != nil {
		return Identity{}, err
	}
	primary, secondary, err := m.deriveKeys(moduleID)
	if err != nil {
		return Identity{}, err
	}
	ri := RegistryIdentity{
		ModuleID:     moduleID,
		ManagedBy:    ManagedBy,
		AuthType:     AuthSas,
		PrimaryKey:   base64.StdEncoding.EncodeToString(primary),
		SecondaryKey: base64.StdEncoding.EncodeToString(secondary),
	}
	created, err := m.registry.Create(ctx, m.deviceID, ri)
	if err != nil {
		return Identity{}, err
	}
	return fromRegistry(created)
}

// Update re-asserts managed_by/auth_type and the derived keys, in case
// the registry's record has drifted.
func (m *Manager) Update(ctx context.Context, moduleID string) (Identity, error) {
	if err := requireModuleID(moduleID); err != nil {
		return Identity{}, err
	}
	primary, secondary, err := m.deriveKeys(moduleID)
	if err != nil {
		return Identity{}, err
	}
	existing, ok, err := m.registry.Get(ctx, m.deviceID, moduleID)
	if err != nil {
		return Identity{}, err
	}
	if !ok {
		return Identity{}, apierror.New(apierror.NotFound, "module identity %q not found", moduleID)
	}
	existing.ManagedBy = ManagedBy
	existing.AuthType = AuthSas
	existing.PrimaryKey = base64.StdEncoding.EncodeToString(primary)
	existing.SecondaryKey = base64.StdEncoding.EncodeToString(secondary)
	updated, err := m.registry.Update(ctx, m.deviceID, existing)
	if err != nil {
		return Identity{}, err
	}
	return fromRegistry(updated)
}

// Get returns the identity for moduleID, or ok=false if none exists.
func (m *Manager) Get(ctx context.Context, moduleID string) (Identity, bool, error) {
	if err := requireModuleID(moduleID); err != nil {
		return Identity{}, false, err
	}
	ri, ok, err := m.registry.Get(ctx, m.deviceID, moduleID)
	if err != nil || !ok {
		return Identity{}, ok, err
	}
	id, err := fromRegistry(ri)
	return id, true, err
}

// List returns every identity the registry holds for this device.
func (m *Manager) List(ctx context.Context) ([]Identity, error) {
	ris, err := m.registry.List(ctx, m.deviceID)
	if err != nil {
		return nil, err
	}
	out := make([]Identity, 0, len(ris))
	for _, ri := range ris {
		id, err := fromRegistry(ri)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

// Delete removes moduleID's identity from the registry.
func (m *Manager) Delete(ctx context.Context, moduleID string) error {
	if err := requireModuleID(moduleID); err != nil {
		return err
	}
	return m.registry.Delete(ctx, m.deviceID, moduleID)
}

// CurrentGenerationID returns the generation id the registry currently
// holds for moduleID, used by the Workload API to fence stale
// requests.
func (m *Manager) CurrentGenerationID(ctx context.Context, moduleID string) (string, error) {
	id, ok, err := m.Get(ctx, moduleID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", apierror.New(apierror.NotFound, "module identity %q not found", moduleID)
	}
	return id.GenerationID, nil
}
