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

package identitymgr_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/yophilav/iotedge/pkg/apierror"
	"github.com/yophilav/iotedge/pkg/identitymgr"
	"github.com/yophilav/iotedge/pkg/identitymgr/fakeregistry"
	"github.com/yophilav/iotedge/pkg/keystore"
)

func TestCreateInjectsManagedByAndSasKeys(t *testing.T) {
	store := keystore.NewDerived([]byte("root"))
	mgr := identitymgr.New(fakeregistry.New(), store, "dev1")

	id, err := mgr.Create(context.Background(), "sensor")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if id.ManagedBy != identitymgr.ManagedBy {
		t.Errorf("ManagedBy = %q, want %q", id.ManagedBy, identitymgr.ManagedBy)
	}
	if id.AuthType != identitymgr.AuthSas {
		t.Errorf("AuthType = %q, want Sas", id.AuthType)
	}
	wantPrimary, _ := store.Get("sensor", "primary")
	wantSecondary, _ := store.Get("sensor", "secondary")
	if !bytes.Equal(id.PrimaryKey, wantPrimary) {
		t.Errorf("PrimaryKey does not match derivation for (sensor, primary)")
	}
	if !bytes.Equal(id.SecondaryKey, wantSecondary) {
		t.Errorf("SecondaryKey does not match derivation for (sensor, secondary)")
	}
	if id.GenerationID == "" {
		t.Error("expected a non-empty generation id")
	}
}

func TestCreateDuplicateFails(t *testing.T) {
	store := keystore.NewDerived([]byte("root"))
	mgr := identitymgr.New(fakeregistry.New(), store, "dev1")
	if _, err := mgr.Create(context.Background(), "sensor"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	_, err := mgr.Create(context.Background(), "sensor")
	if !apierror.Is(err, apierror.AlreadyExists) {
		t.Fatalf("expected AlreadyExists, got %v", err)
	}
}

func TestGetMissingReturnsNotOk(t *testing.T) {
	mgr := identitymgr.New(fakeregistry.New(), keystore.NewDerived([]byte("root")), "dev1")
	_, ok, err := mgr.Get(context.Background(), "nope")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Error("expected ok=false for unknown module")
	}
}

func TestDeleteThenListEmpty(t *testing.T) {
	store := keystore.NewDerived([]byte("root"))
	mgr := identitymgr.New(fakeregistry.New(), store, "dev1")
	if _, err := mgr.Create(context.Background(), "sensor"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := mgr.Delete(context.Background(), "sensor"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	ids, err := mgr.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("List after delete = %+v, want empty", ids)
	}
}

func TestUpdatePreservesGenerationID(t *testing.T) {
	store := keystore.NewDerived([]byte("root"))
	mgr := identitymgr.New(fakeregistry.New(), store, "dev1")
	created, err := mgr.Create(context.Background(), "sensor")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	updated, err := mgr.Update(context.Background(), "sensor")
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.GenerationID != created.GenerationID {
		t.Errorf("GenerationID changed across Update: %q != %q", updated.GenerationID, created.GenerationID)
	}
}

func TestEmptyModuleIDRejected(t *testing.T) {
	mgr := identitymgr.New(fakeregistry.New(), keystore.NewDerived([]byte("root")), "dev1")
	ctx := context.Background()
	if _, err := mgr.Create(ctx, "  "); !apierror.Is(err, apierror.InvalidArgument) {
		t.Errorf("Create(blank) = %v, want InvalidArgument", err)
	}
	if err := mgr.Delete(ctx, ""); !apierror.Is(err, apierror.InvalidArgument) {
		t.Errorf("Delete(blank) = %v, want InvalidArgument", err)
	}
}
