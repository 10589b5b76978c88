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

// Package workload implements the Workload API: the sign/encrypt/
// decrypt/trust-bundle operations each module uses at runtime,
// fenced by the generation id the identity manager issued it.
package workload

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"

	"github.com/yophilav/iotedge/pkg/apierror"
	"github.com/yophilav/iotedge/pkg/cryptofacade"
	"github.com/yophilav/iotedge/pkg/httpserver"
	"github.com/yophilav/iotedge/pkg/keystore"
)

// IdentityManager is the subset of identitymgr.Manager used to fence
// requests by generation id.
type IdentityManager interface {
	CurrentGenerationID(ctx context.Context, moduleID string) (string, error)
}

// Service holds the dependencies shared by every Workload API handler.
type Service struct {
	KeyStore keystore.Store
	Facade   cryptofacade.Facade
	Identity IdentityManager
}

// NewHandler wires Service's methods into a routed http.Handler. The
// caller wraps it with the API-version gate and logging middleware.
func NewHandler(svc *Service) http.Handler {
	r := httpserver.NewRouter()
	r.Handle(http.MethodPost, `^/modules/(?P<name>[^/]+)/genid/(?P<gid>[^/]+)/sign$`, svc.sign)
	r.Handle(http.MethodPost, `^/modules/(?P<name>[^/]+)/genid/(?P<gid>[^/]+)/encrypt$`, svc.encrypt)
	r.Handle(http.MethodPost, `^/modules/(?P<name>[^/]+)/genid/(?P<gid>[^/]+)/decrypt$`, svc.decrypt)
	r.Handle(http.MethodGet, `^/trust-bundle$`, svc.trustBundle)
	return r
}

func (svc *Service) checkGeneration(ctx context.Context, name, gid string) error {
	current, err := svc.Identity.CurrentGenerationID(ctx, name)
	if err != nil {
		return err
	}
	if current != gid {
		return apierror.New(apierror.Unauthorized, "generation id mismatch for module %q", name)
	}
	return nil
}

type signRequest struct {
	KeyID string `json:"keyId"`
	Data  string `json:"data"`
}

type signResponse struct {
	Digest string `json:"digest"`
}

func (svc *Service) sign(w http.ResponseWriter, r *http.Request) {
	params := httpserver.Params(r)
	name, gid := params["name"], params["gid"]
	ctx := r.Context()

	if err := svc.checkGeneration(ctx, name, gid); err != nil {
		httpserver.WriteError(w, err)
		return
	}

	var req signRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpserver.WriteError(w, apierror.Wrap(apierror.InvalidArgument, err, "invalid request body: %v", err))
		return
	}
	data, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		httpserver.WriteError(w, apierror.Wrap(apierror.InvalidArgument, err, "data must be base64: %v", err))
		return
	}
	key, err := svc.KeyStore.Get(name, req.KeyID)
	if err != nil {
		httpserver.WriteError(w, err)
		return
	}
	digest, err := svc.KeyStore.Sign(key, data)
	if err != nil {
		httpserver.WriteError(w, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, signResponse{Digest: base64.StdEncoding.EncodeToString(digest)})
}

type encryptRequest struct {
	Plaintext            string `json:"plaintext"`
	InitializationVector string `json:"initialization_vector"`
}

type encryptResponse struct {
	Ciphertext string `json:"ciphertext"`
}

func (svc *Service) encrypt(w http.ResponseWriter, r *http.Request) {
	params := httpserver.Params(r)
	name, gid := params["name"], params["gid"]
	ctx := r.Context()

	if err := svc.checkGeneration(ctx, name, gid); err != nil {
		httpserver.WriteError(w, err)
		return
	}

	var req encryptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpserver.WriteError(w, apierror.Wrap(apierror.InvalidArgument, err, "invalid request body: %v", err))
		return
	}
	plaintext, err := base64.StdEncoding.DecodeString(req.Plaintext)
	if err != nil {
		httpserver.WriteError(w, apierror.Wrap(apierror.InvalidArgument, err, "plaintext must be base64: %v", err))
		return
	}
	iv, err := base64.StdEncoding.DecodeString(req.InitializationVector)
	if err != nil {
		httpserver.WriteError(w, apierror.Wrap(apierror.InvalidArgument, err, "initialization_vector must be base64: %v", err))
		return
	}
	ct, err := svc.Facade.Encrypt(name, plaintext, iv)
	if err != nil {
		httpserver.WriteError(w, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, encryptResponse{Ciphertext: base64.StdEncoding.EncodeToString(ct)})
}

type decryptRequest struct {
	Ciphertext           string `json:"ciphertext"`
	InitializationVector string `json:"initialization_vector"`
}

type decryptResponse struct {
	Plaintext string `json:"plaintext"`
}

func (svc *Service) decrypt(w http.ResponseWriter, r *http.Request) {
	params := httpserver.Params(r)
	name, gid := params["name"], params["gid"]
	ctx := r.Context()

	if err := svc.checkGeneration(ctx, name, gid); err != nil {
		httpserver.WriteError(w, err)
		return
	}

	var req decryptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpserver.WriteError(w, apierror.Wrap(apierror.InvalidArgument, err, "invalid request body: %v", err))
		return
	}
	ct, err := base64.StdEncoding.DecodeString(req.Ciphertext)
	if err != nil {
		httpserver.WriteError(w, apierror.Wrap(apierror.InvalidArgument, err, "ciphertext must be base64: %v", err))
		return
	}
	iv, err := base64.StdEncoding.DecodeString(req.InitializationVector)
	if err != nil {
		httpserver.WriteError(w, apierror.Wrap(apierror.InvalidArgument, err, "initialization_vector must be base64: %v", err))
		return
	}
	pt, err := svc.Facade.Decrypt(name, ct, iv)
	if err != nil {
		httpserver.WriteError(w, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, decryptResponse{Plaintext: base64.StdEncoding.EncodeToString(pt)})
}

type trustBundleResponse struct {
	Certificate string `json:"certificate"`
}

func (svc *Service) trustBundle(w http.ResponseWriter, r *http.Request) {
	pem, err := svc.Facade.TrustBundle()
	if err != nil {
		httpserver.WriteError(w, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, trustBundleResponse{Certificate: string(pem)})
}
