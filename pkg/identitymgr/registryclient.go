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

package identitymgr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/yophilav/iotedge/pkg/apierror"
	"github.com/yophilav/iotedge/pkg/keystore"
)

// retryBaseDelay, retryMaxDelay, and retryMaxAttempts bound the
// backoff applied to transient registry failures: 5xx responses and
// connect errors. 4xx responses are terminal and never retried.
const (
	retryBaseDelay   = 250 * time.Millisecond
	retryMaxDelay    = 8 * time.Second
	retryMaxAttempts = 5
)

// HTTPRegistry is a Registry backed by the IoT Hub device/module
// registry HTTPS API, authenticated per request with a freshly minted
// SAS token scoped to the hub/device.
type HTTPRegistry struct {
	httpClient *http.Client
	hubName    string
	deviceID   string
	tokens     *keystore.TokenSource
}

// NewHTTPRegistry returns a Registry that talks to https://hubName.
func NewHTTPRegistry(httpClient *http.Client, hubName, deviceID string, tokens *keystore.TokenSource) *HTTPRegistry {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &HTTPRegistry{httpClient: httpClient, hubName: hubName, deviceID: deviceID, tokens: tokens}
}

func (r *HTTPRegistry) authHeader(ctx context.Context, resourceURI string) (string, error) {
	token, err := r.tokens.Mint(r.deviceID, "", resourceURI, keystore.DefaultTTL)
	if err != nil {
		return "", apierror.Wrap(apierror.Registry, err, "mint SAS token: %v", err)
	}
	return keystore.Format(token), nil
}

// moduleResourceURI is the resource path a SAS token for module
// operations is scoped to: <hub>/devices/<device>.
func (r *HTTPRegistry) moduleResourceURI() string {
	return r.hubName + "/devices/" + r.deviceID
}

type wireIdentity struct {
	ModuleID       string `json:"moduleId"`
	ManagedBy      string `json:"managedBy"`
	GenerationID   string `json:"generationId,omitempty"`
	Authentication struct {
		Type         string `json:"type"`
		SymmetricKey struct {
			PrimaryKey   string `json:"primaryKey"`
			SecondaryKey string `json:"secondaryKey"`
		} `json:"symmetricKey"`
	} `json:"authentication"`
}

func toWire(ri RegistryIdentity) wireIdentity {
	var w wireIdentity
	w.ModuleID = ri.ModuleID
	w.ManagedBy = ri.ManagedBy
	w.GenerationID = ri.GenerationID
	w.Authentication.Type = string(ri.AuthType)
	w.Authentication.SymmetricKey.PrimaryKey = ri.PrimaryKey
	w.Authentication.SymmetricKey.SecondaryKey = ri.SecondaryKey
	return w
}

func fromWire(w wireIdentity) RegistryIdentity {
	return RegistryIdentity{
		ModuleID:     w.ModuleID,
		ManagedBy:    w.ManagedBy,
		GenerationID: w.GenerationID,
		AuthType:     AuthType(w.Authentication.Type),
		PrimaryKey:   w.Authentication.SymmetricKey.PrimaryKey,
		SecondaryKey: w.Authentication.SymmetricKey.SecondaryKey,
	}
}

// do issues req, retrying transient failures (connect errors and 5xx
// responses) with exponential backoff. 4xx responses are returned
// immediately without retry.
func (r *HTTPRegistry) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	op := func() (*http.Response, error) {
		var reader io.Reader
		if body != nil {
			b, err := json.Marshal(body)
			if err != nil {
				return nil, backoff.Permanent(apierror.Wrap(apierror.Internal, err, "marshal registry request: %v", err))
			}
			reader = bytes.NewReader(b)
		}
		url := "https://" + r.hubName + path
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return nil, backoff.Permanent(apierror.Wrap(apierror.Internal, err, "build registry request: %v", err))
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		auth, err := r.authHeader(ctx, r.moduleResourceURI())
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set("Authorization", auth)

		resp, err := r.httpClient.Do(req)
		if err != nil {
			return nil, apierror.Wrap(apierror.Registry, err, "registry request failed: %v", err)
		}
		if resp.StatusCode >= 500 {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			return nil, apierror.New(apierror.Registry, "registry error: %s", strings.TrimSpace(string(b)))
		}
		if resp.StatusCode >= 400 {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			return nil, backoff.Permanent(apierror.New(apierror.Registry, "registry error: %s", strings.TrimSpace(string(b))).WithStatus(resp.StatusCode))
		}
		return resp, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryBaseDelay
	bo.MaxInterval = retryMaxDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(retryMaxAttempts),
	)
}

func (r *HTTPRegistry) Get(ctx context.Context, deviceID, moduleID string) (RegistryIdentity, bool, error) {
	path := fmt.Sprintf("/devices/%s/modules/%s", deviceID, moduleID)
	resp, err := r.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		if apierror.Status(err) == http.StatusNotFound {
			return RegistryIdentity{}, false, nil
		}
		return RegistryIdentity{}, false, err
	}
	defer resp.Body.Close()
	var w wireIdentity
	if err := json.NewDecoder(resp.Body).Decode(&w); err != nil {
		return RegistryIdentity{}, false, apierror.Wrap(apierror.Internal, err, "decode registry response: %v", err)
	}
	return fromWire(w), true, nil
}

func (r *HTTPRegistry) Create(ctx context.Context, deviceID string, identity RegistryIdentity) (RegistryIdentity, error) {
	path := fmt.Sprintf("/devices/%s/modules/%s", deviceID, identity.ModuleID)
	resp, err := r.do(ctx, http.MethodPut, path, toWire(identity))
	if err != nil {
		return RegistryIdentity{}, err
	}
	defer resp.Body.Close()
	var w wireIdentity
	if err := json.NewDecoder(resp.Body).Decode(&w); err != nil {
		return RegistryIdentity{}, apierror.Wrap(apierror.Internal, err, "decode registry response: %v", err)
	}
	return fromWire(w), nil
}

func (r *HTTPRegistry) Update(ctx context.Context, deviceID string, identity RegistryIdentity) (RegistryIdentity, error) {
	return r.Create(ctx, deviceID, identity)
}

func (r *HTTPRegistry) Delete(ctx context.Context, deviceID, moduleID string) error {
	path := fmt.Sprintf("/devices/%s/modules/%s", deviceID, moduleID)
	resp, err := r.do(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (r *HTTPRegistry) List(ctx context.Context, deviceID string) ([]RegistryIdentity, error) {
	path := fmt.Sprintf("/devices/%s/modules", deviceID)
	resp, err := r.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var ws []wireIdentity
	if err := json.NewDecoder(resp.Body).Decode(&ws); err != nil {
		return nil, apierror.Wrap(apierror.Internal, err, "decode registry response: %v", err)
	}
	out := make([]RegistryIdentity, 0, len(ws))
	for _, w := range ws {
		out = append(out, fromWire(w))
	}
	return out, nil
}
