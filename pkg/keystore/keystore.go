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

// Package keystore derives per-identity HMAC keys from a device root key
// and mints SAS tokens from them. The root key is never returned to a
// caller; only derived keys and signatures leave this package.
package keystore

import (
	"crypto/hmac"
	"crypto/sha256"
	"strings"

	"github.com/yophilav/iotedge/pkg/apierror"
)

// Key is an opaque derived HMAC-SHA256 key.
type Key []byte

// Store derives per-identity keys from a root key.
type Store interface {
	// Get returns the derived key for (identity, keyName). identity
	// must be non-empty.
	Get(identity, keyName string) (Key, error)
	// Sign computes HMAC-SHA256(key, data).
	Sign(key Key, data []byte) ([]byte, error)
}

// Derived is a Store backed by a single root key. Derivation is pure,
// deterministic, and stateless: Get(id, name) always returns the same
// bytes for the same (root, id, name) triple.
type Derived struct {
	root []byte
}

// NewDerived returns a Store that derives keys from root. root is
// copied; callers retain ownership of the slice they pass in.
func NewDerived(root []byte) *Derived {
	cp := make([]byte, len(root))
	copy(cp, root)
	return &Derived{root: cp}
}

func (d *Derived) Get(identity, keyName string) (Key, error) {
	if strings.TrimSpace(identity) == "" {
		return nil, apierror.New(apierror.InvalidArgument, "identity must not be empty")
	}
	mac := hmac.New(sha256.New, d.root)
	mac.Write([]byte(identity))
	mac.Write([]byte{0})
	mac.Write([]byte(keyName))
	return mac.Sum(nil), nil
}

func (d *Derived) Sign(key Key, data []byte) ([]byte, error) {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil), nil
}
