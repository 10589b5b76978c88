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

// Package cryptofacade is the narrow port over the HSM: Sign, Encrypt,
// Decrypt, and TrustBundle. Callers never see raw key material; a
// client_id is passed through as an authorization scope, not
// interpreted by the facade.
package cryptofacade

// Facade is implemented by whatever backs the HSM in production
// (software HMAC, OS keyring, TPM, a native library) — that choice is
// hidden behind these four operations.
type Facade interface {
	Sign(keyHandle string, data []byte) ([]byte, error)
	Encrypt(clientID string, plaintext, iv []byte) ([]byte, error)
	Decrypt(clientID string, ciphertext, iv []byte) ([]byte, error)
	TrustBundle() ([]byte, error) // PEM-encoded
}
