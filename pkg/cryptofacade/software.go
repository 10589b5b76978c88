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

package cryptofacade

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"time"

	"github.com/yophilav/iotedge/pkg/apierror"
	"github.com/yophilav/iotedge/pkg/keystore"
	"tailscale.com/types/lazy"
)

// Software is a Facade backed by the process's own derived key store
// rather than a real HSM. It stands in for the native HSM library named
// in the out-of-scope list: the port is identical, only the backend
// differs.
type Software struct {
	store keystore.Store

	trustBundleOnce lazy.SyncValue[error]
	trustBundlePEM  []byte
}

// NewSoftware returns a Facade that derives per-client keys from store.
func NewSoftware(store keystore.Store) *Software {
	return &Software{store: store}
}

func (s *Software) Sign(keyHandle string, data []byte) ([]byte, error) {
	key, err := s.store.Get(keyHandle, "facade-sign")
	if err != nil {
		return nil, apierror.Wrap(apierror.Crypto, err, "sign: %v", err)
	}
	sig, err := s.store.Sign(key, data)
	if err != nil {
		return nil, apierror.Wrap(apierror.Crypto, err, "sign: %v", err)
	}
	return sig, nil
}

func (s *Software) gcmFor(clientID string) (cipher.AEAD, error) {
	key, err := s.store.Get(clientID, "facade-encrypt")
	if err != nil {
		return nil, apierror.Wrap(apierror.Crypto, err, "derive encryption key: %v", err)
	}
	block, err := aes.NewCipher(key[:32])
	if err != nil {
		return nil, apierror.Wrap(apierror.Crypto, err, "new cipher: %v", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, apierror.Wrap(apierror.Crypto, err, "new gcm: %v", err)
	}
	return gcm, nil
}

func (s *Software) Encrypt(clientID string, plaintext, iv []byte) ([]byte, error) {
	gcm, err := s.gcmFor(clientID)
	if err != nil {
		return nil, err
	}
	if len(iv) != gcm.NonceSize() {
		return nil, apierror.New(apierror.InvalidArgument, "initialization_vector must be %d bytes", gcm.NonceSize())
	}
	return gcm.Seal(nil, iv, plaintext, nil), nil
}

func (s *Software) Decrypt(clientID string, ciphertext, iv []byte) ([]byte, error) {
	gcm, err := s.gcmFor(clientID)
	if err != nil {
		return nil, err
	}
	if len(iv) != gcm.NonceSize() {
		return nil, apierror.New(apierror.InvalidArgument, "initialization_vector must be %d bytes", gcm.NonceSize())
	}
	pt, err := gcm.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, apierror.Wrap(apierror.Crypto, err, "decrypt: %v", err)
	}
	return pt, nil
}

// TrustBundle returns the PEM-encoded CA the daemon advertises to
// modules for outbound TLS trust. The CA is generated once, lazily, and
// cached for the lifetime of the process.
func (s *Software) TrustBundle() ([]byte, error) {
	if err := s.trustBundleOnce.Get(func() error {
		pemBytes, err := generateSelfSignedCA()
		if err != nil {
			return err
		}
		s.trustBundlePEM = pemBytes
		return nil
	}); err != nil {
		return nil, apierror.Wrap(apierror.Crypto, err, "trust bundle: %v", err)
	}
	return s.trustBundlePEM, nil
}

func generateSelfSignedCA() ([]byte, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate CA key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "iotedged local trust bundle"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), nil
}
