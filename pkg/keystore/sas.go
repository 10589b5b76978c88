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

package keystore

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/yophilav/iotedge/pkg/apierror"
)

// DefaultTTL is the default SAS token lifetime.
const DefaultTTL = time.Hour

// Token is a parsed Shared Access Signature token. ResourceURI is held
// in its raw (unescaped) form; Format URL-encodes it, ParseToken
// reverses it. Signature is URL-safe base64 and is never escaped
// further.
type Token struct {
	ResourceURI string // lowercased resource URI
	Signature   string // URL-safe base64-encoded HMAC
	Expiry      int64  // unix seconds
	KeyName     string // optional
}

// TokenSource mints SAS tokens from a key store.
type TokenSource struct {
	store Store
	clock Clock
}

// NewTokenSource returns a TokenSource that signs with keys from store,
// reading time from clock (use SystemClock in production).
func NewTokenSource(store Store, clock Clock) *TokenSource {
	return &TokenSource{store: store, clock: clock}
}

// Mint produces a SAS token scoped to resourceURI, signed with the key
// derived for (identity, keyName), valid for ttl (DefaultTTL if ttl<=0).
func (ts *TokenSource) Mint(identity, keyName, resourceURI string, ttl time.Duration) (Token, error) {
	if strings.TrimSpace(identity) == "" {
		return Token{}, apierror.New(apierror.InvalidArgument, "identity must not be empty")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	key, err := ts.store.Get(identity, keyName)
	if err != nil {
		return Token{}, err
	}
	now := ts.clock.Now()
	if now.IsZero() {
		return Token{}, apierror.New(apierror.Internal, "clock returned zero time")
	}
	expiry := now.UTC().Unix() + int64(ttl.Seconds())

	sr := strings.ToLower(resourceURI)
	stringToSign := fmt.Sprintf("%s\n%d", url.QueryEscape(sr), expiry)
	sigBytes, err := ts.store.Sign(key, []byte(stringToSign))
	if err != nil {
		return Token{}, err
	}
	// URL-safe base64 keeps the signature free of '+' and '/', the two
	// characters that would otherwise need percent-escaping to survive
	// a round trip through url.ParseQuery (which treats a literal '+'
	// in a value as a space). The padding '=' is left as-is: it is not
	// special to url.ParseQuery, so Format can emit it verbatim instead
	// of inflating it to "%3D".
	sig := base64.URLEncoding.EncodeToString(sigBytes)

	return Token{
		ResourceURI: sr,
		Signature:   sig,
		Expiry:      expiry,
		KeyName:     keyName,
	}, nil
}

// Format renders t in the wire SAS format:
// "SharedAccessSignature sr=<enc-uri>&sig=<enc-sig>&se=<expiry>[&skn=<keyname>]"
func Format(t Token) string {
	var b strings.Builder
	b.WriteString("SharedAccessSignature sr=")
	b.WriteString(url.QueryEscape(t.ResourceURI))
	b.WriteString("&sig=")
	b.WriteString(t.Signature)
	b.WriteString("&se=")
	b.WriteString(strconv.FormatInt(t.Expiry, 10))
	if t.KeyName != "" {
		b.WriteString("&skn=")
		b.WriteString(url.QueryEscape(t.KeyName))
	}
	return b.String()
}

// ParseToken parses the textual form produced by Format.
func ParseToken(s string) (Token, error) {
	const prefix = "SharedAccessSignature "
	if !strings.HasPrefix(s, prefix) {
		return Token{}, fmt.Errorf("not a SAS token: missing prefix")
	}
	q, err := url.ParseQuery(s[len(prefix):])
	if err != nil {
		return Token{}, fmt.Errorf("invalid SAS token: %w", err)
	}
	sr := q.Get("sr")
	sig := q.Get("sig")
	se := q.Get("se")
	if sr == "" || sig == "" || se == "" {
		return Token{}, fmt.Errorf("invalid SAS token: missing sr, sig, or se")
	}
	expiry, err := strconv.ParseInt(se, 10, 64)
	if err != nil {
		return Token{}, fmt.Errorf("invalid SAS token: se is not an integer: %w", err)
	}
	return Token{
		ResourceURI: sr,
		Signature:   sig,
		Expiry:      expiry,
		KeyName:     q.Get("skn"),
	}, nil
}
