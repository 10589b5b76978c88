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

// Package deviceid parses the manual-provisioning connection string and
// holds the device identity for the lifetime of the process.
package deviceid

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// Identity is the device's identity as derived from a connection
// string. RootKey is never serialized; callers that need a string
// representation must go through the key store, not this type.
type Identity struct {
	HubName  string
	DeviceID string
	RootKey  []byte
}

// Parse parses a connection string of the form
// "HostName=<h>;DeviceId=<d>;SharedAccessKey=<b64>".
func Parse(connStr string) (Identity, error) {
	fields := map[string]string{}
	for _, part := range strings.Split(connStr, ";") {
		if part == "" {
			continue
		}
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			return Identity{}, fmt.Errorf("invalid connection string: malformed field %q", part)
		}
		fields[k] = v
	}

	hub := fields["HostName"]
	device := fields["DeviceId"]
	key := fields["SharedAccessKey"]
	if hub == "" || device == "" || key == "" {
		return Identity{}, fmt.Errorf("invalid connection string: missing HostName, DeviceId, or SharedAccessKey")
	}

	root, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return Identity{}, fmt.Errorf("invalid connection string: SharedAccessKey is not valid base64: %w", err)
	}

	return Identity{
		HubName:  hub,
		DeviceID: device,
		RootKey:  root,
	}, nil
}
