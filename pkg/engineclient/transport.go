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

// Package engineclient is a typed JSON/HTTP client for the subset of the
// Docker Engine API (v1.34) the module runtime needs, bound to either a
// Unix-domain socket or a TCP(+TLS) endpoint.
package engineclient

import (
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/docker/go-connections/sockets"
	"github.com/yophilav/iotedge/pkg/apierror"
)

// transport holds the resolved HTTP client and base URL for a single
// engine endpoint. Unix-socket requests are issued against a synthetic
// "http://docker" origin with the connection dialed directly on the
// socket; TCP requests use the endpoint's own URL as the base.
type transport struct {
	httpClient *http.Client
	baseURL    string
}

// newTransport resolves uri (unix://<path>, http://host:port, or
// https://host:port) into a transport. Unix sockets are checked for
// existence so that a missing engine fails fast at construction instead
// of on the first request.
func newTransport(uri string) (*transport, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, apierror.Wrap(apierror.InvalidArgument, err, "invalid engine uri %q: %v", uri, err)
	}

	switch u.Scheme {
	case "unix":
		path := u.Path
		if path == "" {
			path = u.Opaque
		}
		if _, err := os.Stat(path); err != nil {
			return nil, apierror.Wrap(apierror.InvalidArgument, err, "engine socket %q: %v", path, err)
		}
		tr := &http.Transport{}
		if err := sockets.ConfigureTransport(tr, "unix", path); err != nil {
			return nil, apierror.Wrap(apierror.Internal, err, "configure unix transport: %v", err)
		}
		return &transport{
			httpClient: &http.Client{Transport: tr, Timeout: 0},
			baseURL:    "http://docker",
		}, nil
	case "http", "https":
		tr := &http.Transport{}
		if err := sockets.ConfigureTransport(tr, u.Scheme, u.Host); err != nil {
			return nil, apierror.Wrap(apierror.Internal, err, "configure tcp transport: %v", err)
		}
		return &transport{
			httpClient: &http.Client{Transport: tr, Timeout: 0},
			baseURL:    u.Scheme + "://" + u.Host,
		}, nil
	default:
		return nil, apierror.New(apierror.InvalidArgument, "unsupported engine uri scheme %q", u.Scheme)
	}
}

// controlTimeout is the default per-request deadline for control-plane
// engine operations (anything that isn't an image pull).
const controlTimeout = 30 * time.Second

// pullTimeout is the per-request deadline for image pulls, which can
// take substantially longer than control operations.
const pullTimeout = 5 * time.Minute
