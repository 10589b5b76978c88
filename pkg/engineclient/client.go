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

package engineclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/yophilav/iotedge/pkg/apierror"
)

// OwnerLabel is the fixed label every container created by this daemon
// carries. Listings filter on it; the daemon must never act on
// containers lacking it.
const OwnerLabel = "net.azure-devices.edge.owner"

// OwnerLabelValue is the value paired with OwnerLabel.
const OwnerLabelValue = "Microsoft.Azure.Devices.Edge.Agent"

// Container is the subset of the engine's container-list response this
// daemon consumes.
type Container struct {
	ID     string            `json:"Id"`
	Names  []string          `json:"Names"`
	Labels map[string]string `json:"Labels"`
	State  string            `json:"State"`
}

// Client is a cloneable, concurrency-safe handle over a single engine
// endpoint. Its underlying HTTP client and connection(s) are shared
// across requests.
type Client struct {
	t *transport
}

// New resolves uri and returns a Client bound to it.
func New(uri string) (*Client, error) {
	t, err := newTransport(uri)
	if err != nil {
		return nil, err
	}
	return &Client{t: t}, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, apierror.Wrap(apierror.Internal, err, "marshal request body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	full := c.t.baseURL + path
	if len(query) > 0 {
		full += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, full, reader)
	if err != nil {
		return nil, apierror.Wrap(apierror.Internal, err, "build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.t.httpClient.Do(req)
	if err != nil {
		return nil, apierror.Wrap(apierror.Engine, err, "engine request failed: %v", err)
	}
	return resp, nil
}

// checkStatus reads and discards the response body, mapping any
// non-2xx status to an Engine error. 4xx responses pass their status
// through rather than collapsing to 500, per the error-mapping rule for
// Engine errors.
func checkStatus(resp *http.Response) error {
	defer resp.Body.Close()
	return statusError(resp)
}

// checkStatusKeepBody mirrors checkStatus but leaves resp.Body open on
// success, for callers that still need to decode it.
func checkStatusKeepBody(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	defer resp.Body.Close()
	return statusError(resp)
}

func statusError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(b))
	if msg == "" {
		msg = resp.Status
	}
	err := apierror.New(apierror.Engine, "engine error: %s", msg)
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return err.WithStatus(resp.StatusCode)
	}
	return err
}

// ImageCreate pulls name. name must be non-empty.
func (c *Client) ImageCreate(ctx context.Context, name string) error {
	if strings.TrimSpace(name) == "" {
		return apierror.New(apierror.InvalidArgument, "image name must not be empty")
	}
	ctx, cancel := context.WithTimeout(ctx, pullTimeout)
	defer cancel()
	q := url.Values{"fromImage": {name}}
	resp, err := c.do(ctx, http.MethodPost, "/images/create", q, nil)
	if err != nil {
		return err
	}
	return checkStatus(resp)
}

// ImageDelete removes the named image.
func (c *Client) ImageDelete(ctx context.Context, name string, force, noprune bool) error {
	if strings.TrimSpace(name) == "" {
		return apierror.New(apierror.InvalidArgument, "image name must not be empty")
	}
	ctx, cancel := context.WithTimeout(ctx, controlTimeout)
	defer cancel()
	q := url.Values{
		"force":   {strconv.FormatBool(force)},
		"noprune": {strconv.FormatBool(noprune)},
	}
	resp, err := c.do(ctx, http.MethodDelete, "/images/"+url.PathEscape(name), q, nil)
	if err != nil {
		return err
	}
	return checkStatus(resp)
}

// ContainerCreate submits body (the assembled engine create-options)
// under the given name and returns the new container's ID.
func (c *Client) ContainerCreate(ctx context.Context, body map[string]any, name string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, controlTimeout)
	defer cancel()
	q := url.Values{}
	if name != "" {
		q.Set("name", name)
	}
	resp, err := c.do(ctx, http.MethodPost, "/containers/create", q, body)
	if err != nil {
		return "", err
	}
	if err := checkStatusKeepBody(resp); err != nil {
		return "", err
	}
	var out struct {
		ID string `json:"Id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		resp.Body.Close()
		return "", apierror.Wrap(apierror.Internal, err, "decode container create response: %v", err)
	}
	resp.Body.Close()
	return out.ID, nil
}

// ContainerStart is a no-op if the container is already running.
func (c *Client) ContainerStart(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, controlTimeout)
	defer cancel()
	resp, err := c.do(ctx, http.MethodPost, "/containers/"+url.PathEscape(id)+"/start", nil, nil)
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusNotModified {
		resp.Body.Close()
		return nil
	}
	return checkStatus(resp)
}

// ContainerStop asks the engine to stop the container, killing it after
// timeout elapses.
func (c *Client) ContainerStop(ctx context.Context, id string, timeoutSeconds int) error {
	ctx, cancel := context.WithTimeout(ctx, controlTimeout+time.Duration(timeoutSeconds)*time.Second)
	defer cancel()
	q := url.Values{"t": {strconv.Itoa(timeoutSeconds)}}
	resp, err := c.do(ctx, http.MethodPost, "/containers/"+url.PathEscape(id)+"/stop", q, nil)
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusNotModified {
		resp.Body.Close()
		return nil
	}
	return checkStatus(resp)
}

// ContainerDelete removes the container (and, with v=true, its
// anonymous volumes).
func (c *Client) ContainerDelete(ctx context.Context, id string, force, v, link bool) error {
	ctx, cancel := context.WithTimeout(ctx, controlTimeout)
	defer cancel()
	q := url.Values{
		"force": {strconv.FormatBool(force)},
		"v":     {strconv.FormatBool(v)},
		"link":  {strconv.FormatBool(link)},
	}
	resp, err := c.do(ctx, http.MethodDelete, "/containers/"+url.PathEscape(id), q, nil)
	if err != nil {
		return err
	}
	return checkStatus(resp)
}

// ContainerList returns containers labeled with OwnerLabel. With
// all==true stopped containers are included; otherwise only running ones.
func (c *Client) ContainerList(ctx context.Context, all bool) ([]Container, error) {
	ctx, cancel := context.WithTimeout(ctx, controlTimeout)
	defer cancel()
	filters := map[string][]string{
		"label": {fmt.Sprintf("%s=%s", OwnerLabel, OwnerLabelValue)},
	}
	fb, err := json.Marshal(filters)
	if err != nil {
		return nil, apierror.Wrap(apierror.Internal, err, "marshal filters: %v", err)
	}
	q := url.Values{
		"all":     {strconv.FormatBool(all)},
		"filters": {string(fb)},
	}
	resp, err := c.do(ctx, http.MethodGet, "/containers/json", q, nil)
	if err != nil {
		return nil, err
	}
	if err := checkStatusKeepBody(resp); err != nil {
		return nil, err
	}
	var out []Container
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		resp.Body.Close()
		return nil, apierror.Wrap(apierror.Internal, err, "decode container list response: %v", err)
	}
	resp.Body.Close()
	return out, nil
}
