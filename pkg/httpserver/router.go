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

// Package httpserver is the regex-based router and middleware chain
// shared by the Management and Workload APIs. Routes are matched in
// registration order against (method, path); named captures are
// passed to handlers through the request context.
package httpserver

import (
	"context"
	"net/http"
	"regexp"
)

type paramsKey struct{}

// Params returns the named captures matched for r's route, or nil if
// none matched (r was not dispatched through a Router).
func Params(r *http.Request) map[string]string {
	v, _ := r.Context().Value(paramsKey{}).(map[string]string)
	return v
}

type route struct {
	method  string
	pattern *regexp.Regexp
	names   []string
	handler http.HandlerFunc
}

// Router dispatches by linear scan over routes registered with
// Handle, first match wins.
type Router struct {
	routes []route
}

// NewRouter returns an empty Router.
func NewRouter() *Router {
	return &Router{}
}

// Handle registers handler for method and a path pattern written as a
// regexp with Go named-capture groups, e.g. "^/modules/(?P<name>[^/]+)$".
func (rt *Router) Handle(method, pattern string, handler http.HandlerFunc) {
	re := regexp.MustCompile(pattern)
	rt.routes = append(rt.routes, route{
		method:  method,
		pattern: re,
		names:   re.SubexpNames(),
		handler: handler,
	})
}

// ServeHTTP implements http.Handler. No match responds 404.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	for _, rte := range rt.routes {
		if rte.method != r.Method {
			continue
		}
		m := rte.pattern.FindStringSubmatch(r.URL.Path)
		if m == nil {
			continue
		}
		params := make(map[string]string, len(rte.names))
		for i, name := range rte.names {
			if i == 0 || name == "" {
				continue
			}
			params[name] = m[i]
		}
		ctx := context.WithValue(r.Context(), paramsKey{}, params)
		rte.handler(w, r.WithContext(ctx))
		return
	}
	http.NotFound(w, r)
}
