// Copyright 2025 Ryan McCoy
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

// Package api provides the daemon's HTTP surface: thin adapters that
// decode requests, call the shared command layer, and encode views or
// error envelopes. Routing uses ServeMux method patterns.
package api

import (
	"net/http"
	"strconv"
)

// RouterConfig holds configuration for the API router.
type RouterConfig struct {
	Version string
}

// Router wraps an http.ServeMux; handlers register their routes on Mux.
type Router struct {
	mux *http.ServeMux
	cfg RouterConfig
}

// NewRouter returns a router with no routes registered.
func NewRouter(cfg RouterConfig) *Router {
	return &Router{mux: http.NewServeMux(), cfg: cfg}
}

// Mux exposes the underlying mux for route registration.
func (r *Router) Mux() *http.ServeMux {
	return r.mux
}

// Handler returns the routable handler.
func (r *Router) Handler() http.Handler {
	return r.mux
}

// SetMetricsHandler mounts the Prometheus/OTel metrics endpoint.
func (r *Router) SetMetricsHandler(h http.Handler) {
	if h != nil {
		r.mux.Handle("GET /metrics", h)
	}
}

// intQuery reads an integer query parameter, falling back on absence or
// garbage.
func intQuery(req *http.Request, key string, fallback int) int {
	raw := req.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
