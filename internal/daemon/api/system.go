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

package api

import (
	"net/http"

	"github.com/ryansmccoy/spine/internal/commands"
	"github.com/ryansmccoy/spine/internal/daemon/httputil"
)

// SystemHandler serves liveness and capability discovery.
type SystemHandler struct {
	Health       *commands.CheckHealth
	Capabilities *commands.GetCapabilities
}

// RegisterRoutes mounts the system endpoints.
func (h *SystemHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /v1/capabilities", h.handleCapabilities)
}

func (h *SystemHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp, err := h.Health.Execute(r.Context())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	httputil.WriteJSON(w, status, resp)
}

func (h *SystemHandler) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	resp, err := h.Capabilities.Execute(r.Context())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}
