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
	"encoding/json"
	"net/http"

	"github.com/ryansmccoy/spine/internal/commands"
	"github.com/ryansmccoy/spine/internal/daemon/httputil"
)

// ExecutionHandler serves the execution ledger.
type ExecutionHandler struct {
	List   *commands.ListExecutions
	Show   *commands.ShowExecution
	Cancel *commands.CancelExecution
}

// RegisterRoutes mounts the execution endpoints.
func (h *ExecutionHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/executions", h.handleList)
	mux.HandleFunc("GET /v1/executions/{id}", h.handleShow)
	mux.HandleFunc("POST /v1/executions/{id}/cancel", h.handleCancel)
}

func (h *ExecutionHandler) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	resp, err := h.List.Execute(r.Context(), commands.ListExecutionsRequest{
		Pipeline: q.Get("pipeline"),
		Status:   q.Get("status"),
		Lane:     q.Get("lane"),
		Limit:    intQuery(r, "limit", 50),
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (h *ExecutionHandler) handleShow(w http.ResponseWriter, r *http.Request) {
	resp, err := h.Show.Execute(r.Context(), commands.ShowExecutionRequest{
		ID: r.PathValue("id"),
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (h *ExecutionHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		// Best effort: a missing or malformed reason falls back to the
		// default.
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	resp, err := h.Cancel.Execute(r.Context(), commands.CancelExecutionRequest{
		ID:     r.PathValue("id"),
		Reason: body.Reason,
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}
