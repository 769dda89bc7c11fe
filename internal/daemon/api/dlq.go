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

// DLQHandler serves the dead-letter queue.
type DLQHandler struct {
	List    *commands.ListDeadLetters
	Retry   *commands.RetryDeadLetter
	Resolve *commands.ResolveDeadLetter
}

// RegisterRoutes mounts the dead-letter endpoints.
func (h *DLQHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/dlq", h.handleList)
	mux.HandleFunc("POST /v1/dlq/{id}/retry", h.handleRetry)
	mux.HandleFunc("POST /v1/dlq/{id}/resolve", h.handleResolve)
}

func (h *DLQHandler) handleList(w http.ResponseWriter, r *http.Request) {
	resp, err := h.List.Execute(r.Context(), commands.ListDeadLettersRequest{
		IncludeResolved: r.URL.Query().Get("all") == "true",
		Limit:           intQuery(r, "limit", 50),
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (h *DLQHandler) handleRetry(w http.ResponseWriter, r *http.Request) {
	resp, err := h.Retry.Execute(r.Context(), commands.RetryDeadLetterRequest{
		ID: r.PathValue("id"),
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, resp)
}

func (h *DLQHandler) handleResolve(w http.ResponseWriter, r *http.Request) {
	if err := h.Resolve.Execute(r.Context(), commands.ResolveDeadLetterRequest{
		ID: r.PathValue("id"),
	}); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}
