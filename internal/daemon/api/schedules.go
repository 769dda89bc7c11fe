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

// ScheduleHandler serves schedule inspection and toggling.
type ScheduleHandler struct {
	List   *commands.ListSchedules
	Toggle *commands.SetScheduleEnabled
	Runs   *commands.ListScheduleRuns
}

// RegisterRoutes mounts the schedule endpoints.
func (h *ScheduleHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/schedules", h.handleList)
	mux.HandleFunc("POST /v1/schedules/{name}/enable", h.toggleHandler(true))
	mux.HandleFunc("POST /v1/schedules/{name}/disable", h.toggleHandler(false))
	mux.HandleFunc("GET /v1/schedules/{name}/runs", h.handleRuns)
}

func (h *ScheduleHandler) handleList(w http.ResponseWriter, r *http.Request) {
	resp, err := h.List.Execute(r.Context())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (h *ScheduleHandler) toggleHandler(enable bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp, err := h.Toggle.Execute(r.Context(), commands.SetScheduleEnabledRequest{
			Name:    r.PathValue("name"),
			Enabled: enable,
		})
		if err != nil {
			httputil.WriteError(w, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, resp)
	}
}

func (h *ScheduleHandler) handleRuns(w http.ResponseWriter, r *http.Request) {
	resp, err := h.Runs.Execute(r.Context(), commands.ListScheduleRunsRequest{
		Name:  r.PathValue("name"),
		Limit: intQuery(r, "limit", 20),
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}
