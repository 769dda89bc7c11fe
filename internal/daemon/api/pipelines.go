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
	spineerrors "github.com/ryansmccoy/spine/pkg/errors"
)

// PipelineHandler serves the pipeline catalog and run admissions.
type PipelineHandler struct {
	List     *commands.ListPipelines
	Describe *commands.DescribePipeline
	Run      *commands.RunPipeline

	// Draining, when set, lets the handler refuse new admissions
	// during graceful shutdown.
	Draining func() bool
}

// RegisterRoutes mounts the pipeline endpoints.
func (h *PipelineHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/pipelines", h.handleList)
	mux.HandleFunc("GET /v1/pipelines/{name}", h.handleDescribe)
	mux.HandleFunc("POST /v1/pipelines/{name}/run", h.handleRun)
}

func (h *PipelineHandler) handleList(w http.ResponseWriter, r *http.Request) {
	resp, err := h.List.Execute(r.Context(), commands.ListPipelinesRequest{
		Prefix: r.URL.Query().Get("prefix"),
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (h *PipelineHandler) handleDescribe(w http.ResponseWriter, r *http.Request) {
	detail, err := h.Describe.Execute(r.Context(), commands.DescribePipelineRequest{
		Name: r.PathValue("name"),
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, detail)
}

type runRequest struct {
	Params map[string]any `json:"params"`
	Lane   string         `json:"lane"`
	DryRun bool           `json:"dry_run"`
}

func (h *PipelineHandler) handleRun(w http.ResponseWriter, r *http.Request) {
	if h.Draining != nil && h.Draining() {
		httputil.WriteError(w, &spineerrors.TransientError{
			Op:      "submit",
			Message: "daemon is draining, not accepting new work",
		})
		return
	}

	var body runRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			httputil.WriteError(w, &spineerrors.ParseError{
				Format:  "json",
				Message: "malformed run request body",
				Cause:   err,
			})
			return
		}
	}

	resp, err := h.Run.Execute(r.Context(), commands.RunPipelineRequest{
		Name:          r.PathValue("name"),
		Params:        body.Params,
		Lane:          body.Lane,
		DryRun:        body.DryRun,
		TriggerSource: "api",
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	// Dry runs resolve inline; real admissions are accepted for
	// asynchronous execution.
	status := http.StatusAccepted
	if body.DryRun {
		status = http.StatusOK
	}
	httputil.WriteJSON(w, status, resp)
}
