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

// Package commands is the transport-neutral command layer. Every
// operation the CLI and the HTTP API expose is a plain struct here with
// an Execute method over narrow interfaces, so both surfaces share one
// behavior and one error taxonomy.
package commands

import (
	"context"

	"github.com/ryansmccoy/spine/pkg/pipeline"
)

// ListPipelines returns the registered pipeline catalog.
type ListPipelines struct {
	Registry *pipeline.Registry
}

// ListPipelinesRequest filters the catalog by name prefix.
type ListPipelinesRequest struct {
	Prefix string
}

// ListPipelinesResponse carries catalog entries sorted by name.
type ListPipelinesResponse struct {
	Pipelines []pipeline.Detail `json:"pipelines"`
}

func (c *ListPipelines) Execute(ctx context.Context, req ListPipelinesRequest) (*ListPipelinesResponse, error) {
	return &ListPipelinesResponse{Pipelines: c.Registry.List(req.Prefix)}, nil
}

// DescribePipeline returns the full declaration of one pipeline.
type DescribePipeline struct {
	Registry *pipeline.Registry
}

// DescribePipelineRequest names the pipeline to describe.
type DescribePipelineRequest struct {
	Name string
}

func (c *DescribePipeline) Execute(ctx context.Context, req DescribePipelineRequest) (*pipeline.Detail, error) {
	p, err := c.Registry.Get(req.Name)
	if err != nil {
		return nil, err
	}
	detail := p.Describe()
	return &detail, nil
}
