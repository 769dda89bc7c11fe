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

package commands

import (
	"context"

	"github.com/ryansmccoy/spine/internal/config"
	"github.com/ryansmccoy/spine/internal/store"
)

// InitDB opens the configured database and applies pending migrations.
// Opening is idempotent; rerunning against a current database is a
// no-op.
type InitDB struct {
	Config config.DatabaseConfig
}

// InitDBResponse reports the migrated database.
type InitDBResponse struct {
	Dialect string `json:"dialect"`
	Current bool   `json:"current"`
}

func (c *InitDB) Execute(ctx context.Context) (*InitDBResponse, error) {
	st, err := store.Open(ctx, c.Config)
	if err != nil {
		return nil, err
	}
	defer st.Close()

	pending, err := st.PendingMigrations(ctx)
	if err != nil {
		return nil, err
	}
	return &InitDBResponse{
		Dialect: st.Dialect().Name(),
		Current: len(pending) == 0,
	}, nil
}
