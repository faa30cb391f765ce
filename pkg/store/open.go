// Copyright 2024 The gitcore Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"context"

	"k8s.io/klog/v2"
)

// Open connects to the Postgres database at dsn, creating missing tables
// when initSchema is set. An empty dsn selects an in-memory store whose
// records are lost on exit. The returned function releases the store.
func Open(ctx context.Context, dsn string, initSchema bool) (Store, func() error, error) {
	if dsn == "" {
		klog.Warningf("no database configured, project records are kept in memory")
		return NewMemory(), func() error { return nil }, nil
	}

	db, err := OpenPostgres(ctx, dsn)
	if err != nil {
		return nil, nil, err
	}
	if initSchema {
		if err := db.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
	}
	return db, db.Close, nil
}
