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

// Project Repository Store and Git Plumbing
//
// This package owns the bare repositories backing hosted projects. Each
// project gets exactly one bare repository, named by its project hash,
// under a configured root directory.
//
// All mutation happens at the object level: patches are applied by
// reading blobs from the base tree, writing new blobs and trees into the
// object store and finally moving a branch reference. No working
// directory is ever materialized.
//
// # Reference Updates
//
// Branch references are only ever moved with compare-and-swap semantics
// (see UpdateRef). The caller states the object id it last observed; if
// the reference no longer points there the update is rejected with a
// ConcurrencyConflict error. The read and the write happen under the
// reference's lock file; an update that finds the lock held fails with
// LockFailure. Nothing in this package retries a rejected update.
package git
