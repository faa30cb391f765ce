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

package git

import (
	"fmt"
	"os"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-git/v5/plumbing"
)

const (
	lockDir    = "reflocks"
	lockSuffix = ".lock"
)

// refLock is a <ref>.lock file held while a reference is read, compared
// and rewritten. Lock files live under reflocks/, outside refs/, so
// reference iteration never reads them.
type refLock struct {
	fs   billy.Filesystem
	path string
	file billy.File
}

// lockRef creates the lock file exclusively; it fails while another
// update of the same reference holds it.
func (r *Repo) lockRef(name plumbing.ReferenceName) (*refLock, error) {
	fs := osfs.New(r.dir)
	path := fs.Join(lockDir, name.String()+lockSuffix)
	f, err := fs.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o666)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("%s is locked by another update", name)
		}
		return nil, err
	}
	return &refLock{fs: fs, path: path, file: f}, nil
}

func (l *refLock) unlock() error {
	cerr := l.file.Close()
	if err := l.fs.Remove(l.path); err != nil {
		return err
	}
	return cerr
}
