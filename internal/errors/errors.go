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

// Package errors defines the error handling used by the gitcore codebase.
package errors

import (
	goerrors "errors"
	"fmt"
	"strings"
)

// Error is an implementation of the error interface used in the gitcore
// codebase.
// It is based on the design in https://commandcenter.blogspot.com/2017/12/error-handling-in-upspin.html
type Error struct {
	// Path is the repository or file path involved in the operation.
	Path Path

	// Op is the operation being performed, for ex. repo.create, git.commit
	Op Op

	// Kind refers to class of errors
	Kind Kind

	// Err refers to wrapped error (if any)
	Err error
}

func (e *Error) Error() string {
	b := new(strings.Builder)

	if e.Op != "" {
		pad(b, ": ")
		b.WriteString(string(e.Op))
	}

	if e.Path != "" {
		pad(b, ": ")
		b.WriteString(string(e.Path))
	}

	if e.Kind != 0 {
		pad(b, ": ")
		b.WriteString(e.Kind.String())
	}

	if e.Err != nil {
		if wrappedErr, ok := e.Err.(*Error); ok {
			if !wrappedErr.Zero() {
				pad(b, ":\n\t")
				b.WriteString(wrappedErr.Error())
			}
		} else {
			pad(b, ": ")
			b.WriteString(e.Err.Error())
		}
	}
	if b.Len() == 0 {
		return "no error"
	}
	return b.String()
}

// Unwrap returns the wrapped error so errors.Is and errors.As see through Error.
func (e *Error) Unwrap() error {
	return e.Err
}

// pad appends given str to the string buffer.
func pad(b *strings.Builder, str string) {
	if b.Len() == 0 {
		return
	}
	b.WriteString(str)
}

func (e *Error) Zero() bool {
	return e.Op == "" && e.Path == "" && e.Kind == 0 && e.Err == nil
}

// Op describes the operation being performed.
type Op string

// Path is the repository directory or file path an error refers to.
type Path string

// Kind describes the class of errors encountered.
type Kind int

const (
	Other               Kind = iota // Unclassified. Will not be printed.
	Exist                           // Item already exists.
	NotFound                        // Item does not exist.
	Internal                        // Internal error.
	InvalidParam                    // Value is not valid.
	Authentication                  // Credentials missing or malformed.
	Authorization                   // Credentials rejected.
	PatchApply                      // Patch could not be parsed or applied.
	ConcurrencyConflict             // Reference moved since it was read.
	LockFailure                     // Reference could not be locked or written.
	RepositoryState                 // Repository is mid-merge or mid-rebase.
	AnalysisBridge                  // Talking to the analysis service failed.
	Git                             // Errors from Git
)

func (k Kind) String() string {
	switch k {
	case Other:
		return "other error"
	case Exist:
		return "item already exist"
	case NotFound:
		return "item does not exist"
	case Internal:
		return "internal error"
	case InvalidParam:
		return "invalid parameter value"
	case Authentication:
		return "authentication required"
	case Authorization:
		return "authorization failed"
	case PatchApply:
		return "patch does not apply"
	case ConcurrencyConflict:
		return "concurrent update"
	case LockFailure:
		return "lock failure"
	case RepositoryState:
		return "repository not in a committable state"
	case AnalysisBridge:
		return "analysis service error"
	case Git:
		return "git error"
	}
	return "unknown kind"
}

func E(args ...interface{}) error {
	if len(args) == 0 {
		panic("errors.E must have at least one argument")
	}

	e := &Error{}
	for _, arg := range args {
		switch a := arg.(type) {
		case Path:
			e.Path = a
		case Op:
			e.Op = a
		case Kind:
			e.Kind = a
		case *Error:
			cp := *a
			e.Err = &cp
		case error:
			e.Err = a
		case string:
			e.Err = goerrors.New(a)
		default:
			panic(fmt.Errorf("unknown type %T for value %v in call to error.E", a, a))
		}
	}

	wrappedErr, ok := e.Err.(*Error)
	if !ok {
		return e
	}

	if e.Path == wrappedErr.Path {
		wrappedErr.Path = ""
	}

	if e.Op == wrappedErr.Op {
		wrappedErr.Op = ""
	}

	if e.Kind == wrappedErr.Kind {
		wrappedErr.Kind = 0
	}

	return e
}

// KindOf returns the first non-Other kind found in the chain of err.
func KindOf(err error) Kind {
	for err != nil {
		var e *Error
		if !goerrors.As(err, &e) {
			return Other
		}
		if e.Kind != Other {
			return e.Kind
		}
		err = e.Err
	}
	return Other
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
