// Copyright (C) 2024 the cargo-depot authors.
//
// This library is free software; you can redistribute it and/or
// modify it under the terms of the GNU Lesser General Public
// License as published by the Free Software Foundation; version
// 2.1 only.
//
// This library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Lesser General Public License for more details.
//
// The license can be found in the file `LICENSE` in the top level
// directory of this repository.

package depot

import (
	"errors"
	"fmt"
	"strings"
)

// ErrDuplicateVersion signals that a crate version is already present in
// the index. It is informational: the publish is skipped and the batch
// continues.
var ErrDuplicateVersion = errors.New("version already in the index")

// ManifestParseError wraps a failure to read or parse a Cargo.toml.
// Fatal to the job it occurs in.
type ManifestParseError struct {
	Path string
	Err  error
}

func (e *ManifestParseError) Error() string {
	return fmt.Sprintf("failed to parse manifest '%s': %v", e.Path, e.Err)
}

func (e *ManifestParseError) Unwrap() error { return e.Err }

// CyclicDependencyError reports a publish cycle, either between batch
// entries or through transitively discovered checkout/path dependencies.
// Chain lists the source identities on the cycle, in discovery order.
type CyclicDependencyError struct {
	Chain []string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("cyclic dependency: %s", strings.Join(e.Chain, " -> "))
}

// FetchError wraps a failure to materialize a crate source.
type FetchError struct {
	Source string
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("failed to fetch '%s': %v", e.Source, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// PackagingError wraps a failure to build a crate tarball.
type PackagingError struct {
	Crate string
	Err   error
}

func (e *PackagingError) Error() string {
	return fmt.Sprintf("failed to package '%s': %v", e.Crate, e.Err)
}

func (e *PackagingError) Unwrap() error { return e.Err }

// ManifestPatchError reports that binary/example targets could not be
// disabled on a manifest copy before packaging.
type ManifestPatchError struct {
	Crate  string
	Reason string
}

func (e *ManifestPatchError) Error() string {
	return fmt.Sprintf("cannot patch manifest of '%s': %s", e.Crate, e.Reason)
}

// IndexWriteError wraps an I/O or consistency failure while writing an
// index record or a tarball. Previously committed records remain valid.
type IndexWriteError struct {
	Name    string
	Version string
	Err     error
}

func (e *IndexWriteError) Error() string {
	return fmt.Sprintf("failed to write index record for '%s %s': %v", e.Name, e.Version, e.Err)
}

func (e *IndexWriteError) Unwrap() error { return e.Err }
