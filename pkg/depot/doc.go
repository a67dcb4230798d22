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

// Package depot maintains a self-hosted, static cargo alternative registry.
//
// Key concepts:
//   - Registry store: an on-disk tree (index + crates) that cargo's sparse
//     registry protocol can consume directly. The index is sharded by crate
//     name; each index file holds one newline-delimited JSON record per
//     published version.
//   - Crate source: one requested input, either a local directory or an
//     HTTP(S) tarball. Dependencies of a crate can additionally point at git
//     checkouts or local paths.
//   - Dependency rewriting: when a crate depends on another crate through a
//     checkout or path, that dependency is published first (recursively) and
//     the dependency entry is rewritten to reference this registry, so that
//     consumers need no patching of their dependency graphs.
//   - Publish job: one unit of work binding a source to its manifest and
//     completion state. Jobs are keyed by normalized source identity, which
//     is also where publish cycles are detected.
//
// The package never mutates input source trees: manifest edits happen on
// in-memory working copies, and the patched manifest only exists inside the
// produced tarball.
package depot
