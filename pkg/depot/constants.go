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

const (
	// IndexDir is the directory inside the registry root that holds the
	// sharded index tree.
	IndexDir = "index"

	// CratesDir is the directory inside the registry root that holds the
	// crate tarballs, as crates/<name>/<version>/download.
	CratesDir = "crates"

	// IndexConfigName is the configuration file at the root of the index,
	// read by registry clients to locate downloads.
	IndexConfigName = "config.json"

	// ManifestFileName is the crate manifest inside a source tree.
	ManifestFileName = "Cargo.toml"

	// DownloadFileName is the tarball file name inside crates/<name>/<version>/.
	DownloadFileName = "download"

	// indexSchemaVersion is the 'v' marker written into every index record.
	indexSchemaVersion = 2

	// storeLockName is the file lock taken at the registry root for the
	// duration of a mutating batch.
	storeLockName = ".depot.lock"

	// cratesIOIndexURL is the source string cargo uses for crates resolved
	// from the default registry. Index records carry it so that such
	// dependencies are not looked up in this registry.
	cratesIOIndexURL = "registry+https://github.com/rust-lang/crates.io-index"
)
