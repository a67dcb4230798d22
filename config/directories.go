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

package config

import (
	"os"
	"path/filepath"
)

const (
	scratchSubDir = "scratch"
	// CacheDirEnv overrides the directory used for downloaded and
	// extracted crate sources.
	CacheDirEnv = "DEPOT_CACHE_DIR"
	// UserConfigDirEnv if set, will be the directory the user config will be loaded from.
	UserConfigDirEnv = "DEPOT_USER_CONFIG_DIR"
)

func EnsureDirectory(dir string, err error) (string, error) {
	if err != nil {
		return dir, err
	}
	return dir, os.MkdirAll(dir, 0755)
}

func CachePath() (string, error) {
	if path, ok := os.LookupEnv(CacheDirEnv); ok {
		return path, nil
	}
	homedir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homedir, ".cache", "cargo-depot"), nil
}

// ScratchPath returns the directory where remote sources are downloaded
// and unpacked before packaging.
func ScratchPath() (string, error) {
	cachePath, err := CachePath()
	if err != nil {
		return "", err
	}
	return filepath.Join(cachePath, scratchSubDir), nil
}
