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
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

func isDirectory(p string) (bool, error) {
	stat, err := os.Stat(p)
	if err != nil {
		return false, err
	}
	return stat.IsDir(), nil
}

func isFile(p string) (bool, error) {
	info, err := os.Stat(p)
	if os.IsNotExist(err) {
		return false, nil
	} else if err != nil {
		return false, err
	} else if info.IsDir() {
		return false, nil
	}
	return true, nil
}

func doesPathExist(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

// walkFiles visits every regular file below root, skipping hidden files
// and directories.
func walkFiles(root string, visit func(path string, name string)) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if len(info.Name()) > 1 && info.Name()[0] == '.' {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.IsDir() {
			return nil
		}
		visit(path, info.Name())
		return nil
	})
}

func sortStringsStable(strs []string) {
	sort.SliceStable(strs, func(i, j int) bool { return strs[i] < strs[j] })
}

func errDanglingDep(name string, req string) error {
	return fmt.Errorf("dependency '%s' (%s) does not resolve in this registry", name, req)
}
