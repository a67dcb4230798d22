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
	"encoding/json"
	"os"
	"strings"
)

// RecordDep is one resolved dependency inside an index record.
// Only registry-class sources appear here; checkout/path sources are
// rewritten before a record is built.
type RecordDep struct {
	Name            string   `json:"name"`
	Req             string   `json:"req"`
	Features        []string `json:"features"`
	Optional        bool     `json:"optional"`
	DefaultFeatures bool     `json:"default_features"`
	Target          *string  `json:"target"`
	Kind            DepKind  `json:"kind"`
	// Registry is null for crates resolved from this registry.
	Registry *string `json:"registry"`
	// Package is the real crate name for renamed dependencies.
	Package *string `json:"package,omitempty"`
}

// IndexRecord describes one published version of one crate, one JSON line
// in the crate's index file. Immutable once written.
type IndexRecord struct {
	Name     string              `json:"name"`
	Vers     string              `json:"vers"`
	Deps     []RecordDep         `json:"deps"`
	Cksum    string              `json:"cksum"`
	Features map[string][]string `json:"features"`
	Yanked   bool                `json:"yanked"`
	Links    *string             `json:"links"`
	V        int                 `json:"v"`
}

// ReadIndex returns all records of the crate's index file, in publish
// order. A missing file yields an empty slice.
func (s *Store) ReadIndex(name string) ([]IndexRecord, error) {
	b, err := os.ReadFile(s.IndexPath(name))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var records []IndexRecord
	for _, line := range strings.Split(string(b), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var record IndexRecord
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

// Lookup returns the record for name-version, or nil if absent.
func (s *Store) Lookup(name string, version string) (*IndexRecord, error) {
	records, err := s.ReadIndex(name)
	if err != nil {
		return nil, err
	}
	for i := range records {
		if records[i].Vers == version {
			return &records[i], nil
		}
	}
	return nil, nil
}

// ListIndex returns the names of all crates present in the index, sorted.
func (s *Store) ListIndex() ([]string, error) {
	indexRoot := s.root + string(os.PathSeparator) + IndexDir
	var names []string
	err := walkFiles(indexRoot, func(path string, name string) {
		if name == IndexConfigName {
			return
		}
		names = append(names, name)
	})
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sortStringsStable(names)
	return names, nil
}

// Append adds a record to the crate's index file.
// Returns ErrDuplicateVersion when the version is already present. Every
// dependency that references this registry must already resolve here, so a
// record never dangles.
// Prior lines are preserved verbatim; the replacement write is atomic.
func (s *Store) Append(record IndexRecord) error {
	return s.withShardLock(record.Name, func() error {
		existing, err := s.Lookup(record.Name, record.Vers)
		if err != nil {
			return &IndexWriteError{Name: record.Name, Version: record.Vers, Err: err}
		}
		if existing != nil {
			return ErrDuplicateVersion
		}

		for _, dep := range record.Deps {
			if dep.Registry != nil {
				// Resolved against an external registry; nothing to check here.
				continue
			}
			depName := dep.Name
			if dep.Package != nil {
				depName = *dep.Package
			}
			if err := s.checkDepResolvable(depName, dep.Req); err != nil {
				return &IndexWriteError{Name: record.Name, Version: record.Vers, Err: err}
			}
		}

		path := s.IndexPath(record.Name)
		prior, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return &IndexWriteError{Name: record.Name, Version: record.Vers, Err: err}
		}
		line, err := json.Marshal(record)
		if err != nil {
			return &IndexWriteError{Name: record.Name, Version: record.Vers, Err: err}
		}
		content := append(prior, line...)
		content = append(content, '\n')
		if err := s.atomicWrite(path, content); err != nil {
			return &IndexWriteError{Name: record.Name, Version: record.Vers, Err: err}
		}
		return nil
	})
}

// Delete removes the record for name-version ("*" for all versions) and
// the corresponding tarball artifact. Dependents are not checked: removing
// a depended-upon version leaves them referencing a missing entry, which
// is only reported as a warning.
func (s *Store) Delete(name string, version string) error {
	return s.withShardLock(name, func() error {
		records, err := s.ReadIndex(name)
		if err != nil {
			return err
		}
		if records == nil {
			s.ui.ReportWarning("Crate '%s' not found in the index", name)
			return nil
		}

		if version == "*" {
			if err := os.Remove(s.IndexPath(name)); err != nil {
				return err
			}
			if err := os.RemoveAll(s.CrateDir(name)); err != nil {
				return err
			}
			s.ui.ReportInfo("Removed all %d version(s) of '%s'", len(records), name)
			s.warnDependents(name, "")
			return nil
		}

		kept := records[:0]
		found := false
		for _, record := range records {
			if record.Vers == version {
				found = true
				continue
			}
			kept = append(kept, record)
		}
		if !found {
			s.ui.ReportWarning("Version %s of '%s' not found in the index", version, name)
			return nil
		}
		if len(kept) == 0 {
			if err := os.Remove(s.IndexPath(name)); err != nil {
				return err
			}
		} else {
			var content []byte
			for _, record := range kept {
				line, err := json.Marshal(record)
				if err != nil {
					return err
				}
				content = append(content, line...)
				content = append(content, '\n')
			}
			if err := s.atomicWrite(s.IndexPath(name), content); err != nil {
				return err
			}
		}
		if err := os.RemoveAll(s.TarballPath(name, version)); err != nil {
			return err
		}
		// Drop now-empty crates/<name>/<version> directories.
		os.Remove(s.CrateDir(name) + string(os.PathSeparator) + version)
		s.ui.ReportInfo("Removed '%s %s'", name, version)
		s.warnDependents(name, version)
		return nil
	})
}

// checkDepResolvable verifies that at least one published version of the
// dependency satisfies the requirement.
func (s *Store) checkDepResolvable(name string, req string) error {
	records, err := s.ReadIndex(name)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return errDanglingDep(name, req)
	}
	constraint, err := parseRequirement(req)
	if err != nil {
		// Unparseable requirements (e.g. exotic cargo operators) are left to
		// the client; the crate exists, which is the integrity we guarantee.
		return nil
	}
	for _, record := range records {
		if record.Yanked {
			continue
		}
		if constraint.Allows(record.Vers) {
			return nil
		}
	}
	return errDanglingDep(name, req)
}

// warnDependents emits an advisory warning for records that reference the
// removed crate. No cascading deletion is performed.
func (s *Store) warnDependents(name string, version string) {
	names, err := s.ListIndex()
	if err != nil {
		return
	}
	for _, other := range names {
		if strings.EqualFold(other, name) {
			continue
		}
		records, err := s.ReadIndex(other)
		if err != nil {
			continue
		}
		for _, record := range records {
			for _, dep := range record.Deps {
				depName := dep.Name
				if dep.Package != nil {
					depName = *dep.Package
				}
				if dep.Registry == nil && strings.EqualFold(depName, name) {
					s.ui.ReportWarning("'%s %s' still references removed crate '%s'", record.Name, record.Vers, name)
				}
			}
		}
	}
}
