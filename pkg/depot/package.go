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
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/gobwas/glob"
)

// Checksum returns the lowercase hex SHA-256 digest of b.
func Checksum(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// ChecksumFile returns the lowercase hex SHA-256 digest of the file at path.
func ChecksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Paths that are never packaged, independent of the manifest's
// include/exclude lists.
var alwaysExcluded = []string{
	".git",
	".git/**",
	".gitignore",
	".github",
	".github/**",
	"target",
	"target/**",
	"Cargo.lock",
}

// fileFilter decides which source files enter a crate tarball, following
// the manifest's include and exclude lists. Paths are matched relative to
// the crate root, with forward slashes.
type fileFilter struct {
	include []glob.Glob
	exclude []glob.Glob
}

func newFileFilter(info PackageInfo) (*fileFilter, error) {
	f := &fileFilter{}
	for _, pattern := range info.Include {
		g, err := compilePathGlob(pattern)
		if err != nil {
			return nil, err
		}
		f.include = append(f.include, g)
	}
	excludes := append([]string{}, alwaysExcluded...)
	excludes = append(excludes, info.Exclude...)
	for _, pattern := range excludes {
		g, err := compilePathGlob(pattern)
		if err != nil {
			return nil, err
		}
		f.exclude = append(f.exclude, g)
	}
	return f, nil
}

func compilePathGlob(pattern string) (glob.Glob, error) {
	g, err := glob.Compile(pattern, '/')
	if err != nil {
		return nil, fmt.Errorf("invalid packaging pattern '%s': %w", pattern, err)
	}
	return g, nil
}

// matches reports whether the relative path rel enters the tarball. The
// manifest is always packaged, whatever the lists say.
func (f *fileFilter) matches(rel string) bool {
	if rel == ManifestFileName {
		return true
	}
	for _, g := range f.exclude {
		if g.Match(rel) {
			return false
		}
	}
	if len(f.include) == 0 {
		return true
	}
	for _, g := range f.include {
		if g.Match(rel) {
			return true
		}
	}
	return false
}

// Crate is the output of packaging: the tarball bytes and their digest,
// together with the manifest the tarball carries.
type Crate struct {
	Name     string
	Version  string
	Tarball  []byte
	Checksum string
	Manifest *Manifest
}

// Package builds the distributable tarball for the crate rooted at dir.
// The on-disk manifest is replaced by the serialization of m, which has
// already been patched and had its dependencies rewritten. The archive is
// deterministic: same inputs, byte-identical output.
func Package(dir string, m *Manifest) (*Crate, error) {
	info := m.Package
	wrap := func(err error) (*Crate, error) {
		return nil, &PackagingError{Crate: info.Name, Err: err}
	}

	manifestBytes, err := m.Marshal()
	if err != nil {
		return wrap(err)
	}
	filter, err := newFileFilter(info)
	if err != nil {
		return wrap(err)
	}

	// Hidden files are walked like any other; cargo packages them too.
	// The filter alone decides what stays out.
	var files []string
	err = filepath.Walk(dir, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !fi.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if filter.matches(rel) {
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		return wrap(err)
	}
	sort.Strings(files)
	if !containsString(files, ManifestFileName) {
		return wrap(fmt.Errorf("no %s in crate directory", ManifestFileName))
	}

	prefix := fmt.Sprintf("%s-%s/", info.Name, info.Version)
	var buf bytes.Buffer
	// No gzip header timestamp, so repeated runs produce identical bytes.
	gz, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return wrap(err)
	}
	tw := tar.NewWriter(gz)
	for _, rel := range files {
		var content []byte
		if rel == ManifestFileName {
			content = manifestBytes
		} else {
			content, err = os.ReadFile(filepath.Join(dir, filepath.FromSlash(rel)))
			if err != nil {
				return wrap(err)
			}
		}
		hdr := &tar.Header{
			Name:     prefix + rel,
			Mode:     0644,
			Size:     int64(len(content)),
			Typeflag: tar.TypeReg,
			Uname:    "",
			Gname:    "",
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return wrap(err)
		}
		if _, err := tw.Write(content); err != nil {
			return wrap(err)
		}
	}
	if err := tw.Close(); err != nil {
		return wrap(err)
	}
	if err := gz.Close(); err != nil {
		return wrap(err)
	}

	tarball := buf.Bytes()
	return &Crate{
		Name:     info.Name,
		Version:  info.Version,
		Tarball:  tarball,
		Checksum: Checksum(tarball),
		Manifest: m,
	}, nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// recordDeps converts the manifest's dependency specs into index records.
// Dev dependencies never enter the index; consumers of a published crate
// do not build its tests.
func recordDeps(m *Manifest) ([]RecordDep, error) {
	var deps []RecordDep
	for _, spec := range m.Deps {
		if spec.Kind == KindDev {
			continue
		}
		if spec.IsCheckout() {
			return nil, fmt.Errorf("dependency '%s' still points at a %s", spec.Name, spec.checkoutKind())
		}
		dep := RecordDep{
			Name:            spec.Name,
			Req:             spec.Req,
			Features:        spec.Features,
			Optional:        spec.Optional,
			DefaultFeatures: spec.DefaultFeatures,
			Kind:            spec.Kind,
		}
		if spec.Features == nil {
			dep.Features = []string{}
		}
		if spec.Target != "" {
			target := spec.Target
			dep.Target = &target
		}
		if spec.Package != "" && spec.Package != spec.Name {
			pkg := spec.Package
			dep.Package = &pkg
		}
		switch {
		case spec.Registry != "":
			registry := spec.Registry
			dep.Registry = &registry
		case !spec.rewritten:
			// A plain version requirement resolves against the default
			// registry. A null registry in the index means "this
			// registry", which only holds for rewritten checkouts.
			registry := cratesIOIndexURL
			dep.Registry = &registry
		}
		deps = append(deps, dep)
	}
	sort.SliceStable(deps, func(i, j int) bool {
		if deps[i].Name != deps[j].Name {
			return deps[i].Name < deps[j].Name
		}
		return deps[i].Kind < deps[j].Kind
	})
	return deps, nil
}

// newIndexRecord assembles the index line for a packaged crate.
func newIndexRecord(crate *Crate) (*IndexRecord, error) {
	deps, err := recordDeps(crate.Manifest)
	if err != nil {
		return nil, err
	}
	if deps == nil {
		deps = []RecordDep{}
	}
	features := crate.Manifest.Features
	if features == nil {
		features = map[string][]string{}
	}
	record := &IndexRecord{
		Name:     crate.Name,
		Vers:     crate.Version,
		Deps:     deps,
		Cksum:    crate.Checksum,
		Features: features,
		Yanked:   false,
		V:        indexSchemaVersion,
	}
	if crate.Manifest.Package.Links != "" {
		links := crate.Manifest.Package.Links
		record.Links = &links
	}
	return record, nil
}

// checkoutKind names the non-registry reference a spec carries, for error
// messages.
func (d *DependencySpec) checkoutKind() string {
	if d.Git != "" {
		return "git checkout"
	}
	if d.Path != "" {
		return "path checkout"
	}
	return "checkout"
}
