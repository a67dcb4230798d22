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
	"regexp"
	"sort"

	version "github.com/hashicorp/go-version"
	toml "github.com/pelletier/go-toml/v2"
)

// DepKind classifies a dependency section.
type DepKind string

const (
	KindNormal DepKind = "normal"
	KindBuild  DepKind = "build"
	KindDev    DepKind = "dev"
)

func (k DepKind) section() string {
	switch k {
	case KindBuild:
		return "build-dependencies"
	case KindDev:
		return "dev-dependencies"
	default:
		return "dependencies"
	}
}

// DependencySpec is one entry of a manifest's dependency tables.
// The source is exactly one of: a registry reference (neither Git nor Path
// set), a git checkout (Git, optionally Rev), or a local path (Path).
// A path alongside a git URL overrides it, like cargo does during
// development.
type DependencySpec struct {
	// Name is the key in the dependency table, which is also the name used
	// in code unless Package renames it.
	Name string
	// Package is the real crate name when the dependency is renamed.
	Package string
	// Req is the version requirement. May be empty for pure git/path
	// dependencies.
	Req string
	// Git/Rev describe a checkout source.
	Git string
	Rev string
	// Path describes a local-path source, relative to the manifest dir.
	Path string
	// Registry is a non-default registry URL, if any.
	Registry string

	Optional        bool
	DefaultFeatures bool
	Features        []string
	Kind            DepKind
	// Target is the cfg expression for target-specific dependencies.
	Target string

	// rewritten marks a checkout dependency whose source was replaced by a
	// version resolved from this registry.
	rewritten bool
}

// CrateName returns the name of the crate this dependency resolves to.
func (d *DependencySpec) CrateName() string {
	if d.Package != "" {
		return d.Package
	}
	return d.Name
}

// IsCheckout reports whether the dependency is sourced from a git checkout
// or a local path rather than a registry.
func (d *DependencySpec) IsCheckout() bool {
	return d.Path != "" || d.Git != ""
}

// Target describes a build target declared in the manifest.
type Target struct {
	Name      string
	Path      string
	ProcMacro bool
}

// PackageInfo is the [package] section.
type PackageInfo struct {
	Name    string
	Version string
	Links   string
	Include []string
	Exclude []string
	// Publish is false when the manifest opts out of publishing
	// (publish = false or an empty registry list).
	Publish bool
}

// Manifest is a typed, mutable working copy of a Cargo.toml.
// The underlying raw document is kept so that sections this tool does not
// model round-trip unchanged into the packaged manifest.
type Manifest struct {
	path string
	raw  map[string]interface{}

	Package  PackageInfo
	Deps     []DependencySpec
	Features map[string][]string
	Lib      *Target
	Bins     []Target
	Examples []Target
	// WorkspaceMembers is non-nil when the manifest declares a [workspace].
	WorkspaceMembers []string
	// HasPackage is false for virtual workspace manifests.
	HasPackage bool
}

// Dir returns the directory containing the manifest file.
func (m *Manifest) Dir() string {
	return filepath.Dir(m.path)
}

var validCrateName = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]*$`)

func isValidCrateName(name string) bool {
	return validCrateName.MatchString(name)
}

// LoadManifest reads and parses <dir>/Cargo.toml.
func LoadManifest(dir string, ui UI) (*Manifest, error) {
	p := filepath.Join(dir, ManifestFileName)
	b, err := os.ReadFile(p)
	if err != nil {
		return nil, &ManifestParseError{Path: p, Err: err}
	}
	m := &Manifest{path: p}
	if err := m.parse(b, ui); err != nil {
		return nil, err
	}
	return m, nil
}

// ParseManifest parses manifest bytes that are not backed by a file.
// Used by tests and by tarball sources before extraction settles.
func ParseManifest(b []byte, path string, ui UI) (*Manifest, error) {
	m := &Manifest{path: path}
	if err := m.parse(b, ui); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manifest) parse(b []byte, ui UI) error {
	fail := func(err error) error {
		ui.ReportError("Failed to parse manifest '%s': %v", m.path, err)
		return &ManifestParseError{Path: m.path, Err: err}
	}

	raw := map[string]interface{}{}
	if err := toml.Unmarshal(b, &raw); err != nil {
		return fail(err)
	}
	m.raw = raw

	if ws, ok := raw["workspace"].(map[string]interface{}); ok {
		m.WorkspaceMembers = toStringSlice(ws["members"])
		if m.WorkspaceMembers == nil {
			m.WorkspaceMembers = []string{}
		}
	}

	pkg, ok := raw["package"].(map[string]interface{})
	if !ok {
		if m.WorkspaceMembers != nil {
			// Virtual workspace manifest.
			return nil
		}
		return fail(fmt.Errorf("missing [package] section"))
	}
	m.HasPackage = true

	m.Package = PackageInfo{
		Name:    toString(pkg["name"]),
		Version: toString(pkg["version"]),
		Links:   toString(pkg["links"]),
		Include: toStringSlice(pkg["include"]),
		Exclude: toStringSlice(pkg["exclude"]),
		Publish: true,
	}
	switch p := pkg["publish"].(type) {
	case bool:
		m.Package.Publish = p
	case []interface{}:
		m.Package.Publish = len(p) > 0
	}

	if m.Package.Name == "" {
		return fail(fmt.Errorf("missing package name"))
	}
	if !isValidCrateName(m.Package.Name) {
		return fail(fmt.Errorf("invalid package name '%s'", m.Package.Name))
	}
	v, err := version.NewVersion(m.Package.Version)
	if err != nil {
		return fail(fmt.Errorf("invalid package version '%s'", m.Package.Version))
	}
	// Canonicalize the version.
	m.Package.Version = v.String()

	if err := m.parseAllDeps(); err != nil {
		return fail(err)
	}

	m.Features = map[string][]string{}
	if features, ok := raw["features"].(map[string]interface{}); ok {
		for name, implied := range features {
			m.Features[name] = toStringSlice(implied)
		}
	}

	if lib, ok := raw["lib"].(map[string]interface{}); ok {
		t := parseTarget(lib)
		m.Lib = &t
	}
	m.Bins = parseTargetList(raw["bin"])
	m.Examples = parseTargetList(raw["example"])

	return nil
}

func (m *Manifest) parseAllDeps() error {
	m.Deps = nil
	for _, kind := range []DepKind{KindNormal, KindBuild, KindDev} {
		if tbl, ok := m.raw[kind.section()].(map[string]interface{}); ok {
			deps, err := parseDepsTable(tbl, kind, "")
			if err != nil {
				return err
			}
			m.Deps = append(m.Deps, deps...)
		}
	}
	// Target-specific tables: [target.'cfg(...)'.dependencies] etc.
	if targets, ok := m.raw["target"].(map[string]interface{}); ok {
		for _, cfg := range sortedKeys(targets) {
			sections, ok := targets[cfg].(map[string]interface{})
			if !ok {
				continue
			}
			for _, kind := range []DepKind{KindNormal, KindBuild, KindDev} {
				if tbl, ok := sections[kind.section()].(map[string]interface{}); ok {
					deps, err := parseDepsTable(tbl, kind, cfg)
					if err != nil {
						return err
					}
					m.Deps = append(m.Deps, deps...)
				}
			}
		}
	}
	return nil
}

// parseDepsTable accepts both dependency forms:
// `foo = "1.2"` and `foo = { version = "1.2", ... }`.
func parseDepsTable(tbl map[string]interface{}, kind DepKind, target string) ([]DependencySpec, error) {
	result := []DependencySpec{}
	for _, name := range sortedKeys(tbl) {
		spec := DependencySpec{
			Name:            name,
			Kind:            kind,
			Target:          target,
			DefaultFeatures: true,
		}
		switch v := tbl[name].(type) {
		case string:
			spec.Req = v
		case map[string]interface{}:
			spec.Req = toString(v["version"])
			spec.Git = toString(v["git"])
			spec.Rev = toString(v["rev"])
			if spec.Rev == "" {
				spec.Rev = toString(v["tag"])
			}
			spec.Path = toString(v["path"])
			spec.Registry = toString(v["registry"])
			spec.Package = toString(v["package"])
			spec.Features = toStringSlice(v["features"])
			if opt, ok := v["optional"].(bool); ok {
				spec.Optional = opt
			}
			if df, ok := v["default-features"].(bool); ok {
				spec.DefaultFeatures = df
			}
		default:
			return nil, fmt.Errorf("dependency '%s' is neither a string nor a table", name)
		}
		if spec.Req == "" && !spec.IsCheckout() {
			return nil, fmt.Errorf("dependency '%s' has no version, git or path source", name)
		}
		result = append(result, spec)
	}
	return result, nil
}

func parseTarget(tbl map[string]interface{}) Target {
	t := Target{
		Name: toString(tbl["name"]),
		Path: toString(tbl["path"]),
	}
	if pm, ok := tbl["proc-macro"].(bool); ok {
		t.ProcMacro = pm
	}
	return t
}

func parseTargetList(v interface{}) []Target {
	list, ok := v.([]interface{})
	if !ok {
		return nil
	}
	var result []Target
	for _, entry := range list {
		if tbl, ok := entry.(map[string]interface{}); ok {
			result = append(result, parseTarget(tbl))
		}
	}
	return result
}

// Clone returns an independent working copy. Mutations of the copy never
// reach the receiver or the file on disk.
func (m *Manifest) Clone() *Manifest {
	clone := *m
	clone.raw = copyTOMLTable(m.raw)
	clone.Deps = append([]DependencySpec(nil), m.Deps...)
	for i := range clone.Deps {
		clone.Deps[i].Features = append([]string(nil), m.Deps[i].Features...)
	}
	clone.Features = map[string][]string{}
	for k, v := range m.Features {
		clone.Features[k] = append([]string(nil), v...)
	}
	clone.Bins = append([]Target(nil), m.Bins...)
	clone.Examples = append([]Target(nil), m.Examples...)
	if m.Lib != nil {
		lib := *m.Lib
		clone.Lib = &lib
	}
	clone.WorkspaceMembers = append([]string(nil), m.WorkspaceMembers...)
	clone.Package.Include = append([]string(nil), m.Package.Include...)
	clone.Package.Exclude = append([]string(nil), m.Package.Exclude...)
	return &clone
}

// Marshal serializes the manifest, with the typed dependency entries
// written back over the raw document. Sections this tool does not model
// are emitted unchanged.
func (m *Manifest) Marshal() ([]byte, error) {
	raw := copyTOMLTable(m.raw)
	// Rebuild the dependency tables from the typed specs.
	for _, kind := range []DepKind{KindNormal, KindBuild, KindDev} {
		delete(raw, kind.section())
	}
	if targets, ok := raw["target"].(map[string]interface{}); ok {
		for cfg := range targets {
			if sections, ok := targets[cfg].(map[string]interface{}); ok {
				for _, kind := range []DepKind{KindNormal, KindBuild, KindDev} {
					delete(sections, kind.section())
				}
				if len(sections) == 0 {
					delete(targets, cfg)
				}
			}
		}
		if len(targets) == 0 {
			delete(raw, "target")
		}
	}
	for i := range m.Deps {
		d := &m.Deps[i]
		var tbl map[string]interface{}
		if d.Target == "" {
			tbl = ensureTable(raw, d.Kind.section())
		} else {
			targets := ensureTable(raw, "target")
			cfg := ensureTable(targets, d.Target)
			tbl = ensureTable(cfg, d.Kind.section())
		}
		tbl[d.Name] = d.toTOML()
	}
	return toml.Marshal(raw)
}

// toTOML renders the dependency in the shortest valid form.
func (d *DependencySpec) toTOML() interface{} {
	if d.Req != "" && !d.IsCheckout() && d.Package == "" && d.Registry == "" &&
		!d.Optional && d.DefaultFeatures && len(d.Features) == 0 {
		return d.Req
	}
	tbl := map[string]interface{}{}
	if d.Req != "" {
		tbl["version"] = d.Req
	}
	if d.Git != "" {
		tbl["git"] = d.Git
	}
	if d.Rev != "" {
		tbl["rev"] = d.Rev
	}
	if d.Path != "" {
		tbl["path"] = d.Path
	}
	if d.Registry != "" {
		tbl["registry"] = d.Registry
	}
	if d.Package != "" {
		tbl["package"] = d.Package
	}
	if d.Optional {
		tbl["optional"] = true
	}
	if !d.DefaultFeatures {
		tbl["default-features"] = false
	}
	if len(d.Features) > 0 {
		tbl["features"] = d.Features
	}
	return tbl
}

// DisableDistTargets returns a patched copy with binary and example
// targets disabled. Library and test targets are untouched. Packaging from
// the patched copy keeps cargo from generating a lock file that would pin
// registry dependencies to not-yet-consumable versions.
func DisableDistTargets(m *Manifest) (*Manifest, error) {
	if !m.HasPackage {
		return nil, &ManifestPatchError{Crate: m.path, Reason: "manifest has no [package] section"}
	}
	patched := m.Clone()
	pkg, ok := patched.raw["package"].(map[string]interface{})
	if !ok {
		return nil, &ManifestPatchError{Crate: m.Package.Name, Reason: "malformed [package] section"}
	}
	pkg["autobins"] = false
	pkg["autoexamples"] = false
	delete(patched.raw, "bin")
	delete(patched.raw, "example")
	patched.Bins = nil
	patched.Examples = nil
	return patched, nil
}

func toString(v interface{}) string {
	s, _ := v.(string)
	return s
}

func toStringSlice(v interface{}) []string {
	list, ok := v.([]interface{})
	if !ok {
		return nil
	}
	result := make([]string, 0, len(list))
	for _, entry := range list {
		if s, ok := entry.(string); ok {
			result = append(result, s)
		}
	}
	return result
}

func sortedKeys(tbl map[string]interface{}) []string {
	keys := make([]string, 0, len(tbl))
	for k := range tbl {
		keys = append(keys, k)
	}
	// Deterministic iteration; toml maps carry no order.
	sort.Strings(keys)
	return keys
}

func ensureTable(parent map[string]interface{}, key string) map[string]interface{} {
	if tbl, ok := parent[key].(map[string]interface{}); ok {
		return tbl
	}
	tbl := map[string]interface{}{}
	parent[key] = tbl
	return tbl
}

func copyTOMLTable(tbl map[string]interface{}) map[string]interface{} {
	result := make(map[string]interface{}, len(tbl))
	for k, v := range tbl {
		result[k] = copyTOMLValue(v)
	}
	return result
}

func copyTOMLValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return copyTOMLTable(val)
	case []interface{}:
		result := make([]interface{}, len(val))
		for i, entry := range val {
			result[i] = copyTOMLValue(entry)
		}
		return result
	default:
		return val
	}
}
