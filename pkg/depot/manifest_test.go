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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testUI struct {
	messages []string
}

func (ui *testUI) ReportError(format string, a ...interface{}) error {
	ui.messages = append(ui.messages, fmt.Sprintf("Error: "+format, a...))
	return ErrAlreadyReported
}

func (ui *testUI) ReportWarning(format string, a ...interface{}) {
	ui.messages = append(ui.messages, fmt.Sprintf("Warning: "+format, a...))
}

func (ui *testUI) ReportInfo(format string, a ...interface{}) {
	ui.messages = append(ui.messages, fmt.Sprintf("Info: "+format, a...))
}

func parseTestManifest(t *testing.T, content string) *Manifest {
	ui := &testUI{}
	m, err := ParseManifest([]byte(content), filepath.Join("some", "dir", ManifestFileName), ui)
	require.NoError(t, err, "%v", ui.messages)
	return m
}

func Test_ParseManifest(t *testing.T) {
	t.Run("Package section", func(t *testing.T) {
		m := parseTestManifest(t, `
[package]
name = "foo"
version = "1.2.0"
links = "libfoo"
`)
		assert.True(t, m.HasPackage)
		assert.Equal(t, "foo", m.Package.Name)
		assert.Equal(t, "1.2.0", m.Package.Version)
		assert.Equal(t, "libfoo", m.Package.Links)
		assert.True(t, m.Package.Publish)
		assert.Nil(t, m.WorkspaceMembers)
	})

	t.Run("Version canonicalization", func(t *testing.T) {
		m := parseTestManifest(t, `
[package]
name = "foo"
version = "1.2"
`)
		assert.Equal(t, "1.2.0", m.Package.Version)
	})

	t.Run("Publish opt-out", func(t *testing.T) {
		m := parseTestManifest(t, `
[package]
name = "foo"
version = "0.1.0"
publish = false
`)
		assert.False(t, m.Package.Publish)

		m = parseTestManifest(t, `
[package]
name = "foo"
version = "0.1.0"
publish = []
`)
		assert.False(t, m.Package.Publish)
	})

	t.Run("Dependency forms", func(t *testing.T) {
		m := parseTestManifest(t, `
[package]
name = "foo"
version = "0.1.0"

[dependencies]
plain = "1.0"
detailed = { version = "2.1", features = ["extra"], default-features = false, optional = true }
renamed = { package = "real-name", version = "0.3" }
from_git = { git = "https://example.com/bar", tag = "v1.2.0" }
from_path = { path = "../baz" }

[build-dependencies]
build_helper = "0.2"

[dev-dependencies]
test_helper = { path = "../helper" }
`)
		require.Len(t, m.Deps, 7)
		byName := map[string]DependencySpec{}
		for _, d := range m.Deps {
			byName[d.Name] = d
		}

		assert.Equal(t, "1.0", byName["plain"].Req)
		assert.Equal(t, KindNormal, byName["plain"].Kind)
		assert.True(t, byName["plain"].DefaultFeatures)

		detailed := byName["detailed"]
		assert.Equal(t, "2.1", detailed.Req)
		assert.Equal(t, []string{"extra"}, detailed.Features)
		assert.False(t, detailed.DefaultFeatures)
		assert.True(t, detailed.Optional)

		renamed := byName["renamed"]
		assert.Equal(t, "real-name", renamed.CrateName())

		fromGit := byName["from_git"]
		assert.True(t, fromGit.IsCheckout())
		assert.Equal(t, "https://example.com/bar", fromGit.Git)
		assert.Equal(t, "v1.2.0", fromGit.Rev)

		fromPath := byName["from_path"]
		assert.True(t, fromPath.IsCheckout())
		assert.Equal(t, KindBuild, byName["build_helper"].Kind)
		assert.Equal(t, KindDev, byName["test_helper"].Kind)
	})

	t.Run("Target-specific dependencies", func(t *testing.T) {
		m := parseTestManifest(t, `
[package]
name = "foo"
version = "0.1.0"

[target.'cfg(windows)'.dependencies]
winapi = "0.3"
`)
		require.Len(t, m.Deps, 1)
		assert.Equal(t, "winapi", m.Deps[0].Name)
		assert.Equal(t, "cfg(windows)", m.Deps[0].Target)
	})

	t.Run("Features", func(t *testing.T) {
		m := parseTestManifest(t, `
[package]
name = "foo"
version = "0.1.0"

[features]
default = ["fast"]
fast = []
`)
		assert.Equal(t, []string{"fast"}, m.Features["default"])
		assert.Equal(t, []string{}, m.Features["fast"])
	})

	t.Run("Virtual workspace", func(t *testing.T) {
		m := parseTestManifest(t, `
[workspace]
members = ["crates/a", "crates/b"]
`)
		assert.False(t, m.HasPackage)
		assert.Equal(t, []string{"crates/a", "crates/b"}, m.WorkspaceMembers)
	})

	t.Run("Errors", func(t *testing.T) {
		bad := []string{
			// No package and no workspace.
			`[lib]`,
			// Missing name.
			"[package]\nversion = \"1.0.0\"",
			// Invalid name.
			"[package]\nname = \"1foo\"\nversion = \"1.0.0\"",
			// Invalid version.
			"[package]\nname = \"foo\"\nversion = \"one\"",
			// Dependency without any source.
			"[package]\nname = \"foo\"\nversion = \"1.0.0\"\n[dependencies]\nbar = { optional = true }",
		}
		for _, content := range bad {
			ui := &testUI{}
			_, err := ParseManifest([]byte(content), "Cargo.toml", ui)
			require.Error(t, err, content)
			var parseErr *ManifestParseError
			assert.ErrorAs(t, err, &parseErr)
			assert.NotEmpty(t, ui.messages)
		}
	})
}

func Test_LoadManifest(t *testing.T) {
	dir := t.TempDir()
	err := os.WriteFile(filepath.Join(dir, ManifestFileName), []byte(`
[package]
name = "on-disk"
version = "0.2.1"
`), 0644)
	require.NoError(t, err)

	ui := &testUI{}
	m, err := LoadManifest(dir, ui)
	require.NoError(t, err)
	assert.Equal(t, "on-disk", m.Package.Name)
	assert.Equal(t, dir, m.Dir())

	_, err = LoadManifest(filepath.Join(dir, "missing"), ui)
	require.Error(t, err)
	var parseErr *ManifestParseError
	assert.ErrorAs(t, err, &parseErr)
}

func Test_ManifestMarshal(t *testing.T) {
	t.Run("Rewritten dependency round-trips", func(t *testing.T) {
		m := parseTestManifest(t, `
[package]
name = "foo"
version = "0.1.0"
description = "keeps unmodeled fields"

[dependencies]
bar = { path = "../bar" }
`)
		m.Deps[0].Path = ""
		m.Deps[0].Req = "=1.4.0"

		b, err := m.Marshal()
		require.NoError(t, err)
		again := parseTestManifest(t, string(b))
		require.Len(t, again.Deps, 1)
		assert.Equal(t, "bar", again.Deps[0].Name)
		assert.Equal(t, "=1.4.0", again.Deps[0].Req)
		assert.False(t, again.Deps[0].IsCheckout())
		// Sections outside the typed model survive.
		assert.Contains(t, string(b), "keeps unmodeled fields")
	})

	t.Run("Table form preserved when needed", func(t *testing.T) {
		m := parseTestManifest(t, `
[package]
name = "foo"
version = "0.1.0"

[dependencies]
bar = { version = "1.0", features = ["x"], optional = true }
`)
		b, err := m.Marshal()
		require.NoError(t, err)
		again := parseTestManifest(t, string(b))
		require.Len(t, again.Deps, 1)
		assert.Equal(t, []string{"x"}, again.Deps[0].Features)
		assert.True(t, again.Deps[0].Optional)
	})

	t.Run("Target tables rebuilt", func(t *testing.T) {
		m := parseTestManifest(t, `
[package]
name = "foo"
version = "0.1.0"

[target.'cfg(unix)'.dependencies]
nix = { path = "../nix" }
`)
		m.Deps[0].Path = ""
		m.Deps[0].Req = "=0.27.0"
		b, err := m.Marshal()
		require.NoError(t, err)
		again := parseTestManifest(t, string(b))
		require.Len(t, again.Deps, 1)
		assert.Equal(t, "cfg(unix)", again.Deps[0].Target)
		assert.Equal(t, "=0.27.0", again.Deps[0].Req)
	})
}

func Test_ManifestClone(t *testing.T) {
	m := parseTestManifest(t, `
[package]
name = "foo"
version = "0.1.0"

[dependencies]
bar = { path = "../bar" }
`)
	clone := m.Clone()
	clone.Deps[0].Path = ""
	clone.Deps[0].Req = "=1.0.0"
	clone.Package.Name = "changed"

	assert.Equal(t, "foo", m.Package.Name)
	assert.Equal(t, "../bar", m.Deps[0].Path)
	assert.Empty(t, m.Deps[0].Req)
}

func Test_DisableDistTargets(t *testing.T) {
	m := parseTestManifest(t, `
[package]
name = "foo"
version = "0.1.0"

[lib]
name = "foo"

[[bin]]
name = "foo-cli"

[[example]]
name = "demo"
`)
	require.NotNil(t, m.Lib)
	require.Len(t, m.Bins, 1)
	require.Len(t, m.Examples, 1)

	patched, err := DisableDistTargets(m)
	require.NoError(t, err)
	assert.Nil(t, patched.Bins)
	assert.Nil(t, patched.Examples)
	assert.NotNil(t, patched.Lib)
	// The original stays untouched.
	assert.Len(t, m.Bins, 1)

	b, err := patched.Marshal()
	require.NoError(t, err)
	content := string(b)
	assert.Contains(t, content, "autobins = false")
	assert.Contains(t, content, "autoexamples = false")
	assert.NotContains(t, content, "foo-cli")
	assert.NotContains(t, content, "demo")

	virtual := parseTestManifest(t, `
[workspace]
members = []
`)
	_, err = DisableDistTargets(virtual)
	require.Error(t, err)
	var patchErr *ManifestPatchError
	assert.ErrorAs(t, err, &patchErr)
}

func Test_CrateNameValidation(t *testing.T) {
	assert.True(t, isValidCrateName("foo"))
	assert.True(t, isValidCrateName("foo-bar_baz2"))
	assert.False(t, isValidCrateName("1foo"))
	assert.False(t, isValidCrateName("-foo"))
	assert.False(t, isValidCrateName("foo.bar"))
	assert.False(t, isValidCrateName(""))
}
