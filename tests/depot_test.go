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

package tests

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/jstroem/tedi"
	"github.com/pmezard/go-difflib/difflib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cpg314/cargo-depot/pkg/depot"
)

const (
	timeout = 60 * time.Second

	registryURL = "https://crates.example.com"
)

func fix_Context(t *tedi.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.AfterTest(cancel)
	return ctx
}

type TestDirectory string

func fixtureCreateTestDirectory(t *tedi.T) TestDirectory {
	nameParts := strings.Split(t.Name(), "/")
	name := nameParts[len(nameParts)-1]
	dir, err := os.MkdirTemp("", "depot-test-"+name)
	require.NoError(t, err)

	// On macos the temp directory is sometimes a symlink.
	dir, err = filepath.EvalSymlinks(dir)
	require.NoError(t, err)

	t.AfterTest(func() {
		e := os.RemoveAll(dir)
		require.NoError(t, e)
	})
	return TestDirectory(dir)
}

// recordingUI collects reports with the test directory normalized away, so
// output can be compared against expectations.
type recordingUI struct {
	dir      string
	messages []string
}

func (ui *recordingUI) report(level string, format string, a ...interface{}) {
	msg := fmt.Sprintf(format, a...)
	msg = strings.ReplaceAll(msg, ui.dir, "<TEST>")
	msg = strings.ReplaceAll(msg, "\\", "/")
	ui.messages = append(ui.messages, level+": "+msg)
}

func (ui *recordingUI) ReportError(format string, a ...interface{}) error {
	ui.report("Error", format, a...)
	return depot.ErrAlreadyReported
}

func (ui *recordingUI) ReportWarning(format string, a ...interface{}) {
	ui.report("Warning", format, a...)
}

func (ui *recordingUI) ReportInfo(format string, a ...interface{}) {
	ui.report("Info", format, a...)
}

type DepotTest struct {
	dir   string
	t     *tedi.T
	ctx   context.Context
	ui    *recordingUI
	store *depot.Store
}

func fixtureCreateDepotTest(ctx context.Context, t *tedi.T, dir TestDirectory) DepotTest {
	ui := &recordingUI{dir: string(dir)}
	store, err := depot.OpenStore(filepath.Join(string(dir), "registry"), registryURL, ui)
	require.NoError(t, err)
	return DepotTest{
		dir:   string(dir),
		t:     t,
		ctx:   ctx,
		ui:    ui,
		store: store,
	}
}

func (dt DepotTest) manager(options ...depot.ManagerOption) *depot.Manager {
	fetcher := depot.NewFetcher(filepath.Join(dt.dir, "scratch"), dt.ui)
	return depot.NewManager(dt.store, fetcher, dt.ui, options...)
}

func (dt DepotTest) crateDir(name string) string {
	return filepath.Join(dt.dir, name)
}

// writeCrate lays out a library crate. Extra manifest sections can be
// appended through [manifestTail].
func (dt DepotTest) writeCrate(name string, version string, manifestTail string) string {
	dir := dt.crateDir(name)
	manifest := fmt.Sprintf("[package]\nname = %q\nversion = %q\n%s", name, version, manifestTail)
	require.NoError(dt.t, os.MkdirAll(filepath.Join(dir, "src"), 0755))
	require.NoError(dt.t, os.WriteFile(filepath.Join(dir, "Cargo.toml"), []byte(manifest), 0644))
	require.NoError(dt.t, os.WriteFile(filepath.Join(dir, "src", "lib.rs"), []byte(""), 0644))
	return dir
}

// commitAll turns [dir] into a git repository with all files committed, and
// returns the commit hash.
func (dt DepotTest) commitAll(dir string) string {
	repository, err := gogit.PlainInit(dir, false)
	require.NoError(dt.t, err)
	wt, err := repository.Worktree()
	require.NoError(dt.t, err)
	err = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		require.NoError(dt.t, err)
		if path == dir {
			return nil
		}
		if info.IsDir() && info.Name() == ".git" {
			return filepath.SkipDir
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		require.NoError(dt.t, err)
		_, err = wt.Add(filepath.ToSlash(rel))
		require.NoError(dt.t, err)
		return nil
	})
	require.NoError(dt.t, err)
	hash, err := wt.Commit("initial", &gogit.CommitOptions{
		Author: &object.Signature{
			Name:  "Test Committer",
			Email: "not_used@example.com",
			When:  time.Now(),
		},
	})
	require.NoError(dt.t, err)
	return hash.String()
}

func (dt DepotTest) publish(sources ...depot.CrateSource) []depot.JobOutcome {
	outcomes, err := dt.manager().PublishAll(dt.ctx, sources)
	require.NoError(dt.t, err, strings.Join(dt.ui.messages, "\n"))
	return outcomes
}

func (dt DepotTest) lookup(name string, version string) *depot.IndexRecord {
	record, err := dt.store.Lookup(name, version)
	require.NoError(dt.t, err)
	return record
}

// tarballManifest extracts the Cargo.toml out of a published tarball.
func (dt DepotTest) tarballManifest(name string, version string) string {
	f, err := os.Open(dt.store.TarballPath(name, version))
	require.NoError(dt.t, err)
	defer f.Close()
	gz, err := gzip.NewReader(f)
	require.NoError(dt.t, err)
	tr := tar.NewReader(gz)
	want := fmt.Sprintf("%s-%s/Cargo.toml", name, version)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(dt.t, err)
		if header.Name != want {
			continue
		}
		data, err := io.ReadAll(tr)
		require.NoError(dt.t, err)
		return string(data)
	}
	dt.t.Fatalf("no manifest in tarball for %s %s", name, version)
	return ""
}

func diff(old string, new string) string {
	diff, _ := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(old),
		B:        difflib.SplitLines(new),
		FromFile: "Old",
		FromDate: "",
		ToFile:   "New",
		ToDate:   "",
		Context:  1,
	})
	return diff
}

// checkMessages compares the recorded UI output against [expected].
func (dt DepotTest) checkMessages(expected []string) {
	actual := strings.Join(dt.ui.messages, "\n")
	want := strings.Join(expected, "\n")
	assert.Equal(dt.t, want, actual, diff(want, actual))
}

func test_cargoDepot(t *tedi.T) {
	t.Parallel()

	t.Run("PublishAndConsume", func(t *tedi.T, dt DepotTest) {
		dir := dt.writeCrate("hello", "1.2.0", "")
		outcomes := dt.publish(depot.CrateSource{Kind: depot.SourceLocal, Path: dir})
		require.Len(t, outcomes, 1)

		// The version is canonicalized to three components.
		record := dt.lookup("hello", "1.2.0")
		require.NotNil(t, record)
		assert.Equal(t, "hello", record.Name)
		assert.Equal(t, "1.2.0", record.Vers)
		assert.NotEmpty(t, record.Cksum)
		assert.FileExists(t, dt.store.TarballPath("hello", "1.2.0"))

		// The index config points consumers at the tarball layout.
		cfg, err := dt.store.ReadIndexConfig()
		require.NoError(t, err)
		assert.Equal(t, registryURL+"/crates/{crate}/{version}/download", cfg.DL)

		dt.checkMessages([]string{
			"Info: Initializing registry at '<TEST>/registry'",
			"Info: Published 'hello' 1.2.0",
		})
	})

	t.Run("GitDependency", func(t *tedi.T, dt DepotTest) {
		libDir := dt.writeCrate("fancy-lib", "0.3.0", "")
		dt.commitAll(libDir)

		appDir := dt.writeCrate("app", "0.1.0", fmt.Sprintf(
			"\n[dependencies]\nfancy-lib = { git = %q }\n", libDir))

		outcomes := dt.publish(depot.CrateSource{Kind: depot.SourceLocal, Path: appDir})
		require.Len(t, outcomes, 1)

		// The git dependency was published from its repository and the
		// reference rewritten to a registry requirement.
		lib := dt.lookup("fancy-lib", "0.3.0")
		require.NotNil(t, lib)
		app := dt.lookup("app", "0.1.0")
		require.NotNil(t, app)
		require.Len(t, app.Deps, 1)
		assert.Equal(t, "fancy-lib", app.Deps[0].Name)
		assert.Equal(t, "=0.3.0", app.Deps[0].Req)

		// The published manifest no longer mentions the git source.
		manifest := dt.tarballManifest("app", "0.1.0")
		assert.NotContains(t, manifest, "git")
		assert.Contains(t, manifest, `"=0.3.0"`)
	})

	t.Run("DirtyCheckout", func(t *tedi.T, dt DepotTest) {
		dir := dt.writeCrate("grubby", "0.1.0", "")
		dt.commitAll(dir)
		require.NoError(t, os.WriteFile(filepath.Join(dir, "src", "lib.rs"), []byte("// changed\n"), 0644))

		source := depot.CrateSource{Kind: depot.SourceLocal, Path: dir}
		outcomes, err := dt.manager().PublishAll(dt.ctx, []depot.CrateSource{source})
		assert.True(t, depot.IsErrAlreadyReported(err))
		require.Len(t, outcomes, 1)
		require.Error(t, outcomes[0].Err)
		assert.Contains(t, outcomes[0].Err.Error(), "uncommitted changes")

		// With --allow-dirty semantics the same source goes through.
		manager := dt.manager(depot.WithAllowDirty(true))
		_, err = manager.PublishAll(dt.ctx, []depot.CrateSource{source})
		require.NoError(t, err)
		assert.NotNil(t, dt.lookup("grubby", "0.1.0"))
	})

	t.Run("ListAndRemove", func(t *tedi.T, dt DepotTest) {
		for _, version := range []string{"1.0.0", "1.1.0"} {
			dir := dt.writeCrate("multi", version, "")
			dt.publish(depot.CrateSource{Kind: depot.SourceLocal, Path: dir})
		}
		other := dt.writeCrate("other", "0.1.0", "")
		dt.publish(depot.CrateSource{Kind: depot.SourceLocal, Path: other})

		names, err := dt.store.ListIndex()
		require.NoError(t, err)
		assert.Equal(t, []string{"multi", "other"}, names)

		require.NoError(t, dt.store.Delete("multi", "1.0.0"))
		assert.Nil(t, dt.lookup("multi", "1.0.0"))
		assert.NotNil(t, dt.lookup("multi", "1.1.0"))
		assert.NoFileExists(t, dt.store.TarballPath("multi", "1.0.0"))

		require.NoError(t, dt.store.Delete("multi", "*"))
		names, err = dt.store.ListIndex()
		require.NoError(t, err)
		assert.Equal(t, []string{"other"}, names)
	})

	t.Run("BatchOrder", func(t *tedi.T, dt DepotTest) {
		coreDir := dt.writeCrate("core", "2.0.0", "")
		toolDir := dt.writeCrate("tool", "0.5.0",
			"\n[dependencies]\ncore = { path = \"../core\" }\n")

		// Dependent listed first; the batch is reordered.
		outcomes := dt.publish(
			depot.CrateSource{Kind: depot.SourceLocal, Path: toolDir},
			depot.CrateSource{Kind: depot.SourceLocal, Path: coreDir},
		)
		require.Len(t, outcomes, 2)
		assert.Equal(t, coreDir, outcomes[0].Source.Path)
		assert.Equal(t, toolDir, outcomes[1].Source.Path)

		tool := dt.lookup("tool", "0.5.0")
		require.NotNil(t, tool)
		require.Len(t, tool.Deps, 1)
		assert.Equal(t, "=2.0.0", tool.Deps[0].Req)
	})

	t.Run("IndexLayout", func(t *tedi.T, dt DepotTest) {
		for _, name := range []string{"a", "ab", "abc", "abcd"} {
			dir := dt.writeCrate(name, "0.1.0", "")
			dt.publish(depot.CrateSource{Kind: depot.SourceLocal, Path: dir})
		}
		index := filepath.Join(dt.dir, "registry", "index")
		assert.FileExists(t, filepath.Join(index, "1", "a"))
		assert.FileExists(t, filepath.Join(index, "2", "ab"))
		assert.FileExists(t, filepath.Join(index, "3", "a", "abc"))
		assert.FileExists(t, filepath.Join(index, "ab", "cd", "abcd"))

		// One JSON record per line.
		data, err := os.ReadFile(filepath.Join(index, "1", "a"))
		require.NoError(t, err)
		lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
		require.Len(t, lines, 1)
		var record depot.IndexRecord
		require.NoError(t, json.Unmarshal([]byte(lines[0]), &record))
		assert.Equal(t, "a", record.Name)
	})
}
