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
	"context"
	"fmt"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/cpg314/cargo-depot/pkg/git"
)

// prefetchConcurrency bounds parallel downloads during the batch prefetch.
const prefetchConcurrency = 4

// Manager drives the publication of crates into a registry store. It owns
// the recursion over git and path dependencies, so that every published
// crate only references crates the registry can serve.
type Manager struct {
	store      *Store
	fetcher    *Fetcher
	policy     RequirementPolicy
	allowDirty bool
	ui         UI
	queue      *jobQueue
}

type managerOptions struct {
	policy     RequirementPolicy
	allowDirty bool
}

// ManagerOption defines the optional parameters for NewManager.
type ManagerOption interface {
	applyManagerOption(*managerOptions)
}

// WithRequirementPolicy selects how rewritten dependencies pin the version
// they resolved to.
func WithRequirementPolicy(p RequirementPolicy) ManagerOption {
	return policyOption(p)
}

type policyOption RequirementPolicy

func (p policyOption) applyManagerOption(o *managerOptions) {
	o.policy = RequirementPolicy(p)
}

// WithAllowDirty disables the refusal to publish from a git checkout with
// uncommitted changes.
func WithAllowDirty(allow bool) ManagerOption {
	return allowDirtyOption(allow)
}

type allowDirtyOption bool

func (a allowDirtyOption) applyManagerOption(o *managerOptions) {
	o.allowDirty = bool(a)
}

// NewManager creates a manager publishing into store, materializing
// sources through fetcher.
func NewManager(store *Store, fetcher *Fetcher, ui UI, options ...ManagerOption) *Manager {
	o := &managerOptions{policy: RequireExact}
	for _, option := range options {
		option.applyManagerOption(o)
	}
	return &Manager{
		store:      store,
		fetcher:    fetcher,
		policy:     o.policy,
		allowDirty: o.allowDirty,
		ui:         ui,
		queue:      newJobQueue(),
	}
}

// PublishedCrate is one crate that a publish run added (or found already
// present) in the registry.
type PublishedCrate struct {
	Name    string
	Version string
	// AlreadyPresent is true when the identical version was in the
	// registry before this run.
	AlreadyPresent bool
}

// JobOutcome is the per-source result of a publish run.
type JobOutcome struct {
	Source CrateSource
	Crates []PublishedCrate
	Err    error
}

// PublishAll publishes the given sources and everything they transitively
// reference through git or path dependencies. Sources are ordered so that
// dependencies land before their dependents; a failed source fails its
// dependents but the rest of the batch continues.
//
// Errors are reported through the UI as they happen; a non-nil returned
// error only signals that at least one source failed.
func (m *Manager) PublishAll(ctx context.Context, sources []CrateSource) ([]JobOutcome, error) {
	unlock, err := m.store.Lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := m.prefetch(ctx, sources); err != nil {
		m.ui.ReportError("Failed to fetch sources: %v", err)
		return nil, ErrAlreadyReported
	}

	ordered, err := orderBatch(ctx, m.fetcher, sources, m.ui)
	if err != nil {
		m.ui.ReportError("Failed to order the batch: %v", err)
		return nil, ErrAlreadyReported
	}

	var outcomes []JobOutcome
	failed := false
	for _, source := range ordered {
		crates, err := m.publishSource(ctx, source)
		outcome := JobOutcome{Source: source, Err: err}
		for name, c := range crates {
			outcome.Crates = append(outcome.Crates, PublishedCrate{
				Name:           name,
				Version:        c.version,
				AlreadyPresent: c.alreadyPresent,
			})
		}
		if err != nil {
			failed = true
			m.ui.ReportError("Failed to publish '%s': %v", source, err)
		}
		outcomes = append(outcomes, outcome)
	}
	if failed {
		return outcomes, ErrAlreadyReported
	}
	return outcomes, nil
}

// prefetch downloads all remote batch inputs concurrently, so the
// sequential publish loop works against local directories only.
func (m *Manager) prefetch(ctx context.Context, sources []CrateSource) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(prefetchConcurrency)
	for _, source := range sources {
		if source.Kind == SourceLocal {
			continue
		}
		source := source
		g.Go(func() error {
			_, err := m.fetcher.Fetch(gctx, source)
			return err
		})
	}
	return g.Wait()
}

type publishedCrate struct {
	version        string
	alreadyPresent bool
}

// publishSource publishes all crates a source provides, returning their
// versions by crate name. Re-entering a source that is already published
// (or has failed) returns the recorded outcome instead of repeating work.
func (m *Manager) publishSource(ctx context.Context, source CrateSource) (map[string]publishedCrate, error) {
	job, started, err := m.queue.enter(source)
	if err != nil {
		return nil, err
	}
	if !started {
		if job.state == jobFailed {
			return nil, fmt.Errorf("publication of '%s' failed earlier: %w", source, job.err)
		}
		return jobCrates(job), nil
	}

	versions, err := m.publishSourceCrates(ctx, source)
	recorded := map[string]string{}
	for name, c := range versions {
		recorded[name] = c.version
	}
	m.queue.finish(job, recorded, err)
	return versions, err
}

func (m *Manager) publishSourceCrates(ctx context.Context, source CrateSource) (map[string]publishedCrate, error) {
	dir, err := m.fetcher.Fetch(ctx, source)
	if err != nil {
		return nil, err
	}
	if source.Kind == SourceLocal && !m.allowDirty {
		if err := m.checkClean(dir); err != nil {
			return nil, err
		}
	}
	dirs, err := crateDirs(dir, m.ui)
	if err != nil {
		return nil, err
	}
	if len(dirs) == 0 {
		return nil, fmt.Errorf("'%s' contains no package", source)
	}

	versions := map[string]publishedCrate{}
	for _, crateDir := range dirs {
		crate, err := m.publishCrate(ctx, crateDir)
		if err != nil {
			return nil, err
		}
		if crate != nil {
			versions[crate.Name] = publishedCrate{
				version:        crate.Version,
				alreadyPresent: crate.AlreadyPresent,
			}
		}
	}
	return versions, nil
}

// publishCrate packages and registers one crate directory. It returns nil
// without error when the crate is skipped (not a library, or opted out of
// publishing).
func (m *Manager) publishCrate(ctx context.Context, dir string) (*PublishedCrate, error) {
	manifest, err := LoadManifest(dir, m.ui)
	if err != nil {
		return nil, err
	}
	if !manifest.HasPackage {
		return nil, nil
	}
	info := manifest.Package
	if !info.Publish {
		m.ui.ReportInfo("Skipping '%s': the manifest opts out of publishing", info.Name)
		return nil, nil
	}
	if !isLibrary(manifest, dir) {
		m.ui.ReportWarning("Skipping '%s': not a library crate", info.Name)
		return nil, nil
	}

	patched, err := DisableDistTargets(manifest)
	if err != nil {
		return nil, err
	}
	err = rewriteDeps(ctx, patched, m.policy, func(ctx context.Context, source CrateSource, crateName string) (string, error) {
		crates, err := m.publishSource(ctx, source)
		if err != nil {
			return "", err
		}
		c, ok := crates[crateName]
		if !ok {
			return "", fmt.Errorf("'%s' does not provide crate '%s'", source, crateName)
		}
		return c.version, nil
	})
	if err != nil {
		return nil, err
	}

	crate, err := Package(dir, patched)
	if err != nil {
		return nil, err
	}

	existing, err := m.store.Lookup(crate.Name, crate.Version)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.Cksum == crate.Checksum {
			m.ui.ReportInfo("'%s' %s is already published", crate.Name, crate.Version)
		} else {
			// The registry keeps what it has. Published versions are
			// immutable, so a changed tree under the same version is
			// skipped rather than treated as a failure.
			m.ui.ReportWarning("'%s' %s already exists in the registry with different content, keeping the published version",
				crate.Name, crate.Version)
		}
		return &PublishedCrate{Name: crate.Name, Version: crate.Version, AlreadyPresent: true}, nil
	}

	// The tarball lands before the index record, so the index never
	// references a download that is not there yet.
	if err := m.store.WriteTarball(crate.Name, crate.Version, crate.Tarball, crate.Checksum); err != nil {
		return nil, err
	}
	record, err := newIndexRecord(crate)
	if err != nil {
		return nil, err
	}
	if err := m.store.Append(*record); err != nil {
		return nil, err
	}
	m.ui.ReportInfo("Published '%s' %s", crate.Name, crate.Version)
	return &PublishedCrate{Name: crate.Name, Version: crate.Version}, nil
}

// checkClean refuses local sources with uncommitted changes, since the
// published tarball would not correspond to any commit.
func (m *Manager) checkClean(dir string) error {
	dirty, changed, err := git.IsDirty(dir)
	if err != nil {
		return err
	}
	if !dirty {
		return nil
	}
	for _, file := range changed {
		m.ui.ReportWarning("Uncommitted change: %s", file)
	}
	return fmt.Errorf("'%s' has uncommitted changes (use --allow-dirty to publish anyway)", dir)
}

// isLibrary reports whether the crate builds a library target, either
// declared in the manifest or implied by src/lib.rs.
func isLibrary(m *Manifest, dir string) bool {
	if m.Lib != nil {
		return true
	}
	ok, err := isFile(filepath.Join(dir, "src", "lib.rs"))
	return err == nil && ok
}

func jobCrates(job *publishJob) map[string]publishedCrate {
	crates := map[string]publishedCrate{}
	for name, version := range job.versions {
		crates[name] = publishedCrate{version: version, alreadyPresent: true}
	}
	return crates
}
