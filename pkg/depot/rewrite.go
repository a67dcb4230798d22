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
	"sync"
)

// resolveVersion publishes the given source if necessary and reports the
// version under which crateName is now available in the registry.
type resolveVersion func(ctx context.Context, source CrateSource, crateName string) (string, error)

// rewriteDeps replaces every git and path dependency of m with a registry
// reference, publishing the referenced crates first through resolve. The
// manifest is modified in place.
//
// Dev dependencies without a version requirement are dropped instead of
// published: consumers never build a dependency's tests, and cargo itself
// strips them on publish.
func rewriteDeps(ctx context.Context, m *Manifest, policy RequirementPolicy, resolve resolveVersion) error {
	var kept []DependencySpec
	for i := range m.Deps {
		spec := m.Deps[i]
		if !spec.IsCheckout() {
			kept = append(kept, spec)
			continue
		}
		if spec.Kind == KindDev && spec.Req == "" {
			continue
		}

		var source CrateSource
		if spec.Path != "" {
			source = CrateSource{
				Kind: SourceLocal,
				Path: filepath.Join(m.Dir(), filepath.FromSlash(spec.Path)),
			}
		} else {
			source = CrateSource{Kind: SourceGit, URL: spec.Git, Rev: spec.Rev}
		}

		resolved, err := resolve(ctx, source, spec.CrateName())
		if err != nil {
			return fmt.Errorf("dependency '%s': %w", spec.Name, err)
		}
		if spec.Req != "" {
			// An explicit requirement next to a checkout source must
			// accept the version the checkout resolved to, or the
			// published crate could never build.
			req, err := parseRequirement(spec.Req)
			if err == nil && !req.Allows(resolved) {
				return &ManifestPatchError{
					Crate: m.Package.Name,
					Reason: fmt.Sprintf("dependency '%s' requires '%s' but its checkout resolves to %s",
						spec.Name, spec.Req, resolved),
				}
			}
		}
		spec.Git = ""
		spec.Rev = ""
		spec.Path = ""
		spec.Req = policy.requirementFor(resolved)
		spec.rewritten = true
		kept = append(kept, spec)
	}
	m.Deps = kept
	return nil
}

type jobState int

const (
	jobInProgress jobState = iota
	jobDone
	jobFailed
)

// publishJob tracks the publication of one source. A source may yield
// several crates when it is a workspace.
type publishJob struct {
	source CrateSource
	state  jobState
	// versions maps crate name to published version, filled when done.
	versions map[string]string
	err      error
}

// jobQueue deduplicates publish work by normalized source identity and
// detects dependency cycles through the stack of in-progress jobs.
type jobQueue struct {
	mu    sync.Mutex
	jobs  map[string]*publishJob
	stack []string
}

func newJobQueue() *jobQueue {
	return &jobQueue{jobs: map[string]*publishJob{}}
}

// enter claims the source for publication. When the source has already
// been processed the finished job is returned with started=false. A
// source that is currently being published deeper in the same recursion
// is a dependency cycle.
func (q *jobQueue) enter(source CrateSource) (job *publishJob, started bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	id := source.ID()
	if existing, ok := q.jobs[id]; ok {
		if existing.state == jobInProgress {
			return nil, false, &CyclicDependencyError{Chain: q.cycleChain(id)}
		}
		return existing, false, nil
	}
	job = &publishJob{source: source, state: jobInProgress}
	q.jobs[id] = job
	q.stack = append(q.stack, id)
	return job, true, nil
}

// finish records the outcome of a started job and pops it off the
// recursion stack.
func (q *jobQueue) finish(job *publishJob, versions map[string]string, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err != nil {
		job.state = jobFailed
		job.err = err
	} else {
		job.state = jobDone
		job.versions = versions
	}
	for i := len(q.stack) - 1; i >= 0; i-- {
		if q.stack[i] == job.source.ID() {
			q.stack = append(q.stack[:i], q.stack[i+1:]...)
			break
		}
	}
}

// cycleChain renders the in-progress chain from the repeated source back
// to itself.
func (q *jobQueue) cycleChain(id string) []string {
	start := 0
	for i, entry := range q.stack {
		if entry == id {
			start = i
			break
		}
	}
	chain := append([]string{}, q.stack[start:]...)
	return append(chain, id)
}
