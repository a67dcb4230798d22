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
	"path/filepath"

	"github.com/cpg314/cargo-depot/pkg/set"
)

// batchNode is one batch input together with what the pre-scan learned
// about it.
type batchNode struct {
	source CrateSource
	// provides lists the crate names this source yields (several for a
	// workspace).
	provides []string
	// needs lists the source IDs of other batch entries this one depends
	// on through git or path references.
	needs set.String
}

// orderBatch pre-scans every source of a batch and returns them ordered so
// that each source comes after the sources it depends on. The relative
// input order of independent sources is preserved. A dependency cycle
// between batch entries fails the whole batch before anything is written.
func orderBatch(ctx context.Context, fetcher *Fetcher, sources []CrateSource, ui UI) ([]CrateSource, error) {
	nodes := make([]*batchNode, 0, len(sources))
	byID := map[string]*batchNode{}
	for _, source := range sources {
		node := &batchNode{source: source, needs: set.NewString()}
		if err := scanSource(ctx, fetcher, node, ui); err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
		byID[source.ID()] = node
	}

	for _, node := range nodes {
		for _, id := range node.needs.Values() {
			if _, known := byID[id]; !known {
				// References to sources outside the batch are resolved
				// during publication, not here.
				node.needs.Remove(id)
			}
		}
		node.needs.Remove(node.source.ID())
	}

	// Kahn's algorithm; the ready list is scanned in input order so that
	// ties keep the order the sources were given in.
	var ordered []CrateSource
	done := set.NewString()
	for len(ordered) < len(nodes) {
		progressed := false
		for _, node := range nodes {
			id := node.source.ID()
			if done.Contains(id) {
				continue
			}
			ready := true
			for need := range node.needs {
				if !done.Contains(need) {
					ready = false
					break
				}
			}
			if !ready {
				continue
			}
			ordered = append(ordered, node.source)
			done.Add(id)
			progressed = true
		}
		if !progressed {
			var chain []string
			for _, node := range nodes {
				if !done.Contains(node.source.ID()) {
					chain = append(chain, node.source.String())
				}
			}
			chain = append(chain, chain[0])
			return nil, &CyclicDependencyError{Chain: chain}
		}
	}
	return ordered, nil
}

// scanSource fetches the source and records the crates it provides and the
// batch-relevant dependencies it carries. Workspace manifests are expanded
// into their members.
func scanSource(ctx context.Context, fetcher *Fetcher, node *batchNode, ui UI) error {
	dir, err := fetcher.Fetch(ctx, node.source)
	if err != nil {
		return err
	}
	dirs, err := crateDirs(dir, ui)
	if err != nil {
		return err
	}
	for _, crateDir := range dirs {
		m, err := LoadManifest(crateDir, ui)
		if err != nil {
			return err
		}
		if !m.HasPackage {
			continue
		}
		node.provides = append(node.provides, m.Package.Name)
		for _, spec := range m.Deps {
			switch {
			case spec.Path != "":
				ref := CrateSource{
					Kind: SourceLocal,
					Path: filepath.Join(crateDir, filepath.FromSlash(spec.Path)),
				}
				node.needs.Add(ref.ID())
			case spec.Git != "":
				ref := CrateSource{Kind: SourceGit, URL: spec.Git, Rev: spec.Rev}
				node.needs.Add(ref.ID())
			}
		}
	}
	return nil
}

// crateDirs lists the crate directories a source root covers: the root
// itself when it holds a package, plus all workspace members.
func crateDirs(root string, ui UI) ([]string, error) {
	m, err := LoadManifest(root, ui)
	if err != nil {
		return nil, err
	}
	dirs := []string{}
	if m.HasPackage {
		dirs = append(dirs, root)
	}
	for _, member := range m.WorkspaceMembers {
		memberDirs, err := expandMember(root, member)
		if err != nil {
			return nil, err
		}
		dirs = append(dirs, memberDirs...)
	}
	return dirs, nil
}

// expandMember resolves one workspace member entry, which may be a glob
// like "crates/*".
func expandMember(root string, member string) ([]string, error) {
	pattern := filepath.Join(root, filepath.FromSlash(member))
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, err
	}
	var dirs []string
	for _, match := range matches {
		ok, err := isFile(filepath.Join(match, ManifestFileName))
		if err != nil {
			return nil, err
		}
		if ok {
			dirs = append(dirs, match)
		}
	}
	sortStringsStable(dirs)
	return dirs, nil
}
