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

package git

import (
	"context"
	"path/filepath"
	"strings"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

type CloneOptions struct {
	URL string
	// Order of preference: hash > branch > tag.
	Hash         string
	Branch       string
	Tag          string
	SingleBranch bool
	Depth        int
}

// Clone clones the repository with the given [options] into [dir].
// Returns the checked out hash.
func Clone(ctx context.Context, dir string, options CloneOptions) (string, error) {
	url := options.URL
	if !filepath.IsAbs(url) && !strings.HasPrefix(url, "https://") && !strings.HasPrefix(url, "http://") {
		url = "https://" + url
	}
	gogitOptions := &gogit.CloneOptions{
		URL:          url,
		SingleBranch: options.SingleBranch,
		Depth:        options.Depth,
	}

	// Cloning a specific hash directly is not supported by go-git.
	// If a branch or tag is given we check that out first; it usually is
	// the right revision already.
	if options.Branch != "" {
		gogitOptions.ReferenceName = plumbing.NewBranchReferenceName(options.Branch)
	} else if options.Tag != "" {
		gogitOptions.ReferenceName = plumbing.NewTagReferenceName(options.Tag)
	} else if options.Hash != "" {
		// Only a hash: a shallow single-branch clone of the default
		// branch may not contain it, so fetch the full history.
		gogitOptions.Depth = 0
		gogitOptions.SingleBranch = false
	}

	repository, err := gogit.PlainCloneContext(ctx, dir, false, gogitOptions)
	if err != nil && (gogit.NoMatchingRefSpecError{}).Is(err) && options.Hash != "" {
		// The branch/tag doesn't exist, but we have a hash we can try to find directly.
		gogitOptions.Depth = 0
		gogitOptions.ReferenceName = ""
		gogitOptions.NoCheckout = true
		gogitOptions.SingleBranch = false
		repository, err = gogit.PlainCloneContext(ctx, dir, false, gogitOptions)
	}
	if err != nil {
		return "", err
	}

	head, err := repository.Head()
	if err != nil {
		return "", err
	}
	downloadedHash := head.Hash().String()
	if options.Hash != "" && downloadedHash != options.Hash {
		w, err := repository.Worktree()
		if err != nil {
			return "", err
		}
		err = w.Checkout(&gogit.CheckoutOptions{
			Hash: plumbing.NewHash(options.Hash),
		})
		if err != nil {
			return "", err
		}
		return options.Hash, nil
	}
	return downloadedHash, nil
}

// IsDirty reports whether the work tree containing [dir] has uncommitted
// changes. Cargo.lock modifications are ignored since packaging drops the
// lock file anyway. A directory that is not inside a git work tree is
// considered clean.
func IsDirty(dir string) (bool, []string, error) {
	repository, err := gogit.PlainOpenWithOptions(dir, &gogit.PlainOpenOptions{
		DetectDotGit: true,
	})
	if err == gogit.ErrRepositoryNotExists {
		return false, nil, nil
	}
	if err != nil {
		return false, nil, err
	}
	wt, err := repository.Worktree()
	if err != nil {
		return false, nil, err
	}
	status, err := wt.Status()
	if err != nil {
		return false, nil, err
	}
	var changed []string
	for path, st := range status {
		if filepath.Base(path) == "Cargo.lock" {
			continue
		}
		if st.Worktree == gogit.Unmodified && st.Staging == gogit.Unmodified {
			continue
		}
		changed = append(changed, path)
	}
	return len(changed) > 0, changed, nil
}
