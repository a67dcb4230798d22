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
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/cpg314/cargo-depot/pkg/git"
)

// SourceKind discriminates a CrateSource.
type SourceKind int

const (
	// SourceLocal is a crate (or workspace) directory on disk.
	SourceLocal SourceKind = iota
	// SourceTarball is an HTTP(S) link to a gzipped tarball.
	SourceTarball
	// SourceGit is a git checkout at a specific revision. Only reachable
	// through dependency rewriting, never as a direct batch input.
	SourceGit
)

// CrateSource identifies one input to publish. Immutable.
type CrateSource struct {
	Kind SourceKind
	// Path for SourceLocal.
	Path string
	// URL for SourceTarball and SourceGit.
	URL string
	// Rev for SourceGit: a tag or commit hash.
	Rev string
}

// ParseCrateSource interprets a command-line source descriptor.
func ParseCrateSource(arg string) CrateSource {
	if strings.HasPrefix(arg, "https://") || strings.HasPrefix(arg, "http://") {
		return CrateSource{Kind: SourceTarball, URL: arg}
	}
	return CrateSource{Kind: SourceLocal, Path: arg}
}

// ID returns the normalized identity of the source. Two descriptors that
// materialize the same tree share an ID; it keys publish jobs and cycle
// detection.
func (s CrateSource) ID() string {
	switch s.Kind {
	case SourceLocal:
		abs, err := filepath.Abs(s.Path)
		if err != nil {
			abs = s.Path
		}
		return filepath.Clean(abs)
	case SourceGit:
		url := strings.TrimSuffix(s.URL, ".git")
		if s.Rev == "" {
			return url
		}
		return url + "@" + s.Rev
	default:
		return s.URL
	}
}

func (s CrateSource) String() string {
	if s.Kind == SourceLocal {
		return s.Path
	}
	return s.ID()
}

// Fetcher materializes crate sources into readable local directories.
// Remote sources land in per-job scratch directories below scratchRoot;
// local sources are used in place, read-only.
type Fetcher struct {
	scratchRoot string
	client      *http.Client
	timeout     time.Duration
	retries     uint64
	ui          UI

	mu      sync.Mutex
	fetched map[string]string
}

type fetcherOptions struct {
	client  *http.Client
	timeout time.Duration
	retries uint64
}

// FetcherOption defines the optional parameters for NewFetcher.
type FetcherOption interface {
	applyFetcherOption(*fetcherOptions)
}

// WithFetchTimeout bounds every network fetch, so one unreachable source
// cannot stall a batch.
func WithFetchTimeout(d time.Duration) FetcherOption {
	return fetchTimeout(d)
}

type fetchTimeout time.Duration

func (t fetchTimeout) applyFetcherOption(o *fetcherOptions) {
	o.timeout = time.Duration(t)
}

// WithFetchRetries sets the bounded retry count for tarball downloads.
func WithFetchRetries(n uint64) FetcherOption {
	return fetchRetries(n)
}

type fetchRetries uint64

func (r fetchRetries) applyFetcherOption(o *fetcherOptions) {
	o.retries = uint64(r)
}

// WithHTTPClient overrides the HTTP client used for tarball downloads.
func WithHTTPClient(c *http.Client) FetcherOption {
	return httpClientOption{c}
}

type httpClientOption struct{ c *http.Client }

func (h httpClientOption) applyFetcherOption(o *fetcherOptions) {
	o.client = h.c
}

// NewFetcher creates a fetcher with scratch space below scratchRoot.
func NewFetcher(scratchRoot string, ui UI, options ...FetcherOption) *Fetcher {
	o := &fetcherOptions{
		client:  &http.Client{},
		timeout: 2 * time.Minute,
		retries: 3,
	}
	for _, option := range options {
		option.applyFetcherOption(o)
	}
	return &Fetcher{
		scratchRoot: scratchRoot,
		client:      o.client,
		timeout:     o.timeout,
		retries:     o.retries,
		ui:          ui,
		fetched:     map[string]string{},
	}
}

// Fetch materializes the source and returns the crate root directory.
// Fetching the same source twice returns the same directory.
func (f *Fetcher) Fetch(ctx context.Context, source CrateSource) (string, error) {
	id := source.ID()
	f.mu.Lock()
	if dir, ok := f.fetched[id]; ok {
		f.mu.Unlock()
		return dir, nil
	}
	f.mu.Unlock()

	var dir string
	var err error
	switch source.Kind {
	case SourceLocal:
		dir, err = f.fetchLocal(source)
	case SourceTarball:
		dir, err = f.fetchTarball(ctx, source)
	case SourceGit:
		dir, err = f.fetchGit(ctx, source)
	default:
		err = fmt.Errorf("unknown source kind %d", source.Kind)
	}
	if err != nil {
		return "", &FetchError{Source: source.String(), Err: err}
	}

	f.mu.Lock()
	f.fetched[id] = dir
	f.mu.Unlock()
	return dir, nil
}

func (f *Fetcher) fetchLocal(source CrateSource) (string, error) {
	abs := source.ID()
	isDir, err := isDirectory(abs)
	if err != nil {
		return "", err
	}
	if !isDir {
		return "", fmt.Errorf("'%s' is not a directory", source.Path)
	}
	return abs, nil
}

func (f *Fetcher) fetchTarball(ctx context.Context, source CrateSource) (string, error) {
	scratch, err := f.newScratchDir("tarball")
	if err != nil {
		return "", err
	}

	download := func() error {
		reqCtx, cancel := context.WithTimeout(ctx, f.timeout)
		defer cancel()
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, source.URL, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := f.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		switch {
		case resp.StatusCode == http.StatusOK:
			return extractTarGz(resp.Body, scratch)
		case resp.StatusCode == http.StatusNotFound:
			return backoff.Permanent(fmt.Errorf("not found (HTTP 404)"))
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("upstream unavailable (HTTP %d)", resp.StatusCode)
		default:
			return backoff.Permanent(fmt.Errorf("unexpected status HTTP %d", resp.StatusCode))
		}
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), f.retries), ctx)
	if err := backoff.Retry(download, policy); err != nil {
		return "", err
	}

	return findCrateRoot(scratch)
}

func (f *Fetcher) fetchGit(ctx context.Context, source CrateSource) (string, error) {
	scratch, err := f.newScratchDir("git")
	if err != nil {
		return "", err
	}
	options := git.CloneOptions{
		URL:          strings.TrimSuffix(source.URL, ".git"),
		SingleBranch: true,
		Depth:        1,
	}
	if isCommitHash(source.Rev) {
		options.Hash = source.Rev
	} else if source.Rev != "" {
		options.Tag = source.Rev
	}
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	if _, err := git.Clone(ctx, scratch, options); err != nil {
		return "", err
	}
	return scratch, nil
}

func (f *Fetcher) newScratchDir(prefix string) (string, error) {
	if err := os.MkdirAll(f.scratchRoot, 0755); err != nil {
		return "", err
	}
	return os.MkdirTemp(f.scratchRoot, prefix+"-")
}

// Cleanup removes all scratch directories created by this fetcher.
func (f *Fetcher) Cleanup() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, dir := range f.fetched {
		if strings.HasPrefix(dir, f.scratchRoot) {
			os.RemoveAll(dir)
		}
		delete(f.fetched, id)
	}
}

// isCommitHash reports whether rev looks like a (full or abbreviated)
// commit hash rather than a tag name.
func isCommitHash(rev string) bool {
	if len(rev) < 7 || len(rev) > 40 {
		return false
	}
	for _, c := range rev {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}

// findCrateRoot locates the directory holding the manifest inside an
// extracted tarball: either the extraction root itself or a first-level
// directory (tarballs usually wrap a single top-level directory).
func findCrateRoot(dir string) (string, error) {
	ok, err := isFile(filepath.Join(dir, ManifestFileName))
	if err != nil {
		return "", err
	}
	if ok {
		return dir, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		candidate := filepath.Join(dir, entry.Name())
		ok, err := isFile(filepath.Join(candidate, ManifestFileName))
		if err != nil {
			return "", err
		}
		if ok {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no %s found at the first level of the archive", ManifestFileName)
}

// extractTarGz unpacks a gzipped tarball below dir. Entries escaping the
// target directory are rejected.
func extractTarGz(r io.Reader, dir string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return err
	}
	defer gz.Close()
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		name := filepath.FromSlash(hdr.Name)
		if filepath.IsAbs(name) || strings.HasPrefix(filepath.Clean(name), "..") {
			return fmt.Errorf("archive entry '%s' escapes the extraction directory", hdr.Name)
		}
		target := filepath.Join(dir, name)
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode)&0777)
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			if err := out.Close(); err != nil {
				return err
			}
		default:
			// Symlinks and special files are not part of crate sources.
		}
	}
}
