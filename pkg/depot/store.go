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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	filemutex "github.com/alexflint/go-filemutex"
)

// IndexConfig is the config.json at the root of the index.
// Registry clients read it to construct download URLs.
type IndexConfig struct {
	DL string `json:"dl"`
}

// NewIndexConfig builds the config for a registry hosted at the given base
// URL. The template placeholders are expanded by the client.
func NewIndexConfig(baseURL string) IndexConfig {
	return IndexConfig{
		DL: fmt.Sprintf("%s/%s/{crate}/{version}/%s",
			strings.TrimSuffix(baseURL, "/"), CratesDir, DownloadFileName),
	}
}

// Store is the on-disk registry: the sharded index tree and the crate
// tarball tree under a single root. All writes go through the store; index
// appends are serialized per shard file.
type Store struct {
	root string
	ui   UI

	// One writer per index file at a time. An append is a
	// read-modify-write of the whole file.
	mu     sync.Mutex
	shards map[string]*sync.Mutex
}

// OpenStore opens (and if necessary initializes) the registry at root.
// The base URL is only required for first-time initialization of
// index/config.json.
func OpenStore(root string, baseURL string, ui UI) (*Store, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, err
	}
	s := &Store{
		root:   root,
		ui:     ui,
		shards: map[string]*sync.Mutex{},
	}
	configPath := filepath.Join(root, IndexDir, IndexConfigName)
	exists, err := isFile(configPath)
	if err != nil {
		return nil, err
	}
	if !exists {
		if baseURL == "" {
			return nil, ui.ReportError("Registry at '%s' is not initialized. Provide the URL where it will be hosted with the --url flag", root)
		}
		ui.ReportInfo("Initializing registry at '%s'", root)
		if err := os.MkdirAll(filepath.Join(root, IndexDir), 0755); err != nil {
			return nil, err
		}
		b, err := json.MarshalIndent(NewIndexConfig(baseURL), "", "  ")
		if err != nil {
			return nil, err
		}
		if err := s.atomicWrite(configPath, append(b, '\n')); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Root returns the registry root directory.
func (s *Store) Root() string {
	return s.root
}

// ReadIndexConfig reads the index/config.json of the store.
func (s *Store) ReadIndexConfig() (*IndexConfig, error) {
	b, err := os.ReadFile(filepath.Join(s.root, IndexDir, IndexConfigName))
	if err != nil {
		return nil, err
	}
	var cfg IndexConfig
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// shardPath derives the index directory for a crate name, following the
// registry index convention. The derivation is case-insensitive.
func shardPath(name string) string {
	name = strings.ToLower(name)
	switch len(name) {
	case 0:
		return ""
	case 1:
		return "1"
	case 2:
		return "2"
	case 3:
		return filepath.Join("3", name[:1])
	default:
		return filepath.Join(name[0:2], name[2:4])
	}
}

// IndexPath returns the index file for a crate name.
func (s *Store) IndexPath(name string) string {
	return filepath.Join(s.root, IndexDir, shardPath(name), strings.ToLower(name))
}

// TarballPath returns the stored tarball path for a crate version.
func (s *Store) TarballPath(name string, version string) string {
	return filepath.Join(s.root, CratesDir, name, version, DownloadFileName)
}

// CrateDir returns the per-crate tarball directory.
func (s *Store) CrateDir(name string) string {
	return filepath.Join(s.root, CratesDir, name)
}

func (s *Store) shardMutex(indexPath string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.shards[indexPath]
	if !ok {
		m = &sync.Mutex{}
		s.shards[indexPath] = m
	}
	return m
}

// withShardLock runs f while holding the single-writer lock for the index
// file of the given crate name.
func (s *Store) withShardLock(name string, f func() error) error {
	m := s.shardMutex(s.IndexPath(name))
	m.Lock()
	defer m.Unlock()
	return f()
}

// atomicWrite writes data to path through a temporary file in the same
// directory, followed by a rename, so a crash never leaves a partial file.
func (s *Store) atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".depot-tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// WriteTarball stores tarball bytes for name-version. The write is
// idempotent: an existing tarball with the same checksum is kept as is,
// while differing existing bytes are an error since records are immutable.
func (s *Store) WriteTarball(name string, version string, data []byte, cksum string) error {
	p := s.TarballPath(name, version)
	if doesPathExist(p) {
		existing, err := ChecksumFile(p)
		if err != nil {
			return err
		}
		if existing != cksum {
			return fmt.Errorf("tarball '%s' already exists with different content", p)
		}
		return nil
	}
	return s.atomicWrite(p, data)
}

// Lock takes the store-level file lock, serializing mutating batches
// across processes. The returned function releases the lock.
func (s *Store) Lock(ctx context.Context) (func(), error) {
	lockPath := filepath.Join(s.root, storeLockName)
	m, err := filemutex.New(lockPath)
	if err != nil {
		return nil, err
	}

	unlocked := make(chan struct{})
	ctx, cancel := context.WithTimeout(ctx, time.Minute*3)
	defer cancel()

	// The lock attempt runs in a goroutine so an unreachable lock cannot
	// stall the whole invocation past the timeout.
	go func() {
		m.Lock()
		select {
		case <-ctx.Done():
			m.Unlock()
		default:
			close(unlocked)
		}
	}()
	select {
	case <-unlocked:
		return func() { m.Unlock() }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("unable to acquire registry lock %s", lockPath)
	}
}
