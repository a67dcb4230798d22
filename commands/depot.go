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

package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/alessio/shellescape"
	"github.com/spf13/cobra"
	yaml "gopkg.in/yaml.v2"

	"github.com/cpg314/cargo-depot/pkg/depot"
)

// ConfigStore loads and persists the user configuration.
type ConfigStore interface {
	Load(ctx context.Context) (*Config, error)
	Store(ctx context.Context, cfg *Config) error
}

type Config struct {
	// ScratchDir is where remote sources are downloaded and unpacked.
	ScratchDir string
	// FetchTimeout bounds a single network fetch.
	FetchTimeout time.Duration
	// FetchRetries is the retry count for tarball downloads.
	FetchRetries uint64

	// The following entries must be `nil` if they are not set in the
	// configuration, so command-line flags can tell "unset" from
	// "explicitly configured".
	RequirementPolicy *depot.RequirementPolicy
	AllowDirty        *bool
}

type CobraCommand func(cmd *cobra.Command, args []string)
type CobraErrorCommand func(cmd *cobra.Command, args []string) error
type Run func(CobraErrorCommand) CobraCommand

type depotHandler struct {
	cfg      *Config
	cfgStore ConfigStore
	ui       depot.UI
}

// Depot builds the command tree of the registry maintenance tool.
func Depot(run Run, configStore ConfigStore, ui depot.UI) (*cobra.Command, error) {
	if ui == nil {
		ui = depotUI
	}

	handler := &depotHandler{
		cfgStore: configStore,
		ui:       ui,
	}

	// 1. Loads the config before invoking the command.
	// 2. Intercepts any error and checks if it is an already-reported error.
	//    If it is, replaces it with a silent error.
	//    Otherwise returns it to the caller.
	// 3. Wraps the call into the given 'run' function.
	errorCfgRun := func(f CobraErrorCommand) CobraCommand {
		return run(func(cmd *cobra.Command, args []string) error {
			if handler.cfg == nil {
				cfg, err := handler.cfgStore.Load(cmd.Context())
				if err != nil {
					return err
				}
				handler.cfg = cfg
			}

			policy, err := cmd.Flags().GetString("requirement")
			if err != nil {
				return err
			}
			if policy != "" {
				p := depot.RequirementPolicy(policy)
				if !p.IsValid() {
					return fmt.Errorf("invalid requirement policy '%s' (valid: 'exact', 'caret')", policy)
				}
				handler.cfg.RequirementPolicy = &p
			}

			err = f(cmd, args)

			if depot.IsErrAlreadyReported(err) {
				return newExitError(1)
			}
			return err
		})
	}

	cmd := &cobra.Command{
		Use:   "cargo-depot",
		Short: "Maintain a static cargo registry",
	}
	cmd.PersistentFlags().String("registry", "", "path to the registry store")
	cmd.PersistentFlags().String("requirement", "", "version requirement policy for rewritten dependencies (valid: 'exact', 'caret')")
	cmd.MarkPersistentFlagRequired("registry")

	addCmd := &cobra.Command{
		Use:   "add <source>...",
		Short: "Publishes crates into the registry",
		Long: `Publishes the given crate sources into the registry.

A source is either a local path to a crate or workspace directory, or an
http(s) URL of a gzipped source tarball. Workspaces expand into one
publication per member package.

Git and path dependencies of a published crate are published first and
rewritten to registry references, recursively, so that every crate the
registry serves can be built from the registry alone.

With '--batch', sources are additionally read from a YAML file:

  sources:
    - crates/foo
    - https://example.com/bar-1.2.0.tar.gz

Sources are published in dependency order regardless of the order given.`,
		Example: `  # Publish a local crate.
  cargo-depot add --registry /srv/registry ./my-crate

  # Publish a released tarball and everything it references.
  cargo-depot add --registry /srv/registry https://example.com/foo-0.3.1.tar.gz

  # Publish a prepared batch.
  cargo-depot add --registry /srv/registry --batch release.yaml`,
		Run:  errorCfgRun(handler.depotAdd),
		Args: cobra.ArbitraryArgs,
	}
	addCmd.Flags().String("url", "", "base URL under which the registry will be served (required on first use)")
	addCmd.Flags().String("batch", "", "YAML file listing sources to publish")
	addCmd.Flags().Bool("allow-dirty", false, "Publish local sources with uncommitted changes")
	cmd.AddCommand(addCmd)

	removeCmd := &cobra.Command{
		Use:   "remove <name> [<version>|all]",
		Short: "Removes a crate version from the registry",
		Long: `Removes the given version of a crate, or all its versions.

The index record and the stored tarball are deleted. Crates already
depending on the removed version keep their index records; a warning
lists them.`,
		Example: `  # Remove one version.
  cargo-depot remove --registry /srv/registry foo 1.2.0

  # Remove a crate entirely.
  cargo-depot remove --registry /srv/registry foo all`,
		Run:  errorCfgRun(handler.depotRemove),
		Args: cobra.RangeArgs(1, 2),
	}
	cmd.AddCommand(removeCmd)

	listCmd := &cobra.Command{
		Use:   "list [<name>]",
		Short: "Lists the published crates",
		Long: `Lists all published crates and their versions.

If a 'name' is given, only that crate's versions are shown.`,
		Run:  errorCfgRun(handler.depotList),
		Args: cobra.MaximumNArgs(1),
	}
	listCmd.Flags().BoolP("verbose", "v", false, "Show more information")
	listCmd.Flags().StringP("output", "o", "list", "Defines the output format (valid: 'list', 'json')")
	cmd.AddCommand(listCmd)

	return cmd, nil
}

var depotUI = depot.FmtUI

func (h *depotHandler) openStore(cmd *cobra.Command, baseURL string) (*depot.Store, error) {
	registry, err := cmd.Flags().GetString("registry")
	if err != nil {
		return nil, err
	}
	return depot.OpenStore(registry, baseURL, h.ui)
}

func (h *depotHandler) buildManager(store *depot.Store, allowDirty bool) (*depot.Manager, *depot.Fetcher) {
	fetcher := depot.NewFetcher(h.cfg.ScratchDir, h.ui,
		depot.WithFetchTimeout(h.cfg.FetchTimeout),
		depot.WithFetchRetries(h.cfg.FetchRetries))
	options := []depot.ManagerOption{depot.WithAllowDirty(allowDirty)}
	if h.cfg.RequirementPolicy != nil {
		options = append(options, depot.WithRequirementPolicy(*h.cfg.RequirementPolicy))
	}
	return depot.NewManager(store, fetcher, h.ui, options...), fetcher
}

type batchFile struct {
	Sources []string `yaml:"sources"`
}

func readBatchFile(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var batch batchFile
	if err := yaml.UnmarshalStrict(b, &batch); err != nil {
		return nil, fmt.Errorf("malformed batch file '%s': %w", path, err)
	}
	return batch.Sources, nil
}

func (h *depotHandler) depotAdd(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	descriptors := append([]string{}, args...)
	batchPath, err := cmd.Flags().GetString("batch")
	if err != nil {
		return err
	}
	if batchPath != "" {
		fromFile, err := readBatchFile(batchPath)
		if err != nil {
			return err
		}
		descriptors = append(descriptors, fromFile...)
	}
	if len(descriptors) == 0 {
		h.ui.ReportError("No sources given (pass them as arguments or with '--batch')")
		return newExitError(1)
	}
	var sources []depot.CrateSource
	for _, descriptor := range descriptors {
		sources = append(sources, depot.ParseCrateSource(descriptor))
	}

	baseURL, err := cmd.Flags().GetString("url")
	if err != nil {
		return err
	}
	allowDirty, err := cmd.Flags().GetBool("allow-dirty")
	if err != nil {
		return err
	}
	if h.cfg.AllowDirty != nil && *h.cfg.AllowDirty {
		allowDirty = true
	}

	store, err := h.openStore(cmd, baseURL)
	if err != nil {
		return err
	}

	manager, fetcher := h.buildManager(store, allowDirty)
	defer fetcher.Cleanup()

	outcomes, err := manager.PublishAll(ctx, sources)
	published := 0
	for _, outcome := range outcomes {
		if outcome.Err == nil {
			published += len(outcome.Crates)
		}
	}
	if err != nil {
		return err
	}
	h.ui.ReportInfo("Published %d crate(s) to %s", published, store.Root())
	printConsumeHint(store)
	return nil
}

// printConsumeHint shows how to consume the registry from a cargo config,
// with the path quoted for copy-pasting into a shell.
func printConsumeHint(store *depot.Store) {
	cfg, err := store.ReadIndexConfig()
	if err != nil {
		return
	}
	base := strings.TrimSuffix(cfg.DL, "/"+depot.CratesDir+"/{crate}/{version}/download")
	fmt.Printf(`To consume the registry, serve %s and add to .cargo/config.toml:
  [registries.depot]
  index = "sparse+%s/index/"
`, shellescape.Quote(store.Root()), base)
}

func (h *depotHandler) depotRemove(cmd *cobra.Command, args []string) error {
	store, err := h.openStore(cmd, "")
	if err != nil {
		return err
	}
	name := args[0]
	version := "*"
	if len(args) == 2 && args[1] != "all" {
		version = args[1]
	}
	if err := store.Delete(name, version); err != nil {
		return err
	}
	if version == "*" {
		h.ui.ReportInfo("Removed '%s'", name)
	} else {
		h.ui.ReportInfo("Removed '%s' %s", name, version)
	}
	return nil
}

func (h *depotHandler) depotList(cmd *cobra.Command, args []string) error {
	store, err := h.openStore(cmd, "")
	if err != nil {
		return err
	}
	isVerbose, err := cmd.Flags().GetBool("verbose")
	if err != nil {
		return err
	}
	output, err := cmd.Flags().GetString("output")
	if err != nil {
		return err
	}
	isJson := output == "json"

	var names []string
	if len(args) == 1 {
		names = []string{args[0]}
	} else {
		names, err = store.ListIndex()
		if err != nil {
			return err
		}
	}
	for _, name := range names {
		records, err := store.ReadIndex(name)
		if err != nil {
			return err
		}
		if records == nil {
			return h.ui.ReportError("Crate '%s' is not in the registry", name)
		}
		for _, record := range records {
			printRecord(record, isVerbose, isJson)
		}
	}
	return nil
}

func printRecord(record depot.IndexRecord, isVerbose bool, isJson bool) {
	if isJson {
		b, err := json.Marshal(record)
		if err != nil {
			return
		}
		fmt.Println(string(b))
		return
	}
	if !isVerbose {
		fmt.Printf("%s - %s\n", record.Name, record.Vers)
		return
	}
	fmt.Printf("%s - %s\n  checksum: %s\n", record.Name, record.Vers, record.Cksum)
	if record.Yanked {
		fmt.Println("  yanked: true")
	}
	for _, dep := range record.Deps {
		fmt.Printf("  %s %s (%s)\n", dep.Name, dep.Req, dep.Kind)
	}
}
