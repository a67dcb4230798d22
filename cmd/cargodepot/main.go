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

package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cpg314/cargo-depot/commands"
	"github.com/cpg314/cargo-depot/config"
	"github.com/cpg314/cargo-depot/config/store"
)

func getTrimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func main() {
	cfgFile := getTrimmedEnv("DEPOT_CONFIG_FILE")
	cacheDir := getTrimmedEnv("DEPOT_CACHE_DIR")
	policy := getTrimmedEnv("DEPOT_REQUIREMENT_POLICY")
	allowDirty := getTrimmedEnv("DEPOT_ALLOW_DIRTY")

	configStore := store.NewViper(cacheDir, policy, allowDirty != "")
	cobra.OnInitialize(func() {
		if cfgFile == "" {
			cfgFile, _ = config.UserConfigFile()
		}
		// A missing config file just means defaults.
		configStore.Init(cfgFile)
	})

	rootCmd, err := commands.Depot(commands.DefaultRunWrapper, configStore, nil)
	if err != nil {
		if _, ok := err.(commands.WithSilent); !ok {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
	rootCmd.Execute()
}
