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

package store

import (
	"context"
	"time"

	"github.com/spf13/viper"

	"github.com/cpg314/cargo-depot/commands"
	"github.com/cpg314/cargo-depot/config"
	"github.com/cpg314/cargo-depot/pkg/depot"
)

type Viper struct {
	cacheDir   string
	policy     string
	allowDirty bool
}

func NewViper(cacheDir string, policy string, allowDirty bool) *Viper {
	return &Viper{
		cacheDir:   cacheDir,
		policy:     policy,
		allowDirty: allowDirty,
	}
}

const configKeyFetchTimeout = "fetch.timeout"
const configKeyFetchRetries = "fetch.retries"
const configKeyRequirement = "publish.requirement"
const configKeyAllowDirty = "publish.allow_dirty"

const defaultFetchTimeout = 2 * time.Minute
const defaultFetchRetries = 3

func (vc *Viper) Init(cfgFile string) error {
	viper.SetConfigFile(cfgFile)
	return viper.ReadInConfig()
}

func (vc *Viper) Load(ctx context.Context) (*commands.Config, error) {
	result := commands.Config{
		FetchTimeout: defaultFetchTimeout,
		FetchRetries: defaultFetchRetries,
	}

	if vc.cacheDir == "" {
		var err error
		result.ScratchDir, err = config.ScratchPath()
		if err != nil {
			return nil, err
		}
	} else {
		result.ScratchDir = vc.cacheDir
	}

	if viper.IsSet(configKeyFetchTimeout) {
		result.FetchTimeout = viper.GetDuration(configKeyFetchTimeout)
	}
	if viper.IsSet(configKeyFetchRetries) {
		result.FetchRetries = viper.GetUint64(configKeyFetchRetries)
	}

	policy := vc.policy
	if policy == "" && viper.IsSet(configKeyRequirement) {
		policy = viper.GetString(configKeyRequirement)
	}
	if policy != "" {
		p := depot.RequirementPolicy(policy)
		if !p.IsValid() {
			return nil, depot.FmtUI.ReportError("Invalid requirement policy '%s' in the configuration", policy)
		}
		result.RequirementPolicy = &p
	}

	if vc.allowDirty {
		dirty := true
		result.AllowDirty = &dirty
	} else if viper.IsSet(configKeyAllowDirty) {
		dirty := viper.GetBool(configKeyAllowDirty)
		result.AllowDirty = &dirty
	}

	return &result, nil
}

func (vc *Viper) Store(ctx context.Context, cfg *commands.Config) error {
	if cfg.RequirementPolicy != nil {
		viper.Set(configKeyRequirement, string(*cfg.RequirementPolicy))
	}
	if cfg.AllowDirty != nil {
		viper.Set(configKeyAllowDirty, *cfg.AllowDirty)
	}
	return viper.WriteConfig()
}
