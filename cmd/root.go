// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cmd implements the overlayfsctl command line: flag and config
// parsing via cobra/viper, then handing the resolved layer stack off to
// Mount.
package cmd

import (
	"fmt"
	"os"
	"path"

	"github.com/ovlfuse/overlayfs/cfg"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile       string
	bindErr       error
	configFileErr error
	unmarshalErr  error
	MountConfig   cfg.Config
)

var rootCmd = &cobra.Command{
	Use:   "overlayfsctl [flags] lower... upper mount_point",
	Short: "Mount a union of one writable upper directory and one or more read-only lower directories",
	Long: `overlayfsctl mounts a FUSE filesystem that presents a single, writable
          view over a stack of directories: a writable upper layer and one
          or more read-only lower layers beneath it, in the style of the
          Linux kernel's overlayfs. Its defining feature is rename2: the
          renameat2(2) extension with NOREPLACE, EXCHANGE and WHITEOUT
          flags, implemented in userspace against the layer stack.`,
	Args: cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		if bindErr != nil {
			return bindErr
		}
		if configFileErr != nil {
			return configFileErr
		}
		if unmarshalErr != nil {
			return unmarshalErr
		}
		if err := cfg.ValidateConfig(&MountConfig); err != nil {
			return err
		}

		lowers, upper, mountPoint, err := populateArgs(args)
		if err != nil {
			return err
		}

		return Mount(cmd.Context(), lowers, upper, mountPoint, &MountConfig)
	},
}

// populateArgs splits the positional arguments into the read-only lower
// layers (highest priority first), the writable upper layer, and the mount
// point, resolving each to an absolute path.
func populateArgs(args []string) (lowers []string, upper string, mountPoint string, err error) {
	if len(args) < 3 {
		err = fmt.Errorf(
			"%s takes at least one lower directory, an upper directory, and a mount point. Run `%s --help` for more info.",
			path.Base(os.Args[0]), path.Base(os.Args[0]))
		return
	}

	n := len(args)
	mountPoint, err = resolveArg(args[n-1])
	if err != nil {
		err = fmt.Errorf("canonicalizing mount point: %w", err)
		return
	}
	upper, err = resolveArg(args[n-2])
	if err != nil {
		err = fmt.Errorf("canonicalizing upper directory: %w", err)
		return
	}
	for _, a := range args[:n-2] {
		resolved, rErr := resolveArg(a)
		if rErr != nil {
			err = fmt.Errorf("canonicalizing lower directory %q: %w", a, rErr)
			return
		}
		lowers = append(lowers, resolved)
	}
	return
}

func resolveArg(path string) (string, error) {
	var p cfg.ResolvedPath
	if err := p.UnmarshalText([]byte(path)); err != nil {
		return "", err
	}
	return string(p), nil
}

// Execute runs the root command, exiting the process on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config-file", "", "Path to a YAML config file.")
	bindErr = cfg.BindFlags(rootCmd.PersistentFlags())
}

func initConfig() {
	MountConfig = cfg.Config{Logging: cfg.GetDefaultLoggingConfig()}

	if cfgFile == "" {
		unmarshalErr = viper.Unmarshal(&MountConfig, viper.DecodeHook(cfg.DecodeHook()))
		return
	}

	resolved, err := resolveArg(cfgFile)
	if err != nil {
		configFileErr = fmt.Errorf("error while resolving config file path: %w", err)
		return
	}
	viper.SetConfigFile(resolved)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		configFileErr = fmt.Errorf("error while reading config file: %w", err)
		return
	}
	unmarshalErr = viper.Unmarshal(&MountConfig, viper.DecodeHook(cfg.DecodeHook()))
}
