// SPDX-FileCopyrightText: 2026 Crystal contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package app wires the crystal command line.
package app

import (
	"context"
	"flag"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"k8s.io/klog/v2"
)

const (
	// DefaultConfigFileName is the configuration filename under the
	// crystal home folder.
	DefaultConfigFileName = "config"
	// CrystalHomeDir is the crystal home location.
	CrystalHomeDir = ".crystal"
)

// Options holds every option of the crystal command.
type Options struct {
	ReadOnly    bool     `mapstructure:"readonly"`
	Serve       bool     `mapstructure:"serve"`
	ServeAddr   string   `mapstructure:"serve-addr"`
	Shell       bool     `mapstructure:"shell"`
	Cookie      string   `mapstructure:"cookie"`
	StaleBefore string   `mapstructure:"stale-before"`
	Downloads   []string `mapstructure:"download"`
	ProjectPath string
}

var vip *viper.Viper

// NewCommand creates the root command and propagates ctx to its Run
// callback closure.
func NewCommand(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crystal [flags] <project path>",
		Short: "Download websites into a local archive and serve them back",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			options, err := NewOptions()
			if err != nil {
				return err
			}
			options.ProjectPath = args[0]
			return run(ctx, options)
		},
	}

	Configure(cmd)
	klog.InitFlags(nil)
	AddFlags(cmd)
	return cmd
}

// Configure configures flags for command
func Configure(command *cobra.Command) {
	vip = viper.New()
	configureFlags(command)
	configureConfigFile()
}

func configureFlags(command *cobra.Command) {
	command.Flags().Bool("readonly", false,
		"Open the project read-only; all mutations are refused.")
	_ = vip.BindPFlag("readonly", command.Flags().Lookup("readonly"))

	command.Flags().Bool("serve", false,
		"Serve the archive over local HTTP after opening the project.")
	_ = vip.BindPFlag("serve", command.Flags().Lookup("serve"))

	command.Flags().String("serve-addr", "127.0.0.1:2797",
		"Address the archive server listens on. Only useful with --serve.")
	_ = vip.BindPFlag("serve-addr", command.Flags().Lookup("serve-addr"))

	command.Flags().Bool("shell", false,
		"Drop into an interactive shell bound to the open project.")
	_ = vip.BindPFlag("shell", command.Flags().Lookup("shell"))

	command.Flags().String("cookie", "",
		"Cookie header value to send with downloads from the project's default origin, for this session only.")
	_ = vip.BindPFlag("cookie", command.Flags().Lookup("cookie"))

	command.Flags().String("stale-before", "",
		"RFC 3339 timestamp; stored revisions older than this are considered stale and refetched.")
	_ = vip.BindPFlag("stale-before", command.Flags().Lookup("stale-before"))

	command.Flags().StringSlice("download", nil,
		"URL to download as a root resource after opening; may be repeated.")
	_ = vip.BindPFlag("download", command.Flags().Lookup("download"))
}

func configureConfigFile() {
	vip.AutomaticEnv()
	cfgFile := os.Getenv("CRYSTAL_CONFIG")
	if cfgFile == "" {
		userHomeDir, _ := os.UserHomeDir()
		cfgFile = filepath.Join(userHomeDir, CrystalHomeDir, DefaultConfigFileName)
		if _, err := os.Lstat(cfgFile); os.IsNotExist(err) {
			// default configuration file doesn't exist -> nothing to configure
			return
		}
	}
	vip.AddConfigPath(filepath.Dir(cfgFile))
	vip.SetConfigName(filepath.Base(cfgFile))
	vip.SetConfigType("yaml")
	if err := vip.ReadInConfig(); err != nil {
		klog.Warningf("Non-fatal error in loading configuration file %s. No configuration file will be used: %v\n", cfgFile, err)
		return
	}
	klog.Infof("Configuration file %s will be used\n", cfgFile)
}

// NewOptions creates an Options object from flags and configuration file.
// Flags overwrite values from the configuration file.
func NewOptions() (*Options, error) {
	loadedOptions := &Options{}
	if err := vip.Unmarshal(loadedOptions); err != nil {
		return nil, err
	}
	return loadedOptions, nil
}

// AddFlags adds go flags (klog's) to rootCmd.
func AddFlags(rootCmd *cobra.Command) {
	flag.CommandLine.VisitAll(func(gf *flag.Flag) {
		rootCmd.Flags().AddGoFlag(gf)
	})
}
