// SPDX-FileCopyrightText: Copyright 2026 The AuthGate Authors
// SPDX-License-Identifier: Apache-2.0

// Package app provides the command-line surface of the AuthGate
// reference server.
package app

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/authgate/authgate/pkg/config"
	"github.com/authgate/authgate/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:               "authgate",
	DisableAutoGenTag: true,
	Short:             "OpenID Connect authorization server",
	Long: `AuthGate is an embeddable OpenID Connect 1.0 / OAuth 2.x authorization
server. This binary is the reference deployment: it wires the library
packages together behind one HTTP listener, with the client catalogue,
key material and storage backend taken from a configuration file.`,
	Run: func(cmd *cobra.Command, _ []string) {
		if err := cmd.Help(); err != nil {
			logger.Errorf("error displaying help: %v", err)
		}
	},
}

// NewRootCmd creates the root command of the authgate CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the configuration file")
	if err := viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")); err != nil {
		logger.Errorf("error binding config flag: %v", err)
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newVersionCmd())

	rootCmd.SilenceUsage = true
	return rootCmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the authorization server",
		Long: `Start the authorization server with the endpoints described by its
discovery document. The process runs until interrupted and drains
in-flight requests on shutdown.`,
		RunE: runServe,
	}
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		RunE: func(_ *cobra.Command, _ []string) error {
			path := viper.GetString("config")
			if path == "" {
				return fmt.Errorf("no configuration file specified, use --config")
			}

			cfg, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("configuration is invalid: %w", err)
			}

			logger.Infow("configuration is valid",
				"issuer", cfg.Issuer,
				"storage", cfg.Storage.Type,
				"static_clients", len(cfg.Clients),
			)
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(_ *cobra.Command, _ []string) {
			logger.Infof("authgate version: %s", getVersion())
		},
	}
}

// getVersion is replaced at build time via ldflags.
func getVersion() string {
	return "dev"
}
