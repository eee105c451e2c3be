// SPDX-FileCopyrightText: Copyright 2025 Sheetbridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package app provides the entry point for the sheetbridge command-line
// application.
package app

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:               "sheetbridge",
	DisableAutoGenTag: true,
	Short:             "Sheetbridge is a federated OAuth authorization server for spreadsheet agents",
	Long: `Sheetbridge is a federated OAuth 2.1 authorization server. It issues its own
signed access and refresh tokens to a registered AI-agent client while
delegating user authentication and consent to an upstream identity provider
(Google by default), towards which it acts as an ordinary OAuth client.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return cmd.Help()
	},
}

// NewRootCmd creates the root command for the sheetbridge CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.AddCommand(newServeCmd())
	return rootCmd
}
