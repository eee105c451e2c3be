// SPDX-FileCopyrightText: Copyright 2025 Sheetbridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the sheetbridge authorization server.
package main

import (
	"os"

	"github.com/sheetbridge/sheetbridge/cmd/sheetbridge/app"
	"github.com/sheetbridge/sheetbridge/pkg/logger"
)

func main() {
	logger.Initialize()

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
