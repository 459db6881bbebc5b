// SPDX-FileCopyrightText: Copyright 2026 The AuthGate Authors
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the AuthGate reference server.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/authgate/authgate/cmd/authgate/app"
	"github.com/authgate/authgate/pkg/logger"
)

func main() {
	logger.Initialize()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := app.NewRootCmd().ExecuteContext(ctx); err != nil {
		logger.Errorf("command failed: %v", err)
		os.Exit(1)
	}
}
