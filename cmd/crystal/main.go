// SPDX-FileCopyrightText: 2026 Crystal contributors
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/crystal-archiver/crystal/cmd/app"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-interrupts
		cancel()
	}()

	command := app.NewCommand(ctx)
	if err := command.Execute(); err != nil {
		os.Exit(1)
	}
}
