// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/reqprof/reqprof/pkg/agent"
	"github.com/reqprof/reqprof/pkg/util/log"
	"github.com/reqprof/reqprof/pkg/version"
)

var (
	agentCmd = &cobra.Command{
		Use:   "reqprof-agent [command]",
		Short: "reqprof host agent",
		Long: `
The reqprof agent runs next to the instrumented application. It accepts
profiling records over a local socket, buffers them in memory and on disk,
and forwards them to the central listener.`,
		SilenceUsage: true,
	}

	startCmd = &cobra.Command{
		Use:   "start",
		Short: "Start the agent",
		Long:  `Runs the agent in the foreground until a signal or a lifecycle limit stops it.`,
		RunE:  start,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("reqprof-agent %s\n", version.String())
		},
	}
)

func init() {
	agentCmd.AddCommand(startCmd)
	agentCmd.AddCommand(versionCmd)
}

func start(cmd *cobra.Command, args []string) error {
	cfg := agent.LoadConfig()
	if err := log.SetupFromConfig(cfg.LogLevel, cfg.LogFile); err != nil {
		return fmt.Errorf("cannot set up logger: %w", err)
	}
	defer log.Flush()
	log.Infof("reqprof-agent %s starting", version.String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := agent.New(cfg).Run(ctx)
	if errors.Is(err, agent.ErrRestartRequested) {
		// Exit 0 so the supervisor restarts a fresh process.
		log.Infof("reqprof-agent recycling after lifecycle limit")
		return nil
	}
	return err
}

func main() {
	if err := agentCmd.Execute(); err != nil {
		log.Errorf("%v", err)
		log.Flush()
		os.Exit(1)
	}
}
