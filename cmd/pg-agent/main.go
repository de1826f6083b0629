// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/reqprof/reqprof/pkg/pgagent"
	"github.com/reqprof/reqprof/pkg/util/log"
	"github.com/reqprof/reqprof/pkg/version"
)

var (
	pgAgentCmd = &cobra.Command{
		Use:   "reqprof-pg-agent [command]",
		Short: "reqprof database agent",
		Long: `
The reqprof database agent runs on the PostgreSQL host. It samples
pg_stat_activity, pg_stat_statements and system metrics, tails the server
log, and ships everything to the central listener.`,
		SilenceUsage: true,
	}

	startCmd = &cobra.Command{
		Use:   "start",
		Short: "Start the database agent",
		Long:  `Runs the database agent in the foreground. SIGHUP reloads the configuration.`,
		RunE:  start,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("reqprof-pg-agent %s\n", version.String())
		},
	}
)

func init() {
	pgAgentCmd.AddCommand(startCmd)
	pgAgentCmd.AddCommand(versionCmd)
}

func start(cmd *cobra.Command, args []string) error {
	cfg := pgagent.LoadConfig()
	if err := log.SetupFromConfig(cfg.LogLevel, cfg.LogFile); err != nil {
		return fmt.Errorf("cannot set up logger: %w", err)
	}
	defer log.Flush()
	log.Infof("reqprof-pg-agent %s starting", version.String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)
	defer signal.Stop(reload)

	for {
		ag, err := pgagent.New(ctx, cfg)
		if err != nil {
			return err
		}

		runCtx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() { done <- ag.Run(runCtx) }()

		select {
		case <-ctx.Done():
			cancel()
			return <-done
		case err := <-done:
			cancel()
			return err
		case <-reload:
			log.Infof("reqprof-pg-agent reloading configuration on SIGHUP")
			cancel()
			if err := <-done; err != nil {
				return err
			}
			cfg = pgagent.LoadConfig()
		}
	}
}

func main() {
	if err := pgAgentCmd.Execute(); err != nil {
		log.Errorf("%v", err)
		log.Flush()
		os.Exit(1)
	}
}
