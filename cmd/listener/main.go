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

	"github.com/reqprof/reqprof/pkg/listener"
	"github.com/reqprof/reqprof/pkg/util/log"
	"github.com/reqprof/reqprof/pkg/version"
)

var (
	listenerCmd = &cobra.Command{
		Use:   "reqprof-listener [command]",
		Short: "reqprof central listener",
		Long: `
The reqprof listener is the central server of the pipeline. It ingests
records from host and database agents, stores them in SQLite, serves the
query API and optionally ships records to Graylog.`,
		SilenceUsage: true,
	}

	startCmd = &cobra.Command{
		Use:   "start",
		Short: "Start the listener",
		Long:  `Runs the listener in the foreground until a signal stops it.`,
		RunE:  start,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("reqprof-listener %s\n", version.String())
		},
	}
)

func init() {
	listenerCmd.AddCommand(startCmd)
	listenerCmd.AddCommand(versionCmd)
}

func start(cmd *cobra.Command, args []string) error {
	cfg, err := listener.LoadConfig()
	if err != nil {
		return err
	}
	if err := log.SetupFromConfig(cfg.LogLevel, cfg.LogFile); err != nil {
		return fmt.Errorf("cannot set up logger: %w", err)
	}
	defer log.Flush()
	log.Infof("reqprof-listener %s starting", version.String())
	if len(cfg.APIKeys) == 0 {
		log.Warnf("no API_KEY_<PROJECT> variables configured, all ingest requests will be rejected")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := listener.New(cfg)
	if err != nil {
		return err
	}
	return srv.Run(ctx)
}

func main() {
	if err := listenerCmd.Execute(); err != nil {
		log.Errorf("%v", err)
		log.Flush()
		os.Exit(1)
	}
}
