// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/AleutianAI/AleutianJournal/pkg/logging"
	"github.com/AleutianAI/AleutianJournal/services/journal"
	"github.com/spf13/cobra"
)

// version is set with -ldflags "-X main.version=...".
var version = "dev"

var (
	configPath string
	logLevel   string
	quiet      bool

	logger *logging.Logger

	rootCmd = &cobra.Command{
		Use:   "journal",
		Short: "Aleutian Journal: private AI journaling sessions archived as verifiable journals",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == versionCmd.Name() {
				return nil
			}
			return setupLogging(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logger != nil {
				_ = logger.Close()
			}
		},
		SilenceUsage: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the journal HTTP service",
		RunE:  runServe,
	}

	sweepCmd = &cobra.Command{
		Use:   "sweep",
		Short: "Remove expired one-time codes and tokens once, then exit",
		RunE:  runSweep,
	}

	archivePendingCmd = &cobra.Command{
		Use:   "archive-pending",
		Short: "Archive locked sessions that have no journal yet, then exit",
		RunE:  runArchivePending,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "journal", version)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error (overrides the config file)")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "disable stderr logging")
	rootCmd.AddCommand(serveCmd, sweepCmd, archivePendingCmd, versionCmd)
}

// setupLogging loads the config once to learn the log settings and
// installs the logger as the slog default.
func setupLogging(cmd *cobra.Command) error {
	cfg, err := journal.LoadConfig(configPath)
	if err != nil {
		return err
	}
	levelName := cfg.LogLevel
	if logLevel != "" {
		levelName = logLevel
	}
	level, ok := logging.ParseLevel(levelName)
	if !ok {
		return fmt.Errorf("unknown log level %q", levelName)
	}
	logger = logging.New(logging.Config{
		Level:  level,
		LogDir: cfg.LogDir,
		Quiet:  quiet,
		Stderr: cmd.ErrOrStderr(),
	})
	slog.SetDefault(logger.Slog())
	return nil
}

// openService loads the config and builds the service.
func openService(ctx context.Context) (*journal.Service, error) {
	cfg, err := journal.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	return journal.New(ctx, cfg, nil)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := openService(ctx)
	if err != nil {
		return err
	}
	return svc.Run(ctx)
}

func runSweep(cmd *cobra.Command, args []string) error {
	svc, err := openService(cmd.Context())
	if err != nil {
		return err
	}
	defer svc.Close()

	res := svc.Sweep(cmd.Context())
	names := make([]string, 0, len(res.Removed)+len(res.Errors))
	for name := range res.Removed {
		names = append(names, name)
	}
	for name := range res.Errors {
		if _, ok := res.Removed[name]; !ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var failed bool
	for _, name := range names {
		if err, ok := res.Errors[name]; ok {
			failed = true
			fmt.Fprintf(cmd.OutOrStdout(), "%-8s error: %v\n", name, err)
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%-8s removed %d\n", name, res.Removed[name])
	}
	if failed {
		return fmt.Errorf("sweep finished with errors")
	}
	return nil
}

func runArchivePending(cmd *cobra.Command, args []string) error {
	svc, err := openService(cmd.Context())
	if err != nil {
		return err
	}
	defer svc.Close()

	archived, err := svc.ArchivePending(cmd.Context())
	fmt.Fprintf(cmd.OutOrStdout(), "archived %d session(s)\n", archived)
	return err
}
