// Copyright 2026 The Mergeflow Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mergeflow/mergeflow/internal/config"
	"github.com/mergeflow/mergeflow/internal/daemon"
	"github.com/mergeflow/mergeflow/internal/log"
	"github.com/mergeflow/mergeflow/internal/model"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "mergeflowd",
		Short:         "PR-driven workflow orchestration daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")

	root.AddCommand(newServeCommand(&configPath))
	root.AddCommand(newProcessCommand(&configPath))
	root.AddCommand(newVersionCommand())
	return root
}

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := log.New(log.FromEnv())
			slog.SetDefault(logger)

			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}

			d, err := daemon.New(cfg, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := d.Start(ctx); err != nil {
				return err
			}
			logger.Info("mergeflowd running", "version", version)

			<-ctx.Done()
			stop()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return d.Shutdown(shutdownCtx)
		},
	}
}

// newProcessCommand feeds a single PR event through the orchestrator and
// prints the module output as JSON. Useful for local runs and webhook
// adapters that shell out.
func newProcessCommand(configPath *string) *cobra.Command {
	var (
		repoID   string
		prNumber int
		title    string
		author   string
		status   string
		base     string
		head     string
	)

	cmd := &cobra.Command{
		Use:   "process",
		Short: "Process one PR event and print the module output",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := log.New(log.FromEnv())

			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}

			d, err := daemon.New(cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := d.Shutdown(shutdownCtx); err != nil {
					logger.Warn("shutdown failed", log.Error(err))
				}
			}()

			output, err := d.ProcessPREvent(cmd.Context(), repoID, prNumber, &model.PRData{
				Title:      title,
				Author:     author,
				Status:     model.PRStatus(status),
				BaseBranch: base,
				HeadBranch: head,
			})
			if err != nil {
				return err
			}

			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(output)
		},
	}

	cmd.Flags().StringVar(&repoID, "repo", "", "Repository identifier")
	cmd.Flags().IntVar(&prNumber, "pr", 0, "Pull request number")
	cmd.Flags().StringVar(&title, "title", "", "Pull request title")
	cmd.Flags().StringVar(&author, "author", "", "Pull request author")
	cmd.Flags().StringVar(&status, "status", "open", "Pull request status (open, closed, merged, draft)")
	cmd.Flags().StringVar(&base, "base", "main", "Base branch")
	cmd.Flags().StringVar(&head, "head", "", "Head branch")
	_ = cmd.MarkFlagRequired("repo")
	_ = cmd.MarkFlagRequired("pr")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mergeflowd %s (commit: %s, built: %s)\n",
				version, commit, buildDate)
		},
	}
}
