package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dotsetgreg/dotmemory/pkg/bus"
	"github.com/dotsetgreg/dotmemory/pkg/channels"
	"github.com/dotsetgreg/dotmemory/pkg/config"
	"github.com/dotsetgreg/dotmemory/pkg/gateway"
	"github.com/dotsetgreg/dotmemory/pkg/maintenance"
	"github.com/dotsetgreg/dotmemory/pkg/memory"
)

func executeCLI() error {
	return buildRootCommand().Execute()
}

func buildRootCommand() *cobra.Command {
	var (
		opts        globalOptions
		showVersion bool
	)

	root := &cobra.Command{
		Use:   appName,
		Short: "Conversational memory pipeline with an HTTP gateway and Discord channel",
		Long: strings.TrimSpace(`dotmemory extracts durable facts from conversation turns, stores them per
session, and retrieves the most relevant ones for every new turn.

Use CLI commands to run the gateway, chat locally, and inspect or repair
stored memories.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				printVersion(cmd.OutOrStdout())
				return nil
			}
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "Show build/version metadata")
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Config file (default $DOTMEMORY_CONFIG or ~/.dotmemory/config.json)")
	root.PersistentFlags().BoolVarP(&opts.debug, "debug", "d", false, "Enable debug logging")

	root.AddCommand(newInitCommand(&opts))
	root.AddCommand(newServeCommand(&opts))
	root.AddCommand(newChatCommand(&opts))
	root.AddCommand(newMemoriesCommand(&opts))
	root.AddCommand(newSessionCommand(&opts))
	root.AddCommand(newClearCommand(&opts))
	root.AddCommand(newStatsCommand(&opts))
	root.AddCommand(newSearchCommand(&opts))
	root.AddCommand(newReindexCommand(&opts))
	root.AddCommand(newVerifyCommand(&opts))
	root.AddCommand(newVersionCommand())

	return root
}

// withApp opens the pipeline for the duration of fn.
func withApp(cmd *cobra.Command, opts *globalOptions, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, opts)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newInitCommand(opts *globalOptions) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:     "init",
		Short:   "Write a default config file",
		Long:    "Create ~/.dotmemory/config.json (or --config) populated with defaults.",
		Example: "  dotmemory init\n  dotmemory init --config ./dotmemory.json --force",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := opts.configPath
			if path == "" {
				path = defaultConfigPath()
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("config already exists at %s (use --force to overwrite)", path)
			}
			if err := config.SaveConfig(path, config.DefaultConfig()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote default config to %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config file")
	return cmd
}

func newServeCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "serve",
		Short:   "Run the HTTP gateway, chat channels, and maintenance",
		Long:    "Serve the conversation API, start enabled chat channels, and run scheduled index audits until interrupted.",
		Example: "  dotmemory serve --debug",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withApp(cmd, opts, func(_ context.Context, a *app) error {
				return serve(ctx, cmd.OutOrStdout(), a)
			})
		},
	}
}

func serve(ctx context.Context, out io.Writer, a *app) error {
	msgBus := bus.NewMessageBus()
	channelManager, err := channels.NewManager(a.cfg, msgBus, a.log)
	if err != nil {
		return fmt.Errorf("create channel manager: %w", err)
	}

	var scheduler *maintenance.Scheduler
	if a.cfg.Maintenance.Enabled {
		scheduler, err = maintenance.New(a.store, a.cfg.Maintenance.Schedule, a.log)
		if err != nil {
			return err
		}
		scheduler.Start(ctx)
		defer scheduler.Stop()
	}

	if err := channelManager.StartAll(ctx); err != nil {
		return err
	}

	dispatcher := gateway.NewDispatcher(msgBus, a.orch, 0, a.log)
	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		dispatcher.Run(ctx)
	}()

	server := gateway.NewServer(a.orch, gateway.Options{
		Addr:     a.cfg.GatewayAddr(),
		Version:  formatVersion(),
		Logger:   a.log,
		Channels: channelManager.GetStatus,
	})

	if enabled := channelManager.GetEnabledChannels(); len(enabled) > 0 {
		fmt.Fprintf(out, "✓ Channels enabled: %s\n", strings.Join(enabled, ", "))
	}
	fmt.Fprintf(out, "✓ Gateway listening on %s\n", a.cfg.GatewayAddr())
	fmt.Fprintln(out, "Press Ctrl+C to stop")

	runErr := server.Run(ctx)

	fmt.Fprintln(out, "\nShutting down...")
	_ = channelManager.StopAll(context.Background())
	msgBus.Close()
	<-dispatchDone
	fmt.Fprintln(out, "✓ Gateway stopped")
	return runErr
}

func newMemoriesCommand(opts *globalOptions) *cobra.Command {
	var (
		types         []string
		minConfidence float64
		minTurn       int
		maxTurn       int
		limit         int
	)

	cmd := &cobra.Command{
		Use:   "memories <session>",
		Short: "List a session's memories",
		Example: strings.Join([]string{
			"  dotmemory memories cli:default",
			"  dotmemory memories discord:1234 --type preference,constraint --min-confidence 0.8",
		}, "\n"),
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := memory.Filter{MinConfidence: minConfidence, MinTurn: minTurn, MaxTurn: maxTurn, Limit: limit}
			for _, raw := range types {
				t, err := memory.ParseType(raw)
				if err != nil {
					return err
				}
				f.Types = append(f.Types, t)
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				list, err := a.orch.ListMemories(ctx, args[0], f)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]interface{}{
					"session_id":     args[0],
					"total_memories": len(list),
					"memories":       list,
				})
			})
		},
	}
	cmd.Flags().StringSliceVarP(&types, "type", "t", nil, "Only these memory types")
	cmd.Flags().Float64Var(&minConfidence, "min-confidence", 0, "Minimum confidence")
	cmd.Flags().IntVar(&minTurn, "min-turn", 0, "Earliest origin turn")
	cmd.Flags().IntVar(&maxTurn, "max-turn", 0, "Latest origin turn")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum number of memories")
	return cmd
}

func newSessionCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "session <session>",
		Short:   "Show a session's turn counter, stats, and critical memories",
		Example: "  dotmemory session cli:default",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				sum, err := a.orch.SessionSummary(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), sum)
			})
		},
	}
}

func newClearCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "clear <session>",
		Short:   "Delete a session's memories and reset its turn counter",
		Example: "  dotmemory clear cli:default",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if err := a.orch.ClearSession(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Session %s cleared successfully\n", args[0])
				return nil
			})
		},
	}
}

func newStatsCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "stats",
		Short:   "Show memory counts and confidence across all sessions",
		Example: "  dotmemory stats",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				st, err := a.orch.Stats(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), st)
			})
		},
	}
}

func newSearchCommand(opts *globalOptions) *cobra.Command {
	var (
		sessionID string
		topK      int
	)

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search memories by text",
		Example: strings.Join([]string{
			"  dotmemory search \"preferred language\"",
			"  dotmemory search tomorrow --session cli:default --top-k 3",
		}, "\n"),
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				results, err := a.orch.Search(ctx, sessionID, query, topK)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]interface{}{
					"query":         query,
					"total_results": len(results),
					"results":       results,
				})
			})
		},
	}
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Restrict to one session")
	cmd.Flags().IntVarP(&topK, "top-k", "k", 5, "Number of results")
	return cmd
}

func newReindexCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "reindex",
		Short:   "Rebuild the similarity index from stored vectors",
		Example: "  dotmemory reindex",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				n, err := a.orch.RebuildIndex(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Indexed %d memories\n", n)
				return nil
			})
		},
	}
}

func newVerifyCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "verify",
		Short:   "Compare stored vectors with the similarity index",
		Long:    "Report per-session vector counts in the store and the index. Exits non-zero when they disagree; run reindex to repair.",
		Example: "  dotmemory verify",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				audits, err := a.orch.VerifyIndex(ctx)
				if err != nil {
					return err
				}
				var drifted []string
				for _, audit := range audits {
					if !audit.Consistent() {
						drifted = append(drifted, audit.SessionID)
					}
				}
				if err := printJSON(cmd.OutOrStdout(), audits); err != nil {
					return err
				}
				if len(drifted) > 0 {
					return fmt.Errorf("similarity index out of sync for %s", strings.Join(drifted, ", "))
				}
				return nil
			})
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Short:   "Show build/version metadata",
		Example: "  dotmemory version",
		RunE: func(cmd *cobra.Command, args []string) error {
			printVersion(cmd.OutOrStdout())
			return nil
		},
	}
}
