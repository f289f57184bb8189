package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/dotsetgreg/dotmemory/pkg/memory"
	"github.com/dotsetgreg/dotmemory/pkg/session"
)

func newChatCommand(opts *globalOptions) *cobra.Command {
	var (
		message   string
		sessionID string
		verbose   bool
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the memory pipeline locally",
		Long:  "Run an interactive session, or send one-shot messages, through the same pipeline the gateway serves.",
		Example: strings.Join([]string{
			"  dotmemory chat",
			"  dotmemory chat --session cli:work",
			"  dotmemory chat --message \"My name is Asha\"",
		}, "\n"),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				c := &chatter{orch: a.orch, sessionID: sessionID, out: cmd.OutOrStdout(), verbose: verbose}
				if strings.TrimSpace(message) != "" {
					return c.turn(ctx, message)
				}
				fmt.Fprintf(c.out, "%s Interactive mode, session %s (Ctrl+C to exit, /help for commands)\n\n", appName, sessionID)
				return c.interactive(ctx)
			})
		},
	}

	cmd.Flags().StringVarP(&message, "message", "m", "", "One-shot message")
	cmd.Flags().StringVarP(&sessionID, "session", "s", "cli:default", "Session id")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "Show retrieved and extracted memories for each turn")
	return cmd
}

type chatter struct {
	orch      *session.Orchestrator
	sessionID string
	out       io.Writer
	verbose   bool
}

func (c *chatter) turn(ctx context.Context, message string) error {
	res, err := c.orch.ProcessTurn(ctx, session.TurnRequest{SessionID: c.sessionID, Message: message})
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s %s\n", appName, res.AssistantResponse)
	if c.verbose {
		for _, m := range res.ActiveMemories {
			fmt.Fprintf(c.out, "  ↳ recalled [%s %.2f] %s\n", m.Type, m.RelevanceScore, m.Content)
		}
		for _, m := range res.ExtractedMemories {
			fmt.Fprintf(c.out, "  + learned [%s %.2f] %s\n", m.Type, m.Confidence, m.Content)
		}
	}
	return nil
}

// command handles a slash command. It reports false for plain messages.
func (c *chatter) command(ctx context.Context, input string) (bool, error) {
	switch input {
	case "/help":
		fmt.Fprintln(c.out, "/memories  list what is remembered in this session")
		fmt.Fprintln(c.out, "/clear     forget this session")
		fmt.Fprintln(c.out, "exit       leave")
		return true, nil
	case "/memories":
		list, err := c.orch.ListMemories(ctx, c.sessionID, memory.Filter{})
		if err != nil {
			return true, err
		}
		if len(list) == 0 {
			fmt.Fprintln(c.out, "Nothing remembered yet.")
			return true, nil
		}
		scored := make([]memory.ScoredMemory, len(list))
		for i, m := range list {
			scored[i] = memory.ScoredMemory{Memory: m}
		}
		fmt.Fprint(c.out, memory.FormatForPrompt(scored, true))
		return true, nil
	case "/clear":
		if err := c.orch.ClearSession(ctx, c.sessionID); err != nil {
			return true, err
		}
		fmt.Fprintf(c.out, "Session %s cleared.\n", c.sessionID)
		return true, nil
	}
	return false, nil
}

func (c *chatter) handleLine(ctx context.Context, line string) (quit bool) {
	input := strings.TrimSpace(line)
	if input == "" {
		return false
	}
	if input == "exit" || input == "quit" {
		fmt.Fprintln(c.out, "Goodbye!")
		return true
	}
	handled, err := c.command(ctx, input)
	if !handled {
		err = c.turn(ctx, input)
	}
	if err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", err)
	}
	fmt.Fprintln(c.out)
	return false
}

func (c *chatter) interactive(ctx context.Context) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "You: ",
		HistoryFile:     filepath.Join(os.TempDir(), ".dotmemory_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		Stdout:          c.out,
	})
	if err != nil {
		fmt.Fprintf(c.out, "Error initializing readline: %v\nFalling back to simple input mode...\n", err)
		return c.simple(ctx, os.Stdin)
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				fmt.Fprintln(c.out, "\nGoodbye!")
				return nil
			}
			return err
		}
		if c.handleLine(ctx, line) {
			return nil
		}
	}
}

func (c *chatter) simple(ctx context.Context, in io.Reader) error {
	reader := bufio.NewReader(in)
	for {
		fmt.Fprint(c.out, "You: ")
		line, err := reader.ReadString('\n')
		if line != "" && c.handleLine(ctx, line) {
			return nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				fmt.Fprintln(c.out, "\nGoodbye!")
				return nil
			}
			return err
		}
	}
}
