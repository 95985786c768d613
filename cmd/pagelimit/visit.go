package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/goodtune/pagelimit/internal/agent"
	"github.com/goodtune/pagelimit/internal/bus"
	"github.com/goodtune/pagelimit/internal/config"
)

var visitFor time.Duration

var visitCmd = &cobra.Command{
	Use:   "visit [flags] URL",
	Short: "Simulate a focused page against the running daemon",
	Long: `Connect to the daemon's message bus as a page agent and keep URL in focus
until the duration passes, the page is blocked, or the command is interrupted.
The elapsed time is reported on exit.`,
	Example: `  pagelimit visit https://www.youtube.com/
  pagelimit visit --for 90s https://news.ycombinator.com/`,
	Args: cobra.ExactArgs(1),
	RunE: runVisit,
}

func init() {
	visitCmd.Flags().DurationVar(&visitFor, "for", 0, "Leave the page after this long (default: until interrupted)")
	rootCmd.AddCommand(visitCmd)
}

func runVisit(cmd *cobra.Command, args []string) error {
	pageURL, err := url.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger := setupLogger(cfg.Logging)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	client, err := bus.Dial(ctx, cfg.Agent.CoordinatorURL, bus.SourceContentScript,
		parseDuration(cfg.Agent.RequestTimeout, bus.DefaultRequestTimeout), logger)
	if err != nil {
		return err
	}
	defer client.Close()

	blocked := make(chan struct{})
	blocker := agent.BlockerFunc(func(u string) {
		color.New(color.FgRed, color.Bold).Printf("BLOCKED %s → %s\n", u, cfg.Agent.BlockURL)
		close(blocked)
	})

	a := agent.New(pageURL.String(), client, blocker, agent.Options{
		StartDelay: parseDuration(cfg.Agent.StartDelay, agent.DefaultStartDelay),
		Logger:     logger,
	})
	client.OnPush(func(msg bus.Message) {
		go a.HandleMessage(ctx, msg)
	})

	if err := a.Load(ctx); err != nil {
		return err
	}

	switch a.State() {
	case agent.StateBlocked:
		return nil
	case agent.StateTracking:
		color.New(color.FgYellow, color.Bold).Printf("Tracking %s: %s left\n",
			pageURL, time.Duration(a.SecondsLeft())*time.Second)
	default:
		color.New(color.FgGreen, color.Bold).Printf("%s is not limited\n", pageURL)
		return nil
	}

	var deadline <-chan time.Time
	if visitFor > 0 {
		deadline = time.After(visitFor)
	}

	select {
	case <-blocked:
		return nil
	case <-deadline:
	case <-ctx.Done():
	case <-client.Done():
		return fmt.Errorf("lost connection to %s", cfg.Agent.CoordinatorURL)
	}

	// Leave the page with a fresh context so the final report goes out
	leaveCtx, leaveCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer leaveCancel()
	return a.Deactivate(leaveCtx)
}
