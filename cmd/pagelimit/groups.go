package main

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/goodtune/pagelimit/internal/usage"
)

var groupsCmd = &cobra.Command{
	Use:   "groups",
	Short: "List groups with today's usage",
	Args:  cobra.NoArgs,
	RunE:  runGroups,
}

func init() {
	rootCmd.AddCommand(groupsCmd)
}

func runGroups(cmd *cobra.Command, args []string) error {
	a, err := openOffline()
	if err != nil {
		return err
	}
	defer a.Close()

	s, err := a.repo.Load(context.Background())
	if err != nil {
		return err
	}

	now := time.Now()
	cyan := color.New(color.FgCyan, color.Bold)
	red := color.New(color.FgRed)

	cyan.Printf("Usage day %s, next reset %s\n", usage.DateKey(s.DailyResetTime, now),
		usage.NextReset(s.DailyResetTime, now).Format("2006-01-02 15:04"))
	if s.IsStrictModeEnabled {
		red.Println("Strict mode is on")
	}
	fmt.Println()

	if len(s.Groups) == 0 {
		fmt.Println("No groups configured")
	}
	for i := range s.Groups {
		g := &s.Groups[i]
		used := time.Duration(usage.SecondsUsedToday(g, s.DailyResetTime, now)) * time.Second
		limit := "unlimited"
		if !g.Unlimited() {
			limit = (time.Duration(g.TimelimitSeconds) * time.Second).String()
		}
		fmt.Printf("%d. %s [%s]\n", i+1, g.Name, g.ID)
		fmt.Printf("   used %s of %s\n", used, limit)
		for _, p := range g.Patterns {
			fmt.Printf("   - %s\n", p)
		}
	}

	if len(s.AllowedPatterns) > 0 {
		fmt.Println()
		cyan.Println("Always allowed")
		for _, p := range s.AllowedPatterns {
			fmt.Printf("   - %s\n", p)
		}
	}
	return nil
}
