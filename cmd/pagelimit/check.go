package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/goodtune/pagelimit/internal/config"
	"github.com/goodtune/pagelimit/internal/coordinator"
	"github.com/goodtune/pagelimit/internal/usage"
)

var (
	checkAt     string
	checkServer string
)

var checkCmd = &cobra.Command{
	Use:   "check [flags] URL",
	Short: "Check how a URL would be limited",
	Long: `Evaluate a URL against the stored groups and allow-list and show the
matching group and its remaining budget. Reads the store directly, so the
daemon must not hold the bolt file.`,
	Example: `  pagelimit -c config.yaml check https://news.ycombinator.com/
  pagelimit check --at "2024-06-02 03:59" https://www.youtube.com/watch
  pagelimit check --server http://127.0.0.1:7717 https://www.youtube.com/`,
	Args: cobra.ExactArgs(1),
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().StringVar(&checkAt, "at", "", "Evaluate at this local time (YYYY-MM-DD HH:MM) - defaults to now")
	checkCmd.Flags().StringVar(&checkServer, "server", "", "Ask a running daemon at this base URL instead of opening the store")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	parsedURL, err := url.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	checkTime := time.Now()
	if checkAt != "" {
		checkTime, err = time.ParseInLocation("2006-01-02 15:04", checkAt, time.Local)
		if err != nil {
			return fmt.Errorf("invalid --at time: %w", err)
		}
	}

	if checkServer != "" {
		if checkAt != "" {
			return fmt.Errorf("--at cannot be combined with --server")
		}
		eval, reset, err := checkRemote(context.Background(), checkServer, parsedURL.String())
		if err != nil {
			return err
		}
		printCheckResult(parsedURL, checkTime, reset, eval)
		return nil
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	mock := clock.NewMock()
	mock.Set(checkTime)

	a, err := newApp(cfg, mock, quietLogger())
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := context.Background()
	eval, err := a.coord.Evaluate(ctx, parsedURL.String())
	if err != nil {
		return fmt.Errorf("failed to evaluate: %w", err)
	}
	reset, err := a.coord.DailyResetTime(ctx)
	if err != nil {
		return err
	}

	printCheckResult(parsedURL, checkTime, reset, eval)
	return nil
}

// checkRemote evaluates pageURL through the daemon's settings API.
func checkRemote(ctx context.Context, server, pageURL string) (coordinator.Evaluation, string, error) {
	client := &http.Client{Timeout: 10 * time.Second}

	var eval coordinator.Evaluation
	if err := getJSON(ctx, client, server+"/api/evaluate?url="+url.QueryEscape(pageURL), &eval); err != nil {
		return eval, "", err
	}

	var current struct {
		DailyResetTime string `json:"dailyResetTime"`
	}
	if err := getJSON(ctx, client, server+"/api/settings", &current); err != nil {
		return eval, "", err
	}
	return eval, current.DailyResetTime, nil
}

func getJSON(ctx context.Context, client *http.Client, target string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach daemon: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("daemon returned %s for %s", resp.Status, req.URL.Path)
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}

// printCheckResult prints the check result with colors
func printCheckResult(parsedURL *url.URL, checkTime time.Time, reset string, eval coordinator.Evaluation) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	red := color.New(color.FgRed, color.Bold)
	yellow := color.New(color.FgYellow, color.Bold)

	fmt.Println()
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	cyan.Println("PAGE LIMIT CHECK")
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()

	fmt.Printf("URL:        %s\n", parsedURL.String())
	fmt.Printf("Check Time: %s (%s)\n", checkTime.Format("2006-01-02 15:04"), checkTime.Weekday())
	fmt.Printf("Usage Day:  %s (resets at %s)\n", usage.DateKey(reset, checkTime), reset)
	fmt.Println()

	cyan.Print("Decision:   ")
	switch {
	case eval.Allowed:
		green.Println("ALLOWED")
		fmt.Printf("            → Allow-list pattern %q matches\n", eval.Pattern)
		fmt.Println("            → Time on this page is never counted")
	case !eval.Matched:
		green.Println("NOT LIMITED")
		fmt.Println("            → No group matches this URL")
	case eval.Unlimited:
		green.Println("UNLIMITED")
		fmt.Println("            → Time is recorded but never blocked")
	case eval.SecondsLeft <= 0:
		red.Println("BLOCK")
		fmt.Println("            → The group's budget is spent for today")
	default:
		yellow.Println("LIMITED")
		fmt.Printf("            → %s left today\n", time.Duration(eval.SecondsLeft)*time.Second)
	}

	if eval.Matched {
		fmt.Printf("Group:      %s (%s)\n", eval.GroupName, eval.GroupID)
		fmt.Printf("Pattern:    %s\n", eval.Pattern)
	}

	fmt.Println()
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()
}
