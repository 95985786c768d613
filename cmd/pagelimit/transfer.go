package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/spf13/cobra"

	"github.com/goodtune/pagelimit/internal/config"
	"github.com/goodtune/pagelimit/internal/settings"
)

var exportCmd = &cobra.Command{
	Use:   "export [FILE]",
	Short: "Export settings to a JSON file",
	Long: `Write groups, allowed patterns, strict mode and the daily reset time to
FILE, or to page-limiter-export-<timestamp>.json in the current directory.
Use "-" for standard output.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runExport,
}

var importCmd = &cobra.Command{
	Use:   "import FILE",
	Short: "Replace settings from an exported JSON file",
	Long: `Validate FILE and replace the stored settings with its contents. Nothing is
written if the file is invalid. Refused while strict mode is on.`,
	Args: cobra.ExactArgs(1),
	RunE: runImport,
}

func init() {
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
}

func runExport(cmd *cobra.Command, args []string) error {
	a, err := openOffline()
	if err != nil {
		return err
	}
	defer a.Close()

	name := settings.ExportFilename(time.Now())
	if len(args) == 1 {
		name = args[0]
	}

	if name == "-" {
		return a.editor.Export(context.Background(), os.Stdout)
	}

	f, err := os.Create(name)
	if err != nil {
		return fmt.Errorf("failed to create export file: %w", err)
	}
	if err := a.editor.Export(context.Background(), f); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	fmt.Printf("Exported settings to %s\n", name)
	return nil
}

func runImport(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("failed to open import file: %w", err)
	}
	defer f.Close()

	a, err := openOffline()
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.editor.Import(context.Background(), f); err != nil {
		return err
	}

	fmt.Printf("Imported settings from %s\n", args[0])
	return nil
}

// openOffline opens the store for commands that run without the daemon.
func openOffline() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return newApp(cfg, clock.New(), quietLogger())
}
