package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var syncCarryover bool

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Show or switch the settings partition",
	Long: `With syncing enabled, settings live in the sync partition (redis when
storage.sync_type is redis). Disabled, they live in the local bolt file.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openOffline()
		if err != nil {
			return err
		}
		defer a.Close()

		enabled, err := a.repo.IsSyncingEnabled(context.Background())
		if err != nil {
			return err
		}
		fmt.Printf("Syncing: %s\n", onOff(enabled))
		return nil
	},
}

var syncEnableCmd = &cobra.Command{
	Use:   "enable",
	Short: "Read and write settings in the sync partition",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return setSyncing(true)
	},
}

var syncDisableCmd = &cobra.Command{
	Use:   "disable",
	Short: "Read and write settings in the local partition",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return setSyncing(false)
	},
}

func init() {
	syncCmd.PersistentFlags().BoolVar(&syncCarryover, "carryover", false, "Copy the current settings into the target partition")
	syncCmd.AddCommand(syncEnableCmd)
	syncCmd.AddCommand(syncDisableCmd)
	rootCmd.AddCommand(syncCmd)
}

func setSyncing(enabled bool) error {
	a, err := openOffline()
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.editor.SetSyncingEnabled(context.Background(), enabled, syncCarryover); err != nil {
		return err
	}
	fmt.Printf("Syncing: %s\n", onOff(enabled))
	return nil
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
