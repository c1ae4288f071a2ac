package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var historyLimit int

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 50, "number of messages to show (0 for all)")
}

var historyCmd = &cobra.Command{
	Use:   "history <property-id>",
	Short: "Show cached messages for a property",
	Long:  "Print messages from the local cache without connecting. The cache is filled by send and follow.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		if store == nil {
			return errors.New("cache is disabled; enable it with 'proptalk config set cache.enabled true'")
		}
		defer store.Close()

		msgs, err := store.Messages(args[0], historyLimit)
		if err != nil {
			return err
		}
		if len(msgs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No cached messages.")
			return nil
		}
		for _, m := range msgs {
			fmt.Fprintln(cmd.OutOrStdout(), formatMessage(m, ""))
		}
		return nil
	},
}
