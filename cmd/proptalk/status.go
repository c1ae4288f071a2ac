package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and connection status",
	Long:  "Display the current configuration, check the server health endpoint and open a realtime session to report the viewer identity.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		out := cmd.OutOrStdout()

		fmt.Fprintln(out, "Configuration:")
		fmt.Fprintf(out, "  Server:      %s\n", valueOrDefault(cfg.Server.BaseURL, "(not set)"))
		if cfg.Server.Token != "" {
			fmt.Fprintf(out, "  Token:       %s\n", maskKey(cfg.Server.Token))
		} else {
			fmt.Fprintln(out, "  Token:       (not set)")
			return nil
		}
		if cfg.Cache.Enabled {
			path, _ := cfg.cachePath()
			fmt.Fprintf(out, "  Cache:       %s\n", path)
		} else {
			fmt.Fprintln(out, "  Cache:       disabled")
		}

		log := newLogger(cfg)
		client, err := getClient(cfg, log)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Server:")
		if h, err := client.Health(ctx); err != nil {
			fmt.Fprintf(out, "  Health:      error: %v\n", err)
		} else {
			fmt.Fprintf(out, "  Health:      %s %s\n", h.Status, h.Version)
		}

		// The cache is not needed to report identity.
		scfg, err := cfg.sessionConfig()
		if err != nil {
			return err
		}
		scfg.AutoReconnect = false
		sess := client.NewSession(scfg)
		defer sess.Close()

		fmt.Fprintf(out, "  Realtime:    %s\n", strings.SplitN(client.WSURL(), "?", 2)[0])
		if err := sess.Connect(ctx); err != nil {
			fmt.Fprintf(out, "  Connection:  error: %v\n", err)
			return nil
		}
		viewer := sess.Viewer()
		fmt.Fprintln(out, "  Connection:  ok")
		fmt.Fprintf(out, "  Viewer:      %s (%s)\n", viewer.UserID, viewer.Role)
		fmt.Fprintf(out, "  Online:      %s\n", valueOrDefault(strings.Join(sess.OnlineUsers(), ", "), "(none)"))
		return nil
	},
}
