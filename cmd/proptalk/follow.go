package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	proptalk "github.com/proptalk/proptalk/sdk/golang"
)

var (
	followMarkRead    bool
	followMetricsAddr string
)

func init() {
	rootCmd.AddCommand(followCmd)
	followCmd.Flags().BoolVar(&followMarkRead, "mark-read", false, "mark incoming messages as read")
	followCmd.Flags().StringVar(&followMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9120)")
}

var followCmd = &cobra.Command{
	Use:   "follow <property-id> <timeline-id>",
	Short: "Stream a property conversation",
	Long:  "Join a property conversation and print messages, typing and connection changes until interrupted.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		propertyID, timelineID := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		log := newLogger(cfg)

		reg := prometheus.NewRegistry()
		metrics := proptalk.NewMetrics(reg)
		sess, closeSession, err := openSession(cfg, proptalk.WithMetrics(metrics))
		if err != nil {
			return err
		}
		defer closeSession()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if followMetricsAddr != "" {
			srv := &http.Server{Addr: followMetricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error().Err(err).Str("addr", followMetricsAddr).Msg("metrics server failed")
				}
			}()
			defer srv.Close()
		}

		out := cmd.OutOrStdout()
		printed := make(map[string]bool)
		rejoin := newReconnectWatch()
		sess.On(func(u proptalk.Update) {
			switch u.Kind {
			case proptalk.UpdateLog:
				if u.PropertyID != propertyID {
					return
				}
				viewer := sess.Viewer().UserID
				for _, m := range u.Log {
					if m.IsProvisional() || printed[m.ID] {
						continue
					}
					printed[m.ID] = true
					fmt.Fprintln(out, formatMessage(m, viewer))
				}
				if followMarkRead && u.Unread > 0 {
					go func() {
						if err := sess.MarkRead(ctx, propertyID); err != nil && ctx.Err() == nil {
							log.Warn().Err(err).Msg("mark read failed")
						}
					}()
				}
			case proptalk.UpdateTyping:
				if u.PropertyID == propertyID && len(u.Typing) > 0 {
					fmt.Fprintf(out, "  %s typing...\n", strings.Join(u.Typing, ", "))
				}
			case proptalk.UpdateConnection:
				ev := u.Connection
				switch ev.Kind {
				case proptalk.ConnDisconnected:
					fmt.Fprintf(out, "-- disconnected: %s\n", ev.Reason)
				case proptalk.ConnReconnecting:
					fmt.Fprintf(out, "-- reconnecting (attempt %d in %s)\n", ev.Attempt, ev.Delay.Round(time.Millisecond))
				}
				rejoin.observe(ev.Kind)
			}
		})

		connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		err = sess.Connect(connectCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		sess.SetActiveProperty(propertyID)

		for {
			joinCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			conv, err := sess.Resolve(joinCtx, propertyID, timelineID)
			cancel()
			if err == nil {
				fmt.Fprintf(out, "-- following %s (conversation %s)\n", propertyID, conv.ID)
			} else if ctx.Err() == nil {
				log.Warn().Err(err).Str("property", propertyID).Msg("resolve failed")
			}

			// Rejoin after every reconnect to catch up on missed messages.
			select {
			case <-ctx.Done():
				return nil
			case <-rejoin.C:
			}
		}
	},
}

// reconnectWatch signals on C for every connect after the first. Signals
// coalesce while nobody is receiving.
type reconnectWatch struct {
	connects int
	C        chan struct{}
}

func newReconnectWatch() *reconnectWatch {
	return &reconnectWatch{C: make(chan struct{}, 1)}
}

func (w *reconnectWatch) observe(kind proptalk.ConnectionEventKind) {
	if kind != proptalk.ConnConnected {
		return
	}
	w.connects++
	if w.connects == 1 {
		return
	}
	select {
	case w.C <- struct{}{}:
	default:
	}
}
