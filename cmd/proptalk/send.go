package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	proptalk "github.com/proptalk/proptalk/sdk/golang"
)

var (
	sendType    string
	sendTimeout time.Duration
)

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().StringVar(&sendType, "type", string(proptalk.TypeText), "message type: TEXT, IMAGE, PROPERTY_REFERENCE, FEEDBACK_ALERT")
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 30*time.Second, "overall timeout")
}

var sendCmd = &cobra.Command{
	Use:   "send <property-id> <timeline-id> <message...>",
	Short: "Send a message to a property conversation",
	Args:  cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		propertyID, timelineID := args[0], args[1]
		content := strings.Join(args[2:], " ")

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		sess, closeSession, err := openSession(cfg)
		if err != nil {
			return err
		}
		defer closeSession()

		ctx, cancel := context.WithTimeout(cmd.Context(), sendTimeout)
		defer cancel()

		if err := sess.Connect(ctx); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		if _, err := sess.Resolve(ctx, propertyID, timelineID); err != nil {
			return fmt.Errorf("resolve %s: %w", propertyID, err)
		}

		out, err := sess.Send(ctx, propertyID, content, proptalk.MessageType(strings.ToUpper(sendType)))
		if err != nil {
			return err
		}
		msg, err := out.Wait(ctx)
		if err != nil {
			var se *proptalk.SendError
			if errors.As(err, &se) {
				return fmt.Errorf("message not sent (%v); draft: %q", se.Kind, se.Draft)
			}
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Sent %s to %s\n", msg.ID, propertyID)
		return nil
	},
}
