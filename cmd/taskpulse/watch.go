package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/ternarybob/taskpulse/internal/common"
	"github.com/ternarybob/taskpulse/pkg/client"
)

var watchOwner string

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Connect as an owner and print realtime frames",
	Long:  `Opens a delivery channel for one owner and prints every task update and notification until interrupted. The channel reconnects with backoff when it drops.`,
	RunE:  runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchOwner, "owner", "", "Owner to watch (required)")
	_ = watchCmd.MarkFlagRequired("owner")
}

func runWatch(cmd *cobra.Command, args []string) error {
	agent := client.NewAgent(client.Options{
		URL:               config.Client.URL,
		HeartbeatInterval: common.ParseDuration(config.Client.HeartbeatInterval, client.DefaultHeartbeatInterval),
		BaseDelay:         common.ParseDuration(config.Client.BaseDelay, client.DefaultBaseDelay),
		MaxDelay:          common.ParseDuration(config.Client.MaxDelay, client.DefaultMaxDelay),
		MaxAttempts:       config.Client.MaxAttempts,
		Logger:            logger,
	})
	defer agent.Close()

	out := cmd.OutOrStdout()
	agent.OnMessage(func(msg client.Message) {
		data, err := json.Marshal(msg)
		if err != nil {
			return
		}
		fmt.Fprintln(out, string(data))
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// A failed first dial still schedules reconnects
	if err := agent.Connect(ctx, watchOwner); err != nil {
		logger.Warn().Err(err).Str("url", config.Client.URL).Msg("Initial connect failed, retrying")
	}

	<-ctx.Done()
	agent.Disconnect()
	logger.Info().Str("owner_id", watchOwner).Msg("Watch stopped")
	return nil
}
