package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/kw-m/webrtc-mesh/pkg/config"
	"github.com/kw-m/webrtc-mesh/pkg/relay"
	"github.com/spf13/cobra"
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run the signaling relay that participants connect to",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		println("------------ Starting WebRTC Mesh Relay ----------------|")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGHUP)
		defer stop()

		server := relay.NewServer(cfg.Relay, config.SetupLogger(cfg))
		return server.Run(ctx)
	},
}
