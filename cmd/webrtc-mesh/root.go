package main

import (
	"fmt"
	"os"

	"github.com/kw-m/webrtc-mesh/pkg/config"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// command line flag placeholder variables
var configFilePath string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "webrtc-mesh",
	Short: "Full mesh WebRTC video rooms",
	Long: `webrtc-mesh joins a room through a signaling relay and opens a direct WebRTC link to every
other participant in it. It can also run the signaling relay itself.

Examples:
  webrtc-mesh relay
  webrtc-mesh join my-room
  webrtc-mesh --config-file mesh.yaml join my-room`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFilePath, "config-file", "", "Path to a json, yaml or toml config file. MESH_* environment variables override it")
	rootCmd.AddCommand(joinCmd, relayCmd)
}

func loadConfig() (*config.MeshConfig, error) {
	cfg, err := config.ReadConfigFile(configFilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return &cfg, nil
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}
