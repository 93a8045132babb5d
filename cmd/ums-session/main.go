// ABOUTME: Entry point for the ums-session consumer messaging client
// ABOUTME: Cobra root command with connect, replay and version subcommands

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// version is set by goreleaser at build time.
var version = "dev"

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "ums-session",
	Short: "Consumer messaging session client",
	Long: `ums-session opens a consumer conversation over the messaging socket.

It authenticates through the token broker, keeps the socket alive, renders the
conversation timeline and lets you chat from the terminal.

Quick Start:
  ums-session connect                  # chat using the configured account
  ums-session replay script.yaml       # play a recorded session offline`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// getConfigPath returns the path to the client config file.
// Priority: --config flag > UMS_SESSION_CONFIG env var > XDG_CONFIG_HOME/ums-session/config.yaml > ~/.config/ums-session/config.yaml
func getConfigPath() string {
	if configPath != "" {
		return configPath
	}
	if envPath := os.Getenv("UMS_SESSION_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "ums-session", "config.yaml")
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the config file (YAML or TOML)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override logging.level (debug, info, warn, error)")
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	rootCmd.AddCommand(connectCmd, replayCmd, versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}
