package main

import (
	"context"
	"fmt"
	"os"

	"framerelay/pkg/config"

	"github.com/spf13/cobra"
)

var (
	flagConfig      string
	flagPort        int
	flagAnalysisURL string
)

var rootCmd = &cobra.Command{
	Use:   "framerelay",
	Short: "Signaling relay and frame analysis bridge",
	Long: `framerelay relays WebRTC negotiation messages between the members of a
room over WebSocket, and forwards captured JPEG frames to an image-analysis
service, returning each result to the client that sent the frame.

Examples:
  framerelay
  framerelay --config configs/config.yaml
  framerelay --port 3000 --analysis-url http://127.0.0.1:8000/analyze`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return run(cmd.Context(), cfg)
	},
}

func init() {
	rootCmd.Flags().StringVarP(&flagConfig, "config", "c", "", "path to the YAML config file")
	rootCmd.Flags().IntVarP(&flagPort, "port", "p", 0, "listen port, overrides server.address and PORT")
	rootCmd.Flags().StringVar(&flagAnalysisURL, "analysis-url", "", "analysis service endpoint, overrides ANALYSIS_URL")
}

// loadConfig layers the config file, the environment and then the flags.
func loadConfig() (*config.Config, error) {
	path := flagConfig
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file: %w", err)
		}
	} else {
		path = config.FindConfigFile(
			"configs/config.yaml",
			"./config.yaml",
			"/etc/framerelay/config.yaml",
		)
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if flagPort != 0 {
		cfg.Server.Address = fmt.Sprintf(":%d", flagPort)
	}
	if flagAnalysisURL != "" {
		cfg.Analysis.URL = flagAnalysisURL
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func main() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "framerelay:", err)
		os.Exit(1)
	}
}
