// Package cli implements the dhtnode command line.
package cli

import (
	"fmt"
	"os"

	"github.com/opd-ai/dhtcore"
	"github.com/opd-ai/dhtcore/config"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
	listenAddr string
	bootstrap  []string
)

var rootCmd = &cobra.Command{
	Use:   "dhtnode",
	Short: "Kademlia DHT node",
	Long:  "dhtnode runs and queries nodes of an encrypted Kademlia DHT.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if logLevel == "" {
			return nil
		}
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		logrus.SetLevel(level)
		return nil
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVarP(&listenAddr, "listen", "l", "", "UDP listen address")
	rootCmd.PersistentFlags().StringSliceVarP(&bootstrap, "bootstrap", "b", nil, "bootstrap node record (enr:...), repeatable")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads --config (or the defaults) and applies command line
// overrides.
func loadConfig() (*config.File, error) {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if listenAddr != "" {
		cfg.Node.Listen = listenAddr
	}
	cfg.Bootstrap = append(cfg.Bootstrap, bootstrap...)
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

func loadOptions() (*config.File, *dhtcore.Options, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	opts, err := cfg.Options()
	if err != nil {
		return nil, nil, fmt.Errorf("configuration: %w", err)
	}
	return cfg, opts, nil
}
