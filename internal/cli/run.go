package cli

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/opd-ai/dhtcore"
	"github.com/opd-ai/dhtcore/dht"
	"github.com/opd-ai/dhtcore/enode"
	"github.com/opd-ai/dhtcore/metrics"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	contentFiles  []string
	statsInterval time.Duration
)

func init() {
	RunCmd.Flags().StringSliceVar(&contentFiles, "serve", nil, "file to serve as content, keyed by its base name; repeatable")
	RunCmd.Flags().DurationVar(&statsInterval, "stats-interval", time.Minute, "how often routing table stats are logged")
	rootCmd.AddCommand(RunCmd)
}

var RunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a DHT node",
	Long:  "Run a DHT node until interrupted, optionally serving files and a Prometheus /metrics endpoint.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, opts, err := loadOptions()
		if err != nil {
			return err
		}
		store, err := loadContent(contentFiles)
		if err != nil {
			return err
		}
		opts.ContentStore = store

		client, err := dhtcore.New(opts)
		if err != nil {
			return err
		}
		defer client.Close()
		cmd.Println("node record:", client.Self().String())

		if cfg.Metrics.Enabled && cfg.Metrics.Listen != "" {
			server := metrics.NewServer(cfg.Metrics.Listen, client.Metrics())
			if err := server.Start(); err != nil {
				return err
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = server.Stop(ctx)
			}()
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if len(opts.BootstrapNodes) > 0 {
			if err := client.Bootstrap(ctx); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "run",
					"error":    err.Error(),
				}).Warn("Bootstrap failed, waiting for inbound peers")
			}
		}
		announceAll(ctx, client, store)

		ticker := time.NewTicker(statsInterval)
		defer ticker.Stop()
		reannounce := time.NewTicker(dht.DefaultProviderTTL / 2)
		defer reannounce.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-reannounce.C:
				announceAll(ctx, client, store)
			case <-ticker.C:
				stats := client.Stats()
				logrus.WithFields(logrus.Fields{
					"function":     "run",
					"nodes":        stats.Nodes,
					"replacements": stats.Replacements,
					"full_buckets": stats.FullBuckets,
					"depth":        stats.Depth,
					"sessions":     client.Sessions(),
				}).Info("Routing table status")
			}
		}
	},
}

// announceAll advertises every served file as provided by this node.
func announceAll(ctx context.Context, client *dhtcore.Client, store fileStore) {
	for id := range store {
		res, err := client.Announce(ctx, id)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "announceAll",
				"content":  id.TerminalString(),
				"error":    err.Error(),
			}).Warn("Announcement failed")
			continue
		}
		logrus.WithFields(logrus.Fields{
			"function": "announceAll",
			"content":  id.TerminalString(),
			"acked":    len(res.Acked),
		}).Info("Announced content")
	}
}

// fileStore serves content loaded at startup.
type fileStore map[enode.ID][]byte

func (s fileStore) LookupLocalContent(id enode.ID) ([]byte, bool) {
	v, ok := s[id]
	return v, ok
}

func loadContent(paths []string) (fileStore, error) {
	store := make(fileStore, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		key := filepath.Base(p)
		id := enode.ContentID([]byte(key))
		store[id] = data
		logrus.WithFields(logrus.Fields{
			"function": "loadContent",
			"key":      key,
			"content":  id.TerminalString(),
			"size":     len(data),
		}).Info("Serving content")
	}
	return store, nil
}
