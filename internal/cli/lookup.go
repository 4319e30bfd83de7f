package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/opd-ai/dhtcore"
	"github.com/opd-ai/dhtcore/dht"
	"github.com/opd-ai/dhtcore/enode"
	"github.com/spf13/cobra"
)

var (
	lookupTimeout time.Duration
	lookupOutput  string
)

func init() {
	LookupCmd.PersistentFlags().DurationVar(&lookupTimeout, "timeout", 30*time.Second, "overall time limit")
	LookupContentCmd.Flags().StringVarP(&lookupOutput, "output", "o", "", "write the content to this file instead of stdout")
	LookupCmd.AddCommand(LookupNodeCmd, LookupContentCmd, LookupProvidersCmd)
	rootCmd.AddCommand(LookupCmd)
}

var LookupCmd = &cobra.Command{
	Use:   "lookup",
	Short: "Run a one-shot lookup",
	Long:  "Join the network through the bootstrap nodes, run one lookup and print the result.",
}

var LookupNodeCmd = &cobra.Command{
	Use:   "node <hex-id>",
	Short: "Find the nodes closest to an ID",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target, err := enode.ParseID(args[0])
		if err != nil {
			return err
		}
		return withClient(cmd, func(ctx context.Context, client *dhtcore.Client) error {
			res, err := client.LookupNodes(ctx, target)
			var lerr *dht.LookupError
			if errors.As(err, &lerr) && lerr.Partial != nil {
				cmd.PrintErrln("lookup incomplete:", err)
				res = lerr.Partial
			} else if err != nil {
				return err
			}
			cmd.Printf("lookup %s: %d rounds, %d queried, %v\n", res.ID, res.Rounds, res.Queried, res.Elapsed.Round(time.Millisecond))
			for _, rec := range res.Closest {
				cmd.Printf("%3d  %s  %s\n", enode.LogDistance(target, rec.ID), rec.ID.TerminalString(), rec.UDPAddr())
			}
			return nil
		})
	},
}

var LookupContentCmd = &cobra.Command{
	Use:   "content <key>",
	Short: "Fetch the content stored under a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := enode.ContentID([]byte(args[0]))
		return withClient(cmd, func(ctx context.Context, client *dhtcore.Client) error {
			res, err := client.LookupContent(ctx, id)
			if err != nil {
				return err
			}
			if !res.Found {
				return fmt.Errorf("content %s not found after %d rounds", id.TerminalString(), res.Rounds)
			}
			cmd.PrintErrf("found %d bytes at %s\n", len(res.Content), res.ContentFrom.ID.TerminalString())
			if lookupOutput != "" {
				return os.WriteFile(lookupOutput, res.Content, 0o644)
			}
			_, err = cmd.OutOrStdout().Write(res.Content)
			return err
		})
	},
}

var LookupProvidersCmd = &cobra.Command{
	Use:   "providers <key>",
	Short: "List the nodes that announced a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := enode.ContentID([]byte(args[0]))
		return withClient(cmd, func(ctx context.Context, client *dhtcore.Client) error {
			res, err := client.LocateProviders(ctx, id)
			if err != nil {
				return err
			}
			if !res.Found {
				return fmt.Errorf("no providers for %s", id.TerminalString())
			}
			for _, rec := range res.Providers {
				cmd.Printf("%s  %s\n", rec.ID.TerminalString(), rec.String())
			}
			return nil
		})
	},
}

// withClient starts a client on an ephemeral port, bootstraps it and runs fn.
func withClient(cmd *cobra.Command, fn func(context.Context, *dhtcore.Client) error) error {
	_, opts, err := loadOptions()
	if err != nil {
		return err
	}
	if len(opts.BootstrapNodes) == 0 {
		return errors.New("at least one --bootstrap record is required")
	}
	if listenAddr == "" {
		opts.ListenAddr = "0.0.0.0:0"
	}
	opts.Identity = nil
	opts.DataDir = ""

	client, err := dhtcore.New(opts)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), lookupTimeout)
	defer cancel()
	if err := client.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	return fn(ctx, client)
}
