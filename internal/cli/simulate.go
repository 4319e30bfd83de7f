package cli

import (
	"github.com/opd-ai/dhtcore/testnet"
	"github.com/spf13/cobra"
)

var simConfig = testnet.DefaultTestConfig()

func init() {
	f := SimulateCmd.Flags()
	f.IntVar(&simConfig.Nodes, "nodes", simConfig.Nodes, "number of simulated nodes")
	f.IntVar(&simConfig.Lookups, "lookups", simConfig.Lookups, "number of node lookups")
	f.IntVar(&simConfig.ContentItems, "content", simConfig.ContentItems, "number of content lookups")
	f.IntVar(&simConfig.BucketSize, "k", simConfig.BucketSize, "bucket size")
	f.Float64Var(&simConfig.DropRate, "drop-rate", simConfig.DropRate, "probability that a datagram is lost")
	f.Float64Var(&simConfig.MinAccuracy, "min-accuracy", simConfig.MinAccuracy, "fraction of lookups that must succeed")
	f.Int64Var(&simConfig.Seed, "seed", simConfig.Seed, "random seed for workload and packet loss")
	f.DurationVar(&simConfig.OverallTimeout, "timeout", simConfig.OverallTimeout, "overall time limit")
	f.BoolVarP(&simConfig.VerboseOutput, "verbose", "v", false, "print the configuration before running")
	rootCmd.AddCommand(SimulateCmd)
}

var SimulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run an in-process simulated network",
	Long:  "Start many nodes on a simulated UDP network, bootstrap them and measure lookup accuracy.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		simConfig.Output = cmd.OutOrStdout()
		orchestrator, err := testnet.NewTestOrchestrator(simConfig)
		if err != nil {
			return err
		}
		_, err = orchestrator.RunTests(cmd.Context())
		return err
	},
}
