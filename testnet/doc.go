// Package testnet runs whole DHT networks in one process over a simulated
// UDP network and reports how well bootstrap and lookups perform.
//
//	config := testnet.DefaultTestConfig()
//	config.Nodes = 100
//	config.DropRate = 0.05
//
//	orchestrator, err := testnet.NewTestOrchestrator(config)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	results, err := orchestrator.RunTests(ctx)
package testnet
