// Command dhtnode runs and queries nodes of the DHT.
package main

import "github.com/opd-ai/dhtcore/internal/cli"

func main() {
	cli.Execute()
}
