// Package dhtcore implements a Kademlia DHT client with an authenticated,
// encrypted UDP session layer.
//
// A Client owns a routing table of peers ordered by XOR distance, a session
// manager that runs Noise IK handshakes and encrypts every message, a
// request dispatcher and an iterative lookup engine. Nodes and content are
// located by 256-bit identifiers.
//
// # Getting Started
//
//	options := dhtcore.NewOptions()
//	options.ListenAddr = "0.0.0.0:30303"
//	options.AdvertiseAddr = "203.0.113.7:30303"
//
//	seed, err := enode.ParseRecord("enr:...")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	options.BootstrapNodes = []*enode.Record{seed}
//
//	client, err := dhtcore.New(options)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.OnPeerDiscovered(func(peer *enode.Record) {
//	    fmt.Println("new peer", peer.ID.TerminalString())
//	})
//
//	if err := client.Bootstrap(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
//	result, err := client.LookupNodes(ctx, target)
//
// # Content
//
// Content is served from an application supplied ContentStore and found
// with LookupContent. Values are transferred in chunks of at most 1024
// bytes; a value is limited to 256 KiB.
//
//	options.ContentStore = myStore
//	result, err := client.LookupContent(ctx, enode.ContentID([]byte("key")))
//	if err == nil && result.Found {
//	    use(result.Content)
//	}
//
// # Transports
//
// By default the client binds a UDP socket on ListenAddr. Any
// transport.Transport can be supplied instead; the simnet package provides
// an in-memory network for tests. Callers that own their socket can feed
// datagrams with HandlePacket.
//
// # Metrics
//
// With EnableMetrics set, each client registers Prometheus collectors in
// its own registry, available through Metrics().Registry().
package dhtcore
