// Package dht implements the Kademlia routing and lookup layer: a routing
// table of k-buckets, a request dispatcher with retries, handlers for
// PING/FINDNODE/FINDCONTENT, iterative lookups and table maintenance.
//
// # Routing Table
//
// Peers are organised by XOR distance from the local ID. Bucket i holds
// peers sharing exactly i leading bits with the local ID; the last bucket
// holds everything closer and is the only one that splits when full. A
// full bucket that cannot split parks newcomers in a replacement cache and
// reports its least recently seen entry as a challenge candidate:
//
//	res := table.Observe(rec)
//	if res.Status == dht.ObserveCached {
//	    maintainer.Challenge(res.Challenge)
//	}
//
// # Requests
//
// The Dispatcher assigns each request a random 64-bit id, re-sends it with
// the same id on timeout and collects multi-part NODES and CONTENT answers:
//
//	call, err := dispatcher.Request(ctx, peer, &protocol.FindNode{Target: id})
//	responses, err := call.Wait(ctx)
//
// # Lookups
//
// Lookuper runs rounds of at most alpha concurrent queries against the
// closest unqueried candidates until the k closest have all answered:
//
//	res, err := lookuper.LookupNodes(ctx, target)
//	var lerr *dht.LookupError
//	if errors.As(err, &lerr) {
//	    partial := lerr.Partial
//	}
package dht
