// Command localnet is a local network harness (SPEC_FULL.md's C12): it
// spins up N in-process dhtnode engines over loopback TCP, bootstraps
// each against its predecessor, runs a self-lookup on every node, then
// exercises one Store/Get round trip to demonstrate a value replicating
// across the resulting ring. Grounded on the teacher's testing package
// (testing/id_testing.go), generalized from a single identity smoke
// test into a multi-node network harness.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/kutluhann/dfss-kad/dht"
	"github.com/kutluhann/dfss-kad/transport/tcp"
)

type localNode struct {
	id        dht.NodeID
	transport *tcp.Transport
	engine    *dht.Engine
	sched     *dht.Scheduler
	addr      string
}

func main() {
	n := flag.Int("nodes", 8, "number of local nodes to run")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stdout, nil))
	nodes := make([]*localNode, 0, *n)

	for i := 0; i < *n; i++ {
		id, err := dht.NewNodeID()
		if err != nil {
			fmt.Printf("node %d: failed to generate identity: %v\n", i, err)
			os.Exit(1)
		}
		transport := tcp.New(id, log)
		engine := dht.NewEngine(id, transport, nil, log)
		transport.SetSink(engine)

		addr, err := transport.Listen("127.0.0.1:0")
		if err != nil {
			fmt.Printf("node %d: failed to listen: %v\n", i, err)
			os.Exit(1)
		}

		sched := dht.NewScheduler(engine)
		sched.Start()

		nodes = append(nodes, &localNode{id: id, transport: transport, engine: engine, sched: sched, addr: addr})
		fmt.Printf("node %d: %s listening on %s\n", i, id.String()[:16], addr)
	}
	defer func() {
		for _, nd := range nodes {
			nd.sched.Stop()
			nd.transport.Close()
		}
	}()

	fmt.Println("bootstrapping ring...")
	for i := 1; i < len(nodes); i++ {
		prev := nodes[i-1]
		if _, err := nodes[i].transport.Dial(prev.addr); err != nil {
			fmt.Printf("node %d: bootstrap dial to node %d failed: %v\n", i, i-1, err)
			continue
		}
	}

	fmt.Println("running self-lookups to populate routing tables...")
	for i, nd := range nodes {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		closest := nd.engine.FindNode(ctx, nd.id)
		cancel()
		fmt.Printf("node %d: self-lookup found %d peers, routing table size %d\n", i, len(closest), nd.engine.RoutingTable().Size())
	}

	if len(nodes) > 0 {
		fmt.Println("exercising a Store/Get round trip...")
		writer := nodes[0]
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := writer.engine.Store(ctx, []byte("localnet-demo-key"), []byte("hello, kademlia"))
		cancel()
		if err != nil {
			fmt.Printf("store failed: %v\n", err)
		} else {
			reader := nodes[len(nodes)-1]
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			value, ok := reader.engine.Get(ctx, []byte("localnet-demo-key"))
			cancel()
			if ok {
				fmt.Printf("node %d retrieved: %q\n", len(nodes)-1, value)
			} else {
				fmt.Printf("node %d failed to retrieve the stored value\n", len(nodes)-1)
			}
		}
	}

	fmt.Println("localnet harness run complete")
}
